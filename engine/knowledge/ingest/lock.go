package ingest

import (
	"context"
	"sync"

	"github.com/crmkit/knowledge/engine/knowledge"
)

// ReleaseFunc releases a lock obtained from a Locker.
type ReleaseFunc func(ctx context.Context) error

// Locker serializes regeneration of a document. Acquire does not wait: a
// held key fails with knowledge.ErrDocumentBusy.
type Locker interface {
	Acquire(ctx context.Context, key string) (ReleaseFunc, error)
}

// LockKey is the lock name used for a document.
func LockKey(documentID string) string {
	return "knowledge:ingest:" + documentID
}

// LocalLocker is an in-process Locker keyed by document.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(_ context.Context, key string) (ReleaseFunc, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[key]; busy {
		return nil, knowledge.ErrDocumentBusy
	}
	l.held[key] = struct{}{}
	var once sync.Once
	return func(context.Context) error {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
		return nil
	}, nil
}
