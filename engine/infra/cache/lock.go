package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crmkit/knowledge/engine/knowledge"
	"github.com/crmkit/knowledge/engine/knowledge/ingest"
	"github.com/crmkit/knowledge/pkg/logger"
)

const DefaultLockTTL = 15 * time.Minute

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another holder is never released by us.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// ErrLockLost reports that the lock expired before release.
var ErrLockLost = errors.New("cache: lock expired before release")

// RedisLocker serializes document regeneration across processes with
// SET NX PX locks carrying a random token.
type RedisLocker struct {
	client RedisInterface
	ttl    time.Duration
}

var _ ingest.Locker = (*RedisLocker)(nil)

func NewRedisLocker(client RedisInterface, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Acquire takes key without waiting. A held key fails with
// knowledge.ErrDocumentBusy.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (ingest.ReleaseFunc, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, knowledge.ErrDocumentBusy
	}
	logger.FromContext(ctx).Debug("Lock acquired", "key", key, "ttl", l.ttl)
	var once sync.Once
	var releaseErr error
	return func(ctx context.Context) error {
		once.Do(func() {
			n, err := l.client.Eval(ctx, releaseScript, []string{key}, token).Int64()
			switch {
			case err != nil:
				releaseErr = fmt.Errorf("cache: release lock %s: %w", key, err)
			case n == 0:
				releaseErr = fmt.Errorf("%w: %s", ErrLockLost, key)
			}
		})
		return releaseErr
	}, nil
}
