package ingest

import (
	"fmt"
	"time"

	"github.com/crmkit/knowledge/engine/core"
	"github.com/crmkit/knowledge/engine/knowledge"
)

// State is a step of one ingestion run.
type State string

const (
	StateIdle       State = "IDLE"
	StateSplitting  State = "SPLITTING"
	StateEmbedding  State = "EMBEDDING"
	StatePersisting State = "PERSISTING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

var allowedTransitions = map[State]State{
	StateIdle:       StateSplitting,
	StateSplitting:  StateEmbedding,
	StateEmbedding:  StatePersisting,
	StatePersisting: StateDone,
}

// Transition records a state change.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Session tracks a single ingestion run. It is owned by the goroutine that
// created it and is not safe for concurrent use.
type Session struct {
	ID          core.ID                   `json:"id"`
	DocumentID  string                    `json:"document_id"`
	Options     knowledge.ChunkingOptions `json:"options"`
	State       State                     `json:"state"`
	StartedAt   time.Time                 `json:"started_at"`
	FinishedAt  time.Time                 `json:"finished_at,omitzero"`
	Transitions []Transition              `json:"transitions"`
	Err         error                     `json:"-"`

	now func() time.Time
}

// NewSession starts a session in SPLITTING.
func NewSession(documentID string, options knowledge.ChunkingOptions, now func() time.Time) (*Session, error) {
	id, err := core.NewID()
	if err != nil {
		return nil, fmt.Errorf("ingest: create session id: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	s := &Session{
		ID:         id,
		DocumentID: documentID,
		Options:    options,
		State:      StateIdle,
		StartedAt:  now().UTC(),
		now:        now,
	}
	if err := s.Advance(StateSplitting); err != nil {
		return nil, err
	}
	return s, nil
}

// Advance moves to the next state of the happy path.
func (s *Session) Advance(to State) error {
	if s.State.Terminal() {
		return fmt.Errorf("ingest: session %s already %s", s.ID, s.State)
	}
	if next := allowedTransitions[s.State]; next != to {
		return fmt.Errorf("ingest: invalid transition %s -> %s", s.State, to)
	}
	s.record(to)
	return nil
}

// Fail moves the session to FAILED from any non-terminal state.
func (s *Session) Fail(err error) {
	if s.State.Terminal() {
		return
	}
	s.Err = err
	s.record(StateFailed)
}

// Duration is the elapsed time until the session finished, or until now.
func (s *Session) Duration() time.Duration {
	if !s.FinishedAt.IsZero() {
		return s.FinishedAt.Sub(s.StartedAt)
	}
	return s.now().UTC().Sub(s.StartedAt)
}

func (s *Session) record(to State) {
	at := s.now().UTC()
	s.Transitions = append(s.Transitions, Transition{From: s.State, To: to, At: at})
	s.State = to
	if to.Terminal() {
		s.FinishedAt = at
	}
}
