package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type State string

const (
	StateIdle       State = "idle"
	StateAdmitted   State = "admitted"
	StateStreaming  State = "streaming"
	StateSanitizing State = "sanitizing"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
	StateAborted    State = "aborted"
)

var transitions = map[State][]State{
	StateIdle:       {StateAdmitted, StateRejected, StateAborted},
	StateAdmitted:   {StateStreaming, StateAborted},
	StateStreaming:  {StateSanitizing, StateAborted},
	StateSanitizing: {StateCommitted, StateAborted},
}

func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRejected || s == StateAborted
}

// Session tracks one admit, stream, sanitize, commit cycle.
type Session struct {
	ID        string
	RoomID    string
	UserID    uint64
	StartedAt time.Time

	mu      sync.Mutex
	state   State
	history []State
	cancel  context.CancelFunc
}

func newSession(id, roomID string, userID uint64, cancel context.CancelFunc) *Session {
	return &Session{
		ID:        id,
		RoomID:    roomID,
		UserID:    userID,
		StartedAt: time.Now(),
		state:     StateIdle,
		history:   []State{StateIdle},
		cancel:    cancel,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History lists every state the session went through, in order.
func (s *Session) History() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.history...)
}

func (s *Session) to(next State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.toLocked(next)
}

func (s *Session) toLocked(next State) error {
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			s.history = append(s.history, next)
			return nil
		}
	}
	return fmt.Errorf("generation session: illegal transition %s -> %s", s.state, next)
}

// commit runs fn and moves to Committed while holding the session lock, so a concurrent
// Cancel either lands before (and fn is skipped) or after (and is a no-op).
func (s *Session) commit(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		return err
	}
	return s.toLocked(StateCommitted)
}

// Cancel aborts an in-flight session. It reports false when the session already finished.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false
	}
	s.cancel()
	return true
}

// sessions indexes in-flight sessions by room.
type sessions struct {
	m sync.Map
}

func (r *sessions) put(s *Session) { r.m.Store(s.RoomID, s) }

func (r *sessions) remove(s *Session) { r.m.CompareAndDelete(s.RoomID, s) }

func (r *sessions) get(roomID string) (*Session, bool) {
	v, ok := r.m.Load(roomID)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}
