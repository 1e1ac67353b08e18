package bot

import (
	"sync"
	"time"
)

// Conversation states for multi-step admin flows. A session belongs to one
// operator and expires if the flow stalls, so an abandoned /bind cannot
// swallow an unrelated message minutes later.
type sessionState int

const (
	stateAwaitingDestination sessionState = iota + 1
	stateAwaitingAdminAdd
	stateAwaitingAdminRemove
)

type session struct {
	state sessionState

	// Pending binding context for stateAwaitingDestination.
	scenarioID   int64
	scenarioName string

	touchedAt time.Time
}

const sessionTTL = 5 * time.Minute

// Sessions tracks in-flight conversational flows keyed by operator id.
type Sessions struct {
	mu  sync.Mutex
	m   map[int64]session
	now func() time.Time
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[int64]session), now: time.Now}
}

func (s *Sessions) put(userID int64, sess session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.touchedAt = s.now()
	s.m[userID] = sess
}

// take returns and clears the active session, if any and not expired.
func (s *Sessions) take(userID int64) (session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.m[userID]
	if !ok {
		return session{}, false
	}
	delete(s.m, userID)
	if s.now().Sub(sess.touchedAt) > sessionTTL {
		return session{}, false
	}
	return sess, true
}

func (s *Sessions) clear(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, userID)
}

// Sweep drops expired sessions. Called periodically so abandoned flows do
// not accumulate.
func (s *Sessions) Sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-sessionTTL)
	for id, sess := range s.m {
		if sess.touchedAt.Before(cutoff) {
			delete(s.m, id)
		}
	}
}
