package turn

import (
	"sync"
	"time"

	"github.com/quietloudlab/designmewithme/pkg/llm"
	"github.com/quietloudlab/designmewithme/pkg/style"
)

// Phase is where a session is in the turn state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseSending
	PhaseAwaitingCompletion
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSending:
		return "sending"
	case PhaseAwaitingCompletion:
		return "awaiting_completion"
	case PhaseDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Session is the per-user state: its conversation thread, its style state
// and the lock that serialises its turns.
type Session struct {
	ID string

	// turn is held for the duration of a turn or reset.
	turn sync.Mutex

	mu         sync.Mutex
	threadID   string
	phase      Phase
	lastActive time.Time
	// pending is the user turn of a run we stopped waiting for. Its reply
	// is delivered with the next turn.
	pending *llm.ConversationTurn

	style *style.State
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// ThreadID returns the conversation thread, empty before the first turn.
func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

// Style returns the session's live style state.
func (s *Session) Style() *style.State {
	return s.style
}

func (s *Session) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

// Registry holds the live sessions, keyed by opaque id. Sessions are created
// on first use and removed on expiry.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	baseline style.Snapshot
	now      func() time.Time
}

// NewRegistry creates a registry whose sessions start from baseline.
func NewRegistry(baseline style.Snapshot) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		baseline: baseline.Clone(),
		now:      time.Now,
	}
}

// GetOrCreate returns the session for id, creating it if needed. The
// session counts as active from here, so a sweep cannot expire it between
// lookup and the caller taking its turn lock.
func (r *Registry) GetOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	s, ok := r.sessions[id]
	if !ok {
		s = &Session{
			ID:         id,
			lastActive: now,
			style:      style.NewState(r.baseline),
		}
		r.sessions[id] = s
		return s
	}
	s.touch(now)
	return s
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// expire removes and returns sessions idle for longer than ttl. Sessions in
// the middle of a turn are kept.
func (r *Registry) expire(ttl time.Duration) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ttl)
	var out []*Session
	for id, s := range r.sessions {
		if !s.turn.TryLock() {
			continue
		}
		s.mu.Lock()
		idle := s.lastActive.Before(cutoff)
		s.mu.Unlock()

		if idle {
			delete(r.sessions, id)
			out = append(out, s)
		}
		s.turn.Unlock()
	}
	return out
}
