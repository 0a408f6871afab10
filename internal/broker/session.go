package broker

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Session is the per-client state: a duplex connection, its resume
// token, and the connection profile it currently has selected. ID is a
// uuid — a lower-stakes identifier than the resume token itself, which
// stays crypto/rand.
type Session struct {
	ID          string
	Conn        net.Conn
	ResumeToken [32]byte
	ConnName    string
	CreatedAt   time.Time
	LastActive  time.Time
}

func newSessionID() string {
	return uuid.NewString()
}

// sessionTable holds every session the broker knows about, split into
// active and idle sets: a session moves to idle on disconnect, and idle
// entries beyond maxIdle evict the oldest one. Callers hold the broker's
// mutex for every access.
type sessionTable struct {
	maxIdle int

	active map[string]*Session
	idle   map[string]*Session
	// idleOrder tracks idle admission order (oldest first) for eviction;
	// a session's ID can appear at most once.
	idleOrder []string
}

func newSessionTable(maxIdle int) *sessionTable {
	if maxIdle <= 0 {
		maxIdle = 1
	}
	return &sessionTable{
		maxIdle: maxIdle,
		active:  make(map[string]*Session),
		idle:    make(map[string]*Session),
	}
}

// Activate inserts a new session into the active set.
func (t *sessionTable) Activate(s *Session) {
	t.active[s.ID] = s
}

// Resume moves an idle session back to active, returning it. ok is false
// if no idle session with that resume token exists.
func (t *sessionTable) Resume(resumeToken [32]byte) (*Session, bool) {
	for id, s := range t.idle {
		if s.ResumeToken == resumeToken {
			delete(t.idle, id)
			t.removeFromIdleOrder(id)
			t.active[id] = s
			return s, true
		}
	}
	return nil, false
}

// MarkIdle moves an active session to idle, evicting the oldest idle
// entry first if the idle table is already at maxIdle.
func (t *sessionTable) MarkIdle(id string) {
	s, ok := t.active[id]
	if !ok {
		return
	}
	delete(t.active, id)

	if len(t.idle) >= t.maxIdle && len(t.idleOrder) > 0 {
		oldest := t.idleOrder[0]
		t.idleOrder = t.idleOrder[1:]
		delete(t.idle, oldest)
	}
	t.idle[id] = s
	t.idleOrder = append(t.idleOrder, id)
}

// Remove drops a session from both tables entirely, the fatal-error
// path.
func (t *sessionTable) Remove(id string) {
	delete(t.active, id)
	if _, ok := t.idle[id]; ok {
		delete(t.idle, id)
		t.removeFromIdleOrder(id)
	}
}

func (t *sessionTable) removeFromIdleOrder(id string) {
	for i, v := range t.idleOrder {
		if v == id {
			t.idleOrder = append(t.idleOrder[:i], t.idleOrder[i+1:]...)
			return
		}
	}
}

func (t *sessionTable) IdleLen() int   { return len(t.idle) }
func (t *sessionTable) ActiveLen() int { return len(t.active) }
