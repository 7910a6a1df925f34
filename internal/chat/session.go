package chat

import (
	"time"

	"github.com/segmentio/ksuid"
)

// ConnID identifies a session. It is public: presence entries carry it.
type ConnID string

// NewConnID returns a fresh, time-ordered session id.
func NewConnID() ConnID {
	return ConnID(ksuid.New().String())
}

// Phase is the lifecycle state of a session.
type Phase int

const (
	PhaseConnected Phase = iota
	PhaseIdentified
	PhaseSuspended
	PhaseDisconnected
)

func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseIdentified:
		return "identified"
	case PhaseSuspended:
		return "suspended"
	case PhaseDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Handle binds a transport connection to a session. A session re-attached by
// a newer connection invalidates older handles.
type Handle struct {
	ID      ConnID
	Token   string
	Resumed bool
	gen     uint64
}

// Session is a read-only view of a session.
type Session struct {
	ID       ConnID
	Phase    Phase
	Identity *Identity
	Attached bool
	Typing   bool
}

type session struct {
	id       ConnID
	token    string
	phase    Phase
	identity *Identity

	// gen changes on every attach and detach; handles carrying an older
	// value are stale.
	gen      uint64
	attached bool
	// live sessions are attached and welcomed, so they receive broadcasts.
	live        bool
	historySent bool

	// seen is the log length when the session was detached; resume
	// replays everything after it.
	seen     uint64
	grace    *time.Timer
	graceSeq uint64
}

func newSession(id ConnID) *session {
	return &session{
		id:    id,
		token: ksuid.New().String(),
		phase: PhaseConnected,
	}
}

func (s *session) handle(resumed bool) Handle {
	return Handle{ID: s.id, Token: s.token, Resumed: resumed, gen: s.gen}
}

func (s *session) owns(h Handle) bool {
	return s.attached && s.gen == h.gen
}

func (s *session) stopGrace() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.graceSeq++
}

func (s *session) view(typing bool) Session {
	v := Session{ID: s.id, Phase: s.phase, Attached: s.attached, Typing: typing}
	if s.identity != nil {
		identity := *s.identity
		v.Identity = &identity
	}
	return v
}
