package chat

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Options configures a Room.
type Options struct {
	// Grace is how long a recoverably disconnected session keeps its
	// identity. Zero turns every disconnect into a hard one.
	Grace time.Duration
	// VerifyReplies resolves reply targets against the log instead of
	// trusting the client-supplied author and text.
	VerifyReplies bool
	Logger        zerolog.Logger
}

// Outgoing is a chat message as submitted by a client.
type Outgoing struct {
	Text        string
	Mentions    []string
	ReplyToID   string
	ReplyToText string
	ReplyToUser string
}

// Stats is a point-in-time count of the room's state.
type Stats struct {
	Sessions   int `json:"sessions"`
	Attached   int `json:"attached"`
	Identified int `json:"identified"`
	Suspended  int `json:"suspended"`
	Messages   int `json:"messages"`
	Typing     int `json:"typing"`
}

// Room owns the identity registry, sessions, message log and typing state.
//
// Every mutation runs under mu. Events produced by a mutation are handed to
// the Broadcaster after mu is released but before emitMu is, so delivery
// order matches commit order.
type Room struct {
	mu     sync.Mutex
	emitMu sync.Mutex

	sessions map[ConnID]*session
	tokens   map[string]ConnID
	registry *Registry
	log      *Log
	typing   *Typing
	out      Broadcaster

	grace         time.Duration
	verifyReplies bool
	logger        zerolog.Logger
}

// NewRoom returns an empty room delivering through out.
func NewRoom(out Broadcaster, opts Options) *Room {
	return &Room{
		sessions:      make(map[ConnID]*session),
		tokens:        make(map[string]ConnID),
		registry:      NewRegistry(),
		log:           NewLog(),
		typing:        NewTyping(),
		out:           out,
		grace:         opts.Grace,
		verifyReplies: opts.VerifyReplies,
		logger:        opts.Logger.With().Str("component", "room").Logger(),
	}
}

// Open attaches a new connection. A token naming a live or suspended
// session re-attaches that session and invalidates its previous handle;
// anything else creates a fresh session. Nothing is delivered to the
// connection until Welcome.
func (r *Room) Open(token string) Handle {
	r.mu.Lock()

	if id, ok := r.tokens[token]; ok && token != "" {
		if s := r.sessions[id]; s != nil {
			var out []outbound
			if s.attached {
				// Takeover: the replaced connection will never send its own stop.
				s.seen = uint64(r.log.Len())
				if name, ok := r.typing.Stop(s.id); ok {
					out = append(out, outbound{ev: Event{Type: EventUserStopTyping, Payload: UserRef{Username: name}}, to: r.recipients(s.id)})
				}
			}
			s.gen++
			s.attached = true
			s.live = false
			r.logger.Info().Str("conn", string(s.id)).Stringer("phase", s.phase).Msg("session resumed")
			h := s.handle(true)
			r.flush(out)
			return h
		}
	}

	s := newSession(NewConnID())
	s.gen = 1
	s.attached = true
	r.sessions[s.id] = s
	r.tokens[s.token] = s.id
	r.logger.Debug().Str("conn", string(s.id)).Msg("session opened")
	h := s.handle(false)
	r.mu.Unlock()
	return h
}

// Welcome starts delivery to an opened connection: the session info, the
// presence snapshot, and on resume the messages missed while detached.
func (r *Room) Welcome(h Handle) error {
	r.mu.Lock()
	s, err := r.attachedLocked(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}

	s.live = true
	self := []ConnID{s.id}
	out := []outbound{
		{ev: Event{Type: EventSession, Payload: SessionInfo{ID: s.id, Token: s.token, Resumed: h.Resumed}}, to: self},
		{ev: Event{Type: EventActiveUsers, Payload: r.registry.Snapshot()}, to: self},
	}
	if h.Resumed && s.historySent {
		if missed := r.log.Since(s.seen); len(missed) > 0 {
			out = append(out, outbound{ev: Event{Type: EventPastMessages, Payload: missed}, to: self})
		}
	}
	r.flush(out)
	return nil
}

// Claim reserves name and color for the session. On failure nothing changes
// and nothing is broadcast.
func (r *Room) Claim(h Handle, name, color string) (Identity, error) {
	r.mu.Lock()
	out, identity, err := r.claimLocked(h, name, color)
	r.flush(out)
	return identity, err
}

func (r *Room) claimLocked(h Handle, name, color string) ([]outbound, Identity, error) {
	s, err := r.attachedLocked(h)
	if err != nil {
		return nil, Identity{}, err
	}

	claim, err := r.registry.Claim(s.id, name, color)
	if err != nil {
		return nil, Identity{}, err
	}

	identity := claim.Identity
	s.identity = &identity
	s.phase = PhaseIdentified
	s.stopGrace()

	var out []outbound
	if claim.Renamed() {
		if old, ok := r.typing.Stop(s.id); ok {
			out = append(out, outbound{ev: Event{Type: EventUserStopTyping, Payload: UserRef{Username: old}}, to: r.recipients("")})
		}
		out = append(out, outbound{ev: Event{Type: EventUserLeft, Payload: claim.Previous.Name}, to: r.recipients(s.id)})
	}
	if claim.First() || claim.Renamed() {
		out = append(out, outbound{
			ev: Event{Type: EventUserJoined, Payload: UserRef{Username: identity.Name, Color: identity.Color}},
			to: r.recipients(s.id),
		})
	}
	out = append(out, outbound{ev: Event{Type: EventActiveUsers, Payload: r.registry.Snapshot()}, to: r.recipients("")})

	if !s.historySent {
		s.historySent = true
		out = append(out, outbound{ev: Event{Type: EventPastMessages, Payload: r.log.History()}, to: []ConnID{s.id}})
	}

	r.logger.Info().
		Str("conn", string(s.id)).
		Str("name", identity.Name).
		Str("color", identity.Color).
		Bool("first", claim.First()).
		Msg("identity claimed")
	return out, identity, nil
}

// Send appends a message authored by the session's identity and broadcasts
// it to every connection.
func (r *Room) Send(h Handle, msg Outgoing) (Message, error) {
	r.mu.Lock()
	out, appended, err := r.sendLocked(h, msg)
	r.flush(out)
	return appended, err
}

func (r *Room) sendLocked(h Handle, msg Outgoing) ([]outbound, Message, error) {
	s, err := r.identifiedLocked(h)
	if err != nil {
		return nil, Message{}, err
	}

	if strings.TrimSpace(msg.Text) == "" {
		return nil, Message{}, fmt.Errorf("%w: message must not be empty", ErrInvalidInput)
	}

	var reply *Reply
	if msg.ReplyToID != "" {
		if r.verifyReplies {
			target, ok := r.log.Lookup(msg.ReplyToID)
			if !ok {
				return nil, Message{}, fmt.Errorf("%w: %q", ErrUnknownReply, msg.ReplyToID)
			}
			reply = &Reply{ID: target.ID, User: target.Author.Name, Text: target.Text}
		} else {
			reply = &Reply{ID: msg.ReplyToID, User: msg.ReplyToUser, Text: msg.ReplyToText}
		}
	}

	mentions := ResolveMentions(msg.Text, msg.Mentions, r.registry.Names(), s.identity.Name)
	appended, err := r.log.Append(*s.identity, msg.Text, reply, mentions)
	if err != nil {
		return nil, Message{}, err
	}

	var out []outbound
	if name, ok := r.typing.Stop(s.id); ok {
		out = append(out, outbound{ev: Event{Type: EventUserStopTyping, Payload: UserRef{Username: name}}, to: r.recipients("")})
	}
	out = append(out, outbound{ev: Event{Type: EventChatMessage, Payload: appended}, to: r.recipients("")})

	r.logger.Debug().
		Str("conn", string(s.id)).
		Str("name", s.identity.Name).
		Uint64("seq", appended.Seq).
		Strs("mentions", appended.Mentions).
		Msg("message appended")
	return out, appended, nil
}

// StartTyping sets the session's typing flag and tells everyone else.
func (r *Room) StartTyping(h Handle) error {
	r.mu.Lock()
	s, err := r.identifiedLocked(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	var out []outbound
	if r.typing.Start(s.id, s.identity.Name) {
		out = append(out, outbound{ev: Event{Type: EventUserTyping, Payload: UserRef{Username: s.identity.Name}}, to: r.recipients(s.id)})
	}
	r.flush(out)
	return nil
}

// StopTyping clears the session's typing flag and tells everyone.
func (r *Room) StopTyping(h Handle) error {
	r.mu.Lock()
	if _, err := r.identifiedLocked(h); err != nil {
		r.mu.Unlock()
		return err
	}
	var out []outbound
	if name, ok := r.typing.Stop(h.ID); ok {
		out = append(out, outbound{ev: Event{Type: EventUserStopTyping, Payload: UserRef{Username: name}}, to: r.recipients("")})
	}
	r.flush(out)
	return nil
}

// Disconnect detaches the connection behind h. A hard disconnect, or a
// recoverable one with no grace window, releases the identity at once. A
// recoverable disconnect of an identified session suspends it until it is
// resumed and re-claimed or the grace window closes. Stale handles are
// ignored.
func (r *Room) Disconnect(h Handle, recoverable bool) {
	r.mu.Lock()
	s := r.sessions[h.ID]
	if s == nil || !s.owns(h) {
		r.mu.Unlock()
		return
	}

	s.attached = false
	s.live = false
	s.gen++

	var out []outbound
	if name, ok := r.typing.Stop(s.id); ok {
		out = append(out, outbound{ev: Event{Type: EventUserStopTyping, Payload: UserRef{Username: name}}, to: r.recipients("")})
	}

	switch {
	case s.identity == nil:
		r.dropLocked(s)
		r.logger.Debug().Str("conn", string(s.id)).Msg("anonymous session closed")
	case recoverable && r.grace > 0:
		s.seen = uint64(r.log.Len())
		if s.phase != PhaseSuspended {
			s.phase = PhaseSuspended
			r.armGraceLocked(s)
		}
		r.logger.Info().Str("conn", string(s.id)).Str("name", s.identity.Name).Dur("grace", r.grace).Msg("session suspended")
	default:
		name := s.identity.Name
		out = append(out, r.releaseLocked(s)...)
		r.dropLocked(s)
		r.logger.Info().Str("conn", string(s.id)).Str("name", name).Msg("session closed")
	}
	r.flush(out)
}

func (r *Room) armGraceLocked(s *session) {
	s.stopGrace()
	id, seq := s.id, s.graceSeq
	s.grace = time.AfterFunc(r.grace, func() {
		r.expire(id, seq)
	})
}

func (r *Room) expire(id ConnID, seq uint64) {
	r.mu.Lock()
	s := r.sessions[id]
	if s == nil || s.phase != PhaseSuspended || s.graceSeq != seq {
		r.mu.Unlock()
		return
	}
	s.grace = nil

	r.logger.Info().Str("conn", string(s.id)).Str("name", s.identity.Name).Msg("grace window expired")
	out := r.releaseLocked(s)
	if s.attached {
		s.phase = PhaseConnected
	} else {
		r.dropLocked(s)
	}
	r.flush(out)
}

// Close stops all pending grace timers. Suspended sessions keep their
// identity until the process exits.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		s.stopGrace()
	}
}

// Snapshot returns the presence directory.
func (r *Room) Snapshot() []Presence {
	return r.registry.Snapshot()
}

// History returns the full message log.
func (r *Room) History() []Message {
	return r.log.History()
}

// TypingNames returns the names currently flagged as typing.
func (r *Room) TypingNames() []string {
	return r.typing.Names()
}

// Session returns a view of the session with the given id.
func (r *Room) Session(id ConnID) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return Session{}, false
	}
	return s.view(r.typing.Active(id)), true
}

// Stats counts sessions by state.
func (r *Room) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{
		Sessions: len(r.sessions),
		Messages: r.log.Len(),
		Typing:   len(r.typing.Names()),
	}
	for _, s := range r.sessions {
		if s.attached {
			stats.Attached++
		}
		switch s.phase {
		case PhaseIdentified:
			stats.Identified++
		case PhaseSuspended:
			stats.Suspended++
		}
	}
	return stats
}

func (r *Room) attachedLocked(h Handle) (*session, error) {
	s, ok := r.sessions[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, h.ID)
	}
	if !s.owns(h) {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, h.ID)
	}
	return s, nil
}

func (r *Room) identifiedLocked(h Handle) (*session, error) {
	s, err := r.attachedLocked(h)
	if err != nil {
		return nil, err
	}
	if s.phase != PhaseIdentified || s.identity == nil {
		return nil, ErrUnauthenticated
	}
	return s, nil
}

// releaseLocked frees the session's name and reports the departure.
func (r *Room) releaseLocked(s *session) []outbound {
	s.identity = nil
	identity, ok := r.registry.Release(s.id)
	if !ok {
		return nil
	}
	everyone := r.recipients("")
	return []outbound{
		{ev: Event{Type: EventUserLeft, Payload: identity.Name}, to: everyone},
		{ev: Event{Type: EventActiveUsers, Payload: r.registry.Snapshot()}, to: everyone},
	}
}

func (r *Room) dropLocked(s *session) {
	s.stopGrace()
	s.phase = PhaseDisconnected
	r.typing.Stop(s.id)
	delete(r.sessions, s.id)
	delete(r.tokens, s.token)
}

// recipients lists the live sessions other than skip.
func (r *Room) recipients(skip ConnID) []ConnID {
	ids := make([]ConnID, 0, len(r.sessions))
	for id, s := range r.sessions {
		if s.live && id != skip {
			ids = append(ids, id)
		}
	}
	return ids
}

// flush must be called with mu held; it releases mu and delivers out in
// order.
func (r *Room) flush(out []outbound) {
	r.emitMu.Lock()
	r.mu.Unlock()
	defer r.emitMu.Unlock()

	for _, o := range out {
		if len(o.to) == 0 {
			continue
		}
		r.out.Deliver(o.ev, o.to)
	}
}
