package chat

// EventType names a server-to-client event.
type EventType string

const (
	EventSession        EventType = "session"
	EventPastMessages   EventType = "past messages"
	EventChatMessage    EventType = "chat message"
	EventUserJoined     EventType = "user joined"
	EventUserLeft       EventType = "user left"
	EventUserTyping     EventType = "user typing"
	EventUserStopTyping EventType = "user stop typing"
	EventActiveUsers    EventType = "active users list"
	EventError          EventType = "error"
)

// Event is a server-to-client event. Payload is JSON-encodable.
type Event struct {
	Type    EventType
	Payload any
}

// UserRef is the payload of join and typing events.
type UserRef struct {
	Username string `json:"username"`
	Color    string `json:"color,omitempty"`
}

// SessionInfo is sent first on every attach. Token is the private resume
// token for a later reconnect.
type SessionInfo struct {
	ID      ConnID `json:"id"`
	Token   string `json:"token"`
	Resumed bool   `json:"resumed"`
}

// Broadcaster delivers events to connections. Deliver is called in commit
// order and must not block on network I/O.
type Broadcaster interface {
	Deliver(ev Event, to []ConnID)
}

type outbound struct {
	ev Event
	to []ConnID
}
