package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/chatify/internal/chat"
)

// Client-to-server frame types. Server-to-client frames reuse the
// chat.EventType names plus FrameClaimResult.
const (
	FrameClaim       = "claim identity"
	FrameChat        = "chat message"
	FrameTyping      = "typing"
	FrameStopTyping  = "stop typing"
	FrameClaimResult = "claim result"
)

// Replies to claim and send attempts, as shown to the user.
const (
	msgInvalidName     = "Invalid username."
	msgInvalidColor    = "Invalid color code."
	msgNameTaken       = "Username is already taken."
	msgClaimed         = "Username and color set successfully!"
	msgUnauthenticated = "Authentication required. Please set a username and color first!"
	msgEmptyMessage    = "Message must not be empty."
	msgUnknownReply    = "The message you replied to does not exist."
	msgMalformed       = "Malformed frame."
	msgUnknownFrame    = "Unknown frame type."
	msgRateLimited     = "Too many messages. Try again shortly."
)

// Frame is the envelope of every message in either direction. A batch of
// server frames may share one WebSocket message, separated by newlines.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ClaimRequest is the payload of a "claim identity" frame.
type ClaimRequest struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// ClaimResult answers a claim. Message is shown to the user.
type ClaimResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ChatRequest is the payload of a client "chat message" frame.
type ChatRequest struct {
	Message     string   `json:"message"`
	Mentions    []string `json:"mentions,omitempty"`
	ReplyToID   string   `json:"replyToId,omitempty"`
	ReplyToText string   `json:"replyToText,omitempty"`
	ReplyToUser string   `json:"replyToUser,omitempty"`
}

func (r ChatRequest) outgoing() chat.Outgoing {
	return chat.Outgoing{
		Text:        r.Message,
		Mentions:    r.Mentions,
		ReplyToID:   r.ReplyToID,
		ReplyToText: r.ReplyToText,
		ReplyToUser: r.ReplyToUser,
	}
}

type outFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

func encodeFrame(typ, requestID string, payload any) ([]byte, error) {
	return json.Marshal(outFrame{Type: typ, RequestID: requestID, Payload: payload})
}

func encodeEvent(ev chat.Event) ([]byte, error) {
	return encodeFrame(string(ev.Type), "", ev.Payload)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
