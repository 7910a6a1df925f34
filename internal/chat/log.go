package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reply is the message a chat message answers.
type Reply struct {
	ID   string `json:"id"`
	User string `json:"user"`
	Text string `json:"text"`
}

// Message is an immutable entry of the log. Seq is 1-based and gap-free;
// ID is a UUIDv7 and therefore sorts by creation as well.
type Message struct {
	ID        string    `json:"id"`
	Seq       uint64    `json:"seq"`
	Author    Identity  `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	ReplyTo   *Reply    `json:"replyTo,omitempty"`
	Mentions  []string  `json:"mentions"`
}

// Log is the append-only in-memory message sequence replayed to new joiners.
// It is unbounded.
type Log struct {
	mu       sync.RWMutex
	messages []Message
	index    map[string]int
	now      func() time.Time
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// Append assigns the next sequence number and id and stores the message.
func (l *Log) Append(author Identity, text string, reply *Reply, mentions []string) (Message, error) {
	if mentions == nil {
		mentions = []string{}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Drawn under the lock so id order matches seq order.
	id, err := uuid.NewV7()
	if err != nil {
		return Message{}, fmt.Errorf("generate message id: %w", err)
	}

	msg := Message{
		ID:        id.String(),
		Seq:       uint64(len(l.messages)) + 1,
		Author:    author,
		Text:      text,
		CreatedAt: l.now().UTC(),
		ReplyTo:   reply,
		Mentions:  append([]string(nil), mentions...),
	}
	l.index[msg.ID] = len(l.messages)
	l.messages = append(l.messages, msg)
	return msg, nil
}

// History returns every message in append order.
func (l *Log) History() []Message {
	return l.Since(0)
}

// Since returns the messages whose Seq is greater than seq.
func (l *Log) Since(seq uint64) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if seq >= uint64(len(l.messages)) {
		return []Message{}
	}
	return append([]Message(nil), l.messages[seq:]...)
}

// Lookup finds a message by id.
func (l *Log) Lookup(id string) (Message, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, ok := l.index[id]
	if !ok {
		return Message{}, false
	}
	return l.messages[i], true
}

// Len returns the number of stored messages, which is also the last Seq.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}
