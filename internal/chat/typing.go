package chat

import "sync"

// Typing holds the per-connection typing flags. There is no expiry: clients
// send stop typing after their own inactivity window, and disconnect clears
// whatever is left.
type Typing struct {
	mu    sync.Mutex
	flags map[ConnID]string
	order []ConnID
}

// NewTyping returns an empty aggregator.
func NewTyping() *Typing {
	return &Typing{flags: make(map[ConnID]string)}
}

// Start marks id as typing under name and reports whether the flag changed.
func (t *Typing) Start(id ConnID, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.flags[id]; ok {
		t.flags[id] = name
		return false
	}
	t.flags[id] = name
	t.order = append(t.order, id)
	return true
}

// Stop clears the flag for id and returns the name it was typing under.
func (t *Typing) Stop(id ConnID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	name, ok := t.flags[id]
	if !ok {
		return "", false
	}
	delete(t.flags, id)
	for i, typing := range t.order {
		if typing == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return name, true
}

// Active reports whether id is typing.
func (t *Typing) Active(id ConnID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.flags[id]
	return ok
}

// Names returns the currently typing names in the order they started.
func (t *Typing) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.order))
	for _, id := range t.order {
		names = append(names, t.flags[id])
	}
	return names
}
