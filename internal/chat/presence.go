package chat

// Presence is one entry of the active users list.
type Presence struct {
	ID    ConnID `json:"id"`
	Name  string `json:"username"`
	Color string `json:"color"`
}

// Snapshot returns the presence directory in first-claim order. A
// connection that re-claims keeps its position.
func (r *Registry) Snapshot() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Presence, 0, len(r.order))
	for _, id := range r.order {
		identity := r.held[id]
		entries = append(entries, Presence{ID: id, Name: identity.Name, Color: identity.Color})
	}
	return entries
}

// Names returns the set of held names.
func (r *Registry) Names() map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make(map[string]struct{}, len(r.owners))
	for name := range r.owners {
		names[name] = struct{}{}
	}
	return names
}
