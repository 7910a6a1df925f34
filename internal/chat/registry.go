package chat

import (
	"fmt"
	"sync"
)

// Claim describes a successful claim. Previous is nil when the connection
// held no identity before.
type Claim struct {
	Identity Identity
	Previous *Identity
}

// First reports whether this is the connection's first identity.
func (c Claim) First() bool {
	return c.Previous == nil
}

// Renamed reports whether the connection switched to a different name.
func (c Claim) Renamed() bool {
	return c.Previous != nil && c.Previous.Name != c.Identity.Name
}

// Registry tracks which names are held and by which connection. All methods
// are linearizable with respect to each other.
type Registry struct {
	mu     sync.Mutex
	owners map[string]ConnID
	held   map[ConnID]Identity
	order  []ConnID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		owners: make(map[string]ConnID),
		held:   make(map[ConnID]Identity),
	}
}

// Claim reserves name for id. A name held by another connection fails with
// ErrNameTaken; a name already held by id only updates the color. When id
// switches names the old one is released in the same critical section.
func (r *Registry) Claim(id ConnID, name, color string) (Claim, error) {
	identity, err := NewIdentity(name, color)
	if err != nil {
		return Claim{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if owner, ok := r.owners[identity.Name]; ok && owner != id {
		return Claim{}, fmt.Errorf("%w: %q", ErrNameTaken, identity.Name)
	}

	result := Claim{Identity: identity}
	if previous, ok := r.held[id]; ok {
		prev := previous
		result.Previous = &prev
		if previous.Name != identity.Name {
			delete(r.owners, previous.Name)
		}
	} else {
		r.order = append(r.order, id)
	}

	r.owners[identity.Name] = id
	r.held[id] = identity
	return result, nil
}

// Release frees the name held by id, if any.
func (r *Registry) Release(id ConnID) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.held[id]
	if !ok {
		return Identity{}, false
	}
	delete(r.held, id)
	delete(r.owners, identity.Name)
	for i, held := range r.order {
		if held == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return identity, true
}

// Lookup returns the identity held by id.
func (r *Registry) Lookup(id ConnID) (Identity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	identity, ok := r.held[id]
	return identity, ok
}

// Owner returns the connection currently holding name.
func (r *Registry) Owner(name string) (ConnID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.owners[name]
	return id, ok
}

// Len returns the number of held names.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
