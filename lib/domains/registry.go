package domains

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Registry is the set of known domains.
//
// mu guards the indices only and is never held while waiting for a domain
// lock. Lookups release mu before locking the domain and re-validate the
// domain afterwards, so a domain removed in between is reported as not
// found rather than returned half-removed.
type Registry struct {
	mu      sync.RWMutex
	byUUID  map[uuid.UUID]*Domain
	byName  map[string]*Domain
	byID    map[int]*Domain // active domains only
	pending int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byUUID: make(map[uuid.UUID]*Domain),
		byName: make(map[string]*Domain),
		byID:   make(map[int]*Domain),
	}
}

// AddLocked inserts d and returns with d's lock held. d must come from
// NewDomain and must not be visible to other goroutines yet.
func (r *Registry) AddLocked(d *Domain) error {
	return r.add(d, false)
}

// Reserve claims the UUID and name of d and returns with d's lock held, but
// keeps d out of lookups, listings and counts until Commit. A failed
// creation undoes the reservation with Remove.
func (r *Registry) Reserve(d *Domain) error {
	return r.add(d, true)
}

// Commit makes a reserved domain visible. The caller must hold d's lock.
func (r *Registry) Commit(d *Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.pending {
		d.pending = false
		r.pending--
	}
}

func (r *Registry) add(d *Domain, pending bool) error {
	if !d.TryLock() {
		return fmt.Errorf("%w: domain %s is already locked", ErrInvalidState, d.UUID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUUID[d.UUID]; ok {
		d.Unlock()
		return fmt.Errorf("%w: uuid %s", ErrDuplicateIdentity, d.UUID)
	}
	if existing, ok := r.byName[d.Name]; ok {
		d.Unlock()
		return fmt.Errorf("%w: name %q is used by %s", ErrDuplicateIdentity, d.Name, existing.UUID)
	}

	r.byUUID[d.UUID] = d
	r.byName[d.Name] = d
	if d.ID != InactiveID {
		r.byID[d.ID] = d
	}
	if pending {
		d.pending = true
		r.pending++
	}
	return nil
}

// Remove detaches d from every index. The caller must hold d's lock and must
// not use d after unlocking it.
func (r *Registry) Remove(d *Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byUUID[d.UUID] == d {
		delete(r.byUUID, d.UUID)
	}
	if r.byName[d.Name] == d {
		delete(r.byName, d.Name)
	}
	if d.ID != InactiveID && r.byID[d.ID] == d {
		delete(r.byID, d.ID)
	}
	if d.pending {
		d.pending = false
		r.pending--
	}
	d.removed = true
}

// FindByUUID returns the domain with the given UUID, locked.
func (r *Registry) FindByUUID(ctx context.Context, id uuid.UUID) (*Domain, error) {
	return r.find(ctx, func() *Domain { return r.byUUID[id] }, func(d *Domain) bool {
		return d.UUID == id
	}, id.String())
}

// FindByID returns the running domain with the given numeric id, locked.
func (r *Registry) FindByID(ctx context.Context, id int) (*Domain, error) {
	return r.find(ctx, func() *Domain { return r.byID[id] }, func(d *Domain) bool {
		return d.ID == id
	}, fmt.Sprintf("id %d", id))
}

// FindByName returns the domain with the given name, locked.
func (r *Registry) FindByName(ctx context.Context, name string) (*Domain, error) {
	return r.find(ctx, func() *Domain { return r.byName[name] }, func(d *Domain) bool {
		return d.Name == name
	}, fmt.Sprintf("name %q", name))
}

func (r *Registry) find(ctx context.Context, lookup func() *Domain, matches func(*Domain) bool, key string) (*Domain, error) {
	r.mu.RLock()
	d := lookup()
	r.mu.RUnlock()

	if d == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := d.Lock(ctx); err != nil {
		return nil, err
	}
	r.mu.RLock()
	gone := d.removed || d.pending
	r.mu.RUnlock()
	if gone || !matches(d) {
		d.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return d, nil
}

// With looks up the domain by UUID and runs fn with its lock held. The lock
// is released on every path.
func (r *Registry) With(ctx context.Context, id uuid.UUID, fn func(d *Domain) error) error {
	d, err := r.FindByUUID(ctx, id)
	if err != nil {
		return err
	}
	defer d.Unlock()
	return fn(d)
}

// SetActiveID records the running id of d. The caller must hold d's lock.
func (r *Registry) SetActiveID(d *Domain, id int) error {
	if id < 0 {
		return fmt.Errorf("%w: negative domain id %d", ErrInvalidState, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if other, ok := r.byID[id]; ok && other != d {
		return fmt.Errorf("%w: id %d is used by %s", ErrDuplicateIdentity, id, other.UUID)
	}
	if d.ID != InactiveID && r.byID[d.ID] == d {
		delete(r.byID, d.ID)
	}
	d.ID = id
	if !d.removed {
		r.byID[id] = d
	}
	return nil
}

// ClearActiveID marks d inactive. The caller must hold d's lock.
func (r *Registry) ClearActiveID(d *Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.ID != InactiveID && r.byID[d.ID] == d {
		delete(r.byID, d.ID)
	}
	d.ID = InactiveID
}

// Rename changes the name of d. The caller must hold d's lock.
func (r *Registry) Rename(d *Domain, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == d.Name {
		return nil
	}
	if other, ok := r.byName[name]; ok && other != d {
		return fmt.Errorf("%w: name %q is used by %s", ErrDuplicateIdentity, name, other.UUID)
	}
	if r.byName[d.Name] == d {
		delete(r.byName, d.Name)
	}
	d.Name = name
	if !d.removed {
		r.byName[name] = d
	}
	return nil
}

// NameAvailable reports whether name is free or already belongs to id.
func (r *Registry) NameAvailable(name string, id uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byName[name]
	return !ok || d.UUID == id
}

// ListActiveIDs returns the ids of running domains in ascending order.
func (r *Registry) ListActiveIDs() []int {
	r.mu.RLock()
	ids := lo.Keys(r.byID)
	r.mu.RUnlock()

	sort.Ints(ids)
	return ids
}

// ListInactiveNames returns the names of domains that are not running,
// sorted.
func (r *Registry) ListInactiveNames() []string {
	r.mu.RLock()
	var names []string
	for name, d := range r.byName {
		if d.ID == InactiveID && !d.pending {
			names = append(names, name)
		}
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// List returns the identities of all known domains sorted by name.
func (r *Registry) List() []Identity {
	r.mu.RLock()
	out := make([]Identity, 0, len(r.byUUID))
	for _, d := range r.byUUID {
		if !d.pending {
			out = append(out, d.Identity())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of active or inactive domains.
func (r *Registry) Count(active bool) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if active {
		return len(r.byID)
	}
	return len(r.byUUID) - len(r.byID) - r.pending
}

// Len returns the number of known domains.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUUID) - r.pending
}
