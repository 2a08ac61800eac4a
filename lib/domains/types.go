package domains

import (
	"context"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/toolstack"
	"golang.org/x/sync/semaphore"
)

// InactiveID is the numeric id of a domain that is not running.
const InactiveID = -1

// Domain is one tracked virtual machine.
//
// All fields except UUID are guarded by the domain lock. ID and Name are
// additionally written only while the registry lock is held, so either lock
// is sufficient to read them.
type Domain struct {
	UUID uuid.UUID

	ID     int
	Name   string
	State  State
	Reason Reason

	// Persistent is used on the next start. Always set.
	Persistent *Definition
	// Live is what the toolstack is running. Set iff the domain is active.
	Live *Definition

	Autostart     bool
	Handle        toolstack.Handle
	GraphicsPorts []int
	MigrationPort int

	lock    *semaphore.Weighted
	removed bool
	// pending marks a domain reserved by Reserve and not yet committed. It
	// is hidden from lookups, listings and counts.
	pending bool
}

// NewDomain returns an inactive domain for def. It is not yet registered.
func NewDomain(def *Definition) *Domain {
	return &Domain{
		UUID:       def.UUID,
		ID:         InactiveID,
		Name:       def.Name,
		State:      StateDefined,
		Reason:     ReasonUnknown,
		Persistent: def,
		Handle:     toolstack.Handle(def.UUID.String()),
		lock:       semaphore.NewWeighted(1),
	}
}

// Lock acquires the domain lock, giving up when ctx is done.
func (d *Domain) Lock(ctx context.Context) error {
	return d.lock.Acquire(ctx, 1)
}

// TryLock acquires the domain lock without blocking.
func (d *Domain) TryLock() bool {
	return d.lock.TryAcquire(1)
}

// Unlock releases the domain lock.
func (d *Domain) Unlock() {
	d.lock.Release(1)
}

// IsActive reports whether the domain has a live toolstack instance.
func (d *Domain) IsActive() bool {
	return d.State.IsActive()
}

// HasManagedSave reports whether the domain is shut off with a saved image.
func (d *Domain) HasManagedSave() bool {
	return d.State == StateShutoff && d.Reason == ReasonSaved
}

// Current returns the live definition when active, else the persistent one.
func (d *Domain) Current() *Definition {
	if d.Live != nil {
		return d.Live
	}
	return d.Persistent
}

// Identity returns the identity handle of the domain.
func (d *Domain) Identity() Identity {
	return Identity{UUID: d.UUID, Name: d.Name, ID: d.ID}
}

// Identity names a domain without holding its lock.
type Identity struct {
	UUID uuid.UUID
	Name string
	ID   int
}

// Active reports whether the identity carries a running domain id.
func (i Identity) Active() bool {
	return i.ID != InactiveID
}

// Info is a point-in-time view of a domain.
type Info struct {
	Identity
	State       State
	Reason      Reason
	OSType      string
	MemoryKiB   uint64
	VCPUs       uint
	Autostart   bool
	Persistent  bool
	ManagedSave bool
}
