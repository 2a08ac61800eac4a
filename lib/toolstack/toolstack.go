// Package toolstack defines the hypervisor control collaborator that domain
// operations are delegated to.
package toolstack

import (
	"context"
	"io"

	"libvirt.org/go/libvirtxml"
)

// Handle identifies a domain object inside the toolstack.
type Handle string

// Verb is a lifecycle state change request.
type Verb string

const (
	VerbStart    Verb = "start"
	VerbPause    Verb = "pause"
	VerbResume   Verb = "resume"
	VerbDestroy  Verb = "destroy"
	VerbShutdown Verb = "shutdown"
)

// Status is the toolstack's view of a domain.
type Status struct {
	Active bool
	Paused bool
	ID     int
}

// Toolstack performs hypervisor operations. Implementations must be safe for
// concurrent use; callers serialize operations per domain.
type Toolstack interface {
	// CreateDomain registers a full-virtualization guest and returns its handle.
	CreateDomain(ctx context.Context, xml string) (Handle, error)
	// CreateContainer registers a container-style guest and returns its handle.
	CreateContainer(ctx context.Context, xml string) (Handle, error)
	// DeleteDomain removes a registered guest. It must be inactive.
	DeleteDomain(ctx context.Context, h Handle) error

	ChangeState(ctx context.Context, h Handle, verb Verb) error
	// ApplyConfig replaces the guest configuration. live selects whether the
	// running instance is updated in addition to the stored configuration.
	ApplyConfig(ctx context.Context, h Handle, xml string, live bool) error
	AttachDevice(ctx context.Context, h Handle, xml string, live bool) error

	QueryCapabilities(ctx context.Context) (*libvirtxml.Caps, error)
	QueryDomain(ctx context.Context, h Handle) (Status, error)

	// SaveState streams the execution state of a paused guest to w and
	// stops it.
	SaveState(ctx context.Context, h Handle, w io.Writer) error
	// RestoreState starts a guest from a stream produced by SaveState.
	// The guest comes back paused.
	RestoreState(ctx context.Context, h Handle, xml string, r io.Reader) error

	Close() error
}

// EventKind is an asynchronous lifecycle notification from the toolstack.
type EventKind string

const (
	EventPoweroff EventKind = "poweroff"
	EventCrash    EventKind = "crash"
	EventReboot   EventKind = "reboot"
)

// Event reports a guest-initiated state change.
type Event struct {
	Handle Handle
	Kind   EventKind
}

// EventSource is implemented by toolstacks that report guest-initiated state
// changes. Watch blocks until ctx is done, calling fn for each event.
type EventSource interface {
	Watch(ctx context.Context, fn func(Event)) error
}
