// Package driver implements the domain control plane: definition
// reconciliation, the lifecycle verbs and the queries over tracked domains.
// Hypervisor work is delegated to a toolstack.Toolstack.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/paths"
	"github.com/onkernel/domaind/lib/ports"
	"github.com/onkernel/domaind/lib/toolstack"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Manager handles domain definitions and lifecycle operations
type Manager interface {
	// Load rebuilds the registry from the configuration directory and
	// starts autostart domains.
	Load(ctx context.Context) error
	Reload(ctx context.Context, ts toolstack.Toolstack) error
	Capabilities(ctx context.Context) (string, error)
	Close() error

	DefineXML(ctx context.Context, xml string, flags DefineFlags) (domains.Identity, error)
	Undefine(ctx context.Context, id uuid.UUID, flags UndefineFlags) error
	AttachDevice(ctx context.Context, id uuid.UUID, xml string, flags DeviceFlags) error

	Start(ctx context.Context, id uuid.UUID, flags StartFlags) error
	Suspend(ctx context.Context, id uuid.UUID) error
	Resume(ctx context.Context, id uuid.UUID) error
	Shutdown(ctx context.Context, id uuid.UUID) error
	Destroy(ctx context.Context, id uuid.UUID) error
	ManagedSave(ctx context.Context, id uuid.UUID, flags SaveFlags) error
	ManagedSaveRemove(ctx context.Context, id uuid.UUID) error
	HasManagedSaveImage(ctx context.Context, id uuid.UUID) (bool, error)

	PrepareMigration(ctx context.Context, id uuid.UUID) (int, error)
	FinishMigration(ctx context.Context, id uuid.UUID, ok bool) error

	LookupByUUID(ctx context.Context, id uuid.UUID) (domains.Identity, error)
	LookupByID(ctx context.Context, id int) (domains.Identity, error)
	LookupByName(ctx context.Context, name string) (domains.Identity, error)
	GetInfo(ctx context.Context, id uuid.UUID) (domains.Info, error)
	GetState(ctx context.Context, id uuid.UUID) (domains.State, domains.Reason, error)
	GetXMLDesc(ctx context.Context, id uuid.UUID, flags XMLFlags) (string, error)
	GetOSType(ctx context.Context, id uuid.UUID) (string, error)
	IsActive(ctx context.Context, id uuid.UUID) (bool, error)
	IsPersistent(ctx context.Context, id uuid.UUID) (bool, error)
	GetAutostart(ctx context.Context, id uuid.UUID) (bool, error)
	SetAutostart(ctx context.Context, id uuid.UUID, autostart bool) error
	ListActiveIDs(ctx context.Context) []int
	ListDefinedNames(ctx context.Context) []string
	NumOfDomains(ctx context.Context, active bool) int
	ListAll(ctx context.Context, flags ListFlags) ([]domains.Info, error)

	// HandleToolstackEvent finalises guest-initiated state changes.
	HandleToolstackEvent(ctx context.Context, ev toolstack.Event)
	// WatchToolstack feeds events from the current toolstack into
	// HandleToolstackEvent until ctx is done, following reloads.
	WatchToolstack(ctx context.Context) error
}

// Options configure a Manager.
type Options struct {
	Paths          *paths.Paths
	Autoballoon    bool
	MaxSaveXMLSize int64
	GraphicsPorts  *ports.Allocator
	MigrationPorts *ports.Allocator
	Events         events.Publisher
	// DomainLogs, when set, has a domain's log file closed on Undefine.
	DomainLogs     *logger.DomainLogs
}

type manager struct {
	opts Options

	// mu is the driver lock. It serialises snapshot publication only.
	mu            sync.Mutex
	config        atomic.Pointer[DriverConfig]
	configChanged chan struct{}

	domains        *domains.Registry
	graphicsPorts  *ports.Allocator
	migrationPorts *ports.Allocator
	events         events.Publisher
	metrics        *Metrics
}

var _ Manager = (*manager)(nil)

// NewManager creates a domain manager around ts, which it owns from then on.
// meter and tracer may be nil.
func NewManager(ctx context.Context, ts toolstack.Toolstack, opts Options, meter metric.Meter, tracer trace.Tracer) (Manager, error) {
	return newManager(ctx, ts, opts, meter, tracer)
}

func newManager(ctx context.Context, ts toolstack.Toolstack, opts Options, meter metric.Meter, tracer trace.Tracer) (*manager, error) {
	if opts.Paths == nil {
		return nil, fmt.Errorf("%w: paths are required", ErrInvalidArgument)
	}
	if opts.GraphicsPorts == nil || opts.MigrationPorts == nil {
		return nil, fmt.Errorf("%w: port allocators are required", ErrInvalidArgument)
	}

	cfg, err := newDriverConfig(ctx, ts, opts)
	if err != nil {
		ts.Close()
		return nil, err
	}

	m := &manager{
		opts:           opts,
		configChanged:  make(chan struct{}),
		domains:        domains.NewRegistry(),
		graphicsPorts:  opts.GraphicsPorts,
		migrationPorts: opts.MigrationPorts,
		events:         opts.Events,
	}
	m.publishConfig(cfg)

	if meter != nil {
		metrics, err := newDriverMetrics(meter, tracer, m)
		if err != nil {
			m.publishConfig(nil)
			return nil, fmt.Errorf("register driver metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// Close drops the manager's reference on the current snapshot. Operations
// already holding it finish normally; new ones fail with ErrClosed.
func (m *manager) Close() error {
	m.publishConfig(nil)
	return nil
}

// withDomain runs fn with a configuration snapshot held and the domain
// locked. Both are released when fn returns.
func (m *manager) withDomain(ctx context.Context, id uuid.UUID, fn func(cfg *DriverConfig, d *domains.Domain) error) error {
	cfg, err := m.acquireConfig()
	if err != nil {
		return err
	}
	defer cfg.Release()

	d, err := m.domains.FindByUUID(ctx, id)
	if err != nil {
		return err
	}
	defer d.Unlock()
	return fn(cfg, d)
}

// setState records a state change of a locked domain.
func (m *manager) setState(ctx context.Context, d *domains.Domain, state domains.State, reason domains.Reason) {
	from := d.State
	d.State = state
	d.Reason = reason
	m.recordStateTransition(ctx, string(from), string(state))
}

// publish hands ev to the event bus. It must be called without any domain
// lock held.
func (m *manager) publish(ev *events.Event) {
	if ev == nil || m.events == nil {
		return
	}
	m.events.Publish(*ev)
}

func newEvent(d *domains.Domain, kind events.Kind, detail string) *events.Event {
	return &events.Event{
		UUID:      d.UUID,
		Name:      d.Name,
		ID:        d.ID,
		Kind:      kind,
		Detail:    detail,
		Timestamp: time.Now(),
	}
}

func domainLogger(ctx context.Context, id uuid.UUID) *slog.Logger {
	return logger.FromContext(ctx).With(logger.DomainKey, id.String())
}
