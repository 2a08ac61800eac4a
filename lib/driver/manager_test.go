package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/paths"
	"github.com/onkernel/domaind/lib/ports"
	"github.com/onkernel/domaind/lib/toolstack/faketoolstack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	webUUID = uuid.MustParse("6695eb01-f6a4-8304-79aa-97f2502e193f")
	dbUUID  = uuid.MustParse("1b7a4c2e-3d1f-4a5b-9c8d-0e1f2a3b4c5d")
)

func domainXML(id uuid.UUID, name string) string {
	return fmt.Sprintf(`<domain type='xen'>
  <name>%s</name>
  <uuid>%s</uuid>
  <memory unit='MiB'>512</memory>
  <vcpu>2</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/images/%s.img'/>
      <target dev='xvda' bus='xen'/>
    </disk>
    <graphics type='vnc' port='-1' autoport='yes'/>
  </devices>
</domain>`, name, id, name)
}

// resizedXML has the same identity as domainXML but a different memory size.
func resizedXML(id uuid.UUID, name string) string {
	return fmt.Sprintf(`<domain type='xen'>
  <name>%s</name>
  <uuid>%s</uuid>
  <memory unit='MiB'>1024</memory>
  <vcpu>2</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/images/%s.img'/>
      <target dev='xvda' bus='xen'/>
    </disk>
    <graphics type='vnc' port='-1' autoport='yes'/>
  </devices>
</domain>`, name, id, name)
}

// recorder collects published events. For every event it checks that the
// domain lock is free by looking the domain up with a short deadline.
type recorder struct {
	mu     sync.Mutex
	m      *manager
	events []events.Event
	locked []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	if r.m != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := r.m.LookupByUUID(ctx, ev.UUID)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) {
			r.mu.Lock()
			r.locked = append(r.locked, ev)
			r.mu.Unlock()
		}
	}
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last() events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func (r *recorder) publishedUnderLock() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.locked...)
}

type testEnv struct {
	m        *manager
	ts       *faketoolstack.Toolstack
	rec      *recorder
	paths    *paths.Paths
	graphics *ports.Allocator
	migrate  *ports.Allocator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvAt(t, paths.New(t.TempDir()), faketoolstack.New())
}

func newTestEnvAt(t *testing.T, p *paths.Paths, ts *faketoolstack.Toolstack) *testEnv {
	t.Helper()
	require.NoError(t, p.EnsureDirs())

	graphics, err := ports.NewAllocator("graphics", 5900, 5903)
	require.NoError(t, err)
	migrate, err := ports.NewAllocator("migration", 49152, 49153)
	require.NoError(t, err)

	rec := &recorder{}
	m, err := newManager(context.Background(), ts, Options{
		Paths:          p,
		MaxSaveXMLSize: 1 << 20,
		GraphicsPorts:  graphics,
		MigrationPorts: migrate,
		Events:         rec,
	}, nil, nil)
	require.NoError(t, err)
	rec.m = m
	t.Cleanup(func() { m.Close() })

	return &testEnv{m: m, ts: ts, rec: rec, paths: p, graphics: graphics, migrate: migrate}
}

// define registers a domain and fails the test on error.
func (e *testEnv) define(t *testing.T, id uuid.UUID, name string) domains.Identity {
	t.Helper()
	ident, err := e.m.DefineXML(context.Background(), domainXML(id, name), DefineValidate)
	require.NoError(t, err)
	return ident
}

func (e *testEnv) state(t *testing.T, id uuid.UUID) (domains.State, domains.Reason) {
	t.Helper()
	state, reason, err := e.m.GetState(context.Background(), id)
	require.NoError(t, err)
	return state, reason
}

func TestNewManager_RequiresPathsAndPorts(t *testing.T) {
	_, err := NewManager(context.Background(), faketoolstack.New(), Options{}, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestNewManager_CapabilitiesFailure(t *testing.T) {
	ts := faketoolstack.New()
	ts.FailOn("QueryCapabilities", errors.New("no hypervisor"))

	graphics, _ := ports.NewAllocator("graphics", 5900, 5901)
	migrate, _ := ports.NewAllocator("migration", 49152, 49153)
	_, err := NewManager(context.Background(), ts, Options{
		Paths:          paths.New(t.TempDir()),
		GraphicsPorts:  graphics,
		MigrationPorts: migrate,
	}, nil, nil)
	require.Error(t, err)
	assert.True(t, ts.Closed(), "an unused toolstack is closed")
}

func TestClose_RejectsNewOperations(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.m.Close())

	_, err := env.m.DefineXML(context.Background(), domainXML(webUUID, "web"), 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, env.ts.Closed())
}
