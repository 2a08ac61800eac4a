// Package faketoolstack is an in-memory toolstack for tests.
package faketoolstack

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/onkernel/domaind/lib/toolstack"
	"libvirt.org/go/libvirtxml"
)

// Call records one toolstack invocation.
type Call struct {
	Op     string
	Handle toolstack.Handle
	Verb   toolstack.Verb
	Live   bool
}

type guest struct {
	xml    string
	active bool
	paused bool
	id     int
	kind   string
}

// Toolstack keeps guests in memory. The zero value is not usable; use New.
type Toolstack struct {
	mu     sync.Mutex
	caps   *libvirtxml.Caps
	guests map[toolstack.Handle]*guest
	nextID int
	calls  []Call
	fail   map[string]error
	gates  map[string]*Gate
	events chan toolstack.Event
	closed bool
}

var (
	_ toolstack.Toolstack   = (*Toolstack)(nil)
	_ toolstack.EventSource = (*Toolstack)(nil)
)

// New returns a toolstack offering hvm and exe guests on x86_64 for the
// xen virt type.
func New() *Toolstack {
	return &Toolstack{
		caps:   DefaultCaps(),
		guests: make(map[toolstack.Handle]*guest),
		nextID: 1,
		fail:   make(map[string]error),
		gates:  make(map[string]*Gate),
		events: make(chan toolstack.Event, 16),
	}
}

// DefaultCaps returns the capabilities reported by New.
func DefaultCaps() *libvirtxml.Caps {
	arch := libvirtxml.CapsGuestArch{
		Name:    "x86_64",
		Domains: []libvirtxml.CapsGuestDomain{{Type: "xen"}},
	}
	return &libvirtxml.Caps{
		Host: libvirtxml.CapsHost{
			UUID: "00000000-0000-0000-0000-000000000001",
			CPU:  &libvirtxml.CapsHostCPU{Arch: "x86_64"},
		},
		Guests: []libvirtxml.CapsGuest{
			{OSType: "hvm", Arch: arch},
			{OSType: "exe", Arch: arch},
		},
	}
}

// FailOn makes every later call of op return err until cleared with a nil err.
// op is the Call.Op name, for example "ChangeState" or "ApplyConfig".
func (t *Toolstack) FailOn(op string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err == nil {
		delete(t.fail, op)
		return
	}
	t.fail[op] = err
}

// Gate holds calls of one operation until Open is called.
type Gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Entered is closed once a call has reached the gate.
func (g *Gate) Entered() <-chan struct{} {
	return g.entered
}

// Open lets every held and later call through.
func (g *Gate) Open() {
	close(g.release)
}

func (g *Gate) wait(ctx context.Context) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
	}
}

// Hold makes the next calls of op block, before they take effect, until the
// returned gate is opened.
func (t *Toolstack) Hold(op string) *Gate {
	g := &Gate{entered: make(chan struct{}), release: make(chan struct{})}
	t.mu.Lock()
	t.gates[op] = g
	t.mu.Unlock()
	return g
}

// pass blocks on the gate for op, if there is one. t.mu must not be held.
func (t *Toolstack) pass(ctx context.Context, op string) {
	t.mu.Lock()
	g := t.gates[op]
	t.mu.Unlock()
	if g != nil {
		g.wait(ctx)
	}
}

// Calls returns the recorded invocations.
func (t *Toolstack) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// CallCount returns how often op was invoked.
func (t *Toolstack) CallCount(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Guest reports whether h exists and its stored configuration.
func (t *Toolstack) Guest(h toolstack.Handle) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.guests[h]
	if !ok {
		return "", false
	}
	return g.xml, true
}

// Emit queues a guest-initiated event for Watch and updates the guest as the
// event implies.
func (t *Toolstack) Emit(ev toolstack.Event) {
	t.mu.Lock()
	if g, ok := t.guests[ev.Handle]; ok {
		switch ev.Kind {
		case toolstack.EventPoweroff, toolstack.EventCrash:
			g.active, g.paused, g.id = false, false, -1
		}
	}
	t.mu.Unlock()
	t.events <- ev
}

// SetCaps replaces the reported capabilities.
func (t *Toolstack) SetCaps(caps *libvirtxml.Caps) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.caps = caps
}

// Closed reports whether Close was called.
func (t *Toolstack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// begin records the call and returns the injected failure for op, if any.
// t.mu must be held.
func (t *Toolstack) begin(c Call) error {
	t.calls = append(t.calls, c)
	if err := t.fail[c.Op]; err != nil {
		return toolstack.Wrap(c.Op, err)
	}
	return nil
}

func (t *Toolstack) guest(h toolstack.Handle) (*guest, error) {
	g, ok := t.guests[h]
	if !ok {
		return nil, fmt.Errorf("%w: no guest %s", toolstack.ErrFailure, h)
	}
	return g, nil
}

func (t *Toolstack) create(ctx context.Context, op, kind, xml string) (toolstack.Handle, error) {
	t.pass(ctx, op)

	doc := &libvirtxml.Domain{}
	if err := doc.Unmarshal(xml); err != nil {
		return "", toolstack.Wrap(op, err)
	}
	h := toolstack.Handle(doc.UUID)

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: op, Handle: h}); err != nil {
		return "", err
	}
	if _, ok := t.guests[h]; ok {
		return "", fmt.Errorf("%w: guest %s exists", toolstack.ErrFailure, h)
	}
	t.guests[h] = &guest{xml: xml, id: -1, kind: kind}
	return h, nil
}

func (t *Toolstack) CreateDomain(ctx context.Context, xml string) (toolstack.Handle, error) {
	return t.create(ctx, "CreateDomain", "hvm", xml)
}

func (t *Toolstack) CreateContainer(ctx context.Context, xml string) (toolstack.Handle, error) {
	return t.create(ctx, "CreateContainer", "exe", xml)
}

func (t *Toolstack) DeleteDomain(ctx context.Context, h toolstack.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: "DeleteDomain", Handle: h}); err != nil {
		return err
	}
	g, err := t.guest(h)
	if err != nil {
		return err
	}
	if g.active {
		return fmt.Errorf("%w: guest %s is active", toolstack.ErrFailure, h)
	}
	delete(t.guests, h)
	return nil
}

func (t *Toolstack) ChangeState(ctx context.Context, h toolstack.Handle, verb toolstack.Verb) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: "ChangeState", Handle: h, Verb: verb}); err != nil {
		return err
	}
	g, err := t.guest(h)
	if err != nil {
		return err
	}

	switch verb {
	case toolstack.VerbStart:
		if g.active {
			return fmt.Errorf("%w: guest %s already active", toolstack.ErrFailure, h)
		}
		g.active, g.paused = true, false
		g.id = t.nextID
		t.nextID++
	case toolstack.VerbPause:
		if !g.active {
			return fmt.Errorf("%w: guest %s not active", toolstack.ErrFailure, h)
		}
		g.paused = true
	case toolstack.VerbResume:
		if !g.active {
			return fmt.Errorf("%w: guest %s not active", toolstack.ErrFailure, h)
		}
		g.paused = false
	case toolstack.VerbDestroy:
		g.active, g.paused, g.id = false, false, -1
	case toolstack.VerbShutdown:
		// Completes asynchronously via Emit.
		if !g.active {
			return fmt.Errorf("%w: guest %s not active", toolstack.ErrFailure, h)
		}
	default:
		return fmt.Errorf("%w: unknown verb %q", toolstack.ErrFailure, verb)
	}
	return nil
}

func (t *Toolstack) ApplyConfig(ctx context.Context, h toolstack.Handle, xml string, live bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: "ApplyConfig", Handle: h, Live: live}); err != nil {
		return err
	}
	g, err := t.guest(h)
	if err != nil {
		return err
	}
	g.xml = xml
	return nil
}

func (t *Toolstack) AttachDevice(ctx context.Context, h toolstack.Handle, xml string, live bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: "AttachDevice", Handle: h, Live: live}); err != nil {
		return err
	}
	_, err := t.guest(h)
	return err
}

func (t *Toolstack) QueryCapabilities(ctx context.Context) (*libvirtxml.Caps, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: "QueryCapabilities"}); err != nil {
		return nil, err
	}
	return t.caps, nil
}

func (t *Toolstack) QueryDomain(ctx context.Context, h toolstack.Handle) (toolstack.Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: "QueryDomain", Handle: h}); err != nil {
		return toolstack.Status{}, err
	}
	g, err := t.guest(h)
	if err != nil {
		return toolstack.Status{}, err
	}
	return toolstack.Status{Active: g.active, Paused: g.paused, ID: g.id}, nil
}

// StatePrefix starts every stream written by SaveState.
const StatePrefix = "fake-state:"

func (t *Toolstack) SaveState(ctx context.Context, h toolstack.Handle, w io.Writer) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: "SaveState", Handle: h}); err != nil {
		return err
	}
	g, err := t.guest(h)
	if err != nil {
		return err
	}
	if !g.active {
		return fmt.Errorf("%w: guest %s not active", toolstack.ErrFailure, h)
	}
	if _, err := io.WriteString(w, StatePrefix+string(h)); err != nil {
		return toolstack.Wrap("SaveState", err)
	}
	g.active, g.paused, g.id = false, false, -1
	return nil
}

func (t *Toolstack) RestoreState(ctx context.Context, h toolstack.Handle, xml string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return toolstack.Wrap("RestoreState", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.begin(Call{Op: "RestoreState", Handle: h}); err != nil {
		return err
	}
	g, err := t.guest(h)
	if err != nil {
		return err
	}
	if string(data) != StatePrefix+string(h) {
		return fmt.Errorf("%w: state stream does not belong to %s", toolstack.ErrFailure, h)
	}
	g.xml = xml
	g.active, g.paused = true, true
	g.id = t.nextID
	t.nextID++
	return nil
}

// Watch delivers events queued with Emit until ctx is done.
func (t *Toolstack) Watch(ctx context.Context, fn func(toolstack.Event)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-t.events:
			fn(ev)
		}
	}
}

func (t *Toolstack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
