// Package libvirt implements toolstack.Toolstack on top of a libvirt
// connection. Any libvirt URI works, for example xen:///system or
// test:///default.
package libvirt

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/toolstack"
	lv "libvirt.org/go/libvirt"
	"libvirt.org/go/libvirtxml"
)

var (
	eventLoopOnce sync.Once
	eventLoopErr  error
)

// startEventLoop registers the default libvirt event implementation and
// runs it. Must happen before the first connection is opened for events to
// be delivered on that connection.
func startEventLoop() error {
	eventLoopOnce.Do(func() {
		if eventLoopErr = lv.EventRegisterDefaultImpl(); eventLoopErr != nil {
			return
		}
		go func() {
			for {
				if err := lv.EventRunDefaultImpl(); err != nil {
					slog.Error("libvirt event loop iteration failed", "error", err)
				}
			}
		}()
	})
	return eventLoopErr
}

// Toolstack is a libvirt-backed toolstack.
type Toolstack struct {
	uri  string
	conn *lv.Connect
}

var (
	_ toolstack.Toolstack   = (*Toolstack)(nil)
	_ toolstack.EventSource = (*Toolstack)(nil)
)

// Open connects to uri.
func Open(ctx context.Context, uri string) (*Toolstack, error) {
	log := logger.FromContext(ctx)

	if err := startEventLoop(); err != nil {
		return nil, toolstack.Wrap("register event loop", err)
	}
	conn, err := lv.NewConnect(uri)
	if err != nil {
		return nil, toolstack.Wrap("connect "+uri, err)
	}
	log.InfoContext(ctx, "connected to toolstack", "uri", uri)
	return &Toolstack{uri: uri, conn: conn}, nil
}

// URI returns the connection URI.
func (t *Toolstack) URI() string {
	return t.uri
}

func (t *Toolstack) lookup(h toolstack.Handle) (*lv.Domain, error) {
	dom, err := t.conn.LookupDomainByUUIDString(string(h))
	if err != nil {
		return nil, toolstack.Wrap("lookup "+string(h), err)
	}
	return dom, nil
}

func (t *Toolstack) define(op, xml string) (toolstack.Handle, error) {
	dom, err := t.conn.DomainDefineXML(xml)
	if err != nil {
		return "", toolstack.Wrap(op, err)
	}
	defer dom.Free()

	id, err := dom.GetUUIDString()
	if err != nil {
		return "", toolstack.Wrap(op, err)
	}
	return toolstack.Handle(id), nil
}

// CreateDomain defines a full-virtualization guest.
func (t *Toolstack) CreateDomain(ctx context.Context, xml string) (toolstack.Handle, error) {
	return t.define("create domain", xml)
}

// CreateContainer defines a container-style guest. libvirt selects the
// container path from the definition's OS type.
func (t *Toolstack) CreateContainer(ctx context.Context, xml string) (toolstack.Handle, error) {
	return t.define("create container", xml)
}

// DeleteDomain undefines the guest.
func (t *Toolstack) DeleteDomain(ctx context.Context, h toolstack.Handle) error {
	dom, err := t.lookup(h)
	if err != nil {
		return err
	}
	defer dom.Free()
	return toolstack.Wrap("undefine", dom.Undefine())
}

// ChangeState applies a lifecycle verb.
func (t *Toolstack) ChangeState(ctx context.Context, h toolstack.Handle, verb toolstack.Verb) error {
	dom, err := t.lookup(h)
	if err != nil {
		return err
	}
	defer dom.Free()

	switch verb {
	case toolstack.VerbStart:
		err = dom.Create()
	case toolstack.VerbPause:
		err = dom.Suspend()
	case toolstack.VerbResume:
		err = dom.Resume()
	case toolstack.VerbDestroy:
		err = dom.Destroy()
	case toolstack.VerbShutdown:
		err = dom.Shutdown()
	default:
		return fmt.Errorf("%w: unknown verb %q", toolstack.ErrFailure, verb)
	}
	return toolstack.Wrap(string(verb), err)
}

// ApplyConfig redefines the guest. libvirt applies a redefinition of a
// running guest at its next start.
func (t *Toolstack) ApplyConfig(ctx context.Context, h toolstack.Handle, xml string, live bool) error {
	got, err := t.define("apply config", xml)
	if err != nil {
		return err
	}
	if got != h {
		return fmt.Errorf("%w: apply config: definition resolved to %s, want %s", toolstack.ErrFailure, got, h)
	}
	if live {
		logger.FromContext(ctx).DebugContext(ctx, "configuration of running guest applies at next start", "handle", h)
	}
	return nil
}

// AttachDevice hot-plugs and/or persists a device.
func (t *Toolstack) AttachDevice(ctx context.Context, h toolstack.Handle, xml string, live bool) error {
	dom, err := t.lookup(h)
	if err != nil {
		return err
	}
	defer dom.Free()

	flags := lv.DOMAIN_DEVICE_MODIFY_CONFIG
	if live {
		flags |= lv.DOMAIN_DEVICE_MODIFY_LIVE
	}
	return toolstack.Wrap("attach device", dom.AttachDeviceFlags(xml, flags))
}

// QueryCapabilities returns the host capabilities.
func (t *Toolstack) QueryCapabilities(ctx context.Context) (*libvirtxml.Caps, error) {
	raw, err := t.conn.GetCapabilities()
	if err != nil {
		return nil, toolstack.Wrap("capabilities", err)
	}
	caps := &libvirtxml.Caps{}
	if err := caps.Unmarshal(raw); err != nil {
		return nil, toolstack.Wrap("parse capabilities", err)
	}
	return caps, nil
}

// QueryDomain reports whether the guest is running and its numeric id.
func (t *Toolstack) QueryDomain(ctx context.Context, h toolstack.Handle) (toolstack.Status, error) {
	dom, err := t.lookup(h)
	if err != nil {
		return toolstack.Status{}, err
	}
	defer dom.Free()

	state, _, err := dom.GetState()
	if err != nil {
		return toolstack.Status{}, toolstack.Wrap("get state", err)
	}

	var st toolstack.Status
	switch state {
	case lv.DOMAIN_RUNNING, lv.DOMAIN_BLOCKED, lv.DOMAIN_SHUTDOWN, lv.DOMAIN_PMSUSPENDED:
		st.Active = true
	case lv.DOMAIN_PAUSED:
		st.Active = true
		st.Paused = true
	default:
		st.ID = -1
		return st, nil
	}

	id, err := dom.GetID()
	if err != nil {
		return toolstack.Status{}, toolstack.Wrap("get id", err)
	}
	st.ID = int(id)
	return st, nil
}

// SaveState saves the guest to a scratch file and streams it to w. The
// guest is stopped afterwards.
func (t *Toolstack) SaveState(ctx context.Context, h toolstack.Handle, w io.Writer) error {
	dom, err := t.lookup(h)
	if err != nil {
		return err
	}
	defer dom.Free()

	dir, err := os.MkdirTemp("", "domaind-save-")
	if err != nil {
		return toolstack.Wrap("save", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "state")
	if err := dom.Save(path); err != nil {
		return toolstack.Wrap("save", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return toolstack.Wrap("save", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return toolstack.Wrap("save", err)
	}
	return nil
}

// RestoreState restores the guest paused from a stream written by SaveState.
func (t *Toolstack) RestoreState(ctx context.Context, h toolstack.Handle, xml string, r io.Reader) error {
	dir, err := os.MkdirTemp("", "domaind-restore-")
	if err != nil {
		return toolstack.Wrap("restore", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "state")
	f, err := os.Create(path)
	if err != nil {
		return toolstack.Wrap("restore", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return toolstack.Wrap("restore", err)
	}
	if err := f.Close(); err != nil {
		return toolstack.Wrap("restore", err)
	}

	return toolstack.Wrap("restore", t.conn.DomainRestoreFlags(path, xml, lv.DOMAIN_SAVE_PAUSED))
}

// Watch forwards guest-initiated poweroff, crash and reboot events until ctx
// is done.
func (t *Toolstack) Watch(ctx context.Context, fn func(toolstack.Event)) error {
	log := logger.FromContext(ctx)

	emit := func(d *lv.Domain, kind toolstack.EventKind) {
		id, err := d.GetUUIDString()
		if err != nil {
			log.WarnContext(ctx, "dropping toolstack event for unidentifiable domain", "kind", kind, "error", err)
			return
		}
		fn(toolstack.Event{Handle: toolstack.Handle(id), Kind: kind})
	}

	lifecycleID, err := t.conn.DomainEventLifecycleRegister(nil, func(_ *lv.Connect, d *lv.Domain, e *lv.DomainEventLifecycle) {
		switch e.Event {
		case lv.DOMAIN_EVENT_STOPPED:
			switch lv.DomainEventStoppedDetailType(e.Detail) {
			case lv.DOMAIN_EVENT_STOPPED_SHUTDOWN:
				emit(d, toolstack.EventPoweroff)
			case lv.DOMAIN_EVENT_STOPPED_CRASHED, lv.DOMAIN_EVENT_STOPPED_FAILED:
				emit(d, toolstack.EventCrash)
			}
		case lv.DOMAIN_EVENT_CRASHED:
			emit(d, toolstack.EventCrash)
		}
	})
	if err != nil {
		return toolstack.Wrap("register lifecycle events", err)
	}
	defer t.conn.DomainEventDeregister(lifecycleID)

	rebootID, err := t.conn.DomainEventRebootRegister(nil, func(_ *lv.Connect, d *lv.Domain) {
		emit(d, toolstack.EventReboot)
	})
	if err != nil {
		return toolstack.Wrap("register reboot events", err)
	}
	defer t.conn.DomainEventDeregister(rebootID)

	log.InfoContext(ctx, "watching toolstack events", "uri", t.uri)
	<-ctx.Done()
	return nil
}

// Close closes the connection.
func (t *Toolstack) Close() error {
	_, err := t.conn.Close()
	return toolstack.Wrap("close", err)
}
