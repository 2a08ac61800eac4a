package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/toolstack"
	"go.opentelemetry.io/otel/trace"
)

// DefineXML creates a domain or updates the persistent definition of an
// existing one.
func (m *manager) DefineXML(ctx context.Context, xml string, flags DefineFlags) (domains.Identity, error) {
	start := time.Now()
	var span trace.Span
	if m.metrics != nil && m.metrics.tracer != nil {
		ctx, span = m.metrics.tracer.Start(ctx, "DefineXML")
		defer span.End()
	}

	cfg, err := m.acquireConfig()
	if err != nil {
		return domains.Identity{}, err
	}
	defer cfg.Release()

	def, err := domains.ParseDefinition(xml, cfg.Caps, flags&DefineValidate != 0)
	if err != nil {
		return domains.Identity{}, err
	}
	if def.Kind == domains.GuestUnsupported {
		return domains.Identity{}, fmt.Errorf("%w: os type %q", domains.ErrUnsupportedGuestType, def.OSType)
	}

	ident, ev, err := m.reconcile(ctx, cfg, def)
	if err != nil {
		m.recordDuration(ctx, "define", start, "error")
		if span != nil {
			span.RecordError(err)
		}
		return domains.Identity{}, err
	}
	m.recordDuration(ctx, "define", start, "success")

	// The domain lock is released by now.
	m.publish(ev)
	return ident, nil
}

// reconcile dispatches to the new-domain or update path and returns with the
// domain unlocked.
func (m *manager) reconcile(ctx context.Context, cfg *DriverConfig, def *domains.Definition) (domains.Identity, *events.Event, error) {
	d, err := m.domains.FindByUUID(ctx, def.UUID)
	if errors.Is(err, domains.ErrNotFound) {
		return m.defineNew(ctx, cfg, def)
	}
	if err != nil {
		return domains.Identity{}, nil, err
	}
	defer d.Unlock()
	return m.redefine(ctx, cfg, d, def)
}

// defineNew registers a domain that did not exist. The domain stays
// reserved, and invisible to lookups and listings, until the toolstack
// object and the definition file exist. On any failure the registry and the
// toolstack are left as they were.
func (m *manager) defineNew(ctx context.Context, cfg *DriverConfig, def *domains.Definition) (domains.Identity, *events.Event, error) {
	log := domainLogger(ctx, def.UUID)

	d := domains.NewDomain(def)
	if err := m.domains.Reserve(d); err != nil {
		return domains.Identity{}, nil, err
	}
	defer d.Unlock()

	h, err := createInToolstack(ctx, cfg, def)
	if err != nil {
		m.domains.Remove(d)
		return domains.Identity{}, nil, err
	}
	d.Handle = h

	if err := m.saveConfig(cfg, def); err != nil {
		if derr := cfg.Toolstack.DeleteDomain(ctx, h); derr != nil {
			log.ErrorContext(ctx, "failed to delete toolstack domain after failed define", "error", derr)
		}
		m.domains.Remove(d)
		return domains.Identity{}, nil, err
	}
	m.domains.Commit(d)

	log.InfoContext(ctx, "domain defined", "name", def.Name, "os_type", def.OSType)
	return d.Identity(), newEvent(d, events.KindDefined, "added"), nil
}

// redefine replaces the persistent definition of the locked domain d.
func (m *manager) redefine(ctx context.Context, cfg *DriverConfig, d *domains.Domain, def *domains.Definition) (domains.Identity, *events.Event, error) {
	log := domainLogger(ctx, d.UUID)

	if d.HasManagedSave() {
		// The saved runtime state must stay loadable: only a definition with
		// the same guest ABI is accepted, and the stored one stays in effect.
		if err := domains.CheckABIStability(d.Persistent, def); err != nil {
			log.WarnContext(ctx, "rejected definition change of domain with managed-save image", "error", err)
			return domains.Identity{}, nil, err
		}
		log.DebugContext(ctx, "definition unchanged, managed-save image present")
		return d.Identity(), nil, nil
	}

	if def.Name != d.Name && !m.domains.NameAvailable(def.Name, d.UUID) {
		return domains.Identity{}, nil, fmt.Errorf("%w: name %q already in use", domains.ErrDuplicateIdentity, def.Name)
	}

	prev := d.Persistent
	if err := m.saveConfig(cfg, def); err != nil {
		return domains.Identity{}, nil, err
	}

	rollback := func() {
		if err := m.saveConfig(cfg, prev); err != nil {
			log.ErrorContext(ctx, "failed to restore previous definition file", "error", err)
		}
	}

	if err := cfg.Toolstack.ApplyConfig(ctx, d.Handle, def.XML, d.IsActive()); err != nil {
		rollback()
		return domains.Identity{}, nil, toolstack.Wrap("apply config", err)
	}

	if def.Name != d.Name {
		if err := m.domains.Rename(d, def.Name); err != nil {
			// Lost a race for the name after the check above.
			if aerr := cfg.Toolstack.ApplyConfig(ctx, d.Handle, prev.XML, d.IsActive()); aerr != nil {
				log.ErrorContext(ctx, "failed to restore previous toolstack configuration", "error", aerr)
			}
			rollback()
			return domains.Identity{}, nil, err
		}
	}
	d.Persistent = def

	log.InfoContext(ctx, "domain definition updated", "name", def.Name, "active", d.IsActive())
	return d.Identity(), newEvent(d, events.KindDefined, "updated"), nil
}

// createInToolstack registers def with the toolstack object type matching
// its guest kind.
func createInToolstack(ctx context.Context, cfg *DriverConfig, def *domains.Definition) (toolstack.Handle, error) {
	var (
		h   toolstack.Handle
		err error
	)
	switch def.Kind {
	case domains.GuestHVM:
		h, err = cfg.Toolstack.CreateDomain(ctx, def.XML)
	case domains.GuestExe:
		h, err = cfg.Toolstack.CreateContainer(ctx, def.XML)
	default:
		return "", fmt.Errorf("%w: os type %q", domains.ErrUnsupportedGuestType, def.OSType)
	}
	if err != nil {
		return "", toolstack.Wrap("create domain", err)
	}
	return h, nil
}
