package driver

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/savefile"
	"github.com/onkernel/domaind/lib/toolstack"
)

// Start boots an inactive domain. A domain with a managed-save image is
// restored from it unless StartForceBoot discards the image.
func (m *manager) Start(ctx context.Context, id uuid.UUID, flags StartFlags) error {
	start := time.Now()
	ctx, end := m.startSpan(ctx, "StartDomain")

	var ev *events.Event
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if d.IsActive() {
			return fmt.Errorf("%w: domain is already running", domains.ErrInvalidState)
		}
		if err := d.State.CanTransitionTo(domains.StateRunning); err != nil {
			return err
		}

		paused := flags&StartPaused != 0
		var err error
		if d.HasManagedSave() {
			if flags&StartForceBoot == 0 {
				ev, err = m.restore(ctx, cfg, d, paused)
				return err
			}
			if err := m.discardManagedSave(ctx, cfg, d); err != nil {
				return err
			}
		}
		ev, err = m.boot(ctx, cfg, d, paused)
		return err
	})
	end(err)
	if err != nil {
		m.recordDuration(ctx, "start", start, "error")
		return err
	}
	m.recordDuration(ctx, "start", start, "success")

	m.publish(ev)
	return nil
}

// boot starts d from its persistent definition with fresh graphics ports.
func (m *manager) boot(ctx context.Context, cfg *DriverConfig, d *domains.Domain, paused bool) (*events.Event, error) {
	log := domainLogger(ctx, d.UUID)
	ts := cfg.Toolstack

	reserved, err := m.reserveGraphicsPorts(ctx, d.UUID, d.Persistent.AutoportGraphics())
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*events.Event, error) {
		m.releaseGraphicsPorts(ctx, d.UUID, reserved)
		return nil, err
	}

	live, err := d.Persistent.WithGraphicsPorts(reserved)
	if err != nil {
		return fail(err)
	}
	if err := ts.ApplyConfig(ctx, d.Handle, live.XML, false); err != nil {
		return fail(toolstack.Wrap("apply config", err))
	}
	if err := ts.ChangeState(ctx, d.Handle, toolstack.VerbStart); err != nil {
		m.resetToolstackConfig(ctx, cfg, d)
		return fail(toolstack.Wrap("start", err))
	}

	state := domains.StateRunning
	if paused {
		if err := ts.ChangeState(ctx, d.Handle, toolstack.VerbPause); err != nil {
			m.abortStart(ctx, cfg, d)
			return fail(toolstack.Wrap("pause", err))
		}
		state = domains.StatePaused
	}

	if err := m.activate(ctx, cfg, d, live, reserved, state, domains.ReasonBooted); err != nil {
		m.abortStart(ctx, cfg, d)
		return fail(err)
	}

	log.InfoContext(ctx, "domain started", "id", d.ID, "graphics_ports", reserved, "paused", paused, "autoballoon", cfg.Autoballoon)
	return newEvent(d, events.KindStarted, string(domains.ReasonBooted)), nil
}

// restore starts d from its managed-save image and deletes the image.
func (m *manager) restore(ctx context.Context, cfg *DriverConfig, d *domains.Domain, paused bool) (*events.Event, error) {
	log := domainLogger(ctx, d.UUID)
	ts := cfg.Toolstack

	path, err := m.savePath(cfg, d)
	if err != nil {
		return nil, err
	}
	img, err := savefile.Open(path, cfg.MaxSaveXMLSize)
	if err != nil {
		return nil, fmt.Errorf("open managed-save image: %w", err)
	}
	defer img.Close()

	saved, err := domains.ParseDefinition(string(img.XML), cfg.Caps, false)
	if err != nil {
		return nil, fmt.Errorf("managed-save image definition: %w", err)
	}
	if saved.UUID != d.UUID {
		return nil, fmt.Errorf("%w: managed-save image belongs to %s", domains.ErrInvalidDefinition, saved.UUID)
	}

	reserved, err := m.reserveGraphicsPorts(ctx, d.UUID, saved.AutoportGraphics())
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*events.Event, error) {
		m.releaseGraphicsPorts(ctx, d.UUID, reserved)
		return nil, err
	}

	live, err := saved.WithGraphicsPorts(reserved)
	if err != nil {
		return fail(err)
	}
	if err := ts.RestoreState(ctx, d.Handle, live.XML, img.State); err != nil {
		return fail(toolstack.Wrap("restore", err))
	}

	state := domains.StatePaused
	if !paused {
		if err := ts.ChangeState(ctx, d.Handle, toolstack.VerbResume); err != nil {
			m.abortStart(ctx, cfg, d)
			return fail(toolstack.Wrap("resume", err))
		}
		state = domains.StateRunning
	}

	if err := m.activate(ctx, cfg, d, live, reserved, state, domains.ReasonRestored); err != nil {
		m.abortStart(ctx, cfg, d)
		return fail(err)
	}

	if err := os.Remove(path); err != nil {
		log.WarnContext(ctx, "failed to remove managed-save image after restore", "path", path, "error", err)
	}

	log.InfoContext(ctx, "domain restored", "id", d.ID, "graphics_ports", reserved, "paused", paused)
	return newEvent(d, events.KindStarted, string(domains.ReasonRestored)), nil
}

// activate records that the toolstack now runs d with the live definition.
func (m *manager) activate(ctx context.Context, cfg *DriverConfig, d *domains.Domain, live *domains.Definition, graphicsPorts []int, state domains.State, reason domains.Reason) error {
	st, err := cfg.Toolstack.QueryDomain(ctx, d.Handle)
	if err != nil {
		return toolstack.Wrap("query domain", err)
	}
	if err := m.domains.SetActiveID(d, st.ID); err != nil {
		return err
	}

	d.Live = live
	d.GraphicsPorts = graphicsPorts
	if err := m.saveStatus(cfg, live); err != nil {
		domainLogger(ctx, d.UUID).WarnContext(ctx, "failed to save live definition", "error", err)
	}
	m.setState(ctx, d, state, reason)
	return nil
}

// deactivate records that d stopped and returns its host resources.
func (m *manager) deactivate(ctx context.Context, cfg *DriverConfig, d *domains.Domain, reason domains.Reason) {
	m.releaseGraphicsPorts(ctx, d.UUID, d.GraphicsPorts)
	d.GraphicsPorts = nil
	if d.MigrationPort != 0 {
		m.releaseMigrationPort(ctx, d)
	}

	m.domains.ClearActiveID(d)
	d.Live = nil
	if err := m.removeStatus(cfg, d); err != nil {
		domainLogger(ctx, d.UUID).WarnContext(ctx, "failed to remove live definition", "error", err)
	}
	m.setState(ctx, d, domains.StateShutoff, reason)
}

// abortStart destroys a guest whose start could not be completed.
func (m *manager) abortStart(ctx context.Context, cfg *DriverConfig, d *domains.Domain) {
	if err := cfg.Toolstack.ChangeState(ctx, d.Handle, toolstack.VerbDestroy); err != nil {
		domainLogger(ctx, d.UUID).ErrorContext(ctx, "failed to destroy partially started domain", "error", err)
	}
	m.resetToolstackConfig(ctx, cfg, d)
}

// resetToolstackConfig puts the persistent definition back into the
// toolstack after a failed start.
func (m *manager) resetToolstackConfig(ctx context.Context, cfg *DriverConfig, d *domains.Domain) {
	if err := cfg.Toolstack.ApplyConfig(ctx, d.Handle, d.Persistent.XML, false); err != nil {
		domainLogger(ctx, d.UUID).WarnContext(ctx, "failed to reset toolstack configuration", "error", err)
	}
}

// Suspend pauses a running domain. Suspending a paused domain does nothing.
func (m *manager) Suspend(ctx context.Context, id uuid.UUID) error {
	var ev *events.Event
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if d.State == domains.StatePaused {
			return nil
		}
		if d.State != domains.StateRunning {
			return fmt.Errorf("%w: cannot suspend domain in state %s", domains.ErrInvalidState, d.State)
		}
		if err := cfg.Toolstack.ChangeState(ctx, d.Handle, toolstack.VerbPause); err != nil {
			return toolstack.Wrap("pause", err)
		}
		m.setState(ctx, d, domains.StatePaused, domains.ReasonUser)
		domainLogger(ctx, d.UUID).InfoContext(ctx, "domain suspended")
		ev = newEvent(d, events.KindSuspended, string(domains.ReasonUser))
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}

// Resume continues a paused domain.
func (m *manager) Resume(ctx context.Context, id uuid.UUID) error {
	var ev *events.Event
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if d.State != domains.StatePaused {
			return fmt.Errorf("%w: cannot resume domain in state %s", domains.ErrInvalidState, d.State)
		}
		if err := cfg.Toolstack.ChangeState(ctx, d.Handle, toolstack.VerbResume); err != nil {
			return toolstack.Wrap("resume", err)
		}
		m.setState(ctx, d, domains.StateRunning, domains.ReasonUnpaused)
		domainLogger(ctx, d.UUID).InfoContext(ctx, "domain resumed")
		ev = newEvent(d, events.KindResumed, string(domains.ReasonUnpaused))
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}

// Shutdown asks the guest to power off. The domain stays shutting-down
// until the toolstack reports that it stopped.
func (m *manager) Shutdown(ctx context.Context, id uuid.UUID) error {
	var ev *events.Event
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if d.State != domains.StateRunning {
			return fmt.Errorf("%w: cannot shut down domain in state %s", domains.ErrInvalidState, d.State)
		}
		if err := cfg.Toolstack.ChangeState(ctx, d.Handle, toolstack.VerbShutdown); err != nil {
			return toolstack.Wrap("shutdown", err)
		}
		m.setState(ctx, d, domains.StateShuttingDown, domains.ReasonUser)
		domainLogger(ctx, d.UUID).InfoContext(ctx, "domain shutdown requested")
		ev = newEvent(d, events.KindShutdown, string(domains.ReasonUser))
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}

// Destroy stops an active domain immediately.
func (m *manager) Destroy(ctx context.Context, id uuid.UUID) error {
	var ev *events.Event
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if !d.IsActive() {
			return fmt.Errorf("%w: domain is not running", domains.ErrInvalidState)
		}
		if err := cfg.Toolstack.ChangeState(ctx, d.Handle, toolstack.VerbDestroy); err != nil {
			return toolstack.Wrap("destroy", err)
		}
		// The event carries the id the domain had while running.
		ev = newEvent(d, events.KindStopped, string(domains.ReasonDestroyed))
		m.deactivate(ctx, cfg, d, domains.ReasonDestroyed)
		domainLogger(ctx, d.UUID).InfoContext(ctx, "domain destroyed")
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}

// HandleToolstackEvent applies a guest-initiated state change reported by
// the toolstack. Events for unknown or inactive domains are ignored.
func (m *manager) HandleToolstackEvent(ctx context.Context, tev toolstack.Event) {
	log := logger.FromContext(ctx)

	id, err := uuid.Parse(string(tev.Handle))
	if err != nil {
		log.WarnContext(ctx, "ignoring toolstack event for unknown handle", "handle", tev.Handle, "kind", tev.Kind)
		return
	}

	var ev *events.Event
	err = m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if d.Handle != tev.Handle || !d.IsActive() {
			return nil
		}
		dlog := domainLogger(ctx, d.UUID)

		switch tev.Kind {
		case toolstack.EventPoweroff:
			ev = newEvent(d, events.KindStopped, string(domains.ReasonShutdown))
			m.deactivate(ctx, cfg, d, domains.ReasonShutdown)
			dlog.InfoContext(ctx, "domain powered off")
		case toolstack.EventCrash:
			ev = newEvent(d, events.KindStopped, string(domains.ReasonCrashed))
			m.deactivate(ctx, cfg, d, domains.ReasonCrashed)
			dlog.WarnContext(ctx, "domain crashed")
		case toolstack.EventReboot:
			// A guest that reboots instead of powering off keeps running.
			if d.State == domains.StateShuttingDown {
				m.setState(ctx, d, domains.StateRunning, domains.ReasonBooted)
				ev = newEvent(d, events.KindStarted, string(domains.ReasonBooted))
			}
			dlog.InfoContext(ctx, "domain rebooted")
		default:
			dlog.WarnContext(ctx, "ignoring unknown toolstack event", "kind", tev.Kind)
		}
		return nil
	})
	if err != nil {
		log.WarnContext(ctx, "failed to apply toolstack event", "handle", tev.Handle, "kind", tev.Kind, "error", err)
		return
	}
	m.publish(ev)
}
