package driver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/savefile"
	"github.com/onkernel/domaind/lib/toolstack"
)

// ManagedSave writes the execution state of an active domain to its
// managed-save image and stops it. The next Start restores from the image.
// Multi-hop: Running → Paused (SavePaused) → Shutoff/saved
func (m *manager) ManagedSave(ctx context.Context, id uuid.UUID, flags SaveFlags) error {
	start := time.Now()
	ctx, end := m.startSpan(ctx, "ManagedSave")

	var evs []*events.Event
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		var err error
		evs, err = m.managedSave(ctx, cfg, d, flags)
		return err
	})
	end(err)

	// A failed save can still have changed state on the way.
	for _, ev := range evs {
		m.publish(ev)
	}
	if err != nil {
		m.recordDuration(ctx, "managed_save", start, "error")
		return err
	}
	m.recordDuration(ctx, "managed_save", start, "success")
	return nil
}

func (m *manager) managedSave(ctx context.Context, cfg *DriverConfig, d *domains.Domain, flags SaveFlags) ([]*events.Event, error) {
	log := domainLogger(ctx, d.UUID)
	ts := cfg.Toolstack

	if !d.State.Is(domains.StateRunning, domains.StatePaused) {
		return nil, fmt.Errorf("%w: cannot save domain in state %s", domains.ErrInvalidState, d.State)
	}

	path, err := m.savePath(cfg, d)
	if err != nil {
		return nil, err
	}

	var evs []*events.Event
	pausedHere := false
	if flags&SavePaused != 0 && d.State == domains.StateRunning {
		if err := ts.ChangeState(ctx, d.Handle, toolstack.VerbPause); err != nil {
			return nil, toolstack.Wrap("pause", err)
		}
		m.setState(ctx, d, domains.StatePaused, domains.ReasonUser)
		evs = append(evs, newEvent(d, events.KindSuspended, string(domains.ReasonUser)))
		pausedHere = true
	}

	stateWritten := false
	err = savefile.Write(path, []byte(d.Live.XML), func(w io.Writer) error {
		if err := ts.SaveState(ctx, d.Handle, w); err != nil {
			return toolstack.Wrap("save state", err)
		}
		stateWritten = true
		return nil
	})
	if err != nil {
		if stateWritten {
			// The toolstack already stopped the guest but the image is lost.
			evs = append(evs, newEvent(d, events.KindStopped, string(domains.ReasonFailed)))
			m.deactivate(ctx, cfg, d, domains.ReasonFailed)
			log.ErrorContext(ctx, "domain stopped but managed-save image could not be written", "path", path, "error", err)
			return evs, err
		}
		if pausedHere {
			if rerr := ts.ChangeState(ctx, d.Handle, toolstack.VerbResume); rerr != nil {
				log.WarnContext(ctx, "failed to resume domain after failed save", "error", rerr)
				// Still paused; report the pause that happened.
				return evs, err
			}
			m.setState(ctx, d, domains.StateRunning, domains.ReasonUnpaused)
		}
		return nil, err
	}

	evs = append(evs, newEvent(d, events.KindStopped, string(domains.ReasonSaved)))
	m.deactivate(ctx, cfg, d, domains.ReasonSaved)
	log.InfoContext(ctx, "domain saved", "path", path)
	return evs, nil
}

// ManagedSaveRemove deletes the managed-save image of a domain. The domain
// stays shut off and its next start boots fresh.
func (m *manager) ManagedSaveRemove(ctx context.Context, id uuid.UUID) error {
	return m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if !d.HasManagedSave() {
			return fmt.Errorf("%w: domain has no managed-save image", domains.ErrInvalidState)
		}
		return m.discardManagedSave(ctx, cfg, d)
	})
}

// discardManagedSave removes the image of a shut off, saved domain.
func (m *manager) discardManagedSave(ctx context.Context, cfg *DriverConfig, d *domains.Domain) error {
	path, err := m.savePath(cfg, d)
	if err != nil {
		return err
	}
	if err := removeIfExists(path); err != nil {
		return fmt.Errorf("remove managed-save image: %w", err)
	}
	m.setState(ctx, d, domains.StateShutoff, domains.ReasonUnknown)
	domainLogger(ctx, d.UUID).InfoContext(ctx, "managed-save image removed", "path", path)
	return nil
}

// HasManagedSaveImage reports whether the domain will restore on next start.
func (m *manager) HasManagedSaveImage(ctx context.Context, id uuid.UUID) (bool, error) {
	var has bool
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		has = d.HasManagedSave()
		return nil
	})
	return has, err
}
