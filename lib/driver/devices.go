package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/toolstack"
)

// AttachDevice adds a disk to a domain. AffectConfig is required so the disk
// survives a restart; AffectLive must be set exactly when the domain runs.
func (m *manager) AttachDevice(ctx context.Context, id uuid.UUID, xml string, flags DeviceFlags) error {
	if flags&AffectConfig == 0 {
		return fmt.Errorf("%w: devices can only be attached to the persistent definition", ErrInvalidArgument)
	}
	disk, err := domains.ParseDisk(xml)
	if err != nil {
		return err
	}

	var ev *events.Event
	err = m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		log := domainLogger(ctx, d.UUID)
		live := flags&AffectLive != 0
		if live != d.IsActive() {
			if live {
				return fmt.Errorf("%w: cannot attach to the live definition of an inactive domain", domains.ErrInvalidState)
			}
			return fmt.Errorf("%w: running domain requires live attach", ErrInvalidArgument)
		}
		if d.HasManagedSave() {
			return fmt.Errorf("%w: domain has a managed-save image", domains.ErrConfigurationLocked)
		}

		persistent, err := d.Persistent.WithDisk(*disk)
		if err != nil {
			return err
		}
		var liveDef *domains.Definition
		if live {
			if liveDef, err = d.Live.WithDisk(*disk); err != nil {
				return err
			}
		}

		prev := d.Persistent
		if err := m.saveConfig(cfg, persistent); err != nil {
			return err
		}
		if err := cfg.Toolstack.AttachDevice(ctx, d.Handle, xml, live); err != nil {
			if rerr := m.saveConfig(cfg, prev); rerr != nil {
				log.ErrorContext(ctx, "failed to restore previous definition file", "error", rerr)
			}
			return toolstack.Wrap("attach device", err)
		}

		d.Persistent = persistent
		if live {
			d.Live = liveDef
			if err := m.saveStatus(cfg, liveDef); err != nil {
				log.WarnContext(ctx, "failed to save live definition", "error", err)
			}
		}

		log.InfoContext(ctx, "disk attached", "target", disk.Target.Dev, "live", live)
		ev = newEvent(d, events.KindDefined, "updated")
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}
