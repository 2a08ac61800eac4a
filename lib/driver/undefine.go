package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/toolstack"
)

// Undefine forgets an inactive domain and removes its files. A domain with a
// managed-save image is only removed with UndefineManagedSave.
func (m *manager) Undefine(ctx context.Context, id uuid.UUID, flags UndefineFlags) error {
	var ev *events.Event
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		log := domainLogger(ctx, d.UUID)

		if d.IsActive() {
			return fmt.Errorf("%w: cannot undefine a running domain", domains.ErrInvalidState)
		}
		if d.HasManagedSave() && flags&UndefineManagedSave == 0 {
			return fmt.Errorf("%w: domain has a managed-save image", domains.ErrInvalidState)
		}

		if err := cfg.Toolstack.DeleteDomain(ctx, d.Handle); err != nil {
			return toolstack.Wrap("delete domain", err)
		}

		savePath, err := m.savePath(cfg, d)
		if err != nil {
			return err
		}
		for _, path := range []string{
			cfg.Paths.DomainAutostart(d.UUID.String()),
			cfg.Paths.DomainConfig(d.UUID.String()),
			savePath,
		} {
			if err := removeIfExists(path); err != nil {
				log.WarnContext(ctx, "failed to remove domain file", "path", path, "error", err)
			}
		}

		if d.MigrationPort != 0 {
			m.releaseMigrationPort(ctx, d)
		}

		ev = newEvent(d, events.KindUndefined, "removed")
		m.domains.Remove(d)
		log.InfoContext(ctx, "domain undefined", "name", d.Name)
		if m.opts.DomainLogs != nil {
			if err := m.opts.DomainLogs.Close(d.UUID.String()); err != nil {
				logger.FromContext(ctx).WarnContext(ctx, "failed to close domain log", "domain", d.UUID, "error", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}
