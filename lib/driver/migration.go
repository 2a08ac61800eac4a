package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/toolstack"
)

// PrepareMigration reserves a migration port on which an inactive domain
// receives its incoming state.
func (m *manager) PrepareMigration(ctx context.Context, id uuid.UUID) (int, error) {
	var port int
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if d.IsActive() {
			return fmt.Errorf("%w: migration target must be inactive", domains.ErrInvalidState)
		}
		if d.HasManagedSave() {
			return fmt.Errorf("%w: migration target has a managed-save image", domains.ErrInvalidState)
		}
		if d.MigrationPort != 0 {
			return fmt.Errorf("%w: migration already prepared on port %d", domains.ErrInvalidState, d.MigrationPort)
		}

		p, err := m.migrationPorts.Reserve(ctx)
		if err != nil {
			return err
		}
		d.MigrationPort = p
		port = p
		domainLogger(ctx, d.UUID).InfoContext(ctx, "incoming migration prepared", "port", p)
		return nil
	})
	return port, err
}

// FinishMigration ends an incoming migration. Without ok the ticket is
// dropped. With ok the toolstack must now run the domain, which is adopted
// as running; the ticket is only consumed once adoption succeeds, so a
// failed finish can be retried or abandoned.
func (m *manager) FinishMigration(ctx context.Context, id uuid.UUID, ok bool) error {
	var ev *events.Event
	err := m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		log := domainLogger(ctx, d.UUID)
		if d.MigrationPort == 0 {
			return fmt.Errorf("%w: no migration in progress", domains.ErrInvalidState)
		}
		if !ok {
			m.releaseMigrationPort(ctx, d)
			log.InfoContext(ctx, "incoming migration abandoned")
			return nil
		}

		st, err := cfg.Toolstack.QueryDomain(ctx, d.Handle)
		if err != nil {
			return toolstack.Wrap("query domain", err)
		}
		if !st.Active {
			return fmt.Errorf("%w: migrated domain is not running", domains.ErrInvalidState)
		}

		live := d.Persistent
		ports := live.GraphicsPorts()
		for i, port := range ports {
			if err := m.graphicsPorts.Claim(port); err != nil {
				m.releaseGraphicsPorts(ctx, d.UUID, ports[:i])
				return err
			}
		}
		state := domains.StateRunning
		if st.Paused {
			state = domains.StatePaused
		}
		if err := m.activate(ctx, cfg, d, live, ports, state, domains.ReasonMigrated); err != nil {
			m.releaseGraphicsPorts(ctx, d.UUID, ports)
			return err
		}
		m.releaseMigrationPort(ctx, d)

		log.InfoContext(ctx, "incoming migration finished", "id", d.ID)
		ev = newEvent(d, events.KindStarted, string(domains.ReasonMigrated))
		return nil
	})
	if err != nil {
		return err
	}
	m.publish(ev)
	return nil
}
