package driver

import (
	"context"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
)

// reserveGraphicsPorts reserves n ports, all or none.
func (m *manager) reserveGraphicsPorts(ctx context.Context, id uuid.UUID, n int) ([]int, error) {
	reserved := make([]int, 0, n)
	for i := 0; i < n; i++ {
		port, err := m.graphicsPorts.Reserve(ctx)
		if err != nil {
			m.releaseGraphicsPorts(ctx, id, reserved)
			return nil, err
		}
		reserved = append(reserved, port)
	}
	return reserved, nil
}

func (m *manager) releaseGraphicsPorts(ctx context.Context, id uuid.UUID, reserved []int) {
	for _, port := range reserved {
		if err := m.graphicsPorts.Release(port); err != nil {
			domainLogger(ctx, id).WarnContext(ctx, "failed to release graphics port", "port", port, "error", err)
		}
	}
}

func (m *manager) releaseMigrationPort(ctx context.Context, d *domains.Domain) {
	if err := m.migrationPorts.Release(d.MigrationPort); err != nil {
		domainLogger(ctx, d.UUID).WarnContext(ctx, "failed to release migration port", "port", d.MigrationPort, "error", err)
	}
	d.MigrationPort = 0
}
