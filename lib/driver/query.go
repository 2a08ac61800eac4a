package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/samber/lo"
)

// identityOf unlocks a domain returned by a registry lookup.
func identityOf(d *domains.Domain, err error) (domains.Identity, error) {
	if err != nil {
		return domains.Identity{}, err
	}
	defer d.Unlock()
	return d.Identity(), nil
}

func (m *manager) LookupByUUID(ctx context.Context, id uuid.UUID) (domains.Identity, error) {
	var ident domains.Identity
	err := m.domains.With(ctx, id, func(d *domains.Domain) error {
		ident = d.Identity()
		return nil
	})
	return ident, err
}

func (m *manager) LookupByID(ctx context.Context, id int) (domains.Identity, error) {
	return identityOf(m.domains.FindByID(ctx, id))
}

func (m *manager) LookupByName(ctx context.Context, name string) (domains.Identity, error) {
	return identityOf(m.domains.FindByName(ctx, name))
}

func (m *manager) GetInfo(ctx context.Context, id uuid.UUID) (domains.Info, error) {
	var info domains.Info
	err := m.domains.With(ctx, id, func(d *domains.Domain) error {
		info = infoOf(d)
		return nil
	})
	return info, err
}

func (m *manager) GetState(ctx context.Context, id uuid.UUID) (domains.State, domains.Reason, error) {
	var (
		state  domains.State
		reason domains.Reason
	)
	err := m.domains.With(ctx, id, func(d *domains.Domain) error {
		state, reason = d.State, d.Reason
		return nil
	})
	return state, reason, err
}

// GetXMLDesc returns the live definition of a running domain, or the
// persistent one when inactive or with XMLInactive.
func (m *manager) GetXMLDesc(ctx context.Context, id uuid.UUID, flags XMLFlags) (string, error) {
	var xml string
	err := m.domains.With(ctx, id, func(d *domains.Domain) error {
		def := d.Current()
		if flags&XMLInactive != 0 {
			def = d.Persistent
		}
		xml = def.XML
		return nil
	})
	return xml, err
}

func (m *manager) GetOSType(ctx context.Context, id uuid.UUID) (string, error) {
	var osType string
	err := m.domains.With(ctx, id, func(d *domains.Domain) error {
		osType = d.Persistent.OSType
		return nil
	})
	return osType, err
}

func (m *manager) IsActive(ctx context.Context, id uuid.UUID) (bool, error) {
	var active bool
	err := m.domains.With(ctx, id, func(d *domains.Domain) error {
		active = d.IsActive()
		return nil
	})
	return active, err
}

// IsPersistent always reports true for known domains: every tracked domain
// has a persistent definition.
func (m *manager) IsPersistent(ctx context.Context, id uuid.UUID) (bool, error) {
	err := m.domains.With(ctx, id, func(*domains.Domain) error { return nil })
	return err == nil, err
}

func (m *manager) GetAutostart(ctx context.Context, id uuid.UUID) (bool, error) {
	var autostart bool
	err := m.domains.With(ctx, id, func(d *domains.Domain) error {
		autostart = d.Autostart
		return nil
	})
	return autostart, err
}

// SetAutostart marks a domain to be started when the daemon starts.
func (m *manager) SetAutostart(ctx context.Context, id uuid.UUID, autostart bool) error {
	return m.withDomain(ctx, id, func(cfg *DriverConfig, d *domains.Domain) error {
		if d.Autostart == autostart {
			return nil
		}
		if err := m.setAutostartLink(cfg, d, autostart); err != nil {
			return fmt.Errorf("set autostart: %w", err)
		}
		d.Autostart = autostart
		domainLogger(ctx, d.UUID).InfoContext(ctx, "autostart changed", "autostart", autostart)
		return nil
	})
}

func (m *manager) ListActiveIDs(ctx context.Context) []int {
	return m.domains.ListActiveIDs()
}

func (m *manager) ListDefinedNames(ctx context.Context) []string {
	return m.domains.ListInactiveNames()
}

func (m *manager) NumOfDomains(ctx context.Context, active bool) int {
	return m.domains.Count(active)
}

// ListAll returns information on every domain matching flags, sorted by name.
// Domains removed while the list is built are skipped.
func (m *manager) ListAll(ctx context.Context, flags ListFlags) ([]domains.Info, error) {
	var infos []domains.Info
	for _, ident := range m.domains.List() {
		info, err := m.GetInfo(ctx, ident.UUID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		infos = append(infos, info)
	}
	return lo.Filter(infos, func(info domains.Info, _ int) bool {
		return flags.match(info)
	}), nil
}

func (f ListFlags) match(info domains.Info) bool {
	group := func(mask ListFlags, want map[ListFlags]bool) bool {
		if f&mask == 0 {
			return true
		}
		for flag, ok := range want {
			if f&flag != 0 && ok {
				return true
			}
		}
		return false
	}

	active := info.ID != domains.InactiveID
	return group(ListActive|ListInactive, map[ListFlags]bool{
		ListActive:   active,
		ListInactive: !active,
	}) && group(ListManagedSave|ListNoManagedSave, map[ListFlags]bool{
		ListManagedSave:   info.ManagedSave,
		ListNoManagedSave: !info.ManagedSave,
	}) && group(ListAutostart|ListNoAutostart, map[ListFlags]bool{
		ListAutostart:   info.Autostart,
		ListNoAutostart: !info.Autostart,
	}) && group(ListRunning|ListPaused|ListShutoff, map[ListFlags]bool{
		ListRunning: info.State == domains.StateRunning,
		ListPaused:  info.State == domains.StatePaused,
		ListShutoff: info.State.Is(domains.StateShutoff, domains.StateDefined),
	})
}

func infoOf(d *domains.Domain) domains.Info {
	def := d.Current()
	return domains.Info{
		Identity:    d.Identity(),
		State:       d.State,
		Reason:      d.Reason,
		OSType:      def.OSType,
		MemoryKiB:   def.MemoryKiB(),
		VCPUs:       def.VCPUs(),
		Autostart:   d.Autostart,
		Persistent:  true,
		ManagedSave: d.HasManagedSave(),
	}
}
