package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/savefile"
	"github.com/onkernel/domaind/lib/toolstack"
)

// Load rebuilds the registry from the persistent definitions on disk,
// reconnects domains the toolstack still runs and then starts domains
// marked for autostart. Unreadable definitions are logged and skipped.
func (m *manager) Load(ctx context.Context) error {
	log := logger.FromContext(ctx)

	cfg, err := m.acquireConfig()
	if err != nil {
		return err
	}
	defer cfg.Release()

	if err := cfg.Paths.EnsureDirs(); err != nil {
		return err
	}
	entries, err := os.ReadDir(cfg.Paths.ConfigDir())
	if err != nil {
		return fmt.Errorf("read config directory: %w", err)
	}

	var autostart []uuid.UUID
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".xml" {
			continue
		}
		path := filepath.Join(cfg.Paths.ConfigDir(), e.Name())
		id, start, err := m.loadDomain(ctx, cfg, path)
		if err != nil {
			log.WarnContext(ctx, "skipping domain definition", "path", path, "error", err)
			continue
		}
		if start {
			autostart = append(autostart, id)
		}
	}
	log.InfoContext(ctx, "domains loaded", "total", m.domains.Len(), "active", m.domains.Count(true))

	for _, id := range autostart {
		if err := m.Start(ctx, id, 0); err != nil {
			domainLogger(ctx, id).ErrorContext(ctx, "failed to autostart domain", "error", err)
		}
	}
	return nil
}

// loadDomain registers the domain defined in path and reports whether it
// should be autostarted.
func (m *manager) loadDomain(ctx context.Context, cfg *DriverConfig, path string) (uuid.UUID, bool, error) {
	def, err := readDefinition(path, cfg.Caps)
	if err != nil {
		return uuid.Nil, false, err
	}
	if want := def.UUID.String() + ".xml"; filepath.Base(path) != want {
		return uuid.Nil, false, fmt.Errorf("%w: file name does not match uuid %s", domains.ErrInvalidDefinition, def.UUID)
	}
	if def.Kind == domains.GuestUnsupported {
		return uuid.Nil, false, fmt.Errorf("%w: os type %q", domains.ErrUnsupportedGuestType, def.OSType)
	}

	d := domains.NewDomain(def)
	if err := m.domains.AddLocked(d); err != nil {
		return uuid.Nil, false, err
	}
	defer d.Unlock()

	if _, err := os.Lstat(cfg.Paths.DomainAutostart(d.UUID.String())); err == nil {
		d.Autostart = true
	}

	st, err := cfg.Toolstack.QueryDomain(ctx, d.Handle)
	if err != nil {
		// Unknown to the toolstack, for example after a host reboot.
		h, cerr := createInToolstack(ctx, cfg, def)
		if cerr != nil {
			m.domains.Remove(d)
			return uuid.Nil, false, cerr
		}
		d.Handle = h
		st = toolstack.Status{ID: domains.InactiveID}
	}

	savePath, err := m.savePath(cfg, d)
	if err != nil {
		m.domains.Remove(d)
		return uuid.Nil, false, err
	}

	switch {
	case st.Active:
		if err := m.reconnect(ctx, cfg, d, st); err != nil {
			m.domains.Remove(d)
			return uuid.Nil, false, err
		}
	case savefile.Exists(savePath):
		m.setState(ctx, d, domains.StateShutoff, domains.ReasonSaved)
	default:
		m.setState(ctx, d, domains.StateShutoff, domains.ReasonUnknown)
	}

	return d.UUID, d.Autostart && !d.IsActive(), nil
}

// reconnect adopts a domain the toolstack is already running, reclaiming
// the graphics ports recorded in its live definition.
func (m *manager) reconnect(ctx context.Context, cfg *DriverConfig, d *domains.Domain, st toolstack.Status) error {
	log := domainLogger(ctx, d.UUID)

	live := d.Persistent
	statusDef, err := readDefinition(cfg.Paths.DomainStatus(d.UUID.String()), cfg.Caps)
	switch {
	case err == nil && statusDef.UUID == d.UUID:
		live = statusDef
	case err != nil && !errors.Is(err, os.ErrNotExist):
		log.WarnContext(ctx, "ignoring unreadable live definition", "error", err)
	}

	var claimed []int
	for _, port := range live.GraphicsPorts() {
		if err := m.graphicsPorts.Claim(port); err != nil {
			log.WarnContext(ctx, "failed to reclaim graphics port", "port", port, "error", err)
			continue
		}
		claimed = append(claimed, port)
	}

	if err := m.domains.SetActiveID(d, st.ID); err != nil {
		m.releaseGraphicsPorts(ctx, d.UUID, claimed)
		return err
	}
	d.Live = live
	d.GraphicsPorts = claimed

	state := domains.StateRunning
	if st.Paused {
		state = domains.StatePaused
	}
	m.setState(ctx, d, state, domains.ReasonUnknown)
	log.InfoContext(ctx, "reconnected to running domain", "id", st.ID, "graphics_ports", claimed)
	return nil
}
