package driver

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/onkernel/domaind/lib/domains"
	"github.com/onkernel/domaind/lib/savefile"
	"libvirt.org/go/libvirtxml"
)

// Domain files are keyed by UUID so a rename never moves a file:
//   <config>/<uuid>.xml     persistent definition
//   <autostart>/<uuid>.xml  link to ../<uuid>.xml
//   <state>/<uuid>.xml      live definition while running
//   <save>/<uuid>.save      managed-save image

func (m *manager) saveConfig(cfg *DriverConfig, def *domains.Definition) error {
	if err := writeFileAtomic(cfg.Paths.DomainConfig(def.UUID.String()), []byte(def.XML)); err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

func (m *manager) saveStatus(cfg *DriverConfig, def *domains.Definition) error {
	if err := writeFileAtomic(cfg.Paths.DomainStatus(def.UUID.String()), []byte(def.XML)); err != nil {
		return fmt.Errorf("save live definition: %w", err)
	}
	return nil
}

func (m *manager) removeStatus(cfg *DriverConfig, d *domains.Domain) error {
	return removeIfExists(cfg.Paths.DomainStatus(d.UUID.String()))
}

func (m *manager) savePath(cfg *DriverConfig, d *domains.Domain) (string, error) {
	return savefile.PathFor(cfg.Paths.SaveDir(), d.UUID.String())
}

// setAutostartLink creates or removes the autostart link of d.
func (m *manager) setAutostartLink(cfg *DriverConfig, d *domains.Domain, enabled bool) error {
	link := cfg.Paths.DomainAutostart(d.UUID.String())
	if !enabled {
		return removeIfExists(link)
	}
	if _, err := os.Lstat(link); err == nil {
		return nil
	}
	target := filepath.Join("..", filepath.Base(cfg.Paths.DomainConfig(d.UUID.String())))
	if err := os.Symlink(target, link); err != nil {
		return fmt.Errorf("create autostart link: %w", err)
	}
	return nil
}

// readDefinition parses a definition file without semantic validation.
func readDefinition(path string, caps *libvirtxml.Caps) (*domains.Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return domains.ParseDefinition(string(data), caps, false)
}

// writeFileAtomic replaces path with data via a temporary file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
