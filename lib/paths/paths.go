// Package paths provides centralized path construction for domaind's
// directories.
package paths

import (
	"fmt"
	"os"
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// Filesystem structure (defaults under a single data directory):
// {dataDir}/
//   config/
//     {uuid}.xml         # Persistent domain definition
//     autostart/
//       {uuid}.xml       # Symlink to ../{uuid}.xml
//   run/
//     {uuid}.xml         # Live definition of a running domain
//   log/
//     {uuid}.log         # Per-domain operations log
//   lib/
//     save/
//       {uuid}.save      # Managed-save image
//     dump/              # Core dumps

// Dirs lists every directory domaind uses.
type Dirs struct {
	Config    string
	Autostart string
	State     string
	Log       string
	Lib       string
	Save      string
	Dump      string
}

// DefaultDirs lays every directory out under dataDir.
func DefaultDirs(dataDir string) Dirs {
	lib := filepath.Join(dataDir, "lib")
	config := filepath.Join(dataDir, "config")
	return Dirs{
		Config:    config,
		Autostart: filepath.Join(config, "autostart"),
		State:     filepath.Join(dataDir, "run"),
		Log:       filepath.Join(dataDir, "log"),
		Lib:       lib,
		Save:      filepath.Join(lib, "save"),
		Dump:      filepath.Join(lib, "dump"),
	}
}

// Paths provides typed path construction for domaind's directories.
type Paths struct {
	dirs Dirs
}

// New creates a Paths instance with the default layout under dataDir.
func New(dataDir string) *Paths {
	return FromDirs(DefaultDirs(dataDir))
}

// FromDirs creates a Paths instance for explicitly configured directories.
func FromDirs(dirs Dirs) *Paths {
	return &Paths{dirs: dirs}
}

// Dirs returns the configured directories.
func (p *Paths) Dirs() Dirs {
	return p.dirs
}

// EnsureDirs creates every directory that does not exist yet.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{
		p.dirs.Config, p.dirs.Autostart, p.dirs.State, p.dirs.Log,
		p.dirs.Lib, p.dirs.Save, p.dirs.Dump,
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigDir returns the directory holding persistent definitions.
func (p *Paths) ConfigDir() string {
	return p.dirs.Config
}

// AutostartDir returns the directory holding autostart links.
func (p *Paths) AutostartDir() string {
	return p.dirs.Autostart
}

// StateDir returns the directory holding live definitions.
func (p *Paths) StateDir() string {
	return p.dirs.State
}

// LogDir returns the per-domain log directory.
func (p *Paths) LogDir() string {
	return p.dirs.Log
}

// SaveDir returns the managed-save image directory.
func (p *Paths) SaveDir() string {
	return p.dirs.Save
}

// DumpDir returns the core dump directory.
func (p *Paths) DumpDir() string {
	return p.dirs.Dump
}

// Domain path methods. Names are confined to their directory so a hostile
// identifier cannot escape it.

// DomainConfig returns the path to the persistent definition of a domain.
func (p *Paths) DomainConfig(uuid string) string {
	return p.join(p.dirs.Config, uuid+".xml")
}

// DomainAutostart returns the path to the autostart link of a domain.
func (p *Paths) DomainAutostart(uuid string) string {
	return p.join(p.dirs.Autostart, uuid+".xml")
}

// DomainStatus returns the path to the live definition of a running domain.
func (p *Paths) DomainStatus(uuid string) string {
	return p.join(p.dirs.State, uuid+".xml")
}

// DomainLog returns the path to the operations log of a domain.
func (p *Paths) DomainLog(uuid string) string {
	return p.join(p.dirs.Log, uuid+".log")
}

func (p *Paths) join(dir, name string) string {
	path, err := securejoin.SecureJoin(dir, name)
	if err != nil {
		// SecureJoin only fails on symlink resolution errors; fall back to a
		// lexical join of the base name.
		return filepath.Join(dir, filepath.Base(name))
	}
	return path
}
