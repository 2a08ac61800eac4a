package domains

import (
	"fmt"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/samber/lo"
	"libvirt.org/go/libvirtxml"
)

// abiView is the part of a definition that saved guest state depends on.
// Two definitions with equal views can restore each other's images.
type abiView struct {
	VirtType    string
	OSType      string
	Arch        string
	Machine     string
	MemoryKiB   uint64
	VCPUs       uint
	Disks       []abiDisk
	Controllers []abiController
	Interfaces  []abiInterface
	Graphics    []string
	Videos      []string
	Inputs      []string
	Sounds      []string
	Hostdevs    int
	Filesystems int
}

type abiDisk struct {
	Device string
	Dev    string
	Bus    string
}

type abiController struct {
	Type  string
	Index uint
	Model string
}

type abiInterface struct {
	MAC   string
	Model string
}

// CheckABIStability verifies that next can take over the saved state of
// prev. It returns an error wrapping ErrConfigurationLocked describing the
// first differences otherwise.
func CheckABIStability(prev, next *Definition) error {
	if prev.UUID != next.UUID {
		return fmt.Errorf("%w: uuid changed from %s to %s", ErrConfigurationLocked, prev.UUID, next.UUID)
	}
	if diff := cmp.Diff(prev.abi(), next.abi()); diff != "" {
		return fmt.Errorf("%w: definition is not ABI compatible with the saved image:\n%s", ErrConfigurationLocked, diff)
	}
	return nil
}

func (d *Definition) abi() abiView {
	doc := d.doc
	v := abiView{
		VirtType:  doc.Type,
		OSType:    d.OSType,
		Arch:      d.Arch,
		MemoryKiB: d.MemoryKiB(),
		VCPUs:     d.VCPUs(),
	}
	if doc.OS != nil && doc.OS.Type != nil {
		v.Machine = doc.OS.Type.Machine
	}

	devs := doc.Devices
	if devs == nil {
		return v
	}

	v.Disks = lo.Map(devs.Disks, func(disk libvirtxml.DomainDisk, _ int) abiDisk {
		out := abiDisk{Device: lo.CoalesceOrEmpty(disk.Device, "disk")}
		if disk.Target != nil {
			out.Dev = disk.Target.Dev
			out.Bus = disk.Target.Bus
		}
		return out
	})
	v.Controllers = lo.Map(devs.Controllers, func(c libvirtxml.DomainController, _ int) abiController {
		out := abiController{Type: c.Type, Model: c.Model}
		if c.Index != nil {
			out.Index = *c.Index
		}
		return out
	})
	v.Interfaces = lo.Map(devs.Interfaces, func(i libvirtxml.DomainInterface, _ int) abiInterface {
		var out abiInterface
		if i.MAC != nil {
			out.MAC = strings.ToLower(i.MAC.Address)
		}
		if i.Model != nil {
			out.Model = i.Model.Type
		}
		return out
	})
	v.Graphics = lo.Map(devs.Graphics, func(g libvirtxml.DomainGraphic, _ int) string {
		return graphicsType(g)
	})
	v.Videos = lo.Map(devs.Videos, func(vid libvirtxml.DomainVideo, _ int) string {
		return vid.Model.Type
	})
	v.Inputs = lo.Map(devs.Inputs, func(in libvirtxml.DomainInput, _ int) string {
		return in.Type + "/" + in.Bus
	})
	v.Sounds = lo.Map(devs.Sounds, func(s libvirtxml.DomainSound, _ int) string {
		return s.Model
	})
	v.Hostdevs = len(devs.Hostdevs)
	v.Filesystems = len(devs.Filesystems)
	return v
}

func graphicsType(g libvirtxml.DomainGraphic) string {
	switch {
	case g.VNC != nil:
		return "vnc"
	case g.Spice != nil:
		return "spice"
	case g.SDL != nil:
		return "sdl"
	case g.RDP != nil:
		return "rdp"
	case g.Desktop != nil:
		return "desktop"
	case g.EGLHeadless != nil:
		return "egl-headless"
	default:
		return "unknown"
	}
}
