package domains

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"libvirt.org/go/libvirtxml"
)

// GuestKind classifies a definition by its declared guest OS type. It is
// resolved once at parse time.
type GuestKind string

const (
	GuestHVM         GuestKind = "hvm"         // full virtualization
	GuestExe         GuestKind = "exe"         // container-style guest
	GuestUnsupported GuestKind = "unsupported" // anything else
)

// ParseGuestKind maps a definition OS type to a GuestKind.
func ParseGuestKind(osType string) GuestKind {
	switch strings.ToLower(strings.TrimSpace(osType)) {
	case "hvm":
		return GuestHVM
	case "exe":
		return GuestExe
	default:
		return GuestUnsupported
	}
}

// Definition is an immutable parsed domain definition. XML holds the
// canonical form produced by re-marshalling the parsed document.
type Definition struct {
	UUID   uuid.UUID
	Name   string
	Kind   GuestKind
	OSType string
	Arch   string
	XML    string

	doc *libvirtxml.Domain
}

// ParseDefinition parses a domain definition. A missing UUID is generated.
// When caps is non-nil the guest OS type, architecture and virt type must be
// offered by the host. validate enables semantic checks on memory, vCPUs and
// device identities.
func ParseDefinition(xml string, caps *libvirtxml.Caps, validate bool) (*Definition, error) {
	doc := &libvirtxml.Domain{}
	if err := doc.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	if strings.TrimSpace(doc.Name) == "" {
		return nil, fmt.Errorf("%w: missing name", ErrInvalidDefinition)
	}

	id := uuid.New()
	if doc.UUID != "" {
		parsed, err := uuid.Parse(doc.UUID)
		if err != nil {
			return nil, fmt.Errorf("%w: uuid %q: %v", ErrInvalidDefinition, doc.UUID, err)
		}
		id = parsed
	}
	doc.UUID = id.String()

	if doc.OS == nil || doc.OS.Type == nil || doc.OS.Type.Type == "" {
		return nil, fmt.Errorf("%w: missing os type", ErrInvalidDefinition)
	}

	kind := ParseGuestKind(doc.OS.Type.Type)
	if kind != GuestUnsupported && caps != nil {
		if err := checkCapabilities(doc, caps); err != nil {
			return nil, err
		}
	}

	if validate {
		if err := validateDocument(doc); err != nil {
			return nil, err
		}
	}

	return newDefinition(doc, kind)
}

func newDefinition(doc *libvirtxml.Domain, kind GuestKind) (*Definition, error) {
	// Runtime-only attribute; never persisted.
	doc.ID = nil

	out, err := doc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: marshal: %v", ErrInvalidDefinition, err)
	}
	id, err := uuid.Parse(doc.UUID)
	if err != nil {
		return nil, fmt.Errorf("%w: uuid %q: %v", ErrInvalidDefinition, doc.UUID, err)
	}

	return &Definition{
		UUID:   id,
		Name:   doc.Name,
		Kind:   kind,
		OSType: doc.OS.Type.Type,
		Arch:   doc.OS.Type.Arch,
		XML:    out,
		doc:    doc,
	}, nil
}

// checkCapabilities resolves the guest against the host capabilities and
// fills in a missing architecture.
func checkCapabilities(doc *libvirtxml.Domain, caps *libvirtxml.Caps) error {
	osType := doc.OS.Type
	for _, g := range caps.Guests {
		if g.OSType != osType.Type {
			continue
		}
		if osType.Arch != "" && g.Arch.Name != osType.Arch {
			continue
		}
		if doc.Type != "" && len(g.Arch.Domains) > 0 {
			offered := lo.ContainsBy(g.Arch.Domains, func(cd libvirtxml.CapsGuestDomain) bool {
				return cd.Type == doc.Type
			})
			if !offered {
				continue
			}
		}
		if osType.Arch == "" {
			osType.Arch = g.Arch.Name
		}
		return nil
	}
	return fmt.Errorf("%w: host offers no %s guest for arch %q virt type %q",
		ErrUnsupportedGuestType, osType.Type, osType.Arch, doc.Type)
}

func validateDocument(doc *libvirtxml.Domain) error {
	if doc.Memory == nil || doc.Memory.Value == 0 {
		return fmt.Errorf("%w: memory must be set", ErrInvalidDefinition)
	}
	maxKiB := toKiB(doc.Memory.Value, doc.Memory.Unit)
	if doc.CurrentMemory != nil && toKiB(doc.CurrentMemory.Value, doc.CurrentMemory.Unit) > maxKiB {
		return fmt.Errorf("%w: current memory exceeds maximum", ErrInvalidDefinition)
	}
	if doc.VCPU != nil && doc.VCPU.Value == 0 {
		return fmt.Errorf("%w: vcpu count must be positive", ErrInvalidDefinition)
	}
	if doc.Devices == nil {
		return nil
	}

	targets := lo.FilterMap(doc.Devices.Disks, func(d libvirtxml.DomainDisk, _ int) (string, bool) {
		if d.Target == nil {
			return "", false
		}
		return d.Target.Dev, d.Target.Dev != ""
	})
	if dup := lo.FindDuplicates(targets); len(dup) > 0 {
		return fmt.Errorf("%w: duplicate disk target %s", ErrInvalidDefinition, dup[0])
	}

	macs := lo.FilterMap(doc.Devices.Interfaces, func(i libvirtxml.DomainInterface, _ int) (string, bool) {
		if i.MAC == nil {
			return "", false
		}
		return strings.ToLower(i.MAC.Address), i.MAC.Address != ""
	})
	if dup := lo.FindDuplicates(macs); len(dup) > 0 {
		return fmt.Errorf("%w: duplicate mac address %s", ErrInvalidDefinition, dup[0])
	}
	return nil
}

// Document returns a private copy of the parsed document that the caller may
// modify.
func (d *Definition) Document() (*libvirtxml.Domain, error) {
	doc := &libvirtxml.Domain{}
	if err := doc.Unmarshal(d.XML); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	return doc, nil
}

// MemoryKiB returns the maximum memory in KiB.
func (d *Definition) MemoryKiB() uint64 {
	if d.doc.Memory == nil {
		return 0
	}
	return toKiB(d.doc.Memory.Value, d.doc.Memory.Unit)
}

// VCPUs returns the configured vCPU count, defaulting to one.
func (d *Definition) VCPUs() uint {
	if d.doc.VCPU == nil || d.doc.VCPU.Value == 0 {
		return 1
	}
	return d.doc.VCPU.Value
}

// AutoportGraphics returns how many graphics devices need a host port
// assigned at start.
func (d *Definition) AutoportGraphics() int {
	if d.doc.Devices == nil {
		return 0
	}
	n := 0
	for _, g := range d.doc.Devices.Graphics {
		if wantsPort(g) {
			n++
		}
	}
	return n
}

// GraphicsPorts returns the host ports already assigned to graphics devices.
func (d *Definition) GraphicsPorts() []int {
	if d.doc.Devices == nil {
		return nil
	}
	var ports []int
	for _, g := range d.doc.Devices.Graphics {
		switch {
		case g.VNC != nil && g.VNC.Port > 0:
			ports = append(ports, g.VNC.Port)
		case g.Spice != nil && g.Spice.Port > 0:
			ports = append(ports, g.Spice.Port)
		}
	}
	return ports
}

// WithGraphicsPorts returns a copy of d with ports assigned, in order, to
// each graphics device that asked for automatic port selection.
func (d *Definition) WithGraphicsPorts(ports []int) (*Definition, error) {
	if len(ports) != d.AutoportGraphics() {
		return nil, fmt.Errorf("%w: %d graphics ports for %d devices", ErrInvalidDefinition, len(ports), d.AutoportGraphics())
	}
	if len(ports) == 0 {
		return d, nil
	}

	doc, err := d.Document()
	if err != nil {
		return nil, err
	}
	next := 0
	for i := range doc.Devices.Graphics {
		g := &doc.Devices.Graphics[i]
		if !wantsPort(*g) {
			continue
		}
		switch {
		case g.VNC != nil:
			g.VNC.Port = ports[next]
		case g.Spice != nil:
			g.Spice.Port = ports[next]
		}
		next++
	}
	return newDefinition(doc, d.Kind)
}

// WithDisk returns a copy of d with disk appended. The disk target must not
// already be in use.
func (d *Definition) WithDisk(disk libvirtxml.DomainDisk) (*Definition, error) {
	if disk.Target == nil || disk.Target.Dev == "" {
		return nil, fmt.Errorf("%w: disk target required", ErrInvalidDefinition)
	}
	doc, err := d.Document()
	if err != nil {
		return nil, err
	}
	if doc.Devices == nil {
		doc.Devices = &libvirtxml.DomainDeviceList{}
	}
	for _, existing := range doc.Devices.Disks {
		if existing.Target != nil && existing.Target.Dev == disk.Target.Dev {
			return nil, fmt.Errorf("%w: disk target %s already in use", ErrInvalidDefinition, disk.Target.Dev)
		}
	}
	doc.Devices.Disks = append(doc.Devices.Disks, disk)
	return newDefinition(doc, d.Kind)
}

// ParseDisk parses a device definition, accepting only disks.
func ParseDisk(xml string) (*libvirtxml.DomainDisk, error) {
	disk := &libvirtxml.DomainDisk{}
	if err := disk.Unmarshal(xml); err != nil {
		return nil, fmt.Errorf("%w: only disk devices can be attached: %v", ErrUnsupportedDevice, err)
	}
	return disk, nil
}

func wantsPort(g libvirtxml.DomainGraphic) bool {
	switch {
	case g.VNC != nil:
		return g.VNC.AutoPort == "yes" || g.VNC.Port == -1
	case g.Spice != nil:
		return g.Spice.AutoPort == "yes" || g.Spice.Port == -1
	default:
		return false
	}
}

// toKiB converts a libvirt memory value with unit to KiB.
func toKiB(value uint, unit string) uint64 {
	v := uint64(value)
	switch strings.ToLower(unit) {
	case "b", "bytes":
		return v / 1024
	case "", "k", "kib":
		return v
	case "kb":
		return v * 1000 / 1024
	case "m", "mib":
		return v << 10
	case "mb":
		return v * 1000 * 1000 / 1024
	case "g", "gib":
		return v << 20
	case "gb":
		return v * 1000 * 1000 * 1000 / 1024
	case "t", "tib":
		return v << 30
	default:
		return v
	}
}
