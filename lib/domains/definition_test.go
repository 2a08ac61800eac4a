package domains

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"libvirt.org/go/libvirtxml"
)

const testUUID = "6695eb01-f6a4-8304-79aa-97f2502e193f"

func hvmXML(name string) string {
	return fmt.Sprintf(`<domain type='xen'>
  <name>%s</name>
  <uuid>%s</uuid>
  <memory unit='MiB'>512</memory>
  <vcpu>2</vcpu>
  <os><type arch='x86_64'>hvm</type></os>
  <devices>
    <disk type='file' device='disk'>
      <source file='/var/lib/images/%s.img'/>
      <target dev='xvda' bus='xen'/>
    </disk>
    <interface type='bridge'>
      <mac address='00:16:3e:5d:c7:9e'/>
      <source bridge='br0'/>
    </interface>
    <graphics type='vnc' port='-1' autoport='yes'/>
  </devices>
</domain>`, name, testUUID, name)
}

func testCaps() *libvirtxml.Caps {
	return &libvirtxml.Caps{
		Guests: []libvirtxml.CapsGuest{
			{
				OSType: "hvm",
				Arch: libvirtxml.CapsGuestArch{
					Name:    "x86_64",
					Domains: []libvirtxml.CapsGuestDomain{{Type: "xen"}},
				},
			},
			{
				OSType: "exe",
				Arch: libvirtxml.CapsGuestArch{
					Name:    "x86_64",
					Domains: []libvirtxml.CapsGuestDomain{{Type: "xen"}},
				},
			},
		},
	}
}

func TestParseGuestKind(t *testing.T) {
	assert.Equal(t, GuestHVM, ParseGuestKind("hvm"))
	assert.Equal(t, GuestHVM, ParseGuestKind(" HVM "))
	assert.Equal(t, GuestExe, ParseGuestKind("exe"))
	assert.Equal(t, GuestUnsupported, ParseGuestKind("xen"))
	assert.Equal(t, GuestUnsupported, ParseGuestKind(""))
}

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition(hvmXML("vm1"), testCaps(), true)
	require.NoError(t, err)

	assert.Equal(t, testUUID, def.UUID.String())
	assert.Equal(t, "vm1", def.Name)
	assert.Equal(t, GuestHVM, def.Kind)
	assert.Equal(t, "x86_64", def.Arch)
	assert.Equal(t, uint64(512*1024), def.MemoryKiB())
	assert.Equal(t, uint(2), def.VCPUs())
	assert.Equal(t, 1, def.AutoportGraphics())
	assert.Empty(t, def.GraphicsPorts())

	// Canonical XML parses back to the same definition
	again, err := ParseDefinition(def.XML, testCaps(), true)
	require.NoError(t, err)
	assert.Equal(t, def.XML, again.XML)
}

func TestParseDefinition_GeneratesUUID(t *testing.T) {
	xml := `<domain type='xen'><name>noid</name><memory>1024</memory><os><type>hvm</type></os></domain>`
	def, err := ParseDefinition(xml, testCaps(), false)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, def.UUID)
	assert.Contains(t, def.XML, def.UUID.String())
	assert.Equal(t, "x86_64", def.Arch, "arch is filled from capabilities")
}

func TestParseDefinition_Errors(t *testing.T) {
	tests := []struct {
		name     string
		xml      string
		validate bool
		want     error
	}{
		{
			name: "malformed",
			xml:  `<domain><name>x</name>`,
			want: ErrInvalidDefinition,
		},
		{
			name: "missing name",
			xml:  `<domain type='xen'><os><type>hvm</type></os></domain>`,
			want: ErrInvalidDefinition,
		},
		{
			name: "bad uuid",
			xml:  `<domain type='xen'><name>x</name><uuid>nope</uuid><os><type>hvm</type></os></domain>`,
			want: ErrInvalidDefinition,
		},
		{
			name: "missing os type",
			xml:  `<domain type='xen'><name>x</name></domain>`,
			want: ErrInvalidDefinition,
		},
		{
			name: "arch not offered",
			xml:  `<domain type='xen'><name>x</name><os><type arch='aarch64'>hvm</type></os></domain>`,
			want: ErrUnsupportedGuestType,
		},
		{
			name: "virt type not offered",
			xml:  `<domain type='kvm'><name>x</name><os><type>hvm</type></os></domain>`,
			want: ErrUnsupportedGuestType,
		},
		{
			name:     "zero memory",
			xml:      `<domain type='xen'><name>x</name><os><type>hvm</type></os></domain>`,
			validate: true,
			want:     ErrInvalidDefinition,
		},
		{
			name: "duplicate disk target",
			xml: `<domain type='xen'><name>x</name><memory>1024</memory><os><type>hvm</type></os><devices>
<disk type='file' device='disk'><target dev='xvda'/></disk>
<disk type='file' device='disk'><target dev='xvda'/></disk>
</devices></domain>`,
			validate: true,
			want:     ErrInvalidDefinition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDefinition(tt.xml, testCaps(), tt.validate)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseDefinition_UnsupportedKindIsClassified(t *testing.T) {
	xml := `<domain type='xen'><name>pv</name><os><type>linux</type></os></domain>`
	def, err := ParseDefinition(xml, testCaps(), false)
	require.NoError(t, err)
	assert.Equal(t, GuestUnsupported, def.Kind)
}

func TestWithGraphicsPorts(t *testing.T) {
	def, err := ParseDefinition(hvmXML("vm1"), testCaps(), false)
	require.NoError(t, err)

	live, err := def.WithGraphicsPorts([]int{5901})
	require.NoError(t, err)
	assert.Equal(t, []int{5901}, live.GraphicsPorts())
	assert.Empty(t, def.GraphicsPorts(), "original definition is unchanged")

	_, err = def.WithGraphicsPorts(nil)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestWithDisk(t *testing.T) {
	def, err := ParseDefinition(hvmXML("vm1"), testCaps(), false)
	require.NoError(t, err)

	disk, err := ParseDisk(`<disk type='file' device='disk'><source file='/tmp/data.img'/><target dev='xvdb'/></disk>`)
	require.NoError(t, err)

	updated, err := def.WithDisk(*disk)
	require.NoError(t, err)
	doc, err := updated.Document()
	require.NoError(t, err)
	require.Len(t, doc.Devices.Disks, 2)
	assert.Equal(t, "xvdb", doc.Devices.Disks[1].Target.Dev)

	_, err = updated.WithDisk(*disk)
	assert.ErrorIs(t, err, ErrInvalidDefinition)
}

func TestParseDisk_RejectsOtherDevices(t *testing.T) {
	_, err := ParseDisk(`<interface type='bridge'><source bridge='br0'/></interface>`)
	assert.ErrorIs(t, err, ErrUnsupportedDevice)
}

func TestToKiB(t *testing.T) {
	assert.Equal(t, uint64(1024), toKiB(1024, ""))
	assert.Equal(t, uint64(1024), toKiB(1, "MiB"))
	assert.Equal(t, uint64(1<<20), toKiB(1, "G"))
	assert.Equal(t, uint64(1), toKiB(1024, "bytes"))
}
