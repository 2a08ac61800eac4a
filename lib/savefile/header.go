// Package savefile reads and writes managed-save images.
//
// Image layout:
//
//	[0:16)   magic "libvirt-xml\n \0 \r"
//	[16:20)  version, uint32 little-endian
//	[20:24)  length of the definition text, uint32 little-endian
//	[24:64)  reserved, zero
//	[64:64+len)  domain definition (UTF-8 XML)
//	[64+len:)    toolstack state stream
package savefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// HeaderSize is the fixed size of the image header in bytes
	HeaderSize = 64

	// Version is the newest header version this package understands
	Version uint32 = 1

	magicSize = 16
)

// Magic identifies a managed-save image.
var Magic = [magicSize]byte{'l', 'i', 'b', 'v', 'i', 'r', 't', '-', 'x', 'm', 'l', '\n', ' ', 0, ' ', '\r'}

// Header is the decoded fixed-size prefix of a save image.
type Header struct {
	Version uint32
	XMLLen  uint32
}

// Encode returns a header for a definition payload of xmlLen bytes.
func Encode(xmlLen int) ([]byte, error) {
	if xmlLen < 0 || uint64(xmlLen) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: length %d not representable", ErrPayloadTooLarge, xmlLen)
	}
	return Header{Version: Version, XMLLen: uint32(xmlLen)}.MarshalBinary()
}

// Decode parses a header and returns it. b must hold at least HeaderSize bytes;
// anything past the header is ignored.
func Decode(b []byte) (Header, error) {
	var h Header
	if err := h.UnmarshalBinary(b); err != nil {
		return Header{}, err
	}
	return h, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderSize)
	copy(buf, Magic[:])
	binary.LittleEndian.PutUint32(buf[16:20], h.Version)
	binary.LittleEndian.PutUint32(buf[20:24], h.XMLLen)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w: got %d bytes", ErrShortHeader, len(b))
	}
	if !bytes.Equal(b[:magicSize], Magic[:]) {
		return ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(b[16:20])
	if version > Version {
		return fmt.Errorf("%w: %d (max %d)", ErrUnsupportedVersion, version, Version)
	}
	h.Version = version
	h.XMLLen = binary.LittleEndian.Uint32(b[20:24])
	return nil
}
