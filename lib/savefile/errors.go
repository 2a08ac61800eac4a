package savefile

import "errors"

var (
	// ErrBadMagic is returned when a header does not start with the save magic
	ErrBadMagic = errors.New("bad save image magic")

	// ErrUnsupportedVersion is returned when a header version is newer than Version
	ErrUnsupportedVersion = errors.New("unsupported save image version")

	// ErrShortHeader is returned when fewer than HeaderSize bytes are available
	ErrShortHeader = errors.New("short save image header")

	// ErrPayloadTooLarge is returned when the declared definition length
	// exceeds what the caller is willing to read
	ErrPayloadTooLarge = errors.New("save image definition too large")
)
