package domains

import "errors"

var (
	// ErrNotFound is returned when no domain matches a lookup
	ErrNotFound = errors.New("domain not found")

	// ErrDuplicateIdentity is returned when inserting a domain whose UUID or
	// name is already known
	ErrDuplicateIdentity = errors.New("domain already exists")

	// ErrInvalidState is returned when an operation is not valid in the
	// domain's current state
	ErrInvalidState = errors.New("invalid domain state")

	// ErrConfigurationLocked is returned when a domain with a managed-save
	// image is redefined with an ABI-incompatible definition
	ErrConfigurationLocked = errors.New("domain configuration is locked")

	// ErrUnsupportedGuestType is returned for guest OS types other than hvm and exe
	ErrUnsupportedGuestType = errors.New("unsupported guest type")

	// ErrInvalidDefinition is returned when a definition cannot be parsed or
	// fails validation
	ErrInvalidDefinition = errors.New("invalid domain definition")

	// ErrUnsupportedDevice is returned when a device type cannot be attached
	ErrUnsupportedDevice = errors.New("unsupported device")
)
