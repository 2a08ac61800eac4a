package driver

import "errors"

var (
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("driver closed")

	// ErrInvalidArgument is returned for unsupported flag combinations
	ErrInvalidArgument = errors.New("invalid argument")
)
