package ports

import "errors"

var (
	// ErrRangeExhausted is returned when every port in the range is reserved
	ErrRangeExhausted = errors.New("port range exhausted")

	// ErrInvalidPort is returned when releasing or claiming a port outside the
	// range, or releasing a port that is not reserved
	ErrInvalidPort = errors.New("invalid port")

	// ErrInvalidRange is returned when an allocator is configured with min > max
	// or bounds outside 1-65535
	ErrInvalidRange = errors.New("invalid port range")
)
