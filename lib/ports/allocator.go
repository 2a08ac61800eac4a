// Package ports hands out host ports from fixed, administratively configured
// ranges (graphics displays, migration transports).
package ports

import (
	"context"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/onkernel/domaind/lib/logger"
)

const maxPort = 65535

// Allocator reserves ports from the inclusive range [min, max].
//
// Release policy: releasing a port that is outside the range or not currently
// reserved fails with ErrInvalidPort. A port is never freed twice.
type Allocator struct {
	name     string
	min      int
	max      int
	mu       sync.Mutex
	used     *bitset.BitSet
	reserved int
}

// NewAllocator creates an allocator for the inclusive range [min, max].
// name identifies the pool in logs and metrics ("graphics", "migration").
func NewAllocator(name string, min, max int) (*Allocator, error) {
	if min < 1 || max > maxPort || min > max {
		return nil, fmt.Errorf("%w: %s %d-%d", ErrInvalidRange, name, min, max)
	}
	return &Allocator{
		name: name,
		min:  min,
		max:  max,
		used: bitset.New(uint(max - min + 1)),
	}, nil
}

// Name returns the pool name.
func (a *Allocator) Name() string {
	return a.name
}

// Range returns the configured bounds.
func (a *Allocator) Range() (int, int) {
	return a.min, a.max
}

// Size returns the number of ports in the range.
func (a *Allocator) Size() int {
	return a.max - a.min + 1
}

// Reserve marks the lowest free port as reserved and returns it.
func (a *Allocator) Reserve(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.used.NextClear(0)
	if !ok || int(idx) >= a.Size() {
		logger.FromContext(ctx).WarnContext(ctx, "port range exhausted",
			"pool", a.name, "min", a.min, "max", a.max)
		return 0, fmt.Errorf("%w: %s %d-%d", ErrRangeExhausted, a.name, a.min, a.max)
	}

	a.used.Set(idx)
	a.reserved++
	port := a.min + int(idx)

	logger.FromContext(ctx).DebugContext(ctx, "reserved port", "pool", a.name, "port", port)
	return port, nil
}

// Claim marks a specific port as reserved. Used when adopting domains that
// were already running with a port assigned.
func (a *Allocator) Claim(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max {
		return fmt.Errorf("%w: %d outside %s range %d-%d", ErrInvalidPort, port, a.name, a.min, a.max)
	}
	idx := uint(port - a.min)
	if a.used.Test(idx) {
		return fmt.Errorf("%w: %d already reserved in %s", ErrInvalidPort, port, a.name)
	}
	a.used.Set(idx)
	a.reserved++
	return nil
}

// Release clears the reservation on port.
func (a *Allocator) Release(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max {
		return fmt.Errorf("%w: %d outside %s range %d-%d", ErrInvalidPort, port, a.name, a.min, a.max)
	}
	idx := uint(port - a.min)
	if !a.used.Test(idx) {
		return fmt.Errorf("%w: %d not reserved in %s", ErrInvalidPort, port, a.name)
	}
	a.used.Clear(idx)
	a.reserved--
	return nil
}

// IsReserved reports whether port is currently reserved.
func (a *Allocator) IsReserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max {
		return false
	}
	return a.used.Test(uint(port - a.min))
}

// Reserved returns the number of reserved ports.
func (a *Allocator) Reserved() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved
}

// Free returns the number of ports still available.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Size() - a.reserved
}
