package driver

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/paths"
	"github.com/onkernel/domaind/lib/toolstack"
	"libvirt.org/go/libvirtxml"
)

// DriverConfig is an immutable snapshot of the driver-wide configuration.
// Holders obtained from acquireConfig must call Release exactly once. The
// snapshot owns its toolstack connection and closes it when the last holder
// releases it.
type DriverConfig struct {
	Toolstack toolstack.Toolstack
	Caps      *libvirtxml.Caps
	CapsXML   string
	Paths     *paths.Paths

	Autoballoon    bool
	MaxSaveXMLSize int64

	refs atomic.Int64
}

// newDriverConfig queries capabilities from ts and builds an unpublished
// snapshot.
func newDriverConfig(ctx context.Context, ts toolstack.Toolstack, opts Options) (*DriverConfig, error) {
	caps, err := ts.QueryCapabilities(ctx)
	if err != nil {
		return nil, toolstack.Wrap("query capabilities", err)
	}
	capsXML, err := caps.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}
	return &DriverConfig{
		Toolstack:      ts,
		Caps:           caps,
		CapsXML:        capsXML,
		Paths:          opts.Paths,
		Autoballoon:    opts.Autoballoon,
		MaxSaveXMLSize: opts.MaxSaveXMLSize,
	}, nil
}

// tryRetain takes a reference unless the snapshot is already destroyed.
func (c *DriverConfig) tryRetain() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}
		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops the holder's reference.
func (c *DriverConfig) Release() {
	switch n := c.refs.Add(-1); {
	case n == 0:
		if err := c.Toolstack.Close(); err != nil {
			logger.FromContext(context.Background()).Warn("failed to close toolstack connection", "error", err)
		}
	case n < 0:
		panic("driver: DriverConfig released more often than acquired")
	}
}

// acquireConfig returns the current snapshot with a reference held.
func (m *manager) acquireConfig() (*DriverConfig, error) {
	for {
		c := m.config.Load()
		if c == nil {
			return nil, ErrClosed
		}
		if c.tryRetain() {
			return c, nil
		}
		// Replaced and destroyed between the load and the retain; the next
		// load sees its successor.
	}
}

// publishConfig makes c the current snapshot. The manager holds one
// reference on the current snapshot, which is handed off here.
func (m *manager) publishConfig(c *DriverConfig) {
	if c != nil {
		c.refs.Store(1)
	}

	m.mu.Lock()
	old := m.config.Swap(c)
	changed := m.configChanged
	m.configChanged = make(chan struct{})
	m.mu.Unlock()

	close(changed)
	if old != nil {
		old.Release()
	}
}

// configChangedCh is closed the next time a snapshot is published.
func (m *manager) configChangedCh() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.configChanged
}

// Reload builds a new snapshot around ts and publishes it. Operations in
// flight finish on the snapshot they started with. Reload takes ownership of
// ts and closes it if the snapshot cannot be built.
func (m *manager) Reload(ctx context.Context, ts toolstack.Toolstack) error {
	log := logger.FromContext(ctx)

	cur, err := m.acquireConfig()
	if err != nil {
		ts.Close()
		return err
	}
	opts := m.opts
	opts.Paths = cur.Paths
	cur.Release()

	next, err := newDriverConfig(ctx, ts, opts)
	if err != nil {
		ts.Close()
		return err
	}
	m.publishConfig(next)

	log.InfoContext(ctx, "driver configuration reloaded", "guests", len(next.Caps.Guests))
	return nil
}

// Capabilities returns the capability document of the current snapshot.
func (m *manager) Capabilities(ctx context.Context) (string, error) {
	cfg, err := m.acquireConfig()
	if err != nil {
		return "", err
	}
	defer cfg.Release()
	return cfg.CapsXML, nil
}
