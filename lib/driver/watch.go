package driver

import (
	"context"
	"time"

	"github.com/onkernel/domaind/lib/logger"
	"github.com/onkernel/domaind/lib/toolstack"
)

// watchRetryDelay is how long WatchToolstack waits after a failed watch.
const watchRetryDelay = 5 * time.Second

// WatchToolstack delivers guest-initiated events of the current toolstack
// to HandleToolstackEvent. After a reload it switches to the new toolstack.
// It returns when ctx is done or the manager is closed.
func (m *manager) WatchToolstack(ctx context.Context) error {
	log := logger.FromContext(ctx)

	for {
		// Taken before the snapshot so a publish in between is not missed.
		changed := m.configChangedCh()
		cfg, err := m.acquireConfig()
		if err != nil {
			return nil
		}

		source, ok := cfg.Toolstack.(toolstack.EventSource)
		if !ok {
			cfg.Release()
			log.InfoContext(ctx, "toolstack does not report guest events")
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
				continue
			}
		}

		watchCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-changed:
				cancel()
			case <-watchCtx.Done():
			}
		}()
		err = source.Watch(watchCtx, func(ev toolstack.Event) {
			m.HandleToolstackEvent(ctx, ev)
		})
		cancel()
		cfg.Release()

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-changed:
			continue
		default:
		}

		if err != nil {
			log.WarnContext(ctx, "toolstack event watch failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-changed:
		case <-time.After(watchRetryDelay):
		}
	}
}
