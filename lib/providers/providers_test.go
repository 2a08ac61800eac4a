package providers

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/onkernel/domaind/cmd/domaind/config"
	"github.com/onkernel/domaind/lib/events"
	"github.com/onkernel/domaind/lib/otel"
	"github.com/onkernel/domaind/lib/toolstack/faketoolstack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		ToolstackURI:     "test:///default",
		DataDir:          t.TempDir(),
		GraphicsPortMin:  5900,
		GraphicsPortMax:  5901,
		MigrationPortMin: 49152,
		MigrationPortMax: 49152,
		SaveXMLMaxSize:   "1MB",
		LogMaxSize:       "1MB",
		EventQueueSize:   8,
		LogLevel:         "debug",
	}
}

func testOtel(t *testing.T) *otel.Provider {
	op, shutdown, err := otel.Init(context.Background(), otel.Config{ServiceName: "domaind-test"})
	require.NoError(t, err)
	t.Cleanup(func() { shutdown(context.Background()) })
	return op
}

func TestProvidePortPools(t *testing.T) {
	pools, err := ProvidePortPools(testConfig(t), testOtel(t))
	require.NoError(t, err)
	assert.Equal(t, "graphics", pools.Graphics.Name())
	assert.Equal(t, 2, pools.Graphics.Size())
	assert.Equal(t, "migration", pools.Migration.Name())
	assert.Equal(t, 1, pools.Migration.Size())

	cfg := testConfig(t)
	cfg.GraphicsPortMin = 6000
	_, err = ProvidePortPools(cfg, nil)
	assert.Error(t, err)
}

func TestProvideLogger(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := testConfig(t)
	p := ProvidePaths(cfg)
	require.NoError(t, p.EnsureDirs())

	logs, cleanup, err := ProvideDomainLogs(cfg, p)
	require.NoError(t, err)
	defer cleanup()

	log, err := ProvideLogger(cfg, logs, nil)
	require.NoError(t, err)
	log.Info("domain defined", "domain_uuid", "abc")
	assert.Equal(t, 1, logs.Open())

	data, err := os.ReadFile(filepath.Join(cfg.DataDir, "log", "abc.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "domain defined")

	cfg.LogLevel = "loud"
	_, err = ProvideLogger(cfg, logs, nil)
	assert.Error(t, err)
}

func TestProvideDriverManager(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	op := testOtel(t)
	pools, err := ProvidePortPools(cfg, op)
	require.NoError(t, err)
	bus, err := ProvideEventBus(cfg, op)
	require.NoError(t, err)

	p := ProvidePaths(cfg)
	logs, closeLogs, err := ProvideDomainLogs(cfg, p)
	require.NoError(t, err)
	defer closeLogs()

	ts := faketoolstack.New()
	mgr, cleanup, err := ProvideDriverManager(ctx, cfg, ts, p, logs, pools, bus, op)
	require.NoError(t, err)

	require.NoError(t, mgr.Load(ctx))
	assert.Equal(t, 0, mgr.NumOfDomains(ctx, true))
	caps, err := mgr.Capabilities(ctx)
	require.NoError(t, err)
	assert.Contains(t, caps, "<capabilities>")

	cleanup()
	assert.True(t, ts.Closed())
}

func TestProvideEventBus(t *testing.T) {
	bus, err := ProvideEventBus(testConfig(t), nil)
	require.NoError(t, err)
	bus.Publish(events.Event{Kind: events.KindDefined})
	assert.Equal(t, 1, bus.Pending())
}
