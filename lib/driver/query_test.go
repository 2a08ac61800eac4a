package driver

import (
	"context"
	"os"
	"testing"

	"github.com/onkernel/domaind/lib/domains"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookups(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, webUUID, "web")

	byUUID, err := env.m.LookupByUUID(ctx, webUUID)
	require.NoError(t, err)
	byName, err := env.m.LookupByName(ctx, "web")
	require.NoError(t, err)
	assert.Equal(t, byUUID, byName)

	_, err = env.m.LookupByUUID(ctx, dbUUID)
	assert.ErrorIs(t, err, domains.ErrNotFound)
	_, err = env.m.LookupByID(ctx, 42)
	assert.ErrorIs(t, err, domains.ErrNotFound)
	_, err = env.m.LookupByName(ctx, "db")
	assert.ErrorIs(t, err, domains.ErrNotFound)
}

func TestGetInfo(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, webUUID, "web")

	info, err := env.m.GetInfo(ctx, webUUID)
	require.NoError(t, err)
	assert.Equal(t, "web", info.Name)
	assert.Equal(t, domains.StateDefined, info.State)
	assert.Equal(t, "hvm", info.OSType)
	assert.Equal(t, uint64(512*1024), info.MemoryKiB)
	assert.Equal(t, uint(2), info.VCPUs)
	assert.True(t, info.Persistent)
	assert.False(t, info.Autostart)
	assert.False(t, info.ManagedSave)

	active, err := env.m.IsActive(ctx, webUUID)
	require.NoError(t, err)
	assert.False(t, active)
	persistent, err := env.m.IsPersistent(ctx, webUUID)
	require.NoError(t, err)
	assert.True(t, persistent)

	_, err = env.m.IsPersistent(ctx, dbUUID)
	assert.ErrorIs(t, err, domains.ErrNotFound)
}

func TestSetAutostart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, webUUID, "web")
	link := env.paths.DomainAutostart(webUUID.String())

	require.NoError(t, env.m.SetAutostart(ctx, webUUID, true))
	autostart, err := env.m.GetAutostart(ctx, webUUID)
	require.NoError(t, err)
	assert.True(t, autostart)
	st, err := os.Lstat(link)
	require.NoError(t, err)
	assert.NotZero(t, st.Mode()&os.ModeSymlink)

	// Setting the same value again is fine.
	require.NoError(t, env.m.SetAutostart(ctx, webUUID, true))

	require.NoError(t, env.m.SetAutostart(ctx, webUUID, false))
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err))
}

func TestListAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.define(t, webUUID, "web")
	env.define(t, dbUUID, "db")
	require.NoError(t, env.m.Start(ctx, webUUID, 0))
	require.NoError(t, env.m.SetAutostart(ctx, dbUUID, true))

	names := func(infos []domains.Info) []string {
		return lo.Map(infos, func(i domains.Info, _ int) string { return i.Name })
	}

	tests := []struct {
		name  string
		flags ListFlags
		want  []string
	}{
		{"all", 0, []string{"db", "web"}},
		{"active", ListActive, []string{"web"}},
		{"inactive", ListInactive, []string{"db"}},
		{"both activity flags", ListActive | ListInactive, []string{"db", "web"}},
		{"autostart", ListAutostart, []string{"db"}},
		{"running", ListRunning, []string{"web"}},
		{"shutoff", ListShutoff, []string{"db"}},
		{"paused", ListPaused, nil},
		{"active autostart", ListActive | ListAutostart, nil},
		{"no managed save", ListNoManagedSave, []string{"db", "web"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			infos, err := env.m.ListAll(ctx, tt.flags)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, infos)
				return
			}
			assert.Equal(t, tt.want, names(infos))
		})
	}

	assert.Equal(t, 1, env.m.NumOfDomains(ctx, true))
	assert.Equal(t, 1, env.m.NumOfDomains(ctx, false))
	assert.Equal(t, []string{"db"}, env.m.ListDefinedNames(ctx))
}
