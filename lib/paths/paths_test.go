package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLayout(t *testing.T) {
	p := New("/var/lib/domaind")

	assert.Equal(t, "/var/lib/domaind/config", p.ConfigDir())
	assert.Equal(t, "/var/lib/domaind/config/autostart", p.AutostartDir())
	assert.Equal(t, "/var/lib/domaind/run", p.StateDir())
	assert.Equal(t, "/var/lib/domaind/lib/save", p.SaveDir())
	assert.Equal(t, "/var/lib/domaind/lib/dump", p.DumpDir())
	assert.Equal(t, "/var/lib/domaind/config/abc.xml", p.DomainConfig("abc"))
	assert.Equal(t, "/var/lib/domaind/log/abc.log", p.DomainLog("abc"))
}

func TestDomainPathsStayInsideDir(t *testing.T) {
	root := t.TempDir()
	p := New(root)

	got := p.DomainConfig("../../../etc/passwd")
	rel, err := filepath.Rel(p.ConfigDir(), got)
	require.NoError(t, err)
	assert.NotContains(t, rel, "..")
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	p := New(root)
	require.NoError(t, p.EnsureDirs())

	d := p.Dirs()
	for _, dir := range []string{d.Config, d.Autostart, d.State, d.Log, d.Lib, d.Save, d.Dump} {
		st, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, st.IsDir())
	}
}
