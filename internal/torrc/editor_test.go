package torrc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEditor(t *testing.T) *Editor {
	t.Helper()
	e := NewEditor(zerolog.Nop(), filepath.Join(t.TempDir(), "torrc"))
	e.now = func() time.Time { return time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC) }
	return e
}

func TestEditorRead_MissingFile(t *testing.T) {
	e := newTestEditor(t)

	text, err := e.Read()
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestEditorAddService(t *testing.T) {
	e := newTestEditor(t)
	require.NoError(t, os.WriteFile(e.Path(), []byte("SocksPort 9050\n"), 0644))

	require.NoError(t, e.AddService("onion_ab12cd34e", "/var/lib/tor/onionctl/onion_ab12cd34e", 80, 5000))

	data, err := os.ReadFile(e.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), "SocksPort 9050\n")
	assert.Contains(t, string(data), "# onionctl:service onion_ab12cd34e\n")

	// A timestamped backup of the pre-edit file must exist.
	backup, err := os.ReadFile(e.Path() + ".bak.20260314-092653")
	require.NoError(t, err)
	assert.Equal(t, "SocksPort 9050\n", string(backup))
}

func TestEditorAddService_DuplicateBlock(t *testing.T) {
	e := newTestEditor(t)
	require.NoError(t, e.AddService("onion_ab12cd34e", "/x", 80, 5000))

	err := e.AddService("onion_ab12cd34e", "/x", 80, 5000)
	assert.ErrorContains(t, err, "already has a block")
}

func TestEditorRemoveService(t *testing.T) {
	e := newTestEditor(t)
	require.NoError(t, os.WriteFile(e.Path(), []byte("SocksPort 9050\n"), 0644))
	require.NoError(t, e.AddService("onion_ab12cd34e", "/x", 80, 5000))

	removed, err := e.RemoveService("onion_ab12cd34e")
	require.NoError(t, err)
	assert.True(t, removed)

	data, err := os.ReadFile(e.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "onion_ab12cd34e")
	assert.Contains(t, string(data), "SocksPort 9050")
}

func TestEditorRemoveService_AbsentBlockLeavesFileUntouched(t *testing.T) {
	e := newTestEditor(t)
	original := "SocksPort 9050\nExitPolicy reject *:*\n"
	require.NoError(t, os.WriteFile(e.Path(), []byte(original), 0644))

	removed, err := e.RemoveService("onion_missing00")
	require.NoError(t, err)
	assert.False(t, removed)

	data, err := os.ReadFile(e.Path())
	require.NoError(t, err)
	assert.Equal(t, original, string(data))

	// No backup for a no-op.
	matches, err := filepath.Glob(e.Path() + ".bak.*")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
