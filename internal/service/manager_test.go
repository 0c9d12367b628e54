package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edvin/onionctl/internal/config"
	"github.com/edvin/onionctl/internal/model"
	"github.com/edvin/onionctl/internal/platform"
	"github.com/edvin/onionctl/internal/registry"
	"github.com/edvin/onionctl/internal/torrc"
)

// fakeSystem implements sysops.System without touching the host.
type fakeSystem struct {
	listening  map[int]bool
	active     bool
	alive      map[int]bool
	terminated []int
	controls   []string
	controlErr error
	onControl  func(action, unit string)
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{
		listening: map[int]bool{},
		active:    true,
		alive:     map[int]bool{},
	}
}

func (f *fakeSystem) IsPortListening(port int) bool { return f.listening[port] }

func (f *fakeSystem) ControlService(_ context.Context, action, unit string) error {
	f.controls = append(f.controls, action+" "+unit)
	if f.onControl != nil {
		f.onControl(action, unit)
	}
	return f.controlErr
}

func (f *fakeSystem) ServiceActive(context.Context, string) bool { return f.active }
func (f *fakeSystem) ProcessAlive(pid int) bool                  { return f.alive[pid] }

func (f *fakeSystem) TerminateProcess(pid int) error {
	f.terminated = append(f.terminated, pid)
	delete(f.alive, pid)
	return nil
}

func (f *fakeSystem) reloadCount() int {
	n := 0
	for _, c := range f.controls {
		if c == "reload tor" {
			n++
		}
	}
	return n
}

type testEnv struct {
	mgr   *Manager
	sys   *fakeSystem
	cfg   *config.Config
	store *registry.Store
	out   *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tmp := t.TempDir()

	cfg := &config.Config{
		RegistryPath: filepath.Join(tmp, "registry"),
		TorrcPath:    filepath.Join(tmp, "torrc"),
		DataDir:      filepath.Join(tmp, "data"),
		WebsiteDir:   filepath.Join(tmp, "www"),
		TorUnit:      "tor",
		BasePort:     5000,
		PublicPort:   80,
		PollAttempts: 3,
		PollInterval: time.Millisecond,
		ProbeTimeout: 50 * time.Millisecond,
		LogLevel:     "info",
	}

	sys := newFakeSystem()
	store := registry.NewStore(zerolog.Nop(), cfg.RegistryPath)
	editor := torrc.NewEditor(zerolog.Nop(), cfg.TorrcPath)

	out := &bytes.Buffer{}
	mgr := NewManager(zerolog.Nop(), cfg, store, editor, sys)
	mgr.SetOutput(out)
	mgr.SetConfirm(func(string) bool { return true })

	return &testEnv{mgr: mgr, sys: sys, cfg: cfg, store: store, out: out}
}

// seedService creates a managed service on disk and in the registry the way
// Create would have left it.
func (e *testEnv) seedService(t *testing.T, name string, port int) model.ServiceRecord {
	t.Helper()
	serviceDir := filepath.Join(e.cfg.DataDir, name)
	websiteDir := filepath.Join(e.cfg.WebsiteDir, name)
	require.NoError(t, os.MkdirAll(serviceDir, 0700))
	require.NoError(t, os.MkdirAll(websiteDir, 0755))

	rec := model.ServiceRecord{
		Name:             name,
		Directory:        serviceDir,
		Port:             port,
		WebsiteDirectory: websiteDir,
		Status:           model.StatusInactive,
		CreatedAt:        time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	require.NoError(t, e.store.Append(rec))

	editor := torrc.NewEditor(zerolog.Nop(), e.cfg.TorrcPath)
	require.NoError(t, editor.AddService(name, serviceDir, e.cfg.PublicPort, port))
	return rec
}

func TestCreate_Success(t *testing.T) {
	env := newTestEnv(t)

	// When tor is reloaded, it generates the service identity.
	env.sys.onControl = func(action, unit string) {
		if action != "reload" {
			return
		}
		entries, err := os.ReadDir(env.cfg.DataDir)
		require.NoError(t, err)
		for _, entry := range entries {
			hostname := filepath.Join(env.cfg.DataDir, entry.Name(), "hostname")
			require.NoError(t, os.WriteFile(hostname, []byte("generatedaddress1234.onion\n"), 0600))
		}
	}

	require.NoError(t, env.mgr.Create(context.Background()))

	records, err := env.store.Load()
	require.NoError(t, err)
	require.Len(t, records, 1)

	rec := records[0]
	assert.True(t, platform.IsManagedName(rec.Name))
	assert.Equal(t, model.StatusActive, rec.Status)
	assert.Equal(t, "generatedaddress1234.onion", rec.Address)
	assert.Equal(t, 5000, rec.Port)

	assert.DirExists(t, rec.Directory)
	assert.DirExists(t, rec.WebsiteDirectory)

	torrcData, err := os.ReadFile(env.cfg.TorrcPath)
	require.NoError(t, err)
	assert.Contains(t, string(torrcData), "# onionctl:service "+rec.Name)
	assert.Contains(t, string(torrcData), fmt.Sprintf("HiddenServicePort 80 127.0.0.1:%d", rec.Port))

	assert.Contains(t, env.out.String(), "generatedaddress1234.onion")
}

func TestCreate_SkipsPortsInUse(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "onion_aa11bb22c", 5000)
	env.sys.listening[5001] = true
	env.sys.onControl = func(action, unit string) {
		entries, _ := os.ReadDir(env.cfg.DataDir)
		for _, entry := range entries {
			hostname := filepath.Join(env.cfg.DataDir, entry.Name(), "hostname")
			os.WriteFile(hostname, []byte("x.onion\n"), 0600)
		}
	}

	require.NoError(t, env.mgr.Create(context.Background()))

	records, err := env.store.Load()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, 5002, records[1].Port)
}

func TestCreate_TimeoutMarksError(t *testing.T) {
	env := newTestEnv(t)

	err := env.mgr.Create(context.Background())
	assert.ErrorIs(t, err, ErrExternalProcess)

	records, lerr := env.store.Load()
	require.NoError(t, lerr)
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusError, records[0].Status)

	// Diagnostic guidance for the operator.
	assert.Contains(t, env.out.String(), "journalctl -u tor")
}

func TestCreate_TorUnitDiesDuringWait(t *testing.T) {
	env := newTestEnv(t)
	env.sys.active = false

	err := env.mgr.Create(context.Background())
	assert.ErrorIs(t, err, ErrExternalProcess)
	assert.ErrorContains(t, err, "exited while waiting")

	records, lerr := env.store.Load()
	require.NoError(t, lerr)
	require.Len(t, records, 1)
	assert.Equal(t, model.StatusError, records[0].Status)
}

func TestCreate_ReloadFailureMarksError(t *testing.T) {
	env := newTestEnv(t)
	env.sys.controlErr = fmt.Errorf("unit tor not loaded")

	err := env.mgr.Create(context.Background())
	assert.ErrorIs(t, err, ErrExternalProcess)
}

func TestDiscover_AdoptsExternalServices(t *testing.T) {
	env := newTestEnv(t)
	torrcText := "HiddenServiceDir /var/lib/tor/legacy_site\nHiddenServicePort 80 127.0.0.1:8080\n"
	require.NoError(t, os.WriteFile(env.cfg.TorrcPath, []byte(torrcText), 0644))

	require.NoError(t, env.mgr.Discover())

	rec, err := env.store.Find("legacy_site")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "/var/lib/tor/legacy_site", rec.Directory)
	assert.Equal(t, 8080, rec.Port)
	assert.Equal(t, model.StatusInactive, rec.Status)
}

func TestDiscover_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	torrcText := "HiddenServiceDir /var/lib/tor/legacy_site\nHiddenServicePort 80 127.0.0.1:8080\n"
	require.NoError(t, os.WriteFile(env.cfg.TorrcPath, []byte(torrcText), 0644))

	require.NoError(t, env.mgr.Discover())
	require.NoError(t, env.mgr.Discover())

	records, err := env.store.Load()
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestList_RendersTable(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedService(t, "onion_aa11bb22c", 5000)
	require.NoError(t, os.WriteFile(filepath.Join(rec.Directory, "hostname"), []byte("livesvc.onion\n"), 0600))

	require.NoError(t, env.mgr.List(context.Background()))

	out := env.out.String()
	assert.Contains(t, out, "onion_aa11bb22c")
	assert.Contains(t, out, "active")
	assert.Contains(t, out, "managed")
	assert.Contains(t, out, "livesvc.onion")

	// Reconciled state must be persisted, not just rendered.
	got, err := env.store.Find("onion_aa11bb22c")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusActive, got.Status)
}

func TestList_Empty(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.mgr.List(context.Background()))
	assert.Contains(t, env.out.String(), "No services registered.")
}

func TestStop_Managed(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "onion_aa11bb22c", 5000)
	pidPath := env.mgr.pidFile("onion_aa11bb22c")
	require.NoError(t, os.WriteFile(pidPath, []byte("4242\n"), 0644))
	env.sys.alive[4242] = true

	require.NoError(t, env.mgr.Stop(context.Background(), "onion_aa11bb22c"))

	assert.Equal(t, []int{4242}, env.sys.terminated)
	assert.NoFileExists(t, pidPath)
}

func TestStop_Unmanaged(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Append(model.ServiceRecord{
		Name:      "legacy_site",
		Directory: "/var/lib/tor/legacy_site",
		Port:      8080,
		Status:    model.StatusInactive,
		CreatedAt: time.Now(),
	}))

	err := env.mgr.Stop(context.Background(), "legacy_site")
	assert.ErrorIs(t, err, ErrUnmanaged)
}

func TestStop_NotFound(t *testing.T) {
	env := newTestEnv(t)

	err := env.mgr.Stop(context.Background(), "ghost_service")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRemove_NotFoundLeavesRegistryUntouched(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "onion_aa11bb22c", 5000)
	before, err := os.ReadFile(env.cfg.RegistryPath)
	require.NoError(t, err)

	err = env.mgr.Remove(context.Background(), "ghost_service")
	assert.ErrorIs(t, err, ErrNotFound)

	after, rerr := os.ReadFile(env.cfg.RegistryPath)
	require.NoError(t, rerr)
	assert.Equal(t, before, after, "registry file must be byte-identical")
	assert.Zero(t, env.sys.reloadCount())
}

func TestRemove_Single(t *testing.T) {
	env := newTestEnv(t)
	rec := env.seedService(t, "onion_aa11bb22c", 5000)

	require.NoError(t, env.mgr.Remove(context.Background(), "onion_aa11bb22c"))

	got, err := env.store.Find("onion_aa11bb22c")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.NoDirExists(t, rec.Directory)
	assert.NoDirExists(t, rec.WebsiteDirectory)

	torrcData, err := os.ReadFile(env.cfg.TorrcPath)
	require.NoError(t, err)
	assert.NotContains(t, string(torrcData), "onion_aa11bb22c")

	assert.Equal(t, 1, env.sys.reloadCount())
}

func TestRemove_BulkPartialFailure(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "onion_aa11bb22c", 5000)

	err := env.mgr.Remove(context.Background(), "onion_aa11bb22c,ghost_service")
	require.Error(t, err)
	assert.ErrorContains(t, err, "1 of 2 removals failed")

	// The valid service is fully removed.
	got, ferr := env.store.Find("onion_aa11bb22c")
	require.NoError(t, ferr)
	assert.Nil(t, got)

	// Exactly one tor reload for the whole batch.
	assert.Equal(t, 1, env.sys.reloadCount())

	out := env.out.String()
	assert.Contains(t, out, "ghost_service not found")
	assert.Contains(t, out, "Removed 1 service(s), 1 failed.")
	assert.Contains(t, out, "Failed: ghost_service")
}

func TestRemove_ConfirmationDeclinedAbortsCleanly(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "onion_aa11bb22c", 5000)
	env.mgr.SetConfirm(func(string) bool { return false })

	require.NoError(t, env.mgr.Remove(context.Background(), "onion_aa11bb22c"))

	got, err := env.store.Find("onion_aa11bb22c")
	require.NoError(t, err)
	assert.NotNil(t, got, "declined confirmation must not delete anything")
	assert.Zero(t, env.sys.reloadCount())
	assert.Contains(t, env.out.String(), "Aborted.")
}

func TestRemove_SecondConfirmationDeclined(t *testing.T) {
	env := newTestEnv(t)
	env.seedService(t, "onion_aa11bb22c", 5000)

	asked := 0
	env.mgr.SetConfirm(func(string) bool {
		asked++
		return asked == 1
	})

	require.NoError(t, env.mgr.Remove(context.Background(), "onion_aa11bb22c"))

	assert.Equal(t, 2, asked, "removal requires two confirmations")
	got, err := env.store.Find("onion_aa11bb22c")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSplitNames(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, splitNames("a,b,c"))
	assert.Equal(t, []string{"a", "b", "c"}, splitNames("a b  c"))
	assert.Equal(t, []string{"a", "b"}, splitNames(" a, b, "))
	assert.Empty(t, splitNames(""))
	assert.Empty(t, splitNames(" ,, "))
}

func TestSafeToRemove(t *testing.T) {
	assert.True(t, safeToRemove("/var/lib/tor/onionctl/onion_aa11bb22c"))
	assert.True(t, safeToRemove("/var/www/onionctl"))

	assert.False(t, safeToRemove(""))
	assert.False(t, safeToRemove("/"))
	assert.False(t, safeToRemove("/var"))
	assert.False(t, safeToRemove("/var/lib"))
	assert.False(t, safeToRemove("relative/path/here"))
}
