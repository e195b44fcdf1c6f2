package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tagsync.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfig, "")

	cfg, err := Load("")
	require.NoError(t, err)
	base := filepath.Join(home, ".local", "share", "kubux-mail-client")
	assert.Equal(t, base, cfg.BaseDir)
	assert.Equal(t, filepath.Join(base, "sync"), cfg.SyncDir)
	assert.Equal(t, filepath.Join(base, "tagsync.db"), cfg.StateDB)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 1000, cfg.Sync.BatchSize)
	assert.Equal(t, "lww", cfg.Sync.Policy)
	assert.True(t, cfg.Log.Fsync)
	assert.Empty(t, cfg.File())
}

func TestLoadFile(t *testing.T) {
	base := t.TempDir()
	p := writeConfig(t, `
device_id: laptop
base_dir: `+base+`
sync_dir: /srv/sync
store:
  backend: notmuch
  notmuch_config: notmuch-config
sync:
  poll_interval: 10s
  batch_size: 50
  policy: lww-remove-bias
log:
  fsync: false
`)
	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, p, cfg.File())
	assert.Equal(t, "laptop", cfg.DeviceID)
	assert.Equal(t, "/srv/sync", cfg.SyncDir)
	assert.Equal(t, filepath.Join(base, "tagsync.db"), cfg.StateDB)
	assert.Equal(t, BackendNotmuch, cfg.Store.Backend)
	assert.Equal(t, filepath.Join(base, "notmuch-config"), cfg.Store.NotmuchConfig)
	assert.Equal(t, 10*time.Second, cfg.Sync.PollInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.Debounce)
	assert.Equal(t, 50, cfg.Sync.BatchSize)
	assert.Equal(t, "lww-remove-bias", cfg.Sync.Policy)
	assert.False(t, cfg.Log.Fsync)
}

func TestLoadEnvOverrides(t *testing.T) {
	p := writeConfig(t, "sync:\n  batch_size: 50\n")
	t.Setenv(EnvConfig, p)
	t.Setenv("TAGSYNC_SYNC_BATCH_SIZE", "7")
	t.Setenv("TAGSYNC_DEVICE_ID", "phone")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, p, cfg.File())
	assert.Equal(t, 7, cfg.Sync.BatchSize)
	assert.Equal(t, "phone", cfg.DeviceID)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadUnreadableDefaultFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(EnvConfig, "")
	// A directory at the default path exists but cannot be read as a file.
	require.NoError(t, os.MkdirAll(DefaultPath(), 0o755))

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config")
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, body := range map[string]string{
		"backend":    "store:\n  backend: maildir\n",
		"policy":     "sync:\n  policy: newest\n",
		"batch size": "sync:\n  batch_size: 0\n",
		"device id":  "device_id: \"has space\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}

func TestYAMLDump(t *testing.T) {
	cfg, err := Load(writeConfig(t, "sync_dir: /srv/sync\n"))
	require.NoError(t, err)
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "sync_dir: /srv/sync")
	assert.Contains(t, string(out), "backend: sqlite")
}
