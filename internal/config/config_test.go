package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestLoad_EmptyPathReturnsDefaults verifies Load without a file is exactly
// the default configuration.
func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, 5*time.Minute, cfg.Lock.StaleThreshold)
}

// TestLoad_FileOverridesDefaults checks yaml values land in the right nested
// structs while unset fields keep their defaults.
func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halovital.yaml")
	raw := []byte(`
data_dir: /var/lib/halovital
logger:
  level: debug
outbox:
  max_attempts: 7
  backoff_base: 10s
processor:
  batch_size: 25
lock:
  stale_threshold: 2m
`)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/halovital", cfg.DataDir)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, "json", cfg.Logger.Format, "unset fields keep their defaults")
	require.Equal(t, 7, cfg.Outbox.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Outbox.BackoffBase)
	require.Equal(t, 25, cfg.Processor.BatchSize)
	require.Equal(t, 2*time.Minute, cfg.Lock.StaleThreshold)
}

// TestLoad_EnvOverridesDataDir pins the precedence: environment beats both
// the file and the defaults.
func TestLoad_EnvOverridesDataDir(t *testing.T) {
	t.Setenv(EnvDataDir, "/tmp/halovital-env")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "/tmp/halovital-env", cfg.DataDir)
}

// TestLoad_RejectsBadFiles covers the failure modes: missing file, broken
// yaml, and values the validator refuses.
func TestLoad_RejectsBadFiles(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: [unclosed"), 0o600))
	_, err = Load(path)
	require.Error(t, err)

	path = filepath.Join(t.TempDir(), "invalid.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lock:\n  stale_threshold: -5m\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err, "a negative stale threshold must not validate")

	path = filepath.Join(t.TempDir(), "badduration.yaml")
	require.NoError(t, os.WriteFile(path, []byte("outbox:\n  backoff_base: soonish\n"), 0o600))
	_, err = Load(path)
	require.Error(t, err, "an unparseable duration must be rejected")
}
