package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tracereplay/internal/model"
)

// inTempDir runs the test from an empty directory so a stray
// tracereplay.yaml cannot leak into the defaults.
func inTempDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	inTempDir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, 10000, cfg.Cache.MaxSize)
	assert.Equal(t, 24*time.Hour, cfg.Cache.TTL)
	assert.Equal(t, 30*time.Second, cfg.Replay.Timeout)
	assert.Equal(t, 0.95, cfg.Replay.MinRate)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)

	assert.Equal(t, model.CaptureConfig{
		PIIScrubbing:          true,
		HashValidation:        true,
		CaptureExternalAPIs:   true,
		MaxEventsPerRecording: 1000,
	}, cfg.CaptureConfig())
	assert.True(t, cfg.Recording.Enabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	inTempDir(t)
	t.Setenv("TRACEREPLAY_SERVER__PORT", "9000")
	t.Setenv("TRACEREPLAY_RECORDING__PII_SCRUBBING", "false")
	t.Setenv("TRACEREPLAY_RECORDING__MAX_EVENTS_PER_RECORDING", "5")
	t.Setenv("TRACEREPLAY_CACHE__TTL", "10m")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.False(t, cfg.Recording.PIIScrubbing)
	assert.Equal(t, 5, cfg.Recording.MaxEventsPerRecording)
	assert.Equal(t, 10*time.Minute, cfg.Cache.TTL)
}

func TestLoad_FileThenEnv(t *testing.T) {
	dir := inTempDir(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
storage:
  driver: postgres
  postgres:
    dsn: postgres://localhost/tracereplay
replay:
  max_retries: 2
  timeout: 5s
log:
  level: debug
`), 0o600))
	t.Setenv("TRACEREPLAY_SERVER__PORT", "7100")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7100, cfg.Server.Port, "environment wins over file")
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, 2, cfg.Replay.MaxRetries)

	rc := cfg.ReplayDefaults()
	assert.Equal(t, int64(5000), rc.TimeoutMs)
	assert.Equal(t, 2, rc.MaxRetries)
	assert.Equal(t, "debug", rc.LogLevel)
	assert.True(t, rc.ValidateHashes)
	assert.True(t, rc.SkipExternalAPIs)
}

func TestLoad_DefaultFileIsPickedUp(t *testing.T) {
	dir := inTempDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultFile), []byte("cache:\n  max_size: 12\n"), 0o600))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Cache.MaxSize)
}

func TestLoad_ExplicitFileMustExist(t *testing.T) {
	dir := inTempDir(t)
	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"TRACEREPLAY_STORAGE__DRIVER":     "mysql",
		"TRACEREPLAY_CACHE__BACKEND":      "memcached",
		"TRACEREPLAY_REPLAY__MIN_RATE":    "1.5",
		"TRACEREPLAY_LOG__FORMAT":         "xml",
		"TRACEREPLAY_CACHE__MAX_SIZE":     "-1",
		"TRACEREPLAY_REPLAY__MAX_RETRIES": "-2",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			inTempDir(t)
			t.Setenv(key, value)
			_, err := Load("")
			assert.True(t, errors.Is(err, model.ErrValidation), "%v", err)
		})
	}
}

func TestValidate_PostgresNeedsDSN(t *testing.T) {
	inTempDir(t)
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Storage.Driver = "postgres"
	assert.True(t, errors.Is(cfg.Validate(), model.ErrValidation))
}
