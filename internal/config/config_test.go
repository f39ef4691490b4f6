package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.Equal(t, 500*time.Millisecond, cfg.Watcher.DebounceWindow)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Database.Type)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediadex.yaml")
	content := `
watcher:
  debounce_window: 2s
  max_batch_events: 64
libraries:
  - name: Movies
    type: movie
    roots:
      - /media/movies
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Watcher.DebounceWindow)
	assert.Equal(t, 64, cfg.Watcher.MaxBatchEvents)
	require.Len(t, cfg.Libraries, 1)
	assert.Equal(t, "Movies", cfg.Libraries[0].Name)
	// Untouched values keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Watcher.PollInterval)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("MEDIADEX_DEBOUNCE_WINDOW", "3s")
	t.Setenv("MEDIADEX_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.Watcher.DebounceWindow)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Database.Type = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Watcher.DebounceWindow = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Libraries = []LibraryConfig{{Name: "Movies", Type: "movie"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Libraries = []LibraryConfig{{Type: "movie", Roots: []string{"/m"}}}
	assert.Error(t, cfg.Validate())
}
