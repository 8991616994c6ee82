package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	t.Run("Validates", func(t *testing.T) {
		require.NoError(t, Default().Validate())
	})

	t.Run("SensibleValues", func(t *testing.T) {
		cfg := Default()
		assert.Equal(t, "INFO", cfg.Logging.Level)
		assert.Equal(t, "text", cfg.Logging.Format)
		assert.NotEmpty(t, cfg.Controllers)
		assert.Greater(t, cfg.Client.DialTimeout, time.Duration(0))
		assert.Greater(t, cfg.Client.RetryDelay, time.Duration(0))
		assert.False(t, cfg.Metrics.Enabled)
	})
}

func TestLoad(t *testing.T) {
	t.Run("NoFileUsesDefaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default().Client.DialTimeout, cfg.Client.DialTimeout)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rqctl.yaml")
		content := `
logging:
  level: DEBUG
  format: json
  output: stderr
controllers:
  - ctrl-a.example.com:13700
  - ctrl-b.example.com:13700
client:
  dial_timeout: 3s
  retry_delay: 50ms
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "DEBUG", cfg.Logging.Level)
		assert.Equal(t, "json", cfg.Logging.Format)
		assert.Equal(t, []string{"ctrl-a.example.com:13700", "ctrl-b.example.com:13700"}, cfg.Controllers)
		assert.Equal(t, 3*time.Second, cfg.Client.DialTimeout)
		assert.Equal(t, 50*time.Millisecond, cfg.Client.RetryDelay)
	})

	t.Run("MissingFileFails", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("RQ_LOGGING_LEVEL", "ERROR")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "ERROR", cfg.Logging.Level)
	})
}

func TestValidate(t *testing.T) {
	t.Run("RejectsBadLogLevel", func(t *testing.T) {
		cfg := Default()
		cfg.Logging.Level = "LOUD"
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsBadLogFormat", func(t *testing.T) {
		cfg := Default()
		cfg.Logging.Format = "xml"
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsEmptyControllerList", func(t *testing.T) {
		cfg := Default()
		cfg.Controllers = nil
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsUnparseableController", func(t *testing.T) {
		cfg := Default()
		cfg.Controllers = []string{"[::1"}
		assert.Error(t, cfg.Validate())
	})

	t.Run("RejectsZeroDialTimeout", func(t *testing.T) {
		cfg := Default()
		cfg.Client.DialTimeout = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestWriteSample(t *testing.T) {
	t.Run("RoundTrips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rqctl.yaml")
		require.NoError(t, WriteSample(path, false))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, Default().Controllers, cfg.Controllers)
	})

	t.Run("RefusesOverwrite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rqctl.yaml")
		require.NoError(t, WriteSample(path, false))
		assert.Error(t, WriteSample(path, false))
		assert.NoError(t, WriteSample(path, true))
	})
}
