package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-changeset-kit/changeset"
	cserrors "github.com/c0deZ3R0/go-changeset-kit/errors"
	"github.com/c0deZ3R0/go-changeset-kit/logging"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Database.BusyTimeout)
	assert.Equal(t, "WAL", cfg.Database.JournalMode)
	assert.Equal(t, "cset_tip", cfg.Database.MetaTable)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, MetricsNone, cfg.Metrics.Backend)
	assert.Equal(t, changeset.CompressionNone, cfg.Compression())
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, "cset.yaml", `
database:
  path: /tmp/local.bim
  busy_timeout: 250ms
  journal_mode: delete
  disable_foreign_keys: true
logging:
  level: debug
  format: json
changeset:
  compression: zstd
policy:
  file: policy.yaml
metrics:
  backend: prometheus
  namespace: briefcase
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/local.bim", cfg.Database.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Database.BusyTimeout)
	assert.True(t, cfg.Database.DisableForeignKeys)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, changeset.CompressionZstd, cfg.Compression())
	assert.Equal(t, "policy.yaml", cfg.Policy.File)
	assert.Equal(t, MetricsPrometheus, cfg.Metrics.Backend)
	assert.Equal(t, "briefcase", cfg.Metrics.Namespace)
	assert.Equal(t, "cset_tip", cfg.Database.MetaTable, "unset keys keep their defaults")
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "cset.yaml", "database:\n  path: from-file.bim\n")
	t.Setenv("CSET_DATABASE_PATH", "from-env.bim")
	t.Setenv("CSET_CHANGESET_COMPRESSION", "lz4")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env.bim", cfg.Database.Path)
	assert.Equal(t, changeset.CompressionLZ4, cfg.Compression())
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorIs(t, err, cserrors.ErrValidation)
	})

	tests := []struct {
		name    string
		content string
	}{
		{"compression", "changeset:\n  compression: brotli\n"},
		{"metrics backend", "metrics:\n  backend: statsd\n"},
		{"log format", "logging:\n  format: xml\n"},
		{"journal mode", "database:\n  journal_mode: sideways\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "cset.yaml", tt.content))
			require.Error(t, err)
			assert.ErrorIs(t, err, cserrors.ErrValidation)
		})
	}
}

func TestBriefcaseConfig(t *testing.T) {
	cfg := Default()
	cfg.Database.Path = "configured.bim"
	cfg.Database.DisableForeignKeys = true
	logger := logging.Discard()

	bc := cfg.Briefcase("", logger)
	assert.Equal(t, "configured.bim", bc.Path)
	assert.True(t, bc.DisableForeignKeys)
	assert.Equal(t, "WAL", bc.JournalMode)
	assert.Same(t, logger, bc.Logger)

	assert.Equal(t, "override.bim", cfg.Briefcase("override.bim", logger).Path)
}
