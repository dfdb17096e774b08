package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/incentive-engine/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Validator.Interval)
	assert.Equal(t, 1000, cfg.Validator.Budget)
	assert.Equal(t, 3, cfg.Validator.MinCheckpoints)
	assert.Equal(t, "@every 5m", cfg.Schedule.Protection)
	assert.Equal(t, "@every 24h", cfg.Schedule.ROI)
	assert.Equal(t, "file", cfg.Store.Driver)
	assert.Equal(t, model.DefaultTokens, cfg.Tokens.Default)
	assert.Equal(t, 25*time.Second, cfg.Feed.Timeout)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
validator:
  interval: 90s
  budget: 500
feed:
  base_url: http://feed.local/api/
log:
  level: debug
tokens:
  default: ["0xa", "0xb"]
`)
	t.Setenv("INCENTIVE_FEED_RETRIES", "7")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Validator.Interval)
	assert.Equal(t, 500, cfg.Validator.Budget)
	assert.Equal(t, "http://feed.local/api/", cfg.Feed.BaseURL)
	assert.Equal(t, 7, cfg.Feed.Retries)
	assert.Equal(t, []string{"0xa", "0xb"}, cfg.Tokens.Default)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoad_Invalid(t *testing.T) {
	_, err := Load(writeConfig(t, "store:\n  driver: postgres\n"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeConfig(t, "store:\n  driver: s3\n"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = Load(writeConfig(t, "validator:\n  budget: 0\n"))
	assert.ErrorIs(t, err, ErrInvalid)
}
