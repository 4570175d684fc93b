package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "bitcoin", cfg.Network)
	assert.Equal(t, 30*time.Second, cfg.Chain.Timeout)
	assert.Equal(t, 3, cfg.Chain.Retries)
	assert.Equal(t, time.Hour, cfg.Betting.MinEventMargin)
	assert.EqualValues(t, 2, cfg.Betting.FeeRate)

	// The default config file lands on disk for the user to edit.
	_, err = os.Stat(filepath.Join(dir, "config.json"))
	require.NoError(t, err)

	// A second load reads it back.
	again, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestValidateRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	require.NoError(t, err)

	cfg.Network = "dogecoin"
	assert.Error(t, cfg.Validate())

	cfg, _ = Load(dir)
	cfg.Betting.FeeRate = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = Load(dir)
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}
