package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Default(t *testing.T) {
	cfg := Default()
	assert.NoError(t, Validate(&cfg))
}

func TestValidate_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"port too low", func(c *Config) { c.Port = 80 }, ErrInvalidPort},
		{"port too high", func(c *Config) { c.Port = 50000 }, ErrInvalidPort},
		{"frame size", func(c *Config) { c.MaxFrameSize = 10 }, ErrInvalidMaxFrameSize},
		{"queue", func(c *Config) { c.SendQueueSize = 0 }, ErrInvalidSendQueueSize},
		{"shutdown", func(c *Config) { c.ShutdownTimeout = 0 }, ErrInvalidShutdownTimeout},
		{"write", func(c *Config) { c.WriteTimeout = -time.Second }, ErrInvalidWriteTimeout},
		{"policy", func(c *Config) { c.MalformedPolicy = "panic" }, ErrInvalidPolicy},
		{"format", func(c *Config) { c.LogFormat = "xml" }, ErrInvalidLogFormat},
		{"level", func(c *Config) { c.LogLevel = "trace" }, ErrInvalidLogLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorIs(t, Validate(&cfg), tc.want)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("COLLABTEXT_PORT", "7000")
	t.Setenv("COLLABTEXT_SHUTDOWN_TIMEOUT", "2s")
	t.Setenv("COLLABTEXT_MALFORMED_POLICY", "resync")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, PolicyResync, cfg.MalformedPolicy)
}

func TestLoad_DotenvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("COLLABTEXT_MAX_FRAME_SIZE=1024\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("COLLABTEXT_MAX_FRAME_SIZE") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1024, cfg.MaxFrameSize)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("COLLABTEXT_PORT", "22")
	_, err := Load()
	assert.ErrorIs(t, err, ErrInvalidPort)
}
