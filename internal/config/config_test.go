package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("LIVE_FRAMES_PER_SECOND", "12.5")
	t.Setenv("JWT_ACCESS_TTL", "bogus")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 12.5, cfg.Live.FramesPerSecond)
	assert.Equal(t, 15*time.Minute, cfg.JWT.AccessTTL)
	assert.Equal(t, int64(1<<20), cfg.Storage.MaxUploadBytes)
}

func TestLoadRejectsBadLimits(t *testing.T) {
	t.Setenv("STORAGE_MAX_UPLOAD_BYTES", "-1")
	_, err := Load()
	assert.Error(t, err)
}

func TestClientConfigValidate(t *testing.T) {
	cfg := ClientConfig{
		ServerURL:       "http://localhost:8080",
		TypingQuiet:     2 * time.Second,
		NotifyGrace:     time.Second,
		AttachmentLimit: 1 << 20,
	}
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.ServerURL = "localhost:8080"
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.TypingQuiet = 0
	assert.Error(t, bad.Validate())
}
