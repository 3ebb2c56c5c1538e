package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "device-secret")

	cfg, err := Load(configViper)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddress)
	assert.Equal(t, "drivethru.db", cfg.DatabasePath)
	assert.Equal(t, "json", cfg.LogEncoding)
	assert.Equal(t, "default", cfg.DefaultTenantID)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 32, cfg.SendBuffer)
	assert.Equal(t, 15*time.Second, cfg.PresenceTTL)
	assert.Equal(t, 10*time.Minute, cfg.CodeTTL)
	assert.Equal(t, 24*time.Hour, cfg.RegisterTTL)
	assert.Equal(t, int32(3), cfg.TotalScale)
	assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, cfg.STUNURLs)
	assert.True(t, cfg.ValidateSDP)
	assert.False(t, cfg.AdminEnabled())
	assert.False(t, cfg.DiscoveryEnabled)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DRIVETHRU_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("DRIVETHRU_ADMIN_SIGNING_SECRET", "admin-env")
	t.Setenv("DRIVETHRU_PRESENCE_TTL", "20s")
	t.Setenv("DRIVETHRU_WEBRTC_STUN_URLS", "stun:a.example:3478, stun:b.example:3478")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.DeviceSigningSecret)
	assert.True(t, cfg.AdminEnabled())
	assert.Equal(t, 20*time.Second, cfg.PresenceTTL)
	assert.Equal(t, []string{"stun:a.example:3478", "stun:b.example:3478"}, cfg.STUNURLs)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := []struct {
		name     string
		settings map[string]any
	}{
		{name: "missing signing secret", settings: map[string]any{}},
		{name: "blank database path", settings: map[string]any{"auth.signing_secret": "s", "database.path": " "}},
		{name: "zero ping interval", settings: map[string]any{"auth.signing_secret": "s", "realtime.ping_interval": "0s"}},
		{name: "negative license limit", settings: map[string]any{"auth.signing_secret": "s", "activation.default_license_limit": -1}},
		{name: "turn without credentials", settings: map[string]any{"auth.signing_secret": "s", "webrtc.turn_url": "turn:turn.example:3478"}},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected %s to be rejected", testCase.name)
			}
		})
	}
}
