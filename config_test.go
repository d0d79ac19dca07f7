package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestLoadEnv(t *testing.T) {
	values := loadEnv([]string{
		"UDPT__PORT=7000",
		"UDPT__IS_DYNAMIC=1",
		"UDPT__=ignored",
		"HOME=/root",
		"malformed",
	})
	assert.Equal(t, map[string]any{"port": "7000", "is_dynamic": "1"}, values)

	assert.Equal(t, map[string]any{"debug": true}, loadEnv([]string{"DEBUG=yes"}))
	assert.Empty(t, loadEnv([]string{"DEBUG="}))
	assert.Equal(t, map[string]any{"debug": "false"}, loadEnv([]string{"DEBUG=1", "UDPT__DEBUG=false"}))
}

func TestDecodeConfig(t *testing.T) {
	cfg := defaultConfig()
	err := decodeConfig(map[string]any{
		"port":              "7000",
		"threads":           8,
		"is_dynamic":        "true",
		"announce_interval": "900",
		"cleanup_interval":  "90s",
		"api_keys":          "ops=10.0.0.5, ci=10.0.0.6",
		"db_driver":         "badger",
		"db_path":           "/var/lib/udpt",
		"health_check":      "0",
	}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Port)
	assert.Equal(t, 8, cfg.Threads)
	assert.True(t, cfg.IsDynamic)
	assert.Equal(t, 15*time.Minute, cfg.AnnounceInterval)
	assert.Equal(t, 90*time.Second, cfg.CleanupInterval)
	assert.Equal(t, map[string]string{"ops": "10.0.0.5", "ci": "10.0.0.6"}, cfg.APIKeys)
	assert.Equal(t, driverBadger, cfg.DBDriver)
	assert.Equal(t, "/var/lib/udpt", cfg.DBPath)
	assert.False(t, cfg.HealthCheck)

	// untouched keys keep their defaults
	assert.Equal(t, "192.168.0", cfg.LocalSubnet)
	assert.True(t, cfg.APIEnable)
}

func TestDecodeConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{"unknown key", map[string]any{"prot": "7000"}},
		{"bad number", map[string]any{"threads": "many"}},
		{"bad duration", map[string]any{"cleanup_interval": "soon"}},
		{"bad api key", map[string]any{"api_keys": "admin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			assert.Error(t, decodeConfig(tt.values, &cfg))
		})
	}
}

func TestParseAPIKeys(t *testing.T) {
	keys, err := parseAPIKeys(" admin=127.0.0.1 ,, ops = ::1 ")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"admin": "127.0.0.1", "ops": "::1"}, keys)
	assert.Equal(t, "admin=127.0.0.1,ops=::1", formatAPIKeys(keys))

	keys, err = parseAPIKeys("")
	require.NoError(t, err)
	assert.Empty(t, keys)

	for _, bad := range []string{"admin", "=1.2.3.4", "admin="} {
		_, err := parseAPIKeys(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestParseSeconds(t *testing.T) {
	d, ok := parseSeconds(" 120 ")
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	_, ok = parseSeconds("2m")
	assert.False(t, ok)
	_, ok = parseSeconds("99999999999999999")
	assert.False(t, ok)
}

func TestConfig_Validate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.validate())

	cfg.Port = 0
	assert.NoError(t, cfg.validate(), "port 0 binds an ephemeral port")

	tests := []struct {
		name   string
		mutate func(*config)
	}{
		{"port too large", func(c *config) { c.Port = 70000 }},
		{"negative port", func(c *config) { c.Port = -1 }},
		{"no threads", func(c *config) { c.Threads = 0 }},
		{"sub-second announce interval", func(c *config) { c.AnnounceInterval = time.Millisecond }},
		{"announce interval beyond uint32", func(c *config) { c.AnnounceInterval = (1 << 33) * time.Second }},
		{"zero cleanup interval", func(c *config) { c.CleanupInterval = 0 }},
		{"bad local subnet", func(c *config) { c.LocalSubnet = "x.y" }},
		{"unknown driver", func(c *config) { c.DBDriver = "sqlite" }},
		{"api port too large", func(c *config) { c.APIPort = 1 << 20 }},
		{"api key not an ip", func(c *config) { c.APIKeys = map[string]string{"a": "localhost"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := defaultConfig()
			tt.mutate(&c)
			assert.Error(t, c.validate())
		})
	}

	t.Run("api settings ignored when disabled", func(t *testing.T) {
		c := defaultConfig()
		c.APIEnable = false
		c.APIPort = -5
		c.APIKeys = map[string]string{"a": "localhost"}
		assert.NoError(t, c.validate())
	})

	t.Run("all problems are reported", func(t *testing.T) {
		c := defaultConfig()
		c.Threads = 0
		c.DBDriver = "sqlite"
		c.CleanupInterval = -time.Second
		assert.Len(t, multierr.Errors(c.validate()), 3)
	})
}
