//go:build !integration

package ldappool

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPoolConfig(t *testing.T) {
	cfg := DefaultPoolConfig()

	assert.Equal(t, 1, cfg.InitSize)
	assert.Equal(t, 0, cfg.PrefSize)
	assert.Equal(t, 0, cfg.MaxSize)
	assert.Equal(t, time.Duration(0), cfg.IdleTimeout)
	assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, []string{"plain"}, cfg.Protocols)
	assert.Equal(t, []string{"none", "simple"}, cfg.Authentications)
	assert.Nil(t, cfg.CircuitBreaker)
	assert.NoError(t, cfg.Validate())
}

func TestPoolConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*PoolConfig)
		field  string
	}{
		{"negative init", func(c *PoolConfig) { c.InitSize = -1 }, "init_size"},
		{"negative max", func(c *PoolConfig) { c.MaxSize = -1 }, "max_size"},
		{"pref above max", func(c *PoolConfig) { c.PrefSize = 4; c.MaxSize = 2 }, "pref_size"},
		{"negative idle timeout", func(c *PoolConfig) { c.IdleTimeout = -time.Second }, "idle_timeout"},
		{"unknown protocol", func(c *PoolConfig) { c.Protocols = []string{"udp"} }, "protocols"},
		{"unknown mechanism", func(c *PoolConfig) { c.Authentications = []string{"digest-md5"} }, "authentications"},
		{"zero breaker failures", func(c *PoolConfig) {
			c.CircuitBreaker = &CircuitBreakerConfig{Timeout: time.Second, HalfOpenMaxRequests: 1}
		}, "circuit_breaker.max_failures"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultPoolConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			var configErr *ConfigError
			require.ErrorAs(t, err, &configErr)
			assert.Equal(t, tt.field, configErr.Field)
		})
	}

	t.Run("init above max is allowed", func(t *testing.T) {
		cfg := DefaultPoolConfig()
		cfg.InitSize = 10
		cfg.MaxSize = 2
		assert.NoError(t, cfg.Validate())
		assert.Equal(t, 10, cfg.sizes().Init)
	})

	t.Run("list entries are lowercased", func(t *testing.T) {
		cfg := DefaultPoolConfig()
		cfg.Protocols = []string{" Plain", "SSL"}
		cfg.Authentications = []string{"EXTERNAL"}
		require.NoError(t, cfg.Validate())
		assert.Equal(t, []string{"plain", "ssl"}, cfg.Protocols)
		assert.Equal(t, []string{"external"}, cfg.Authentications)
	})
}

func TestPoolConfig_Poolable(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.Protocols = []string{ProtocolPlain, ProtocolTLS}

	assert.True(t, cfg.Poolable(Identity{Server: "ldap://x:389", Mechanism: AuthSimple}))
	assert.True(t, cfg.Poolable(Identity{Server: "ldap://x:389", Mechanism: AuthNone, StartTLS: true}))
	assert.False(t, cfg.Poolable(Identity{Server: "ldaps://x:636", Mechanism: AuthSimple}))
	assert.False(t, cfg.Poolable(Identity{Server: "ldap://x:389", Mechanism: AuthExternal}))
}

func TestLoadPoolConfig(t *testing.T) {
	t.Run("file values override defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ldappool.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
init_size = 2
pref_size = 4
max_size = 8
idle_timeout = "5m"
acquire_timeout = "10s"
protocols = ["plain", "ssl"]

[circuit_breaker]
max_failures = 3
`), 0o600))

		cfg, err := LoadPoolConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 2, cfg.InitSize)
		assert.Equal(t, 4, cfg.PrefSize)
		assert.Equal(t, 8, cfg.MaxSize)
		assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
		assert.Equal(t, 10*time.Second, cfg.AcquireTimeout)
		assert.Equal(t, 30*time.Second, cfg.ConnectionTimeout, "default kept")
		assert.Equal(t, []string{"plain", "ssl"}, cfg.Protocols)
		assert.Equal(t, []string{"none", "simple"}, cfg.Authentications)

		require.NotNil(t, cfg.CircuitBreaker)
		assert.Equal(t, int64(3), cfg.CircuitBreaker.MaxFailures)
		assert.Equal(t, 30*time.Second, cfg.CircuitBreaker.Timeout, "default filled in")
		assert.Equal(t, int64(3), cfg.CircuitBreaker.HalfOpenMaxRequests)
	})

	t.Run("environment overrides file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ldappool.toml")
		require.NoError(t, os.WriteFile(path, []byte("max_size = 8\n"), 0o600))
		t.Setenv("LDAPPOOL_MAX_SIZE", "16")
		t.Setenv("LDAPPOOL_IDLE_TIMEOUT", "90s")

		cfg, err := LoadPoolConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 16, cfg.MaxSize)
		assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	})

	t.Run("missing default file falls back to defaults", func(t *testing.T) {
		t.Chdir(t.TempDir())

		cfg, err := LoadPoolConfig("")
		require.NoError(t, err)
		assert.Equal(t, DefaultPoolConfig(), cfg)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ldappool.toml")
		require.NoError(t, os.WriteFile(path, []byte("pref_size = 9\nmax_size = 3\n"), 0o600))

		_, err := LoadPoolConfig(path)
		var configErr *ConfigError
		assert.ErrorAs(t, err, &configErr)
	})
}

func TestPoolConfig_TOML(t *testing.T) {
	cfg := DefaultPoolConfig()
	cfg.MaxSize = 5
	cfg.IdleTimeout = 2 * time.Minute
	cfg.CircuitBreaker = DefaultCircuitBreakerConfig()

	data, err := cfg.TOML()
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, toml.Unmarshal(data, &raw))
	assert.Equal(t, int64(5), raw["max_size"])
	assert.Equal(t, "2m0s", raw["idle_timeout"])
	assert.Equal(t, "0s", raw["acquire_timeout"])
	assert.Contains(t, raw, "circuit_breaker")

	path := filepath.Join(t.TempDir(), "ldappool.toml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	loaded, err := LoadPoolConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
