package ldappool

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/netresearch/ldappool/internal/pool"
)

// EnvPrefix is the prefix of environment variables read by LoadPoolConfig,
// e.g. LDAPPOOL_MAX_SIZE or LDAPPOOL_CIRCUIT_BREAKER_MAX_FAILURES.
const EnvPrefix = "LDAPPOOL"

// PoolConfig holds the pool sizing and eligibility settings shared by every
// registry of a Manager.
type PoolConfig struct {
	// InitSize is the number of connections opened when a group is created (default: 1)
	InitSize int `mapstructure:"init_size"`
	// PrefSize is the preferred number of connections per group, 0 means none
	PrefSize int `mapstructure:"pref_size"`
	// MaxSize is the maximum number of connections per group, 0 means unbounded
	MaxSize int `mapstructure:"max_size"`
	// IdleTimeout closes connections idle for longer; 0 disables the reaper
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// AcquireTimeout bounds the wait for a connection at capacity; 0 waits forever
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	// ConnectionTimeout bounds each dial (default: 30s)
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	// Protocols lists the transports eligible for pooling: plain, ssl, tls (default: plain)
	Protocols []string `mapstructure:"protocols"`
	// Authentications lists the mechanisms eligible for pooling (default: none, simple)
	Authentications []string `mapstructure:"authentications"`
	// CircuitBreaker guards dials when non-nil
	CircuitBreaker *CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		InitSize:          1,
		ConnectionTimeout: 30 * time.Second,
		Protocols:         []string{ProtocolPlain},
		Authentications:   []string{string(AuthNone), string(AuthSimple)},
	}
}

// Validate checks the configuration and lowercases the list entries.
func (c *PoolConfig) Validate() error {
	var errs []error
	if c.InitSize < 0 {
		errs = append(errs, NewConfigError("init_size", "must not be negative"))
	}
	if c.PrefSize < 0 {
		errs = append(errs, NewConfigError("pref_size", "must not be negative"))
	}
	if c.MaxSize < 0 {
		errs = append(errs, NewConfigError("max_size", "must not be negative"))
	}
	if c.MaxSize > 0 && c.PrefSize > c.MaxSize {
		errs = append(errs, NewConfigError("pref_size", fmt.Sprintf("%d exceeds max_size %d", c.PrefSize, c.MaxSize)))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, NewConfigError("idle_timeout", "must not be negative"))
	}
	if c.AcquireTimeout < 0 {
		errs = append(errs, NewConfigError("acquire_timeout", "must not be negative"))
	}
	if c.ConnectionTimeout < 0 {
		errs = append(errs, NewConfigError("connection_timeout", "must not be negative"))
	}

	for i, p := range c.Protocols {
		p = strings.ToLower(strings.TrimSpace(p))
		c.Protocols[i] = p
		if p != ProtocolPlain && p != ProtocolSSL && p != ProtocolTLS {
			errs = append(errs, NewConfigError("protocols", fmt.Sprintf("unknown protocol %q", p)))
		}
	}
	for i, a := range c.Authentications {
		a = strings.ToLower(strings.TrimSpace(a))
		c.Authentications[i] = a
		switch AuthMechanism(a) {
		case AuthNone, AuthSimple, AuthExternal:
		default:
			errs = append(errs, NewConfigError("authentications", fmt.Sprintf("unknown mechanism %q", a)))
		}
	}

	if cb := c.CircuitBreaker; cb != nil {
		if cb.MaxFailures <= 0 {
			errs = append(errs, NewConfigError("circuit_breaker.max_failures", "must be positive"))
		}
		if cb.Timeout <= 0 {
			errs = append(errs, NewConfigError("circuit_breaker.timeout", "must be positive"))
		}
		if cb.HalfOpenMaxRequests <= 0 {
			errs = append(errs, NewConfigError("circuit_breaker.half_open_max_requests", "must be positive"))
		}
	}
	return errors.Join(errs...)
}

// Poolable reports whether connections for id are pooled under this config.
func (c *PoolConfig) Poolable(id Identity) bool {
	return slices.Contains(c.Protocols, id.Protocol()) &&
		slices.Contains(c.Authentications, string(id.Mechanism))
}

func (c *PoolConfig) sizes() pool.Sizes {
	return pool.Sizes{Init: c.InitSize, Preferred: c.PrefSize, Max: c.MaxSize}
}

// LoadPoolConfig reads a TOML config file and LDAPPOOL_* environment
// variables on top of DefaultPoolConfig. An empty path looks for
// ldappool.toml in the working directory; a missing file is not an error.
func LoadPoolConfig(path string) (*PoolConfig, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("ldappool")
	}

	def := DefaultPoolConfig()
	v.SetDefault("init_size", def.InitSize)
	v.SetDefault("pref_size", def.PrefSize)
	v.SetDefault("max_size", def.MaxSize)
	v.SetDefault("idle_timeout", def.IdleTimeout)
	v.SetDefault("acquire_timeout", def.AcquireTimeout)
	v.SetDefault("connection_timeout", def.ConnectionTimeout)
	v.SetDefault("protocols", def.Protocols)
	v.SetDefault("authentications", def.Authentications)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &PoolConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.CircuitBreaker != nil {
		cfg.CircuitBreaker = mergeCircuitBreaker(cfg.CircuitBreaker)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeCircuitBreaker fills unset fields from DefaultCircuitBreakerConfig.
func mergeCircuitBreaker(cb *CircuitBreakerConfig) *CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if cb.MaxFailures == 0 {
		cb.MaxFailures = def.MaxFailures
	}
	if cb.Timeout == 0 {
		cb.Timeout = def.Timeout
	}
	if cb.HalfOpenMaxRequests == 0 {
		cb.HalfOpenMaxRequests = def.HalfOpenMaxRequests
	}
	return cb
}

// fileConfig is the on-disk shape of PoolConfig with durations as strings.
type fileConfig struct {
	InitSize          int                `toml:"init_size"`
	PrefSize          int                `toml:"pref_size"`
	MaxSize           int                `toml:"max_size"`
	IdleTimeout       string             `toml:"idle_timeout"`
	AcquireTimeout    string             `toml:"acquire_timeout"`
	ConnectionTimeout string             `toml:"connection_timeout"`
	Protocols         []string           `toml:"protocols"`
	Authentications   []string           `toml:"authentications"`
	CircuitBreaker    *fileCircuitConfig `toml:"circuit_breaker,omitempty"`
}

type fileCircuitConfig struct {
	MaxFailures         int64  `toml:"max_failures"`
	Timeout             string `toml:"timeout"`
	HalfOpenMaxRequests int64  `toml:"half_open_max_requests"`
}

// TOML renders the configuration in the format LoadPoolConfig reads.
func (c *PoolConfig) TOML() ([]byte, error) {
	fc := fileConfig{
		InitSize:          c.InitSize,
		PrefSize:          c.PrefSize,
		MaxSize:           c.MaxSize,
		IdleTimeout:       c.IdleTimeout.String(),
		AcquireTimeout:    c.AcquireTimeout.String(),
		ConnectionTimeout: c.ConnectionTimeout.String(),
		Protocols:         c.Protocols,
		Authentications:   c.Authentications,
	}
	if cb := c.CircuitBreaker; cb != nil {
		fc.CircuitBreaker = &fileCircuitConfig{
			MaxFailures:         cb.MaxFailures,
			Timeout:             cb.Timeout.String(),
			HalfOpenMaxRequests: cb.HalfOpenMaxRequests,
		}
	}

	data, err := toml.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}
