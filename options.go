package ldappool

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Option represents a functional option for configuring a Manager.
type Option func(*Manager)

// WithLogger sets a custom structured logger for pool operations.
// If not provided, a no-op logger will be used.
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	m, err := ldappool.NewManager(cfg, ldappool.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTLS sets the TLS configuration used for ldaps:// dials and StartTLS.
// Without it the server host name is verified against the system roots.
//
// Example:
//
//	tlsConfig := &tls.Config{
//	    ServerName: "ldap.example.com",
//	    RootCAs:    pool,
//	}
//	m, err := ldappool.NewManager(cfg, ldappool.WithTLS(tlsConfig))
func WithTLS(tlsConfig *tls.Config) Option {
	return func(m *Manager) {
		m.tlsConfig = tlsConfig
	}
}

// WithDialer replaces the function used to open directory connections.
func WithDialer(dialer Dialer) Option {
	return func(m *Manager) {
		if dialer != nil {
			m.dialer = dialer
		}
	}
}

// WithDialOptions appends go-ldap dial options to every dial, after the
// pool's own dialer and TLS options.
func WithDialOptions(opts ...ldap.DialOpt) Option {
	return func(m *Manager) {
		m.dialOpts = append(m.dialOpts, opts...)
	}
}

// WithCircuitBreaker guards dials with a circuit breaker, overriding the
// circuit_breaker section of the PoolConfig.
//
// Example:
//
//	m, err := ldappool.NewManager(cfg, ldappool.WithCircuitBreaker(&ldappool.CircuitBreakerConfig{
//	    MaxFailures:         3,
//	    Timeout:             10 * time.Second,
//	    HalfOpenMaxRequests: 1,
//	}))
func WithCircuitBreaker(config *CircuitBreakerConfig) Option {
	return func(m *Manager) {
		m.config.CircuitBreaker = config
	}
}

// WithClock replaces time.Now for idle expiry and the circuit breaker.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}
