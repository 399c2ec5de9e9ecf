package ldappool

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/netresearch/ldappool/internal/pool"
)

// GroupStats is a point-in-time view of the connections of one identity.
type GroupStats = pool.GroupStats

// RegistryStats holds the group stats of one authentication mechanism.
type RegistryStats = pool.RegistryStats

// Pin keeps the connections of an identity pooled while it is reachable.
// Once every Pin for an identity has been garbage collected, its idle
// connections are closed and the identity is dropped from the pool.
type Pin = pool.Pin[Identity]

// mechanisms fixes the registry order for stats and sweeps.
var mechanisms = []AuthMechanism{AuthNone, AuthSimple, AuthExternal}

// PoolStats provides statistics about a Manager. The connection and group
// figures describe the live groups; the event counts cover the whole lifetime
// of the Manager, including groups that were dropped since.
type PoolStats struct {
	// ActiveConnections is the number of connections currently in use
	ActiveConnections int
	// IdleConnections is the number of connections available for reuse
	IdleConnections int
	// PendingConnections is the number of connections being dialed
	PendingConnections int
	// TotalConnections is the total number of pooled connections
	TotalConnections int
	// Groups is the number of identities with a connection group
	Groups int
	// PoolHits is the number of Get calls served by an idle connection
	PoolHits int64
	// ConnectionsCreated is the number of pooled connections dialed
	ConnectionsCreated int64
	// ConnectionsClosed is the number of pooled connections closed by the pool
	ConnectionsClosed int64
	// Timeouts is the number of Get calls that gave up waiting for capacity
	Timeouts int64
	// UnpooledConnections is the number of connections handed out unpooled
	UnpooledConnections int64
	// Registries holds the per-mechanism detail
	Registries []RegistryStats
	// CircuitBreaker is set when dials are guarded by a circuit breaker
	CircuitBreaker *CircuitBreakerStats
}

// Manager pools directory connections per identity. It keeps one registry
// per authentication mechanism and a reaper that closes connections idle for
// longer than PoolConfig.IdleTimeout.
type Manager struct {
	id        string
	config    *PoolConfig
	logger    *slog.Logger
	tlsConfig *tls.Config
	dialer    Dialer
	dialOpts  []ldap.DialOpt
	breaker   *CircuitBreaker
	now       func() time.Time

	registries map[AuthMechanism]*pool.Registry[Identity]
	reaper     *pool.Reaper

	closed   atomic.Bool
	unpooled atomic.Int64
}

// NewManager creates a Manager. A nil config uses DefaultPoolConfig. The
// reaper starts right away when IdleTimeout is positive.
func NewManager(config *PoolConfig, opts ...Option) (*Manager, error) {
	if config == nil {
		config = DefaultPoolConfig()
	}
	cfg := *config
	cfg.Protocols = slices.Clone(config.Protocols)
	cfg.Authentications = slices.Clone(config.Authentications)

	m := &Manager{
		id:     uuid.NewString(),
		config: &cfg,
		logger: slog.New(slog.DiscardHandler),
		dialer: DialURL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.config.Validate(); err != nil {
		return nil, err
	}
	m.logger = m.logger.With(slog.String("pool_id", m.id))

	if m.config.CircuitBreaker != nil {
		m.breaker = NewCircuitBreaker("dial", m.config.CircuitBreaker, m.logger)
		m.breaker.now = m.now
	}

	sizes := m.config.sizes()
	m.registries = make(map[AuthMechanism]*pool.Registry[Identity], len(mechanisms))
	targets := make([]pool.Expirer, 0, len(mechanisms))
	for _, mech := range mechanisms {
		r := pool.NewRegistry[Identity](string(mech), sizes, m.logger)
		m.registries[mech] = r
		targets = append(targets, r)
	}

	m.reaper = pool.NewReaper(m.config.IdleTimeout, m.logger, targets...)
	m.reaper.Start()

	m.logger.Info("connection_pool_created",
		slog.Int("init_size", m.config.InitSize),
		slog.Int("pref_size", m.config.PrefSize),
		slog.Int("max_size", m.config.MaxSize),
		slog.Duration("idle_timeout", m.config.IdleTimeout),
		slog.Any("protocols", m.config.Protocols),
		slog.Any("authentications", m.config.Authentications))

	return m, nil
}

// ID returns the unique id of the manager, included in every log line.
func (m *Manager) ID() string {
	return m.id
}

// Config returns a copy of the effective configuration.
func (m *Manager) Config() PoolConfig {
	cfg := *m.config
	cfg.Protocols = slices.Clone(m.config.Protocols)
	cfg.Authentications = slices.Clone(m.config.Authentications)
	return cfg
}

// Get returns a bound connection for id. Identities that are not eligible
// for pooling get a fresh connection that is closed by Close.
//
// When the group for id is at max_size, Get waits for a release up to
// acquire_timeout (ErrPoolTimeout) or until ctx is done (ErrInterrupted).
// Dial and bind failures are returned as *CreationError and never retried.
func (m *Manager) Get(ctx context.Context, id Identity) (*PooledConn, error) {
	if m.closed.Load() {
		return nil, ErrPoolClosed
	}
	norm, err := id.Normalize()
	if err != nil {
		return nil, err
	}

	if !m.config.Poolable(norm) {
		conn, err := m.open(ctx, norm)
		if err != nil {
			return nil, &CreationError{Identity: norm.String(), Err: err}
		}
		m.unpooled.Add(1)
		m.logger.Debug("unpooled_connection_created",
			slog.String("conn_id", conn.id),
			slog.String("protocol", norm.Protocol()),
			slog.String("mechanism", string(norm.Mechanism)))
		return newPooledConn(conn), nil
	}

	r := m.registries[norm.Mechanism]
	conn, err := r.Acquire(ctx, norm, m.config.AcquireTimeout, &ldapFactory{identity: norm, manager: m})
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrRegistryClosed):
			return nil, ErrPoolClosed
		case errors.Is(err, ErrPoolTimeout):
			m.logger.Warn("connection_acquire_timeout",
				slog.String("identity", norm.String()),
				slog.Duration("timeout", m.config.AcquireTimeout))
		}
		return nil, err
	}

	pc := newPooledConn(conn.(*socket))
	if m.closed.Load() {
		// acquired from a group that Close has not reached yet
		if err := pc.Discard(); err != nil {
			m.logger.Debug("connection_close_error",
				slog.String("operation", "Get"),
				slog.String("error", err.Error()))
		}
		return nil, ErrPoolClosed
	}
	return pc, nil
}

// IsPoolable reports whether Get pools connections for id.
func (m *Manager) IsPoolable(id Identity) bool {
	norm, err := id.Normalize()
	return err == nil && m.config.Poolable(norm)
}

// Pin ties the lifetime of the group for id to the returned Pin.
func (m *Manager) Pin(id Identity) (*Pin, error) {
	norm, err := id.Normalize()
	if err != nil {
		return nil, err
	}
	if !m.config.Poolable(norm) {
		return nil, fmt.Errorf("%w: %s", ErrNotPooled, norm)
	}
	return m.registries[norm.Mechanism].Pin(norm), nil
}

// Forget drops the group for id and closes its idle connections. It reports
// whether a group existed.
func (m *Manager) Forget(id Identity) bool {
	norm, err := id.Normalize()
	if err != nil || !m.config.Poolable(norm) {
		return false
	}
	return m.registries[norm.Mechanism].Forget(norm)
}

// Expire closes every pooled connection idle since before threshold.
func (m *Manager) Expire(threshold time.Time) {
	for _, mech := range mechanisms {
		m.registries[mech].Expire(threshold)
	}
}

// ExpireIdle runs the sweep the reaper would run now. It is a no-op when
// IdleTimeout is zero.
func (m *Manager) ExpireIdle() {
	if m.config.IdleTimeout <= 0 {
		return
	}
	m.reaper.Sweep(m.now())
}

// Stats returns statistics about the live groups and lifetime event counts.
func (m *Manager) Stats() PoolStats {
	st := PoolStats{
		UnpooledConnections: m.unpooled.Load(),
		Registries:          make([]RegistryStats, 0, len(mechanisms)),
	}
	for _, mech := range mechanisms {
		rs := m.registries[mech].Stats()
		t := rs.Totals()
		st.ActiveConnections += t.Busy
		st.IdleConnections += t.Idle
		st.PendingConnections += t.Pending
		st.TotalConnections += t.Size
		st.Groups += len(rs.Groups)
		st.PoolHits += rs.Lifetime.Reused
		st.ConnectionsCreated += rs.Lifetime.Created
		st.ConnectionsClosed += rs.Lifetime.Closed
		st.Timeouts += rs.Lifetime.Timeouts
		st.Registries = append(st.Registries, rs)
	}
	if m.breaker != nil {
		cbStats := m.breaker.Stats()
		st.CircuitBreaker = &cbStats
	}
	return st
}

// WriteStats writes a human readable table of every group to w.
func (m *Manager) WriteStats(w io.Writer) error {
	st := m.Stats()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MECHANISM\tIDENTITY\tSIZE\tIDLE\tBUSY\tPENDING\tCREATED\tREUSED\tCLOSED\tTIMEOUTS")
	for _, rs := range st.Registries {
		for _, g := range rs.Groups {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
				rs.Name, g.Identity, g.Size, g.Idle, g.Busy, g.Pending,
				g.Created, g.Reused, g.Closed, g.Timeouts)
		}
	}
	fmt.Fprintf(tw, "total\t%d groups\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\n",
		st.Groups, st.TotalConnections, st.IdleConnections, st.ActiveConnections,
		st.PendingConnections, st.ConnectionsCreated, st.PoolHits,
		st.ConnectionsClosed, st.Timeouts)
	if err := tw.Flush(); err != nil {
		return err
	}

	if cb := st.CircuitBreaker; cb != nil {
		if _, err := fmt.Fprintf(w, "circuit breaker %s: %s, %d failures, %d rejected\n",
			cb.Name, cb.State, cb.Failures, cb.Rejected); err != nil {
			return err
		}
	}
	if st.UnpooledConnections > 0 {
		if _, err := fmt.Fprintf(w, "unpooled connections: %d\n", st.UnpooledConnections); err != nil {
			return err
		}
	}
	return nil
}

// Close stops the reaper and closes every group. Idle connections are
// closed immediately, connections in use when they are released. Further
// Get calls return ErrPoolClosed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.reaper.Stop()
	for _, mech := range mechanisms {
		m.registries[mech].Close()
	}
	m.logger.Info("connection_pool_closed",
		slog.Int64("unpooled_connections", m.unpooled.Load()))
	return nil
}
