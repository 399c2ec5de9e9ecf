package ldappool

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"

	"github.com/netresearch/ldappool/internal/pool"
)

// Dialer opens a raw directory connection to server. The default uses
// ldap.DialURL; tests swap it for a mock via WithDialer.
type Dialer func(ctx context.Context, server string, opts ...ldap.DialOpt) (DirectoryConn, error)

// DialURL is the default Dialer.
func DialURL(_ context.Context, server string, opts ...ldap.DialOpt) (DirectoryConn, error) {
	conn, err := ldap.DialURL(server, opts...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// ldapFactory creates pooled connections for one identity.
type ldapFactory struct {
	identity Identity
	manager  *Manager
}

func (f *ldapFactory) Create(ctx context.Context, cb pool.Callback) (pool.Conn, error) {
	conn, err := f.manager.open(ctx, f.identity)
	if err != nil {
		return nil, err
	}
	conn.cb = cb
	return conn, nil
}

// open dials, optionally upgrades and binds a connection for id. Only the
// transport part is guarded by the circuit breaker, so bad credentials never
// trip it.
func (m *Manager) open(ctx context.Context, id Identity) (*socket, error) {
	start := time.Now()

	var conn DirectoryConn
	connect := func() error {
		var err error
		conn, err = m.connect(ctx, id)
		return err
	}

	var err error
	if m.breaker != nil {
		err = m.breaker.Execute(connect)
	} else {
		err = connect()
	}
	if err != nil {
		return nil, err
	}

	if err := bind(conn, id); err != nil {
		m.closeRaw(conn, "Bind")
		m.logger.Error("connection_bind_failed",
			slog.String("server", id.Server),
			slog.String("mechanism", string(id.Mechanism)),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))

		wrapped := WrapLDAPError("Bind", id.Server, err)
		var ldapErr *LDAPError
		if errors.As(wrapped, &ldapErr) {
			ldapErr.WithDN(id.BindDN).WithContext("mechanism", string(id.Mechanism))
		}
		return nil, wrapped
	}

	s := &socket{
		DirectoryConn: conn,
		id:            uuid.NewString(),
		identity:      id,
		logger:        m.logger,
	}
	m.logger.Debug("connection_established",
		slog.String("conn_id", s.id),
		slog.String("server", id.Server),
		slog.String("mechanism", string(id.Mechanism)),
		slog.Duration("duration", time.Since(start)))
	return s, nil
}

// connect dials the server and performs StartTLS when requested. The dial
// timeout is the configured connection timeout, shortened to the context
// deadline.
func (m *Manager) connect(ctx context.Context, id Identity) (DirectoryConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, WrapLDAPError("Dial", id.Server, err)
	}

	timeout := m.config.ConnectionTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}

	start := time.Now()
	opts := make([]ldap.DialOpt, 0, len(m.dialOpts)+2)
	opts = append(opts, ldap.DialWithDialer(&net.Dialer{Timeout: timeout}))
	if id.Protocol() == ProtocolSSL {
		opts = append(opts, ldap.DialWithTLSConfig(m.tlsConfigFor(id)))
	}
	opts = append(opts, m.dialOpts...)

	conn, err := m.dialer(ctx, id.Server, opts...)
	if err != nil {
		m.logger.Error("connection_dial_failed",
			slog.String("server", id.Server),
			slog.String("error", err.Error()),
			slog.Duration("duration", time.Since(start)))
		return nil, WrapLDAPError("Dial", id.Server, err)
	}

	if id.StartTLS {
		if err := conn.StartTLS(m.tlsConfigFor(id)); err != nil {
			m.closeRaw(conn, "StartTLS")
			return nil, WrapLDAPError("StartTLS", id.Server, err)
		}
	}

	// the dial may have outlived the caller
	if err := ctx.Err(); err != nil {
		m.closeRaw(conn, "Dial")
		return nil, WrapLDAPError("Dial", id.Server, err)
	}
	return conn, nil
}

func bind(conn DirectoryConn, id Identity) error {
	switch id.Mechanism {
	case AuthSimple:
		return conn.Bind(id.BindDN, id.Password)
	case AuthExternal:
		return conn.ExternalBind()
	default:
		if id.BindDN != "" {
			return conn.UnauthenticatedBind(id.BindDN)
		}
		return nil
	}
}

func (m *Manager) tlsConfigFor(id Identity) *tls.Config {
	if m.tlsConfig != nil {
		return m.tlsConfig.Clone()
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if u, err := url.Parse(id.Server); err == nil {
		cfg.ServerName = u.Hostname()
	}
	return cfg
}

func (m *Manager) closeRaw(conn DirectoryConn, op string) {
	if err := conn.Close(); err != nil {
		m.logger.Debug("connection_close_error",
			slog.String("operation", op),
			slog.String("error", err.Error()))
	}
}
