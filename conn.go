package ldappool

import (
	"crypto/tls"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldappool/internal/pool"
)

// DirectoryConn is the subset of *ldap.Conn the pool hands out. It exists so
// tests can substitute a mock.
type DirectoryConn interface {
	Bind(username, password string) error
	UnauthenticatedBind(username string) error
	ExternalBind() error
	StartTLS(config *tls.Config) error
	Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	SearchWithPaging(searchRequest *ldap.SearchRequest, pagingSize uint32) (*ldap.SearchResult, error)
	Add(addRequest *ldap.AddRequest) error
	Del(delRequest *ldap.DelRequest) error
	Modify(modifyRequest *ldap.ModifyRequest) error
	Compare(dn, attribute, value string) (bool, error)
	Close() error
}

var _ DirectoryConn = (*ldap.Conn)(nil)

// PooledConn is one checkout of a directory connection from a Manager. Every
// Get returns a new PooledConn, also when the underlying connection is reused.
//
// Close gives the connection back for reuse; the PooledConn must not be used
// afterwards. Discard drops a connection that is known to be broken. Only the
// first Close or Discard of a PooledConn has an effect, so a stale PooledConn
// cannot release a connection that was handed to another caller since.
type PooledConn struct {
	DirectoryConn

	sock *socket
	done atomic.Bool
}

func newPooledConn(s *socket) *PooledConn {
	return &PooledConn{DirectoryConn: s.DirectoryConn, sock: s}
}

// ID returns the connection id used in log lines. Checkouts of the same
// underlying connection share the id.
func (c *PooledConn) ID() string {
	return c.sock.id
}

// Identity returns the normalized identity the connection was bound with.
func (c *PooledConn) Identity() Identity {
	return c.sock.identity
}

// Pooled reports whether Close returns the connection to a pool.
func (c *PooledConn) Pooled() bool {
	return c.sock.cb != nil
}

// Close releases a pooled connection back to its group, or closes an
// unpooled one.
func (c *PooledConn) Close() error {
	if !c.done.CompareAndSwap(false, true) {
		c.sock.logger.Debug("connection_release_ignored",
			slog.String("conn_id", c.sock.id),
			slog.String("reason", "already closed"))
		return nil
	}
	if c.sock.cb == nil {
		return c.sock.CloseConnection()
	}
	if !c.sock.cb.Release(c.sock) {
		c.sock.logger.Debug("connection_release_ignored", slog.String("conn_id", c.sock.id))
	}
	return nil
}

// Discard removes the connection from its pool and closes the socket.
func (c *PooledConn) Discard() error {
	if !c.done.CompareAndSwap(false, true) {
		return nil
	}
	if c.sock.cb != nil {
		c.sock.cb.Remove(c.sock)
	}
	return c.sock.CloseConnection()
}

// socket is a bound directory connection as tracked by a group. It outlives
// the PooledConn checkouts made from it.
type socket struct {
	DirectoryConn

	id       string
	identity Identity
	cb       pool.Callback // nil for unpooled connections
	logger   *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// CloseConnection closes the underlying socket exactly once.
func (s *socket) CloseConnection() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.DirectoryConn.Close()
		s.logger.Debug("connection_closed",
			slog.String("conn_id", s.id),
			slog.String("server", s.identity.Server))
	})
	return s.closeErr
}
