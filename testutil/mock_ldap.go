package testutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Default credentials known to every MockServer.
const (
	AdminDN       = "cn=admin,dc=example,dc=com"
	AdminPassword = "admin123"
	ReaderDN      = "cn=reader,dc=example,dc=com"
	ReaderPass    = "reader456"
)

// MockLDAPConn is a mock implementation of the directory connection used by
// the pool. Behavior is configured through the Func fields; every call is
// recorded.
type MockLDAPConn struct {
	mu sync.Mutex

	// ID is the dial sequence number on its server, starting at 1
	ID     int
	Server string

	// Configuration
	BindFunc     func(username, password string) error
	SearchFunc   func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLSFunc func(config *tls.Config) error
	ExternalFunc func() error
	CloseFunc    func() error

	// State tracking
	BindCalls   []BindCall
	SearchCalls []SearchCall
	TLSStarted  bool
	closed      atomic.Int32
}

// BindCall records a bind operation
type BindCall struct {
	Mechanism string
	Username  string
	Password  string
	Error     error
}

// SearchCall records a search operation
type SearchCall struct {
	Request *ldap.SearchRequest
	Result  *ldap.SearchResult
	Error   error
}

// NewMockLDAPConn creates a new mock connection that accepts the default
// credentials and answers every search with a root DSE entry.
func NewMockLDAPConn() *MockLDAPConn {
	return newMockConn(0, "", map[string]string{
		AdminDN:  AdminPassword,
		ReaderDN: ReaderPass,
	})
}

func newMockConn(id int, server string, users map[string]string) *MockLDAPConn {
	m := &MockLDAPConn{ID: id, Server: server}

	m.BindFunc = func(username, password string) error {
		if username == "" || password == "" {
			return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("empty credentials"))
		}
		want, ok := users[strings.ToLower(username)]
		if !ok {
			return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("user not found"))
		}
		if want != password {
			return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid password"))
		}
		return nil
	}
	m.SearchFunc = func(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
		return &ldap.SearchResult{Entries: []*ldap.Entry{RootDSE(server)}}, nil
	}
	m.StartTLSFunc = func(*tls.Config) error { return nil }
	m.ExternalFunc = func() error { return nil }
	m.CloseFunc = func() error { return nil }
	return m
}

// RootDSE returns the entry the mock answers searches with.
func RootDSE(server string) *ldap.Entry {
	return ldap.NewEntry("", map[string][]string{
		"namingContexts":       {"dc=example,dc=com"},
		"supportedLDAPVersion": {"3"},
		"vendorName":           {"mock"},
		"vendorVersion":        {server},
	})
}

// Bind performs a simple bind
func (m *MockLDAPConn) Bind(username, password string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.BindFunc(username, password)
	m.BindCalls = append(m.BindCalls, BindCall{Mechanism: "simple", Username: username, Password: password, Error: err})
	return err
}

// UnauthenticatedBind records an unauthenticated bind, which always succeeds
func (m *MockLDAPConn) UnauthenticatedBind(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BindCalls = append(m.BindCalls, BindCall{Mechanism: "none", Username: username})
	return nil
}

// ExternalBind performs a SASL EXTERNAL bind
func (m *MockLDAPConn) ExternalBind() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.ExternalFunc()
	m.BindCalls = append(m.BindCalls, BindCall{Mechanism: "external", Error: err})
	return err
}

// StartTLS upgrades the mock connection
func (m *MockLDAPConn) StartTLS(config *tls.Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.StartTLSFunc(config); err != nil {
		return err
	}
	m.TLSStarted = true
	return nil
}

// Search runs SearchFunc and records the call
func (m *MockLDAPConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if m.IsClosed() {
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("ldap: connection closed"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	result, err := m.SearchFunc(req)
	m.SearchCalls = append(m.SearchCalls, SearchCall{Request: req, Result: result, Error: err})
	return result, err
}

// SearchWithPaging delegates to Search
func (m *MockLDAPConn) SearchWithPaging(req *ldap.SearchRequest, pageSize uint32) (*ldap.SearchResult, error) {
	return m.Search(req)
}

// Add is not supported by the mock
func (m *MockLDAPConn) Add(req *ldap.AddRequest) error {
	return ldap.NewError(ldap.LDAPResultUnwillingToPerform, fmt.Errorf("mock: add %s", req.DN))
}

// Del is not supported by the mock
func (m *MockLDAPConn) Del(req *ldap.DelRequest) error {
	return ldap.NewError(ldap.LDAPResultUnwillingToPerform, fmt.Errorf("mock: delete %s", req.DN))
}

// Modify is not supported by the mock
func (m *MockLDAPConn) Modify(req *ldap.ModifyRequest) error {
	return ldap.NewError(ldap.LDAPResultUnwillingToPerform, fmt.Errorf("mock: modify %s", req.DN))
}

// Compare reports whether the root DSE has attribute=value
func (m *MockLDAPConn) Compare(dn, attribute, value string) (bool, error) {
	if dn != "" {
		return false, ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("DN not found: %s", dn))
	}
	for _, v := range RootDSE(m.Server).GetAttributeValues(attribute) {
		if v == value {
			return true, nil
		}
	}
	return false, nil
}

// Close closes the mock connection
func (m *MockLDAPConn) Close() error {
	m.closed.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseFunc()
}

// IsClosed reports whether Close was called
func (m *MockLDAPConn) IsClosed() bool {
	return m.closed.Load() > 0
}

// CloseCount returns how often Close was called
func (m *MockLDAPConn) CloseCount() int {
	return int(m.closed.Load())
}

// GetBindCallCount returns the number of bind calls made
func (m *MockLDAPConn) GetBindCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.BindCalls)
}

// GetSearchCallCount returns the number of search calls made
func (m *MockLDAPConn) GetSearchCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SearchCalls)
}

// LastBind returns the most recent bind call.
func (m *MockLDAPConn) LastBind() (BindCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.BindCalls) == 0 {
		return BindCall{}, false
	}
	return m.BindCalls[len(m.BindCalls)-1], true
}

// MockServer hands out MockLDAPConn values and keeps every one it dialed.
type MockServer struct {
	mu      sync.Mutex
	users   map[string]string
	dialErr error
	delay   time.Duration
	conns   []*MockLDAPConn
}

// NewMockServer creates a server that knows the default credentials.
func NewMockServer() *MockServer {
	return &MockServer{
		users: map[string]string{
			AdminDN:  AdminPassword,
			ReaderDN: ReaderPass,
		},
	}
}

// AddUser registers credentials for simple binds.
func (s *MockServer) AddUser(dn, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(dn)] = password
}

// SetDialError makes every following dial fail with err; nil restores dialing.
func (s *MockServer) SetDialError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// SetDialDelay makes every following dial take d, or until ctx is done.
func (s *MockServer) SetDialDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Dial opens a new mock connection to server.
func (s *MockServer) Dial(ctx context.Context, server string) (*MockLDAPConn, error) {
	s.mu.Lock()
	delay, dialErr := s.delay, s.dialErr
	s.mu.Unlock()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	users := make(map[string]string, len(s.users))
	for dn, pw := range s.users {
		users[dn] = pw
	}
	conn := newMockConn(len(s.conns)+1, server, users)
	s.conns = append(s.conns, conn)
	return conn, nil
}

// Dials returns the number of successful dials.
func (s *MockServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Conn returns the i-th dialed connection, starting at 0.
func (s *MockServer) Conn(i int) *MockLDAPConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[i]
}

// OpenConns returns the number of dialed connections not yet closed.
func (s *MockServer) OpenConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	open := 0
	for _, c := range s.conns {
		if !c.IsClosed() {
			open++
		}
	}
	return open
}
