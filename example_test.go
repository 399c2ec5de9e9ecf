package ldappool_test

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/netresearch/ldappool"
	"github.com/netresearch/ldappool/testutil"
)

// mockDialer lets the examples run without a directory server.
func mockDialer() ldappool.Option {
	srv := testutil.NewMockServer()
	return ldappool.WithDialer(func(ctx context.Context, server string, _ ...ldap.DialOpt) (ldappool.DirectoryConn, error) {
		return srv.Dial(ctx, server)
	})
}

// Example shows the basic Get and Close cycle. The second Get for the same
// identity reuses the connection released by the first.
func Example() {
	cfg := ldappool.DefaultPoolConfig()
	cfg.MaxSize = 4
	cfg.IdleTimeout = 5 * time.Minute

	m, err := ldappool.NewManager(cfg, mockDialer())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = m.Close() }()

	id := ldappool.Identity{
		Server:   "ldap://ldap.example.com",
		BindDN:   testutil.AdminDN,
		Password: testutil.AdminPassword,
	}

	for range 2 {
		conn, err := m.Get(context.Background(), id)
		if err != nil {
			log.Fatal(err)
		}
		_, err = conn.Search(ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
			0, 0, false, "(objectClass=*)", []string{"namingContexts"}, nil))
		if err != nil {
			_ = conn.Discard()
			log.Fatal(err)
		}
		_ = conn.Close()
	}

	st := m.Stats()
	fmt.Printf("created=%d reused=%d idle=%d\n", st.ConnectionsCreated, st.PoolHits, st.IdleConnections)
	// Output:
	// created=1 reused=1 idle=1
}

// ExampleManager_Get_timeout shows a bounded group giving up after the
// acquire timeout.
func ExampleManager_Get_timeout() {
	cfg := ldappool.DefaultPoolConfig()
	cfg.MaxSize = 1
	cfg.AcquireTimeout = 20 * time.Millisecond

	m, err := ldappool.NewManager(cfg, mockDialer())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = m.Close() }()

	id := ldappool.Identity{Server: "ldap://ldap.example.com"}
	held, err := m.Get(context.Background(), id)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = held.Close() }()

	_, err = m.Get(context.Background(), id)
	fmt.Println(errors.Is(err, ldappool.ErrPoolTimeout))
	// Output:
	// true
}

// ExampleManager_Pin keeps a group alive while the caller holds the pin.
func ExampleManager_Pin() {
	m, err := ldappool.NewManager(nil, mockDialer())
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = m.Close() }()

	id := ldappool.Identity{Server: "ldap://ldap.example.com"}
	pin, err := m.Pin(id)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(pin != nil)

	_, err = m.Pin(ldappool.Identity{Server: "ldaps://ldap.example.com"})
	fmt.Println(errors.Is(err, ldappool.ErrNotPooled))
	// Output:
	// true
	// true
}
