//go:build integration
// +build integration

package ldappool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/openldap"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps the OpenLDAP container and its bind credentials
type TestContainer struct {
	Container *openldap.OpenLDAPContainer
	Server    string
	AdminUser string
	AdminPass string
	BaseDN    string
}

// SetupTestContainer starts an OpenLDAP container and adds a reader account
func SetupTestContainer(t *testing.T) *TestContainer {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "osixia/openldap:1.5.0",
		ExposedPorts: []string{"389/tcp"},
		Env: map[string]string{
			"LDAP_ORGANISATION":    "Example Org",
			"LDAP_DOMAIN":          "example.org",
			"LDAP_ADMIN_PASSWORD":  "admin123",
			"LDAP_CONFIG_PASSWORD": "config123",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("slapd starting").WithStartupTimeout(120*time.Second).WithPollInterval(2*time.Second),
			wait.ForListeningPort("389/tcp").WithStartupTimeout(120*time.Second).WithPollInterval(2*time.Second),
		),
	}

	genericContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := genericContainer.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := genericContainer.MappedPort(ctx, "389/tcp")
	require.NoError(t, err)

	tc := &TestContainer{
		Container: &openldap.OpenLDAPContainer{Container: genericContainer},
		Server:    fmt.Sprintf("ldap://%s:%s", host, mappedPort.Port()),
		AdminUser: "cn=admin,dc=example,dc=org",
		AdminPass: "admin123",
		BaseDN:    "dc=example,dc=org",
	}
	tc.waitForBind(t)
	return tc
}

// waitForBind retries an admin bind until slapd accepts it
func (tc *TestContainer) waitForBind(t *testing.T) {
	var err error
	for i := 0; i < 5; i++ {
		var conn *ldap.Conn
		conn, err = ldap.DialURL(tc.Server)
		if err == nil {
			err = conn.Bind(tc.AdminUser, tc.AdminPass)
			_ = conn.Close()
			if err == nil {
				return
			}
		}
		t.Logf("Bind attempt %d failed: %v, retrying...", i+1, err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	require.NoError(t, err, "Failed to bind as admin after 5 attempts")
}

// Close terminates the container
func (tc *TestContainer) Close(t *testing.T) {
	if tc.Container != nil {
		if err := tc.Container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	}
}

func rootDSE(t *testing.T, conn *PooledConn) *ldap.Entry {
	res, err := conn.Search(ldap.NewSearchRequest("", ldap.ScopeBaseObject, ldap.NeverDerefAliases,
		0, 0, false, "(objectClass=*)", []string{"namingContexts"}, nil))
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	return res.Entries[0]
}

// TestIntegrationManager exercises the pool against a real slapd
func TestIntegrationManager(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	container := SetupTestContainer(t)
	defer container.Close(t)

	admin := Identity{Server: container.Server, BindDN: container.AdminUser, Password: container.AdminPass}

	t.Run("reuse after release", func(t *testing.T) {
		cfg := DefaultPoolConfig()
		cfg.MaxSize = 4
		m, err := NewManager(cfg, WithLogger(slog.Default()))
		require.NoError(t, err)
		defer m.Close()

		conn, err := m.Get(context.Background(), admin)
		require.NoError(t, err)
		assert.Equal(t, container.BaseDN, rootDSE(t, conn).GetAttributeValue("namingContexts"))
		first := conn.ID()
		require.NoError(t, conn.Close())

		conn, err = m.Get(context.Background(), admin)
		require.NoError(t, err)
		assert.Equal(t, first, conn.ID())
		require.NoError(t, conn.Close())

		st := m.Stats()
		assert.Equal(t, int64(1), st.ConnectionsCreated)
		assert.Equal(t, int64(1), st.PoolHits)
	})

	t.Run("anonymous and authenticated identities do not share", func(t *testing.T) {
		m, err := NewManager(nil)
		require.NoError(t, err)
		defer m.Close()

		anon, err := m.Get(context.Background(), Identity{Server: container.Server})
		require.NoError(t, err)
		bound, err := m.Get(context.Background(), admin)
		require.NoError(t, err)
		assert.NotEqual(t, anon.ID(), bound.ID())

		_ = anon.Close()
		_ = bound.Close()
		assert.Equal(t, 2, m.Stats().Groups)
	})

	t.Run("wrong password is a creation error", func(t *testing.T) {
		m, err := NewManager(nil)
		require.NoError(t, err)
		defer m.Close()

		bad := admin
		bad.Password = "wrong"
		_, err = m.Get(context.Background(), bad)
		require.Error(t, err)
		assert.True(t, IsCreationError(err))
		assert.True(t, IsAuthenticationError(err))
		assert.Equal(t, int(ldap.LDAPResultInvalidCredentials), GetLDAPResultCode(err))
	})

	t.Run("concurrent workers stay within max size", func(t *testing.T) {
		cfg := DefaultPoolConfig()
		cfg.MaxSize = 3
		cfg.AcquireTimeout = 10 * time.Second
		m, err := NewManager(cfg)
		require.NoError(t, err)
		defer m.Close()

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				conn, err := m.Get(context.Background(), admin)
				if err != nil {
					errs <- err
					return
				}
				defer conn.Close()
				if _, err := conn.Search(ldap.NewSearchRequest(container.BaseDN, ldap.ScopeBaseObject,
					ldap.NeverDerefAliases, 0, 0, false, "(objectClass=*)", nil, nil)); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("worker failed: %v", err)
		}

		st := m.Stats()
		assert.LessOrEqual(t, st.TotalConnections, 3)
		assert.LessOrEqual(t, st.ConnectionsCreated, int64(3))
	})

	t.Run("idle connections are expired", func(t *testing.T) {
		cfg := DefaultPoolConfig()
		cfg.IdleTimeout = time.Minute
		m, err := NewManager(cfg)
		require.NoError(t, err)
		defer m.Close()

		conn, err := m.Get(context.Background(), admin)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
		require.Equal(t, 1, m.Stats().IdleConnections)

		first := conn.ID()
		m.Expire(time.Now().Add(time.Second))
		st := m.Stats()
		assert.Equal(t, 0, st.TotalConnections)
		assert.Equal(t, 0, st.Groups)

		conn, err = m.Get(context.Background(), admin)
		require.NoError(t, err)
		defer conn.Close()
		assert.NotEqual(t, first, conn.ID())
	})
}
