// Package ldappool pools bound LDAP connections per identity on top of
// go-ldap/ldap.
//
// An identity is the server URL, the authentication mechanism and the bind
// credentials. Connections bound as one identity are only ever reused for
// requests of an equal identity, so credentials never leak between callers.
// Each identity gets its own connection group with the configured initial,
// preferred and maximum sizes, and a background reaper closes connections
// that stayed idle longer than the idle timeout.
//
// # Basic Usage
//
//	m, err := ldappool.NewManager(ldappool.DefaultPoolConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Close()
//
//	conn, err := m.Get(ctx, ldappool.Identity{
//		Server:   "ldap://ldap.example.com",
//		BindDN:   "cn=reader,dc=example,dc=com",
//		Password: "secret",
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close() // back to the pool
//
//	res, err := conn.Search(ldap.NewSearchRequest(...))
//
// # Eligibility
//
// Only identities whose transport (plain, ssl for ldaps://, tls for
// StartTLS) and mechanism appear in PoolConfig.Protocols and
// PoolConfig.Authentications are pooled. Everything else gets a direct
// connection that Close shuts down.
//
// # Errors
//
// Get reports a full pool with ErrPoolTimeout, a cancelled wait with
// ErrInterrupted and a failed dial or bind with *CreationError. Creation
// failures are never retried.
package ldappool
