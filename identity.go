package ldappool

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/text/cases"
)

// AuthMechanism selects how pooled connections authenticate after dialing.
type AuthMechanism string

const (
	// AuthNone performs no bind, or an unauthenticated bind when BindDN is set
	AuthNone AuthMechanism = "none"
	// AuthSimple performs a simple bind with BindDN and Password
	AuthSimple AuthMechanism = "simple"
	// AuthExternal performs a SASL EXTERNAL bind, e.g. with a TLS client certificate
	AuthExternal AuthMechanism = "external"
)

// Protocol names used in PoolConfig.Protocols.
const (
	ProtocolPlain = "plain"
	ProtocolSSL   = "ssl"
	ProtocolTLS   = "tls"
)

// Identity describes a logical connection request. Connections are pooled
// per identity: two identities that normalize to the same value share
// connections.
//
// Identity is comparable and is used as a map key after normalization.
type Identity struct {
	// Server is an ldap:// or ldaps:// URL
	Server string
	// Mechanism defaults to AuthSimple when BindDN is set, AuthNone otherwise
	Mechanism AuthMechanism
	// BindDN is the distinguished name to bind as
	BindDN string
	// Password is the simple-bind password
	Password string
	// StartTLS upgrades a plain connection before binding
	StartTLS bool
}

// Protocol returns the pooling protocol name of the identity.
func (id Identity) Protocol() string {
	switch {
	case strings.HasPrefix(strings.ToLower(id.Server), "ldaps://"):
		return ProtocolSSL
	case id.StartTLS:
		return ProtocolTLS
	default:
		return ProtocolPlain
	}
}

// String renders the identity for logs with the password masked.
func (id Identity) String() string {
	var b strings.Builder
	b.WriteString(string(id.Mechanism))
	b.WriteByte(':')
	if id.BindDN != "" {
		b.WriteString(id.BindDN)
		if id.Password != "" {
			b.WriteString(":***")
		}
		b.WriteByte('@')
	}
	b.WriteString(id.Server)
	if id.StartTLS {
		b.WriteString("+starttls")
	}
	return b.String()
}

// Normalize validates the identity and returns its canonical form: scheme
// and host are lowercased, the default port is made explicit, the bind DN
// is case-folded and the mechanism is filled in.
func (id Identity) Normalize() (Identity, error) {
	server, err := normalizeServer(id.Server)
	if err != nil {
		return Identity{}, err
	}

	out := Identity{
		Server:    server,
		Mechanism: id.Mechanism,
		BindDN:    cases.Fold().String(strings.TrimSpace(id.BindDN)),
		Password:  id.Password,
		StartTLS:  id.StartTLS,
	}

	if out.Mechanism == "" {
		out.Mechanism = AuthNone
		if out.BindDN != "" {
			out.Mechanism = AuthSimple
		}
	}

	switch out.Mechanism {
	case AuthNone:
		if out.Password != "" {
			return Identity{}, fmt.Errorf("%w: password given without simple bind", ErrInvalidIdentity)
		}
	case AuthSimple:
		if out.BindDN == "" {
			return Identity{}, fmt.Errorf("%w: simple bind requires a bind DN", ErrInvalidIdentity)
		}
	case AuthExternal:
		if out.Password != "" {
			return Identity{}, fmt.Errorf("%w: external bind takes no password", ErrInvalidIdentity)
		}
	default:
		return Identity{}, fmt.Errorf("%w: unknown mechanism %q", ErrInvalidIdentity, out.Mechanism)
	}

	if out.StartTLS && out.Protocol() == ProtocolSSL {
		return Identity{}, fmt.Errorf("%w: StartTLS on an ldaps:// server", ErrInvalidIdentity)
	}
	return out, nil
}

func normalizeServer(server string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(server))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	scheme := strings.ToLower(u.Scheme)
	var defaultPort string
	switch scheme {
	case "ldap":
		defaultPort = "389"
	case "ldaps":
		defaultPort = "636"
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q in %q", ErrInvalidIdentity, u.Scheme, server)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidIdentity, server)
	}
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return scheme + "://" + net.JoinHostPort(host, port), nil
}
