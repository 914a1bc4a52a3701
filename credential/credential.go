// Package credential models HTTP authentication credentials, the protection
// spaces they apply to, and the session and persistent stores that remember them.
package credential

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Persistence controls how long a credential is remembered.
type Persistence int

const (
	// PersistenceNone credentials are used for a single exchange.
	PersistenceNone Persistence = iota
	// PersistenceForSession credentials live in the in-memory Store.
	PersistenceForSession
	// PersistencePermanent credentials are also written to persistent storage
	// once the server has accepted them.
	PersistencePermanent
)

func (p Persistence) String() string {
	switch p {
	case PersistenceNone:
		return "none"
	case PersistenceForSession:
		return "session"
	case PersistencePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("persistence(%d)", int(p))
	}
}

// Credential is a user/password pair.
type Credential struct {
	User        string      `json:"user"`
	Password    string      `json:"password"`
	Persistence Persistence `json:"-"`
}

// IsEmpty reports whether neither a user nor a password is set.
func (c Credential) IsEmpty() bool {
	return c.User == "" && c.Password == ""
}

// Equal compares user and password. Persistence is not part of identity.
func (c Credential) Equal(o Credential) bool {
	return c.User == o.User && c.Password == o.Password
}

// ProtectionSpace identifies where a credential applies.
type ProtectionSpace struct {
	Host       string `json:"host" validate:"required"`
	Port       int    `json:"port" validate:"gte=0,lte=65535"`
	Scheme     string `json:"scheme" validate:"required,oneof=http https"`
	Realm      string `json:"realm"`
	AuthScheme string `json:"authScheme" validate:"required"`
	Proxy      bool   `json:"proxy"`
}

// IsZero reports whether ps is the zero protection space.
func (ps ProtectionSpace) IsZero() bool {
	return ps == ProtectionSpace{}
}

// Key returns a stable string form used by persistent storage.
func (ps ProtectionSpace) Key() string {
	kind := "server"
	if ps.Proxy {
		kind = "proxy"
	}

	return fmt.Sprintf("%s|%s://%s|%s|%s", kind, ps.Scheme, net.JoinHostPort(ps.Host, strconv.Itoa(ps.Port)), strings.ToLower(ps.AuthScheme), ps.Realm)
}

// URLCredential extracts the credentials embedded in u, if any.
func URLCredential(u *url.URL) Credential {
	if u == nil || u.User == nil {
		return Credential{}
	}
	pass, _ := u.User.Password()

	return Credential{User: u.User.Username(), Password: pass}
}
