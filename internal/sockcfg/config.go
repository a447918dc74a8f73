// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sockcfg is the runtime configuration object the rest of the
// core consumes (spec.md §6): rule bases, listener list, external
// bind-address pool, global method vectors, timeouts, and the misc
// backend/keytab names, parsed once from HCL at startup or reload.
package sockcfg

import (
	"net"

	"grimm.is/sockd/internal/hostcheck"
	"grimm.is/sockd/internal/sockauth"
	"grimm.is/sockd/internal/sockrule"
)

// RotationPolicy selects how successive outbound connections pick an
// address from BindPool.Addresses.
type RotationPolicy int

const (
	RotationNone RotationPolicy = iota
	RotationSameSame
	RotationRandom
)

func ParseRotationPolicy(s string) RotationPolicy {
	switch s {
	case "same-same":
		return RotationSameSame
	case "random":
		return RotationRandom
	default:
		return RotationNone
	}
}

func (r RotationPolicy) String() string {
	switch r {
	case RotationSameSame:
		return "same-same"
	case RotationRandom:
		return "random"
	default:
		return "none"
	}
}

// BindPoolConfig is the external bind-address pool sockd rotates through
// for outbound connections, per spec.md §6.
type BindPoolConfig struct {
	Addresses []net.IP
	Rotation  RotationPolicy
}

// Listener is one address sockd accepts connections or UDP datagrams on.
type Listener struct {
	Network string // "tcp" or "udp"
	Address string // "host:port"
}

// BackendConfig names the external auth/identification services the ACL
// engine's optional collaborators (ident, PAM, GSSAPI, LDAP) are wired
// against; spec.md §6's "miscellaneous per-backend service/keytab names".
type BackendConfig struct {
	IdentService string
	PAMService   string
	GSSAPIKeytab string
	LDAPServer   string
}

// Config is the fully loaded, immutable snapshot spec.md §9 says the
// core should hold behind a versioned atomic reference; this type is the
// snapshot's content, Snapshot (in snapshot.go) is the atomic holder.
type Config struct {
	ClientRule *sockrule.RuleBase
	HostidRule *sockrule.RuleBase
	SocksRule  *sockrule.RuleBase

	Listeners []Listener
	BindPool  BindPoolConfig

	Methods sockrule.GlobalMethods

	Timeouts sockrule.Timeouts

	HostAccess    bool
	UDPConnectDst bool

	SrcHost hostcheck.Config
	Backend BackendConfig

	PIDFile string
}

// methodsFromStrings is shared by the HCL decode path and tests building
// a Config by hand.
func methodsFromStrings(names []string) []sockauth.Method {
	out := make([]sockauth.Method, 0, len(names))
	for _, n := range names {
		out = append(out, parseMethod(n))
	}
	return out
}

func parseMethod(s string) sockauth.Method {
	switch s {
	case "none":
		return sockauth.None
	case "uname":
		return sockauth.Uname
	case "rfc931":
		return sockauth.RFC931
	case "pam":
		return sockauth.PAM
	case "bsdauth":
		return sockauth.BSDAuth
	case "gssapi":
		return sockauth.GSSAPI
	default:
		return sockauth.NotSet
	}
}
