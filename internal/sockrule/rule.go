// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sockrule holds the ACL record (Rule) and ordered rule base
// (RuleBase) the engine in internal/aclengine evaluates, along with the
// defaulting and validation algorithms applied once at load time
// (spec.md §4.2).
package sockrule

import (
	"fmt"

	"grimm.is/sockd/internal/sockauth"
	"grimm.is/sockd/internal/socksaddr"
)

// Command is the operation a session is requesting or replying to.
type Command int

const (
	CmdAccept Command = iota
	CmdBounceTo
	CmdHostID
	CmdBind
	CmdConnect
	CmdUDPAssociate
	CmdBindReply
	CmdUDPReply
)

func (c Command) String() string {
	switch c {
	case CmdAccept:
		return "accept"
	case CmdBounceTo:
		return "bounceto"
	case CmdHostID:
		return "hostid"
	case CmdBind:
		return "bind"
	case CmdConnect:
		return "connect"
	case CmdUDPAssociate:
		return "udpassociate"
	case CmdBindReply:
		return "bindreply"
	case CmdUDPReply:
		return "udpreply"
	default:
		return "unknown"
	}
}

// ProxyVersion is the wire protocol a client negotiated.
type ProxyVersion int

const (
	VersionSOCKS4 ProxyVersion = iota
	VersionSOCKS5
	VersionHTTP10
	VersionHTTP11
)

// Class selects which of the three rule bases a rule belongs to.
type Class int

const (
	ClientRule Class = iota
	HostidRule
	SocksRule
)

func (c Class) String() string {
	switch c {
	case ClientRule:
		return "client"
	case HostidRule:
		return "hostid"
	default:
		return "socks"
	}
}

// Verdict is the rule engine's binary output.
type Verdict int

const (
	Block Verdict = iota
	Pass
)

func (v Verdict) String() string {
	if v == Pass {
		return "pass"
	}
	return "block"
}

// CommandSet is the enabled-commands bitset a rule carries.
type CommandSet struct {
	Accept, BounceTo, HostID, Bind, Connect, UDPAssociate, BindReply, UDPReply bool
}

// Enabled reports whether cmd is set in cs.
func (cs CommandSet) Enabled(cmd Command) bool {
	switch cmd {
	case CmdAccept:
		return cs.Accept
	case CmdBounceTo:
		return cs.BounceTo
	case CmdHostID:
		return cs.HostID
	case CmdBind:
		return cs.Bind
	case CmdConnect:
		return cs.Connect
	case CmdUDPAssociate:
		return cs.UDPAssociate
	case CmdBindReply:
		return cs.BindReply
	case CmdUDPReply:
		return cs.UDPReply
	default:
		return false
	}
}

func allCommands() CommandSet {
	return CommandSet{true, true, true, true, true, true, true, true}
}

// ProtocolSet is the enabled-protocols bitset.
type ProtocolSet struct {
	TCP, UDP bool
}

func allProtocols() ProtocolSet { return ProtocolSet{true, true} }

// VersionSet is the enabled proxy-protocol bitset (socks-rules only).
type VersionSet struct {
	SOCKSv4, SOCKSv5, HTTP bool
}

func allVersions() VersionSet { return VersionSet{true, true, true} }

// SockOptSide distinguishes which socket a per-rule socket option applies
// to.
type SockOptSide int

const (
	SideInternal SockOptSide = iota
	SideExternal
)

// SockOpt is a single setsockopt-equivalent the rule wants applied.
type SockOpt struct {
	Side  SockOptSide
	Name  string
	Value int
}

// RuleState bundles everything spec.md §3 calls the rule's "state": the
// three bitsets plus the ordered method vector and per-method params.
type RuleState struct {
	Command      CommandSet
	Protocol     ProtocolSet
	ProxyVersion VersionSet
	Methods      []sockauth.Method
}

// HostID references an upstream-proxy hostid slot a rule requires; Index
// 0 means "any position" per spec.md GLOSSARY.
type HostID struct {
	Addr  socksaddr.RuleAddr
	Index int
}

// Timeouts carries per-rule overrides of the server's global defaults.
type Timeouts struct {
	TCPIdle, UDPIdle, Negotiate, Connect int // seconds; 0 means "use global default"
}

// LogFlags controls which classes of events the matching rule logs.
type LogFlags struct {
	Connect, Disconnect, Error, IOOperation bool
}

// Rule is a single ACL entry. Only AuthState mutation during matching
// happens on the caller's copy (see aclengine); a Rule itself is
// immutable after RuleBase.Add returns, per spec.md §3's invariant.
type Rule struct {
	Number int // 1-based, dense, in insertion order within its base
	Line   int // source line, for diagnostics only

	Verdict Verdict
	Src     socksaddr.RuleAddr
	Dst     socksaddr.RuleAddr

	RedirectFrom *socksaddr.RuleAddr
	RedirectTo   *socksaddr.RuleAddr

	HostID *HostID

	State RuleState

	Users      []string
	Groups     []string
	LDAPGroups []string

	SockOpts []SockOpt

	Timeouts Timeouts

	LibwrapCommand string
	Log            LogFlags

	BandwidthShmID int
	SessionShmID   int
}

func (r *Rule) String() string {
	return fmt.Sprintf("rule#%d verdict=%s", r.Number, r.Verdict)
}
