// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package aclengine implements the ordered ACL evaluator: given a tuple of
// peer/local/source/destination/command/protocol/version/auth-state, it
// walks a rule base and decides PASS or BLOCK, performing authentication
// upgrade and partial-information matching along the way. It is a direct
// Go rendering of dante's rulespermit() control flow
// (_examples/original_source/sockd/rule.c).
package aclengine

import (
	"context"

	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/sockauth"
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksaddr"
)

// LibwrapChecker is the hosts_access(5)-equivalent short-circuit check
// against the raw peer, consulted before any rule is even considered.
type LibwrapChecker interface {
	Allowed(peer string) bool
}

// SourceHostChecker is the synchronous DNS sanity check performed on a
// PASS verdict (C9, internal/hostcheck implements this).
type SourceHostChecker interface {
	Check(ctx context.Context, host socksaddr.SocksHost) (ok bool, message string)
}

// HostIDVector is the ordered sequence of upstream hostids retrieved from
// the socket option for a HOSTID-class evaluation; Index 0 in a rule's
// HostID means "match any position" (1-based otherwise).
type HostIDVector []socksaddr.SocksHost

// Inputs bundles everything rules_permit needs, mirroring spec.md §4.4's
// "inputs" bundle. Src and Dst are pointers because either may be absent
// during an early, partial-information evaluation.
type Inputs struct {
	Command      sockrule.Command
	Protocol     socksaddr.Protocol
	ProxyVersion sockrule.ProxyVersion

	PeerAddr, LocalAddr string

	// ClientAuth is the auth already established during an earlier
	// client-rule pass, consulted for RFC931 reuse during upgrade.
	ClientAuth *sockauth.AuthState

	// ProposedAuth is the caller's working auth state; RulesPermit
	// returns a (possibly mutated) copy rather than writing through
	// this pointer, per spec.md §3's "at most one rule record is
	// mutable... auth-upgrade writes into the session, not the rule."
	ProposedAuth sockauth.AuthState

	Src *socksaddr.SocksHost
	Dst *socksaddr.SocksHost

	HostIDs HostIDVector

	// IsInternal is the barefoot variant's "rule.extra.internal" check
	// against the local sockaddr for UDP rules (spec.md §4.4 step b).
	IsInternal bool

	// ExtensionDisabled, when true, causes step 3's default-block.
	ExtensionDisabled bool

	CheckReplyAuth bool
}

// Result is rules_permit's output.
type Result struct {
	Verdict sockrule.Verdict
	Rule    *sockrule.Rule // nil for the synthetic default-block rule
	Message string
	Auth    sockauth.AuthState
}

var defaultBlockRule = &sockrule.Rule{Number: 0, Verdict: sockrule.Block}

func blockResult(msg string) Result {
	return Result{Verdict: sockrule.Block, Rule: defaultBlockRule, Message: msg}
}

// Engine owns the three rule bases plus the external collaborators the
// algorithm calls out to (ident, access-check, source-host check,
// libwrap). A nil collaborator simply causes that step to be skipped as
// "not applicable" rather than erroring, matching dante's optional
// compile-time feature gates.
type Engine struct {
	ClientRule *sockrule.RuleBase
	HostidRule *sockrule.RuleBase
	SocksRule  *sockrule.RuleBase

	Methods sockrule.GlobalMethods

	Ident    sockauth.IdentClient
	Access   sockauth.AccessChecker
	LDAP     sockauth.LDAPBackend
	SrcHost  SourceHostChecker
	Libwrap  LibwrapChecker
	Resolver socksaddr.Resolver

	AliasExpansion bool
}

func (e *Engine) baseFor(cmd sockrule.Command) *sockrule.RuleBase {
	switch cmd {
	case sockrule.CmdAccept, sockrule.CmdBounceTo:
		return e.ClientRule
	case sockrule.CmdHostID:
		return e.HostidRule
	default:
		return e.SocksRule
	}
}

func classFor(cmd sockrule.Command) sockrule.Class {
	switch cmd {
	case sockrule.CmdAccept, sockrule.CmdBounceTo:
		return sockrule.ClientRule
	case sockrule.CmdHostID:
		return sockrule.HostidRule
	default:
		return sockrule.SocksRule
	}
}

// RulesPermit is the single entry point, spec.md §4.4's rules_permit.
func (e *Engine) RulesPermit(ctx context.Context, in Inputs) Result {
	// Step 1: select the rule base by command.
	base := e.baseFor(in.Command)
	if base == nil {
		return blockResult("no rule base configured for this command")
	}

	// Step 2: libwrap-equivalent host-access short circuit.
	if e.Libwrap != nil && !e.Libwrap.Allowed(in.PeerAddr) {
		r := blockResult("denied by host access list")
		r.Message = "" // logging suppressed per spec.md §4.4 step 2
		return r
	}

	// Step 3: disabled extension.
	if in.ExtensionDisabled {
		return blockResult("requested extension is disabled")
	}

	class := classFor(in.Command)

	// Step 5: evaluate each rule in order, resetting the working auth
	// to the caller's snapshot before every attempt (dante's
	// `for (oldauth = *srcauth; rule; rule = rule->next, *srcauth = oldauth)`).
	snapshot := in.ProposedAuth

	for _, rule := range base.Rules {
		working := snapshot

		if !matchCommandProtoVersion(rule, in, class) {
			continue
		}

		if in.Protocol == socksaddr.UDP && rule.State.Command.UDPAssociate && in.IsInternal != isInternalRule(rule) {
			continue
		}

		if rule.HostID != nil && !hostIDMatches(*rule.HostID, in.HostIDs, e) {
			continue
		}

		if !matchEndpoint(rule.Src, in.Src, rule.Verdict, in.Protocol, e) {
			continue
		}
		if !matchEndpoint(rule.Dst, in.Dst, rule.Verdict, in.Protocol, e) {
			continue
		}

		upgraded, checkable := e.resolveAuth(ctx, rule, working, class, in)
		if !checkable {
			continue
		}
		working = upgraded

		// Step g: a user/group/ldapgroup binding is a separate,
		// skip-on-miss membership check distinct from step h's
		// pass/fail access_check.
		if (len(rule.Users) > 0 || len(rule.Groups) > 0 || len(rule.LDAPGroups) > 0) && working.Method != sockauth.None {
			if !membershipMatches(rule, working, e.LDAP) {
				continue
			}
		}

		// Step h: external access_check. Failure here blocks rather
		// than falls through to the next rule.
		if e.Access != nil {
			ok, err := e.Access.Check(working)
			if err != nil {
				logging.Warn("access check error", "rule", rule.Number, "err", err)
				continue
			}
			if !ok {
				return Result{Verdict: sockrule.Block, Rule: rule, Message: "access check failed", Auth: working}
			}
		}

		// Step i: first rule to reach this point wins.
		res := Result{Verdict: rule.Verdict, Rule: rule, Auth: working}

		if res.Verdict == sockrule.Pass && in.Src != nil && e.SrcHost != nil {
			if ok, msg := e.SrcHost.Check(ctx, *in.Src); !ok {
				res.Verdict = sockrule.Block
				res.Message = msg
			}
		}

		return res
	}

	// Step 6: no rule matched.
	return blockResult("no matching rule")
}

func matchCommandProtoVersion(rule *sockrule.Rule, in Inputs, class sockrule.Class) bool {
	if !rule.State.Command.Enabled(in.Command) {
		return false
	}
	switch in.Protocol {
	case socksaddr.TCP:
		if !rule.State.Protocol.TCP {
			return false
		}
	case socksaddr.UDP:
		if !rule.State.Protocol.UDP {
			return false
		}
	}
	if class == sockrule.SocksRule {
		switch in.ProxyVersion {
		case sockrule.VersionSOCKS4:
			if !rule.State.ProxyVersion.SOCKSv4 {
				return false
			}
		case sockrule.VersionSOCKS5:
			if !rule.State.ProxyVersion.SOCKSv5 {
				return false
			}
		case sockrule.VersionHTTP10, sockrule.VersionHTTP11:
			if !rule.State.ProxyVersion.HTTP {
				return false
			}
		}
	}
	return true
}

// isInternalRule reports whether rule was authored against the barefoot
// "internal" side (its one SockOpt side tag carries the signal; there is
// no first-class field because plain sockd never uses this).
func isInternalRule(rule *sockrule.Rule) bool {
	for _, opt := range rule.SockOpts {
		if opt.Side == sockrule.SideInternal && opt.Name == "internal" {
			return opt.Value != 0
		}
	}
	return false
}

func hostIDMatches(h sockrule.HostID, vec HostIDVector, e *Engine) bool {
	if h.Index == 0 {
		for _, host := range vec {
			if socksaddr.AddrMatch(h.Addr, host, socksaddr.TCP, e.AliasExpansion, e.Resolver) {
				return true
			}
		}
		return false
	}
	idx := h.Index - 1
	if idx < 0 || idx >= len(vec) {
		return false
	}
	return socksaddr.AddrMatch(h.Addr, vec[idx], socksaddr.TCP, e.AliasExpansion, e.Resolver)
}

// matchEndpoint implements spec.md §4.4 steps d/e: when the host is not
// yet known, a BLOCK rule is skipped (we need the full tuple before
// denying) while a PASS rule is considered (provisional acceptance);
// when the host is known, it must addrmatch the rule's address.
func matchEndpoint(ruleAddr socksaddr.RuleAddr, host *socksaddr.SocksHost, verdict sockrule.Verdict, proto socksaddr.Protocol, e *Engine) bool {
	if host == nil {
		return verdict == sockrule.Pass
	}
	if ruleAddr.Atype == socksaddr.NotSet {
		return true
	}
	return socksaddr.AddrMatch(ruleAddr, *host, proto, e.AliasExpansion, e.Resolver)
}

func usernameFor(state sockauth.AuthState) string {
	switch state.Method {
	case sockauth.Uname:
		return state.Uname.Name
	case sockauth.RFC931:
		return state.RFC931.Name
	case sockauth.PAM:
		return state.PAM.Name
	case sockauth.BSDAuth:
		return state.BSDAuth.Name
	default:
		return ""
	}
}

// membershipMatches implements spec.md §4.4 step g: a separate,
// skip-on-miss check that the resolved username appears in the rule's
// user list, or (if an LDAP backend is configured) one of its groups.
func membershipMatches(rule *sockrule.Rule, working sockauth.AuthState, ldap sockauth.LDAPBackend) bool {
	name := usernameFor(working)
	if name == "" {
		return false
	}

	for _, u := range rule.Users {
		if u == name {
			return true
		}
	}

	if len(rule.LDAPGroups) > 0 && ldap != nil {
		groups, err := ldap.GroupsFor(name)
		if err == nil {
			for _, g := range groups {
				for _, want := range rule.LDAPGroups {
					if g == want {
						return true
					}
				}
			}
		}
	}

	// A Groups binding with no LDAPBackend configured has no OS-group
	// resolver to check against (DESIGN.md: sockd ships no local
	// group-membership resolver), so it can never be satisfied; skip
	// the rule rather than passing every authenticated user.
	if len(rule.Groups) > 0 {
		return false
	}

	return len(rule.Users) == 0 && len(rule.LDAPGroups) == 0
}

// resolveAuth implements spec.md §4.4 step f.
func (e *Engine) resolveAuth(ctx context.Context, rule *sockrule.Rule, working sockauth.AuthState, class sockrule.Class, in Inputs) (sockauth.AuthState, bool) {
	if in.Command == sockrule.CmdBindReply || in.Command == sockrule.CmdUDPReply {
		working = sockauth.ForceNoneForReply(working, in.CheckReplyAuth)
	}

	global := e.Methods.Socks
	if class != sockrule.SocksRule {
		global = e.Methods.Client
	}

	return sockauth.Upgrade(ctx, working, global, rule.State.Methods, sockauth.UpgradeContext{
		ClientAuth:      in.ClientAuth,
		Ident:           e.Ident,
		IsAcceptCommand: in.Command == sockrule.CmdAccept,
		Protocol:        in.Protocol,
		PeerAddr:        in.PeerAddr,
		LocalAddr:       in.LocalAddr,
	})
}
