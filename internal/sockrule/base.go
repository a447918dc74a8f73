// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sockrule

import (
	"fmt"

	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/sockauth"
	"grimm.is/sockd/internal/socksaddr"
)

// GlobalMethods is the method precedence vector the defaulting algorithm
// and the rule engine both consult; client-side and socks-side servers
// may configure different vectors (spec.md §6).
type GlobalMethods struct {
	Client []sockauth.Method
	Socks  []sockauth.Method
}

// RuleBase is the ordered, arena-backed list of rules for one Class, per
// spec.md §9's "allocate rules in a slab/arena owned by the configuration
// snapshot" note: Rules is the arena and rule order *is* index order, so
// "next" is simply "index+1" rather than a pointer.
type RuleBase struct {
	Class Class
	Rules []*Rule
}

// Add appends a copy of newRule, assigns the next 1-based ordinal, and
// applies the defaulting algorithm from spec.md §4.2. It returns the
// stored rule (not newRule) so the caller can keep mutating its own copy
// without affecting the base.
func (b *RuleBase) Add(newRule Rule, methods GlobalMethods) (*Rule, error) {
	r := newRule
	r.Number = len(b.Rules) + 1

	if err := resolveIfNames(&r); err != nil {
		return nil, fmt.Errorf("rule %d: %w", r.Number, err)
	}

	applyProtocolCommandDefaults(&r, b.Class)
	applyMethodDefaults(&r, b.Class, methods)
	applyVersionDefaults(&r)

	b.Rules = append(b.Rules, &r)
	return &r, nil
}

func resolveIfNames(r *Rule) error {
	for _, addr := range []*socksaddr.RuleAddr{&r.Src, &r.Dst} {
		if addr.Atype != socksaddr.IfName {
			continue
		}
		ip, mask, extra, err := socksaddr.IfaceToIPv4(addr.IfName)
		if err != nil {
			return err
		}
		if extra > 0 {
			logging.Warn(fmt.Sprintf("interface %q has %d additional IPv4 addresses beyond the one used for this rule", addr.IfName, extra))
		}
		addr.Atype = socksaddr.IPv4
		addr.IP = ip
		addr.Mask = mask
	}
	return nil
}

// applyProtocolCommandDefaults implements spec.md §4.2 step 3: coupling
// between protocol and command when only one of the two was set.
func applyProtocolCommandDefaults(r *Rule, class Class) {
	var zero CommandSet
	var zeroProto ProtocolSet

	protoSet := r.State.Protocol != zeroProto
	cmdSet := r.State.Command != zero

	switch {
	case !protoSet && !cmdSet:
		r.State.Protocol = allProtocols()
		r.State.Command = allCommands()

	case protoSet && !cmdSet:
		r.State.Command = commandsForProtocol(r.State.Protocol)

	case !protoSet && cmdSet:
		r.State.Protocol = protocolForCommands(r.State.Command)

	default:
		// Both set: warn if commands imply a protocol the rule hasn't enabled.
		implied := protocolForCommands(r.State.Command)
		if implied.TCP && !r.State.Protocol.TCP || implied.UDP && !r.State.Protocol.UDP {
			logging.Warn(fmt.Sprintf("rule %d: enabled commands imply a protocol not enabled on the rule", r.Number))
		}
	}

	_ = class
}

func commandsForProtocol(p ProtocolSet) CommandSet {
	var cs CommandSet
	if p.TCP {
		cs.Bind, cs.BindReply, cs.Connect = true, true, true
	}
	if p.UDP {
		cs.UDPAssociate, cs.UDPReply = true, true
	}
	// Client/hostid pseudo-commands are always implicitly enabled; the
	// engine never filters on them by protocol (spec.md §4.4 step a).
	cs.Accept, cs.BounceTo, cs.HostID = true, true, true
	return cs
}

func protocolForCommands(cs CommandSet) ProtocolSet {
	var p ProtocolSet
	if cs.Bind || cs.BindReply || cs.Connect {
		p.TCP = true
	}
	if cs.UDPAssociate || cs.UDPReply {
		p.UDP = true
	}
	if !p.TCP && !p.UDP {
		p = allProtocols()
	}
	return p
}

// applyMethodDefaults implements spec.md §4.2 step 4.
func applyMethodDefaults(r *Rule, class Class, methods GlobalMethods) {
	if len(r.State.Methods) > 0 {
		return
	}

	global := methods.Socks
	if class != SocksRule {
		global = methods.Client
	}

	cmd := r.State.Command
	replyOnly := (cmd.UDPReply || cmd.BindReply) && !cmd.Bind && !cmd.Connect && !cmd.UDPAssociate
	hasUserBinding := len(r.Users) > 0 || len(r.Groups) > 0 || len(r.LDAPGroups) > 0

	for _, m := range global {
		switch m {
		case sockauth.RFC931:
			if replyOnly {
				continue
			}
		case sockauth.GSSAPI:
			if replyOnly || hasUserBinding {
				continue
			}
		case sockauth.Uname:
			if replyOnly || hasUserBinding {
				continue
			}
		}
		r.State.Methods = append(r.State.Methods, m)
	}
}

func applyVersionDefaults(r *Rule) {
	var zero VersionSet
	if r.State.ProxyVersion == zero {
		r.State.ProxyVersion = allVersions()
	}
}

// Validate performs the structural checks spec.md §4.2 lists.
func Validate(r *Rule, class Class) error {
	if class != SocksRule {
		for _, m := range r.State.Methods {
			if !methodIsClientClassValid(m) {
				return fmt.Errorf("rule %d: method %s is not valid for client/hostid rules", r.Number, m)
			}
		}
	}

	if sockauth.MethodIsSet(sockauth.RFC931, r.State.Methods) && r.State.Command.UDPReply &&
		!(r.State.Command.Accept || r.State.Command.Bind || r.State.Command.Connect || r.State.Command.BounceTo || r.State.Command.HostID || r.State.Command.BindReply) {
		return fmt.Errorf("rule %d: rfc931 and a pure udpreply command are mutually exclusive", r.Number)
	}

	if (len(r.Users) > 0 || len(r.Groups) > 0) && !methodsCanProvideUsername(r.State.Methods) {
		return fmt.Errorf("rule %d: user/group requires at least one username-capable method", r.Number)
	}

	if r.RedirectFrom != nil && r.RedirectFrom.Atype == socksaddr.Domain {
		return fmt.Errorf("rule %d: redirection source must be bindable (ipv4), not a domain", r.Number)
	}
	if r.RedirectTo != nil && r.RedirectTo.Atype != socksaddr.IPv4 && r.RedirectTo.Atype != socksaddr.Domain {
		return fmt.Errorf("rule %d: redirection target must be ipv4 or domain", r.Number)
	}

	return nil
}

// methodIsClientClassValid implements spec.md §4.2's "a non-socks-rule
// may only carry client-class-valid methods": PAM and BSDAuth are
// terminal backends that consult credentials a UNAME/RFC931 exchange
// already collected, which only happens once the socks-rule's request
// is being evaluated; a client- or hostid-rule is matched before that
// exchange exists, so it may only name methods usable at that point.
func methodIsClientClassValid(m sockauth.Method) bool {
	switch m {
	case sockauth.None, sockauth.Uname, sockauth.RFC931, sockauth.GSSAPI:
		return true
	default:
		return false
	}
}

func methodsCanProvideUsername(methods []sockauth.Method) bool {
	for _, m := range methods {
		switch m {
		case sockauth.Uname, sockauth.RFC931, sockauth.PAM, sockauth.BSDAuth, sockauth.GSSAPI:
			return true
		}
	}
	return false
}
