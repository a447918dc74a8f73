// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package socksaddr holds the address and port value types the rule
// engine matches against: the rule-authoring side (RuleAddr) and the
// match-time side (SocksHost), plus the pure comparison functions between
// them.
package socksaddr

import (
	"fmt"
	"net"
	"strings"
)

// AddrType discriminates a RuleAddr.
type AddrType int

const (
	NotSet AddrType = iota
	IPv4
	Domain
	IfName
)

func (t AddrType) String() string {
	switch t {
	case IPv4:
		return "ipv4"
	case Domain:
		return "domain"
	case IfName:
		return "ifname"
	default:
		return "notset"
	}
}

// HostType discriminates a SocksHost, the resolved-endpoint counterpart
// of RuleAddr used at match time.
type HostType int

const (
	HostIPv4 HostType = iota
	HostIPv6
	HostDomain
)

// PortOp is the relational operator a rule applies to a port value.
type PortOp int

const (
	PortNone PortOp = iota
	PortEq
	PortNe
	PortGe
	PortLe
	PortGt
	PortLt
	PortRange
)

// Protocol selects which half of a Port (tcp or udp) is consulted.
type Protocol int

const (
	TCP Protocol = iota
	UDP
)

// Port carries both the TCP and UDP port values (plain port numbers in
// host byte order, compared directly against Matches' candidate) plus the operator that relates them to a packet's
// port. Only one of tcp/udp is meaningful per protocol at match time; both
// fields are populated identically by the rule loader unless the rule
// targets one protocol specifically.
type Port struct {
	TCP     uint16
	UDP     uint16
	Op      PortOp
	PortEnd uint16 // upper bound, inclusive, when Op == PortRange
}

func (p Port) forProtocol(proto Protocol) uint16 {
	if proto == UDP {
		return p.UDP
	}
	return p.TCP
}

// Matches reports whether candidate (host byte order) satisfies the
// port's operator for the given protocol.
func (p Port) Matches(proto Protocol, candidate uint16) bool {
	switch p.Op {
	case PortNone:
		return true
	case PortEq:
		return candidate == p.forProtocol(proto)
	case PortNe:
		return candidate != p.forProtocol(proto)
	case PortGe:
		return candidate >= p.forProtocol(proto)
	case PortLe:
		return candidate <= p.forProtocol(proto)
	case PortGt:
		return candidate > p.forProtocol(proto)
	case PortLt:
		return candidate < p.forProtocol(proto)
	case PortRange:
		start := p.forProtocol(proto)
		if p.PortEnd < start {
			// A reversed range never matches; see spec boundary behavior.
			return false
		}
		return candidate >= start && candidate <= p.PortEnd
	default:
		return false
	}
}

// RuleAddr is the address half of a rule's src/dst (or hostid, bounce-to,
// redirection target). It is authored against one of four tags.
type RuleAddr struct {
	Atype AddrType

	// IPv4 fields, valid when Atype == IPv4. Both are in network byte
	// order, matching dante's in_addr storage.
	IP   net.IP
	Mask net.IP

	// Domain fields, valid when Atype == Domain.
	Domain string

	// IfName fields, valid only between authoring and the rule loader's
	// defaulting pass (see sockrule.RuleBase.Add); never seen by AddrMatch,
	// which only operates on resolved IPv4/Domain rules.
	IfName string

	Port Port
}

// SocksHost is the resolved endpoint used at match time: the type that is
// actually known about a peer or destination, as opposed to however the
// rule that might match it was authored.
type SocksHost struct {
	Atype HostType
	IP    net.IP // valid for HostIPv4/HostIPv6
	Name  string // valid for HostDomain
	Port  uint16 // host byte order
}

func (h SocksHost) String() string {
	switch h.Atype {
	case HostDomain:
		return fmt.Sprintf("%s.%d", h.Name, h.Port)
	default:
		return fmt.Sprintf("%s.%d", h.IP, h.Port)
	}
}

// DialAddr renders h as a "host:port" pair suitable for net.Dial, as
// opposed to String's dante-style dotted log notation.
func (h SocksHost) DialAddr() string {
	host := h.Name
	if h.Atype != HostDomain {
		host = h.IP.String()
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", h.Port))
}

// Resolver looks up the IPv4 addresses a domain name resolves to, used by
// AddrMatch's alias-expansion path. Implementations are expected to be a
// thin wrapper over net.LookupIP or an equivalent cache; it is treated as
// an external collaborator the same way dante treats libc's resolver.
type Resolver interface {
	LookupIPv4(name string) ([]net.IP, error)
}

// AddrMatch reports whether host matches rule under the given protocol.
// alias, when true, additionally allows a Domain rule to match an IPv4
// host if the rule's name resolves (via resolver) to that address — the
// "alias expansion" the spec's Open Questions section calls out as an
// explicit opt-in rather than dante's inconsistent default.
func AddrMatch(rule RuleAddr, host SocksHost, proto Protocol, alias bool, resolver Resolver) bool {
	if rule.Atype == NotSet {
		return false
	}

	if !rule.Port.Matches(proto, host.Port) {
		return false
	}

	switch rule.Atype {
	case IPv4:
		var candidate net.IP
		switch host.Atype {
		case HostIPv4:
			candidate = host.IP
		case HostDomain:
			if !alias || resolver == nil {
				return false
			}
			ips, err := resolver.LookupIPv4(host.Name)
			if err != nil {
				return false
			}
			for _, ip := range ips {
				if ipMaskEqual(rule.IP, rule.Mask, ip) {
					return true
				}
			}
			return false
		default:
			return false
		}
		return ipMaskEqual(rule.IP, rule.Mask, candidate)

	case Domain:
		switch host.Atype {
		case HostDomain:
			return strings.EqualFold(rule.Domain, host.Name)
		case HostIPv4:
			if !alias || resolver == nil {
				return false
			}
			ips, err := resolver.LookupIPv4(rule.Domain)
			if err != nil {
				return false
			}
			for _, ip := range ips {
				if ip.Equal(host.IP) {
					return true
				}
			}
			return false
		default:
			return false
		}

	case IfName:
		// Invariant: the rule loader resolves IfName to IPv4 before the
		// rule base is ever handed to the engine; AddrMatch should never
		// see one. Treat it as a hard no-match rather than panicking so a
		// malformed snapshot degrades to "deny" instead of crashing a
		// worker mid-session.
		return false

	default:
		return false
	}
}

func ipMaskEqual(ruleIP, mask, candidate net.IP) bool {
	ruleIP4 := ruleIP.To4()
	mask4 := mask.To4()
	cand4 := candidate.To4()
	if ruleIP4 == nil || mask4 == nil || cand4 == nil {
		return false
	}
	for i := 0; i < net.IPv4len; i++ {
		if ruleIP4[i]&mask4[i] != cand4[i]&mask4[i] {
			return false
		}
	}
	return true
}

// IfaceToIPv4 resolves a network interface name to its first IPv4 address
// and netmask, as dante's ifname2sockaddr() does for rules authored with
// an interface name instead of a literal address/mask.
func IfaceToIPv4(name string) (ip, mask net.IP, extraAddrs int, err error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("resolve interface %q: %w", name, err)
	}

	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("addrs for interface %q: %w", name, err)
	}

	var found bool
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		v4 := ipNet.IP.To4()
		if v4 == nil {
			continue
		}
		if !found {
			ip, mask = v4, net.IP(ipNet.Mask)
			found = true
			continue
		}
		extraAddrs++
	}

	if !found {
		return nil, nil, 0, fmt.Errorf("interface %q has no IPv4 address", name)
	}
	return ip, mask, extraAddrs, nil
}
