// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package socksession

import (
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksaddr"
)

// ListenerKey identifies one internal listening socket by address and
// protocol, used to deduplicate the UDP listeners UDP-associate synthesis
// adds (spec.md §4.5: "deduplication by address+protocol index").
type ListenerKey struct {
	Addr     string
	Protocol socksaddr.Protocol
}

// ListenerSet tracks the internal listener list the dispatcher binds,
// growing it idempotently as UDP-associate client-rules are processed.
type ListenerSet struct {
	seen map[ListenerKey]bool
	list []ListenerKey
}

// NewListenerSet creates an empty set.
func NewListenerSet() *ListenerSet {
	return &ListenerSet{seen: make(map[ListenerKey]bool)}
}

// Add registers key if not already present, returning whether it was new.
func (s *ListenerSet) Add(key ListenerKey) bool {
	if s.seen[key] {
		return false
	}
	s.seen[key] = true
	s.list = append(s.list, key)
	return true
}

// All returns the listener keys in insertion order.
func (s *ListenerSet) All() []ListenerKey {
	return append([]ListenerKey(nil), s.list...)
}

// SynthesizedRules is the pair of socks-rules a UDP-enabled client-rule
// generates, per spec.md §4.5 / Scenario C.
type SynthesizedRules struct {
	Outbound *sockrule.Rule
	Inbound  *sockrule.Rule
}

// SynthesizeUDPAssociate builds the outbound (`udpassociate`, dst=bounceTo)
// and inbound (`udpreply`, src=bounceTo or wildcard) rules a client-rule
// enabling UDP implies, and registers bounceTo's address with listeners so
// the dispatcher binds it exactly once.
//
// udpConnectDst mirrors dante's udpconnectdst config flag: when true, the
// inbound rule requires datagrams to originate from bounceTo; when false,
// any source is accepted (a wildcard src rule).
func SynthesizeUDPAssociate(base *sockrule.RuleBase, methods sockrule.GlobalMethods, bounceTo socksaddr.RuleAddr, udpConnectDst bool, listeners *ListenerSet) (SynthesizedRules, error) {
	outbound := sockrule.Rule{
		Verdict: sockrule.Pass,
		Dst:     bounceTo,
		State: sockrule.RuleState{
			Command:  sockrule.CommandSet{UDPAssociate: true},
			Protocol: sockrule.ProtocolSet{UDP: true},
		},
	}
	outRule, err := base.Add(outbound, methods)
	if err != nil {
		return SynthesizedRules{}, err
	}

	inbound := sockrule.Rule{
		Verdict: sockrule.Pass,
		State: sockrule.RuleState{
			Command:  sockrule.CommandSet{UDPReply: true},
			Protocol: sockrule.ProtocolSet{UDP: true},
		},
	}
	if udpConnectDst {
		inbound.Src = bounceTo
	}
	inRule, err := base.Add(inbound, methods)
	if err != nil {
		return SynthesizedRules{}, err
	}

	switch bounceTo.Atype {
	case socksaddr.IPv4:
		listeners.Add(ListenerKey{Addr: bounceTo.IP.String(), Protocol: socksaddr.UDP})
	case socksaddr.Domain:
		listeners.Add(ListenerKey{Addr: bounceTo.Domain, Protocol: socksaddr.UDP})
	}

	return SynthesizedRules{Outbound: outRule, Inbound: inRule}, nil
}
