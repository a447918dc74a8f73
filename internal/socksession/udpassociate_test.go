// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package socksession

import (
	"net"
	"testing"

	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksaddr"
)

func TestSynthesizeUDPAssociate_ConnectedDst(t *testing.T) {
	base := &sockrule.RuleBase{Class: sockrule.SocksRule}
	listeners := NewListenerSet()
	bounceTo := socksaddr.RuleAddr{Atype: socksaddr.IPv4, IP: net.ParseIP("203.0.113.1").To4(), Mask: net.IPv4(255, 255, 255, 255).To4()}

	rules, err := SynthesizeUDPAssociate(base, sockrule.GlobalMethods{Socks: nil}, bounceTo, true, listeners)
	if err != nil {
		t.Fatal(err)
	}

	if !rules.Outbound.State.Command.UDPAssociate {
		t.Error("expected outbound rule to enable udpassociate")
	}
	if rules.Outbound.Dst.Atype != socksaddr.IPv4 {
		t.Error("expected outbound rule dst to be bounceTo")
	}
	if !rules.Inbound.State.Command.UDPReply {
		t.Error("expected inbound rule to enable udpreply")
	}
	if rules.Inbound.Src.Atype != socksaddr.IPv4 {
		t.Error("expected connected-dst inbound rule to require src=bounceTo")
	}

	if len(listeners.All()) != 1 {
		t.Fatalf("expected exactly one listener registered, got %d", len(listeners.All()))
	}
}

func TestSynthesizeUDPAssociate_WildcardSrcWhenNotConnected(t *testing.T) {
	base := &sockrule.RuleBase{Class: sockrule.SocksRule}
	listeners := NewListenerSet()
	bounceTo := socksaddr.RuleAddr{Atype: socksaddr.IPv4, IP: net.ParseIP("203.0.113.1").To4(), Mask: net.IPv4(255, 255, 255, 255).To4()}

	rules, err := SynthesizeUDPAssociate(base, sockrule.GlobalMethods{}, bounceTo, false, listeners)
	if err != nil {
		t.Fatal(err)
	}
	if rules.Inbound.Src.Atype != socksaddr.NotSet {
		t.Error("expected wildcard (unset) src on the inbound rule when udpConnectDst is false")
	}
}

func TestListenerSet_DedupesByAddressAndProtocol(t *testing.T) {
	listeners := NewListenerSet()
	k := ListenerKey{Addr: "203.0.113.1", Protocol: socksaddr.UDP}
	if !listeners.Add(k) {
		t.Error("expected first add to report new")
	}
	if listeners.Add(k) {
		t.Error("expected duplicate add to report not-new")
	}
	if len(listeners.All()) != 1 {
		t.Errorf("expected one listener after dedup, got %d", len(listeners.All()))
	}
}

func TestSynthesizeUDPAssociate_RunsRuleDefaulting(t *testing.T) {
	base := &sockrule.RuleBase{Class: sockrule.SocksRule}
	listeners := NewListenerSet()
	bounceTo := socksaddr.RuleAddr{Atype: socksaddr.IPv4, IP: net.ParseIP("203.0.113.1").To4(), Mask: net.IPv4(255, 255, 255, 255).To4()}

	rules, err := SynthesizeUDPAssociate(base, sockrule.GlobalMethods{}, bounceTo, true, listeners)
	if err != nil {
		t.Fatal(err)
	}
	if rules.Outbound.Number != 1 || rules.Inbound.Number != 2 {
		t.Errorf("expected dense ordinals assigned by Add, got %d,%d", rules.Outbound.Number, rules.Inbound.Number)
	}
	if !rules.Outbound.State.ProxyVersion.SOCKSv5 {
		t.Error("expected version defaulting applied to synthesized rules")
	}
}
