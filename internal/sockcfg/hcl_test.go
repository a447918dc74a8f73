// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sockcfg

import (
	"testing"

	"grimm.is/sockd/internal/sockauth"
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksaddr"
)

const minimalDoc = `
client_methods = ["none"]
socks_methods  = ["none"]

listener "tcp" {
  address = "0.0.0.0:1080"
}

client_rule {
  verdict = "pass"
  src     = "*"
  dst     = "*"
}

socks_rule {
  verdict  = "pass"
  src      = "*"
  dst      = "*"
  command  = ["connect"]
  protocol = ["tcp"]
}
`

func TestLoadBytes_Minimal(t *testing.T) {
	cfg, err := LoadBytes("minimal.hcl", []byte(minimalDoc))
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.ClientRule.Rules) != 1 {
		t.Fatalf("expected one client rule, got %d", len(cfg.ClientRule.Rules))
	}
	if len(cfg.SocksRule.Rules) != 1 {
		t.Fatalf("expected one socks rule, got %d", len(cfg.SocksRule.Rules))
	}
	if len(cfg.Listeners) != 1 || cfg.Listeners[0].Network != "tcp" {
		t.Fatalf("expected one tcp listener, got %+v", cfg.Listeners)
	}

	rule := cfg.SocksRule.Rules[0]
	if !rule.State.Command.Connect {
		t.Error("expected connect command enabled on socks rule")
	}
	if len(rule.State.Methods) != 1 || rule.State.Methods[0] != sockauth.None {
		t.Errorf("expected method default to carry the configured none method, got %v", rule.State.Methods)
	}
}

const udpAssociateDoc = `
client_rule {
  verdict   = "pass"
  src       = "*"
  dst       = "*"
  command   = ["udpassociate"]
  protocol  = ["udp"]
  bounce_to = "203.0.113.1"
}
`

func TestLoadBytes_UDPAssociateSynthesizesRulesAndListener(t *testing.T) {
	cfg, err := LoadBytes("udp.hcl", []byte(udpAssociateDoc))
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.ClientRule.Rules) != 1 {
		t.Fatalf("expected one client rule, got %d", len(cfg.ClientRule.Rules))
	}
	if len(cfg.SocksRule.Rules) != 2 {
		t.Fatalf("expected synthesis to add exactly two socks rules, got %d", len(cfg.SocksRule.Rules))
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("expected exactly one synthesized listener, got %d", len(cfg.Listeners))
	}
	if cfg.Listeners[0].Network != "udp" || cfg.Listeners[0].Address != "203.0.113.1" {
		t.Errorf("unexpected synthesized listener: %+v", cfg.Listeners[0])
	}

	outbound, inbound := cfg.SocksRule.Rules[0], cfg.SocksRule.Rules[1]
	if !outbound.State.Command.UDPAssociate {
		t.Error("expected first synthesized rule to be the outbound udpassociate rule")
	}
	if !inbound.State.Command.UDPReply {
		t.Error("expected second synthesized rule to be the inbound udpreply rule")
	}
}

func TestLoadBytes_UDPAssociateDedupesListenerAcrossRules(t *testing.T) {
	doc := `
client_rule {
  verdict   = "pass"
  command   = ["udpassociate"]
  protocol  = ["udp"]
  bounce_to = "203.0.113.1"
}
client_rule {
  verdict   = "pass"
  command   = ["udpassociate"]
  protocol  = ["udp"]
  bounce_to = "203.0.113.1"
}
`
	cfg, err := LoadBytes("udp-dup.hcl", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Listeners) != 1 {
		t.Fatalf("expected listener dedup across client rules, got %d", len(cfg.Listeners))
	}
	if len(cfg.SocksRule.Rules) != 4 {
		t.Fatalf("expected two synthesized rules per client rule, got %d", len(cfg.SocksRule.Rules))
	}
}

func TestParseRuleAddr(t *testing.T) {
	cases := []struct {
		in    string
		atype socksaddr.AddrType
	}{
		{"*", socksaddr.IPv4},
		{"", socksaddr.IPv4},
		{"10.0.0.0/8", socksaddr.IPv4},
		{"192.0.2.1", socksaddr.IPv4},
		{"domain:example.com", socksaddr.Domain},
		{"if:eth0", socksaddr.IfName},
	}
	for _, c := range cases {
		addr, err := parseRuleAddr(c.in)
		if err != nil {
			t.Errorf("parseRuleAddr(%q): %v", c.in, err)
			continue
		}
		if addr.Atype != c.atype {
			t.Errorf("parseRuleAddr(%q): got atype %v, want %v", c.in, addr.Atype, c.atype)
		}
	}

	if _, err := parseRuleAddr("not an address"); err == nil {
		t.Error("expected an error for a malformed rule address")
	}
}

func TestParsePort(t *testing.T) {
	cases := []struct {
		in string
		op socksaddr.PortOp
	}{
		{"", socksaddr.PortNone},
		{"80", socksaddr.PortEq},
		{">=1024", socksaddr.PortGe},
		{"<1024", socksaddr.PortLt},
		{"!=22", socksaddr.PortNe},
		{"1024-2048", socksaddr.PortRange},
	}
	for _, c := range cases {
		p, err := parsePort(c.in)
		if err != nil {
			t.Errorf("parsePort(%q): %v", c.in, err)
			continue
		}
		if p.Op != c.op {
			t.Errorf("parsePort(%q): got op %v, want %v", c.in, p.Op, c.op)
		}
	}

	rangePort, err := parsePort("1024-2048")
	if err != nil {
		t.Fatal(err)
	}
	if rangePort.TCP != 1024 || rangePort.PortEnd != 2048 {
		t.Errorf("unexpected range bounds: %+v", rangePort)
	}

	if _, err := parsePort("not-a-port"); err == nil {
		t.Error("expected an error for a malformed port")
	}
}

func TestBuild_TimeoutsSrcHostAndBackend(t *testing.T) {
	doc := `
timeouts {
  tcp_idle  = 60
  udp_idle  = 30
  negotiate = 5
  connect   = 10
}

srchost {
  nodnsunknown  = true
  nodnsmismatch = false
  resolver      = "127.0.0.1:53"
  timeout       = 2
}

backend {
  ident_service = "ident"
  pam_service   = "sockd"
}

bind_pool {
  rotation = "same-same"
  address  = ["198.51.100.1", "198.51.100.2"]
}
`
	cfg, err := LoadBytes("ambient.hcl", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Timeouts.TCPIdle != 60 || cfg.Timeouts.Connect != 10 {
		t.Errorf("unexpected timeouts: %+v", cfg.Timeouts)
	}
	if !cfg.SrcHost.NoDNSUnknown || cfg.SrcHost.Resolver != "127.0.0.1:53" {
		t.Errorf("unexpected srchost config: %+v", cfg.SrcHost)
	}
	if cfg.Backend.IdentService != "ident" || cfg.Backend.PAMService != "sockd" {
		t.Errorf("unexpected backend config: %+v", cfg.Backend)
	}
	if cfg.BindPool.Rotation != RotationSameSame || len(cfg.BindPool.Addresses) != 2 {
		t.Errorf("unexpected bind pool: %+v", cfg.BindPool)
	}
}

func TestLoadBytes_InvalidVerdictDefaultsToBlock(t *testing.T) {
	doc := `
client_rule {
  verdict = "nonsense"
}
`
	cfg, err := LoadBytes("bad-verdict.hcl", []byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ClientRule.Rules[0].Verdict != sockrule.Block {
		t.Error("expected an unrecognized verdict string to default to block, not silently pass")
	}
}
