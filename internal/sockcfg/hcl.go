// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package sockcfg

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"grimm.is/sockd/internal/errors"
	"grimm.is/sockd/internal/hostcheck"
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksaddr"
	"grimm.is/sockd/internal/socksession"
	"grimm.is/sockd/internal/validation"
)

// rawFile is the HCL decode target, the schema half of the teacher's
// ConfigFile/LoadConfigFile pairing (internal/config/hcl.go). Unlike the
// teacher, sockd's config is replace-only on reload (spec.md §9's
// copy-on-write snapshot swap, not a merge), so the hclwrite round-trip,
// structured diff, and schema-migration machinery that file builds on top
// of hclsimple.Decode have no equivalent here — see DESIGN.md.
type rawFile struct {
	HostAccess    bool   `hcl:"host_access,optional"`
	UDPConnectDst bool   `hcl:"udp_connect_dst,optional"`
	PIDFile       string `hcl:"pid_file,optional"`

	ClientMethods []string `hcl:"client_methods,optional"`
	SocksMethods  []string `hcl:"socks_methods,optional"`

	Listener []rawListener `hcl:"listener,block"`
	BindPool *rawBindPool  `hcl:"bind_pool,block"`
	Timeouts *rawTimeouts  `hcl:"timeouts,block"`
	SrcHost  *rawSrcHost   `hcl:"srchost,block"`
	Backend  *rawBackend   `hcl:"backend,block"`

	ClientRule []rawRule `hcl:"client_rule,block"`
	HostidRule []rawRule `hcl:"hostid_rule,block"`
	SocksRule  []rawRule `hcl:"socks_rule,block"`
}

type rawListener struct {
	Protocol string `hcl:"protocol,label"`
	Address  string `hcl:"address"`
}

type rawBindPool struct {
	Rotation string   `hcl:"rotation,optional"`
	Address  []string `hcl:"address,optional"`
}

type rawTimeouts struct {
	TCPIdle   int `hcl:"tcp_idle,optional"`
	UDPIdle   int `hcl:"udp_idle,optional"`
	Negotiate int `hcl:"negotiate,optional"`
	Connect   int `hcl:"connect,optional"`
}

type rawSrcHost struct {
	NoDNSUnknown  bool   `hcl:"nodnsunknown,optional"`
	NoDNSMismatch bool   `hcl:"nodnsmismatch,optional"`
	Resolver      string `hcl:"resolver,optional"`
	TimeoutSec    int    `hcl:"timeout,optional"`
}

type rawBackend struct {
	IdentService string `hcl:"ident_service,optional"`
	PAMService   string `hcl:"pam_service,optional"`
	GSSAPIKeytab string `hcl:"gssapi_keytab,optional"`
	LDAPServer   string `hcl:"ldap_server,optional"`
}

type rawRule struct {
	Verdict  string   `hcl:"verdict"`
	Src      string   `hcl:"src,optional"`
	Dst      string   `hcl:"dst,optional"`
	Port     string   `hcl:"port,optional"`
	Command  []string `hcl:"command,optional"`
	Protocol []string `hcl:"protocol,optional"`
	Version  []string `hcl:"version,optional"`
	Method   []string `hcl:"method,optional"`
	Users    []string `hcl:"users,optional"`
	Groups   []string `hcl:"groups,optional"`

	BounceTo string `hcl:"bounce_to,optional"`

	HostIDAddr  string `hcl:"hostid,optional"`
	HostIDIndex int    `hcl:"hostindex,optional"`

	BandwidthShmID int `hcl:"bandwidth_shmid,optional"`
	SessionShmID   int `hcl:"session_shmid,optional"`

	LogConnect    bool `hcl:"log_connect,optional"`
	LogDisconnect bool `hcl:"log_disconnect,optional"`
}

// LoadFile reads and parses path, building a Config.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "read config file")
	}
	return LoadBytes(path, data)
}

// LoadBytes decodes data (an HCL document named filename for diagnostics)
// into a Config, applying every rule-base defaulting/validation pass and
// UDP-associate synthesis along the way.
func LoadBytes(filename string, data []byte) (*Config, error) {
	var raw rawFile
	if err := hclsimple.Decode(filename, data, nil, &raw); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decode config")
	}
	return build(&raw)
}

func build(raw *rawFile) (*Config, error) {
	methods := sockrule.GlobalMethods{
		Client: methodsFromStrings(raw.ClientMethods),
		Socks:  methodsFromStrings(raw.SocksMethods),
	}

	clientBase := &sockrule.RuleBase{Class: sockrule.ClientRule}
	socksBase := &sockrule.RuleBase{Class: sockrule.SocksRule}
	hostidBase := &sockrule.RuleBase{Class: sockrule.HostidRule}

	listeners := socksession.NewListenerSet()
	for _, l := range raw.Listener {
		proto := socksaddr.TCP
		if l.Protocol == "udp" {
			proto = socksaddr.UDP
		}
		listeners.Add(socksession.ListenerKey{Addr: l.Address, Protocol: proto})
	}

	for i, rr := range raw.ClientRule {
		rule, err := buildRule(rr)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "client_rule[%d]", i)
		}
		stored, err := clientBase.Add(rule, methods)
		if err != nil {
			return nil, err
		}
		if err := sockrule.Validate(stored, sockrule.ClientRule); err != nil {
			return nil, err
		}

		if rr.BounceTo != "" {
			bounceTo, err := parseRuleAddr(rr.BounceTo)
			if err != nil {
				return nil, errors.Wrapf(err, errors.KindValidation, "client_rule[%d].bounce_to", i)
			}
			if _, err := socksession.SynthesizeUDPAssociate(socksBase, methods, bounceTo, raw.UDPConnectDst, listeners); err != nil {
				return nil, err
			}
		}
	}

	for i, rr := range raw.HostidRule {
		rule, err := buildRule(rr)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "hostid_rule[%d]", i)
		}
		stored, err := hostidBase.Add(rule, methods)
		if err != nil {
			return nil, err
		}
		if err := sockrule.Validate(stored, sockrule.HostidRule); err != nil {
			return nil, err
		}
	}

	for i, rr := range raw.SocksRule {
		rule, err := buildRule(rr)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindValidation, "socks_rule[%d]", i)
		}
		stored, err := socksBase.Add(rule, methods)
		if err != nil {
			return nil, err
		}
		if err := sockrule.Validate(stored, sockrule.SocksRule); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		ClientRule:    clientBase,
		HostidRule:    hostidBase,
		SocksRule:     socksBase,
		Methods:       methods,
		HostAccess:    raw.HostAccess,
		UDPConnectDst: raw.UDPConnectDst,
		PIDFile:       raw.PIDFile,
	}

	for _, key := range listeners.All() {
		network := "tcp"
		if key.Protocol == socksaddr.UDP {
			network = "udp"
		}
		cfg.Listeners = append(cfg.Listeners, Listener{Network: network, Address: key.Addr})
	}

	if raw.BindPool != nil {
		cfg.BindPool.Rotation = ParseRotationPolicy(raw.BindPool.Rotation)
		for _, a := range raw.BindPool.Address {
			ip := net.ParseIP(a)
			if ip == nil {
				return nil, errors.Errorf(errors.KindValidation, "bind_pool: invalid address %q", a)
			}
			cfg.BindPool.Addresses = append(cfg.BindPool.Addresses, ip)
		}
	}

	if raw.Timeouts != nil {
		cfg.Timeouts = sockrule.Timeouts{
			TCPIdle:   raw.Timeouts.TCPIdle,
			UDPIdle:   raw.Timeouts.UDPIdle,
			Negotiate: raw.Timeouts.Negotiate,
			Connect:   raw.Timeouts.Connect,
		}
	}

	if raw.SrcHost != nil {
		cfg.SrcHost = hostcheck.Config{
			NoDNSUnknown:  raw.SrcHost.NoDNSUnknown,
			NoDNSMismatch: raw.SrcHost.NoDNSMismatch,
			Resolver:      raw.SrcHost.Resolver,
			Timeout:       time.Duration(raw.SrcHost.TimeoutSec) * time.Second,
		}
	}

	if raw.Backend != nil {
		cfg.Backend = BackendConfig{
			IdentService: raw.Backend.IdentService,
			PAMService:   raw.Backend.PAMService,
			GSSAPIKeytab: raw.Backend.GSSAPIKeytab,
			LDAPServer:   raw.Backend.LDAPServer,
		}
	}

	return cfg, nil
}

func buildRule(rr rawRule) (sockrule.Rule, error) {
	var rule sockrule.Rule

	rule.Verdict = parseVerdict(rr.Verdict)

	if rr.Src != "" {
		src, err := parseRuleAddr(rr.Src)
		if err != nil {
			return rule, err
		}
		rule.Src = src
	}
	if rr.Dst != "" {
		dst, err := parseRuleAddr(rr.Dst)
		if err != nil {
			return rule, err
		}
		rule.Dst = dst
	}
	if rr.Port != "" {
		port, err := parsePort(rr.Port)
		if err != nil {
			return rule, err
		}
		rule.Dst.Port = port
	}

	rule.State.Command = commandSetFromStrings(rr.Command)
	rule.State.Protocol = protocolSetFromStrings(rr.Protocol)
	rule.State.ProxyVersion = versionSetFromStrings(rr.Version)
	rule.State.Methods = methodsFromStrings(rr.Method)

	rule.Users = append([]string(nil), rr.Users...)
	rule.Groups = append([]string(nil), rr.Groups...)

	rule.BandwidthShmID = rr.BandwidthShmID
	rule.SessionShmID = rr.SessionShmID
	rule.Log = sockrule.LogFlags{Connect: rr.LogConnect, Disconnect: rr.LogDisconnect}

	if rr.HostIDAddr != "" {
		addr, err := parseRuleAddr(rr.HostIDAddr)
		if err != nil {
			return rule, err
		}
		rule.HostID = &sockrule.HostID{Addr: addr, Index: rr.HostIDIndex}
	}

	return rule, nil
}

func parseVerdict(s string) sockrule.Verdict {
	if s == "pass" {
		return sockrule.Pass
	}
	return sockrule.Block
}

func parseRuleAddr(s string) (socksaddr.RuleAddr, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return socksaddr.RuleAddr{Atype: socksaddr.IPv4, IP: net.IPv4zero, Mask: net.IPv4(0, 0, 0, 0)}, nil
	}
	if name, ok := strings.CutPrefix(s, "domain:"); ok {
		return socksaddr.RuleAddr{Atype: socksaddr.Domain, Domain: name}, nil
	}
	if name, ok := strings.CutPrefix(s, "if:"); ok {
		if err := validation.ValidateInterfaceName(name); err != nil {
			return socksaddr.RuleAddr{}, err
		}
		return socksaddr.RuleAddr{Atype: socksaddr.IfName, IfName: name}, nil
	}

	if _, ipnet, err := net.ParseCIDR(s); err == nil {
		return socksaddr.RuleAddr{Atype: socksaddr.IPv4, IP: ipnet.IP, Mask: net.IP(ipnet.Mask)}, nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return socksaddr.RuleAddr{Atype: socksaddr.IPv4, IP: ip.To4(), Mask: net.IPv4(255, 255, 255, 255)}, nil
	}
	return socksaddr.RuleAddr{}, errors.Errorf(errors.KindValidation, "invalid rule address %q", s)
}

func parsePort(s string) (socksaddr.Port, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return socksaddr.Port{Op: socksaddr.PortNone}, nil
	}

	op := socksaddr.PortEq
	switch {
	case strings.HasPrefix(s, ">="):
		op, s = socksaddr.PortGe, s[2:]
	case strings.HasPrefix(s, "<="):
		op, s = socksaddr.PortLe, s[2:]
	case strings.HasPrefix(s, "!="):
		op, s = socksaddr.PortNe, s[2:]
	case strings.HasPrefix(s, "="):
		op, s = socksaddr.PortEq, s[1:]
	case strings.HasPrefix(s, ">"):
		op, s = socksaddr.PortGt, s[1:]
	case strings.HasPrefix(s, "<"):
		op, s = socksaddr.PortLt, s[1:]
	}
	s = strings.TrimSpace(s)

	if idx := strings.Index(s, "-"); idx > 0 && op == socksaddr.PortEq {
		start, err1 := strconv.Atoi(strings.TrimSpace(s[:idx]))
		end, err2 := strconv.Atoi(strings.TrimSpace(s[idx+1:]))
		if err1 != nil || err2 != nil {
			return socksaddr.Port{}, errors.Errorf(errors.KindValidation, "invalid port range %q", s)
		}
		return socksaddr.Port{TCP: uint16(start), UDP: uint16(start), Op: socksaddr.PortRange, PortEnd: uint16(end)}, nil
	}

	n, err := strconv.Atoi(s)
	if err != nil {
		return socksaddr.Port{}, errors.Errorf(errors.KindValidation, "invalid port %q", s)
	}
	return socksaddr.Port{TCP: uint16(n), UDP: uint16(n), Op: op}, nil
}

func commandSetFromStrings(names []string) sockrule.CommandSet {
	var cs sockrule.CommandSet
	for _, n := range names {
		switch n {
		case "accept":
			cs.Accept = true
		case "bounceto":
			cs.BounceTo = true
		case "hostid":
			cs.HostID = true
		case "bind":
			cs.Bind = true
		case "connect":
			cs.Connect = true
		case "udpassociate":
			cs.UDPAssociate = true
		case "bindreply":
			cs.BindReply = true
		case "udpreply":
			cs.UDPReply = true
		}
	}
	return cs
}

func protocolSetFromStrings(names []string) sockrule.ProtocolSet {
	var ps sockrule.ProtocolSet
	for _, n := range names {
		switch n {
		case "tcp":
			ps.TCP = true
		case "udp":
			ps.UDP = true
		}
	}
	return ps
}

func versionSetFromStrings(names []string) sockrule.VersionSet {
	var vs sockrule.VersionSet
	for _, n := range names {
		switch n {
		case "socksv4", "socks4":
			vs.SOCKSv4 = true
		case "socksv5", "socks5":
			vs.SOCKSv5 = true
		case "http":
			vs.HTTP = true
		}
	}
	return vs
}
