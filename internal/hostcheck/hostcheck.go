// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hostcheck implements the synchronous source-host sanity check
// (spec.md §4.9): a reverse lookup on the peer address, optionally
// confirmed by a forward lookup on the name it returns. It satisfies
// aclengine.SourceHostChecker.
package hostcheck

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"grimm.is/sockd/internal/errors"
	"grimm.is/sockd/internal/socksaddr"
)

// Config mirrors dante's srchost.* settings (spec.md §4.9, §6).
type Config struct {
	// NoDNSUnknown rejects a peer with no PTR record.
	NoDNSUnknown bool

	// NoDNSMismatch requires the forward lookup of the PTR name to
	// include the peer's address.
	NoDNSMismatch bool

	// Resolver is the nameserver address ("host:port") queried for both
	// the PTR and the confirming A/AAAA lookup. Defaults to the first
	// nameserver in /etc/resolv.conf when empty; if that file cannot be
	// read or lists no nameserver, Check passes every peer.
	Resolver string

	// Timeout bounds each individual DNS exchange.
	Timeout time.Duration
}

const defaultTimeout = 2 * time.Second

// Checker performs Config's sanity check against a miekg/dns client, the
// same dns.Client/dns.Client.Exchange pairing the teacher's own
// internal/services/dns package uses to forward queries upstream.
type Checker struct {
	Config Config
}

// Check implements aclengine.SourceHostChecker.
func (c *Checker) Check(ctx context.Context, host socksaddr.SocksHost) (bool, string) {
	if !c.Config.NoDNSUnknown && !c.Config.NoDNSMismatch {
		return true, ""
	}
	if host.Atype == socksaddr.HostDomain {
		return true, "" // already a name, not an address to reverse-resolve
	}

	client := &dns.Client{Net: "udp", Timeout: c.timeout()}
	server := c.Config.Resolver
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(conf.Servers) == 0 {
			return true, "" // no resolver available: nothing to check against
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}

	names, err := c.reverse(ctx, client, server, host.IP)
	if err != nil || len(names) == 0 {
		if c.Config.NoDNSUnknown {
			return false, "no reverse DNS record for " + host.IP.String()
		}
		return true, ""
	}

	if !c.Config.NoDNSMismatch {
		return true, ""
	}

	for _, name := range names {
		ips, err := c.forward(ctx, client, server, name)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if ip.Equal(host.IP) {
				return true, ""
			}
		}
	}
	return false, "reverse DNS name " + strings.Join(names, ",") + " does not resolve back to " + host.IP.String()
}

func (c *Checker) timeout() time.Duration {
	if c.Config.Timeout > 0 {
		return c.Config.Timeout
	}
	return defaultTimeout
}

func (c *Checker) reverse(ctx context.Context, client *dns.Client, server string, ip net.IP) ([]string, error) {
	arpa, err := dns.ReverseAddr(ip.String())
	if err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "build reverse lookup name")
	}
	m := new(dns.Msg)
	m.SetQuestion(arpa, dns.TypePTR)
	m.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "ptr exchange")
	}
	var names []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			names = append(names, ptr.Ptr)
		}
	}
	return names, nil
}

func (c *Checker) forward(ctx context.Context, client *dns.Client, server, name string) ([]net.IP, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.RecursionDesired = true

	resp, _, err := client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "forward confirm exchange")
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
		if aaaa, ok := rr.(*dns.AAAA); ok {
			ips = append(ips, aaaa.AAAA)
		}
	}
	return ips, nil
}
