// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hostcheck

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"

	"grimm.is/sockd/internal/socksaddr"
)

// fakeDNS answers PTR queries for one fixed address and A queries for one
// fixed name, mirroring the teacher's own dns.Server{PacketConn, Handler}
// construction (internal/services/dns/service.go).
type fakeDNS struct {
	ptrName string // answer for the PTR query, "" means NXDOMAIN
	aAddr   net.IP // answer for the forward-confirm A query
}

func (f *fakeDNS) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetReply(r)
	q := r.Question[0]
	switch q.Qtype {
	case dns.TypePTR:
		if f.ptrName != "" {
			m.Answer = append(m.Answer, &dns.PTR{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypePTR, Class: dns.ClassINET, Ttl: 60},
				Ptr: f.ptrName,
			})
		}
	case dns.TypeA:
		if f.aAddr != nil {
			m.Answer = append(m.Answer, &dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   f.aAddr,
			})
		}
	}
	w.WriteMsg(m)
}

func startFakeDNS(t *testing.T, h dns.Handler) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	srv := &dns.Server{PacketConn: pc, Handler: h}
	go srv.ActivateAndServe()
	t.Cleanup(func() { srv.Shutdown() })
	return pc.LocalAddr().String()
}

func TestChecker_NoFlagsSetAlwaysPasses(t *testing.T) {
	c := &Checker{Config: Config{}}
	ok, _ := c.Check(context.Background(), socksaddr.SocksHost{Atype: socksaddr.HostIPv4, IP: net.IPv4(1, 2, 3, 4)})
	if !ok {
		t.Error("expected pass when neither NoDNSUnknown nor NoDNSMismatch is set")
	}
}

func TestChecker_NoDNSUnknownRejectsMissingPTR(t *testing.T) {
	addr := startFakeDNS(t, &fakeDNS{})
	c := &Checker{Config: Config{NoDNSUnknown: true, Resolver: addr, Timeout: time.Second}}
	ok, msg := c.Check(context.Background(), socksaddr.SocksHost{Atype: socksaddr.HostIPv4, IP: net.IPv4(127, 0, 0, 2)})
	if ok {
		t.Error("expected rejection for a peer with no PTR record")
	}
	if msg == "" {
		t.Error("expected a non-empty rejection message")
	}
}

func TestChecker_NoDNSMismatchAcceptsConfirmedForward(t *testing.T) {
	peer := net.IPv4(127, 0, 0, 3)
	addr := startFakeDNS(t, &fakeDNS{ptrName: "client.example.com.", aAddr: peer})
	c := &Checker{Config: Config{NoDNSMismatch: true, Resolver: addr, Timeout: time.Second}}
	ok, _ := c.Check(context.Background(), socksaddr.SocksHost{Atype: socksaddr.HostIPv4, IP: peer})
	if !ok {
		t.Error("expected acceptance when the forward lookup confirms the peer address")
	}
}

func TestChecker_NoDNSMismatchRejectsUnconfirmedForward(t *testing.T) {
	peer := net.IPv4(127, 0, 0, 4)
	wrong := net.IPv4(127, 0, 0, 5)
	addr := startFakeDNS(t, &fakeDNS{ptrName: "client.example.com.", aAddr: wrong})
	c := &Checker{Config: Config{NoDNSMismatch: true, Resolver: addr, Timeout: time.Second}}
	ok, msg := c.Check(context.Background(), socksaddr.SocksHost{Atype: socksaddr.HostIPv4, IP: peer})
	if ok {
		t.Error("expected rejection when the forward lookup does not confirm the peer address")
	}
	if msg == "" {
		t.Error("expected a non-empty rejection message")
	}
}

func TestChecker_DomainHostsSkipTheCheck(t *testing.T) {
	c := &Checker{Config: Config{NoDNSUnknown: true, Resolver: "127.0.0.1:1"}}
	ok, _ := c.Check(context.Background(), socksaddr.SocksHost{Atype: socksaddr.HostDomain, Name: "already-a-name.example.com"})
	if !ok {
		t.Error("a domain-typed host has nothing to reverse-resolve and should pass unconditionally")
	}
}
