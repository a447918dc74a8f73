// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package stage implements the three C8 stage-worker bodies: Negotiate,
// Request and IO. Each is single-threaded over one client connection at a
// time (spec.md §4.8); a real process topology runs many of these
// concurrently, one per forked child, fed by internal/workerpool.
package stage

import (
	"bufio"
	"context"
	"net"

	"grimm.is/sockd/internal/aclengine"
	"grimm.is/sockd/internal/errors"
	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/sockauth"
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksaddr"
	"grimm.is/sockd/internal/socksession"
	"grimm.is/sockd/internal/socksproto"
)

// wireMethodFor maps a selected AuthMethod onto the byte a SOCKSv5
// client actually sees. RFC931/PAM/BSDAuth are never offered over the
// wire — dante performs them transparently once the client has agreed to
// NONE — so they all report as NONE here.
func wireMethodFor(m sockauth.Method) byte {
	switch m {
	case sockauth.Uname:
		return 0x02
	case sockauth.GSSAPI:
		return 0x01
	case sockauth.None, sockauth.RFC931, sockauth.PAM, sockauth.BSDAuth:
		return 0x00
	default:
		return 0xFF
	}
}

func proxyVersionFor(v socksproto.Version) sockrule.ProxyVersion {
	switch v {
	case socksproto.SOCKS5:
		return sockrule.VersionSOCKS5
	case socksproto.HTTPConnect:
		return sockrule.VersionHTTP11
	default:
		return sockrule.VersionSOCKS4
	}
}

// RuleVerdictRecorder receives one observation per rule-base evaluation;
// internal/sockdmetrics implements it as a labeled Prometheus counter. Left
// nil, verdicts simply go unrecorded.
type RuleVerdictRecorder interface {
	RecordRuleVerdict(base, verdict string)
}

func recordVerdict(rec RuleVerdictRecorder, base string, v sockrule.Verdict) {
	if rec == nil {
		return
	}
	if v == sockrule.Pass {
		rec.RecordRuleVerdict(base, "pass")
	} else {
		rec.RecordRuleVerdict(base, "block")
	}
}

// NegotiateWorker performs method negotiation and the client-rule pass
// (spec.md §4.8's Negotiate contract).
type NegotiateWorker struct {
	Engine  *aclengine.Engine
	Metrics RuleVerdictRecorder
}

// Handle reads the client's opening handshake, selects an auth method via
// the client-rule base, and replies. On PASS the connection is left
// positioned exactly where the Request worker needs to continue reading
// (no request bytes are consumed for SOCKS4/HTTP CONNECT, which have no
// separate negotiation phase on the wire).
func (w *NegotiateWorker) Handle(ctx context.Context, conn net.Conn, sess *socksession.SessionRecord) (*bufio.Reader, error) {
	if err := sess.Transition(socksession.Negotiating); err != nil {
		return nil, err
	}

	br := bufio.NewReader(conn)
	version, err := sniffVersion(br)
	if err != nil {
		sess.Fail(err)
		return nil, err
	}
	sess.Conn.ProxyVersion = proxyVersionFor(version)

	var offered []byte
	if version == socksproto.SOCKS5 {
		offered, err = readSOCKS5Methods(br)
		if err != nil {
			sess.Fail(err)
			return nil, err
		}
	}

	in := aclengine.Inputs{
		Command:      sockrule.CmdAccept,
		Protocol:     socksaddr.TCP,
		ProxyVersion: sess.Conn.ProxyVersion,
		PeerAddr:     addrString(sess.Peer),
		LocalAddr:    addrString(sess.Local),
		ProposedAuth: sockauth.AuthState{Method: sockauth.None},
	}
	result := w.Engine.RulesPermit(ctx, in)
	recordVerdict(w.Metrics, "client", result.Verdict)

	wire := wireMethodFor(result.Auth.Method)
	if result.Verdict != sockrule.Pass || (version == socksproto.SOCKS5 && !hasWireMethod(offered, wire)) {
		if version == socksproto.SOCKS5 {
			_ = writeSOCKS5MethodReply(conn, 0xFF)
		}
		err := errors.Errorf(errors.KindPermission, "negotiate: %s", result.Message)
		sess.Fail(err)
		logging.Info("negotiate blocked", "peer", sess.Peer, "rule", ruleNumber(result.Rule))
		return nil, err
	}

	if version == socksproto.SOCKS5 {
		if err := writeSOCKS5MethodReply(conn, wire); err != nil {
			sess.Fail(err)
			return nil, err
		}
	}

	sess.Auth = result.Auth
	sess.ClientAuth = &result.Auth

	if err := sess.Transition(socksession.Requested); err != nil {
		sess.Fail(err)
		return nil, err
	}
	return br, nil
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func ruleNumber(r *sockrule.Rule) int {
	if r == nil {
		return 0
	}
	return r.Number
}
