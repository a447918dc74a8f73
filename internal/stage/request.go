// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stage

import (
	"bufio"
	"context"
	"net"

	"grimm.is/sockd/internal/aclengine"
	"grimm.is/sockd/internal/errors"
	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksaddr"
	"grimm.is/sockd/internal/socksession"
	"grimm.is/sockd/internal/socksproto"
)

// Dialer abstracts the outbound connect so tests can substitute a fake
// without binding a real external interface.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

type netDialer struct{ d net.Dialer }

func (n netDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return n.d.DialContext(ctx, network, addr)
}

// DefaultDialer dials outbound with the standard library, matching
// dante's plain-TCP/UDP external connect (spec.md §6).
var DefaultDialer Dialer = netDialer{}

func commandFor(c sockproto4or5Command) sockrule.Command {
	switch c {
	case cmdBind:
		return sockrule.CmdBind
	case cmdUDPAssociate:
		return sockrule.CmdUDPAssociate
	default:
		return sockrule.CmdConnect
	}
}

// RequestWorker reads the decoded SOCKS/HTTP request, consults the
// socks-rule base, and dials the destination (spec.md §4.8's Request
// contract). UDP ASSOCIATE is handled by socksession.SynthesizeUDPAssociate
// upstream of this worker; by the time a UDPAssociate command reaches
// here it is only rule-checked, not relayed (that happens in the IO
// worker's own listener).
type RequestWorker struct {
	Engine  *aclengine.Engine
	Dialer  Dialer
	Metrics RuleVerdictRecorder
}

// Handle parses the request from br, evaluates it against the
// socks-rule base, replies, and — on PASS for CONNECT/BIND — dials the
// destination and returns the established connection.
func (w *RequestWorker) Handle(ctx context.Context, conn net.Conn, br *bufio.Reader, sess *socksession.SessionRecord) (net.Conn, error) {
	version := sess.Conn.ProxyVersion

	var req request
	var err error
	switch version {
	case sockrule.VersionSOCKS5:
		req, err = readSOCKS5Request(br)
	case sockrule.VersionHTTP10, sockrule.VersionHTTP11:
		req, err = readHTTPConnectRequest(br)
	default:
		req, err = readSOCKS4Request(br)
	}
	if err != nil {
		sess.Fail(err)
		return nil, err
	}

	sess.Conn.Command = commandFor(req.Command)
	sess.Dst = &req.Dst

	dialer := w.Dialer
	if dialer == nil {
		dialer = DefaultDialer
	}

	in := aclengine.Inputs{
		Command:      sess.Conn.Command,
		Protocol:     socksaddr.TCP,
		ProxyVersion: version,
		PeerAddr:     addrString(sess.Peer),
		LocalAddr:    addrString(sess.Local),
		ClientAuth:   sess.ClientAuth,
		ProposedAuth: sess.Auth,
		Src:          sess.Src,
		Dst:          sess.Dst,
	}
	result := w.Engine.RulesPermit(ctx, in)
	recordVerdict(w.Metrics, "socks", result.Verdict)
	sess.Auth = result.Auth
	sess.MatchedRule = result.Rule

	if result.Verdict != sockrule.Pass {
		writeRequestFailure(conn, version)
		err := errors.Errorf(errors.KindPermission, "request: %s", result.Message)
		sess.Fail(err)
		logging.Info("request blocked", "peer", sess.Peer, "dst", req.Dst.String(), "rule", ruleNumber(result.Rule))
		return nil, err
	}

	if req.Command == cmdUDPAssociate {
		if err := sess.Transition(socksession.Relaying); err != nil {
			sess.Fail(err)
			return nil, err
		}
		writeRequestSuccess(conn, version, conn.LocalAddr())
		return nil, nil
	}

	dst, err := dialer.DialContext(ctx, "tcp", req.Dst.DialAddr())
	if err != nil {
		writeRequestFailure(conn, version)
		sess.Fail(err)
		logging.Info("outbound connect failed", "peer", sess.Peer, "dst", req.Dst.String(), "err", err)
		return nil, err
	}

	if err := writeRequestSuccess(conn, version, dst.LocalAddr()); err != nil {
		dst.Close()
		sess.Fail(err)
		return nil, err
	}

	if err := sess.Transition(socksession.Relaying); err != nil {
		dst.Close()
		sess.Fail(err)
		return nil, err
	}
	return dst, nil
}

func writeRequestSuccess(conn net.Conn, version sockrule.ProxyVersion, bound net.Addr) error {
	switch version {
	case sockrule.VersionSOCKS5:
		return writeSOCKS5Reply(conn, socksproto.ReplySucceeded, bound)
	case sockrule.VersionHTTP10, sockrule.VersionHTTP11:
		return writeHTTPConnectReply(conn, true)
	default:
		return writeSOCKS4Reply(conn, socksproto.SOCKS4Granted)
	}
}

func writeRequestFailure(conn net.Conn, version sockrule.ProxyVersion) {
	switch version {
	case sockrule.VersionSOCKS5:
		_ = writeSOCKS5Reply(conn, socksproto.ReplyNotAllowed, conn.LocalAddr())
	case sockrule.VersionHTTP10, sockrule.VersionHTTP11:
		_ = writeHTTPConnectReply(conn, false)
	default:
		_ = writeSOCKS4Reply(conn, socksproto.SOCKS4Rejected)
	}
}
