// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stage

import (
	"context"
	"io"
	"net"
	"time"

	"grimm.is/sockd/internal/errors"
	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksession"
	"grimm.is/sockd/internal/socksproto"
	"grimm.is/sockd/internal/workerpool"
)

// BandwidthCounters is the shared-memory-counter stand-in (spec.md §5's
// "ref-counted shared-memory regions for bandwidth and session
// counters"); internal/sockdmetrics implements it as Prometheus gauges. A
// nil value disables accounting rather than erroring, matching every
// other optional collaborator in this core.
type BandwidthCounters interface {
	AddBytes(shmid int, n int64)
}

const defaultIdleTimeout = 5 * time.Minute

// IOWorker relays bytes between the client and the destination until EOF
// or error, then reports a free slot back over ack (spec.md §4.8's IO
// contract).
type IOWorker struct {
	Counters BandwidthCounters
}

// Relay copies bytes bidirectionally between client and dst, applying
// rule's idle timeout and bandwidth shmid, logging per rule.Log, and
// finally reporting the slot free over ack. It returns once both
// directions have finished (one side's EOF triggers the other's close,
// mirroring a half-duplex TCP proxy's usual teardown).
func (w *IOWorker) Relay(ctx context.Context, client, dst net.Conn, rule *sockrule.Rule, sess *socksession.SessionRecord, ack *net.UnixConn) error {
	if rule != nil && rule.Log.Connect {
		logging.Info("session connect", "session", sess.ID, "peer", sess.Peer, "dst", dst.RemoteAddr())
	}

	idle := defaultIdleTimeout
	if rule != nil && rule.Timeouts.TCPIdle > 0 {
		idle = time.Duration(rule.Timeouts.TCPIdle) * time.Second
	}

	errc := make(chan error, 2)
	go func() { errc <- w.copySide(client, dst, rule, idle) }()
	go func() { errc <- w.copySide(dst, client, rule, idle) }()

	var first error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && first == nil {
			first = err
		}
	}

	client.Close()
	dst.Close()

	if rule != nil && rule.Log.Disconnect {
		logging.Info("session disconnect", "session", sess.ID, "err", first)
	}
	if err := sess.Transition(socksession.Closed); err != nil {
		sess.Fail(err)
	}

	if ack != nil {
		_, _ = ack.Write([]byte{byte(workerpool.AckFreeSlotTCP)})
	}
	return first
}

func (w *IOWorker) copySide(dst, src net.Conn, rule *sockrule.Rule, idle time.Duration) error {
	shmid := 0
	if rule != nil {
		shmid = rule.BandwidthShmID
	}
	n, err := io.Copy(dst, &deadlineReader{Conn: src, idle: idle})
	if w.Counters != nil && shmid != 0 {
		w.Counters.AddBytes(shmid, n)
	}
	if cw, ok := dst.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
	return err
}

// deadlineReader resets its read deadline before each Read, turning
// net.Conn's absolute deadline into an idle timeout.
type deadlineReader struct {
	net.Conn
	idle time.Duration
}

func (r *deadlineReader) Read(p []byte) (int, error) {
	if r.idle > 0 {
		_ = r.SetReadDeadline(time.Now().Add(r.idle))
	}
	return r.Conn.Read(p)
}

// RelayUDP forwards datagrams for one UDP-associate session (spec.md
// §4.8/§6). Client-to-destination datagrams arrive SOCKSv5-encapsulated
// on relay (the socket bound for this association); each distinct
// destination gets its own outbound *net.UDPConn, dialed lazily on first
// use, with a reader goroutine that re-encapsulates replies and writes
// them back to the one client address the association serves.
// Fragmented datagrams are dropped, matching DecodeUDPHeader's refusal
// to reassemble them.
func (w *IOWorker) RelayUDP(ctx context.Context, relay *net.UDPConn, rule *sockrule.Rule, sess *socksession.SessionRecord, ack *net.UnixConn) error {
	idle := defaultIdleTimeout
	if rule != nil && rule.Timeouts.UDPIdle > 0 {
		idle = time.Duration(rule.Timeouts.UDPIdle) * time.Second
	}

	var clientAddr *net.UDPAddr
	outbound := make(map[string]*net.UDPConn)
	defer func() {
		for _, c := range outbound {
			c.Close()
		}
	}()

	buf := make([]byte, 65507)
	for {
		_ = relay.SetReadDeadline(time.Now().Add(idle))
		n, from, err := relay.ReadFromUDP(buf)
		if err != nil {
			break
		}
		if clientAddr == nil {
			clientAddr = from
		}
		if from.String() != clientAddr.String() {
			continue // ignore datagrams from anyone but the bound client
		}

		hdr, payload, err := socksproto.DecodeUDPHeader(buf[:n])
		if err != nil {
			continue
		}
		dstAddr, err := udpAddrFromHeader(hdr)
		if err != nil {
			continue
		}

		out, ok := outbound[dstAddr.String()]
		if !ok {
			out, err = net.DialUDP("udp", nil, dstAddr)
			if err != nil {
				continue
			}
			outbound[dstAddr.String()] = out
			go w.pumpUDPReplies(out, relay, clientAddr, rule)
		}

		sent, err := out.Write(payload)
		if err == nil && w.Counters != nil && rule != nil && rule.BandwidthShmID != 0 {
			w.Counters.AddBytes(rule.BandwidthShmID, int64(sent))
		}
	}

	if rule != nil && rule.Log.Disconnect {
		logging.Info("udp association closed", "session", sess.ID)
	}
	if ack != nil {
		_, _ = ack.Write([]byte{byte(workerpool.AckFreeSlotUDP)})
	}
	return nil
}

// pumpUDPReplies relays datagrams arriving on out back to clientAddr
// through relay, re-encapsulated with a SOCKSv5 UDP header naming the
// replying destination, until out is closed.
func (w *IOWorker) pumpUDPReplies(out *net.UDPConn, relay *net.UDPConn, clientAddr *net.UDPAddr, rule *sockrule.Rule) {
	buf := make([]byte, 65507)
	for {
		n, from, err := out.ReadFromUDP(buf)
		if err != nil {
			return
		}
		atyp, wireAddr := wireAddrFor(from)
		header := socksproto.EncodeUDPHeader(atyp, wireAddr, uint16(from.Port))
		if _, err := relay.WriteToUDP(append(header, buf[:n]...), clientAddr); err != nil {
			return
		}
		if w.Counters != nil && rule != nil && rule.BandwidthShmID != 0 {
			w.Counters.AddBytes(rule.BandwidthShmID, int64(n))
		}
	}
}

func udpAddrFromHeader(h socksproto.UDPHeader) (*net.UDPAddr, error) {
	switch h.AddrType {
	case socksproto.ATYPIPv4, socksproto.ATYPIPv6:
		return &net.UDPAddr{IP: net.IP(h.Addr), Port: int(h.Port)}, nil
	case socksproto.ATYPDomain:
		ips, err := net.LookupIP(h.Domain)
		if err != nil || len(ips) == 0 {
			return nil, errors.Errorf(errors.KindUnavailable, "resolve udp destination %q", h.Domain)
		}
		return &net.UDPAddr{IP: ips[0], Port: int(h.Port)}, nil
	default:
		return nil, errors.Errorf(errors.KindValidation, "unsupported udp address type")
	}
}

func wireAddrFor(addr *net.UDPAddr) (socksproto.AddrType, []byte) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		return socksproto.ATYPIPv4, ip4
	}
	return socksproto.ATYPIPv6, addr.IP.To16()
}
