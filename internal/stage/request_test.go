// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stage

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"

	"grimm.is/sockd/internal/aclengine"
	"grimm.is/sockd/internal/sockauth"
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksession"
)

func passAllSocksRuleEngine() *aclengine.Engine {
	base := &sockrule.RuleBase{Rules: []*sockrule.Rule{
		{
			Number:  1,
			Verdict: sockrule.Pass,
			State: sockrule.RuleState{
				Command:      sockrule.CommandSet{Connect: true, UDPAssociate: true},
				Protocol:     sockrule.ProtocolSet{TCP: true, UDP: true},
				ProxyVersion: sockrule.VersionSet{SOCKSv4: true, SOCKSv5: true, HTTP: true},
				Methods:      []sockauth.Method{sockauth.None},
			},
		},
	}}
	return &aclengine.Engine{SocksRule: base}
}

func blockAllSocksRuleEngine() *aclengine.Engine {
	base := &sockrule.RuleBase{Rules: []*sockrule.Rule{
		{
			Number:  1,
			Verdict: sockrule.Block,
			State: sockrule.RuleState{
				Command:      sockrule.CommandSet{Connect: true, UDPAssociate: true},
				Protocol:     sockrule.ProtocolSet{TCP: true, UDP: true},
				ProxyVersion: sockrule.VersionSet{SOCKSv4: true, SOCKSv5: true, HTTP: true},
				Methods:      []sockauth.Method{sockauth.None},
			},
		},
	}}
	return &aclengine.Engine{SocksRule: base}
}

type fakeConn struct {
	net.Conn
	local net.Addr
}

func (f fakeConn) LocalAddr() net.Addr { return f.local }
func (f fakeConn) Close() error        { return nil }

type fakeDialer struct {
	conn   net.Conn
	err    error
	called *bool
}

func (d fakeDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if d.called != nil {
		*d.called = true
	}
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func socks5ConnectRequest(ip net.IP, port uint16) []byte {
	req := []byte{0x05, byte(cmdConnect), 0x00, 0x01}
	req = append(req, ip.To4()...)
	req = append(req, byte(port>>8), byte(port))
	return req
}

func TestRequest_SOCKS5ConnectDialsAndReplies(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	dstConn, dstPeer := net.Pipe()
	defer dstPeer.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Write(socks5ConnectRequest(net.IPv4(93, 184, 216, 34), 80))
		reply := make([]byte, 10)
		if _, err := client.Read(reply); err != nil {
			t.Errorf("read request reply: %v", err)
			return
		}
		if reply[1] != 0x00 {
			t.Errorf("expected success reply, got code %#x", reply[1])
		}
	}()

	br := bufio.NewReader(server)
	w := &RequestWorker{
		Engine: passAllSocksRuleEngine(),
		Dialer: fakeDialer{conn: fakeConn{Conn: dstConn, local: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1080}}},
	}
	sess := socksession.New(&net.TCPAddr{}, &net.TCPAddr{})
	sess.Conn.ProxyVersion = sockrule.VersionSOCKS5
	sess.Auth = sockauth.AuthState{Method: sockauth.None} // as left by a NONE negotiate

	dst, err := w.Handle(context.Background(), server, br, sess)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if dst == nil {
		t.Fatal("expected a non-nil destination connection for CONNECT")
	}
	<-done

	if sess.State != socksession.Relaying {
		t.Errorf("expected session Relaying, got %v", sess.State)
	}
}

func TestRequest_BlockedRuleRepliesFailureAndDoesNotDial(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	dialed := false
	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Write(socks5ConnectRequest(net.IPv4(93, 184, 216, 34), 80))
		reply := make([]byte, 10)
		client.Read(reply)
		if reply[1] == 0x00 {
			t.Error("expected a failure reply for a blocked request")
		}
	}()

	br := bufio.NewReader(server)
	w := &RequestWorker{
		Engine: blockAllSocksRuleEngine(),
		Dialer: fakeDialer{err: errors.New("should never be called"), called: &dialed},
	}
	sess := socksession.New(&net.TCPAddr{}, &net.TCPAddr{})
	sess.Conn.ProxyVersion = sockrule.VersionSOCKS5

	if _, err := w.Handle(context.Background(), server, br, sess); err == nil {
		t.Fatal("expected Handle to report an error for a blocked request")
	}
	<-done

	if dialed {
		t.Error("dialer should never be invoked for a blocked request")
	}
	if sess.State != socksession.Failed {
		t.Errorf("expected session Failed, got %v", sess.State)
	}
}
