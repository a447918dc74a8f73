// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package stage

import (
	"context"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksession"
	"grimm.is/sockd/internal/socksproto"
	"grimm.is/sockd/internal/workerpool"
)

// socketpair mirrors internal/workerpool's test helper of the same shape:
// a real SOCK_STREAM socketpair so ack writes/reads exercise actual file
// descriptors rather than an in-memory stand-in.
func socketpair() (*net.UnixConn, *net.UnixConn, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, err
	}
	a, err := fdToUnixConn(fds[0])
	if err != nil {
		return nil, nil, err
	}
	b, err := fdToUnixConn(fds[1])
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func fdToUnixConn(fd int) (*net.UnixConn, error) {
	f := os.NewFile(uintptr(fd), "socketpair")
	c, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, err
	}
	return c.(*net.UnixConn), nil
}

type countingCounters struct {
	shmid int
	total int64
}

func (c *countingCounters) AddBytes(shmid int, n int64) {
	if shmid == c.shmid {
		c.total += n
	}
}

func TestIOWorker_RelayCopiesBothDirectionsAndAcks(t *testing.T) {
	clientOuter, clientInner := net.Pipe()
	dstOuter, dstInner := net.Pipe()

	ackServer, ackClient, err := socketpair()
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer ackClient.Close()

	counters := &countingCounters{shmid: 7}
	w := &IOWorker{Counters: counters}
	sess := socksession.New(&net.TCPAddr{}, &net.TCPAddr{})
	sess.State = socksession.Relaying

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- w.Relay(context.Background(), clientInner, dstInner, nil, sess, ackServer)
	}()

	// Each side writes first, then waits for its reply, then closes —
	// closing early on a net.Pipe half-closes nothing, it tears down the
	// whole conn, so a close must wait until that side is done both
	// sending and receiving.
	clientGot := make(chan string, 1)
	go func() {
		clientOuter.Write([]byte("hello dst"))
		buf := make([]byte, 9)
		io.ReadFull(clientOuter, buf)
		clientGot <- string(buf)
		clientOuter.Close()
	}()

	dstGot := make(chan string, 1)
	go func() {
		buf := make([]byte, 9)
		io.ReadFull(dstOuter, buf)
		dstGot <- string(buf)
		dstOuter.Write([]byte("hi client"))
		dstOuter.Close()
	}()

	if got := <-dstGot; got != "hello dst" {
		t.Errorf("dst got %q, want %q", got, "hello dst")
	}
	if got := <-clientGot; got != "hi client" {
		t.Errorf("client got %q, want %q", got, "hi client")
	}

	if err := <-relayDone; err != nil && err != io.EOF {
		t.Fatalf("Relay returned unexpected error: %v", err)
	}

	if sess.State != socksession.Closed {
		t.Errorf("expected session Closed after relay teardown, got %v", sess.State)
	}

	ackClient.SetReadDeadline(time.Now().Add(time.Second))
	ack := make([]byte, 1)
	if _, err := ackClient.Read(ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack[0] != byte(workerpool.AckFreeSlotTCP) {
		t.Errorf("expected AckFreeSlotTCP, got %v", ack[0])
	}
}

func TestIOWorker_RelayUDPEchoesThroughDestination(t *testing.T) {
	relay, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen relay: %v", err)
	}
	defer relay.Close()

	echo, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen echo: %v", err)
	}
	defer echo.Close()

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := echo.ReadFromUDP(buf)
			if err != nil {
				return
			}
			echo.WriteToUDP(buf[:n], from)
		}
	}()

	client, err := net.DialUDP("udp", nil, relay.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("dial client side: %v", err)
	}
	defer client.Close()

	w := &IOWorker{}
	sess := socksession.New(&net.TCPAddr{}, &net.TCPAddr{})
	sess.State = socksession.Relaying
	rule := &sockrule.Rule{Timeouts: sockrule.Timeouts{UDPIdle: 1}}

	relayDone := make(chan error, 1)
	go func() {
		relayDone <- w.RelayUDP(context.Background(), relay, rule, sess, nil)
	}()

	echoAddr := echo.LocalAddr().(*net.UDPAddr)
	header := socksproto.EncodeUDPHeader(socksproto.ATYPIPv4, echoAddr.IP.To4(), uint16(echoAddr.Port))
	payload := append(append([]byte(nil), header...), []byte("ping")...)
	if _, err := client.Write(payload); err != nil {
		t.Fatalf("write datagram: %v", err)
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1500)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	hdr, rest, err := socksproto.DecodeUDPHeader(buf[:n])
	if err != nil {
		t.Fatalf("decode reply header: %v", err)
	}
	if string(rest) != "ping" {
		t.Errorf("expected echoed payload %q, got %q", "ping", rest)
	}
	if hdr.Port != uint16(echoAddr.Port) {
		t.Errorf("expected reply header port %d, got %d", echoAddr.Port, hdr.Port)
	}

	select {
	case <-relayDone:
	case <-time.After(3 * time.Second):
		t.Fatal("RelayUDP did not return after its idle timeout elapsed")
	}
}
