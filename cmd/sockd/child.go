// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"grimm.is/sockd/internal/dispatch"
	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/socksession"
	"grimm.is/sockd/internal/stage"
	"grimm.is/sockd/internal/workerpool"
)

// sessionRegistry tracks the in-flight SessionRecords a real process
// topology would instead reconstruct on each child from the bytes a fork
// handed it; sockd keeps every stage goroutine in the one process address
// space (see the cmd/sockd entry in DESIGN.md), so the dispatcher's data pipe only ever
// needs to carry the session's ID plus its descriptors, exactly like the
// wire format internal/workerpool.SendObject already commits to.
type sessionRegistry struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*socksession.SessionRecord
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{byID: make(map[uuid.UUID]*socksession.SessionRecord)}
}

func (r *sessionRegistry) put(sess *socksession.SessionRecord) {
	r.mu.Lock()
	r.byID[sess.ID] = sess
	r.mu.Unlock()
}

func (r *sessionRegistry) take(id uuid.UUID) *socksession.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.byID[id]
	delete(r.byID, id)
	return sess
}

// worker is one goroutine-backed stage child: it owns one end of a real
// SOCK_STREAM socketpair and reads session handoffs off it exactly as
// internal/workerpool.SendObject writes them, ancillary SCM_RIGHTS data
// included, so the fd-passing code path is genuinely exercised even
// though no fork(2) happens (spec.md §4.6).
type worker struct {
	stage workerpool.StageType
	data  *net.UnixConn
	ack   *net.UnixConn
}

// readObject blocks for the next session handoff on w.data, returning the
// session ID it names and the descriptors (already converted to net.Conn)
// that arrived alongside it.
func readObject(data *net.UnixConn) (uuid.UUID, []net.Conn, error) {
	buf := make([]byte, 64)
	oob := make([]byte, unix.CmsgSpace(4*2)) // room for up to two fds

	n, oobn, _, _, err := data.ReadMsgUnix(buf, oob)
	if err != nil {
		return uuid.UUID{}, nil, err
	}

	id, err := uuid.ParseBytes(buf[:n])
	if err != nil {
		return uuid.UUID{}, nil, err
	}

	var conns []net.Conn
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err == nil {
			for _, msg := range msgs {
				fds, err := unix.ParseUnixRights(&msg)
				if err != nil {
					continue
				}
				for _, fd := range fds {
					f := os.NewFile(uintptr(fd), "handoff")
					if c, err := net.FileConn(f); err == nil {
						conns = append(conns, c)
					}
					f.Close()
				}
			}
		}
	}
	return id, conns, nil
}

func sendAck(ack *net.UnixConn, cmd workerpool.AckCommand) {
	if ack == nil {
		return
	}
	_, _ = ack.Write([]byte{byte(cmd)})
}

// runNegotiateWorker is the NEGOTIATE stage's child loop: it performs
// method selection and the client-rule pass, then forwards the still-open
// connection to the REQUEST stage over upstream (spec.md §4.8). newWorker
// is called once per handoff so a concurrent config reload (which swaps
// the engine pointer, never mutates the struct it points to) is picked up
// between sessions without any lock in this loop.
func runNegotiateWorker(ctx context.Context, w worker, reg *sessionRegistry, newWorker func() *stage.NegotiateWorker, upstream chan<- dispatch.Envelope) {
	for {
		id, conns, err := readObject(w.data)
		if err != nil {
			return
		}
		if len(conns) == 0 {
			continue
		}
		conn := conns[0]
		sess := reg.take(id)
		if sess == nil {
			conn.Close()
			sendAck(w.ack, workerpool.AckFreeSlotTCP)
			continue
		}

		_, err = newWorker().Handle(ctx, conn, sess)
		if err != nil {
			logging.Info("negotiate stage failed", "session", sess.ID, "err", err)
			conn.Close()
			sendAck(w.ack, workerpool.AckFreeSlotTCP)
			continue
		}

		reg.put(sess)
		upstream <- dispatch.Envelope{Kind: dispatch.RequestObject, Session: sess, FDs: []int{connFD(conn)}}
		sendAck(w.ack, workerpool.AckFreeSlotTCP)
	}
}

// runRequestWorker is the REQUEST stage's child loop: it decodes the
// client's request, consults the socks-rule base, and on PASS dials the
// destination, forwarding both ends to the IO stage. newWorker is called
// once per handoff for the same reload-visibility reason as
// runNegotiateWorker's.
func runRequestWorker(ctx context.Context, w worker, reg *sessionRegistry, newWorker func() *stage.RequestWorker, upstream chan<- dispatch.Envelope) {
	for {
		id, conns, err := readObject(w.data)
		if err != nil {
			return
		}
		if len(conns) == 0 {
			continue
		}
		conn := conns[0]
		sess := reg.take(id)
		if sess == nil {
			conn.Close()
			sendAck(w.ack, workerpool.AckFreeSlotTCP)
			continue
		}

		br := bufio.NewReader(conn)
		dst, err := newWorker().Handle(ctx, conn, br, sess)
		if err != nil {
			logging.Info("request stage failed", "session", sess.ID, "err", err)
			conn.Close()
			sendAck(w.ack, workerpool.AckFreeSlotTCP)
			continue
		}
		if dst == nil {
			// UDP ASSOCIATE: nothing to relay over this TCP connection,
			// the session's UDP listener handles traffic independently.
			sendAck(w.ack, workerpool.AckFreeSlotTCP)
			continue
		}

		reg.put(sess)
		upstream <- dispatch.Envelope{Kind: dispatch.IOObject, Session: sess, FDs: []int{connFD(conn), connFD(dst)}}
		sendAck(w.ack, workerpool.AckFreeSlotTCP)
	}
}

// runIOWorker is the IO stage's child loop: it relays bytes between the
// client and destination until either side closes, then frees its slot.
// Relay itself writes the ack once the relay finishes, matching dante's
// io() reporting a free slot only after the session fully tears down.
func runIOWorker(ctx context.Context, w worker, reg *sessionRegistry, iow *stage.IOWorker) {
	for {
		id, conns, err := readObject(w.data)
		if err != nil {
			return
		}
		if len(conns) < 2 {
			for _, c := range conns {
				c.Close()
			}
			continue
		}
		sess := reg.take(id)
		if sess == nil {
			conns[0].Close()
			conns[1].Close()
			sendAck(w.ack, workerpool.AckFreeSlotTCP)
			continue
		}

		client, dst := conns[0], conns[1]
		rule := sess.MatchedRule
		go func() {
			_ = iow.Relay(ctx, client, dst, rule, sess, w.ack)
		}()
	}
}

// fdRetain keeps the *os.File each dup'd handoff descriptor came from
// reachable until the dispatcher has actually written it into the next
// worker's data pipe; Conn.File()'s returned *os.File carries its own
// finalizer, and since the duplicated fd is the only thing Envelope.FDs
// passes onward, letting that File get garbage-collected mid-flight would
// close the descriptor out from under a send that hasn't happened yet. A
// bounded ring is used instead of holding every handle forever, which
// would leak one descriptor per relayed connection for the daemon's
// lifetime.
var fdRetain = struct {
	mu    sync.Mutex
	order []int
	files map[int]*os.File
}{files: make(map[int]*os.File)}

const fdRetainCap = 4096

func retainFD(f *os.File) int {
	fd := int(f.Fd())
	fdRetain.mu.Lock()
	defer fdRetain.mu.Unlock()
	fdRetain.files[fd] = f
	fdRetain.order = append(fdRetain.order, fd)
	for len(fdRetain.order) > fdRetainCap {
		evict := fdRetain.order[0]
		fdRetain.order = fdRetain.order[1:]
		if ef, ok := fdRetain.files[evict]; ok {
			delete(fdRetain.files, evict)
			ef.Close()
		}
	}
	return fd
}

func connFD(c net.Conn) int {
	type fileConn interface {
		File() (*os.File, error)
	}
	fc, ok := c.(fileConn)
	if !ok {
		return -1
	}
	f, err := fc.File()
	if err != nil {
		return -1
	}
	return retainFD(f)
}
