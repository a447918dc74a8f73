// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package workerpool tracks the slots of one stage's worker children and
// transfers session objects (with their descriptors) to them over
// UNIX-domain sockets, per spec.md §4.6. fd passing uses net.UnixConn's
// Write/ReadMsgUnix plus golang.org/x/sys/unix.UnixRights, the same
// ancillary-data idiom the retrieved doublezero uping sender/listener use
// for IP_PKTINFO control messages, applied here to SCM_RIGHTS.
package workerpool

import (
	"net"

	"golang.org/x/sys/unix"

	"grimm.is/sockd/internal/errors"
)

// StageType identifies which of the three worker pools a slot belongs to.
type StageType int

const (
	Negotiate StageType = iota
	Request
	IO
)

// AckCommand is the one-byte command an ack pipe carries back to the
// dispatcher (spec.md §4.6 recv_ack).
type AckCommand byte

const (
	AckNop AckCommand = iota
	AckFreeSlotTCP
	AckFreeSlotUDP
	AckEOF
)

// WorkerSlot is one child process's bookkeeping record.
type WorkerSlot struct {
	PID  int
	Type StageType

	Data *net.UnixConn // data pipe: session objects + descriptors flow out
	Ack  *net.UnixConn // ack pipe: one-byte commands flow in

	FreeC int // free slots remaining
	SentC int // monotonic count of objects sent

	// HasUDPSession is the barefoot-UDP exclusivity flag: at most one
	// UDP session may be outstanding on an IO child at a time.
	HasUDPSession bool
}

// MaxSlots is the per-type slot capacity of a whole stage; cmd/sockd
// divides it evenly among that stage's children, and uses one fixed value
// per stage rather than dante's per-process -N flag.
var MaxSlots = map[StageType]int{
	Negotiate: 64,
	Request:   64,
	IO:        256,
}

// Pool is the ordered list of slots for one stage.
type Pool struct {
	Type  StageType
	Slots []*WorkerSlot
}

// NewPool creates an empty pool for stage.
func NewPool(stage StageType) *Pool {
	return &Pool{Type: stage}
}

// FreeTotal sums FreeC across every slot, the stage's aggregate free
// capacity that internal/sockdmetrics reports (spec.md §4.6's
// invariant: aggregate capacity = Σ free slots across children).
func (p *Pool) FreeTotal() int {
	total := 0
	for _, s := range p.Slots {
		total += s.FreeC
	}
	return total
}

// NextChild returns the first slot with a free slot satisfying the
// UDP-session exclusivity rule: a barefoot-UDP session may not land on a
// slot that already has one outstanding.
func (p *Pool) NextChild(proto UDPKind) *WorkerSlot {
	for _, s := range p.Slots {
		if s.FreeC <= 0 {
			continue
		}
		if proto == UDPExclusive && s.HasUDPSession {
			continue
		}
		return s
	}
	return nil
}

// UDPKind distinguishes an ordinary dispatch from one that must respect
// the barefoot-UDP one-session-per-child exclusivity rule.
type UDPKind int

const (
	AnySession UDPKind = iota
	UDPExclusive
)

// Add registers a newly forked child's slot.
func (p *Pool) Add(slot *WorkerSlot) {
	p.Slots = append(p.Slots, slot)
}

// Remove closes slot's pipes, drops it from the pool, and adjusts nothing
// else — callers (the dispatcher) own aggregate accounting and reaping.
func (p *Pool) Remove(slot *WorkerSlot) {
	if slot.Data != nil {
		_ = slot.Data.Close()
	}
	if slot.Ack != nil {
		_ = slot.Ack.Close()
	}
	for i, s := range p.Slots {
		if s == slot {
			p.Slots = append(p.Slots[:i], p.Slots[i+1:]...)
			return
		}
	}
}

// SendResult classifies send_object's three possible outcomes
// (spec.md §4.6).
type SendResult int

const (
	SendOK SendResult = iota
	SendTransient       // e.g. EWOULDBLOCK; caller should save the object and retry
	SendFatal           // permanent failure; caller should tear down the client
)

// SendObject writes payload to slot's data pipe, passing fds as ancillary
// SCM_RIGHTS data in the same write, so record and descriptors arrive
// atomically from the receiver's point of view.
func SendObject(slot *WorkerSlot, payload []byte, fds []int) (SendResult, error) {
	if slot.Data == nil {
		return SendFatal, errors.Errorf(errors.KindInternal, "worker slot has no data pipe")
	}

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	_, _, err := slot.Data.WriteMsgUnix(payload, oob, nil)
	if err == nil {
		slot.SentC++
		return SendOK, nil
	}

	if isTransient(err) {
		return SendTransient, err
	}
	return SendFatal, err
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}

// RecvAck reads exactly one command byte from slot's ack pipe.
func RecvAck(slot *WorkerSlot) (AckCommand, error) {
	if slot.Ack == nil {
		return AckEOF, errors.Errorf(errors.KindInternal, "worker slot has no ack pipe")
	}
	buf := make([]byte, 1)
	n, err := slot.Ack.Read(buf)
	if err != nil {
		return AckEOF, err
	}
	if n == 0 {
		return AckEOF, nil
	}
	return AckCommand(buf[0]), nil
}

// ApplyAck updates slot's free-count bookkeeping for a received command.
func ApplyAck(slot *WorkerSlot, cmd AckCommand, maxFree int) {
	switch cmd {
	case AckFreeSlotTCP:
		if slot.FreeC < maxFree {
			slot.FreeC++
		}
	case AckFreeSlotUDP:
		slot.HasUDPSession = false
		if slot.FreeC < maxFree {
			slot.FreeC++
		}
	}
}
