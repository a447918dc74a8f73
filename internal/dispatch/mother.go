// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dispatch

import (
	"context"
	"net"
	"time"

	"grimm.is/sockd/internal/logging"
	"grimm.is/sockd/internal/socksession"
	"grimm.is/sockd/internal/workerpool"
)

// ObjectKind tags what a dispatcher-owned channel carries between stages.
type ObjectKind int

const (
	ClientObject ObjectKind = iota
	RequestObject
	IOObject
)

// Envelope is a session record plus the descriptors that travel with it
// across a stage handoff (spec.md §4.5/§4.6).
type Envelope struct {
	Kind    ObjectKind
	Session *socksession.SessionRecord
	FDs     []int
}

// Listener is one accept()-able endpoint the dispatcher owns.
type Listener struct {
	net.Listener
	Protocol string // "tcp" or "udp", for accounting/logging only
}

// Mother is the central dispatcher loop (spec.md §4.7). It owns the three
// worker pools plus whatever is currently backpressured ("saved
// objects"), and drives one iteration at a time via Step so tests can
// single-step it instead of racing a goroutine.
type Mother struct {
	Listeners []*Listener

	Negotiate *workerpool.Pool
	Request   *workerpool.Pool
	IO        *workerpool.Pool

	NegotiateThrottle *ChildDeathThrottle
	RequestThrottle   *ChildDeathThrottle
	IOThrottle        *ChildDeathThrottle

	// Upstream is where stage workers deliver finished objects destined
	// for the next pool; a real process topology feeds this from each
	// child's data pipe, multiplexed by the caller.
	Upstream <-chan Envelope

	// Incoming is where freshly accepted connections are announced;
	// the caller's accept loop(s) feed this.
	Incoming <-chan *socksession.SessionRecord

	// saved holds at most one backpressured object per kind, retried
	// exactly once per iteration (spec.md §4.7 step 5).
	saved map[ObjectKind]Envelope

	// ForkChild is how the dispatcher asks for a new child of a given
	// stage; tests substitute a stub, a real process topology forks.
	ForkChild func(stage workerpool.StageType) (*workerpool.WorkerSlot, error)

	// Metrics receives pool occupancy and child-death observations each
	// Step, when set; left nil it is simply skipped.
	Metrics PoolObserver
}

// PoolObserver is the subset of sockdmetrics.Metrics the dispatcher needs,
// kept as an interface here so this package never imports Prometheus
// directly.
type PoolObserver interface {
	ObservePool(stage workerpool.StageType, pool *workerpool.Pool)
	RecordChildDeath(stage workerpool.StageType)
}

// NewMother builds an empty dispatcher over the given pools.
func NewMother(neg, req, io *workerpool.Pool) *Mother {
	return &Mother{
		Negotiate: neg,
		Request:   req,
		IO:        io,
		saved:     make(map[ObjectKind]Envelope),
	}
}

// Run drives Step in a loop until ctx is cancelled (spec.md §4.7's "Central
// loop per iteration"); each iteration's wait policy is zero-timeout when a
// saved object is pending, blocking otherwise, approximated here with a
// short poll interval since Go's channel select already blocks efficiently
// on Upstream/Incoming.
func (m *Mother) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.Step(ctx)
	}
}

// Step runs one iteration: drain acks, retry saved objects, receive
// upstream objects, accept new connections (spec.md §4.7 steps 4-7; step
// 1-3's readiness wait and build-read-set are implicit in Go's channel
// select).
func (m *Mother) Step(ctx context.Context) {
	m.drainAcks(m.Negotiate)
	m.drainAcks(m.Request)
	m.drainAcks(m.IO)

	if m.Metrics != nil {
		m.Metrics.ObservePool(workerpool.Negotiate, m.Negotiate)
		m.Metrics.ObservePool(workerpool.Request, m.Request)
		m.Metrics.ObservePool(workerpool.IO, m.IO)
	}

	m.retrySaved()

	select {
	case env, ok := <-m.Upstream:
		if ok {
			m.route(env)
		}
	case sess, ok := <-m.Incoming:
		if ok {
			m.acceptInto(sess)
		}
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
	}
}

// drainAcks implements spec.md §4.7 step 4: read one byte per ready ack
// pipe and update that child's free count; on EOF, remove the slot.
func (m *Mother) drainAcks(pool *workerpool.Pool) {
	if pool == nil {
		return
	}
	for _, slot := range append([]*workerpool.WorkerSlot(nil), pool.Slots...) {
		if slot.Ack == nil {
			continue
		}
		if err := slot.Ack.SetReadDeadline(time.Now()); err != nil {
			continue
		}
		cmd, err := workerpool.RecvAck(slot)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // no data ready this iteration; not a death
			}
			m.reapChild(pool, slot)
			continue
		}
		if cmd == workerpool.AckEOF {
			m.reapChild(pool, slot)
			continue
		}
		workerpool.ApplyAck(slot, cmd, workerpool.MaxSlots[pool.Type])
	}
}

func (m *Mother) reapChild(pool *workerpool.Pool, slot *workerpool.WorkerSlot) {
	pool.Remove(slot)
	if th := m.throttleFor(pool.Type); th != nil {
		th.RecordDeath(1)
	}
	if m.Metrics != nil {
		m.Metrics.RecordChildDeath(pool.Type)
	}
}

func (m *Mother) throttleFor(stage workerpool.StageType) *ChildDeathThrottle {
	switch stage {
	case workerpool.Negotiate:
		return m.NegotiateThrottle
	case workerpool.Request:
		return m.RequestThrottle
	default:
		return m.IOThrottle
	}
}

// retrySaved implements spec.md §4.7 step 5: retry exactly one send per
// kind that was previously backpressured.
func (m *Mother) retrySaved() {
	for kind, env := range m.saved {
		if m.trySend(env) {
			delete(m.saved, kind)
		}
	}
}

// route implements spec.md §4.7 step 6: hand an upstream object to the
// next pool, saving it on transient backpressure.
func (m *Mother) route(env Envelope) {
	if !m.trySend(env) {
		m.saved[env.Kind] = env
	}
}

func (m *Mother) poolFor(kind ObjectKind) *workerpool.Pool {
	switch kind {
	case ClientObject:
		return m.Negotiate
	case RequestObject:
		return m.Request
	default:
		return m.IO
	}
}

func (m *Mother) trySend(env Envelope) bool {
	pool := m.poolFor(env.Kind)
	if pool == nil {
		return true
	}
	slot := pool.NextChild(workerpool.AnySession)
	if slot == nil {
		return false // no free slot; caller saves for retry
	}

	res, err := workerpool.SendObject(slot, []byte(env.Session.ID.String()), env.FDs)
	switch res {
	case workerpool.SendOK:
		slot.FreeC--
		return true
	case workerpool.SendTransient:
		return false
	default:
		logging.Info("permanent send error, dropping session", "session", env.Session.ID, "err", err)
		env.Session.Fail(err)
		return true // do not retry a permanently failed send
	}
}

// acceptInto implements spec.md §4.7 step 7: route a freshly accepted
// connection to a NEGOTIATE worker, dropping it with a warning if none is
// free.
func (m *Mother) acceptInto(sess *socksession.SessionRecord) {
	env := Envelope{Kind: ClientObject, Session: sess}
	if !m.trySend(env) {
		logging.Warn("no free negotiate worker, dropping connection", "peer", sess.Peer)
	}
}
