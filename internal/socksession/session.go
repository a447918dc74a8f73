// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package socksession implements the per-client session record and its
// stage-to-stage state machine (spec.md §4.5), plus the UDP-associate
// rule-synthesis step performed when a client-rule enables UDP.
package socksession

import (
	"net"
	"time"

	"github.com/google/uuid"

	"grimm.is/sockd/internal/sockauth"
	"grimm.is/sockd/internal/sockrule"
	"grimm.is/sockd/internal/socksaddr"
)

// State is the session's stage-to-stage position.
type State int

const (
	Accepted State = iota
	Negotiating
	Requested
	Relaying
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case Negotiating:
		return "negotiating"
	case Requested:
		return "requested"
	case Relaying:
		return "relaying"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions enumerates the only state-machine edges spec.md §4.5
// allows; Failed is reachable from every non-terminal state, so it is
// checked separately rather than listed exhaustively here.
var validTransitions = map[State][]State{
	Accepted:    {Negotiating},
	Negotiating: {Requested},
	Requested:   {Relaying},
	Relaying:    {Closed},
}

// ConnectionState is the per-request protocol context the rule engine
// consults; it accompanies a SessionRecord through NEGOTIATING/REQUESTED.
type ConnectionState struct {
	Command      sockrule.Command
	Protocol     socksaddr.Protocol
	ProxyVersion sockrule.ProxyVersion

	// HostIDs is the ordered upstream-hostid sequence retrieved from the
	// socket option, bounded by the configured hostid rule count.
	HostIDs []socksaddr.SocksHost
}

// SessionRecord is the dispatcher-owned, per-client record handed between
// stage workers. Mutated in place by whichever worker currently holds it;
// the ID makes it traceable across log lines emitted by different
// processes (the google/uuid row of SPEC_FULL.md's DOMAIN STACK).
type SessionRecord struct {
	ID uuid.UUID

	Peer  net.Addr
	Local net.Addr

	Conn ConnectionState
	Auth sockauth.AuthState

	// ClientAuth is the auth established during the client-rule pass,
	// kept around so the socks-rule pass can reuse an RFC931 lookup
	// rather than repeating it (spec.md §4.4 step f).
	ClientAuth *sockauth.AuthState

	Src *socksaddr.SocksHost
	Dst *socksaddr.SocksHost

	// MatchedRule is the socks-rule the REQUEST stage matched, carried
	// forward so the IO stage can apply its idle timeout, bandwidth
	// shmid, and log flags (spec.md §4.8).
	MatchedRule *sockrule.Rule

	State     State
	Accepted  time.Time
	LastError error
}

// New creates a freshly accepted session record.
func New(peer, local net.Addr) *SessionRecord {
	return &SessionRecord{
		ID:       uuid.New(),
		Peer:     peer,
		Local:    local,
		State:    Accepted,
		Accepted: time.Now(),
	}
}

// Transition moves the session to next, enforcing spec.md §4.5's edges.
// Failed is always a legal target from a non-terminal state.
func (s *SessionRecord) Transition(next State) error {
	if s.State == Closed || s.State == Failed {
		return &TransitionError{From: s.State, To: next}
	}
	if next == Failed {
		s.State = Failed
		return nil
	}
	for _, allowed := range validTransitions[s.State] {
		if allowed == next {
			s.State = next
			return nil
		}
	}
	return &TransitionError{From: s.State, To: next}
}

// TransitionError reports an illegal state-machine edge.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return "socksession: illegal transition from " + e.From.String() + " to " + e.To.String()
}

// Fail records err and forces the terminal Failed state, as the dispatcher
// does on any unrecoverable send/recv error or rule-engine BLOCK
// (spec.md §4.5).
func (s *SessionRecord) Fail(err error) {
	s.LastError = err
	s.State = Failed
}
