// Package negotiate drives the handshake between two peers over a rendezvous
// channel: it decides what to write to the channel and when, filters and
// applies what it reads back, and guards against redelivery races between the
// initiator and responder roles.
package negotiate

import "github.com/peercall-io/peercall/internal/domain"

// State is the negotiation state of one session.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingOffer
	StateAwaitingAnswer
	StateAnswering
	StateAwaitingConnection
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateAwaitingConnection:
		return "awaiting-connection"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// candidateDisposition is the outcome of admitting a delivered candidate entry.
type candidateDisposition int

const (
	// admitSkip: own-role entry, or an entry already seen.
	admitSkip candidateDisposition = iota
	// admitQueue: remote description not applied yet; entry was queued.
	admitQueue
	// admitApply: apply the entry to the connection capability now.
	admitApply
)

// Session holds the per-call negotiation state and the race guards: the
// apply-remote-at-most-once flag, the applied-entry set, and the queue of
// candidates waiting for the remote description. It carries no locking of
// its own; the owning Coordinator serializes access.
type Session struct {
	role   domain.Role
	state  State
	callID string

	remoteApplied bool
	applied       map[string]struct{}
	pending       []domain.CandidateEntry

	closed bool
	err    error
}

// NewSession creates a session with the given fixed role, in StateIdle.
func NewSession(role domain.Role) *Session {
	return &Session{
		role:    role,
		state:   StateIdle,
		applied: make(map[string]struct{}),
	}
}

func (s *Session) Role() domain.Role { return s.role }
func (s *Session) State() State      { return s.state }
func (s *Session) CallID() string    { return s.callID }
func (s *Session) Err() error        { return s.err }

// RemoteApplied reports whether the remote description has been applied.
func (s *Session) RemoteApplied() bool { return s.remoteApplied }

func (s *Session) bindCall(id string) { s.callID = id }

// setState moves to st unless the session is already in a terminal state.
func (s *Session) setState(st State) {
	if s.state.Terminal() {
		return
	}
	s.state = st
}

// fail records the first error and moves to StateFailed. The session stays
// inspectable but makes no further progress except via teardown.
func (s *Session) fail(err error) {
	if s.err == nil {
		s.err = err
	}
	s.setState(StateFailed)
}

// halted reports whether the session must ignore further event deliveries:
// torn down, or parked in a terminal state. A failed session stays
// inspectable but makes no further progress except via teardown.
func (s *Session) halted() bool {
	return s.closed || s.state.Terminal()
}

// ApplyRemoteOnce reports whether the caller should apply the remote
// description now. Only the first call returns true, no matter how many
// times the channel redelivers the same document snapshot.
func (s *Session) ApplyRemoteOnce() bool {
	if s.remoteApplied {
		return false
	}
	s.remoteApplied = true
	return true
}

// AdmitCandidate decides what to do with a delivered candidate entry.
// Entries tagged with the session's own role and entries already seen are
// skipped; entries arriving before the remote description is applied are
// queued for a later flush. Dedup is by entry identity, so full-log
// redelivery on (re)subscription is harmless.
func (s *Session) AdmitCandidate(e domain.CandidateEntry) candidateDisposition {
	if e.Role == s.role {
		return admitSkip
	}
	if _, seen := s.applied[e.ID]; seen {
		return admitSkip
	}
	s.applied[e.ID] = struct{}{}
	if !s.remoteApplied {
		s.pending = append(s.pending, e)
		return admitQueue
	}
	return admitApply
}

// DrainPending returns the queued entries in original arrival order and
// empties the queue.
func (s *Session) DrainPending() []domain.CandidateEntry {
	pending := s.pending
	s.pending = nil
	return pending
}
