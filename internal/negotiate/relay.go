package negotiate

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/peercall-io/peercall/internal/domain"
)

// Relay bridges locally discovered candidates to the channel and remote
// candidate entries to the connection capability. It shares the owning
// Coordinator's mutex so that all event callbacks stay serialized.
type Relay struct {
	mu     *sync.Mutex
	sess   *Session
	peer   domain.Peer
	ch     domain.Channel
	logger *zap.Logger
}

func newRelay(mu *sync.Mutex, sess *Session, peer domain.Peer, ch domain.Channel, logger *zap.Logger) *Relay {
	return &Relay{mu: mu, sess: sess, peer: peer, ch: ch, logger: logger}
}

// PublishLocal handles one locally discovered candidate signal. End-of-
// candidates signals carry nothing of value to the peer and are not
// published. The channel write happens outside the coordinator lock so two
// in-process sessions sharing one store cannot deadlock on each other.
func (r *Relay) PublishLocal(payload string, end bool) {
	if end {
		r.logger.Debug("candidate gathering complete")
		return
	}

	r.mu.Lock()
	if r.sess.halted() || r.sess.callID == "" {
		r.mu.Unlock()
		return
	}
	entry := domain.CandidateEntry{
		ID:      uuid.NewString(),
		Role:    r.sess.role,
		Payload: payload,
	}
	callID := r.sess.callID
	r.mu.Unlock()

	if err := r.ch.AppendCandidate(context.Background(), callID, entry); err != nil {
		err = fmt.Errorf("publish candidate: %w: %w", domain.ErrChannel, err)
		r.logger.Warn("candidate publish failed", zap.Error(err))
		r.mu.Lock()
		r.sess.fail(err)
		r.mu.Unlock()
		return
	}
	r.logger.Debug("candidate published", zap.String("entry", entry.ID))
}

// HandleRemote handles a batch of candidate entries delivered by the channel
// watch, in delivery order. Own-role and already-seen entries are skipped;
// entries arriving before the remote description are queued.
func (r *Relay) HandleRemote(entries []domain.CandidateEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess.halted() {
		return
	}
	for _, e := range entries {
		switch r.sess.AdmitCandidate(e) {
		case admitQueue:
			r.logger.Debug("candidate queued until remote description", zap.String("entry", e.ID))
		case admitApply:
			r.applyLocked(e)
		}
	}
}

// flushLocked applies the queued candidates in arrival order. Called with the
// coordinator lock held, immediately after the remote description is applied.
func (r *Relay) flushLocked() {
	for _, e := range r.sess.DrainPending() {
		r.applyLocked(e)
	}
}

func (r *Relay) applyLocked(e domain.CandidateEntry) {
	if err := r.peer.AddCandidate(e.Payload); err != nil {
		// An individually malformed candidate does not sink the negotiation.
		r.logger.Warn("apply candidate failed", zap.String("entry", e.ID), zap.Error(err))
		return
	}
	r.logger.Debug("candidate applied", zap.String("entry", e.ID))
}
