package negotiate

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/peercall-io/peercall/internal/domain"
)

// Coordinator owns the handshake state machine for one call and mediates all
// reads and writes to the rendezvous channel for it. One coordinator drives
// one session; a torn-down coordinator cannot be restarted.
//
// A single mutex serializes the public API and every event callback (record
// watch, candidate watch, candidate discovery, connection state), so the
// state machine is correct under arbitrary interleaving and duplicate
// delivery. Channel I/O is performed outside the lock.
type Coordinator struct {
	mu     sync.Mutex
	ch     domain.Channel
	peer   domain.Peer
	stream domain.Stream
	logger *zap.Logger

	sess   *Session
	relay  *Relay
	subs   []domain.Subscription
	closed bool
}

// New creates a coordinator over injected collaborators. The stream is the
// already-acquired local capture stream; it may be nil, in which case
// starting a call fails with ErrPrecondition. The coordinator does not own
// the stream and never closes it.
func New(ch domain.Channel, peer domain.Peer, stream domain.Stream, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{ch: ch, peer: peer, stream: stream, logger: logger}
}

// CallID returns the bound call id, or "" before one is known.
func (c *Coordinator) CallID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.CallID()
}

// State returns the current negotiation state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return StateIdle
	}
	return c.sess.State()
}

// Err returns the session's last error, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil
	}
	return c.sess.Err()
}

// CreateCall starts negotiation as the initiator: allocates a call record,
// commits an offer to it and opens a standing watch for the answer and for
// responder candidates. It returns the call id to share with the responder.
func (c *Coordinator) CreateCall(ctx context.Context) (string, error) {
	sess, err := c.begin(domain.RoleInitiator, StateOffering)
	if err != nil {
		return "", err
	}

	id, err := c.ch.CreateRecord(ctx, domain.CallRecord{})
	if err != nil {
		return "", c.fail(fmt.Errorf("create call record: %w: %w", domain.ErrChannel, err))
	}

	c.mu.Lock()
	sess.bindCall(id)
	c.mu.Unlock()
	logger := c.logger.With(zap.String("call", id), zap.String("role", string(domain.RoleInitiator)))

	if err := c.wirePeer(); err != nil {
		return "", c.fail(err)
	}

	offer, err := c.peer.BuildOffer()
	if err != nil {
		return "", c.fail(fmt.Errorf("build offer: %w", err))
	}
	if err := c.ch.SetRecord(ctx, id, domain.CallRecord{Offer: &offer}, true); err != nil {
		return "", c.fail(fmt.Errorf("commit offer: %w: %w", domain.ErrChannel, err))
	}

	c.mu.Lock()
	sess.setState(StateAwaitingAnswer)
	c.mu.Unlock()
	logger.Info("offer committed, awaiting answer")

	recSub, err := c.ch.WatchRecord(id, c.onRecord)
	if err != nil {
		return "", c.fail(fmt.Errorf("watch call record: %w: %w", domain.ErrChannel, err))
	}
	candSub, err := c.ch.WatchCandidates(id, c.relay.HandleRemote)
	if err != nil {
		recSub.Close()
		return "", c.fail(fmt.Errorf("watch candidates: %w: %w", domain.ErrChannel, err))
	}
	c.keep(recSub, candSub)
	return id, nil
}

// JoinCall starts negotiation as the responder for an existing call id:
// resolves the record, applies its offer, commits an answer (merged, never
// clobbering the candidate log) and watches initiator candidates.
func (c *Coordinator) JoinCall(ctx context.Context, callID string) error {
	if callID == "" {
		return fmt.Errorf("join call: %w: empty call id", domain.ErrPrecondition)
	}
	sess, err := c.begin(domain.RoleResponder, StateAwaitingOffer)
	if err != nil {
		return err
	}
	c.mu.Lock()
	sess.bindCall(callID)
	c.mu.Unlock()
	logger := c.logger.With(zap.String("call", callID), zap.String("role", string(domain.RoleResponder)))

	rec, err := c.ch.GetRecord(ctx, callID)
	if err != nil {
		return c.fail(fmt.Errorf("resolve call record: %w: %w", domain.ErrChannel, err))
	}
	if rec == nil || rec.Offer == nil {
		return c.fail(fmt.Errorf("join call %q: %w", callID, domain.ErrNotFound))
	}

	if err := c.wirePeer(); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	sess.ApplyRemoteOnce()
	if err := c.peer.SetRemoteDescription(*rec.Offer); err != nil {
		err = fmt.Errorf("apply offer: %w", err)
		sess.fail(err)
		c.mu.Unlock()
		return err
	}
	sess.setState(StateAnswering)
	c.relay.flushLocked()
	c.mu.Unlock()

	answer, err := c.peer.BuildAnswer()
	if err != nil {
		return c.fail(fmt.Errorf("build answer: %w", err))
	}
	if err := c.ch.SetRecord(ctx, callID, domain.CallRecord{Answer: &answer}, true); err != nil {
		return c.fail(fmt.Errorf("commit answer: %w: %w", domain.ErrChannel, err))
	}

	c.mu.Lock()
	sess.setState(StateAwaitingConnection)
	c.mu.Unlock()
	logger.Info("answer committed, awaiting connection")

	candSub, err := c.ch.WatchCandidates(callID, c.relay.HandleRemote)
	if err != nil {
		return c.fail(fmt.Errorf("watch candidates: %w: %w", domain.ErrChannel, err))
	}
	c.keep(candSub)
	return nil
}

// End tears the session down: cancels the channel watches and releases the
// connection capability. Further callback deliveries are ignored and further
// API calls fail with ErrInvalidState. The call record and its candidate log
// outlive the session.
func (c *Coordinator) End() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("end call: %w: already ended", domain.ErrInvalidState)
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	if c.sess != nil {
		c.sess.closed = true
		c.sess.setState(StateClosed)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	if err := c.peer.Close(); err != nil {
		return fmt.Errorf("release connection: %w", err)
	}
	c.logger.Info("session ended")
	return nil
}

// begin validates the start preconditions and installs a fresh session.
func (c *Coordinator) begin(role domain.Role, initial State) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("start negotiation: %w: session ended", domain.ErrInvalidState)
	}
	if c.sess != nil {
		return nil, fmt.Errorf("start negotiation: %w: already started", domain.ErrInvalidState)
	}
	if c.stream == nil {
		return nil, fmt.Errorf("start negotiation: %w: capture stream not active", domain.ErrPrecondition)
	}
	sess := NewSession(role)
	sess.setState(initial)
	c.sess = sess
	c.relay = newRelay(&c.mu, sess, c.peer, c.ch, c.logger)
	return sess, nil
}

// wirePeer attaches the local tracks and registers the event handlers.
// Tracks must be attached before a description is built.
func (c *Coordinator) wirePeer() error {
	for _, t := range c.stream.Tracks() {
		if err := c.peer.AddTrack(t); err != nil {
			return fmt.Errorf("attach track %s: %w", t.ID(), err)
		}
	}
	c.peer.OnCandidate(c.relay.PublishLocal)
	c.peer.OnConnectionState(c.onConnectionState)
	return nil
}

func (c *Coordinator) keep(subs ...domain.Subscription) {
	c.mu.Lock()
	ended := c.closed
	if !ended {
		c.subs = append(c.subs, subs...)
	}
	c.mu.Unlock()
	// End raced the watch registration; honor its guarantee.
	if ended {
		for _, sub := range subs {
			sub.Close()
		}
	}
}

// onRecord handles call-record snapshots. The watch may redeliver the same
// snapshot any number of times; the remote description is applied at most
// once per session, and queued candidates are flushed right after it.
func (c *Coordinator) onRecord(rec domain.CallRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sess
	if sess == nil || sess.halted() || sess.Role() != domain.RoleInitiator {
		return
	}
	if rec.Answer == nil || !sess.ApplyRemoteOnce() {
		return
	}
	if err := c.peer.SetRemoteDescription(*rec.Answer); err != nil {
		err = fmt.Errorf("apply answer: %w", err)
		c.logger.Warn("negotiation failed", zap.Error(err))
		sess.fail(err)
		return
	}
	c.logger.Info("answer applied", zap.String("call", sess.CallID()))
	c.relay.flushLocked()
}

// onConnectionState promotes the session to Connected once the capability
// reports connected. A connected signal arriving before the description
// exchange completes is ignored.
func (c *Coordinator) onConnectionState(s domain.ConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.sess
	if sess == nil || sess.halted() {
		return
	}
	c.logger.Debug("connection state", zap.String("state", string(s)))
	switch s {
	case domain.ConnectionConnected:
		if sess.RemoteApplied() &&
			(sess.State() == StateAwaitingAnswer || sess.State() == StateAwaitingConnection) {
			sess.setState(StateConnected)
			c.logger.Info("connected", zap.String("call", sess.CallID()))
		}
	case domain.ConnectionFailed:
		c.logger.Warn("connection failed", zap.String("call", sess.CallID()))
	}
}

// fail records err on the session, moves it to Failed unless it is already
// terminal, and returns err for the synchronous caller.
func (c *Coordinator) fail(err error) error {
	c.mu.Lock()
	if c.sess != nil {
		c.sess.fail(err)
	}
	c.mu.Unlock()
	c.logger.Warn("negotiation failed", zap.Error(err))
	return err
}
