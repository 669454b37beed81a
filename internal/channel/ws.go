package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peercall-io/peercall/internal/domain"
)

const pingInterval = 20 * time.Second

// Wire methods shared with the rendezvousd server.
const (
	MethodCreateRecord    = "CREATE_RECORD"
	MethodGetRecord       = "GET_RECORD"
	MethodSetRecord       = "SET_RECORD"
	MethodAppendCandidate = "APPEND_CANDIDATE"
	MethodWatchRecord     = "WATCH_RECORD"
	MethodWatchCandidates = "WATCH_CANDIDATES"
	MethodUnwatch         = "UNWATCH"
	MethodResponse        = "RESPONSE"
	MethodRecordEvent     = "RECORD_EVENT"
	MethodCandidateEvent  = "CANDIDATE_EVENT"
)

// ErrCodeNotFound is the wire error code for a missing call record.
const ErrCodeNotFound = "not_found"

// Envelope is the JSON message exchanged with the rendezvous server.
type Envelope struct {
	Method  string                  `json:"method"`
	ReqID   string                  `json:"reqId,omitempty"`
	WatchID string                  `json:"watchId,omitempty"`
	CallID  string                  `json:"callId,omitempty"`
	Merge   bool                    `json:"merge,omitempty"`
	Record  *domain.CallRecord      `json:"record,omitempty"`
	Entry   *domain.CandidateEntry  `json:"entry,omitempty"`
	Entries []domain.CandidateEntry `json:"entries,omitempty"`
	Found   bool                    `json:"found,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

// WSChannel is a rendezvous channel backed by a websocket connection to a
// rendezvousd instance. It implements domain.Channel. Transport failures are
// wrapped with domain.ErrChannel.
type WSChannel struct {
	conn   *websocket.Conn
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Envelope
	watches map[string]*wsWatch

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to a rendezvous server and starts the read and ping loops.
func Dial(ctx context.Context, rawURL string, logger *zap.Logger) (*WSChannel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial rendezvous %s: %w: %w", rawURL, domain.ErrChannel, err)
	}
	c := &WSChannel{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]chan Envelope),
		watches: make(map[string]*wsWatch),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// Close shuts down the connection. Active watches stop delivering.
func (c *WSChannel) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// CreateRecord stores a new call record on the server.
func (c *WSChannel) CreateRecord(ctx context.Context, rec domain.CallRecord) (string, error) {
	resp, err := c.request(ctx, Envelope{Method: MethodCreateRecord, Record: &rec})
	if err != nil {
		return "", err
	}
	return resp.CallID, nil
}

// GetRecord fetches a record by id; absent records return (nil, nil).
func (c *WSChannel) GetRecord(ctx context.Context, id string) (*domain.CallRecord, error) {
	resp, err := c.request(ctx, Envelope{Method: MethodGetRecord, CallID: id})
	if err != nil {
		return nil, err
	}
	if !resp.Found {
		return nil, nil
	}
	return resp.Record, nil
}

// SetRecord updates a record, with the store's merge and first-write-wins
// semantics.
func (c *WSChannel) SetRecord(ctx context.Context, id string, rec domain.CallRecord, merge bool) error {
	_, err := c.request(ctx, Envelope{Method: MethodSetRecord, CallID: id, Record: &rec, Merge: merge})
	return err
}

// AppendCandidate appends one entry to the call's candidate log.
func (c *WSChannel) AppendCandidate(ctx context.Context, id string, entry domain.CandidateEntry) error {
	_, err := c.request(ctx, Envelope{Method: MethodAppendCandidate, CallID: id, Entry: &entry})
	return err
}

// WatchRecord subscribes to record snapshots. The server delivers the
// current snapshot immediately.
func (c *WSChannel) WatchRecord(id string, fn func(domain.CallRecord)) (domain.Subscription, error) {
	w := &wsWatch{ch: c, id: uuid.NewString(), onRecord: fn}
	return c.subscribe(MethodWatchRecord, id, w)
}

// WatchCandidates subscribes to candidate batches. The existing log is
// redelivered on subscribe.
func (c *WSChannel) WatchCandidates(id string, fn func([]domain.CandidateEntry)) (domain.Subscription, error) {
	w := &wsWatch{ch: c, id: uuid.NewString(), onCandidates: fn}
	return c.subscribe(MethodWatchCandidates, id, w)
}

func (c *WSChannel) subscribe(method, callID string, w *wsWatch) (domain.Subscription, error) {
	// Register before asking the server so no early event is dropped.
	c.mu.Lock()
	c.watches[w.id] = w
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.request(ctx, Envelope{Method: method, CallID: callID, WatchID: w.id}); err != nil {
		c.removeWatch(w.id)
		return nil, err
	}
	return w, nil
}

func (c *WSChannel) request(ctx context.Context, env Envelope) (Envelope, error) {
	env.ReqID = uuid.NewString()
	respCh := make(chan Envelope, 1)

	c.mu.Lock()
	c.pending[env.ReqID] = respCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ReqID)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(env); err != nil {
		return Envelope{}, fmt.Errorf("%s: %w: %w", env.Method, domain.ErrChannel, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error == ErrCodeNotFound {
			return Envelope{}, fmt.Errorf("%s %q: %w", env.Method, env.CallID, domain.ErrNotFound)
		}
		if resp.Error != "" {
			return Envelope{}, fmt.Errorf("%s: %w: %s", env.Method, domain.ErrChannel, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return Envelope{}, fmt.Errorf("%s: %w: %w", env.Method, domain.ErrChannel, ctx.Err())
	case <-c.closed:
		return Envelope{}, fmt.Errorf("%s: %w: connection closed", env.Method, domain.ErrChannel)
	}
}

func (c *WSChannel) writeJSON(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSChannel) removeWatch(id string) {
	c.mu.Lock()
	delete(c.watches, id)
	c.mu.Unlock()
}

func (c *WSChannel) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				c.logger.Warn("rendezvous read", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("rendezvous decode", zap.Error(err))
			continue
		}

		switch env.Method {
		case MethodResponse:
			c.mu.Lock()
			respCh := c.pending[env.ReqID]
			c.mu.Unlock()
			if respCh != nil {
				respCh <- env
			}
		case MethodRecordEvent, MethodCandidateEvent:
			c.mu.Lock()
			w := c.watches[env.WatchID]
			c.mu.Unlock()
			if w != nil {
				w.deliver(env)
			}
		default:
			c.logger.Warn("rendezvous unhandled method", zap.String("method", env.Method))
		}
	}
}

func (c *WSChannel) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.logger.Warn("rendezvous ping", zap.Error(err))
				}
				return
			}
		}
	}
}

// wsWatch serializes event delivery so Close can guarantee no callback runs
// after it returns, even with server events already in flight.
type wsWatch struct {
	ch *WSChannel
	id string

	mu           sync.Mutex
	done         bool
	onRecord     func(domain.CallRecord)
	onCandidates func([]domain.CandidateEntry)
}

func (w *wsWatch) deliver(env Envelope) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	switch env.Method {
	case MethodRecordEvent:
		if w.onRecord != nil && env.Record != nil {
			w.onRecord(*env.Record)
		}
	case MethodCandidateEvent:
		if w.onCandidates != nil && len(env.Entries) > 0 {
			w.onCandidates(env.Entries)
		}
	}
}

func (w *wsWatch) Close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()
	w.ch.removeWatch(w.id)

	// Best effort; the server also reaps watches on disconnect.
	_ = w.ch.writeJSON(Envelope{Method: MethodUnwatch, WatchID: w.id})
}
