// Package rendezvous exposes a channel.Store over websocket so two peers on
// different hosts can use it as their signaling relay.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peercall-io/peercall/internal/channel"
	"github.com/peercall-io/peercall/internal/domain"
)

// Server serves the rendezvous document store to websocket clients.
type Server struct {
	store    *channel.Store
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New creates a server over the given store.
func New(store *channel.Store, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:  store,
		logger: logger,
		upgrader: websocket.Upgrader{
			// The store enforces all invariants; any origin may signal.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router returns the HTTP routes: a health probe and the websocket endpoint.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/ws", s.handleWS)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}
	c := &conn{
		ws:      ws,
		store:   s.store,
		logger:  s.logger.With(zap.String("client", r.RemoteAddr)),
		watches: make(map[string]domain.Subscription),
	}
	c.logger.Info("client connected")
	c.run()
}

// conn handles one signaling client. Watches registered by the client are
// reaped when it disconnects.
type conn struct {
	ws     *websocket.Conn
	store  *channel.Store
	logger *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	watches map[string]domain.Subscription
}

func (c *conn) run() {
	defer func() {
		c.mu.Lock()
		watches := c.watches
		c.watches = nil
		c.mu.Unlock()
		for _, sub := range watches {
			sub.Close()
		}
		c.ws.Close()
		c.logger.Info("client disconnected")
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var env channel.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("decode envelope", zap.Error(err))
			continue
		}
		c.dispatch(env)
	}
}

func (c *conn) dispatch(env channel.Envelope) {
	ctx := context.Background()
	switch env.Method {
	case channel.MethodCreateRecord:
		rec := domain.CallRecord{}
		if env.Record != nil {
			rec = *env.Record
		}
		id, err := c.store.CreateRecord(ctx, rec)
		c.respond(env.ReqID, channel.Envelope{CallID: id}, err)

	case channel.MethodGetRecord:
		rec, err := c.store.GetRecord(ctx, env.CallID)
		c.respond(env.ReqID, channel.Envelope{Record: rec, Found: rec != nil}, err)

	case channel.MethodSetRecord:
		if env.Record == nil {
			c.respond(env.ReqID, channel.Envelope{}, errors.New("missing record"))
			return
		}
		err := c.store.SetRecord(ctx, env.CallID, *env.Record, env.Merge)
		c.respond(env.ReqID, channel.Envelope{}, err)

	case channel.MethodAppendCandidate:
		if env.Entry == nil {
			c.respond(env.ReqID, channel.Envelope{}, errors.New("missing entry"))
			return
		}
		err := c.store.AppendCandidate(ctx, env.CallID, *env.Entry)
		c.respond(env.ReqID, channel.Envelope{}, err)

	case channel.MethodWatchRecord:
		watchID := env.WatchID
		sub, err := c.store.WatchRecord(env.CallID, func(rec domain.CallRecord) {
			c.send(channel.Envelope{Method: channel.MethodRecordEvent, WatchID: watchID, Record: &rec})
		})
		c.keepWatch(watchID, sub, err)
		c.respond(env.ReqID, channel.Envelope{}, err)

	case channel.MethodWatchCandidates:
		watchID := env.WatchID
		sub, err := c.store.WatchCandidates(env.CallID, func(entries []domain.CandidateEntry) {
			c.send(channel.Envelope{Method: channel.MethodCandidateEvent, WatchID: watchID, Entries: entries})
		})
		c.keepWatch(watchID, sub, err)
		c.respond(env.ReqID, channel.Envelope{}, err)

	case channel.MethodUnwatch:
		c.mu.Lock()
		sub := c.watches[env.WatchID]
		delete(c.watches, env.WatchID)
		c.mu.Unlock()
		if sub != nil {
			sub.Close()
		}

	default:
		c.logger.Warn("unhandled method", zap.String("method", env.Method))
	}
}

func (c *conn) keepWatch(id string, sub domain.Subscription, err error) {
	if err != nil || sub == nil {
		return
	}
	c.mu.Lock()
	reaped := c.watches == nil
	if !reaped {
		c.watches[id] = sub
	}
	c.mu.Unlock()
	if reaped {
		sub.Close()
	}
}

func (c *conn) respond(reqID string, env channel.Envelope, err error) {
	env.Method = channel.MethodResponse
	env.ReqID = reqID
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			env.Error = channel.ErrCodeNotFound
		} else {
			env.Error = err.Error()
		}
	}
	c.send(env)
}

func (c *conn) send(env channel.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		c.logger.Warn("encode envelope", zap.Error(err))
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Warn("write envelope", zap.Error(err))
	}
}
