// Package webrtc adapts a Pion PeerConnection to the connection capability
// the negotiation coordinator drives. Descriptions and candidate payloads
// pass through it opaquely.
package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/peercall-io/peercall/internal/config"
	"github.com/peercall-io/peercall/internal/domain"
)

// Peer wraps a Pion PeerConnection. It implements domain.Peer.
type Peer struct {
	pc     *pion.PeerConnection
	logger *zap.Logger

	mu         sync.Mutex
	builtLocal bool
}

// New creates a PeerConnection with the default codecs and interceptors
// registered and the configured ICE servers.
func New(cfg *config.Config, logger *zap.Logger) (*Peer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &pion.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := pion.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(ir),
	)

	var servers []pion.ICEServer
	for _, s := range cfg.ICEServers {
		servers = append(servers, pion.ICEServer{
			URLs:       []string{s.URL},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := api.NewPeerConnection(pion.Configuration{ICEServers: servers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return &Peer{pc: pc, logger: logger}, nil
}

// AddTrack attaches a local media track. The track must be a pion
// webrtc.TrackLocal, which is what the capture package produces.
func (p *Peer) AddTrack(t domain.LocalTrack) error {
	tl, ok := t.(pion.TrackLocal)
	if !ok {
		return fmt.Errorf("add track %s: unsupported track type %T", t.ID(), t)
	}
	if _, err := p.pc.AddTrack(tl); err != nil {
		return fmt.Errorf("add track %s: %w", t.ID(), err)
	}
	return nil
}

// BuildOffer creates an SDP offer and commits it as the local description.
// Single-shot: renegotiation is out of scope, so a second build is a caller
// error.
func (p *Peer) BuildOffer() (domain.SessionDescription, error) {
	return p.buildLocal(func() (pion.SessionDescription, error) {
		return p.pc.CreateOffer(nil)
	})
}

// BuildAnswer creates an SDP answer and commits it as the local description.
// Single-shot, same contract as BuildOffer.
func (p *Peer) BuildAnswer() (domain.SessionDescription, error) {
	return p.buildLocal(func() (pion.SessionDescription, error) {
		return p.pc.CreateAnswer(nil)
	})
}

func (p *Peer) buildLocal(create func() (pion.SessionDescription, error)) (domain.SessionDescription, error) {
	p.mu.Lock()
	if p.builtLocal {
		p.mu.Unlock()
		return domain.SessionDescription{}, fmt.Errorf("build description: %w: local description already built", domain.ErrInvalidState)
	}
	p.builtLocal = true
	p.mu.Unlock()

	desc, err := create()
	if err != nil {
		return domain.SessionDescription{}, fmt.Errorf("create description: %w", err)
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return domain.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	p.logger.Debug("local description set", zap.String("type", desc.Type.String()))
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}, nil
}

// SetRemoteDescription applies the peer's description.
func (p *Peer) SetRemoteDescription(d domain.SessionDescription) error {
	desc := pion.SessionDescription{
		Type: pion.NewSDPType(d.Type),
		SDP:  d.SDP,
	}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.logger.Debug("remote description set", zap.String("type", d.Type))
	return nil
}

// AddCandidate applies a remote candidate. The payload is the JSON encoding
// produced by OnCandidate on the other side.
func (p *Peer) AddCandidate(payload string) error {
	var init pion.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	if err := p.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// OnCandidate registers the handler for locally discovered candidates.
// Pion signals the end of gathering with a nil candidate, forwarded as
// end=true.
func (p *Peer) OnCandidate(fn func(payload string, end bool)) {
	p.pc.OnICECandidate(func(c *pion.ICECandidate) {
		if c == nil {
			fn("", true)
			return
		}
		payload, err := json.Marshal(c.ToJSON())
		if err != nil {
			p.logger.Warn("encode candidate", zap.Error(err))
			return
		}
		fn(string(payload), false)
	})
}

// OnRemoteTrack reports media arriving from the peer.
func (p *Peer) OnRemoteTrack(fn func(trackID, kind string)) {
	p.pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		fn(track.ID(), track.Kind().String())
	})
}

// OnConnectionState registers the connection state handler.
func (p *Peer) OnConnectionState(fn func(domain.ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s pion.PeerConnectionState) {
		fn(domain.ConnectionState(s.String()))
	})
}

// Close shuts down the PeerConnection.
func (p *Peer) Close() error {
	return p.pc.Close()
}
