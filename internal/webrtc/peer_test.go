package webrtc

import (
	"errors"
	"strings"
	"testing"

	pion "github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/peercall-io/peercall/internal/config"
	"github.com/peercall-io/peercall/internal/domain"
)

// Tests stay at the SDP level: no ICE servers, no connectivity. Exchanging
// descriptions between two real PeerConnections is enough to prove the
// adapter drives Pion correctly.

func newTestPeer(t *testing.T) *Peer {
	t.Helper()
	p, err := New(&config.Config{}, zap.NewNop())
	if err != nil {
		t.Fatalf("new peer: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func addToneTrack(t *testing.T, p *Peer) {
	t.Helper()
	track, err := pion.NewTrackLocalStaticSample(
		pion.RTPCodecCapability{MimeType: pion.MimeTypePCMU},
		"audio", "peercall",
	)
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	if err := p.AddTrack(track); err != nil {
		t.Fatalf("add track: %v", err)
	}
}

func TestBuildOfferSingleShot(t *testing.T) {
	p := newTestPeer(t)
	addToneTrack(t, p)

	offer, err := p.BuildOffer()
	if err != nil {
		t.Fatalf("build offer: %v", err)
	}
	if offer.Type != "offer" || !strings.Contains(offer.SDP, "m=audio") {
		t.Errorf("unexpected offer: type=%q sdp=%q", offer.Type, offer.SDP)
	}

	if _, err := p.BuildOffer(); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second build: expected ErrInvalidState, got %v", err)
	}
}

func TestOfferAnswerExchange(t *testing.T) {
	caller := newTestPeer(t)
	callee := newTestPeer(t)
	addToneTrack(t, caller)
	addToneTrack(t, callee)

	offer, err := caller.BuildOffer()
	if err != nil {
		t.Fatalf("build offer: %v", err)
	}
	if err := callee.SetRemoteDescription(offer); err != nil {
		t.Fatalf("callee set remote: %v", err)
	}
	answer, err := callee.BuildAnswer()
	if err != nil {
		t.Fatalf("build answer: %v", err)
	}
	if answer.Type != "answer" {
		t.Errorf("expected an answer, got %q", answer.Type)
	}
	if err := caller.SetRemoteDescription(answer); err != nil {
		t.Fatalf("caller set remote: %v", err)
	}

	if _, err := callee.BuildAnswer(); !errors.Is(err, domain.ErrInvalidState) {
		t.Errorf("second answer: expected ErrInvalidState, got %v", err)
	}
}

func TestAddCandidateRejectsBadPayload(t *testing.T) {
	p := newTestPeer(t)
	if err := p.AddCandidate("not json"); err == nil {
		t.Error("expected an error for a malformed candidate payload")
	}
}

func TestAddTrackRejectsForeignTrack(t *testing.T) {
	p := newTestPeer(t)
	if err := p.AddTrack(fakeTrack{}); err == nil {
		t.Error("expected an error for a non-Pion track")
	}
}

type fakeTrack struct{}

func (fakeTrack) ID() string { return "fake" }
