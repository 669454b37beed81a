package negotiate

import (
	"context"
	"fmt"
	"sync"

	"github.com/peercall-io/peercall/internal/domain"
)

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string { return t.id }

type fakeStream struct{ tracks []domain.LocalTrack }

func (s *fakeStream) Tracks() []domain.LocalTrack { return s.tracks }
func (s *fakeStream) Close() error                { return nil }

func newFakeStream() *fakeStream {
	return &fakeStream{tracks: []domain.LocalTrack{fakeTrack{"audio"}, fakeTrack{"video"}}}
}

// fakePeer records every interaction and lets tests fire the event callbacks.
type fakePeer struct {
	mu           sync.Mutex
	tracks       []string
	offerBuilds  int
	answerBuilds int
	remoteDescs  []domain.SessionDescription
	applied      []string
	closed       bool

	onCandidate func(payload string, end bool)
	onState     func(domain.ConnectionState)
}

func (p *fakePeer) AddTrack(t domain.LocalTrack) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t.ID())
	return nil
}

func (p *fakePeer) BuildOffer() (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offerBuilds++
	if p.offerBuilds > 1 {
		return domain.SessionDescription{}, fmt.Errorf("build offer: %w", domain.ErrInvalidState)
	}
	return domain.SessionDescription{Type: "offer", SDP: "v=0\r\noffer"}, nil
}

func (p *fakePeer) BuildAnswer() (domain.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.answerBuilds++
	if p.answerBuilds > 1 {
		return domain.SessionDescription{}, fmt.Errorf("build answer: %w", domain.ErrInvalidState)
	}
	return domain.SessionDescription{Type: "answer", SDP: "v=0\r\nanswer"}, nil
}

func (p *fakePeer) SetRemoteDescription(d domain.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remoteDescs = append(p.remoteDescs, d)
	return nil
}

func (p *fakePeer) AddCandidate(payload string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, payload)
	return nil
}

func (p *fakePeer) OnCandidate(fn func(string, bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onCandidate = fn
}

func (p *fakePeer) OnRemoteTrack(func(string, string)) {}

func (p *fakePeer) OnConnectionState(fn func(domain.ConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = fn
}

func (p *fakePeer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePeer) emitCandidate(payload string) {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn(payload, false)
	}
}

func (p *fakePeer) emitEndOfCandidates() {
	p.mu.Lock()
	fn := p.onCandidate
	p.mu.Unlock()
	if fn != nil {
		fn("", true)
	}
}

func (p *fakePeer) emitState(s domain.ConnectionState) {
	p.mu.Lock()
	fn := p.onState
	p.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (p *fakePeer) appliedCandidates() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.applied...)
}

func (p *fakePeer) remoteDescCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.remoteDescs)
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// fakeChannel is a scriptable rendezvous channel. Unlike channel.Store it
// never delivers snapshots on its own: tests fire watches explicitly, which
// is what makes redelivery and interleaving scenarios reproducible.
type fakeChannel struct {
	mu         sync.Mutex
	records    map[string]*domain.CallRecord
	candidates map[string][]domain.CandidateEntry

	offerWrites  int
	answerWrites int
	appendErr    error
	setErr       error

	recordFns map[string][]func(domain.CallRecord)
	candFns   map[string][]func([]domain.CandidateEntry)
	subsOpen  int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		records:    make(map[string]*domain.CallRecord),
		candidates: make(map[string][]domain.CandidateEntry),
		recordFns:  make(map[string][]func(domain.CallRecord)),
		candFns:    make(map[string][]func([]domain.CandidateEntry)),
	}
}

func (f *fakeChannel) CreateRecord(_ context.Context, rec domain.CallRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("call-%d", len(f.records)+1)
	copied := rec
	f.records[id] = &copied
	return id, nil
}

func (f *fakeChannel) GetRecord(_ context.Context, id string) (*domain.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeChannel) SetRecord(_ context.Context, id string, rec domain.CallRecord, merge bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	stored, ok := f.records[id]
	if !ok {
		return fmt.Errorf("set record %q: %w", id, domain.ErrNotFound)
	}
	if rec.Offer != nil && stored.Offer == nil {
		stored.Offer = rec.Offer
		f.offerWrites++
	}
	if rec.Answer != nil && stored.Answer == nil {
		stored.Answer = rec.Answer
		f.answerWrites++
	}
	_ = merge
	return nil
}

func (f *fakeChannel) AppendCandidate(_ context.Context, id string, entry domain.CandidateEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.candidates[id] = append(f.candidates[id], entry)
	return nil
}

func (f *fakeChannel) WatchRecord(id string, fn func(domain.CallRecord)) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recordFns[id] = append(f.recordFns[id], fn)
	f.subsOpen++
	return &fakeSub{ch: f}, nil
}

func (f *fakeChannel) WatchCandidates(id string, fn func([]domain.CandidateEntry)) (domain.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candFns[id] = append(f.candFns[id], fn)
	f.subsOpen++
	return &fakeSub{ch: f}, nil
}

// fireRecord redelivers the given snapshot to every record watcher.
func (f *fakeChannel) fireRecord(id string, rec domain.CallRecord) {
	f.mu.Lock()
	fns := append([]func(domain.CallRecord){}, f.recordFns[id]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// fireCandidates delivers a batch to every candidate watcher.
func (f *fakeChannel) fireCandidates(id string, entries []domain.CandidateEntry) {
	f.mu.Lock()
	fns := append([]func([]domain.CandidateEntry){}, f.candFns[id]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(entries)
	}
}

func (f *fakeChannel) appendedCandidates(id string) []domain.CandidateEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.CandidateEntry(nil), f.candidates[id]...)
}

func (f *fakeChannel) openSubs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subsOpen
}

type fakeSub struct {
	ch   *fakeChannel
	once sync.Once
}

func (s *fakeSub) Close() {
	s.once.Do(func() {
		s.ch.mu.Lock()
		s.ch.subsOpen--
		s.ch.mu.Unlock()
	})
}
