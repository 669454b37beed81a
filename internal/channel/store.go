// Package channel provides rendezvous channel implementations: an in-memory
// document store with change notifications, and a websocket client for a
// remote rendezvousd instance.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/peercall-io/peercall/internal/domain"
)

// Store is an in-memory rendezvous channel. Record writes are atomic, the
// candidate log is append-only, and watches redeliver current state on
// subscribe. It backs the rendezvousd server and the loopback demo, and
// stands in for the hosted document store in tests.
type Store struct {
	mu      sync.Mutex
	records map[string]*storedRecord
}

type storedRecord struct {
	rec          domain.CallRecord
	candidates   []domain.CandidateEntry
	recWatchers  []*recordWatcher
	candWatchers []*candidateWatcher
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*storedRecord)}
}

// CreateRecord stores rec under a fresh id.
func (s *Store) CreateRecord(_ context.Context, rec domain.CallRecord) (string, error) {
	id := uuid.NewString()
	s.mu.Lock()
	s.records[id] = &storedRecord{rec: rec}
	s.mu.Unlock()
	return id, nil
}

// GetRecord returns a copy of the record, or (nil, nil) when absent.
func (s *Store) GetRecord(_ context.Context, id string) (*domain.CallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	rec := sr.rec
	return &rec, nil
}

// SetRecord updates a record and notifies its watchers. Offer and answer are
// write-once: a repeated write of either is a no-op in both merge modes, and
// absent fields stay untouched. The candidate log is never affected.
func (s *Store) SetRecord(_ context.Context, id string, rec domain.CallRecord, merge bool) error {
	s.mu.Lock()
	sr, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("set record %q: %w", id, domain.ErrNotFound)
	}

	if rec.Offer != nil && sr.rec.Offer == nil {
		offer := *rec.Offer
		sr.rec.Offer = &offer
	}
	if rec.Answer != nil && sr.rec.Answer == nil {
		answer := *rec.Answer
		sr.rec.Answer = &answer
	}

	snapshot := sr.rec
	watchers := append([]*recordWatcher(nil), sr.recWatchers...)
	s.mu.Unlock()

	for _, w := range watchers {
		w.deliver(snapshot)
	}
	return nil
}

// AppendCandidate appends entry to the call's candidate log and notifies
// candidate watchers with a single-entry batch.
func (s *Store) AppendCandidate(_ context.Context, id string, entry domain.CandidateEntry) error {
	s.mu.Lock()
	sr, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("append candidate to %q: %w", id, domain.ErrNotFound)
	}
	sr.candidates = append(sr.candidates, entry)
	watchers := append([]*candidateWatcher(nil), sr.candWatchers...)
	s.mu.Unlock()

	batch := []domain.CandidateEntry{entry}
	for _, w := range watchers {
		w.deliver(batch)
	}
	return nil
}

// WatchRecord registers fn and immediately delivers the current snapshot.
func (s *Store) WatchRecord(id string, fn func(domain.CallRecord)) (domain.Subscription, error) {
	s.mu.Lock()
	sr, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch record %q: %w", id, domain.ErrNotFound)
	}
	w := &recordWatcher{store: s, id: id, fn: fn}
	sr.recWatchers = append(sr.recWatchers, w)
	snapshot := sr.rec
	s.mu.Unlock()

	w.deliver(snapshot)
	return w, nil
}

// WatchCandidates registers fn and redelivers the existing log as one batch.
func (s *Store) WatchCandidates(id string, fn func([]domain.CandidateEntry)) (domain.Subscription, error) {
	s.mu.Lock()
	sr, ok := s.records[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch candidates of %q: %w", id, domain.ErrNotFound)
	}
	w := &candidateWatcher{store: s, id: id, fn: fn}
	sr.candWatchers = append(sr.candWatchers, w)
	existing := append([]domain.CandidateEntry(nil), sr.candidates...)
	s.mu.Unlock()

	if len(existing) > 0 {
		w.deliver(existing)
	}
	return w, nil
}

// recordWatcher serializes deliveries through its own mutex so that Close can
// guarantee no further callbacks once it returns.
type recordWatcher struct {
	store *Store
	id    string
	mu    sync.Mutex
	done  bool
	fn    func(domain.CallRecord)
}

func (w *recordWatcher) deliver(rec domain.CallRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.fn(rec)
}

func (w *recordWatcher) Close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()

	w.store.mu.Lock()
	if sr, ok := w.store.records[w.id]; ok {
		for i, rw := range sr.recWatchers {
			if rw == w {
				sr.recWatchers = append(sr.recWatchers[:i], sr.recWatchers[i+1:]...)
				break
			}
		}
	}
	w.store.mu.Unlock()
}

type candidateWatcher struct {
	store *Store
	id    string
	mu    sync.Mutex
	done  bool
	fn    func([]domain.CandidateEntry)
}

func (w *candidateWatcher) deliver(batch []domain.CandidateEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.fn(batch)
}

func (w *candidateWatcher) Close() {
	w.mu.Lock()
	w.done = true
	w.mu.Unlock()

	w.store.mu.Lock()
	if sr, ok := w.store.records[w.id]; ok {
		for i, cw := range sr.candWatchers {
			if cw == w {
				sr.candWatchers = append(sr.candWatchers[:i], sr.candWatchers[i+1:]...)
				break
			}
		}
	}
	w.store.mu.Unlock()
}
