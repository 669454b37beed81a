package domain

import "context"

// ConnectionState is the connection capability's reported lifecycle state.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// LocalTrack is an opaque media track handle produced by the capture device
// and attached to the connection capability before a description is built.
type LocalTrack interface {
	ID() string
}

// Stream is an active local capture stream.
type Stream interface {
	Tracks() []LocalTrack
	Close() error
}

// CaptureDevice acquires local media. A denied device fails with ErrPermission.
type CaptureDevice interface {
	AcquireStream(ctx context.Context, video, audio bool) (Stream, error)
}

// Peer is the opaque connection capability the coordinator drives. It accepts
// local/remote descriptions and candidates and reports discovered candidates
// and state changes; the establishment algorithm itself lives behind it.
type Peer interface {
	// AddTrack attaches a local media track. Must be called before BuildOffer
	// or BuildAnswer, since attachment influences the generated description.
	AddTrack(t LocalTrack) error

	// BuildOffer creates an offer and commits it as the local description.
	// Single-shot per session; a second build fails with ErrInvalidState.
	BuildOffer() (SessionDescription, error)

	// BuildAnswer creates an answer and commits it as the local description.
	// Single-shot per session, same contract as BuildOffer.
	BuildAnswer() (SessionDescription, error)

	SetRemoteDescription(d SessionDescription) error
	AddCandidate(payload string) error

	// OnCandidate registers the handler for locally discovered candidates.
	// The sequence is lazy, unbounded and non-restartable; end of candidates
	// is signalled with end=true and an empty payload.
	OnCandidate(fn func(payload string, end bool))

	// OnRemoteTrack reports media arriving from the peer.
	OnRemoteTrack(fn func(trackID, kind string))

	OnConnectionState(fn func(s ConnectionState))
	Close() error
}

// Subscription is a handle for an active watch. After Close returns, the
// watch callback is never invoked again, on any goroutine.
type Subscription interface {
	Close()
}

// Channel is the rendezvous document store two peers use to exchange
// negotiation metadata before they can talk directly. Record writes are
// atomic per document; the candidate log is append-only.
type Channel interface {
	// CreateRecord stores a new call record and returns its id.
	CreateRecord(ctx context.Context, rec CallRecord) (string, error)

	// GetRecord returns the record, or (nil, nil) when absent.
	GetRecord(ctx context.Context, id string) (*CallRecord, error)

	// SetRecord updates a record. Only the populated fields of rec are
	// written and the candidate log is left untouched; offer and answer are
	// write-once in both merge modes, so a repeated write is a no-op.
	SetRecord(ctx context.Context, id string, rec CallRecord, merge bool) error

	// WatchRecord delivers the current record immediately and again on every
	// change. Snapshots may be redelivered.
	WatchRecord(id string, fn func(rec CallRecord)) (Subscription, error)

	// AppendCandidate appends one entry to the call's candidate log.
	AppendCandidate(ctx context.Context, id string, entry CandidateEntry) error

	// WatchCandidates delivers ordered batches of candidate entries. The
	// existing log is redelivered on subscribe, and batches may overlap.
	WatchCandidates(id string, fn func(entries []CandidateEntry)) (Subscription, error)
}
