package domain

// Role identifies which side of the negotiation a session plays.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// Opposite returns the peer's role.
func (r Role) Opposite() Role {
	if r == RoleInitiator {
		return RoleResponder
	}
	return RoleInitiator
}

// SessionDescription is a negotiation payload (offer or answer) produced and
// consumed by the connection capability. The core passes it through opaquely.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CallRecord is the shared signaling document for one call. The initiator
// writes the offer, the responder writes the answer; each field is written
// at most once.
type CallRecord struct {
	Offer  *SessionDescription `json:"offer,omitempty"`
	Answer *SessionDescription `json:"answer,omitempty"`
}

// CandidateEntry is one discovered network candidate appended to a call's
// candidate log. Payload is opaque to the core; Role tags who discovered it,
// and each side applies only entries tagged with the opposite role.
type CandidateEntry struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Payload string `json:"payload"`
}
