// Package signaling implements the per-recipient mailbox that relays
// session-negotiation data between two paired peers. Each recipient owns a
// single replace-on-write slot holding the most recent negotiation entry
// (offer, answer, or end) and an append-only queue of discovery-candidate
// fragments. Both channels are consumed together by the recipient's next
// drain, which is atomic with respect to concurrent writes for the same
// recipient.
//
// Delivery is best-effort by design: a newer entry silently replaces an
// undelivered one, and a drain that races with a concurrent write may miss
// it until the following drain. The mailbox never inspects payloads; session
// descriptions and candidate fragments are opaque to it.
package signaling

import "context"

// EntryKind discriminates the negotiation message held in a mailbox slot.
type EntryKind string

const (
	KindOffer  EntryKind = "offer"
	KindAnswer EntryKind = "answer"
	KindEnd    EntryKind = "end"
)

// Entry is the single-slot negotiation message for a recipient. At most one
// is outstanding per recipient; writing a new one discards any predecessor.
type Entry struct {
	Kind EntryKind `json:"kind"`
	SDP  string    `json:"sdp,omitempty"` // opaque session description, empty for end
	From string    `json:"from"`
	Ts   int64     `json:"ts"` // unix seconds at write time
}

// Candidate is one discovery-candidate fragment queued for a recipient.
// The fragment itself is opaque; the peers' negotiation stacks interpret it.
type Candidate struct {
	Candidate string `json:"candidate"`
	From      string `json:"from"`
	Ts        int64  `json:"ts"`
}

// Mailbox is the atomic per-recipient signaling store. Implementations must
// serialize slot and queue operations per recipient key; operations on
// different recipients must not contend with each other.
//
// The in-memory implementation suits a single relay instance; the
// Redis-backed one provides the same per-key read-and-clear semantics across
// instances.
type Mailbox interface {
	// SetEntry unconditionally replaces the recipient's slot.
	SetEntry(ctx context.Context, recipient string, entry Entry) error

	// AppendCandidate appends a fragment to the recipient's queue,
	// creating the queue if none exists. No size bound is enforced by
	// default; an unpolled recipient accumulates fragments until drained.
	AppendCandidate(ctx context.Context, recipient string, cand Candidate) error

	// Drain atomically reads and removes both the slot and the queue for
	// the recipient. It returns a nil entry and an empty candidate slice
	// when nothing is pending. A write landing strictly before the drain
	// is observed by it; a write landing strictly after survives to the
	// next drain.
	Drain(ctx context.Context, recipient string) (*Entry, []Candidate, error)
}
