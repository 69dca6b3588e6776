package signaling

import (
	"context"
	"sync"
)

// MemoryMailbox is the in-process Mailbox implementation. A read-write mutex
// guards the recipient index; each recipient's box carries its own mutex so
// that slot and queue operations for one recipient serialize without
// contending with traffic for any other recipient.
type MemoryMailbox struct {
	mu    sync.RWMutex
	boxes map[string]*box

	// maxCandidates, when positive, caps the per-recipient queue by
	// discarding the oldest fragment on overflow. Zero means unbounded,
	// which is the contractual default.
	maxCandidates int
}

// box holds one recipient's pending signaling state.
type box struct {
	mu    sync.Mutex
	entry *Entry
	cands []Candidate
}

// NewMemoryMailbox creates an empty in-memory mailbox with no candidate cap.
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{boxes: make(map[string]*box)}
}

// NewBoundedMemoryMailbox creates an in-memory mailbox whose candidate
// queues keep at most maxCandidates fragments, newest first to go stale.
// This is a hardening option for deployments with unreliable pollers; the
// relay contract itself places no bound on the queue.
func NewBoundedMemoryMailbox(maxCandidates int) *MemoryMailbox {
	return &MemoryMailbox{
		boxes:         make(map[string]*box),
		maxCandidates: maxCandidates,
	}
}

// getBox returns the recipient's box, creating it on first use.
func (m *MemoryMailbox) getBox(recipient string) *box {
	m.mu.RLock()
	b, ok := m.boxes[recipient]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.boxes[recipient]; ok {
		return b
	}
	b = &box{}
	m.boxes[recipient] = b
	return b
}

// SetEntry replaces the recipient's slot. Any prior entry is discarded and
// never delivered.
func (m *MemoryMailbox) SetEntry(_ context.Context, recipient string, entry Entry) error {
	b := m.getBox(recipient)
	b.mu.Lock()
	b.entry = &entry
	b.mu.Unlock()
	return nil
}

// AppendCandidate appends a fragment to the recipient's queue.
func (m *MemoryMailbox) AppendCandidate(_ context.Context, recipient string, cand Candidate) error {
	b := m.getBox(recipient)
	b.mu.Lock()
	b.cands = append(b.cands, cand)
	if m.maxCandidates > 0 && len(b.cands) > m.maxCandidates {
		b.cands = b.cands[len(b.cands)-m.maxCandidates:]
	}
	b.mu.Unlock()
	return nil
}

// Drain takes both the slot and the queue in one step. The box itself is
// kept for reuse; an empty box costs a few words per recipient.
func (m *MemoryMailbox) Drain(_ context.Context, recipient string) (*Entry, []Candidate, error) {
	m.mu.RLock()
	b, ok := m.boxes[recipient]
	m.mu.RUnlock()
	if !ok {
		return nil, []Candidate{}, nil
	}

	b.mu.Lock()
	entry := b.entry
	cands := b.cands
	b.entry = nil
	b.cands = nil
	b.mu.Unlock()

	if cands == nil {
		cands = []Candidate{}
	}
	return entry, cands, nil
}
