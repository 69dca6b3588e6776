package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/duet/call-app/internal/account"
	"github.com/duet/call-app/internal/presence"
	"github.com/duet/call-app/internal/push"
	"github.com/duet/call-app/internal/signaling"
)

// fakeDirectory is an in-memory AccountReader.
type fakeDirectory struct {
	partners map[string]string
	pushSubs map[string]bool
}

func (d *fakeDirectory) PartnerOf(_ context.Context, identity string) (string, error) {
	if _, ok := d.partners[identity]; !ok {
		return "", account.ErrNotFound
	}
	return d.partners[identity], nil
}

func (d *fakeDirectory) Get(_ context.Context, identity string) (*account.Account, error) {
	if _, ok := d.partners[identity]; !ok {
		return nil, account.ErrNotFound
	}
	return &account.Account{
		ID:               identity,
		PartnerID:        d.partners[identity],
		PushSubscription: d.pushSubs[identity],
	}, nil
}

// fakePresence is an in-memory PresenceStore with a controllable clock.
type fakePresence struct {
	records map[string]*presence.Record
	now     func() time.Time
}

func newFakePresence(now func() time.Time) *fakePresence {
	return &fakePresence{records: make(map[string]*presence.Record), now: now}
}

func (p *fakePresence) rec(identity string) *presence.Record {
	r, ok := p.records[identity]
	if !ok {
		r = &presence.Record{ID: identity}
		p.records[identity] = r
	}
	return r
}

func (p *fakePresence) Touch(_ context.Context, identity string) error {
	r := p.rec(identity)
	r.LastActive = p.now().Unix()
	r.Online = true
	return nil
}

func (p *fakePresence) SetOffline(_ context.Context, identity string) error {
	p.rec(identity).Online = false
	return nil
}

func (p *fakePresence) SetTyping(_ context.Context, identity string, typing bool) error {
	r := p.rec(identity)
	r.Typing = typing
	if typing {
		r.TypingAt = p.now().UnixMilli()
	} else {
		r.TypingAt = 0
	}
	return nil
}

func (p *fakePresence) Get(_ context.Context, identity string) (*presence.Record, error) {
	r, ok := p.records[identity]
	if !ok {
		return nil, nil
	}
	return r, nil
}

// recordingNotifier captures notifications instead of sending them.
type recordingNotifier struct {
	mu    sync.Mutex
	sent  []string // recipient identities
	notes []push.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, identity string, note push.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, identity)
	n.notes = append(n.notes, note)
	return nil
}

// newTestService wires a service over fakes with alice and bob paired and
// carol unpaired. Returns the service and its collaborators for inspection.
func newTestService(t *testing.T) (*Service, *signaling.MemoryMailbox, *fakePresence, *recordingNotifier, *fakeDirectory) {
	t.Helper()

	dir := &fakeDirectory{
		partners: map[string]string{"alice": "bob", "bob": "alice", "carol": ""},
		pushSubs: map[string]bool{},
	}
	mailbox := signaling.NewMemoryMailbox()
	notifier := &recordingNotifier{}
	pres := newFakePresence(time.Now)
	svc := NewService(dir, mailbox, pres, notifier)
	return svc, mailbox, pres, notifier, dir
}

func TestOfferRoundTrip(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SendOffer(ctx, "alice", "v=0 offer-sdp"); err != nil {
		t.Fatalf("SendOffer() error: %v", err)
	}

	entry, cands, err := svc.Poll(ctx, "bob")
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if entry == nil {
		t.Fatal("expected an entry")
	}
	if entry.Kind != signaling.KindOffer || entry.SDP != "v=0 offer-sdp" || entry.From != "alice" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if len(cands) != 0 {
		t.Errorf("expected no candidates, got %d", len(cands))
	}

	// The offer was consumed; a second poll returns nothing.
	entry, _, err = svc.Poll(ctx, "bob")
	if err != nil {
		t.Fatalf("second Poll() error: %v", err)
	}
	if entry != nil {
		t.Errorf("expected nil entry on second poll, got %+v", entry)
	}
}

func TestRapidOffersLastWriteWins(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	svc.SendOffer(ctx, "alice", "first")
	svc.SendOffer(ctx, "alice", "second")

	entry, _, err := svc.Poll(ctx, "bob")
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if entry == nil || entry.SDP != "second" {
		t.Errorf("expected only the second offer, got %+v", entry)
	}
}

func TestSendWithoutPartner(t *testing.T) {
	svc, mailbox, _, _, _ := newTestService(t)
	ctx := context.Background()

	sends := []struct {
		name string
		call func() error
	}{
		{"offer", func() error { return svc.SendOffer(ctx, "carol", "sdp") }},
		{"answer", func() error { return svc.SendAnswer(ctx, "carol", "sdp") }},
		{"candidate", func() error { return svc.SendCandidate(ctx, "carol", "cand") }},
	}
	for _, s := range sends {
		if err := s.call(); !errors.Is(err, ErrNoPartner) {
			t.Errorf("%s: expected ErrNoPartner, got %v", s.name, err)
		}
	}

	// Unknown identities fail the same way.
	if err := svc.SendOffer(ctx, "mallory", "sdp"); !errors.Is(err, ErrNoPartner) {
		t.Errorf("unknown identity: expected ErrNoPartner, got %v", err)
	}

	// Nothing may have landed in any mailbox.
	for _, id := range []string{"alice", "bob", "carol", "mallory"} {
		entry, cands, _ := mailbox.Drain(ctx, id)
		if entry != nil || len(cands) != 0 {
			t.Errorf("mailbox for %s not empty: entry=%+v cands=%v", id, entry, cands)
		}
	}
}

func TestMissingPayload(t *testing.T) {
	svc, mailbox, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SendOffer(ctx, "alice", ""); !errors.Is(err, ErrMissingPayload) {
		t.Errorf("offer: expected ErrMissingPayload, got %v", err)
	}
	if err := svc.SendAnswer(ctx, "alice", ""); !errors.Is(err, ErrMissingPayload) {
		t.Errorf("answer: expected ErrMissingPayload, got %v", err)
	}

	entry, _, _ := mailbox.Drain(ctx, "bob")
	if entry != nil {
		t.Errorf("expected no mailbox write on payload failure, got %+v", entry)
	}
}

func TestCandidateWithEmptyFragment(t *testing.T) {
	// Candidate payloads are deliberately not validated; an empty fragment
	// is forwarded as-is.
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SendCandidate(ctx, "alice", ""); err != nil {
		t.Fatalf("SendCandidate(\"\") error: %v", err)
	}

	_, cands, _ := svc.Poll(ctx, "bob")
	if len(cands) != 1 || cands[0].Candidate != "" {
		t.Errorf("expected one empty fragment delivered, got %v", cands)
	}
}

func TestCandidateOrdering(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	svc.SendCandidate(ctx, "alice", "c1")
	svc.SendCandidate(ctx, "alice", "c2")
	svc.SendCandidate(ctx, "alice", "c3")

	_, cands, err := svc.Poll(ctx, "bob")
	if err != nil {
		t.Fatalf("Poll() error: %v", err)
	}
	if len(cands) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(cands))
	}
	for i, want := range []string{"c1", "c2", "c3"} {
		if cands[i].Candidate != want {
			t.Errorf("index %d: expected %q, got %q", i, want, cands[i].Candidate)
		}
	}
}

func TestEndUnpairedIsNoOp(t *testing.T) {
	svc, mailbox, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SendEnd(ctx, "carol"); err != nil {
		t.Fatalf("SendEnd() from unpaired identity: expected no error, got %v", err)
	}
	if err := svc.SendEnd(ctx, "mallory"); err != nil {
		t.Fatalf("SendEnd() from unknown identity: expected no error, got %v", err)
	}

	for _, id := range []string{"alice", "bob", "carol"} {
		entry, _, _ := mailbox.Drain(ctx, id)
		if entry != nil {
			t.Errorf("mailbox for %s not empty after no-op end: %+v", id, entry)
		}
	}
}

func TestEndPaired(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.SendEnd(ctx, "alice"); err != nil {
		t.Fatalf("SendEnd() error: %v", err)
	}

	entry, _, _ := svc.Poll(ctx, "bob")
	if entry == nil || entry.Kind != signaling.KindEnd || entry.From != "alice" {
		t.Errorf("expected an end entry from alice, got %+v", entry)
	}
}

func TestOfferPushNotification(t *testing.T) {
	svc, _, _, notifier, dir := newTestService(t)
	ctx := context.Background()

	// No subscription: no notification.
	svc.SendOffer(ctx, "alice", "sdp")
	if len(notifier.sent) != 0 {
		t.Fatalf("expected no notification without subscription, got %v", notifier.sent)
	}

	dir.pushSubs["bob"] = true
	svc.SendOffer(ctx, "alice", "sdp")
	if len(notifier.sent) != 1 || notifier.sent[0] != "bob" {
		t.Fatalf("expected one notification to bob, got %v", notifier.sent)
	}
	if notifier.notes[0].Type != push.TypeIncomingCall {
		t.Errorf("expected incoming_call notification, got %q", notifier.notes[0].Type)
	}
	if notifier.notes[0].Data["from"] != "alice" {
		t.Errorf("expected from=alice in data, got %v", notifier.notes[0].Data)
	}
}

func TestPartnerPresenceUnpaired(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	pp, err := svc.PartnerPresence(context.Background(), "carol")
	if err != nil {
		t.Fatalf("PartnerPresence() error: %v", err)
	}
	if pp.Connected {
		t.Error("expected connected=false for unpaired identity")
	}
}

func TestPartnerPresenceMissingRecord(t *testing.T) {
	svc, _, _, _, _ := newTestService(t)

	// Bob is paired to alice but alice has no presence record yet.
	pp, err := svc.PartnerPresence(context.Background(), "bob")
	if err != nil {
		t.Fatalf("PartnerPresence() error: %v", err)
	}
	if pp.Connected {
		t.Error("expected connected=false when partner record is missing")
	}
}

func TestPartnerPresenceDerivation(t *testing.T) {
	svc, _, pres, _, _ := newTestService(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	pres.now = func() time.Time { return base }
	svc.now = func() time.Time { return base }

	// Alice is active and typing; bob reads her presence.
	pres.Touch(ctx, "alice")
	pres.SetTyping(ctx, "alice", true)

	pp, err := svc.PartnerPresence(ctx, "bob")
	if err != nil {
		t.Fatalf("PartnerPresence() error: %v", err)
	}
	if !pp.Connected || !pp.IsOnline || !pp.IsTyping {
		t.Errorf("expected connected online typing, got %+v", pp)
	}
	if pp.LastActive != base.Unix() {
		t.Errorf("expected last_active=%d, got %d", base.Unix(), pp.LastActive)
	}

	// 6 seconds later typing has gone stale but online holds.
	svc.now = func() time.Time { return base.Add(6 * time.Second) }
	pp, _ = svc.PartnerPresence(ctx, "bob")
	if !pp.IsOnline {
		t.Error("expected online after 6s")
	}
	if pp.IsTyping {
		t.Error("expected typing stale after 6s")
	}

	// 5 minutes and 1 second later the sticky online flag no longer counts.
	svc.now = func() time.Time { return base.Add(5*time.Minute + time.Second) }
	pp, _ = svc.PartnerPresence(ctx, "bob")
	if pp.IsOnline {
		t.Error("expected derived online=false after the activity window")
	}
	if !pp.Connected {
		t.Error("staleness must not affect connected")
	}
}

func TestSetOfflineClearsDerivedOnline(t *testing.T) {
	svc, _, pres, _, _ := newTestService(t)
	ctx := context.Background()

	pres.Touch(ctx, "alice")
	svc.SetOffline(ctx, "alice")

	pp, err := svc.PartnerPresence(ctx, "bob")
	if err != nil {
		t.Fatalf("PartnerPresence() error: %v", err)
	}
	if pp.IsOnline {
		t.Error("expected online=false after explicit logout")
	}
	if pp.LastActive == 0 {
		t.Error("expected last_active preserved after logout")
	}
}
