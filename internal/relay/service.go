// Package relay implements the request-level signaling and presence
// operations of the Duet core. A Service binds the pairing directory, the
// signaling mailbox, the presence store, and the push notifier; every send
// operation resolves the caller's partner fresh against the directory, so
// the relay holds no session state of its own. No operation blocks: polls
// are point reads, sends are fire-and-forget mailbox writes.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/duet/call-app/internal/account"
	"github.com/duet/call-app/internal/presence"
	"github.com/duet/call-app/internal/push"
	"github.com/duet/call-app/internal/signaling"
)

var (
	// ErrNoPartner is returned when a send is attempted by an identity
	// with no resolvable partner. The mailbox is left untouched.
	ErrNoPartner = errors.New("relay: no partner linked")

	// ErrMissingPayload is returned when a required negotiation field is
	// absent from a send.
	ErrMissingPayload = errors.New("relay: missing payload")
)

// AccountReader is the slice of the account store the relay consumes.
type AccountReader interface {
	PartnerOf(ctx context.Context, identity string) (string, error)
	Get(ctx context.Context, identity string) (*account.Account, error)
}

// PresenceStore is the slice of the presence store the relay consumes.
type PresenceStore interface {
	Touch(ctx context.Context, identity string) error
	SetOffline(ctx context.Context, identity string) error
	SetTyping(ctx context.Context, identity string, typing bool) error
	Get(ctx context.Context, identity string) (*presence.Record, error)
}

// PartnerPresence is the derived presence view of the caller's partner.
type PartnerPresence struct {
	Connected  bool
	IsOnline   bool
	LastActive int64
	IsTyping   bool
}

// Service wires the relay operations together.
type Service struct {
	directory AccountReader
	mailbox   signaling.Mailbox
	presence  PresenceStore
	notifier  push.Notifier
	now       func() time.Time
}

// NewService creates a relay service. The notifier may be push.Noop{} for
// deployments without a push pipeline.
func NewService(directory AccountReader, mailbox signaling.Mailbox, presenceStore PresenceStore, notifier push.Notifier) *Service {
	return &Service{
		directory: directory,
		mailbox:   mailbox,
		presence:  presenceStore,
		notifier:  notifier,
		now:       time.Now,
	}
}

// partnerOf resolves the caller's partner, mapping "no partner" and
// "unknown account" both to ErrNoPartner.
func (s *Service) partnerOf(ctx context.Context, identity string) (string, error) {
	partner, err := s.directory.PartnerOf(ctx, identity)
	if errors.Is(err, account.ErrNotFound) {
		return "", ErrNoPartner
	}
	if err != nil {
		return "", fmt.Errorf("relay: resolve partner: %w", err)
	}
	if partner == "" {
		return "", ErrNoPartner
	}
	return partner, nil
}

// SendOffer places an offer in the partner's mailbox slot, replacing
// whatever was there. The partner is additionally nudged with a push
// notification when they have a subscription; that nudge is fire-and-forget.
func (s *Service) SendOffer(ctx context.Context, from, sdp string) error {
	if sdp == "" {
		return ErrMissingPayload
	}
	partner, err := s.partnerOf(ctx, from)
	if err != nil {
		return err
	}

	entry := signaling.Entry{Kind: signaling.KindOffer, SDP: sdp, From: from, Ts: s.now().Unix()}
	if err := s.mailbox.SetEntry(ctx, partner, entry); err != nil {
		return fmt.Errorf("relay: send offer: %w", err)
	}

	s.notifyIncomingCall(ctx, partner, from)
	return nil
}

// SendAnswer places an answer in the partner's mailbox slot.
func (s *Service) SendAnswer(ctx context.Context, from, sdp string) error {
	if sdp == "" {
		return ErrMissingPayload
	}
	partner, err := s.partnerOf(ctx, from)
	if err != nil {
		return err
	}

	entry := signaling.Entry{Kind: signaling.KindAnswer, SDP: sdp, From: from, Ts: s.now().Unix()}
	if err := s.mailbox.SetEntry(ctx, partner, entry); err != nil {
		return fmt.Errorf("relay: send answer: %w", err)
	}
	return nil
}

// SendCandidate appends a discovery fragment to the partner's queue. An
// empty fragment is tolerated and forwarded as-is; the peers' negotiation
// stacks decide what to make of it.
func (s *Service) SendCandidate(ctx context.Context, from, candidate string) error {
	partner, err := s.partnerOf(ctx, from)
	if err != nil {
		return err
	}

	cand := signaling.Candidate{Candidate: candidate, From: from, Ts: s.now().Unix()}
	if err := s.mailbox.AppendCandidate(ctx, partner, cand); err != nil {
		return fmt.Errorf("relay: send candidate: %w", err)
	}
	return nil
}

// SendEnd places an end signal in the partner's mailbox slot. Unpaired
// callers are a silent no-op: ending a call that cannot exist is not an
// error.
func (s *Service) SendEnd(ctx context.Context, from string) error {
	partner, err := s.partnerOf(ctx, from)
	if errors.Is(err, ErrNoPartner) {
		return nil
	}
	if err != nil {
		return err
	}

	entry := signaling.Entry{Kind: signaling.KindEnd, From: from, Ts: s.now().Unix()}
	if err := s.mailbox.SetEntry(ctx, partner, entry); err != nil {
		return fmt.Errorf("relay: send end: %w", err)
	}
	return nil
}

// Poll drains the caller's own mailbox: the pending entry (if any) and all
// queued candidates, atomically. Repeated polls with no intervening writes
// return empty results.
func (s *Service) Poll(ctx context.Context, identity string) (*signaling.Entry, []signaling.Candidate, error) {
	entry, cands, err := s.mailbox.Drain(ctx, identity)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: poll: %w", err)
	}
	return entry, cands, nil
}

// Touch records caller activity in the presence store.
func (s *Service) Touch(ctx context.Context, identity string) error {
	return s.presence.Touch(ctx, identity)
}

// SetOffline clears the caller's sticky online flag.
func (s *Service) SetOffline(ctx context.Context, identity string) error {
	return s.presence.SetOffline(ctx, identity)
}

// SetTyping sets or clears the caller's typing flag.
func (s *Service) SetTyping(ctx context.Context, identity string, typing bool) error {
	return s.presence.SetTyping(ctx, identity, typing)
}

// PartnerPresence resolves the caller's partner and derives their live
// presence against the current clock. Connected is false when no partner is
// linked or the partner has no presence record; this is not an error.
func (s *Service) PartnerPresence(ctx context.Context, identity string) (*PartnerPresence, error) {
	partner, err := s.partnerOf(ctx, identity)
	if errors.Is(err, ErrNoPartner) {
		return &PartnerPresence{}, nil
	}
	if err != nil {
		return nil, err
	}

	rec, err := s.presence.Get(ctx, partner)
	if err != nil {
		return nil, fmt.Errorf("relay: partner presence: %w", err)
	}
	if rec == nil {
		return &PartnerPresence{}, nil
	}

	now := s.now()
	return &PartnerPresence{
		Connected:  true,
		IsOnline:   presence.OnlineNow(rec, now),
		LastActive: rec.LastActive,
		IsTyping:   presence.TypingNow(rec, now),
	}, nil
}

// notifyIncomingCall publishes a ring notification to the recipient when
// their account carries a push subscription. Failures are logged and never
// surfaced to the sender.
func (s *Service) notifyIncomingCall(ctx context.Context, recipient, from string) {
	acct, err := s.directory.Get(ctx, recipient)
	if err != nil {
		log.Printf("[relay] push lookup failed recipient=%s: %v", recipient, err)
		return
	}
	if !acct.PushSubscription {
		return
	}

	n := push.Notification{
		Title: "Incoming call",
		Body:  "Your partner is calling",
		Type:  push.TypeIncomingCall,
		Data:  map[string]string{"from": from},
	}
	if err := s.notifier.Notify(ctx, recipient, n); err != nil {
		log.Printf("[relay] push notify failed recipient=%s: %v", recipient, err)
	}
}
