// Package push carries fire-and-forget notifications toward a peer's
// devices. The relay publishes a notification when something worth waking
// the peer for lands in their mailbox (an incoming offer); delivery is
// handled downstream by the push gateway and is never confirmed to the
// sender.
package push

import "context"

// Notification types published by the relay.
const (
	TypeIncomingCall = "incoming_call"
)

// Notification is the payload delivered to a peer's devices. Data carries
// free-form hints for the client; the relay never reads it back.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Type  string            `json:"type"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier sends a notification to an identity. Failures must not affect
// the caller's response; callers log and move on.
type Notifier interface {
	Notify(ctx context.Context, identity string, n Notification) error
}

// Noop is a Notifier that discards everything. Used in tests and in
// deployments without a push pipeline.
type Noop struct{}

// Notify implements Notifier.
func (Noop) Notify(context.Context, string, Notification) error { return nil }
