package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/duet/call-app/internal/auth"
)

type fakeVerifier struct {
	tokens map[string]string
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	identity, ok := v.tokens[token]
	if !ok {
		return "", auth.ErrInvalidToken
	}
	return identity, nil
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(DefaultConfig(), &fakeVerifier{tokens: map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	}})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func wsURL(ts *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
}

// waitForConnections polls the registry until it reaches the expected count;
// registration happens after the HTTP upgrade returns to the client.
func waitForConnections(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.registry.Count() != want {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d connections, have %d", want, s.registry.Count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUpgradeRejectsBadToken(t *testing.T) {
	_, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, _, _, err := ws.Dial(ctx, wsURL(ts, "nope")); err == nil {
		t.Fatal("expected dial to fail with an invalid token")
	}
}

func TestDeliverReachesConnectedClient(t *testing.T) {
	s, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, wsURL(ts, "tok-alice"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitForConnections(t, s, 1)

	payload := []byte(`{"type":"incoming_call"}`)
	s.Deliver("alice", payload)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != string(payload) {
		t.Errorf("expected %q, got %q", payload, msg)
	}
}

func TestDeliverToDisconnectedIdentityIsNoOp(t *testing.T) {
	s, _ := newTestServer(t)

	// No connection for bob; this must not panic or block.
	s.Deliver("bob", []byte("nudge"))
}

func TestDeliverFansOutToAllConnections(t *testing.T) {
	s, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn1, _, _, err := ws.Dial(ctx, wsURL(ts, "tok-alice"))
	if err != nil {
		t.Fatalf("dial 1: %v", err)
	}
	defer conn1.Close()

	conn2, _, _, err := ws.Dial(ctx, wsURL(ts, "tok-alice"))
	if err != nil {
		t.Fatalf("dial 2: %v", err)
	}
	defer conn2.Close()
	waitForConnections(t, s, 2)

	s.Deliver("alice", []byte("ring"))

	_ = conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_ = conn2.SetReadDeadline(time.Now().Add(2 * time.Second))
	msg1, err := wsutil.ReadServerText(conn1)
	if err != nil {
		t.Fatalf("read conn1: %v", err)
	}
	msg2, err := wsutil.ReadServerText(conn2)
	if err != nil {
		t.Fatalf("read conn2: %v", err)
	}
	if string(msg1) != "ring" || string(msg2) != "ring" {
		t.Errorf("expected both connections to receive the nudge, got %q and %q", msg1, msg2)
	}
}

func TestCloseRemovesConnection(t *testing.T) {
	s, ts := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, _, _, err := ws.Dial(ctx, wsURL(ts, "tok-bob"))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitForConnections(t, s, 1)

	conn.Close()
	waitForConnections(t, s, 0)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	// Add/Get/Count never touch the net.Conn, so a bare entry is enough here.
	a1 := &Connection{Identity: "alice"}
	r.Add(a1)
	if r.Count() != 1 {
		t.Fatalf("expected 1 connection, got %d", r.Count())
	}
	if got := r.Get("alice"); len(got) != 1 || got[0] != a1 {
		t.Fatalf("unexpected lookup result: %v", got)
	}
	if got := r.Get("bob"); len(got) != 0 {
		t.Fatalf("expected no connections for bob, got %d", len(got))
	}
}
