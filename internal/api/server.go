// Package api exposes the Duet relay over HTTP. Clients poll; nothing is
// pushed on this surface. Every handler converts internal failures to the
// stable error envelope defined in the protocol package, authenticated via
// bearer tokens resolved at the boundary so the relay core only ever sees
// identities.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/duet/call-app/internal/account"
	"github.com/duet/call-app/internal/auth"
	"github.com/duet/call-app/internal/metrics"
	"github.com/duet/call-app/internal/protocol"
	"github.com/duet/call-app/internal/ratelimit"
	"github.com/duet/call-app/internal/relay"
)

// Config holds tunable parameters for the API server.
type Config struct {
	ListenAddr   string        // address to listen on, e.g. ":8080"
	ReadTimeout  time.Duration // timeout for reading request bodies
	WriteTimeout time.Duration // timeout for writing responses
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   ":8080",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// AccountService is the slice of the account store the API consumes.
type AccountService interface {
	Create(ctx context.Context) (string, error)
	Link(ctx context.Context, a, b string) error
	SetPushSubscription(ctx context.Context, identity, subscription string) error
}

// CodeService mints and redeems one-time pair codes.
type CodeService interface {
	Mint(ctx context.Context, identity string) (string, error)
	Redeem(ctx context.Context, code string) (string, error)
}

// TokenService issues, verifies, and revokes bearer tokens.
type TokenService interface {
	auth.Verifier
	Issue(ctx context.Context, identity string) (string, error)
	Revoke(ctx context.Context, token string) error
}

// Limiter is the rate-limit check used by the API. A nil Limiter disables
// rate limiting.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server serves the relay HTTP API.
type Server struct {
	config     Config
	relay      *relay.Service
	accounts   AccountService
	codes      CodeService
	tokens     TokenService
	limiter    Limiter
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates an API server over the given collaborators. limiter may
// be nil to disable rate limiting.
func NewServer(config Config, relaySvc *relay.Service, accounts AccountService, codes CodeService, tokens TokenService, limiter Limiter) *Server {
	return &Server{
		config:   config,
		relay:    relaySvc,
		accounts: accounts,
		codes:    codes,
		tokens:   tokens,
		limiter:  limiter,
	}
}

// Handler builds the route table. Exposed separately from Start so tests can
// drive the server through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/register", s.handleRegister)
	mux.HandleFunc("POST /v1/pair/code", s.authed(true, s.handlePairCode))
	mux.HandleFunc("POST /v1/pair/link", s.authed(true, s.handlePairLink))

	mux.HandleFunc("POST /v1/call/offer", s.authed(true, s.handleOffer))
	mux.HandleFunc("POST /v1/call/answer", s.authed(true, s.handleAnswer))
	mux.HandleFunc("POST /v1/call/candidate", s.authed(true, s.handleCandidate))
	mux.HandleFunc("POST /v1/call/end", s.authed(true, s.handleEnd))
	mux.HandleFunc("GET /v1/call/poll", s.authed(true, s.handlePoll))

	mux.HandleFunc("POST /v1/presence/heartbeat", s.authed(true, s.handleHeartbeat))
	mux.HandleFunc("POST /v1/presence/typing", s.authed(true, s.handleTyping))
	mux.HandleFunc("GET /v1/presence", s.authed(true, s.handlePresence))
	mux.HandleFunc("POST /v1/push/subscription", s.authed(true, s.handlePushSubscription))
	mux.HandleFunc("POST /v1/logout", s.authed(false, s.handleLogout))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mux.ServeHTTP(w, r)
		metrics.RequestDuration.Observe(time.Since(start).Seconds())
	})
}

// Start begins serving and blocks until the listener closes.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	log.Printf("api: server listening on %s", s.config.ListenAddr)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	log.Println("api: shutting down server...")
	return s.httpServer.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// authed wraps a handler with bearer-token authentication. When touch is
// true the call also counts as activity for the caller's presence record,
// which is what keeps a polling client "online" without explicit heartbeats.
func (s *Server) authed(touch bool, next func(w http.ResponseWriter, r *http.Request, identity string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.tokens.Verify(r.Context(), bearerToken(r))
		if errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, protocol.CodeUnauthenticated, "invalid or missing token")
			return
		}
		if err != nil {
			log.Printf("[api] token verify failed: %v", err)
			writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
			return
		}

		if touch {
			if err := s.relay.Touch(r.Context(), identity); err != nil {
				// Presence is best-effort; the request itself proceeds.
				log.Printf("[api] presence touch failed identity=%s: %v", identity, err)
			}
		}

		next(w, r, identity)
	}
}

// ---------------------------------------------------------------------------
// Account and pairing handlers
// ---------------------------------------------------------------------------

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allow(r, clientIP(r), ratelimit.RuleRegister) {
		writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many registrations")
		return
	}

	identity, err := s.accounts.Create(r.Context())
	if err != nil {
		log.Printf("[api] register: create account: %v", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	token, err := s.tokens.Issue(r.Context(), identity)
	if err != nil {
		log.Printf("[api] register: issue token: %v", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	log.Printf("[api] registered identity=%s", identity)
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{Identity: identity, Token: token})
}

func (s *Server) handlePairCode(w http.ResponseWriter, r *http.Request, identity string) {
	if !s.allow(r, identity, ratelimit.RulePairCode) {
		writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many pair codes")
		return
	}

	code, err := s.codes.Mint(r.Context(), identity)
	if err != nil {
		log.Printf("[api] pair code mint failed identity=%s: %v", identity, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, protocol.PairCodeResponse{
		Code:      code,
		ExpiresIn: int(account.CodeTTL.Seconds()),
	})
}

func (s *Server) handlePairLink(w http.ResponseWriter, r *http.Request, identity string) {
	var req protocol.PairLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "pair code required")
		return
	}

	owner, err := s.codes.Redeem(r.Context(), req.Code)
	if errors.Is(err, account.ErrCodeInvalid) {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidCode, "invalid or expired pair code")
		return
	}
	if err != nil {
		log.Printf("[api] pair code redeem failed: %v", err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	err = s.accounts.Link(r.Context(), owner, identity)
	switch {
	case errors.Is(err, account.ErrSelfLink):
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidCode, "cannot redeem your own pair code")
	case errors.Is(err, account.ErrAlreadyPaired):
		writeError(w, http.StatusConflict, protocol.CodeAlreadyPaired, "one of the accounts is already paired")
	case errors.Is(err, account.ErrNotFound):
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidCode, "invalid or expired pair code")
	case err != nil:
		log.Printf("[api] link failed %s<->%s: %v", owner, identity, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
	default:
		log.Printf("[api] paired %s <-> %s", owner, identity)
		writeJSON(w, http.StatusOK, protocol.PairLinkResponse{Partner: owner})
	}
}

func (s *Server) handlePushSubscription(w http.ResponseWriter, r *http.Request, identity string) {
	var req protocol.PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Subscription == "" {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "subscription required")
		return
	}

	if err := s.accounts.SetPushSubscription(r.Context(), identity, req.Subscription); err != nil {
		log.Printf("[api] set push subscription failed identity=%s: %v", identity, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	writeAck(w)
}

// ---------------------------------------------------------------------------
// Signaling handlers
// ---------------------------------------------------------------------------

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request, identity string) {
	var req protocol.OfferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "malformed request body")
		return
	}
	s.handleSend(w, r, identity, "offer", func(ctx context.Context) error {
		return s.relay.SendOffer(ctx, identity, req.SDP)
	})
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request, identity string) {
	var req protocol.AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "malformed request body")
		return
	}
	s.handleSend(w, r, identity, "answer", func(ctx context.Context) error {
		return s.relay.SendAnswer(ctx, identity, req.SDP)
	})
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request, identity string) {
	// The fragment payload is not validated; an absent candidate is
	// forwarded as an empty fragment.
	var req protocol.CandidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "malformed request body")
		return
	}
	s.handleSend(w, r, identity, "candidate", func(ctx context.Context) error {
		return s.relay.SendCandidate(ctx, identity, req.Candidate)
	})
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request, identity string) {
	s.handleSend(w, r, identity, "end", func(ctx context.Context) error {
		return s.relay.SendEnd(ctx, identity)
	})
}

// handleSend applies the shared send policy: rate limit, invoke, map errors
// to the stable codes, count metrics, acknowledge.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, identity, kind string, send func(ctx context.Context) error) {
	if !s.allow(r, identity, ratelimit.RuleSignal) {
		metrics.SignalRejectsTotal.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, protocol.CodeRateLimited, "too many signaling sends")
		return
	}

	err := send(r.Context())
	switch {
	case errors.Is(err, relay.ErrMissingPayload):
		metrics.SignalRejectsTotal.WithLabelValues("missing_payload").Inc()
		writeError(w, http.StatusBadRequest, protocol.CodeMissingPayload, "session description required")
	case errors.Is(err, relay.ErrNoPartner):
		metrics.SignalRejectsTotal.WithLabelValues("no_partner").Inc()
		writeError(w, http.StatusConflict, protocol.CodeNoPartner, "no partner linked")
	case err != nil:
		log.Printf("[api] %s send failed identity=%s: %v", kind, identity, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
	default:
		metrics.SignalSendsTotal.WithLabelValues(kind).Inc()
		writeAck(w)
	}
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request, identity string) {
	entry, cands, err := s.relay.Poll(r.Context(), identity)
	if err != nil {
		log.Printf("[api] poll failed identity=%s: %v", identity, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	if entry != nil || len(cands) > 0 {
		metrics.PollsTotal.WithLabelValues("pending").Inc()
	} else {
		metrics.PollsTotal.WithLabelValues("empty").Inc()
	}
	metrics.CandidatesDeliveredTotal.Add(float64(len(cands)))

	writeJSON(w, http.StatusOK, protocol.PollResponse{Entry: entry, Candidates: cands})
}

// ---------------------------------------------------------------------------
// Presence handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request, identity string) {
	// The auth middleware already touched the presence record.
	writeAck(w)
}

func (s *Server) handleTyping(w http.ResponseWriter, r *http.Request, identity string) {
	var req protocol.TypingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, protocol.CodeInvalidRequest, "malformed request body")
		return
	}

	if err := s.relay.SetTyping(r.Context(), identity, req.IsTyping); err != nil {
		log.Printf("[api] set typing failed identity=%s: %v", identity, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}
	writeAck(w)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request, identity string) {
	pp, err := s.relay.PartnerPresence(r.Context(), identity)
	if err != nil {
		log.Printf("[api] presence read failed identity=%s: %v", identity, err)
		writeError(w, http.StatusInternalServerError, protocol.CodeInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, protocol.PresenceResponse{
		Connected:  pp.Connected,
		IsOnline:   pp.IsOnline,
		LastActive: pp.LastActive,
		IsTyping:   pp.IsTyping,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, identity string) {
	if err := s.relay.SetOffline(r.Context(), identity); err != nil {
		log.Printf("[api] set offline failed identity=%s: %v", identity, err)
	}
	if err := s.tokens.Revoke(r.Context(), bearerToken(r)); err != nil {
		log.Printf("[api] token revoke failed identity=%s: %v", identity, err)
	}
	log.Printf("[api] logout identity=%s", identity)
	writeAck(w)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// handleHealth responds with the server's health status as JSON. Used by
// load balancers for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status string `json:"status"`
		Uptime string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// allow runs a rate-limit check, failing open when no limiter is configured.
func (s *Server) allow(r *http.Request, identifier string, rule ratelimit.Rule) bool {
	if s.limiter == nil {
		return true
	}
	ok, _ := s.limiter.Allow(r.Context(), identifier, rule)
	return ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAck(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, protocol.AckResponse{OK: true})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.NewError(code, message))
}

// bearerToken extracts the token from the Authorization header. Returns ""
// when the header is absent or not a bearer scheme.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if len(header) > len(prefix) && header[:len(prefix)] == prefix {
		return header[len(prefix):]
	}
	return ""
}

// clientIP returns the request's remote IP without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
