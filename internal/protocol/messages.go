// Package protocol defines the JSON request and response bodies of the Duet
// relay HTTP API, together with the stable error codes returned in the error
// envelope. Signaling payloads (session descriptions, candidate fragments)
// are opaque strings; the relay never inspects them.
package protocol

import "github.com/duet/call-app/internal/signaling"

// Stable error codes returned in the error envelope.
const (
	CodeUnauthenticated = "unauthenticated"
	CodeNoPartner       = "no_partner"
	CodeMissingPayload  = "missing_payload"
	CodeInvalidRequest  = "invalid_request"
	CodeInvalidCode     = "invalid_code"
	CodeAlreadyPaired   = "already_paired"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

// ErrorBody carries a stable machine-readable code and a human-readable
// message. Internal details are never exposed here.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse is the envelope for all API failures.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// NewError builds an error envelope.
func NewError(code, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: code, Message: message}}
}

// AckResponse acknowledges a fire-and-forget write. It confirms only that
// the write was accepted, never that the partner received it.
type AckResponse struct {
	OK bool `json:"ok"`
}

// RegisterResponse is returned by POST /v1/register.
type RegisterResponse struct {
	Identity string `json:"identity"`
	Token    string `json:"token"`
}

// PairCodeResponse is returned by POST /v1/pair/code.
type PairCodeResponse struct {
	Code      string `json:"code"`
	ExpiresIn int    `json:"expires_in"` // seconds
}

// PairLinkRequest is the body of POST /v1/pair/link.
type PairLinkRequest struct {
	Code string `json:"code"`
}

// PairLinkResponse is returned by POST /v1/pair/link.
type PairLinkResponse struct {
	Partner string `json:"partner"`
}

// OfferRequest is the body of POST /v1/call/offer.
type OfferRequest struct {
	SDP string `json:"sdp"`
}

// AnswerRequest is the body of POST /v1/call/answer.
type AnswerRequest struct {
	SDP string `json:"sdp"`
}

// CandidateRequest is the body of POST /v1/call/candidate.
type CandidateRequest struct {
	Candidate string `json:"candidate"`
}

// TypingRequest is the body of POST /v1/presence/typing.
type TypingRequest struct {
	IsTyping bool `json:"is_typing"`
}

// PushSubscriptionRequest is the body of POST /v1/push/subscription.
type PushSubscriptionRequest struct {
	Subscription string `json:"subscription"`
}

// PollResponse is returned by GET /v1/call/poll. Entry is omitted when no
// negotiation message is pending; Candidates is always present, possibly
// empty.
type PollResponse struct {
	Entry      *signaling.Entry      `json:"entry,omitempty"`
	Candidates []signaling.Candidate `json:"candidates"`
}

// PresenceResponse is returned by GET /v1/presence and describes the
// caller's partner. Connected is false when the caller has no partner or the
// partner has no presence record; the remaining fields are then zero values.
type PresenceResponse struct {
	Connected  bool  `json:"connected"`
	IsOnline   bool  `json:"is_online"`
	LastActive int64 `json:"last_active"`
	IsTyping   bool  `json:"is_typing"`
}
