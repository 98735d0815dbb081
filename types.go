package kindred

import (
	"encoding/json"
	"errors"
	"time"
)

// ============================================================================
// Error Taxonomy
// ============================================================================

// ErrorCode classifies every failure this layer can surface.
type ErrorCode string

const (
	// CodeNetworkUnavailable means no transport is reachable. Queue
	// processing pauses and requests fail fast.
	CodeNetworkUnavailable ErrorCode = "NETWORK_UNAVAILABLE"

	// CodeAuthorizationExpired means the access token was rejected.
	// The request pipeline retries exactly once after renewal.
	CodeAuthorizationExpired ErrorCode = "AUTHORIZATION_EXPIRED"

	// CodeSessionExpired means the refresh token is invalid or expired.
	// Terminal for the session: forces logout and credential purge.
	CodeSessionExpired ErrorCode = "SESSION_EXPIRED"

	// CodeValidationFailed means the payload was rejected by remote
	// service logic. Never retried by the queue.
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"

	// CodeOperationExhausted means a queued operation exceeded its retry
	// budget and was dropped.
	CodeOperationExhausted ErrorCode = "OPERATION_EXHAUSTED"

	// CodeSubscriptionError means a live watch failed. Delivered through
	// the subscription callback, never thrown.
	CodeSubscriptionError ErrorCode = "SUBSCRIPTION_ERROR"
)

// Error is the typed error crossing this layer's public boundary.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return string(e.Code) + ": " + e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes errors.Is match on the code alone, so sentinel comparisons
// like errors.Is(err, ErrSessionExpired) work regardless of message.
func (e *Error) Is(target error) bool {
	var ke *Error
	if errors.As(target, &ke) {
		return e.Code == ke.Code
	}
	return false
}

func newError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}

// Sentinels for errors.Is checks.
var (
	ErrNetworkUnavailable = &Error{Code: CodeNetworkUnavailable}
	ErrSessionExpired     = &Error{Code: CodeSessionExpired}
	ErrValidationFailed   = &Error{Code: CodeValidationFailed}
	ErrOperationExhausted = &Error{Code: CodeOperationExhausted}
)

// CodeOf extracts the ErrorCode from an error, or "" if it is not ours.
func CodeOf(err error) ErrorCode {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// ============================================================================
// Result
// ============================================================================

// Result is the uniform outcome of every request-shaped operation.
// A raw transport error never crosses this boundary.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// apiEnvelope is the remote endpoint's JSON response shape.
type apiEnvelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *apiError       `json:"error,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Session
// ============================================================================

// Session is the authenticated identity. The access token is valid only
// until AccessTokenExpiresAt; the refresh token is the only credential
// able to mint a new access token.
type Session struct {
	SubjectID            string    `json:"subjectId"`
	AccessToken          string    `json:"accessToken"`
	RefreshToken         string    `json:"refreshToken"`
	AccessTokenExpiresAt time.Time `json:"accessTokenExpiresAt"`
}

// SessionState is the token lifecycle state machine.
type SessionState string

const (
	StateLoggedOut      SessionState = "logged_out"
	StateAuthenticating SessionState = "authenticating"
	StateAuthenticated  SessionState = "authenticated"
	StateRenewing       SessionState = "renewing"
)

// TokenPair is the remote endpoint's response to code verification and
// token refresh.
type TokenPair struct {
	SubjectID    string `json:"subjectId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ============================================================================
// Queued Operations
// ============================================================================

// QueuedOperation is a durable unit of deferred mutating work. Only the
// kind tag and the serializable payload are persisted; the executor is
// resolved from the registry at replay time.
type QueuedOperation struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
}

// QueueStatus is a point-in-time snapshot for UI indicators.
type QueueStatus struct {
	PendingCount int
	IsProcessing bool
	RetryCounts  map[string]int
}

// ============================================================================
// Subscriptions
// ============================================================================

// Query narrows a collection watch.
type Query struct {
	Filters map[string]string `json:"filters,omitempty"`
	OrderBy string            `json:"orderBy,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// SubscriptionEvent is delivered to a subscription callback on every
// server-pushed change. Err is set instead of Data when the watch fails.
type SubscriptionEvent struct {
	Data json.RawMessage
	Err  error
}

// ConnectionState is the process-wide network reachability signal.
type ConnectionState string

const (
	ConnectionUnknown      ConnectionState = "unknown"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
)

// PresenceEntry is a user's last known online flag. Never persisted.
type PresenceEntry struct {
	SubjectID string `json:"subjectId"`
	IsOnline  bool   `json:"isOnline"`
}

// ============================================================================
// Wire envelopes (websocket)
// ============================================================================

// envelope is the wire format for all push events, both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// command is a client-to-server websocket message.
type command struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// subscribePayload opens a watch on a collection or a single document.
type subscribePayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Collection     string `json:"collection"`
	Document       string `json:"document,omitempty"`
	*Query
}

// watchDataPayload carries a server-pushed snapshot or change.
type watchDataPayload struct {
	SubscriptionID string          `json:"subscriptionId"`
	Data           json.RawMessage `json:"data"`
}

// watchErrorPayload carries a server-side watch failure.
type watchErrorPayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Message        string `json:"message"`
}

// presenceChangedPayload is pushed when a user's online flag changes.
type presenceChangedPayload struct {
	SubjectID string `json:"subjectId"`
	IsOnline  bool   `json:"isOnline"`
}

// heartbeatPayload is the periodic liveness signal on the presence channel.
type heartbeatPayload struct {
	SubjectID string `json:"subjectId"`
	At        string `json:"at"`
}
