// Package kindred is the client-side resilience layer of the Kindred app:
// an offline-tolerant operation queue, a token-lifecycle session manager,
// and push-based subscription and presence channels that keep the app
// usable under an unreliable mobile network and short-lived credentials.
//
// Example:
//
//	store := kindred.NewMemoryStore()
//	client := kindred.NewClient("https://api.kindred.app", store)
//
//	// Session
//	client.Sessions().VerifyCode(ctx, "+15550100", "123456")
//	token, _ := client.Sessions().GetValidAccessToken(ctx)
//
//	// Offline queue
//	queue := kindred.NewQueue(store, client.Reachability(), nil)
//	queue.RegisterExecutor("message.send", sendExecutor)
//	pending, _ := queue.Enqueue(ctx, "message.send", payload)
//	<-pending.Done()
package kindred

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultTimeout bounds every network call made through the client.
	DefaultTimeout = 30 * time.Second

	// DefaultRenewMargin is how close to expiry the access token may get
	// before a proactive renewal is triggered.
	DefaultRenewMargin = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client wraps the remote endpoint with the request pipeline: credential
// attachment, one-shot retry-after-renewal, and failure classification.
type Client struct {
	endpoint    string
	httpClient  *http.Client
	log         *logrus.Logger
	store       Store
	reach       *Reachability
	renewMargin time.Duration
	sessions    *SessionManager
}

type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-call HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithLogger attaches a logger. The default logger discards everything.
func WithLogger(log *logrus.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// WithReachability shares an externally owned reachability monitor.
func WithReachability(r *Reachability) ClientOption {
	return func(c *Client) { c.reach = r }
}

// WithRenewMargin sets the proactive renewal margin for access tokens.
func WithRenewMargin(d time.Duration) ClientOption {
	return func(c *Client) { c.renewMargin = d }
}

// NewClient creates a client for the given endpoint. The store holds
// credentials across restarts; pass a MemoryStore if durability is not
// needed.
func NewClient(endpoint string, store Store, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:    strings.TrimRight(endpoint, "/"),
		httpClient:  &http.Client{Timeout: DefaultTimeout},
		store:       store,
		renewMargin: DefaultRenewMargin,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.New()
		c.log.SetOutput(io.Discard)
	}
	if c.reach == nil {
		c.reach = NewReachability()
	}
	c.sessions = newSessionManager(c)
	return c
}

// Sessions returns the token lifecycle manager.
func (c *Client) Sessions() *SessionManager { return c.sessions }

// Reachability returns the shared connection-state monitor.
func (c *Client) Reachability() *Reachability { return c.reach }

// Endpoint returns the configured server endpoint.
func (c *Client) Endpoint() string { return c.endpoint }

// ============================================================================
// Request pipeline
// ============================================================================

// RequestOptions tunes a single call through the pipeline.
type RequestOptions struct {
	// NoAuth skips credential attachment. Default is authenticated.
	NoAuth bool
	// Query is appended to the request URL.
	Query map[string]string
}

// Do sends a request through the pipeline. Failures come back both ways:
// a Result with Success=false and Message set, and a typed *Error for
// errors.Is checks. A raw transport error never escapes.
func (c *Client) Do(ctx context.Context, method, path string, body interface{}, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}

	token := ""
	if !opts.NoAuth {
		var err error
		token, err = c.sessions.GetValidAccessToken(ctx)
		if err != nil {
			return failure(err), err
		}
	}

	status, data, err := c.raw(ctx, method, path, body, token, opts.Query)
	if err != nil {
		e := newError(CodeNetworkUnavailable, "request failed", err)
		return failure(e), e
	}

	// One renewal retry on rejection, then terminal. Never loops.
	if status == http.StatusUnauthorized && !opts.NoAuth {
		if err := c.sessions.Renew(ctx); err != nil {
			return failure(err), err
		}
		token, err = c.sessions.GetValidAccessToken(ctx)
		if err != nil {
			return failure(err), err
		}
		status, data, err = c.raw(ctx, method, path, body, token, opts.Query)
		if err != nil {
			e := newError(CodeNetworkUnavailable, "request failed", err)
			return failure(e), e
		}
		if status == http.StatusUnauthorized {
			e := newError(CodeAuthorizationExpired, "request rejected after renewal", nil)
			return failure(e), e
		}
	}

	return classify(status, data)
}

// raw issues a single HTTP request and returns status and body. This is
// the only place a transport error can originate.
func (c *Client) raw(ctx context.Context, method, path string, body interface{}, token string, query map[string]string) (int, []byte, error) {
	u := c.endpoint + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, data, nil
}

// classify maps an HTTP outcome onto the uniform Result shape and the
// error taxonomy.
func classify(status int, data []byte) (*Result, error) {
	var env apiEnvelope
	if len(data) > 0 {
		// A malformed body on a 2xx is still a success with raw data.
		_ = json.Unmarshal(data, &env)
	}

	message := ""
	var cause error
	if env.Error != nil {
		message = env.Error.Message
		cause = env.Error
	}

	switch {
	case status >= 200 && status < 300 && env.Error == nil:
		out := env.Data
		if out == nil {
			out = data
		}
		return &Result{Success: true, Data: out}, nil
	case status == http.StatusUnauthorized:
		e := newError(CodeAuthorizationExpired, message, cause)
		return failure(e), e
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity ||
		(status >= 200 && status < 500 && env.Error != nil):
		e := newError(CodeValidationFailed, message, cause)
		return failure(e), e
	default:
		// 5xx and anything else server-shaped: transient, retriable.
		if message == "" {
			message = fmt.Sprintf("server error (%d)", status)
		}
		e := newError(CodeNetworkUnavailable, message, cause)
		return failure(e), e
	}
}

func failure(err error) *Result {
	msg := ""
	if ke, ok := err.(*Error); ok {
		msg = ke.Message
		if msg == "" {
			msg = string(ke.Code)
		}
	} else if err != nil {
		msg = err.Error()
	}
	return &Result{Success: false, Message: msg}
}
