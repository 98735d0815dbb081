package kindred

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// ============================================================================
// Token Lifecycle Manager
// ============================================================================

// SessionManager owns the authentication session and its state machine:
//
//	LoggedOut → Authenticating → Authenticated → Renewing → (Authenticated | LoggedOut)
//
// Exactly one renewal may be in flight at a time; concurrent callers
// share its result. A renewal that fails transiently keeps the session;
// only a genuinely rejected refresh token destroys it.
type SessionManager struct {
	client *Client
	log    *logrus.Entry

	mu       sync.Mutex
	state    SessionState
	session  *Session
	renewing *renewal
}

// renewal is one in-flight renewal shared by all waiters. err may only
// be read after done is closed.
type renewal struct {
	done chan struct{}
	err  error
}

func newSessionManager(c *Client) *SessionManager {
	return &SessionManager{
		client: c,
		log:    c.log.WithField("component", "session"),
		state:  StateLoggedOut,
	}
}

// State returns the current lifecycle state.
func (m *SessionManager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns a copy of the session, or nil when logged out.
func (m *SessionManager) Current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// ============================================================================
// Cold start
// ============================================================================

// Restore loads persisted credentials at cold start. A missing or
// expired refresh token leaves (or puts) the manager in LoggedOut and
// purges whatever was stored.
func (m *SessionManager) Restore(ctx context.Context) error {
	refresh, ok, err := m.client.store.Get(ctx, keyRefreshToken)
	if err != nil {
		return newError(CodeSessionExpired, "cannot read stored credentials", err)
	}
	if !ok || refresh == "" {
		return nil
	}
	if tokenExpired(refresh, time.Now()) {
		m.log.Info("stored refresh token expired, purging session")
		return m.purge(ctx)
	}

	access, _, _ := m.client.store.Get(ctx, keyAccessToken)
	subject, _, _ := m.client.store.Get(ctx, keySubjectID)

	m.mu.Lock()
	m.session = &Session{
		SubjectID:            subject,
		AccessToken:          access,
		RefreshToken:         refresh,
		AccessTokenExpiresAt: tokenExpiry(access),
	}
	m.state = StateAuthenticated
	m.mu.Unlock()
	return nil
}

// ============================================================================
// Authenticating
// ============================================================================

// RequestCode asks the endpoint to send a one-time verification code to
// the given destination. No credentials required.
func (m *SessionManager) RequestCode(ctx context.Context, destination string) error {
	status, data, err := m.client.raw(ctx, "POST", "/auth/code",
		map[string]string{"destination": destination}, "", nil)
	if err != nil {
		return newError(CodeNetworkUnavailable, "cannot request code", err)
	}
	if _, cerr := classify(status, data); cerr != nil {
		return cerr
	}
	return nil
}

// VerifyCode exchanges a one-time code for a token pair and starts the
// session. On failure the manager stays LoggedOut.
func (m *SessionManager) VerifyCode(ctx context.Context, destination, code string) error {
	m.mu.Lock()
	m.state = StateAuthenticating
	m.mu.Unlock()

	status, data, err := m.client.raw(ctx, "POST", "/auth/verify",
		map[string]string{"destination": destination, "code": code}, "", nil)
	if err != nil {
		m.setState(StateLoggedOut)
		return newError(CodeNetworkUnavailable, "cannot verify code", err)
	}
	res, cerr := classify(status, data)
	if cerr != nil {
		m.setState(StateLoggedOut)
		return cerr
	}

	var pair TokenPair
	if err := res.Decode(&pair); err != nil || pair.AccessToken == "" || pair.RefreshToken == "" {
		m.setState(StateLoggedOut)
		return newError(CodeValidationFailed, "malformed verification response", err)
	}
	return m.StartSession(ctx, &pair)
}

// StartSession adopts a verified token pair, persists it, and enters
// Authenticated.
func (m *SessionManager) StartSession(ctx context.Context, pair *TokenPair) error {
	if err := m.persist(ctx, pair); err != nil {
		m.setState(StateLoggedOut)
		return err
	}
	m.mu.Lock()
	m.session = &Session{
		SubjectID:            pair.SubjectID,
		AccessToken:          pair.AccessToken,
		RefreshToken:         pair.RefreshToken,
		AccessTokenExpiresAt: tokenExpiry(pair.AccessToken),
	}
	m.state = StateAuthenticated
	m.mu.Unlock()
	m.log.WithField("subject", pair.SubjectID).Info("session started")
	return nil
}

// ============================================================================
// Valid token access
// ============================================================================

// GetValidAccessToken returns a non-expired access token, transparently
// renewing first when expiry is imminent. It fails with SessionExpired
// when renewal is impossible.
func (m *SessionManager) GetValidAccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return "", newError(CodeSessionExpired, "no active session", nil)
	}
	if time.Until(m.session.AccessTokenExpiresAt) > m.client.renewMargin {
		token := m.session.AccessToken
		m.mu.Unlock()
		return token, nil
	}
	r := m.startRenewalLocked()
	m.mu.Unlock()

	if err := m.await(ctx, r); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", newError(CodeSessionExpired, "session destroyed during renewal", nil)
	}
	return m.session.AccessToken, nil
}

// Renew forces a renewal regardless of the local expiry view (the server
// has already rejected the token). Concurrent calls coalesce into the
// single in-flight renewal.
func (m *SessionManager) Renew(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return newError(CodeSessionExpired, "no active session", nil)
	}
	r := m.startRenewalLocked()
	m.mu.Unlock()
	return m.await(ctx, r)
}

func (m *SessionManager) await(ctx context.Context, r *renewal) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return newError(CodeNetworkUnavailable, "renewal interrupted", ctx.Err())
	}
}

// startRenewalLocked returns the in-flight renewal, starting one if
// none is running. Caller must hold m.mu.
func (m *SessionManager) startRenewalLocked() *renewal {
	if m.renewing == nil {
		m.renewing = &renewal{done: make(chan struct{})}
		m.state = StateRenewing
		go m.renew(m.renewing)
	}
	return m.renewing
}

// renew performs the actual refresh call. It deliberately uses its own
// context: a cancelled waiter must not abort a renewal other callers
// share.
func (m *SessionManager) renew(r *renewal) {
	ctx, cancel := context.WithTimeout(context.Background(), m.client.httpClient.Timeout)
	defer cancel()

	m.mu.Lock()
	if m.session == nil {
		// Logout won the lock between scheduling and running the renewal.
		m.state = StateLoggedOut
		m.renewing = nil
		m.mu.Unlock()
		r.err = newError(CodeSessionExpired, "no active session", nil)
		close(r.done)
		return
	}
	refresh := m.session.RefreshToken
	m.mu.Unlock()

	var pair *TokenPair
	var renewErr error

	if tokenExpired(refresh, time.Now()) {
		renewErr = newError(CodeSessionExpired, "refresh token expired", nil)
	} else {
		pair, renewErr = m.exchangeRefresh(ctx, refresh)
	}

	if renewErr == nil {
		if err := m.persist(ctx, pair); err != nil {
			renewErr = err
		}
	}

	m.mu.Lock()
	if renewErr == nil && m.session == nil {
		// Logged out while the renewal was in flight; drop the result.
		renewErr = newError(CodeSessionExpired, "session destroyed during renewal", nil)
	}
	switch {
	case renewErr == nil:
		m.session.AccessToken = pair.AccessToken
		m.session.AccessTokenExpiresAt = tokenExpiry(pair.AccessToken)
		if pair.RefreshToken != "" {
			// Refresh tokens may rotate on use.
			m.session.RefreshToken = pair.RefreshToken
		}
		if pair.SubjectID != "" {
			m.session.SubjectID = pair.SubjectID
		}
		m.state = StateAuthenticated
	case CodeOf(renewErr) == CodeSessionExpired:
		m.session = nil
		m.state = StateLoggedOut
	default:
		// Transient failure: keep the session, the caller retries later.
		m.state = StateAuthenticated
	}
	r.err = renewErr
	m.renewing = nil
	m.mu.Unlock()

	if renewErr != nil && CodeOf(renewErr) == CodeSessionExpired {
		// Purge outside the lock; the store may be slow.
		pctx, pcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer pcancel()
		_ = m.client.store.Remove(pctx, keyAccessToken, keyRefreshToken, keySubjectID)
		m.log.Warn("refresh token rejected, session destroyed")
	}

	close(r.done)
}

// exchangeRefresh calls the token exchange endpoint. An authorization
// rejection means the refresh token itself is dead; anything else is
// transient.
func (m *SessionManager) exchangeRefresh(ctx context.Context, refresh string) (*TokenPair, error) {
	status, data, err := m.client.raw(ctx, "POST", "/auth/refresh",
		map[string]string{"refreshToken": refresh}, "", nil)
	if err != nil {
		return nil, newError(CodeNetworkUnavailable, "renewal request failed", err)
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, newError(CodeSessionExpired, "refresh token rejected", nil)
	}
	res, cerr := classify(status, data)
	if cerr != nil {
		if CodeOf(cerr) == CodeValidationFailed {
			// The endpoint reports an unknown/expired refresh token as a
			// validation error; that is terminal for the session too.
			return nil, newError(CodeSessionExpired, "refresh token invalid", cerr)
		}
		return nil, cerr
	}

	var pair TokenPair
	if err := res.Decode(&pair); err != nil || pair.AccessToken == "" {
		return nil, newError(CodeNetworkUnavailable, "malformed renewal response", err)
	}
	m.log.Debug("access token renewed")
	return &pair, nil
}

// ============================================================================
// Logout
// ============================================================================

// Logout best-effort notifies the endpoint, then unconditionally purges
// local credentials and returns to LoggedOut regardless of the network
// result.
func (m *SessionManager) Logout(ctx context.Context) error {
	m.mu.Lock()
	token := ""
	if m.session != nil {
		token = m.session.AccessToken
	}
	m.mu.Unlock()

	if token != "" {
		if _, _, err := m.client.raw(ctx, "POST", "/auth/logout", nil, token, nil); err != nil {
			m.log.WithError(err).Debug("logout notification failed")
		}
	}
	return m.purge(ctx)
}

func (m *SessionManager) setState(s SessionState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *SessionManager) purge(ctx context.Context) error {
	m.mu.Lock()
	m.session = nil
	m.state = StateLoggedOut
	m.mu.Unlock()
	return m.client.store.Remove(ctx, keyAccessToken, keyRefreshToken, keySubjectID)
}

// persist serializes the credential pair to the durable store. Writes to
// the credential keys only happen here and in purge, which serializes
// them per logical key.
func (m *SessionManager) persist(ctx context.Context, pair *TokenPair) error {
	if err := m.client.store.Set(ctx, keyAccessToken, pair.AccessToken); err != nil {
		return newError(CodeNetworkUnavailable, "cannot persist access token", err)
	}
	if pair.RefreshToken != "" {
		if err := m.client.store.Set(ctx, keyRefreshToken, pair.RefreshToken); err != nil {
			return newError(CodeNetworkUnavailable, "cannot persist refresh token", err)
		}
	}
	if pair.SubjectID != "" {
		if err := m.client.store.Set(ctx, keySubjectID, pair.SubjectID); err != nil {
			return newError(CodeNetworkUnavailable, "cannot persist subject id", err)
		}
	}
	return nil
}

// ============================================================================
// Expiry decoding
// ============================================================================

// tokenExpiry extracts the exp claim without verifying the signature
// (the server is the authority; the client only needs the timestamp).
// Returns the zero time when the claim cannot be decoded.
func tokenExpiry(token string) time.Time {
	if token == "" {
		return time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// tokenExpired fails closed: a token whose expiry cannot be decoded is
// treated as expired.
func tokenExpired(token string, now time.Time) bool {
	exp := tokenExpiry(token)
	return exp.IsZero() || !now.Before(exp)
}
