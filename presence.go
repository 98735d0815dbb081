package kindred

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Presence Channel
// ============================================================================

// DefaultHeartbeatInterval is the liveness signal cadence while the
// presence channel is connected.
const DefaultHeartbeatInterval = 30 * time.Second

// PresenceChannel tracks per-user online/offline status over one
// bidirectional socket per process, with a periodic heartbeat. Entries
// are held in memory only and rebuilt after a restart.
type PresenceChannel struct {
	client    *Client
	log       *logrus.Entry
	heartbeat time.Duration
	recon     *reconnector

	mu          sync.Mutex
	conn        *websocket.Conn
	cancel      context.CancelFunc
	subject     string
	connected   bool
	dialing     bool
	intentional bool
	entries     map[string]bool
	subs        map[string]map[int]func(PresenceEntry)
	nextSubID   int
}

// PresenceOptions configures a PresenceChannel.
type PresenceOptions struct {
	HeartbeatInterval time.Duration
}

// NewPresenceChannel creates a presence channel over the client's
// endpoint and credentials.
func NewPresenceChannel(client *Client, opts *PresenceOptions) *PresenceChannel {
	p := &PresenceChannel{
		client:    client,
		log:       client.log.WithField("component", "presence"),
		heartbeat: DefaultHeartbeatInterval,
		recon:     newReconnector(time.Second, 30*time.Second, 10),
		entries:   make(map[string]bool),
		subs:      make(map[string]map[int]func(PresenceEntry)),
	}
	if opts != nil && opts.HeartbeatInterval > 0 {
		p.heartbeat = opts.HeartbeatInterval
	}
	return p
}

// Connect opens the channel for the local subject. Idempotent: a second
// call while connected, or while a dial or reconnect is in flight, is a
// no-op.
func (p *PresenceChannel) Connect(ctx context.Context, subjectID string) error {
	p.mu.Lock()
	if p.connected || p.dialing {
		p.mu.Unlock()
		return nil
	}
	p.subject = subjectID
	p.intentional = false
	p.mu.Unlock()

	return p.dial(ctx)
}

// dial opens the socket. At most one dial runs at a time; a concurrent
// caller backs off and lets the in-flight one finish.
func (p *PresenceChannel) dial(ctx context.Context) error {
	p.mu.Lock()
	if p.connected || p.dialing {
		p.mu.Unlock()
		return nil
	}
	p.dialing = true
	subject := p.subject
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.dialing = false
		p.mu.Unlock()
	}()

	token, err := p.client.sessions.GetValidAccessToken(ctx)
	if err != nil {
		return err
	}

	wsURL := wsEndpoint(p.client.endpoint) + "/presence?token=" + token + "&subject=" + subject
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return newError(CodeNetworkUnavailable, "presence dial failed", err)
	}

	chanCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.conn = conn
	p.cancel = cancel
	p.connected = true
	p.mu.Unlock()
	p.recon.markConnected()

	go p.readLoop(chanCtx, conn)
	go p.heartbeatLoop(chanCtx)

	p.log.WithField("subject", subject).Debug("presence channel connected")
	return nil
}

// Disconnect flushes the local subject's last-active timestamp
// best-effort, then closes the channel.
func (p *PresenceChannel) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.intentional = true
	p.connected = false
	conn := p.conn
	p.conn = nil
	cancel := p.cancel
	p.cancel = nil
	subject := p.subject
	p.mu.Unlock()

	p.flushLastActive(ctx, subject)

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// flushLastActive records when the local subject was last seen. Failures
// are logged and swallowed; the channel closes either way.
func (p *PresenceChannel) flushLastActive(ctx context.Context, subject string) {
	_, err := p.client.Do(ctx, "POST", "/presence/last-active", map[string]string{
		"subjectId": subject,
		"at":        time.Now().UTC().Format(time.RFC3339),
	}, nil)
	if err != nil {
		p.log.WithError(err).Debug("last-active flush failed")
	}
}

// ============================================================================
// Status subscriptions
// ============================================================================

// SubscribeToUserStatus registers interest in one user's online flag.
// The callback fires on every status change for that subject. Returns an
// idempotent unsubscribe.
func (p *PresenceChannel) SubscribeToUserStatus(subjectID string, cb func(PresenceEntry)) func() {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	if p.subs[subjectID] == nil {
		p.subs[subjectID] = make(map[int]func(PresenceEntry))
	}
	p.subs[subjectID][id] = cb
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if m := p.subs[subjectID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(p.subs, subjectID)
				}
			}
			p.mu.Unlock()
		})
	}
}

// IsOnline returns the last known flag for a subject, and whether any
// signal has been seen for it.
func (p *PresenceChannel) IsOnline(subjectID string) (bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	online, ok := p.entries[subjectID]
	return online, ok
}

// ============================================================================
// Loops
// ============================================================================

func (p *PresenceChannel) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			p.handleDrop(err)
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}
		if env.Type != "presence.changed" {
			continue
		}

		var ev presenceChangedPayload
		if json.Unmarshal(env.Payload, &ev) != nil {
			continue
		}

		p.mu.Lock()
		p.entries[ev.SubjectID] = ev.IsOnline
		handlers := make([]func(PresenceEntry), 0, len(p.subs[ev.SubjectID]))
		for _, h := range p.subs[ev.SubjectID] {
			handlers = append(handlers, h)
		}
		p.mu.Unlock()

		entry := PresenceEntry{SubjectID: ev.SubjectID, IsOnline: ev.IsOnline}
		for _, h := range handlers {
			h(entry)
		}
	}
}

func (p *PresenceChannel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.Lock()
			conn := p.conn
			subject := p.subject
			p.mu.Unlock()
			if conn == nil {
				return
			}

			data, _ := json.Marshal(command{Type: "heartbeat", Payload: heartbeatPayload{
				SubjectID: subject,
				At:        time.Now().UTC().Format(time.RFC3339),
			}})
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				conn.Close(websocket.StatusGoingAway, "heartbeat failed")
				return
			}
		}
	}
}

// handleDrop runs after an unexpected read failure and drives the
// reconnect cycle.
func (p *PresenceChannel) handleDrop(cause error) {
	p.mu.Lock()
	if p.intentional {
		p.mu.Unlock()
		return
	}
	p.connected = false
	p.conn = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.mu.Unlock()

	p.log.WithError(cause).Debug("presence channel dropped")

	for p.recon.shouldReconnect() {
		delay := p.recon.nextDelay()
		time.Sleep(delay)

		p.mu.Lock()
		intentional := p.intentional
		p.mu.Unlock()
		if intentional {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
		err := p.dial(ctx)
		cancel()
		if err == nil {
			return
		}
		p.log.WithError(err).Debug("presence reconnect failed")
	}
	p.log.Warn("presence channel gave up reconnecting")
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector computes jittered exponential backoff delays, resetting
// the attempt counter after a stable connection. Safe for concurrent use;
// a Connect can race the reconnect cycle.
type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int

	mu          sync.Mutex
	attempt     int
	connectedAt time.Time
}

func newReconnector(base, max time.Duration, attempts int) *reconnector {
	return &reconnector{baseDelay: base, maxDelay: max, maxAttempts: attempts}
}

func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxAttempts == 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = time.Now()
	r.mu.Unlock()
}

func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}
