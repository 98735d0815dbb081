package kindred

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
)

// ============================================================================
// Realtime Subscription Manager
// ============================================================================

// RealtimeManager exposes a uniform subscribe/unsubscribe interface over
// the server's push-based watch primitive, plus a derived
// connection-state signal.
//
// Every subscribe call opens its own underlying watch; identical queries
// are not deduplicated. A broken watch is not auto-retried — the error is
// delivered through the callback and the owning UI surface decides
// whether to resubscribe.
type RealtimeManager struct {
	client *Client
	log    *logrus.Entry

	mu      sync.Mutex
	watches map[string]*watch
	closed  bool
}

// watch is one live binding between a callback and a remote query.
type watch struct {
	id     string
	conn   *websocket.Conn
	cancel context.CancelFunc
	once   sync.Once

	mu   sync.Mutex
	dead bool
}

// NewRealtimeManager creates a manager bound to the client's endpoint,
// credentials and reachability monitor.
func NewRealtimeManager(client *Client) *RealtimeManager {
	return &RealtimeManager{
		client:  client,
		log:     client.log.WithField("component", "realtime"),
		watches: make(map[string]*watch),
	}
}

// SubscribeToCollection opens a live watch on a collection query. The
// callback receives every server-pushed change, or an error when the
// watch fails. The returned unsubscribe function is idempotent.
func (m *RealtimeManager) SubscribeToCollection(ctx context.Context, collection string, query *Query, cb func(SubscriptionEvent)) (func(), error) {
	return m.subscribe(ctx, subscribePayload{
		SubscriptionID: uuid.NewString(),
		Collection:     collection,
		Query:          query,
	}, cb)
}

// SubscribeToDocument opens a live watch on a single document. The
// callback's Err fires if the document does not exist.
func (m *RealtimeManager) SubscribeToDocument(ctx context.Context, collection, documentID string, cb func(SubscriptionEvent)) (func(), error) {
	return m.subscribe(ctx, subscribePayload{
		SubscriptionID: uuid.NewString(),
		Collection:     collection,
		Document:       documentID,
	}, cb)
}

// OnConnectionStateChange registers a listener for the device network
// reachability signal, independent of any specific watch's health.
// Returns an idempotent unsubscribe.
func (m *RealtimeManager) OnConnectionStateChange(fn func(ConnectionState)) func() {
	return m.client.reach.Subscribe(fn)
}

// ConnectionState returns the current reachability state.
func (m *RealtimeManager) ConnectionState() ConnectionState {
	return m.client.reach.State()
}

// Close tears down every open watch. Further subscribe calls fail.
func (m *RealtimeManager) Close() {
	m.mu.Lock()
	m.closed = true
	open := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		open = append(open, w)
	}
	m.watches = make(map[string]*watch)
	m.mu.Unlock()

	for _, w := range open {
		w.close()
	}
}

func (m *RealtimeManager) subscribe(ctx context.Context, sub subscribePayload, cb func(SubscriptionEvent)) (func(), error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, newError(CodeSubscriptionError, "realtime manager closed", nil)
	}
	m.mu.Unlock()

	token, err := m.client.sessions.GetValidAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	wsURL := wsEndpoint(m.client.endpoint) + "/watch?token=" + token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, newError(CodeSubscriptionError, "watch dial failed", err)
	}

	data, err := json.Marshal(command{Type: "subscribe", Payload: sub})
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, newError(CodeSubscriptionError, "cannot encode subscribe", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, newError(CodeSubscriptionError, "cannot open watch", err)
	}

	// The watch outlives the subscribe call; it ends on unsubscribe.
	watchCtx, cancel := context.WithCancel(context.Background())
	w := &watch{id: sub.SubscriptionID, conn: conn, cancel: cancel}

	m.mu.Lock()
	m.watches[w.id] = w
	m.mu.Unlock()

	go m.readLoop(watchCtx, w, cb)

	unsubscribe := func() {
		m.mu.Lock()
		delete(m.watches, w.id)
		m.mu.Unlock()
		w.close()
	}
	return unsubscribe, nil
}

// readLoop delivers pushed envelopes to the callback in arrival order.
func (m *RealtimeManager) readLoop(ctx context.Context, w *watch, cb func(SubscriptionEvent)) {
	for {
		_, data, err := w.conn.Read(ctx)
		if err != nil {
			if !w.deliverable() {
				return
			}
			m.log.WithField("watch", w.id).WithError(err).Debug("watch closed")
			w.deliver(cb, SubscriptionEvent{
				Err: newError(CodeSubscriptionError, "watch closed", err),
			})
			return
		}

		var env envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "data":
			var p watchDataPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.SubscriptionID == w.id {
				w.deliver(cb, SubscriptionEvent{Data: p.Data})
			}
		case "watch.error":
			var p watchErrorPayload
			if json.Unmarshal(env.Payload, &p) == nil && p.SubscriptionID == w.id {
				w.deliver(cb, SubscriptionEvent{
					Err: newError(CodeSubscriptionError, p.Message, nil),
				})
			}
		}
	}
}

// close is safe to call more than once and never panics on an already
// closed underlying connection.
func (w *watch) close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.dead = true
		w.mu.Unlock()
		w.cancel()
		_ = w.conn.Close(websocket.StatusNormalClosure, "unsubscribe")
	})
}

func (w *watch) deliverable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.dead
}

// deliver invokes the callback unless the watch was torn down; no
// callback fires after unsubscribe returns.
func (w *watch) deliver(cb func(SubscriptionEvent), ev SubscriptionEvent) {
	if w.deliverable() {
		cb(ev)
	}
}

// wsEndpoint rewrites the HTTP endpoint into its websocket twin.
func wsEndpoint(endpoint string) string {
	out := strings.Replace(endpoint, "https://", "wss://", 1)
	return strings.Replace(out, "http://", "ws://", 1)
}
