package kindred

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// watchHandler reads the initial subscribe command and hands the parsed
// payload plus the live connection to the test body.
func watchHandler(t *testing.T, fn func(ctx context.Context, conn *websocket.Conn, sub subscribePayload)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Type != "subscribe" {
			t.Errorf("expected subscribe command, got %s", data)
			return
		}
		var sub subscribePayload
		if err := json.Unmarshal(cmd.Payload, &sub); err != nil {
			t.Errorf("bad subscribe payload: %v", err)
			return
		}
		fn(ctx, conn, sub)
	}
}

func pushEnvelope(ctx context.Context, conn *websocket.Conn, typ string, payload interface{}) error {
	data, err := json.Marshal(command{Type: typ, Payload: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// eventSink collects subscription events for assertions.
type eventSink struct {
	mu     sync.Mutex
	events []SubscriptionEvent
}

func (s *eventSink) add(ev SubscriptionEvent) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) at(i int) SubscriptionEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[i]
}

func TestRealtime_DeliversCollectionData(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", watchHandler(t, func(ctx context.Context, conn *websocket.Conn, sub subscribePayload) {
		if sub.Collection != "matches" {
			t.Errorf("expected collection matches, got %q", sub.Collection)
		}
		if sub.Query == nil || sub.Filters["status"] != "active" {
			t.Errorf("query not forwarded: %+v", sub.Query)
		}
		pushEnvelope(ctx, conn, "data", watchDataPayload{
			SubscriptionID: sub.SubscriptionID,
			Data:           json.RawMessage(`{"id":"m-1"}`),
		})
		pushEnvelope(ctx, conn, "data", watchDataPayload{
			SubscriptionID: sub.SubscriptionID,
			Data:           json.RawMessage(`{"id":"m-2"}`),
		})
		conn.Read(ctx) // hold open until the client goes away
	}))
	server := httptest.NewServer(mux)
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	manager := NewRealtimeManager(client)
	defer manager.Close()

	sink := &eventSink{}
	unsubscribe, err := manager.SubscribeToCollection(context.Background(), "matches",
		&Query{Filters: map[string]string{"status": "active"}}, sink.add)
	if err != nil {
		t.Fatalf("SubscribeToCollection: %v", err)
	}
	defer unsubscribe()

	waitUntil(t, 2*time.Second, func() bool { return sink.count() >= 2 })
	if ev := sink.at(0); ev.Err != nil || string(ev.Data) != `{"id":"m-1"}` {
		t.Fatalf("unexpected first event: %+v", ev)
	}
	if ev := sink.at(1); ev.Err != nil || string(ev.Data) != `{"id":"m-2"}` {
		t.Fatalf("unexpected second event: %+v", ev)
	}
}

func TestRealtime_SubscribeToDocument(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", watchHandler(t, func(ctx context.Context, conn *websocket.Conn, sub subscribePayload) {
		if sub.Collection != "profiles" || sub.Document != "p-7" {
			t.Errorf("expected profiles/p-7, got %q/%q", sub.Collection, sub.Document)
		}
		pushEnvelope(ctx, conn, "data", watchDataPayload{
			SubscriptionID: sub.SubscriptionID,
			Data:           json.RawMessage(`{"id":"p-7","bio":"hello"}`),
		})
		conn.Read(ctx)
	}))
	server := httptest.NewServer(mux)
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	manager := NewRealtimeManager(client)
	defer manager.Close()

	sink := &eventSink{}
	unsubscribe, err := manager.SubscribeToDocument(context.Background(), "profiles", "p-7", sink.add)
	if err != nil {
		t.Fatalf("SubscribeToDocument: %v", err)
	}
	defer unsubscribe()

	waitUntil(t, 2*time.Second, func() bool { return sink.count() >= 1 })
	if ev := sink.at(0); string(ev.Data) != `{"id":"p-7","bio":"hello"}` {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestRealtime_UnsubscribeStopsDelivery(t *testing.T) {
	proceed := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", watchHandler(t, func(ctx context.Context, conn *websocket.Conn, sub subscribePayload) {
		pushEnvelope(ctx, conn, "data", watchDataPayload{
			SubscriptionID: sub.SubscriptionID,
			Data:           json.RawMessage(`1`),
		})
		<-proceed
		// Pushed after unsubscribe; must never reach the callback.
		pushEnvelope(ctx, conn, "data", watchDataPayload{
			SubscriptionID: sub.SubscriptionID,
			Data:           json.RawMessage(`2`),
		})
		conn.Read(ctx)
	}))
	server := httptest.NewServer(mux)
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	manager := NewRealtimeManager(client)
	defer manager.Close()

	sink := &eventSink{}
	unsubscribe, err := manager.SubscribeToCollection(context.Background(), "matches", nil, sink.add)
	if err != nil {
		t.Fatalf("SubscribeToCollection: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return sink.count() == 1 })

	// Idempotent: calling twice must not panic or double-close.
	unsubscribe()
	unsubscribe()
	close(proceed)

	time.Sleep(50 * time.Millisecond)
	if n := sink.count(); n != 1 {
		t.Fatalf("callback fired after unsubscribe: %d events", n)
	}
}

func TestRealtime_WatchErrorReachesCallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", watchHandler(t, func(ctx context.Context, conn *websocket.Conn, sub subscribePayload) {
		pushEnvelope(ctx, conn, "watch.error", watchErrorPayload{
			SubscriptionID: sub.SubscriptionID,
			Message:        "collection does not exist",
		})
		conn.Read(ctx)
	}))
	server := httptest.NewServer(mux)
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	manager := NewRealtimeManager(client)
	defer manager.Close()

	sink := &eventSink{}
	unsubscribe, err := manager.SubscribeToCollection(context.Background(), "nope", nil, sink.add)
	if err != nil {
		t.Fatalf("SubscribeToCollection: %v", err)
	}
	defer unsubscribe()

	waitUntil(t, 2*time.Second, func() bool { return sink.count() >= 1 })
	ev := sink.at(0)
	if CodeOf(ev.Err) != CodeSubscriptionError {
		t.Fatalf("expected SUBSCRIPTION_ERROR, got %+v", ev)
	}
}

func TestRealtime_ServerCloseReachesCallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/watch", watchHandler(t, func(ctx context.Context, conn *websocket.Conn, sub subscribePayload) {
		conn.Close(websocket.StatusInternalError, "going down")
	}))
	server := httptest.NewServer(mux)
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	manager := NewRealtimeManager(client)
	defer manager.Close()

	sink := &eventSink{}
	unsubscribe, err := manager.SubscribeToCollection(context.Background(), "matches", nil, sink.add)
	if err != nil {
		t.Fatalf("SubscribeToCollection: %v", err)
	}
	defer unsubscribe()

	waitUntil(t, 2*time.Second, func() bool { return sink.count() >= 1 })
	if CodeOf(sink.at(0).Err) != CodeSubscriptionError {
		t.Fatalf("expected SUBSCRIPTION_ERROR on broken watch, got %+v", sink.at(0))
	}
}

func TestRealtime_ClosedManagerRejectsSubscribe(t *testing.T) {
	client := startedClient(t, "http://example.invalid", NewMemoryStore())
	manager := NewRealtimeManager(client)
	manager.Close()

	_, err := manager.SubscribeToCollection(context.Background(), "matches", nil, func(SubscriptionEvent) {})
	if CodeOf(err) != CodeSubscriptionError {
		t.Fatalf("expected SUBSCRIPTION_ERROR from closed manager, got %v", err)
	}
}

func TestRealtime_ConnectionStateSignal(t *testing.T) {
	client := startedClient(t, "http://example.invalid", NewMemoryStore())
	manager := NewRealtimeManager(client)
	defer manager.Close()

	if manager.ConnectionState() != ConnectionConnected {
		t.Fatalf("expected connected, got %s", manager.ConnectionState())
	}

	var mu sync.Mutex
	var states []ConnectionState
	unsub := manager.OnConnectionStateChange(func(s ConnectionState) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	client.Reachability().Set(ConnectionDisconnected)
	client.Reachability().Set(ConnectionDisconnected) // no-op, no duplicate event
	client.Reachability().Set(ConnectionConnected)

	mu.Lock()
	got := append([]ConnectionState(nil), states...)
	mu.Unlock()
	if len(got) != 2 || got[0] != ConnectionDisconnected || got[1] != ConnectionConnected {
		t.Fatalf("expected [disconnected connected], got %v", got)
	}

	unsub()
	unsub()
	client.Reachability().Set(ConnectionDisconnected)
	mu.Lock()
	defer mu.Unlock()
	if len(states) != 2 {
		t.Fatal("listener notified after unsubscribe")
	}
}
