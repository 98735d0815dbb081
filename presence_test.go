package kindred

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// presenceServer accepts the channel socket and hands it to the test
// body; the local subject is taken from the query string.
func presenceServer(t *testing.T, fn func(ctx context.Context, conn *websocket.Conn, subject string)) (*httptest.Server, *http.ServeMux) {
	mux := http.NewServeMux()
	mux.HandleFunc("/presence", func(w http.ResponseWriter, r *http.Request) {
		subject := r.URL.Query().Get("subject")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		fn(r.Context(), conn, subject)
	})
	return httptest.NewServer(mux), mux
}

func TestPresence_TracksStatusChanges(t *testing.T) {
	server, _ := presenceServer(t, func(ctx context.Context, conn *websocket.Conn, subject string) {
		if subject != "subj-1" {
			t.Errorf("expected local subject subj-1, got %q", subject)
		}
		pushEnvelope(ctx, conn, "presence.changed", presenceChangedPayload{SubjectID: "subj-2", IsOnline: true})
		pushEnvelope(ctx, conn, "presence.changed", presenceChangedPayload{SubjectID: "subj-2", IsOnline: false})
		conn.Read(ctx)
	})
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	channel := NewPresenceChannel(client, nil)

	var mu sync.Mutex
	var entries []PresenceEntry
	unsub := channel.SubscribeToUserStatus("subj-2", func(e PresenceEntry) {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	})
	defer unsub()

	ctx := context.Background()
	if err := channel.Connect(ctx, "subj-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer channel.Disconnect(ctx)

	waitUntil(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(entries) >= 2
	})

	mu.Lock()
	if !entries[0].IsOnline || entries[1].IsOnline {
		t.Fatalf("expected online then offline, got %+v", entries)
	}
	mu.Unlock()

	if online, known := channel.IsOnline("subj-2"); !known || online {
		t.Fatalf("expected known offline, got online=%v known=%v", online, known)
	}
	if _, known := channel.IsOnline("never-seen"); known {
		t.Fatal("unknown subject must report no signal")
	}
}

func TestPresence_ConnectIsIdempotent(t *testing.T) {
	var dials int32
	server, _ := presenceServer(t, func(ctx context.Context, conn *websocket.Conn, subject string) {
		atomic.AddInt32(&dials, 1)
		conn.Read(ctx)
	})
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	channel := NewPresenceChannel(client, nil)

	ctx := context.Background()
	if err := channel.Connect(ctx, "subj-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer channel.Disconnect(ctx)
	if err := channel.Connect(ctx, "subj-1"); err != nil {
		t.Fatalf("second Connect: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("expected a single socket, got %d dials", n)
	}
}

func TestPresence_ConcurrentConnectDialsOnce(t *testing.T) {
	var dials int32
	server, _ := presenceServer(t, func(ctx context.Context, conn *websocket.Conn, subject string) {
		atomic.AddInt32(&dials, 1)
		conn.Read(ctx)
	})
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	channel := NewPresenceChannel(client, nil)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := channel.Connect(ctx, "subj-1"); err != nil {
				t.Errorf("Connect: %v", err)
			}
		}()
	}
	wg.Wait()
	defer channel.Disconnect(ctx)

	time.Sleep(50 * time.Millisecond)
	if n := atomic.LoadInt32(&dials); n != 1 {
		t.Fatalf("expected a single socket from concurrent connects, got %d dials", n)
	}
}

func TestPresence_SendsHeartbeats(t *testing.T) {
	var beats int32
	server, _ := presenceServer(t, func(ctx context.Context, conn *websocket.Conn, subject string) {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var env envelope
			if json.Unmarshal(data, &env) != nil || env.Type != "heartbeat" {
				continue
			}
			var hb heartbeatPayload
			if json.Unmarshal(env.Payload, &hb) != nil || hb.SubjectID != "subj-1" {
				t.Errorf("bad heartbeat payload: %s", env.Payload)
				continue
			}
			atomic.AddInt32(&beats, 1)
		}
	})
	defer server.Close()

	client := startedClient(t, server.URL, NewMemoryStore())
	channel := NewPresenceChannel(client, &PresenceOptions{HeartbeatInterval: 20 * time.Millisecond})

	ctx := context.Background()
	if err := channel.Connect(ctx, "subj-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer channel.Disconnect(ctx)

	waitUntil(t, 2*time.Second, func() bool { return atomic.LoadInt32(&beats) >= 2 })
}

func TestPresence_DisconnectFlushesLastActive(t *testing.T) {
	var flushed atomic.Value
	server, mux := presenceServer(t, func(ctx context.Context, conn *websocket.Conn, subject string) {
		conn.Read(ctx)
	})
	defer server.Close()
	mux.HandleFunc("/presence/last-active", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		flushed.Store(body["subjectId"])
		w.Write(okEnvelope(nil))
	})

	client := startedClient(t, server.URL, NewMemoryStore())
	channel := NewPresenceChannel(client, nil)

	ctx := context.Background()
	if err := channel.Connect(ctx, "subj-1"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := channel.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	subject, _ := flushed.Load().(string)
	if subject != "subj-1" {
		t.Fatalf("expected last-active flush for subj-1, got %q", subject)
	}

	// Disconnecting again is a no-op.
	if err := channel.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}
