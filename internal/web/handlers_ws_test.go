package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"signalhub/internal/broadcast"
	"signalhub/internal/rules"
	"signalhub/internal/signal"
	"signalhub/internal/store"
)

type wsTestEnv struct {
	srv *httptest.Server
	bus *broadcast.Broadcaster
}

func newWSEnv(t *testing.T) *wsTestEnv {
	t.Helper()
	logger := testLogger()

	st, err := store.NewBoltStore(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	engine := rules.NewEngine(st, time.Minute, logger)
	bus := broadcast.New(logger)

	s := NewServer(st, engine, bus, logger, WithAllowedOrigins([]string{"*"}))
	t.Cleanup(s.Stop)

	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &wsTestEnv{srv: srv, bus: bus}
}

func dialWS(t *testing.T, env *wsTestEnv) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+env.srv.URL[4:]+"/ws", nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) broadcast.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("ws read: %v", err)
	}
	var msg broadcast.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return msg
}

func TestWSGlobalStream(t *testing.T) {
	env := newWSEnv(t)
	conn := dialWS(t, env)

	// Give the read pump time to register the client with the hub.
	time.Sleep(50 * time.Millisecond)

	env.bus.Publish(signal.SensorReading{
		ID: "r1", DeviceID: "therm", Metric: "temperature", Value: 21,
	})

	msg := readMessage(t, conn)
	if msg.Event != broadcast.EventReadingReceived {
		t.Errorf("event = %q, want %q", msg.Event, broadcast.EventReadingReceived)
	}
	if msg.Group != "" {
		t.Errorf("group = %q, want empty on global stream", msg.Group)
	}
}

func TestWSGroupSubscription(t *testing.T) {
	env := newWSEnv(t)
	conn := dialWS(t, env)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"subscribe":"therm"}`)); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	// Let the hub process the subscribe command.
	time.Sleep(50 * time.Millisecond)

	env.bus.Publish(signal.SensorReading{
		ID: "r1", DeviceID: "therm", Metric: "temperature", Value: 21,
	})

	// Expect both the global event and the device-scoped one.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg := readMessage(t, conn)
		seen[msg.Event] = true
		if msg.Event == broadcast.EventDeviceReadingReceived && msg.Group != "therm" {
			t.Errorf("group = %q, want therm", msg.Group)
		}
	}
	if !seen[broadcast.EventReadingReceived] || !seen[broadcast.EventDeviceReadingReceived] {
		t.Errorf("events seen = %v, want global and device-scoped", seen)
	}
}

func TestWSUnsubscribedDeviceNotDelivered(t *testing.T) {
	env := newWSEnv(t)
	conn := dialWS(t, env)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"subscribe":"other"}`)); err != nil {
		t.Fatalf("ws write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	env.bus.Publish(signal.SensorReading{
		ID: "r1", DeviceID: "therm", Metric: "temperature", Value: 21,
	})

	// Only the global event arrives; the device event targets another group.
	msg := readMessage(t, conn)
	if msg.Event != broadcast.EventReadingReceived {
		t.Errorf("event = %q, want %q", msg.Event, broadcast.EventReadingReceived)
	}

	readCtx, readCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer readCancel()
	if _, _, err := conn.Read(readCtx); err == nil {
		t.Error("unexpected extra frame for unsubscribed device group")
	}
}

func TestWSSubscribeAfterEvictionIgnored(t *testing.T) {
	h := NewWSHub(broadcast.New(testLogger()), testLogger())
	defer h.Stop()

	// A client the hub no longer tracks must not acquire a group ref,
	// otherwise a subscribe racing slow-client eviction leaks the
	// broadcaster subscription forever.
	evicted := &wsClient{send: make(chan []byte, 1)}
	h.subscribeGroup(evicted, "therm")

	h.mu.Lock()
	subs := len(h.groupSubs)
	h.mu.Unlock()
	if subs != 0 {
		t.Errorf("group subs = %d, want 0 for untracked client", subs)
	}
}

func TestWSDropClientReleasesGroups(t *testing.T) {
	h := NewWSHub(broadcast.New(testLogger()), testLogger())
	defer h.Stop()

	client := &wsClient{send: make(chan []byte, 1)}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	h.subscribeGroup(client, "therm")
	h.subscribeGroup(client, "door")

	h.mu.Lock()
	subs := len(h.groupSubs)
	h.mu.Unlock()
	if subs != 2 {
		t.Fatalf("group subs = %d, want 2", subs)
	}

	h.dropClient(client)

	h.mu.Lock()
	subs = len(h.groupSubs)
	h.mu.Unlock()
	if subs != 0 {
		t.Errorf("group subs = %d after drop, want 0", subs)
	}
}
