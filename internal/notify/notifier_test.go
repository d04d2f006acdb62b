package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/Leganyst/reservation-core/internal/session"
)

type recordingConn struct {
	mu       sync.Mutex
	payloads [][]byte
	block    bool
	done     chan struct{}
}

func newRecordingConn(block bool) *recordingConn {
	return &recordingConn{block: block, done: make(chan struct{})}
}

func (c *recordingConn) Send(ctx context.Context, payload []byte) error {
	if c.block {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Done() <-chan struct{} { return c.done }

func (c *recordingConn) received() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.payloads...)
}

type relayRecorder struct {
	mu     sync.Mutex
	keys   []string
	bodies [][]byte
}

func (r *relayRecorder) PublishJSON(_ context.Context, key string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.keys = append(r.keys, key)
	r.bodies = append(r.bodies, body)
	r.mu.Unlock()
	return nil
}

func (r *relayRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

func newTestNotifier(reg *session.Registry, timeout time.Duration, relay Relay) *Notifier {
	logger := log.New("notify-test")
	logger.SetLevel(log.OFF)
	return New(reg, Config{DeliveryTimeout: timeout}, relay, logger)
}

func TestPublish_DeliveryScopedToIdentity(t *testing.T) {
	reg := session.NewRegistry()
	x1, x2, y := newRecordingConn(false), newRecordingConn(false), newRecordingConn(false)
	for _, c := range []struct {
		id   string
		conn *recordingConn
	}{{"x", x1}, {"x", x2}, {"y", y}} {
		if _, err := reg.Register(c.id, c.conn); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	n := newTestNotifier(reg, time.Second, nil)
	at := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)
	n.Publish(context.Background(), Event{
		Kind:           KindBookingConfirmed,
		TargetIdentity: "x",
		Service:        "Haircut",
		Time:           &at,
		Fields:         map[string]any{"appointment_id": "a-1"},
	})

	if len(x1.received()) != 1 || len(x2.received()) != 1 {
		t.Fatalf("expected both x connections to receive one event, got %d and %d",
			len(x1.received()), len(x2.received()))
	}
	if len(y.received()) != 0 {
		t.Fatalf("expected y to receive nothing, got %d", len(y.received()))
	}

	var wire map[string]any
	if err := json.Unmarshal(x1.received()[0], &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if wire["kind"] != "booking-confirmed" {
		t.Fatalf("unexpected kind: %v", wire["kind"])
	}
	if wire["service"] != "Haircut" {
		t.Fatalf("unexpected service: %v", wire["service"])
	}
	if wire["time"] != "2030-01-01T10:00:00Z" {
		t.Fatalf("unexpected time: %v", wire["time"])
	}
	if wire["appointment_id"] != "a-1" {
		t.Fatalf("unexpected appointment_id: %v", wire["appointment_id"])
	}
	if _, ok := wire["TargetIdentity"]; ok {
		t.Fatalf("targets must not leak to the wire")
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	reg := session.NewRegistry()
	slow, fast := newRecordingConn(true), newRecordingConn(false)
	slowID, err := reg.Register("x", slow)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	fastID, err := reg.Register("x", fast)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	n := newTestNotifier(reg, 50*time.Millisecond, nil)

	start := time.Now()
	n.Publish(context.Background(), Event{Kind: KindAppointmentReminder, TargetIdentity: "x"})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("publish blocked for %v", elapsed)
	}

	if len(fast.received()) != 1 {
		t.Fatalf("expected fast subscriber to receive the event")
	}

	deadline := time.Now().Add(time.Second)
	for {
		st, _ := n.Stats(slowID)
		if st.Dropped == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected slow delivery to be dropped, stats=%+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if st, _ := n.Stats(fastID); st.Delivered != 1 {
		t.Fatalf("expected one delivery to fast subscriber, got %+v", st)
	}
}

func TestPublish_DeduplicatesIdentityAndResourceTargets(t *testing.T) {
	reg := session.NewRegistry()
	owner, watcher := newRecordingConn(false), newRecordingConn(false)

	ownerID, err := reg.Register("x", owner)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Watch(ownerID, "room-a"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	watcherID, err := reg.Register("organiser", watcher)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Watch(watcherID, "room-a"); err != nil {
		t.Fatalf("watch: %v", err)
	}

	relay := &relayRecorder{}
	n := newTestNotifier(reg, time.Second, relay)
	n.Publish(context.Background(), Event{
		Kind:           KindAppointmentCancelled,
		TargetIdentity: "x",
		TargetResource: "room-a",
	})

	if got := len(owner.received()); got != 1 {
		t.Fatalf("expected owner to receive exactly one event, got %d", got)
	}
	if got := len(watcher.received()); got != 1 {
		t.Fatalf("expected watcher to receive one event, got %d", got)
	}

	deadline := time.Now().Add(time.Second)
	for relay.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("expected event to be relayed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	relay.mu.Lock()
	key, body := relay.keys[0], relay.bodies[0]
	relay.mu.Unlock()
	if key != "appointment.appointment-cancelled" {
		t.Fatalf("unexpected routing key %q", key)
	}

	// Брокеру уходят адресаты, клиенту — нет.
	var msg struct {
		ID             string         `json:"id"`
		Kind           string         `json:"kind"`
		TargetIdentity string         `json:"target_identity"`
		TargetResource string         `json:"target_resource"`
		Event          map[string]any `json:"event"`
	}
	if err := json.Unmarshal(body, &msg); err != nil {
		t.Fatalf("decode relayed body %s: %v", body, err)
	}
	if msg.TargetIdentity != "x" || msg.TargetResource != "room-a" {
		t.Fatalf("relayed message must carry targets, got %s", body)
	}
	if msg.Kind != string(KindAppointmentCancelled) || msg.ID == "" {
		t.Fatalf("unexpected relayed envelope %s", body)
	}
	if msg.Event["kind"] != string(KindAppointmentCancelled) {
		t.Fatalf("relayed event must keep the client shape, got %s", body)
	}
	if _, leaked := msg.Event["TargetIdentity"]; leaked {
		t.Fatalf("client shape must not expose targets: %s", body)
	}
}

func TestPublish_UnknownKindIsDropped(t *testing.T) {
	reg := session.NewRegistry()
	conn := newRecordingConn(false)
	if _, err := reg.Register("x", conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	n := newTestNotifier(reg, time.Second, nil)
	n.Publish(context.Background(), Event{Kind: "bogus", TargetIdentity: "x"})

	if len(conn.received()) != 0 {
		t.Fatalf("expected no delivery for unknown kind")
	}
}
