package router

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/delivery"
	"github.com/agent-relay/relayd/internal/framing"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/ratelimit"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/transport"
)

// fakeStore is an in-memory Store for router tests — the gorm-backed
// gormStore is not exercised by these tests; they care about routing
// decisions, not SQL.
type fakeStore struct {
	mu        sync.Mutex
	messages  map[string]PersistedMessage
	delivered map[string]bool
	members   map[string]map[string]string // lowercased channel -> lowercased member -> original
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		messages:  make(map[string]PersistedMessage),
		delivered: make(map[string]bool),
		members:   make(map[string]map[string]string),
	}
}

func (s *fakeStore) SaveMessage(ctx context.Context, msg PersistedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.ID] = msg
	return nil
}

func (s *fakeStore) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.messages[id]; ok {
		m.IsOfflineQueued = false
		s.messages[id] = m
		s.delivered[id] = true
	}
	return nil
}

func (s *fakeStore) isDelivered(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[id]
}

func (s *fakeStore) MarkFailed(id string, reason string) {}

func (s *fakeStore) OfflineQueued(ctx context.Context, to string) ([]PersistedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PersistedMessage
	for _, m := range s.messages {
		if m.To == to && m.IsOfflineQueued {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) UnackedForSession(ctx context.Context, to, sessionID string) ([]PersistedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []PersistedMessage
	for _, m := range s.messages {
		if m.To == to && m.SessionID == sessionID && !m.IsOfflineQueued && !s.delivered[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) JoinChannel(ctx context.Context, channel, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl := lower(channel)
	if s.members[cl] == nil {
		s.members[cl] = make(map[string]string)
	}
	s.members[cl][lower(member)] = member
	return nil
}

func (s *fakeStore) LeaveChannel(ctx context.Context, channel, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members[lower(channel)], lower(member))
	return nil
}

func (s *fakeStore) MembershipsFor(ctx context.Context, member string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for ch, members := range s.members {
		if _, ok := members[lower(member)]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

// fakeRegistry is an in-memory Registry; known can be seeded directly by a
// test to simulate "agent has connected before, currently offline."
type fakeRegistry struct {
	mu    sync.Mutex
	known map[string]bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{known: make(map[string]bool)}
}

func (r *fakeRegistry) Upsert(ctx context.Context, name string, meta registry.Metadata, seenAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.known[name] = true
	return nil
}

func (r *fakeRegistry) IncrementMessageCount(ctx context.Context, name string) error { return nil }

func (r *fakeRegistry) Get(ctx context.Context, name string) (*registry.Agent, error) {
	return nil, registry.ErrNotFound
}

func (r *fakeRegistry) Known(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known[name], nil
}

// testHarness wires a Router the way the daemon's composition root would:
// store + registry + rate limiter + tracker, tracker's Sender routed back
// through the router.
type testHarness struct {
	t     *testing.T
	r     *Router
	ctx   context.Context
	conns []*transport.Connection
}

func newHarness(t *testing.T) *testHarness {
	store := newFakeStore()
	r := New(Config{
		Store:       store,
		Registry:    newFakeRegistry(),
		RateLimiter: ratelimit.New(ratelimit.Config{Rate: 1000, Burst: 1000}),
		Logger:      zap.NewNop(),
	})
	tracker := delivery.New(delivery.Config{}, r.NewSender(), store, zap.NewNop())
	r.SetTracker(tracker)
	return &testHarness{t: t, r: r, ctx: context.Background()}
}

// connect registers a new agent connection against the harness's router and
// returns the client-side net.Conn for the test to write/read frames on.
func (h *testHarness) connect(name string) net.Conn {
	h.t.Helper()
	client, server := net.Pipe()
	conn := transport.New(name+"-conn", server, zap.NewNop())
	h.conns = append(h.conns, conn)

	onHello, onReady, dispatch := h.r.Handlers(h.ctx)
	go conn.Run(onHello, onReady, dispatch)

	hello, _ := protocol.NewEnvelope(protocol.TypeHello, protocol.HelloPayload{Name: name, EntityType: protocol.EntityAgent})
	writeFrame(h.t, client, hello)

	deadline := time.After(2 * time.Second)
	for !conn.HandshakeDone() {
		select {
		case <-deadline:
			h.t.Fatalf("handshake for %s never completed", name)
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	return client
}

func writeFrame(t *testing.T, w net.Conn, env protocol.Envelope) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	frame, err := framing.Encode(body)
	if err != nil {
		t.Fatalf("frame envelope: %v", err)
	}
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, r net.Conn, timeout time.Duration) protocol.Envelope {
	t.Helper()
	parser := framing.NewParser()
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)

	for {
		r.SetReadDeadline(deadline)
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := parser.Push(buf[:n])
			if ferr != nil {
				t.Fatalf("push frame: %v", ferr)
			}
			if len(frames) > 0 {
				var env protocol.Envelope
				if err := json.Unmarshal(frames[0], &env); err != nil {
					t.Fatalf("unmarshal envelope: %v", err)
				}
				return env
			}
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
	}
}

func TestDirectMessageDeliversAndTracksAck(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	defer alice.Close()
	defer bob.Close()

	send, _ := protocol.NewEnvelope(protocol.TypeSend, protocol.SendPayload{Kind: "text", Body: "hi bob"})
	send.To = "bob"
	writeFrame(t, alice, send)

	deliver := readFrame(t, bob, 2*time.Second)
	if deliver.Type != protocol.TypeDeliver {
		t.Fatalf("type = %s, want DELIVER", deliver.Type)
	}
	if deliver.From != "alice" {
		t.Fatalf("from = %s, want alice", deliver.From)
	}
	payload, err := protocol.DecodePayload[protocol.SendPayload](deliver)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Body != "hi bob" {
		t.Fatalf("body = %q, want %q", payload.Body, "hi bob")
	}
	if deliver.Delivery == nil || deliver.Delivery.OriginalTo != "" {
		t.Fatalf("non-broadcast delivery should not stamp originalTo, got %+v", deliver.Delivery)
	}

	ack, _ := protocol.NewEnvelope(protocol.TypeAck, protocol.AckPayload{AckID: deliver.ID})
	writeFrame(t, bob, ack)

	time.Sleep(50 * time.Millisecond)
	if h.r.tracker.Pending() != 0 {
		t.Fatalf("expected tracker to settle the ACK, %d still pending", h.r.tracker.Pending())
	}
}

func TestBroadcastStampsOriginalTo(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	defer alice.Close()
	defer bob.Close()

	send, _ := protocol.NewEnvelope(protocol.TypeSend, protocol.SendPayload{Kind: "text", Body: "hi all"})
	send.To = "*"
	writeFrame(t, alice, send)

	deliver := readFrame(t, bob, 2*time.Second)
	if deliver.Delivery == nil || deliver.Delivery.OriginalTo != "*" {
		t.Fatalf("expected originalTo=*, got %+v", deliver.Delivery)
	}
}

func TestOfflineQueueDeliversOnReconnect(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	defer alice.Close()

	// Simulate "carol" having connected once before (known but now offline):
	// preregister her directly in the fake registry.
	fr := h.r.reg.(*fakeRegistry)
	fr.mu.Lock()
	fr.known["carol"] = true
	fr.mu.Unlock()

	send, _ := protocol.NewEnvelope(protocol.TypeSend, protocol.SendPayload{Kind: "text", Body: "while you were out"})
	send.To = "carol"
	writeFrame(t, alice, send)

	time.Sleep(50 * time.Millisecond)

	queued, err := h.r.store.OfflineQueued(h.ctx, "carol")
	if err != nil {
		t.Fatalf("offline queued: %v", err)
	}
	if len(queued) != 1 {
		t.Fatalf("expected 1 offline-queued message, got %d", len(queued))
	}

	carol := h.connect("carol")
	defer carol.Close()

	deliver := readFrame(t, carol, 2*time.Second)
	payload, err := protocol.DecodePayload[protocol.SendPayload](deliver)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Body != "while you were out" {
		t.Fatalf("body = %q, want the queued message", payload.Body)
	}
}

func TestChannelBroadcastFansOutToOtherMembers(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	defer alice.Close()
	defer bob.Close()

	join, _ := protocol.NewEnvelope(protocol.TypeChannelJoin, protocol.ChannelJoinPayload{Channel: "dev"})
	writeFrame(t, alice, join)
	writeFrame(t, bob, join)
	time.Sleep(30 * time.Millisecond)

	msg, _ := protocol.NewEnvelope(protocol.TypeChannelMsg, protocol.ChannelMessagePayload{Channel: "dev", Body: "standup?"})
	writeFrame(t, alice, msg)

	got := readFrame(t, bob, 2*time.Second)
	if got.Type != protocol.TypeChannelMsg {
		t.Fatalf("type = %s, want CHANNEL_MESSAGE", got.Type)
	}
	payload, err := protocol.DecodePayload[protocol.ChannelMessagePayload](got)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Body != "standup?" {
		t.Fatalf("body = %q, want standup?", payload.Body)
	}
}

func TestShadowTriggerReachesBoundShadow(t *testing.T) {
	h := newHarness(t)
	primary := h.connect("worker")
	shadow := h.connect("observer-shadow")
	defer primary.Close()
	defer shadow.Close()

	h.r.BindShadow("worker", "observer-shadow", []protocol.ShadowTrigger{protocol.TriggerAllMessages}, true, true)

	h.r.EmitShadowTrigger(h.ctx, "worker", protocol.TriggerCodeWritten, map[string]any{"file": "main.go"})

	got := readFrame(t, shadow, 2*time.Second)
	payload, err := protocol.DecodePayload[protocol.SendPayload](got)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Body != "SHADOW_TRIGGER:CODE_WRITTEN" {
		t.Fatalf("body = %q, want SHADOW_TRIGGER:CODE_WRITTEN", payload.Body)
	}
	if payload.Data["file"] != "main.go" {
		t.Fatalf("expected triggerCtx to be merged into data, got %+v", payload.Data)
	}
}

// tryReadFrame is readFrame's non-fatal sibling: it reports ok=false on a
// read-deadline timeout instead of failing the test, for asserting that no
// frame arrives within the window.
func tryReadFrame(t *testing.T, r net.Conn, timeout time.Duration) (protocol.Envelope, bool) {
	t.Helper()
	parser := framing.NewParser()
	buf := make([]byte, 4096)
	deadline := time.Now().Add(timeout)

	for {
		r.SetReadDeadline(deadline)
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := parser.Push(buf[:n])
			if ferr != nil {
				t.Fatalf("push frame: %v", ferr)
			}
			if len(frames) > 0 {
				var env protocol.Envelope
				if uerr := json.Unmarshal(frames[0], &env); uerr != nil {
					t.Fatalf("unmarshal envelope: %v", uerr)
				}
				return env, true
			}
		}
		if err != nil {
			return protocol.Envelope{}, false
		}
	}
}

// TestShadowFanOutExcludesEffectiveSenderNotPrimary pins the exclusion
// rule: a shadow is excluded from its own fan-out only when it is the
// message's effective sender, never merely because it equals the fan-out's
// primary (which, on the incoming-direction leg, is the recipient — not the
// sender). bob-shadow is bound as an incoming shadow of bob; when bob-shadow
// itself sends to bob, the incoming-direction fan-out's primary is "bob", so
// comparing against primary would fail to exclude bob-shadow and it would
// receive a copy of the very message it just sent.
func TestShadowFanOutExcludesEffectiveSenderNotPrimary(t *testing.T) {
	h := newHarness(t)
	bob := h.connect("bob")
	bobShadow := h.connect("bob-shadow")
	defer bob.Close()
	defer bobShadow.Close()

	h.r.BindShadow("bob", "bob-shadow", nil, true, true)

	send, _ := protocol.NewEnvelope(protocol.TypeSend, protocol.SendPayload{Kind: "text", Body: "hi bob"})
	send.To = "bob"
	writeFrame(t, bobShadow, send)

	deliver := readFrame(t, bob, 2*time.Second)
	if deliver.Type != protocol.TypeDeliver || deliver.From != "bob-shadow" {
		t.Fatalf("bob did not receive the direct delivery: %+v", deliver)
	}

	if env, ok := tryReadFrame(t, bobShadow, 300*time.Millisecond); ok {
		t.Fatalf("bob-shadow must not receive a shadow copy of its own message, got %+v", env)
	}
}

// TestReplayPendingPreservesMessageID pins the session-resume contract: a
// replayed delivery must carry its original message id and stored seq, so
// the recipient's ACK settles the persisted row instead of matching
// nothing and triggering re-delivery on every reconnect.
func TestReplayPendingPreservesMessageID(t *testing.T) {
	h := newHarness(t)
	store := h.r.store.(*fakeStore)
	store.SaveMessage(h.ctx, PersistedMessage{
		ID: "orig-id-1", From: "alice", To: "bob", Kind: "text", Body: "resend me",
		SessionID: "s-42", Seq: 7, CreatedAt: time.Now(),
	})

	client, server := net.Pipe()
	defer client.Close()
	conn := transport.New("bob-conn", server, zap.NewNop())
	onHello, onReady, dispatch := h.r.Handlers(h.ctx)
	go conn.Run(onHello, onReady, dispatch)

	hello, _ := protocol.NewEnvelope(protocol.TypeHello, protocol.HelloPayload{
		Name: "bob", EntityType: protocol.EntityAgent, SessionID: "s-42",
	})
	writeFrame(t, client, hello)

	deliver := readFrame(t, client, 2*time.Second)
	if deliver.Type != protocol.TypeDeliver || deliver.ID != "orig-id-1" {
		t.Fatalf("replayed delivery must keep its original id, got %s id=%q", deliver.Type, deliver.ID)
	}
	if deliver.Delivery == nil || deliver.Delivery.Seq != 7 {
		t.Fatalf("replayed delivery must keep its stored seq, got %+v", deliver.Delivery)
	}

	ack, _ := protocol.NewEnvelope(protocol.TypeAck, protocol.AckPayload{AckID: deliver.ID})
	writeFrame(t, client, ack)

	deadline := time.Now().Add(2 * time.Second)
	for !store.isDelivered("orig-id-1") {
		if time.Now().After(deadline) {
			t.Fatal("ACK of a replayed delivery never settled the persisted row")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.r.tracker.Pending() != 0 {
		t.Fatalf("expected tracker settled after ack, %d pending", h.r.tracker.Pending())
	}
}

func TestShadowCopyNeverSetsProcessingState(t *testing.T) {
	h := newHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")
	shadowConn := h.connect("alice-shadow")
	defer alice.Close()
	defer bob.Close()
	defer shadowConn.Close()

	h.r.BindShadow("alice", "alice-shadow", nil, true, true)

	send, _ := protocol.NewEnvelope(protocol.TypeSend, protocol.SendPayload{Kind: "text", Body: "hello"})
	send.To = "bob"
	writeFrame(t, alice, send)

	readFrame(t, bob, 2*time.Second)
	readFrame(t, shadowConn, 2*time.Second)

	if h.r.IsProcessing("alice-shadow") {
		t.Fatal("shadow copy must not set processing state on the shadow")
	}
}
