package relayclient

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/framing"
	"github.com/agent-relay/relayd/internal/protocol"
)

func readFrame(t *testing.T, r net.Conn) protocol.Envelope {
	t.Helper()
	header := make([]byte, 4)
	if _, err := readFull(r, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	n := int(header[0])<<24 | int(header[1])<<16 | int(header[2])<<8 | int(header[3])
	body := make([]byte, n)
	if _, err := readFull(r, body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readFull(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeFrame(t *testing.T, w net.Conn, env protocol.Envelope) {
	t.Helper()
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := framing.Encode(body)
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	if _, err := w.Write(frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// TestClientSendsHelloThenAcksDeliver exercises the client side of the
// handshake against a hand-rolled fake daemon: the client should write
// HELLO first (no inbound HELLO ever arrives, since this connection is
// client-initiated), then auto-ACK a DELIVER it receives.
func TestClientSendsHelloThenAcksDeliver(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	origDial := dialSocket
	dialSocket = func(string) (net.Conn, error) { return clientConn, nil }
	defer func() { dialSocket = origDial }()

	delivered := make(chan protocol.SendPayload, 1)
	c := New(Config{
		SocketPath: "unused",
		Name:       "agent-a",
		EntityKind: protocol.EntityAgent,
		Logger:     zap.NewNop(),
	}, Handlers{
		OnDeliver: func(_ context.Context, _ protocol.Envelope, payload protocol.SendPayload) error {
			delivered <- payload
			return nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	hello := readFrame(t, serverConn)
	if hello.Type != protocol.TypeHello {
		t.Fatalf("expected first frame to be HELLO, got %s", hello.Type)
	}
	payload, err := protocol.DecodePayload[protocol.HelloPayload](hello)
	if err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if payload.Name != "agent-a" {
		t.Fatalf("expected name agent-a, got %s", payload.Name)
	}

	deliverPayload := protocol.SendPayload{Kind: "message", Body: "hi"}
	body, _ := json.Marshal(deliverPayload)
	deliverEnv := protocol.Envelope{
		Version: protocol.Version,
		Type:    protocol.TypeDeliver,
		ID:      "deliver-1",
		To:      "agent-a",
		Payload: body,
	}
	writeFrame(t, serverConn, deliverEnv)

	select {
	case got := <-delivered:
		if got.Body != "hi" {
			t.Fatalf("expected body 'hi', got %q", got.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDeliver was never called")
	}

	ack := readFrame(t, serverConn)
	if ack.Type != protocol.TypeAck {
		t.Fatalf("expected auto-ACK, got %s", ack.Type)
	}
	ackPayload, err := protocol.DecodePayload[protocol.AckPayload](ack)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ackPayload.AckID != "deliver-1" {
		t.Fatalf("expected ack_id deliver-1, got %s", ackPayload.AckID)
	}
}
