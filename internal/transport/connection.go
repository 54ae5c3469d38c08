// Package transport wraps a duplex byte stream (a Unix domain socket, in
// production) into a Connection: the unit the Router registers, sends to,
// and unregisters on disconnect. It owns framing, the outbound write queue,
// and the HELLO handshake gate.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/framing"
	"github.com/agent-relay/relayd/internal/protocol"
)

const (
	// writeQueueSize bounds how many outbound envelopes may be buffered
	// before Send blocks, sized for an agent-to-agent fanout workload.
	writeQueueSize = 256

	// writeDeadline bounds a single frame write. A peer that can't keep up
	// with the wire within this window is treated as gone.
	writeDeadline = 10 * time.Second

	// backpressureTimeout bounds how long Send blocks on a full write queue
	// before the connection is closed with BACKPRESSURE_TIMEOUT.
	backpressureTimeout = 5 * time.Second

	readChunkSize = 32 * 1024
)

// seqKey identifies one strictly increasing per-(topic,peer) delivery
// sequence counter.
type seqKey struct {
	topic string
	peer  string
}

// Connection wraps a net.Conn (a Unix stream socket) with framing, a bounded
// outbound write queue drained by a single writer goroutine, and the
// handshake gate that rejects anything but HELLO until the peer identifies
// itself. All sends funnel through the queue, so the writer goroutine is
// the only thing that ever touches the wire's write side.
type Connection struct {
	id    string
	conn  net.Conn
	log   *zap.Logger
	codec framing.Codec

	send   chan protocol.Envelope
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	name        string
	entityKind  protocol.EntityKind
	sessionID   string
	helloDone   bool
	seqCounters map[seqKey]uint64
	closeErr    error
}

// New wraps conn. id is a connection-local identifier (not the agent name —
// that arrives later via HELLO); it is used to key the Router's connections
// map and to correlate pending deliveries for cancellation on unregister.
func New(id string, conn net.Conn, log *zap.Logger) *Connection {
	return &Connection{
		id:          id,
		conn:        conn,
		log:         log.With(zap.String("conn_id", id)),
		codec:       framing.JSONCodec{},
		send:        make(chan protocol.Envelope, writeQueueSize),
		closed:      make(chan struct{}),
		seqCounters: make(map[seqKey]uint64),
	}
}

// ID returns the connection-local identifier assigned at construction.
func (c *Connection) ID() string { return c.id }

// Name returns the agent/user name bound at HELLO, or "" before handshake.
func (c *Connection) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// EntityKind returns the kind bound at HELLO.
func (c *Connection) EntityKind() protocol.EntityKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entityKind
}

// SessionID returns the session identity bound at HELLO.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// bindHello records the identity carried by the first accepted HELLO and
// flips the handshake gate open. Only reachable while the gate is still
// closed — a HELLO arriving after it is rejected in handleEnvelope.
func (c *Connection) bindHello(name string, kind protocol.EntityKind, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.entityKind = kind
	c.sessionID = sessionID
	c.helloDone = true
}

// BindClientSession marks the handshake gate open on the client side of a
// connection, where the local HELLO is written directly to the wire before
// Run starts its read loop rather than arriving as an inbound envelope —
// the reverse of bindHello, which binds the identity carried by an inbound
// HELLO on the accept side. Callers must invoke this before Run; Run itself
// never calls it.
func (c *Connection) BindClientSession(name string, kind protocol.EntityKind, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	c.entityKind = kind
	c.sessionID = sessionID
	c.helloDone = true
}

// HandshakeDone reports whether HELLO has already been processed.
func (c *Connection) HandshakeDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.helloDone
}

// NextSeq returns the next sequence number for the (topic, peer) pair,
// starting at 1. Used to populate DELIVER envelope delivery.seq.
func (c *Connection) NextSeq(topic, peer string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := seqKey{topic: topic, peer: peer}
	c.seqCounters[k]++
	return c.seqCounters[k]
}

// Send enqueues env for delivery to the peer. Blocks up to
// backpressureTimeout if the write queue is full, then closes the
// connection and returns a BACKPRESSURE_TIMEOUT error.
func (c *Connection) Send(env protocol.Envelope) error {
	select {
	case <-c.closed:
		return protocol.NewTransportClosed("connection %s is closed", c.id)
	default:
	}

	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return protocol.NewTransportClosed("connection %s is closed", c.id)
	default:
	}

	timer := time.NewTimer(backpressureTimeout)
	defer timer.Stop()
	select {
	case c.send <- env:
		return nil
	case <-c.closed:
		return protocol.NewTransportClosed("connection %s is closed", c.id)
	case <-timer.C:
		err := protocol.NewBackpressureTimeout("connection %s exceeded backpressure timeout of %s", c.id, backpressureTimeout)
		c.CloseWithError(err)
		return err
	}
}

// Close closes the connection without recording an error.
func (c *Connection) Close() error {
	return c.closeOnce(nil)
}

// CloseWithError closes the connection and records err as the reason a
// reader of Err() should see.
func (c *Connection) CloseWithError(err error) {
	c.closeOnce(err)
}

func (c *Connection) closeOnce(err error) error {
	var closeErr error
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.mu.Unlock()
		close(c.closed)
		closeErr = c.conn.Close()
	})
	return closeErr
}

// Err returns the error that caused the connection to close, if any.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Done returns a channel closed once the connection has shut down, for
// callers that want to select on connection lifetime.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// HelloHandler validates and applies a HELLO payload, returning the session
// id to bind (reusing the client-supplied one on resume, or minting a fresh
// one). Supplied by the Router so Connection stays free of routing logic.
type HelloHandler func(conn *Connection, payload protocol.HelloPayload) (sessionID string, err error)

// Dispatch is invoked once per decoded, post-handshake envelope.
type Dispatch func(conn *Connection, env protocol.Envelope)

// OnReady fires once, immediately after a HELLO is accepted and bound —
// conn.Name()/EntityKind()/SessionID() are safe to read from it. This is
// where the caller registers conn with the Router and replays any pending
// deliveries, since onHello itself runs before the name/session are bound.
type OnReady func(conn *Connection)

// Run drives the connection until it closes: it starts the writer goroutine
// and blocks in the reader loop on the calling goroutine.
//
// onHello is consulted for the first envelope and decides the session id to
// bind; onReady fires right after binding succeeds; every envelope after
// that is handed to dispatch. Run returns once the connection is fully torn
// down.
func (c *Connection) Run(onHello HelloHandler, onReady OnReady, dispatch Dispatch) {
	go c.writePump()
	c.readPump(onHello, onReady, dispatch)
}

func (c *Connection) readPump(onHello HelloHandler, onReady OnReady, dispatch Dispatch) {
	defer c.Close()

	r := bufio.NewReaderSize(c.conn, readChunkSize)
	parser := framing.NewParser()
	buf := make([]byte, readChunkSize)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := parser.Push(buf[:n])
			for _, body := range frames {
				codec := framing.DetectCodec(body)
				env, derr := codec.Decode(body)
				if derr != nil {
					c.CloseWithError(protocol.NewProtocolError("decode frame: %v", derr))
					return
				}
				if handleErr := c.handleEnvelope(env, onHello, onReady, dispatch); handleErr != nil {
					c.CloseWithError(handleErr)
					return
				}
			}
			if ferr != nil {
				c.CloseWithError(protocol.NewProtocolError("frame too large: %v", ferr))
				return
			}
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				c.log.Debug("transport: read loop ended", zap.Error(err))
			}
			return
		}
	}
}

func (c *Connection) handleEnvelope(env protocol.Envelope, onHello HelloHandler, onReady OnReady, dispatch Dispatch) error {
	if !c.HandshakeDone() {
		if env.Type != protocol.TypeHello {
			return protocol.NewProtocolError("first envelope must be HELLO, got %s", env.Type)
		}
		payload, err := protocol.DecodePayload[protocol.HelloPayload](env)
		if err != nil {
			return err
		}
		sessionID, err := onHello(c, payload)
		if err != nil {
			return err
		}
		c.bindHello(payload.Name, payload.EntityType, sessionID)
		if onReady != nil {
			onReady(c)
		}
		return nil
	}
	if env.Type == protocol.TypeHello {
		return protocol.NewProtocolError("duplicate HELLO on connection %s", c.id)
	}
	dispatch(c, env)
	return nil
}

func (c *Connection) writePump() {
	for {
		select {
		case env, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeEnvelope(env); err != nil {
				c.log.Debug("transport: write failed", zap.Error(err))
				c.CloseWithError(fmt.Errorf("transport: write: %w", err))
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *Connection) writeEnvelope(env protocol.Envelope) error {
	body, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	frame, err := framing.Encode(body)
	if err != nil {
		return fmt.Errorf("frame envelope: %w", err)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	_, err = c.conn.Write(frame)
	return err
}
