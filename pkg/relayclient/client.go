// Package relayclient is the agent-side connection manager: it dials the
// daemon's Unix domain socket, performs the HELLO handshake, and keeps the
// session alive across drops with exponential backoff and session resume.
package relayclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/transport"
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// Config configures one Client. Name, EntityKind, and SocketPath are
// required; the rest are optional HELLO metadata.
type Config struct {
	SocketPath string
	Name       string
	EntityKind protocol.EntityKind
	CLI        string
	Program    string
	Model      string
	Task       string
	Cwd        string

	// StateDir, if set, persists the session id across reconnects so the
	// daemon can replay unacked deliveries for this session. Leave empty to
	// mint a fresh session id every connect (no resume).
	StateDir string

	// ManualAck, if true, suppresses the automatic ACK normally sent after
	// OnDeliver returns without error — the caller must call Ack itself.
	// Defaults to false (auto-ack every successfully handled DELIVER).
	ManualAck bool

	Logger *zap.Logger
}

// sessionState is persisted to <StateDir>/session-state.json so a restarted
// agent process presents the same sessionId and becomes eligible for
// session-resume replay.
type sessionState struct {
	SessionID string `json:"session_id"`
}

func stateFilePath(dir string) string {
	return filepath.Join(dir, "session-state.json")
}

func loadState(dir string) (sessionState, error) {
	if dir == "" {
		return sessionState{}, nil
	}
	data, err := os.ReadFile(stateFilePath(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sessionState{}, nil
		}
		return sessionState{}, fmt.Errorf("relayclient: read state: %w", err)
	}
	var s sessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return sessionState{}, fmt.Errorf("relayclient: corrupt state file: %w", err)
	}
	return s, nil
}

// saveState writes state atomically via temp-file-then-rename so a crash
// mid-write never leaves a truncated state file behind.
func saveState(dir string, s sessionState) error {
	if dir == "" {
		return nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("relayclient: marshal state: %w", err)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("relayclient: create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "session-state.*.tmp")
	if err != nil {
		return fmt.Errorf("relayclient: create temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("relayclient: write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("relayclient: close temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, stateFilePath(dir)); err != nil {
		return fmt.Errorf("relayclient: rename state file: %w", err)
	}
	ok = true
	return nil
}

// Handlers are the callbacks a caller supplies to react to inbound
// envelopes. Any left nil are ignored.
type Handlers struct {
	OnDeliver    func(ctx context.Context, env protocol.Envelope, payload protocol.SendPayload) error
	OnChannelMsg func(ctx context.Context, env protocol.Envelope, payload protocol.ChannelMessagePayload)
	OnSpawn      func(ctx context.Context, env protocol.Envelope, payload protocol.SpawnPayload)
	OnRelease    func(ctx context.Context, env protocol.Envelope, payload protocol.ReleasePayload)
	OnDisconnect func(err error)
	OnConnected  func(sessionID string)
}

// Client is the agent-side handle to the daemon. One Client holds at most
// one live Connection at a time; Run owns the reconnect loop.
type Client struct {
	cfg      Config
	handlers Handlers
	log      *zap.Logger

	mu   sync.RWMutex
	conn *transport.Connection
}

// New constructs a Client. Call Run to start the connect/reconnect loop.
func New(cfg Config, handlers Handlers) *Client {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		log:      cfg.Logger.Named("relayclient"),
	}
}

// Run dials, handshakes, and services the connection until ctx is
// cancelled, reconnecting with exponential backoff + jitter on any failure.
func (c *Client) Run(ctx context.Context) {
	backoff := backoffInitial

	for {
		if ctx.Err() != nil {
			c.log.Info("relayclient: stopped")
			return
		}

		c.log.Info("relayclient: connecting", zap.String("socket", c.cfg.SocketPath))

		if err := c.connect(ctx); err != nil {
			c.log.Warn("relayclient: connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			if c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect(err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(jitter(backoff)):
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = backoffInitial
	}
}

// dialSocket is overridden in tests to substitute a net.Pipe for a real
// Unix domain socket.
var dialSocket = func(path string) (net.Conn, error) {
	return net.Dial("unix", path)
}

// connect dials once, performs HELLO, and blocks servicing the connection
// until it closes (error or peer-initiated). Returns nil on a clean,
// context-cancelled shutdown.
func (c *Client) connect(ctx context.Context) error {
	raw, err := dialSocket(c.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("relayclient: dial: %w", err)
	}

	state, err := loadState(c.cfg.StateDir)
	if err != nil {
		c.log.Warn("relayclient: failed to load session state, starting fresh", zap.Error(err))
	}

	sessionID := state.SessionID
	if sessionID == "" {
		sessionID = protocol.NewID()
	}

	conn := transport.New(protocol.NewID(), raw, c.log)
	// The client knows its own identity and session before dialing — bind
	// it up front rather than waiting on an inbound HELLO, which only ever
	// arrives on the daemon's accept side.
	conn.BindClientSession(c.cfg.Name, c.cfg.EntityKind, sessionID)

	hello := protocol.HelloPayload{
		Name:       c.cfg.Name,
		EntityType: c.cfg.EntityKind,
		CLI:        c.cfg.CLI,
		Program:    c.cfg.Program,
		Model:      c.cfg.Model,
		Task:       c.cfg.Task,
		Cwd:        c.cfg.Cwd,
		SessionID:  sessionID,
	}
	env, err := protocol.NewEnvelope(protocol.TypeHello, hello)
	if err != nil {
		raw.Close()
		return fmt.Errorf("relayclient: build HELLO: %w", err)
	}

	if err := writeHandshake(raw, env); err != nil {
		raw.Close()
		return fmt.Errorf("relayclient: send HELLO: %w", err)
	}

	if err := saveState(c.cfg.StateDir, sessionState{SessionID: sessionID}); err != nil {
		c.log.Warn("relayclient: failed to persist session state", zap.Error(err))
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if c.handlers.OnConnected != nil {
		c.handlers.OnConnected(sessionID)
	}

	dispatch := func(_ *transport.Connection, e protocol.Envelope) {
		c.dispatch(ctx, e)
	}

	// onHello is never invoked: the handshake gate is already open via
	// BindClientSession, so the first inbound envelope goes straight to
	// dispatch like every envelope after it.
	go conn.Run(nil, nil, dispatch)

	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-conn.Done():
		}
	}()

	<-conn.Done()
	if ctx.Err() != nil {
		return nil
	}
	return conn.Err()
}

// writeHandshake frames and writes the HELLO envelope directly to raw,
// since conn.Run's reader treats the connection's own first frame as the
// handshake it must receive, not send — the client side needs to put bytes
// on the wire before entering that read loop.
func writeHandshake(raw net.Conn, env protocol.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	length := uint32(len(body))
	header := []byte{byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	w := bufio.NewWriter(raw)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return w.Flush()
}

func (c *Client) dispatch(ctx context.Context, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeDeliver:
		payload, err := protocol.DecodePayload[protocol.SendPayload](env)
		if err != nil {
			c.log.Warn("relayclient: malformed DELIVER payload", zap.Error(err))
			return
		}
		var handlerErr error
		if c.handlers.OnDeliver != nil {
			handlerErr = c.handlers.OnDeliver(ctx, env, payload)
		}
		if handlerErr == nil && c.autoAck() {
			if err := c.Ack(env.ID); err != nil {
				c.log.Warn("relayclient: failed to ack delivery", zap.String("id", env.ID), zap.Error(err))
			}
		}

	case protocol.TypeChannelMsg:
		payload, err := protocol.DecodePayload[protocol.ChannelMessagePayload](env)
		if err != nil {
			c.log.Warn("relayclient: malformed CHANNEL_MESSAGE payload", zap.Error(err))
			return
		}
		if c.handlers.OnChannelMsg != nil {
			c.handlers.OnChannelMsg(ctx, env, payload)
		}

	case protocol.TypeSpawn:
		payload, err := protocol.DecodePayload[protocol.SpawnPayload](env)
		if err != nil {
			return
		}
		if c.handlers.OnSpawn != nil {
			c.handlers.OnSpawn(ctx, env, payload)
		}

	case protocol.TypeRelease:
		payload, err := protocol.DecodePayload[protocol.ReleasePayload](env)
		if err != nil {
			return
		}
		if c.handlers.OnRelease != nil {
			c.handlers.OnRelease(ctx, env, payload)
		}

	default:
		c.log.Debug("relayclient: unhandled envelope type", zap.String("type", string(env.Type)))
	}
}

func (c *Client) autoAck() bool {
	return !c.cfg.ManualAck
}

func (c *Client) currentConn() *transport.Connection {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

// Send addresses a SEND envelope to recipient (an agent name, or "*" to
// broadcast, narrowed to topic's subscribers when topic is set) and
// transmits it on the current connection. The daemon drops a SEND whose
// recipient is empty, even when topic is set. Returns an error if not
// currently connected.
func (c *Client) Send(to, topic string, payload protocol.SendPayload) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("relayclient: not connected")
	}
	env, err := protocol.NewEnvelope(protocol.TypeSend, payload)
	if err != nil {
		return err
	}
	env.To = to
	env.Topic = topic
	return conn.Send(env)
}

// Ack settles a previously delivered message id.
func (c *Client) Ack(deliverID string) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("relayclient: not connected")
	}
	env, err := protocol.NewEnvelope(protocol.TypeAck, protocol.AckPayload{AckID: deliverID})
	if err != nil {
		return err
	}
	return conn.Send(env)
}

// Subscribe/Unsubscribe manage topic membership for the current session.
func (c *Client) Subscribe(topic string) error {
	return c.sendSimple(protocol.TypeSubscribe, protocol.SubscribePayload{Topic: topic})
}
func (c *Client) Unsubscribe(topic string) error {
	return c.sendSimple(protocol.TypeUnsubscribe, protocol.UnsubscribePayload{Topic: topic})
}

// JoinChannel / LeaveChannel manage channel membership for the current
// session (self, not admin-mode on behalf of another member).
func (c *Client) JoinChannel(channel string) error {
	return c.sendSimple(protocol.TypeChannelJoin, protocol.ChannelJoinPayload{Channel: channel})
}

func (c *Client) LeaveChannel(channel string) error {
	return c.sendSimple(protocol.TypeChannelLeave, protocol.ChannelLeavePayload{Channel: channel})
}

// ChannelMessage fans a message out to every other member of channel.
func (c *Client) ChannelMessage(channel, body, thread string, mentions []string) error {
	return c.sendSimple(protocol.TypeChannelMsg, protocol.ChannelMessagePayload{
		Channel:  channel,
		Body:     body,
		Thread:   thread,
		Mentions: mentions,
	})
}

func (c *Client) sendSimple(typ protocol.Type, payload any) error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("relayclient: not connected")
	}
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return conn.Send(env)
}

func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
