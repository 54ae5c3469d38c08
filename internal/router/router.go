// Package router implements the central dispatcher: it owns the connection
// registry, subscriptions, channel membership, shadow fan-out, rate
// limiting, and processing-state tracking.
//
// In-memory state lives behind one RWMutex rather than a channel-driven
// event loop: the router's operations (route, channel join/leave, shadow
// bind) make storage calls and return a result to the caller synchronously,
// which fits a guarded-map model better than a fire-and-forget
// register/unregister channel pair.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/delivery"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/ratelimit"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/transport"
)

// processingTimeout bounds how long an agent may sit in "processing" before
// the state self-clears; spawningTimeout bounds how long a name may sit in
// the spawning set before inbound traffic for it stops being queued.
const (
	processingTimeout = 30 * time.Second
	spawningTimeout   = 60 * time.Second
)

// Observer receives router lifecycle events: a fixed method set instead of
// named-string event subscription.
type Observer interface {
	OnProcessingStateChanged(name string, processing bool)
	OnError(context string, err error)
}

// NoopObserver discards every event. Useful as a default collaborator.
type NoopObserver struct{}

func (NoopObserver) OnProcessingStateChanged(string, bool) {}
func (NoopObserver) OnError(string, error)                 {}

// CrossMachineHandler resolves and forwards traffic for agents that live on
// another machine. Optional; nil disables the cross-machine path.
type CrossMachineHandler interface {
	// Resolve reports whether name is a known remote (cross-machine) agent.
	Resolve(name string) bool
	// Forward hands env to the cross-machine transport, fire-and-forget.
	Forward(name string, env protocol.Envelope)
}

// SpawnHandler is the child-lifecycle boundary (internal/spawn). The router
// only marks/clears the spawning set itself; everything else about actually
// launching or releasing a child process is this collaborator's job. Nil is
// valid — SPAWN/RELEASE traffic is then limited to the spawning-set
// bookkeeping the router already does.
type SpawnHandler interface {
	HandleSpawn(ctx context.Context, from string, payload protocol.SpawnPayload)
	HandleSpawnResult(ctx context.Context, from string, payload protocol.SpawnResultPayload)
	HandleRelease(ctx context.Context, from string, payload protocol.ReleasePayload)
	HandleReleaseResult(ctx context.Context, from string, payload protocol.ReleaseResultPayload)
}

type shadowBinding struct {
	shadow          string
	speakOn         map[protocol.ShadowTrigger]struct{}
	receiveIncoming bool
	receiveOutgoing bool
}

type processingState struct {
	startedAt time.Time
	messageID string
	timer     *time.Timer
}

// Config wires the Router's collaborators. A nil Observer defaults to
// NoopObserver and a nil Logger to a no-op logger; a nil Store, Registry,
// RateLimiter, CrossMachine or Spawn is skipped wherever the Router would
// use it, so the Router remains constructible in tests without a live
// database.
type Config struct {
	Store        Store
	Registry     registry.Registry
	RateLimiter  *ratelimit.Limiter
	CrossMachine CrossMachineHandler
	Spawn        SpawnHandler
	Observer     Observer
	Logger       *zap.Logger
}

// Router is the daemon's central dispatcher: every non-transport envelope
// passes through it.
type Router struct {
	store        Store
	reg          registry.Registry
	limiter      *ratelimit.Limiter
	crossMachine CrossMachineHandler
	spawn        SpawnHandler
	observer     Observer
	log          *zap.Logger
	dedup        *dedupRing
	tracker      *delivery.Tracker

	mu sync.RWMutex

	connections map[string]*transport.Connection // conn id -> connection
	agents      map[string]*transport.Connection // agent name -> connection
	users       map[string]*transport.Connection // user name -> connection

	subscriptions map[string]map[string]struct{} // topic -> set<name>

	channels       map[string]*channelState       // lowercased channel -> state
	memberChannels map[string]map[string]struct{} // lowercased member -> set<lowercased channel>

	shadowsByPrimary map[string][]*shadowBinding // primary name -> bindings
	primaryByShadow  map[string]string           // shadow name -> primary name

	processing map[string]*processingState // agent name -> state
	spawning   map[string]time.Time        // agent name -> start ts
}

type channelState struct {
	original string
	members  map[string]string // lowercased member -> original-cased member
}

// New constructs an idle Router. SetTracker must be called once the
// Delivery Tracker is constructed (it needs a Sender that calls back into
// the Router, so the two are wired together by the daemon's composition
// root rather than one owning the other's constructor).
func New(cfg Config) *Router {
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Router{
		store:            cfg.Store,
		reg:              cfg.Registry,
		limiter:          cfg.RateLimiter,
		crossMachine:     cfg.CrossMachine,
		spawn:            cfg.Spawn,
		observer:         cfg.Observer,
		log:              cfg.Logger.Named("router"),
		dedup:            newDedupRing(),
		connections:      make(map[string]*transport.Connection),
		agents:           make(map[string]*transport.Connection),
		users:            make(map[string]*transport.Connection),
		subscriptions:    make(map[string]map[string]struct{}),
		channels:         make(map[string]*channelState),
		memberChannels:   make(map[string]map[string]struct{}),
		shadowsByPrimary: make(map[string][]*shadowBinding),
		primaryByShadow:  make(map[string]string),
		processing:       make(map[string]*processingState),
		spawning:         make(map[string]time.Time),
	}
}

// SetTracker wires the Delivery Tracker after construction, breaking the
// cyclic dependency: the tracker needs a Sender that looks up live
// connections through the Router, and the Router needs the tracker to
// register successful DELIVERs and settle ACKs.
func (r *Router) SetTracker(t *delivery.Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracker = t
}

// SetSpawnHandler wires the Spawn Manager collaborator after construction —
// the same cyclic-dependency break as SetTracker, since a SpawnHandler
// built from Router.NewSender() cannot exist before the Router does.
func (r *Router) SetSpawnHandler(h SpawnHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawn = h
}

// connectionSender adapts the Router's connection lookup to
// delivery.Sender, resolving the recipient's connection by name at send
// time. Register and Unregister cancel the tracker entries of a replaced or
// closed connection, so retries are not carried over to a replacement
// connection.
type connectionSender struct{ r *Router }

func (s connectionSender) Send(recipient string, env protocol.Envelope) error {
	conn := s.r.lookupConnection(recipient)
	if conn == nil {
		return fmt.Errorf("router: %s is no longer connected", recipient)
	}
	return conn.Send(env)
}

// NewSender returns a delivery.Sender bound to this router, for
// constructing the Delivery Tracker before calling SetTracker.
func (r *Router) NewSender() delivery.Sender {
	return connectionSender{r: r}
}

func (r *Router) lookupConnection(name string) *transport.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.agents[name]; ok {
		return c
	}
	if c, ok := r.users[name]; ok {
		return c
	}
	return nil
}

// MarkSpawning records that name is expected to connect soon, so inbound
// traffic addressed to it is queued rather than dropped.
func (r *Router) MarkSpawning(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawning[name] = time.Now()
}

// ClearSpawning removes name from the spawning set. A failed SPAWN is
// cleared through here; after a successful SPAWN the entry is removed by
// Register when the child's HELLO arrives.
func (r *Router) ClearSpawning(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.spawning, name)
}

func (r *Router) isSpawning(name string) bool {
	r.mu.RLock()
	ts, ok := r.spawning[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Since(ts) > spawningTimeout {
		r.mu.Lock()
		delete(r.spawning, name)
		r.mu.Unlock()
		return false
	}
	return true
}

// Register stores conn under its bound name, replacing (and closing) any
// prior connection for the same name, and upserts meta into the durable
// agent registry. meta should come from the HELLO payload that produced
// conn's bound identity; Register is meant to run from a transport.OnReady
// callback, once conn.Name()/EntityKind() are safe to read.
func (r *Router) Register(ctx context.Context, conn *transport.Connection, meta registry.Metadata) {
	name := conn.Name()

	r.mu.Lock()
	r.connections[conn.ID()] = conn
	var prior *transport.Connection
	if conn.EntityKind() == protocol.EntityUser {
		prior = r.users[name]
		r.users[name] = conn
	} else {
		prior = r.agents[name]
		r.agents[name] = conn
		delete(r.spawning, name)
	}
	r.mu.Unlock()

	if prior != nil && prior != conn {
		r.log.Info("router: replacing existing connection", zap.String("name", name))
		prior.CloseWithError(protocol.NewTransportClosed("replaced by a newer connection for %s", name))
		// The replaced connection's Unregister will see a newer registration
		// and early-return, so its pending deliveries must be cancelled here
		// — left tracked under the dead conn id they could never be
		// ACK-matched and would eventually be marked failed.
		if r.tracker != nil {
			r.tracker.CancelForConnection(prior.ID())
		}
	}

	if conn.EntityKind() == protocol.EntityAgent && r.reg != nil {
		meta.EntityKind = string(conn.EntityKind())
		if err := r.reg.Upsert(ctx, name, meta, time.Now()); err != nil {
			r.observer.OnError("router.register", err)
		}
	}

	r.autoRejoinChannels(ctx, name)
}

// Unregister removes conn if it is still the current registration for its
// name — handling the race where a newer connection already replaced it.
// On true removal: drops subscriptions, channel memberships (with leave
// notifications), shadow bindings, processing state, and cancels pending
// deliveries for conn's id.
func (r *Router) Unregister(conn *transport.Connection) {
	name := conn.Name()

	r.mu.Lock()
	current, ok := r.agents[name]
	isUser := false
	if !ok {
		current, ok = r.users[name]
		isUser = true
	}
	if !ok || current != conn {
		delete(r.connections, conn.ID())
		r.mu.Unlock()
		return
	}

	if isUser {
		delete(r.users, name)
	} else {
		delete(r.agents, name)
	}
	delete(r.connections, conn.ID())

	for topic, members := range r.subscriptions {
		delete(members, name)
		if len(members) == 0 {
			delete(r.subscriptions, topic)
		}
	}

	memberChannelsToNotify := r.removeFromAllChannelsLocked(name)

	delete(r.shadowsByPrimary, name)
	if primary, ok := r.primaryByShadow[name]; ok {
		delete(r.primaryByShadow, name)
		r.shadowsByPrimary[primary] = removeBinding(r.shadowsByPrimary[primary], name)
	}

	if ps, ok := r.processing[name]; ok {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		delete(r.processing, name)
	}
	r.mu.Unlock()

	for _, ch := range memberChannelsToNotify {
		r.notifyChannel(ch, fmt.Sprintf("%s left %s", name, ch), name)
	}

	if r.tracker != nil {
		r.tracker.CancelForConnection(conn.ID())
	}
}

func removeBinding(list []*shadowBinding, shadow string) []*shadowBinding {
	out := list[:0]
	for _, b := range list {
		if b.shadow != shadow {
			out = append(out, b)
		}
	}
	return out
}

// Subscribe adds name to topic's subscriber set.
func (r *Router) Subscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subscriptions[topic] == nil {
		r.subscriptions[topic] = make(map[string]struct{})
	}
	r.subscriptions[topic][name] = struct{}{}
}

// Unsubscribe removes name from topic's subscriber set.
func (r *Router) Unsubscribe(name, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subscriptions[topic]; ok {
		delete(set, name)
		if len(set) == 0 {
			delete(r.subscriptions, topic)
		}
	}
}

// Stats is a snapshot of router size, for health/debug surfaces.
type Stats struct {
	Connections int
	Agents      int
	Users       int
	Channels    int
	Subscribers int
}

func (r *Router) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	subs := 0
	for _, s := range r.subscriptions {
		subs += len(s)
	}
	return Stats{
		Connections: len(r.connections),
		Agents:      len(r.agents),
		Users:       len(r.users),
		Channels:    len(r.channels),
		Subscribers: subs,
	}
}

// CloseAllConnections closes every currently registered connection with
// reason, for graceful daemon shutdown. Each Connection's own Unregister
// (driven by its Run loop returning) handles the usual teardown bookkeeping
// — this only triggers that teardown for every connection at once instead
// of waiting for each peer to notice the socket is gone.
func (r *Router) CloseAllConnections(reason error) {
	r.mu.RLock()
	conns := make([]*transport.Connection, 0, len(r.connections))
	for _, c := range r.connections {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	for _, c := range conns {
		c.CloseWithError(reason)
	}
}
