package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/transport"
)

// Route is the main SEND dispatcher. from is the sender's bound name; env
// carries the SEND payload and optional To/Topic.
func (r *Router) Route(ctx context.Context, from string, env protocol.Envelope) {
	if from == "" {
		r.log.Warn("router: dropping SEND with no sender name")
		return
	}

	if r.dedup.SeenBefore(env.ID) {
		return
	}

	if r.limiter != nil && !r.limiter.TryAcquire(from) {
		return // dropped silently; observable only via limiter.Stats()
	}

	r.clearProcessing(from)

	if r.reg != nil {
		if err := r.reg.IncrementMessageCount(ctx, from); err != nil {
			r.observer.OnError("router.route.increment", err)
		}
	}

	payload, err := protocol.DecodePayload[protocol.SendPayload](env)
	if err != nil {
		r.log.Warn("router: malformed SEND payload", zap.Error(err))
		return
	}

	switch {
	case env.To == "*":
		r.broadcast(ctx, from, env.Topic, payload)
	case env.To != "":
		r.routeToOne(ctx, from, env.To, env.Topic, payload)
	default:
		r.log.Warn("router: SEND with neither to nor topic '*' — dropping", zap.String("from", from))
	}
}

func (r *Router) broadcast(ctx context.Context, from, topic string, payload protocol.SendPayload) {
	var recipients []string
	if topic != "" {
		r.mu.RLock()
		for name := range r.subscriptions[topic] {
			if name != from {
				recipients = append(recipients, name)
			}
		}
		r.mu.RUnlock()
	} else {
		r.mu.RLock()
		for name := range r.agents {
			if name != from {
				recipients = append(recipients, name)
			}
		}
		for name := range r.users {
			if name != from {
				recipients = append(recipients, name)
			}
		}
		r.mu.RUnlock()
	}

	for _, recipient := range recipients {
		r.deliverAndPersist(ctx, from, recipient, topic, payload, "*")
	}
}

// routeToOne resolves a single named recipient: local delivery,
// cross-machine forward, offline queue, spawning queue, or drop — in that
// order of preference.
func (r *Router) routeToOne(ctx context.Context, from, to, topic string, payload protocol.SendPayload) {
	if conn := r.lookupConnection(to); conn != nil {
		r.deliverAndPersist(ctx, from, to, topic, payload, "")
		return
	}

	if r.crossMachine != nil && r.crossMachine.Resolve(to) {
		env, err := protocol.NewEnvelope(protocol.TypeSend, payload)
		if err == nil {
			env.From = from
			env.To = to
			env.Topic = topic
			r.crossMachine.Forward(to, env)
		}
		if r.store != nil {
			r.persist(ctx, PersistedMessage{
				ID: protocol.NewID(), From: from, To: to, Topic: topic, Kind: payload.Kind, Body: payload.Body,
				Data: withFlag(payload.Data, protocol.DataCrossMachine, true), Thread: payload.Thread, CreatedAt: time.Now(),
			})
		}
		r.shadowFanOut(ctx, from, to, topic, payload)
		return
	}

	known := false
	if r.reg != nil {
		var err error
		known, err = r.reg.Known(ctx, to)
		if err != nil {
			r.observer.OnError("router.route.known", err)
		}
	}
	if known || r.isSpawning(to) {
		r.persist(ctx, PersistedMessage{
			ID: protocol.NewID(), From: from, To: to, Topic: topic, Kind: payload.Kind, Body: payload.Body,
			Data: withFlag(payload.Data, protocol.DataOfflineQueued, true), Thread: payload.Thread,
			IsOfflineQueued: true, CreatedAt: time.Now(),
		})
		r.shadowFanOut(ctx, from, to, topic, payload)
		return
	}

	r.log.Warn("router: unknown recipient, message lost", zap.String("to", to), zap.String("from", from))
}

// deliverAndPersist builds and sends a DELIVER to recipient, tracks it for
// ACK, sets processing state (agents only), persists a record, and fans out
// shadow copies.
func (r *Router) deliverAndPersist(ctx context.Context, from, recipient, topic string, payload protocol.SendPayload, originalTo string) {
	env, ok := r.deliverTo(recipient, envelopeFor(from, recipient, topic, payload, originalTo), true)
	if !ok {
		return
	}

	if r.store != nil {
		r.persist(ctx, PersistedMessage{
			ID: env.ID, From: from, To: recipient, Topic: topic, Kind: payload.Kind, Body: payload.Body,
			Data: payload.Data, Thread: payload.Thread, Seq: env.Delivery.Seq, SessionID: env.Delivery.SessionID,
			IsBroadcast: originalTo == "*", CreatedAt: time.Now(),
		})
	}

	r.shadowFanOut(ctx, from, recipient, topic, payload)
}

// envelopeFor builds the SEND-shaped envelope template passed to deliverTo.
// env.To carries the ORIGINAL recipient as the caller addressed it (e.g. "*"
// for a broadcast); deliverTo compares this against the resolved recipient
// to decide whether delivery.originalTo needs stamping.
func envelopeFor(from, to, topic string, payload protocol.SendPayload, originalTo string) protocol.Envelope {
	env, _ := protocol.NewEnvelope(protocol.TypeDeliver, payload)
	env.From = from
	if originalTo != "" {
		env.To = originalTo
	} else {
		env.To = to
	}
	env.Topic = topic
	return env
}

// deliverTo resolves recipient's live connection, stamps the DELIVER
// bookkeeping fields (fresh id and ts, per-(topic,peer) seq, the
// recipient's session id, originalTo when the resolved recipient differs
// from the addressed one), sends it, and tracks it for ACK. setsProcessing
// is false for shadow copies, which are tracked for ACK but never mark
// processing state. Returns the final envelope (with Delivery populated)
// and whether the send succeeded.
func (r *Router) deliverTo(recipient string, env protocol.Envelope, setsProcessing bool) (protocol.Envelope, bool) {
	conn := r.lookupConnection(recipient)
	if conn == nil {
		return env, false
	}

	topicKey := env.Topic
	if topicKey == "" {
		topicKey = "default"
	}
	env.ID = protocol.NewID()
	env.TS = time.Now().UnixMilli()
	env.Delivery = &protocol.Delivery{
		Seq:       conn.NextSeq(topicKey, env.From),
		SessionID: conn.SessionID(),
	}
	if env.To != recipient {
		env.Delivery.OriginalTo = env.To
	}
	env.To = recipient

	if err := conn.Send(env); err != nil {
		r.log.Debug("router: deliver send failed", zap.String("to", recipient), zap.Error(err))
		return env, false
	}

	if r.tracker != nil {
		r.tracker.Track(conn.ID(), recipient, env)
	}
	if setsProcessing && conn.EntityKind() == protocol.EntityAgent {
		r.setProcessing(recipient, env.ID)
	}
	return env, true
}

func (r *Router) persist(ctx context.Context, msg PersistedMessage) {
	if err := r.store.SaveMessage(ctx, msg); err != nil {
		r.observer.OnError("router.persist", err)
	}
}

func withFlag(data map[string]any, key string, value any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	out[key] = value
	return out
}

// HandleAck forwards an ACK envelope's ack_id to the Delivery Tracker and
// marks the persisted record delivered.
func (r *Router) HandleAck(ctx context.Context, conn *transport.Connection, ackID string) {
	if r.tracker != nil {
		r.tracker.Ack(conn.ID(), ackID)
	}
	if r.store != nil {
		if err := r.store.MarkDelivered(ctx, ackID); err != nil {
			r.observer.OnError("router.handle_ack", err)
		}
	}
}

// BroadcastSystemMessage fans body out to every connected agent and user,
// with sender "_system". Never counts against rate limits; never sets
// processing state.
func (r *Router) BroadcastSystemMessage(body string, data map[string]any) {
	r.mu.RLock()
	var recipients []*transport.Connection
	for _, c := range r.agents {
		recipients = append(recipients, c)
	}
	for _, c := range r.users {
		recipients = append(recipients, c)
	}
	r.mu.RUnlock()

	for _, conn := range recipients {
		env, err := protocol.NewEnvelope(protocol.TypeDeliver, protocol.SendPayload{Kind: "system", Body: body, Data: data})
		if err != nil {
			continue
		}
		env.From = "_system"
		env.To = conn.Name()
		env.Delivery = &protocol.Delivery{Seq: conn.NextSeq("default", "_system"), SessionID: conn.SessionID()}
		_ = conn.Send(env)
	}
}
