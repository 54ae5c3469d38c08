package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/transport"
)

// ReplayPending re-sends every stored unacked message addressed to conn's
// bound agent/user name and session, in ascending delivery.seq order, and
// re-tracks them — called on a HELLO that reuses a sessionId with
// persisted in-flight deliveries.
func (r *Router) ReplayPending(ctx context.Context, conn *transport.Connection) {
	if r.store == nil {
		return
	}
	name := conn.Name()
	msgs, err := r.store.UnackedForSession(ctx, name, conn.SessionID())
	if err != nil {
		r.observer.OnError("router.replay_pending", err)
		return
	}
	for _, m := range msgs {
		env, buildErr := protocol.NewEnvelope(protocol.TypeDeliver, protocol.SendPayload{Kind: m.Kind, Body: m.Body, Data: m.Data, Thread: m.Thread})
		if buildErr != nil {
			continue
		}
		// Keep the original message id: the recipient's ACK must settle the
		// persisted row, and a fresh id would never match it.
		env.ID = m.ID
		env.From = m.From
		env.To = name
		env.Topic = m.Topic
		env.Delivery = &protocol.Delivery{Seq: m.Seq, SessionID: conn.SessionID()}

		if err := conn.Send(env); err != nil {
			r.log.Debug("router: replay send failed", zap.String("to", name), zap.Error(err))
			continue
		}
		if r.tracker != nil {
			r.tracker.Track(conn.ID(), name, env)
		}
	}
}

// DeliverPendingMessages sends every message stored with
// data._offlineQueued=true addressed to conn's bound name, in ascending
// created_at order, and marks each delivered.
func (r *Router) DeliverPendingMessages(ctx context.Context, conn *transport.Connection) {
	if r.store == nil {
		return
	}
	name := conn.Name()
	msgs, err := r.store.OfflineQueued(ctx, name)
	if err != nil {
		r.observer.OnError("router.deliver_pending", err)
		return
	}
	for _, m := range msgs {
		env, buildErr := protocol.NewEnvelope(protocol.TypeDeliver, protocol.SendPayload{Kind: m.Kind, Body: m.Body, Data: m.Data, Thread: m.Thread})
		if buildErr != nil {
			continue
		}
		env.From = m.From
		env.To = name
		env.Topic = m.Topic

		if _, ok := r.deliverTo(name, env, true); !ok {
			continue
		}
		if err := r.store.MarkDelivered(ctx, m.ID); err != nil {
			r.observer.OnError("router.deliver_pending.mark", err)
		}
	}
}
