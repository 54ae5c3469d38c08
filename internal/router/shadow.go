package router

import (
	"context"
	"fmt"
	"time"

	"github.com/agent-relay/relayd/internal/protocol"
)

// BindShadow records that shadow mirrors primary's traffic per the given
// triggers and directions.
func (r *Router) BindShadow(primary, shadow string, speakOn []protocol.ShadowTrigger, receiveIncoming, receiveOutgoing bool) {
	triggers := make(map[protocol.ShadowTrigger]struct{}, len(speakOn))
	for _, t := range speakOn {
		triggers[t] = struct{}{}
	}
	binding := &shadowBinding{shadow: shadow, speakOn: triggers, receiveIncoming: receiveIncoming, receiveOutgoing: receiveOutgoing}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadowsByPrimary[primary] = append(r.shadowsByPrimary[primary], binding)
	r.primaryByShadow[shadow] = primary
}

// UnbindShadow removes the shadow relationship in both directions.
func (r *Router) UnbindShadow(primary, shadow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shadowsByPrimary[primary] = removeBinding(r.shadowsByPrimary[primary], shadow)
	if len(r.shadowsByPrimary[primary]) == 0 {
		delete(r.shadowsByPrimary, primary)
	}
	delete(r.primaryByShadow, shadow)
}

// shadowFanOut mirrors a SEND/DELIVER to every shadow bound to the sender
// (outgoing direction) or the recipient (incoming direction).
func (r *Router) shadowFanOut(ctx context.Context, from, to, topic string, payload protocol.SendPayload) {
	r.fanOutDirection(ctx, from, from, topic, payload, protocol.ShadowOutgoing)
	r.fanOutDirection(ctx, to, from, topic, payload, protocol.ShadowIncoming)
}

// fanOutDirection mirrors payload to every shadow bound to primary in the
// given direction. from is the effective sender of the original message — a
// shadow is excluded from its own fan-out only when the shadow IS that
// sender, not when it equals primary (primary is the recipient, not the
// sender, on the incoming-direction call).
func (r *Router) fanOutDirection(ctx context.Context, primary, from, topic string, payload protocol.SendPayload, direction protocol.ShadowDirection) {
	r.mu.RLock()
	bindings := append([]*shadowBinding(nil), r.shadowsByPrimary[primary]...)
	r.mu.RUnlock()

	for _, b := range bindings {
		permitted := (direction == protocol.ShadowIncoming && b.receiveIncoming) ||
			(direction == protocol.ShadowOutgoing && b.receiveOutgoing)
		if !permitted || b.shadow == from {
			continue
		}

		data := withFlag(payload.Data, protocol.DataShadowCopy, true)
		data = withFlag(data, protocol.DataShadowOf, primary)
		data = withFlag(data, protocol.DataShadowDirection, string(direction))

		env, _ := protocol.NewEnvelope(protocol.TypeDeliver, protocol.SendPayload{Kind: payload.Kind, Body: payload.Body, Data: data, Thread: payload.Thread})
		env.From = primary
		sent, ok := r.deliverTo(b.shadow, env, false)
		if !ok {
			continue
		}

		if r.store != nil {
			r.persist(ctx, PersistedMessage{
				ID: sent.ID, From: primary, To: b.shadow, Topic: topic, Kind: payload.Kind, Body: payload.Body,
				Data: data, CreatedAt: time.Now(),
			})
		}
	}
}

// EmitShadowTrigger fires a SHADOW_TRIGGER message to every shadow of
// primary whose speakOn includes trigger or ALL_MESSAGES. Unlike ordinary
// shadow copies, triggered messages DO set processing state — the shadow is
// expected to respond.
func (r *Router) EmitShadowTrigger(ctx context.Context, primary string, trigger protocol.ShadowTrigger, triggerCtx map[string]any) {
	r.mu.RLock()
	bindings := append([]*shadowBinding(nil), r.shadowsByPrimary[primary]...)
	r.mu.RUnlock()

	body := fmt.Sprintf("SHADOW_TRIGGER:%s", trigger)

	for _, b := range bindings {
		_, hasAll := b.speakOn[protocol.TriggerAllMessages]
		_, hasSpecific := b.speakOn[trigger]
		if !hasAll && !hasSpecific {
			continue
		}

		data := map[string]any{protocol.DataShadowTrigger: string(trigger)}
		for k, v := range triggerCtx {
			data[k] = v
		}

		env, _ := protocol.NewEnvelope(protocol.TypeDeliver, protocol.SendPayload{Kind: "shadow_trigger", Body: body, Data: data})
		env.From = primary
		sent, ok := r.deliverTo(b.shadow, env, true)
		if !ok {
			continue
		}
		if r.store != nil {
			r.persist(ctx, PersistedMessage{ID: sent.ID, From: primary, To: b.shadow, Kind: "shadow_trigger", Body: body, Data: data, CreatedAt: time.Now()})
		}
	}
}
