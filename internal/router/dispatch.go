package router

import (
	"context"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/transport"
)

// Handlers builds the three transport.Connection callbacks for one accepted
// connection, wired together so the HELLO payload — only available inside
// onHello — is still visible to onReady once bindHello has run. Call once
// per accepted connection and pass the results straight to Connection.Run.
func (r *Router) Handlers(ctx context.Context) (transport.HelloHandler, transport.OnReady, transport.Dispatch) {
	var hello protocol.HelloPayload

	onHello := func(conn *transport.Connection, payload protocol.HelloPayload) (string, error) {
		if payload.Name == "" {
			return "", protocol.NewProtocolError("HELLO missing name")
		}
		hello = payload
		if payload.SessionID != "" {
			return payload.SessionID, nil
		}
		return protocol.NewID(), nil
	}

	onReady := func(conn *transport.Connection) {
		meta := registry.Metadata{
			CLI:     hello.CLI,
			Program: hello.Program,
			Model:   hello.Model,
			Task:    hello.Task,
			Cwd:     hello.Cwd,
		}
		r.Register(ctx, conn, meta)
		r.ReplayPending(ctx, conn)
		r.DeliverPendingMessages(ctx, conn)
	}

	return onHello, onReady, r.Dispatch(ctx)
}

// Dispatch returns a transport.Dispatch bound to this router: it decodes
// env.Type and calls the matching Router operation.
func (r *Router) Dispatch(ctx context.Context) transport.Dispatch {
	return func(conn *transport.Connection, env protocol.Envelope) {
		from := conn.Name()
		switch env.Type {
		case protocol.TypeSend:
			r.Route(ctx, from, env)

		case protocol.TypeAck:
			payload, err := protocol.DecodePayload[protocol.AckPayload](env)
			if err != nil {
				r.log.Warn("router: malformed ACK payload", zap.Error(err))
				return
			}
			r.HandleAck(ctx, conn, payload.AckID)

		case protocol.TypeSubscribe:
			payload, err := protocol.DecodePayload[protocol.SubscribePayload](env)
			if err != nil {
				r.log.Warn("router: malformed SUBSCRIBE payload", zap.Error(err))
				return
			}
			r.Subscribe(from, payload.Topic)

		case protocol.TypeUnsubscribe:
			payload, err := protocol.DecodePayload[protocol.UnsubscribePayload](env)
			if err != nil {
				r.log.Warn("router: malformed UNSUBSCRIBE payload", zap.Error(err))
				return
			}
			r.Unsubscribe(from, payload.Topic)

		case protocol.TypeChannelJoin:
			payload, err := protocol.DecodePayload[protocol.ChannelJoinPayload](env)
			if err != nil {
				r.log.Warn("router: malformed CHANNEL_JOIN payload", zap.Error(err))
				return
			}
			r.HandleChannelJoin(ctx, from, payload.Channel, payload.Member)

		case protocol.TypeChannelLeave:
			payload, err := protocol.DecodePayload[protocol.ChannelLeavePayload](env)
			if err != nil {
				r.log.Warn("router: malformed CHANNEL_LEAVE payload", zap.Error(err))
				return
			}
			r.HandleChannelLeave(ctx, from, payload.Channel, payload.Member)

		case protocol.TypeChannelMsg:
			payload, err := protocol.DecodePayload[protocol.ChannelMessagePayload](env)
			if err != nil {
				r.log.Warn("router: malformed CHANNEL_MESSAGE payload", zap.Error(err))
				return
			}
			r.HandleChannelMessage(ctx, from, payload.Channel, payload)

		case protocol.TypeSpawn:
			payload, err := protocol.DecodePayload[protocol.SpawnPayload](env)
			if err != nil {
				r.log.Warn("router: malformed SPAWN payload", zap.Error(err))
				return
			}
			r.MarkSpawning(payload.Name)
			if r.spawn != nil {
				r.spawn.HandleSpawn(ctx, from, payload)
			}

		case protocol.TypeSpawnResult:
			payload, err := protocol.DecodePayload[protocol.SpawnResultPayload](env)
			if err != nil {
				r.log.Warn("router: malformed SPAWN_RESULT payload", zap.Error(err))
				return
			}
			if r.spawn != nil {
				r.spawn.HandleSpawnResult(ctx, from, payload)
			}

		case protocol.TypeRelease:
			payload, err := protocol.DecodePayload[protocol.ReleasePayload](env)
			if err != nil {
				r.log.Warn("router: malformed RELEASE payload", zap.Error(err))
				return
			}
			r.ClearSpawning(payload.Name)
			if r.spawn != nil {
				r.spawn.HandleRelease(ctx, from, payload)
			}

		case protocol.TypeReleaseResult:
			payload, err := protocol.DecodePayload[protocol.ReleaseResultPayload](env)
			if err != nil {
				r.log.Warn("router: malformed RELEASE_RESULT payload", zap.Error(err))
				return
			}
			if r.spawn != nil {
				r.spawn.HandleReleaseResult(ctx, from, payload)
			}

		default:
			r.log.Warn("router: unhandled envelope type", zap.String("type", string(env.Type)))
		}
	}
}
