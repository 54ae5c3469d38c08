package main

import (
	"context"

	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/router"
	"github.com/agent-relay/relayd/internal/watchdog"
)

// outboxDeliverer turns a settled, claimed outbox file into a SEND-shaped
// route through the Router. The recognised header keys are TO, TOPIC, and
// THREAD; everything else survives verbatim into the payload's Data map
// under "header.<KEY>". Missing TO broadcasts the file to "*", matching the
// relay's default fan-out for a sender that never specified a recipient.
type outboxDeliverer struct {
	router *router.Router
}

var _ watchdog.Deliverer = (*outboxDeliverer)(nil)

func (d *outboxDeliverer) Deliver(ctx context.Context, evt watchdog.FileEvent) error {
	data := map[string]any{"_fileId": evt.FileID}
	for k, v := range evt.Headers {
		switch k {
		case "TO", "TOPIC", "THREAD":
			// consumed below, not duplicated into Data
		default:
			data["header."+k] = v
		}
	}

	payload := protocol.SendPayload{
		Kind:   evt.MessageType,
		Body:   evt.Body,
		Data:   data,
		Thread: evt.Headers["THREAD"],
	}

	env, err := protocol.NewEnvelope(protocol.TypeSend, payload)
	if err != nil {
		return err
	}
	env.To = evt.Headers["TO"]
	if env.To == "" {
		env.To = "*"
	}
	env.Topic = evt.Headers["TOPIC"]

	d.router.Route(ctx, evt.AgentName, env)
	return nil
}
