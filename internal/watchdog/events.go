package watchdog

import "context"

// FileEvent is what a settled, claimed outbox file turns into once parsed:
// the identity of the file plus its header map and body.
type FileEvent struct {
	FileID      string
	AgentName   string
	MessageType string
	Headers     map[string]string
	Body        string
}

// Deliverer turns a settled outbox file into an in-band message. The
// watchdog calls this between claimFile and markDelivered; a returned error
// is treated as a processing failure (markFailed, file:failed). The
// daemon's composition root wires this to build a SEND-shaped envelope from
// evt and hand it to Router.Route.
type Deliverer interface {
	Deliver(ctx context.Context, evt FileEvent) error
}

// Observer receives watchdog lifecycle events — a fixed method set instead
// of named-string event subscription, the same pattern internal/router uses
// for its own Observer.
type Observer interface {
	OnFileDiscovered(fileID, agentName, messageType string)
	OnFileFailed(fileID, reason string)
	OnWatcherOverflow(detail string)
	OnReconcileComplete(pending int, failed int)
	OnError(context string, err error)
}

// NoopObserver discards every event.
type NoopObserver struct{}

func (NoopObserver) OnFileDiscovered(string, string, string) {}
func (NoopObserver) OnFileFailed(string, string)             {}
func (NoopObserver) OnWatcherOverflow(string)                {}
func (NoopObserver) OnReconcileComplete(int, int)            {}
func (NoopObserver) OnError(string, error)                   {}
