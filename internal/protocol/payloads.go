package protocol

// HelloPayload is the handshake payload: the first envelope a connection
// must send before anything else is accepted.
type HelloPayload struct {
	Name       string     `json:"name"`
	EntityType EntityKind `json:"entityType"`
	CLI        string     `json:"cli,omitempty"`
	Program    string     `json:"program,omitempty"`
	Model      string     `json:"model,omitempty"`
	Task       string     `json:"task,omitempty"`
	Cwd        string     `json:"cwd,omitempty"`
	SessionID  string     `json:"sessionId,omitempty"`
}

// SendPayload is the body of a SEND envelope — a message from one agent
// addressed to another agent, a channel, a topic broadcast, or "*".
type SendPayload struct {
	Kind   string         `json:"kind"`
	Body   string         `json:"body"`
	Data   map[string]any `json:"data,omitempty"`
	Thread string         `json:"thread,omitempty"`
}

// AckPayload settles a previously sent DELIVER.
type AckPayload struct {
	AckID string `json:"ack_id"`
}

// SubscribePayload / UnsubscribePayload carry a single topic name.
type SubscribePayload struct {
	Topic string `json:"topic"`
}

type UnsubscribePayload struct {
	Topic string `json:"topic"`
}

// ChannelJoinPayload / ChannelLeavePayload name a channel, and optionally a
// member other than the sender (admin mode).
type ChannelJoinPayload struct {
	Channel string `json:"channel"`
	Member  string `json:"member,omitempty"`
}

type ChannelLeavePayload struct {
	Channel string `json:"channel"`
	Member  string `json:"member,omitempty"`
}

// ChannelMessagePayload is the body of a CHANNEL_MESSAGE envelope.
type ChannelMessagePayload struct {
	Channel  string   `json:"channel"`
	Body     string   `json:"body"`
	Thread   string   `json:"thread,omitempty"`
	Mentions []string `json:"mentions,omitempty"`
}

// SpawnPayload / SpawnResultPayload / ReleasePayload / ReleaseResultPayload
// are the child-lifecycle envelopes handled by the Spawn Manager boundary
// (internal/spawn) — the router only needs to parse enough to mark/clear
// the spawning set.
type SpawnPayload struct {
	Name  string `json:"name"`
	CLI   string `json:"cli"`
	Task  string `json:"task,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	Model string `json:"model,omitempty"`
}

type SpawnResultPayload struct {
	Success bool   `json:"success"`
	PID     int    `json:"pid,omitempty"`
	Error   string `json:"error,omitempty"`
}

type ReleasePayload struct {
	Name string `json:"name"`
}

type ReleaseResultPayload struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Well-known data keys set on SEND/DELIVER payload.Data by the router itself
// rather than by the original sender.
const (
	DataOfflineQueued   = "_offlineQueued"
	DataCrossMachine    = "_crossMachine"
	DataShadowCopy      = "_shadowCopy"
	DataShadowOf        = "_shadowOf"
	DataShadowDirection = "_shadowDirection"
	DataShadowTrigger   = "_shadowTrigger"
	DataIsChannelMsg    = "_isChannelMessage"
	DataIsBroadcast     = "is_broadcast"
)

// ShadowDirection enumerates the two fan-out directions for shadow copies.
type ShadowDirection string

const (
	ShadowIncoming ShadowDirection = "incoming"
	ShadowOutgoing ShadowDirection = "outgoing"
)

// ShadowTrigger enumerates the speakOn trigger vocabulary a shadow binding
// may subscribe to.
type ShadowTrigger string

const (
	TriggerExplicitAsk   ShadowTrigger = "EXPLICIT_ASK"
	TriggerCodeWritten   ShadowTrigger = "CODE_WRITTEN"
	TriggerReviewRequest ShadowTrigger = "REVIEW_REQUEST"
	TriggerSessionEnd    ShadowTrigger = "SESSION_END"
	TriggerAllMessages   ShadowTrigger = "ALL_MESSAGES"
)
