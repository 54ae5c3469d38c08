// Package protocol defines the wire schema shared by every component of the
// relay daemon: the envelope, its payload variants, and the small set of
// helpers used to move a generic payload in and out of a typed struct.
//
// The protocol is transport-agnostic — it says nothing about how an envelope
// reaches the wire (see internal/framing) or how it is routed (see
// internal/router). It only defines what an envelope looks like.
package protocol

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the current envelope protocol version. Connections advertise
// it in HELLO; a daemon may reject a mismatched major version.
const Version = 1

// Type identifies the kind of envelope carried on the wire.
type Type string

const (
	TypeHello         Type = "HELLO"
	TypeSend          Type = "SEND"
	TypeDeliver       Type = "DELIVER"
	TypeAck           Type = "ACK"
	TypeSubscribe     Type = "SUBSCRIBE"
	TypeUnsubscribe   Type = "UNSUBSCRIBE"
	TypeChannelJoin   Type = "CHANNEL_JOIN"
	TypeChannelLeave  Type = "CHANNEL_LEAVE"
	TypeChannelMsg    Type = "CHANNEL_MESSAGE"
	TypeSpawn         Type = "SPAWN"
	TypeSpawnResult   Type = "SPAWN_RESULT"
	TypeRelease       Type = "RELEASE"
	TypeReleaseResult Type = "RELEASE_RESULT"
)

// EntityKind distinguishes an automated agent from a human user. Users are
// exempt from processing-state tracking; rate limiting applies to every
// sender name, user or agent.
type EntityKind string

const (
	EntityAgent EntityKind = "agent"
	EntityUser  EntityKind = "user"
)

// Delivery carries the bookkeeping fields attached to a DELIVER envelope.
type Delivery struct {
	Seq        uint64 `json:"seq"`
	SessionID  string `json:"session_id"`
	OriginalTo string `json:"originalTo,omitempty"`
}

// Envelope is the universal wire unit exchanged between agents and the
// daemon. Payload is kept as json.RawMessage so the router can dispatch on
// Type before committing to a concrete payload shape, and so unrecognised
// fields on a forward-compatible payload survive a decode/re-encode cycle.
type Envelope struct {
	Version int             `json:"version"`
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	TS      int64           `json:"ts"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Delivery is populated only on DELIVER envelopes.
	Delivery *Delivery `json:"delivery,omitempty"`
}

// NewID returns a new envelope id: a uuid.NewV7 rendered as 32 plain hex
// characters (no hyphens), keeping NewV7's time-ordered, lexically sortable
// property without the hyphenated form's extra width.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the OS entropy source is broken; fall back to
		// a random v4 rather than panicking the router.
		id = uuid.New()
	}
	return hex.EncodeToString(id[:])
}

// NewEnvelope builds an envelope with Version, ID, and TS populated, and the
// given payload marshalled into Payload.
func NewEnvelope(typ Type, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal payload for %s: %w", typ, err)
	}
	return Envelope{
		Version: Version,
		Type:    typ,
		ID:      NewID(),
		TS:      time.Now().UnixMilli(),
		Payload: body,
	}, nil
}

// DecodePayload unmarshals e.Payload into a value of type T. Used by
// handlers that know, from e.Type, which concrete payload shape to expect.
func DecodePayload[T any](e Envelope) (T, error) {
	var out T
	if len(e.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}
	return out, nil
}

// MustPayload marshals v into a json.RawMessage, panicking only on a
// programmer error (an unmarshalable type passed to a payload constructor in
// the same package). Used internally to build envelopes from typed structs.
func MustPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: payload type %T is not marshalable: %v", v, err))
	}
	return b
}
