// Package delivery is the delivery tracker: it accounts for every DELIVER
// handed to the transport until the recipient ACKs, retrying with
// exponential backoff and settling pending entries on ACK, TTL exhaustion,
// or connection teardown.
package delivery

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/protocol"
)

// Config tunes the retry schedule. Zero values fall back to the defaults:
// base 1s, multiplier 2, max 5 attempts, 60s TTL.
type Config struct {
	BaseBackoff    time.Duration
	Multiplier     float64
	MaxAttempts    int
	TTL            time.Duration
	JitterFraction float64
}

func (c Config) withDefaults() Config {
	if c.BaseBackoff == 0 {
		c.BaseBackoff = 1 * time.Second
	}
	if c.Multiplier == 0 {
		c.Multiplier = 2
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.TTL == 0 {
		c.TTL = 60 * time.Second
	}
	if c.JitterFraction == 0 {
		c.JitterFraction = 0.2
	}
	return c
}

// Sender resends env to the connection currently registered for recipient.
// Entries are keyed by connection and dropped by CancelForConnection when
// that connection is replaced or unregistered, so a retry does not follow
// the recipient to a new connection.
type Sender interface {
	Send(recipient string, env protocol.Envelope) error
}

// FailureRecorder is called when a pending entry exhausts its TTL or attempt
// budget — a DELIVER that can never be acked is marked failed in the
// message store the same way a dead relay file is in the ledger.
type FailureRecorder interface {
	MarkFailed(messageID string, reason string)
}

type pendingEntry struct {
	envelope    protocol.Envelope
	connID      string
	recipient   string
	firstSentAt time.Time
	attempts    int
	nextRetryAt time.Time
}

type key struct {
	connID string
	msgID  string
}

// Tracker owns the pending-delivery table. Callers drive its retry sweep
// externally (see Sweep) rather than the tracker spawning its own timers;
// the daemon calls Sweep from a ticker goroutine.
type Tracker struct {
	cfg    Config
	log    *zap.Logger
	sender Sender
	fail   FailureRecorder

	mu      sync.Mutex
	pending map[key]*pendingEntry
}

// New returns a Tracker. sender and fail are collaborators supplied by the
// Router at construction — a lookup callback instead of a *Router
// back-pointer, so neither package imports the other.
func New(cfg Config, sender Sender, fail FailureRecorder, log *zap.Logger) *Tracker {
	return &Tracker{
		cfg:     cfg.withDefaults(),
		log:     log.Named("delivery"),
		sender:  sender,
		fail:    fail,
		pending: make(map[key]*pendingEntry),
	}
}

// Track registers env (already handed to the transport once) as awaiting
// ACK from connID/recipient. attempts starts at 1 — the initial send counts.
func (t *Tracker) Track(connID, recipient string, env protocol.Envelope) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[key{connID: connID, msgID: env.ID}] = &pendingEntry{
		envelope:    env,
		connID:      connID,
		recipient:   recipient,
		firstSentAt: now,
		attempts:    1,
		nextRetryAt: now.Add(jitter(t.cfg.BaseBackoff, t.cfg.JitterFraction)),
	}
}

// Ack settles the pending entry matching ackID on connID. Unknown or
// already-settled ids are ignored.
func (t *Tracker) Ack(connID, ackID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key{connID: connID, msgID: ackID})
}

// CancelForConnection drops every pending entry tracked against connID
// without marking failure — the session may resume and the stored messages
// will be replayed then.
func (t *Tracker) CancelForConnection(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.pending {
		if k.connID == connID {
			delete(t.pending, k)
		}
	}
}

// Sweep is called periodically (by the daemon's sweep ticker) to
// retry due entries and settle TTL/attempt-exhausted ones.
func (t *Tracker) Sweep() {
	now := time.Now()

	var toRetry []*pendingEntry
	var toFail []key

	t.mu.Lock()
	for k, e := range t.pending {
		if now.Sub(e.firstSentAt) >= t.cfg.TTL || e.attempts >= t.cfg.MaxAttempts {
			toFail = append(toFail, k)
			continue
		}
		if now.After(e.nextRetryAt) || now.Equal(e.nextRetryAt) {
			e.attempts++
			e.nextRetryAt = now.Add(jitter(backoffFor(t.cfg, e.attempts), t.cfg.JitterFraction))
			toRetry = append(toRetry, e)
		}
	}
	for _, k := range toFail {
		delete(t.pending, k)
	}
	t.mu.Unlock()

	for _, k := range toFail {
		t.fail.MarkFailed(k.msgID, "delivery tracker: TTL or attempts exhausted")
	}
	for _, e := range toRetry {
		if err := t.sender.Send(e.recipient, e.envelope); err != nil {
			t.log.Debug("delivery: retry send failed", zap.String("msg_id", e.envelope.ID), zap.Error(err))
		}
	}
}

// Pending returns the count of currently tracked entries, for stats.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func backoffFor(cfg Config, attempts int) time.Duration {
	d := cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * cfg.Multiplier)
	}
	return d
}

// jitter adds a random ±fraction perturbation to d so a burst of deliveries
// tracked in the same instant doesn't retry in lockstep.
func jitter(d time.Duration, fraction float64) time.Duration {
	if fraction <= 0 {
		return d
	}
	delta := float64(d) * fraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
