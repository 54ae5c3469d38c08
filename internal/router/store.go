package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/agent-relay/relayd/internal/protocol"
)

// messageStatus mirrors the small state machine a persisted message moves
// through: sent (in-flight, tracked for ACK), offline-queued (recipient not
// connected), delivered (settled).
type messageStatus string

const (
	statusSent      messageStatus = "sent"
	statusQueued    messageStatus = "offline_queued"
	statusDelivered messageStatus = "delivered"
	statusFailed    messageStatus = "failed"
)

// messageRow is the gorm model backing the "messages" table — the
// persistence side of every DELIVER the router hands to the transport.
type messageRow struct {
	ID               string     `gorm:"primaryKey;column:id"`
	From             string     `gorm:"column:from_name"`
	To               string     `gorm:"column:to_name"`
	Topic            string     `gorm:"column:topic"`
	Kind             string     `gorm:"column:kind"`
	Body             string     `gorm:"column:body"`
	Data             string     `gorm:"column:data"`
	Thread           string     `gorm:"column:thread"`
	SessionID        string     `gorm:"column:session_id"`
	Seq              uint64     `gorm:"column:seq"`
	Status           string     `gorm:"column:status"`
	FailureReason    string     `gorm:"column:failure_reason"`
	IsOfflineQueued  bool       `gorm:"column:is_offline_queued"`
	IsChannelMessage bool       `gorm:"column:is_channel_message"`
	IsBroadcast      bool       `gorm:"column:is_broadcast"`
	CreatedAt        time.Time  `gorm:"column:created_at"`
	DeliveredAt      *time.Time `gorm:"column:delivered_at"`
}

func (messageRow) TableName() string { return "messages" }

// PersistedMessage is the store-facing view of one routed message.
type PersistedMessage struct {
	ID               string
	From             string
	To               string
	Topic            string
	Kind             string
	Body             string
	Data             map[string]any
	Thread           string
	SessionID        string
	Seq              uint64
	IsOfflineQueued  bool
	IsChannelMessage bool
	IsBroadcast      bool
	CreatedAt        time.Time
}

// Store persists routed messages and channel membership. It backs the
// offline queue, session-resume replay, and channel fan-out bookkeeping.
type Store interface {
	// SaveMessage inserts a new persisted message row.
	SaveMessage(ctx context.Context, msg PersistedMessage) error
	// MarkDelivered transitions a message to delivered.
	MarkDelivered(ctx context.Context, id string) error
	// MarkFailed transitions a message to failed. Implements
	// delivery.FailureRecorder.
	MarkFailed(id string, reason string)
	// OfflineQueued returns messages queued for `to`, ascending by ts.
	OfflineQueued(ctx context.Context, to string) ([]PersistedMessage, error)
	// UnackedForSession returns sent-but-undelivered messages addressed to
	// (to, sessionID), ascending by delivery.seq, for session resume.
	UnackedForSession(ctx context.Context, to, sessionID string) ([]PersistedMessage, error)

	// JoinChannel records channel membership for member (idempotent) and
	// appends an advisory log row.
	JoinChannel(ctx context.Context, channel, member string) error
	// LeaveChannel removes channel membership for member and appends an
	// advisory log row.
	LeaveChannel(ctx context.Context, channel, member string) error
	// MembershipsFor returns the (original-cased) channel names member
	// currently belongs to, for auto-rejoin on reconnect.
	MembershipsFor(ctx context.Context, member string) ([]string, error)
}

type channelMemberRow struct {
	ChannelLower string    `gorm:"column:channel_lower;primaryKey"`
	Channel      string    `gorm:"column:channel"`
	MemberLower  string    `gorm:"column:member_lower;primaryKey"`
	Member       string    `gorm:"column:member"`
	CreatedAt    time.Time `gorm:"column:created_at"`
}

func (channelMemberRow) TableName() string { return "channel_members" }

type channelLogRow struct {
	ID        string    `gorm:"column:id;primaryKey"`
	Channel   string    `gorm:"column:channel"`
	Member    string    `gorm:"column:member"`
	Action    string    `gorm:"column:action"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

func (channelLogRow) TableName() string { return "channel_log" }

type gormStore struct {
	db *gorm.DB
}

// NewGormStore returns a Store backed by db. db is expected to already have
// the storedb migrations applied.
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) SaveMessage(ctx context.Context, msg PersistedMessage) error {
	data, err := json.Marshal(msg.Data)
	if err != nil {
		return fmt.Errorf("router: marshal message data: %w", err)
	}
	row := messageRow{
		ID:               msg.ID,
		From:             msg.From,
		To:               msg.To,
		Topic:            msg.Topic,
		Kind:             msg.Kind,
		Body:             msg.Body,
		Data:             string(data),
		Thread:           msg.Thread,
		SessionID:        msg.SessionID,
		Seq:              msg.Seq,
		IsOfflineQueued:  msg.IsOfflineQueued,
		IsChannelMessage: msg.IsChannelMessage,
		IsBroadcast:      msg.IsBroadcast,
		CreatedAt:        msg.CreatedAt,
	}
	if msg.IsOfflineQueued {
		row.Status = string(statusQueued)
	} else {
		row.Status = string(statusSent)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("router: save message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *gormStore) MarkDelivered(ctx context.Context, id string) error {
	now := time.Now()
	result := s.db.WithContext(ctx).Model(&messageRow{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(statusDelivered), "delivered_at": now, "is_offline_queued": false})
	if result.Error != nil {
		return fmt.Errorf("router: mark delivered %s: %w", id, result.Error)
	}
	return nil
}

func (s *gormStore) MarkFailed(id string, reason string) {
	// Best-effort, fire-and-forget: a persistence failure here must not block
	// in-memory routing, and the caller (delivery.Tracker) has no context to
	// wait on.
	s.db.Model(&messageRow{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(statusFailed), "failure_reason": reason})
}

func (s *gormStore) OfflineQueued(ctx context.Context, to string) ([]PersistedMessage, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("to_name = ? AND is_offline_queued = ?", to, true).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("router: offline queued for %s: %w", to, err)
	}
	return toPersisted(rows), nil
}

func (s *gormStore) UnackedForSession(ctx context.Context, to, sessionID string) ([]PersistedMessage, error) {
	var rows []messageRow
	err := s.db.WithContext(ctx).
		Where("to_name = ? AND session_id = ? AND status = ?", to, sessionID, string(statusSent)).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("router: unacked for session %s/%s: %w", to, sessionID, err)
	}
	return toPersisted(rows), nil
}

func toPersisted(rows []messageRow) []PersistedMessage {
	out := make([]PersistedMessage, 0, len(rows))
	for _, r := range rows {
		var data map[string]any
		_ = json.Unmarshal([]byte(r.Data), &data)
		out = append(out, PersistedMessage{
			ID: r.ID, From: r.From, To: r.To, Topic: r.Topic, Kind: r.Kind, Body: r.Body,
			Data: data, Thread: r.Thread, SessionID: r.SessionID, Seq: r.Seq,
			IsOfflineQueued: r.IsOfflineQueued, IsChannelMessage: r.IsChannelMessage,
			IsBroadcast: r.IsBroadcast, CreatedAt: r.CreatedAt,
		})
	}
	return out
}

// JoinChannel writes the authoritative membership row and an advisory log
// row. The channel_members row is canonical; channel_log is advisory and
// never read back to decide membership, so the two disagreeing after a
// partial failure costs nothing but a stale audit line.
func (s *gormStore) JoinChannel(ctx context.Context, channel, member string) error {
	now := time.Now()
	row := channelMemberRow{
		ChannelLower: lower(channel), Channel: channel,
		MemberLower: lower(member), Member: member,
		CreatedAt: now,
	}
	err := s.db.WithContext(ctx).
		Where(channelMemberRow{ChannelLower: row.ChannelLower, MemberLower: row.MemberLower}).
		Assign(map[string]any{"channel": channel, "member": member}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("router: join channel %s/%s: %w", channel, member, err)
	}

	logRow := channelLogRow{ID: protocol.NewID(), Channel: channel, Member: member, Action: "join", CreatedAt: now}
	if err := s.db.WithContext(ctx).Create(&logRow).Error; err != nil {
		return fmt.Errorf("router: append channel log join %s/%s: %w", channel, member, err)
	}
	return nil
}

func (s *gormStore) LeaveChannel(ctx context.Context, channel, member string) error {
	err := s.db.WithContext(ctx).
		Where("channel_lower = ? AND member_lower = ?", lower(channel), lower(member)).
		Delete(&channelMemberRow{}).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("router: leave channel %s/%s: %w", channel, member, err)
	}

	logRow := channelLogRow{ID: protocol.NewID(), Channel: channel, Member: member, Action: "leave", CreatedAt: time.Now()}
	if err := s.db.WithContext(ctx).Create(&logRow).Error; err != nil {
		return fmt.Errorf("router: append channel log leave %s/%s: %w", channel, member, err)
	}
	return nil
}

func (s *gormStore) MembershipsFor(ctx context.Context, member string) ([]string, error) {
	var rows []channelMemberRow
	err := s.db.WithContext(ctx).Where("member_lower = ?", lower(member)).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("router: memberships for %s: %w", member, err)
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Channel)
	}
	return out, nil
}
