// Package registry is the durable agent directory: a gorm-backed table
// mapping agent name to last-known metadata, so the Router can tell a name
// that is "known but offline" apart from one that has never connected.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrNotFound is returned when the requested agent name has no record.
var ErrNotFound = errors.New("registry: agent not found")

// Agent is the durable row for one agent name. It is distinct from the
// in-memory Connection record — this survives restarts and disconnects.
type Agent struct {
	Name         string `gorm:"primaryKey"`
	EntityKind   string `gorm:"not null;default:'agent'"`
	CLI          string
	Program      string
	Model        string
	Task         string
	Cwd          string
	LastSeenAt   time.Time `gorm:"not null;index"`
	MessageCount int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// Registry is the agent directory's storage contract, narrowed to what the
// router actually needs: upsert-on-HELLO, a counter bump per SEND, and
// lookup for "is this name known."
type Registry interface {
	// Upsert records sighting of name at seenAt, merging metadata and
	// creating the row if it doesn't exist yet.
	Upsert(ctx context.Context, name string, meta Metadata, seenAt time.Time) error
	// IncrementMessageCount bumps name's message_count by one. A no-op if
	// the name has no row (the router upserts on HELLO before any SEND can
	// arrive, so this should not happen in practice).
	IncrementMessageCount(ctx context.Context, name string) error
	// Get returns the stored record for name, or ErrNotFound.
	Get(ctx context.Context, name string) (*Agent, error)
	// Known reports whether name has ever registered.
	Known(ctx context.Context, name string) (bool, error)
}

// Metadata is the subset of HELLO fields persisted to the durable registry.
type Metadata struct {
	EntityKind string
	CLI        string
	Program    string
	Model      string
	Task       string
	Cwd        string
}

type gormRegistry struct {
	db *gorm.DB
}

// NewGormRegistry returns a Registry backed by db. Callers are expected to
// have already run migrations for the agents table (see internal/storedb,
// which owns the shared database file and migration runner).
func NewGormRegistry(db *gorm.DB) Registry {
	return &gormRegistry{db: db}
}

func (r *gormRegistry) Upsert(ctx context.Context, name string, meta Metadata, seenAt time.Time) error {
	var row Agent
	err := r.db.WithContext(ctx).
		Where(Agent{Name: name}).
		Assign(map[string]any{
			"entity_kind":  meta.EntityKind,
			"cli":          meta.CLI,
			"program":      meta.Program,
			"model":        meta.Model,
			"task":         meta.Task,
			"cwd":          meta.Cwd,
			"last_seen_at": seenAt,
		}).
		FirstOrCreate(&row).Error
	if err != nil {
		return fmt.Errorf("registry: upsert %s: %w", name, err)
	}
	return nil
}

func (r *gormRegistry) IncrementMessageCount(ctx context.Context, name string) error {
	result := r.db.WithContext(ctx).
		Model(&Agent{}).
		Where("name = ?", name).
		UpdateColumn("message_count", gorm.Expr("message_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("registry: increment message count for %s: %w", name, result.Error)
	}
	return nil
}

func (r *gormRegistry) Get(ctx context.Context, name string) (*Agent, error) {
	var a Agent
	err := r.db.WithContext(ctx).First(&a, "name = ?", name).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get %s: %w", name, err)
	}
	return &a, nil
}

func (r *gormRegistry) Known(ctx context.Context, name string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Agent{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, fmt.Errorf("registry: known %s: %w", name, err)
	}
	return count > 0, nil
}
