package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/storedb"
)

func newTestRegistry(t *testing.T) Registry {
	t.Helper()
	db, err := storedb.Open(storedb.Config{
		Path:   filepath.Join(t.TempDir(), "registry.sqlite"),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("open storedb: %v", err)
	}
	return NewGormRegistry(db)
}

func TestUpsertThenGetRoundTrips(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	seenAt := time.Now().UTC().Truncate(time.Second)

	meta := Metadata{EntityKind: "agent", CLI: "claude", Program: "claude-code", Model: "opus", Task: "review", Cwd: "/tmp/work"}
	if err := reg.Upsert(ctx, "agent-a", meta, seenAt); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	row, err := reg.Get(ctx, "agent-a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.CLI != "claude" || row.Program != "claude-code" || row.Model != "opus" {
		t.Fatalf("unexpected row: %+v", row)
	}
	if !row.LastSeenAt.Equal(seenAt) {
		t.Fatalf("expected last_seen_at %v, got %v", seenAt, row.LastSeenAt)
	}
}

func TestUpsertIsIdempotentAndRefreshesMetadata(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	first := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	second := time.Now().UTC().Truncate(time.Second)

	if err := reg.Upsert(ctx, "agent-b", Metadata{CLI: "claude", Task: "old-task"}, first); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := reg.Upsert(ctx, "agent-b", Metadata{CLI: "claude", Task: "new-task"}, second); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	row, err := reg.Get(ctx, "agent-b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.Task != "new-task" {
		t.Fatalf("expected refreshed task 'new-task', got %q", row.Task)
	}
	if !row.LastSeenAt.Equal(second) {
		t.Fatalf("expected last_seen_at refreshed to %v, got %v", second, row.LastSeenAt)
	}
}

func TestGetUnknownAgentReturnsErrNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Get(context.Background(), "never-seen")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestKnownReflectsRegistration(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	known, err := reg.Known(ctx, "agent-c")
	if err != nil {
		t.Fatalf("known before registration: %v", err)
	}
	if known {
		t.Fatal("expected agent-c to be unknown before registration")
	}

	if err := reg.Upsert(ctx, "agent-c", Metadata{CLI: "claude"}, time.Now()); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	known, err = reg.Known(ctx, "agent-c")
	if err != nil {
		t.Fatalf("known after registration: %v", err)
	}
	if !known {
		t.Fatal("expected agent-c to be known after registration")
	}
}

func TestIncrementMessageCount(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Upsert(ctx, "agent-d", Metadata{CLI: "claude"}, time.Now()); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := reg.IncrementMessageCount(ctx, "agent-d"); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := reg.IncrementMessageCount(ctx, "agent-d"); err != nil {
		t.Fatalf("increment again: %v", err)
	}

	row, err := reg.Get(ctx, "agent-d")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.MessageCount != 2 {
		t.Fatalf("expected message_count 2, got %d", row.MessageCount)
	}
}
