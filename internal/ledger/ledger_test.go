package ledger

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/storedb"
)

func newTestLedger(t *testing.T) Ledger {
	t.Helper()
	db, err := storedb.Open(storedb.Config{
		Path:   filepath.Join(t.TempDir(), "ledger.sqlite"),
		Logger: zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("open storedb: %v", err)
	}
	return New(db)
}

func TestRegisterFileIsIdempotentOnSourcePath(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	in := RegisterInput{SourcePath: "/outbox/agent-a/chat/f1", AgentName: "agent-a", MessageType: "chat", Size: 10}

	id1, err := l.RegisterFile(ctx, in)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	id2, err := l.RegisterFile(ctx, in)
	if err != nil {
		t.Fatalf("register again: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected same file id on re-register, got %s and %s", id1, id2)
	}

	row, err := l.GetByID(ctx, id1)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if row.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", row.Status)
	}
}

// Two callers race to claim the same file; exactly one must see success.
func TestConcurrentClaimHasExactlyOneWinner(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.RegisterFile(ctx, RegisterInput{SourcePath: "/outbox/agent-a/chat/f1", AgentName: "agent-a", MessageType: "chat", Size: 10})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	const racers = 8
	results := make([]ClaimResult, racers)
	errs := make([]error, racers)

	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = l.ClaimFile(ctx, id)
		}(i)
	}
	wg.Wait()

	var successes int
	for i, err := range errs {
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if results[i].Success {
			successes++
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", successes)
	}

	row, err := l.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if row.Status != StatusProcessing {
		t.Fatalf("expected processing status after claim, got %s", row.Status)
	}
}

// Crash recovery: a file stuck in processing at crash returns
// to pending exactly once via resetProcessingFiles, then can be reclaimed
// and processed through to delivered.
func TestCrashRecoveryResetsProcessingToPending(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.RegisterFile(ctx, RegisterInput{SourcePath: "/outbox/agent-a/chat/f2", AgentName: "agent-a", MessageType: "chat", Size: 10})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := l.ClaimFile(ctx, id); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Simulate the daemon dying mid-processing, then restarting.
	count, err := l.ResetProcessingFiles(ctx)
	if err != nil {
		t.Fatalf("reset processing files: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row reset, got %d", count)
	}

	row, err := l.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if row.Status != StatusPending {
		t.Fatalf("expected pending after reset, got %s", row.Status)
	}

	// A second reset with nothing stuck in processing is a no-op.
	count, err = l.ResetProcessingFiles(ctx)
	if err != nil {
		t.Fatalf("reset processing files (idempotent): %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 rows reset on idempotent call, got %d", count)
	}

	result, err := l.ClaimFile(ctx, id)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected reclaim to succeed after reset, reason=%q", result.Reason)
	}

	if err := l.MarkDelivered(ctx, id); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	row, err = l.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if row.Status != StatusDelivered {
		t.Fatalf("expected delivered, got %s", row.Status)
	}
	if row.ProcessedAt == nil {
		t.Fatal("expected processed_at to be set")
	}
}

func TestMarkFailedThenArchived(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.RegisterFile(ctx, RegisterInput{SourcePath: "/outbox/agent-a/chat/f3", AgentName: "agent-a", MessageType: "chat", Size: 10})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := l.ClaimFile(ctx, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := l.MarkFailed(ctx, id, "parse error"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := l.MarkArchived(ctx, id, "/archive/agent-a/2026-07-31/"+id+"-chat"); err != nil {
		t.Fatalf("mark archived: %v", err)
	}

	row, err := l.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if row.Status != StatusArchived {
		t.Fatalf("expected archived, got %s", row.Status)
	}
	if row.FailureReason != "parse error" {
		t.Fatalf("expected failure reason preserved, got %q", row.FailureReason)
	}
}

func TestReconcileWithFilesystemMarksMissingFilesFailed(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	present, err := l.RegisterFile(ctx, RegisterInput{SourcePath: "/outbox/agent-a/chat/present", AgentName: "agent-a", MessageType: "chat", Size: 10})
	if err != nil {
		t.Fatalf("register present: %v", err)
	}
	missing, err := l.RegisterFile(ctx, RegisterInput{SourcePath: "/outbox/agent-a/chat/missing", AgentName: "agent-a", MessageType: "chat", Size: 10})
	if err != nil {
		t.Fatalf("register missing: %v", err)
	}

	failed, err := l.ReconcileWithFilesystem(ctx, func(path string) bool {
		return path != "/outbox/agent-a/chat/missing"
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if failed != 1 {
		t.Fatalf("expected 1 failed, got %d", failed)
	}

	presentRow, err := l.GetByID(ctx, present)
	if err != nil {
		t.Fatalf("get present: %v", err)
	}
	if presentRow.Status != StatusPending {
		t.Fatalf("expected present row untouched, got %s", presentRow.Status)
	}

	missingRow, err := l.GetByID(ctx, missing)
	if err != nil {
		t.Fatalf("get missing: %v", err)
	}
	if missingRow.Status != StatusFailed || missingRow.FailureReason != "missing" {
		t.Fatalf("expected missing row failed with reason 'missing', got status=%s reason=%q", missingRow.Status, missingRow.FailureReason)
	}
}

func TestGetPendingFilesOrderedOldestFirstAndStats(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := l.RegisterFile(ctx, RegisterInput{
			SourcePath:  fmt.Sprintf("/outbox/agent-a/chat/f%d", i),
			AgentName:   "agent-a",
			MessageType: "chat",
			Size:        10,
		})
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	if _, err := l.ClaimFile(ctx, ids[0]); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pending, err := l.GetPendingFiles(ctx, 0)
	if err != nil {
		t.Fatalf("get pending files: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending files, got %d", len(pending))
	}
	if pending[0].FileID != ids[1] || pending[1].FileID != ids[2] {
		t.Fatalf("expected pending files oldest first [%s %s], got [%s %s]", ids[1], ids[2], pending[0].FileID, pending[1].FileID)
	}

	stats, err := l.GetStats(ctx)
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	if stats.Pending != 2 || stats.Processing != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	registered, err := l.IsFileRegistered(ctx, "/outbox/agent-a/chat/f0")
	if err != nil {
		t.Fatalf("is file registered: %v", err)
	}
	if !registered {
		t.Fatal("expected f0 to be registered")
	}
	registered, err = l.IsFileRegistered(ctx, "/outbox/agent-a/chat/unknown")
	if err != nil {
		t.Fatalf("is file registered (unknown): %v", err)
	}
	if registered {
		t.Fatal("expected unknown path to be unregistered")
	}
}
