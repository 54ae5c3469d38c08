// Package ledger is the relay file ledger: a transactional record of every
// file the watchdog has seen in the outbox, carrying each through
// pending -> processing -> {delivered|failed} -> archived exactly once.
// It is the only write-shared persistent resource in the daemon; ClaimFile
// is the single point of mutual exclusion between would-be processors of
// the same file — a guarded UPDATE whose RowsAffected tells the loser it
// lost.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Status is a relay_files row's position in its state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusArchived   Status = "archived"
)

// ErrNotFound is returned when a file_id has no row.
var ErrNotFound = errors.New("ledger: file not found")

// File is one relay_files row.
type File struct {
	FileID        string `gorm:"column:file_id;primaryKey"`
	SourcePath    string `gorm:"column:source_path;not null"`
	SymlinkPath   string `gorm:"column:symlink_path;not null;default:''"`
	AgentName     string `gorm:"column:agent_name;not null"`
	MessageType   string `gorm:"column:message_type;not null"`
	Size          int64  `gorm:"column:size;not null"`
	ContentHash   string `gorm:"column:content_hash;not null;default:''"`
	MtimeNs       int64  `gorm:"column:mtime_ns;not null;default:0"`
	Inode         uint64 `gorm:"column:inode;not null;default:0"`
	Status        Status `gorm:"column:status;not null;default:pending"`
	FailureReason string `gorm:"column:failure_reason;not null;default:''"`
	CreatedAt     time.Time
	ProcessedAt   *time.Time `gorm:"column:processed_at"`
	ArchivePath   string     `gorm:"column:archive_path;not null;default:''"`
}

// TableName pins the model to the table created by storedb's migrations.
func (File) TableName() string { return "relay_files" }

// RegisterInput is what the watchdog knows about a file at discovery time.
type RegisterInput struct {
	SourcePath  string
	SymlinkPath string
	AgentName   string
	MessageType string
	Size        int64
	ContentHash string
	MtimeNs     int64
	Inode       uint64
}

// ClaimResult is claimFile's outcome.
type ClaimResult struct {
	Success bool
	Record  *File
	Reason  string
}

// Stats summarises the ledger's current row counts by status.
type Stats struct {
	Pending    int64
	Processing int64
	Delivered  int64
	Failed     int64
	Archived   int64
}

// Ledger is the relay file ledger's storage contract.
type Ledger interface {
	RegisterFile(ctx context.Context, in RegisterInput) (fileID string, err error)
	ClaimFile(ctx context.Context, fileID string) (ClaimResult, error)
	MarkDelivered(ctx context.Context, fileID string) error
	MarkFailed(ctx context.Context, fileID string, reason string) error
	MarkArchived(ctx context.Context, fileID string, archivePath string) error
	ResetProcessingFiles(ctx context.Context) (count int64, err error)
	ReconcileWithFilesystem(ctx context.Context, exists func(path string) bool) (failed int64, err error)
	GetPendingFiles(ctx context.Context, limit int) ([]File, error)
	GetByID(ctx context.Context, fileID string) (*File, error)
	IsFileRegistered(ctx context.Context, sourcePath string) (bool, error)
	GetStats(ctx context.Context) (Stats, error)
	CleanupArchivedRecords(ctx context.Context, olderThan time.Duration) (count int64, err error)
}

type gormLedger struct {
	db *gorm.DB
}

// New returns a Ledger backed by db's relay_files table. Callers are
// expected to have already run storedb's migrations.
func New(db *gorm.DB) Ledger {
	return &gormLedger{db: db}
}

// RegisterFile is idempotent on SourcePath: the unique index on
// source_path serialises concurrent registration attempts for the same
// path, and a loser of that race simply looks up and returns the
// winner's file_id instead of erroring.
func (l *gormLedger) RegisterFile(ctx context.Context, in RegisterInput) (string, error) {
	if existing, err := l.GetBySourcePath(ctx, in.SourcePath); err == nil {
		return existing.FileID, nil
	} else if !errors.Is(err, ErrNotFound) {
		return "", err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("ledger: generate file id: %w", err)
	}

	row := File{
		FileID:      id.String(),
		SourcePath:  in.SourcePath,
		SymlinkPath: in.SymlinkPath,
		AgentName:   in.AgentName,
		MessageType: in.MessageType,
		Size:        in.Size,
		ContentHash: in.ContentHash,
		MtimeNs:     in.MtimeNs,
		Inode:       in.Inode,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}

	err = l.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return row.FileID, nil
	}

	// Lost the race between our GetBySourcePath and this Create: another
	// registerFile call for the same path won. Return its id rather than
	// surfacing a unique-constraint error to the caller.
	if existing, getErr := l.GetBySourcePath(ctx, in.SourcePath); getErr == nil {
		return existing.FileID, nil
	}
	return "", fmt.Errorf("ledger: register %s: %w", in.SourcePath, err)
}

// GetBySourcePath looks up a row by its unique source_path column.
func (l *gormLedger) GetBySourcePath(ctx context.Context, sourcePath string) (*File, error) {
	var f File
	err := l.db.WithContext(ctx).First(&f, "source_path = ?", sourcePath).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: get by source path %s: %w", sourcePath, err)
	}
	return &f, nil
}

// ClaimFile is the atomicity primitive: a transactional UPDATE guarded by
// WHERE status='pending' succeeds for exactly one caller when several race
// to claim the same file_id.
func (l *gormLedger) ClaimFile(ctx context.Context, fileID string) (ClaimResult, error) {
	result := l.db.WithContext(ctx).
		Model(&File{}).
		Where("file_id = ? AND status = ?", fileID, StatusPending).
		Update("status", StatusProcessing)
	if result.Error != nil {
		return ClaimResult{}, fmt.Errorf("ledger: claim %s: %w", fileID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ClaimResult{Success: false, Reason: "not pending"}, nil
	}

	record, err := l.GetByID(ctx, fileID)
	if err != nil {
		return ClaimResult{}, err
	}
	return ClaimResult{Success: true, Record: record}, nil
}

// MarkDelivered transitions a processing row to delivered.
func (l *gormLedger) MarkDelivered(ctx context.Context, fileID string) error {
	now := time.Now()
	result := l.db.WithContext(ctx).
		Model(&File{}).
		Where("file_id = ? AND status = ?", fileID, StatusProcessing).
		Updates(map[string]any{"status": StatusDelivered, "processed_at": now})
	if result.Error != nil {
		return fmt.Errorf("ledger: mark delivered %s: %w", fileID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed transitions a processing row to failed with reason.
func (l *gormLedger) MarkFailed(ctx context.Context, fileID string, reason string) error {
	now := time.Now()
	result := l.db.WithContext(ctx).
		Model(&File{}).
		Where("file_id = ? AND status = ?", fileID, StatusProcessing).
		Updates(map[string]any{"status": StatusFailed, "failure_reason": reason, "processed_at": now})
	if result.Error != nil {
		return fmt.Errorf("ledger: mark failed %s: %w", fileID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkArchived transitions a delivered or failed row to archived.
func (l *gormLedger) MarkArchived(ctx context.Context, fileID string, archivePath string) error {
	result := l.db.WithContext(ctx).
		Model(&File{}).
		Where("file_id = ? AND status IN ?", fileID, []Status{StatusDelivered, StatusFailed}).
		Updates(map[string]any{"status": StatusArchived, "archive_path": archivePath})
	if result.Error != nil {
		return fmt.Errorf("ledger: mark archived %s: %w", fileID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetProcessingFiles is the crash-recovery operation: at daemon startup,
// every row stuck in processing (the daemon died mid-claim) goes back to
// pending so the watchdog's reconciliation pass can reclaim it. This is
// the only legal processing -> pending transition.
func (l *gormLedger) ResetProcessingFiles(ctx context.Context) (int64, error) {
	result := l.db.WithContext(ctx).
		Model(&File{}).
		Where("status = ?", StatusProcessing).
		Update("status", StatusPending)
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: reset processing files: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ReconcileWithFilesystem marks failed, with reason "missing", every
// non-archived row whose source_path no longer exists according to
// exists. The watchdog supplies exists (a thin os.Lstat wrapper); ledger
// stays filesystem-agnostic.
func (l *gormLedger) ReconcileWithFilesystem(ctx context.Context, exists func(path string) bool) (int64, error) {
	var rows []File
	err := l.db.WithContext(ctx).
		Where("status != ?", StatusArchived).
		Find(&rows).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: reconcile scan: %w", err)
	}

	var failed int64
	for _, row := range rows {
		if exists(row.SourcePath) {
			continue
		}
		result := l.db.WithContext(ctx).
			Model(&File{}).
			Where("file_id = ? AND status != ?", row.FileID, StatusArchived).
			Updates(map[string]any{"status": StatusFailed, "failure_reason": "missing", "processed_at": time.Now()})
		if result.Error != nil {
			return failed, fmt.Errorf("ledger: reconcile mark failed %s: %w", row.FileID, result.Error)
		}
		failed += result.RowsAffected
	}
	return failed, nil
}

// GetPendingFiles returns up to limit pending rows, oldest first. limit<=0
// means unbounded.
func (l *gormLedger) GetPendingFiles(ctx context.Context, limit int) ([]File, error) {
	var rows []File
	q := l.db.WithContext(ctx).Where("status = ?", StatusPending).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("ledger: get pending files: %w", err)
	}
	return rows, nil
}

// GetByID returns the row for fileID, or ErrNotFound.
func (l *gormLedger) GetByID(ctx context.Context, fileID string) (*File, error) {
	var f File
	err := l.db.WithContext(ctx).First(&f, "file_id = ?", fileID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ledger: get by id %s: %w", fileID, err)
	}
	return &f, nil
}

// IsFileRegistered reports whether sourcePath already has a row.
func (l *gormLedger) IsFileRegistered(ctx context.Context, sourcePath string) (bool, error) {
	var count int64
	if err := l.db.WithContext(ctx).Model(&File{}).Where("source_path = ?", sourcePath).Count(&count).Error; err != nil {
		return false, fmt.Errorf("ledger: is file registered %s: %w", sourcePath, err)
	}
	return count > 0, nil
}

// GetStats returns row counts grouped by status.
func (l *gormLedger) GetStats(ctx context.Context) (Stats, error) {
	var stats Stats
	for status, dest := range map[Status]*int64{
		StatusPending:    &stats.Pending,
		StatusProcessing: &stats.Processing,
		StatusDelivered:  &stats.Delivered,
		StatusFailed:     &stats.Failed,
		StatusArchived:   &stats.Archived,
	} {
		var count int64
		if err := l.db.WithContext(ctx).Model(&File{}).Where("status = ?", status).Count(&count).Error; err != nil {
			return Stats{}, fmt.Errorf("ledger: get stats: %w", err)
		}
		*dest = count
	}
	return stats, nil
}

// CleanupArchivedRecords purges archived rows whose processed_at is older
// than olderThan, returning the number removed.
func (l *gormLedger) CleanupArchivedRecords(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := l.db.WithContext(ctx).
		Where("status = ? AND processed_at IS NOT NULL AND processed_at < ?", StatusArchived, cutoff).
		Delete(&File{})
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: cleanup archived records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
