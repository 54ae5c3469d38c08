// Package watchdog turns files dropped into an outbox directory tree into
// in-band deliveries, exactly once per file identity, using internal/ledger
// as the sole point of mutual exclusion between overlapping watcher events
// and reconciliation passes.
//
// Filesystem notification uses github.com/fsnotify/fsnotify; the periodic
// reconcile/cleanup sweeps run on a gocron scheduler with tagged jobs.
package watchdog

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/ledger"
)

// Config tunes the watchdog. Zero values fall back to the defaults below.
type Config struct {
	// OutboxRoot is <root>/outbox; ArchiveRoot is <root>/archive.
	OutboxRoot  string
	ArchiveRoot string

	Ledger    ledger.Ledger
	Deliverer Deliverer
	Observer  Observer
	Logger    *zap.Logger

	SettleTime         time.Duration
	MalformedTimeout   time.Duration
	ReconcileInterval  time.Duration
	CleanupInterval    time.Duration
	MaxMessageSize     int64
	OrphanedPendingAge time.Duration
	ArchiveRetention   time.Duration
}

func (c Config) withDefaults() Config {
	if c.SettleTime == 0 {
		c.SettleTime = 500 * time.Millisecond
	}
	if c.MalformedTimeout == 0 {
		c.MalformedTimeout = 10 * time.Second
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = 30 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 60 * time.Second
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 1 << 20 // 1 MiB
	}
	if c.OrphanedPendingAge == 0 {
		c.OrphanedPendingAge = 30 * time.Second
	}
	if c.ArchiveRetention == 0 {
		c.ArchiveRetention = 7 * 24 * time.Hour
	}
	return c
}

// Watchdog owns one outbox directory tree's fsnotify watches, settle
// timers, and periodic reconcile/cleanup jobs.
type Watchdog struct {
	cfg       Config
	log       *zap.Logger
	led       ledger.Ledger
	deliverer Deliverer
	observer  Observer

	root string
	cron gocron.Scheduler

	mu           sync.Mutex
	watcher      *fsnotify.Watcher
	watchedDirs  map[string]struct{}
	settleTimers map[string]*time.Timer
	firstSeenAt  map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs an idle Watchdog. Call Start to begin watching.
func New(cfg Config) (*Watchdog, error) {
	cfg = cfg.withDefaults()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = NoopObserver{}
	}

	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("watchdog: create scheduler: %w", err)
	}

	return &Watchdog{
		cfg:          cfg,
		log:          cfg.Logger.Named("watchdog"),
		led:          cfg.Ledger,
		deliverer:    cfg.Deliverer,
		observer:     cfg.Observer,
		cron:         cron,
		watchedDirs:  make(map[string]struct{}),
		settleTimers: make(map[string]*time.Timer),
		firstSeenAt:  make(map[string]time.Time),
		stopCh:       make(chan struct{}),
	}, nil
}

// Start resolves the outbox root to its canonical form, resets any rows
// stuck mid-processing from a prior crash, reconciles the ledger against
// the filesystem, runs an initial scan, installs the fsnotify watches, and
// starts the periodic reconcile/cleanup jobs.
func (w *Watchdog) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.cfg.OutboxRoot, 0o755); err != nil {
		return fmt.Errorf("watchdog: ensure outbox root: %w", err)
	}
	if err := os.MkdirAll(w.cfg.ArchiveRoot, 0o755); err != nil {
		return fmt.Errorf("watchdog: ensure archive root: %w", err)
	}

	root, err := filepath.EvalSymlinks(w.cfg.OutboxRoot)
	if err != nil {
		return fmt.Errorf("watchdog: resolve outbox root: %w", err)
	}
	w.root = root

	if w.led != nil {
		if n, err := w.led.ResetProcessingFiles(ctx); err != nil {
			w.observer.OnError("watchdog.reset_processing", err)
		} else if n > 0 {
			w.log.Info("watchdog: reset processing rows to pending after restart", zap.Int64("count", n))
		}
		if _, err := w.led.ReconcileWithFilesystem(ctx, fileExists); err != nil {
			w.observer.OnError("watchdog.reconcile_startup", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watchdog: new watcher: %w", err)
	}
	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	if err := w.scanTree(ctx, root); err != nil {
		w.observer.OnError("watchdog.initial_scan", err)
	}

	w.wg.Add(1)
	go w.eventLoop(ctx)

	if _, err := w.cron.NewJob(
		gocron.DurationJob(w.cfg.ReconcileInterval),
		gocron.NewTask(func() { w.runReconcile(ctx) }),
		gocron.WithTags("reconcile"),
	); err != nil {
		return fmt.Errorf("watchdog: schedule reconcile: %w", err)
	}
	if _, err := w.cron.NewJob(
		gocron.DurationJob(w.cfg.CleanupInterval),
		gocron.NewTask(func() { w.runCleanup(ctx) }),
		gocron.WithTags("cleanup"),
	); err != nil {
		return fmt.Errorf("watchdog: schedule cleanup: %w", err)
	}
	w.cron.Start()

	return nil
}

// Stop cancels the fsnotify watch and periodic jobs, and waits for the
// event loop to exit.
func (w *Watchdog) Stop() error {
	close(w.stopCh)
	w.mu.Lock()
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.mu.Unlock()
	w.wg.Wait()
	return w.cron.Shutdown()
}

func (w *Watchdog) currentWatcher() *fsnotify.Watcher {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.watcher
}

func (w *Watchdog) addWatch(path string) error {
	watcher := w.currentWatcher()
	if watcher == nil {
		return fmt.Errorf("watchdog: no active watcher")
	}
	return watcher.Add(path)
}

func (w *Watchdog) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		watcher := w.currentWatcher()
		if watcher == nil {
			return
		}
		select {
		case <-w.stopCh:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, ev)
		case ferr, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.handleWatcherFailure(ctx, ferr)
		}
	}
}

// handleEvent reacts to one fsnotify event: newly created directories are
// watched and scanned (discovering new agent or message-type
// subdirectories); created/written files are debounced through the settle
// timer.
func (w *Watchdog) handleEvent(ctx context.Context, ev fsnotify.Event) {
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := w.scanTree(ctx, ev.Name); err != nil {
				w.observer.OnError("watchdog.scan_new_dir", err)
			}
			return
		}
	}

	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	if shouldIgnore(filepath.Base(ev.Name)) {
		return
	}
	w.scheduleSettle(ctx, ev.Name)
}

// handleWatcherFailure handles an overflow or error from the OS watcher by
// rebuilding the watches and running a full reconciliation — the recovery
// path for events the OS watcher dropped.
func (w *Watchdog) handleWatcherFailure(ctx context.Context, ferr error) {
	w.log.Warn("watchdog: watcher error, rebuilding watches", zap.Error(ferr))
	w.observer.OnWatcherOverflow(ferr.Error())
	if err := w.rebuildWatcher(); err != nil {
		w.observer.OnError("watchdog.rebuild_watcher", err)
		return
	}
	w.runReconcile(ctx)
}

func (w *Watchdog) rebuildWatcher() error {
	w.mu.Lock()
	old := w.watcher
	dirs := make([]string, 0, len(w.watchedDirs))
	for d := range w.watchedDirs {
		dirs = append(dirs, d)
	}
	w.mu.Unlock()

	newWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watchdog: recreate watcher: %w", err)
	}
	for _, d := range dirs {
		if err := newWatcher.Add(d); err != nil {
			w.log.Warn("watchdog: re-add watch failed", zap.String("dir", d), zap.Error(err))
		}
	}

	w.mu.Lock()
	w.watcher = newWatcher
	w.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// scanTree walks root, watching every directory it finds and scheduling a
// settle attempt for every non-ignored file. Used both for the initial
// scan and for reconciliation — re-walking an already-watched tree is
// harmless since fsnotify.Add on a watched path is a no-op.
func (w *Watchdog) scanTree(ctx context.Context, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.observer.OnError("watchdog.walk", err)
			return nil
		}
		if d.IsDir() {
			if addErr := w.addWatch(path); addErr != nil {
				w.observer.OnError("watchdog.watch_dir", addErr)
				return nil
			}
			w.mu.Lock()
			w.watchedDirs[path] = struct{}{}
			w.mu.Unlock()
			return nil
		}
		if shouldIgnore(d.Name()) {
			return nil
		}
		w.scheduleSettle(ctx, path)
		return nil
	})
}

// scheduleSettle (re)starts path's settle timer, debouncing
// write-in-progress events.
// Once MalformedTimeout has elapsed since the first event for path without
// a successful settle, further re-events no longer restart the timer — the
// next scheduled attempt fires immediately, so a file stuck mid-write
// indefinitely still gets one validation attempt (and, on failure, stays
// on disk for the next reconciliation pass rather than debouncing forever).
func (w *Watchdog) scheduleSettle(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	first, seen := w.firstSeenAt[path]
	if !seen {
		first = time.Now()
		w.firstSeenAt[path] = first
	}
	if t, ok := w.settleTimers[path]; ok {
		t.Stop()
	}

	delay := w.cfg.SettleTime
	if time.Since(first) > w.cfg.MalformedTimeout {
		delay = 0
	}

	w.settleTimers[path] = time.AfterFunc(delay, func() {
		w.mu.Lock()
		delete(w.settleTimers, path)
		delete(w.firstSeenAt, path)
		w.mu.Unlock()
		w.onSettled(ctx, path)
	})
}

// onSettled runs validation, canonicalisation, then registration. The
// validated arrival path is resolved to its canonical form; when the two
// differ (a parent directory reached through a symlink) the arrival path is
// recorded alongside the canonical one.
func (w *Watchdog) onSettled(ctx context.Context, path string) {
	info, err := validateFile(path, w.cfg.MaxMessageSize)
	if err != nil {
		w.log.Info("watchdog: validation failed, left on disk for retry", zap.String("path", path), zap.Error(err))
		return
	}

	canonical, err := filepath.EvalSymlinks(path)
	if err != nil {
		w.log.Info("watchdog: could not canonicalise settled path", zap.String("path", path), zap.Error(err))
		return
	}
	symlinkPath := ""
	if canonical != path {
		symlinkPath = path
	}

	agentName, messageType, ok := parseOutboxLocation(w.root, canonical)
	if !ok {
		w.log.Warn("watchdog: settled file outside the <agent>/<type> layout", zap.String("path", canonical))
		return
	}

	if w.led == nil {
		return
	}

	hash, err := contentHash(canonical)
	if err != nil {
		w.observer.OnError("watchdog.hash", err)
		return
	}

	fileID, err := w.led.RegisterFile(ctx, ledger.RegisterInput{
		SourcePath:  canonical,
		SymlinkPath: symlinkPath,
		AgentName:   agentName,
		MessageType: messageType,
		Size:        info.Size(),
		ContentHash: hash,
		MtimeNs:     info.ModTime().UnixNano(),
		Inode:       inodeOf(info),
	})
	if err != nil {
		w.observer.OnError("watchdog.register", err)
		return
	}

	w.observer.OnFileDiscovered(fileID, agentName, messageType)
	w.process(ctx, fileID, canonical, agentName, messageType)
}

// process claims fileID, reads and parses path, hands the result to the
// configured Deliverer, and archives the file.
// A claim failure (someone else already advanced this file, e.g. a
// concurrent reconciliation pass) is silently skipped — that is exactly
// the mutual-exclusion guarantee claimFile exists to provide.
func (w *Watchdog) process(ctx context.Context, fileID, path, agentName, messageType string) {
	result, err := w.led.ClaimFile(ctx, fileID)
	if err != nil {
		w.observer.OnError("watchdog.claim", err)
		return
	}
	if !result.Success {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.failProcessing(ctx, fileID, fmt.Sprintf("read: %v", err))
		return
	}
	headers, body := ParseOutboxFile(data)

	if w.deliverer != nil {
		evt := FileEvent{FileID: fileID, AgentName: agentName, MessageType: messageType, Headers: headers, Body: body}
		if err := w.deliverer.Deliver(ctx, evt); err != nil {
			w.failProcessing(ctx, fileID, fmt.Sprintf("deliver: %v", err))
			return
		}
	}

	if err := w.led.MarkDelivered(ctx, fileID); err != nil {
		w.observer.OnError("watchdog.mark_delivered", err)
		return
	}

	archivePath, err := archiveFile(path, w.cfg.ArchiveRoot, agentName, fileID, messageType)
	if err != nil {
		w.observer.OnError("watchdog.archive", err)
		return
	}
	if err := w.led.MarkArchived(ctx, fileID, archivePath); err != nil {
		w.observer.OnError("watchdog.mark_archived", err)
	}
}

func (w *Watchdog) failProcessing(ctx context.Context, fileID, reason string) {
	if err := w.led.MarkFailed(ctx, fileID, reason); err != nil {
		w.observer.OnError("watchdog.mark_failed", err)
	}
	w.observer.OnFileFailed(fileID, reason)
}

// runReconcile is the recovery path for dropped filesystem events and the
// periodic safety net: re-walk the tree (registering anything the watcher
// missed), drive every ledger-pending row through processing, and mark
// failed any non-archived row whose source file has vanished.
func (w *Watchdog) runReconcile(ctx context.Context) {
	if err := w.scanTree(ctx, w.root); err != nil {
		w.observer.OnError("watchdog.reconcile_scan", err)
	}

	if w.led == nil {
		return
	}

	pending, err := w.led.GetPendingFiles(ctx, 0)
	if err != nil {
		w.observer.OnError("watchdog.reconcile_pending", err)
	} else {
		for _, row := range pending {
			w.process(ctx, row.FileID, row.SourcePath, row.AgentName, row.MessageType)
		}
	}

	failed, err := w.led.ReconcileWithFilesystem(ctx, fileExists)
	if err != nil {
		w.observer.OnError("watchdog.reconcile_fs", err)
	}

	w.observer.OnReconcileComplete(len(pending), int(failed))
}

// runCleanup purges orphaned .pending sidecars and retention-expired
// archived ledger rows.
func (w *Watchdog) runCleanup(ctx context.Context) {
	w.cleanupOrphanedPending()
	if w.led == nil {
		return
	}
	if _, err := w.led.CleanupArchivedRecords(ctx, w.cfg.ArchiveRetention); err != nil {
		w.observer.OnError("watchdog.cleanup_archived", err)
	}
}

func (w *Watchdog) cleanupOrphanedPending() {
	w.mu.Lock()
	dirs := make([]string, 0, len(w.watchedDirs))
	for d := range w.watchedDirs {
		dirs = append(dirs, d)
	}
	w.mu.Unlock()

	cutoff := time.Now().Add(-w.cfg.OrphanedPendingAge)
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".pending") {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				w.observer.OnError("watchdog.cleanup_pending", err)
			}
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
