// Command relayd is the agent-relay daemon: it accepts framed connections
// on a Unix domain socket, routes SEND/DELIVER/ACK/SUBSCRIBE/CHANNEL_*/
// SPAWN traffic between them (internal/router), tracks delivery with
// retries (internal/delivery), and bridges outbox files dropped by agents
// that can't speak the socket protocol (internal/watchdog).
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/agent-relay/relayd/internal/delivery"
	"github.com/agent-relay/relayd/internal/ledger"
	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/ratelimit"
	"github.com/agent-relay/relayd/internal/registry"
	"github.com/agent-relay/relayd/internal/router"
	"github.com/agent-relay/relayd/internal/spawn"
	"github.com/agent-relay/relayd/internal/storedb"
	"github.com/agent-relay/relayd/internal/transport"
	"github.com/agent-relay/relayd/internal/watchdog"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	root               string
	socketPath         string
	logLevel           string
	disableRateLimit   bool
	rateLimitPerSecond float64
	rateLimitBurst     int
	maxAgents          int
	shutdownGrace      time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "relayd",
		Short: "relayd — local multi-agent message broker daemon",
		Long: `relayd is the daemon at the center of the agent-relay system: long-lived
agent processes connect over a Unix domain socket and exchange framed
envelopes through it. relayd routes direct messages, topic broadcasts,
and channel messages, tracks delivery with acknowledgements and retries,
and bridges outbox files written by agents that cannot speak the socket
protocol directly.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	defaultRoot := envOrDefault("RELAY_ROOT", filepath.Join(homeDir(), ".agent-relay"))
	root.PersistentFlags().StringVar(&cfg.root, "root", defaultRoot, "Root directory for outbox, archive, and the ledger database")
	root.PersistentFlags().StringVar(&cfg.socketPath, "socket", envOrDefault("RELAY_SOCKET_PATH", ""), "Unix socket path (default: <root>/relay.sock)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("RELAY_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.disableRateLimit, "disable-rate-limit", envOrDefault("RELAY_DISABLE_RATE_LIMIT", "false") == "true", "Disable the per-agent token bucket rate limiter")
	root.PersistentFlags().Float64Var(&cfg.rateLimitPerSecond, "rate-limit-per-second", envOrDefaultFloat("RELAY_RATE_LIMIT_PER_SECOND", 10), "Sustained messages/sec allowed per agent")
	root.PersistentFlags().IntVar(&cfg.rateLimitBurst, "rate-limit-burst", envOrDefaultInt("RELAY_RATE_LIMIT_BURST", 20), "Burst size for the per-agent token bucket")
	root.PersistentFlags().IntVar(&cfg.maxAgents, "max-agents", envOrDefaultInt("RELAY_MAX_AGENTS", 0), "Ceiling on distinct registered agent names (0 = unbounded)")
	root.PersistentFlags().DurationVar(&cfg.shutdownGrace, "shutdown-grace", 5*time.Second, "Grace period to flush connections before forcing shutdown")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relayd %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.socketPath == "" {
		cfg.socketPath = filepath.Join(cfg.root, "relay.sock")
	}
	outboxRoot := filepath.Join(cfg.root, "outbox")
	archiveRoot := filepath.Join(cfg.root, "archive")
	metaDir := filepath.Join(cfg.root, "meta")
	dbPath := filepath.Join(metaDir, "ledger.sqlite")

	logger.Info("starting relayd",
		zap.String("version", version),
		zap.String("root", cfg.root),
		zap.String("socket", cfg.socketPath),
		zap.Int("max_agents", cfg.maxAgents),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		return fmt.Errorf("create meta dir: %w", err)
	}

	// --- Database ---
	gormDB, err := storedb.Open(storedb.Config{
		Path:     dbPath,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- Collaborators ---
	reg := registry.NewGormRegistry(gormDB)
	store := router.NewGormStore(gormDB)
	led := ledger.New(gormDB)

	var limiter *ratelimit.Limiter
	if !cfg.disableRateLimit {
		limiter = ratelimit.New(ratelimit.Config{
			Rate:  cfg.rateLimitPerSecond,
			Burst: cfg.rateLimitBurst,
		})
	}

	ceiling := newAgentCeiling(cfg.maxAgents, logger)

	obs := &daemonObserver{log: logger}

	rt := router.New(router.Config{
		Store:       store,
		Registry:    ceiling.wrapRegistry(reg),
		RateLimiter: limiter,
		Observer:    obs,
		Logger:      logger,
	})

	tracker := delivery.New(delivery.Config{}, rt.NewSender(), store, logger)
	rt.SetTracker(tracker)

	spawnMgr := spawn.New(resolveSpawnBinary, rt.NewSender(), rt.ClearSpawning, logger)
	// Re-wire the router with the spawn handler now that it exists — the
	// daemon builds Spawn and Router in this order so Spawn can reuse
	// Router.NewSender without a cyclic constructor dependency.
	rt.SetSpawnHandler(spawnMgr)

	deliverer := &outboxDeliverer{router: rt}
	wd, err := watchdog.New(watchdog.Config{
		OutboxRoot:  outboxRoot,
		ArchiveRoot: archiveRoot,
		Ledger:      led,
		Deliverer:   deliverer,
		Observer:    &watchdogObserver{log: logger},
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("construct watchdog: %w", err)
	}
	if err := wd.Start(ctx); err != nil {
		return fmt.Errorf("start watchdog: %w", err)
	}

	// --- Delivery tracker retry sweep ---
	sweepStop := make(chan struct{})
	var sweepWG sync.WaitGroup
	sweepWG.Add(1)
	go func() {
		defer sweepWG.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sweepStop:
				return
			case <-ticker.C:
				tracker.Sweep()
			}
		}
	}()

	// --- Socket listener ---
	if err := os.Remove(cfg.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	listener, err := net.Listen("unix", cfg.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.socketPath, err)
	}

	var connWG sync.WaitGroup
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		acceptLoop(ctx, listener, rt, logger, &connWG)
	}()

	logger.Info("relayd ready", zap.String("socket", cfg.socketPath))

	<-ctx.Done()
	logger.Info("shutting down relayd")

	listener.Close()
	<-acceptDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.shutdownGrace)
	defer shutdownCancel()

	rt.CloseAllConnections(protocol.NewTransportClosed("relayd is shutting down"))

	waitWithTimeout(shutdownCtx, &connWG)

	close(sweepStop)
	sweepWG.Wait()

	if err := wd.Stop(); err != nil {
		logger.Warn("watchdog shutdown error", zap.Error(err))
	}

	logger.Info("relayd stopped")
	return nil
}

// acceptLoop accepts connections until ctx is done or the listener is
// closed, handing each one to transport.Connection.Run on its own
// goroutine. connWG lets shutdown wait for in-flight connections to
// finish tearing down.
func acceptLoop(ctx context.Context, listener net.Listener, rt *router.Router, logger *zap.Logger, connWG *sync.WaitGroup) {
	var connSeq int64
	for {
		raw, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept error", zap.Error(err))
			continue
		}

		connSeq++
		connID := "conn-" + strconv.FormatInt(connSeq, 10)
		conn := transport.New(connID, raw, logger)

		connWG.Add(1)
		go func() {
			defer connWG.Done()
			onHello, onReady, dispatch := rt.Handlers(ctx)
			conn.Run(onHello, onReady, dispatch)
			rt.Unregister(conn)
		}()
	}
}

func waitWithTimeout(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// resolveSpawnBinary resolves a SPAWN payload's CLI name via $PATH. The
// daemon does not maintain its own binary registry — the external PTY
// wrapper normally owns that lookup.
func resolveSpawnBinary(cli string) (string, []string, error) {
	if cli == "" {
		return "", nil, fmt.Errorf("empty cli name")
	}
	fields := strings.Fields(cli)
	path, err := exec.LookPath(fields[0])
	if err != nil {
		return "", nil, err
	}
	return path, fields[1:], nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func homeDir() string {
	h, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return h
}
