// Package spawn answers SPAWN/RELEASE envelopes by launching and releasing
// child processes. The PTY process wrapper that normally drives an
// interactive child CLI lives outside this daemon, so Manager launches a
// plain child process with os/exec — enough to exercise the SPAWN/RELEASE
// envelope contract end to end without a PTY layer.
package spawn

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/protocol"
	"github.com/agent-relay/relayd/internal/router"
)

// Resolver maps a SPAWN payload's CLI name to an executable path and base
// arguments. The daemon's composition root supplies this; Manager has no
// opinion on where binaries live.
type Resolver func(cli string) (path string, args []string, err error)

// Sender delivers an envelope to a specific recipient name — the same
// shape as delivery.Sender, reused here instead of a second identical
// interface so the daemon can wire both from router.Router.NewSender.
type Sender interface {
	Send(recipient string, env protocol.Envelope) error
}

type child struct {
	cmd  *exec.Cmd
	stop context.CancelFunc
}

// Manager tracks spawned child processes keyed by agent name and answers
// SPAWN/RELEASE with SPAWN_RESULT/RELEASE_RESULT envelopes sent back to the
// requester.
type Manager struct {
	resolve       Resolver
	sender        Sender
	clearSpawning func(name string)
	log           *zap.Logger

	mu       sync.Mutex
	children map[string]*child
}

// New constructs a Manager. resolve and sender are required; a nil sender
// makes every result silently undeliverable, which defeats the purpose of
// answering SPAWN at all. clearSpawning is the Router's ClearSpawning — a
// SPAWN that never starts a process has no child to send the HELLO that
// would otherwise clear the spawning-set entry. clearSpawning may be nil,
// in which case that entry just ages out of the spawning set after the 60s
// timeout instead.
func New(resolve Resolver, sender Sender, clearSpawning func(name string), log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		resolve:       resolve,
		sender:        sender,
		clearSpawning: clearSpawning,
		log:           log.Named("spawn"),
		children:      make(map[string]*child),
	}
}

var _ router.SpawnHandler = (*Manager)(nil)

// HandleSpawn launches the requested CLI and replies with SPAWN_RESULT. The
// router has already called MarkSpawning(payload.Name) before invoking
// this; Manager clears it when the launch fails. On success the entry stays
// until the child's HELLO registers it (or it ages out of the spawning set).
func (m *Manager) HandleSpawn(ctx context.Context, from string, payload protocol.SpawnPayload) {
	result := m.spawn(ctx, payload)
	m.reply(from, protocol.TypeSpawnResult, result)
}

func (m *Manager) spawn(ctx context.Context, payload protocol.SpawnPayload) protocol.SpawnResultPayload {
	path, args, err := m.resolve(payload.CLI)
	if err != nil {
		m.clearSpawningFor(payload.Name)
		return protocol.SpawnResultPayload{Success: false, Error: fmt.Sprintf("resolve %s: %v", payload.CLI, err)}
	}

	childCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(childCtx, path, args...)
	if payload.Cwd != "" {
		cmd.Dir = payload.Cwd
	}
	env := cmd.Environ()
	if payload.Task != "" {
		env = append(env, "RELAY_SPAWN_TASK="+payload.Task)
	}
	if payload.Model != "" {
		env = append(env, "RELAY_SPAWN_MODEL="+payload.Model)
	}
	cmd.Env = env

	if err := cmd.Start(); err != nil {
		cancel()
		m.clearSpawningFor(payload.Name)
		return protocol.SpawnResultPayload{Success: false, Error: fmt.Sprintf("start %s: %v", path, err)}
	}

	m.mu.Lock()
	m.children[payload.Name] = &child{cmd: cmd, stop: cancel}
	m.mu.Unlock()

	go m.reap(payload.Name, cmd)

	return protocol.SpawnResultPayload{Success: true, PID: cmd.Process.Pid}
}

// reap waits for the child to exit and drops it from the tracking table so
// a later RELEASE for the same name is a harmless no-op instead of
// double-killing a pid the OS has already reused.
func (m *Manager) reap(name string, cmd *exec.Cmd) {
	_ = cmd.Wait()
	m.mu.Lock()
	if c, ok := m.children[name]; ok && c.cmd == cmd {
		delete(m.children, name)
	}
	m.mu.Unlock()
}

// HandleSpawnResult is unused on this side of the boundary — Manager is the
// component that produces SPAWN_RESULT, not one that consumes a peer's.
// Present only to satisfy router.SpawnHandler.
func (m *Manager) HandleSpawnResult(context.Context, string, protocol.SpawnResultPayload) {}

// HandleRelease terminates the named child, if still running, and replies
// with RELEASE_RESULT.
func (m *Manager) HandleRelease(ctx context.Context, from string, payload protocol.ReleasePayload) {
	m.mu.Lock()
	c, ok := m.children[payload.Name]
	if ok {
		delete(m.children, payload.Name)
	}
	m.mu.Unlock()

	if !ok {
		m.reply(from, protocol.TypeReleaseResult, protocol.ReleaseResultPayload{
			Success: false,
			Error:   fmt.Sprintf("no spawned process tracked for %s", payload.Name),
		})
		return
	}

	c.stop()
	m.reply(from, protocol.TypeReleaseResult, protocol.ReleaseResultPayload{Success: true})
}

// HandleReleaseResult is unused for the same reason as HandleSpawnResult.
func (m *Manager) HandleReleaseResult(context.Context, string, protocol.ReleaseResultPayload) {}

func (m *Manager) clearSpawningFor(name string) {
	if m.clearSpawning != nil {
		m.clearSpawning(name)
	}
}

func (m *Manager) reply(to string, typ protocol.Type, payload any) {
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		m.log.Warn("spawn: build reply envelope", zap.Error(err))
		return
	}
	env.To = to
	if err := m.sender.Send(to, env); err != nil {
		m.log.Warn("spawn: deliver reply", zap.String("to", to), zap.Error(err))
	}
}
