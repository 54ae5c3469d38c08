package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/registry"
)

// agentCeiling enforces the RELAY_MAX_AGENTS knob: a hard cap on distinct
// agent names the daemon will register. It wraps the
// durable registry rather than the Router, since the registry is the
// one place every agent HELLO passes through. User connections are not
// upserted into the registry, so they are not counted against the ceiling.
type agentCeiling struct {
	max int
	log *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

func newAgentCeiling(max int, log *zap.Logger) *agentCeiling {
	return &agentCeiling{max: max, log: log, seen: make(map[string]struct{})}
}

// wrapRegistry returns reg unchanged when no ceiling is configured.
func (a *agentCeiling) wrapRegistry(reg registry.Registry) registry.Registry {
	if a.max <= 0 {
		return reg
	}
	return &ceilingRegistry{inner: reg, ceiling: a}
}

func (a *agentCeiling) admit(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.seen[name]; ok {
		return nil
	}
	if len(a.seen) >= a.max {
		return fmt.Errorf("agent ceiling of %d reached, rejecting new name %q", a.max, name)
	}
	a.seen[name] = struct{}{}
	return nil
}

type ceilingRegistry struct {
	inner   registry.Registry
	ceiling *agentCeiling
}

func (c *ceilingRegistry) Upsert(ctx context.Context, name string, meta registry.Metadata, seenAt time.Time) error {
	if err := c.ceiling.admit(name); err != nil {
		c.ceiling.log.Warn("registry: rejecting HELLO over agent ceiling", zap.String("agent", name), zap.Error(err))
		return err
	}
	return c.inner.Upsert(ctx, name, meta, seenAt)
}

func (c *ceilingRegistry) IncrementMessageCount(ctx context.Context, name string) error {
	return c.inner.IncrementMessageCount(ctx, name)
}

func (c *ceilingRegistry) Get(ctx context.Context, name string) (*registry.Agent, error) {
	return c.inner.Get(ctx, name)
}

func (c *ceilingRegistry) Known(ctx context.Context, name string) (bool, error) {
	return c.inner.Known(ctx, name)
}
