package router

import "time"

// setProcessing marks name as processing messageID with a 30s watchdog.
// Replaces any existing processing state for name.
func (r *Router) setProcessing(name, messageID string) {
	r.mu.Lock()
	if ps, ok := r.processing[name]; ok && ps.timer != nil {
		ps.timer.Stop()
	}
	ps := &processingState{startedAt: time.Now(), messageID: messageID}
	ps.timer = time.AfterFunc(processingTimeout, func() { r.clearProcessing(name) })
	r.processing[name] = ps
	r.mu.Unlock()

	r.observer.OnProcessingStateChanged(name, true)
}

// clearProcessing clears name's processing state, whether due to the agent
// speaking, an explicit clear, or watchdog timeout. A no-op if name has no
// processing state (avoids firing a spurious observer event on every SEND
// from an agent that was never marked processing).
func (r *Router) clearProcessing(name string) {
	r.mu.Lock()
	ps, ok := r.processing[name]
	if ok {
		if ps.timer != nil {
			ps.timer.Stop()
		}
		delete(r.processing, name)
	}
	r.mu.Unlock()

	if ok {
		r.observer.OnProcessingStateChanged(name, false)
	}
}

// IsProcessing reports whether name currently has an outstanding processing
// state, for the CLI/spawn manager's queueing decisions.
func (r *Router) IsProcessing(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.processing[name]
	return ok
}
