package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agent-relay/relayd/internal/protocol"
)

func lower(s string) string { return strings.ToLower(s) }

// HandleChannelJoin adds member (default: the sender) to channel, creating
// the channel if absent. Joins performed in admin mode (payload.member
// supplied by a caller other than the member) skip the join notification.
func (r *Router) HandleChannelJoin(ctx context.Context, sender, channel, member string) {
	if member == "" {
		member = sender
	}
	adminMode := member != sender

	r.mu.Lock()
	cl := lower(channel)
	cs, ok := r.channels[cl]
	if !ok {
		cs = &channelState{original: channel, members: make(map[string]string)}
		r.channels[cl] = cs
	}
	cs.members[lower(member)] = member
	if r.memberChannels[lower(member)] == nil {
		r.memberChannels[lower(member)] = make(map[string]struct{})
	}
	r.memberChannels[lower(member)][cl] = struct{}{}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.JoinChannel(ctx, cs.original, member); err != nil {
			r.observer.OnError("router.channel_join", err)
		}
	}

	if !adminMode {
		r.notifyChannel(cs.original, fmt.Sprintf("%s joined %s", member, cs.original), member)
	}
}

// HandleChannelLeave removes member (default: the sender) from channel.
// Empty channels are deleted. notify follows the same admin-mode rule as
// join.
func (r *Router) HandleChannelLeave(ctx context.Context, sender, channel, member string) {
	if member == "" {
		member = sender
	}
	adminMode := member != sender

	r.mu.Lock()
	cl := lower(channel)
	cs, ok := r.channels[cl]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(cs.members, lower(member))
	if set, ok := r.memberChannels[lower(member)]; ok {
		delete(set, cl)
		if len(set) == 0 {
			delete(r.memberChannels, lower(member))
		}
	}
	empty := len(cs.members) == 0
	if empty {
		delete(r.channels, cl)
	}
	original := cs.original
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.LeaveChannel(ctx, original, member); err != nil {
			r.observer.OnError("router.channel_leave", err)
		}
	}

	if !adminMode {
		r.notifyChannel(original, fmt.Sprintf("%s left %s", member, original), member)
	}
}

// HandleChannelMessage fans payload out to every other current member of
// channel. sender must be a current member, matched case-insensitively.
// Returns false if sender is not a member.
func (r *Router) HandleChannelMessage(ctx context.Context, sender, channel string, payload protocol.ChannelMessagePayload) bool {
	r.mu.RLock()
	cs, ok := r.channels[lower(channel)]
	var recipients []string
	if ok {
		if _, isMember := cs.members[lower(sender)]; isMember {
			for _, m := range cs.members {
				if lower(m) != lower(sender) {
					recipients = append(recipients, m)
				}
			}
		} else {
			ok = false
		}
	}
	r.mu.RUnlock()
	if !ok {
		return false
	}

	data := map[string]any{protocol.DataIsChannelMsg: true, protocol.DataIsBroadcast: true}
	now := time.Now()

	for _, recipient := range recipients {
		env, err := protocol.NewEnvelope(protocol.TypeChannelMsg, protocol.ChannelMessagePayload{
			Channel: cs.original, Body: payload.Body, Thread: payload.Thread, Mentions: payload.Mentions,
		})
		if err != nil {
			r.observer.OnError("router.channel_message", err)
			continue
		}
		env.From = sender
		env.To = cs.original
		r.deliverTo(recipient, env, false)
	}

	if r.store != nil {
		msgID := protocol.NewID()
		err := r.store.SaveMessage(ctx, PersistedMessage{
			ID: msgID, From: sender, To: cs.original, Kind: "channel_message", Body: payload.Body,
			Data: data, Thread: payload.Thread, IsChannelMessage: true, IsBroadcast: true, CreatedAt: now,
		})
		if err != nil {
			r.observer.OnError("router.channel_message.persist", err)
		}
	}
	return true
}

// MembershipsFor returns channel records currently held for name in memory.
func (r *Router) MembershipsFor(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.memberChannels[lower(name)]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for cl := range set {
		if cs, ok := r.channels[cl]; ok {
			out = append(out, cs.original)
		}
	}
	return out
}

// autoRejoinChannels queries persisted memberships for name and silently
// re-adds them to the in-memory indexes on reconnect, without
// notifications.
func (r *Router) autoRejoinChannels(ctx context.Context, name string) {
	if r.store == nil || name == "" {
		return
	}
	channels, err := r.store.MembershipsFor(ctx, name)
	if err != nil {
		r.observer.OnError("router.auto_rejoin", err)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, channel := range channels {
		cl := lower(channel)
		cs, ok := r.channels[cl]
		if !ok {
			cs = &channelState{original: channel, members: make(map[string]string)}
			r.channels[cl] = cs
		}
		cs.members[lower(name)] = name
		if r.memberChannels[lower(name)] == nil {
			r.memberChannels[lower(name)] = make(map[string]struct{})
		}
		r.memberChannels[lower(name)][cl] = struct{}{}
	}
}

// removeFromAllChannelsLocked removes name from every channel it belongs to
// and returns the (original-cased) names of channels it was removed from,
// for the caller to send leave notifications outside the lock. Must be
// called with r.mu held.
func (r *Router) removeFromAllChannelsLocked(name string) []string {
	set, ok := r.memberChannels[lower(name)]
	if !ok {
		return nil
	}
	var touched []string
	for cl := range set {
		cs, ok := r.channels[cl]
		if !ok {
			continue
		}
		delete(cs.members, lower(name))
		if len(cs.members) == 0 {
			delete(r.channels, cl)
		}
		touched = append(touched, cs.original)
	}
	delete(r.memberChannels, lower(name))
	return touched
}

// notifyChannel sends a system SEND-equivalent to every current member of
// channel except excludeSender.
func (r *Router) notifyChannel(channel, body, excludeSender string) {
	r.mu.RLock()
	cs, ok := r.channels[lower(channel)]
	var recipients []string
	if ok {
		for _, m := range cs.members {
			if lower(m) != lower(excludeSender) {
				recipients = append(recipients, m)
			}
		}
	}
	r.mu.RUnlock()
	if !ok {
		return
	}

	for _, recipient := range recipients {
		env, err := protocol.NewEnvelope(protocol.TypeChannelMsg, protocol.ChannelMessagePayload{Channel: channel, Body: body})
		if err != nil {
			r.log.Warn("router: failed to build channel notification", zap.Error(err))
			continue
		}
		env.From = "_system"
		env.To = channel
		r.deliverTo(recipient, env, false)
	}
}
