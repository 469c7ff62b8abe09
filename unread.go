package wnpchat

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// readState tracks the at-most-once mark-as-read per conversation visit.
type readState int

const (
	readNotSent readState = iota
	readSent
)

// UnreadAggregator merges REST-fetched unread counts with push-delivered maps
// per conversation. Both sources are swapped wholesale, never merged
// incrementally. Getters prefer the REST cache and fall back per key to the
// pushed map when the REST cache lacks the key; the total always reads one
// source, so switching sources never double-counts.
type UnreadAggregator struct {
	client *Client

	mu        sync.RWMutex
	rest      UnreadCounts
	restValid bool
	pushed    UnreadCounts
	guards    map[string]readState
	handlers  []func(total int)
}

// NewUnreadAggregator builds an aggregator and wires it to socket pushes.
func NewUnreadAggregator(c *Client) *UnreadAggregator {
	agg := &UnreadAggregator{
		client: c,
		guards: make(map[string]readState),
	}
	c.Socket().OnUnreadCounts(agg.applyPush)
	return agg
}

// OnTotalChanged registers a handler for total-count transitions, feeding the
// title/badge poller.
func (a *UnreadAggregator) OnTotalChanged(h func(total int)) {
	a.mu.Lock()
	a.handlers = append(a.handlers, h)
	a.mu.Unlock()
}

func (a *UnreadAggregator) applyPush(counts UnreadCounts) {
	a.mu.Lock()
	a.pushed = counts
	handlers := append([]func(int){}, a.handlers...)
	a.mu.Unlock()

	total := a.TotalUnreadCount()
	for _, h := range handlers {
		h(total)
	}
}

// Refresh fetches the REST snapshot: the direct-message unread map plus the
// per-channel counts carried on the channel list.
func (a *UnreadAggregator) Refresh(ctx context.Context) error {
	dm, err := a.client.Direct.Unread(ctx)
	if err != nil {
		return err
	}
	channels, err := a.client.Channels.List(ctx)
	if err != nil {
		return err
	}

	counts := UnreadCounts{
		DirectMessages: dm,
		Channels:       make(map[string]int, len(channels)),
	}
	for _, ch := range channels {
		counts.Channels[ch.ID] = ch.UnreadCount
	}

	a.mu.Lock()
	a.rest = counts
	a.restValid = true
	handlers := append([]func(int){}, a.handlers...)
	a.mu.Unlock()

	total := a.TotalUnreadCount()
	for _, h := range handlers {
		h(total)
	}
	return nil
}

// Invalidate drops the REST cache so the next Refresh refetches. Getters fall
// back to the pushed map in the meantime.
func (a *UnreadAggregator) Invalidate() {
	a.mu.Lock()
	a.restValid = false
	a.mu.Unlock()
}

// DirectMessageUnreadCount returns the unread count for one DM conversation.
func (a *UnreadAggregator) DirectMessageUnreadCount(conversationID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.restValid {
		if n, ok := a.rest.DirectMessages[conversationID]; ok {
			return n
		}
	}
	return a.pushed.DirectMessages[conversationID]
}

// ChannelUnreadCount returns the unread count for one channel.
func (a *UnreadAggregator) ChannelUnreadCount(channelID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.restValid {
		if n, ok := a.rest.Channels[channelID]; ok {
			return n
		}
	}
	return a.pushed.Channels[channelID]
}

// TotalUnreadCount sums the currently authoritative source.
func (a *UnreadAggregator) TotalUnreadCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.restValid {
		return a.rest.Total()
	}
	return a.pushed.Total()
}

// MarkChannelRead marks a channel read at most once per visit. The write goes
// through the socket ack when connected, REST otherwise; success invalidates
// the REST cache instead of decrementing locally, so messages that arrived
// concurrently are never miscounted.
func (a *UnreadAggregator) MarkChannelRead(ctx context.Context, channelID string) error {
	return a.markRead(ctx, channelID, true)
}

// MarkDirectMessageRead is MarkChannelRead for a DM conversation.
func (a *UnreadAggregator) MarkDirectMessageRead(ctx context.Context, conversationID string) error {
	return a.markRead(ctx, conversationID, false)
}

func (a *UnreadAggregator) markRead(ctx context.Context, id string, channel bool) error {
	a.mu.Lock()
	if a.guards[id] == readSent {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	var err error
	if a.client.Socket().Connected() {
		if channel {
			_, err = a.client.Socket().MarkChannelRead(ctx, id)
		} else {
			_, err = a.client.Socket().MarkDMRead(ctx, id)
		}
	} else {
		if channel {
			err = a.client.Channels.MarkRead(ctx, id)
		} else {
			err = a.client.Direct.MarkRead(ctx, id)
		}
	}
	if err != nil {
		a.client.logger.Warn("mark read failed", zap.String("conversation", id), zap.Error(err))
		return err
	}

	a.mu.Lock()
	a.guards[id] = readSent
	a.mu.Unlock()
	a.Invalidate()
	return nil
}

// RearmReadGuard re-enables mark-as-read for a conversation. Called on
// conversation change or view teardown.
func (a *UnreadAggregator) RearmReadGuard(conversationID string) {
	a.mu.Lock()
	delete(a.guards, conversationID)
	a.mu.Unlock()
}
