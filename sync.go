package wnpchat

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// ============================================================================
// Message cache
// ============================================================================

// ConversationKind distinguishes DM threads from channels in cache keys and
// room join/leave commands.
type ConversationKind string

const (
	ConversationDirect  ConversationKind = "direct"
	ConversationChannel ConversationKind = "channel"
)

type cacheKey struct {
	kind ConversationKind
	id   string
}

// MessageCache is a goroutine-safe cache of per-conversation message pages.
// Consumers invalidate and refetch on change rather than splicing pushed
// messages in, so cached pages always reflect server-side ordering.
type MessageCache struct {
	mu      sync.RWMutex
	pages   map[cacheKey][]Message
	version map[cacheKey]uint64
}

// NewMessageCache creates an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{
		pages:   make(map[cacheKey][]Message),
		version: make(map[cacheKey]uint64),
	}
}

// Get returns the cached page for a conversation, or ok=false after an
// invalidation or before the first Put.
func (m *MessageCache) Get(kind ConversationKind, id string) ([]Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	msgs, ok := m.pages[cacheKey{kind, id}]
	return msgs, ok
}

// Put stores a freshly fetched page.
func (m *MessageCache) Put(kind ConversationKind, id string, msgs []Message) {
	k := cacheKey{kind, id}
	m.mu.Lock()
	m.pages[k] = msgs
	m.version[k]++
	m.mu.Unlock()
}

// Invalidate drops a conversation's page, forcing the next read to refetch.
func (m *MessageCache) Invalidate(kind ConversationKind, id string) {
	k := cacheKey{kind, id}
	m.mu.Lock()
	delete(m.pages, k)
	m.version[k]++
	m.mu.Unlock()
}

// Version increments on every Put or Invalidate for the key. Views use it to
// discard refetch results that raced a newer invalidation.
func (m *MessageCache) Version(kind ConversationKind, id string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version[cacheKey{kind, id}]
}

// ReplaceReactions swaps the full reaction list for one cached message in
// place. Reaction pushes skip the invalidate-and-refetch path.
func (m *MessageCache) ReplaceReactions(kind ConversationKind, id, messageID string, reactions []ReactionGroup) bool {
	k := cacheKey{kind, id}
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.pages[k]
	if !ok {
		return false
	}
	for i := range msgs {
		if msgs[i].ID == messageID {
			msgs[i].Reactions = reactions
			return true
		}
	}
	return false
}

// ============================================================================
// Conversation view
// ============================================================================

// ConversationView binds one open conversation to the socket: it joins the
// conversation's room, refetches on pushed messages, applies reaction pushes
// in place, and marks the conversation read at most once per visit.
type ConversationView struct {
	client *Client
	cache  *MessageCache
	unread *UnreadAggregator

	kind ConversationKind
	id   string

	mu       sync.Mutex
	closed   bool
	onUpdate []func([]Message)
}

// OpenConversation joins the conversation room and subscribes the view to its
// message and reaction events. Close releases both.
func (c *Client) OpenConversation(ctx context.Context, kind ConversationKind, id string, cache *MessageCache, unread *UnreadAggregator) (*ConversationView, error) {
	v := &ConversationView{
		client: c,
		cache:  cache,
		unread: unread,
		kind:   kind,
		id:     id,
	}

	if c.Socket().Connected() {
		var err error
		if kind == ConversationChannel {
			err = c.Socket().JoinChannel(ctx, id)
		} else {
			err = c.Socket().JoinDirectMessage(ctx, id)
		}
		if err != nil {
			return nil, err
		}
	}

	if kind == ConversationChannel {
		c.Socket().OnNewChannelMessage(v.onMessage)
	} else {
		c.Socket().OnNewDirectMessage(v.onMessage)
	}
	c.Socket().OnReactionUpdated(v.onReaction)
	return v, nil
}

// OnMessagesChanged registers a handler invoked with the fresh page after
// every refetch.
func (v *ConversationView) OnMessagesChanged(h func([]Message)) {
	v.mu.Lock()
	v.onUpdate = append(v.onUpdate, h)
	v.mu.Unlock()
}

func (v *ConversationView) matches(conversationID, channelID string) bool {
	if v.kind == ConversationChannel {
		return channelID == v.id
	}
	return conversationID == v.id
}

// onMessage invalidates and refetches instead of splicing the pushed message
// into the cached page; the refetch re-reads server ordering.
func (v *ConversationView) onMessage(msg Message) {
	if !v.matches(msg.ConversationID, msg.ChannelID) {
		return
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	v.cache.Invalidate(v.kind, v.id)
	if _, err := v.Messages(context.Background(), nil); err != nil {
		v.client.logger.Warn("message refetch failed",
			zap.String("conversation", v.id), zap.Error(err))
	}
}

func (v *ConversationView) onReaction(ru ReactionUpdate) {
	if !v.matches(ru.ConversationID, ru.ChannelID) {
		return
	}
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.mu.Unlock()

	if v.cache.ReplaceReactions(v.kind, v.id, ru.MessageID, ru.Reactions) {
		if msgs, ok := v.cache.Get(v.kind, v.id); ok {
			v.notify(msgs)
		}
	}
}

func (v *ConversationView) notify(msgs []Message) {
	v.mu.Lock()
	handlers := append([]func([]Message){}, v.onUpdate...)
	v.mu.Unlock()
	for _, h := range handlers {
		h(msgs)
	}
}

// Messages returns the conversation page, serving from cache when valid and
// fetching over REST otherwise. A fetch that raced a newer invalidation is
// discarded and retried by the next call.
func (v *ConversationView) Messages(ctx context.Context, opts *PaginationOptions) ([]Message, error) {
	if msgs, ok := v.cache.Get(v.kind, v.id); ok {
		return msgs, nil
	}

	before := v.cache.Version(v.kind, v.id)
	var msgs []Message
	var err error
	if v.kind == ConversationChannel {
		msgs, err = v.client.Channels.Messages(ctx, v.id, opts)
	} else {
		msgs, err = v.client.Direct.History(ctx, v.id, opts)
	}
	if err != nil {
		return nil, err
	}
	if v.cache.Version(v.kind, v.id) == before {
		v.cache.Put(v.kind, v.id, msgs)
	}
	v.notify(msgs)
	return msgs, nil
}

// Send delivers a message through the socket when connected, over REST
// otherwise, then invalidates the page so the next read picks up the
// server-assigned record.
func (v *ConversationView) Send(ctx context.Context, content string, opts *SendOptions) error {
	var err error
	if v.client.Socket().Connected() {
		if v.kind == ConversationChannel {
			_, err = v.client.Socket().SendChannelMessage(ctx, v.id, content, opts)
		} else {
			_, err = v.client.Socket().SendMessage(ctx, v.id, content, opts)
		}
	} else {
		if v.kind == ConversationChannel {
			_, err = v.client.Channels.Send(ctx, v.id, content, opts)
		} else {
			_, err = v.client.Direct.Send(ctx, v.id, content, opts)
		}
	}
	if err != nil {
		return err
	}
	v.cache.Invalidate(v.kind, v.id)
	return nil
}

// React toggles a reaction and applies the returned full group list in place.
func (v *ConversationView) React(ctx context.Context, messageID, emoji string, add bool) error {
	var groups []ReactionGroup
	var err error
	if add {
		groups, err = v.client.Messages.AddReaction(ctx, messageID, emoji)
	} else {
		groups, err = v.client.Messages.RemoveReaction(ctx, messageID, emoji)
	}
	if err != nil {
		return err
	}
	v.cache.ReplaceReactions(v.kind, v.id, messageID, groups)
	return nil
}

// MarkRead marks the conversation read through the aggregator's once-per-
// visit guard.
func (v *ConversationView) MarkRead(ctx context.Context) error {
	if v.unread == nil {
		return nil
	}
	if v.kind == ConversationChannel {
		return v.unread.MarkChannelRead(ctx, v.id)
	}
	return v.unread.MarkDirectMessageRead(ctx, v.id)
}

// Close leaves the conversation room, detaches the view from socket pushes
// and re-arms the read guard for the next visit.
func (v *ConversationView) Close(ctx context.Context) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	if v.unread != nil {
		v.unread.RearmReadGuard(v.id)
	}
	if !v.client.Socket().Connected() {
		return nil
	}
	if v.kind == ConversationChannel {
		return v.client.Socket().LeaveChannel(ctx, v.id)
	}
	return v.client.Socket().LeaveDirectMessage(ctx, v.id)
}
