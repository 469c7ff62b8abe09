package wnpchat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ============================================================================
// Wire format
// ============================================================================

// Envelope is the wire format for every socket event, both directions.
type Envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
}

// Command is a client-to-server event.
type Command struct {
	Event     string      `json:"event"`
	Payload   interface{} `json:"payload,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}

// Ack is the server's reply to a request-response command.
type Ack struct {
	RequestID string          `json:"requestId"`
	OK        bool            `json:"ok"`
	Error     string          `json:"error,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReactionUpdate replaces the full reaction list of one message.
type ReactionUpdate struct {
	MessageID      string          `json:"messageId"`
	ConversationID string          `json:"conversationId"`
	ChannelID      string          `json:"channelId,omitempty"`
	Reactions      []ReactionGroup `json:"reactions"`
}

// SocketState is the connection lifecycle state.
type SocketState string

const (
	SocketDisconnected SocketState = "disconnected"
	SocketConnecting   SocketState = "connecting"
	SocketConnected    SocketState = "connected"
	SocketRetrying     SocketState = "retrying"
)

const (
	heartbeatInterval = 30 * time.Second
	connectRetryDelay = 5 * time.Second
	ackTimeout        = 10 * time.Second
)

// ============================================================================
// Event dispatcher
// ============================================================================

// EventHandler is the generic socket event callback.
type EventHandler func(event string, payload json.RawMessage)

type socketDispatcher struct {
	mu                 sync.RWMutex
	generic            map[string][]EventHandler
	onNewDirect        []func(Message)
	onNewChannel       []func(Message)
	onReactionUpdated  []func(ReactionUpdate)
	onUnreadCounts     []func(UnreadCounts)
	onPresence         []func(Presence)
	onAttachmentStatus []func(AttachmentStatusUpdate)
	onConnected        []func()
	onDisconnected     []func(reason string)
	onForcedLogout     []func(reason string)
}

func newSocketDispatcher() *socketDispatcher {
	return &socketDispatcher{generic: make(map[string][]EventHandler)}
}

func (d *socketDispatcher) dispatch(env Envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	switch env.Event {
	case "new_direct_message":
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onNewDirect {
				go h(m)
			}
		}
	case "new_channel_message":
		var m Message
		if json.Unmarshal(env.Payload, &m) == nil {
			for _, h := range d.onNewChannel {
				go h(m)
			}
		}
	case "message_reaction_updated":
		var u ReactionUpdate
		if json.Unmarshal(env.Payload, &u) == nil {
			for _, h := range d.onReactionUpdated {
				go h(u)
			}
		}
	case "unread_counts_update":
		var u UnreadCounts
		if json.Unmarshal(env.Payload, &u) == nil {
			for _, h := range d.onUnreadCounts {
				go h(u)
			}
		}
	case "presence_update", "user_online", "user_offline", "status_changed":
		var p Presence
		if json.Unmarshal(env.Payload, &p) == nil {
			// user_online / user_offline may omit the status field.
			if p.Status == "" {
				if env.Event == "user_online" {
					p.Status = StatusOnline
				} else if env.Event == "user_offline" {
					p.Status = StatusOffline
				}
			}
			for _, h := range d.onPresence {
				go h(p)
			}
		}
	case "attachment_status_update", "attachment_initial_status", "attachment_processing_complete":
		var u AttachmentStatusUpdate
		if json.Unmarshal(env.Payload, &u) == nil {
			if env.Event == "attachment_processing_complete" && u.Status == "" {
				u.Status = AttachmentReady
			}
			for _, h := range d.onAttachmentStatus {
				go h(u)
			}
		}
	}

	for _, h := range d.generic[env.Event] {
		handler := h // capture
		go handler(env.Event, env.Payload)
	}
}

func (d *socketDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h()
	}
}

func (d *socketDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

func (d *socketDispatcher) emitForcedLogout(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onForcedLogout...)
	d.mu.RUnlock()
	for _, h := range handlers {
		go h(reason)
	}
}

// ============================================================================
// Socket
// ============================================================================

// Socket is the singleton WebSocket connection manager. Its lifecycle is tied
// to the auth session: an expired or missing token short-circuits every
// (re)connect into a forced logout, and auth-class server errors tear the
// session down rather than retry. Any other connection failure is retried
// exactly once after a fixed delay, and only if an unexpired token is still
// held at retry time.
type Socket struct {
	client     *Client
	dispatcher *socketDispatcher

	mu               sync.Mutex
	conn             *websocket.Conn
	state            SocketState
	intentionalClose bool
	retried          bool
	cancelFn         context.CancelFunc

	pendingMu   sync.Mutex
	pendingAcks map[string]chan Ack

	retryDelay time.Duration
}

func newSocket(c *Client) *Socket {
	return &Socket{
		client:      c,
		dispatcher:  newSocketDispatcher(),
		state:       SocketDisconnected,
		pendingAcks: make(map[string]chan Ack),
		retryDelay:  connectRetryDelay,
	}
}

// OnNewDirectMessage registers a handler for pushed direct messages.
func (s *Socket) OnNewDirectMessage(h func(Message)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onNewDirect = append(s.dispatcher.onNewDirect, h)
	s.dispatcher.mu.Unlock()
}

// OnNewChannelMessage registers a handler for pushed channel messages.
func (s *Socket) OnNewChannelMessage(h func(Message)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onNewChannel = append(s.dispatcher.onNewChannel, h)
	s.dispatcher.mu.Unlock()
}

// OnReactionUpdated registers a handler for reaction list replacements.
func (s *Socket) OnReactionUpdated(h func(ReactionUpdate)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onReactionUpdated = append(s.dispatcher.onReactionUpdated, h)
	s.dispatcher.mu.Unlock()
}

// OnUnreadCounts registers a handler for wholesale unread-count updates.
func (s *Socket) OnUnreadCounts(h func(UnreadCounts)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onUnreadCounts = append(s.dispatcher.onUnreadCounts, h)
	s.dispatcher.mu.Unlock()
}

// OnPresence registers a handler for every presence-bearing push.
func (s *Socket) OnPresence(h func(Presence)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onPresence = append(s.dispatcher.onPresence, h)
	s.dispatcher.mu.Unlock()
}

// OnAttachmentStatus registers a handler for attachment processing pushes.
func (s *Socket) OnAttachmentStatus(h func(AttachmentStatusUpdate)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onAttachmentStatus = append(s.dispatcher.onAttachmentStatus, h)
	s.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event.
func (s *Socket) OnConnected(h func()) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onConnected = append(s.dispatcher.onConnected, h)
	s.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (s *Socket) OnDisconnected(h func(reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onDisconnected = append(s.dispatcher.onDisconnected, h)
	s.dispatcher.mu.Unlock()
}

// OnForcedLogout registers a handler for auth-failure teardown. The UI layer
// redirects to login from here.
func (s *Socket) OnForcedLogout(h func(reason string)) {
	s.dispatcher.mu.Lock()
	s.dispatcher.onForcedLogout = append(s.dispatcher.onForcedLogout, h)
	s.dispatcher.mu.Unlock()
}

// On registers a generic event handler.
func (s *Socket) On(event string, h EventHandler) {
	s.dispatcher.mu.Lock()
	s.dispatcher.generic[event] = append(s.dispatcher.generic[event], h)
	s.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (s *Socket) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the socket is live.
func (s *Socket) Connected() bool { return s.State() == SocketConnected }

// Connect establishes the connection using the current access token. At most
// one live connection exists per client.
func (s *Socket) Connect(ctx context.Context) error {
	return s.connect(ctx, true)
}

func (s *Socket) connect(ctx context.Context, allowRetry bool) error {
	s.mu.Lock()
	if s.state == SocketConnected || s.state == SocketConnecting {
		s.mu.Unlock()
		return nil
	}
	s.state = SocketConnecting
	s.intentionalClose = false
	s.mu.Unlock()

	token := s.client.session.AccessToken()
	if token == "" || IsTokenExpired(token) {
		s.setState(SocketDisconnected)
		s.forceLogout("token expired")
		return newError(KindUnauthorized, "access token missing or expired")
	}

	wsURL := strings.Replace(s.client.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + token

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		s.setState(SocketDisconnected)
		return s.handleConnectFailure(ctx, fmt.Errorf("websocket dial: %w", err), allowRetry)
	}
	conn.SetReadLimit(1 << 20)

	// Authenticate the presence session before anything else flows.
	authCmd, _ := json.Marshal(Command{Event: "authenticate_presence", Payload: map[string]string{"token": token}})
	if err := conn.Write(ctx, websocket.MessageText, authCmd); err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(SocketDisconnected)
		return s.handleConnectFailure(ctx, fmt.Errorf("write auth: %w", err), allowRetry)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(SocketDisconnected)
		return s.handleConnectFailure(ctx, fmt.Errorf("read auth reply: %w", err), allowRetry)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Event != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		s.setState(SocketDisconnected)
		if env.Event == "error" {
			var ep struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(env.Payload, &ep)
			return s.handleConnectFailure(ctx, newError(KindSocket, ep.Message), allowRetry)
		}
		return s.handleConnectFailure(ctx, fmt.Errorf("expected 'authenticated', got '%s'", env.Event), allowRetry)
	}

	connCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.conn = conn
	s.state = SocketConnected
	s.retried = false
	s.cancelFn = cancel
	s.mu.Unlock()

	s.client.logger.Info("socket connected")
	s.dispatcher.emitConnected()

	go s.readLoop(connCtx, conn)
	go s.heartbeatLoop(connCtx)
	return nil
}

// handleConnectFailure applies the failure policy: auth-class errors force a
// logout with no retry; anything else gets one retry after a fixed delay,
// gated on a then-unexpired token.
func (s *Socket) handleConnectFailure(ctx context.Context, err error, allowRetry bool) error {
	if IsAuthError(err) {
		s.client.logger.Warn("socket auth failure, logging out", zap.Error(err))
		s.forceLogout(err.Error())
		return err
	}

	s.mu.Lock()
	shouldRetry := allowRetry && !s.retried
	if shouldRetry {
		s.retried = true
		s.state = SocketRetrying
	}
	s.mu.Unlock()

	if shouldRetry {
		s.client.logger.Warn("socket connect failed, retrying once",
			zap.Error(err), zap.Duration("delay", s.retryDelay))
		go func() {
			time.Sleep(s.retryDelay)
			s.setState(SocketDisconnected)
			token := s.client.session.AccessToken()
			if token == "" || IsTokenExpired(token) {
				s.forceLogout("token expired before retry")
				return
			}
			if rerr := s.connect(context.WithoutCancel(ctx), false); rerr != nil {
				s.client.logger.Error("socket retry failed", zap.Error(rerr))
			}
		}()
	}
	return err
}

// Disconnect gracefully closes the connection.
func (s *Socket) Disconnect() error {
	s.mu.Lock()
	s.intentionalClose = true
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
	conn := s.conn
	s.conn = nil
	s.state = SocketDisconnected
	s.mu.Unlock()

	s.clearPendingAcks()

	if conn != nil {
		err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
		s.dispatcher.emitDisconnected("client disconnect")
		return err
	}
	return nil
}

// Reconnect tears down any existing connection and dials again with a freshly
// read token.
func (s *Socket) Reconnect(ctx context.Context) error {
	_ = s.Disconnect()
	s.mu.Lock()
	s.retried = false
	s.mu.Unlock()
	return s.Connect(ctx)
}

func (s *Socket) setState(state SocketState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// forceLogout clears the persisted session and cookies. No retry follows.
func (s *Socket) forceLogout(reason string) {
	s.client.logger.Warn("forced logout", zap.String("reason", reason))
	s.client.session.Clear()
	s.dispatcher.emitForcedLogout(reason)
}

// ============================================================================
// Emits
// ============================================================================

// Emit sends a fire-and-forget command.
func (s *Socket) Emit(ctx context.Context, event string, payload interface{}) error {
	return s.write(ctx, Command{Event: event, Payload: payload})
}

// EmitWithAck sends a command and waits for the server's ack.
func (s *Socket) EmitWithAck(ctx context.Context, event string, payload interface{}) (*Ack, error) {
	requestID := uuid.NewString()

	ch := make(chan Ack, 1)
	s.pendingMu.Lock()
	s.pendingAcks[requestID] = ch
	s.pendingMu.Unlock()

	err := s.write(ctx, Command{Event: event, Payload: payload, RequestID: requestID})
	if err != nil {
		s.dropPendingAck(requestID)
		return nil, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return nil, newError(KindSocket, "connection closed while waiting for ack")
		}
		if !ack.OK {
			return &ack, newError(KindSocket, ack.Error)
		}
		return &ack, nil
	case <-time.After(ackTimeout):
		s.dropPendingAck(requestID)
		return nil, newError(KindSocket, "ack timeout for "+event)
	case <-ctx.Done():
		s.dropPendingAck(requestID)
		return nil, ctx.Err()
	}
}

func (s *Socket) write(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return newError(KindSocket, "not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Socket) dropPendingAck(requestID string) {
	s.pendingMu.Lock()
	delete(s.pendingAcks, requestID)
	s.pendingMu.Unlock()
}

func (s *Socket) clearPendingAcks() {
	s.pendingMu.Lock()
	for k, ch := range s.pendingAcks {
		close(ch)
		delete(s.pendingAcks, k)
	}
	s.pendingMu.Unlock()
}

// ── Command helpers ─────────────────────────────────────────

// ChangeStatus round-trips the user's own status through the server. Local
// presence state updates only on ack; see PresenceStore.SetOwnStatus.
func (s *Socket) ChangeStatus(ctx context.Context, status Status) (*Ack, error) {
	return s.EmitWithAck(ctx, "change_status", map[string]string{"status": string(status)})
}

func (s *Socket) JoinChannel(ctx context.Context, channelID string) error {
	return s.Emit(ctx, "join_channel", map[string]string{"channelId": channelID})
}

func (s *Socket) LeaveChannel(ctx context.Context, channelID string) error {
	return s.Emit(ctx, "leave_channel", map[string]string{"channelId": channelID})
}

func (s *Socket) JoinDirectMessage(ctx context.Context, conversationID string) error {
	return s.Emit(ctx, "join_direct_message", map[string]string{"conversationId": conversationID})
}

func (s *Socket) LeaveDirectMessage(ctx context.Context, conversationID string) error {
	return s.Emit(ctx, "leave_direct_message", map[string]string{"conversationId": conversationID})
}

func (s *Socket) SendMessage(ctx context.Context, conversationID, content string, opts *SendOptions) (*Ack, error) {
	payload := sendPayload(content, opts)
	payload["conversationId"] = conversationID
	return s.EmitWithAck(ctx, "send_message", payload)
}

func (s *Socket) SendChannelMessage(ctx context.Context, channelID, content string, opts *SendOptions) (*Ack, error) {
	payload := sendPayload(content, opts)
	payload["channelId"] = channelID
	return s.EmitWithAck(ctx, "send_channel_message", payload)
}

func (s *Socket) AddReaction(ctx context.Context, messageID, emoji string) error {
	return s.Emit(ctx, "add_reaction", map[string]string{"messageId": messageID, "emoji": emoji})
}

func (s *Socket) RemoveReaction(ctx context.Context, messageID, emoji string) error {
	return s.Emit(ctx, "remove_reaction", map[string]string{"messageId": messageID, "emoji": emoji})
}

func (s *Socket) MarkDMRead(ctx context.Context, conversationID string) (*Ack, error) {
	return s.EmitWithAck(ctx, "mark_dm_read", map[string]string{"conversationId": conversationID})
}

func (s *Socket) MarkChannelRead(ctx context.Context, channelID string) (*Ack, error) {
	return s.EmitWithAck(ctx, "mark_channel_read", map[string]string{"channelId": channelID})
}

func (s *Socket) GetPresence(ctx context.Context, userIDs []string) error {
	return s.Emit(ctx, "get_presence", map[string][]string{"userIds": userIDs})
}

func (s *Socket) GetOnlineUsers(ctx context.Context) error {
	return s.Emit(ctx, "get_online_users", nil)
}

func (s *Socket) SubscribeAttachmentUpdates(ctx context.Context, attachmentIDs []string) error {
	return s.Emit(ctx, "subscribe_attachment_updates", map[string][]string{"attachmentIds": attachmentIDs})
}

func (s *Socket) UnsubscribeAttachmentUpdates(ctx context.Context, attachmentIDs []string) error {
	return s.Emit(ctx, "unsubscribe_attachment_updates", map[string][]string{"attachmentIds": attachmentIDs})
}

// ============================================================================
// Loops
// ============================================================================

// readLoop serves exactly one connection. The teardown branch checks that
// the socket still owns this connection; after a reconnect the stale loop's
// read error must not tear down the replacement.
func (s *Socket) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.mu.Lock()
			if s.conn != conn {
				s.mu.Unlock()
				return
			}
			intentional := s.intentionalClose
			s.conn = nil
			s.state = SocketDisconnected
			s.mu.Unlock()

			s.clearPendingAcks()
			if intentional {
				return
			}

			s.client.logger.Warn("socket read failed", zap.Error(err))
			s.dispatcher.emitDisconnected(err.Error())

			if IsAuthError(err) {
				s.forceLogout(err.Error())
				return
			}
			_ = s.handleConnectFailure(ctx, err, true)
			return
		}

		var env Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		if env.Event == "ack" {
			var ack Ack
			if json.Unmarshal(env.Payload, &ack) == nil && ack.RequestID != "" {
				s.pendingMu.Lock()
				ch, ok := s.pendingAcks[ack.RequestID]
				if ok {
					delete(s.pendingAcks, ack.RequestID)
				}
				s.pendingMu.Unlock()
				if ok {
					ch <- ack
				}
			}
			continue
		}

		s.dispatcher.dispatch(env)
	}
}

// heartbeatLoop keeps the server-side presence session alive. A failed
// heartbeat is logged, not retried mid-interval; the next tick tries again.
func (s *Socket) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.State() != SocketConnected {
				return
			}
			if err := s.Emit(ctx, "heartbeat", map[string]int64{"ts": time.Now().UnixMilli()}); err != nil {
				s.client.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}
