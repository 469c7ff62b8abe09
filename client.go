// Package wnpchat is the Go client SDK for the WNP chat platform.
//
// It covers authentication, channels, direct messages, presence, unread
// counts, attachments, reactions, and the realtime socket, with sub-module
// access:
//
//	client := wnpchat.NewClient(wnpchat.WithBaseURL("https://chat.example.com"))
//
//	auth, _ := client.Auth.Login(ctx, &wnpchat.LoginOptions{Email: "a@b.c", Password: "..."})
//	client.Channels.Send(ctx, "chan-1", "Hello!", nil)
//	client.Presence.Bulk(ctx, []string{"user-1", "user-2"})
//
//	sock := client.Socket()
//	sock.OnNewChannelMessage(func(m wnpchat.Message) { ... })
//	sock.Connect(ctx)
package wnpchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://chat.wnp.app"
	DefaultTimeout = 30 * time.Second

	apiPrefix = "/api"
)

// ============================================================================
// Client
// ============================================================================

// Client is the root API client. One Client owns one session and at most one
// live socket connection.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
	session    *SessionManager
	socket     *Socket

	Auth        *AuthClient
	Channels    *ChannelsClient
	Direct      *DirectClient
	Messages    *MessagesClient
	Attachments *AttachmentsClient
	Presence    *PresenceClient
	Tenants     *TenantsClient
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithLogger attaches a structured logger. Without it the SDK is silent.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithSessionStore selects where the auth session persists. Defaults to an
// in-memory store.
func WithSessionStore(store SessionStore) ClientOption {
	return func(c *Client) { c.session = NewSessionManager(store) }
}

// NewClient creates a new chat client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	if c.session == nil {
		c.session = NewSessionManager(NewMemorySessionStore())
	}

	c.Auth = &AuthClient{c: c}
	c.Channels = &ChannelsClient{c: c}
	c.Direct = &DirectClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Attachments = &AttachmentsClient{c: c}
	c.Presence = &PresenceClient{c: c}
	c.Tenants = &TenantsClient{c: c}
	c.socket = newSocket(c)
	return c
}

// Session returns the client's session manager.
func (c *Client) Session() *SessionManager { return c.session }

// Socket returns the client's singleton socket connection manager.
func (c *Client) Socket() *Socket { return c.socket }

// Logger returns the attached logger.
func (c *Client) Logger() *zap.Logger { return c.logger }

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

// do performs an API request and decodes the response envelope. Transport
// failures with no response map to the network kind; HTTP errors classify by
// structured body first, status second.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.session.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(err)
	}

	var result Result
	if len(data) > 0 {
		if err := json.Unmarshal(data, &result); err != nil {
			if resp.StatusCode >= 400 {
				return nil, classify(nil, resp.StatusCode)
			}
			return nil, wrapError(KindInternal, "failed to unmarshal response", err)
		}
	}

	if resp.StatusCode >= 400 {
		return &result, classify(result.Error, resp.StatusCode)
	}
	return &result, nil
}

func decodeData[T any](res *Result) (*T, error) {
	var v T
	if err := res.Decode(&v); err != nil {
		return nil, wrapError(KindInternal, "failed to decode response data", err)
	}
	return &v, nil
}

func paginationQuery(opts *PaginationOptions) map[string]string {
	if opts == nil {
		return nil
	}
	q := map[string]string{}
	if opts.Limit > 0 {
		q["limit"] = fmt.Sprintf("%d", opts.Limit)
	}
	if opts.Before != "" {
		q["before"] = opts.Before
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

func sendPayload(content string, opts *SendOptions) map[string]any {
	payload := map[string]any{"content": content, "type": "text"}
	if opts != nil {
		if opts.Type != "" {
			payload["type"] = opts.Type
		}
		if opts.ParentID != "" {
			payload["parentId"] = opts.ParentID
		}
		if len(opts.AttachmentIDs) > 0 {
			payload["attachmentIds"] = opts.AttachmentIDs
		}
		if opts.Metadata != nil {
			payload["metadata"] = opts.Metadata
		}
	}
	return payload
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles authentication and server-side sessions. Login,
// register, refresh, and SSO init establish the local session only after the
// server succeeds; there is no optimistic path here.
type AuthClient struct{ c *Client }

func (a *AuthClient) Login(ctx context.Context, opts *LoginOptions) (*AuthData, error) {
	res, err := a.c.do(ctx, "POST", "/auth/login", opts, nil)
	if err != nil {
		return nil, err
	}
	return a.establish(res)
}

func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*AuthData, error) {
	res, err := a.c.do(ctx, "POST", "/auth/register", opts, nil)
	if err != nil {
		return nil, err
	}
	return a.establish(res)
}

// Refresh exchanges the stored refresh token for a new token pair.
func (a *AuthClient) Refresh(ctx context.Context) (*AuthData, error) {
	refresh := a.c.session.RefreshToken()
	if refresh == "" {
		return nil, newError(KindUnauthorized, "no refresh token held")
	}
	res, err := a.c.do(ctx, "POST", "/auth/refresh", map[string]string{"refreshToken": refresh}, nil)
	if err != nil {
		return nil, err
	}
	return a.establish(res)
}

func (a *AuthClient) establish(res *Result) (*AuthData, error) {
	auth, err := decodeData[AuthData](res)
	if err != nil {
		return nil, err
	}
	if err := a.c.session.Establish(auth); err != nil {
		return nil, err
	}
	a.c.logger.Info("session established", zap.String("userId", auth.User.ID))
	return auth, nil
}

// Logout invalidates the current server session and clears local state. The
// local session clears even when the server call fails.
func (a *AuthClient) Logout(ctx context.Context) error {
	_, err := a.c.do(ctx, "POST", "/auth/logout", nil, nil)
	a.c.session.Clear()
	return err
}

// LogoutAll invalidates every server session for the user.
func (a *AuthClient) LogoutAll(ctx context.Context) error {
	_, err := a.c.do(ctx, "POST", "/auth/logout-all", nil, nil)
	a.c.session.Clear()
	return err
}

func (a *AuthClient) Me(ctx context.Context) (*User, error) {
	res, err := a.c.do(ctx, "GET", "/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[User](res)
}

func (a *AuthClient) Sessions(ctx context.Context) ([]SessionInfo, error) {
	res, err := a.c.do(ctx, "GET", "/auth/sessions", nil, nil)
	if err != nil {
		return nil, err
	}
	var sessions []SessionInfo
	if err := res.Decode(&sessions); err != nil {
		return nil, wrapError(KindInternal, "failed to decode sessions", err)
	}
	return sessions, nil
}

// ============================================================================
// Channels
// ============================================================================

// ChannelsClient handles channel management and channel messaging.
type ChannelsClient struct{ c *Client }

func (ch *ChannelsClient) List(ctx context.Context) ([]Channel, error) {
	res, err := ch.c.do(ctx, "GET", "/channels", nil, nil)
	if err != nil {
		return nil, err
	}
	var channels []Channel
	if err := res.Decode(&channels); err != nil {
		return nil, wrapError(KindInternal, "failed to decode channels", err)
	}
	return channels, nil
}

func (ch *ChannelsClient) Get(ctx context.Context, channelID string) (*Channel, error) {
	res, err := ch.c.do(ctx, "GET", "/channels/"+channelID, nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Channel](res)
}

func (ch *ChannelsClient) Create(ctx context.Context, opts *CreateChannelOptions) (*Channel, error) {
	res, err := ch.c.do(ctx, "POST", "/channels", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Channel](res)
}

func (ch *ChannelsClient) Messages(ctx context.Context, channelID string, opts *PaginationOptions) ([]Message, error) {
	res, err := ch.c.do(ctx, "GET", "/channels/"+channelID+"/messages", nil, paginationQuery(opts))
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, wrapError(KindInternal, "failed to decode messages", err)
	}
	return msgs, nil
}

// Send posts a message to a channel over REST. The socket path is preferred
// when connected; ConversationView handles that fallback.
func (ch *ChannelsClient) Send(ctx context.Context, channelID, content string, opts *SendOptions) (*Message, error) {
	res, err := ch.c.do(ctx, "POST", "/channels/"+channelID+"/messages", sendPayload(content, opts), nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](res)
}

func (ch *ChannelsClient) Members(ctx context.Context, channelID string) ([]ChannelMember, error) {
	res, err := ch.c.do(ctx, "GET", "/channels/"+channelID+"/members", nil, nil)
	if err != nil {
		return nil, err
	}
	var members []ChannelMember
	if err := res.Decode(&members); err != nil {
		return nil, wrapError(KindInternal, "failed to decode members", err)
	}
	return members, nil
}

func (ch *ChannelsClient) AddMember(ctx context.Context, channelID, userID string) error {
	_, err := ch.c.do(ctx, "POST", "/channels/"+channelID+"/members", map[string]string{"userId": userID}, nil)
	return err
}

func (ch *ChannelsClient) RemoveMember(ctx context.Context, channelID, userID string) error {
	_, err := ch.c.do(ctx, "DELETE", "/channels/"+channelID+"/members/"+userID, nil, nil)
	return err
}

// MarkRead marks the channel read over REST. Used as the fallback when the
// socket is disconnected; the aggregator owns cache invalidation.
func (ch *ChannelsClient) MarkRead(ctx context.Context, channelID string) error {
	_, err := ch.c.do(ctx, "POST", "/channels/"+channelID+"/read", nil, nil)
	return err
}

// ============================================================================
// Direct messages
// ============================================================================

// DirectClient handles direct-message conversations.
type DirectClient struct{ c *Client }

func (d *DirectClient) History(ctx context.Context, conversationID string, opts *PaginationOptions) ([]Message, error) {
	res, err := d.c.do(ctx, "GET", "/messages/direct/"+conversationID, nil, paginationQuery(opts))
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, wrapError(KindInternal, "failed to decode messages", err)
	}
	return msgs, nil
}

func (d *DirectClient) Send(ctx context.Context, conversationID, content string, opts *SendOptions) (*Message, error) {
	payload := sendPayload(content, opts)
	payload["conversationId"] = conversationID
	res, err := d.c.do(ctx, "POST", "/messages", payload, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Message](res)
}

// Unread fetches the direct-message unread map.
func (d *DirectClient) Unread(ctx context.Context) (map[string]int, error) {
	res, err := d.c.do(ctx, "GET", "/direct-messages/unread", nil, nil)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	if err := res.Decode(&counts); err != nil {
		return nil, wrapError(KindInternal, "failed to decode unread counts", err)
	}
	return counts, nil
}

func (d *DirectClient) MarkRead(ctx context.Context, conversationID string) error {
	_, err := d.c.do(ctx, "POST", "/direct-messages/"+conversationID+"/read", nil, nil)
	return err
}

// ============================================================================
// Messages & reactions
// ============================================================================

// MessagesClient handles low-level message operations and reactions.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) ChannelHistory(ctx context.Context, channelID string, opts *PaginationOptions) ([]Message, error) {
	res, err := m.c.do(ctx, "GET", "/messages/channel/"+channelID, nil, paginationQuery(opts))
	if err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, wrapError(KindInternal, "failed to decode messages", err)
	}
	return msgs, nil
}

func (m *MessagesClient) AddReaction(ctx context.Context, messageID, emoji string) ([]ReactionGroup, error) {
	res, err := m.c.do(ctx, "POST", "/messages/"+messageID+"/reactions", map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, err
	}
	var groups []ReactionGroup
	if err := res.Decode(&groups); err != nil {
		return nil, wrapError(KindInternal, "failed to decode reactions", err)
	}
	return groups, nil
}

func (m *MessagesClient) RemoveReaction(ctx context.Context, messageID, emoji string) ([]ReactionGroup, error) {
	res, err := m.c.do(ctx, "DELETE", "/messages/"+messageID+"/reactions", map[string]string{"emoji": emoji}, nil)
	if err != nil {
		return nil, err
	}
	var groups []ReactionGroup
	if err := res.Decode(&groups); err != nil {
		return nil, wrapError(KindInternal, "failed to decode reactions", err)
	}
	return groups, nil
}

// ============================================================================
// Attachments (REST surface; the pipeline lives in upload.go)
// ============================================================================

// AttachmentsClient handles attachment records and presigned upload targets.
type AttachmentsClient struct{ c *Client }

// UploadURLOptions requests a presigned upload target. WithThumbnail asks for
// a second presigned URL for the client-generated thumbnail.
type UploadURLOptions struct {
	FileName      string `json:"fileName"`
	FileSize      int64  `json:"fileSize"`
	MimeType      string `json:"mimeType"`
	WithThumbnail bool   `json:"withThumbnail,omitempty"`
}

func (a *AttachmentsClient) UploadURL(ctx context.Context, opts *UploadURLOptions) (*UploadURLData, error) {
	res, err := a.c.do(ctx, "POST", "/attachments/upload-url", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[UploadURLData](res)
}

// CompleteOptions confirms an upload: storage location plus content hash.
type CompleteOptions struct {
	UploadID     string `json:"uploadId"`
	Key          string `json:"key"`
	ThumbnailKey string `json:"thumbnailKey,omitempty"`
	ETag         string `json:"etag"`
	FileName     string `json:"fileName"`
	FileSize     int64  `json:"fileSize"`
	MimeType     string `json:"mimeType"`
}

// Complete notifies the server the transfer finished. Only this call yields a
// durable Attachment record.
func (a *AttachmentsClient) Complete(ctx context.Context, opts *CompleteOptions) (*Attachment, error) {
	res, err := a.c.do(ctx, "POST", "/attachments/complete", opts, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Attachment](res)
}

func (a *AttachmentsClient) DownloadURL(ctx context.Context, attachmentID string) (string, error) {
	res, err := a.c.do(ctx, "GET", "/attachments/"+attachmentID+"/download", nil, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		URL string `json:"url"`
	}
	if err := res.Decode(&out); err != nil {
		return "", wrapError(KindInternal, "failed to decode download url", err)
	}
	return out.URL, nil
}

func (a *AttachmentsClient) Delete(ctx context.Context, attachmentID string) error {
	_, err := a.c.do(ctx, "DELETE", "/attachments/"+attachmentID, nil, nil)
	return err
}

func (a *AttachmentsClient) ListMine(ctx context.Context) ([]Attachment, error) {
	res, err := a.c.do(ctx, "GET", "/attachments/user/attachments", nil, nil)
	if err != nil {
		return nil, err
	}
	var atts []Attachment
	if err := res.Decode(&atts); err != nil {
		return nil, wrapError(KindInternal, "failed to decode attachments", err)
	}
	return atts, nil
}

// ============================================================================
// Presence REST surface
// ============================================================================

// PresenceClient handles the presence REST endpoints. The realtime overlay
// and merge policy live in PresenceStore.
type PresenceClient struct{ c *Client }

func (p *PresenceClient) Me(ctx context.Context) (*Presence, error) {
	res, err := p.c.do(ctx, "GET", "/presence/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeData[Presence](res)
}

// Bulk fetches presence for a set of users in one call.
func (p *PresenceClient) Bulk(ctx context.Context, userIDs []string) ([]Presence, error) {
	res, err := p.c.do(ctx, "POST", "/presence/bulk", map[string][]string{"userIds": userIDs}, nil)
	if err != nil {
		return nil, err
	}
	var rows []Presence
	if err := res.Decode(&rows); err != nil {
		return nil, wrapError(KindInternal, "failed to decode presence rows", err)
	}
	return rows, nil
}

func (p *PresenceClient) Online(ctx context.Context) ([]Presence, error) {
	res, err := p.c.do(ctx, "GET", "/presence/online", nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []Presence
	if err := res.Decode(&rows); err != nil {
		return nil, wrapError(KindInternal, "failed to decode presence rows", err)
	}
	return rows, nil
}

func (p *PresenceClient) Connections(ctx context.Context) (*Result, error) {
	return p.c.do(ctx, "GET", "/presence/connections", nil, nil)
}

func (p *PresenceClient) History(ctx context.Context, userID string) (*Result, error) {
	return p.c.do(ctx, "GET", "/presence/history", nil, map[string]string{"userId": userID})
}

func (p *PresenceClient) Analytics(ctx context.Context) (*Result, error) {
	return p.c.do(ctx, "GET", "/presence/analytics", nil, nil)
}

// ============================================================================
// Tenants
// ============================================================================

// TenantsClient handles tenant SSO.
type TenantsClient struct{ c *Client }

// SSOInit exchanges an embed-delivered token and signature for a session.
func (t *TenantsClient) SSOInit(ctx context.Context, opts *SSOInitOptions) (*AuthData, error) {
	res, err := t.c.do(ctx, "POST", "/tenants/sso/init", opts, nil)
	if err != nil {
		return nil, err
	}
	auth, err := decodeData[AuthData](res)
	if err != nil {
		return nil, err
	}
	if err := t.c.session.Establish(auth); err != nil {
		return nil, err
	}
	return auth, nil
}
