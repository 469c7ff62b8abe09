package wnpchat

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a structured API error body.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Meta  map[string]any  `json:"meta,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Users & Auth
// ============================================================================

// User is a chat user profile.
type User struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	TenantID    string `json:"tenantId,omitempty"`
}

// LoginOptions are credentials for password login.
type LoginOptions struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterOptions creates a new account.
type RegisterOptions struct {
	Email       string `json:"email"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName,omitempty"`
}

// AuthData is the server response to login, register, refresh, and SSO init.
type AuthData struct {
	User                  User   `json:"user"`
	AccessToken           string `json:"accessToken"`
	RefreshToken          string `json:"refreshToken"`
	AccessTokenExpiresIn  string `json:"accessTokenExpiresIn"`  // duration string, e.g. "15m"
	RefreshTokenExpiresIn string `json:"refreshTokenExpiresIn"` // e.g. "7d"
	Tenant                string `json:"tenant,omitempty"`
}

// SessionInfo describes one active server-side session.
type SessionInfo struct {
	ID         string `json:"id"`
	DeviceInfo string `json:"deviceInfo,omitempty"`
	IPAddress  string `json:"ipAddress,omitempty"`
	CreatedAt  string `json:"createdAt"`
	LastUsedAt string `json:"lastUsedAt,omitempty"`
	Current    bool   `json:"current"`
}

// SSOInitOptions carries an embed-delivered token and its signature to the
// tenant SSO endpoint. The server validates the signature; the client only
// forwards it.
type SSOInitOptions struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	Tenant    string `json:"tenant,omitempty"`
}

// ============================================================================
// Channels
// ============================================================================

// Channel is a named multi-member conversation.
type Channel struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Private     bool            `json:"private,omitempty"`
	Members     []ChannelMember `json:"members,omitempty"`
	LastMessage *Message        `json:"lastMessage,omitempty"`
	UnreadCount int             `json:"unreadCount,omitempty"`
	CreatedAt   string          `json:"createdAt"`
	UpdatedAt   string          `json:"updatedAt,omitempty"`
}

// ChannelMember is one membership row of a channel.
type ChannelMember struct {
	UserID      string `json:"userId"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Role        string `json:"role"`
	JoinedAt    string `json:"joinedAt,omitempty"`
}

// CreateChannelOptions creates a channel.
type CreateChannelOptions struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Private     bool     `json:"private,omitempty"`
	Members     []string `json:"members,omitempty"`
}

// ============================================================================
// Messages & Reactions
// ============================================================================

// Message is a chat message in a channel or direct conversation.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId,omitempty"`
	ChannelID      string          `json:"channelId,omitempty"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	SenderID       string          `json:"senderId"`
	ParentID       *string         `json:"parentId,omitempty"`
	Attachments    []Attachment    `json:"attachments,omitempty"`
	Reactions      []ReactionGroup `json:"reactions,omitempty"`
	Status         string          `json:"status,omitempty"`
	CreatedAt      string          `json:"createdAt"`
	UpdatedAt      string          `json:"updatedAt,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// ReactionGroup is the aggregate view of one emoji on one message: the count
// and the users who reacted. The server always sends the full group list for
// a message; the client replaces it, never diffs.
type ReactionGroup struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// SendOptions customizes an outgoing message.
type SendOptions struct {
	Type          string         `json:"type,omitempty"`
	ParentID      string         `json:"parentId,omitempty"`
	AttachmentIDs []string       `json:"attachmentIds,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// PaginationOptions selects a page of results.
type PaginationOptions struct {
	Limit  int
	Before string
}

// ============================================================================
// Presence
// ============================================================================

// Status is a user's presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the four presence states.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Presence is the latest known presence record for one user. One logical
// record per user; no history is retained client-side.
type Presence struct {
	UserID     string    `json:"userId"`
	Status     Status    `json:"status"`
	LastSeen   time.Time `json:"lastSeen"`
	DeviceInfo string    `json:"deviceInfo,omitempty"`
	// UpdatedAt is the server timestamp of the event or snapshot row that
	// produced this record. The store rejects updates older than the held
	// value per user.
	UpdatedAt time.Time `json:"updatedAt"`
}

// PresenceIndicator is display metadata derived from a status.
type PresenceIndicator struct {
	Label    string
	Color    string
	Priority int
}

// ============================================================================
// Unread counts
// ============================================================================

// UnreadCounts is the per-conversation unread map. Servers send it whole; the
// client swaps it wholesale, never merges incrementally.
type UnreadCounts struct {
	DirectMessages map[string]int `json:"directMessages"`
	Channels       map[string]int `json:"channels"`
}

// Total sums every entry across both maps.
func (u UnreadCounts) Total() int {
	total := 0
	for _, n := range u.DirectMessages {
		total += n
	}
	for _, n := range u.Channels {
		total += n
	}
	return total
}

// ============================================================================
// Attachments
// ============================================================================

// AttachmentStatus is the server-side processing state of an attachment.
type AttachmentStatus string

const (
	AttachmentUploading  AttachmentStatus = "uploading"
	AttachmentProcessing AttachmentStatus = "processing"
	AttachmentReady      AttachmentStatus = "ready"
	AttachmentFailed     AttachmentStatus = "failed"
)

// Attachment is a durable server-side attachment record, created only after
// the upload-complete acknowledgement.
type Attachment struct {
	ID       string             `json:"_id"`
	Name     string             `json:"name"`
	URL      string             `json:"url"`
	Type     string             `json:"type"`
	Size     int64              `json:"size"`
	Status   AttachmentStatus   `json:"status"`
	Metadata AttachmentMetadata `json:"metadata,omitempty"`
}

// AttachmentMetadata carries server-derived extras.
type AttachmentMetadata struct {
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	Compressed   bool    `json:"compressed,omitempty"`
	Width        int     `json:"width,omitempty"`
	Height       int     `json:"height,omitempty"`
}

// UploadURLData is the presigned upload target returned by the server. The
// thumbnail URL is present only when the presign request announced one.
type UploadURLData struct {
	UploadID     string `json:"uploadId"`
	URL          string `json:"url"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
	Key          string `json:"key"`
	ThumbnailKey string `json:"thumbnailKey,omitempty"`
}

// AttachmentStatusUpdate is pushed while the server processes an attachment.
type AttachmentStatusUpdate struct {
	AttachmentID string           `json:"attachmentId"`
	Status       AttachmentStatus `json:"status"`
	Progress     int              `json:"progress,omitempty"`
	Error        string           `json:"error,omitempty"`
}
