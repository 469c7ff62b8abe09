package wnpchat

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Embed protocol
// ============================================================================

// Message types exchanged with an embedding host over a message port.
const (
	EmbedInitChat         = "INIT_CHAT"
	EmbedReady            = "EMBED_READY"
	EmbedChatReady        = "CHAT_READY"
	EmbedChatError        = "CHAT_ERROR"
	EmbedUserLoggedOut    = "USER_LOGGED_OUT"
	EmbedNewMessage       = "NEW_MESSAGE"
	EmbedCountUpdate      = "MESSAGE_COUNT_UPDATE"
	EmbedMessagesRead     = "MESSAGES_READ"
	EmbedChatDisconnected = "CHAT_DISCONNECTED"
)

const (
	embedSource = "chat-app"
	hostSource  = "wnp-app"

	// initTimeout bounds how long the bridge waits for INIT_CHAT before
	// reporting an authentication timeout to the host.
	initTimeout = 10 * time.Second
)

// EmbedMessage is the envelope posted in either direction.
type EmbedMessage struct {
	Source  string          `json:"source"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// InitChatPayload carries the host-issued SSO credentials.
type InitChatPayload struct {
	Token     string `json:"token"`
	Signature string `json:"signature"`
	Tenant    string `json:"tenant,omitempty"`
}

// MessagePort abstracts the host channel (a postMessage pipe, a WebView
// bridge, a test double). Receive blocks until a message arrives or the
// context ends.
type MessagePort interface {
	Post(msg EmbedMessage) error
	Receive(ctx context.Context) (EmbedMessage, error)
}

// VerifyEmbedSignature checks an HMAC-SHA256 signature over the token using
// constant-time comparison. An optional "sha256=" prefix is accepted.
func VerifyEmbedSignature(token, signature, secret string) bool {
	if token == "" || signature == "" || secret == "" {
		return false
	}
	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(token))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// EmbedBridge runs the embedded-mode handshake and relays session and chat
// events back to the host. One bridge serves one port for the life of the
// embed.
type EmbedBridge struct {
	client *Client
	port   MessagePort
	secret string
}

// NewEmbedBridge wires a bridge to the client. A non-empty secret enables
// local signature verification before the token is sent to the server;
// with an empty secret the server remains the sole verifier.
func NewEmbedBridge(c *Client, port MessagePort, secret string) *EmbedBridge {
	c.Session().SetEmbedded(true)
	return &EmbedBridge{client: c, port: port, secret: secret}
}

// Run announces readiness, waits for INIT_CHAT, authenticates, then relays
// events until the context ends. The handshake outcome is reported to the
// host as CHAT_READY or CHAT_ERROR.
func (b *EmbedBridge) Run(ctx context.Context) error {
	if err := b.post(EmbedReady, nil); err != nil {
		return err
	}

	user, err := b.awaitInit(ctx)
	if err != nil {
		b.postError(err)
		return err
	}

	if err := b.post(EmbedChatReady, map[string]string{
		"userId": user.ID,
		"email":  user.Email,
	}); err != nil {
		return err
	}

	b.relayEvents()
	<-ctx.Done()
	return ctx.Err()
}

// awaitInit reads port messages until a valid INIT_CHAT arrives or the
// timeout elapses. Messages from other sources and of other types are
// ignored, not errors.
func (b *EmbedBridge) awaitInit(ctx context.Context) (*User, error) {
	deadline, cancel := context.WithTimeout(ctx, initTimeout)
	defer cancel()

	for {
		msg, err := b.port.Receive(deadline)
		if err != nil {
			if deadline.Err() != nil {
				return nil, newError(KindUnauthorized, "timed out waiting for authentication from the embedding host")
			}
			return nil, err
		}
		if msg.Source != hostSource || msg.Type != EmbedInitChat {
			continue
		}

		var init InitChatPayload
		if err := json.Unmarshal(msg.Payload, &init); err != nil {
			return nil, wrapError(KindBadRequest, "malformed INIT_CHAT payload", err)
		}
		if init.Token == "" || init.Signature == "" {
			return nil, newError(KindBadRequest, "INIT_CHAT payload missing token or signature")
		}
		if b.secret != "" && !VerifyEmbedSignature(init.Token, init.Signature, b.secret) {
			return nil, newError(KindUnauthorized, "INIT_CHAT signature verification failed")
		}

		auth, err := b.client.Tenants.SSOInit(deadline, &SSOInitOptions{
			Token:     init.Token,
			Signature: init.Signature,
			Tenant:    init.Tenant,
		})
		if err != nil {
			return nil, err
		}
		return &auth.User, nil
	}
}

// relayEvents forwards chat activity to the host for the rest of the embed's
// life.
func (b *EmbedBridge) relayEvents() {
	sock := b.client.Socket()

	sock.OnNewDirectMessage(func(m Message) {
		b.postLogged(EmbedNewMessage, m)
	})
	sock.OnNewChannelMessage(func(m Message) {
		b.postLogged(EmbedNewMessage, m)
	})
	sock.OnUnreadCounts(func(c UnreadCounts) {
		b.postLogged(EmbedCountUpdate, map[string]int{"total": c.Total()})
	})
	sock.OnDisconnected(func(reason string) {
		b.postLogged(EmbedChatDisconnected, map[string]string{"reason": reason})
	})
	sock.OnForcedLogout(func(reason string) {
		b.postLogged(EmbedUserLoggedOut, map[string]string{"reason": reason})
	})
	b.client.Session().OnChange(func(s *Session) {
		if s == nil || !s.IsAuthenticated {
			b.postLogged(EmbedUserLoggedOut, nil)
		}
	})
}

// NotifyMessagesRead tells the host a conversation was read, it keeps its own
// badge counts in sync with the embed.
func (b *EmbedBridge) NotifyMessagesRead(conversationID string) {
	b.postLogged(EmbedMessagesRead, map[string]string{"conversationId": conversationID})
}

func (b *EmbedBridge) post(msgType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return wrapError(KindInternal, "failed to encode embed payload", err)
		}
		raw = data
	}
	return b.port.Post(EmbedMessage{Source: embedSource, Type: msgType, Payload: raw})
}

func (b *EmbedBridge) postLogged(msgType string, payload any) {
	if err := b.post(msgType, payload); err != nil {
		b.client.logger.Warn("embed post failed", zap.String("type", msgType), zap.Error(err))
	}
}

func (b *EmbedBridge) postError(err error) {
	b.postLogged(EmbedChatError, map[string]string{"error": err.Error()})
}
