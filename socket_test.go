package wnpchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"nhooyr.io/websocket"
)

// wsTestServer accepts one websocket connection, performs the
// authenticate_presence handshake, and hands the connection to script.
func wsTestServer(t *testing.T, authReply Envelope, script func(ctx context.Context, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()

		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if json.Unmarshal(data, &cmd) != nil || cmd.Event != "authenticate_presence" {
			conn.Close(websocket.StatusPolicyViolation, "expected authenticate_presence")
			return
		}

		reply, _ := json.Marshal(authReply)
		if conn.Write(ctx, websocket.MessageText, reply) != nil {
			return
		}
		if script != nil {
			script(ctx, conn)
		}
		<-ctx.Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func establishTestSession(t *testing.T, c *Client, ttl time.Duration) {
	t.Helper()
	err := c.Session().Establish(&AuthData{
		User: User{ID: "u1"},
		AccessToken: signedToken(t, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		}),
		RefreshToken:          "r1",
		AccessTokenExpiresIn:  "15m",
		RefreshTokenExpiresIn: "7d",
	})
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
}

func TestSocketConnectWithoutToken(t *testing.T) {
	client := NewClient(WithBaseURL("http://127.0.0.1:1"))

	logout := make(chan string, 1)
	client.Socket().OnForcedLogout(func(reason string) { logout <- reason })

	err := client.Socket().Connect(context.Background())
	if kind := errorKind(t, err); kind != KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", kind)
	}
	select {
	case reason := <-logout:
		if reason != "token expired" {
			t.Fatalf("unexpected logout reason %q", reason)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missing forced-logout event")
	}
	if client.Socket().State() != SocketDisconnected {
		t.Fatalf("state should be disconnected, got %v", client.Socket().State())
	}
}

func TestSocketHandshakeAndEvents(t *testing.T) {
	srv := wsTestServer(t, Envelope{Event: "authenticated"}, func(ctx context.Context, conn *websocket.Conn) {
		payload, _ := json.Marshal(Message{ID: "m1", ConversationID: "conv1", Content: "hi"})
		env, _ := json.Marshal(Envelope{Event: "new_direct_message", Payload: payload})
		_ = conn.Write(ctx, websocket.MessageText, env)
	})

	client := NewClient(WithBaseURL(srv.URL))
	establishTestSession(t, client, time.Hour)

	got := make(chan Message, 1)
	client.Socket().OnNewDirectMessage(func(m Message) { got <- m })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Socket().Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !client.Socket().Connected() {
		t.Fatal("socket should report connected")
	}

	select {
	case m := <-got:
		if m.ID != "m1" || m.ConversationID != "conv1" {
			t.Fatalf("unexpected message %+v", m)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pushed message never dispatched")
	}

	if err := client.Socket().Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if client.Socket().Connected() {
		t.Fatal("socket should report disconnected")
	}
}

func TestSocketAuthRejectionForcesLogout(t *testing.T) {
	errPayload, _ := json.Marshal(map[string]string{"message": "Unauthorized access"})
	srv := wsTestServer(t, Envelope{Event: "error", Payload: errPayload}, nil)

	client := NewClient(WithBaseURL(srv.URL))
	establishTestSession(t, client, time.Hour)

	logout := make(chan string, 1)
	client.Socket().OnForcedLogout(func(reason string) { logout <- reason })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Socket().Connect(ctx); err == nil {
		t.Fatal("auth rejection should fail the connect")
	}

	select {
	case <-logout:
	case <-time.After(5 * time.Second):
		t.Fatal("auth rejection should force a logout")
	}
	if client.Session().Current() != nil {
		t.Fatal("forced logout should clear the session")
	}
	if client.Socket().State() == SocketRetrying {
		t.Fatal("auth failures must not retry")
	}
}

func TestSocketEmitDisconnected(t *testing.T) {
	client := NewClient(WithBaseURL("http://127.0.0.1:1"))
	err := client.Socket().Emit(context.Background(), "heartbeat", nil)
	if kind := errorKind(t, err); kind != KindSocket {
		t.Fatalf("expected socket kind, got %v", kind)
	}
}

// ackScript replies to every request-response command with an ok ack.
func ackScript(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var cmd Command
		if json.Unmarshal(data, &cmd) != nil || cmd.RequestID == "" {
			continue
		}
		ack, _ := json.Marshal(Ack{RequestID: cmd.RequestID, OK: true})
		env, _ := json.Marshal(Envelope{Event: "ack", Payload: ack})
		if conn.Write(ctx, websocket.MessageText, env) != nil {
			return
		}
	}
}

func waitConnected(t *testing.T, s *Socket) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.Connected() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket never connected, state %v", s.State())
}

func TestSocketRetriesOnceThenConnects(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if dials.Add(1) == 1 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		reply, _ := json.Marshal(Envelope{Event: "authenticated"})
		_ = conn.Write(ctx, websocket.MessageText, reply)
		<-ctx.Done()
	}))
	t.Cleanup(srv.Close)

	client := NewClient(WithBaseURL(srv.URL))
	establishTestSession(t, client, time.Hour)
	client.Socket().retryDelay = 20 * time.Millisecond

	if err := client.Socket().Connect(context.Background()); err == nil {
		t.Fatal("first connect should surface the dial failure")
	}

	waitConnected(t, client.Socket())
	if dials.Load() != 2 {
		t.Fatalf("expected exactly 2 dials, got %d", dials.Load())
	}
	_ = client.Socket().Disconnect()
}

func TestSocketRetriesOnlyOnce(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(WithBaseURL(srv.URL))
	establishTestSession(t, client, time.Hour)
	client.Socket().retryDelay = 20 * time.Millisecond

	if err := client.Socket().Connect(context.Background()); err == nil {
		t.Fatal("connect should fail")
	}

	time.Sleep(300 * time.Millisecond)
	if got := dials.Load(); got != 2 {
		t.Fatalf("expected the failed dial plus one retry, got %d dials", got)
	}
	if state := client.Socket().State(); state != SocketDisconnected {
		t.Fatalf("exhausted retry should settle disconnected, got %v", state)
	}
}

func TestSocketRetryAbortsOnExpiredToken(t *testing.T) {
	var dials atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewClient(WithBaseURL(srv.URL))
	establishTestSession(t, client, time.Hour)
	client.Socket().retryDelay = 100 * time.Millisecond

	logout := make(chan string, 1)
	client.Socket().OnForcedLogout(func(reason string) { logout <- reason })

	if err := client.Socket().Connect(context.Background()); err == nil {
		t.Fatal("connect should fail")
	}
	// The token goes bad between the failure and the scheduled retry.
	establishTestSession(t, client, -time.Hour)

	select {
	case reason := <-logout:
		if reason != "token expired before retry" {
			t.Fatalf("unexpected logout reason %q", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expired token at retry time should force a logout")
	}
	if got := dials.Load(); got != 1 {
		t.Fatalf("retry must not dial with an expired token, got %d dials", got)
	}
	if client.Session().Current() != nil {
		t.Fatal("forced logout should clear the session")
	}
}

func TestSocketStaleReadLoopLeavesReplacement(t *testing.T) {
	srv := wsTestServer(t, Envelope{Event: "authenticated"}, ackScript)

	client := NewClient(WithBaseURL(srv.URL))
	establishTestSession(t, client, time.Hour)
	sock := client.Socket()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sock.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	sock.mu.Lock()
	oldConn := sock.conn
	sock.mu.Unlock()

	if err := sock.Reconnect(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer sock.Disconnect()

	// The loop that served the closed connection errors out late; it must
	// not tear down the replacement connection.
	sock.readLoop(context.Background(), oldConn)

	if !sock.Connected() {
		t.Fatalf("stale loop tore down the live connection, state %v", sock.State())
	}
	sock.mu.Lock()
	live := sock.conn
	sock.mu.Unlock()
	if live == nil || live == oldConn {
		t.Fatal("replacement connection lost")
	}

	ack, err := sock.MarkDMRead(ctx, "conv1")
	if err != nil {
		t.Fatalf("mark read after stale teardown: %v", err)
	}
	if !ack.OK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}
}

func TestSocketAcks(t *testing.T) {
	srv := wsTestServer(t, Envelope{Event: "authenticated"}, ackScript)

	client := NewClient(WithBaseURL(srv.URL))
	establishTestSession(t, client, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Socket().Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Socket().Disconnect()

	ack, err := client.Socket().MarkDMRead(ctx, "conv1")
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !ack.OK {
		t.Fatalf("expected ok ack, got %+v", ack)
	}
}
