package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"relay/cmd/security/keys"
	"relay/cmd/security/token"
	v1 "relay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

func startWSTestServer(t *testing.T, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	hub, _ := newTestHub(t, cfg)
	gw := NewWSGateway(discardLogger(), hub, cfg)

	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return hub, ts
}

func dialWS(t *testing.T, baseHTTPURL string, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	if err != nil {
		t.Fatalf("url.Parse: %v", err)
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func mustDialWS(t *testing.T, baseHTTPURL string) *websocket.Conn {
	t.Helper()
	conn, resp, err := dialWS(t, baseHTTPURL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	writeRawWS(t, conn, b)
}

func writeRawWS(t *testing.T, conn *websocket.Conn, b []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("conn.Write: %v", err)
	}
}

func readEnvelopeWS(t *testing.T, conn *websocket.Conn) v1.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, b, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("conn.Read: %v", err)
	}
	var env v1.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		env := readEnvelopeWS(t, conn)
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

// readUntilClose reads until the server closes the connection and returns the close status.
func readUntilClose(t *testing.T, conn *websocket.Conn) (websocket.StatusCode, []v1.Envelope) {
	t.Helper()
	var got []v1.Envelope
	for i := 0; i < 16; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		if err != nil {
			return websocket.CloseStatus(err), got
		}
		var env v1.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		got = append(got, env)
	}
	t.Fatalf("connection was not closed")
	return -1, nil
}

// registerWS performs the handshake and returns the distributed key.
func registerWS(t *testing.T, conn *websocket.Conn, name string) keys.ServerKey {
	t.Helper()
	writeEnvelopeWS(t, conn, v1.Register(name))

	keyEnv := readEnvelopeWS(t, conn)
	if keyEnv.Type != v1.TypeEncryptionKey {
		t.Fatalf("first envelope after register: got %s want %s", keyEnv.Type, v1.TypeEncryptionKey)
	}
	key, err := keys.Parse(keyEnv.Key)
	if err != nil {
		t.Fatalf("keys.Parse: %v", err)
	}

	if env := readEnvelopeWS(t, conn); env.Type != v1.TypeUserList {
		t.Fatalf("second envelope after register: got %s want %s", env.Type, v1.TypeUserList)
	}
	return key
}

func waitForRegistry(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Registry().Len() == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("registry len=%d want=%d", hub.Registry().Len(), n)
}

func waitForOpen(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		got := len(hub.open)
		hub.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("open sessions did not reach %d", n)
}

func TestWSGateway_AliceToBob(t *testing.T) {
	_, ts := startWSTestServer(t, DefaultConfig())

	alice := mustDialWS(t, ts.URL)
	aliceKey := registerWS(t, alice, "alice")

	bob := mustDialWS(t, ts.URL)
	bobKey := registerWS(t, bob, "bob")

	if aliceKey != bobKey {
		t.Fatalf("all sessions must receive the same key")
	}

	joined := readUntilType(t, alice, v1.TypeUserJoined, 1)
	if joined.Username != "bob" {
		t.Fatalf("user_joined username=%q want bob", joined.Username)
	}

	tok, err := token.Encode(aliceKey, []byte("Hola Bob!"))
	if err != nil {
		t.Fatalf("token.Encode: %v", err)
	}
	writeEnvelopeWS(t, alice, v1.ChatMessage(string(tok)))

	got := readUntilType(t, bob, v1.TypeChatMessage, 1)
	if got.Username != "alice" {
		t.Fatalf("username=%q want alice", got.Username)
	}
	if got.Timestamp == nil || got.ID == "" {
		t.Fatalf("chat_message must be stamped: %+v", got)
	}
	pt, err := token.Decode(bobKey, []byte(got.Content))
	if err != nil {
		t.Fatalf("token.Decode: %v", err)
	}
	if string(pt) != "Hola Bob!" {
		t.Fatalf("plaintext=%q", pt)
	}

	// Echo is on by default.
	echo := readUntilType(t, alice, v1.TypeChatMessage, 1)
	if echo.Content != got.Content {
		t.Fatalf("echo carries a different token")
	}

	_ = bob.Close(websocket.StatusNormalClosure, "bye")
	left := readUntilType(t, alice, v1.TypeUserLeft, 1)
	if left.Username != "bob" {
		t.Fatalf("user_left username=%q want bob", left.Username)
	}
}

func TestWSGateway_ChatBeforeRegister_Closes(t *testing.T) {
	hub, ts := startWSTestServer(t, DefaultConfig())

	conn := mustDialWS(t, ts.URL)
	writeEnvelopeWS(t, conn, v1.ChatMessage("AAAA"))

	status, got := readUntilClose(t, conn)
	if len(got) != 1 || got[0].Type != v1.TypeError || got[0].Code != v1.CodeProtocolViolation {
		t.Fatalf("expected one protocol_violation error before close, got %+v", got)
	}
	if status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v want %v", status, websocket.StatusPolicyViolation)
	}
	if hub.Registry().Len() != 0 {
		t.Fatalf("registry must stay empty")
	}
}

func TestWSGateway_BadJSON(t *testing.T) {
	_, ts := startWSTestServer(t, DefaultConfig())

	// Before registration: protocol violation, connection closes.
	pre := mustDialWS(t, ts.URL)
	writeRawWS(t, pre, []byte("{not json"))
	status, got := readUntilClose(t, pre)
	if len(got) != 1 || got[0].Code != v1.CodeProtocolViolation {
		t.Fatalf("expected protocol_violation, got %+v", got)
	}
	if status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v", status)
	}

	// After registration: bad_json, connection stays usable.
	conn := mustDialWS(t, ts.URL)
	key := registerWS(t, conn, "alice")

	writeRawWS(t, conn, []byte("{not json"))
	env := readEnvelopeWS(t, conn)
	if env.Type != v1.TypeError || env.Code != v1.CodeBadJSON {
		t.Fatalf("expected bad_json, got %+v", env)
	}

	tok, err := token.Encode(key, []byte("still here"))
	if err != nil {
		t.Fatalf("token.Encode: %v", err)
	}
	writeEnvelopeWS(t, conn, v1.ChatMessage(string(tok)))
	readUntilType(t, conn, v1.TypeChatMessage, 1)
}

func TestWSGateway_InvalidUsername_Closes(t *testing.T) {
	hub, ts := startWSTestServer(t, DefaultConfig())

	conn := mustDialWS(t, ts.URL)
	writeEnvelopeWS(t, conn, v1.Register("   "))

	status, got := readUntilClose(t, conn)
	if len(got) != 1 || got[0].Code != v1.CodeValidation {
		t.Fatalf("expected validation_error, got %+v", got)
	}
	if status != websocket.StatusPolicyViolation {
		t.Fatalf("close status=%v", status)
	}
	if hub.Registry().Len() != 0 {
		t.Fatalf("registry must stay empty")
	}
}

func TestWSGateway_UnauthenticMessage_KeepsSession(t *testing.T) {
	_, ts := startWSTestServer(t, DefaultConfig())

	alice := mustDialWS(t, ts.URL)
	key := registerWS(t, alice, "alice")

	writeEnvelopeWS(t, alice, v1.ChatMessage("dGhpcyBpcyBub3QgYSB0b2tlbg=="))
	env := readEnvelopeWS(t, alice)
	if env.Type != v1.TypeError || env.Code != v1.CodeAuthentication {
		t.Fatalf("expected authentication_error, got %+v", env)
	}

	tok, err := token.Encode(key, []byte("ok"))
	if err != nil {
		t.Fatalf("token.Encode: %v", err)
	}
	writeEnvelopeWS(t, alice, v1.ChatMessage(string(tok)))
	readUntilType(t, alice, v1.TypeChatMessage, 1)
}

func TestWSGateway_OversizedFrame_Closes(t *testing.T) {
	hub, ts := startWSTestServer(t, DefaultConfig())

	conn := mustDialWS(t, ts.URL)

	big, err := json.Marshal(v1.Register(strings.Repeat("x", maxFrameBytes+1)))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = conn.Write(ctx, websocket.MessageText, big)

	_, _, err = conn.Read(ctx)
	if err == nil {
		t.Fatalf("expected the connection to close")
	}
	waitForRegistry(t, hub, 0)
}

func TestWSGateway_IdleTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReadIdleTimeout = 200 * time.Millisecond
	hub, ts := startWSTestServer(t, cfg)

	conn := mustDialWS(t, ts.URL)
	waitForOpen(t, hub, 1)

	// The close may be a policy-violation frame or an abrupt close; either ends the session.
	readUntilClose(t, conn)
	waitForOpen(t, hub, 0)
}

func TestWSGateway_HubShutdown_ClosesConnections(t *testing.T) {
	hub, ts := startWSTestServer(t, DefaultConfig())

	alice := mustDialWS(t, ts.URL)
	registerWS(t, alice, "alice")
	pending := mustDialWS(t, ts.URL)

	waitForRegistry(t, hub, 1)
	waitForOpen(t, hub, 2)
	hub.Shutdown("server shutdown")

	for _, conn := range []*websocket.Conn{alice, pending} {
		status, _ := readUntilClose(t, conn)
		if status != websocket.StatusGoingAway {
			t.Fatalf("close status=%v want %v", status, websocket.StatusGoingAway)
		}
	}

	conn, resp, err := dialWS(t, ts.URL, "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		status, _ := readUntilClose(t, conn)
		if status != websocket.StatusTryAgainLater {
			t.Fatalf("close status=%v want %v", status, websocket.StatusTryAgainLater)
		}
	}
}

func TestWSGateway_Origin(t *testing.T) {
	t.Setenv("RELAY_WS_ALLOWED_ORIGINS", "https://chat.example.com")
	t.Setenv("RELAY_WS_ORIGIN_REQUIRED", "false")

	_, ts := startWSTestServer(t, LoadConfigFromEnv())

	conn, resp, err := dialWS(t, ts.URL, "https://evil.example.net")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err == nil {
		_ = conn.CloseNow()
		t.Fatalf("expected disallowed origin to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got resp=%v err=%v", resp, err)
	}

	conn, resp, err = dialWS(t, ts.URL, "https://chat.example.com")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestDeriveOriginPatternsFromAllowedOrigins(t *testing.T) {
	got := deriveOriginPatternsFromAllowedOrigins([]string{"http://localhost:3000", "https://Chat.Example.com", "", "*"})
	want := []string{"*", "chat.example.com", "chat.example.com:*", "localhost", "localhost:*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("patterns=%v want=%v", got, want)
	}
}

func TestClassifyReadErr(t *testing.T) {
	if k := classifyReadErr(errors.Join(errBadJSON, errors.New("x"))); k != readErrBadJSON {
		t.Fatalf("bad json kind=%v", k)
	}
	if k := classifyReadErr(context.Canceled); k != readErrCtxDone {
		t.Fatalf("canceled kind=%v", k)
	}
	if k := classifyReadErr(errors.New("boom")); k != readErrUnknown {
		t.Fatalf("unknown kind=%v", k)
	}
}
