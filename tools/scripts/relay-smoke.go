// Package main provides a CI-friendly WebSocket smoke test for the relay.
//
// It validates:
//   - handshake + subprotocol selection
//   - register -> encryption_key -> user_list
//   - user_joined presence
//   - encrypted chat_message fan-out to another client
//   - forged tokens are rejected and never broadcast
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"slices"
	"strings"
	"time"

	"relay/cmd/security/keys"
	"relay/cmd/security/token"
	v1 "relay/shared/contracts/relay/v1"

	"github.com/coder/websocket"
)

const (
	defaultSubprotocol = "relay.v1"
	maxReadBytes       = 1 << 20 // 1MiB
)

type smokeClient struct {
	name string
	conn *websocket.Conn
	key  keys.ServerKey

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8765/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send (browser-like WS handshake)")
		text    = flag.String("text", "Hola Bob! 👋", "Message text to send")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}

	root := context.Background()
	suffix := time.Now().UTC().Format("150405")

	a := mustConnect(root, "alice-"+suffix, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "bob-"+suffix, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if a.key != b.key {
		fatalf("clients received different keys")
	}

	joined := a.mustReadUntilType(root, v1.TypeUserJoined, *timeout, nil)
	if joined.Username != b.name {
		fatalf("user_joined: got=%q want=%q", joined.Username, b.name)
	}
	if *verbose {
		fmt.Printf("registered: A=%s B=%s origin=%q\n", a.name, b.name, *origin)
	}

	tok, err := token.Encode(a.key, []byte(*text))
	if err != nil {
		fatalf("encode: %v", err)
	}
	mustWriteWithTimeout(root, a.conn, v1.ChatMessage(string(tok)), *timeout)

	msg := b.mustReadUntilType(root, v1.TypeChatMessage, *timeout, skip(v1.TypeUserJoined))
	if msg.Username != a.name {
		fatalf("chat_message username: got=%q want=%q", msg.Username, a.name)
	}
	pt, err := token.Decode(b.key, []byte(msg.Content))
	if err != nil {
		fatalf("decode broadcast: %v", err)
	}
	if string(pt) != *text {
		fatalf("plaintext mismatch: got=%q want=%q", pt, *text)
	}
	if *verbose {
		issued, err := token.IssuedAt(b.key, []byte(msg.Content))
		if err != nil {
			fatalf("issued_at: %v", err)
		}
		fmt.Printf("broadcast: issued_at=%s age=%s\n", issued.Format(time.RFC3339), time.Since(issued).Round(time.Millisecond))
	}

	// The sender may or may not get its own message back, depending on server policy.
	_ = drainOptional(root, a, v1.TypeChatMessage, 750*time.Millisecond)

	forgedKey, err := keys.Generate()
	if err != nil {
		fatalf("generate key: %v", err)
	}
	forged, err := token.Encode(forgedKey, []byte("forged"))
	if err != nil {
		fatalf("encode forged: %v", err)
	}
	mustWriteWithTimeout(root, a.conn, v1.ChatMessage(string(forged)), *timeout)

	rej := a.mustReadUntilError(root, *timeout)
	if rej.Code != v1.CodeAuthentication {
		fatalf("forged token: got code=%q want=%q", rej.Code, v1.CodeAuthentication)
	}
	mustAssertNoType(root, b, v1.TypeChatMessage, 1200*time.Millisecond)

	fmt.Printf("OK: A=%s B=%s bytes=%d id=%s\n", a.name, b.name, len(tok), msg.ID)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, v1.Register(name), stepTimeout)

	keyEnv := c.mustReadUntilType(parent, v1.TypeEncryptionKey, stepTimeout, nil)
	key, err := keys.Parse(keyEnv.Key)
	if err != nil {
		fatalf("encryption_key (%s): %v", name, err)
	}
	c.key = key

	list := c.mustReadUntilType(parent, v1.TypeUserList, stepTimeout, nil)
	if !slices.Contains(list.Users, name) {
		fatalf("user_list (%s) does not include self: %v", name, list.Users)
	}

	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				select {
				case c.errCh <- err:
				default:
				}
				return
			}

			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				select {
				case c.errCh <- fmt.Errorf("unsupported message type: %v", mt):
				default:
				}
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad json: %w", err):
				default:
				}
				return
			}
			if err := env.Validate(); err != nil {
				select {
				case c.errCh <- fmt.Errorf("bad envelope: %w", err):
				default:
				}
				return
			}

			select {
			case c.inbox <- env:
			default:
				select {
				case c.errCh <- errors.New("inbox overflow: consumer too slow"):
				default:
				}
				return
			}
		}
	}()
}

func drainOptional(parent context.Context, c *smokeClient, typ string, wait time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-c.errCh:
			return err
		case env, ok := <-c.inbox:
			if !ok {
				return errors.New("connection closed")
			}
			if env.Type == typ {
				return nil
			}
		}
	}
}

func mustAssertNoType(parent context.Context, c *smokeClient, forbiddenType string, wait time.Duration) {
	ctx, cancel := context.WithTimeout(parent, wait)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-c.errCh:
			fatalf("connection error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed (%s)", c.name)
			}
			if env.Type == forbiddenType {
				fatalf("unexpected %q (%s): %+v", forbiddenType, c.name, env)
			}
		}
	}
}

func (c *smokeClient) mustReadUntilError(parent context.Context, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for error (%s): %v", c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for error (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for error (%s)", c.name)
			}
			if env.Type == v1.TypeError {
				return env
			}
		}
	}
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			if err == nil {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				fatalf("server error (%s): code=%q msg=%q", c.name, env.Code, env.Message)
			}
			if skipTypes != nil {
				if _, ok := skipTypes[env.Type]; ok {
					continue
				}
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func skip(types ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(types))
	for _, t := range types {
		m[t] = struct{}{}
	}
	return m
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
