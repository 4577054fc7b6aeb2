// Package main provides a CI-friendly WebSocket smoke test for the unigate realtime backend.
//
// It validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack session establishment for two users
//   - joinUserRoom + joinRoom on the shared chat room
//   - sendMessage -> messageSent carrying the client correlation id
//   - chat_message (or new_message) delivery to the counterpart
//   - callInvitation delivery to the counterpart
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"unigate/cmd/identity"
	v1 "unigate/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name   string
	userID string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "", "Origin header to send (optional)")
		userA   = flag.String("user-a", "1", "User id of the sender")
		tokenA  = flag.String("token-a", os.Getenv("UNIGATE_SMOKE_TOKEN_A"), "Bearer token of the sender")
		userB   = flag.String("user-b", "2", "User id of the recipient")
		tokenB  = flag.String("token-b", os.Getenv("UNIGATE_SMOKE_TOKEN_B"), "Bearer token of the recipient")
		text    = flag.String("text", "hello unigate", "Message text to send")
		callURL = flag.String("call-url", "", "Call link to invite with (default: generated)")
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
	roomID, err := identity.RoomFor(*userA, *userB)
	if err != nil {
		fatalf("invalid users: %v", err)
	}

	root := context.Background()

	a := mustConnect(root, "A", *userA, *tokenA, *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *userB, *tokenB, *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	if *verbose {
		fmt.Printf("connected: A=%s B=%s room=%s\n", a.connID, b.connID, roomID)
	}

	for _, c := range []*smokeClient{a, b} {
		mustEmit(root, c, v1.EventJoinUserRoom, v1.JoinUserRoomPayload{UserID: c.userID}, *timeout)
		mustEmit(root, c, v1.EventJoinRoom, v1.RoomPayload{Room: roomID, UserID: c.userID}, *timeout)
	}

	now := time.Now()
	clientMsgID, err := identity.NewCorrelationID(now)
	if err != nil {
		fatalf("correlation id: %v", err)
	}
	mustEmit(root, a, v1.EventSendMessage, v1.SendMessagePayload{
		Room:            roomID,
		Recipient:       b.userID,
		Message:         *text,
		ClientTimestamp: now.UnixMilli(),
		ClientMsgID:     clientMsgID,
	}, *timeout)

	sent := a.mustReadUntil(root, v1.EventMessageSent, *timeout, func(env v1.Envelope) bool {
		var p v1.MessageSentPayload
		return env.Type == v1.EventMessageSent && json.Unmarshal(env.Payload, &p) == nil &&
			(p.ClientMsgID == clientMsgID || p.ClientMsgID == "")
	})
	var sp v1.MessageSentPayload
	_ = json.Unmarshal(sent.Payload, &sp)
	if strings.TrimSpace(sp.ID) == "" {
		fatalf("messageSent missing id (%s)", a.name)
	}

	b.mustReadUntil(root, v1.EventChatMessage, *timeout, func(env v1.Envelope) bool {
		return (env.Type == v1.EventChatMessage || env.Type == v1.EventNewMessage) && containsText(env.Payload, *text)
	})

	link := *callURL
	if link == "" {
		link = "https://test.unigate.com.ng/w/vc.php?room=" + url.QueryEscape(roomID) + "&call=" + clientMsgID
	}
	mustEmit(root, a, v1.EventCallInvitation, v1.CallInvitationPayload{
		Room:        roomID,
		RecipientID: b.userID,
		CallerID:    a.userID,
		CallerName:  "smoke " + a.name,
		CallURL:     link,
		CallType:    "video",
		Timestamp:   time.Now().UnixMilli(),
	}, *timeout)

	b.mustReadUntil(root, v1.EventCallInvitation, *timeout, func(env v1.Envelope) bool {
		var p v1.CallInvitationPayload
		return env.Type == v1.EventCallInvitation && json.Unmarshal(env.Payload, &p) == nil && p.CallURL == link
	})

	fmt.Printf("OK: A=%s B=%s room=%s message_id=%s\n", a.connID, b.connID, roomID, sp.ID)
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

func mustConnect(parent context.Context, name, userID, token, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			fatalf("connect %s: http %d: %v", name, resp.StatusCode, err)
		}
		fatalf("connect %s: %v", name, err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch (%s): got=%q want=%q", name, got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:   name,
		userID: userID,
		conn:   conn,
		inbox:  make(chan v1.Envelope, 512),
		errCh:  make(chan error, 1),
	}
	c.startReadLoop()

	mustWriteWithTimeout(parent, conn, envelope(v1.TypeHello, v1.HelloPayload{UserID: userID}), stepTimeout)

	ack := c.mustReadUntil(parent, v1.TypeHelloAck, stepTimeout, nil)
	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", name)
	}
	c.connID = p.ConnectionID
	return c
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.report(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.report(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.report(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.report(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.report(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) report(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

// mustReadUntil waits for an envelope accepted by match. A nil match accepts the first
// envelope of type want. Everything else except error envelopes is skipped.
func (c *smokeClient) mustReadUntil(parent context.Context, want string, stepTimeout time.Duration, match func(v1.Envelope) bool) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	if match == nil {
		match = func(env v1.Envelope) bool { return env.Type == want }
	}

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", want, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", want, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", want, c.name)
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if match(env) {
				return env
			}
		}
	}
}

func mustEmit(parent context.Context, c *smokeClient, event string, payload any, stepTimeout time.Duration) {
	mustWriteWithTimeout(parent, c.conn, envelope(event, payload), stepTimeout)
}

func envelope(typ string, payload any) v1.Envelope {
	now := time.Now().UTC()
	id, err := identity.NewCorrelationID(now)
	if err != nil {
		fatalf("envelope id: %v", err)
	}
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: mustJSON(payload)}
}

// containsText matches the text anywhere in the payload; inbound messages are loosely shaped.
func containsText(payload json.RawMessage, text string) bool {
	quoted, _ := json.Marshal(text)
	return bytes.Contains(payload, quoted)
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

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
