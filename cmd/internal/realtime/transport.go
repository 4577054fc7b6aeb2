package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"unigate/cmd/internal/auth/session"
	v1 "unigate/shared/contracts/realtime/v1"

	"github.com/coder/websocket"
)

// Transport is one established realtime session with the backend.
// Read is only called from a single goroutine; Write and Ping may run concurrently with it.
type Transport interface {
	ConnectionID() string
	Read(ctx context.Context) (v1.Envelope, error)
	Write(ctx context.Context, env v1.Envelope) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Dialer establishes a Transport for an authenticated session.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, sess session.Session) (Transport, error)
}

// WSDialer dials the backend over websocket and performs the hello handshake.
type WSDialer struct {
	// HTTPClient is optional; nil uses http.DefaultClient.
	HTTPClient *http.Client
	// Origin is sent when set. Browsers always send one; headless clients may need it for origin allowlists.
	Origin string

	HandshakeTimeout time.Duration
}

// Dial connects to endpoint, negotiates the v1 subprotocol and waits for hello_ack.
func (d WSDialer) Dial(ctx context.Context, endpoint string, sess session.Session) (Transport, error) {
	if err := validateWSURL(endpoint); err != nil {
		return nil, err
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer "+sess.Token)
	if d.Origin != "" {
		h.Set("Origin", d.Origin)
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient:   d.HTTPClient,
		HTTPHeader:   h,
		Subprotocols: []string{v1.Subprotocol},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: http %d", ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	if sp := conn.Subprotocol(); sp != v1.Subprotocol {
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return nil, fmt.Errorf("%w: got %q", ErrSubprotocol, sp)
	}
	conn.SetReadLimit(maxFrameBytes)

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	connID, err := hello(hsCtx, conn, sess.UserID)
	if err != nil {
		_ = conn.Close(websocket.StatusPolicyViolation, "hello failed")
		return nil, err
	}
	return &wsTransport{conn: conn, connID: connID}, nil
}

func hello(ctx context.Context, conn *websocket.Conn, userID string) (string, error) {
	p, _ := json.Marshal(v1.HelloPayload{UserID: userID})
	env := newEnvelope(v1.TypeHello, p, time.Now().UTC())
	if err := writeEnvelope(ctx, conn, env); err != nil {
		return "", fmt.Errorf("hello write: %w", err)
	}

	for {
		got, err := readEnvelope(ctx, conn)
		if err != nil {
			return "", fmt.Errorf("hello read: %w", err)
		}
		switch got.Type {
		case v1.TypeHelloAck:
			var ack v1.HelloAckPayload
			if err := json.Unmarshal(got.Payload, &ack); err != nil {
				return "", fmt.Errorf("hello_ack payload: %w", err)
			}
			if strings.TrimSpace(ack.ConnectionID) == "" {
				return "", errors.New("hello_ack: missing connection_id")
			}
			return ack.ConnectionID, nil
		case v1.TypeError:
			var e v1.ErrorPayload
			_ = json.Unmarshal(got.Payload, &e)
			if e.Code == "unauthorized" {
				return "", fmt.Errorf("%w: %s", ErrAuthRejected, e.Message)
			}
			return "", fmt.Errorf("hello rejected: code=%s msg=%s", e.Code, e.Message)
		}
		// Anything else before hello_ack is ignored.
	}
}

type wsTransport struct {
	conn   *websocket.Conn
	connID string
}

func (t *wsTransport) ConnectionID() string { return t.connID }

func (t *wsTransport) Read(ctx context.Context) (v1.Envelope, error) {
	return readEnvelope(ctx, t.conn)
}

func (t *wsTransport) Write(ctx context.Context, env v1.Envelope) error {
	return writeEnvelope(ctx, t.conn, env)
}

func (t *wsTransport) Ping(ctx context.Context) error { return t.conn.Ping(ctx) }

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      NewEnvelopeID(ts),
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, fmt.Errorf("%w: %v", errBadJSON, err)
	}
	return env, nil
}

func writeEnvelope(ctx context.Context, conn *websocket.Conn, env v1.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

var errBadJSON = errors.New("bad json")

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, errBadJSON) {
		return readErrBadJSON
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}

// disconnectReason maps a read failure to the reason reported with the disconnect event.
func disconnectReason(err error) string {
	switch classifyReadErr(err) {
	case readErrClose:
		return ReasonServerDisconnect
	case readErrCtxDone:
		return ReasonClientDisconnect
	case readErrConnClosed:
		return ReasonTransportClose
	default:
		return ReasonTransportError
	}
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: scheme must be ws or wss, got %q", ErrInvalidEndpoint, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidEndpoint)
	}
	return nil
}
