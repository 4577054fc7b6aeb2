package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"unigate/cmd/internal/auth/session"
	v1 "unigate/shared/contracts/realtime/v1"
)

const testEndpoint = "ws://backend.test/realtime"

var testSession = session.Session{UserID: "u1", Token: "tok-1"}

type fakeTransport struct {
	id     string
	in     chan v1.Envelope
	out    chan v1.Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		id:     id,
		in:     make(chan v1.Envelope, 16),
		out:    make(chan v1.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ConnectionID() string { return t.id }

func (t *fakeTransport) Read(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return v1.Envelope{}, net.ErrClosed
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (t *fakeTransport) Write(ctx context.Context, env v1.Envelope) error {
	select {
	case t.out <- env:
		return nil
	case <-t.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Ping(context.Context) error { return nil }

func (t *fakeTransport) Close(string) error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	dials  int
	failN  int // fail this many upcoming dials; < 0 fails forever
	err    error
	tokens []string
	conns  chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, sess session.Session) (Transport, error) {
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, sess.Token)
	n := d.dials
	if d.failN != 0 {
		if d.failN > 0 {
			d.failN--
		}
		err := d.err
		if err == nil {
			err = errors.New("connection refused")
		}
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	t := newFakeTransport(fmt.Sprintf("conn-%d", n))
	d.conns <- t
	return t, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastConfig() Config {
	c := DefaultConfig()
	c.ReconnectDelay = 10 * time.Millisecond
	c.ReconnectAttempts = 2
	c.HeartbeatInterval = 0
	return c
}

func newTestManager(t *testing.T, cfg Config, d Dialer) *Manager {
	t.Helper()
	m := NewManager(testLogger(), cfg, WithDialer(d))
	t.Cleanup(m.Disconnect)
	return m
}

func waitConnected(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v (status=%s)", err, m.Status())
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextTransport(t *testing.T, d *fakeDialer) *fakeTransport {
	t.Helper()
	select {
	case ft := <-d.conns:
		return ft
	case <-time.After(2 * time.Second):
		t.Fatalf("no transport dialed")
		return nil
	}
}

func nextOut(t *testing.T, ft *fakeTransport) v1.Envelope {
	t.Helper()
	select {
	case env := <-ft.out:
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no outbound envelope on %s", ft.id)
		return v1.Envelope{}
	}
}

func expectJoinUserRoom(t *testing.T, ft *fakeTransport, userID string) {
	t.Helper()
	env := nextOut(t, ft)
	if env.Type != v1.EventJoinUserRoom {
		t.Fatalf("first envelope type=%q want=%q", env.Type, v1.EventJoinUserRoom)
	}
	var p v1.JoinUserRoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("joinUserRoom payload: %v", err)
	}
	if p.UserID != userID {
		t.Fatalf("joinUserRoom userId=%q want=%q", p.UserID, userID)
	}
}

func event(typ string, payload any) v1.Envelope {
	raw, _ := json.Marshal(payload)
	return v1.Envelope{V: v1.Version, Type: typ, ID: NewEnvelopeID(time.Now()), TS: time.Now().UTC(), Payload: raw}
}

func TestConnect_MissingCredentialsIsNoop(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)

	cases := []session.Session{
		{},
		{UserID: "u1"},
		{Token: "tok"},
		{UserID: "  ", Token: "tok"},
	}
	for _, s := range cases {
		c, err := m.Connect(context.Background(), testEndpoint, s)
		if err != nil {
			t.Fatalf("Connect(%+v) err=%v want=nil", s, err)
		}
		if c.Status != StatusDisconnected {
			t.Fatalf("Connect(%+v) status=%s want=disconnected", s, c.Status)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if n := d.count(); n != 0 {
		t.Fatalf("dials=%d want=0", n)
	}
	if m.Emit(v1.EventJoinRoom, v1.RoomPayload{Room: "chatroom_u1_u2"}, nil) {
		t.Fatalf("Emit succeeded while disconnected")
	}
}

func TestConnect_InvalidEndpoint(t *testing.T) {
	t.Parallel()

	m := newTestManager(t, fastConfig(), newFakeDialer())
	for _, ep := range []string{"", "http://x", "ws://", "::bad"} {
		if _, err := m.Connect(context.Background(), ep, testSession); !errors.Is(err, ErrInvalidEndpoint) {
			t.Fatalf("Connect(%q) err=%v want ErrInvalidEndpoint", ep, err)
		}
	}
}

func TestConnect_IdempotentForSameSession(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)

	if _, err := m.Connect(context.Background(), testEndpoint, testSession); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitConnected(t, m)
	ft := nextTransport(t, d)
	expectJoinUserRoom(t, ft, "u1")

	c, err := m.Connect(context.Background(), testEndpoint, testSession)
	if err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if c.Status != StatusConnected || c.ConnectionID != "conn-1" {
		t.Fatalf("second Connect snapshot=%+v", c)
	}

	select {
	case env := <-ft.out:
		t.Fatalf("unexpected envelope after second Connect: %s", env.Type)
	case <-time.After(50 * time.Millisecond):
	}
	if n := d.count(); n != 1 {
		t.Fatalf("dials=%d want=1", n)
	}
}

func TestConnect_DifferentTokenReplacesTransport(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)

	var (
		mu  sync.Mutex
		ups []bool
	)
	m.WatchConnected(func(up bool) {
		mu.Lock()
		ups = append(ups, up)
		mu.Unlock()
	})

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	first := nextTransport(t, d)
	expectJoinUserRoom(t, first, "u1")

	_, _ = m.Connect(context.Background(), testEndpoint, session.Session{UserID: "u1", Token: "tok-2"})
	second := nextTransport(t, d)
	waitConnected(t, m)
	expectJoinUserRoom(t, second, "u1")

	if !first.isClosed() {
		t.Fatalf("old transport still open")
	}
	d.mu.Lock()
	tokens := append([]string(nil), d.tokens...)
	d.mu.Unlock()
	if len(tokens) != 2 || tokens[0] != "tok-1" || tokens[1] != "tok-2" {
		t.Fatalf("dial tokens=%v", tokens)
	}

	waitFor(t, "three transitions", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ups) >= 3
	})
	mu.Lock()
	defer mu.Unlock()
	if len(ups) != 3 || !ups[0] || ups[1] || !ups[2] {
		t.Fatalf("watch transitions=%v want=[true false true]", ups)
	}
}

func TestEmit_AckCorrelatedByReplyTo(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)
	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	ft := nextTransport(t, d)
	expectJoinUserRoom(t, ft, "u1")

	got := make(chan json.RawMessage, 1)
	ok := m.Emit(v1.EventSendMessage, v1.SendMessagePayload{
		Room: "chatroom_u1_u2", Recipient: "u2", Message: "hi", ClientTimestamp: 1700000000000,
	}, func(p json.RawMessage, err error) {
		if err != nil {
			t.Errorf("ack err=%v", err)
		}
		got <- p
	})
	if !ok {
		t.Fatalf("Emit=false want=true")
	}

	sent := nextOut(t, ft)
	if sent.Type != v1.EventSendMessage || sent.ID == "" || sent.V != v1.Version {
		t.Fatalf("sent=%+v", sent)
	}

	// An ack for some other envelope must not resolve ours.
	ft.in <- v1.Envelope{V: v1.Version, Type: v1.TypeAck, ReplyTo: "other", Payload: json.RawMessage(`{}`)}
	ft.in <- v1.Envelope{V: v1.Version, Type: v1.TypeAck, ReplyTo: sent.ID, Payload: json.RawMessage(`{"id":"srv-1"}`)}

	select {
	case p := <-got:
		if string(p) != `{"id":"srv-1"}` {
			t.Fatalf("ack payload=%s", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ack not delivered")
	}
}

func TestEmit_ServerErrorResolvesAck(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)
	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	ft := nextTransport(t, d)
	expectJoinUserRoom(t, ft, "u1")

	errs := make(chan error, 1)
	m.Emit(v1.EventJoinRoom, v1.RoomPayload{Room: "chatroom_u1_u2", UserID: "u1"}, func(_ json.RawMessage, err error) {
		errs <- err
	})
	sent := nextOut(t, ft)

	env := event(v1.TypeError, v1.ErrorPayload{Code: "forbidden", Message: "not a member"})
	env.ReplyTo = sent.ID
	ft.in <- env

	select {
	case err := <-errs:
		var se *ServerError
		if !errors.As(err, &se) || se.Code != "forbidden" {
			t.Fatalf("ack err=%v want ServerError{forbidden}", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("ack not delivered")
	}
}

func TestEmit_AckTimeout(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.AckTimeout = 20 * time.Millisecond
	d := newFakeDialer()
	m := newTestManager(t, cfg, d)
	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)

	errs := make(chan error, 1)
	m.Emit(v1.EventTyping, v1.TypingPayload{Room: "chatroom_u1_u2"}, func(_ json.RawMessage, err error) { errs <- err })

	select {
	case err := <-errs:
		if !errors.Is(err, ErrAckTimeout) {
			t.Fatalf("err=%v want ErrAckTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout not reported")
	}
}

func TestEmit_RejectsUnknownEvent(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)
	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)

	for _, ev := range []string{"", "hello", v1.EventChatMessage, "drop_tables"} {
		if m.Emit(ev, map[string]string{}, nil) {
			t.Fatalf("Emit(%q)=true want=false", ev)
		}
	}
}

func TestEmit_RateLimited(t *testing.T) {
	t.Parallel()

	cfg := fastConfig()
	cfg.EmitRate = 1
	cfg.EmitBurst = 1
	d := newFakeDialer()
	m := newTestManager(t, cfg, d)
	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)

	if !m.Emit(v1.EventTyping, v1.TypingPayload{}, nil) {
		t.Fatalf("first Emit=false want=true")
	}
	if m.Emit(v1.EventTyping, v1.TypingPayload{}, nil) {
		t.Fatalf("second Emit=true want=false")
	}
}

func TestEmit_QueueFullReturnsFalse(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)
	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	ft := nextTransport(t, d)

	// Nobody drains ft.out, so the writer eventually blocks and the queue fills.
	rejected := false
	for i := 0; i < cap(ft.out)+minSendQueueSize+defaultSendQueueSize+8; i++ {
		if !m.Emit(v1.EventTyping, v1.TypingPayload{}, nil) {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatalf("queue never filled")
	}
}

func TestInbound_DispatchInSubscriptionOrder(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)

	var (
		mu    sync.Mutex
		calls []string
	)
	done := make(chan struct{})
	m.On(v1.EventChatMessage, func(p json.RawMessage) {
		mu.Lock()
		calls = append(calls, "a:"+string(p))
		mu.Unlock()
	})
	unsub := m.On(v1.EventChatMessage, func(json.RawMessage) {
		mu.Lock()
		calls = append(calls, "removed")
		mu.Unlock()
	})
	m.On(v1.EventChatMessage, func(p json.RawMessage) {
		mu.Lock()
		calls = append(calls, "b:"+string(p))
		n := len(calls)
		mu.Unlock()
		if n == 4 {
			close(done)
		}
	})
	unsub()
	unsub()

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	ft := nextTransport(t, d)

	ft.in <- event(v1.EventChatMessage, 1)
	ft.in <- event(v1.EventChatMessage, 2)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handlers not called")
	}
	mu.Lock()
	defer mu.Unlock()
	want := []string{"a:1", "b:1", "a:2", "b:2"}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls=%v want=%v", calls, want)
		}
	}
}

func TestInbound_HandlerPanicDoesNotKillReadLoop(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)
	got := make(chan struct{}, 1)
	m.On(v1.EventUserTyping, func(json.RawMessage) { panic("boom") })
	m.On(v1.EventUserStoppedTyping, func(json.RawMessage) { got <- struct{}{} })

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	ft := nextTransport(t, d)
	ft.in <- event(v1.EventUserTyping, v1.UserTypingPayload{UserName: "Ada"})
	ft.in <- v1.Envelope{V: "v0", Type: v1.EventUserTyping}
	ft.in <- event(v1.EventUserStoppedTyping, v1.UserStoppedTypingPayload{})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("read loop stopped after handler panic")
	}
	if !m.IsConnected() {
		t.Fatalf("disconnected after handler panic")
	}
}

func TestReconnect_RejoinsUserRoomAndFailsPendingAcks(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)

	reasons := make(chan string, 4)
	connects := make(chan string, 4)
	m.On(v1.EventDisconnect, func(p json.RawMessage) {
		var info DisconnectInfo
		_ = json.Unmarshal(p, &info)
		reasons <- info.Reason
	})
	m.On(v1.EventConnect, func(p json.RawMessage) {
		var info ConnectInfo
		_ = json.Unmarshal(p, &info)
		connects <- info.ConnectionID
	})

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	first := nextTransport(t, d)
	expectJoinUserRoom(t, first, "u1")
	if id := <-connects; id != "conn-1" {
		t.Fatalf("connect id=%q want=conn-1", id)
	}

	ackErr := make(chan error, 1)
	m.Emit(v1.EventSendMessage, v1.SendMessagePayload{Room: "chatroom_u1_u2"}, func(_ json.RawMessage, err error) {
		ackErr <- err
	})
	_ = nextOut(t, first)

	_ = first.Close("server gone")

	select {
	case r := <-reasons:
		if r != ReasonTransportClose {
			t.Fatalf("disconnect reason=%q want=%q", r, ReasonTransportClose)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no disconnect event")
	}
	select {
	case err := <-ackErr:
		if !errors.Is(err, ErrNotConnected) {
			t.Fatalf("pending ack err=%v want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pending ack not failed")
	}

	second := nextTransport(t, d)
	expectJoinUserRoom(t, second, "u1")
	if id := <-connects; id != "conn-2" {
		t.Fatalf("reconnect id=%q want=conn-2", id)
	}
	if c := m.Snapshot(); c.Status != StatusConnected || c.ConnectionID != "conn-2" || c.LastError != nil {
		t.Fatalf("snapshot=%+v", c)
	}
}

func TestReconnect_ExhaustionStaysDisconnected(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.failN = -1
	cfg := fastConfig()
	cfg.ReconnectAttempts = 2
	m := newTestManager(t, cfg, d)

	var (
		mu       sync.Mutex
		attempts []int
	)
	m.On(v1.EventConnectError, func(p json.RawMessage) {
		var info ConnectErrorInfo
		_ = json.Unmarshal(p, &info)
		mu.Lock()
		attempts = append(attempts, info.Attempt)
		mu.Unlock()
	})

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitFor(t, "exhaustion", func() bool {
		c := m.Snapshot()
		return d.count() == 3 && c.Status == StatusDisconnected && c.LastError != nil
	})

	time.Sleep(50 * time.Millisecond)
	if n := d.count(); n != 3 {
		t.Fatalf("dials=%d want=3", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 || attempts[2] != 3 {
		t.Fatalf("connect_error attempts=%v want=[1 2 3]", attempts)
	}
}

func TestReconnect_AuthRejectedIsNotRetried(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.failN = -1
	d.err = fmt.Errorf("%w: http 401", ErrAuthRejected)
	m := newTestManager(t, fastConfig(), d)

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitFor(t, "give up", func() bool {
		c := m.Snapshot()
		return c.Status == StatusDisconnected && errors.Is(c.LastError, ErrAuthRejected)
	})
	time.Sleep(50 * time.Millisecond)
	if n := d.count(); n != 1 {
		t.Fatalf("dials=%d want=1", n)
	}
}

func TestReconnect_RecoversAfterTransientFailures(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	d.failN = 2
	m := newTestManager(t, fastConfig(), d)

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	expectJoinUserRoom(t, nextTransport(t, d), "u1")
	if n := d.count(); n != 3 {
		t.Fatalf("dials=%d want=3", n)
	}
}

func TestDisconnect_RemovesListenersAndStopsReconnect(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)

	calls := make(chan struct{}, 4)
	m.On(v1.EventMessageNotification, func(json.RawMessage) { calls <- struct{}{} })
	m.On(v1.EventDisconnect, func(json.RawMessage) { calls <- struct{}{} })

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	ft := nextTransport(t, d)

	m.Disconnect()
	m.Disconnect()

	if m.IsConnected() || m.Status() != StatusDisconnected {
		t.Fatalf("status=%s after Disconnect", m.Status())
	}
	if !ft.isClosed() {
		t.Fatalf("transport not closed")
	}
	m.hmu.Lock()
	n := len(m.handlers)
	m.hmu.Unlock()
	if n != 0 {
		t.Fatalf("handlers left=%d want=0", n)
	}
	if m.Emit(v1.EventTyping, v1.TypingPayload{}, nil) {
		t.Fatalf("Emit after Disconnect=true")
	}

	time.Sleep(50 * time.Millisecond)
	if c := d.count(); c != 1 {
		t.Fatalf("dials=%d want=1 (no reconnect after Disconnect)", c)
	}
	select {
	case <-calls:
		t.Fatalf("listener called after Disconnect")
	default:
	}
}

func TestDisconnect_FromHandler(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	m := newTestManager(t, fastConfig(), d)
	m.On(v1.EventMessageNotification, func(json.RawMessage) { m.Disconnect() })

	_, _ = m.Connect(context.Background(), testEndpoint, testSession)
	waitConnected(t, m)
	ft := nextTransport(t, d)
	ft.in <- event(v1.EventMessageNotification, v1.MessageNotificationPayload{Room: "chatroom_u1_u2"})

	waitFor(t, "disconnect", func() bool { return m.Status() == StatusDisconnected })
	time.Sleep(30 * time.Millisecond)
	if c := d.count(); c != 1 {
		t.Fatalf("dials=%d want=1", c)
	}
}

func TestStatusString(t *testing.T) {
	t.Parallel()

	cases := map[Status]string{
		StatusDisconnected: "disconnected",
		StatusConnecting:   "connecting",
		StatusConnected:    "connected",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("Status(%d).String()=%q want=%q", s, got, want)
		}
	}
}
