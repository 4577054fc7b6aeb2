package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"unigate/cmd/internal/auth/session"
	"unigate/cmd/internal/call"
	"unigate/cmd/internal/notify"
	"unigate/cmd/internal/realtime"
	"unigate/cmd/internal/storage"
	v1 "unigate/shared/contracts/realtime/v1"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type pipeTransport struct {
	id     string
	in     chan v1.Envelope
	out    chan v1.Envelope
	closed chan struct{}
	once   sync.Once
}

func (t *pipeTransport) ConnectionID() string { return t.id }

func (t *pipeTransport) Read(ctx context.Context) (v1.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return v1.Envelope{}, net.ErrClosed
	case <-ctx.Done():
		return v1.Envelope{}, ctx.Err()
	}
}

func (t *pipeTransport) Write(ctx context.Context, env v1.Envelope) error {
	select {
	case t.out <- env:
		return nil
	case <-t.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *pipeTransport) Ping(context.Context) error { return nil }

func (t *pipeTransport) Close(string) error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// push delivers a server event to the client.
func (t *pipeTransport) push(typ string, payload any) {
	raw, _ := json.Marshal(payload)
	t.in <- v1.Envelope{V: v1.Version, Type: typ, ID: "srv-" + typ, TS: time.Now(), Payload: raw}
}

type pipeDialer struct {
	mu    sync.Mutex
	n     int
	conns chan *pipeTransport
}

func (d *pipeDialer) Dial(context.Context, string, session.Session) (realtime.Transport, error) {
	d.mu.Lock()
	d.n++
	t := &pipeTransport{
		id:     fmt.Sprintf("conn-%d", d.n),
		in:     make(chan v1.Envelope, 16),
		out:    make(chan v1.Envelope, 64),
		closed: make(chan struct{}),
	}
	d.mu.Unlock()
	d.conns <- t
	return t, nil
}

func nextPipe(t *testing.T, d *pipeDialer) *pipeTransport {
	t.Helper()
	select {
	case p := <-d.conns:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("no transport dialed")
		return nil
	}
}

// expectOut skips outbound envelopes until one of type typ arrives.
func expectOut(t *testing.T, p *pipeTransport, typ string) v1.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-p.out:
			if env.Type == typ {
				return env
			}
		case <-deadline:
			t.Fatalf("no outbound %q envelope", typ)
			return v1.Envelope{}
		}
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

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// restBackend serves the REST endpoints the App touches over an in-memory listener.
func restBackend(t *testing.T) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		ctx.SetContentType("application/json")
		switch path := string(ctx.Path()); {
		case path == "/api/auth/login":
			ctx.SetBodyString(`{"data":{"token":"tok-1","user":{"_id":"1"}}}`)
		case strings.HasPrefix(path, "/api/chat/room/"):
			ctx.SetBodyString(`{"messages":[]}`)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })
	return &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
}

type fixture struct {
	app    *App
	store  storage.Store
	dialer *pipeDialer
	notes  *notify.LogCapability
}

func newFixture(t *testing.T, sess session.Session) *fixture {
	t.Helper()
	ctx := context.Background()

	st := storage.NewMemoryStore()
	if sess.Valid() {
		if err := session.Save(ctx, st, sess); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	cfg := DefaultConfig()
	cfg.APIBaseURL = "http://api.unigate.test/api"
	cfg.StorageBackend = storage.BackendMemory
	cfg.PollInterval = time.Hour
	cfg.Realtime.HeartbeatInterval = 0
	cfg.Realtime.ReconnectDelay = 10 * time.Millisecond

	notes := notify.NewLogCapability(testLogger())
	notes.SetPermission(notify.PermissionGranted)
	d := &pipeDialer{conns: make(chan *pipeTransport, 4)}

	a, err := New(ctx, cfg, testLogger(),
		WithStore(st),
		WithDialer(d),
		WithCapability(notes),
		WithHTTPClient(restBackend(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return &fixture{app: a, store: st, dialer: d, notes: notes}
}

// started starts the App and returns the live transport after joinUserRoom.
func (f *fixture) started(t *testing.T) *pipeTransport {
	t.Helper()
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := nextPipe(t, f.dialer)
	expectOut(t, p, v1.EventJoinUserRoom)
	return p
}

var me = session.Session{UserID: "1", Token: "tok-1"}

func TestNew_RestoresPersistedSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, me)
	if got := f.app.Session(); got != me {
		t.Fatalf("Session()=%+v want=%+v", got, me)
	}
}

func TestStart_RequiresSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Session{})
	if err := f.app.Start(context.Background()); !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("Start err=%v want=ErrNotLoggedIn", err)
	}
	if _, err := f.app.OpenRoom(context.Background(), "2"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("OpenRoom err=%v want=ErrNotStarted", err)
	}
	if _, err := f.app.StartCall(context.Background(), "2", "Me", call.TypeVideo); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("StartCall err=%v want=ErrNotStarted", err)
	}
}

func TestLogin_PersistsSessionAndStarts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, session.Session{})
	ctx := context.Background()

	got, err := f.app.Login(ctx, "ada@example.com", "pw")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got != me {
		t.Fatalf("Login=%+v want=%+v", got, me)
	}
	if stored, err := session.Load(ctx, f.store); err != nil || stored != me {
		t.Fatalf("stored=%+v err=%v", stored, err)
	}
	f.started(t)
}

func TestIncomingCallInvitation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, me)
	p := f.started(t)

	link := call.DefaultLinkPrefix + "vc.php?room=chatroom_1_2&call=abc"
	p.push(v1.EventCallInvitation, v1.CallInvitationPayload{
		Room:        "chatroom_1_2",
		RecipientID: "1",
		CallerID:    "2",
		CallerName:  "Ada",
		CallURL:     link,
		CallType:    call.TypeAudio,
		Timestamp:   time.Now().UnixMilli(),
	})

	select {
	case c := <-f.app.IncomingCalls():
		want := call.IncomingCall{CallerName: "Ada", CallerID: "2", CallURL: link, RoomID: "chatroom_1_2", CallType: call.TypeAudio}
		if c != want {
			t.Fatalf("incoming=%+v want=%+v", c, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no incoming call")
	}

	h, err := storage.ReadCallHandoff(context.Background(), f.store)
	if err != nil || h.CallURL != link || h.PartnerID != "2" {
		t.Fatalf("handoff=%+v err=%v", h, err)
	}
	if vis := f.notes.Visible(); len(vis) != 1 || vis[0] != "call-chatroom_1_2" {
		t.Fatalf("visible=%v", vis)
	}

	router, _, err := f.app.Call()
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := router.Accept(context.Background(), "chatroom_1_2"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if vis := f.notes.Visible(); len(vis) != 0 {
		t.Fatalf("visible after accept=%v", vis)
	}
}

func TestMessagesOutsideOpenRoomNotify(t *testing.T) {
	t.Parallel()

	f := newFixture(t, me)
	p := f.started(t)

	if _, err := f.app.OpenRoom(context.Background(), "2"); err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}
	expectOut(t, p, v1.EventJoinRoom)

	p.push(v1.EventChatMessage, map[string]any{
		"_id": "m-open", "room_id": "chatroom_1_2", "sender_id": "2", "message": "in the open room",
	})
	p.push(v1.EventChatMessage, map[string]any{
		"_id": "m-mine", "room_id": "chatroom_1_3", "sender_id": "1", "message": "my own echo",
	})
	p.push(v1.EventChatMessage, map[string]any{
		"_id": "m-other", "room_id": "chatroom_1_3", "sender_id": map[string]any{"_id": "3", "name": "Bo"}, "message": "hello",
	})

	waitFor(t, "notification", func() bool { return f.notes.Shown() > 0 })
	if vis := f.notes.Visible(); len(vis) != 1 || vis[0] != "message-m-other" {
		t.Fatalf("visible=%v want=[message-m-other]", vis)
	}
}

func TestStartCall_FromOpenRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t, me)
	p := f.started(t)

	if _, err := f.app.OpenRoom(context.Background(), "chatroom_1_2"); err != nil {
		t.Fatalf("OpenRoom: %v", err)
	}
	expectOut(t, p, v1.EventJoinRoom)

	sess, err := f.app.StartCall(context.Background(), "2", "Me", call.TypeVideo)
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if !sess.Active || !sess.IsCaller || sess.RoomID != "chatroom_1_2" {
		t.Fatalf("session=%+v", sess)
	}

	inv := expectOut(t, p, v1.EventCallInvitation)
	var payload v1.CallInvitationPayload
	if err := json.Unmarshal(inv.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.RecipientID != "2" || payload.CallerName != "Me" || payload.CallURL != sess.CallURL {
		t.Fatalf("payload=%+v", payload)
	}

	msg := expectOut(t, p, v1.EventSendMessage)
	var sent v1.SendMessagePayload
	if err := json.Unmarshal(msg.Payload, &sent); err != nil {
		t.Fatalf("sendMessage payload: %v", err)
	}
	if sent.Message != sess.CallURL {
		t.Fatalf("posted=%q want=%q", sent.Message, sess.CallURL)
	}

	if _, err := f.app.StartCall(context.Background(), "2", "Me", call.TypeVideo); !errors.Is(err, call.ErrCallActive) {
		t.Fatalf("second StartCall err=%v want=ErrCallActive", err)
	}
}

func TestLogout_ClearsSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, me)
	f.started(t)

	if err := f.app.Logout(context.Background()); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if f.app.Conn().IsConnected() {
		t.Fatalf("still connected after logout")
	}
	if _, err := session.Load(context.Background(), f.store); !errors.Is(err, session.ErrNotLoggedIn) {
		t.Fatalf("Load err=%v want=ErrNotLoggedIn", err)
	}
	if _, _, err := f.app.Call(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Call err=%v want=ErrNotStarted", err)
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	f := newFixture(t, me)
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Fatalf("/healthz=%d want=200", code)
	}
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz before connect=%d want=503", code)
	}

	f.started(t)
	waitFor(t, "connected", f.app.Conn().IsConnected)
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Fatalf("/readyz connected=%d want=200", code)
	}

	code, body := get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "go_goroutines") {
		t.Fatalf("/metrics=%d body has go_goroutines=%v", code, strings.Contains(body, "go_goroutines"))
	}
}
