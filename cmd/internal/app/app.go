// Package app wires the client runtime: configuration, logging, storage, the realtime
// connection and the chat, call and notification components that sit on top of it.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"unigate/cmd/identity"
	"unigate/cmd/internal/auth/session"
	"unigate/cmd/internal/call"
	"unigate/cmd/internal/chat"
	"unigate/cmd/internal/notify"
	"unigate/cmd/internal/realtime"
	"unigate/cmd/internal/restapi"
	"unigate/cmd/internal/storage"
	v1 "unigate/shared/contracts/realtime/v1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/valyala/fasthttp"
)

// ErrNotStarted is returned by operations that need Start first.
var ErrNotStarted = errors.New("app: not started")

// Option customizes an App.
type Option func(*options)

type options struct {
	store      storage.Store
	dialer     realtime.Dialer
	capability notify.Capability
	navigator  call.Navigator
	httpClient *fasthttp.Client
	now        func() time.Time
}

// WithStore uses st instead of opening the configured backend. The App does not close it.
func WithStore(st storage.Store) Option { return func(o *options) { o.store = st } }

func WithDialer(d realtime.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithCapability replaces the notification surface picked from the config.
func WithCapability(c notify.Capability) Option { return func(o *options) { o.capability = c } }

// WithNavigator receives incoming calls in addition to IncomingCalls.
func WithNavigator(n call.Navigator) Option { return func(o *options) { o.navigator = n } }

// WithHTTPClient is used for the REST backend and the notification webhook.
func WithHTTPClient(c *fasthttp.Client) Option { return func(o *options) { o.httpClient = c } }

func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// App owns every long-lived component of one client process.
type App struct {
	cfg Config
	log *slog.Logger
	reg *prometheus.Registry
	now func() time.Time

	store     storage.Store
	ownsStore bool
	session   *session.Holder
	conn      *realtime.Manager
	rest      *restapi.Client

	capability    notify.Capability
	navigator     call.Navigator
	incoming      chan call.IncomingCall
	chatMetrics   *chat.Metrics
	callMetrics   *call.Metrics
	notifyMetrics *notify.Metrics

	mu        sync.Mutex
	core      *core
	room      *chat.RoomSession
	unsubs    []func()
	closeOnce sync.Once
}

// core is the per-user part of the App, built by Start for the logged-in user.
type core struct {
	userID     string
	state      *call.State
	router     *call.Router
	initiator  *call.Initiator
	dispatcher *notify.Dispatcher
}

// New builds an App from cfg. The persisted session, if any, is loaded from storage.
func New(ctx context.Context, cfg Config, log *slog.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	a := &App{
		cfg:           cfg,
		log:           log,
		reg:           reg,
		now:           o.now,
		store:         o.store,
		navigator:     o.navigator,
		incoming:      make(chan call.IncomingCall, 8),
		chatMetrics:   chat.NewMetrics(reg),
		callMetrics:   call.NewMetrics(reg),
		notifyMetrics: notify.NewMetrics(reg),
	}

	if a.store == nil {
		st, err := storage.Open(ctx, storage.Options{
			Backend:     cfg.StorageBackend,
			PebblePath:  cfg.PebblePath,
			DatabaseURL: cfg.DatabaseURL,
			Schema:      cfg.DBSchema,
			MaxConns:    cfg.DBMaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("app: open storage: %w", err)
		}
		a.store = st
		a.ownsStore = true
	}

	sess, err := session.Load(ctx, a.store)
	switch {
	case err == nil:
		log.Info("session.restored", "user_id", sess.UserID)
	case errors.Is(err, session.ErrNotLoggedIn):
		sess = session.Session{}
	default:
		a.closeStore()
		return nil, fmt.Errorf("app: load session: %w", err)
	}
	a.session = session.NewHolder(sess)

	a.rest, err = restapi.New(log, restapi.Config{
		BaseURL: cfg.APIBaseURL,
		Timeout: cfg.APITimeout,
		Client:  o.httpClient,
		Metrics: restapi.NewMetrics(reg),
	}, a.session)
	if err != nil {
		a.closeStore()
		return nil, err
	}

	rtOpts := []realtime.Option{realtime.WithMetrics(realtime.NewMetrics(reg)), realtime.WithClock(o.now)}
	if o.dialer != nil {
		rtOpts = append(rtOpts, realtime.WithDialer(o.dialer))
	}
	a.conn = realtime.NewManager(log, cfg.Realtime, rtOpts...)

	a.capability = o.capability
	if a.capability == nil {
		a.capability, err = a.defaultCapability(o.httpClient)
		if err != nil {
			a.closeStore()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) defaultCapability(hc *fasthttp.Client) (notify.Capability, error) {
	if a.cfg.NotifyWebhookURL == "" {
		c := notify.NewLogCapability(a.log)
		c.SetPermission(notify.PermissionGranted)
		return c, nil
	}
	return notify.NewWebhookCapability(a.cfg.NotifyWebhookURL, hc, a.cfg.APITimeout)
}

func (a *App) Config() Config                          { return a.cfg }
func (a *App) Registry() *prometheus.Registry          { return a.reg }
func (a *App) Session() session.Session                { return a.session.Current() }
func (a *App) Conn() *realtime.Manager                 { return a.conn }
func (a *App) REST() *restapi.Client                   { return a.rest }
func (a *App) Store() storage.Store                    { return a.store }
func (a *App) Capability() notify.Capability           { return a.capability }
func (a *App) IncomingCalls() <-chan call.IncomingCall { return a.incoming }

// Login authenticates against the REST backend and persists the session.
// Logging in as someone else requires Logout first.
func (a *App) Login(ctx context.Context, email, password string) (session.Session, error) {
	res, err := a.rest.Login(ctx, email, password)
	if err != nil {
		a.log.Info("session.login.fail", "err", err)
		return session.Session{}, err
	}
	sess := session.Session{UserID: res.UserID, Token: res.Token}
	if cur := a.session.Current(); cur.Valid() && cur.UserID != sess.UserID {
		return session.Session{}, session.ErrAlreadySet
	}
	if err := session.Save(ctx, a.store, sess); err != nil {
		return session.Session{}, err
	}
	a.session.Reset()
	if err := a.session.Set(sess); err != nil {
		return session.Session{}, err
	}
	a.log.Info("session.login.ok", "user_id", sess.UserID)
	return sess, nil
}

// Start builds the per-user components, subscribes to the user-scoped events and connects.
// It fails with session.ErrNotLoggedIn when no session is held.
func (a *App) Start(ctx context.Context) error {
	sess := a.session.Current()
	if !sess.Valid() {
		return session.ErrNotLoggedIn
	}

	a.mu.Lock()
	if a.core != nil && a.core.userID == sess.UserID && len(a.unsubs) > 0 {
		a.mu.Unlock()
		_, err := a.conn.Connect(ctx, a.cfg.RealtimeURL, sess)
		return err
	}
	c, err := a.buildCore(sess.UserID)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.core = c
	a.unsubs = append(a.unsubs,
		a.conn.On(v1.EventCallInvitation, a.onCallInvitation),
		a.conn.On(v1.EventMessageNotification, a.onMessageNotification),
		a.conn.On(v1.EventChatMessage, a.onChatMessage),
		a.conn.On(v1.EventNewMessage, a.onChatMessage),
		a.conn.On(v1.EventConnectError, func(raw json.RawMessage) {
			a.log.Warn("app.realtime.unavailable", "detail", string(raw))
		}),
	)
	a.mu.Unlock()

	if _, err := a.conn.Connect(ctx, a.cfg.RealtimeURL, sess); err != nil {
		return err
	}
	if perm, err := c.dispatcher.Register(ctx, a.rest); err != nil {
		a.log.Info("notify.register.fail", "permission", string(perm), "err", err)
	}
	a.log.Info("app.started", "user_id", sess.UserID)
	return nil
}

func (a *App) buildCore(userID string) (*core, error) {
	det, err := call.NewDetector(a.log, userID, call.DetectorConfig{
		LinkPrefix: a.cfg.CallLinkPrefix,
		Expiry:     a.cfg.CallLinkExpiry,
	}, a.callMetrics)
	if err != nil {
		return nil, err
	}
	disp := notify.NewDispatcher(a.log, a.capability, userID, det, a.notifyMetrics)
	state := call.NewState(a.callMetrics)
	router, err := call.NewRouter(call.RouterDeps{
		Log:         a.log,
		Detector:    det,
		State:       state,
		Store:       a.store,
		Ringer:      disp,
		Navigator:   call.NavigatorFunc(a.incomingCall),
		Metrics:     a.callMetrics,
		Now:         a.now,
		RingTimeout: a.cfg.RingTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &core{
		userID:     userID,
		state:      state,
		router:     router,
		initiator:  call.NewInitiator(a.log, a.conn, router),
		dispatcher: disp,
	}, nil
}

// incomingCall fans an incoming call out to the navigator and the IncomingCalls channel.
// A full channel drops the call for that consumer only.
func (a *App) incomingCall(ctx context.Context, c call.IncomingCall) {
	if a.navigator != nil {
		a.navigator.IncomingCall(ctx, c)
	}
	select {
	case a.incoming <- c:
	default:
		a.log.Warn("app.incoming_call.dropped", "room_id", c.RoomID)
	}
}

func (a *App) current() (*core, *chat.RoomSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.core, a.room
}

func (a *App) onCallInvitation(raw json.RawMessage) {
	c, _ := a.current()
	if c == nil {
		return
	}
	if _, err := c.router.OnEvent(context.Background(), raw); err != nil {
		a.log.Info("app.call_invitation.reject", "err", err)
	}
}

func (a *App) onMessageNotification(raw json.RawMessage) {
	c, room := a.current()
	if c == nil {
		return
	}
	if room != nil {
		if in, err := chat.NormalizeInbound(raw); err == nil && in.RoomID == room.Room().ID {
			return
		}
	}
	if err := c.dispatcher.OnMessageNotification(context.Background(), raw); err != nil {
		a.log.Info("app.message_notification.fail", "err", err)
	}
}

// onChatMessage handles messages of rooms other than the open one; the open room reports
// its own messages through the room session hooks.
func (a *App) onChatMessage(raw json.RawMessage) {
	c, room := a.current()
	if c == nil {
		return
	}
	in, err := chat.NormalizeInbound(raw)
	if err != nil {
		a.log.Debug("app.chat_message.drop", "err", err)
		return
	}
	if room != nil && in.RoomID == room.Room().ID {
		return
	}
	ctx := context.Background()
	if c.router.Observe(ctx, in, call.SourceMessage) {
		return
	}
	if err := c.dispatcher.OnInbound(ctx, in); err != nil {
		a.log.Info("app.notify.fail", "room_id", in.RoomID, "err", err)
	}
}

// OpenRoom opens the conversation with target, which is a counterpart user id or a room id.
// An already open room is closed first.
func (a *App) OpenRoom(ctx context.Context, target string) (*chat.RoomSession, error) {
	c, _ := a.current()
	if c == nil {
		return nil, ErrNotStarted
	}
	roomID, err := a.roomFor(c.userID, target)
	if err != nil {
		return nil, err
	}

	rs, err := chat.OpenRoom(ctx, chat.Deps{
		Log:           a.log,
		Conn:          a.conn,
		LocalUserID:   c.userID,
		History:       a.rest,
		PollInterval:  a.cfg.PollInterval,
		TypingTimeout: a.cfg.TypingTimeout,
		Metrics:       a.chatMetrics,
		Now:           a.now,
		OnMessage: func(in chat.Inbound) {
			c.router.Observe(context.Background(), in, call.SourceMessage)
		},
		OnHistory: func(history []chat.Inbound) {
			c.router.ObserveHistory(context.Background(), history)
		},
	}, roomID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	prev := a.room
	a.room = rs
	a.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return rs, nil
}

// CloseRoom closes the open room, if any.
func (a *App) CloseRoom() {
	a.mu.Lock()
	rs := a.room
	a.room = nil
	a.mu.Unlock()
	if rs != nil {
		rs.Close()
	}
}

func (a *App) roomFor(localID, target string) (string, error) {
	target = strings.TrimSpace(target)
	if _, err := identity.ParseRoom(target); err == nil {
		return target, nil
	}
	return identity.RoomFor(localID, target)
}

// StartCall calls the counterpart in target's room. When that room is open the link is
// also posted into the conversation.
func (a *App) StartCall(ctx context.Context, target, callerName, callType string) (call.Session, error) {
	c, room := a.current()
	if c == nil {
		return call.Session{}, ErrNotStarted
	}
	roomID, err := a.roomFor(c.userID, target)
	if err != nil {
		return call.Session{}, err
	}
	req := call.StartRequest{RoomID: roomID, CallerName: callerName, CallType: callType}
	if room != nil && room.Room().ID == roomID {
		req.Chat = room.Reconciler()
	}
	return c.initiator.Start(ctx, req)
}

// Call exposes the call components of the started session.
func (a *App) Call() (*call.Router, *call.State, error) {
	c, _ := a.current()
	if c == nil {
		return nil, nil, ErrNotStarted
	}
	return c.router, c.state, nil
}

// Logout disconnects, forgets the per-user components and clears the persisted session.
func (a *App) Logout(ctx context.Context) error {
	a.stop()
	a.session.Reset()
	if err := session.Clear(ctx, a.store); err != nil {
		return fmt.Errorf("app: clear session: %w", err)
	}
	a.log.Info("session.logout")
	return nil
}

func (a *App) stop() {
	a.CloseRoom()

	a.mu.Lock()
	unsubs := a.unsubs
	a.unsubs = nil
	c := a.core
	a.core = nil
	a.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if c != nil {
		c.router.Close()
	}
	a.conn.Disconnect()
}

// Close stops every component and releases storage. It is idempotent.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.stop()
		err = a.closeStore()
	})
	return err
}

func (a *App) closeStore() error {
	if !a.ownsStore || a.store == nil {
		return nil
	}
	return a.store.Close()
}
