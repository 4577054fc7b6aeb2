// Package realtime is the client side of the unigate realtime channel.
//
// A Manager owns at most one transport session at a time. It performs the hello
// handshake, announces the user on every (re)connect with joinUserRoom, reconnects
// with a bounded constant backoff after transport loss, correlates emit acks, and
// delivers inbound events to subscribers one at a time.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"unigate/cmd/internal/auth/session"
	v1 "unigate/shared/contracts/realtime/v1"

	"github.com/cenkalti/backoff/v4"
)

const wsCloseGrace = 1 * time.Second

// Status of the connection manager.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Connection is a point-in-time view of the manager.
type Connection struct {
	Status       Status
	ConnectionID string
	LastError    error
}

// Handler receives the raw payload of an event.
type Handler func(payload json.RawMessage)

// AckFunc is invoked once per acknowledged emit: with the ack payload, or with an error
// when the server rejected the emit, the ack timed out, or the transport went away.
type AckFunc func(payload json.RawMessage, err error)

// Payloads of the local lifecycle events.
type ConnectInfo struct {
	ConnectionID string `json:"connection_id"`
}

type DisconnectInfo struct {
	Reason string `json:"reason"`
}

type ConnectErrorInfo struct {
	Message string `json:"message"`
	Attempt int    `json:"attempt"`
}

// Config tunes the manager. Zero fields take defaults.
type Config struct {
	// ReconnectAttempts is the number of retries after the first failed dial.
	ReconnectAttempts int
	ReconnectDelay    time.Duration

	DialTimeout       time.Duration
	WriteTimeout      time.Duration
	AckTimeout        time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	SendQueueSize int

	// EmitRate is emits per second; <= 0 disables limiting.
	EmitRate  float64
	EmitBurst int
}

func DefaultConfig() Config {
	return Config{
		ReconnectAttempts: defaultReconnectAttempts,
		ReconnectDelay:    defaultReconnectDelay,
		DialTimeout:       defaultDialTimeout,
		WriteTimeout:      defaultWriteTimeout,
		AckTimeout:        defaultAckTimeout,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		SendQueueSize:     defaultSendQueueSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = d.ReconnectDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.HeartbeatInterval < 0 {
		c.HeartbeatInterval = 0
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	return c
}

// Option customizes a Manager.
type Option func(*Manager)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option { return func(m *Manager) { m.dialer = d } }

// WithMetrics attaches collectors; by default they are unregistered.
func WithMetrics(mt *Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// WithClock overrides time.Now for envelope timestamps.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

type handlerEntry struct {
	id uint64
	fn Handler
}

type watcherEntry struct {
	id uint64
	fn func(bool)
}

type pendingAck struct {
	fn    AckFunc
	l     *link
	timer *time.Timer
}

// Manager is safe for concurrent use.
type Manager struct {
	log     *slog.Logger
	cfg     Config
	dialer  Dialer
	metrics *Metrics
	limiter *emitLimiter
	now     func() time.Time

	mu       sync.Mutex
	gen      uint64 // bumped on every teardown; goroutines of older generations go quiet
	status   Status
	connID   string
	lastErr  error
	endpoint string
	sess     session.Session
	cur      *link
	cancel   context.CancelFunc

	hmu      sync.Mutex
	nextID   uint64
	handlers map[string][]handlerEntry
	watchers []watcherEntry

	// Serializes handler and ack callbacks.
	dispatchMu sync.Mutex

	pmu     sync.Mutex
	pending map[string]*pendingAck
}

func NewManager(log *slog.Logger, cfg Config, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		log:      log,
		cfg:      cfg,
		dialer:   WSDialer{},
		limiter:  newEmitLimiter(cfg.EmitRate, cfg.EmitBurst),
		now:      time.Now,
		handlers: make(map[string][]handlerEntry),
		pending:  make(map[string]*pendingAck),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}
	return m
}

// Connect starts a connection for sess and returns immediately; the transport comes up
// in the background. Missing credentials make it a logged no-op. A repeated call for the
// same session reuses the existing connection; a different token replaces it.
func (m *Manager) Connect(ctx context.Context, endpoint string, sess session.Session) (Connection, error) {
	if !sess.Valid() {
		m.log.Warn("realtime.connect.skip", "reason", "missing_credentials")
		return m.Snapshot(), nil
	}
	if err := validateWSURL(endpoint); err != nil {
		m.log.Warn("realtime.connect.skip", "reason", "invalid_endpoint", "err", err)
		return m.Snapshot(), err
	}

	m.mu.Lock()
	if m.cancel != nil || m.status != StatusDisconnected {
		if m.sess == sess && m.endpoint == endpoint {
			c := m.snapshotLocked()
			m.mu.Unlock()
			m.log.Debug("realtime.connect.reuse", "status", c.Status.String(), "connection_id", c.ConnectionID)
			return c, nil
		}
		old, wasConnected := m.stopLocked()
		m.mu.Unlock()
		m.log.Info("realtime.connect.replace", "user_id", sess.UserID)
		m.release(old, wasConnected)
		m.mu.Lock()
	}

	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.status = StatusConnecting
	m.lastErr = nil
	m.sess = sess
	m.endpoint = endpoint
	c := m.snapshotLocked()
	m.mu.Unlock()

	m.log.Info("realtime.connect.start", "endpoint", endpoint, "user_id", sess.UserID)
	go m.run(runCtx, gen, endpoint, sess)
	return c, nil
}

// Disconnect closes the transport, cancels reconnection and removes every listener.
// It is idempotent and safe to call from a handler.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	active := m.cancel != nil || m.status != StatusDisconnected
	l, wasConnected := m.stopLocked()
	m.mu.Unlock()

	m.hmu.Lock()
	watchers := m.watchers
	m.handlers = make(map[string][]handlerEntry)
	m.watchers = nil
	m.hmu.Unlock()

	if l != nil {
		l.close()
		_ = l.t.Close(ReasonClientDisconnect)
		m.clearPending(l)
	}
	if wasConnected {
		m.metrics.Connected.Set(0)
		m.metrics.Disconnects.WithLabelValues(ReasonClientDisconnect).Inc()
		for _, w := range watchers {
			m.safeWatch(w.fn, false)
		}
	}
	if active {
		m.log.Info("realtime.disconnect", "reason", ReasonClientDisconnect)
	}
}

// Emit enqueues event for delivery. It returns false without I/O when not connected,
// when the event is not an outbound event, when the emit rate is exceeded or when the
// send queue is full. ack, when non-nil, is invoked at most once.
func (m *Manager) Emit(event string, payload any, ack AckFunc) bool {
	m.mu.Lock()
	l, st := m.cur, m.status
	m.mu.Unlock()

	if _, ok := outboundEvents[event]; !ok {
		m.log.Warn("realtime.emit.reject", "event", event, "reason", "unknown_event")
		m.metrics.Emits.WithLabelValues("other", "invalid").Inc()
		return false
	}
	if st != StatusConnected || l == nil {
		m.log.Debug("realtime.emit.reject", "event", event, "reason", "not_connected")
		m.metrics.Emits.WithLabelValues(event, "not_connected").Inc()
		return false
	}
	if !m.limiter.Allow() {
		m.log.Info("realtime.emit.reject", "event", event, "reason", "rate_limited")
		m.metrics.Emits.WithLabelValues(event, "rate_limited").Inc()
		return false
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("realtime.emit.reject", "event", event, "reason", "bad_payload", "err", err)
		m.metrics.Emits.WithLabelValues(event, "bad_payload").Inc()
		return false
	}

	env := newEnvelope(event, raw, m.now().UTC())
	if ack != nil {
		m.addPending(env.ID, ack, l)
	}
	if !l.enqueue(env) {
		if ack != nil {
			m.dropPending(env.ID)
		}
		m.log.Info("realtime.emit.reject", "event", event, "reason", "queue_full")
		m.metrics.Emits.WithLabelValues(event, "queue_full").Inc()
		return false
	}
	m.metrics.Emits.WithLabelValues(event, "ok").Inc()
	return true
}

var outboundEvents = map[string]struct{}{
	v1.EventJoinUserRoom:   {},
	v1.EventJoinRoom:       {},
	v1.EventLeaveRoom:      {},
	v1.EventSendMessage:    {},
	v1.EventTyping:         {},
	v1.EventStopTyping:     {},
	v1.EventCallInvitation: {},
}

// On subscribes h to event. Handlers of all events run one at a time in subscription order.
func (m *Manager) On(event string, h Handler) (unsubscribe func()) {
	m.hmu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: h})
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			defer m.hmu.Unlock()
			cur := m.handlers[event]
			next := make([]handlerEntry, 0, len(cur))
			for _, e := range cur {
				if e.id != id {
					next = append(next, e)
				}
			}
			if len(next) == 0 {
				delete(m.handlers, event)
				return
			}
			m.handlers[event] = next
		})
	}
}

// WatchConnected registers fn for connected/disconnected transitions.
func (m *Manager) WatchConnected(fn func(bool)) (unsubscribe func()) {
	m.hmu.Lock()
	m.nextID++
	id := m.nextID
	m.watchers = append(m.watchers, watcherEntry{id: id, fn: fn})
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			defer m.hmu.Unlock()
			next := make([]watcherEntry, 0, len(m.watchers))
			for _, w := range m.watchers {
				if w.id != id {
					next = append(next, w)
				}
			}
			m.watchers = next
		})
	}
}

// WaitConnected blocks until the manager is connected or ctx ends.
func (m *Manager) WaitConnected(ctx context.Context) error {
	if m.IsConnected() {
		return nil
	}
	up := make(chan struct{}, 1)
	unsub := m.WatchConnected(func(ok bool) {
		if ok {
			select {
			case up <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	if m.IsConnected() {
		return nil
	}
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) IsConnected() bool { return m.Status() == StatusConnected }

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Manager) Snapshot() Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Connection {
	return Connection{Status: m.status, ConnectionID: m.connID, LastError: m.lastErr}
}

// stopLocked invalidates the current generation and returns the live link, if any.
func (m *Manager) stopLocked() (*link, bool) {
	m.gen++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	l := m.cur
	wasConnected := m.status == StatusConnected
	m.cur = nil
	m.status = StatusDisconnected
	m.connID = ""
	m.sess = session.Session{}
	m.endpoint = ""
	return l, wasConnected
}

// release closes a link replaced by a new session. Listeners stay subscribed.
func (m *Manager) release(l *link, wasConnected bool) {
	if l != nil {
		l.close()
		_ = l.t.Close(ReasonClientDisconnect)
		m.clearPending(l)
	}
	if wasConnected {
		m.metrics.Connected.Set(0)
		m.metrics.Disconnects.WithLabelValues(ReasonClientDisconnect).Inc()
		m.notifyWatchers(false)
	}
}

// ---- connection loop ----

func (m *Manager) run(ctx context.Context, gen uint64, endpoint string, sess session.Session) {
	for {
		l, err := m.dialWithRetry(ctx, gen, endpoint, sess)
		if err != nil {
			m.giveUp(gen, err)
			return
		}
		if !m.attach(gen, l, sess) {
			l.close()
			_ = l.t.Close(ReasonClientDisconnect)
			return
		}

		reason, cause := m.serve(ctx, gen, l)
		if !m.detach(gen, l, reason, cause) || ctx.Err() != nil {
			return
		}
	}
}

func (m *Manager) dialWithRetry(ctx context.Context, gen uint64, endpoint string, sess session.Session) (*link, error) {
	m.mu.Lock()
	if gen == m.gen {
		m.status = StatusConnecting
	}
	m.mu.Unlock()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(m.cfg.ReconnectDelay), uint64(m.cfg.ReconnectAttempts)),
		ctx,
	)

	var (
		l       *link
		attempt int
	)
	op := func() error {
		attempt++
		dctx, cancel := context.WithTimeout(ctx, m.cfg.DialTimeout)
		t, err := m.dialer.Dial(dctx, endpoint, sess)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			m.metrics.Dials.WithLabelValues("error").Inc()
			m.recordError(gen, err)
			m.log.Warn("realtime.connect.fail", "attempt", attempt, "err", err)
			m.fireLocal(gen, v1.EventConnectError, ConnectErrorInfo{Message: err.Error(), Attempt: attempt})
			if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrInvalidEndpoint) {
				return backoff.Permanent(err)
			}
			return err
		}
		m.metrics.Dials.WithLabelValues("ok").Inc()
		l = newLink(t, m.cfg.SendQueueSize)
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return l, nil
}

func (m *Manager) recordError(gen uint64, err error) {
	m.mu.Lock()
	if gen == m.gen {
		m.lastErr = err
	}
	m.mu.Unlock()
}

func (m *Manager) giveUp(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.status = StatusDisconnected
	m.lastErr = err
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	m.log.Warn("realtime.reconnect.exhausted", "attempts", m.cfg.ReconnectAttempts, "err", err)
}

// attach publishes l as the live transport session and announces the user on it.
func (m *Manager) attach(gen uint64, l *link, sess session.Session) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.cur = l
	m.status = StatusConnected
	m.connID = l.t.ConnectionID()
	m.lastErr = nil
	connID := m.connID
	m.mu.Unlock()

	m.metrics.Connected.Set(1)

	// joinUserRoom goes first on every transport session.
	p, _ := json.Marshal(v1.JoinUserRoomPayload{UserID: sess.UserID})
	if l.enqueue(newEnvelope(v1.EventJoinUserRoom, p, m.now().UTC())) {
		m.metrics.Emits.WithLabelValues(v1.EventJoinUserRoom, "ok").Inc()
	} else {
		m.log.Warn("realtime.join_user_room.drop", "connection_id", connID)
		m.metrics.Emits.WithLabelValues(v1.EventJoinUserRoom, "queue_full").Inc()
	}

	m.log.Info("realtime.connect.ok", "connection_id", connID, "user_id", sess.UserID)
	m.notifyWatchers(true)
	m.fireLocal(gen, v1.EventConnect, ConnectInfo{ConnectionID: connID})
	return true
}

// detach clears l after transport loss. It reports false when l was already torn down.
func (m *Manager) detach(gen uint64, l *link, reason string, cause error) bool {
	m.mu.Lock()
	if gen != m.gen || m.cur != l {
		m.mu.Unlock()
		return false
	}
	if cause == nil {
		cause = errors.New(reason)
	}
	m.cur = nil
	m.status = StatusDisconnected
	m.connID = ""
	m.lastErr = cause
	m.mu.Unlock()

	m.metrics.Connected.Set(0)
	m.metrics.Disconnects.WithLabelValues(reason).Inc()
	m.log.Info("realtime.disconnect", "reason", reason, "err", cause)

	m.failPending(l, fmt.Errorf("%w: %s", ErrNotConnected, reason))
	m.notifyWatchers(false)
	m.fireLocal(gen, v1.EventDisconnect, DisconnectInfo{Reason: reason})
	return true
}

// serve runs the writer and heartbeat goroutines and reads until the transport fails.
func (m *Manager) serve(parent context.Context, gen uint64, l *link) (string, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case env := <-l.send:
				wctx, wcancel := context.WithTimeout(ctx, m.cfg.WriteTimeout)
				err := l.t.Write(wctx, env)
				wcancel()
				if err != nil {
					m.log.Info("realtime.write.fail", "type", env.Type, "err", err)
					l.fail(ReasonWriteFailed, err)
					cancel()
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		if m.cfg.HeartbeatInterval <= 0 {
			return
		}
		t := time.NewTicker(m.cfg.HeartbeatInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.done:
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, m.cfg.HeartbeatTimeout)
				err := l.t.Ping(hbCtx)
				hbCancel()
				if err != nil {
					failures++
					m.log.Info("realtime.ping.fail", "failures", failures, "err", err)
					if failures >= maxPingFailures {
						l.fail(ReasonPingTimeout, ErrHeartbeat)
						cancel()
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	var (
		reason string
		cause  error
	)
	for {
		env, err := l.t.Read(ctx)
		if err != nil {
			if classifyReadErr(err) == readErrBadJSON {
				m.log.Info("realtime.read.bad_json", "err", err)
				continue
			}
			if r, e := l.failure(); r != "" {
				reason, cause = r, e
			} else {
				reason, cause = disconnectReason(err), err
			}
			break
		}
		m.handleInbound(gen, env)
	}

	l.close()
	_ = l.t.Close(reason)
	cancel()
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	return reason, cause
}

func (m *Manager) handleInbound(gen uint64, env v1.Envelope) {
	if err := env.Validate(); err != nil {
		m.log.Info("realtime.read.bad_envelope", "type", env.Type, "err", err)
		return
	}
	m.metrics.Inbound.WithLabelValues(env.Type).Inc()

	switch env.Type {
	case v1.TypeAck:
		m.resolveAck(env.ReplyTo, env.Payload, nil)
	case v1.TypeError:
		var p v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &p)
		m.log.Warn("realtime.server_error", "code", p.Code, "msg", p.Message, "reply_to", env.ReplyTo)
		if env.ReplyTo != "" {
			m.resolveAck(env.ReplyTo, nil, &ServerError{Code: p.Code, Message: p.Message})
		}
		m.dispatch(gen, v1.TypeError, env.Payload)
	case v1.TypeHello, v1.TypeHelloAck:
		// Handshake frames are only meaningful during Dial.
	default:
		m.dispatch(gen, env.Type, env.Payload)
	}
}

// ---- dispatch ----

func (m *Manager) fireLocal(gen uint64, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	m.dispatch(gen, event, raw)
}

func (m *Manager) dispatch(gen uint64, event string, raw json.RawMessage) {
	m.hmu.Lock()
	hs := m.handlers[event]
	m.hmu.Unlock()
	if len(hs) == 0 {
		return
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	for _, h := range hs {
		if !m.current(gen) {
			return
		}
		m.safeCall(event, func() { h.fn(raw) })
	}
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) safeCall(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("realtime.handler.panic", "event", event, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (m *Manager) notifyWatchers(up bool) {
	m.hmu.Lock()
	ws := m.watchers
	m.hmu.Unlock()
	for _, w := range ws {
		m.safeWatch(w.fn, up)
	}
}

func (m *Manager) safeWatch(fn func(bool), up bool) {
	m.safeCall("watch_connected", func() { fn(up) })
}

// ---- acks ----

func (m *Manager) addPending(id string, fn AckFunc, l *link) {
	p := &pendingAck{fn: fn, l: l}
	m.pmu.Lock()
	m.pending[id] = p
	p.timer = time.AfterFunc(m.cfg.AckTimeout, func() {
		m.resolveAck(id, nil, ErrAckTimeout)
	})
	m.pmu.Unlock()
}

func (m *Manager) takePending(id string) *pendingAck {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (m *Manager) dropPending(id string) { _ = m.takePending(id) }

func (m *Manager) resolveAck(id string, payload json.RawMessage, err error) {
	p := m.takePending(id)
	if p == nil {
		return
	}
	switch {
	case err == nil:
		m.metrics.Acks.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrAckTimeout):
		m.metrics.Acks.WithLabelValues("timeout").Inc()
	default:
		m.metrics.Acks.WithLabelValues("error").Inc()
	}

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	m.safeCall("ack", func() { p.fn(payload, err) })
}

func (m *Manager) collectPending(l *link) []*pendingAck {
	m.pmu.Lock()
	defer m.pmu.Unlock()
	var out []*pendingAck
	for id, p := range m.pending {
		if p.l != l {
			continue
		}
		delete(m.pending, id)
		if p.timer != nil {
			p.timer.Stop()
		}
		out = append(out, p)
	}
	return out
}

// failPending reports err to every ack still waiting on l.
func (m *Manager) failPending(l *link, err error) {
	ps := m.collectPending(l)
	if len(ps) == 0 {
		return
	}
	m.metrics.Acks.WithLabelValues("dropped").Add(float64(len(ps)))

	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()
	for _, p := range ps {
		m.safeCall("ack", func() { p.fn(nil, err) })
	}
}

// clearPending forgets acks on l without invoking them.
func (m *Manager) clearPending(l *link) {
	if ps := m.collectPending(l); len(ps) > 0 {
		m.metrics.Acks.WithLabelValues("dropped").Add(float64(len(ps)))
	}
}
