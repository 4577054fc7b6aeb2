package chat

import (
	"log/slog"
	"sync"
	"time"

	v1 "unigate/shared/contracts/realtime/v1"

	"golang.org/x/time/rate"
)

// DefaultTypingTimeout clears the indicator and ends outbound typing after inactivity.
const DefaultTypingTimeout = 2 * time.Second

// DefaultTypingEmitInterval throttles repeated outbound typing events.
const DefaultTypingEmitInterval = time.Second

// Typing tracks the counterpart's typing indicator and the local user's typing state.
type Typing struct {
	log       *slog.Logger
	emit      Emitter
	roomID    string
	userID    string
	recipient string
	timeout   time.Duration
	limiter   *rate.Limiter

	mu         sync.Mutex
	closed     bool
	remoteName string
	remoteOn   bool
	clearTimer *time.Timer
	localOn    bool
	stopTimer  *time.Timer
	listeners  []func(userName string, typing bool)
}

func NewTyping(log *slog.Logger, emit Emitter, roomID, localUserID, recipient string, timeout, emitInterval time.Duration) *Typing {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if emitInterval <= 0 {
		emitInterval = DefaultTypingEmitInterval
	}
	return &Typing{
		log:       log,
		emit:      emit,
		roomID:    roomID,
		userID:    localUserID,
		recipient: recipient,
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Every(emitInterval), 1),
	}
}

// OnIndicator registers fn for indicator changes. It is not removable; the room owns it.
func (t *Typing) OnIndicator(fn func(userName string, typing bool)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// Indicator returns the counterpart's name while they are typing.
func (t *Typing) Indicator() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteName, t.remoteOn
}

// RemoteTyping sets the indicator and restarts the local clear timeout.
func (t *Typing) RemoteTyping(userName string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.remoteName, t.remoteOn = userName, true
	if t.clearTimer != nil {
		t.clearTimer.Stop()
	}
	t.clearTimer = time.AfterFunc(t.timeout, t.RemoteStopped)
	fns := t.listeners
	t.mu.Unlock()

	for _, fn := range fns {
		fn(userName, true)
	}
}

// RemoteStopped clears the indicator.
func (t *Typing) RemoteStopped() {
	t.mu.Lock()
	if t.closed || !t.remoteOn {
		t.mu.Unlock()
		return
	}
	name := t.remoteName
	t.remoteName, t.remoteOn = "", false
	if t.clearTimer != nil {
		t.clearTimer.Stop()
		t.clearTimer = nil
	}
	fns := t.listeners
	t.mu.Unlock()

	for _, fn := range fns {
		fn(name, false)
	}
}

// Keystroke reports local input activity. The first keystroke emits typing at once;
// later ones are throttled. stopTyping follows after the timeout without keystrokes.
func (t *Typing) Keystroke() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	send := !t.localOn || t.limiter.Allow()
	if !t.localOn {
		// Consume the token so the next keystroke is throttled.
		t.limiter.Allow()
	}
	t.localOn = true
	if t.stopTimer != nil {
		t.stopTimer.Stop()
	}
	t.stopTimer = time.AfterFunc(t.timeout, t.Stop)
	t.mu.Unlock()

	if send {
		t.emit.Emit(v1.EventTyping, t.payload(), nil)
	}
}

// Stop ends local typing; it is called on send and after inactivity.
func (t *Typing) Stop() {
	t.mu.Lock()
	if !t.localOn {
		t.mu.Unlock()
		return
	}
	t.localOn = false
	if t.stopTimer != nil {
		t.stopTimer.Stop()
		t.stopTimer = nil
	}
	t.mu.Unlock()

	t.emit.Emit(v1.EventStopTyping, t.payload(), nil)
}

// Close stops both timers. A pending local typing state is ended with stopTyping.
func (t *Typing) Close() {
	t.Stop()
	t.mu.Lock()
	t.closed = true
	if t.clearTimer != nil {
		t.clearTimer.Stop()
		t.clearTimer = nil
	}
	t.listeners = nil
	t.mu.Unlock()
}

func (t *Typing) payload() v1.TypingPayload {
	return v1.TypingPayload{Room: t.roomID, Recipient: t.recipient, UserID: t.userID}
}
