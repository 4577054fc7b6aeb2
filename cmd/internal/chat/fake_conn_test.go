package chat

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"unigate/cmd/internal/realtime"
)

type emitted struct {
	event   string
	payload json.RawMessage
	ack     realtime.AckFunc
}

// fakeConn records emits and lets tests push events like the connection manager would.
type fakeConn struct {
	mu        sync.Mutex
	connected bool
	emits     []emitted
	nextID    int
	handlers  map[string]map[int]realtime.Handler
}

func newFakeConn() *fakeConn {
	return &fakeConn{connected: true, handlers: make(map[string]map[int]realtime.Handler)}
}

func (c *fakeConn) Emit(event string, payload any, ack realtime.AckFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return false
	}
	raw, _ := json.Marshal(payload)
	c.emits = append(c.emits, emitted{event: event, payload: raw, ack: ack})
	return true
}

func (c *fakeConn) On(event string, h realtime.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = make(map[int]realtime.Handler)
	}
	c.handlers[event][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	}
}

func (c *fakeConn) fire(event string, payload any) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		raw, _ = json.Marshal(payload)
	}
	c.mu.Lock()
	hs := make([]realtime.Handler, 0, len(c.handlers[event]))
	for _, h := range c.handlers[event] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}

func (c *fakeConn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *fakeConn) events(name string) []emitted {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emitted
	for _, e := range c.emits {
		if e.event == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stepClock returns a clock that starts at base and advances by step on every call.
func stepClock(base time.Time, step time.Duration) func() time.Time {
	var (
		mu  sync.Mutex
		cur = base
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t := cur
		cur = cur.Add(step)
		return t
	}
}

func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}
