package realtime

import (
	"sync"

	v1 "unigate/shared/contracts/realtime/v1"
)

// link is one live transport session.
//
// - send is never closed, so enqueue stays panic-safe under concurrent emitters.
// - done signals the writer and heartbeat goroutines to stop.
// - close is idempotent; the first failure reason wins.
type link struct {
	t    Transport
	send chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	failReason string
	failErr    error
}

func newLink(t Transport, sendQueueSize int) *link {
	if sendQueueSize < minSendQueueSize {
		sendQueueSize = minSendQueueSize
	}
	return &link{
		t:    t,
		send: make(chan v1.Envelope, sendQueueSize),
		done: make(chan struct{}),
	}
}

// enqueue never blocks: a full queue or a closing link rejects the envelope.
func (l *link) enqueue(env v1.Envelope) bool {
	if l == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.send <- env:
		return true
	default:
		return false
	}
}

func (l *link) fail(reason string, err error) {
	l.mu.Lock()
	if l.failReason == "" {
		l.failReason, l.failErr = reason, err
	}
	l.mu.Unlock()
	l.close()
}

func (l *link) failure() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failReason, l.failErr
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}
