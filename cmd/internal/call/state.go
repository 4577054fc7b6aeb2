package call

import (
	"sync"
	"time"
)

// Session describes the active call. The zero value means no call.
type Session struct {
	Active     bool
	RemoteID   string
	RemoteName string
	RoomID     string
	CallURL    string
	CallType   string
	IsCaller   bool
	StartedAt  time.Time
}

// State is the process-wide call flag. At most one call is active at a time.
type State struct {
	mu       sync.Mutex
	cur      Session
	nextID   uint64
	watchers map[uint64]func(Session)
	metrics  *Metrics
}

func NewState(metrics *Metrics) *State {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &State{watchers: make(map[uint64]func(Session)), metrics: metrics}
}

// Activate marks s as the active call. It fails with ErrCallActive while another call is active.
func (st *State) Activate(s Session) error {
	st.mu.Lock()
	if st.cur.Active {
		st.mu.Unlock()
		return ErrCallActive
	}
	s.Active = true
	st.cur = s
	fns := st.watchersLocked()
	st.mu.Unlock()

	st.metrics.Active.Set(1)
	for _, fn := range fns {
		fn(s)
	}
	return nil
}

// Clear ends the active call and returns it. ok is false when no call was active.
func (st *State) Clear() (prev Session, ok bool) {
	st.mu.Lock()
	if !st.cur.Active {
		st.mu.Unlock()
		return Session{}, false
	}
	prev = st.cur
	st.cur = Session{}
	fns := st.watchersLocked()
	st.mu.Unlock()

	st.metrics.Active.Set(0)
	for _, fn := range fns {
		fn(Session{})
	}
	return prev, true
}

func (st *State) Current() Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cur
}

func (st *State) Active() bool { return st.Current().Active }

// Watch registers fn for every change of the active call.
func (st *State) Watch(fn func(Session)) (unsubscribe func()) {
	st.mu.Lock()
	st.nextID++
	id := st.nextID
	st.watchers[id] = fn
	st.mu.Unlock()
	return func() {
		st.mu.Lock()
		delete(st.watchers, id)
		st.mu.Unlock()
	}
}

func (st *State) watchersLocked() []func(Session) {
	out := make([]func(Session), 0, len(st.watchers))
	for _, fn := range st.watchers {
		out = append(out, fn)
	}
	return out
}
