package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"unigate/cmd/identity"
	"unigate/cmd/internal/realtime"
	v1 "unigate/shared/contracts/realtime/v1"
)

// echoWindow bounds how much earlier than an optimistic message a server copy with the
// same text may be stamped and still count as its confirmation (clock skew).
const echoWindow = 30 * time.Second

// Emitter is the part of the connection manager the chat needs.
type Emitter interface {
	Emit(event string, payload any, ack realtime.AckFunc) bool
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

func WithReconcilerClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func WithReconcilerMetrics(m *Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// Reconciler owns the newest-first message list of one open room.
type Reconciler struct {
	log         *slog.Logger
	room        identity.Room
	localUserID string
	counterpart string
	emit        Emitter
	now         func() time.Time
	metrics     *Metrics

	mu        sync.Mutex
	msgs      []Message
	lastTS    int64
	closed    bool
	nextLis   uint64
	listeners map[uint64]func([]Message)
}

// NewReconciler binds a message list to room for localUserID.
func NewReconciler(log *slog.Logger, room identity.Room, localUserID string, emit Emitter, opts ...ReconcilerOption) (*Reconciler, error) {
	if log == nil {
		log = slog.Default()
	}
	counterpart, err := room.Other(localUserID)
	if err != nil {
		return nil, err
	}
	r := &Reconciler{
		log:         log,
		room:        room,
		localUserID: identity.NormalizeUserID(localUserID),
		counterpart: counterpart,
		emit:        emit,
		now:         time.Now,
		listeners:   make(map[uint64]func([]Message)),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	return r, nil
}

// Counterpart is the other participant of the room.
func (r *Reconciler) Counterpart() string { return r.counterpart }

// SendMessage prepends an optimistic message and emits sendMessage. An empty recipientID
// addresses the room counterpart. The returned message reflects the list entry at the
// time the emit was attempted; a refused emit leaves it Failed but in the list.
func (r *Reconciler) SendMessage(recipientID, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyText
	}
	if recipientID = identity.NormalizeUserID(recipientID); recipientID == "" {
		recipientID = r.counterpart
	}

	now := r.now()
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Message{}, ErrClosed
	}
	ts := now.UnixMilli()
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	r.lastTS = ts
	corr, err := identity.NewCorrelationID(now)
	if err != nil {
		r.log.Warn("chat.send.correlation_id", "err", err)
	}
	msg := Message{
		ID:                optimisticID(ts),
		Text:              text,
		SenderID:          r.localUserID,
		SenderIsLocalUser: true,
		Seen:              false,
		SentAt:            now,
		SentAtDisplay:     displayTime(now),
		Origin:            OriginOptimistic,
		ClientTimestamp:   ts,
		ClientMsgID:       corr,
	}
	r.msgs = append([]Message{msg}, r.msgs...)
	snap := r.snapshotLocked()
	r.mu.Unlock()
	r.notify(snap)

	ok := r.emit.Emit(v1.EventSendMessage, v1.SendMessagePayload{
		Room:            r.room.ID,
		Recipient:       recipientID,
		Message:         text,
		ClientTimestamp: ts,
		ClientMsgID:     corr,
	}, r.onEmitAck(msg.ID))
	if !ok {
		r.metrics.Sends.WithLabelValues("refused").Inc()
		r.log.Info("chat.send.refused", "room_id", r.room.ID, "message_id", msg.ID)
		r.markFailed(msg.ID)
		msg.Failed = true
		return msg, nil
	}
	r.metrics.Sends.WithLabelValues("ok").Inc()
	return msg, nil
}

// onEmitAck handles a transport-level ack of sendMessage. Success payloads are treated like
// messageSent; a server rejection marks the entry failed. Timeouts are left to the poll.
func (r *Reconciler) onEmitAck(optimisticID string) realtime.AckFunc {
	return func(payload json.RawMessage, err error) {
		var se *realtime.ServerError
		switch {
		case errors.As(err, &se):
			r.log.Info("chat.send.rejected", "room_id", r.room.ID, "message_id", optimisticID, "code", se.Code)
			r.markFailed(optimisticID)
		case err != nil:
			return
		case len(payload) > 0:
			if ack, perr := NormalizeAck(payload); perr == nil {
				r.ApplyAck(ack)
			}
		}
	}
}

func (r *Reconciler) markFailed(id string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	changed := false
	for i := range r.msgs {
		if r.msgs[i].ID == id && r.msgs[i].Pending() {
			r.msgs[i].Failed = true
			changed = true
			break
		}
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()
	if changed {
		r.notify(snap)
	}
}

// ApplyAck promotes the optimistic entry matching ack in place. It matches on ClientMsgID
// when the ack carries one, else on ClientTimestamp. A stale ack is a no-op and returns false.
func (r *Reconciler) ApplyAck(ack Ack) bool {
	if ack.ID == "" || (ack.RoomID != "" && ack.RoomID != r.room.ID) {
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	idx := -1
	for i, m := range r.msgs {
		if !m.Pending() {
			continue
		}
		if ack.ClientMsgID != "" {
			if m.ClientMsgID == ack.ClientMsgID {
				idx = i
				break
			}
			continue
		}
		if ack.ClientTimestamp != 0 && m.ClientTimestamp == ack.ClientTimestamp {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		r.metrics.Acks.WithLabelValues("stale").Inc()
		r.log.Debug("chat.ack.stale", "room_id", r.room.ID, "server_id", ack.ID)
		return false
	}

	// The server copy may already be listed (pushed or polled); keep only one.
	dup := -1
	for i, m := range r.msgs {
		if i != idx && m.ID == ack.ID {
			dup = i
			break
		}
	}
	if dup >= 0 {
		r.msgs = append(r.msgs[:idx:idx], r.msgs[idx+1:]...)
	} else {
		r.msgs[idx].ID = ack.ID
		r.msgs[idx].Origin = OriginServer
		r.msgs[idx].Failed = false
	}
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.metrics.Acks.WithLabelValues("applied").Inc()
	r.log.Debug("chat.ack.applied", "room_id", r.room.ID, "server_id", ack.ID)
	r.notify(snap)
	return true
}

// MergeServerHistory replaces the confirmed part of the list with history. Pending
// optimistic entries are kept at the head unless history already holds their copy.
// Applying the same history twice yields the same list.
func (r *Reconciler) MergeServerHistory(history []Inbound) {
	server := make([]Message, 0, len(history))
	seen := make(map[string]struct{}, len(history))
	for _, in := range history {
		if in.RoomID != "" && in.RoomID != r.room.ID {
			continue
		}
		if in.ID != "" {
			if _, dup := seen[in.ID]; dup {
				continue
			}
			seen[in.ID] = struct{}{}
		}
		server = append(server, r.fromInbound(in))
	}
	// Newest first; equal timestamps keep server order.
	sort.SliceStable(server, func(i, j int) bool {
		return server[i].SentAt.After(server[j].SentAt)
	})

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	// Server copies listed before a send cannot confirm it by text.
	listed := make(map[string]struct{}, len(r.msgs))
	for _, m := range r.msgs {
		if !m.Pending() && m.ID != "" {
			listed[m.ID] = struct{}{}
		}
	}
	absorbed := make([]bool, len(server))
	merged := make([]Message, 0, len(server)+len(r.msgs))
	for _, m := range r.msgs {
		if !m.Pending() {
			continue
		}
		if i := confirmedBy(m, server, absorbed, listed); i >= 0 {
			absorbed[i] = true
			continue
		}
		merged = append(merged, m)
	}
	merged = append(merged, server...)
	r.msgs = merged
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.metrics.Merges.Inc()
	r.notify(snap)
}

// confirmedBy returns the index of the server message that confirms optimistic entry m.
// A failed entry never reached the server, so only an id match confirms it.
func confirmedBy(m Message, server []Message, absorbed []bool, listed map[string]struct{}) int {
	for i, s := range server {
		if absorbed[i] {
			continue
		}
		if s.ID == m.ID || (m.ClientMsgID != "" && s.ClientMsgID == m.ClientMsgID) {
			return i
		}
	}
	if m.Failed {
		return -1
	}
	for i, s := range server {
		if absorbed[i] || !s.SenderIsLocalUser || s.Text != m.Text {
			continue
		}
		if _, ok := listed[s.ID]; ok && s.ID != "" {
			continue
		}
		if s.SentAt.IsZero() || !s.SentAt.Before(m.SentAt.Add(-echoWindow)) {
			return i
		}
	}
	return -1
}

// OnIncomingMessage prepends a realtime message addressed to this room. Messages from the
// local user, already listed ids and echoes of pending sends are skipped. An echo must carry
// the send's clientMsgId or clientTimestamp; equal text alone is not one.
func (r *Reconciler) OnIncomingMessage(in Inbound) bool {
	if in.RoomID != r.room.ID {
		r.metrics.Incoming.WithLabelValues("other_room").Inc()
		return false
	}
	if in.Sender.ID != "" && in.Sender.ID == r.localUserID {
		r.metrics.Incoming.WithLabelValues("self").Inc()
		return false
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	for _, m := range r.msgs {
		if in.ID != "" && m.ID == in.ID {
			r.mu.Unlock()
			r.metrics.Incoming.WithLabelValues("duplicate").Inc()
			return false
		}
		if !m.Pending() {
			continue
		}
		echo := (in.ClientMsgID != "" && in.ClientMsgID == m.ClientMsgID) ||
			(in.ClientTimestamp != 0 && in.ClientTimestamp == m.ClientTimestamp)
		if echo {
			r.mu.Unlock()
			r.metrics.Incoming.WithLabelValues("echo").Inc()
			return false
		}
	}
	msg := r.fromInbound(in)
	if msg.SentAt.IsZero() {
		msg.SentAt = r.now()
		msg.SentAtDisplay = displayTime(msg.SentAt)
	}
	r.msgs = append([]Message{msg}, r.msgs...)
	snap := r.snapshotLocked()
	r.mu.Unlock()

	r.metrics.Incoming.WithLabelValues("inserted").Inc()
	r.notify(snap)
	return true
}

// Messages returns a copy of the list, newest first.
func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// OnChange registers fn for list updates. fn runs outside the reconciler lock.
func (r *Reconciler) OnChange(fn func([]Message)) (unsubscribe func()) {
	r.mu.Lock()
	r.nextLis++
	id := r.nextLis
	r.listeners[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

// Close stops all further updates and notifications.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.listeners = make(map[uint64]func([]Message))
	r.mu.Unlock()
}

// Closed reports whether Close was called.
func (r *Reconciler) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Reconciler) fromInbound(in Inbound) Message {
	return Message{
		ID:                in.ID,
		Text:              in.Text,
		SenderID:          in.Sender.ID,
		SenderIsLocalUser: in.Sender.ID != "" && in.Sender.ID == r.localUserID,
		Seen:              in.Seen,
		SentAt:            in.SentAt,
		SentAtDisplay:     displayTime(in.SentAt),
		Origin:            OriginServer,
		ClientMsgID:       in.ClientMsgID,
	}
}

func (r *Reconciler) snapshotLocked() []Message {
	out := make([]Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}

func (r *Reconciler) notify(snap []Message) {
	r.mu.Lock()
	fns := make([]func([]Message), 0, len(r.listeners))
	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		fns = append(fns, r.listeners[id])
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
