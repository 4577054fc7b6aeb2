package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"unigate/cmd/internal/chat"
	"unigate/cmd/internal/storage"
)

// Phase is the call state of one room.
type Phase string

const (
	PhaseIdle               Phase = "idle"
	PhaseInvitationDetected Phase = "invitation_detected"
	PhaseAccepted           Phase = "accepted"
	PhaseInCall             Phase = "in_call"
	PhaseDeclined           Phase = "declined"
	PhaseExpired            Phase = "expired"
)

// seenTTL bounds how long a routed (room, link) pair is remembered.
const seenTTL = time.Hour

// Navigator opens the incoming-call flow.
type Navigator interface {
	IncomingCall(ctx context.Context, c IncomingCall)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, c IncomingCall)

func (f NavigatorFunc) IncomingCall(ctx context.Context, c IncomingCall) { f(ctx, c) }

// Ringer raises the persistent incoming-call notification.
type Ringer interface {
	NotifyIncomingCall(ctx context.Context, callerName, roomID, callURL, callType string) error
}

// Dismisser is implemented by ringers that can withdraw a call notification.
type Dismisser interface {
	DismissCall(ctx context.Context, roomID string)
}

// RouterDeps wires a Router. Detector and State are required.
type RouterDeps struct {
	Log       *slog.Logger
	Detector  *Detector
	State     *State
	Store     storage.Store
	Ringer    Ringer
	Navigator Navigator
	Metrics   *Metrics
	Now       func() time.Time

	// RingTimeout expires an unanswered invitation; zero uses the detector expiry.
	RingTimeout time.Duration
}

type roomCall struct {
	phase Phase
	inv   Invitation
	timer *time.Timer
}

// Router hands detected invitations to the incoming-call flow and drives the per-room
// phase machine: idle, invitation_detected, then accepted and in_call, or back to idle
// on decline or expiry.
type Router struct {
	log         *slog.Logger
	det         *Detector
	state       *State
	store       storage.Store
	ring        Ringer
	nav         Navigator
	metrics     *Metrics
	now         func() time.Time
	ringTimeout time.Duration

	mu    sync.Mutex
	rooms map[string]*roomCall
	seen  map[string]time.Time
}

func NewRouter(deps RouterDeps) (*Router, error) {
	if deps.Detector == nil || deps.State == nil {
		return nil, errors.New("call: router needs a detector and a state")
	}
	r := &Router{
		log:         deps.Log,
		det:         deps.Detector,
		state:       deps.State,
		store:       deps.Store,
		ring:        deps.Ringer,
		nav:         deps.Navigator,
		metrics:     deps.Metrics,
		now:         deps.Now,
		ringTimeout: deps.RingTimeout,
		rooms:       make(map[string]*roomCall),
		seen:        make(map[string]time.Time),
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = NewMetrics(nil)
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.ringTimeout <= 0 {
		r.ringTimeout = r.det.Expiry()
	}
	return r, nil
}

// Observe inspects one chat message and routes it when it carries a fresh call link.
// Polled history without a timestamp cannot prove freshness and never rings.
func (r *Router) Observe(ctx context.Context, in chat.Inbound, src Source) bool {
	if src == SourceHistory && in.SentAt.IsZero() {
		if _, ok := r.det.MatchLink(in.Text); ok {
			r.metrics.Invitations.WithLabelValues(string(src), "undated").Inc()
			r.log.Info("call.invite.undated", "room_id", in.RoomID, "message_id", in.ID)
		}
		return false
	}
	inv, v := r.det.Inspect(in, r.now())
	if v != VerdictDetected {
		return false
	}
	inv.Source = src
	return r.Route(ctx, inv)
}

// ObserveHistory inspects the newest message of a polled history.
func (r *Router) ObserveHistory(ctx context.Context, history []chat.Inbound) bool {
	if len(history) == 0 {
		return false
	}
	newest := history[0]
	for _, in := range history[1:] {
		if in.SentAt.After(newest.SentAt) {
			newest = in
		}
	}
	return r.Observe(ctx, newest, SourceHistory)
}

// OnEvent routes an explicit callInvitation event.
func (r *Router) OnEvent(ctx context.Context, raw json.RawMessage) (bool, error) {
	inv, err := r.det.FromEvent(raw, r.now())
	if err != nil {
		r.metrics.Invitations.WithLabelValues(string(SourceEvent), "rejected").Inc()
		r.log.Warn("call.invite.reject", "source", string(SourceEvent), "err", err)
		return false, err
	}
	return r.Route(ctx, inv), nil
}

// Route hands inv to the incoming-call flow once per (room, link). An invitation is dropped
// as busy while any call is active or its room is already in a call.
func (r *Router) Route(ctx context.Context, inv Invitation) bool {
	now := r.now()
	key := inv.RoomID + "\x00" + inv.CallURL
	src := string(inv.Source)

	r.mu.Lock()
	r.pruneLocked(now)
	if _, dup := r.seen[key]; dup {
		r.mu.Unlock()
		r.metrics.Invitations.WithLabelValues(src, "duplicate").Inc()
		return false
	}
	rc := r.rooms[inv.RoomID]
	if r.state.Active() || (rc != nil && (rc.phase == PhaseAccepted || rc.phase == PhaseInCall)) {
		r.mu.Unlock()
		r.metrics.Invitations.WithLabelValues(src, "busy").Inc()
		r.log.Info("call.invite.busy", "room_id", inv.RoomID)
		return false
	}
	if rc == nil {
		rc = &roomCall{}
		r.rooms[inv.RoomID] = rc
	}
	r.seen[key] = now
	rc.phase = PhaseInvitationDetected
	rc.inv = inv
	if rc.timer != nil {
		rc.timer.Stop()
	}
	roomID, callURL := inv.RoomID, inv.CallURL
	rc.timer = time.AfterFunc(r.ringTimeout, func() { r.expire(roomID, callURL) })
	r.mu.Unlock()
	r.metrics.Transitions.WithLabelValues(string(PhaseInvitationDetected)).Inc()

	isCaller := inv.CallerID == r.det.LocalUserID()
	partnerID, partnerName := inv.CallerID, inv.CallerName
	if isCaller {
		partnerID, partnerName = inv.CalleeID, inv.CalleeID
	}
	r.writeHandoff(ctx, storage.CallHandoff{
		CallURL:     inv.CallURL,
		PartnerID:   partnerID,
		PartnerName: partnerName,
		RoomID:      inv.RoomID,
	})

	if r.ring != nil && !isCaller {
		if err := r.ring.NotifyIncomingCall(ctx, inv.CallerName, inv.RoomID, inv.CallURL, inv.CallType); err != nil {
			r.log.Warn("call.ring.fail", "room_id", inv.RoomID, "err", err)
		}
	}
	if r.nav != nil {
		r.nav.IncomingCall(ctx, IncomingCall{
			CallerName: inv.CallerName,
			CallerID:   inv.CallerID,
			CallURL:    inv.CallURL,
			RoomID:     inv.RoomID,
			CallType:   inv.CallType,
			IsCaller:   isCaller,
		})
	}

	r.metrics.Invitations.WithLabelValues(src, "routed").Inc()
	r.log.Info("call.invite.routed", "room_id", inv.RoomID, "caller_id", inv.CallerID, "source", src, "is_caller", isCaller)
	return true
}

// Accept joins the ringing call of roomID and makes it the active call.
func (r *Router) Accept(ctx context.Context, roomID string) (Session, error) {
	r.mu.Lock()
	rc := r.rooms[roomID]
	if rc == nil || rc.phase != PhaseInvitationDetected {
		r.mu.Unlock()
		return Session{}, ErrInvalidTransition
	}
	if r.state.Active() {
		r.mu.Unlock()
		return Session{}, ErrCallActive
	}
	rc.phase = PhaseAccepted
	rc.stopTimer()
	inv := rc.inv
	r.mu.Unlock()
	r.metrics.Transitions.WithLabelValues(string(PhaseAccepted)).Inc()

	r.dismiss(ctx, roomID)

	isCaller := inv.CallerID == r.det.LocalUserID()
	sess := Session{
		RemoteID:   inv.CallerID,
		RemoteName: inv.CallerName,
		RoomID:     inv.RoomID,
		CallURL:    inv.CallURL,
		CallType:   inv.CallType,
		IsCaller:   isCaller,
		StartedAt:  r.now(),
	}
	if isCaller {
		sess.RemoteID, sess.RemoteName = inv.CalleeID, inv.CalleeID
	}
	if err := r.state.Activate(sess); err != nil {
		r.setIdle(roomID)
		return Session{}, err
	}

	r.mu.Lock()
	rc.phase = PhaseInCall
	r.mu.Unlock()
	r.metrics.Transitions.WithLabelValues(string(PhaseInCall)).Inc()
	r.log.Info("call.accept", "room_id", roomID, "remote_id", sess.RemoteID)
	sess.Active = true
	return sess, nil
}

// Decline rejects the ringing call of roomID.
func (r *Router) Decline(ctx context.Context, roomID string) error {
	r.mu.Lock()
	rc := r.rooms[roomID]
	if rc == nil || rc.phase != PhaseInvitationDetected {
		r.mu.Unlock()
		return ErrInvalidTransition
	}
	rc.phase = PhaseDeclined
	rc.stopTimer()
	r.mu.Unlock()
	r.metrics.Transitions.WithLabelValues(string(PhaseDeclined)).Inc()

	r.dismiss(ctx, roomID)
	r.clearHandoff(ctx)
	r.setIdle(roomID)
	r.log.Info("call.decline", "room_id", roomID)
	return nil
}

// Hangup ends the active call.
func (r *Router) Hangup(ctx context.Context) error {
	prev, ok := r.state.Clear()
	if !ok {
		return ErrInvalidTransition
	}
	r.clearHandoff(ctx)
	r.setIdle(prev.RoomID)
	r.log.Info("call.hangup", "room_id", prev.RoomID)
	return nil
}

// BeginOutgoing makes a locally started call active. The link is remembered so its echo
// through chat or history does not ring.
func (r *Router) BeginOutgoing(ctx context.Context, inv Invitation) (Session, error) {
	r.mu.Lock()
	if r.state.Active() {
		r.mu.Unlock()
		return Session{}, ErrCallActive
	}
	rc := r.rooms[inv.RoomID]
	if rc == nil {
		rc = &roomCall{}
		r.rooms[inv.RoomID] = rc
	}
	rc.stopTimer()
	rc.phase = PhaseInCall
	rc.inv = inv
	r.seen[inv.RoomID+"\x00"+inv.CallURL] = r.now()
	r.mu.Unlock()

	sess := Session{
		RemoteID:   inv.CalleeID,
		RemoteName: inv.CalleeID,
		RoomID:     inv.RoomID,
		CallURL:    inv.CallURL,
		CallType:   inv.CallType,
		IsCaller:   true,
		StartedAt:  r.now(),
	}
	if err := r.state.Activate(sess); err != nil {
		r.setIdle(inv.RoomID)
		return Session{}, err
	}
	r.writeHandoff(ctx, storage.CallHandoff{
		CallURL:     inv.CallURL,
		PartnerID:   inv.CalleeID,
		PartnerName: inv.CalleeID,
		RoomID:      inv.RoomID,
	})
	r.metrics.Transitions.WithLabelValues(string(PhaseInCall)).Inc()
	r.log.Info("call.start", "room_id", inv.RoomID, "callee_id", inv.CalleeID)
	sess.Active = true
	return sess, nil
}

// Phase returns the current phase of roomID.
func (r *Router) Phase(roomID string) Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rc := r.rooms[roomID]; rc != nil {
		return rc.phase
	}
	return PhaseIdle
}

// Ringing returns the invitation waiting for an answer in roomID.
func (r *Router) Ringing(roomID string) (Invitation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc := r.rooms[roomID]
	if rc == nil || rc.phase != PhaseInvitationDetected {
		return Invitation{}, false
	}
	return rc.inv, true
}

// Close stops every ring timer.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rc := range r.rooms {
		rc.stopTimer()
	}
}

func (r *Router) expire(roomID, callURL string) {
	r.mu.Lock()
	rc := r.rooms[roomID]
	if rc == nil || rc.phase != PhaseInvitationDetected || rc.inv.CallURL != callURL {
		r.mu.Unlock()
		return
	}
	rc.phase = PhaseExpired
	rc.timer = nil
	r.mu.Unlock()
	r.metrics.Transitions.WithLabelValues(string(PhaseExpired)).Inc()

	ctx := context.Background()
	r.dismiss(ctx, roomID)
	r.clearHandoff(ctx)
	r.setIdle(roomID)
	r.log.Info("call.invite.unanswered", "room_id", roomID)
}

func (r *Router) setIdle(roomID string) {
	r.mu.Lock()
	if rc := r.rooms[roomID]; rc != nil {
		rc.stopTimer()
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()
	r.metrics.Transitions.WithLabelValues(string(PhaseIdle)).Inc()
}

func (r *Router) pruneLocked(now time.Time) {
	for k, at := range r.seen {
		if now.Sub(at) > seenTTL {
			delete(r.seen, k)
		}
	}
}

func (r *Router) dismiss(ctx context.Context, roomID string) {
	if d, ok := r.ring.(Dismisser); ok {
		d.DismissCall(ctx, roomID)
	}
}

func (r *Router) writeHandoff(ctx context.Context, h storage.CallHandoff) {
	if r.store == nil {
		return
	}
	if err := storage.WriteCallHandoff(ctx, r.store, h); err != nil {
		r.log.Warn("call.handoff.write_fail", "room_id", h.RoomID, "err", err)
	}
}

func (r *Router) clearHandoff(ctx context.Context) {
	if r.store == nil {
		return
	}
	if err := storage.ClearCallHandoff(ctx, r.store); err != nil {
		r.log.Warn("call.handoff.clear_fail", "err", err)
	}
}

func (rc *roomCall) stopTimer() {
	if rc.timer != nil {
		rc.timer.Stop()
		rc.timer = nil
	}
}
