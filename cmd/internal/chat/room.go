package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"unigate/cmd/identity"
	"unigate/cmd/internal/realtime"
	v1 "unigate/shared/contracts/realtime/v1"
)

// Conn is the part of the connection manager a room subscribes through.
type Conn interface {
	Emitter
	On(event string, h realtime.Handler) (unsubscribe func())
}

// Deps wires a RoomSession to its collaborators.
type Deps struct {
	Log         *slog.Logger
	Conn        Conn
	LocalUserID string

	// History is optional; without it no poller runs.
	History HistoryFetcher

	PollInterval       time.Duration
	TypingTimeout      time.Duration
	TypingEmitInterval time.Duration

	Metrics *Metrics
	Now     func() time.Time

	// OnMessage sees every realtime message of this room before it is reconciled.
	OnMessage func(Inbound)
	// OnHistory sees every polled history after it is merged.
	OnHistory func([]Inbound)
}

// RoomSession is one open conversation: it joins the room, keeps the reconciled message
// list, tracks typing and polls history until Close.
type RoomSession struct {
	log    *slog.Logger
	conn   Conn
	room   identity.Room
	userID string

	rec    *Reconciler
	typing *Typing

	unsubs     []func()
	pollCancel context.CancelFunc

	closeOnce sync.Once
}

// OpenRoom validates roomID, derives the counterpart and starts the room.
// A malformed room id or a room the local user is not part of is an error.
func OpenRoom(ctx context.Context, deps Deps, roomID string) (*RoomSession, error) {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	room, err := identity.ParseRoom(roomID)
	if err != nil {
		log.Warn("chat.room.reject", "room_id", roomID, "err", err)
		return nil, err
	}

	opts := []ReconcilerOption{WithReconcilerMetrics(deps.Metrics)}
	if deps.Now != nil {
		opts = append(opts, WithReconcilerClock(deps.Now))
	}
	rec, err := NewReconciler(log, room, deps.LocalUserID, deps.Conn, opts...)
	if err != nil {
		log.Warn("chat.room.reject", "room_id", roomID, "err", err)
		return nil, err
	}

	s := &RoomSession{
		log:    log.With("room_id", room.ID),
		conn:   deps.Conn,
		room:   room,
		userID: identity.NormalizeUserID(deps.LocalUserID),
		rec:    rec,
	}
	s.typing = NewTyping(log, deps.Conn, room.ID, s.userID, rec.Counterpart(), deps.TypingTimeout, deps.TypingEmitInterval)

	onMessage := func(raw json.RawMessage) {
		in, err := NormalizeInbound(raw)
		if err != nil {
			s.log.Info("chat.ingress.drop", "err", err)
			return
		}
		if in.RoomID != s.room.ID {
			return
		}
		if deps.OnMessage != nil {
			deps.OnMessage(in)
		}
		if s.rec.OnIncomingMessage(in) {
			s.typing.RemoteStopped()
		}
	}
	s.unsubs = append(s.unsubs,
		s.conn.On(v1.EventChatMessage, onMessage),
		s.conn.On(v1.EventNewMessage, onMessage),
		s.conn.On(v1.EventMessageSent, func(raw json.RawMessage) {
			ack, err := NormalizeAck(raw)
			if err != nil {
				s.log.Info("chat.ack.drop", "err", err)
				return
			}
			s.rec.ApplyAck(ack)
		}),
		s.conn.On(v1.EventUserTyping, func(raw json.RawMessage) {
			var p v1.UserTypingPayload
			if err := json.Unmarshal(raw, &p); err != nil || (p.Room != "" && p.Room != s.room.ID) {
				return
			}
			s.typing.RemoteTyping(p.UserName)
		}),
		s.conn.On(v1.EventUserStoppedTyping, func(raw json.RawMessage) {
			var p v1.UserStoppedTypingPayload
			if err := json.Unmarshal(raw, &p); err != nil || (p.Room != "" && p.Room != s.room.ID) {
				return
			}
			s.typing.RemoteStopped()
		}),
		// Room membership does not survive a transport reconnect.
		s.conn.On(v1.EventConnect, func(json.RawMessage) { s.join() }),
	)
	s.join()

	if deps.History != nil {
		p := NewPoller(log, deps.History, rec, deps.PollInterval)
		p.Hook = deps.OnHistory
		pctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.pollCancel = cancel
		go p.Run(pctx)
	}

	s.log.Info("chat.room.open", "counterpart_id", rec.Counterpart())
	return s, nil
}

func (s *RoomSession) join() {
	if !s.conn.Emit(v1.EventJoinRoom, v1.RoomPayload{Room: s.room.ID, UserID: s.userID}, nil) {
		s.log.Info("chat.room.join.deferred", "reason", "not_connected")
	}
}

func (s *RoomSession) Room() identity.Room     { return s.room }
func (s *RoomSession) Counterpart() string     { return s.rec.Counterpart() }
func (s *RoomSession) Reconciler() *Reconciler { return s.rec }
func (s *RoomSession) Typing() *Typing         { return s.typing }
func (s *RoomSession) Messages() []Message     { return s.rec.Messages() }
func (s *RoomSession) Keystroke()              { s.typing.Keystroke() }

// Send sends text to the counterpart and ends the local typing state.
func (s *RoomSession) Send(text string) (Message, error) {
	s.typing.Stop()
	return s.rec.SendMessage("", text)
}

// Close unsubscribes, stops the poller and timers, and leaves the room. It is idempotent.
func (s *RoomSession) Close() {
	s.closeOnce.Do(func() {
		for _, u := range s.unsubs {
			u()
		}
		if s.pollCancel != nil {
			s.pollCancel()
		}
		s.rec.Close()
		s.typing.Close()
		s.conn.Emit(v1.EventLeaveRoom, v1.RoomPayload{Room: s.room.ID, UserID: s.userID}, nil)
		s.log.Info("chat.room.close")
	})
}
