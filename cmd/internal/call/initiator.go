package call

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"unigate/cmd/identity"
	"unigate/cmd/internal/chat"
	"unigate/cmd/internal/realtime"
	v1 "unigate/shared/contracts/realtime/v1"
)

// LinkPoster posts the call link into the room's conversation.
type LinkPoster interface {
	SendMessage(recipientID, text string) (chat.Message, error)
}

// StartRequest describes an outgoing call. CalleeID defaults to the room counterpart.
type StartRequest struct {
	RoomID     string
	CalleeID   string
	CallerName string
	CallType   string

	// Chat, when set, receives the link as a message so the callee can also discover it there.
	Chat LinkPoster
}

// Initiator starts calls from the local user.
type Initiator struct {
	log    *slog.Logger
	conn   chat.Emitter
	router *Router
	now    func() time.Time
}

func NewInitiator(log *slog.Logger, conn chat.Emitter, router *Router) *Initiator {
	if log == nil {
		log = slog.Default()
	}
	return &Initiator{log: log, conn: conn, router: router, now: router.now}
}

// BuildLink returns a fresh call URL for roomID under the detector's link prefix.
func (i *Initiator) BuildLink(roomID string, now time.Time) (string, error) {
	callID, err := identity.NewCorrelationID(now)
	if err != nil {
		return "", err
	}
	q := url.Values{}
	q.Set("room", roomID)
	q.Set("call", callID)
	return i.router.det.LinkPrefix() + "vc.php?" + q.Encode(), nil
}

// Start emits callInvitation to the counterpart and makes the call active with the local
// user as caller. Nothing is activated when the emit is refused.
func (i *Initiator) Start(ctx context.Context, req StartRequest) (Session, error) {
	if i.router.state.Active() {
		return Session{}, ErrCallActive
	}
	local := i.router.det.LocalUserID()
	room, err := identity.ParseRoom(req.RoomID)
	if err != nil {
		return Session{}, err
	}
	remote, err := room.Other(local)
	if err != nil {
		return Session{}, err
	}
	if callee := identity.NormalizeUserID(req.CalleeID); callee != "" && callee != remote {
		return Session{}, fmt.Errorf("%w: callee %q is not the counterpart in %s", ErrBadInvitation, callee, room.ID)
	}
	callType := strings.ToLower(strings.TrimSpace(req.CallType))
	switch callType {
	case "":
		callType = TypeVideo
	case TypeVideo, TypeAudio:
	default:
		return Session{}, fmt.Errorf("%w: call type %q", ErrBadInvitation, req.CallType)
	}

	now := i.now()
	link, err := i.BuildLink(room.ID, now)
	if err != nil {
		return Session{}, err
	}
	callerName := strings.TrimSpace(req.CallerName)
	if callerName == "" {
		callerName = local
	}

	ok := i.conn.Emit(v1.EventCallInvitation, v1.CallInvitationPayload{
		Room:        room.ID,
		RecipientID: remote,
		CallerID:    local,
		CallerName:  callerName,
		CallURL:     link,
		CallType:    callType,
		Timestamp:   now.UnixMilli(),
	}, nil)
	if !ok {
		i.log.Info("call.start.refused", "room_id", room.ID)
		return Session{}, realtime.ErrNotConnected
	}

	if req.Chat != nil {
		if _, err := req.Chat.SendMessage(remote, link); err != nil {
			i.log.Warn("call.start.post_link_fail", "room_id", room.ID, "err", err)
		}
	}

	return i.router.BeginOutgoing(ctx, Invitation{
		CallerID:   local,
		CallerName: callerName,
		CalleeID:   remote,
		CallURL:    link,
		RoomID:     room.ID,
		CallType:   callType,
		CreatedAt:  now,
		Source:     SourceLocal,
	})
}
