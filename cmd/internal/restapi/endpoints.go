package restapi

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"unigate/cmd/identity"
	"unigate/cmd/internal/chat"
	"unigate/cmd/internal/notify"

	"github.com/valyala/fasthttp"
)

// Backend paths.
const (
	pathLogin          = "/auth/login"
	pathRegister       = "/auth/register"
	pathForgotPassword = "/auth/forgot-password"
	pathResetPassword  = "/auth/reset-password"
	pathChatUsers      = "/chat/users"
	pathChatRoom       = "/chat/room/"
	pathUsers          = "/users/"
	pathProfile        = "/profile"
	pathNotifications  = "/notifications"
	pathPlans          = "/plans"
	pathSubscriptions  = "/subscriptions"
	pathPush           = "/push/subscriptions"
)

// ---- auth ----

// Login exchanges credentials for a session token.
func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	v, err := c.call(ctx, "login", fasthttp.MethodPost, pathLogin, map[string]string{
		"email":    strings.TrimSpace(email),
		"password": password,
	}, false)
	if err != nil {
		return LoginResult{}, err
	}
	res := loginResult(v)
	if res.Token == "" || res.UserID == "" {
		return LoginResult{}, fmt.Errorf("%w: login response without token or user id", ErrBadResponse)
	}
	return res, nil
}

// loginResult looks for the token and the user id at the top level and inside the
// data envelope and the user object.
func loginResult(v any) LoginResult {
	var res LoginResult
	layers := []map[string]any{}
	if m, ok := v.(map[string]any); ok {
		layers = append(layers, m)
	}
	if m := objectOf(v); m != nil {
		layers = append(layers, m)
	}
	for _, m := range append([]map[string]any(nil), layers...) {
		if u, ok := m["user"].(map[string]any); ok {
			layers = append(layers, u)
		}
	}
	for _, m := range layers {
		if res.Token == "" {
			res.Token = str(m, "token", "accessToken", "access_token")
		}
		if res.UserID == "" {
			res.UserID = str(m, "userId", "user_id", "_id", "id")
		}
	}
	return res
}

// Register creates an account. The backend's answer is returned as-is.
func (c *Client) Register(ctx context.Context, fields map[string]any) (map[string]any, error) {
	v, err := c.call(ctx, "register", fasthttp.MethodPost, pathRegister, fields, false)
	if err != nil {
		return nil, err
	}
	return objectOf(v), nil
}

func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	_, err := c.call(ctx, "forgot_password", fasthttp.MethodPost, pathForgotPassword, map[string]string{"email": strings.TrimSpace(email)}, false)
	return err
}

func (c *Client) ResetPassword(ctx context.Context, token, password string) error {
	_, err := c.call(ctx, "reset_password", fasthttp.MethodPost, pathResetPassword, map[string]string{"token": token, "password": password}, false)
	return err
}

// ---- chat ----

// ChatUsers lists the local user's conversations.
func (c *Client) ChatUsers(ctx context.Context) ([]ChatUser, error) {
	v, err := c.call(ctx, "chat_users", fasthttp.MethodGet, pathChatUsers, nil, true)
	if err != nil {
		return nil, err
	}
	items := listOf(v, "users", "chats", "conversations")
	out := make([]ChatUser, 0, len(items))
	for _, it := range items {
		var w wireChatUser
		if err := decodeInto(it, &w); err != nil {
			c.log.Debug("rest.decode.skip", "op", "chat_users", "err", err)
			continue
		}
		if u := w.normalize(); u.ID != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

// ChatRoomHistory returns the messages shared with counterpartID. Messages without a room
// id are attributed to the room of the two participants.
func (c *Client) ChatRoomHistory(ctx context.Context, counterpartID string) ([]chat.Inbound, error) {
	counterpartID = identity.NormalizeUserID(counterpartID)
	if counterpartID == "" {
		return nil, fmt.Errorf("%w: empty counterpart id", identity.ErrInvalidInput)
	}
	v, err := c.call(ctx, "chat_history", fasthttp.MethodGet, pathChatRoom+url.PathEscape(counterpartID), nil, true)
	if err != nil {
		return nil, err
	}
	var roomID string
	if c.creds != nil {
		roomID, _ = identity.RoomFor(c.creds.UserID(), counterpartID)
	}
	if m := objectOf(v); m != nil {
		if r := str(m, "room_id", "chat_room_id", "room", "roomId"); r != "" {
			roomID = r
		}
	}
	return chat.NormalizeHistory(listOf(v, "messages", "chats", "history"), roomID), nil
}

// FetchHistory makes Client a chat.HistoryFetcher.
func (c *Client) FetchHistory(ctx context.Context, counterpartID string) ([]chat.Inbound, error) {
	return c.ChatRoomHistory(ctx, counterpartID)
}

// ---- discovery ----

func (c *Client) Like(ctx context.Context, userID string) error {
	return c.userAction(ctx, "like", userID)
}

func (c *Client) Dislike(ctx context.Context, userID string) error {
	return c.userAction(ctx, "dislike", userID)
}

func (c *Client) userAction(ctx context.Context, action, userID string) error {
	userID = identity.NormalizeUserID(userID)
	if userID == "" {
		return fmt.Errorf("%w: empty user id", identity.ErrInvalidInput)
	}
	_, err := c.call(ctx, action, fasthttp.MethodPost, pathUsers+url.PathEscape(userID)+"/"+action, nil, true)
	return err
}

// ---- profile ----

func (c *Client) Profile(ctx context.Context) (Profile, error) {
	v, err := c.call(ctx, "profile", fasthttp.MethodGet, pathProfile, nil, true)
	if err != nil {
		return Profile{}, err
	}
	return c.profileOf(v)
}

// UpdateProfile sends the changed fields and returns the stored profile.
func (c *Client) UpdateProfile(ctx context.Context, fields map[string]any) (Profile, error) {
	v, err := c.call(ctx, "update_profile", fasthttp.MethodPut, pathProfile, fields, true)
	if err != nil {
		return Profile{}, err
	}
	return c.profileOf(v)
}

func (c *Client) profileOf(v any) (Profile, error) {
	m := objectOf(v, "user", "profile")
	if m == nil {
		return Profile{}, fmt.Errorf("%w: profile is not an object", ErrBadResponse)
	}
	var w wireProfile
	if err := decodeInto(m, &w); err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return w.normalize(m), nil
}

// ---- notifications ----

func (c *Client) Notifications(ctx context.Context) ([]Notification, error) {
	v, err := c.call(ctx, "notifications", fasthttp.MethodGet, pathNotifications, nil, true)
	if err != nil {
		return nil, err
	}
	items := listOf(v, "notifications", "items")
	out := make([]Notification, 0, len(items))
	for _, it := range items {
		var w wireNotification
		if err := decodeInto(it, &w); err != nil {
			continue
		}
		out = append(out, w.normalize())
	}
	return out, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty notification id", identity.ErrInvalidInput)
	}
	_, err := c.call(ctx, "mark_notification_read", fasthttp.MethodPatch, pathNotifications+"/"+url.PathEscape(id)+"/read", nil, true)
	return err
}

func (c *Client) ClearNotifications(ctx context.Context) error {
	_, err := c.call(ctx, "clear_notifications", fasthttp.MethodDelete, pathNotifications, nil, true)
	return err
}

// ---- plans ----

func (c *Client) Plans(ctx context.Context) ([]Plan, error) {
	v, err := c.call(ctx, "plans", fasthttp.MethodGet, pathPlans, nil, true)
	if err != nil {
		return nil, err
	}
	items := listOf(v, "plans")
	out := make([]Plan, 0, len(items))
	for _, it := range items {
		var w wirePlan
		if err := decodeInto(it, &w); err != nil {
			continue
		}
		out = append(out, w.normalize())
	}
	return out, nil
}

// Subscribe starts a subscription to planID and returns the backend's answer, which may
// carry a payment link.
func (c *Client) Subscribe(ctx context.Context, planID string) (map[string]any, error) {
	if strings.TrimSpace(planID) == "" {
		return nil, fmt.Errorf("%w: empty plan id", identity.ErrInvalidInput)
	}
	v, err := c.call(ctx, "subscribe", fasthttp.MethodPost, pathSubscriptions, map[string]string{"planId": planID}, true)
	if err != nil {
		return nil, err
	}
	return objectOf(v), nil
}

// ---- push ----

// ReportPushSubscription registers a push endpoint for the local user.
func (c *Client) ReportPushSubscription(ctx context.Context, sub notify.Subscription) error {
	if strings.TrimSpace(sub.Endpoint) == "" {
		return fmt.Errorf("%w: empty push endpoint", identity.ErrInvalidInput)
	}
	_, err := c.call(ctx, "push_subscription", fasthttp.MethodPost, pathPush, sub, true)
	return err
}

// ReportSubscription makes Client a notify.Subscriber.
func (c *Client) ReportSubscription(ctx context.Context, sub notify.Subscription) error {
	return c.ReportPushSubscription(ctx, sub)
}
