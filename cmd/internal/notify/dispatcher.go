// Package notify raises user notifications for new messages and incoming calls through a
// platform capability.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"unigate/cmd/identity"
	"unigate/cmd/internal/chat"
)

// Permission mirrors the notification permission states of the platform.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Options are the display options of one notification. Tag collapses notifications:
// a new one with the same tag replaces the previous one.
type Options struct {
	Body               string            `json:"body,omitempty"`
	Tag                string            `json:"tag,omitempty"`
	RequireInteraction bool              `json:"requireInteraction,omitempty"`
	Renotify           bool              `json:"renotify,omitempty"`
	Data               map[string]string `json:"data,omitempty"`
}

// Capability is the platform notification API.
type Capability interface {
	Supported() bool
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, title string, opts Options) error
}

// Closer is implemented by capabilities that can withdraw a notification by tag.
type Closer interface {
	Close(ctx context.Context, tag string) error
}

// Subscription is a push endpoint registration.
type Subscription struct {
	Endpoint string            `json:"endpoint"`
	Keys     map[string]string `json:"keys,omitempty"`
}

// SubscriptionSource is implemented by capabilities backed by a push endpoint.
type SubscriptionSource interface {
	Subscription(ctx context.Context) (Subscription, error)
}

// Subscriber records a push subscription with the backend.
type Subscriber interface {
	ReportSubscription(ctx context.Context, sub Subscription) error
}

// LinkMatcher recognizes call links in message text.
type LinkMatcher interface {
	MatchLink(text string) (string, bool)
}

const (
	defaultMessageTitle = "New message"
	defaultMessageBody  = "You have a new message"
)

// Dispatcher decides whether a notification is shown and how it is tagged.
type Dispatcher struct {
	log         *slog.Logger
	capability  Capability
	links       LinkMatcher
	localUserID string
	metrics     *Metrics
}

func NewDispatcher(log *slog.Logger, capability Capability, localUserID string, links LinkMatcher, metrics *Metrics) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Dispatcher{
		log:         log,
		capability:  capability,
		links:       links,
		localUserID: identity.NormalizeUserID(localUserID),
		metrics:     metrics,
	}
}

// Register asks for permission and reports the capability's push subscription, if any.
func (d *Dispatcher) Register(ctx context.Context, sub Subscriber) (Permission, error) {
	if d.capability == nil || !d.capability.Supported() {
		return PermissionDenied, nil
	}
	perm := d.capability.Permission()
	if perm == PermissionDefault {
		var err error
		if perm, err = d.capability.RequestPermission(ctx); err != nil {
			return perm, err
		}
	}
	if perm != PermissionGranted || sub == nil {
		return perm, nil
	}
	src, ok := d.capability.(SubscriptionSource)
	if !ok {
		return perm, nil
	}
	s, err := src.Subscription(ctx)
	if err != nil {
		return perm, err
	}
	if err := sub.ReportSubscription(ctx, s); err != nil {
		d.log.Warn("notify.subscription.report_fail", "err", err)
		return perm, err
	}
	d.log.Info("notify.subscription.reported", "endpoint", s.Endpoint)
	return perm, nil
}

// NotifyNewMessage shows a message notification tagged per message id. It is a no-op when
// notifications are unavailable or text carries a call link.
func (d *Dispatcher) NotifyNewMessage(ctx context.Context, senderName, text, messageID, roomID string) error {
	if !d.deliverable(kindMessage) {
		return nil
	}
	if d.isCallLink(text) {
		d.suppressed(kindMessage, "call_link", roomID)
		return nil
	}

	title := strings.TrimSpace(senderName)
	if title == "" {
		title = defaultMessageTitle
	}
	body := text
	if strings.TrimSpace(body) == "" {
		body = defaultMessageBody
	}
	tag := "message-" + messageID
	if messageID == "" {
		tag = "message-room-" + roomID
	}
	return d.show(ctx, kindMessage, title, Options{
		Body: body,
		Tag:  tag,
		Data: map[string]string{"room": roomID, "messageId": messageID},
	})
}

// NotifyIncomingCall shows a persistent call notification. Repeated invitations for the
// same room share a tag and re-alert instead of stacking.
func (d *Dispatcher) NotifyIncomingCall(ctx context.Context, callerName, roomID, callURL, callType string) error {
	if !d.deliverable(kindCall) {
		return nil
	}
	if callType == "" {
		callType = "video"
	}
	caller := strings.TrimSpace(callerName)
	if caller == "" {
		caller = "Someone"
	}
	body := caller + " is calling you (" + callType + ")"
	if d.isCallLink(body) {
		d.suppressed(kindCall, "call_link", roomID)
		return nil
	}
	return d.show(ctx, kindCall, "Incoming call", Options{
		Body:               body,
		Tag:                callTag(roomID),
		RequireInteraction: true,
		Renotify:           true,
		Data:               map[string]string{"room": roomID, "callUrl": callURL, "callType": callType},
	})
}

// DismissCall withdraws the call notification of roomID when the capability supports it.
func (d *Dispatcher) DismissCall(ctx context.Context, roomID string) {
	c, ok := d.capability.(Closer)
	if !ok {
		return
	}
	if err := c.Close(ctx, callTag(roomID)); err != nil {
		d.log.Info("notify.dismiss.fail", "room_id", roomID, "err", err)
	}
}

// OnInbound notifies about a message received outside the open conversation. Messages
// authored by the local user never notify.
func (d *Dispatcher) OnInbound(ctx context.Context, in chat.Inbound) error {
	if in.Sender.ID != "" && identity.NormalizeUserID(in.Sender.ID) == d.localUserID {
		d.suppressed(kindMessage, "self", in.RoomID)
		return nil
	}
	return d.NotifyNewMessage(ctx, in.Sender.Name, in.Text, in.ID, in.RoomID)
}

// OnMessageNotification handles the messageNotification event.
func (d *Dispatcher) OnMessageNotification(ctx context.Context, raw json.RawMessage) error {
	in, err := chat.NormalizeInbound(raw)
	if err != nil {
		d.log.Info("notify.ingress.drop", "err", err)
		return err
	}
	return d.OnInbound(ctx, in)
}

func (d *Dispatcher) deliverable(kind string) bool {
	if d.capability == nil || !d.capability.Supported() {
		d.metrics.Deliveries.WithLabelValues(kind, "unsupported").Inc()
		return false
	}
	if d.capability.Permission() != PermissionGranted {
		d.metrics.Deliveries.WithLabelValues(kind, "no_permission").Inc()
		return false
	}
	return true
}

func (d *Dispatcher) isCallLink(text string) bool {
	if d.links == nil {
		return false
	}
	_, ok := d.links.MatchLink(text)
	return ok
}

func (d *Dispatcher) suppressed(kind, reason, roomID string) {
	d.metrics.Deliveries.WithLabelValues(kind, "suppressed_"+reason).Inc()
	d.log.Debug("notify.suppressed", "kind", kind, "reason", reason, "room_id", roomID)
}

func (d *Dispatcher) show(ctx context.Context, kind, title string, opts Options) error {
	if err := d.capability.Show(ctx, title, opts); err != nil {
		d.metrics.Deliveries.WithLabelValues(kind, "failed").Inc()
		d.log.Warn("notify.show.fail", "kind", kind, "tag", opts.Tag, "err", err)
		return errors.Join(ErrDelivery, err)
	}
	d.metrics.Deliveries.WithLabelValues(kind, "shown").Inc()
	d.log.Debug("notify.show", "kind", kind, "tag", opts.Tag)
	return nil
}

const (
	kindMessage = "message"
	kindCall    = "call"
)

func callTag(roomID string) string { return "call-" + roomID }

// ErrDelivery wraps capability failures.
var ErrDelivery = errors.New("notify: delivery failed")
