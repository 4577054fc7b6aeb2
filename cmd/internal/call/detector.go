package call

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"unigate/cmd/identity"
	"unigate/cmd/internal/chat"
	v1 "unigate/shared/contracts/realtime/v1"

	"github.com/mitchellh/mapstructure"
)

const (
	DefaultLinkPrefix = "https://test.unigate.com.ng/w/"
	DefaultExpiry     = 2 * time.Minute
)

// DetectorConfig tunes link discovery. Zero values select the defaults.
type DetectorConfig struct {
	LinkPrefix string
	Expiry     time.Duration
}

// Detector recognizes call invitations for one local user.
type Detector struct {
	log         *slog.Logger
	localUserID string
	prefix      string
	link        *regexp.Regexp
	expiry      time.Duration
	metrics     *Metrics
}

func NewDetector(log *slog.Logger, localUserID string, cfg DetectorConfig, metrics *Metrics) (*Detector, error) {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	prefix := strings.TrimSpace(cfg.LinkPrefix)
	if prefix == "" {
		prefix = DefaultLinkPrefix
	}
	u, err := url.Parse(prefix)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrBadLinkPrefix, prefix)
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	return &Detector{
		log:         log,
		localUserID: identity.NormalizeUserID(localUserID),
		prefix:      prefix,
		// The prefix must be followed by a path.
		link:    regexp.MustCompile(regexp.QuoteMeta(prefix) + `[^\s"'<>]+`),
		expiry:  expiry,
		metrics: metrics,
	}, nil
}

func (d *Detector) LocalUserID() string   { return d.localUserID }
func (d *Detector) LinkPrefix() string    { return d.prefix }
func (d *Detector) Expiry() time.Duration { return d.expiry }

// MatchLink returns the first call link in text.
func (d *Detector) MatchLink(text string) (string, bool) {
	link := d.link.FindString(text)
	return link, link != ""
}

// Inspect applies pattern detection to a chat message. Only VerdictDetected carries an
// Invitation. A message without a timestamp is treated as fresh; the router filters
// undated polled history before it gets here.
func (d *Detector) Inspect(in chat.Inbound, now time.Time) (Invitation, Verdict) {
	inv, v := d.inspect(in, now)
	d.metrics.Inspected.WithLabelValues(string(v)).Inc()
	switch v {
	case VerdictExpired:
		d.log.Info("call.invite.expired", "room_id", in.RoomID, "message_id", in.ID, "age", now.Sub(in.SentAt).String())
	case VerdictMalformedRoom, VerdictForeignRoom:
		d.log.Warn("call.invite.reject", "room_id", in.RoomID, "verdict", string(v))
	case VerdictDetected:
		d.log.Info("call.invite.detected", "room_id", inv.RoomID, "caller_id", inv.CallerID)
	}
	return inv, v
}

func (d *Detector) inspect(in chat.Inbound, now time.Time) (Invitation, Verdict) {
	sender := identity.NormalizeUserID(in.Sender.ID)
	if sender != "" && sender == d.localUserID {
		return Invitation{}, VerdictSelf
	}
	link, ok := d.MatchLink(in.Text)
	if !ok {
		return Invitation{}, VerdictNone
	}
	if !in.SentAt.IsZero() && now.Sub(in.SentAt) > d.expiry {
		return Invitation{}, VerdictExpired
	}

	room, err := identity.ParseRoom(in.RoomID)
	if err != nil {
		return Invitation{}, VerdictMalformedRoom
	}
	remote, err := room.Other(d.localUserID)
	if err != nil {
		return Invitation{}, VerdictForeignRoom
	}

	caller := remote
	if sender != "" {
		caller = sender
	}
	name := strings.TrimSpace(in.Sender.Name)
	if name == "" {
		name = caller
	}
	created := in.SentAt
	if created.IsZero() {
		created = now
	}
	return Invitation{
		CallerID:   caller,
		CallerName: name,
		CalleeID:   d.localUserID,
		CallURL:    link,
		RoomID:     room.ID,
		CallType:   TypeVideo,
		CreatedAt:  created,
		Source:     SourceMessage,
	}, VerdictDetected
}

// FromEvent decodes an explicit callInvitation event. It is never expired; a payload
// without a call URL or with a room the local user is not part of is rejected.
func (d *Detector) FromEvent(raw json.RawMessage, now time.Time) (Invitation, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return Invitation{}, fmt.Errorf("%w: payload is not an object", ErrBadInvitation)
	}
	var p v1.CallInvitationPayload
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           &p,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Invitation{}, err
	}
	if err := dec.Decode(m); err != nil {
		return Invitation{}, fmt.Errorf("%w: %v", ErrBadInvitation, err)
	}

	room, err := identity.ParseRoom(p.Room)
	if err != nil {
		return Invitation{}, err
	}
	remote, err := room.Other(d.localUserID)
	if err != nil {
		return Invitation{}, err
	}
	callURL := strings.TrimSpace(p.CallURL)
	if callURL == "" {
		return Invitation{}, fmt.Errorf("%w: missing callUrl", ErrBadInvitation)
	}

	inv := Invitation{
		CallerID:   firstNonEmpty(identity.NormalizeUserID(p.CallerID), remote),
		CallerName: strings.TrimSpace(p.CallerName),
		CalleeID:   firstNonEmpty(identity.NormalizeUserID(p.RecipientID), d.localUserID),
		CallURL:    callURL,
		RoomID:     room.ID,
		CallType:   firstNonEmpty(strings.TrimSpace(p.CallType), TypeVideo),
		CreatedAt:  now,
		Source:     SourceEvent,
	}
	if p.Timestamp > 0 {
		inv.CreatedAt = time.UnixMilli(p.Timestamp).UTC()
	}
	if inv.CallerName == "" {
		inv.CallerName = inv.CallerID
	}
	d.metrics.Inspected.WithLabelValues(string(VerdictDetected)).Inc()
	return inv, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
