package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Sender is the canonical sender of an inbound message.
type Sender struct {
	ID   string
	Name string
}

// Inbound is a message received from the realtime channel or the history endpoint,
// normalized into one shape.
type Inbound struct {
	ID              string
	RoomID          string
	Sender          Sender
	Text            string
	SentAt          time.Time // zero when the payload carries no timestamp
	Seen            bool
	ClientTimestamp int64
	ClientMsgID     string
}

// Ack is a normalized messageSent payload.
type Ack struct {
	ID              string
	RoomID          string
	ClientMsgID     string
	ClientTimestamp int64
}

// wireMessage lists every field name the backend is known to use for a message.
type wireMessage struct {
	ID              any    `json:"_id"`
	AltID           any    `json:"id"`
	SenderID        any    `json:"sender_id"`
	Sender          any    `json:"sender"`
	SenderName      string `json:"senderName"`
	Message         any    `json:"message"`
	Text            any    `json:"text"`
	RoomID          string `json:"room_id"`
	ChatRoomID      string `json:"chat_room_id"`
	Room            string `json:"room"`
	CreatedAt       any    `json:"createdAt"`
	Timestamp       any    `json:"timestamp"`
	SentAt          any    `json:"sentAt"`
	Seen            bool   `json:"seen"`
	ClientTimestamp int64  `json:"clientTimestamp"`
	ClientMsgID     string `json:"clientMsgId"`
}

type wireUser struct {
	ID        any    `json:"_id"`
	AltID     any    `json:"id"`
	UserID    any    `json:"userId"`
	Name      string `json:"name"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Username  string `json:"username"`
}

type wireAck struct {
	ID              any    `json:"id"`
	AltID           any    `json:"_id"`
	Room            string `json:"room"`
	RoomID          string `json:"room_id"`
	ClientMsgID     string `json:"clientMsgId"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

// NormalizeInbound decodes a chat_message / new_message payload. A payload without a
// room id is rejected; every other field is optional.
func NormalizeInbound(raw []byte) (Inbound, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return Inbound{}, err
	}
	return NormalizeMap(m)
}

// NormalizeMap is NormalizeInbound for an already decoded JSON object.
func NormalizeMap(m map[string]any) (Inbound, error) {
	var w wireMessage
	if err := decodeLoose(m, &w); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	in := Inbound{
		ID:              firstNonEmpty(stringify(w.ID), stringify(w.AltID)),
		RoomID:          strings.TrimSpace(firstNonEmpty(w.RoomID, w.ChatRoomID, w.Room)),
		Text:            textOf(w.Message),
		Seen:            w.Seen,
		ClientTimestamp: w.ClientTimestamp,
		ClientMsgID:     strings.TrimSpace(w.ClientMsgID),
	}
	if in.Text == "" {
		in.Text = textOf(w.Text)
	}

	in.Sender = senderOf(w.SenderID)
	if s := senderOf(w.Sender); in.Sender.ID == "" {
		in.Sender = s
	} else if in.Sender.Name == "" {
		in.Sender.Name = s.Name
	}
	if in.Sender.Name == "" {
		in.Sender.Name = strings.TrimSpace(w.SenderName)
	}

	for _, v := range []any{w.CreatedAt, w.SentAt, w.Timestamp} {
		if t, ok := timeOf(v); ok {
			in.SentAt = t
			break
		}
	}

	if in.RoomID == "" {
		return in, ErrMissingRoom
	}
	return in, nil
}

// NormalizeAck decodes a messageSent payload.
func NormalizeAck(raw []byte) (Ack, error) {
	m, err := decodeObject(raw)
	if err != nil {
		return Ack{}, err
	}
	var w wireAck
	if err := decodeLoose(m, &w); err != nil {
		return Ack{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	a := Ack{
		ID:              firstNonEmpty(stringify(w.ID), stringify(w.AltID)),
		RoomID:          strings.TrimSpace(firstNonEmpty(w.Room, w.RoomID)),
		ClientMsgID:     strings.TrimSpace(w.ClientMsgID),
		ClientTimestamp: w.ClientTimestamp,
	}
	if a.ID == "" {
		return a, fmt.Errorf("%w: messageSent without id", ErrBadPayload)
	}
	return a, nil
}

// NormalizeHistory decodes a list of messages, dropping entries that cannot be read.
// Entries without a room id get roomID.
func NormalizeHistory(items []map[string]any, roomID string) []Inbound {
	out := make([]Inbound, 0, len(items))
	for _, it := range items {
		if it == nil {
			continue
		}
		in, err := NormalizeMap(it)
		if errors.Is(err, ErrMissingRoom) {
			in.RoomID = roomID
			err = nil
		}
		if err != nil {
			continue
		}
		out = append(out, in)
	}
	return out
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: not an object", ErrBadPayload)
	}
	return m, nil
}

func decodeLoose(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		DecodeHook:       jsonNumberHook(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// jsonNumberHook converts json.Number into the numeric or string kind of the target field.
func jsonNumberHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data any) (any, error) {
		n, ok := data.(json.Number)
		if !ok {
			return data, nil
		}
		switch to.Kind() {
		case reflect.Int, reflect.Int32, reflect.Int64:
			if i, err := n.Int64(); err == nil {
				return i, nil
			}
			f, err := n.Float64()
			if err != nil {
				return nil, err
			}
			return int64(f), nil
		case reflect.String:
			return n.String(), nil
		}
		return data, nil
	}
}

func senderOf(v any) Sender {
	switch t := v.(type) {
	case nil:
		return Sender{}
	case map[string]any:
		var u wireUser
		if err := decodeLoose(t, &u); err != nil {
			return Sender{}
		}
		name := strings.TrimSpace(u.Name)
		if name == "" {
			name = strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
		}
		if name == "" {
			name = strings.TrimSpace(u.Username)
		}
		return Sender{
			ID:   firstNonEmpty(stringify(u.ID), stringify(u.AltID), stringify(u.UserID)),
			Name: name,
		}
	default:
		return Sender{ID: stringify(t)}
	}
}

func textOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		for _, k := range []string{"text", "message", "body", "content"} {
			if s, ok := t[k].(string); ok {
				return s
			}
		}
	}
	return ""
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return ""
	}
}

func timeOf(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixMillis(ms), true
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil {
			return unixMillis(ms), true
		}
		if f, err := t.Float64(); err == nil {
			return unixMillis(int64(f)), true
		}
	case float64:
		return unixMillis(int64(t)), true
	case int64:
		return unixMillis(t), true
	}
	return time.Time{}, false
}

// unixMillis accepts seconds too: values below 1e11 cannot be milliseconds of this century.
func unixMillis(v int64) time.Time {
	if v <= 0 {
		return time.Time{}
	}
	if v < 1e11 {
		return time.Unix(v, 0).UTC()
	}
	return time.UnixMilli(v).UTC()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
