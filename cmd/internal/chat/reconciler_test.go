package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"unigate/cmd/identity"
	"unigate/cmd/internal/realtime"
	v1 "unigate/shared/contracts/realtime/v1"
)

var base = time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, conn *fakeConn, now func() time.Time) *Reconciler {
	t.Helper()
	room, err := identity.ParseRoom("chatroom_1_2")
	if err != nil {
		t.Fatalf("ParseRoom: %v", err)
	}
	if now == nil {
		now = stepClock(base, time.Second)
	}
	r, err := NewReconciler(testLogger(), room, "1", conn, WithReconcilerClock(now))
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return r
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestNewReconciler_RejectsNonParticipant(t *testing.T) {
	t.Parallel()

	room, _ := identity.ParseRoom("chatroom_1_2")
	if _, err := NewReconciler(testLogger(), room, "3", newFakeConn()); !errors.Is(err, identity.ErrNotParticipant) {
		t.Fatalf("err=%v want=ErrNotParticipant", err)
	}
}

func TestSendMessage_OptimisticThenAck(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	r := newTestReconciler(t, conn, nil)

	msg, err := r.SendMessage("", "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	wantID := fmt.Sprintf("optimistic_%d", base.UnixMilli())
	if msg.ID != wantID || msg.Origin != OriginOptimistic || !msg.SenderIsLocalUser || msg.Seen {
		t.Fatalf("optimistic=%+v", msg)
	}
	if msg.ClientMsgID == "" {
		t.Fatalf("missing client message id")
	}

	sends := conn.events(v1.EventSendMessage)
	if len(sends) != 1 {
		t.Fatalf("sendMessage emits=%d want=1", len(sends))
	}
	var p v1.SendMessagePayload
	if err := json.Unmarshal(sends[0].payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.Room != "chatroom_1_2" || p.Recipient != "2" || p.Message != "hi" || p.ClientTimestamp != base.UnixMilli() {
		t.Fatalf("payload=%+v", p)
	}

	before := len(r.Messages())
	if !r.ApplyAck(Ack{ID: "m100", ClientTimestamp: base.UnixMilli()}) {
		t.Fatalf("ack not applied")
	}
	got := r.Messages()
	if len(got) != before {
		t.Fatalf("len=%d want=%d", len(got), before)
	}
	if got[0].ID != "m100" || got[0].Origin != OriginServer || got[0].Text != "hi" {
		t.Fatalf("head=%+v", got[0])
	}
}

func TestApplyAck_StaleIsNoop(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), nil)
	if _, err := r.SendMessage("", "hi"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	before := r.Messages()

	if r.ApplyAck(Ack{ID: "m1", ClientTimestamp: 42}) {
		t.Fatalf("stale ack applied")
	}
	if r.ApplyAck(Ack{ID: "m1", ClientMsgID: "unknown", ClientTimestamp: base.UnixMilli()}) {
		t.Fatalf("ack with foreign client id applied by timestamp")
	}
	if r.ApplyAck(Ack{ID: "m1", RoomID: "chatroom_1_3", ClientTimestamp: base.UnixMilli()}) {
		t.Fatalf("ack for another room applied")
	}
	if !reflect.DeepEqual(before, r.Messages()) {
		t.Fatalf("list changed by stale acks")
	}
}

func TestApplyAck_MatchesClientMsgIDFirst(t *testing.T) {
	t.Parallel()

	// Both sends share a millisecond; timestamps are bumped apart.
	r := newTestReconciler(t, newFakeConn(), stepClock(base, 0))
	a, _ := r.SendMessage("", "a")
	b, _ := r.SendMessage("", "b")
	if a.ClientTimestamp == b.ClientTimestamp || a.ID == b.ID {
		t.Fatalf("timestamps not unique: %d %d", a.ClientTimestamp, b.ClientTimestamp)
	}

	if !r.ApplyAck(Ack{ID: "m-a", ClientMsgID: a.ClientMsgID, ClientTimestamp: b.ClientTimestamp}) {
		t.Fatalf("ack not applied")
	}
	got := r.Messages()
	if got[1].ID != "m-a" || got[1].Text != "a" {
		t.Fatalf("wrong entry promoted: %v", ids(got))
	}
	if got[0].ID != b.ID || !got[0].Pending() {
		t.Fatalf("b changed: %+v", got[0])
	}
}

func TestApplyAck_DropsOptimisticWhenServerCopyListed(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), nil)
	msg, _ := r.SendMessage("", "hi")

	// A server copy whose sender is not recognized as local is not absorbed by text.
	r.MergeServerHistory([]Inbound{{ID: "m100", RoomID: "chatroom_1_2", Text: "hi", SentAt: base}})
	if got := ids(r.Messages()); !reflect.DeepEqual(got, []string{msg.ID, "m100"}) {
		t.Fatalf("ids=%v", got)
	}

	if !r.ApplyAck(Ack{ID: "m100", ClientTimestamp: msg.ClientTimestamp}) {
		t.Fatalf("ack not applied")
	}
	if got := ids(r.Messages()); !reflect.DeepEqual(got, []string{"m100"}) {
		t.Fatalf("ids=%v want=[m100]", got)
	}
}

func TestMergeServerHistory_Idempotent(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), nil)
	history := []Inbound{
		{ID: "m1", RoomID: "chatroom_1_2", Sender: Sender{ID: "2"}, Text: "old", SentAt: base.Add(-time.Hour)},
		{ID: "m3", RoomID: "chatroom_1_2", Sender: Sender{ID: "1"}, Text: "new", SentAt: base.Add(-time.Minute)},
		{ID: "m2", RoomID: "chatroom_1_2", Sender: Sender{ID: "2"}, Text: "mid", SentAt: base.Add(-30 * time.Minute)},
		{ID: "m2", RoomID: "chatroom_1_2", Sender: Sender{ID: "2"}, Text: "mid", SentAt: base.Add(-30 * time.Minute)},
		{ID: "x", RoomID: "chatroom_1_3", Text: "elsewhere"},
	}

	pending, _ := r.SendMessage("", "unconfirmed")
	r.MergeServerHistory(history)
	first := r.Messages()
	r.MergeServerHistory(history)
	second := r.Messages()

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("merge not idempotent:\n%v\n%v", ids(first), ids(second))
	}
	want := []string{pending.ID, "m3", "m2", "m1"}
	if got := ids(second); !reflect.DeepEqual(got, want) {
		t.Fatalf("ids=%v want=%v", got, want)
	}
	if !second[1].SenderIsLocalUser || second[2].SenderIsLocalUser {
		t.Fatalf("sender flags wrong: %+v %+v", second[1], second[2])
	}
}

func TestMergeServerHistory_StableOnEqualTimestamps(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), nil)
	r.MergeServerHistory([]Inbound{
		{ID: "a", RoomID: "chatroom_1_2", Text: "1", SentAt: base},
		{ID: "b", RoomID: "chatroom_1_2", Text: "2", SentAt: base},
		{ID: "c", RoomID: "chatroom_1_2", Text: "3"},
	})
	if got := ids(r.Messages()); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("ids=%v", got)
	}
}

func TestMergeBeforeAck_NoDuplicate(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), stepClock(base, 0))
	msg, _ := r.SendMessage("", "hi")

	r.MergeServerHistory([]Inbound{{ID: "m100", RoomID: "chatroom_1_2", Sender: Sender{ID: "1"}, Text: "hi", SentAt: base}})
	if r.ApplyAck(Ack{ID: "m100", ClientTimestamp: msg.ClientTimestamp}) {
		t.Fatalf("ack applied after merge absorbed the entry")
	}

	got := r.Messages()
	n := 0
	for _, m := range got {
		if m.Text == "hi" {
			n++
			if m.Origin != OriginServer {
				t.Fatalf("hi origin=%s", m.Origin)
			}
		}
	}
	if n != 1 {
		t.Fatalf("hi count=%d want=1 (%v)", n, ids(got))
	}
}

func TestMergeServerHistory_TextEchoOutsideWindowKept(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), stepClock(base, 0))
	msg, _ := r.SendMessage("", "hi")

	old := Inbound{ID: "m1", RoomID: "chatroom_1_2", Sender: Sender{ID: "1"}, Text: "hi", SentAt: base.Add(-time.Hour)}
	r.MergeServerHistory([]Inbound{old})
	if got := ids(r.Messages()); !reflect.DeepEqual(got, []string{msg.ID, "m1"}) {
		t.Fatalf("ids=%v", got)
	}
}

func TestMergeServerHistory_RepeatedTextKeepsLaterSend(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		connected bool
	}{
		{"resend refused", false},
		{"resend pending", true},
	}
	for _, tc := range cases {
		conn := newFakeConn()
		r := newTestReconciler(t, conn, stepClock(base, 5*time.Second))

		first, _ := r.SendMessage("", "hi")
		if !r.ApplyAck(Ack{ID: "s1", ClientMsgID: first.ClientMsgID}) {
			t.Fatalf("%s: first ack not applied", tc.name)
		}

		conn.setConnected(tc.connected)
		second, _ := r.SendMessage("", "hi")
		if second.Failed == tc.connected {
			t.Fatalf("%s: second failed=%v", tc.name, second.Failed)
		}

		r.MergeServerHistory([]Inbound{{ID: "s1", RoomID: "chatroom_1_2", Sender: Sender{ID: "1"}, Text: "hi", SentAt: base}})
		got := r.Messages()
		if want := []string{second.ID, "s1"}; !reflect.DeepEqual(ids(got), want) {
			t.Fatalf("%s: ids=%v want=%v", tc.name, ids(got), want)
		}
		if !got[0].Pending() || got[0].Failed != second.Failed {
			t.Fatalf("%s: head=%+v", tc.name, got[0])
		}
	}
}

func TestMergeServerHistory_FailedNotAbsorbedByText(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.setConnected(false)
	r := newTestReconciler(t, conn, stepClock(base, 0))
	msg, _ := r.SendMessage("", "hi")

	r.MergeServerHistory([]Inbound{{ID: "m1", RoomID: "chatroom_1_2", Sender: Sender{ID: "1"}, Text: "hi", SentAt: base}})
	if got := ids(r.Messages()); !reflect.DeepEqual(got, []string{msg.ID, "m1"}) {
		t.Fatalf("ids=%v want=[%s m1]", got, msg.ID)
	}
}

func TestMergeServerHistory_AbsorbsByClientMsgID(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), nil)
	msg, _ := r.SendMessage("", "hi")
	r.MergeServerHistory([]Inbound{{ID: "m9", RoomID: "chatroom_1_2", Text: "edited", ClientMsgID: msg.ClientMsgID, SentAt: base.Add(-time.Hour)}})
	if got := ids(r.Messages()); !reflect.DeepEqual(got, []string{"m9"}) {
		t.Fatalf("ids=%v want=[m9]", got)
	}
}

func TestSendMessage_RefusedEmitMarksFailed(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.setConnected(false)
	r := newTestReconciler(t, conn, nil)

	msg, err := r.SendMessage("", "hi")
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if !msg.Failed {
		t.Fatalf("returned message not failed")
	}
	got := r.Messages()
	if len(got) != 1 || !got[0].Failed || !got[0].Pending() {
		t.Fatalf("list=%+v", got)
	}
}

func TestSendMessage_Validation(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), nil)
	if _, err := r.SendMessage("", "   "); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("err=%v want=ErrEmptyText", err)
	}
	r.Close()
	if _, err := r.SendMessage("", "hi"); !errors.Is(err, ErrClosed) {
		t.Fatalf("err=%v want=ErrClosed", err)
	}
}

func TestEmitAck_ServerErrorAndSuccess(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	r := newTestReconciler(t, conn, stepClock(base, 0))
	a, _ := r.SendMessage("", "a")
	b, _ := r.SendMessage("", "b")
	sends := conn.events(v1.EventSendMessage)

	sends[0].ack(nil, &realtime.ServerError{Code: "forbidden", Message: "nope"})
	sends[1].ack(json.RawMessage(fmt.Sprintf(`{"id":"m2","clientMsgId":%q}`, b.ClientMsgID)), nil)

	got := r.Messages()
	if got[0].ID != "m2" || got[0].Origin != OriginServer {
		t.Fatalf("b=%+v", got[0])
	}
	if got[1].ID != a.ID || !got[1].Failed {
		t.Fatalf("a=%+v", got[1])
	}

	// A timeout leaves the entry for the poll.
	c, _ := r.SendMessage("", "c")
	conn.events(v1.EventSendMessage)[2].ack(nil, realtime.ErrAckTimeout)
	if head := r.Messages()[0]; head.ID != c.ID || head.Failed {
		t.Fatalf("c=%+v", head)
	}
}

func TestOnIncomingMessage(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), stepClock(base, 0))
	pending, _ := r.SendMessage("", "mine")

	cases := []struct {
		name string
		in   Inbound
		want bool
	}{
		{"other room", Inbound{ID: "x1", RoomID: "chatroom_1_3", Sender: Sender{ID: "3"}, Text: "x"}, false},
		{"self", Inbound{ID: "x2", RoomID: "chatroom_1_2", Sender: Sender{ID: "1"}, Text: "x"}, false},
		{"echo by client id", Inbound{ID: "x3", RoomID: "chatroom_1_2", Sender: Sender{ID: "2"}, ClientMsgID: pending.ClientMsgID}, false},
		{"echo by client timestamp", Inbound{ID: "x3b", RoomID: "chatroom_1_2", Text: "mine", ClientTimestamp: pending.ClientTimestamp}, false},
		{"same text without sender", Inbound{ID: "x4", RoomID: "chatroom_1_2", Text: "mine"}, true},
		{"counterpart", Inbound{ID: "m5", RoomID: "chatroom_1_2", Sender: Sender{ID: "2"}, Text: "hello"}, true},
		{"duplicate", Inbound{ID: "m5", RoomID: "chatroom_1_2", Sender: Sender{ID: "2"}, Text: "hello"}, false},
		{"counterpart same text", Inbound{ID: "m6", RoomID: "chatroom_1_2", Sender: Sender{ID: "2"}, Text: "mine"}, true},
	}
	for _, tc := range cases {
		if got := r.OnIncomingMessage(tc.in); got != tc.want {
			t.Fatalf("%s: inserted=%v want=%v", tc.name, got, tc.want)
		}
	}

	got := r.Messages()
	if want := []string{"m6", "m5", "x4", pending.ID}; !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("ids=%v want=%v", ids(got), want)
	}
	if got[0].SentAt.IsZero() || got[0].SenderIsLocalUser {
		t.Fatalf("head=%+v", got[0])
	}
}

func TestOnChange_NotifiesUntilUnsubscribed(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), nil)
	var calls [][]Message
	unsub := r.OnChange(func(m []Message) { calls = append(calls, m) })

	r.SendMessage("", "hi")
	if len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("calls=%d", len(calls))
	}
	unsub()
	r.SendMessage("", "again")
	if len(calls) != 1 {
		t.Fatalf("notified after unsubscribe")
	}
}

func TestClose_StopsUpdates(t *testing.T) {
	t.Parallel()

	r := newTestReconciler(t, newFakeConn(), nil)
	r.Close()
	if !r.Closed() {
		t.Fatalf("Closed()=false")
	}
	if r.OnIncomingMessage(Inbound{ID: "m1", RoomID: "chatroom_1_2", Sender: Sender{ID: "2"}}) {
		t.Fatalf("inserted after close")
	}
	r.MergeServerHistory([]Inbound{{ID: "m1", RoomID: "chatroom_1_2"}})
	if n := len(r.Messages()); n != 0 {
		t.Fatalf("len=%d want=0", n)
	}
}
