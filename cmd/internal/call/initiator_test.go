package call

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"unigate/cmd/identity"
	"unigate/cmd/internal/chat"
	"unigate/cmd/internal/realtime"
	v1 "unigate/shared/contracts/realtime/v1"
)

type fakeEmitter struct {
	mu     sync.Mutex
	refuse bool
	events []string
	last   json.RawMessage
}

func (e *fakeEmitter) Emit(event string, payload any, _ realtime.AckFunc) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.refuse {
		return false
	}
	e.events = append(e.events, event)
	e.last, _ = json.Marshal(payload)
	return true
}

type fakePoster struct {
	to, text string
}

func (p *fakePoster) SendMessage(recipientID, text string) (chat.Message, error) {
	p.to, p.text = recipientID, text
	return chat.Message{Text: text}, nil
}

func TestState_SingleActiveCall(t *testing.T) {
	t.Parallel()

	st := NewState(nil)
	var seen []Session
	unsub := st.Watch(func(s Session) { seen = append(seen, s) })

	if err := st.Activate(Session{RoomID: "chatroom_1_2"}); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if err := st.Activate(Session{RoomID: "chatroom_1_3"}); !errors.Is(err, ErrCallActive) {
		t.Fatalf("second Activate err=%v want=ErrCallActive", err)
	}
	if cur := st.Current(); cur.RoomID != "chatroom_1_2" || !cur.Active {
		t.Fatalf("current=%+v", cur)
	}
	prev, ok := st.Clear()
	if !ok || prev.RoomID != "chatroom_1_2" {
		t.Fatalf("Clear=%+v,%v", prev, ok)
	}
	if _, ok := st.Clear(); ok {
		t.Fatalf("Clear on idle state reported a call")
	}
	unsub()
	_ = st.Activate(Session{RoomID: "chatroom_1_4"})

	if len(seen) != 2 || !seen[0].Active || seen[1].Active {
		t.Fatalf("watch=%+v", seen)
	}
}

func TestInitiator_Start(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "1", 0)
	em := &fakeEmitter{}
	poster := &fakePoster{}
	in := NewInitiator(testLogger(), em, f.router)

	sess, err := in.Start(context.Background(), StartRequest{RoomID: "chatroom_1_2", CallerName: "Ada", Chat: poster})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sess.Active || !sess.IsCaller || sess.RemoteID != "2" || sess.CallType != TypeVideo {
		t.Fatalf("session=%+v", sess)
	}
	if !strings.HasPrefix(sess.CallURL, DefaultLinkPrefix+"vc.php?") {
		t.Fatalf("call url=%q", sess.CallURL)
	}

	var p v1.CallInvitationPayload
	if err := json.Unmarshal(em.last, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := v1.CallInvitationPayload{
		Room: "chatroom_1_2", RecipientID: "2", CallerID: "1", CallerName: "Ada",
		CallURL: sess.CallURL, CallType: TypeVideo, Timestamp: now.UnixMilli(),
	}
	if len(em.events) != 1 || em.events[0] != v1.EventCallInvitation || p != want {
		t.Fatalf("emits=%v payload=%+v", em.events, p)
	}
	if poster.to != "2" || poster.text != sess.CallURL {
		t.Fatalf("posted %q to %q", poster.text, poster.to)
	}
	if f.router.Phase("chatroom_1_2") != PhaseInCall || !f.state.Active() {
		t.Fatalf("call not active")
	}

	// The echoed invitation for our own link does not ring.
	echo, _ := json.Marshal(want)
	if routed, _ := f.router.OnEvent(context.Background(), echo); routed {
		t.Fatalf("own invitation routed")
	}

	if _, err := in.Start(context.Background(), StartRequest{RoomID: "chatroom_1_3"}); !errors.Is(err, ErrCallActive) {
		t.Fatalf("Start while active err=%v want=ErrCallActive", err)
	}
}

func TestInitiator_StartErrors(t *testing.T) {
	t.Parallel()

	f := newRouterFixture(t, "1", 0)
	em := &fakeEmitter{}
	in := NewInitiator(testLogger(), em, f.router)
	ctx := context.Background()

	cases := []struct {
		req  StartRequest
		want error
	}{
		{StartRequest{RoomID: "chatroom_1"}, identity.ErrMalformedRoom},
		{StartRequest{RoomID: "chatroom_2_3"}, identity.ErrNotParticipant},
		{StartRequest{RoomID: "chatroom_1_2", CalleeID: "3"}, ErrBadInvitation},
		{StartRequest{RoomID: "chatroom_1_2", CallType: "hologram"}, ErrBadInvitation},
	}
	for _, tc := range cases {
		if _, err := in.Start(ctx, tc.req); !errors.Is(err, tc.want) {
			t.Fatalf("Start(%+v) err=%v want=%v", tc.req, err, tc.want)
		}
	}

	em.refuse = true
	if _, err := in.Start(ctx, StartRequest{RoomID: "chatroom_1_2", CallType: "Audio"}); !errors.Is(err, realtime.ErrNotConnected) {
		t.Fatalf("Start(refused) err=%v want=ErrNotConnected", err)
	}
	if f.state.Active() || f.router.Phase("chatroom_1_2") != PhaseIdle {
		t.Fatalf("refused start activated a call")
	}
}
