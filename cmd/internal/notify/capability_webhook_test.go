package notify

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

type webhookSink struct {
	mu     sync.Mutex
	events []webhookEvent
	status int
}

func startWebhookSink(t *testing.T, status int) (*webhookSink, *fasthttp.Client) {
	t.Helper()
	sink := &webhookSink{status: status}
	ln := fasthttputil.NewInmemoryListener()
	srv := &fasthttp.Server{Handler: func(ctx *fasthttp.RequestCtx) {
		var ev webhookEvent
		if err := json.Unmarshal(ctx.PostBody(), &ev); err != nil {
			ctx.SetStatusCode(fasthttp.StatusBadRequest)
			return
		}
		sink.mu.Lock()
		sink.events = append(sink.events, ev)
		sink.mu.Unlock()
		ctx.SetStatusCode(sink.status)
	}}
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	client := &fasthttp.Client{Dial: func(string) (net.Conn, error) { return ln.Dial() }}
	return sink, client
}

func TestWebhookCapability_ShowAndClose(t *testing.T) {
	t.Parallel()

	sink, client := startWebhookSink(t, fasthttp.StatusNoContent)
	w, err := NewWebhookCapability("http://relay.local/hook", client, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookCapability: %v", err)
	}
	d := NewDispatcher(testLogger(), w, "1", nil, nil)
	ctx := context.Background()

	if err := d.NotifyIncomingCall(ctx, "Ada", "chatroom_1_2", callLink, "video"); err != nil {
		t.Fatalf("NotifyIncomingCall: %v", err)
	}
	d.DismissCall(ctx, "chatroom_1_2")

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 2 {
		t.Fatalf("events=%d want=2", len(sink.events))
	}
	show, closed := sink.events[0], sink.events[1]
	if show.Action != "show" || show.Title != "Incoming call" || show.Tag != "call-chatroom_1_2" || show.Options == nil || !show.Options.RequireInteraction {
		t.Fatalf("show=%+v", show)
	}
	if closed.Action != "close" || closed.Tag != "call-chatroom_1_2" {
		t.Fatalf("close=%+v", closed)
	}
}

func TestWebhookCapability_FailureStatus(t *testing.T) {
	t.Parallel()

	_, client := startWebhookSink(t, fasthttp.StatusBadGateway)
	w, err := NewWebhookCapability("http://relay.local/hook", client, time.Second)
	if err != nil {
		t.Fatalf("NewWebhookCapability: %v", err)
	}
	if err := w.Show(context.Background(), "t", Options{Tag: "x"}); err == nil {
		t.Fatalf("Show succeeded on 502")
	}
}

func TestWebhookCapability_RegisterReportsEndpoint(t *testing.T) {
	t.Parallel()

	w, err := NewWebhookCapability("https://relay.local/hook", nil, 0)
	if err != nil {
		t.Fatalf("NewWebhookCapability: %v", err)
	}
	sub := &fakeSubscriber{}
	perm, err := NewDispatcher(testLogger(), w, "1", nil, nil).Register(context.Background(), sub)
	if err != nil || perm != PermissionGranted {
		t.Fatalf("Register perm=%s err=%v", perm, err)
	}
	if len(sub.got) != 1 || sub.got[0].Endpoint != "https://relay.local/hook" {
		t.Fatalf("subscriptions=%+v", sub.got)
	}

	for _, bad := range []string{"", "relay.local/hook", "ftp://relay.local"} {
		if _, err := NewWebhookCapability(bad, nil, 0); err == nil {
			t.Fatalf("NewWebhookCapability(%q) accepted", bad)
		}
	}
}
