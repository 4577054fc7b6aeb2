package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultWebhookTimeout = 5 * time.Second

// WebhookCapability forwards notifications as JSON POSTs, for bot deployments that relay
// them to another channel.
type WebhookCapability struct {
	url     string
	client  *fasthttp.Client
	timeout time.Duration
}

type webhookEvent struct {
	Action  string   `json:"action"`
	Title   string   `json:"title,omitempty"`
	Tag     string   `json:"tag,omitempty"`
	Options *Options `json:"options,omitempty"`
}

// NewWebhookCapability validates rawURL. A nil client gets a default fasthttp.Client.
func NewWebhookCapability(rawURL string, client *fasthttp.Client, timeout time.Duration) (*WebhookCapability, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("notify: invalid webhook url %q", rawURL)
	}
	if client == nil {
		client = &fasthttp.Client{Name: "unigate-notify"}
	}
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &WebhookCapability{url: u.String(), client: client, timeout: timeout}, nil
}

func (w *WebhookCapability) Supported() bool        { return true }
func (w *WebhookCapability) Permission() Permission { return PermissionGranted }

func (w *WebhookCapability) RequestPermission(context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (w *WebhookCapability) Show(ctx context.Context, title string, opts Options) error {
	return w.post(ctx, webhookEvent{Action: "show", Title: title, Tag: opts.Tag, Options: &opts})
}

func (w *WebhookCapability) Close(ctx context.Context, tag string) error {
	return w.post(ctx, webhookEvent{Action: "close", Tag: tag})
}

func (w *WebhookCapability) Subscription(context.Context) (Subscription, error) {
	return Subscription{Endpoint: w.url}, nil
}

func (w *WebhookCapability) post(ctx context.Context, ev webhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return fmt.Errorf("notify: webhook status %d", code)
	}
	return nil
}
