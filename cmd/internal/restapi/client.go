// Package restapi is the client of the product's REST backend. Response shapes vary between
// endpoints and releases, so bodies are decoded loosely and every optional field may be absent.
package restapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

const defaultTimeout = 15 * time.Second

// Credentials supplies the bearer token and the local user id.
type Credentials interface {
	UserID() string
	Token() string
}

// Config configures a Client. Client is optional.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	Client    *fasthttp.Client
	Metrics   *Metrics
}

type Client struct {
	log     *slog.Logger
	base    string
	hc      *fasthttp.Client
	timeout time.Duration
	agent   string
	creds   Credentials
	metrics *Metrics
}

func New(log *slog.Logger, cfg Config, creds Credentials) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	u, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("restapi: invalid base url %q", cfg.BaseURL)
	}
	c := &Client{
		log:     log,
		base:    strings.TrimRight(u.String(), "/"),
		hc:      cfg.Client,
		timeout: cfg.Timeout,
		agent:   cfg.UserAgent,
		creds:   creds,
		metrics: cfg.Metrics,
	}
	if c.hc == nil {
		c.hc = &fasthttp.Client{
			Name:                "unigate",
			ReadTimeout:         defaultTimeout,
			WriteTimeout:        defaultTimeout,
			MaxIdleConnDuration: time.Minute,
		}
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.agent == "" {
		c.agent = "unigate"
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	return c, nil
}

// call performs one request. Authenticated calls without a token fail with ErrUnauthorized
// before any I/O. The decoded body is nil for empty responses.
func (c *Client) call(ctx context.Context, op, method, path string, body any, authed bool) (any, error) {
	var token string
	if authed {
		if c.creds != nil {
			token = strings.TrimSpace(c.creds.Token())
		}
		if token == "" {
			c.metrics.Requests.WithLabelValues(op, "no_token").Inc()
			return nil, ErrUnauthorized
		}
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.base + path)
	req.Header.SetMethod(method)
	req.Header.SetUserAgent(c.agent)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	err := c.hc.DoDeadline(req, resp, deadline)
	c.metrics.Latency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.Requests.WithLabelValues(op, "transport_error").Inc()
		c.log.Info("rest.call.fail", "op", op, "err", err)
		return nil, fmt.Errorf("restapi: %s: %w", op, err)
	}

	status := resp.StatusCode()
	decoded, derr := decodeBody(resp.Body())
	if status < 200 || status > 299 {
		apiErr := &APIError{Status: status}
		if m, ok := decoded.(map[string]any); ok {
			apiErr.Code = str(m, "code", "errorCode")
			apiErr.Message = str(m, "message", "error", "msg")
		}
		c.metrics.Requests.WithLabelValues(op, "status_"+statusClass(status)).Inc()
		c.log.Info("rest.call.status", "op", op, "status", status, "code", apiErr.Code)
		return nil, apiErr
	}
	if derr != nil {
		c.metrics.Requests.WithLabelValues(op, "bad_body").Inc()
		return nil, fmt.Errorf("%w: %s: %v", ErrBadResponse, op, derr)
	}
	c.metrics.Requests.WithLabelValues(op, "ok").Inc()
	return decoded, nil
}

func decodeBody(b []byte) (any, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func statusClass(status int) string {
	switch {
	case status == 401:
		return "401"
	case status >= 500:
		return "5xx"
	default:
		return "4xx"
	}
}
