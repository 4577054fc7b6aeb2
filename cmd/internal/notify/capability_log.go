package notify

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// LogCapability renders notifications as log records. It is the headless default and
// keeps the set of visible tags like a notification tray would.
type LogCapability struct {
	log *slog.Logger

	mu      sync.Mutex
	perm    Permission
	visible map[string]Options
	shown   int
}

func NewLogCapability(log *slog.Logger) *LogCapability {
	if log == nil {
		log = slog.Default()
	}
	return &LogCapability{log: log, perm: PermissionGranted, visible: make(map[string]Options)}
}

func (c *LogCapability) Supported() bool { return true }

func (c *LogCapability) Permission() Permission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perm
}

// SetPermission overrides the permission, e.g. to model a user who denied notifications.
func (c *LogCapability) SetPermission(p Permission) {
	c.mu.Lock()
	c.perm = p
	c.mu.Unlock()
}

func (c *LogCapability) RequestPermission(context.Context) (Permission, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.perm == PermissionDefault {
		c.perm = PermissionGranted
	}
	return c.perm, nil
}

func (c *LogCapability) Show(_ context.Context, title string, opts Options) error {
	c.mu.Lock()
	_, replaced := c.visible[opts.Tag]
	if opts.Tag != "" {
		c.visible[opts.Tag] = opts
	}
	c.shown++
	c.mu.Unlock()

	alert := !replaced || opts.Renotify
	c.log.Info("notify.show",
		"title", title,
		"body", opts.Body,
		"tag", opts.Tag,
		"replaced", replaced,
		"alert", alert,
		"require_interaction", opts.RequireInteraction,
	)
	return nil
}

func (c *LogCapability) Close(_ context.Context, tag string) error {
	c.mu.Lock()
	_, ok := c.visible[tag]
	delete(c.visible, tag)
	c.mu.Unlock()
	if ok {
		c.log.Info("notify.close", "tag", tag)
	}
	return nil
}

// Visible returns the tags currently shown, sorted.
func (c *LogCapability) Visible() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.visible))
	for tag := range c.visible {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// Shown counts Show calls.
func (c *LogCapability) Shown() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shown
}
