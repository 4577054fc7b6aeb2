package chat

import (
	"context"
	"log/slog"
	"time"
)

// DefaultPollInterval is the history backstop period.
const DefaultPollInterval = 3 * time.Second

const defaultPollTimeout = 10 * time.Second

// HistoryFetcher loads the message history shared with counterpartID.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, counterpartID string) ([]Inbound, error)
}

// HistoryFunc adapts a function to HistoryFetcher.
type HistoryFunc func(ctx context.Context, counterpartID string) ([]Inbound, error)

func (f HistoryFunc) FetchHistory(ctx context.Context, counterpartID string) ([]Inbound, error) {
	return f(ctx, counterpartID)
}

// Poller periodically merges server history into a Reconciler.
type Poller struct {
	log         *slog.Logger
	fetch       HistoryFetcher
	rec         *Reconciler
	counterpart string
	interval    time.Duration
	timeout     time.Duration
	metrics     *Metrics

	// Hook sees every successfully fetched history after it was merged.
	Hook func([]Inbound)
}

func NewPoller(log *slog.Logger, fetch HistoryFetcher, rec *Reconciler, interval time.Duration) *Poller {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		log:         log,
		fetch:       fetch,
		rec:         rec,
		counterpart: rec.Counterpart(),
		interval:    interval,
		timeout:     defaultPollTimeout,
		metrics:     rec.metrics,
	}
}

// Run polls immediately and then every interval until ctx ends.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	p.Once(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Once(ctx)
		}
	}
}

// Once runs a single poll cycle. A failed fetch skips the cycle.
func (p *Poller) Once(ctx context.Context) {
	fctx, cancel := context.WithTimeout(ctx, p.timeout)
	history, err := p.fetch.FetchHistory(fctx, p.counterpart)
	cancel()

	// The room may have closed while the fetch was in flight.
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		p.metrics.Polls.WithLabelValues("error").Inc()
		p.log.Info("chat.poll.fail", "counterpart_id", p.counterpart, "err", err)
		return
	}
	p.metrics.Polls.WithLabelValues("ok").Inc()

	p.rec.MergeServerHistory(history)
	if p.Hook != nil && !p.rec.Closed() {
		p.Hook(history)
	}
}
