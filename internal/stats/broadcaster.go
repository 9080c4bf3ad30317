// Package stats periodically publishes cluster-wide presence statistics as
// system status events, so dashboards get pushed state instead of polling.
package stats

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/example/tenantstream/internal/event"
	"github.com/example/tenantstream/internal/presence"
)

// Broadcaster emits a system status event on a fixed interval with the
// global connection count and the busiest tenants.
type Broadcaster struct {
	registry  *presence.Registry
	publisher *event.Publisher
	interval  time.Duration
	topN      int
	clock     clock.Clock
}

func NewBroadcaster(registry *presence.Registry, publisher *event.Publisher, interval time.Duration, topN int) *Broadcaster {
	if topN <= 0 {
		topN = 5
	}
	return &Broadcaster{
		registry:  registry,
		publisher: publisher,
		interval:  interval,
		topN:      topN,
		clock:     clock.New(),
	}
}

// SetClock swaps the wall clock. Test hook.
func (b *Broadcaster) SetClock(c clock.Clock) { b.clock = c }

// Run loops until the context is canceled. A failed tick is logged and
// skipped; statistics are advisory and the next tick retries from scratch.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	slog.Info("Stats broadcaster running", "interval", b.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.tick(ctx); err != nil {
				slog.Warn("Stats broadcast failed", "error", err)
			}
		}
	}
}

func (b *Broadcaster) tick(ctx context.Context) error {
	total, err := b.registry.GlobalCount(ctx)
	if err != nil {
		return err
	}
	ranking, err := b.registry.Ranking(ctx, b.topN)
	if err != nil {
		return err
	}

	details := map[string]string{
		"connections": strconv.Itoa(total),
	}
	for i, r := range ranking {
		details["top_"+strconv.Itoa(i+1)] = r.TenantID + "=" + strconv.Itoa(r.Count)
	}
	return b.publisher.PublishSystem(ctx, "presence_stats", "ok", details)
}
