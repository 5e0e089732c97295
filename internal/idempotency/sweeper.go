// ABOUTME: Cron-scheduled sweep that deletes expired idempotency records
// ABOUTME: Runs on robfig/cron so the schedule is configurable as a cron spec

package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/2389/agent-gateway/internal/store"
)

// DefaultSweepSchedule runs the sweep every five minutes.
const DefaultSweepSchedule = "@every 5m"

// sweepTimeout bounds a single scheduled sweep.
const sweepTimeout = 30 * time.Second

// Sweeper periodically deletes idempotency records past their expiry.
type Sweeper struct {
	store  store.IdempotencyStore
	cron   *cron.Cron
	now    func() time.Time
	logger *slog.Logger
}

// NewSweeper creates a sweeper on the given cron schedule. An empty schedule
// uses DefaultSweepSchedule.
func NewSweeper(s store.IdempotencyStore, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	sw := &Sweeper{
		store:  s,
		cron:   cron.New(),
		now:    time.Now,
		logger: logger.With("component", "idempotency_sweeper"),
	}
	if _, err := sw.cron.AddFunc(schedule, sw.run); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return sw, nil
}

// Start begins running the schedule in the background.
func (sw *Sweeper) Start() {
	sw.cron.Start()
}

// Stop halts the schedule and waits for an in-flight sweep or ctx.
func (sw *Sweeper) Stop(ctx context.Context) {
	select {
	case <-sw.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep deletes every record whose expiry is before now.
func (sw *Sweeper) Sweep(ctx context.Context) (int64, error) {
	n, err := sw.store.DeleteExpiredIdempotencyRecords(ctx, sw.now())
	if err != nil {
		return 0, fmt.Errorf("sweeping idempotency records: %w", err)
	}
	return n, nil
}

func (sw *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	n, err := sw.Sweep(ctx)
	if err != nil {
		sw.logger.Error("sweep failed", "error", err)
		return
	}
	if n > 0 {
		sw.logger.Info("swept expired idempotency records", "count", n)
	}
}
