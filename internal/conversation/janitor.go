package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the retention sweep twice a day.
const DefaultSweepSchedule = "@every 12h"

// RetentionPolicy bounds how long and how many conversations are kept.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// Janitor runs the retention sweep on a cron schedule, independent of
// request handling.
type Janitor struct {
	store  *Store
	policy RetentionPolicy
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time
}

// NewJanitor schedules store.Sweep with policy on schedule (a cron spec such
// as "@every 12h" or "0 3 * * *"). An empty schedule uses DefaultSweepSchedule.
func NewJanitor(store *Store, policy RetentionPolicy, schedule string, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	j := &Janitor{
		store:  store,
		policy: policy,
		cron:   cron.New(),
		logger: logger,
		now:    time.Now,
	}
	if _, err := j.cron.AddFunc(schedule, func() { j.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return j, nil
}

// RunOnce sweeps immediately and returns the removed ids.
func (j *Janitor) RunOnce(ctx context.Context) []string {
	removed := j.store.Sweep(ctx, j.now(), j.policy.MaxAge, j.policy.MaxCount)
	j.logger.Info("retention sweep finished",
		"removed", len(removed),
		"remaining", j.store.Len(),
		"max_age", j.policy.MaxAge.String(),
		"max_count", j.policy.MaxCount,
	)
	return removed
}

// Start begins the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish or ctx to
// expire.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
