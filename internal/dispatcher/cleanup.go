package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/ersha-io/ersha/internal/dispatcher/outbox"
	"github.com/ersha-io/ersha/pkg/clock"
	"github.com/ersha-io/ersha/pkg/elog"
)

// CleanupSweep periodically deletes uploaded outbox entries older than
// a retention window.
type CleanupSweep struct {
	Outbox    outbox.Store
	Clock     clock.Clock
	Retention time.Duration

	sched gocron.Scheduler
}

// Start schedules the sweep at interval.
func (c *CleanupSweep) Start(ctx context.Context, interval time.Duration) error {
	s, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("dispatcher: create cleanup scheduler: %w", err)
	}
	if _, err := s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { c.sweep(ctx) }),
	); err != nil {
		return fmt.Errorf("dispatcher: schedule cleanup sweep: %w", err)
	}
	c.sched = s
	s.Start()
	return nil
}

func (c *CleanupSweep) Stop() error {
	if c.sched == nil {
		return nil
	}
	return c.sched.Shutdown()
}

func (c *CleanupSweep) sweep(ctx context.Context) {
	deleted, err := c.Outbox.CleanupUploaded(ctx, c.Retention, c.Clock.Now())
	if err != nil {
		elog.Warnf("dispatcher: cleanup sweep failed: %v", err)
		return
	}
	if deleted > 0 {
		elog.Infof("dispatcher: cleanup sweep removed %d uploaded entries", deleted)
	}
}
