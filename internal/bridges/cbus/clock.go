package cbus

import (
	"context"
	"sync"
	"time"
)

// clockSyncer broadcasts network time. *Commander implements it.
type clockSyncer interface {
	SyncClock(ctx context.Context, now time.Time) error
}

// ClockScheduler sends the time and date to the bus on an interval.
type ClockScheduler struct {
	interval time.Duration
	syncer   clockSyncer
	now      func() time.Time
	logger   Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewClockScheduler creates a scheduler. A zero interval disables the
// ticker; SyncNow still works.
func NewClockScheduler(interval time.Duration, syncer clockSyncer, logger Logger) *ClockScheduler {
	return &ClockScheduler{
		interval: interval,
		syncer:   syncer,
		now:      time.Now,
		logger:   orNoop(logger),
		stopCh:   make(chan struct{}),
	}
}

// Start begins periodic sync.
func (c *ClockScheduler) Start(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop halts the ticker and waits for it to exit.
func (c *ClockScheduler) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// SyncNow sends the current time once.
func (c *ClockScheduler) SyncNow(ctx context.Context) {
	if err := c.syncer.SyncClock(ctx, c.now()); err != nil {
		c.logger.Warn("C-Bus clock sync failed", "error", err)
		return
	}
	c.logger.Debug("C-Bus clock synced")
}

func (c *ClockScheduler) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.SyncNow(ctx)
		}
	}
}
