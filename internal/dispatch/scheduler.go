package dispatch

import (
	"context"
	"errors"
	"time"
)

// Scheduler runs dispatch passes on an interval until its context ends.
type Scheduler struct {
	Coordinator *Coordinator
	Interval    time.Duration
	Options     Options
}

func (s Scheduler) Run(ctx context.Context) {
	interval := s.Interval
	if interval <= 0 {
		interval = 20 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s Scheduler) tick(ctx context.Context) {
	if _, err := s.Coordinator.RunPass(ctx, s.Options); err != nil && !errors.Is(err, ErrAlreadyRunning) && ctx.Err() == nil {
		s.Coordinator.log().WarnContext(ctx, "scheduled dispatch pass failed", "err", err)
	}
}
