package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked with the boundary of each completed bucket.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	// Interval is normally the settlement period length.
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// Lag delays each tick past its bucket boundary so upstream data has time to publish.
	Lag time.Duration
	// RunOnStart ticks once for the latest completed bucket before waiting.
	RunOnStart bool
}

// Scheduler drives aligned reconciliation passes.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.Lag < 0 {
		opts.Lag = 0
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		if err := s.wait(ctx, s.opts.StartupDelay); err != nil {
			return err
		}
	}

	if s.opts.RunOnStart {
		s.fire(ctx, tick, s.lastCompleted(s.now()))
	}

	next := s.firstPending(s.now())
	for {
		delay := next.Add(s.opts.Lag).Sub(s.now())
		if delay < 0 {
			next = s.firstPending(s.now())
			delay = next.Add(s.opts.Lag).Sub(s.now())
		}

		s.logger.Debug().Time("next_bucket", next).Dur("lag", s.opts.Lag).Msg("waiting for next bucket")
		if err := s.wait(ctx, delay); err != nil {
			return err
		}

		s.fire(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, bucket time.Time) {
	s.logger.Info().Time("bucket", bucket).Msg("executing scheduled tick")
	if err := tick(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("tick execution failed")
	}
}

func (s *Scheduler) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

// firstPending is the earliest boundary whose lag has not yet elapsed at now.
func (s *Scheduler) firstPending(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return s.nextTick(now)
	}
	return s.lastCompleted(now).Add(s.opts.Interval)
}

// lastCompleted is the most recent boundary whose lag has already elapsed.
func (s *Scheduler) lastCompleted(now time.Time) time.Time {
	return now.Add(-s.opts.Lag).Truncate(s.opts.Interval)
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
