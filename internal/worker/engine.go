package worker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/Cypherspark/message-scheduler/internal/metrics"
	log "github.com/sirupsen/logrus"
)

type Sweeper interface {
	SweepStalePending(ctx context.Context, olderThan time.Duration, limit int) (int, error)
}

type SweeperOptions struct {
	Interval   time.Duration // pause between passes
	StaleAfter time.Duration // how long a message may stay PENDING
	BatchSize  int           // max messages failed per pass
	BackoffMin time.Duration
	BackoffMax time.Duration
}

func (o SweeperOptions) withDefaults() SweeperOptions {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = time.Minute
	}
	return o
}

// RunSweeper fails messages left PENDING by a crashed send until ctx is done.
// A full batch is followed immediately by another pass.
func RunSweeper(ctx context.Context, s Sweeper, opt SweeperOptions, logger log.FieldLogger) error {
	opt = opt.withDefaults()
	logger = logger.WithField("component", "sweeper")
	logger.WithFields(log.Fields{
		"interval":    opt.Interval.String(),
		"stale_after": opt.StaleAfter.String(),
		"batch":       opt.BatchSize,
	}).Info("sweeper started")

	backoff := opt.BackoffMin
	for {
		wait := opt.Interval

		n, err := s.SweepStalePending(ctx, opt.StaleAfter, opt.BatchSize)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			// Backoff on store errors (exponential + jitter)
			metrics.SweepTotal.WithLabelValues("error").Inc()
			wait = jitter(backoff, 0.20)
			logger.WithError(err).WithField("backoff", wait.String()).Warn("sweep failed")
			backoff = minDur(opt.BackoffMax, time.Duration(float64(backoff)*1.6))
		case n == 0:
			metrics.SweepTotal.WithLabelValues("empty").Inc()
			backoff = opt.BackoffMin
		default:
			metrics.SweepTotal.WithLabelValues("ok").Inc()
			metrics.SweptMessages.Add(float64(n))
			backoff = opt.BackoffMin
			if n >= opt.BatchSize {
				wait = 0
			}
		}

		if wait == 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		t := time.NewTimer(jitter(wait, 0.10))
		select {
		case <-ctx.Done():
			t.Stop()
			logger.Info("sweeper stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

// StartSweeper runs RunSweeper in the background. The returned stop function
// cancels it and blocks until the current pass has returned, so callers can
// close the store afterwards.
func StartSweeper(ctx context.Context, s Sweeper, opt SweeperOptions, logger log.FieldLogger) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := RunSweeper(ctx, s, opt, logger); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("sweeper exited")
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
