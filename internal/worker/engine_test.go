package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type scriptedSweeper struct {
	mu      sync.Mutex
	results []int
	errs    []error
	calls   int
	done    chan struct{}
	stopAt  int
}

func (s *scriptedSweeper) SweepStalePending(ctx context.Context, _ time.Duration, _ int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	if s.calls == s.stopAt {
		close(s.done)
	}
	var err error
	if i < len(s.errs) {
		err = s.errs[i]
	}
	if i < len(s.results) {
		return s.results[i], err
	}
	return 0, err
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRunSweeper_FullBatchRepeatsImmediately(t *testing.T) {
	s := &scriptedSweeper{results: []int{10, 10, 3}, stopAt: 3, done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- RunSweeper(ctx, s, SweeperOptions{Interval: time.Hour, BatchSize: 10}, quietLogger())
	}()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not drain full batches without waiting")
	}
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestRunSweeper_BacksOffOnError(t *testing.T) {
	boom := errors.New("db down")
	s := &scriptedSweeper{errs: []error{boom, boom}, stopAt: 3, done: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		errc <- RunSweeper(ctx, s, SweeperOptions{
			Interval:   time.Hour,
			BackoffMin: 5 * time.Millisecond,
			BackoffMax: 20 * time.Millisecond,
		}, quietLogger())
	}()

	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not retry after errors")
	}
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jitter(time.Second, 0.2)
		require.GreaterOrEqual(t, d, 800*time.Millisecond)
		require.LessOrEqual(t, d, 1200*time.Millisecond)
	}
	require.Equal(t, time.Second, jitter(time.Second, 0))
	require.Equal(t, time.Second, minDur(time.Second, time.Minute))
}

// blockingSweeper holds each pass until ctx is cancelled and records whether a
// pass was still running when stop returned.
type blockingSweeper struct {
	started chan struct{}
	once    sync.Once
	mu      sync.Mutex
	running bool
}

func (b *blockingSweeper) SweepStalePending(ctx context.Context, _ time.Duration, _ int) (int, error) {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	b.once.Do(func() { close(b.started) })

	<-ctx.Done()
	time.Sleep(20 * time.Millisecond)

	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	return 0, ctx.Err()
}

func TestStartSweeper_StopWaitsForRunningPass(t *testing.T) {
	b := &blockingSweeper{started: make(chan struct{})}
	stop := StartSweeper(context.Background(), b, SweeperOptions{Interval: time.Hour}, quietLogger())

	select {
	case <-b.started:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper never ran")
	}
	stop()

	b.mu.Lock()
	defer b.mu.Unlock()
	require.False(t, b.running)
}
