package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIntervalJobFires(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	s := New(zerolog.Nop())
	s.AddInterval("tick", 10*time.Millisecond, 1, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	s.Wait()

	if runs.Load() < 2 {
		t.Fatalf("job ran %d times, want at least 2", runs.Load())
	}
}

func TestIntervalJobCoalescesWhileBusy(t *testing.T) {
	t.Parallel()
	var inflight, peak atomic.Int64
	block := make(chan struct{})
	s := New(zerolog.Nop())
	s.AddInterval("slow", 5*time.Millisecond, 1, func(ctx context.Context) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	close(block)
	cancel()
	s.Wait()

	if peak.Load() != 1 {
		t.Fatalf("peak concurrency %d, want 1", peak.Load())
	}
}

func TestIntervalJobAllowsConfiguredInstances(t *testing.T) {
	t.Parallel()
	var inflight, peak atomic.Int64
	block := make(chan struct{})
	s := New(zerolog.Nop())
	s.AddInterval("workers", 5*time.Millisecond, 3, func(ctx context.Context) error {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	close(block)
	cancel()
	s.Wait()

	if peak.Load() != 3 {
		t.Fatalf("peak concurrency %d, want 3", peak.Load())
	}
}

func TestIntervalJobErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	var runs atomic.Int64
	s := New(zerolog.Nop())
	s.AddInterval("flaky", 10*time.Millisecond, 1, func(ctx context.Context) error {
		runs.Add(1)
		return context.DeadlineExceeded
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(100 * time.Millisecond)
	cancel()
	s.Wait()

	if runs.Load() < 2 {
		t.Fatalf("job stopped after %d runs", runs.Load())
	}
}

func TestWaitDrainsInflightRuns(t *testing.T) {
	t.Parallel()
	done := make(chan struct{})
	started := make(chan struct{})
	s := New(zerolog.Nop())
	s.AddInterval("drain", 5*time.Millisecond, 1, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		close(done)
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	<-started
	cancel()
	s.Wait()

	select {
	case <-done:
	default:
		t.Fatal("Wait returned before the in-flight run finished")
	}
}

func TestDailyJobStopsOnCancel(t *testing.T) {
	t.Parallel()
	s := New(zerolog.Nop())
	// schedule half a day away so the timer cannot elapse during the test
	hour := (time.Now().UTC().Hour() + 12) % 24
	s.AddDaily("cron", hour, func(ctx context.Context) error {
		t.Error("daily job should not fire immediately")
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	cancel()

	finished := make(chan struct{})
	go func() {
		s.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}
