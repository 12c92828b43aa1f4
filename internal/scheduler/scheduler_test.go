package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsTaskOnInterval(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.AddTask("delta_ingest", 10*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(55 * time.Millisecond)
	if runs.Load() < 3 {
		t.Errorf("expected at least 3 runs in 55ms at a 10ms interval, got %d", runs.Load())
	}
}

func TestScheduler_SkipsOverlappingRun(t *testing.T) {
	s := New()
	var concurrent atomic.Int32
	var maxConcurrent atomic.Int32
	s.AddTask("slow", 5*time.Millisecond, func(ctx context.Context) error {
		n := concurrent.Add(1)
		for {
			if m := maxConcurrent.Load(); n > m {
				if maxConcurrent.CompareAndSwap(m, n) {
					break
				}
				continue
			}
			break
		}
		time.Sleep(40 * time.Millisecond)
		concurrent.Add(-1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(80 * time.Millisecond)
	if maxConcurrent.Load() > 1 {
		t.Errorf("expected the overlap guard to prevent concurrent runs, saw %d at once", maxConcurrent.Load())
	}
}

func TestScheduler_MetricsTrackRunsAndAverage(t *testing.T) {
	s := New()
	s.AddTask("sync_cycle", 5*time.Millisecond, func(ctx context.Context) error {
		time.Sleep(2 * time.Millisecond)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	time.Sleep(40 * time.Millisecond)

	snap, ok := s.Metrics("sync_cycle")
	if !ok {
		t.Fatal("expected metrics for sync_cycle")
	}
	if snap.TotalRuns == 0 {
		t.Error("expected at least one recorded run")
	}
	if snap.AverageRecent == 0 {
		t.Error("expected a non-zero average recent duration")
	}
}

func TestScheduler_RunOnceExecutesImmediately(t *testing.T) {
	s := New()
	var runs atomic.Int32
	s.AddTask("status_broadcast", time.Hour, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	s.RunOnce(context.Background(), "status_broadcast")
	if runs.Load() != 1 {
		t.Errorf("expected RunOnce to execute the task immediately, got %d runs", runs.Load())
	}
}

func TestScheduler_StopDrainsWithinDeadline(t *testing.T) {
	s := New()
	s.AddTask("delta_ingest", 5*time.Millisecond, func(ctx context.Context) error { return nil })
	s.AddTask("sync_cycle", 5*time.Millisecond, func(ctx context.Context) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(15 * time.Millisecond)

	if err := s.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestScheduler_StopTimesOutOnHangingTask(t *testing.T) {
	s := New()
	release := make(chan struct{})
	s.AddTask("hanger", 5*time.Millisecond, func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	time.Sleep(10 * time.Millisecond)

	err := s.Stop(context.Background(), 20*time.Millisecond)
	close(release)
	if err == nil {
		t.Error("expected Stop to time out while the task body is still blocked")
	}
}
