// Package scheduler runs the daemon's named periodic tasks — delta
// ingestion, the sync cycle, and status broadcast — on their own tickers,
// tracking per-task run metrics and refusing to let a slow run overlap
// itself, grounded on the original implementation's PeriodicScheduler
// (periodic_scheduler.rs).
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onedrived/onedrived/internal/logging"
	"github.com/onedrived/onedrived/internal/metrics"
)

// TaskFunc is one periodic task's body. A returned error is logged and
// recorded but never stops the scheduler — the task simply runs again at
// its next tick.
type TaskFunc func(ctx context.Context) error

// recentRuns bounds how many durations TaskMetrics averages over.
const recentRuns = 20

// TaskMetrics mirrors the original's moving-average tracking: a small
// ring of the most recent run durations plus running totals, from which
// Metrics reports the run count and the average over the recent runs.
type TaskMetrics struct {
	mu         sync.Mutex
	durations  []time.Duration
	totalRuns  int64
	totalTime  time.Duration
	lastStart  time.Time
	lastDone   time.Time
	running    bool
}

func (m *TaskMetrics) recordStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = true
	m.lastStart = time.Now()
}

func (m *TaskMetrics) recordDone(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.lastDone = time.Now()
	m.totalRuns++
	m.totalTime += d
	m.durations = append(m.durations, d)
	if len(m.durations) > recentRuns {
		m.durations = m.durations[len(m.durations)-recentRuns:]
	}
}

// Snapshot is a point-in-time read of a task's TaskMetrics.
type Snapshot struct {
	Running       bool
	TotalRuns     int64
	LastStart     time.Time
	LastDone      time.Time
	AverageRecent time.Duration
}

func (m *TaskMetrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var avg time.Duration
	if n := len(m.durations); n > 0 {
		var sum time.Duration
		for _, d := range m.durations {
			sum += d
		}
		avg = sum / time.Duration(n)
	}
	return Snapshot{
		Running:       m.running,
		TotalRuns:     m.totalRuns,
		LastStart:     m.lastStart,
		LastDone:      m.lastDone,
		AverageRecent: avg,
	}
}

// task is one registered periodic job.
type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	metrics  *TaskMetrics
	stop     chan struct{}
	done     chan struct{}
}

// Scheduler owns a set of named periodic tasks, each on its own ticker
// goroutine, and drains them cooperatively on Stop.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task
}

// New returns an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{tasks: make(map[string]*task)}
}

// AddTask registers a named task to run every interval once Start is
// called. AddTask must be called before Start.
func (s *Scheduler) AddTask(name string, interval time.Duration, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[name] = &task{
		name:     name,
		interval: interval,
		fn:       fn,
		metrics:  &TaskMetrics{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches one ticker goroutine per registered task.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		go s.runTask(ctx, t)
	}
}

// runTask is the per-task ticker loop: skip-and-warn on self-overlap,
// run, record duration, warn if the run exceeded its own interval.
func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			if t.metrics.snapshot().Running {
				logging.Warn("skipping periodic task, previous run still in flight",
					logging.String("task", t.name))
				continue
			}
			s.execute(ctx, t)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task) {
	t.metrics.recordStart()
	metrics.SetTaskRunning(t.name, true)
	start := time.Now()

	err := t.fn(ctx)

	d := time.Since(start)
	t.metrics.recordDone(d)
	metrics.SetTaskRunning(t.name, false)
	metrics.RecordTaskRun(t.name, d, err)

	if err != nil {
		logging.Error("periodic task failed", logging.String("task", t.name), logging.Err(err))
	}
	if d > t.interval {
		logging.Warn("periodic task ran longer than its interval",
			logging.String("task", t.name))
	}
}

// RunOnce executes a registered task immediately, outside its ticker,
// honoring the same overlap guard. Used to fire a task right after
// startup rather than waiting for the first tick.
func (s *Scheduler) RunOnce(ctx context.Context, name string) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return
	}
	if t.metrics.snapshot().Running {
		return
	}
	s.execute(ctx, t)
}

// Metrics returns a snapshot of one task's run metrics.
func (s *Scheduler) Metrics(name string) (Snapshot, bool) {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return Snapshot{}, false
	}
	return t.metrics.snapshot(), true
}

// Stop signals every task's ticker loop to exit and waits for all of
// them to drain, bounded by deadline. Unlike the original's Tokio
// JoinHandle::abort (which can cut a task off mid-body), Stop only
// closes each task's stop channel — a task already executing is
// expected to observe ctx.Done() itself and return promptly from fn.
func (s *Scheduler) Stop(ctx context.Context, deadline time.Duration) error {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		close(t.stop)
	}

	drainCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	g, gctx := errgroup.WithContext(drainCtx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			select {
			case <-t.done:
				return nil
			case <-gctx.Done():
				logging.Warn("periodic task did not drain before shutdown deadline",
					logging.String("task", t.name))
				return gctx.Err()
			}
		})
	}
	return g.Wait()
}
