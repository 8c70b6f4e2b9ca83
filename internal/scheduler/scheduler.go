// Package scheduler runs the periodic maintenance tasks: token refresh,
// current-account rotation, and pool-wide status checks.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"kiro-nexus/internal/manager"
	"kiro-nexus/internal/settings"
)

// Task names accepted by Trigger and used in logs.
const (
	TaskAutoRefresh = "auto_refresh"
	TaskAutoSwitch  = "auto_switch"
	TaskStatusCheck = "status_check"
)

// Runner is the maintenance surface the scheduler drives.
type Runner interface {
	RunRefreshPass(ctx context.Context) (manager.RefreshSummary, error)
	RunSwitchPass(ctx context.Context) error
	RunStatusPass(ctx context.Context) error
}

type task struct {
	name string
	run  func(ctx context.Context) error

	// busy guarantees one instance at a time. A tick that finds the task
	// still running is skipped, not queued.
	busy sync.Mutex
}

func (t *task) tick(ctx context.Context) {
	if !t.busy.TryLock() {
		log.Printf("⏭️ Task %s still running, skipping tick", t.name)
		return
	}
	defer t.busy.Unlock()
	if err := t.run(ctx); err != nil {
		log.Printf("⚠️ Task %s failed: %v", t.name, err)
	}
}

// Scheduler owns the three maintenance timers. Reconfigure replaces the whole
// schedule atomically so a stale timer never keeps running with an old
// interval.
type Scheduler struct {
	runner Runner
	tasks  map[string]*task

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a scheduler over the given runner. No timers run until the first
// Reconfigure.
func New(r Runner) *Scheduler {
	s := &Scheduler{runner: r}
	refresh := func(ctx context.Context) error {
		_, err := r.RunRefreshPass(ctx)
		return err
	}
	s.tasks = map[string]*task{
		TaskAutoRefresh: {name: TaskAutoRefresh, run: refresh},
		TaskAutoSwitch:  {name: TaskAutoSwitch, run: r.RunSwitchPass},
		TaskStatusCheck: {name: TaskStatusCheck, run: r.RunStatusPass},
	}
	return s
}

// Reconfigure tears down every installed timer and reinstalls the enabled
// ones with the given intervals. Safe to call at any time, including while a
// task instance is mid-pass; the running instance finishes, its timer does
// not fire again.
func (s *Scheduler) Reconfigure(cfg settings.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	type job struct {
		name        string
		enabled     bool
		intervalSec int
	}
	jobs := []job{
		{TaskAutoRefresh, cfg.AutoRefresh.Enabled, cfg.AutoRefresh.IntervalSec},
		{TaskAutoSwitch, cfg.AutoSwitch.Enabled, cfg.AutoSwitch.CheckIntervalSec},
		{TaskStatusCheck, cfg.StatusCheck.Enabled, cfg.StatusCheck.IntervalSec},
	}
	for _, j := range jobs {
		if !j.enabled || j.intervalSec <= 0 {
			log.Printf("💤 Task %s disabled", j.name)
			continue
		}
		t := s.tasks[j.name]
		interval := time.Duration(j.intervalSec) * time.Second
		s.wg.Add(1)
		go s.loop(ctx, t, interval)
		log.Printf("⏰ Task %s scheduled every %s", j.name, interval)
	}
}

func (s *Scheduler) loop(ctx context.Context, t *task, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// Trigger runs one task by name, synchronously, outside its schedule. It
// waits for a running scheduled instance to finish rather than overlapping
// with it.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("unknown task: %s", name)
	}
	t.busy.Lock()
	defer t.busy.Unlock()
	log.Printf("▶️ Manual trigger: %s", name)
	return t.run(ctx)
}

// Stop cancels all timers and waits for in-flight loops to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
		s.cancel = nil
	}
}
