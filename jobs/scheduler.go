package jobs

import (
	"sort"
	"sync"
	"time"
)

// Task is a scheduled callback.
type Task interface {
	// Cancel prevents the callback from running if it has not started yet.
	// It reports whether the callback was prevented.
	Cancel() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Task
}

// TimerScheduler runs callbacks on runtime timers. Stop cancels pending
// callbacks and waits for running ones.
type TimerScheduler struct {
	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	pending map[*timerTask]struct{}
}

// NewTimerScheduler creates a new TimerScheduler
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{pending: make(map[*timerTask]struct{})}
}

type timerTask struct {
	s     *TimerScheduler
	timer *time.Timer
}

func (s *TimerScheduler) Schedule(delay time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &timerTask{s: s}
	if s.stopped {
		return task
	}

	s.wg.Add(1)
	s.pending[task] = struct{}{}
	task.timer = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		if !s.claim(task) {
			return
		}
		fn()
	})
	return task
}

// claim removes the task from the pending set, reporting whether it was still pending.
func (s *TimerScheduler) claim(task *timerTask) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[task]; !ok {
		return false
	}
	delete(s.pending, task)
	return true
}

func (t *timerTask) Cancel() bool {
	if t.timer == nil || !t.s.claim(t) {
		return false
	}
	if t.timer.Stop() {
		t.s.wg.Done()
	}
	return true
}

// Stop cancels every pending callback and waits for those already running.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	tasks := make([]*timerTask, 0, len(s.pending))
	for task := range s.pending {
		tasks = append(tasks, task)
	}
	s.mu.Unlock()

	for _, task := range tasks {
		task.Cancel()
	}
	s.wg.Wait()
}

// ManualScheduler runs callbacks only when the test advances its clock.
type ManualScheduler struct {
	mu    sync.Mutex
	now   time.Duration
	seq   int
	tasks []*manualTask
}

// NewManualScheduler creates a new ManualScheduler at time zero
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

type manualTask struct {
	s        *ManualScheduler
	due      time.Duration
	seq      int
	fn       func()
	canceled bool
	done     bool
}

func (s *ManualScheduler) Schedule(delay time.Duration, fn func()) Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	task := &manualTask{s: s, due: s.now + delay, seq: s.seq, fn: fn}
	s.tasks = append(s.tasks, task)
	return task
}

func (t *manualTask) Cancel() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.done || t.canceled {
		return false
	}
	t.canceled = true
	return true
}

// Advance moves the clock forward by d and runs every callback that became
// due, in due order, on the calling goroutine. Callbacks scheduled by a
// callback run in the same call if they fall within the window.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now + d
	s.mu.Unlock()

	for {
		s.mu.Lock()
		next := s.nextDue(target)
		if next == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		s.now = next.due
		next.done = true
		s.mu.Unlock()

		next.fn()
	}
}

// Pending returns the number of callbacks that have neither run nor been canceled.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.done && !t.canceled {
			n++
		}
	}
	return n
}

func (s *ManualScheduler) nextDue(target time.Duration) *manualTask {
	live := s.tasks[:0]
	for _, t := range s.tasks {
		if !t.done && !t.canceled {
			live = append(live, t)
		}
	}
	s.tasks = live
	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].due != s.tasks[j].due {
			return s.tasks[i].due < s.tasks[j].due
		}
		return s.tasks[i].seq < s.tasks[j].seq
	})
	if len(s.tasks) == 0 || s.tasks[0].due > target {
		return nil
	}
	return s.tasks[0]
}
