// Package ticker implements the fixed-interval per-connection scheduler,
// ported from the original quarry/net/ticker.py's Ticker/LoopTask/DelayTask
// with the catch-up policy intact.
package ticker

import (
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// TickInterval is the base tick: 50ms, 20Hz.
const TickInterval = 50 * time.Millisecond

// MaxLag is the default maximum number of delayed ticks before they are
// all collapsed into one.
const MaxLag = 40

// Task is a handle to a scheduled callback.
type Task interface {
	// Stop cancels the task; it will not run again.
	Stop()
}

type loopTask struct {
	t        *Ticker
	interval int64
	fn       func()
	stopped  atomic.Bool
}

func (l *loopTask) Stop() {
	l.stopped.Store(true)
	l.t.remove(l)
}

func (l *loopTask) update(tick int64) {
	if l.stopped.Load() {
		return
	}
	if tick%l.interval == 0 {
		l.t.safeCall(l.fn)
	}
}

type delayTask struct {
	t       *Ticker
	delay   int64
	fn      func()
	target  int64
	stopped atomic.Bool
}

func (d *delayTask) Stop() {
	d.stopped.Store(true)
	d.t.remove(d)
}

// Restart resets the delay to fire delay ticks from now, undoing any
// progress towards the previous target.
func (d *delayTask) Restart() {
	d.t.mu.Lock()
	d.target = d.t.tick + d.delay
	d.stopped.Store(false)
	scheduledNow := false
	for _, tk := range d.t.tasks {
		if tk == scheduled(d) {
			scheduledNow = true
			break
		}
	}
	if !scheduledNow {
		d.t.tasks = append(d.t.tasks, d)
	}
	d.t.mu.Unlock()
}

func (d *delayTask) update(tick int64) {
	if d.stopped.Load() {
		return
	}
	if tick >= d.target {
		d.t.safeCall(d.fn)
		d.Stop()
	}
}

type scheduled interface {
	update(tick int64)
}

// Ticker drives every scheduled Task for one connection on a single
// logical thread of execution: all callbacks run sequentially from the
// ticker's own goroutine, never concurrently with each other.
type Ticker struct {
	Interval time.Duration
	MaxLag   int64

	mu      sync.Mutex
	tick    int64
	tasks   []scheduled
	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New returns a Ticker using the default 50ms interval and max lag 40.
func New() *Ticker {
	return &Ticker{
		Interval: TickInterval,
		MaxLag:   MaxLag,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the tick loop in its own goroutine. Idempotent.
func (t *Ticker) Start() {
	if !t.running.CAS(false, true) {
		return
	}
	go t.run()
}

// Stop halts the tick loop and cancels every scheduled task.
func (t *Ticker) Stop() {
	if !t.running.CAS(true, false) {
		return
	}
	close(t.stopCh)
	<-t.doneCh
	t.mu.Lock()
	t.tasks = nil
	t.mu.Unlock()
}

func (t *Ticker) run() {
	defer close(t.doneCh)
	last := time.Now()
	timer := time.NewTimer(t.Interval)
	defer timer.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case now := <-timer.C:
			elapsed := now.Sub(last)
			count := int64(elapsed / t.Interval)
			if count < 1 {
				count = 1
			}
			last = last.Add(time.Duration(count) * t.Interval)
			t.advance(count)
			timer.Reset(t.Interval)
		}
	}
}

// advance runs count ticks worth of task updates, applying the catch-up
// policy: collapse to one tick of work when more than MaxLag ticks have
// elapsed, rather than replaying every missed tick.
func (t *Ticker) advance(count int64) {
	if count > t.MaxLag {
		zap.S().Warnf("ticker: can't keep up, skipping %d ticks", count-1)
		count = 1
	}
	for i := int64(0); i < count; i++ {
		t.mu.Lock()
		tick := t.tick
		tasks := make([]scheduled, len(t.tasks))
		copy(tasks, t.tasks)
		t.mu.Unlock()

		for _, task := range tasks {
			task.update(tick)
		}

		t.mu.Lock()
		t.tick++
		t.mu.Unlock()
	}
}

// safeCall invokes fn, logging and swallowing any panic so one handler's
// failure never kills the ticker.
func (t *Ticker) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			zap.S().Errorf("ticker: recovered from panic in scheduled task: %v", r)
		}
	}()
	fn()
}

func (t *Ticker) remove(task scheduled) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, tk := range t.tasks {
		if tk == task {
			t.tasks = append(t.tasks[:i], t.tasks[i+1:]...)
			return
		}
	}
}

// AddLoop runs fn on every tick whose count is a multiple of interval
// (tick 0 included), so it fires once every interval ticks.
func (t *Ticker) AddLoop(interval int64, fn func()) Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	lt := &loopTask{t: t, interval: interval, fn: fn}
	t.tasks = append(t.tasks, lt)
	return lt
}

// AddDelay runs fn exactly once, delay ticks from now, unless cancelled
// or restarted first.
func (t *Ticker) AddDelay(delay int64, fn func()) interface {
	Task
	Restart()
} {
	t.mu.Lock()
	defer t.mu.Unlock()
	dt := &delayTask{t: t, delay: delay, fn: fn, target: t.tick + delay}
	t.tasks = append(t.tasks, dt)
	return dt
}

// CurrentTick returns the ticker's current tick count.
func (t *Ticker) CurrentTick() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tick
}
