package ticker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddLoopFiresEveryInterval(t *testing.T) {
	tk := &Ticker{Interval: TickInterval, MaxLag: MaxLag}
	var mu sync.Mutex
	var fires int
	tk.AddLoop(3, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	tk.advance(10) // ticks 0..9: fires at 0,3,6,9 -> 4 times

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 4, fires)
}

func TestAddDelayFiresExactlyOnce(t *testing.T) {
	tk := &Ticker{Interval: TickInterval, MaxLag: MaxLag}
	var mu sync.Mutex
	var fires int
	tk.AddDelay(5, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	tk.advance(20)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fires)
}

func TestDelayTaskRestartPushesTargetForward(t *testing.T) {
	tk := &Ticker{Interval: TickInterval, MaxLag: MaxLag}
	var mu sync.Mutex
	var fires int
	task := tk.AddDelay(5, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	tk.advance(3)
	task.Restart() // resets target to tick(3)+5 = 8
	tk.advance(4)   // now at tick 7, still shouldn't have fired

	mu.Lock()
	assert.Equal(t, 0, fires)
	mu.Unlock()

	tk.advance(2) // tick 9, past the restarted target

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fires)
}

func TestStopPreventsFurtherFiring(t *testing.T) {
	tk := &Ticker{Interval: TickInterval, MaxLag: MaxLag}
	var mu sync.Mutex
	var fires int
	task := tk.AddLoop(1, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	tk.advance(2)
	task.Stop()
	tk.advance(5)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, fires)
}

func TestAdvanceCollapsesLagBeyondMaxLag(t *testing.T) {
	tk := &Ticker{Interval: TickInterval, MaxLag: 5}
	var mu sync.Mutex
	var fires int
	tk.AddLoop(1, func() {
		mu.Lock()
		fires++
		mu.Unlock()
	})

	tk.advance(100) // far beyond MaxLag: collapsed to a single tick of work

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fires)
	assert.Equal(t, int64(1), tk.CurrentTick())
}

func TestSafeCallRecoversPanic(t *testing.T) {
	tk := &Ticker{Interval: TickInterval, MaxLag: MaxLag}
	assert.NotPanics(t, func() {
		tk.safeCall(func() { panic("boom") })
	})
}
