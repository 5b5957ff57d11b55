package timer

import (
	"sync"
	"time"
)

// PeriodicTimer calls tick every interval until stopped, or once if runOnce.
//
// Ticks are serialized, including across a Stop/Start pair. Panics raised by
// tick are not recovered.
type PeriodicTimer struct {
	interval time.Duration
	tick     func()
	runOnce  bool

	mu   sync.Mutex
	stop chan struct{} // non-nil while running; identifies the current run

	tickMu sync.Mutex
}

// New creates a stopped timer.
func New(interval time.Duration, tick func(), runOnce bool) *PeriodicTimer {
	return &PeriodicTimer{
		interval: interval,
		tick:     tick,
		runOnce:  runOnce,
	}
}

// Start begins a run. It is a no-op if the timer is already running.
func (t *PeriodicTimer) Start() *PeriodicTimer {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop != nil {
		return t
	}

	stop := make(chan struct{})
	t.stop = stop
	go t.run(stop)

	return t
}

// Stop prevents any further tick. A tick already executing is not interrupted.
// Safe to call multiple times and from within tick.
func (t *PeriodicTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stop == nil {
		return
	}
	close(t.stop)
	t.stop = nil
}

// IsRunning reports whether a run is active.
func (t *PeriodicTimer) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}

// Interval returns the configured interval.
func (t *PeriodicTimer) Interval() time.Duration {
	return t.interval
}

func (t *PeriodicTimer) run(stop chan struct{}) {
	deadline := time.NewTimer(t.interval)
	defer deadline.Stop()

	for {
		select {
		case <-stop:
			return
		case <-deadline.C:
		}

		if !t.fire(stop) || t.runOnce {
			return
		}
		deadline.Reset(t.interval)
	}
}

// fire runs tick if stop still identifies the current run.
func (t *PeriodicTimer) fire(stop chan struct{}) bool {
	t.tickMu.Lock()
	defer t.tickMu.Unlock()

	t.mu.Lock()
	if t.stop != stop {
		t.mu.Unlock()
		return false
	}
	if t.runOnce {
		// The run ends here so tick may Start a new one.
		close(t.stop)
		t.stop = nil
	}
	t.mu.Unlock()

	t.tick()
	return true
}
