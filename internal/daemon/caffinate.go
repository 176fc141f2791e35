package daemon

import "sync"

// Caffinator implements the drain-then-exit contract behind /caffinate:
// once armed, the exit callback fires exactly once when the set of
// running runs becomes empty. Arming with nothing running fires
// immediately.
type Caffinator struct {
	mu      sync.Mutex
	armed   bool
	fired   bool
	running map[string]struct{}
	onExit  func()
}

// NewCaffinator creates a tracker that invokes onExit on drain.
func NewCaffinator(onExit func()) *Caffinator {
	return &Caffinator{
		running: make(map[string]struct{}),
		onExit:  onExit,
	}
}

// RunStarted records a run as live.
func (c *Caffinator) RunStarted(runID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running[runID] = struct{}{}
}

// RunFinished removes a run and fires the callback if that drained the
// set while armed.
func (c *Caffinator) RunFinished(runID string) {
	c.mu.Lock()
	delete(c.running, runID)
	fire := c.shouldFire()
	c.mu.Unlock()

	if fire {
		c.onExit()
	}
}

// Caffinate arms the tracker. Fires immediately when nothing is running.
func (c *Caffinator) Caffinate() {
	c.mu.Lock()
	c.armed = true
	fire := c.shouldFire()
	c.mu.Unlock()

	if fire {
		c.onExit()
	}
}

// RunningCount reports the number of live runs.
func (c *Caffinator) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// shouldFire must be called with the lock held; it latches fired so the
// callback runs at most once.
func (c *Caffinator) shouldFire() bool {
	if c.armed && !c.fired && len(c.running) == 0 {
		c.fired = true
		return true
	}
	return false
}
