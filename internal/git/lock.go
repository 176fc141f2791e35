package git

// mergeLock serializes every merge into mainline across all concurrent
// runs. A capacity-one channel gives queued waiters FIFO wakeup, so
// integrations are totally ordered by acquisition time.
var mergeLock = make(chan struct{}, 1)

// WithMergeLock runs fn while holding the process-wide merge lock.
// The lock is released even if fn panics.
func WithMergeLock(fn func() error) error {
	mergeLock <- struct{}{}
	defer func() { <-mergeLock }()
	return fn()
}
