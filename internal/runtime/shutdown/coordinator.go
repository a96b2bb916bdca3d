// Package shutdown provides the counted barrier that gates process exit until
// every channel has drained or a deadline passes.
package shutdown

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errspkg "github.com/drblury/rbmqflow/internal/runtime/errors"
)

// Result is the outcome of Await.
type Result int

const (
	DrainedCleanly Result = iota
	TimedOut
)

func (r Result) String() string {
	switch r {
	case DrainedCleanly:
		return "drained_cleanly"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// MarshalText renders the result by name in JSON reports.
func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Coordinator counts down once per drained channel.
type Coordinator struct {
	mu          sync.Mutex
	initialized atomic.Bool
	remaining   atomic.Int64

	done     chan struct{}
	doneOnce sync.Once
}

// New returns a coordinator that has not been initialised yet.
func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// Expect sets the number of channels that must report drained. It may be
// called only once.
func (c *Coordinator) Expect(n int) error {
	if n < 0 {
		return fmt.Errorf("rbmqflow: drain count must not be negative, got %d", n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized.Load() {
		return errspkg.ErrAlreadyInitialized
	}
	c.remaining.Store(int64(n))
	c.initialized.Store(true)
	if n == 0 {
		c.finish()
	}
	return nil
}

// SignalDrained decrements the counter. It is safe to call concurrently;
// signals beyond the expected count are ignored.
func (c *Coordinator) SignalDrained() error {
	if !c.initialized.Load() {
		return errspkg.ErrNotInitialized
	}
	for {
		cur := c.remaining.Load()
		if cur <= 0 {
			return nil
		}
		if c.remaining.CompareAndSwap(cur, cur-1) {
			if cur == 1 {
				c.finish()
			}
			return nil
		}
	}
}

func (c *Coordinator) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Await blocks until the counter reaches zero or timeout elapses, whichever
// comes first. A non-positive timeout only checks the current state.
func (c *Coordinator) Await(timeout time.Duration) Result {
	return c.AwaitUntil(timeout, nil)
}

// AwaitUntil is Await that also gives up with TimedOut once abandon is
// closed. A nil abandon channel never fires.
func (c *Coordinator) AwaitUntil(timeout time.Duration, abandon <-chan struct{}) Result {
	select {
	case <-c.done:
		return DrainedCleanly
	default:
	}
	if timeout <= 0 {
		return TimedOut
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.done:
		return DrainedCleanly
	case <-timer.C:
		return TimedOut
	case <-abandon:
		select {
		case <-c.done:
			return DrainedCleanly
		default:
			return TimedOut
		}
	}
}

// Remaining returns the number of channels that have not signalled yet.
func (c *Coordinator) Remaining() int {
	return int(c.remaining.Load())
}

// Done is closed once every expected channel has signalled.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}
