package util

import (
	"sync"
	"time"
)

// Clock is the time source for block pacing and order timestamps
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

type RealClock struct{}

func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
func (RealClock) Now() time.Time                         { return time.Now() }

// BlockClock reports whatever time its owner last set, normally the
// timestamp of the block being applied, so replays stamp identical values.
// After still waits on wall time.
type BlockClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewBlockClock(t time.Time) *BlockClock { return &BlockClock{now: t} }

func (c *BlockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *BlockClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

func (c *BlockClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
