package effects

import (
	"context"
	"sync"
	"time"

	"github.com/hxrts/aura/pkg/types"
)

// DefaultEpochLength is the wall-clock span of one epoch for SystemClock.
const DefaultEpochLength = time.Hour

// SystemClock reads the host clock. Epochs are fixed-length windows since
// the Unix epoch.
type SystemClock struct {
	EpochLength   time.Duration
	UncertaintyMs *uint64
}

func (c SystemClock) epochLength() time.Duration {
	if c.EpochLength <= 0 {
		return DefaultEpochLength
	}
	return c.EpochLength
}

func (c SystemClock) PhysicalTime(context.Context) (types.PhysicalClock, error) {
	return types.PhysicalClock{TsMs: uint64(time.Now().UnixMilli()), Uncertainty: c.UncertaintyMs}, nil
}

func (c SystemClock) CurrentTimestamp(ctx context.Context) (types.TimeStamp, error) {
	p, err := c.PhysicalTime(ctx)
	if err != nil {
		return types.TimeStamp{}, err
	}
	return types.PhysicalStamp(p.TsMs, p.Uncertainty), nil
}

func (c SystemClock) CurrentEpoch(context.Context) (types.Epoch, error) {
	return types.Epoch(time.Now().UnixMilli() / c.epochLength().Milliseconds()), nil
}

func (c SystemClock) SleepUntil(ctx context.Context, epoch types.Epoch) error {
	start := time.UnixMilli(int64(epoch) * c.epochLength().Milliseconds())
	d := time.Until(start)
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type timer struct {
	deadline time.Time
	ch       chan time.Time
}

// ManualClock only moves when told to. Timers created with After fire
// during Advance.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	epoch   types.Epoch
	changed chan struct{}
	timers  []timer
}

// NewManualClock starts at start in epoch 0.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, changed: make(chan struct{})}
}

// Now is the current simulated time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves time forward and fires due timers.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	var due []timer
	kept := c.timers[:0]
	for _, t := range c.timers {
		if !t.deadline.After(now) {
			due = append(due, t)
		} else {
			kept = append(kept, t)
		}
	}
	c.timers = kept
	c.mu.Unlock()
	for _, t := range due {
		t.ch <- now
	}
}

// SetEpoch moves to epoch and wakes SleepUntil callers.
func (c *ManualClock) SetEpoch(epoch types.Epoch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch = epoch
	close(c.changed)
	c.changed = make(chan struct{})
}

// PendingTimers is the number of timers not yet fired.
func (c *ManualClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.timers = append(c.timers, timer{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *ManualClock) PhysicalTime(context.Context) (types.PhysicalClock, error) {
	return types.PhysicalClock{TsMs: uint64(c.Now().UnixMilli())}, nil
}

func (c *ManualClock) CurrentTimestamp(ctx context.Context) (types.TimeStamp, error) {
	return types.PhysicalStamp(uint64(c.Now().UnixMilli()), nil), nil
}

func (c *ManualClock) CurrentEpoch(context.Context) (types.Epoch, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch, nil
}

func (c *ManualClock) SleepUntil(ctx context.Context, epoch types.Epoch) error {
	for {
		c.mu.Lock()
		if c.epoch >= epoch {
			c.mu.Unlock()
			return nil
		}
		changed := c.changed
		c.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
