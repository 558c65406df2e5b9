package engine

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func TestBudgetMidnightReset(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*3600)
	c := &clock{t: time.Date(2026, 3, 1, 23, 50, 0, 0, loc)}
	b := NewBudget(5, WithBudgetClock(c.now), WithLocation(loc))

	b.Add(4.5)
	assert.InDelta(t, 0.5, b.Remaining(), 1e-9)
	assert.False(t, b.Exhausted())
	b.Add(0.6)
	assert.True(t, b.Exhausted())
	assert.Equal(t, 0.0, b.Remaining())

	c.set(time.Date(2026, 3, 1, 23, 59, 59, 0, loc))
	assert.True(t, b.Exhausted(), "still the same local day")

	c.set(time.Date(2026, 3, 2, 0, 0, 1, 0, loc))
	assert.False(t, b.Exhausted())
	assert.Equal(t, 0.0, b.Spent())
	assert.Equal(t, 5.0, b.Remaining())
}

func TestBudgetUsesLocalZone(t *testing.T) {
	loc := time.FixedZone("UTC-5", -5*3600)
	// 03:00 UTC on Mar 2 is still Mar 1 in UTC-5.
	c := &clock{t: time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)}
	b := NewBudget(1, WithBudgetClock(c.now), WithLocation(loc))
	b.Add(1)
	c.set(time.Date(2026, 3, 2, 4, 59, 0, 0, time.UTC))
	assert.True(t, b.Exhausted())
	c.set(time.Date(2026, 3, 2, 5, 0, 1, 0, time.UTC))
	assert.False(t, b.Exhausted())
}

func TestBudgetConcurrentAdd(t *testing.T) {
	b := NewBudget(0)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Add(0.01)
			}
		}()
	}
	wg.Wait()
	assert.InDelta(t, 10.0, b.Spent(), 1e-6)
	assert.True(t, math.IsInf(b.Remaining(), 1), "unlimited")
	assert.False(t, b.Exhausted())
}

func TestBudgetIgnoresNegative(t *testing.T) {
	b := NewBudget(2)
	b.Add(-5)
	assert.Equal(t, 0.0, b.Spent())
}
