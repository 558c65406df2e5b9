package engine

import (
	"math"
	"sync"
	"time"

	"github.com/nous-labs/relay/pkg/metrics"
)

// Budget is a daily model spend counter that resets at local midnight.
// All methods are safe for concurrent use.
type Budget struct {
	mu    sync.Mutex
	limit float64
	spent float64
	day   string
	now   func() time.Time
	loc   *time.Location
}

// BudgetOption configures a Budget.
type BudgetOption func(*Budget)

// WithBudgetClock overrides the time source.
func WithBudgetClock(now func() time.Time) BudgetOption {
	return func(b *Budget) { b.now = now }
}

// WithLocation sets the zone whose midnight resets the budget.
func WithLocation(loc *time.Location) BudgetOption {
	return func(b *Budget) {
		if loc != nil {
			b.loc = loc
		}
	}
}

// NewBudget creates a budget with a daily limit in USD. A limit <= 0 means unlimited.
func NewBudget(limit float64, opts ...BudgetOption) *Budget {
	b := &Budget{limit: limit, now: time.Now, loc: time.Local}
	for _, opt := range opts {
		opt(b)
	}
	b.day = b.dayKey()
	return b
}

func (b *Budget) dayKey() string {
	return b.now().In(b.loc).Format("2006-01-02")
}

// rollover must be called with mu held.
func (b *Budget) rollover() {
	if day := b.dayKey(); day != b.day {
		b.day = day
		b.spent = 0
	}
}

// Add records cost and returns today's total.
func (b *Budget) Add(cost float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	if cost > 0 {
		b.spent += cost
	}
	metrics.BudgetSpent.Set(b.spent)
	return b.spent
}

// Spent returns today's total.
func (b *Budget) Spent() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollover()
	return b.spent
}

// Limit returns the daily limit; 0 means unlimited.
func (b *Budget) Limit() float64 {
	if b.limit <= 0 {
		return 0
	}
	return b.limit
}

// Remaining returns what is left today, or +Inf when unlimited.
func (b *Budget) Remaining() float64 {
	if b.limit <= 0 {
		return math.Inf(1)
	}
	return math.Max(0, b.limit-b.Spent())
}

// Exhausted reports whether today's limit has been reached.
func (b *Budget) Exhausted() bool {
	return b.limit > 0 && b.Spent() >= b.limit
}
