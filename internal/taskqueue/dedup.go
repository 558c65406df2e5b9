package taskqueue

import (
	"sync"
	"time"
)

// Dedup is a check-and-set string set whose entries expire after a TTL.
// It decides which of several racing deliveries of the same key wins.
type Dedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewDedup creates a set. A zero ttl means one hour.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Dedup{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Claim records key and reports whether the caller is the first to do so
// within the TTL.
func (d *Dedup) Claim(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.prune(now)
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = now
	return true
}

// Seen reports whether key is currently recorded without claiming it.
func (d *Dedup) Seen(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(d.now())
	_, ok := d.seen[key]
	return ok
}

// Len returns the number of live entries.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.prune(d.now())
	return len(d.seen)
}

func (d *Dedup) prune(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.ttl {
			delete(d.seen, k)
		}
	}
}
