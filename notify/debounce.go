package notify

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultDebounceInterval is the minimum gap between two triggers of one (tenant, event)
const DefaultDebounceInterval = 15 * time.Second

type debounceKey struct {
	tenant string
	event  string
}

// Debouncer admits at most one trigger per (tenant, event) per interval. Construct one per
// process and share it between every component that pushes notifications.
type Debouncer struct {
	interval time.Duration
	now      func() time.Time

	mu       sync.Mutex
	limiters map[debounceKey]*rate.Limiter
}

// NewDebouncer creates a debouncer. A non-positive interval uses DefaultDebounceInterval.
func NewDebouncer(interval time.Duration) *Debouncer {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	return &Debouncer{
		interval: interval,
		now:      time.Now,
		limiters: make(map[debounceKey]*rate.Limiter),
	}
}

// Interval returns the configured minimum gap
func (d *Debouncer) Interval() time.Duration {
	return d.interval
}

// Allow reports whether a trigger for (tenant, event) may fire now and, if so, records it
func (d *Debouncer) Allow(tenant, event string) bool {
	key := debounceKey{tenant: tenant, event: event}

	d.mu.Lock()
	defer d.mu.Unlock()
	limiter, ok := d.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(d.interval), 1)
		d.limiters[key] = limiter
	}
	return limiter.AllowN(d.now(), 1)
}
