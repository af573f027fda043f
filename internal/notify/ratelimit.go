package notify

import (
	"sync"
	"time"
)

const (
	DefaultPerMinute = 60
	DefaultPerHour   = 500
)

// RateLimiter allows a bounded number of events per recipient over a
// rolling minute and a rolling hour. Blocked events do not count.
type RateLimiter struct {
	perMinute int
	perHour   int
	now       func() time.Time

	mu     sync.Mutex
	events map[string][]time.Time
}

func NewRateLimiter(perMinute, perHour int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if perHour <= 0 {
		perHour = DefaultPerHour
	}
	return &RateLimiter{
		perMinute: perMinute,
		perHour:   perHour,
		now:       time.Now,
		events:    make(map[string][]time.Time),
	}
}

// SetClock replaces the time source.
func (l *RateLimiter) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Allow records an event for key and reports whether it is within limits.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	hourAgo := now.Add(-time.Hour)
	minuteAgo := now.Add(-time.Minute)

	// Drop events older than the hour window
	events := l.events[key]
	keep := 0
	for keep < len(events) && !events[keep].After(hourAgo) {
		keep++
	}
	events = events[keep:]

	inMinute := 0
	for i := len(events) - 1; i >= 0 && events[i].After(minuteAgo); i-- {
		inMinute++
	}
	if inMinute >= l.perMinute || len(events) >= l.perHour {
		l.events[key] = events
		return false
	}
	l.events[key] = append(events, now)
	return true
}

// Remaining returns how many events key may still send this minute.
func (l *RateLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	minuteAgo := l.now().Add(-time.Minute)
	n := 0
	for _, t := range l.events[key] {
		if t.After(minuteAgo) {
			n++
		}
	}
	return max(0, l.perMinute-n)
}
