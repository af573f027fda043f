package taskqueue

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultHardLimit = 3600 * time.Second
	DefaultSoftLimit = 3000 * time.Second
	DefaultRetention = 24 * time.Hour
	jitterFraction   = 0.25
)

// RetryPolicy controls redelivery of failed tasks.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts"`
	InitialBackoff time.Duration `json:"initial_backoff"`
	Multiplier     float64       `json:"multiplier"`
	MaxBackoff     time.Duration `json:"max_backoff"`
	Jitter         bool          `json:"jitter"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 60 * time.Second,
		Multiplier:     2,
		MaxBackoff:     600 * time.Second,
		Jitter:         true,
	}
}

// Backoff is the delay after the given failed attempt (1-based), before
// jitter: min(initial * multiplier^(attempt-1), max).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.InitialBackoff) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		d = float64(p.MaxBackoff)
	}
	return time.Duration(d)
}

// Delay applies a uniform ±25% jitter to Backoff when enabled. rnd returns
// values in [0,1); nil uses math/rand.
func (p RetryPolicy) Delay(attempt int, rnd func() float64) time.Duration {
	d := p.Backoff(attempt)
	if !p.Jitter {
		return d
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	factor := 1 + (rnd()*2-1)*jitterFraction
	return time.Duration(float64(d) * factor)
}

// Exhausted reports whether attempts used up the budget.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// Options are per-task settings.
type Options struct {
	Queue     string
	Priority  int
	Retry     RetryPolicy
	HardLimit time.Duration
	SoftLimit time.Duration
	TaskID    string
}

type Option func(*Options)

func Queue(name string) Option {
	return func(o *Options) { o.Queue = name }
}

// Priority sets the item priority within its queue, clamped to [0,10].
func Priority(p int) Option {
	return func(o *Options) { o.Priority = max(MinPriority, min(MaxPriority, p)) }
}

func Retry(p RetryPolicy) Option {
	return func(o *Options) { o.Retry = p }
}

func MaxAttempts(n int) Option {
	return func(o *Options) { o.Retry.MaxAttempts = n }
}

// HardTimeout kills the attempt after d.
func HardTimeout(d time.Duration) Option {
	return func(o *Options) { o.HardLimit = d }
}

// SoftTimeout signals the handler through SoftLimit after d.
func SoftTimeout(d time.Duration) Option {
	return func(o *Options) { o.SoftLimit = d }
}

func TaskID(id string) Option {
	return func(o *Options) { o.TaskID = id }
}

func buildOptions(name string, policy RetryPolicy, hard, soft time.Duration, opts []Option) Options {
	o := Options{
		Queue:     Route(name),
		Priority:  DefaultPriority,
		Retry:     policy,
		HardLimit: hard,
		SoftLimit: soft,
	}
	for _, fn := range opts {
		fn(&o)
	}
	if _, ok := QueuePriorities[o.Queue]; !ok {
		o.Queue = QueueDefault
	}
	if o.Retry.MaxAttempts < 1 {
		o.Retry.MaxAttempts = 1
	}
	if o.HardLimit <= 0 {
		o.HardLimit = DefaultHardLimit
	}
	if o.SoftLimit <= 0 || o.SoftLimit > o.HardLimit {
		o.SoftLimit = o.HardLimit
	}
	return o
}
