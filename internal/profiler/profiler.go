// Package profiler collects scoped runtime metrics: wall time, memory at
// enter, exit and peak, database query durations and cache hit counts.
package profiler

import (
	"context"
	"runtime"
	"sync"
	"time"
)

// SampleInterval is how often memory is sampled while a profile is open.
var SampleInterval = 250 * time.Millisecond

// Profile is the frozen result of a Profiler.
type Profile struct {
	Name        string          `json:"name"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Duration    time.Duration   `json:"duration"`
	MemStart    uint64          `json:"mem_start_bytes"`
	MemEnd      uint64          `json:"mem_end_bytes"`
	MemPeak     uint64          `json:"mem_peak_bytes"`
	DBQueries   []time.Duration `json:"db_queries"`
	CacheHits   int             `json:"cache_hits"`
	CacheMisses int             `json:"cache_misses"`
}

// AvgDBQuery is the mean query duration, 0 without queries.
func (p Profile) AvgDBQuery() time.Duration {
	if len(p.DBQueries) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range p.DBQueries {
		total += d
	}
	return total / time.Duration(len(p.DBQueries))
}

// CacheHitRatio is hits over lookups, 0 without lookups.
func (p Profile) CacheHitRatio() float64 {
	total := p.CacheHits + p.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(p.CacheHits) / float64(total)
}

// Profiler is safe for concurrent use. Its methods are no-ops on a nil
// receiver so callers can use FromContext without checks.
type Profiler struct {
	mu       sync.Mutex
	name     string
	start    time.Time
	memStart uint64
	memPeak  uint64
	queries  []time.Duration
	hits     int
	misses   int
	stopped  bool
	done     chan struct{}
	wg       sync.WaitGroup
}

type ctxKey struct{}

// Start opens a profile and attaches it to the returned context.
func Start(ctx context.Context, name string) (context.Context, *Profiler) {
	mem := memoryInUse()
	p := &Profiler{
		name:     name,
		start:    time.Now(),
		memStart: mem,
		memPeak:  mem,
		done:     make(chan struct{}),
	}
	p.wg.Add(1)
	go p.sample()
	return context.WithValue(ctx, ctxKey{}, p), p
}

// FromContext returns the innermost profiler attached to ctx, or nil.
func FromContext(ctx context.Context) *Profiler {
	if ctx == nil {
		return nil
	}
	p, _ := ctx.Value(ctxKey{}).(*Profiler)
	return p
}

func (p *Profiler) sample() {
	defer p.wg.Done()
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.observe(memoryInUse())
		}
	}
}

func (p *Profiler) observe(mem uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if mem > p.memPeak {
		p.memPeak = mem
	}
}

func (p *Profiler) RecordQuery(d time.Duration) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries = append(p.queries, d)
}

func (p *Profiler) CacheHit() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hits++
}

func (p *Profiler) CacheMiss() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.misses++
}

// Stop ends sampling and returns the profile. It may be called more than
// once.
func (p *Profiler) Stop() Profile {
	if p == nil {
		return Profile{}
	}
	p.mu.Lock()
	first := !p.stopped
	p.stopped = true
	p.mu.Unlock()
	if first {
		close(p.done)
		p.wg.Wait()
	}

	end := time.Now()
	mem := memoryInUse()
	p.observe(mem)

	p.mu.Lock()
	defer p.mu.Unlock()
	return Profile{
		Name:        p.name,
		Start:       p.start,
		End:         end,
		Duration:    end.Sub(p.start),
		MemStart:    p.memStart,
		MemEnd:      mem,
		MemPeak:     p.memPeak,
		DBQueries:   append([]time.Duration(nil), p.queries...),
		CacheHits:   p.hits,
		CacheMisses: p.misses,
	}
}

// memoryInUse approximates resident memory with the bytes the Go runtime
// holds from the OS, minus what it has released back.
func memoryInUse() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return m.Sys - m.HeapReleased
}
