// Package idle removes gdb backends nobody has been attached to for a while.
package idle

import (
	"log/slog"
	"sync"
	"time"
)

// Target is what the reaper sweeps; *session.Multiplexer satisfies it.
type Target interface {
	ReapOrphans(maxIdle time.Duration) int
}

// Reaper periodically removes orphaned backends.
type Reaper struct {
	target   Target
	grace    time.Duration
	interval time.Duration

	lastRun  time.Time
	reaped   int
	mu       sync.RWMutex
	done     chan struct{}
	stopOnce sync.Once
}

// NewReaper creates a reaper that removes backends left without clients for
// longer than grace, checking every interval. A zero grace disables reaping.
func NewReaper(target Target, grace, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reaper{
		target:   target,
		grace:    grace,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Enabled reports whether the reaper does anything.
func (r *Reaper) Enabled() bool {
	return r.grace > 0
}

// Start runs the sweep loop until Stop is called.
func (r *Reaper) Start() {
	if !r.Enabled() {
		slog.Info("Orphan reaping disabled")
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.RunOnce()
		}
	}
}

// Stop stops the loop. Safe to call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// RunOnce performs one sweep and returns how many backends it removed.
func (r *Reaper) RunOnce() int {
	if !r.Enabled() {
		return 0
	}
	n := r.target.ReapOrphans(r.grace)

	r.mu.Lock()
	r.lastRun = time.Now()
	r.reaped += n
	r.mu.Unlock()

	if n > 0 {
		slog.Info("Reaped orphaned gdb backends", "count", n, "grace", r.grace)
	}
	return n
}

// LastRun returns when the last sweep finished.
func (r *Reaper) LastRun() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastRun
}

// Reaped returns the total number of backends removed so far.
func (r *Reaper) Reaped() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.reaped
}
