// Package timerutil wraps time.Timer with the one behavior spec.md's §9
// design notes call out as load-bearing: resetting a running timer to a
// freshly randomized duration without leaking the old one or racing its
// fire against the reset (Go's stdlib time.Timer.Reset is only safe to
// call after draining the channel, a sharp edge the Master role would
// otherwise have to get right itself on every call site).
package timerutil

import (
	"math/rand"
	"sync"
	"time"
)

// Jittered is a repeating timer whose each firing's delay is drawn
// uniformly from [min, max] (both ends inclusive), so many nodes arming the same nominal timeout
// don't all wake in lockstep (spec.md §6: electionJitterMin/Max). A
// degenerate window (min == max) behaves like a plain periodic timer,
// which is how the Master uses it for the heartbeat period.
type Jittered struct {
	mu      sync.Mutex
	timer   *time.Timer
	fn      func()
	min     time.Duration
	max     time.Duration
	stopped bool
}

// NewJittered creates a Jittered timer armed for a draw from [min, max] and
// calls fn on each firing until Stop.
func NewJittered(min, max time.Duration, fn func()) *Jittered {
	j := &Jittered{fn: fn, min: min, max: max}
	j.timer = time.AfterFunc(j.draw(), j.fire)
	return j
}

func (j *Jittered) fire() {
	j.mu.Lock()
	stopped := j.stopped
	j.mu.Unlock()
	if stopped {
		return
	}
	j.fn()

	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.stopped {
		j.timer.Reset(j.draw())
	}
}

// Reset rearms the timer for a fresh draw from its [min, max] window,
// discarding whatever was previously scheduled.
func (j *Jittered) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return
	}
	if !j.timer.Stop() {
		select {
		case <-j.timer.C:
		default:
		}
	}
	j.timer.Reset(j.draw())
}

// Stop permanently disarms the timer; it cannot be restarted.
func (j *Jittered) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopped {
		return
	}
	j.stopped = true
	j.timer.Stop()
}

func (j *Jittered) draw() time.Duration {
	if j.max <= j.min {
		return j.min
	}
	spread := int64(j.max - j.min)
	return j.min + time.Duration(rand.Int63n(spread+1))
}
