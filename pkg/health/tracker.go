package health

import (
	"fmt"
	"sync"
	"time"

	"github.com/supporttools/net-probe/pkg/types"
)

// Counters aggregates iteration outcomes since start.
type Counters struct {
	Iterations          uint64 `json:"iterations"`
	Successes           uint64 `json:"successes"`
	Failures            uint64 `json:"failures"`
	EmptyResponses      uint64 `json:"emptyResponses"`
	ConsecutiveFailures uint64 `json:"consecutiveFailures"`
}

// Progress is a point-in-time view of the probe loop.
type Progress struct {
	Ready       bool
	LastUpdate  time.Time
	LastSuccess time.Time
	LastResult  *types.IterationResult
	Counters    Counters
}

// Tracker follows iteration results. It becomes ready after the first
// successful iteration and stays ready until reset with SetReady.
type Tracker struct {
	mu       sync.RWMutex
	progress Progress
	now      func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// Record folds result into the tracker.
func (t *Tracker) Record(result *types.IterationResult) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	p := &t.progress
	p.LastResult = result
	p.LastUpdate = t.now()
	p.Counters.Iterations++

	if !result.Succeeded() {
		p.Counters.Failures++
		p.Counters.ConsecutiveFailures++
		return nil
	}

	p.Counters.Successes++
	p.Counters.ConsecutiveFailures = 0
	if result.EmptyResponse() {
		p.Counters.EmptyResponses++
	}
	p.LastSuccess = result.FinishedAt
	p.Ready = true
	return nil
}

// SetReady overrides readiness.
func (t *Tracker) SetReady(ready bool) {
	t.mu.Lock()
	t.progress.Ready = ready
	t.mu.Unlock()
}

// Progress returns a copy of the current progress.
func (t *Tracker) Progress() Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.progress
}

// Stalled reports whether nothing was recorded for longer than after since
// since. A zero after never stalls.
func (t *Tracker) Stalled(since time.Time, after time.Duration) error {
	if after <= 0 {
		return nil
	}

	t.mu.RLock()
	last := t.progress.LastUpdate
	t.mu.RUnlock()

	if last.IsZero() {
		last = since
	}
	if idle := t.now().Sub(last); idle > after {
		return fmt.Errorf("no iteration reported for %v", idle.Round(time.Second))
	}
	return nil
}
