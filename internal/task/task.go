// Package task tracks the progress of long running background work such as
// service registration and catalogue harvesting.
package task

import (
	"sync"
	"time"
)

// Phase names the stage a task is in.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseFetching  Phase = "fetching"
	PhaseParsing   Phase = "parsing"
	PhasePersist   Phase = "persisting"
	PhaseHarvest   Phase = "harvesting"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Progress is a concurrency safe progress record. The zero value is usable.
type Progress struct {
	mu      sync.Mutex
	phase   Phase
	done    int
	total   int
	message string
	err     error
	started time.Time
	ended   time.Time
}

// Start marks the task as running in the given phase.
func (p *Progress) Start(phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started.IsZero() {
		p.started = time.Now()
	}
	p.phase = phase
}

// Step advances the done counter by n.
func (p *Progress) Step(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.done += n
}

// SetTotal sets the expected unit count once it is known.
func (p *Progress) SetTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
}

// SetMessage replaces the human readable status line.
func (p *Progress) SetMessage(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.message = msg
}

// Finish marks the task done, failed or cancelled depending on err.
func (p *Progress) Finish(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = time.Now()
	p.err = err
	switch {
	case err == nil:
		p.phase = PhaseDone
	default:
		p.phase = PhaseFailed
	}
}

// Cancel marks the task cancelled.
func (p *Progress) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = time.Now()
	p.phase = PhaseCancelled
}

// State is a point-in-time copy of the progress.
type State struct {
	Phase    Phase
	Done     int
	Total    int
	Message  string
	Err      error
	Started  time.Time
	Ended    time.Time
	Duration time.Duration
}

// Snapshot returns a copy of the current state.
func (p *Progress) Snapshot() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	end := p.ended
	if end.IsZero() {
		end = time.Now()
	}
	dur := time.Duration(0)
	if !p.started.IsZero() {
		dur = end.Sub(p.started)
	}
	return State{
		Phase: p.phase, Done: p.done, Total: p.total,
		Message: p.message, Err: p.err,
		Started: p.started, Ended: p.ended, Duration: dur,
	}
}
