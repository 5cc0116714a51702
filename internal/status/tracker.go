package status

import (
	"errors"
	gosync "sync"
	"time"

	"github.com/stacklok/misp-secops-forwarder/internal/config"
	pkgsync "github.com/stacklok/misp-secops-forwarder/internal/sync"
)

// Tracker collects status updates from the supervisor and the running loop.
// It is safe for concurrent use.
type Tracker struct {
	mu        gosync.RWMutex
	cycle     CycleStatus
	config    ConfigStatus
	loopState func() pkgsync.State
	now       func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		cycle: CycleStatus{Phase: CyclePhasePending},
		now:   time.Now,
	}
}

// SetLoop registers the state accessor of the running loop, nil when none runs
func (t *Tracker) SetLoop(state func() pkgsync.State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loopState = state
}

// RecordApplied records a newly active snapshot and clears any earlier rejection
func (t *Tracker) RecordApplied(cfg *config.Config) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config = ConfigStatus{
		Version:   cfg.Version,
		Hash:      cfg.Hash,
		AppliedAt: &now,
	}
}

// RecordRejection records a configuration change that was refused
func (t *Tracker) RecordRejection(err error) {
	r := &Rejection{At: t.now(), Message: err.Error()}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config.LastRejection = r
}

// ClearRejection drops the last rejection, once the snapshot in force is the one on disk again
func (t *Tracker) ClearRejection() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.config.LastRejection = nil
}

// RecordCycle records the outcome of one cycle
func (t *Tracker) RecordCycle(res *pkgsync.Result, cerr *pkgsync.Error) {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cycle.LastAttempt = &now
	if cerr != nil {
		t.cycle.Phase = CyclePhaseFailed
		if errors.Is(cerr, pkgsync.ErrInterrupted) {
			t.cycle.Phase = CyclePhaseInterrupted
		} else {
			t.cycle.ConsecutiveFailures++
		}
		t.cycle.CycleID = ""
		t.cycle.Message = cerr.Message
		t.cycle.FailedPhase = string(cerr.Phase)
		t.cycle.Delivered = cerr.Delivered
		return
	}

	ts := res.Cursor.LastTimestamp
	t.cycle = CycleStatus{
		Phase:       CyclePhaseComplete,
		CycleID:     res.CycleID,
		LastAttempt: &now,
		LastSuccess: &now,
		Fetched:     res.Fetched,
		Delivered:   res.Delivered,
		Skipped:     res.Skipped,
		Cursor:      &ts,
	}
	if res.Partial != nil {
		t.cycle.Message = res.Partial.Error()
	}
}

// Snapshot returns a copy of the current status
func (t *Tracker) Snapshot() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Status{
		Cycle:  t.cycle,
		Config: t.config,
	}
	if t.loopState != nil {
		s.LoopState = string(t.loopState())
	}
	if t.config.LastRejection != nil {
		r := *t.config.LastRejection
		s.Config.LastRejection = &r
	}
	return s
}
