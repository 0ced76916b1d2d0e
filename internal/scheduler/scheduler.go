// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

// Package scheduler runs recurring jobs such as the expiry sweep. A job id
// can be scheduled at most once, which serializes sweep runs: overlapping
// sweeps would risk double-notification.
package scheduler

import (
	"sync"
	"time"

	"github.com/ccunniff/ssh-key-enforcer-stash/internal/logging"
)

// Job is executed on each tick and reports when to run next and whether to
// keep running.
type Job func() (nextRunIn time.Duration, reschedule bool)

// Scheduler schedules and cancels named recurring jobs.
type Scheduler struct {
	mu sync.Mutex
	// jobs holds cancellation channels indexed by job id.
	jobs map[string]chan struct{}
}

// New creates an empty Scheduler.
func New() *Scheduler {
	return &Scheduler{jobs: make(map[string]chan struct{})}
}

// Schedule runs job every `in` until it asks to stop or is cancelled. If a
// job with the same id is already scheduled this is a no-op.
func (s *Scheduler) Schedule(in time.Duration, id string, job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; ok {
		logging.Debugf("job %s is already scheduled, ignoring", id)
		return
	}

	cancel := make(chan struct{})
	s.jobs[id] = cancel
	ticker := time.NewTicker(in)
	logging.Debugf("scheduled job %s to run every %s", id, in)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case <-cancel:
					return
				default:
				}
				runIn, reschedule := job()
				if !reschedule {
					s.mu.Lock()
					delete(s.jobs, id)
					s.mu.Unlock()
					logging.Debugf("job %s is not scheduled to run again", id)
					return
				}
				if runIn != in {
					ticker.Reset(runIn)
					in = runIn
				}
			case <-cancel:
				logging.Debugf("job %s was cancelled, stopping timer", id)
				return
			}
		}
	}()
}

// Cancel stops the named jobs if they are scheduled.
func (s *Scheduler) Cancel(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if cancel, ok := s.jobs[id]; ok {
			delete(s.jobs, id)
			close(cancel)
			logging.Debugf("cancelled scheduled job %s", id)
		}
	}
}
