// Copyright (c) 2026 ccunniff
// SSH Key Enforcer - managed SSH key governance for Bitbucket Server
// This source code is licensed under the MIT license found in the LICENSE file.

package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduleRunsJobRepeatedly(t *testing.T) {
	s := New()
	var runs atomic.Int32
	done := make(chan struct{})

	s.Schedule(5*time.Millisecond, "sweep", func() (time.Duration, bool) {
		if runs.Add(1) == 3 {
			close(done)
			return 0, false
		}
		return 5 * time.Millisecond, true
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not reach three runs in time")
	}
}

func TestScheduleSameIDIsNoOp(t *testing.T) {
	s := New()
	var first, second atomic.Int32

	s.Schedule(5*time.Millisecond, "sweep", func() (time.Duration, bool) {
		first.Add(1)
		return 5 * time.Millisecond, true
	})
	s.Schedule(5*time.Millisecond, "sweep", func() (time.Duration, bool) {
		second.Add(1)
		return 5 * time.Millisecond, true
	})

	time.Sleep(50 * time.Millisecond)
	s.Cancel("sweep")

	if first.Load() == 0 {
		t.Fatal("original job never ran")
	}
	if second.Load() != 0 {
		t.Fatalf("duplicate id must not replace the running job, ran %d times", second.Load())
	}
}

func TestCancelStopsJob(t *testing.T) {
	s := New()
	var runs atomic.Int32

	s.Schedule(5*time.Millisecond, "sweep", func() (time.Duration, bool) {
		runs.Add(1)
		return 5 * time.Millisecond, true
	})

	time.Sleep(30 * time.Millisecond)
	s.Cancel("sweep")
	after := runs.Load()
	time.Sleep(50 * time.Millisecond)

	// One in-flight tick may still land right at cancellation.
	if runs.Load() > after+1 {
		t.Fatalf("job kept running after cancel: %d then %d", after, runs.Load())
	}

	// A cancelled id can be scheduled again.
	done := make(chan struct{})
	s.Schedule(5*time.Millisecond, "sweep", func() (time.Duration, bool) {
		close(done)
		return 0, false
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled job never ran")
	}
}
