package cron

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestService_AddJob(t *testing.T) {
	s := NewService(nil)

	if err := s.AddJob("sweep", "0 */5 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddJob error: %v", err)
	}
	if err := s.AddJob("every", "@every 30s", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("AddJob descriptor error: %v", err)
	}
	if err := s.AddJob("sweep", "* * * * * *", nil); !errors.Is(err, ErrJobExists) {
		t.Errorf("duplicate AddJob = %v, want ErrJobExists", err)
	}
	if err := s.AddJob("bad", "not a schedule", nil); err == nil {
		t.Error("expected parse error")
	}
	// Five-field expressions are rejected; seconds are required.
	if err := s.AddJob("five", "*/5 * * * *", nil); err == nil {
		t.Error("expected error for five-field expression")
	}

	jobs := s.ListJobs()
	if len(jobs) != 2 || jobs[0].Name != "sweep" || jobs[1].Name != "every" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if !jobs[0].Enabled || jobs[0].Schedule != "0 */5 * * * *" {
		t.Errorf("jobs[0] = %+v", jobs[0])
	}
}

func TestService_RunNowRecordsState(t *testing.T) {
	s := NewService(nil)
	fail := errors.New("smtp down")
	var calls int
	_ = s.AddJob("job", "0 0 * * * *", func(context.Context) error {
		calls++
		if calls == 1 {
			return fail
		}
		return nil
	})

	if err := s.RunNow(context.Background(), "job"); !errors.Is(err, fail) {
		t.Fatalf("RunNow = %v, want %v", err, fail)
	}
	st := s.ListJobs()[0].State
	if st.Runs != 1 || st.LastStatus != "error" || st.LastError != "smtp down" || st.LastRunAt.IsZero() {
		t.Errorf("state after failure = %+v", st)
	}

	if err := s.RunNow(context.Background(), "job"); err != nil {
		t.Fatalf("RunNow error: %v", err)
	}
	st = s.ListJobs()[0].State
	if st.Runs != 2 || st.LastStatus != "ok" || st.LastError != "" {
		t.Errorf("state after success = %+v", st)
	}

	if err := s.RunNow(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("RunNow(missing) = %v", err)
	}
}

func TestService_RunNowWhileRunning(t *testing.T) {
	s := NewService(nil)
	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.AddJob("slow", "0 0 * * * *", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.RunNow(context.Background(), "slow") }()
	<-started

	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, ErrJobRunning) {
		t.Errorf("overlapping RunNow = %v, want ErrJobRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first run error: %v", err)
	}
	if st := s.ListJobs()[0].State; st.Runs != 1 || st.Skipped != 1 {
		t.Errorf("state = %+v", st)
	}
}

func TestService_ScheduledRuns(t *testing.T) {
	s := NewService(nil)
	var runs atomic.Int32
	_ = s.AddJob("tick", "* * * * * *", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	s.Stop()

	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	if runs.Load() != after {
		t.Error("job ran after Stop")
	}
}

func TestService_NoOverlap(t *testing.T) {
	s := NewService(nil)
	var active, maxActive, runs atomic.Int32
	_ = s.AddJob("long", "* * * * * *", func(ctx context.Context) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		runs.Add(1)
		select {
		case <-time.After(2500 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	time.Sleep(3500 * time.Millisecond)
	s.Stop()

	if got := maxActive.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
	if st := s.ListJobs()[0].State; st.Skipped == 0 {
		t.Errorf("expected skipped ticks, state = %+v", st)
	}
}

func TestService_ContextCancelStops(t *testing.T) {
	s := NewService(nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		stopped := s.cancel == nil
		s.mu.Unlock()
		if stopped {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("service did not stop after context cancel")
}

func TestService_EnableAndRemove(t *testing.T) {
	s := NewService(nil)
	_ = s.AddJob("a", "0 0 * * * *", func(context.Context) error { return nil })

	if err := s.EnableJob("a", false); err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if j := s.ListJobs()[0]; j.Enabled || !j.Next.IsZero() {
		t.Errorf("disabled job = %+v", j)
	}
	if err := s.EnableJob("a", true); err != nil {
		t.Fatalf("EnableJob error: %v", err)
	}
	if !s.ListJobs()[0].Enabled {
		t.Error("job not re-enabled")
	}
	if err := s.EnableJob("zzz", true); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("EnableJob(zzz) = %v", err)
	}

	if !s.RemoveJob("a") {
		t.Error("RemoveJob returned false")
	}
	if s.RemoveJob("a") {
		t.Error("RemoveJob should return false for removed job")
	}
	if len(s.ListJobs()) != 0 {
		t.Error("job not removed")
	}
}
