package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsJobOnSchedule(t *testing.T) {
	var calls int32
	s, err := New([]JobSpec{
		{Name: "rejoin", Schedule: "@every 10ms", Run: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		}},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("expected the job to run at least once")
	}

	job := s.Jobs()[0]
	result := job.LastResult()
	if result == nil || result.Status != "completed" {
		t.Fatalf("expected a completed result, got %+v", result)
	}
}

func TestScheduler_RecordsFailure(t *testing.T) {
	wantErr := errors.New("upstream unreachable")
	s, err := New([]JobSpec{
		{Name: "playlist-refresh", Schedule: "@every 10ms", Run: func(ctx context.Context) error {
			return wantErr
		}},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	job := s.Jobs()[0]
	deadline := time.Now().Add(2 * time.Second)
	for job.LastResult() == nil && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	result := job.LastResult()
	if result == nil || result.Status != "failed" || !errors.Is(result.Err, wantErr) {
		t.Fatalf("expected a failed result wrapping %v, got %+v", wantErr, result)
	}
}

func TestScheduler_SkipsOverlappingRun(t *testing.T) {
	release := make(chan struct{})
	var started, completed int32

	s, err := New([]JobSpec{
		{Name: "slow-rejoin", Schedule: "@every 10ms", Run: func(ctx context.Context) error {
			atomic.AddInt32(&started, 1)
			<-release
			atomic.AddInt32(&completed, 1)
			return nil
		}},
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop(context.Background())

	deadline := time.Now().Add(1 * time.Second)
	for atomic.LoadInt32(&started) == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	job := s.Jobs()[0]
	if !job.Running() {
		t.Fatal("expected the job to be marked running")
	}

	time.Sleep(50 * time.Millisecond) // allow several overlapping triggers to be skipped
	close(release)

	deadline = time.Now().Add(1 * time.Second)
	for atomic.LoadInt32(&completed) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&started) != 1 {
		t.Fatalf("expected the overlapping triggers to be skipped, got %d starts", atomic.LoadInt32(&started))
	}
}
