package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsUntilStopped(t *testing.T) {
	s := New()
	var runs atomic.Int32
	if errAdd := s.Every("tick", time.Second, func(ctx context.Context) { runs.Add(1) }); errAdd != nil {
		t.Fatalf("every: %v", errAdd)
	}
	if _, ok := s.NextRun("tick"); ok {
		t.Fatalf("next run must be unknown before start")
	}
	s.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatalf("job never ran")
	}
	if next, ok := s.NextRun("tick"); !ok || next.IsZero() {
		t.Fatalf("expected next run, got %v %v", next, ok)
	}

	s.Stop()
	after := runs.Load()
	time.Sleep(1500 * time.Millisecond)
	if runs.Load() != after {
		t.Fatalf("job ran after stop")
	}
	s.Stop()
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New()
	started := make(chan struct{})
	var cancelled atomic.Bool
	if errAdd := s.Every("slow", time.Second, func(ctx context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		cancelled.Store(true)
	}); errAdd != nil {
		t.Fatalf("every: %v", errAdd)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("job never started")
	}
	cancel()

	deadline := time.Now().Add(5 * time.Second)
	for !cancelled.Load() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !cancelled.Load() {
		t.Fatalf("job context was not cancelled")
	}
}

func TestRegistrationErrors(t *testing.T) {
	s := New()
	if errAdd := s.Every("zero", 0, func(context.Context) {}); errAdd == nil {
		t.Fatalf("expected error for zero interval")
	}
	if errAdd := s.Cron("bad", "not a cron", func(context.Context) {}); errAdd == nil {
		t.Fatalf("expected error for invalid cron")
	}
	if errAdd := s.Every("nil", time.Second, nil); errAdd == nil {
		t.Fatalf("expected error for nil job")
	}
	if errAdd := s.Cron("nightly", "0 3 * * *", func(context.Context) {}); errAdd != nil {
		t.Fatalf("cron: %v", errAdd)
	}
}
