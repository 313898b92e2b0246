package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsTasks(t *testing.T) {
	p := NewPool(&Config{MaxWorkers: 2, QueueSize: 8, TaskTimeout: time.Second})
	p.Start()
	defer stop(p)

	var ran atomic.Int64
	for i := 0; i < 5; i++ {
		if err := p.Submit(func() error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	waitFor(t, func() bool { return ran.Load() == 5 })
	waitFor(t, func() bool { return p.GetMetrics()["completed_tasks"] == 5 })
}

func TestPoolQueueFull(t *testing.T) {
	p := NewPool(&Config{MaxWorkers: 1, QueueSize: 1, TaskTimeout: time.Second})
	// Not started: nothing drains the queue.
	if err := p.Submit(func() error { return nil }); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := p.Submit(func() error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Errorf("second submit = %v, want ErrQueueFull", err)
	}
}

func TestPoolCountsFailures(t *testing.T) {
	p := NewPool(&Config{MaxWorkers: 1, QueueSize: 4, TaskTimeout: time.Second})
	p.Start()
	defer stop(p)

	if err := p.Submit(func() error { return errors.New("task failed") }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, func() bool { return p.GetMetrics()["failed_tasks"] == 1 })
}

func TestConfigValidate(t *testing.T) {
	if err := (&Config{MaxWorkers: 0, QueueSize: 1}).Validate(); err == nil {
		t.Error("zero workers should fail validation")
	}
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func stop(p *Pool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p.Stop(ctx)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never met")
}
