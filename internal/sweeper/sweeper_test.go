package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"commandcenter/internal/engine"
)

type countingTarget struct {
	calls atomic.Int32
	fail  bool
	block chan struct{}
}

func (c *countingTarget) Sweep(ctx context.Context) (engine.SweepResult, error) {
	n := c.calls.Add(1)
	if c.block != nil {
		<-c.block
	}
	if c.fail {
		return engine.SweepResult{}, errors.New("db locked")
	}
	return engine.SweepResult{Expired: int64(n)}, nil
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	target := &countingTarget{}
	s := New(target, 5*time.Millisecond, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for target.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected repeated sweeps, got %d", target.calls.Load())
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop after cancel")
	}
	if s.Last().Expired == 0 {
		t.Fatalf("last result not recorded")
	}
}

func TestRunKeepsGoingAfterErrors(t *testing.T) {
	target := &countingTarget{fail: true}
	s := New(target, 5*time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)
	if target.calls.Load() < 2 {
		t.Fatalf("sweeper stopped after an error: %d calls", target.calls.Load())
	}
}

func TestRunOnceDoesNotOverlap(t *testing.T) {
	target := &countingTarget{block: make(chan struct{})}
	s := New(target, time.Hour, nil)
	first := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		first <- err
	}()
	for target.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	res, err := s.RunOnce(context.Background())
	if err != nil || res.Expired != 0 {
		t.Fatalf("overlapping sweep should be skipped: %+v %v", res, err)
	}
	close(target.block)
	if err := <-first; err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if target.calls.Load() != 1 {
		t.Fatalf("expected a single sweep, got %d", target.calls.Load())
	}
}
