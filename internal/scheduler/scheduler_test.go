package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"sequence-engine/internal/config"
	"sequence-engine/internal/models"
	"sequence-engine/internal/queue"
)

type fakeFinder struct {
	due   []models.DueStep
	err   error
	calls atomic.Int32
}

func (f *fakeFinder) DueSteps(_ context.Context, limit int) ([]models.DueStep, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func testQueue(t *testing.T) *queue.StepQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return queue.NewStepQueue(config.Config{RedisAddr: mr.Addr(), VisibilityTimeout: 30 * time.Second})
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Two polls inside one scheduling window discover the same due step; the
// job key collapses them into a single queued job.
func TestOverlappingPollsEnqueueOnce(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	finder := &fakeFinder{due: []models.DueStep{{
		EnrollmentID:   "e1",
		StepOrder:      1,
		StepType:       models.StepEmail,
		RecipientEmail: "lead@example.com",
		SequenceID:     "s1",
		TenantID:       "acme",
	}}}
	s := New(finder, q, time.Minute, 100, discard())

	s.pollOnce(ctx)
	s.pollOnce(ctx)

	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected exactly one queued job, got %d", depth)
	}
}

func TestPollEnqueuesEachDueStep(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	finder := &fakeFinder{due: []models.DueStep{
		{EnrollmentID: "e1", StepOrder: 1, StepType: models.StepEmail, SequenceID: "s1", TenantID: "acme"},
		{EnrollmentID: "e2", StepOrder: 3, StepType: models.StepTask, SequenceID: "s1", TenantID: "acme"},
	}}
	s := New(finder, q, time.Minute, 100, discard())

	s.pollOnce(ctx)

	depth, _ := q.ReadyDepth(ctx)
	if depth != 2 {
		t.Fatalf("expected 2 queued jobs, got %d", depth)
	}
}

func TestFinderFailureDoesNotPanic(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	finder := &fakeFinder{err: errors.New("store unreachable")}
	s := New(finder, q, time.Minute, 100, discard())

	s.pollOnce(ctx)

	depth, _ := q.ReadyDepth(ctx)
	if depth != 0 {
		t.Fatalf("expected empty queue after failed poll, got depth %d", depth)
	}
}

// Run polls immediately at startup, before the first tick.
func TestRunPollsImmediately(t *testing.T) {
	q := testQueue(t)
	finder := &fakeFinder{}
	s := New(finder, q, time.Hour, 100, discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for finder.calls.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("scheduler never polled")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
