package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"sequence-engine/internal/config"
)

func newTestQueue(t *testing.T) (*StepQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q := NewStepQueue(config.Config{
		RedisAddr:         mr.Addr(),
		VisibilityTimeout: 30 * time.Second,
	})
	return q, mr
}

func TestEnqueueDedup(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	enq, err := q.Enqueue(ctx, "enrollment:e1:step:1", []byte(`{"step_order":1}`))
	if err != nil || !enq {
		t.Fatalf("expected first enqueue to succeed, got enq=%v err=%v", enq, err)
	}

	enq, err = q.Enqueue(ctx, "enrollment:e1:step:1", []byte(`{"step_order":1}`))
	if err != nil {
		t.Fatalf("duplicate enqueue errored: %v", err)
	}
	if enq {
		t.Fatal("expected duplicate enqueue to be a no-op")
	}

	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected depth 1, got %d", depth)
	}
}

func TestDequeueAckReleasesKey(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, "enrollment:e1:step:1", []byte(`{"step_order":1}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	job, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if job == nil {
		t.Fatal("expected a leased job")
	}
	if job.Key != "enrollment:e1:step:1" {
		t.Fatalf("unexpected key %q", job.Key)
	}
	if string(job.Payload) != `{"step_order":1}` {
		t.Fatalf("unexpected payload %q", job.Payload)
	}
	if job.Attempts != 0 {
		t.Fatalf("expected 0 attempts, got %d", job.Attempts)
	}

	// The dedup marker holds while the job is in flight.
	if enq, _ := q.Enqueue(ctx, job.Key, job.Payload); enq {
		t.Fatal("expected enqueue during lease to dedup")
	}

	if err := q.Ack(ctx, job.Key); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if enq, _ := q.Enqueue(ctx, job.Key, job.Payload); !enq {
		t.Fatal("expected enqueue after ack to succeed")
	}
}

func TestDequeueEmpty(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	job, err := q.DequeueWithLease(ctx)
	if err != nil {
		t.Fatalf("dequeue on empty queue: %v", err)
	}
	if job != nil {
		t.Fatalf("expected nil job, got %+v", job)
	}
}

func TestRetryLaterAndPromote(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, "enrollment:e1:step:2", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, err := q.DequeueWithLease(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue: job=%v err=%v", job, err)
	}

	if err := q.RetryLater(ctx, job.Key, 1, time.Now().Add(-time.Second)); err != nil {
		t.Fatalf("retry later: %v", err)
	}
	// Still deduped while waiting out the backoff.
	if enq, _ := q.Enqueue(ctx, job.Key, []byte(`{}`)); enq {
		t.Fatal("expected enqueue during retry wait to dedup")
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 promoted, got %d", n)
	}

	job, err = q.DequeueWithLease(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue after promote: job=%v err=%v", job, err)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected attempts 1 after retry, got %d", job.Attempts)
	}
}

func TestPromoteSkipsFutureJobs(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, "enrollment:e1:step:3", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.DequeueWithLease(ctx)
	if err := q.RetryLater(ctx, job.Key, 1, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("retry later: %v", err)
	}

	n, err := q.PromoteScheduled(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected nothing promoted, got %d", n)
	}
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, "enrollment:e1:step:1", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.DequeueWithLease(ctx)
	if job == nil {
		t.Fatal("expected leased job")
	}

	// Lease deadline is 30s out; pretend the clock moved past it.
	reclaimed, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0] != job.Key {
		t.Fatalf("expected %q reclaimed, got %v", job.Key, reclaimed)
	}

	job, err = q.DequeueWithLease(ctx)
	if err != nil || job == nil {
		t.Fatalf("dequeue after reclaim: job=%v err=%v", job, err)
	}
}

func TestDeadLetterReleasesKey(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	if _, err := q.Enqueue(ctx, "enrollment:e1:step:1", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, _ := q.DequeueWithLease(ctx)

	if err := q.DeadLetter(ctx, job.Key); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	items, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(items) != 1 || items[0] != job.Key {
		t.Fatalf("expected dlq to contain %q, got %v", job.Key, items)
	}

	// The marker is released; it is the caller's job to have stopped the
	// enrollment first.
	if enq, _ := q.Enqueue(ctx, job.Key, []byte(`{}`)); !enq {
		t.Fatal("expected enqueue after dead-letter to succeed")
	}
}
