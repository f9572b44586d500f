package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"sequence-engine/internal/config"
)

// StepQueue coordinates ready, in-flight, and retry-scheduled step jobs in
// Redis. A job's meta hash doubles as its deduplication marker: it exists
// from enqueue until ack or dead-letter, so re-enqueuing the same key while
// the job is anywhere in the pipeline is a no-op.
type StepQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	dlqKey        string
	visibilityTTL time.Duration
}

// LeasedJob is a job popped from the ready queue under a visibility lease.
type LeasedJob struct {
	Key      string
	Payload  []byte
	Attempts int
}

// NewStepQueue builds a queue client from config.
func NewStepQueue(cfg config.Config) *StepQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &StepQueue{
		client:        client,
		readyKey:      "seq:ready",
		inflightKey:   "seq:inflight",
		scheduledKey:  "seq:scheduled",
		jobMetaPrefix: "seq:job:",
		dlqKey:        "seq:dlq",
		visibilityTTL: visibility,
	}
}

func (q *StepQueue) metaKey(jobKey string) string {
	return q.jobMetaPrefix + jobKey
}

// Enqueue submits a job under its deterministic key. It returns false when
// the key is already in the pipeline, which callers treat as success.
func (q *StepQueue) Enqueue(ctx context.Context, jobKey string, payload []byte) (bool, error) {
	res, err := enqueueScript.Run(ctx, q.client,
		[]string{q.metaKey(jobKey), q.readyKey},
		jobKey, payload,
	).Result()
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", jobKey, err)
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected type from enqueue script: %T", res)
	}
	return n == 1, nil
}

// DequeueWithLease pops a job from the ready queue and places it into
// inflight with a visibility timeout. A nil job means the queue is empty.
func (q *StepQueue) DequeueWithLease(ctx context.Context) (*LeasedJob, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey},
		time.Now().Add(q.visibilityTTL).UnixMilli(),
	).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	jobKey, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}

	vals, err := q.client.HMGet(ctx, q.metaKey(jobKey), "payload", "attempts").Result()
	if err != nil {
		return nil, fmt.Errorf("read job meta %s: %w", jobKey, err)
	}
	job := &LeasedJob{Key: jobKey}
	if s, ok := vals[0].(string); ok {
		job.Payload = []byte(s)
	}
	if s, ok := vals[1].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			job.Attempts = n
		}
	}
	return job, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *StepQueue) ExtendLease(ctx context.Context, jobKey string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobKey,
	}).Err()
}

// Ack removes a completed job and releases its dedup marker.
func (q *StepQueue) Ack(ctx context.Context, jobKey string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobKey)
	pipe.Del(ctx, q.metaKey(jobKey))
	_, err := pipe.Exec(ctx)
	return err
}

// RetryLater moves a failed in-flight job into the scheduled set with its
// new attempt count. The dedup marker stays, so the scheduler cannot
// double-submit the step while it waits out the backoff.
func (q *StepQueue) RetryLater(ctx context.Context, jobKey string, attempts int, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobKey), "attempts", attempts)
	pipe.ZRem(ctx, q.inflightKey, jobKey)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobKey})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due retry jobs back into the ready queue. It
// returns how many were promoted.
func (q *StepQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, k := range keys {
		pipe.ZRem(ctx, q.scheduledKey, k)
		pipe.RPush(ctx, q.readyKey, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *StepQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	keys, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, k := range keys {
		pipe.ZRem(ctx, q.inflightKey, k)
		pipe.RPush(ctx, q.readyKey, k)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return keys, nil
}

// DeadLetter moves a job to the DLQ and releases its dedup marker. Callers
// must stop the owning enrollment first or the next poll re-discovers the
// step.
func (q *StepQueue) DeadLetter(ctx context.Context, jobKey string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobKey)
	pipe.ZRem(ctx, q.scheduledKey, jobKey)
	pipe.Del(ctx, q.metaKey(jobKey))
	pipe.RPush(ctx, q.dlqKey, jobKey)
	_, err := pipe.Exec(ctx)
	return err
}

// DLQPeek reads the oldest dead-lettered job keys.
func (q *StepQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the length of the ready queue.
func (q *StepQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// enqueueScript creates the job meta hash and pushes the key onto the ready
// list only when the key is not already in the pipeline.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'attempts', 0)
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
