package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Adapter is the enqueue side of the queue contract. Implementations classify
// failures as TransientError or PermanentError.
type Adapter interface {
	Enqueue(ctx context.Context, job Job) (string, error)
}

// Consumer is the dequeue side used by the worker pool. A nil job with a nil
// error means the queue was idle for the poll window.
type Consumer interface {
	Dequeue(ctx context.Context) (*Job, error)
}

// RedisQueue is a list-backed queue: LPUSH to publish, BRPOP to consume.
type RedisQueue struct {
	rdb            *redis.Client
	key            string
	dequeueTimeout time.Duration
}

func NewRedisQueue(rdb *redis.Client, key string, dequeueTimeout time.Duration) *RedisQueue {
	if key == "" {
		key = "flowbox:jobs"
	}
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5 * time.Second
	}
	return &RedisQueue{rdb: rdb, key: key, dequeueTimeout: dequeueTimeout}
}

// Enqueue publishes the job envelope and returns its ID. An empty job type or
// an unmarshalable envelope is permanent; broker errors are transient.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.Type == "" {
		return "", &PermanentError{Err: errors.New("job type is empty")}
	}
	if job.AggregateID == "" {
		return "", &PermanentError{Err: errors.New("aggregate id is empty")}
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = IdempotencyKey(job.AggregateID, job.EventType)
	}
	job.EnqueuedAt = time.Now().UTC()

	raw, err := json.Marshal(job)
	if err != nil {
		return "", &PermanentError{Err: fmt.Errorf("marshal job envelope: %w", err)}
	}
	if err := q.rdb.LPush(ctx, q.key, raw).Err(); err != nil {
		return "", &TransientError{Err: err}
	}
	return job.ID, nil
}

// Dequeue blocks up to the configured timeout for one job.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	res, err := q.rdb.BRPop(ctx, q.dequeueTimeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientError{Err: err}
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, &TransientError{Err: fmt.Errorf("unexpected brpop reply of length %d", len(res))}
	}
	var job Job
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, &PermanentError{Err: fmt.Errorf("unmarshal job envelope: %w", err)}
	}
	return &job, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
