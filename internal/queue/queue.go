// Package queue implements durable Redis-list job queues with a
// fixed-size worker pool. Delivery is at-least-once with no ordering
// guarantee across jobs; failed jobs land on a <queue>:failed list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/link-scanner/internal/logging"
	"github.com/link-scanner/internal/metrics"
	"github.com/link-scanner/internal/storage"
)

// Envelope wraps every queued payload with identity and timing.
type Envelope struct {
	ID         string          `json:"id"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into dest.
func (e *Envelope) Decode(dest interface{}) error {
	return json.Unmarshal(e.Payload, dest)
}

// Handler processes one dequeued job. A returned error sends the raw
// envelope to the failed list.
type Handler func(ctx context.Context, env *Envelope) error

// Queue is one named Redis-list queue.
type Queue struct {
	redis    *storage.RedisCache
	name     string
	registry *metrics.Registry

	activeMu sync.Mutex
	active   int
}

// New creates a queue handle over Redis.
func New(redis *storage.RedisCache, name string, registry *metrics.Registry) *Queue {
	return &Queue{redis: redis, name: name, registry: registry}
}

// Name returns the queue's Redis list key.
func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) failedName() string {
	return q.name + ":failed"
}

// Enqueue pushes a payload and returns the generated job id.
func (q *Queue) Enqueue(ctx context.Context, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	env := Envelope{
		ID:         uuid.NewString(),
		EnqueuedAt: time.Now().UTC(),
		Payload:    raw,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if err := q.redis.Client().LPush(ctx, q.name, data).Err(); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}
	return env.ID, nil
}

// Depth returns the number of waiting jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.redis.Client().LLen(ctx, q.name).Result()
}

// FailedDepth returns the number of jobs on the failed list.
func (q *Queue) FailedDepth(ctx context.Context) (int64, error) {
	return q.redis.Client().LLen(ctx, q.failedName()).Result()
}

// RefreshGauges updates the depth/active/failed gauges for this queue.
// Called after every processed job regardless of outcome.
func (q *Queue) RefreshGauges(ctx context.Context) {
	if q.registry == nil {
		return
	}
	labels := metrics.Labels{"queue": q.name}

	if depth, err := q.Depth(ctx); err == nil {
		q.registry.SetGauge(metrics.QueueDepth, labels, float64(depth))
	}
	if failed, err := q.FailedDepth(ctx); err == nil {
		q.registry.SetGauge(metrics.QueueFailed, labels, float64(failed))
	}

	q.activeMu.Lock()
	active := q.active
	q.activeMu.Unlock()
	q.registry.SetGauge(metrics.QueueActive, labels, float64(active))
}

func (q *Queue) addActive(delta int) {
	q.activeMu.Lock()
	q.active += delta
	q.activeMu.Unlock()
}

// Run consumes jobs until the context is cancelled. At most concurrency
// jobs are in flight at once; BRPOP blocks up to pollTimeout per poll so
// cancellation is observed promptly.
func (q *Queue) Run(ctx context.Context, concurrency int, pollTimeout time.Duration, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	logger := logging.WithFields(map[string]interface{}{
		"queue":       q.name,
		"concurrency": concurrency,
	})
	logger.Info("Queue worker pool started")

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Info("Queue worker pool stopped")
			return ctx.Err()
		case sem <- struct{}{}:
		}

		res, err := q.redis.Client().BRPop(ctx, pollTimeout, q.name).Result()
		if err != nil {
			<-sem
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				wg.Wait()
				logger.Info("Queue worker pool stopped")
				return ctx.Err()
			}
			logger.WithError(err).Warn("Queue poll failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				wg.Wait()
				return ctx.Err()
			}
			continue
		}

		// BRPOP returns [key, value]
		raw := res[1]
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			q.process(ctx, raw, handler)
		}()
	}
}

func (q *Queue) process(ctx context.Context, raw string, handler Handler) {
	q.addActive(1)
	start := time.Now()
	defer func() {
		q.addActive(-1)
		if q.registry != nil {
			q.registry.Observe(metrics.QueueProcessingSeconds,
				metrics.Labels{"queue": q.name}, time.Since(start).Seconds())
		}
		q.RefreshGauges(ctx)
	}()

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		logging.WithFields(map[string]interface{}{
			"queue": q.name,
			"error": err.Error(),
		}).Error("Dropping undecodable job")
		q.countFailure()
		return
	}

	logger := logging.WithFields(map[string]interface{}{
		"queue": q.name,
		"jobId": env.ID,
	})

	if err := handler(ctx, &env); err != nil {
		logger.WithError(err).Error("Job failed, moving to failed list")
		q.countFailure()
		if pushErr := q.redis.Client().LPush(ctx, q.failedName(), raw).Err(); pushErr != nil {
			logger.WithError(pushErr).Error("Failed to record job on failed list")
		}
		return
	}

	if q.registry != nil {
		q.registry.IncCounter(metrics.QueueCompletedTotal, metrics.Labels{"queue": q.name})
	}
}

func (q *Queue) countFailure() {
	if q.registry != nil {
		q.registry.IncCounter(metrics.QueueFailuresTotal, metrics.Labels{"queue": q.name})
	}
}
