// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package redisq implements the durable, multi-worker Queue driver on
// top of Redis: a sorted set per topic for delayed delivery (score is
// the Unix-nanosecond NotBefore) and a list per topic for the ready
// queue and its DLQ companion, so delivery survives a process restart.
package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nofx/runloop/internal/core/queue"
)

// Queue is the Redis-backed Queue driver.
type Queue struct {
	client  *redis.Client
	prefix  string
	policy  queue.RetryPolicy
	metrics *queue.Metrics
}

// Config configures the Redis driver.
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key this driver touches, so several
	// environments can share one Redis instance.
	Prefix string
}

// New dials Redis at cfg.Addr and returns a ready Queue. metrics may
// be nil to disable metric recording.
func New(cfg Config, policy queue.RetryPolicy, metrics *queue.Metrics) *Queue {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "runloop"
	}
	return &Queue{
		client:  redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}),
		prefix:  prefix,
		policy:  policy,
		metrics: metrics,
	}
}

func (q *Queue) readyKey(topic string) string   { return fmt.Sprintf("%s:queue:%s:ready", q.prefix, topic) }
func (q *Queue) delayedKey(topic string) string { return fmt.Sprintf("%s:queue:%s:delayed", q.prefix, topic) }
func (q *Queue) dlqKey(topic string) string     { return fmt.Sprintf("%s:queue:%s:dlq", q.prefix, topic) }

func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("redisq: marshal job: %w", err)
	}
	if job.NotBefore.After(time.Now().UTC()) {
		err = q.client.ZAdd(ctx, q.delayedKey(job.Topic), redis.Z{
			Score:  float64(job.NotBefore.UnixNano()),
			Member: data,
		}).Err()
	} else {
		err = q.client.RPush(ctx, q.readyKey(job.Topic), data).Err()
	}
	if err != nil {
		return err
	}
	q.metrics.ObserveEnqueue(job.Topic)
	q.observeDepth(ctx, job.Topic)
	return nil
}

func (q *Queue) observeDepth(ctx context.Context, topic string) {
	if q.metrics == nil {
		return
	}
	counts, err := q.GetCounts(ctx, topic)
	if err != nil {
		return
	}
	var oldest time.Time
	if raw, err := q.client.LIndex(ctx, q.readyKey(topic), 0).Result(); err == nil {
		var job queue.Job
		if json.Unmarshal([]byte(raw), &job) == nil {
			oldest = job.CreatedAt
		}
	}
	q.metrics.ObserveDepth(topic, counts, oldest)
}

// releaseDue moves delayed jobs whose NotBefore has arrived onto the
// ready list. It runs once per poll tick in Subscribe.
func (q *Queue) releaseDue(ctx context.Context, topic string) error {
	now := float64(time.Now().UTC().UnixNano())
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(topic), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return err
	}
	for _, m := range members {
		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.delayedKey(topic), m)
		pipe.RPush(ctx, q.readyKey(topic), m)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) Subscribe(ctx context.Context, topic string, handler queue.Handler) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := q.releaseDue(ctx, topic); err != nil {
				continue
			}
			q.drainOne(ctx, topic, handler)
		}
	}
}

// drainOne pops and processes jobs from topic's ready list until it is
// empty, using BLPOP with a short timeout to avoid a busy loop while
// still reacting quickly to new work.
func (q *Queue) drainOne(ctx context.Context, topic string, handler queue.Handler) {
	for {
		res, err := q.client.BLPop(ctx, 50*time.Millisecond, q.readyKey(topic)).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			return
		}
		if len(res) < 2 {
			continue
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			continue
		}

		job.Attempt++
		err = handler(ctx, job)
		if err == nil {
			q.metrics.ObserveSuccess(topic)
			q.observeDepth(ctx, topic)
			continue
		}

		if _, ok := err.(*queue.RetryableError); ok && !q.policy.Exhausted(job.Attempt) {
			job.NotBefore = time.Now().UTC().Add(q.policy.Delay(job.Attempt))
			data, merr := json.Marshal(job)
			if merr == nil {
				q.client.ZAdd(ctx, q.delayedKey(topic), redis.Z{Score: float64(job.NotBefore.UnixNano()), Member: data})
			}
			q.observeDepth(ctx, topic)
			continue
		}

		data, merr := json.Marshal(job)
		if merr == nil {
			q.client.RPush(ctx, q.dlqKey(topic), data)
		}
		q.metrics.ObserveFailure(topic)
		q.observeDepth(ctx, topic)
	}
}

func (q *Queue) GetCounts(ctx context.Context, topic string) (queue.Counts, error) {
	ready, err := q.client.LLen(ctx, q.readyKey(topic)).Result()
	if err != nil {
		return queue.Counts{}, err
	}
	delayed, err := q.client.ZCard(ctx, q.delayedKey(topic)).Result()
	if err != nil {
		return queue.Counts{}, err
	}
	dlq, err := q.client.LLen(ctx, q.dlqKey(topic)).Result()
	if err != nil {
		return queue.Counts{}, err
	}
	return queue.Counts{Ready: int(ready), Delayed: int(delayed), DLQ: int(dlq)}, nil
}

func (q *Queue) ListDLQ(ctx context.Context, topic string, limit int) ([]queue.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.client.LRange(ctx, q.dlqKey(topic), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]queue.Job, 0, len(raw))
	for _, r := range raw {
		var j queue.Job
		if err := json.Unmarshal([]byte(r), &j); err == nil {
			jobs = append(jobs, j)
		}
	}
	return jobs, nil
}

func (q *Queue) RehydrateDLQ(ctx context.Context, topic string, limit int) (int, error) {
	moved := 0
	unlimited := limit <= 0
	for unlimited || moved < limit {
		res, err := q.client.LPop(ctx, q.dlqKey(topic)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, err
		}
		var job queue.Job
		if err := json.Unmarshal([]byte(res), &job); err != nil {
			continue
		}
		job.Attempt = 0
		data, err := json.Marshal(job)
		if err != nil {
			continue
		}
		if err := q.client.RPush(ctx, q.readyKey(topic), data).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

func (q *Queue) Close() error { return q.client.Close() }

var _ queue.Queue = (*Queue)(nil)
