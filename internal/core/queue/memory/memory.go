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

// Package memory implements the single-process Queue driver: a FIFO
// ready list per topic, a min-heap of delayed jobs released as their
// NotBefore time arrives, and a bounded in-memory dead-letter list.
// It is grounded on the reference codebase's internal/daemon/queue
// priority-ordered slice queue, extended with delay scheduling, topic
// addressing and a DLQ.
package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nofx/runloop/internal/core/queue"
)

// delayedItem is one entry of a topic's delay heap.
type delayedItem struct {
	job   queue.Job
	index int
}

type delayHeap []*delayedItem

func (h delayHeap) Len() int            { return len(h) }
func (h delayHeap) Less(i, j int) bool  { return h[i].job.NotBefore.Before(h[j].job.NotBefore) }
func (h delayHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *delayHeap) Push(x interface{}) {
	item := x.(*delayedItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *delayHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// topicState holds one topic's ready list, delay heap and DLQ.
type topicState struct {
	mu      sync.Mutex
	ready   []queue.Job
	delayed delayHeap
	dlq     []queue.Job
	signal  chan struct{}
}

func newTopicState() *topicState {
	return &topicState{signal: make(chan struct{}, 1)}
}

func (t *topicState) notify() {
	select {
	case t.signal <- struct{}{}:
	default:
	}
}

// maxDLQSize bounds the in-memory DLQ so a runaway failure mode cannot
// grow the process unbounded; the durable Redis driver has no such
// bound since Redis lists are disk-backed.
const maxDLQSize = 10_000

// Queue is the in-memory Queue driver.
type Queue struct {
	mu      sync.Mutex
	topics  map[string]*topicState
	policy  queue.RetryPolicy
	metrics *queue.Metrics
	closed  bool
}

// New constructs an in-memory Queue using policy for redelivery
// backoff. Pass queue.DefaultRetryPolicy() for the §4.B defaults.
// metrics may be nil to disable metric recording (e.g. in unit tests
// that don't want to touch a Prometheus registry).
func New(policy queue.RetryPolicy, metrics *queue.Metrics) *Queue {
	return &Queue{
		topics:  make(map[string]*topicState),
		policy:  policy,
		metrics: metrics,
	}
}

func (q *Queue) topic(name string) *topicState {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.topics[name]
	if !ok {
		t = newTopicState()
		q.topics[name] = t
	}
	return t
}

func (q *Queue) Enqueue(ctx context.Context, job queue.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("queue: closed")
	}
	q.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	t := q.topic(job.Topic)
	t.mu.Lock()
	if job.NotBefore.After(time.Now().UTC()) {
		heap.Push(&t.delayed, &delayedItem{job: job})
	} else {
		t.ready = append(t.ready, job)
	}
	t.mu.Unlock()
	t.notify()

	q.metrics.ObserveEnqueue(job.Topic)
	q.observeDepth(job.Topic, t)
	return nil
}

func (q *Queue) observeDepth(topic string, t *topicState) {
	t.mu.Lock()
	counts := queue.Counts{Ready: len(t.ready), Delayed: t.delayed.Len(), DLQ: len(t.dlq)}
	var oldest time.Time
	if len(t.ready) > 0 {
		oldest = t.ready[0].CreatedAt
	} else if t.delayed.Len() > 0 {
		oldest = t.delayed[0].job.CreatedAt
	}
	t.mu.Unlock()
	q.metrics.ObserveDepth(topic, counts, oldest)
}

// releaseDue moves any delayed jobs whose NotBefore has arrived onto
// the ready list. Must be called with t.mu held.
func releaseDue(t *topicState) {
	now := time.Now().UTC()
	for t.delayed.Len() > 0 && !t.delayed[0].job.NotBefore.After(now) {
		item := heap.Pop(&t.delayed).(*delayedItem)
		t.ready = append(t.ready, item.job)
	}
}

func (q *Queue) Subscribe(ctx context.Context, topic string, handler queue.Handler) error {
	t := q.topic(topic)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.drain(ctx, topic, t, handler)
		case <-t.signal:
			q.drain(ctx, topic, t, handler)
		}
	}
}

func (q *Queue) drain(ctx context.Context, topic string, t *topicState, handler queue.Handler) {
	for {
		t.mu.Lock()
		releaseDue(t)
		if len(t.ready) == 0 {
			t.mu.Unlock()
			return
		}
		job := t.ready[0]
		t.ready = t.ready[1:]
		t.mu.Unlock()

		job.Attempt++
		err := handler(ctx, job)
		if err == nil {
			q.metrics.ObserveSuccess(topic)
			q.observeDepth(topic, t)
			continue
		}

		var retryable *queue.RetryableError
		if isRetryable(err, &retryable) && !q.policy.Exhausted(job.Attempt) {
			job.NotBefore = time.Now().UTC().Add(q.policy.Delay(job.Attempt))
			t.mu.Lock()
			heap.Push(&t.delayed, &delayedItem{job: job})
			t.mu.Unlock()
			t.notify()
			q.observeDepth(topic, t)
			continue
		}

		t.mu.Lock()
		t.dlq = append(t.dlq, job)
		if len(t.dlq) > maxDLQSize {
			t.dlq = t.dlq[len(t.dlq)-maxDLQSize:]
		}
		t.mu.Unlock()
		q.metrics.ObserveFailure(topic)
		q.observeDepth(topic, t)
	}
}

func isRetryable(err error, target **queue.RetryableError) bool {
	if re, ok := err.(*queue.RetryableError); ok {
		*target = re
		return true
	}
	return false
}

func (q *Queue) GetCounts(ctx context.Context, topic string) (queue.Counts, error) {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return queue.Counts{Ready: len(t.ready), Delayed: t.delayed.Len(), DLQ: len(t.dlq)}, nil
}

func (q *Queue) ListDLQ(ctx context.Context, topic string, limit int) ([]queue.Job, error) {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.dlq) {
		limit = len(t.dlq)
	}
	out := make([]queue.Job, limit)
	copy(out, t.dlq[:limit])
	return out, nil
}

func (q *Queue) RehydrateDLQ(ctx context.Context, topic string, limit int) (int, error) {
	t := q.topic(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.dlq) {
		limit = len(t.dlq)
	}
	moved := t.dlq[:limit]
	t.dlq = t.dlq[limit:]
	for _, j := range moved {
		j.Attempt = 0
		t.ready = append(t.ready, j)
	}
	if limit > 0 {
		t.notify()
	}
	return limit, nil
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

var _ queue.Queue = (*Queue)(nil)
