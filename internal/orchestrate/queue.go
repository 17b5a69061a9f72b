package orchestrate

import (
	"context"
	"sync"

	"github.com/lumotrack/audience-engine/internal/metrics"
)

// Queue is a bounded FIFO of workspace compute requests with membership
// dedup: a workspace already waiting is not enqueued twice, and requests
// beyond capacity are dropped silently. Dropping is safe because the
// staleness scheduler re-enqueues any workspace that falls behind.
type Queue struct {
	mu      sync.Mutex
	members map[string]struct{}
	items   chan string
}

func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		members: make(map[string]struct{}),
		items:   make(chan string, capacity),
	}
}

// Enqueue adds a workspace to the queue. It returns false when the
// workspace is already queued or the queue is full; neither case blocks.
func (q *Queue) Enqueue(workspaceID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, queued := q.members[workspaceID]; queued {
		return false
	}
	select {
	case q.items <- workspaceID:
		q.members[workspaceID] = struct{}{}
		return true
	default:
		metrics.QueueDropped.Inc()
		return false
	}
}

// DequeueBatch blocks until at least one workspace is available, then
// returns up to max workspaces without further blocking.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]string, error) {
	if max < 1 {
		max = 1
	}

	var first string
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case first = <-q.items:
	}

	batch := []string{first}
	for len(batch) < max {
		select {
		case item := <-q.items:
			batch = append(batch, item)
		default:
			q.remove(batch)
			return batch, nil
		}
	}
	q.remove(batch)
	return batch, nil
}

func (q *Queue) remove(workspaceIDs []string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range workspaceIDs {
		delete(q.members, id)
	}
}

// Snapshot returns the queued workspaces in order without removing them.
// Callers must not race it against a concurrent DequeueBatch.
func (q *Queue) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshot := make([]string, 0, len(q.items))
	for {
		select {
		case item := <-q.items:
			snapshot = append(snapshot, item)
		default:
			for _, item := range snapshot {
				q.items <- item
			}
			return snapshot
		}
	}
}

// Restore re-enqueues a previously snapshotted queue in order, keeping the
// usual dedup and capacity semantics. It returns how many were accepted.
func (q *Queue) Restore(workspaceIDs []string) int {
	restored := 0
	for _, id := range workspaceIDs {
		if q.Enqueue(id) {
			restored++
		}
	}
	return restored
}

// Size returns how many workspaces are currently waiting.
func (q *Queue) Size() int {
	return len(q.items)
}

// Capacity returns the queue's fixed capacity.
func (q *Queue) Capacity() int {
	return cap(q.items)
}
