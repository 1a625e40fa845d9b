package inventory

import (
	"context"
	"sync"
)

// RowSnapshot is what a writeback needs to find the sheet row. Tasks carry it
// so the worker never reads the snapshot or the registry.
type RowSnapshot struct {
	UniqueID   int    `json:"uniqueId"`
	IMEI       string `json:"imei"`
	Model      string `json:"model"`
	SourceFile string `json:"sourceFile"`
}

// WritebackTask is one queued edit of a sheet row.
type WritebackTask struct {
	OpID          string         `json:"opId"`
	Row           RowSnapshot    `json:"row"`
	Patch         map[string]any `json:"patch"`
	CorrelationID string         `json:"correlationId,omitempty"`
	EnqueuedAt    string         `json:"enqueuedAt"`
}

type WritebackQueue interface {
	TryEnqueue(task WritebackTask) bool
	Enqueue(ctx context.Context, task WritebackTask) bool
	Dequeue(ctx context.Context) (WritebackTask, bool)
	Depth() int
	// Capacity is 0 for unbounded queues.
	Capacity() int
	Close() error
}

type writebackQueueSnapshotter interface {
	SnapshotWritebacks() []WritebackTask
}

type inMemoryWritebackQueue struct {
	mu     sync.Mutex
	items  []WritebackTask
	notify chan struct{}
}

// NewInMemoryWritebackQueue returns an unbounded FIFO.
func NewInMemoryWritebackQueue() WritebackQueue {
	return &inMemoryWritebackQueue{notify: make(chan struct{}, 1)}
}

func (q *inMemoryWritebackQueue) TryEnqueue(task WritebackTask) bool {
	if q == nil || task.OpID == "" {
		return false
	}
	q.mu.Lock()
	q.items = append(q.items, task)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *inMemoryWritebackQueue) Enqueue(ctx context.Context, task WritebackTask) bool {
	if ctx.Err() != nil {
		return false
	}
	return q.TryEnqueue(task)
}

func (q *inMemoryWritebackQueue) Dequeue(ctx context.Context) (WritebackTask, bool) {
	if q == nil {
		return WritebackTask{}, false
	}
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = WritebackTask{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return task, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return WritebackTask{}, false
		case <-q.notify:
		}
	}
}

func (q *inMemoryWritebackQueue) SnapshotWritebacks() []WritebackTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]WritebackTask(nil), q.items...)
}

func (q *inMemoryWritebackQueue) Depth() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *inMemoryWritebackQueue) Capacity() int {
	return 0
}

func (q *inMemoryWritebackQueue) Close() error {
	return nil
}
