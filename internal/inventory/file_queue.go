package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/stockroom/internal/safewrite"
)

const defaultDurableQueueCapacity = 1024

// fileWritebackQueue keeps pending tasks in a JSON file so they survive a
// restart. Every enqueue and dequeue rewrites the file atomically.
type fileWritebackQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []WritebackTask
}

type fileWritebackQueueState struct {
	Items []WritebackTask `json:"items"`
}

func NewFileWritebackQueue(path string, capacity int) (WritebackQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = defaultDurableQueueCapacity
	}
	q := &fileWritebackQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []WritebackTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileWritebackQueue) TryEnqueue(task WritebackTask) bool {
	if strings.TrimSpace(task.OpID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileWritebackQueue) Enqueue(ctx context.Context, task WritebackTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileWritebackQueue) Dequeue(ctx context.Context) (WritebackTask, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]WritebackTask{task}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return WritebackTask{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return task, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return WritebackTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileWritebackQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileWritebackQueue) Capacity() int {
	return q.capacity
}

func (q *fileWritebackQueue) SnapshotWritebacks() []WritebackTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]WritebackTask(nil), q.items...)
}

func (q *fileWritebackQueue) Close() error {
	return nil
}

func (q *fileWritebackQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileWritebackQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]WritebackTask(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]WritebackTask(nil), snapshot.Items...)
	return nil
}

func (q *fileWritebackQueue) saveLocked() error {
	return safewrite.WriteJSON(q.path, fileWritebackQueueState{
		Items: append([]WritebackTask{}, q.items...),
	})
}
