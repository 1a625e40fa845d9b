package inventory

import (
	"context"
	"strings"
	"sync"
)

// Writeback operation states.
const (
	OpPending   = "pending"
	OpRunning   = "running"
	OpSucceeded = "succeeded"
	OpFailed    = "failed"
)

// OperationStatus tracks one queued writeback from enqueue to outcome.
type OperationStatus struct {
	OpID          string   `json:"opId"`
	UniqueID      int      `json:"uniqueId"`
	SourceFile    string   `json:"sourceFile"`
	Fields        []string `json:"fields"`
	Status        string   `json:"status"`
	AttemptCount  int      `json:"attemptCount"`
	LastError     *string  `json:"lastError,omitempty"`
	Message       string   `json:"message,omitempty"`
	CorrelationID string   `json:"correlationId,omitempty"`
	EnqueuedAt    string   `json:"enqueuedAt"`
	FinishedAt    *string  `json:"finishedAt,omitempty"`
}

// WritebackResult is the completion notice a caller may wait on.
type WritebackResult struct {
	OpID    string `json:"opId"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func (s OperationStatus) done() bool {
	return s.Status == OpSucceeded || s.Status == OpFailed
}

func (s OperationStatus) clone() OperationStatus {
	s.Fields = append([]string(nil), s.Fields...)
	if s.LastError != nil {
		v := *s.LastError
		s.LastError = &v
	}
	if s.FinishedAt != nil {
		v := *s.FinishedAt
		s.FinishedAt = &v
	}
	return s
}

type opLedger struct {
	mu      sync.Mutex
	max     int
	ops     map[string]OperationStatus
	order   []string
	waiters map[string]chan struct{}
}

func newOpLedger(max int) *opLedger {
	return &opLedger{
		max:     max,
		ops:     map[string]OperationStatus{},
		waiters: map[string]chan struct{}{},
	}
}

func (l *opLedger) put(op OperationStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ops[op.OpID]; !ok {
		l.order = append(l.order, op.OpID)
		l.waiters[op.OpID] = make(chan struct{})
	}
	l.ops[op.OpID] = op
	l.trimLocked()
}

func (l *opLedger) update(opID string, fn func(*OperationStatus)) (OperationStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[opID]
	if !ok {
		return OperationStatus{}, false
	}
	wasDone := op.done()
	fn(&op)
	l.ops[opID] = op
	if !wasDone && op.done() {
		if ch, ok := l.waiters[opID]; ok {
			close(ch)
		}
	}
	return op.clone(), true
}

func (l *opLedger) get(opID string) (OperationStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	op, ok := l.ops[opID]
	if !ok {
		return OperationStatus{}, false
	}
	return op.clone(), true
}

// list returns operations newest first, optionally filtered by status.
func (l *opLedger) list(status string, limit int) []OperationStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]OperationStatus, 0)
	for i := len(l.order) - 1; i >= 0; i-- {
		op := l.ops[l.order[i]]
		if status != "" && op.Status != status {
			continue
		}
		out = append(out, op.clone())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (l *opLedger) waiter(opID string) (chan struct{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.waiters[opID]
	return ch, ok
}

// trimLocked drops the oldest finished operations once the ledger is full.
// Pending and running operations are never dropped.
func (l *opLedger) trimLocked() {
	if l.max <= 0 || len(l.order) <= l.max {
		return
	}
	excess := len(l.order) - l.max
	kept := l.order[:0]
	for _, id := range l.order {
		if excess > 0 && l.ops[id].done() {
			delete(l.ops, id)
			delete(l.waiters, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	l.order = kept
}

// Operation returns the ledger entry of a writeback.
func (m *Manager) Operation(opID string) (OperationStatus, error) {
	op, ok := m.ledger.get(opID)
	if !ok {
		return OperationStatus{}, ErrNotFound
	}
	return op, nil
}

// Operations lists writebacks newest first. An empty status lists all.
func (m *Manager) Operations(status string, limit int) []OperationStatus {
	return m.ledger.list(status, limit)
}

// Wait blocks until the writeback finishes or ctx ends.
func (m *Manager) Wait(ctx context.Context, opID string) (WritebackResult, error) {
	ch, ok := m.ledger.waiter(opID)
	if !ok {
		return WritebackResult{}, ErrNotFound
	}
	select {
	case <-ctx.Done():
		return WritebackResult{}, ctx.Err()
	case <-ch:
	}
	op, ok := m.ledger.get(opID)
	if !ok {
		return WritebackResult{}, ErrNotFound
	}
	return WritebackResult{OpID: opID, OK: op.Status == OpSucceeded, Message: op.Message}, nil
}

type correlationKey struct{}

// WithCorrelationID tags ctx so writebacks queued under it carry id on their
// operation record.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, strings.TrimSpace(id))
}

// CorrelationID returns the id set by WithCorrelationID, or "".
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}
