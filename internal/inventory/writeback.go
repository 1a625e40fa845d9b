package inventory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/stockroom/internal/backup"
	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/registry"
	"github.com/agentworkforce/stockroom/internal/sheet"
)

const opTimeLayout = time.RFC3339

// enqueueWriteback records a pending operation and hands the task to the
// queue. Callers hold opMu.
func (m *Manager) enqueueWriteback(row Row, patch map[string]any, correlationID string) (string, error) {
	if m.isClosing() {
		return "", ErrClosed
	}
	opID := "op_" + uuid.NewString()
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	task := WritebackTask{
		OpID:          opID,
		Row:           RowSnapshot{UniqueID: row.UniqueID, IMEI: row.IMEI, Model: row.Model, SourceFile: row.SourceFile},
		Patch:         clonePatch(patch),
		CorrelationID: correlationID,
		EnqueuedAt:    m.now().UTC().Format(opTimeLayout),
	}
	m.ledger.put(newOperation(task))
	if !m.queue.TryEnqueue(task) {
		// Bounded durable queues block instead of dropping the edit.
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if !m.queue.Enqueue(m.queueCtx, task) {
				m.finishOperation(task, false, "writeback queue closed", ErrClosed)
			}
		}()
	}
	m.logger.Debug().Str("opId", opID).Int("id", row.UniqueID).Str("source", row.SourceFile).Msg("writeback queued")
	return opID, nil
}

func newOperation(task WritebackTask) OperationStatus {
	fields := make([]string, 0, len(task.Patch))
	for field := range task.Patch {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return OperationStatus{
		OpID:          task.OpID,
		UniqueID:      task.Row.UniqueID,
		SourceFile:    task.Row.SourceFile,
		Fields:        fields,
		Status:        OpPending,
		CorrelationID: task.CorrelationID,
		EnqueuedAt:    task.EnqueuedAt,
	}
}

func (m *Manager) writebackWorker() {
	for {
		task, ok := m.queue.Dequeue(m.queueCtx)
		if !ok {
			return
		}
		// The task in flight is not tied to queueCtx so shutdown never leaves
		// a half-written workbook.
		m.runWriteback(context.Background(), task)
	}
}

func (m *Manager) runWriteback(ctx context.Context, task WritebackTask) {
	if _, ok := m.ledger.get(task.OpID); !ok {
		// Loaded from a durable queue written by an earlier process.
		m.ledger.put(newOperation(task))
	}
	m.ledger.update(task.OpID, func(op *OperationStatus) {
		op.Status = OpRunning
		op.AttemptCount++
	})
	row, err := m.processWriteback(ctx, task)
	if err != nil {
		m.finishOperation(task, false, writebackMessage(err), err)
		return
	}
	m.finishOperation(task, true, fmt.Sprintf("Updated %s row %d", filepath.Base(task.Row.SourceFile), row), nil)
}

func (m *Manager) finishOperation(task WritebackTask, ok bool, message string, cause error) {
	finished := m.now().UTC().Format(opTimeLayout)
	m.ledger.update(task.OpID, func(op *OperationStatus) {
		op.Message = message
		op.FinishedAt = &finished
		if ok {
			op.Status = OpSucceeded
			op.LastError = nil
			return
		}
		op.Status = OpFailed
		errText := message
		if cause != nil {
			errText = cause.Error()
		}
		op.LastError = &errText
	})
	status := OpFailed
	if ok {
		status = OpSucceeded
		m.sink.Log(ActionItemUpdate, fmt.Sprintf("ID %d: %s", task.Row.UniqueID, message))
		m.logger.Info().Str("opId", task.OpID).Int("id", task.Row.UniqueID).Msg(message)
	} else {
		m.sink.Log(ActionWritebackFailed, fmt.Sprintf("ID %d: %s", task.Row.UniqueID, message))
		m.logger.Warn().Err(cause).Str("opId", task.OpID).Int("id", task.Row.UniqueID).Str("source", task.Row.SourceFile).Msg("writeback failed")
	}
	m.publish(Event{Type: EventWriteback, ID: task.Row.UniqueID, OpID: task.OpID, Status: status, Message: message})
}

// processWriteback pushes one patch into the originating sheet row. It uses
// only the task's own snapshot and never reads the registry.
func (m *Manager) processWriteback(ctx context.Context, task WritebackTask) (int, error) {
	path, selector := mapping.SplitKey(task.Row.SourceFile)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: %s", sheet.ErrSourceMissing, path)
		}
		return 0, err
	}
	if m.backups != nil {
		if _, err := m.backups.Backup(path); err != nil {
			return 0, err
		}
	}
	entry, ok := m.mappings.Lookup(task.Row.SourceFile)
	if !ok || len(entry.Mapping) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrMappingMissing, task.Row.SourceFile)
	}
	if selector == "" {
		selector = entry.SheetName
	}
	cells := sheetCells(entry, task.Patch)
	if len(cells) == 0 {
		return 0, fmt.Errorf("%w: nothing to write", ErrInvalidInput)
	}
	loc := sheet.Locator{IMEI: task.Row.IMEI, Model: task.Row.Model}
	loc.IMEIColumn, _ = entry.ColumnFor(mapping.FieldIMEI)
	loc.ModelColumn, _ = entry.ColumnFor(mapping.FieldModel)
	return m.writer.Apply(ctx, path, selector, loc, cells)
}

// sheetCells translates canonical patch fields to the sheet's column titles.
// price_original lands in the mapped price column. Fields the mapping does
// not cover fall back to their default header; fields with neither are not
// written.
func sheetCells(entry mapping.Entry, patch map[string]any) []sheet.Cell {
	fields := make([]string, 0, len(patch))
	for field := range patch {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	cells := make([]sheet.Cell, 0, len(fields))
	seen := map[string]bool{}
	for _, field := range fields {
		target := field
		if field == registry.FieldPriceOriginal {
			target = mapping.FieldPrice
		}
		column, ok := entry.ColumnFor(target)
		if !ok {
			column, ok = sheet.DefaultHeader(field)
		}
		if !ok || seen[strings.ToLower(column)] {
			continue
		}
		seen[strings.ToLower(column)] = true
		cells = append(cells, sheet.Cell{Column: column, Value: patch[field]})
	}
	return cells
}

func writebackMessage(err error) string {
	switch {
	case errors.Is(err, sheet.ErrSourceMissing):
		return "Source file missing"
	case errors.Is(err, backup.ErrBackupFailed):
		return "Backup failed, sheet not modified"
	case errors.Is(err, ErrMappingMissing):
		return "Mapping required"
	case errors.Is(err, sheet.ErrFileBusy):
		return "File is open in another program. Close it and retry."
	case errors.Is(err, sheet.ErrRowNotFound):
		return "Row not found in sheet"
	default:
		return "Error: " + err.Error()
	}
}

func clonePatch(patch map[string]any) map[string]any {
	out := make(map[string]any, len(patch))
	for k, v := range patch {
		out[k] = v
	}
	return out
}
