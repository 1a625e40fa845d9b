package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/agentworkforce/stockroom/internal/registry"
)

const soldDateLayout = "2006-01-02 15:04:05"

// editableFields are the canonical fields UpdateData accepts.
var editableFields = map[string]bool{
	registry.FieldStatus:        true,
	registry.FieldNotes:         true,
	registry.FieldColor:         true,
	registry.FieldGrade:         true,
	registry.FieldCondition:     true,
	registry.FieldPriceOriginal: true,
	registry.FieldBuyer:         true,
	registry.FieldBuyerContact:  true,
}

// UpdateResult reports which item was changed. RedirectedFrom is set when the
// requested ID had been merged into another one. OpID is empty when no
// writeback was queued.
type UpdateResult struct {
	ID             int    `json:"id"`
	RedirectedFrom *int   `json:"redirectedFrom,omitempty"`
	OpID           string `json:"opId,omitempty"`
}

// UpdateStatus records a new status in the registry and the snapshot, and
// optionally queues the same change for the sheet.
func (m *Manager) UpdateStatus(ctx context.Context, id int, status string, writeToSheet bool) (UpdateResult, error) {
	parsed, err := ParseStatus(status)
	if err != nil {
		return UpdateResult{}, err
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}

	result, row, err := m.resolveTarget(id)
	if err != nil {
		return result, err
	}
	patch := map[string]any{registry.FieldStatus: string(parsed)}
	if parsed == StatusOut {
		patch[registry.FieldSoldDate] = m.now().Format(soldDateLayout)
	}
	details := fmt.Sprintf("%s -> %s", row.Status, parsed)
	if err := m.registry.Annotate(result.ID, patch, ActionStatusChange, details); err != nil {
		return result, err
	}
	updated := m.applyToSnapshot(result.ID, patch)
	m.sink.Log(ActionStatusChange, fmt.Sprintf("ID %d: %s", result.ID, details))
	m.publish(Event{Type: EventUpdate, ID: result.ID, Message: details})

	if writeToSheet {
		opID, err := m.enqueueWriteback(updated, map[string]any{registry.FieldStatus: string(parsed)}, CorrelationID(ctx))
		if err != nil {
			return result, err
		}
		result.OpID = opID
	}
	return result, nil
}

// UpdateData applies a patch of editable fields and always queues it for the
// sheet. Unknown fields reject the whole patch.
func (m *Manager) UpdateData(ctx context.Context, id int, patch map[string]any) (UpdateResult, error) {
	if len(patch) == 0 {
		return UpdateResult{}, fmt.Errorf("%w: empty patch", ErrInvalidInput)
	}
	clean := make(map[string]any, len(patch))
	for field, value := range patch {
		field = strings.TrimSpace(field)
		if !editableFields[field] {
			return UpdateResult{}, fmt.Errorf("%w: field %q is not editable", ErrInvalidInput, field)
		}
		switch field {
		case registry.FieldStatus:
			parsed, err := ParseStatus(fmt.Sprint(value))
			if err != nil {
				return UpdateResult{}, err
			}
			value = string(parsed)
		case registry.FieldPriceOriginal:
			price, ok := priceValue(value)
			if !ok || price < 0 {
				return UpdateResult{}, fmt.Errorf("%w: invalid price %v", ErrInvalidInput, value)
			}
			value = price
		}
		clean[field] = value
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}
	result, _, err := m.resolveTarget(id)
	if err != nil {
		return result, err
	}
	details := patchDetails(clean)
	stored := clonePatch(clean)
	if clean[registry.FieldStatus] == string(StatusOut) {
		stored[registry.FieldSoldDate] = m.now().Format(soldDateLayout)
	}
	if err := m.registry.Annotate(result.ID, stored, ActionDataUpdate, details); err != nil {
		return result, err
	}
	updated := m.applyToSnapshot(result.ID, stored)
	m.sink.Log(ActionDataUpdate, fmt.Sprintf("ID %d: %s", result.ID, details))
	m.publish(Event{Type: EventUpdate, ID: result.ID, Message: details})

	opID, err := m.enqueueWriteback(updated, clean, CorrelationID(ctx))
	if err != nil {
		return result, err
	}
	result.OpID = opID
	return result, nil
}

// resolveTarget follows a merge redirect and finds the row in the snapshot.
func (m *Manager) resolveTarget(id int) (UpdateResult, Row, error) {
	result := UpdateResult{ID: id}
	if target, redirected := m.registry.ResolveMerge(id); redirected {
		from := id
		result.ID = target
		result.RedirectedFrom = &from
		m.sink.Log(ActionRedirect, fmt.Sprintf("ID %d redirected to %d", id, target))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range m.rows {
		if row.UniqueID == result.ID {
			return result, row.clone(), nil
		}
	}
	return result, Row{}, fmt.Errorf("%w: id %d", ErrNotFound, result.ID)
}

// applyToSnapshot updates every snapshot row with the ID and returns the
// first one as it now stands.
func (m *Manager) applyToSnapshot(id int, patch map[string]any) Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	var first Row
	found := false
	for i := range m.rows {
		if m.rows[i].UniqueID != id {
			continue
		}
		row := &m.rows[i]
		for field, value := range patch {
			text := fmt.Sprint(value)
			switch field {
			case registry.FieldStatus:
				row.Status = FoldStatus(text)
			case registry.FieldNotes:
				row.Notes = text
			case registry.FieldColor:
				row.Color = text
			case registry.FieldGrade:
				row.Grade = text
			case registry.FieldCondition:
				row.Condition = text
			case registry.FieldBuyer:
				row.Buyer = text
			case registry.FieldBuyerContact:
				row.BuyerContact = text
			case registry.FieldSoldDate:
				row.DateSold = text
			case registry.FieldPriceOriginal:
				if price, ok := priceValue(value); ok {
					row.PriceOriginal = price
					row.Price = ApplyMarkup(price, m.markup)
				}
			}
		}
		row.LastUpdated = m.now()
		if !found {
			first = row.clone()
			found = true
		}
	}
	return first
}

func patchDetails(patch map[string]any) string {
	fields := make([]string, 0, len(patch))
	for field := range patch {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", field, patch[field]))
	}
	return strings.Join(parts, ", ")
}
