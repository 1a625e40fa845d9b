package inventory

import (
	"context"
	"fmt"
	"strings"
)

const mergeReason = "Conflict Resolution"

// MergeResult reports what a conflict merge changed.
type MergeResult struct {
	Keeper int   `json:"keeper"`
	Merged []int `json:"merged"`
	// Skipped lists IDs that were the keeper itself or already merged into it.
	Skipped []int         `json:"skipped"`
	Reload  ReloadSummary `json:"reload"`
}

// ResolveConflict keeps the first row of c and hides every other ID in it,
// pointing them at the keeper, then reloads. Running it twice on the same
// conflict changes nothing the second time.
func (m *Manager) ResolveConflict(ctx context.Context, c Conflict) (MergeResult, error) {
	if len(c.Rows) == 0 {
		return MergeResult{}, fmt.Errorf("%w: conflict has no rows", ErrInvalidInput)
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	keeper := c.Rows[0].UniqueID
	result := MergeResult{Keeper: keeper, Merged: []int{}, Skipped: []int{}}
	seen := map[int]bool{}
	candidates := make([]int, 0, len(c.Rows)+len(c.UniqueIDs))
	for _, row := range c.Rows[1:] {
		candidates = append(candidates, row.UniqueID)
	}
	candidates = append(candidates, c.UniqueIDs...)
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		if id == keeper {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if target, redirected := m.registry.ResolveMerge(id); redirected {
			if final, _ := m.registry.ResolveMerge(keeper); target == final {
				result.Skipped = append(result.Skipped, id)
				continue
			}
		}
		if err := m.registry.Merge(id, keeper, mergeReason); err != nil {
			return result, fmt.Errorf("merge %d into %d: %w", id, keeper, err)
		}
		result.Merged = append(result.Merged, id)
	}
	if len(result.Merged) > 0 {
		m.sink.Log(ActionMerge, fmt.Sprintf("IMEI %s: merged %s into %d", c.IMEI, joinIDs(result.Merged), keeper))
	}
	summary, err := m.reloadLocked(ctx)
	result.Reload = summary
	return result, err
}

// ResolveConflictByIMEI merges the current conflict for imei.
func (m *Manager) ResolveConflictByIMEI(ctx context.Context, imei string) (MergeResult, error) {
	imei = strings.TrimSpace(imei)
	for _, c := range m.Conflicts() {
		if c.IMEI == imei {
			return m.ResolveConflict(ctx, c)
		}
	}
	return MergeResult{}, fmt.Errorf("%w: no conflict for IMEI %s", ErrNotFound, imei)
}

func joinIDs(ids []int) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}
