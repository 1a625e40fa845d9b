package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/stockroom/internal/imei"
	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/registry"
	"github.com/agentworkforce/stockroom/internal/sheet"
)

// conflictIMEIMin is the shortest IMEI considered for duplicate detection.
const conflictIMEIMin = 6

// ReloadSummary describes the outcome of one ReloadAll.
type ReloadSummary struct {
	Items     int            `json:"items"`
	Hidden    int            `json:"hidden"`
	Conflicts int            `json:"conflicts"`
	Sources   []SourceStatus `json:"sources"`
}

type readResult struct {
	entry mapping.Entry
	table *sheet.Table
	err   error
}

// ReloadAll rebuilds the consolidated view from every mapped source. Sources
// that fail are reported in their status and skipped. The returned error is
// only set when the registry could not be persisted.
func (m *Manager) ReloadAll(ctx context.Context) (ReloadSummary, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if _, err := m.mappings.Reload(); err != nil {
		m.logger.Warn().Err(err).Msg("mapping file unreadable, keeping loaded mappings")
	}
	return m.reloadLocked(ctx)
}

func (m *Manager) reloadLocked(ctx context.Context) (ReloadSummary, error) {
	m.registry.SetAutoSave(false)
	defer m.registry.SetAutoSave(true)

	markup := m.Markup()
	now := m.now()
	overlays := m.registry.Snapshot()
	keys := m.mappings.Keys()
	names := mapping.DisplayNames(keys)

	results := make([]readResult, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.readConc)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				results[i].err = err
				return nil
			}
			entry, ok := m.mappings.Get(key)
			if !ok {
				results[i].err = ErrMappingMissing
				return nil
			}
			results[i].entry = entry
			if len(entry.Mapping) == 0 {
				results[i].err = ErrMappingMissing
				return nil
			}
			path, selector := mapping.SplitKey(key)
			if entry.FilePath != "" {
				path = entry.FilePath
			}
			if selector == "" {
				selector = entry.SheetName
			}
			results[i].table, results[i].err = sheet.Read(path, selector)
			return nil
		})
	}
	_ = g.Wait()

	normalizer := &Normalizer{Markup: markup, Overlays: overlays, IDs: m.registry, Now: now}
	sources := make([]SourceStatus, 0, len(keys))
	var all []Row
	for i, key := range keys {
		status := SourceStatus{Key: key, DisplayName: names[key], Status: SourceOK}
		res := results[i]
		if res.err == nil {
			rows, err := normalizer.Normalize(key, res.entry, res.table)
			if err != nil {
				res.err = err
			} else {
				status.Rows = len(rows)
				all = append(all, rows...)
			}
		}
		if res.err != nil {
			status.Status = sourceStatusText(res.err)
			m.logger.Warn().Err(res.err).Str("source", key).Msg("source skipped")
		}
		sources = append(sources, status)
	}

	dateAdded := now.Format("2006-01-02")
	visible := make([]Row, 0, len(all))
	hidden := 0
	for _, row := range all {
		if rec, ok := overlays[row.UniqueID]; ok && rec.Bool(registry.FieldIsHidden) {
			hidden++
			continue
		}
		if row.DateAdded == "" {
			if err := m.registry.SetAddedDateIfEmpty(row.UniqueID, dateAdded); err == nil {
				row.DateAdded = dateAdded
			}
		}
		visible = append(visible, row)
	}
	conflicts := detectConflicts(visible)

	flushErr := m.registry.Flush()
	if flushErr != nil {
		m.logger.Error().Err(flushErr).Msg("registry flush after reload failed")
	}

	m.mu.Lock()
	m.rows = visible
	m.conflicts = conflicts
	m.sources = sources
	m.loadedAt = now
	m.mu.Unlock()

	summary := ReloadSummary{Items: len(visible), Hidden: hidden, Conflicts: len(conflicts), Sources: sources}
	m.sink.Log(ActionReload, fmt.Sprintf("Loaded %d items from %d sources (%d conflicts)", len(visible), len(keys), len(conflicts)))
	m.logger.Info().Int("items", len(visible)).Int("hidden", hidden).Int("conflicts", len(conflicts)).Int("sources", len(keys)).Msg("inventory reloaded")
	m.publish(Event{Type: EventReload, Message: fmt.Sprintf("%d items", len(visible))})
	return summary, flushErr
}

func sourceStatusText(err error) string {
	var sheetErr *sheet.SheetNotFoundError
	switch {
	case errors.Is(err, sheet.ErrSourceMissing):
		return SourceMissing
	case errors.Is(err, ErrMappingMissing):
		return SourceMappingRequired
	case errors.As(err, &sheetErr):
		return "Error: " + sheetErr.Error()
	default:
		return "Error: " + err.Error()
	}
}

// detectConflicts groups visible rows by member IMEI. A dual-IMEI row joins
// the bucket of each of its numbers; any bucket with two or more rows is a
// conflict.
func detectConflicts(rows []Row) []Conflict {
	buckets := map[string][]int{}
	for i, row := range rows {
		if len(row.IMEI) < conflictIMEIMin {
			continue
		}
		for _, member := range imei.Members(row.IMEI) {
			buckets[member] = append(buckets[member], i)
		}
	}
	members := make([]string, 0, len(buckets))
	for member, idx := range buckets {
		if len(idx) > 1 {
			members = append(members, member)
		}
	}
	sort.Strings(members)

	conflicts := make([]Conflict, 0, len(members))
	for _, member := range members {
		c := Conflict{IMEI: member}
		seenID := map[int]bool{}
		seenSource := map[string]bool{}
		for _, idx := range buckets[member] {
			row := rows[idx]
			c.UniqueIDs = append(c.UniqueIDs, row.UniqueID)
			if !seenSource[row.SourceFile] {
				seenSource[row.SourceFile] = true
				c.Sources = append(c.Sources, row.SourceFile)
			}
			if !seenID[row.UniqueID] {
				seenID[row.UniqueID] = true
				c.Rows = append(c.Rows, row.clone())
			}
		}
		c.Model = strings.TrimSpace(c.Rows[0].Model)
		conflicts = append(conflicts, c)
	}
	return conflicts
}
