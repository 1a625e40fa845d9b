// Package registry assigns permanent integer IDs to item identity keys and
// keeps the per-ID overlay (status, buyer, notes, merge pointers) together
// with an append-only history.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const historyTimeLayout = "2006-01-02 15:04:05"

// History actions written by the registry itself.
const (
	ActionMerge  = "MERGE"
	ActionRepair = "REPAIR"
)

type Options struct {
	Backend StateBackend
	Logger  zerolog.Logger
	Now     func() time.Time
}

type Registry struct {
	mu       sync.Mutex
	backend  StateBackend
	logger   zerolog.Logger
	now      func() time.Time
	nextID   int
	items    map[string]int
	metadata map[string]*Record
	autoSave bool
	dirty    bool
	corrupt  bool
}

// Open loads the registry from the configured backend. A missing snapshot
// starts an empty registry; an unreadable one does the same but is left
// untouched on disk until the first mutation.
func Open(opts Options) (*Registry, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	backend := opts.Backend
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	r := &Registry{
		backend:  backend,
		logger:   opts.Logger,
		now:      now,
		nextID:   1,
		items:    map[string]int{},
		metadata: map[string]*Record{},
		autoSave: true,
	}
	snapshot, err := backend.Load()
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return nil, err
		}
		r.corrupt = true
		r.logger.Error().Err(err).Msg("registry unreadable, starting empty")
		return r, nil
	}
	if snapshot != nil {
		r.restore(snapshot)
	}
	if report := r.repairLocked(); report.Changed() {
		r.dirty = true
		r.logger.Warn().
			Int("selfMerges", report.SelfMerges).
			Int("collapsed", report.Collapsed).
			Int("dangling", report.Dangling).
			Msg("registry merge pointers repaired on load")
	}
	return r, nil
}

func (r *Registry) restore(snapshot *persistedState) {
	if snapshot.NextID > 0 {
		r.nextID = snapshot.NextID
	}
	for key, id := range snapshot.Items {
		r.items[key] = id
		if id >= r.nextID {
			r.nextID = id + 1
		}
	}
	for key, rec := range snapshot.Metadata {
		if rec == nil {
			continue
		}
		if rec.Fields == nil {
			rec.Fields = map[string]any{}
		}
		if rec.History == nil {
			rec.History = []HistoryEntry{}
		}
		r.metadata[key] = rec
	}
}

// Corrupt reports whether the last load found an unreadable snapshot that has
// not been overwritten yet.
func (r *Registry) Corrupt() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.corrupt
}

// Close releases backend resources such as database connections.
func (r *Registry) Close() error {
	if closer, ok := r.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

// IDsForKeys returns the ID for each key in order, allocating new IDs for
// unseen keys. New allocations are persisted once for the whole batch.
func (r *Registry) IDsForKeys(keys []string) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int, len(keys))
	allocated := 0
	for i, key := range keys {
		if id, ok := r.items[key]; ok {
			ids[i] = id
			continue
		}
		id := r.nextID
		r.nextID++
		r.items[key] = id
		ids[i] = id
		allocated++
	}
	if allocated == 0 {
		return ids, nil
	}
	return ids, r.persistLocked()
}

// Lookup returns the ID already bound to key.
func (r *Registry) Lookup(key string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.items[key]
	return id, ok
}

// Keys returns a copy of the key to ID table.
func (r *Registry) Keys() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.items))
	for k, v := range r.items {
		out[k] = v
	}
	return out
}

// SetMetadata shallow-merges patch into the overlay of id. A nil value
// removes the field.
func (r *Registry) SetMetadata(id int, patch map[string]any) error {
	return r.Annotate(id, patch, "", "")
}

// AppendHistory records one audit entry for id.
func (r *Registry) AppendHistory(id int, action, details string) error {
	return r.Annotate(id, nil, action, details)
}

// Annotate applies patch and, when action is set, one history entry, as a
// single persisted mutation.
func (r *Registry) Annotate(id int, patch map[string]any, action, details string) error {
	if id <= 0 {
		return ErrInvalidInput
	}
	if len(patch) == 0 && strings.TrimSpace(action) == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(id)
	applyPatch(rec, patch)
	if action != "" {
		r.appendLocked(rec, action, details)
	}
	return r.persistLocked()
}

// SetAddedDateIfEmpty stamps added_date the first time an ID is seen with
// data; later calls leave it untouched.
func (r *Registry) SetAddedDateIfEmpty(id int, date string) error {
	if id <= 0 || strings.TrimSpace(date) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordLocked(id)
	if existing, ok := rec.String(FieldAddedDate); ok && strings.TrimSpace(existing) != "" {
		return nil
	}
	rec.Fields[FieldAddedDate] = date
	return r.persistLocked()
}

// Metadata returns a copy of the overlay and history for id.
func (r *Registry) Metadata(id int) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.metadata[strconv.Itoa(id)]
	if !ok {
		return Record{Fields: map[string]any{}, History: []HistoryEntry{}}, false
	}
	return rec.clone(), true
}

// Snapshot copies every overlay so a reload can read a consistent view.
func (r *Registry) Snapshot() map[int]Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]Record, len(r.metadata))
	for key, rec := range r.metadata {
		id, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		out[id] = rec.clone()
	}
	return out
}

// ResolveMerge returns the ID a hidden, merged record points at. The second
// result is false when id is not redirected.
func (r *Registry) ResolveMerge(id int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	target, ok := r.resolveLocked(id)
	if !ok || target == id {
		return id, false
	}
	return target, true
}

// AllBuyers maps every recorded buyer name to a contact. When the same buyer
// appears more than once a non-empty contact is preferred.
func (r *Registry) AllBuyers() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]string{}
	for _, id := range sortedIDs(r.metadata) {
		rec := r.metadata[strconv.Itoa(id)]
		buyer, _ := rec.String(FieldBuyer)
		buyer = strings.TrimSpace(buyer)
		if buyer == "" {
			continue
		}
		contact, _ := rec.String(FieldBuyerContact)
		contact = strings.TrimSpace(contact)
		if existing, seen := out[buyer]; seen && contact == "" {
			out[buyer] = existing
			continue
		}
		out[buyer] = contact
	}
	return out
}

// Merge hides loser and points it at keeper's final target. Records already
// merged into loser are re-pointed so no chain is longer than one hop.
func (r *Registry) Merge(loser, keeper int, reason string) error {
	if loser <= 0 || keeper <= 0 {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.knownLocked(loser) || !r.knownLocked(keeper) {
		return ErrNotFound
	}
	if loser == keeper {
		return nil
	}
	target, ok := r.resolveLocked(keeper)
	if !ok {
		return fmt.Errorf("%w: %d has a cyclic merge chain", ErrInvalidMerge, keeper)
	}
	if target == loser {
		return fmt.Errorf("%w: %d already resolves to %d", ErrInvalidMerge, keeper, loser)
	}
	rec := r.recordLocked(loser)
	rec.Fields[FieldIsHidden] = true
	rec.Fields[FieldMergedInto] = target
	rec.Fields[FieldMergeReason] = reason
	r.appendLocked(rec, ActionMerge, fmt.Sprintf("Merged into ID %d (%s)", target, reason))
	for _, id := range sortedIDs(r.metadata) {
		if id == loser {
			continue
		}
		other := r.metadata[strconv.Itoa(id)]
		if !other.Bool(FieldIsHidden) {
			continue
		}
		if pointer, ok := other.Int(FieldMergedInto); ok && pointer == loser {
			other.Fields[FieldMergedInto] = target
		}
	}
	return r.persistLocked()
}

// SetAutoSave toggles per-mutation persistence. While off, mutations only mark
// the registry dirty and Flush writes them out once.
func (r *Registry) SetAutoSave(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.autoSave = enabled
}

// Flush persists pending mutations, if any.
func (r *Registry) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.dirty {
		return nil
	}
	return r.saveLocked()
}

func (r *Registry) persistLocked() error {
	r.dirty = true
	if !r.autoSave {
		return nil
	}
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	state := &persistedState{
		NextID:   r.nextID,
		Items:    r.items,
		Metadata: r.metadata,
	}
	if err := r.backend.Save(state); err != nil {
		r.logger.Error().Err(err).Msg("registry save failed")
		return err
	}
	r.dirty = false
	r.corrupt = false
	return nil
}

func (r *Registry) knownLocked(id int) bool {
	return id > 0 && id < r.nextID
}

func (r *Registry) recordLocked(id int) *Record {
	key := strconv.Itoa(id)
	rec, ok := r.metadata[key]
	if !ok {
		rec = newRecord()
		r.metadata[key] = rec
	}
	return rec
}

func (r *Registry) appendLocked(rec *Record, action, details string) {
	rec.History = append(rec.History, HistoryEntry{
		TS:      r.now().Format(historyTimeLayout),
		Action:  action,
		Details: details,
	})
}

// resolveLocked follows merge pointers from id. It returns false when the
// chain loops back on itself.
func (r *Registry) resolveLocked(id int) (int, bool) {
	visited := map[int]bool{id: true}
	current := id
	for {
		rec, ok := r.metadata[strconv.Itoa(current)]
		if !ok || !rec.Bool(FieldIsHidden) {
			return current, true
		}
		next, ok := rec.Int(FieldMergedInto)
		if !ok || next == current {
			return current, true
		}
		if visited[next] {
			return id, false
		}
		visited[next] = true
		current = next
	}
}

func applyPatch(rec *Record, patch map[string]any) {
	for k, v := range patch {
		if k == historyKey {
			continue
		}
		if v == nil {
			delete(rec.Fields, k)
			continue
		}
		rec.Fields[k] = v
	}
}
