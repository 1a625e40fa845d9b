package registry

import (
	"fmt"
	"strconv"
)

// RepairReport counts the merge pointer problems fixed by Repair.
type RepairReport struct {
	SelfMerges int `json:"selfMerges"`
	Collapsed  int `json:"collapsed"`
	Dangling   int `json:"dangling"`
	Cycles     int `json:"cycles"`
}

func (r RepairReport) Changed() bool {
	return r.SelfMerges+r.Collapsed+r.Dangling+r.Cycles > 0
}

// Repair restores the merge invariants: no record is merged into itself,
// every pointer targets an allocated ID, and every chain is a single hop to a
// visible record.
func (r *Registry) Repair() (RepairReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	report := r.repairLocked()
	if !report.Changed() {
		return report, nil
	}
	r.logger.Info().
		Int("selfMerges", report.SelfMerges).
		Int("collapsed", report.Collapsed).
		Int("dangling", report.Dangling).
		Int("cycles", report.Cycles).
		Msg("registry repaired")
	return report, r.persistLocked()
}

func (r *Registry) repairLocked() RepairReport {
	var report RepairReport
	ids := sortedIDs(r.metadata)
	for _, id := range ids {
		rec := r.metadata[strconv.Itoa(id)]
		if !rec.Bool(FieldIsHidden) {
			continue
		}
		target, ok := rec.Int(FieldMergedInto)
		switch {
		case !ok:
			continue
		case target == id:
			r.unhideLocked(rec, "Fixed self-merge loop")
			report.SelfMerges++
		case !r.knownLocked(target):
			r.unhideLocked(rec, fmt.Sprintf("Dropped merge into unknown ID %d", target))
			report.Dangling++
		}
	}
	for _, id := range ids {
		rec := r.metadata[strconv.Itoa(id)]
		if !rec.Bool(FieldIsHidden) {
			continue
		}
		pointer, ok := rec.Int(FieldMergedInto)
		if !ok {
			continue
		}
		final, ok := r.resolveLocked(id)
		if !ok {
			// Break the loop at the lowest ID so the rest of it collapses
			// onto a visible record on the next pass.
			r.unhideLocked(rec, "Broke cyclic merge chain")
			report.Cycles++
			continue
		}
		if final != pointer && final != id {
			rec.Fields[FieldMergedInto] = final
			report.Collapsed++
		}
	}
	if report.Cycles > 0 {
		next := r.repairLocked()
		report.Collapsed += next.Collapsed
		report.SelfMerges += next.SelfMerges
		report.Dangling += next.Dangling
		report.Cycles += next.Cycles
	}
	return report
}

func (r *Registry) unhideLocked(rec *Record, details string) {
	delete(rec.Fields, FieldIsHidden)
	delete(rec.Fields, FieldMergedInto)
	delete(rec.Fields, FieldMergeReason)
	r.appendLocked(rec, ActionRepair, details)
}
