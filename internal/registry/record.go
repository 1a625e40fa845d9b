package registry

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Overlay field names recognised by the consolidator. Anything else stored in
// a record is carried along but not applied to rows.
const (
	FieldStatus        = "status"
	FieldNotes         = "notes"
	FieldColor         = "color"
	FieldGrade         = "grade"
	FieldCondition     = "condition"
	FieldPriceOriginal = "price_original"
	FieldBuyer         = "buyer"
	FieldBuyerContact  = "buyer_contact"
	FieldSoldDate      = "sold_date"
	FieldIsHidden      = "is_hidden"
	FieldMergedInto    = "merged_into"
	FieldMergeReason   = "merge_reason"
	FieldAddedDate     = "added_date"

	historyKey = "history"
)

// HistoryEntry is one append-only audit line attached to an ID.
type HistoryEntry struct {
	TS      string `json:"ts"`
	Action  string `json:"action"`
	Details string `json:"details"`
}

// Record is the per-ID metadata overlay plus its history. On disk the fields
// are flattened next to a "history" array.
type Record struct {
	Fields  map[string]any
	History []HistoryEntry
}

func newRecord() *Record {
	return &Record{Fields: map[string]any{}, History: []HistoryEntry{}}
}

func (r Record) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		out[k] = v
	}
	history := r.History
	if history == nil {
		history = []HistoryEntry{}
	}
	out[historyKey] = history
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Fields = make(map[string]any, len(raw))
	r.History = []HistoryEntry{}
	for k, v := range raw {
		if k == historyKey {
			var history []HistoryEntry
			if err := json.Unmarshal(v, &history); err != nil {
				return err
			}
			if history != nil {
				r.History = history
			}
			continue
		}
		var value any
		if err := json.Unmarshal(v, &value); err != nil {
			return err
		}
		r.Fields[k] = value
	}
	return nil
}

func (r *Record) clone() Record {
	if r == nil {
		return Record{Fields: map[string]any{}, History: []HistoryEntry{}}
	}
	fields := make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		fields[k] = v
	}
	return Record{Fields: fields, History: append([]HistoryEntry(nil), r.History...)}
}

// Bool reports a truthy overlay value. JSON booleans, non-zero numbers and
// the strings "true"/"1"/"yes" count as true.
func (r Record) Bool(field string) bool {
	return truthy(r.Fields[field])
}

// String returns the overlay value rendered as text, and whether it was set.
func (r Record) String(field string) (string, bool) {
	v, ok := r.Fields[field]
	if !ok || v == nil {
		return "", false
	}
	return stringify(v), true
}

// Int returns an integer overlay value such as merged_into.
func (r Record) Int(field string) (int, bool) {
	return toInt(r.Fields[field])
}

// Float returns a numeric overlay value such as price_original.
func (r Record) Float(field string) (float64, bool) {
	switch v := r.Fields[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes":
			return true
		}
	}
	return false
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

func sortedIDs(records map[string]*Record) []int {
	ids := make([]int, 0, len(records))
	for key := range records {
		if id, err := strconv.Atoi(key); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}
