package inventory

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("item not found")
	ErrMappingMissing = errors.New("mapping required")
	ErrClosed         = errors.New("inventory closed")
)

type Status string

const (
	StatusIn     Status = "IN"
	StatusOut    Status = "OUT"
	StatusReturn Status = "RTN"
)

var statusTokens = map[string]Status{
	"OUT":       StatusOut,
	"SOLD":      StatusOut,
	"SALE":      StatusOut,
	"RTN":       StatusReturn,
	"RETURN":    StatusReturn,
	"RET":       StatusReturn,
	"AVAILABLE": StatusIn,
	"AVBL":      StatusIn,
	"STOCK":     StatusIn,
	"IN":        StatusIn,
	"NAN":       StatusIn,
	"NONE":      StatusIn,
	"":          StatusIn,
}

// FoldStatus maps the free-form vocabulary found in sheets onto IN, OUT or
// RTN. Unknown tokens fold to IN.
func FoldStatus(raw string) Status {
	if status, ok := statusTokens[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return status
	}
	return StatusIn
}

// ParseStatus is the strict form used for user input: unknown tokens are
// rejected instead of folding to IN.
func ParseStatus(raw string) (Status, error) {
	token := strings.ToUpper(strings.TrimSpace(raw))
	status, ok := statusTokens[token]
	if !ok || token == "" || token == "NAN" || token == "NONE" {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, raw)
	}
	return status, nil
}

// Row is one item of the consolidated view: the canonical fields derived from
// a sheet row with the registry overlay applied. Overlay keeps registry fields
// that have no canonical slot.
type Row struct {
	UniqueID      int            `json:"unique_id"`
	Key           string         `json:"key"`
	IMEI          string         `json:"imei"`
	Model         string         `json:"model"`
	Brand         string         `json:"brand"`
	RAMROM        string         `json:"ram_rom"`
	Color         string         `json:"color"`
	Grade         string         `json:"grade"`
	Condition     string         `json:"condition"`
	Notes         string         `json:"notes"`
	Supplier      string         `json:"supplier"`
	Buyer         string         `json:"buyer"`
	BuyerContact  string         `json:"buyer_contact"`
	PriceOriginal float64        `json:"price_original"`
	Price         float64        `json:"price"`
	Status        Status         `json:"status"`
	SourceFile    string         `json:"source_file"`
	LastUpdated   time.Time      `json:"last_updated"`
	DateSold      string         `json:"date_sold,omitempty"`
	DateAdded     string         `json:"date_added,omitempty"`
	Overlay       map[string]any `json:"overlay,omitempty"`
}

func (r Row) clone() Row {
	if r.Overlay != nil {
		overlay := make(map[string]any, len(r.Overlay))
		for k, v := range r.Overlay {
			overlay[k] = v
		}
		r.Overlay = overlay
	}
	return r
}

// Conflict is one IMEI seen on more than one source row. UniqueIDs lists every
// occurrence; Rows holds one row per distinct ID, keeper first.
type Conflict struct {
	IMEI      string   `json:"imei"`
	UniqueIDs []int    `json:"unique_ids"`
	Model     string   `json:"model"`
	Sources   []string `json:"sources"`
	Rows      []Row    `json:"rows"`
}

// Per-source load results.
const (
	SourceOK              = "OK"
	SourceMissing         = "Missing"
	SourceMappingRequired = "Mapping Required"
)

type SourceStatus struct {
	Key         string `json:"key"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
	Rows        int    `json:"rows"`
}

// Activity actions emitted to the sink.
const (
	ActionReload          = "RELOAD"
	ActionStatusChange    = "STATUS_CHANGE"
	ActionDataUpdate      = "DATA_UPDATE"
	ActionMerge           = "MERGE"
	ActionRedirect        = "REDIRECT"
	ActionItemUpdate      = "ITEM_UPDATE"
	ActionWritebackFailed = "WRITEBACK_FAILED"
	ActionExport          = "EXPORT"
)

// ActivitySink receives the audit trail of user-visible actions.
type ActivitySink interface {
	Log(action, details string)
}

type nopSink struct{}

func (nopSink) Log(string, string) {}
