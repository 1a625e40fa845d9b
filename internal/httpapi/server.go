// Package httpapi exposes the consolidated inventory to a local UI: a JSON
// API for reads and edits plus a websocket feed of change notifications.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/stockroom/internal/activity"
	"github.com/agentworkforce/stockroom/internal/inventory"
	"github.com/agentworkforce/stockroom/internal/registry"
)

// Inventory is the part of inventory.Manager the API serves.
type Inventory interface {
	Rows() []inventory.Row
	GetByID(id int, resolveMerged bool) (inventory.Row, *int, error)
	UpdateStatus(ctx context.Context, id int, status string, writeToSheet bool) (inventory.UpdateResult, error)
	UpdateData(ctx context.Context, id int, patch map[string]any) (inventory.UpdateResult, error)
	Conflicts() []inventory.Conflict
	ResolveConflictByIMEI(ctx context.Context, imei string) (inventory.MergeResult, error)
	ReloadAll(ctx context.Context) (inventory.ReloadSummary, error)
	Sources() []inventory.SourceStatus
	LoadedAt() time.Time
	Operations(status string, limit int) []inventory.OperationStatus
	Operation(opID string) (inventory.OperationStatus, error)
	AllBuyers() map[string]string
	Subscribe(fn func(inventory.Event)) func()
}

// ActivityFeed is the read side of the activity log.
type ActivityFeed interface {
	Recent(limit int) []activity.Entry
}

type ServerConfig struct {
	APIToken        string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          zerolog.Logger
	// OnReload runs after POST /v1/reload rebuilt the inventory.
	OnReload func()
}

type Server struct {
	inv         Inventory
	feed        ActivityFeed
	cfg         ServerConfig
	logger      zerolog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(inv Inventory, feed ActivityFeed) *Server {
	return NewServerWithConfig(inv, feed, ServerConfig{})
}

func NewServerWithConfig(inv Inventory, feed ActivityFeed, cfg ServerConfig) *Server {
	cfg.APIToken = strings.TrimSpace(cfg.APIToken)
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		inv:         inv,
		feed:        feed,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" || r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var route string
	switch {
	case len(parts) == 2 && parts[1] == "inventory" && r.Method == http.MethodGet:
		route = "inventory"
	case len(parts) == 3 && parts[1] == "items" && r.Method == http.MethodGet:
		route = "item"
	case len(parts) == 3 && parts[1] == "items" && r.Method == http.MethodPatch:
		route = "item_update"
	case len(parts) == 4 && parts[1] == "items" && parts[3] == "status" && r.Method == http.MethodPost:
		route = "item_status"
	case len(parts) == 2 && parts[1] == "conflicts" && r.Method == http.MethodGet:
		route = "conflicts"
	case len(parts) == 3 && parts[1] == "conflicts" && parts[2] == "merge" && r.Method == http.MethodPost:
		route = "conflict_merge"
	case len(parts) == 2 && parts[1] == "reload" && r.Method == http.MethodPost:
		route = "reload"
	case len(parts) == 2 && parts[1] == "sources" && r.Method == http.MethodGet:
		route = "sources"
	case len(parts) == 2 && parts[1] == "ops" && r.Method == http.MethodGet:
		route = "ops_list"
	case len(parts) == 3 && parts[1] == "ops" && r.Method == http.MethodGet:
		route = "op"
	case len(parts) == 2 && parts[1] == "activity" && r.Method == http.MethodGet:
		route = "activity"
	case len(parts) == 2 && parts[1] == "buyers" && r.Method == http.MethodGet:
		route = "buyers"
	case len(parts) == 2 && parts[1] == "events" && r.Method == http.MethodGet:
		route = "events"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if authErr := authorizeBearer(r, s.cfg.APIToken, route == "events"); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "inventory":
		s.handleInventory(w, r, correlationID)
	case "item", "item_update", "item_status":
		id, err := strconv.Atoi(parts[2])
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid item id", correlationID)
			return
		}
		switch route {
		case "item":
			s.handleItem(w, r, id, correlationID)
		case "item_update":
			s.handleItemUpdate(w, r, id, correlationID)
		default:
			s.handleItemStatus(w, r, id, correlationID)
		}
	case "conflicts":
		writeJSON(w, http.StatusOK, map[string]any{"items": s.inv.Conflicts()})
	case "conflict_merge":
		s.handleConflictMerge(w, r, correlationID)
	case "reload":
		s.handleReload(w, r, correlationID)
	case "sources":
		writeJSON(w, http.StatusOK, map[string]any{"items": s.inv.Sources(), "loadedAt": formatTime(s.inv.LoadedAt())})
	case "ops_list":
		s.handleOpsList(w, r)
	case "op":
		s.handleOp(w, parts[2], correlationID)
	case "activity":
		s.handleActivity(w, r)
	case "buyers":
		s.handleBuyers(w)
	case "events":
		s.handleEvents(w, r)
	}
}

type inventoryFeed struct {
	Items    []inventory.Row `json:"items"`
	Total    int             `json:"total"`
	LoadedAt *string         `json:"loadedAt"`
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request, correlationID string) {
	query := r.URL.Query()
	status := strings.ToUpper(strings.TrimSpace(query.Get("status")))
	if status != "" {
		parsed, err := inventory.ParseStatus(status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		status = string(parsed)
	}
	needle := strings.ToLower(strings.TrimSpace(query.Get("q")))
	limit := parseBoundedInt(query.Get("limit"), 0, 1, 100000)

	rows := s.inv.Rows()
	items := make([]inventory.Row, 0, len(rows))
	for _, row := range rows {
		if status != "" && string(row.Status) != status {
			continue
		}
		if needle != "" && !matchesQuery(row, needle) {
			continue
		}
		items = append(items, row)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].UniqueID < items[j].UniqueID })
	total := len(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	writeJSON(w, http.StatusOK, inventoryFeed{Items: items, Total: total, LoadedAt: formatTime(s.inv.LoadedAt())})
}

func matchesQuery(row inventory.Row, needle string) bool {
	for _, field := range []string{row.IMEI, row.Model, row.Brand, row.Buyer, row.Supplier, strconv.Itoa(row.UniqueID)} {
		if strings.Contains(strings.ToLower(field), needle) {
			return true
		}
	}
	return false
}

func (s *Server) handleItem(w http.ResponseWriter, r *http.Request, id int, correlationID string) {
	resolve := parseBool(r.URL.Query().Get("resolve"), true)
	row, from, err := s.inv.GetByID(id, resolve)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": row, "redirectedFrom": from})
}

type statusRequest struct {
	Status       string `json:"status"`
	WriteToSheet bool   `json:"writeToSheet"`
}

func (s *Server) handleItemStatus(w http.ResponseWriter, r *http.Request, id int, correlationID string) {
	var req statusRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	result, err := s.inv.UpdateStatus(inventory.WithCorrelationID(r.Context(), correlationID), id, req.Status, req.WriteToSheet)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeUpdateResult(w, result)
}

func (s *Server) handleItemUpdate(w http.ResponseWriter, r *http.Request, id int, correlationID string) {
	var patch map[string]any
	if !s.decodeJSONBody(w, r, correlationID, &patch) {
		return
	}
	result, err := s.inv.UpdateData(inventory.WithCorrelationID(r.Context(), correlationID), id, patch)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeUpdateResult(w, result)
}

func writeUpdateResult(w http.ResponseWriter, result inventory.UpdateResult) {
	status := http.StatusOK
	if result.OpID != "" {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

type mergeRequest struct {
	IMEI string `json:"imei"`
}

func (s *Server) handleConflictMerge(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req mergeRequest
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if strings.TrimSpace(req.IMEI) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing imei", correlationID)
		return
	}
	result, err := s.inv.ResolveConflictByIMEI(r.Context(), req.IMEI)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, correlationID string) {
	summary, err := s.inv.ReloadAll(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if s.cfg.OnReload != nil {
		s.cfg.OnReload()
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleOpsList(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	items := s.inv.Operations(strings.TrimSpace(r.URL.Query().Get("status")), limit)
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleOp(w http.ResponseWriter, opID, correlationID string) {
	op, err := s.inv.Operation(opID)
	if err != nil {
		writeDomainError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, activity.DefaultLimit)
	items := []activity.Entry{}
	if s.feed != nil {
		items = s.feed.Recent(limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type buyer struct {
	Name    string `json:"name"`
	Contact string `json:"contact"`
}

func (s *Server) handleBuyers(w http.ResponseWriter) {
	all := s.inv.AllBuyers()
	items := make([]buyer, 0, len(all))
	for name, contact := range all {
		items = append(items, buyer{Name: name, Contact: contact})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeDomainError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, inventory.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, inventory.ErrInvalidInput), errors.Is(err, registry.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, registry.ErrInvalidMerge):
		writeError(w, http.StatusConflict, "conflict", err.Error(), correlationID)
	case errors.Is(err, inventory.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return "corr_" + uuid.NewString()
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func formatTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}
