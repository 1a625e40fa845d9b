package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/stockroom/internal/activity"
	"github.com/agentworkforce/stockroom/internal/backup"
	"github.com/agentworkforce/stockroom/internal/inventory"
	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/registry"
	"github.com/agentworkforce/stockroom/internal/sheet"
)

type testEnv struct {
	dir  string
	mgr  *inventory.Manager
	maps *mapping.Store
	feed *activity.Log
}

func newTestEnv(t *testing.T, sources map[string]string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(registry.Options{})
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	maps, err := mapping.Open(filepath.Join(dir, "file_mappings.json"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open mappings: %v", err)
	}
	feed := activity.Open(activity.Options{Path: filepath.Join(dir, "activity_log.json")})
	for name, content := range sources {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write source: %v", err)
		}
		entry := mapping.Entry{
			FilePath: path,
			Mapping: map[string]string{
				"IMEI":   mapping.FieldIMEI,
				"Model":  mapping.FieldModel,
				"Cost":   mapping.FieldPrice,
				"Status": mapping.FieldStatus,
			},
		}
		if err := maps.Set(path, entry); err != nil {
			t.Fatalf("set mapping: %v", err)
		}
	}
	mgr := inventory.New(inventory.Options{
		Registry: reg,
		Mappings: maps,
		Backups:  backup.NewRotator(backup.Options{Dir: filepath.Join(dir, "backups")}),
		Writer:   sheet.NewWriter(sheet.WriterOptions{RetryDelay: -1}),
		Sink:     feed,
	})
	t.Cleanup(mgr.Close)
	if _, err := mgr.ReloadAll(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	return &testEnv{dir: dir, mgr: mgr, maps: maps, feed: feed}
}

const stockCSV = "IMEI,Model,Cost,Status\n352099001761481,Galaxy A14,9000,\n490154203237518,Redmi 12,8000,sold\n"

func TestHealthSkipsAuth(t *testing.T) {
	env := newTestEnv(t, nil)
	server := NewServerWithConfig(env.mgr, env.feed, ServerConfig{APIToken: "secret"})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	server := NewServerWithConfig(env.mgr, env.feed, ServerConfig{APIToken: "secret"})

	missing := doRequest(t, server, request{method: http.MethodGet, path: "/v1/inventory"})
	if missing.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", missing.Code)
	}
	wrong := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/inventory",
		headers: map[string]string{"Authorization": "Bearer nope"},
	})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", wrong.Code)
	}
	query := doRequest(t, server, request{method: http.MethodGet, path: "/v1/inventory?token=secret"})
	if query.Code != http.StatusUnauthorized {
		t.Fatalf("expected query token to be refused outside the event stream, got %d", query.Code)
	}
	ok := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/inventory",
		headers: map[string]string{"Authorization": "Bearer secret"},
	})
	if ok.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d (%s)", ok.Code, ok.Body.String())
	}
}

func TestInventoryFiltersByStatusAndQuery(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	server := NewServer(env.mgr, env.feed)

	all := decodeFeed(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/inventory"}))
	if all.Total != 2 || len(all.Items) != 2 {
		t.Fatalf("expected 2 items, got %+v", all)
	}
	if all.LoadedAt == nil {
		t.Fatalf("expected loadedAt after reload")
	}

	sold := decodeFeed(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/inventory?status=out"}))
	if sold.Total != 1 || sold.Items[0].Model != "Redmi 12" {
		t.Fatalf("expected only the sold Redmi, got %+v", sold.Items)
	}

	search := decodeFeed(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/inventory?q=galaxy"}))
	if search.Total != 1 || search.Items[0].IMEI != "352099001761481" {
		t.Fatalf("expected Galaxy match, got %+v", search.Items)
	}

	limited := decodeFeed(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/inventory?limit=1"}))
	if limited.Total != 2 || len(limited.Items) != 1 {
		t.Fatalf("expected total 2 with one item returned, got total=%d len=%d", limited.Total, len(limited.Items))
	}

	bad := doRequest(t, server, request{method: http.MethodGet, path: "/v1/inventory?status=lost"})
	if bad.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", bad.Code)
	}
}

func TestItemLookupAndStatusUpdate(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	server := NewServer(env.mgr, env.feed)
	id := rowID(t, env.mgr, "352099001761481")

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/items/" + itoa(id)})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}

	update := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/items/" + itoa(id) + "/status",
		headers: map[string]string{"X-Correlation-Id": "corr_status"},
		body:    map[string]any{"status": "sold"},
	})
	if update.Code != http.StatusOK {
		t.Fatalf("expected 200 without writeback, got %d (%s)", update.Code, update.Body.String())
	}
	if got := update.Header().Get("X-Correlation-Id"); got != "corr_status" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}
	var result inventory.UpdateResult
	if err := json.NewDecoder(update.Body).Decode(&result); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if result.ID != id || result.OpID != "" {
		t.Fatalf("unexpected update result: %+v", result)
	}
	row, _, err := env.mgr.GetByID(id, false)
	if err != nil {
		t.Fatalf("get row: %v", err)
	}
	if row.Status != inventory.StatusOut {
		t.Fatalf("expected OUT, got %s", row.Status)
	}

	invalid := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/items/" + itoa(id) + "/status",
		body:   map[string]any{"status": "lost"},
	})
	if invalid.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", invalid.Code)
	}

	missing := doRequest(t, server, request{method: http.MethodGet, path: "/v1/items/99999"})
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", missing.Code)
	}
	badID := doRequest(t, server, request{method: http.MethodGet, path: "/v1/items/abc"})
	if badID.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-numeric id, got %d", badID.Code)
	}
}

func TestPatchQueuesWritebackAndReportsOperation(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	server := NewServer(env.mgr, env.feed)
	id := rowID(t, env.mgr, "352099001761481")

	resp := doRequest(t, server, request{
		method:  http.MethodPatch,
		path:    "/v1/items/" + itoa(id),
		headers: map[string]string{"X-Correlation-Id": "corr_patch"},
		body:    map[string]any{"notes": "screen scratch"},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", resp.Code, resp.Body.String())
	}
	var result inventory.UpdateResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	if result.OpID == "" {
		t.Fatalf("expected op id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := env.mgr.Wait(ctx, result.OpID); err != nil {
		t.Fatalf("wait for writeback: %v", err)
	}

	opResp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/ops/" + result.OpID})
	if opResp.Code != http.StatusOK {
		t.Fatalf("expected 200 for op, got %d", opResp.Code)
	}
	var op inventory.OperationStatus
	if err := json.NewDecoder(opResp.Body).Decode(&op); err != nil {
		t.Fatalf("decode op: %v", err)
	}
	if op.Status != inventory.OpSucceeded {
		t.Fatalf("expected succeeded op, got %+v", op)
	}
	if op.CorrelationID != "corr_patch" {
		t.Fatalf("expected request correlation id on op, got %q", op.CorrelationID)
	}

	list := doRequest(t, server, request{method: http.MethodGet, path: "/v1/ops?status=succeeded&limit=5"})
	var ops struct {
		Items []inventory.OperationStatus `json:"items"`
	}
	if err := json.NewDecoder(list.Body).Decode(&ops); err != nil {
		t.Fatalf("decode ops: %v", err)
	}
	if len(ops.Items) != 1 || ops.Items[0].OpID != result.OpID {
		t.Fatalf("expected one succeeded op, got %+v", ops.Items)
	}

	unknown := doRequest(t, server, request{method: http.MethodGet, path: "/v1/ops/op_missing"})
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown op, got %d", unknown.Code)
	}

	rejected := doRequest(t, server, request{
		method: http.MethodPatch,
		path:   "/v1/items/" + itoa(id),
		body:   map[string]any{"imei": "1"},
	})
	if rejected.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for non-editable field, got %d", rejected.Code)
	}
}

func TestConflictMergeAndRedirect(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"a.csv": "IMEI,Model,Cost,Status\n352099001761481 / 352099001761499,Galaxy A14,9000,\n",
		"b.csv": "IMEI,Model,Cost,Status\n352099001761481,Galaxy A14,9100,\n",
	})
	server := NewServer(env.mgr, env.feed)

	conflicts := env.mgr.Conflicts()
	if len(conflicts) != 1 {
		t.Fatalf("expected one conflict, got %d", len(conflicts))
	}
	loser := conflicts[0].Rows[1].UniqueID

	merge := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/conflicts/merge",
		body:   map[string]any{"imei": "352099001761481"},
	})
	if merge.Code != http.StatusOK {
		t.Fatalf("expected 200 on merge, got %d (%s)", merge.Code, merge.Body.String())
	}

	again := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/conflicts/merge",
		body:   map[string]any{"imei": "352099001761481"},
	})
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 once the conflict is gone, got %d", again.Code)
	}

	redirected := doRequest(t, server, request{method: http.MethodGet, path: "/v1/items/" + itoa(loser)})
	var body struct {
		Item           inventory.Row `json:"item"`
		RedirectedFrom *int          `json:"redirectedFrom"`
	}
	if err := json.NewDecoder(redirected.Body).Decode(&body); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	if body.RedirectedFrom == nil || *body.RedirectedFrom != loser || body.Item.UniqueID == loser {
		t.Fatalf("expected redirect away from %d, got %+v", loser, body)
	}

	hidden := doRequest(t, server, request{method: http.MethodGet, path: "/v1/items/" + itoa(loser) + "?resolve=false"})
	if hidden.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without resolve, got %d", hidden.Code)
	}
}

func TestReloadSourcesAndActivity(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	server := NewServer(env.mgr, env.feed)

	reload := doRequest(t, server, request{method: http.MethodPost, path: "/v1/reload"})
	if reload.Code != http.StatusOK {
		t.Fatalf("expected 200 on reload, got %d", reload.Code)
	}
	var summary inventory.ReloadSummary
	if err := json.NewDecoder(reload.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Items != 2 {
		t.Fatalf("expected 2 items, got %d", summary.Items)
	}

	sources := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sources"})
	if !strings.Contains(sources.Body.String(), inventory.SourceOK) {
		t.Fatalf("expected OK source, got %s", sources.Body.String())
	}

	feed := doRequest(t, server, request{method: http.MethodGet, path: "/v1/activity?limit=1"})
	var entries struct {
		Items []activity.Entry `json:"items"`
	}
	if err := json.NewDecoder(feed.Body).Decode(&entries); err != nil {
		t.Fatalf("decode activity: %v", err)
	}
	if len(entries.Items) != 1 || entries.Items[0].Action != inventory.ActionReload {
		t.Fatalf("expected latest RELOAD entry, got %+v", entries.Items)
	}
}

func TestReloadPicksUpMappingsAddedByAnotherProcess(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	reloaded := 0
	server := NewServerWithConfig(env.mgr, env.feed, ServerConfig{OnReload: func() { reloaded++ }})

	extra := filepath.Join(env.dir, "extra.csv")
	if err := os.WriteFile(extra, []byte("IMEI,Model,Cost,Status\n356938035643809,iPhone 12,30000,\n"), 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	other, err := mapping.Open(env.maps.Path(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open second store: %v", err)
	}
	if err := other.Set(extra, mapping.Entry{Mapping: map[string]string{
		"IMEI":  mapping.FieldIMEI,
		"Model": mapping.FieldModel,
		"Cost":  mapping.FieldPrice,
	}}); err != nil {
		t.Fatalf("set mapping: %v", err)
	}

	reload := doRequest(t, server, request{method: http.MethodPost, path: "/v1/reload"})
	if reload.Code != http.StatusOK {
		t.Fatalf("expected 200 on reload, got %d", reload.Code)
	}
	var summary inventory.ReloadSummary
	if err := json.NewDecoder(reload.Body).Decode(&summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Items != 3 || len(summary.Sources) != 2 {
		t.Fatalf("expected 3 items from 2 sources, got %+v", summary)
	}
	if reloaded != 1 {
		t.Fatalf("expected reload hook to run once, ran %d times", reloaded)
	}
	if paths := env.maps.FilePaths(); len(paths) != 2 {
		t.Fatalf("expected both sources in the mapping store, got %v", paths)
	}
}

func TestBuyersSortedByName(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	server := NewServer(env.mgr, env.feed)
	id := rowID(t, env.mgr, "490154203237518")
	if _, err := env.mgr.UpdateData(context.Background(), id, map[string]any{"buyer": "Ravi", "buyer_contact": "98450"}); err != nil {
		t.Fatalf("update buyer: %v", err)
	}

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/buyers"})
	if !strings.Contains(resp.Body.String(), `{"name":"Ravi","contact":"98450"}`) {
		t.Fatalf("expected buyer in response, got %s", resp.Body.String())
	}
}

func TestUnknownRouteAndOversizedBody(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	server := NewServerWithConfig(env.mgr, env.feed, ServerConfig{MaxBodyBytes: 16})
	id := rowID(t, env.mgr, "352099001761481")

	notFound := doRequest(t, server, request{method: http.MethodGet, path: "/v1/nothing"})
	if notFound.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", notFound.Code)
	}

	large := doRequest(t, server, request{
		method: http.MethodPatch,
		path:   "/v1/items/" + itoa(id),
		body:   map[string]any{"notes": strings.Repeat("x", 64)},
	})
	if large.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", large.Code)
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	server := NewServerWithConfig(env.mgr, env.feed, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sources"})
		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200 within limit, got %d", resp.Code)
		}
	}
	denied := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sources"})
	if denied.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after rate limit exceeded, got %d (%s)", denied.Code, denied.Body.String())
	}
	if denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", denied.Header().Get("Retry-After"))
	}
}

func TestDashboardServesHTML(t *testing.T) {
	env := newTestEnv(t, nil)
	server := NewServerWithConfig(env.mgr, env.feed, ServerConfig{APIToken: "secret"})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "<title>Stockroom</title>") {
		t.Fatalf("expected dashboard markup")
	}
}

func TestEventStreamDeliversUpdates(t *testing.T) {
	env := newTestEnv(t, map[string]string{"stock.csv": stockCSV})
	ts := httptest.NewServer(NewServerWithConfig(env.mgr, env.feed, ServerConfig{APIToken: "secret"}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events?token=secret"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription is registered after the handshake; retry the reload
	// until the first event arrives.
	received := make(chan inventory.Event, 1)
	go func() {
		var event inventory.Event
		if err := wsjson.Read(ctx, conn, &event); err == nil {
			received <- event
		}
	}()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := env.mgr.ReloadAll(ctx); err != nil {
			t.Fatalf("reload: %v", err)
		}
		select {
		case event := <-received:
			if event.Type != inventory.EventReload {
				t.Fatalf("expected reload event, got %+v", event)
			}
			return
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event")
		case <-ticker.C:
		}
	}
}

func TestEventStreamRequiresToken(t *testing.T) {
	env := newTestEnv(t, nil)
	server := NewServerWithConfig(env.mgr, env.feed, ServerConfig{APIToken: "secret"})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/events"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeFeed(t *testing.T, resp *httptest.ResponseRecorder) inventoryFeed {
	t.Helper()
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	var feed inventoryFeed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		t.Fatalf("decode feed: %v", err)
	}
	return feed
}

func rowID(t *testing.T, mgr *inventory.Manager, imei string) int {
	t.Helper()
	for _, row := range mgr.Rows() {
		if row.IMEI == imei {
			return row.UniqueID
		}
	}
	t.Fatalf("no row with imei %s", imei)
	return 0
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
