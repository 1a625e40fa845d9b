package inventory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/agentworkforce/stockroom/internal/backup"
	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/registry"
	"github.com/agentworkforce/stockroom/internal/sheet"
)

type recordingSink struct {
	mu      sync.Mutex
	entries []string
}

func (s *recordingSink) Log(action, details string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, action+": "+details)
}

func (s *recordingSink) actions(action string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, entry := range s.entries {
		if strings.HasPrefix(entry, action+": ") {
			out = append(out, entry)
		}
	}
	return out
}

type fixture struct {
	dir  string
	reg  *registry.Registry
	maps *mapping.Store
	sink *recordingSink
	mgr  *Manager
}

var testNow = time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)

func newFixture(t *testing.T, markup float64) *fixture {
	t.Helper()
	dir := t.TempDir()
	reg, err := registry.Open(registry.Options{Now: func() time.Time { return testNow }})
	require.NoError(t, err)
	maps, err := mapping.Open(filepath.Join(dir, "file_mappings.json"), zerolog.Nop())
	require.NoError(t, err)
	f := &fixture{dir: dir, reg: reg, maps: maps, sink: &recordingSink{}}
	f.mgr = New(Options{
		Registry:      reg,
		Mappings:      maps,
		Backups:       backup.NewRotator(backup.Options{Dir: filepath.Join(dir, "backups")}),
		Writer:        sheet.NewWriter(sheet.WriterOptions{RetryDelay: -1}),
		Sink:          f.sink,
		MarkupPercent: markup,
		Now:           func() time.Time { return testNow },
	})
	t.Cleanup(f.mgr.Close)
	return f
}

var stockMapping = map[string]string{
	"IMEI":   mapping.FieldIMEI,
	"Model":  mapping.FieldModel,
	"Cost":   mapping.FieldPrice,
	"Status": mapping.FieldStatus,
}

func (f *fixture) addCSV(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, f.maps.Set(path, mapping.Entry{FilePath: path, Mapping: stockMapping, Supplier: "Local"}))
	return path
}

func (f *fixture) reload(t *testing.T) ReloadSummary {
	t.Helper()
	summary, err := f.mgr.ReloadAll(context.Background())
	require.NoError(t, err)
	return summary
}

func rowByIMEI(t *testing.T, rows []Row, imei string) Row {
	t.Helper()
	for _, row := range rows {
		if row.IMEI == imei {
			return row
		}
	}
	t.Fatalf("no row with IMEI %s", imei)
	return Row{}
}

func TestApplyMarkupRoundsToHundredHalfEven(t *testing.T) {
	assert.Equal(t, 13300.0, ApplyMarkup(12345, 8))
	assert.Equal(t, 12345.0, ApplyMarkup(12345, 0))
	assert.Equal(t, 200.0, ApplyMarkup(200, 25))
	assert.Equal(t, 400.0, ApplyMarkup(280, 25))
}

func TestFoldAndParseStatus(t *testing.T) {
	assert.Equal(t, StatusOut, FoldStatus(" sold "))
	assert.Equal(t, StatusReturn, FoldStatus("ret"))
	assert.Equal(t, StatusIn, FoldStatus("avbl"))
	assert.Equal(t, StatusIn, FoldStatus("whatever"))

	status, err := ParseStatus("sale")
	require.NoError(t, err)
	assert.Equal(t, StatusOut, status)
	for _, bad := range []string{"", "nan", "booked"} {
		_, err := ParseStatus(bad)
		assert.ErrorIs(t, err, ErrInvalidInput, bad)
	}
}

func TestItemKey(t *testing.T) {
	assert.Equal(t, "IMEI:352099001761481", ItemKey("352099001761481", "Vivo", "", ""))
	short := ItemKey("1234", "Redmi 12", "4 / 64", "Local")
	assert.True(t, strings.HasPrefix(short, "HASH:"))
	assert.Len(t, strings.TrimPrefix(short, "HASH:"), 32)
	assert.Equal(t, short, ItemKey("", "Redmi 12", "4 / 64", "Local"))
	assert.NotEqual(t, short, ItemKey("", "Redmi 12", "4 / 64", "Other"))
}

func TestReloadNormalizesRowsAndKeepsIDsStable(t *testing.T) {
	f := newFixture(t, 8)
	f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n"+
		"352099001761481,vivo V27,12345,avbl\n"+
		"IMEI: 352099001761498 / 352099001761506,Galaxy A14,abc,SOLD\n"+
		",,7000,\n")

	summary := f.reload(t)
	assert.Equal(t, 3, summary.Items)
	require.Len(t, summary.Sources, 1)
	assert.Equal(t, SourceOK, summary.Sources[0].Status)
	assert.Equal(t, "stock.csv", summary.Sources[0].DisplayName)

	rows := f.mgr.Rows()
	vivo := rowByIMEI(t, rows, "352099001761481")
	assert.Equal(t, "VIVO", vivo.Brand)
	assert.Equal(t, 13300.0, vivo.Price)
	assert.Equal(t, StatusIn, vivo.Status)
	assert.Equal(t, "Local", vivo.Supplier)
	assert.Equal(t, "2024-05-01", vivo.DateAdded)

	galaxy := rowByIMEI(t, rows, "352099001761498 / 352099001761506")
	assert.Equal(t, 0.0, galaxy.PriceOriginal)
	assert.Equal(t, StatusOut, galaxy.Status)

	unknown := rowByIMEI(t, rows, "")
	assert.Equal(t, defaultModel, unknown.Model)
	assert.True(t, strings.HasPrefix(unknown.Key, "HASH:"))

	before := map[string]int{}
	for _, row := range rows {
		before[row.Key] = row.UniqueID
	}
	f.reload(t)
	for _, row := range f.mgr.Rows() {
		assert.Equal(t, before[row.Key], row.UniqueID, row.Key)
	}
}

func TestSplitRAMAndROMColumnsKeepShapeWhenBlank(t *testing.T) {
	f := newFixture(t, 0)
	path := filepath.Join(f.dir, "memory.csv")
	require.NoError(t, os.WriteFile(path, []byte("IMEI,Model,RAM,ROM\n"+
		",Redmi 12,8,128\n"+
		",Redmi 12,8,\n"+
		",Redmi 13,,\n"), 0o644))
	require.NoError(t, f.maps.Set(path, mapping.Entry{FilePath: path, Supplier: "Acme", Mapping: map[string]string{
		"IMEI":  mapping.FieldIMEI,
		"Model": mapping.FieldModel,
		"RAM":   mapping.FieldRAM,
		"ROM":   mapping.FieldROM,
	}}))
	f.reload(t)

	byRAMROM := map[string]Row{}
	for _, row := range f.mgr.Rows() {
		byRAMROM[row.RAMROM] = row
	}
	require.Len(t, byRAMROM, 3)
	for ramrom, model := range map[string]string{"8 / 128": "Redmi 12", "8 / ": "Redmi 12", " / ": "Redmi 13"} {
		row, ok := byRAMROM[ramrom]
		require.True(t, ok, ramrom)
		assert.Equal(t, model, row.Model)
		assert.Equal(t, ItemKey("", model, ramrom, "Acme"), row.Key, ramrom)
	}

	romOnly := filepath.Join(f.dir, "rom.csv")
	require.NoError(t, os.WriteFile(romOnly, []byte("Model,ROM\nNord CE,\n"), 0o644))
	require.NoError(t, f.maps.Set(romOnly, mapping.Entry{FilePath: romOnly, Supplier: "Acme", Mapping: map[string]string{
		"Model": mapping.FieldModel,
		"ROM":   mapping.FieldROM,
	}}))
	f.reload(t)
	for _, row := range f.mgr.Rows() {
		if row.Model == "Nord CE" {
			assert.Empty(t, row.RAMROM)
			assert.Equal(t, ItemKey("", "Nord CE", "", "Acme"), row.Key)
		}
	}
}

func TestReloadReportsFailingSources(t *testing.T) {
	f := newFixture(t, 0)
	f.addCSV(t, "ok.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,\n")
	missing := filepath.Join(f.dir, "gone.csv")
	require.NoError(t, f.maps.Set(missing, mapping.Entry{Mapping: stockMapping}))
	unmapped := f.addCSV(t, "unmapped.csv", "IMEI\n1\n")
	require.NoError(t, f.maps.Set(unmapped, mapping.Entry{FilePath: unmapped}))

	summary := f.reload(t)
	assert.Equal(t, 1, summary.Items)
	status := map[string]string{}
	for _, s := range summary.Sources {
		status[filepath.Base(s.Key)] = s.Status
	}
	assert.Equal(t, SourceOK, status["ok.csv"])
	assert.Equal(t, SourceMissing, status["gone.csv"])
	assert.Equal(t, SourceMappingRequired, status["unmapped.csv"])
}

func TestReloadReportsMissingSheet(t *testing.T) {
	f := newFixture(t, 0)
	path := filepath.Join(f.dir, "stock.xlsx")
	wb := excelize.NewFile()
	require.NoError(t, wb.SaveAs(path))
	require.NoError(t, wb.Close())
	key := mapping.SourceKey(path, "Phones")
	require.NoError(t, f.maps.Set(key, mapping.Entry{FilePath: path, SheetName: "Phones", Mapping: stockMapping}))

	summary := f.reload(t)
	require.Len(t, summary.Sources, 1)
	assert.Equal(t, "Error: SHEET_NOT_FOUND:Phones", summary.Sources[0].Status)
}

func TestRegistryOverlayWinsOverSheet(t *testing.T) {
	f := newFixture(t, 10)
	f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,1000,IN\n")
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID

	require.NoError(t, f.reg.SetMetadata(id, map[string]any{
		registry.FieldStatus:        "sold",
		registry.FieldPriceOriginal: 2000.0,
		registry.FieldBuyer:         "Ravi",
		"warranty":                  "6m",
	}))
	f.reload(t)
	row := f.mgr.Rows()[0]
	assert.Equal(t, StatusOut, row.Status)
	assert.Equal(t, 2000.0, row.PriceOriginal)
	assert.Equal(t, 2200.0, row.Price)
	assert.Equal(t, "Ravi", row.Buyer)
	assert.Equal(t, "6m", row.Overlay["warranty"])
}

func dualIMEIFixture(t *testing.T) *fixture {
	f := newFixture(t, 0)
	f.addCSV(t, "a.csv", "IMEI,Model,Cost,Status\n352099001761481 / 352099001761499,Galaxy A14,9000,\n")
	f.addCSV(t, "b.csv", "IMEI,Model,Cost,Status\n352099001761481,Galaxy A14,9100,\n")
	return f
}

func TestConflictsGroupDualIMEIMembers(t *testing.T) {
	f := dualIMEIFixture(t)
	summary := f.reload(t)
	assert.Equal(t, 1, summary.Conflicts)

	conflicts := f.mgr.Conflicts()
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, "352099001761481", c.IMEI)
	assert.Equal(t, "Galaxy A14", c.Model)
	assert.Len(t, c.UniqueIDs, 2)
	assert.Len(t, c.Sources, 2)
	require.Len(t, c.Rows, 2)
	assert.NotEqual(t, c.Rows[0].UniqueID, c.Rows[1].UniqueID)
}

func TestSameIMEIInTwoFilesSharesOneID(t *testing.T) {
	f := newFixture(t, 0)
	f.addCSV(t, "a.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,\n")
	f.addCSV(t, "b.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,\n")
	f.reload(t)

	conflicts := f.mgr.Conflicts()
	require.Len(t, conflicts, 1)
	require.Len(t, conflicts[0].Rows, 1)
	id := conflicts[0].Rows[0].UniqueID
	assert.Equal(t, []int{id, id}, conflicts[0].UniqueIDs)

	result, err := f.mgr.ResolveConflict(context.Background(), conflicts[0])
	require.NoError(t, err)
	assert.Empty(t, result.Merged)
	rec, _ := f.reg.Metadata(id)
	assert.False(t, rec.Bool(registry.FieldIsHidden))
}

func TestResolveConflictHidesLoserAndIsIdempotent(t *testing.T) {
	f := dualIMEIFixture(t)
	f.reload(t)
	c := f.mgr.Conflicts()[0]
	keeper, loser := c.Rows[0].UniqueID, c.Rows[1].UniqueID

	result, err := f.mgr.ResolveConflict(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, keeper, result.Keeper)
	assert.Equal(t, []int{loser}, result.Merged)
	assert.Equal(t, 1, result.Reload.Items)
	assert.Equal(t, 1, result.Reload.Hidden)
	assert.Empty(t, f.mgr.Conflicts())

	rec, ok := f.reg.Metadata(loser)
	require.True(t, ok)
	assert.True(t, rec.Bool(registry.FieldIsHidden))
	into, _ := rec.Int(registry.FieldMergedInto)
	assert.Equal(t, keeper, into)
	history := len(rec.History)

	again, err := f.mgr.ResolveConflict(context.Background(), c)
	require.NoError(t, err)
	assert.Empty(t, again.Merged)
	rec, _ = f.reg.Metadata(loser)
	assert.Len(t, rec.History, history)

	row, from, err := f.mgr.GetByID(loser, true)
	require.NoError(t, err)
	assert.Equal(t, keeper, row.UniqueID)
	require.NotNil(t, from)
	assert.Equal(t, loser, *from)

	_, _, err = f.mgr.GetByID(loser, false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusWritesOneHistoryEntry(t *testing.T) {
	f := newFixture(t, 0)
	f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n")
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID

	result, err := f.mgr.UpdateStatus(context.Background(), id, "sold", false)
	require.NoError(t, err)
	assert.Equal(t, id, result.ID)
	assert.Nil(t, result.RedirectedFrom)
	assert.Empty(t, result.OpID)

	rec, _ := f.reg.Metadata(id)
	require.Len(t, rec.History, 1)
	assert.Equal(t, ActionStatusChange, rec.History[0].Action)
	assert.Equal(t, "IN -> OUT", rec.History[0].Details)
	sold, ok := rec.String(registry.FieldSoldDate)
	require.True(t, ok)
	assert.Equal(t, "2024-05-01 10:30:00", sold)

	row := f.mgr.Rows()[0]
	assert.Equal(t, StatusOut, row.Status)
	assert.Equal(t, sold, row.DateSold)
	assert.Len(t, f.sink.actions(ActionStatusChange), 1)

	_, err = f.mgr.UpdateStatus(context.Background(), id, "booked", false)
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.mgr.UpdateStatus(context.Background(), 999, "IN", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateStatusFollowsMergeRedirect(t *testing.T) {
	f := dualIMEIFixture(t)
	f.reload(t)
	c := f.mgr.Conflicts()[0]
	keeper, loser := c.Rows[0].UniqueID, c.Rows[1].UniqueID
	_, err := f.mgr.ResolveConflict(context.Background(), c)
	require.NoError(t, err)

	result, err := f.mgr.UpdateStatus(context.Background(), loser, "RTN", false)
	require.NoError(t, err)
	assert.Equal(t, keeper, result.ID)
	require.NotNil(t, result.RedirectedFrom)
	assert.Equal(t, loser, *result.RedirectedFrom)
	assert.Len(t, f.sink.actions(ActionRedirect), 1)
}

func TestUpdateStatusWritesBackAndSurvivesReload(t *testing.T) {
	f := newFixture(t, 0)
	path := f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n352099001761499,Oppo,200,IN\n")
	f.reload(t)
	oppo := rowByIMEI(t, f.mgr.Rows(), "352099001761499")

	result, err := f.mgr.UpdateStatus(context.Background(), oppo.UniqueID, "out", true)
	require.NoError(t, err)
	require.NotEmpty(t, result.OpID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.mgr.Wait(ctx, result.OpID)
	require.NoError(t, err)
	assert.True(t, done.OK, done.Message)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n352099001761499,Oppo,200,OUT\n", string(data))

	backups, err := filepath.Glob(filepath.Join(f.dir, "backups", "stock_*.csv.bak"))
	require.NoError(t, err)
	assert.Len(t, backups, 1)

	op, err := f.mgr.Operation(result.OpID)
	require.NoError(t, err)
	assert.Equal(t, OpSucceeded, op.Status)
	assert.Equal(t, 1, op.AttemptCount)
	assert.Equal(t, []string{"status"}, op.Fields)

	f.reload(t)
	assert.Equal(t, StatusOut, rowByIMEI(t, f.mgr.Rows(), "352099001761499").Status)
}

func TestUpdateDataRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, 0)
	f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n")
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID

	_, err := f.mgr.UpdateData(context.Background(), id, map[string]any{"imei": "1"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.mgr.UpdateData(context.Background(), id, map[string]any{"price_original": "-5"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.mgr.UpdateData(context.Background(), id, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	rec, _ := f.reg.Metadata(id)
	assert.Empty(t, rec.History)
}

func TestUpdateDataToOutStampsSoldDate(t *testing.T) {
	f := newFixture(t, 0)
	f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n")
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID

	result, err := f.mgr.UpdateData(context.Background(), id, map[string]any{"status": "OUT"})
	require.NoError(t, err)

	rec, _ := f.reg.Metadata(id)
	sold, ok := rec.String(registry.FieldSoldDate)
	require.True(t, ok)
	assert.Equal(t, "2024-05-01 10:30:00", sold)

	row := f.mgr.Rows()[0]
	assert.Equal(t, StatusOut, row.Status)
	assert.Equal(t, sold, row.DateSold)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.mgr.Wait(ctx, result.OpID)
	require.NoError(t, err)
	assert.True(t, done.OK, done.Message)
	op, err := f.mgr.Operation(result.OpID)
	require.NoError(t, err)
	assert.Equal(t, []string{"status"}, op.Fields)
}

func TestUpdateDataWritesXLSXAppendingColumns(t *testing.T) {
	f := newFixture(t, 8)
	path := filepath.Join(f.dir, "stock.xlsx")
	wb := excelize.NewFile()
	rows := [][]any{
		{"IMEI", "Model", "Cost", "Status"},
		{"352099001761481", "Vivo V27", 12000, "IN"},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		values := row
		require.NoError(t, wb.SetSheetRow("Sheet1", cell, &values))
	}
	require.NoError(t, wb.SaveAs(path))
	require.NoError(t, wb.Close())
	require.NoError(t, f.maps.Set(path, mapping.Entry{FilePath: path, Mapping: stockMapping}))
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID

	result, err := f.mgr.UpdateData(context.Background(), id, map[string]any{
		"buyer":          "ravi kumar",
		"price_original": 12500.0,
	})
	require.NoError(t, err)

	row := f.mgr.Rows()[0]
	assert.Equal(t, 12500.0, row.PriceOriginal)
	assert.Equal(t, 13500.0, row.Price)
	rec, _ := f.reg.Metadata(id)
	require.Len(t, rec.History, 1)
	assert.Equal(t, "buyer=ravi kumar, price_original=12500", rec.History[0].Details)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.mgr.Wait(ctx, result.OpID)
	require.NoError(t, err)
	require.True(t, done.OK, done.Message)

	out, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer out.Close()
	header, err := out.GetCellValue("Sheet1", "E1")
	require.NoError(t, err)
	assert.Equal(t, "Buyer Name", header)
	buyer, err := out.GetCellValue("Sheet1", "E2")
	require.NoError(t, err)
	assert.Equal(t, "RAVI KUMAR", buyer)
	price, err := out.GetCellValue("Sheet1", "C2")
	require.NoError(t, err)
	assert.Equal(t, "12500", price)
}

func TestWritebackFailureKeepsRegistryChange(t *testing.T) {
	f := newFixture(t, 0)
	path := f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n")
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID
	require.NoError(t, os.WriteFile(path, []byte("IMEI,Model,Cost,Status\n111111111111111,Nokia,1,IN\n"), 0o644))

	result, err := f.mgr.UpdateData(context.Background(), id, map[string]any{"notes": "scratch"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.mgr.Wait(ctx, result.OpID)
	require.NoError(t, err)
	assert.False(t, done.OK)
	assert.Equal(t, "Row not found in sheet", done.Message)

	op, err := f.mgr.Operation(result.OpID)
	require.NoError(t, err)
	assert.Equal(t, OpFailed, op.Status)
	require.NotNil(t, op.LastError)

	rec, _ := f.reg.Metadata(id)
	notes, _ := rec.String(registry.FieldNotes)
	assert.Equal(t, "scratch", notes)
	assert.Len(t, f.sink.actions(ActionWritebackFailed), 1)
	assert.Len(t, f.mgr.Operations(OpFailed, 0), 1)
}

func TestWritebackMissingSource(t *testing.T) {
	f := newFixture(t, 0)
	path := f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n")
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID
	require.NoError(t, os.Remove(path))

	result, err := f.mgr.UpdateData(context.Background(), id, map[string]any{"color": "Blue"})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.mgr.Wait(ctx, result.OpID)
	require.NoError(t, err)
	assert.False(t, done.OK)
	assert.Equal(t, "Source file missing", done.Message)
}

func TestSubscribersSeeReloadAndWritebackEvents(t *testing.T) {
	f := newFixture(t, 0)
	f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n")

	var mu sync.Mutex
	var types []string
	unsubscribe := f.mgr.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
	})
	f.reload(t)
	result, err := f.mgr.UpdateStatus(context.Background(), f.mgr.Rows()[0].UniqueID, "OUT", true)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = f.mgr.Wait(ctx, result.OpID)
	require.NoError(t, err)
	unsubscribe()
	f.reload(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{EventReload, EventUpdate, EventWriteback}, types)
}

func TestCloseDrainsPendingWritebacks(t *testing.T) {
	f := newFixture(t, 0)
	f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n")
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID

	var ops []string
	for _, note := range []string{"a", "b", "c"} {
		result, err := f.mgr.UpdateData(context.Background(), id, map[string]any{"notes": note})
		require.NoError(t, err)
		ops = append(ops, result.OpID)
	}
	f.mgr.Close()
	for _, opID := range ops {
		op, err := f.mgr.Operation(opID)
		require.NoError(t, err)
		assert.Equal(t, OpSucceeded, op.Status)
	}
	data, err := os.ReadFile(filepath.Join(f.dir, "stock.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), ",C\n")

	_, err = f.mgr.UpdateData(context.Background(), id, map[string]any{"notes": "late"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExportWritesInventoryAndHistory(t *testing.T) {
	f := newFixture(t, 0)
	f.addCSV(t, "stock.csv", "IMEI,Model,Cost,Status\n352099001761481,Vivo,100,IN\n")
	f.reload(t)
	id := f.mgr.Rows()[0].UniqueID
	_, err := f.mgr.UpdateStatus(context.Background(), id, "OUT", false)
	require.NoError(t, err)

	path := filepath.Join(f.dir, "export.xlsx")
	require.NoError(t, f.mgr.Export(path))

	out, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer out.Close()
	assert.Equal(t, []string{"Inventory_Master", "History_Logs"}, out.GetSheetList())
	inv, err := out.GetRows("Inventory_Master")
	require.NoError(t, err)
	require.Len(t, inv, 2)
	assert.Equal(t, "352099001761481", inv[1][1])
	assert.Equal(t, "OUT", inv[1][10])
	hist, err := out.GetRows("History_Logs")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, ActionStatusChange, hist[1][2])
}
