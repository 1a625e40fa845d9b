package inventory

import (
	"sort"
	"strings"

	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/sheet"
)

const (
	exportInventorySheet = "Inventory_Master"
	exportHistorySheet   = "History_Logs"
)

var exportInventoryHeader = []string{
	"Unique ID", "IMEI", "Brand", "Model", "RAM/ROM", "Color", "Grade", "Condition",
	"Cost Price", "Selling Price", "Status", "Supplier", "Buyer", "Buyer Contact",
	"Notes", "Date Added", "Date Sold", "Source",
}

var exportHistoryHeader = []string{"Unique ID", "Timestamp", "Action", "Details"}

// Export writes the current snapshot and every registry history entry to a
// new workbook at path.
func (m *Manager) Export(path string) error {
	rows := m.Rows()
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].UniqueID < rows[j].UniqueID })
	keys := make([]string, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.SourceFile)
	}
	names := mapping.DisplayNames(keys)

	inventory := sheet.Sheet{Name: exportInventorySheet, Header: exportInventoryHeader}
	for _, row := range rows {
		inventory.Rows = append(inventory.Rows, []any{
			row.UniqueID, row.IMEI, row.Brand, row.Model, row.RAMROM, row.Color, row.Grade,
			row.Condition, row.PriceOriginal, row.Price, string(row.Status), row.Supplier,
			row.Buyer, row.BuyerContact, row.Notes, row.DateAdded, row.DateSold,
			names[row.SourceFile],
		})
	}

	records := m.registry.Snapshot()
	ids := make([]int, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	history := sheet.Sheet{Name: exportHistorySheet, Header: exportHistoryHeader}
	for _, id := range ids {
		for _, entry := range records[id].History {
			history.Rows = append(history.Rows, []any{id, entry.TS, entry.Action, entry.Details})
		}
	}
	if err := sheet.WriteWorkbook(path, inventory, history); err != nil {
		return err
	}
	m.logger.Info().Str("path", path).Int("items", len(rows)).Int("history", len(history.Rows)).Msg("inventory exported")
	m.sink.Log(ActionExport, "Exported "+strings.TrimSpace(path))
	return nil
}
