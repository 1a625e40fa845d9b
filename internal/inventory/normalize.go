package inventory

import (
	"crypto/md5"
	"encoding/hex"
	"strings"
	"time"

	"github.com/agentworkforce/stockroom/internal/imei"
	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/registry"
	"github.com/agentworkforce/stockroom/internal/sheet"
)

const (
	defaultModel = "Unknown Model"
	imeiKeyMin   = 5
)

// idAllocator is the part of the registry the normalizer needs.
type idAllocator interface {
	IDsForKeys(keys []string) ([]int, error)
}

// Normalizer turns one sheet into canonical rows. It reads overlays from a
// registry snapshot taken when the reload started, so the same inputs always
// give the same rows.
type Normalizer struct {
	Markup   float64
	Overlays map[int]registry.Record
	IDs      idAllocator
	Now      time.Time
}

// ItemKey is the identity key of a row: the cleaned IMEI when there is one,
// otherwise a hash of model, RAM/ROM and supplier.
func ItemKey(cleanedIMEI, model, ramROM, supplier string) string {
	if len(cleanedIMEI) >= imeiKeyMin {
		return "IMEI:" + cleanedIMEI
	}
	sum := md5.Sum([]byte(model + "|" + ramROM + "|" + supplier))
	return "HASH:" + hex.EncodeToString(sum[:])
}

func (n *Normalizer) Normalize(sourceKey string, entry mapping.Entry, table *sheet.Table) ([]Row, error) {
	if len(entry.Mapping) == 0 {
		return nil, ErrMappingMissing
	}
	column := func(field string) int {
		name, ok := entry.ColumnFor(field)
		if !ok {
			return -1
		}
		return table.Column(name)
	}
	cols := map[string]int{}
	for _, field := range []string{
		mapping.FieldIMEI, mapping.FieldModel, mapping.FieldBrand, mapping.FieldRAMROM,
		mapping.FieldRAM, mapping.FieldROM, mapping.FieldPrice, mapping.FieldSupplier,
		mapping.FieldStatus, mapping.FieldColor, mapping.FieldGrade, mapping.FieldCondition,
		mapping.FieldNotes, mapping.FieldBuyer, mapping.FieldBuyerContact,
	} {
		cols[field] = column(field)
	}
	cell := func(row []string, field string) (string, bool) {
		idx := cols[field]
		if idx < 0 || idx >= len(row) {
			return "", idx >= 0
		}
		return strings.TrimSpace(row[idx]), true
	}

	now := n.Now
	if now.IsZero() {
		now = time.Now()
	}
	rows := make([]Row, 0, len(table.Rows))
	keys := make([]string, 0, len(table.Rows))
	for _, raw := range table.Rows {
		var row Row
		rawIMEI, _ := cell(raw, mapping.FieldIMEI)
		row.IMEI = imei.Clean(rawIMEI)

		row.Model, _ = cell(raw, mapping.FieldModel)
		if row.Model == "" {
			row.Model = defaultModel
		}
		if brand, _ := cell(raw, mapping.FieldBrand); brand != "" {
			row.Brand = strings.ToUpper(brand)
		} else if fields := strings.Fields(row.Model); len(fields) > 0 {
			row.Brand = strings.ToUpper(fields[0])
		}

		priceRaw, _ := cell(raw, mapping.FieldPrice)
		row.PriceOriginal = parsePrice(priceRaw)
		row.Price = ApplyMarkup(row.PriceOriginal, n.Markup)

		row.RAMROM = ramROM(cell, raw)

		if supplier, mapped := cell(raw, mapping.FieldSupplier); mapped {
			row.Supplier = supplier
		} else {
			row.Supplier = strings.TrimSpace(entry.Supplier)
		}

		status, _ := cell(raw, mapping.FieldStatus)
		row.Status = FoldStatus(status)
		row.Color, _ = cell(raw, mapping.FieldColor)
		row.Grade, _ = cell(raw, mapping.FieldGrade)
		row.Condition, _ = cell(raw, mapping.FieldCondition)
		row.Notes, _ = cell(raw, mapping.FieldNotes)
		row.Buyer, _ = cell(raw, mapping.FieldBuyer)
		row.BuyerContact, _ = cell(raw, mapping.FieldBuyerContact)

		row.SourceFile = sourceKey
		row.LastUpdated = now
		row.Key = ItemKey(row.IMEI, row.Model, row.RAMROM, row.Supplier)
		rows = append(rows, row)
		keys = append(keys, row.Key)
	}
	if len(rows) == 0 {
		return rows, nil
	}

	ids, err := n.IDs.IDsForKeys(keys)
	if err != nil {
		return nil, err
	}
	for i := range rows {
		rows[i].UniqueID = ids[i]
		if overlay, ok := n.Overlays[ids[i]]; ok {
			applyOverlay(&rows[i], overlay, n.Markup)
		}
	}
	return rows, nil
}

type cellFunc func(row []string, field string) (string, bool)

func ramROM(cell cellFunc, raw []string) string {
	if combined, mapped := cell(raw, mapping.FieldRAMROM); mapped {
		return combined
	}
	// Which columns are mapped decides the shape, not which cells are
	// filled, so blank cells still produce the same key text.
	ram, ramMapped := cell(raw, mapping.FieldRAM)
	rom, romMapped := cell(raw, mapping.FieldROM)
	switch {
	case ramMapped && romMapped:
		return ram + " / " + rom
	case ramMapped:
		return ram
	default:
		return rom
	}
}

var canonicalOverlayFields = map[string]bool{
	registry.FieldStatus:        true,
	registry.FieldNotes:         true,
	registry.FieldColor:         true,
	registry.FieldGrade:         true,
	registry.FieldCondition:     true,
	registry.FieldPriceOriginal: true,
	registry.FieldBuyer:         true,
	registry.FieldBuyerContact:  true,
	registry.FieldSoldDate:      true,
	registry.FieldAddedDate:     true,
}

// applyOverlay layers registry fields over sheet values; the registry always
// wins.
func applyOverlay(row *Row, rec registry.Record, markup float64) {
	if v, ok := rec.String(registry.FieldStatus); ok {
		row.Status = FoldStatus(v)
	}
	if v, ok := rec.String(registry.FieldNotes); ok {
		row.Notes = v
	}
	if v, ok := rec.String(registry.FieldColor); ok {
		row.Color = v
	}
	if v, ok := rec.String(registry.FieldGrade); ok {
		row.Grade = v
	}
	if v, ok := rec.String(registry.FieldCondition); ok {
		row.Condition = v
	}
	if v, ok := rec.Float(registry.FieldPriceOriginal); ok && v >= 0 {
		row.PriceOriginal = v
		row.Price = ApplyMarkup(v, markup)
	}
	if v, ok := rec.String(registry.FieldBuyer); ok {
		row.Buyer = v
	}
	if v, ok := rec.String(registry.FieldBuyerContact); ok {
		row.BuyerContact = v
	}
	if v, ok := rec.String(registry.FieldSoldDate); ok {
		row.DateSold = v
	}
	if v, ok := rec.String(registry.FieldAddedDate); ok {
		row.DateAdded = v
	}
	for k, v := range rec.Fields {
		if canonicalOverlayFields[k] {
			continue
		}
		if row.Overlay == nil {
			row.Overlay = map[string]any{}
		}
		row.Overlay[k] = v
	}
}
