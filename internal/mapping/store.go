// Package mapping persists, per source file (and optionally per sheet), the
// table that renames spreadsheet columns to canonical inventory fields.
package mapping

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/stockroom/internal/safewrite"
)

// Canonical fields a file column may be mapped to.
const (
	FieldIMEI         = "imei"
	FieldModel        = "model"
	FieldBrand        = "brand"
	FieldRAMROM       = "ram_rom"
	FieldRAM          = "ram"
	FieldROM          = "rom"
	FieldPrice        = "price"
	FieldSupplier     = "supplier"
	FieldStatus       = "status"
	FieldColor        = "color"
	FieldGrade        = "grade"
	FieldCondition    = "condition"
	FieldNotes        = "notes"
	FieldBuyer        = "buyer"
	FieldBuyerContact = "buyer_contact"
)

var canonicalFields = map[string]bool{
	FieldIMEI: true, FieldModel: true, FieldBrand: true, FieldRAMROM: true,
	FieldRAM: true, FieldROM: true, FieldPrice: true, FieldSupplier: true,
	FieldStatus: true, FieldColor: true, FieldGrade: true, FieldCondition: true,
	FieldNotes: true, FieldBuyer: true, FieldBuyerContact: true,
}

// IsField reports whether name is a canonical field a column can map to.
func IsField(name string) bool {
	return canonicalFields[name]
}

const keySeparator = "::"

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidFile  = errors.New("invalid mapping file")
)

//go:embed schema.json
var schemaDocument []byte

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func mappingSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaDocument))
		if err != nil {
			schemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("file_mappings.schema.json", doc); err != nil {
			schemaErr = err
			return
		}
		compiledSchema, schemaErr = compiler.Compile("file_mappings.schema.json")
	})
	return compiledSchema, schemaErr
}

// Entry describes how one (file, sheet) ingest unit maps to canonical fields.
// Mapping goes from the file's column header to the canonical field name.
type Entry struct {
	FilePath  string            `json:"file_path"`
	SheetName string            `json:"sheet_name,omitempty"`
	Mapping   map[string]string `json:"mapping"`
	Supplier  string            `json:"supplier,omitempty"`
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var raw struct {
		FilePath  string            `json:"file_path"`
		SheetName json.RawMessage   `json:"sheet_name"`
		Mapping   map[string]string `json:"mapping"`
		Supplier  *string           `json:"supplier"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	e.FilePath = raw.FilePath
	e.Mapping = raw.Mapping
	if raw.Supplier != nil {
		e.Supplier = *raw.Supplier
	}
	e.SheetName = ""
	if len(raw.SheetName) > 0 && string(raw.SheetName) != "null" {
		var name string
		if err := json.Unmarshal(raw.SheetName, &name); err == nil {
			e.SheetName = name
		} else {
			var index int
			if err := json.Unmarshal(raw.SheetName, &index); err != nil {
				return err
			}
			e.SheetName = strconv.Itoa(index)
		}
	}
	return nil
}

// ColumnFor returns the file column mapped to a canonical field. When several
// columns map to the same field the alphabetically first one wins.
func (e Entry) ColumnFor(field string) (string, bool) {
	columns := make([]string, 0, 1)
	for column, canonical := range e.Mapping {
		if canonical == field {
			columns = append(columns, column)
		}
	}
	if len(columns) == 0 {
		return "", false
	}
	sort.Strings(columns)
	return columns[0], true
}

func (e Entry) Has(field string) bool {
	_, ok := e.ColumnFor(field)
	return ok
}

func (e Entry) clone() Entry {
	out := e
	out.Mapping = make(map[string]string, len(e.Mapping))
	for k, v := range e.Mapping {
		out.Mapping[k] = v
	}
	return out
}

// SourceKey builds the ingest-unit key: the path alone, or path::sheet.
func SourceKey(path, sheet string) string {
	path = strings.TrimSpace(path)
	sheet = strings.TrimSpace(sheet)
	if sheet == "" {
		return path
	}
	return path + keySeparator + sheet
}

// SplitKey is the inverse of SourceKey.
func SplitKey(key string) (path, sheet string) {
	idx := strings.Index(key, keySeparator)
	if idx < 0 {
		return key, ""
	}
	return key[:idx], key[idx+len(keySeparator):]
}

type Store struct {
	mu      sync.RWMutex
	path    string
	logger  zerolog.Logger
	entries map[string]Entry
}

// Open loads the mapping file at path. A missing file yields an empty store;
// content that fails the schema is rejected with ErrInvalidFile.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		path:   strings.TrimSpace(path),
		logger: logger,
	}
	entries, err := readEntries(s.path)
	if err != nil {
		return nil, err
	}
	s.entries = entries
	if s.path != "" {
		logger.Debug().Int("sources", len(entries)).Str("path", s.path).Msg("file mappings loaded")
	}
	return s, nil
}

// Reload re-reads the mapping file so entries written by another process
// become visible. On error the current entries are kept. changed reports
// whether the file differed from what the store held.
func (s *Store) Reload() (changed bool, err error) {
	if s.path == "" {
		return false, nil
	}
	// Held across the read so a concurrent Set cannot be overwritten by an
	// older copy of the file.
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := readEntries(s.path)
	if err != nil {
		return false, err
	}
	if reflect.DeepEqual(entries, s.entries) {
		return false, nil
	}
	s.entries = entries
	s.logger.Info().Int("sources", len(entries)).Str("path", s.path).Msg("file mappings reloaded")
	return true, nil
}

func readEntries(path string) (map[string]Entry, error) {
	out := map[string]Entry{}
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := validate(data); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	var entries map[string]Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidFile, path, err)
	}
	for key, entry := range entries {
		if strings.TrimSpace(entry.FilePath) == "" {
			entry.FilePath, _ = SplitKey(key)
		}
		if entry.Mapping == nil {
			entry.Mapping = map[string]string{}
		}
		out[key] = entry
	}
	return out, nil
}

func validate(data []byte) error {
	sch, err := mappingSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return sch.Validate(inst)
}

func (s *Store) Path() string {
	return s.path
}

// Get returns the entry stored under exactly key.
func (s *Store) Get(key string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Lookup resolves a source key, falling back to its plain file path.
func (s *Store) Lookup(sourceKey string) (Entry, bool) {
	if entry, ok := s.Get(sourceKey); ok {
		return entry, true
	}
	path, sheet := SplitKey(sourceKey)
	if sheet == "" {
		return Entry{}, false
	}
	return s.Get(path)
}

// Set stores entry under key and writes the file through.
func (s *Store) Set(key string, entry Entry) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(entry.FilePath) == "" {
		entry.FilePath, _ = SplitKey(key)
	}
	if entry.Mapping == nil {
		entry.Mapping = map[string]string{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry.clone()
	return s.saveLocked()
}

// Remove deletes key; removing an unknown key is a no-op.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return nil
	}
	delete(s.entries, key)
	return s.saveLocked()
}

// Keys returns all source keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// FilePaths returns the distinct files referenced by all entries, sorted.
func (s *Store) FilePaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[string]bool{}
	paths := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		path := entry.FilePath
		if path == "" {
			path, _ = SplitKey(key)
		}
		if seen[path] {
			continue
		}
		seen[path] = true
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := safewrite.WriteJSON(s.path, s.entries); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("save file mappings failed")
		return err
	}
	return nil
}
