// Package refdata stores the pick lists offered when editing items: colors,
// buyers and grades. Lists are kept sorted and written through on change.
package refdata

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/stockroom/internal/safewrite"
)

type List string

const (
	Colors List = "colors"
	Buyers List = "buyers"
	Grades List = "grades"
)

var ErrUnknownList = errors.New("unknown reference list")

var defaults = map[List][]string{
	Colors: {"Black", "White", "Blue", "Red", "Green", "Gold", "Silver", "Grey", "Purple"},
	Buyers: {"Walk-in Customer", "Dealer A", "Dealer B"},
	Grades: {"A+", "A", "B", "C", "D"},
}

type Store struct {
	mu     sync.RWMutex
	path   string
	logger zerolog.Logger
	lists  map[List][]string
}

// Open loads app_data.json. Lists absent from the file, or a file that cannot
// be parsed, fall back to the defaults. An older colors.json next to it seeds
// the color list when app_data.json does not exist yet.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	s := &Store{path: strings.TrimSpace(path), logger: logger, lists: map[List][]string{}}
	data, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		var raw map[List][]string
		if jsonErr := json.Unmarshal(data, &raw); jsonErr != nil {
			logger.Warn().Err(jsonErr).Str("path", s.path).Msg("reference data unreadable, using defaults")
		} else {
			for list, values := range raw {
				if _, known := defaults[list]; known {
					s.lists[list] = sortedUnique(values)
				}
			}
		}
	case errors.Is(err, os.ErrNotExist):
		if colors, ok := legacyColors(filepath.Join(filepath.Dir(s.path), "colors.json")); ok {
			s.lists[Colors] = colors
		}
	default:
		return nil, err
	}
	for list, values := range defaults {
		if _, ok := s.lists[list]; !ok {
			s.lists[list] = sortedUnique(values)
		}
	}
	return s, nil
}

func legacyColors(path string) ([]string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var colors []string
	if err := json.Unmarshal(data, &colors); err != nil {
		return nil, false
	}
	return sortedUnique(colors), true
}

// Values returns a copy of list.
func (s *Store) Values(list List) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values, ok := s.lists[list]
	if !ok {
		return nil, ErrUnknownList
	}
	return append([]string(nil), values...), nil
}

// Add inserts value keeping the list sorted. Adding an existing value is a
// no-op and does not rewrite the file.
func (s *Store) Add(list List, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.lists[list]
	if !ok {
		return ErrUnknownList
	}
	idx := sort.SearchStrings(values, value)
	if idx < len(values) && values[idx] == value {
		return nil
	}
	values = append(values, "")
	copy(values[idx+1:], values[idx:])
	values[idx] = value
	s.lists[list] = values
	return s.saveLocked()
}

func (s *Store) Remove(list List, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.lists[list]
	if !ok {
		return ErrUnknownList
	}
	idx := sort.SearchStrings(values, value)
	if idx >= len(values) || values[idx] != value {
		return nil
	}
	s.lists[list] = append(values[:idx], values[idx+1:]...)
	return s.saveLocked()
}

// MergeBuyers adds every buyer name that is not listed yet, e.g. names
// recorded on sold items, with a single write.
func (s *Store) MergeBuyers(names []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.lists[Buyers]
	merged := sortedUnique(append(append([]string(nil), current...), names...))
	if len(merged) == len(current) {
		return nil
	}
	s.lists[Buyers] = merged
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	if err := safewrite.WriteJSON(s.path, s.lists); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("save reference data failed")
		return err
	}
	return nil
}

func sortedUnique(values []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
