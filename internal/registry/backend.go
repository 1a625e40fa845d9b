package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/agentworkforce/stockroom/internal/safewrite"
)

type persistedState struct {
	NextID   int                `json:"next_id"`
	Items    map[string]int     `json:"items"`
	Metadata map[string]*Record `json:"metadata"`
}

// StateBackend loads and saves the whole registry snapshot.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

type StateBackendFactory func(dsn string) (StateBackend, error)

var backendFactories = struct {
	mu        sync.RWMutex
	factories map[string]StateBackendFactory
}{
	factories: map[string]StateBackendFactory{},
}

// RegisterStateBackendFactory lets callers plug in additional DSN schemes.
func RegisterStateBackendFactory(scheme string, factory StateBackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactories.mu.Lock()
	defer backendFactories.mu.Unlock()
	backendFactories.factories[scheme] = factory
}

func lookupStateBackendFactory(scheme string) (StateBackendFactory, bool) {
	backendFactories.mu.RLock()
	defer backendFactories.mu.RUnlock()
	factory, ok := backendFactories.factories[normalizeScheme(scheme)]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildStateBackendFromDSN maps a DSN to a backend: a bare path or file://
// selects the JSON file, memory:// the in-process store, postgres:// the
// database table.
func BuildStateBackendFromDSN(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		// Windows paths such as C:\x fail url parsing; treat them as files.
		return NewJSONFileStateBackend(dsn), nil
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupStateBackendFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewJSONFileStateBackend(path), nil
	case "memory", "mem", "inmem":
		return NewInMemoryStateBackend(), nil
	case "postgres", "postgresql":
		return NewPostgresStateBackend(dsn)
	default:
		if len(scheme) == 1 {
			// drive letter
			return NewJSONFileStateBackend(dsn), nil
		}
		return nil, fmt.Errorf("unsupported registry backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if parsed.Host != "" && path != "" {
		path = parsed.Host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type JSONFileStateBackend struct {
	Path string
}

func NewJSONFileStateBackend(path string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Path: strings.TrimSpace(path)}
}

// Load returns nil when the file does not exist yet. Unparseable content is
// copied aside to <path>.corrupt and reported as ErrCorrupt.
func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.Path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		_ = os.WriteFile(b.Path+".corrupt", data, 0o644)
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, b.Path, err)
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.Path == "" || state == nil {
		return nil
	}
	return safewrite.WriteJSON(b.Path, state)
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	var clone persistedState
	if err := json.Unmarshal(b.snapshot, &clone); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}
