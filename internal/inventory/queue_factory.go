package inventory

import (
	"fmt"
	"net/url"
	"strings"
)

// BuildWritebackQueueFromDSN selects the pending-writeback store: empty or
// memory:// keeps tasks in process, file://path persists them to JSON and
// postgres:// to a table. capacity only bounds the durable queues.
func BuildWritebackQueueFromDSN(dsn string, capacity int) (WritebackQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInMemoryWritebackQueue(), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileWritebackQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryWritebackQueue(), nil
	case "postgres", "postgresql":
		return NewPostgresWritebackQueue(dsn, capacity)
	default:
		return nil, fmt.Errorf("unsupported writeback queue scheme: %s", parsed.Scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
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
