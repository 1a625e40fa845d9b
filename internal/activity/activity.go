// Package activity keeps the user-facing audit feed in logs/activity.json,
// newest entry first.
package activity

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/stockroom/internal/safewrite"
)

const (
	DefaultLimit = 1000
	recentLimit  = 100
)

type Entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Details   string `json:"details"`
}

type Options struct {
	Path   string
	Limit  int
	Now    func() time.Time
	Logger zerolog.Logger
}

type Log struct {
	mu      sync.Mutex
	path    string
	limit   int
	now     func() time.Time
	logger  zerolog.Logger
	entries []Entry
}

// Open reads the existing feed. An unreadable file is treated as empty and
// replaced on the next write.
func Open(opts Options) *Log {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := &Log{
		path:    strings.TrimSpace(opts.Path),
		limit:   limit,
		now:     now,
		logger:  opts.Logger,
		entries: []Entry{},
	}
	if l.path == "" {
		return l
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn().Err(err).Str("path", l.path).Msg("activity log unreadable")
		}
		return l
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		l.logger.Warn().Err(err).Str("path", l.path).Msg("activity log corrupt, starting fresh")
		return l
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	l.entries = entries
	return l
}

// Log prepends one entry and rewrites the file. Write failures are logged,
// never returned, so auditing cannot break the action being audited.
func (l *Log) Log(action, details string) {
	entry := Entry{
		Timestamp: l.now().Format("2006-01-02T15:04:05.000000"),
		Action:    action,
		Details:   details,
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append([]Entry{entry}, l.entries...)
	if len(l.entries) > l.limit {
		l.entries = l.entries[:l.limit]
	}
	l.logger.Info().Str("action", action).Msg(details)
	if err := l.saveLocked(); err != nil {
		l.logger.Error().Err(err).Str("path", l.path).Msg("write activity log failed")
	}
}

// Recent returns up to limit entries, newest first. A non-positive limit
// returns 100.
func (l *Log) Recent(limit int) []Entry {
	if limit <= 0 {
		limit = recentLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit > len(l.entries) {
		limit = len(l.entries)
	}
	return append([]Entry(nil), l.entries[:limit]...)
}

func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = []Entry{}
	return l.saveLocked()
}

func (l *Log) saveLocked() error {
	if l.path == "" {
		return nil
	}
	return safewrite.WriteJSON(l.path, l.entries)
}
