// Package inventory consolidates the mapped spreadsheets into one
// deduplicated, stably identified stock list, and pushes edits made against
// that list back into the originating sheet rows.
package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/stockroom/internal/backup"
	"github.com/agentworkforce/stockroom/internal/mapping"
	"github.com/agentworkforce/stockroom/internal/registry"
	"github.com/agentworkforce/stockroom/internal/sheet"
)

const (
	defaultReadConcurrency = 4
	defaultLedgerSize      = 1000
)

type Options struct {
	Registry *registry.Registry
	Mappings *mapping.Store
	Backups  *backup.Rotator
	Writer   *sheet.Writer
	// Queue holds pending writebacks. Defaults to an unbounded in-memory FIFO.
	Queue           WritebackQueue
	Sink            ActivitySink
	MarkupPercent   float64
	ReadConcurrency int
	LedgerSize      int
	Now             func() time.Time
	Logger          zerolog.Logger
	DisableWorker   bool
}

// Manager owns the consolidated snapshot. Reloads and mutations are
// serialized; a single background worker applies writebacks in FIFO order.
type Manager struct {
	registry *registry.Registry
	mappings *mapping.Store
	backups  *backup.Rotator
	writer   *sheet.Writer
	queue    WritebackQueue
	sink     ActivitySink
	logger   zerolog.Logger
	now      func() time.Time
	readConc int

	// opMu serializes ReloadAll, merges and updates.
	opMu sync.Mutex

	mu        sync.RWMutex
	markup    float64
	rows      []Row
	conflicts []Conflict
	sources   []SourceStatus
	loadedAt  time.Time

	ledger *opLedger

	obsMu     sync.RWMutex
	observers map[int]func(Event)
	nextObs   int

	closing     chan struct{}
	workerDone  chan struct{}
	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func New(opts Options) *Manager {
	sink := opts.Sink
	if sink == nil {
		sink = nopSink{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryWritebackQueue()
	}
	readConc := opts.ReadConcurrency
	if readConc <= 0 {
		readConc = defaultReadConcurrency
	}
	ledgerSize := opts.LedgerSize
	if ledgerSize <= 0 {
		ledgerSize = defaultLedgerSize
	}
	writer := opts.Writer
	if writer == nil {
		writer = sheet.NewWriter(sheet.WriterOptions{Logger: opts.Logger})
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:    opts.Registry,
		mappings:    opts.Mappings,
		backups:     opts.Backups,
		writer:      writer,
		queue:       queue,
		sink:        sink,
		logger:      opts.Logger,
		now:         now,
		readConc:    readConc,
		markup:      opts.MarkupPercent,
		ledger:      newOpLedger(ledgerSize),
		observers:   map[int]func(Event){},
		closing:     make(chan struct{}),
		workerDone:  make(chan struct{}),
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
	if opts.DisableWorker {
		close(m.workerDone)
		return m
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.workerDone)
		m.writebackWorker()
	}()
	return m
}

// Close stops accepting writebacks, lets the worker drain what is already
// queued, then stops it. The task in flight always completes.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		close(m.closing)
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
	drain:
		for m.queue.Depth() > 0 {
			select {
			case <-m.workerDone:
				break drain
			case <-ticker.C:
			}
		}
		m.queueCancel()
		m.wg.Wait()
		_ = m.queue.Close()
	})
}

// SetMarkup changes the markup used by the next reload and by price edits.
func (m *Manager) SetMarkup(percent float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markup = percent
}

func (m *Manager) Markup() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.markup
}

// Rows returns a copy of the consolidated view.
func (m *Manager) Rows() []Row {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Row, len(m.rows))
	for i, row := range m.rows {
		out[i] = row.clone()
	}
	return out
}

func (m *Manager) Conflicts() []Conflict {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Conflict(nil), m.conflicts...)
}

func (m *Manager) Sources() []SourceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SourceStatus(nil), m.sources...)
}

func (m *Manager) LoadedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadedAt
}

// AllBuyers lists known buyers with their last contact, for suggestions.
func (m *Manager) AllBuyers() map[string]string {
	return m.registry.AllBuyers()
}

// GetByID looks an item up in the snapshot. With resolveMerged, a hidden
// item that was merged is replaced by its target and redirectedFrom reports
// the ID that was asked for.
func (m *Manager) GetByID(id int, resolveMerged bool) (Row, *int, error) {
	target := id
	var redirectedFrom *int
	if resolveMerged {
		if resolved, redirected := m.registry.ResolveMerge(id); redirected {
			target = resolved
			from := id
			redirectedFrom = &from
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, row := range m.rows {
		if row.UniqueID == target {
			return row.clone(), redirectedFrom, nil
		}
	}
	return Row{}, nil, ErrNotFound
}

func (m *Manager) isClosing() bool {
	select {
	case <-m.closing:
		return true
	default:
		return false
	}
}
