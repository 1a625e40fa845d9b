package inventory

import "time"

const (
	EventReload    = "reload"
	EventUpdate    = "update"
	EventWriteback = "writeback"
)

// Event tells observers that the snapshot or a writeback changed.
type Event struct {
	Type      string `json:"type"`
	ID        int    `json:"id,omitempty"`
	OpID      string `json:"opId,omitempty"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Subscribe registers fn for every future event. fn runs on the goroutine
// that produced the event and must not block. The returned func removes it.
func (m *Manager) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	m.obsMu.Lock()
	id := m.nextObs
	m.nextObs++
	m.observers[id] = fn
	m.obsMu.Unlock()
	return func() {
		m.obsMu.Lock()
		delete(m.observers, id)
		m.obsMu.Unlock()
	}
}

func (m *Manager) publish(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = m.now().UTC().Format(time.RFC3339Nano)
	}
	m.obsMu.RLock()
	observers := make([]func(Event), 0, len(m.observers))
	for _, fn := range m.observers {
		observers = append(observers, fn)
	}
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(event)
	}
}
