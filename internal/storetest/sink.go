package storetest

import (
	"sync"

	"github.com/pkg/errors"

	"campuschat/pkg/interfaces"
	"campuschat/pkg/types"
)

// ErrSinkFull is returned by a RecordingSink at capacity.
var ErrSinkFull = errors.New("sink full")

// RecordingSink is an interfaces.Sink that keeps every event it accepts.
type RecordingSink struct {
	id       string
	mu       sync.Mutex
	events   []types.Event
	Capacity int // 0 means unbounded
}

// NewSink creates a sink for a connection ID.
func NewSink(id string) *RecordingSink {
	return &RecordingSink{id: id}
}

func (s *RecordingSink) ID() string { return s.id }

func (s *RecordingSink) Enqueue(event types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Capacity > 0 && len(s.events) >= s.Capacity {
		return ErrSinkFull
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the accepted events.
func (s *RecordingSink) Events() []types.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Event(nil), s.events...)
}

// OfType returns the accepted events of one type.
func (s *RecordingSink) OfType(eventType string) []types.Event {
	var out []types.Event
	for _, e := range s.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets accepted events.
func (s *RecordingSink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}

// Directory maps connection IDs to sinks.
type Directory struct {
	mu    sync.RWMutex
	sinks map[string]interfaces.Sink
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{sinks: make(map[string]interfaces.Sink)}
}

// Register adds a sink under its ID.
func (d *Directory) Register(sink interfaces.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[sink.ID()] = sink
	return nil
}

// Unregister drops a sink.
func (d *Directory) Unregister(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sinks, connID)
}

// Lookup returns the sink for a connection ID.
func (d *Directory) Lookup(connID string) (interfaces.Sink, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.sinks[connID]
	return s, ok
}
