package trace

import (
	"container/list"
	"sync"
	"time"
)

// RingSink retains the stage events of the most recent traces in memory so
// the debug endpoint can replay a query's pipeline. Oldest traces are evicted
// once capacity is reached.
type RingSink struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	byTrace  map[string]*traceEntry
}

type traceEntry struct {
	elem   *list.Element
	events []Event
}

func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 256
	}
	return &RingSink{
		capacity: capacity,
		order:    list.New(),
		byTrace:  make(map[string]*traceEntry, capacity),
	}
}

func (r *RingSink) Emit(e Event) {
	if e.TraceID == "" {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byTrace[e.TraceID]
	if !ok {
		for r.order.Len() >= r.capacity {
			oldest := r.order.Front()
			r.order.Remove(oldest)
			delete(r.byTrace, oldest.Value.(string))
		}
		entry = &traceEntry{elem: r.order.PushBack(e.TraceID)}
		r.byTrace[e.TraceID] = entry
	}
	entry.events = append(entry.events, e)
}

// Events returns a copy of the recorded events for a trace, in emission
// order, or nil when the trace is unknown or already evicted.
func (r *RingSink) Events(traceID string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.byTrace[traceID]
	if !ok {
		return nil
	}
	out := make([]Event, len(entry.events))
	copy(out, entry.events)
	return out
}
