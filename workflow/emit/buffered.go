package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// execution history analysis. Events are organized by run ID for efficient
// retrieval and filtering.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by run ID with optional filtering
//   - Filter by node key, message, attempt
//   - Clear events by run ID or all events
//
// Warning: all events are kept in memory. For long-running deployments
// prefer LogEmitter or OTelEmitter, or clear runs as they finish.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[int64][]Event // runID -> events
}

// HistoryFilter specifies criteria for filtering execution history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
type HistoryFilter struct {
	NodeKey string // Filter by node key (empty = no filter)
	Msg     string // Filter by message (empty = no filter)
	Attempt *int   // Filter by attempt (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[int64][]Event),
	}
}

// Emit stores an event in the buffer.
//
// Events are organized by run ID. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory retrieves all events for a specific run.
//
// Returns events in the order they were emitted, as a copy that callers
// may mutate freely. Returns an empty slice if no events exist.
func (b *BufferedEmitter) GetHistory(runID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	if events == nil {
		return []Event{}
	}

	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter retrieves filtered events for a specific run.
//
// Applies the provided filter criteria to select matching events. All filter
// conditions must match for an event to be included (AND logic).
func (b *BufferedEmitter) GetHistoryWithFilter(runID int64, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	if events == nil {
		return []Event{}
	}

	var result []Event
	for _, event := range events {
		if !matchesFilter(event, filter) {
			continue
		}
		result = append(result, event)
	}

	if result == nil {
		return []Event{}
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.NodeKey != "" && event.NodeKey != filter.NodeKey {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.Attempt != nil && event.Attempt != *filter.Attempt {
		return false
	}
	return true
}

// Clear removes stored events.
//
// If runID is non-zero, clears only events for that specific run.
// If runID is zero, clears all stored events across all runs.
func (b *BufferedEmitter) Clear(runID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == 0 {
		b.events = make(map[int64][]Event)
	} else {
		delete(b.events, runID)
	}
}
