package marketplace

import "sync"

var (
	eventSinksMu sync.Mutex
	eventSinks   []func(Event)
)

// RegisterEventSink adds a callback to receive marketplace events.
func RegisterEventSink(sink func(Event)) {
	if sink == nil {
		return
	}
	eventSinksMu.Lock()
	eventSinks = append(eventSinks, sink)
	eventSinksMu.Unlock()
}

// PublishEvent forwards an event to registered sinks.
func PublishEvent(evt Event) {
	eventSinksMu.Lock()
	sinks := append([]func(Event){}, eventSinks...)
	eventSinksMu.Unlock()
	for _, sink := range sinks {
		sink(evt)
	}
}
