package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
)

// Sink receives the result stream of a run.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, e Event) error

func (f SinkFunc) Write(ctx context.Context, e Event) error { return f(ctx, e) }

// SerialSink serializes writes to an underlying sink that is not safe for concurrent use.
type SerialSink struct {
	mu   sync.Mutex
	sink Sink
}

// NewSerialSink wraps sink with a single writer lock.
func NewSerialSink(sink Sink) *SerialSink {
	return &SerialSink{sink: sink}
}

func (s *SerialSink) Write(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sink.Write(ctx, e)
}

// BusSink publishes events onto an EventBus. Output lines are published
// without blocking and may be dropped for slow subscribers; lifecycle events
// wait until every subscriber has room.
type BusSink struct {
	bus *EventBus
}

// NewBusSink creates a sink publishing to bus.
func NewBusSink(bus *EventBus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Write(ctx context.Context, e Event) error {
	if _, ok := e.(TaskOutputEvent); ok {
		s.bus.Publish(e)
		return nil
	}
	return s.bus.Deliver(ctx, e)
}

// envelope is the NDJSON line written by JSONSink.
type envelope struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
}

// JSONSink writes one JSON object per event, newline-delimited.
type JSONSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONSink creates a sink encoding to w.
func NewJSONSink(w io.Writer) *JSONSink {
	return &JSONSink{enc: json.NewEncoder(w)}
}

func (s *JSONSink) Write(ctx context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(envelope{Type: e.EventType(), Event: e})
}

// MultiSink writes every event to each sink in order.
// All sinks see the event even if an earlier one fails.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Collector records every event it receives.
type Collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *Collector) Write(ctx context.Context, e Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

// Events returns a copy of the recorded events in arrival order.
func (c *Collector) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

// Started returns the TaskStarted events keyed by task ID.
func (c *Collector) Started() map[string]TaskStartedEvent {
	out := make(map[string]TaskStartedEvent)
	for _, e := range c.Events() {
		if s, ok := e.(TaskStartedEvent); ok {
			out[s.ID] = s
		}
	}
	return out
}

// Completed returns the TaskCompleted events keyed by task ID.
func (c *Collector) Completed() map[string]TaskCompletedEvent {
	out := make(map[string]TaskCompletedEvent)
	for _, e := range c.Events() {
		if done, ok := e.(TaskCompletedEvent); ok {
			out[done.ID] = done
		}
	}
	return out
}

// Output returns the output lines of one task.
func (c *Collector) Output(id string) []string {
	var lines []string
	for _, e := range c.Events() {
		if o, ok := e.(TaskOutputEvent); ok && o.ID == id {
			lines = append(lines, o.Line)
		}
	}
	return lines
}

// Job returns the JobComplete event, if one was recorded.
func (c *Collector) Job() (JobCompleteEvent, bool) {
	for _, e := range c.Events() {
		if j, ok := e.(JobCompleteEvent); ok {
			return j, true
		}
	}
	return JobCompleteEvent{}, false
}
