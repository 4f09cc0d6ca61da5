// Package streaming implements the Streaming Channel (C9): a bounded,
// strictly-ordered, per-request NDJSON event queue. Grounded on the
// teacher's orchestration/task_worker.go and redis_task_queue.go (bounded
// channel + single-consumer drain loop) and hitl_*.go (the "form" event
// shape, for human-in-the-loop clarification requests), adapted from a
// Redis-backed cross-process queue to an in-process per-request channel
// since spec.md's Non-goals exclude the outer HTTP/SSE transport.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/veritas-project/veritas/core"
)

// EventType enumerates the NDJSON event kinds, per spec.md §4.9.
type EventType string

const (
	EventStatus   EventType = "status"
	EventText     EventType = "text_chunk"
	EventWidget   EventType = "widget"
	EventForm     EventType = "form"
	EventSources  EventType = "sources"
	EventMetadata EventType = "metadata"
	EventError    EventType = "error"
)

// Event is one NDJSON line published to a request's stream.
type Event struct {
	Type      EventType   `json:"type"`
	Stage     string      `json:"stage,omitempty"`
	Progress  float64     `json:"progress,omitempty"`
	Content   string      `json:"content,omitempty"`
	ChunkID   string      `json:"chunk_id,omitempty"`
	WidgetType string     `json:"widget_type,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Fields    interface{} `json:"fields,omitempty"`
	Sources   interface{} `json:"sources,omitempty"`
	Kind      string      `json:"kind,omitempty"`
	Message   string      `json:"message,omitempty"`
	Metadata  interface{} `json:"metadata,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// MarshalNDJSON renders the event as one newline-terminated JSON line.
func (e Event) MarshalNDJSON() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// DefaultQueueCapacity matches spec.md §6's STREAM_QUEUE_CAPACITY default.
const DefaultQueueCapacity = 256

// HeartbeatInterval bounds the gap between events on an otherwise-idle
// stream, per spec.md §4.9 ("emit at least one event before 1s or send a
// heartbeat").
const HeartbeatInterval = 900 * time.Millisecond

// requestQueue is one request's strictly-ordered, bounded event buffer.
// A single writer goroutine (the publishing side, driven by the
// executor/synthesiser) and any number of readers share it safely.
type requestQueue struct {
	events chan Event
	done   chan struct{}
	once   sync.Once
}

// Channel is the C9 Streaming Channel: a registry of per-request
// bounded queues.
type Channel struct {
	mu       sync.Mutex
	queues   map[string]*requestQueue
	capacity int
	logger   core.Logger
}

// Option configures a Channel at construction.
type Option func(*Channel)

func WithCapacity(n int) Option     { return func(c *Channel) { c.capacity = n } }
func WithLogger(l core.Logger) Option { return func(c *Channel) { c.logger = l } }

// New builds a Channel with the given capacity, or DefaultQueueCapacity
// if unset.
func New(opts ...Option) *Channel {
	c := &Channel{queues: make(map[string]*requestQueue), capacity: DefaultQueueCapacity, logger: &core.NoOpLogger{}}
	for _, o := range opts {
		o(c)
	}
	if cal, ok := c.logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("pipeline/streaming")
	}
	return c
}

func (c *Channel) queueFor(requestID string) *requestQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[requestID]
	if !ok {
		q = &requestQueue{events: make(chan Event, c.capacity), done: make(chan struct{})}
		c.queues[requestID] = q
	}
	return q
}

// Publish implements spec.md §4.9's publish(event). It blocks if the
// request's queue is full, propagating backpressure to the caller
// (typically the step executor) rather than dropping events.
func (c *Channel) Publish(ctx context.Context, requestID string, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	q := c.queueFor(requestID)
	select {
	case q.events <- e:
		return nil
	case <-q.done:
		return nil // stream already closed, drop silently
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks a request's stream finished and stops accepting further
// publishes; any buffered events are still delivered to subscribers.
func (c *Channel) Close(requestID string) {
	q := c.queueFor(requestID)
	q.once.Do(func() { close(q.done) })
}

// Remove drops a request's queue from the registry, called by the owning
// Pipeline's Cleanup right after Close; a subscriber already attached
// keeps its reference to the queue and still drains the buffered events.
func (c *Channel) Remove(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queues, requestID)
}

// Subscribe returns a channel delivering every event published for
// requestID, in publish order, terminating when Close is called and the
// buffer drains, per spec.md §4.9's subscribe(request_id) → event_stream.
func (c *Channel) Subscribe(ctx context.Context, requestID string) <-chan Event {
	q := c.queueFor(requestID)
	out := make(chan Event, c.capacity)
	go func() {
		defer close(out)
		heartbeat := time.NewTicker(HeartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case e, ok := <-q.events:
				if !ok {
					return
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			case <-heartbeat.C:
				select {
				case out <- Event{Type: EventStatus, Stage: "heartbeat", Timestamp: time.Now()}:
				case <-ctx.Done():
					return
				}
			case <-q.done:
				// drain whatever remains in the buffer, then exit
				for {
					select {
					case e, ok := <-q.events:
						if !ok {
							return
						}
						select {
						case out <- e:
						case <-ctx.Done():
							return
						}
					default:
						return
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
