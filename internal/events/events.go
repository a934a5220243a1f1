// Package events carries push-mode stream events from the relays to local
// consumers. Delivery is fan-out: the NATS bus serves programmatic
// subscribers, the WebSocket hub serves the desktop shell.
package events

// EventType names the lifecycle signals of one push-mode stream.
type EventType string

const (
	TypeStart     EventType = "start"
	TypeChunk     EventType = "chunk"
	TypeEnd       EventType = "end"
	TypeCancelled EventType = "cancelled"
	TypeError     EventType = "error"
)

// StreamEvent is one signal on the local event bus, keyed by the numeric
// relay id. Within one stream the order is: start, zero or more chunks in
// upstream arrival order, then exactly one terminal event (end, cancelled
// or error).
type StreamEvent struct {
	Type     EventType `json:"type"`
	StreamID uint64    `json:"id"`
	MIME     string    `json:"mime,omitempty"`    // start only
	Data     string    `json:"data,omitempty"`    // chunk only, base64 provider-native audio
	Message  string    `json:"message,omitempty"` // error only
}

// Bus publishes stream events to local consumers. Publish must be safe for
// concurrent use and must not block on slow consumers.
type Bus interface {
	Publish(ev StreamEvent)
}

// Fanout delivers every event to each of its children.
type Fanout []Bus

func (f Fanout) Publish(ev StreamEvent) {
	for _, b := range f {
		if b != nil {
			b.Publish(ev)
		}
	}
}

// Start constructs a start event announcing the stream's MIME type.
func Start(id uint64, mime string) StreamEvent {
	return StreamEvent{Type: TypeStart, StreamID: id, MIME: mime}
}

// Chunk constructs a chunk event carrying base64-encoded audio.
func Chunk(id uint64, data string) StreamEvent {
	return StreamEvent{Type: TypeChunk, StreamID: id, Data: data}
}

// End constructs the normal terminal event.
func End(id uint64) StreamEvent {
	return StreamEvent{Type: TypeEnd, StreamID: id}
}

// Cancelled constructs the cancellation terminal event. Cancellation is a
// normal outcome, not an error.
func Cancelled(id uint64) StreamEvent {
	return StreamEvent{Type: TypeCancelled, StreamID: id}
}

// Error constructs the failure terminal event.
func Error(id uint64, message string) StreamEvent {
	return StreamEvent{Type: TypeError, StreamID: id, Message: message}
}
