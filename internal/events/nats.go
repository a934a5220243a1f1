package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// subjectPrefix is the NATS subject root for stream events; the event type
// is appended, e.g. "tts.stream.chunk".
const subjectPrefix = "tts.stream."

// NATSBus publishes stream events as JSON messages on per-type NATS
// subjects.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

// ConnectNATS connects to the given NATS URL and returns a bus over it.
func ConnectNATS(url string, logger zerolog.Logger) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("speech-relay"),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	logger.Info().Str("url", url).Msg("Connected to NATS event bus")
	return &NATSBus{
		conn:   conn,
		logger: logger.With().Str("component", "nats-bus").Logger(),
	}, nil
}

// Publish sends the event on its subject. Marshal or publish failures are
// logged and dropped; the bus is best-effort by contract.
func (b *NATSBus) Publish(ev StreamEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn().Err(err).Msg("Failed to marshal stream event")
		return
	}
	if err := b.conn.Publish(subjectPrefix+string(ev.Type), payload); err != nil {
		b.logger.Warn().Err(err).Uint64("stream_id", ev.StreamID).Msg("Failed to publish stream event")
	}
}

// Healthy reports whether the underlying connection is up.
func (b *NATSBus) Healthy() bool {
	return b != nil && b.conn != nil && b.conn.Status() == nats.CONNECTED
}

// Close drains and closes the connection.
func (b *NATSBus) Close() {
	if b == nil || b.conn == nil {
		return
	}
	b.logger.Info().Msg("Closing NATS connection")
	b.conn.Drain()
	b.conn.Close()
}
