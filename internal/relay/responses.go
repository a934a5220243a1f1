package relay

import (
	"context"
	"encoding/json"

	"github.com/lexiqai/speech-relay/internal/events"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/sse"
	"github.com/lexiqai/speech-relay/internal/upstream"
)

// sseEnvelope is the subset of the responses-endpoint event JSON the relay
// cares about. Audio deltas arrive already base64 encoded; older payloads
// carry the bytes under "audio" instead of "delta".
type sseEnvelope struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Audio string `json:"audio"`
}

// runResponses relays the SSE-framed responses stream, forwarding audio
// deltas as chunk events. Both the "[DONE]" literal and a
// response.completed event end the stream; so does upstream EOF, since the
// provider does not always send a terminal marker.
func (m *Manager) runResponses(id uint64, req upstream.Request, tok *Token) {
	defer m.unregister(id)

	logger := m.logger.With().Uint64("stream_id", id).Str("mode", modeResponses).Logger()

	resp, err := m.client.Responses(context.Background(), req)
	if err != nil {
		logger.Error().Err(err).Msg("Upstream responses request failed")
		m.bus.Publish(events.Error(id, err.Error()))
		observability.RecordRelayEnd(modeResponses, "error")
		return
	}
	defer resp.Body.Close()

	m.bus.Publish(events.Start(id, req.Format.StreamMIME()))
	logger.Debug().Str("mime", req.Format.StreamMIME()).Msg("Relay started")

	var buf []byte
	chunks := readChunks(resp.Body, tok.Done())
	for {
		select {
		case <-tok.Done():
			m.bus.Publish(events.Cancelled(id))
			observability.RecordRelayEnd(modeResponses, "cancelled")
			logger.Info().Msg("Relay cancelled")
			return
		case c, ok := <-chunks:
			if !ok {
				// EOF without a terminal marker still ends the stream.
				m.bus.Publish(events.End(id))
				observability.RecordRelayEnd(modeResponses, "end")
				logger.Debug().Msg("Relay finished at upstream EOF")
				return
			}
			if c.err != nil {
				logger.Error().Err(c.err).Msg("Upstream stream read failed")
				m.bus.Publish(events.Error(id, c.err.Error()))
				observability.RecordRelayEnd(modeResponses, "error")
				return
			}
			buf = append(buf, c.data...)
			var done bool
			buf, done = m.drainEvents(id, buf)
			if done {
				m.bus.Publish(events.End(id))
				observability.RecordRelayEnd(modeResponses, "end")
				logger.Debug().Msg("Relay finished")
				return
			}
		}
	}
}

// drainEvents consumes every complete SSE event in buf, publishing chunk
// events for audio deltas. It returns the remaining buffer and whether a
// terminal marker was seen.
func (m *Manager) drainEvents(id uint64, buf []byte) ([]byte, bool) {
	for {
		buf, _ = sse.ConsumeLeadingSeparators(buf)
		end, ok := sse.FindEventBoundary(buf)
		if !ok {
			return buf, false
		}
		event := buf[:end]
		buf = buf[end:]

		payload, ok := sse.ExtractDataPayload(event)
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			return buf, true
		}

		var env sseEnvelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			continue
		}
		switch env.Type {
		case "response.completed":
			return buf, true
		case "response.output_audio.delta":
			data := env.Delta
			if data == "" {
				data = env.Audio
			}
			if data != "" {
				m.bus.Publish(events.Chunk(id, data))
				observability.RecordAudioBytes("push", int64(len(data)))
			}
		default:
			// Text deltas and lifecycle events carry no audio.
		}
	}
}
