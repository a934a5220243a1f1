package relay

import (
	"context"
	"encoding/base64"

	"github.com/lexiqai/speech-relay/internal/events"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/upstream"
)

// runSpeech relays the raw audio body of a speech request as base64 chunk
// events. The body is not drained after cancellation; whatever the kernel
// buffered is dropped with the connection.
func (m *Manager) runSpeech(id uint64, req upstream.Request, tok *Token) {
	defer m.unregister(id)

	logger := m.logger.With().Uint64("stream_id", id).Str("mode", modeSpeech).Logger()

	// Push-mode streaming knows two containers: mp3 passes through,
	// everything else is requested and announced as opus.
	if req.Format != upstream.FormatMP3 {
		req.Format = upstream.FormatOpus
	}

	resp, err := m.client.Speech(context.Background(), req)
	if err != nil {
		logger.Error().Err(err).Msg("Upstream speech request failed")
		m.bus.Publish(events.Error(id, err.Error()))
		observability.RecordRelayEnd(modeSpeech, "error")
		return
	}
	defer resp.Body.Close()

	m.bus.Publish(events.Start(id, req.Format.StreamMIME()))
	logger.Debug().Str("mime", req.Format.StreamMIME()).Msg("Relay started")

	chunks := readChunks(resp.Body, tok.Done())
	for {
		select {
		case <-tok.Done():
			m.bus.Publish(events.Cancelled(id))
			observability.RecordRelayEnd(modeSpeech, "cancelled")
			logger.Info().Msg("Relay cancelled")
			return
		case c, ok := <-chunks:
			if !ok {
				m.bus.Publish(events.End(id))
				observability.RecordRelayEnd(modeSpeech, "end")
				logger.Debug().Msg("Relay finished")
				return
			}
			if c.err != nil {
				logger.Error().Err(c.err).Msg("Upstream stream read failed")
				m.bus.Publish(events.Error(id, c.err.Error()))
				observability.RecordRelayEnd(modeSpeech, "error")
				return
			}
			m.bus.Publish(events.Chunk(id, base64.StdEncoding.EncodeToString(c.data)))
			observability.RecordAudioBytes("push", int64(len(c.data)))
		}
	}
}
