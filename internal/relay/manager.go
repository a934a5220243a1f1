// Package relay runs push-mode synthesis streams: each relay calls the
// upstream API, re-frames the audio into chunk events on the local bus and
// honors cooperative cancellation by numeric handle.
package relay

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/events"
	"github.com/lexiqai/speech-relay/internal/upstream"
)

const (
	modeSpeech    = "speech"
	modeResponses = "responses"
)

// Manager owns the registry of running relays. Handles are never reused
// within a process.
type Manager struct {
	client *upstream.Client
	bus    events.Bus
	logger zerolog.Logger

	mu     sync.Mutex
	active map[uint64]*Token
	nextID atomic.Uint64
}

// NewManager creates a manager publishing to the given bus.
func NewManager(client *upstream.Client, bus events.Bus, logger zerolog.Logger) *Manager {
	return &Manager{
		client: client,
		bus:    bus,
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

// StartSpeech launches a direct chunk relay against the speech endpoint and
// returns its handle immediately.
func (m *Manager) StartSpeech(req upstream.Request) uint64 {
	id, tok := m.register()
	go m.runSpeech(id, req, tok)
	return id
}

// StartResponses launches an SSE relay against the responses endpoint and
// returns its handle immediately.
func (m *Manager) StartResponses(req upstream.Request) uint64 {
	id, tok := m.register()
	go m.runResponses(id, req, tok)
	return id
}

// Stop cancels the relay with the given handle. It returns false when no
// such relay is running; stopping an unknown or finished handle is a no-op.
func (m *Manager) Stop(id uint64) bool {
	m.mu.Lock()
	tok, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return false
	}
	tok.Cancel()
	m.logger.Info().Uint64("stream_id", id).Msg("Relay cancellation requested")
	return true
}

// ActiveCount returns the number of relays currently running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *Manager) register() (uint64, *Token) {
	id := m.nextID.Add(1)
	tok := NewToken()
	m.mu.Lock()
	if m.active == nil {
		m.active = make(map[uint64]*Token)
	}
	m.active[id] = tok
	m.mu.Unlock()
	return id, tok
}

func (m *Manager) unregister(id uint64) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

// bodyChunk is one read from the upstream response body. A nil data with a
// non-nil err carries a mid-stream read failure; channel close means EOF.
type bodyChunk struct {
	data []byte
	err  error
}

// readChunks pumps the body into a channel so the relay loop can race reads
// against cancellation. The pump aborts when done closes.
func readChunks(body io.Reader, done <-chan struct{}) <-chan bodyChunk {
	ch := make(chan bodyChunk)
	go func() {
		defer close(ch)
		buf := make([]byte, 16*1024)
		for {
			n, err := body.Read(buf)
			if n > 0 {
				data := make([]byte, n)
				copy(data, buf[:n])
				select {
				case ch <- bodyChunk{data: data}:
				case <-done:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case ch <- bodyChunk{err: err}:
					case <-done:
					}
				}
				return
			}
		}
	}()
	return ch
}
