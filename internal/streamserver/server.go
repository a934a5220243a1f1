// Package streamserver exposes pull-mode synthesis: a caller registers a
// session up front and hands the returned loopback URL to any media player,
// which then pulls the audio over plain HTTP.
package streamserver

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/upstream"
)

// Session is one registered pull-mode synthesis request. The upstream call
// happens lazily, on the first GET of the session's URL.
type Session struct {
	ID  string
	Req upstream.Request

	cancel    atomic.Bool
	started   atomic.Bool
	createdAt time.Time
}

// Server owns the session registry and the loopback HTTP listener.
type Server struct {
	client *upstream.Client
	logger zerolog.Logger
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	httpSrv *http.Server
	port    int
	stop    chan struct{}
	stopOne sync.Once
}

// New binds an ephemeral loopback port, starts serving and launches the
// idle-session janitor.
func New(cfg *config.Config, client *upstream.Client, logger zerolog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("bind stream listener: %w", err)
	}

	s := &Server{
		client:   client,
		logger:   logger.With().Str("component", "streamserver").Logger(),
		ttl:      cfg.SessionTTL(),
		sessions: make(map[string]*Session),
		port:     listener.Addr().(*net.TCPAddr).Port,
		stop:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stream/", s.handleStream)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Stream server stopped unexpectedly")
		}
	}()
	go s.janitor(cfg.JanitorInterval())

	s.logger.Info().Int("port", s.port).Msg("Pull-mode stream server listening")
	return s, nil
}

// Port returns the bound loopback port.
func (s *Server) Port() int {
	return s.port
}

// CreateSession registers a synthesis request and returns its session id.
func (s *Server) CreateSession(req upstream.Request) string {
	sess := &Session{
		ID:        uuid.NewString(),
		Req:       req,
		createdAt: time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	observability.RecordSessionCreated()
	s.logger.Debug().Str("session_id", sess.ID).Str("format", string(req.Format)).Msg("Session created")
	return sess.ID
}

// StreamURL returns the playback URL for a session id.
func (s *Server) StreamURL(id string) string {
	return fmt.Sprintf("http://127.0.0.1:%d/stream/%s", s.port, id)
}

// StopSession flags the session cancelled and removes it from the registry.
// It reports whether the session existed.
func (s *Server) StopSession(id string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		sess.cancel.Store(true)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	if ok {
		observability.RecordSessionRemoved()
		s.logger.Info().Str("session_id", id).Msg("Session stopped")
	}
	return ok
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// CleanupIdle removes sessions that were never fetched and are older than
// ttl. Started sessions are left alone regardless of age; the streaming
// handler removes them itself.
func (s *Server) CleanupIdle(ttl time.Duration) int {
	now := time.Now()
	s.mu.Lock()
	var reaped int
	for id, sess := range s.sessions {
		if !sess.started.Load() && now.Sub(sess.createdAt) > ttl {
			delete(s.sessions, id)
			reaped++
		}
	}
	s.mu.Unlock()
	if reaped > 0 {
		observability.RecordSessionsReaped(reaped)
		s.logger.Info().Int("count", reaped).Msg("Reaped idle sessions")
	}
	return reaped
}

// Close stops the janitor and shuts the listener down.
func (s *Server) Close() {
	s.stopOne.Do(func() { close(s.stop) })
	s.httpSrv.Close()
}

func (s *Server) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.CleanupIdle(s.ttl)
		}
	}
}

// removeSession drops the session if it is still registered. Safe to call
// after StopSession already removed it.
func (s *Server) removeSession(id string) {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if ok {
		observability.RecordSessionRemoved()
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/stream/")
	if r.Method != http.MethodGet || id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	sess.started.Store(true)

	logger := s.logger.With().Str("session_id", id).Logger()

	resp, err := s.client.Speech(r.Context(), sess.Req)
	if err != nil {
		// Both rejections and transport failures surface as a bad
		// gateway; this server only ever fronts the upstream API.
		var rejected *upstream.RejectedError
		msg := err.Error()
		if errors.As(err, &rejected) {
			msg = rejected.Error()
		}
		logger.Error().Err(err).Msg("Upstream synthesis failed for session")
		http.Error(w, msg, http.StatusBadGateway)
		s.removeSession(id)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", sess.Req.Format.ContentType())
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 16*1024)
	for {
		if sess.cancel.Load() {
			logger.Info().Msg("Session cancelled mid-stream")
			break
		}
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				logger.Debug().Err(werr).Msg("Player disconnected")
				break
			}
			if canFlush {
				flusher.Flush()
			}
			observability.RecordAudioBytes("pull", int64(n))
		}
		if err != nil {
			break
		}
	}

	s.removeSession(id)
	logger.Debug().Msg("Session stream finished")
}
