package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/events"
	"github.com/lexiqai/speech-relay/internal/observability"
	"github.com/lexiqai/speech-relay/internal/relay"
	"github.com/lexiqai/speech-relay/internal/streamserver"
	"github.com/lexiqai/speech-relay/internal/synth"
	"github.com/lexiqai/speech-relay/internal/upstream"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("base_url", cfg.OpenAIBaseURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Speech Relay Service starting")

	// Event bus: embedded NATS unless an external URL is configured
	var embedded *events.EmbeddedServer
	busURL := cfg.BusURL
	if cfg.BusEmbedded {
		embedded, err = events.StartEmbedded(cfg.BusPort, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start embedded event bus")
		}
		defer embedded.Shutdown()
		busURL = embedded.ClientURL()
	}
	natsBus, err := events.ConnectNATS(busURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to event bus")
	}
	defer natsBus.Close()

	hub := events.NewHub(logger)
	defer hub.Close()
	bus := events.Fanout{natsBus, hub}

	// Upstream client shared by all delivery modes
	client := upstream.NewClient(cfg.OpenAIBaseURL, logger)

	relays := relay.NewManager(client, bus, logger)

	streams, err := streamserver.New(cfg, client, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start stream session server")
	}
	defer streams.Close()

	synthesizer := synth.New(client, os.TempDir(), logger)

	// Periodic temp file housekeeping
	maxAge := time.Duration(cfg.TempFileMaxAgeMinutes) * time.Minute
	stopJanitor := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-stopJanitor:
				return
			case <-ticker.C:
				synthesizer.CleanupStale(maxAge)
			}
		}
	}()
	defer close(stopJanitor)

	api := &controlAPI{
		cfg:         cfg,
		relays:      relays,
		streams:     streams,
		synthesizer: synthesizer,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/speak", api.handleSpeak)
	mux.HandleFunc("/speak/", api.handleSpeakStop)
	mux.HandleFunc("/sessions", api.handleSessions)
	mux.HandleFunc("/sessions/", api.handleSessionStop)
	mux.HandleFunc("/synthesize", api.handleSynthesize)
	mux.HandleFunc("/files", api.handleDeleteFile)

	// Event subscribers (WebSocket fan-out)
	mux.HandleFunc("/events", hub.Handler())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	busCheck := func(ctx context.Context) (bool, error) {
		if !natsBus.Healthy() {
			return false, fmt.Errorf("event bus connection down")
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"event_bus": busCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Int("stream_port", streams.Port()).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

// controlAPI exposes the relay operations over local HTTP.
type controlAPI struct {
	cfg         *config.Config
	relays      *relay.Manager
	streams     *streamserver.Server
	synthesizer *synth.Synthesizer
}

// speakRequest is the JSON body shared by all synthesis endpoints. Blank
// fields fall back to the configured defaults.
type speakRequest struct {
	Text          string `json:"text"`
	Voice         string `json:"voice"`
	Model         string `json:"model"`
	Format        string `json:"format"`
	Instructions  string `json:"instructions"`
	Mode          string `json:"mode"` // "speech" (default) or "responses"
	RateAdjust    int    `json:"rate_adjust"`
	VolumePercent *uint  `json:"volume_percent"`
}

func (a *controlAPI) buildRequest(body speakRequest) (upstream.Request, error) {
	if strings.TrimSpace(body.Text) == "" {
		return upstream.Request{}, fmt.Errorf("text is required")
	}
	req := upstream.Request{
		Text:         body.Text,
		Voice:        body.Voice,
		Model:        body.Model,
		Format:       upstream.ParseFormat(body.Format),
		Instructions: body.Instructions,
		APIKey:       a.cfg.OpenAIAPIKey,
	}
	if req.Voice == "" {
		req.Voice = a.cfg.DefaultVoice
	}
	if req.Model == "" {
		req.Model = a.cfg.DefaultModel
	}
	if body.Format == "" {
		req.Format = upstream.ParseFormat(a.cfg.DefaultFormat)
	}
	return req, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request) (speakRequest, bool) {
	var body speakRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return body, false
	}
	return body, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// POST /speak starts a push-mode relay and returns its handle.
func (a *controlAPI) handleSpeak(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	req, err := a.buildRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var id uint64
	if body.Mode == "responses" {
		id = a.relays.StartResponses(req)
	} else {
		id = a.relays.StartSpeech(req)
	}
	writeJSON(w, http.StatusAccepted, map[string]uint64{"id": id})
}

// POST /speak/{id}/stop cancels a push-mode relay.
func (a *controlAPI) handleSpeakStop(w http.ResponseWriter, r *http.Request) {
	rest, found := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/speak/"), "/stop")
	if r.Method != http.MethodPost || !found {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": a.relays.Stop(id)})
}

// POST /sessions registers a pull-mode session and returns its URL.
func (a *controlAPI) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	req, err := a.buildRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := a.streams.CreateSession(req)
	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": id,
		"url":        a.streams.StreamURL(id),
	})
}

// DELETE /sessions/{id} stops a pull-mode session.
func (a *controlAPI) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if r.Method != http.MethodDelete || id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": a.streams.StopSession(id)})
}

// POST /synthesize performs finished-file synthesis and returns the path.
func (a *controlAPI) handleSynthesize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	body, ok := decodeBody(w, r)
	if !ok {
		return
	}
	req, err := a.buildRequest(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	volume := uint(100)
	if body.VolumePercent != nil {
		volume = *body.VolumePercent
	}

	path, err := a.synthesizer.SynthesizeToFile(r.Context(), req, body.RateAdjust, volume)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

// DELETE /files?path=... removes a synthesized temp file.
func (a *controlAPI) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.NotFound(w, r)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "path is required", http.StatusBadRequest)
		return
	}
	deleted, err := a.synthesizer.DeleteTempFile(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}
