package streamserver

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/speech-relay/internal/config"
	"github.com/lexiqai/speech-relay/internal/upstream"
)

func testConfig() *config.Config {
	return &config.Config{
		SessionTTLSeconds:      60,
		JanitorIntervalSeconds: 60,
	}
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Server, *httptest.Server) {
	t.Helper()
	stub := httptest.NewServer(handler)
	t.Cleanup(stub.Close)

	client := upstream.NewClient(stub.URL, zerolog.Nop())
	srv, err := New(testConfig(), client, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(srv.Close)
	return srv, stub
}

func testRequest(format upstream.Format) upstream.Request {
	return upstream.Request{
		Text:   "hello",
		Voice:  "alloy",
		Model:  "gpt-4o-mini-tts",
		Format: format,
		APIKey: "test-key",
	}
}

func TestServer_StreamDelivery(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ABC"))
	})

	id := srv.CreateSession(testRequest(upstream.FormatMP3))
	url := srv.StreamURL(id)
	if !strings.Contains(url, "127.0.0.1") || !strings.HasSuffix(url, "/stream/"+id) {
		t.Fatalf("Unexpected stream URL: %s", url)
	}

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Errorf("Expected Content-Type audio/mpeg, got %q", got)
	}
	if got := resp.Header.Get("Cache-Control"); got != "no-cache" {
		t.Errorf("Expected Cache-Control no-cache, got %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "ABC" {
		t.Errorf("Expected body ABC, got %q", body)
	}

	// The session is single-use.
	deadline := time.Now().Add(2 * time.Second)
	for srv.SessionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.SessionCount(); got != 0 {
		t.Errorf("Expected session removed after streaming, have %d", got)
	}
}

func TestServer_UnknownSession(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	resp, err := http.Get(srv.StreamURL("no-such-session"))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestServer_OtherPathsRejected(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})
	id := srv.CreateSession(testRequest(upstream.FormatMP3))

	resp, err := http.Post(srv.StreamURL(id), "text/plain", strings.NewReader("x"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for POST, got %d", resp.StatusCode)
	}
}

func TestServer_UpstreamRejected(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("bad key"))
	})

	id := srv.CreateSession(testRequest(upstream.FormatMP3))
	resp, err := http.Get(srv.StreamURL(id))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("Expected 502, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "upstream error 403: bad key") {
		t.Errorf("Expected upstream error body, got %q", body)
	}
	if got := srv.SessionCount(); got != 0 {
		t.Errorf("Expected failed session removed, have %d", got)
	}
}

func TestServer_StopSession(t *testing.T) {
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {})

	id := srv.CreateSession(testRequest(upstream.FormatOpus))
	if !srv.StopSession(id) {
		t.Fatal("Expected StopSession on known id to return true")
	}
	if srv.StopSession(id) {
		t.Error("Expected StopSession on removed id to return false")
	}

	resp, err := http.Get(srv.StreamURL(id))
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 after stop, got %d", resp.StatusCode)
	}
}

func TestServer_CleanupIdle(t *testing.T) {
	reached := make(chan struct{})
	release := make(chan struct{})
	srv, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		close(reached)
		<-release
		w.Write([]byte("done"))
	})

	idle := srv.CreateSession(testRequest(upstream.FormatMP3))
	active := srv.CreateSession(testRequest(upstream.FormatMP3))

	fetchDone := make(chan struct{})
	go func() {
		defer close(fetchDone)
		resp, err := http.Get(srv.StreamURL(active))
		if err == nil {
			io.ReadAll(resp.Body)
			resp.Body.Close()
		}
	}()

	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for upstream call")
	}

	// The fetched session is started and must survive; the idle one goes.
	time.Sleep(10 * time.Millisecond)
	if got := srv.CleanupIdle(0); got != 1 {
		t.Errorf("Expected 1 session reaped, got %d", got)
	}
	if srv.StopSession(idle) {
		t.Error("Expected idle session to be gone after cleanup")
	}
	if got := srv.SessionCount(); got != 1 {
		t.Errorf("Expected started session to survive, have %d", got)
	}

	close(release)
	<-fetchDone
}
