package events

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// recorder is a Bus that remembers everything published to it.
type recorder struct {
	mu     sync.Mutex
	events []StreamEvent
}

func (r *recorder) Publish(ev StreamEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []StreamEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StreamEvent(nil), r.events...)
}

func TestFanout(t *testing.T) {
	a := &recorder{}
	b := &recorder{}
	bus := Fanout{a, nil, b}

	bus.Publish(Start(7, "audio/mpeg"))
	bus.Publish(End(7))

	for _, r := range []*recorder{a, b} {
		got := r.all()
		if len(got) != 2 {
			t.Fatalf("Expected 2 events, got %d", len(got))
		}
		if got[0].Type != TypeStart || got[0].StreamID != 7 || got[0].MIME != "audio/mpeg" {
			t.Errorf("Unexpected start event: %+v", got[0])
		}
		if got[1].Type != TypeEnd {
			t.Errorf("Unexpected terminal event: %+v", got[1])
		}
	}
}

func TestStreamEvent_JSONShape(t *testing.T) {
	data, err := json.Marshal(Chunk(3, "QUJD"))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got := string(data)
	if !strings.Contains(got, `"type":"chunk"`) || !strings.Contains(got, `"id":3`) || !strings.Contains(got, `"data":"QUJD"`) {
		t.Errorf("Unexpected chunk JSON: %s", got)
	}
	if strings.Contains(got, "mime") || strings.Contains(got, "message") {
		t.Errorf("Empty fields should be omitted: %s", got)
	}
}

func TestHub_PublishToSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	// Registration happens in the handler before the upgrade returns, but
	// give the server a moment to observe the connection.
	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.SubscriberCount() != 1 {
		t.Fatalf("Expected 1 subscriber, got %d", hub.SubscriberCount())
	}

	hub.Publish(Error(9, "upstream error 403: bad key"))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}

	var ev StreamEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if ev.Type != TypeError || ev.StreamID != 9 || ev.Message != "upstream error 403: bad key" {
		t.Errorf("Unexpected event: %+v", ev)
	}
}

func TestHub_ConcurrentPublishers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	const publishers = 8
	const perPublisher = 50

	received := make(chan int, 1)
	go func() {
		count := 0
		for count < publishers*perPublisher {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, payload, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var ev StreamEvent
			if json.Unmarshal(payload, &ev) != nil || ev.Type != TypeChunk {
				break
			}
			count++
		}
		received <- count
	}()

	// Concurrent relays all publish through the same hub; none of these
	// writes may touch the conn directly.
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				hub.Publish(Chunk(id, "QUJD"))
			}
		}(uint64(i + 1))
	}
	wg.Wait()

	select {
	case count := <-received:
		if count == 0 {
			t.Error("Expected subscriber to receive events from concurrent publishers")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for subscriber reads")
	}
}

func TestHub_DropsClosedSubscriber(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	defer hub.Close()

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := hub.SubscriberCount(); got != 0 {
		t.Errorf("Expected closed subscriber to be dropped, have %d", got)
	}

	// Publishing to an empty hub must not panic.
	hub.Publish(End(1))
}
