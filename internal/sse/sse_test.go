package sse

import "testing"

func TestFindEventBoundary(t *testing.T) {
	buf := []byte("data: one\n\ndata: par")

	pos, ok := FindEventBoundary(buf)
	if !ok {
		t.Fatal("Expected a boundary in buffer with one complete event")
	}
	if pos != len("data: one\n\n") {
		t.Errorf("Expected boundary at %d, got %d", len("data: one\n\n"), pos)
	}

	// The complete event must not include any bytes of the partial one.
	if string(buf[:pos]) != "data: one\n\n" {
		t.Errorf("Event slice includes partial-event bytes: %q", buf[:pos])
	}
}

func TestFindEventBoundary_CRLF(t *testing.T) {
	buf := []byte("data: one\r\n\r\nrest")

	pos, ok := FindEventBoundary(buf)
	if !ok {
		t.Fatal("Expected a boundary for CRLF-terminated event")
	}
	if pos != len("data: one\r\n\r\n") {
		t.Errorf("Expected boundary at %d, got %d", len("data: one\r\n\r\n"), pos)
	}
}

func TestFindEventBoundary_Incomplete(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("data: partial"),
		[]byte("data: partial\n"),
		[]byte("data: partial\r\n"),
	}
	for _, buf := range cases {
		if _, ok := FindEventBoundary(buf); ok {
			t.Errorf("Expected no boundary for %q", buf)
		}
	}
}

func TestConsumeLeadingSeparators(t *testing.T) {
	buf := []byte("\r\n\ndata: x\n\n")

	trimmed, n := ConsumeLeadingSeparators(buf)
	if n != 3 {
		t.Errorf("Expected 3 stripped bytes, got %d", n)
	}
	if string(trimmed) != "data: x\n\n" {
		t.Errorf("Unexpected trimmed buffer: %q", trimmed)
	}
}

func TestConsumeLeadingSeparators_NoSeparators(t *testing.T) {
	buf := []byte("data: x")

	trimmed, n := ConsumeLeadingSeparators(buf)
	if n != 0 {
		t.Errorf("Expected 0 stripped bytes, got %d", n)
	}
	if string(trimmed) != "data: x" {
		t.Errorf("Unexpected trimmed buffer: %q", trimmed)
	}
}

func TestExtractDataPayload(t *testing.T) {
	payload, ok := ExtractDataPayload([]byte("event: delta\ndata: {\"a\":1}\n"))
	if !ok {
		t.Fatal("Expected a data payload")
	}
	if payload != "{\"a\":1}" {
		t.Errorf("Unexpected payload: %q", payload)
	}
}

func TestExtractDataPayload_LastLineWins(t *testing.T) {
	payload, ok := ExtractDataPayload([]byte("data: first\ndata: second\n"))
	if !ok {
		t.Fatal("Expected a data payload")
	}
	if payload != "second" {
		t.Errorf("Expected last data line to win, got %q", payload)
	}
}

func TestExtractDataPayload_NoData(t *testing.T) {
	cases := [][]byte{
		[]byte(": keep-alive\n"),
		[]byte("event: ping\n"),
		[]byte(""),
	}
	for _, event := range cases {
		if payload, ok := ExtractDataPayload(event); ok {
			t.Errorf("Expected no payload for %q, got %q", event, payload)
		}
	}
}

func TestDrainLoop(t *testing.T) {
	// Simulate chunked arrival splitting an event mid-line.
	var buf []byte
	chunks := []string{"data: he", "llo\n\n\ndata: wor", "ld\n\ndata: tail"}

	var events []string
	for _, c := range chunks {
		buf = append(buf, c...)
		for {
			pos, ok := FindEventBoundary(buf)
			if !ok {
				break
			}
			event := buf[:pos]
			buf = buf[pos:]
			buf, _ = ConsumeLeadingSeparators(buf)
			if payload, ok := ExtractDataPayload(event); ok {
				events = append(events, payload)
			}
		}
	}

	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d: %v", len(events), events)
	}
	if events[0] != "hello" || events[1] != "world" {
		t.Errorf("Unexpected events: %v", events)
	}
	if string(buf) != "data: tail" {
		t.Errorf("Expected partial event to remain buffered, got %q", buf)
	}
}
