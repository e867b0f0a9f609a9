package stream

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestEventReader(t *testing.T) {
	body := strings.Join([]string{
		": keep-alive",
		"",
		"data: {\"status\":\"connected\"}",
		"",
		"id: 42\r",
		"event: vehicleUpdate\r",
		"data: {\"vehicleId\":\"V1\",",
		"data: \"latitude\":1}",
		"",
		"retry: 2500",
		"data:plain",
		"",
		"data: truncated",
	}, "\n")

	r := NewEventReader(strings.NewReader(body))

	ev, err := r.Next()
	if err != nil || Data(ev) != `{"status":"connected"}` || ev.Event != "message" {
		t.Fatalf("first event = %+v, %v", ev, err)
	}

	ev, err = r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if ev.Id != "42" || ev.Event != "vehicleUpdate" || Data(ev) != "{\"vehicleId\":\"V1\",\n\"latitude\":1}" {
		t.Fatalf("second event = %+v", ev)
	}

	ev, err = r.Next()
	if err != nil || ev.Retry != 2500 || Data(ev) != "plain" {
		t.Fatalf("third event = %+v, %v", ev, err)
	}

	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("partial trailing block should be dropped with EOF, got %v", err)
	}
}

func TestEventReaderRetry(t *testing.T) {
	r := NewEventReader(strings.NewReader("retry: soon\ndata: x\n\nretry: 100\n\ndata: y\n\n"))

	ev, err := r.Next()
	if err != nil || ev.Retry != 0 || Data(ev) != "x" {
		t.Fatalf("non-numeric retry should be ignored, got %+v, %v", ev, err)
	}

	ev, err = r.Next()
	if err != nil || ev.Retry != 100 || Data(ev) != "" {
		t.Fatalf("retry-only block = %+v, %v", ev, err)
	}

	ev, err = r.Next()
	if err != nil || ev.Retry != 0 || Data(ev) != "y" {
		t.Fatalf("retry must not leak into later events, got %+v, %v", ev, err)
	}
}
