package stream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"

	"github.com/gin-contrib/sse"
)

// maxLineSize bounds a single line of the event stream.
const maxLineSize = 1 << 20

var retryField = []byte("retry:")

// EventReader splits a text/event-stream body into events. Each
// blank-line-terminated block is decoded on its own so that a long-lived
// stream never has to be buffered whole.
type EventReader struct {
	scanner *bufio.Scanner
	block   bytes.Buffer
	retry   uint
}

// NewEventReader returns a reader of the events in r.
func NewEventReader(r io.Reader) *EventReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)
	return &EventReader{scanner: scanner}
}

// Next blocks until a complete event is available. Blocks holding only
// comments or empty data are skipped. A partial block at end of input is
// discarded and io.EOF returned.
func (r *EventReader) Next() (sse.Event, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSuffix(r.scanner.Bytes(), []byte{'\r'})
		if bytes.HasPrefix(line, retryField) {
			r.parseRetry(line[len(retryField):])
			continue
		}
		if len(line) > 0 {
			r.block.Write(line)
			r.block.WriteByte('\n')
			continue
		}
		if r.block.Len() == 0 && r.retry == 0 {
			continue
		}

		r.block.WriteByte('\n')
		events, err := sse.Decode(&r.block)
		r.block.Reset()
		retry := r.retry
		r.retry = 0
		if err != nil {
			return sse.Event{}, fmt.Errorf("decode event: %w", err)
		}
		if len(events) > 0 {
			events[0].Retry = retry
			return events[0], nil
		}
		if retry > 0 {
			return sse.Event{Retry: retry}, nil
		}
	}

	if err := r.scanner.Err(); err != nil {
		return sse.Event{}, err
	}
	return sse.Event{}, io.EOF
}

// parseRetry keeps the reconnection time in milliseconds. Values that are
// not plain digits are ignored.
func (r *EventReader) parseRetry(value []byte) {
	value = bytes.TrimPrefix(value, []byte{' '})
	if len(value) == 0 {
		return
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return
		}
	}
	if ms, err := strconv.ParseUint(string(value), 10, 32); err == nil {
		r.retry = uint(ms)
	}
}

// Data returns the event payload as text.
func Data(ev sse.Event) string {
	switch d := ev.Data.(type) {
	case string:
		return d
	case []byte:
		return string(d)
	case nil:
		return ""
	default:
		return fmt.Sprint(d)
	}
}
