package event

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// ErrClosed is returned by StreamWriter.Write after Close.
var ErrClosed = errors.New("event stream writer is closed")

// StreamWriter writes events to an NDJSON stream, one event per line,
// flushing after every write so consumers see events as they happen.
type StreamWriter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	flusher interface{ Flush() }
	closed  bool
}

// NewStreamWriter wraps w in a stream writer. If w implements Flush (as
// http.ResponseWriter does via http.Flusher adapters), every event is
// flushed immediately.
func NewStreamWriter(w io.Writer) *StreamWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	sw := &StreamWriter{enc: enc}
	if f, ok := w.(interface{ Flush() }); ok {
		sw.flusher = f
	}
	return sw
}

// Write encodes one event onto the stream.
func (sw *StreamWriter) Write(e Event) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return ErrClosed
	}
	if err := sw.enc.Encode(e); err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if sw.flusher != nil {
		sw.flusher.Flush()
	}
	return nil
}

// Close marks the writer closed. It does not close the underlying writer.
func (sw *StreamWriter) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.closed = true
	return nil
}

// Decode parses a single NDJSON record into an event.
func Decode(line []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, fmt.Errorf("invalid event record: %w", err)
	}
	if e.Kind == "" {
		return Event{}, errors.New("event record missing kind")
	}
	return e, nil
}

// StreamReader reads events off an NDJSON stream. Malformed records are
// skipped rather than aborting the stream; the skip count is retained for
// diagnostics.
type StreamReader struct {
	scanner *bufio.Scanner
	skipped int
}

// NewStreamReader wraps r. The scanner buffer is sized for large tool
// results, which can exceed bufio.Scanner's default 64 KiB token limit.
func NewStreamReader(r io.Reader) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 128*1024), 10*1024*1024)
	return &StreamReader{scanner: scanner}
}

// Next returns the next parseable event, or io.EOF when the stream ends.
func (sr *StreamReader) Next() (Event, error) {
	for sr.scanner.Scan() {
		line := strings.TrimSpace(sr.scanner.Text())
		if line == "" {
			continue
		}
		e, err := Decode([]byte(line))
		if err != nil {
			sr.skipped++
			continue
		}
		return e, nil
	}
	if err := sr.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// Skipped reports how many malformed records were dropped so far.
func (sr *StreamReader) Skipped() int {
	return sr.skipped
}
