package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single wire frame. A full scrollback replay fits
// comfortably; anything larger indicates a corrupt stream.
const MaxFrameSize = 1 << 20

// ErrMalformedFrame reports a line that is not valid JSON. It is non-fatal:
// the decoder stays usable and the next line may decode cleanly.
var ErrMalformedFrame = errors.New("malformed frame")

// Encoder writes newline-delimited frames. Writes are serialized so frames
// from concurrent goroutines never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder creates an encoder on w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode marshals msg and writes it followed by exactly one newline, as a
// single Write call.
func (e *Encoder) Encode(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// Decoder reads newline-delimited frames, buffering partial reads until a
// full line is available.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder creates a decoder on r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)
	return &Decoder{scanner: scanner}
}

// Decode returns the next frame. Empty lines are skipped. A line that fails
// to parse returns ErrMalformedFrame without consuming the rest of the
// stream. io.EOF is returned when the underlying reader is exhausted.
func (d *Decoder) Decode() (Message, error) {
	for d.scanner.Scan() {
		line := bytes.TrimSpace(d.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return msg, nil
	}
	if err := d.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
