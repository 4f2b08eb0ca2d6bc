// Package protocol frames newline-delimited JSON between the host and the
// assistant process and models the message envelopes exchanged over it.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/core-tools/hsu-assistant/pkg/errors"
)

const DefaultMaxLineBytes = 16 << 20

// Decoder reads one JSON value per line. Malformed lines are reported as
// MalformedMessage errors and decoding can continue with the next call.
type Decoder struct {
	reader       *bufio.Reader
	maxLineBytes int
	lineNumber   int
	err          error
}

func NewDecoder(r io.Reader, maxLineBytes int) *Decoder {
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	return &Decoder{
		reader:       bufio.NewReaderSize(r, 64*1024),
		maxLineBytes: maxLineBytes,
	}
}

// Decode returns the next JSON value. It returns io.EOF once the stream is
// exhausted; a final line without terminator is still decoded.
func (d *Decoder) Decode() (json.RawMessage, error) {
	for {
		if d.err != nil {
			return nil, d.err
		}

		line, oversize, err := d.readLine()
		if err != nil {
			d.err = err
		}
		if oversize {
			d.lineNumber++
			return nil, errors.NewMalformedMessageError(
				fmt.Sprintf("line exceeds %d bytes", d.maxLineBytes), nil).
				WithContext("line", d.lineNumber)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		d.lineNumber++

		if !json.Valid(line) {
			return nil, errors.NewMalformedMessageError("line is not valid JSON", nil).
				WithContext("line", d.lineNumber).
				WithContext("snippet", snippet(line))
		}

		value := make(json.RawMessage, len(line))
		copy(value, line)
		return value, nil
	}
}

// readLine returns one raw line, terminator included. Oversize lines are
// consumed up to the next terminator and reported without content.
func (d *Decoder) readLine() ([]byte, bool, error) {
	var line []byte
	oversize := false
	for {
		fragment, err := d.reader.ReadSlice('\n')
		if !oversize {
			line = append(line, fragment...)
			if len(line) > d.maxLineBytes+2 {
				oversize = true
				line = nil
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if !oversize && len(bytes.TrimRight(line, "\r\n")) > d.maxLineBytes {
			oversize = true
			line = nil
		}
		return line, oversize, err
	}
}

const snippetLength = 120

func snippet(line []byte) string {
	if len(line) <= snippetLength {
		return string(line)
	}
	return string(line[:snippetLength]) + "..."
}

type flusher interface {
	Flush() error
}

// Encoder writes one JSON value per line. Each value goes out as a single
// Write call under a mutex, so concurrent encodes never interleave.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(v interface{}) error {
	line, err := marshalLine(v)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(line); err != nil {
		return errors.NewIOError("failed to write message", err)
	}
	if f, ok := e.w.(flusher); ok {
		if err := f.Flush(); err != nil {
			return errors.NewIOError("failed to flush message", err)
		}
	}
	return nil
}

func marshalLine(v interface{}) ([]byte, error) {
	var data []byte
	switch value := v.(type) {
	case json.RawMessage:
		data = value
	case []byte:
		data = value
	default:
		marshalled, err := json.Marshal(v)
		if err != nil {
			return nil, errors.NewValidationError("failed to marshal message", err)
		}
		data = marshalled
	}

	var buf bytes.Buffer
	buf.Grow(len(data) + 1)
	if err := json.Compact(&buf, data); err != nil {
		return nil, errors.NewValidationError("message is not valid JSON", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}
