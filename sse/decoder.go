// Package sse implements the chat stream wire format.
//
// The stream is a sequence of text blocks separated by a blank line. Each
// block carries one "event:" line and one or more "data:" lines. CRLF pairs
// are normalized to LF before framing, and multiple data lines within one
// block are concatenated with "\n". This framing and the event names in use
// (session, thought, chunk, done, error) are a compatibility surface with
// the workbench backend and must be parsed bit-for-bit identically.
package sse

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pithecene-io/assay/types"
)

// separator terminates one event block.
var separator = []byte("\n\n")

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorRead indicates a failed or truncated stream read.
	FrameErrorRead FrameErrorKind = iota
	// FrameErrorDecode indicates an undecodable event payload.
	FrameErrorDecode
)

// FrameError represents a frame decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsDecodeError returns true if the error is a payload decode error.
// Decode errors on structured events are tolerated where possible; only
// events whose payload shape is load-bearing surface them.
func IsDecodeError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.Kind == FrameErrorDecode
	}
	return false
}

// Frame is one parsed event block: the event name and the concatenated
// data payload (JSON or raw text).
type Frame struct {
	Event string
	Data  string
}

// Decoder extracts frames from a chat event stream.
type Decoder struct {
	reader io.Reader
	buf    []byte
	eof    bool
}

// NewDecoder creates a decoder over the raw response body.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// Next returns the next frame from the stream.
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorRead: underlying read failed
func (d *Decoder) Next() (*Frame, error) {
	for {
		// Extract blocks up to the first blank-line separator.
		if i := bytes.Index(d.buf, separator); i >= 0 {
			block := d.buf[:i]
			d.buf = d.buf[i+len(separator):]
			frame := parseBlock(block)
			if frame == nil {
				continue // blank or field-free block
			}
			return frame, nil
		}

		if d.eof {
			// A trailing block without a final separator is still parsed,
			// so a done event racing the socket close is not lost.
			if len(bytes.TrimSpace(d.buf)) > 0 {
				block := d.buf
				d.buf = nil
				if frame := parseBlock(block); frame != nil {
					return frame, nil
				}
			}
			return nil, io.EOF
		}

		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

// fill reads more bytes, normalizing CRLF to LF. A trailing CR is held back
// until the next read so a CRLF split across reads is still normalized.
func (d *Decoder) fill() error {
	chunk := make([]byte, 4096)
	n, err := d.reader.Read(chunk)
	if n > 0 {
		d.buf = append(d.buf, chunk[:n]...)
		d.buf = bytes.ReplaceAll(d.buf, []byte("\r\n"), []byte("\n"))
	}
	if err != nil {
		if err == io.EOF {
			d.eof = true
			return nil
		}
		return &FrameError{Kind: FrameErrorRead, Msg: "stream read failed", Err: err}
	}
	return nil
}

// parseBlock parses one event block into a frame.
// Returns nil for blocks carrying neither an event name nor data.
func parseBlock(block []byte) *Frame {
	var event string
	var dataLines []string

	for _, line := range strings.Split(string(block), "\n") {
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(line[len("event:"):])
		case strings.HasPrefix(line, "data:"):
			payload := line[len("data:"):]
			// A single leading space after the colon is framing, not payload.
			payload = strings.TrimPrefix(payload, " ")
			dataLines = append(dataLines, payload)
		default:
			// Comments and unknown fields (id:, retry:) are ignored.
		}
	}

	if event == "" && len(dataLines) == 0 {
		return nil
	}
	return &Frame{Event: event, Data: strings.Join(dataLines, "\n")}
}

// DecodeEvent converts a frame into a typed stream event.
// Returns (nil, nil) for event names not in the contract; unknown events
// are tolerated, not fatal.
//
// Payload handling is tolerant where the shape is not load-bearing: chunk,
// thought and error payloads that fail JSON decoding fall back to the raw
// text. Session and done payloads are structural and surface decode errors.
func DecodeEvent(frame *Frame) (any, error) {
	switch frame.Event {
	case types.EventSession:
		var ev types.SessionEvent
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode session event", Err: err}
		}
		return &ev, nil

	case types.EventThought:
		var step types.ThoughtStep
		if err := json.Unmarshal([]byte(frame.Data), &step); err != nil {
			step = types.ThoughtStep{Message: frame.Data}
		}
		return &types.ThoughtEvent{Step: step}, nil

	case types.EventChunk:
		var ev types.ChunkEvent
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil {
			ev = types.ChunkEvent{Delta: frame.Data}
		}
		return &ev, nil

	case types.EventDone:
		return decodeDone(frame.Data)

	case types.EventError:
		var ev types.ErrorEvent
		if err := json.Unmarshal([]byte(frame.Data), &ev); err != nil || ev.Message == "" {
			ev = types.ErrorEvent{Message: frame.Data}
		}
		return &ev, nil

	default:
		return nil, nil
	}
}

// decodeDone decodes a done payload, separating the structural fields from
// piggybacked side effects (preprocess_result, visualization_result).
func decodeDone(data string) (*types.DoneEvent, error) {
	var ev types.DoneEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode done event", Err: err}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &raw); err == nil {
		for _, key := range []string{"preprocess_result", "visualization_result"} {
			payload, ok := raw[key]
			if !ok || string(payload) == "null" {
				continue
			}
			var value any
			if err := json.Unmarshal(payload, &value); err == nil {
				if ev.SideEffects == nil {
					ev.SideEffects = make(map[string]any)
				}
				ev.SideEffects[key] = value
			}
		}
	}

	return &ev, nil
}
