package stream

import (
	"bytes"
	"log/slog"
	"strings"
)

// marker is the literal prefix every recognized frame starts with.
const marker = "data: "

// delimiter separates frames. The decoder also tolerates CRLF pairs.
const delimiter = "\n\n"

// Decoder turns raw byte chunks, in arrival order and with arbitrary
// boundaries, into an ordered sequence of Events. A trailing partial frame is
// carried over between Feed calls, so a frame (or a multi-byte character)
// split across two chunks is reassembled before parsing.
//
// Decoding never fails: frames without the marker are ignored, and a frame
// whose payload does not parse is logged and skipped without aborting the
// stream.
type Decoder struct {
	carry  []byte
	logger *slog.Logger
}

// NewDecoder returns a Decoder logging skipped frames to the default logger.
func NewDecoder() *Decoder {
	return &Decoder{logger: slog.Default()}
}

// Feed appends one chunk and returns every event completed by it, in order.
// Events are emitted exactly once.
func (d *Decoder) Feed(p []byte) []Event {
	d.carry = append(d.carry, p...)

	var events []Event
	for {
		idx := bytes.Index(d.carry, []byte(delimiter))
		if idx < 0 {
			break
		}
		frame := d.carry[:idx]
		d.carry = d.carry[idx+len(delimiter):]

		if ev := d.parseFrame(frame); ev != nil {
			events = append(events, ev)
		}
	}
	return events
}

// Flush parses whatever remains in the carry buffer as a final frame. Callers
// invoke it once at end of stream, where a well-behaved server leaves the
// buffer empty or holding one unterminated frame.
func (d *Decoder) Flush() []Event {
	if len(bytes.TrimSpace(d.carry)) == 0 {
		d.carry = nil
		return nil
	}
	frame := d.carry
	d.carry = nil
	if ev := d.parseFrame(frame); ev != nil {
		return []Event{ev}
	}
	return nil
}

func (d *Decoder) parseFrame(frame []byte) Event {
	text := strings.TrimRight(string(frame), "\r\n")
	text = strings.TrimLeft(text, "\r\n")

	body, ok := strings.CutPrefix(text, marker)
	if !ok {
		// Comments, heartbeats, anything unmarked: not ours.
		return nil
	}

	ev, err := parsePayload([]byte(body))
	if err != nil {
		d.logger.Debug("skipping malformed frame", "error", err, "frame", truncate(body, 200))
		return nil
	}
	if ev == nil {
		d.logger.Debug("skipping frame with unknown shape", "frame", truncate(body, 200))
	}
	return ev
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
