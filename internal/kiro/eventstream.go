package kiro

import (
	"encoding/binary"
	"encoding/json"
	"log"
	"unicode/utf8"
)

// The CodeWhisperer streaming response is a sequence of self-delimited binary
// frames: a 4-byte big-endian total length (including itself), a 4-byte
// big-endian header-section length, 4 bytes of prelude CRC, the opaque header
// section, a JSON payload and a 4-byte trailing CRC. Neither CRC is validated.
const (
	framePreludeSize = 12
	frameMinSize     = 16
	frameMaxSize     = 16 << 20
)

// Event is one decoded payload from the stream. Exactly one of Content or
// ErrorText is meaningful; Raw keeps the full payload for callers that need
// metadata events.
type Event struct {
	Content   string
	ErrorText string
	Raw       map[string]any
}

// FrameDecoder incrementally decodes frames from a chunked byte stream,
// buffering partial frames across chunk boundaries.
type FrameDecoder struct {
	buf []byte
}

// Write appends a chunk and extracts every complete frame available,
// returning the decoded events in stream order.
func (d *FrameDecoder) Write(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		if len(d.buf) < framePreludeSize {
			break
		}
		totalLen := binary.BigEndian.Uint32(d.buf[0:4])
		headerLen := binary.BigEndian.Uint32(d.buf[4:8])

		if totalLen < frameMinSize {
			// The declared length cannot hold a frame. Skip the declared
			// bytes when that at least moves past the length field, so a
			// valid frame appended behind the garbage still decodes.
			skip := int(totalLen)
			if skip < 4 {
				skip = 4
			}
			if skip > len(d.buf) {
				skip = len(d.buf)
			}
			log.Printf("⚠️ Dropping stream frame with invalid length %d", totalLen)
			d.buf = d.buf[skip:]
			continue
		}
		if totalLen > frameMaxSize {
			// Oversized declaration: there is no trustworthy resync point,
			// so stop consuming this buffer and wait for the stream to end.
			log.Printf("⚠️ Stream frame declares %d bytes, exceeding the %d ceiling; halting decode", totalLen, frameMaxSize)
			break
		}
		if uint32(len(d.buf)) < totalLen {
			break // partial frame, wait for more bytes
		}

		payloadStart := framePreludeSize + headerLen
		payloadEnd := totalLen - 4
		if payloadStart > payloadEnd || payloadEnd > uint32(len(d.buf)) {
			break // header section overruns the frame, wait for more bytes
		}

		payload := d.buf[payloadStart:payloadEnd]
		if ev, ok := decodePayload(payload); ok {
			events = append(events, ev)
		}
		d.buf = d.buf[totalLen:]
	}
	return events
}

// decodePayload parses a frame payload. Malformed payloads are silently
// dropped; the frame is consumed either way.
func decodePayload(payload []byte) (Event, bool) {
	if !utf8.Valid(payload) {
		return Event{}, false
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, false
	}

	ev := Event{Raw: raw}
	if content, ok := raw["content"].(string); ok {
		ev.Content = content
		return ev, true
	}
	switch e := raw["error"].(type) {
	case string:
		ev.ErrorText = e
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			ev.ErrorText = msg
		} else {
			b, _ := json.Marshal(e)
			ev.ErrorText = string(b)
		}
	}
	return ev, true
}

// EncodeFrame builds one wire frame around the given header section and
// payload. The CRC slots are zeroed; the upstream never checks them and the
// decoder skips them. Used by tests and kept alongside the decoder so the two
// sides of the format stay in one file.
func EncodeFrame(header, payload []byte) []byte {
	totalLen := framePreludeSize + len(header) + len(payload) + 4
	frame := make([]byte, 0, totalLen)

	var prelude [framePreludeSize]byte
	binary.BigEndian.PutUint32(prelude[0:4], uint32(totalLen))
	binary.BigEndian.PutUint32(prelude[4:8], uint32(len(header)))
	frame = append(frame, prelude[:]...)
	frame = append(frame, header...)
	frame = append(frame, payload...)
	frame = append(frame, 0, 0, 0, 0)
	return frame
}
