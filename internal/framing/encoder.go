package framing

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dmora/stdiorpc/internal/wire"
)

// Encoder serializes messages into complete frames for a single Mode.
type Encoder struct {
	mode Mode
}

// NewEncoder returns an encoder for mode.
func NewEncoder(mode Mode) *Encoder {
	return &Encoder{mode: mode}
}

// Mode returns the encoder's framing mode.
func (e *Encoder) Mode() Mode { return e.mode }

// Encode returns one complete frame: compact JSON followed by '\n' in
// ModeNewline, or a Content-Length header block followed by the JSON body in
// ModeHeader.
func (e *Encoder) Encode(m *wire.Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("framing: encode: %w", err)
	}
	if e.mode == ModeHeader {
		frame := make([]byte, 0, len(body)+32)
		frame = append(frame, "Content-Length: "...)
		frame = strconv.AppendInt(frame, int64(len(body)), 10)
		frame = append(frame, "\r\n\r\n"...)
		return append(frame, body...), nil
	}
	return append(body, '\n'), nil
}
