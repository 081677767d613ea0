// Package framing splits a child process's output stream into JSON-RPC frame
// payloads and serializes outbound messages.
//
// Two strategies are supported, selected once per connection:
//
//   - [ModeNewline]: one JSON object per '\n'-terminated line.
//   - [ModeHeader]: HTTP-style headers carrying Content-Length, a blank line,
//     then exactly that many body bytes.
//
// Decoders are pure: they consume byte slices and never perform I/O, so a
// partial frame simply stays buffered until a later Feed completes it.
package framing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dmora/stdiorpc/internal/errfmt"
)

// DefaultMaxSize is the per-frame ceiling applied when none is configured.
const DefaultMaxSize = 4 << 20 // 4 MB

// Mode selects the framing strategy.
type Mode int

const (
	ModeNewline Mode = iota
	ModeHeader
)

func (m Mode) String() string {
	switch m {
	case ModeNewline:
		return "newline"
	case ModeHeader:
		return "header"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode accepts "newline" (or "ndjson", or empty) and "header"
// (or "content-length", "lsp").
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "newline", "ndjson":
		return ModeNewline, nil
	case "header", "content-length", "lsp":
		return ModeHeader, nil
	default:
		return 0, fmt.Errorf("framing: unknown mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m != ModeNewline && m != ModeHeader {
		return nil, fmt.Errorf("framing: unknown mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ErrProtocol is the sentinel matched by every [*ProtocolError].
var ErrProtocol = errors.New("stdiorpc: protocol error")

// ErrorKind classifies a protocol error.
type ErrorKind int

const (
	// KindNoise is non-protocol output (banners, log lines) that was skipped.
	KindNoise ErrorKind = iota
	// KindBadHeader is a header block with a missing or invalid Content-Length.
	KindBadHeader
	// KindMalformed is a frame whose payload is not a valid JSON-RPC message.
	KindMalformed
	// KindOverflow means a ceiling was exceeded; the stream cannot be resynced.
	KindOverflow
)

func (k ErrorKind) String() string {
	switch k {
	case KindNoise:
		return "noise"
	case KindBadHeader:
		return "bad header"
	case KindMalformed:
		return "malformed frame"
	case KindOverflow:
		return "overflow"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// ProtocolError describes bytes the decoder could not turn into a frame.
type ProtocolError struct {
	Kind ErrorKind
	// Snippet is a sanitized excerpt of the offending bytes.
	Snippet string
	Err     error
}

func (e *ProtocolError) Error() string {
	msg := "stdiorpc: protocol error: " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Is matches ErrProtocol so callers can test with errors.Is.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// Fatal reports whether the connection must be torn down. Only exceeded
// ceilings are fatal; everything else is dropped and decoding continues.
func (e *ProtocolError) Fatal() bool { return e.Kind == KindOverflow }

func newProtocolError(kind ErrorKind, data []byte, err error) *ProtocolError {
	return &ProtocolError{Kind: kind, Snippet: errfmt.Snippet(data), Err: err}
}

// Decoder turns an incrementally fed byte stream into frame payloads.
//
// Feed appends p to the internal buffer and returns every frame it completes,
// in stream order. Returned payloads are owned by the caller. A non-nil error
// is always a fatal *ProtocolError; recoverable problems go to the drop hook.
type Decoder interface {
	Feed(p []byte) ([][]byte, error)
	// Buffered returns the number of bytes held for an incomplete frame.
	Buffered() int
}

// DecoderOptions configures a Decoder.
type DecoderOptions struct {
	// MaxSize bounds a single frame and the bytes buffered while looking for
	// one. Values <= 0 use DefaultMaxSize.
	MaxSize int

	// OnDrop is called synchronously for every recoverable protocol error
	// (skipped noise, invalid headers). May be nil.
	OnDrop func(*ProtocolError)
}

// NewDecoder returns a decoder for mode.
func NewDecoder(mode Mode, opts DecoderOptions) Decoder {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	switch mode {
	case ModeHeader:
		return &headerDecoder{opts: opts, need: -1}
	default:
		return &lineDecoder{opts: opts}
	}
}

// compact drops the first n consumed bytes, reusing the backing array.
func compact(buf []byte, n int) []byte {
	if n == 0 {
		return buf
	}
	return buf[:copy(buf, buf[n:])]
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
