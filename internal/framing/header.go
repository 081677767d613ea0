package framing

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var contentLengthToken = []byte("content-length:")

var (
	errNoContentLength  = errors.New("missing Content-Length")
	errBadContentLength = errors.New("invalid Content-Length")
	errEmptyBody        = errors.New("empty body")
)

// headerDecoder implements ModeHeader.
//
// Any bytes before the first case-insensitive "content-length:" are treated
// as noise. That scan is not JSON-aware: the literal text inside noise that
// precedes a real header block can be mistaken for a header start.
type headerDecoder struct {
	opts DecoderOptions
	buf  []byte
	need int // body bytes still expected; -1 while scanning for headers
}

func (d *headerDecoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var frames [][]byte
	off := 0
	for {
		if d.need >= 0 {
			if len(d.buf)-off < d.need {
				break
			}
			body := d.buf[off : off+d.need]
			off += d.need
			d.need = -1
			frames = append(frames, clone(body))
			continue
		}

		rest := d.buf[off:]
		tok := indexFold(rest, contentLengthToken)
		if tok < 0 {
			// A token may still straddle the end of rest; everything before
			// that point is noise.
			if noise := len(rest) - len(contentLengthToken) + 1; noise > d.opts.MaxSize {
				return frames, d.overflow(rest, fmt.Errorf("no Content-Length header within %d bytes", d.opts.MaxSize))
			}
			break
		}
		if tok > d.opts.MaxSize {
			return frames, d.overflow(rest, fmt.Errorf("no Content-Length header within %d bytes", d.opts.MaxSize))
		}

		block := rest[tok:]
		end, termLen := headerTerminator(block)
		if end < 0 {
			if len(block) > d.opts.MaxSize {
				return frames, d.overflow(block, fmt.Errorf("header block not terminated within %d bytes", d.opts.MaxSize))
			}
			break
		}
		if end+termLen > d.opts.MaxSize {
			return frames, d.overflow(block, fmt.Errorf("header block of %d bytes exceeds %d", end+termLen, d.opts.MaxSize))
		}

		if tok > 0 {
			d.drop(newProtocolError(KindNoise, rest[:tok], nil))
		}
		headers := block[:end]
		off += tok + end + termLen

		n, err := contentLength(headers)
		if err != nil {
			d.drop(newProtocolError(KindBadHeader, headers, err))
			continue
		}
		if n > d.opts.MaxSize {
			return frames, d.overflow(headers, fmt.Errorf("Content-Length %d exceeds %d", n, d.opts.MaxSize))
		}
		d.need = n
	}
	d.buf = compact(d.buf, off)
	return frames, nil
}

func (d *headerDecoder) Buffered() int { return len(d.buf) }

// overflow discards the buffer and returns the fatal error for data.
func (d *headerDecoder) overflow(data []byte, err error) *ProtocolError {
	perr := newProtocolError(KindOverflow, data[:min(len(data), 64)], err)
	d.buf = nil
	d.need = -1
	return perr
}

func (d *headerDecoder) drop(err *ProtocolError) {
	if d.opts.OnDrop != nil {
		d.opts.OnDrop(err)
	}
}

// headerTerminator finds the earliest "\r\n\r\n" or "\n\n" in b and returns
// its index and length, or -1.
func headerTerminator(b []byte) (int, int) {
	crlf := bytes.Index(b, []byte("\r\n\r\n"))
	lf := bytes.Index(b, []byte("\n\n"))
	switch {
	case crlf < 0 && lf < 0:
		return -1, 0
	case lf < 0 || (crlf >= 0 && crlf < lf):
		return crlf, 4
	default:
		return lf, 2
	}
}

// contentLength parses a header block and returns its Content-Length.
func contentLength(block []byte) (int, error) {
	text := strings.ReplaceAll(string(block), "\r\n", "\n")
	n := -1
	for line := range strings.SplitSeq(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return 0, fmt.Errorf("header line %q has no colon", line)
		}
		if !strings.EqualFold(strings.TrimSpace(key), "content-length") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || v < 0 {
			return 0, fmt.Errorf("%w: %q", errBadContentLength, strings.TrimSpace(value))
		}
		if n >= 0 && n != v {
			return 0, fmt.Errorf("%w: conflicting values %d and %d", errBadContentLength, n, v)
		}
		n = v
	}
	switch {
	case n < 0:
		return 0, errNoContentLength
	case n == 0:
		return 0, errEmptyBody
	}
	return n, nil
}

// indexFold is bytes.Index with ASCII case folding; token must be lower case.
func indexFold(b, token []byte) int {
	if len(token) == 0 {
		return 0
	}
	first := token[0]
	for i := 0; i+len(token) <= len(b); i++ {
		if lower(b[i]) != first {
			continue
		}
		match := true
		for j := 1; j < len(token); j++ {
			if lower(b[i+j]) != token[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}
