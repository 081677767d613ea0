package framing

import (
	"bytes"
	"fmt"
)

// lineDecoder implements ModeNewline.
type lineDecoder struct {
	opts DecoderOptions
	buf  []byte
}

func (d *lineDecoder) Feed(p []byte) ([][]byte, error) {
	d.buf = append(d.buf, p...)

	var frames [][]byte
	off := 0
	for {
		i := bytes.IndexByte(d.buf[off:], '\n')
		if i < 0 {
			break
		}
		// The ceiling bounds the raw line, matching the unterminated check
		// below.
		if i > d.opts.MaxSize {
			return frames, d.overflow(d.buf[off:off+i], fmt.Errorf("line of %d bytes exceeds %d", i, d.opts.MaxSize))
		}
		line := bytes.TrimSpace(d.buf[off : off+i])
		off += i + 1

		switch {
		case len(line) == 0:
			continue
		case line[0] != '{':
			// Startup banners and log lines share stdout with the protocol.
			d.drop(newProtocolError(KindNoise, line, nil))
		default:
			frames = append(frames, clone(line))
		}
	}
	d.buf = compact(d.buf, off)

	if len(d.buf) > d.opts.MaxSize {
		return frames, d.overflow(d.buf, fmt.Errorf("unterminated line exceeds %d bytes", d.opts.MaxSize))
	}
	return frames, nil
}

// overflow discards the buffer and returns the fatal error for data.
func (d *lineDecoder) overflow(data []byte, err error) *ProtocolError {
	perr := newProtocolError(KindOverflow, data[:min(len(data), 64)], err)
	d.buf = nil
	return perr
}

func (d *lineDecoder) Buffered() int { return len(d.buf) }

func (d *lineDecoder) drop(err *ProtocolError) {
	if d.opts.OnDrop != nil {
		d.opts.OnDrop(err)
	}
}
