//go:build !windows

package stdiorpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmora/stdiorpc/internal/correlator"
	"github.com/dmora/stdiorpc/internal/errfmt"
	"github.com/dmora/stdiorpc/internal/framing"
	"github.com/dmora/stdiorpc/internal/wire"
)

const (
	// readChunk is the size of each read from the child's stdout.
	readChunk = 32 * 1024

	// maxStderrLine caps one logged stderr line; the rest is discarded.
	maxStderrLine = 64 * 1024

	// exitWait is how long the reader waits, after end of stream, for the
	// child's exit status before tearing down without it.
	exitWait = 250 * time.Millisecond
)

// errStreamClosed is the disconnect cause when stdout closed but the child
// had not exited within exitWait.
var errStreamClosed = errors.New("stdiorpc: child closed its output")

// pump reads the child's output until end of stream or a fatal protocol
// error, dispatching every decoded frame in arrival order. It is the only
// reader of r.
func (t *Transport) pump(r io.Reader, dec framing.Decoder) error {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := dec.Feed(buf[:n])
			for _, f := range frames {
				t.dispatch(f)
			}
			if ferr != nil {
				return ferr
			}
		}
		if err != nil {
			return err
		}
	}
}

// streamEnded tears the transport down after the reader stops. Nothing is
// done when the stop was caused by Disconnect.
func (t *Transport) streamEnded(err error) {
	if t.closing.Load() {
		return
	}

	var cause error
	switch {
	case errors.Is(err, framing.ErrProtocol):
		t.log.Error().Err(err).Msg("stdiorpc: fatal protocol error")
		cause = err
	case err != nil && !errors.Is(err, io.EOF):
		t.log.Error().Err(err).Msg("stdiorpc: read failed")
		cause = err
	default:
		select {
		case <-t.handle.Done():
			cause = wrapExitError(t.handle.Err())
		case <-time.After(exitWait):
			cause = errStreamClosed
		}
	}
	t.shutdown(context.Background(), fmt.Errorf("%w: %w", ErrDisconnected, cause))
}

// watchExit tears the transport down when the child exits but its output
// stays open, as happens when a grandchild inherited stdout. The reader gets
// exitWait to drain and report the exit itself.
func (t *Transport) watchExit() {
	<-t.handle.Done()
	select {
	case <-t.done:
		return
	case <-time.After(exitWait):
	}
	if t.closing.Load() {
		return
	}
	t.log.Warn().Msg("stdiorpc: child exited with its output still open")
	t.shutdown(context.Background(), fmt.Errorf("%w: %w", ErrDisconnected, wrapExitError(t.handle.Err())))
}

// dispatch routes one frame. Malformed frames are logged and skipped.
func (t *Transport) dispatch(frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		t.logDrop(&framing.ProtocolError{Kind: framing.KindMalformed, Snippet: errfmt.Snippet(frame), Err: err})
		return
	}

	switch msg.Kind() {
	case wire.KindResponse:
		t.handleResponse(msg, frame)
	case wire.KindNotification:
		t.handleNotification(msg)
	case wire.KindRequest:
		t.handleRequest(msg)
	default:
		t.log.Warn().Str("frame", errfmt.Snippet(frame)).Msg("stdiorpc: unclassifiable frame dropped")
	}
}

// handleResponse delivers a response to its waiter. Responses without a
// waiter (late, duplicate, or unsolicited) go to the unmatched hook.
func (t *Transport) handleResponse(msg *wire.Message, frame []byte) {
	if msg.ID != nil && t.corr.ResolveID(*msg.ID, correlator.Result{Msg: msg}) {
		return
	}

	var id wire.RequestID
	if msg.ID != nil {
		id = *msg.ID
	}
	t.log.Debug().Stringer("id", id).Msg("stdiorpc: unmatched response dropped")
	if t.opts.OnUnmatched != nil {
		t.opts.OnUnmatched(id, frame)
	}
}

// handleNotification runs the notification handler on the reader goroutine.
func (t *Transport) handleNotification(msg *wire.Message) {
	if t.opts.OnNotification == nil {
		t.log.Debug().Str("method", msg.Method).Msg("stdiorpc: notification ignored")
		return
	}
	t.opts.OnNotification(msg.Method, msg.Params)
}

// handleRequest answers a peer-initiated request in its own goroutine.
func (t *Transport) handleRequest(msg *wire.Message) {
	id := *msg.ID
	h, ok := t.opts.Handlers[msg.Method]
	if !ok {
		t.respond(wire.NewErrorResponse(id, wire.CodeMethodNotFound, "method not found: "+msg.Method))
		return
	}

	// Not part of t.group: a handler may call Disconnect, which waits on it.
	go t.runHandler(h, id, msg.Params)
}

func (t *Transport) runHandler(h RequestHandler, id wire.RequestID, params json.RawMessage) {
	result, err := h(t.handlerCtx, params)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			resp := wire.NewErrorResponse(id, rpcErr.Code, rpcErr.Message)
			resp.Error.Data = rpcErr.Data
			t.respond(resp)
			return
		}
		t.respond(wire.NewErrorResponse(id, wire.CodeServerError, errfmt.Truncate(err.Error())))
		return
	}
	resp, err := wire.NewResult(id, result)
	if err != nil {
		t.respond(wire.NewErrorResponse(id, wire.CodeInternalError, "marshal result: "+err.Error()))
		return
	}
	t.respond(resp)
}

// respond writes a response to a peer request. Failures are logged only:
// the connection may already be closing.
func (t *Transport) respond(msg *wire.Message) {
	frame, err := t.enc.Encode(msg)
	if err == nil {
		err = t.w.send(frame)
	}
	if err != nil {
		t.log.Debug().Err(err).Stringer("id", msg.ID).Msg("stdiorpc: response not sent")
	}
}

// logDrop records recoverable decode problems: banner noise at debug,
// everything else at warn.
func (t *Transport) logDrop(perr *framing.ProtocolError) {
	level := zerolog.WarnLevel
	if perr.Kind == framing.KindNoise {
		level = zerolog.DebugLevel
	}
	t.log.WithLevel(level).Stringer("kind", perr.Kind).AnErr("reason", perr.Err).Str("bytes", perr.Snippet).Msg("stdiorpc: dropped inbound bytes")
}

// drainStderr logs the child's stderr line by line. It is never parsed.
func (t *Transport) drainStderr(r io.Reader) {
	br := bufio.NewReaderSize(r, 4096)
	var line []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if len(line)+len(chunk) <= maxStderrLine {
			line = append(line, chunk...)
		}
		if err != nil {
			if len(line) > 0 {
				t.logStderr(line)
			}
			return
		}
		if !isPrefix {
			t.logStderr(line)
			line = line[:0]
		}
	}
}

func (t *Transport) logStderr(line []byte) {
	t.log.Info().Str("stream", "stderr").Msg(errfmt.Truncate(string(line)))
}
