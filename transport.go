//go:build !windows

package stdiorpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dmora/stdiorpc/internal/correlator"
	"github.com/dmora/stdiorpc/internal/framing"
	"github.com/dmora/stdiorpc/internal/launcher"
	"github.com/dmora/stdiorpc/internal/wire"
)

// State is the lifecycle state of a Transport.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Transport exchanges JSON-RPC messages with one child process over its
// standard streams.
//
// A Transport connects at most once. After Disconnect, or after the child
// goes away, it stays disconnected; construct a new Transport to reconnect.
// SendRequest and SendNotification are safe for concurrent use.
type Transport struct {
	id   string
	opts Options
	log  zerolog.Logger

	state atomic.Int32
	pid   atomic.Int64

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex
	used      bool

	// Set by Connect before the state becomes Connected; read-only after.
	cfg     ServerConfig
	timeout time.Duration
	handle  *launcher.Handle
	enc     *framing.Encoder
	w       *writer
	corr    *correlator.Correlator
	group   *errgroup.Group // reader, stderr drain, exit watcher

	// handlerCtx ends when the transport tears down.
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	closing  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	err      error // set before done closes
}

// New returns a disconnected Transport.
func New(opts ...Option) *Transport {
	o := ResolveOptions(opts...)
	id := uuid.NewString()
	return &Transport{
		id:   id,
		opts: o,
		log:  o.Logger.With().Str("transport", id).Logger(),
		done: make(chan struct{}),
	}
}

// ID returns a unique identifier for this transport, attached to every log
// entry it writes.
func (t *Transport) ID() string { return t.id }

// State returns the current lifecycle state.
func (t *Transport) State() State { return State(t.state.Load()) }

// Pid returns the child's process id, or 0 when no child was started.
func (t *Transport) Pid() int { return int(t.pid.Load()) }

// Done is closed once the transport has torn down, whether by Disconnect or
// because the child went away.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns why the transport tore down, or nil while it is live. A
// Disconnect by the caller yields ErrClosed; anything else wraps
// ErrDisconnected.
func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Connect starts the child described by cfg and begins reading its output.
// On failure the transport stays disconnected and may be connected again.
// After a successful connection has ended, Connect returns ErrClosed.
func (t *Transport) Connect(ctx context.Context, cfg ServerConfig) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	// Outside the lock the state only ever moves to Disconnected.
	if t.State() != StateDisconnected {
		return ErrAlreadyConnected
	}
	if t.used {
		return ErrClosed
	}
	t.state.Store(int32(StateConnecting))

	if err := t.connect(ctx, cfg.clone()); err != nil {
		t.state.Store(int32(StateDisconnected))
		return err
	}
	t.used = true
	// A child that died during startup has already moved the state back.
	t.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
	return nil
}

func (t *Transport) connect(ctx context.Context, cfg ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	h, err := launcher.Start(launcher.Spec{
		Command: cfg.Command,
		Args:    cfg.Args,
		Env:     cfg.Env,
		Dir:     cfg.Dir,
		PTY:     cfg.PTY,
	})
	if err != nil {
		t.log.Error().Err(err).Str("command", cfg.Command).Msg("stdiorpc: launch failed")
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	if err := ctx.Err(); err != nil {
		_ = h.Terminate(context.Background(), t.opts.GracePeriod)
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}

	outMode := framing.ModeNewline
	if cfg.HeaderFramedOutput {
		outMode = framing.ModeHeader
	}

	t.cfg = cfg
	t.timeout = cfg.requestTimeout()
	t.handle = h
	t.enc = framing.NewEncoder(outMode)
	t.w = newWriter(h.Writer())
	t.corr = correlator.New(t.log)
	t.handlerCtx, t.cancelHandler = context.WithCancel(context.Background())
	t.group = &errgroup.Group{}
	t.log = t.log.With().Int("pid", h.Pid()).Logger()
	t.pid.Store(int64(h.Pid()))

	dec := framing.NewDecoder(cfg.Framing, framing.DecoderOptions{
		MaxSize: t.opts.MaxFrameSize,
		OnDrop:  t.logDrop,
	})
	t.group.Go(func() error {
		t.streamEnded(t.pump(h.Reader(), dec))
		return nil
	})
	t.group.Go(func() error {
		t.drainStderr(h.Stderr())
		return nil
	})
	t.group.Go(func() error {
		t.watchExit()
		return nil
	})

	t.log.Info().
		Str("path", h.Path()).
		Bool("pty", h.PTY()).
		Stringer("framing", cfg.Framing).
		Stringer("output_framing", t.enc.Mode()).
		Dur("timeout", t.timeout).
		Msg("stdiorpc: connected")
	return nil
}

// Disconnect terminates the child, stops the reader, and fails every pending
// request with ErrDisconnected. It is idempotent.
//
// ctx bounds the whole call. When it ends while the child is still running,
// the child is killed; when it ends while the reader is still stopping,
// Disconnect returns ctx.Err(). Peer request handlers are not waited for.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()

	if t.handle == nil {
		// Never connected: close so a later Connect is rejected.
		t.used = true
		t.stopOnce.Do(func() {
			t.err = ErrClosed
			close(t.done)
		})
		return nil
	}

	t.shutdown(ctx, ErrClosed)

	stopped := make(chan error, 1)
	go func() { stopped <- t.group.Wait() }()
	select {
	case err := <-stopped:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shutdown tears the transport down once. cause becomes Err(); pending
// requests always fail with ErrDisconnected.
func (t *Transport) shutdown(ctx context.Context, cause error) {
	t.stopOnce.Do(func() {
		t.closing.Store(true)
		t.state.Store(int32(StateDisconnected))

		pendingErr := cause
		if !errors.Is(cause, ErrDisconnected) {
			pendingErr = fmt.Errorf("%w: %w", ErrDisconnected, cause)
		}
		if n := t.corr.ResolveAll(pendingErr); n > 0 {
			t.log.Debug().Int("pending", n).Msg("stdiorpc: failed pending requests")
		}
		t.cancelHandler()

		waitErr := t.handle.Terminate(ctx, t.opts.GracePeriod)
		t.log.Info().
			AnErr("cause", cause).
			AnErr("wait", waitErr).
			Int("exit_code", t.handle.ExitCode()).
			Msg("stdiorpc: disconnected")

		t.err = cause
		close(t.done)
	})
}

// SendRequest sends method with params and waits for the matching response.
// It returns the raw result, an *RPCError when the peer answered with an
// error, ErrTimeout, ErrCanceled when ctx ends first, or ErrDisconnected when
// the transport tears down.
func (t *Transport) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.State() != StateConnected {
		return nil, ErrNotConnected
	}

	id := t.corr.Reserve()
	msg, err := wire.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("stdiorpc: %s: %w", method, err)
	}
	frame, err := t.enc.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("stdiorpc: %s: %w", method, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCanceled, method, err)
	}

	// Register before writing so a fast reply always finds its waiter.
	ch, err := t.corr.Register(id, t.timeout)
	if err != nil {
		if errors.Is(err, ErrDisconnected) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNotConnected, method, err)
	}

	if err := t.w.send(frame); err != nil {
		if t.corr.Cancel(id, nil) {
			return nil, fmt.Errorf("%w: write %s: %w", ErrDisconnected, method, err)
		}
		// Torn down concurrently; the waiter already holds the reason.
		return nil, (<-ch).Err
	}
	t.log.Trace().Int64("id", id).Str("method", method).Msg("stdiorpc: request sent")

	var r correlator.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		if t.corr.Cancel(id, nil) {
			return nil, fmt.Errorf("%w: %s: %w", ErrCanceled, method, ctx.Err())
		}
		r = <-ch
	}
	return t.result(method, r)
}

func (t *Transport) result(method string, r correlator.Result) (json.RawMessage, error) {
	switch {
	case errors.Is(r.Err, correlator.ErrTimeout):
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, method, t.timeout)
	case r.Err != nil:
		return nil, r.Err
	case r.Msg.Error != nil:
		return nil, &RPCError{
			Code:    r.Msg.Error.Code,
			Message: r.Msg.Error.Message,
			Data:    r.Msg.Error.Data,
		}
	}
	return r.Msg.Result, nil
}

// SendNotification writes a notification. Nothing is awaited.
func (t *Transport) SendNotification(ctx context.Context, method string, params any) error {
	if t.State() != StateConnected {
		return ErrNotConnected
	}
	msg, err := wire.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("stdiorpc: %s: %w", method, err)
	}
	frame, err := t.enc.Encode(msg)
	if err != nil {
		return fmt.Errorf("stdiorpc: %s: %w", method, err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrCanceled, method, err)
	}
	if err := t.w.send(frame); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrDisconnected, method, err)
	}
	return nil
}

// Call sends a request and decodes its result into R. A null or absent
// result leaves R at its zero value.
func Call[R any](ctx context.Context, t *Transport, method string, params any) (R, error) {
	var out R
	raw, err := t.SendRequest(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("stdiorpc: unmarshal %s result: %w", method, err)
	}
	return out, nil
}
