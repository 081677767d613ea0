package stdiorpc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/dmora/stdiorpc/internal/framing"
	"github.com/dmora/stdiorpc/internal/launcher"
	"github.com/dmora/stdiorpc/internal/wire"
)

// NotificationHandler receives peer notifications. It runs on the reader
// goroutine and must not block. Calling Disconnect from it waits until
// Disconnect's ctx ends; call it from a new goroutine instead.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers a request initiated by the peer. It runs in its own
// goroutine; ctx ends when the transport disconnects. It may call
// Disconnect. Returning an *RPCError
// sends that code and message; any other error is sent as a server error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// UnmatchedResponseHook receives responses whose id matches no pending
// request, typically replies that arrived after their request timed out.
type UnmatchedResponseHook func(id wire.RequestID, raw json.RawMessage)

// Options holds resolved configuration for a Transport.
type Options struct {
	// Logger receives transport diagnostics. Zero value discards them.
	Logger zerolog.Logger

	// GracePeriod is how long Disconnect waits after SIGTERM before SIGKILL.
	GracePeriod time.Duration

	// MaxFrameSize caps a single inbound frame and the bytes buffered while
	// searching for one.
	MaxFrameSize int

	OnNotification NotificationHandler
	OnUnmatched    UnmatchedResponseHook
	Handlers       map[string]RequestHandler
}

// Option configures a Transport.
type Option func(*Options)

// ResolveOptions applies functional options over the defaults.
func ResolveOptions(opts ...Option) Options {
	o := Options{
		Logger:       zerolog.Nop(),
		GracePeriod:  launcher.DefaultGracePeriod,
		MaxFrameSize: framing.DefaultMaxSize,
		Handlers:     make(map[string]RequestHandler),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the transport's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

// WithGracePeriod sets the SIGTERM-to-SIGKILL delay used on disconnect.
// Values <= 0 are ignored.
func WithGracePeriod(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.GracePeriod = d
		}
	}
}

// WithMaxFrameSize sets the inbound frame ceiling in bytes. Values <= 0 are
// ignored.
func WithMaxFrameSize(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxFrameSize = n
		}
	}
}

// WithNotificationHandler routes peer notifications to h.
func WithNotificationHandler(h NotificationHandler) Option {
	return func(o *Options) {
		o.OnNotification = h
	}
}

// WithRequestHandler answers peer requests for method with h. Requests for
// methods without a handler get a method-not-found error.
func WithRequestHandler(method string, h RequestHandler) Option {
	return func(o *Options) {
		o.Handlers[method] = h
	}
}

// WithUnmatchedResponseHook reports responses that match no pending request.
// Without it they are dropped after a debug log.
func WithUnmatchedResponseHook(h UnmatchedResponseHook) Option {
	return func(o *Options) {
		o.OnUnmatched = h
	}
}
