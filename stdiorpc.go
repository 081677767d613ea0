// Package stdiorpc runs a JSON-RPC 2.0 server as a child process and talks to
// it over the child's standard streams.
//
// A [Transport] owns one child. It frames outbound messages, correlates
// responses with the requests waiting on them, and routes the peer's
// notifications and requests to registered handlers. The child's stderr is
// logged and never parsed.
//
// # Core Types
//
//   - [Transport]: connect, send requests and notifications, disconnect
//   - [ServerConfig]: the command to run, its environment, framing, and timeout
//   - [Option]: functional options for [New]
//   - [RPCError]: an error response from the peer
//   - [ExitError]: the child's exit status after it went away
//
// # Framing
//
// Inbound frames are either newline-delimited JSON ([FramingNewline]) or
// Content-Length headed bodies ([FramingHeader]). Outbound frames are newline
// delimited unless [ServerConfig.HeaderFramedOutput] is set. Output that is
// not a frame, such as a startup banner, is dropped and logged. A frame over
// the size ceiling is fatal to the connection.
//
// # Quick Start
//
//	t := stdiorpc.New(stdiorpc.WithLogger(log))
//	if err := t.Connect(ctx, stdiorpc.ServerConfig{
//	    Command: "gopls serve",
//	    Framing: stdiorpc.FramingHeader,
//	    HeaderFramedOutput: true,
//	}); err != nil {
//	    return err
//	}
//	defer t.Disconnect(context.Background())
//
//	result, err := t.SendRequest(ctx, "initialize", params)
//
// # Errors
//
// Failures are reported with sentinel errors that callers test with
// [errors.Is]: [ErrNotConnected], [ErrTimeout], [ErrCanceled],
// [ErrDisconnected], and [ErrProtocol]. When the child exits on its own, the
// error also carries an [ExitError]; use [ExitCode] to read it.
package stdiorpc
