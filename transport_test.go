//go:build !windows

package stdiorpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmora/stdiorpc/internal/testpeer"
	"github.com/dmora/stdiorpc/internal/wire"
)

const integrationTimeout = 10 * time.Second

// syncBuffer is a bytes.Buffer safe for the concurrent writes zerolog makes
// from the reader and stderr goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), integrationTimeout)
	t.Cleanup(cancel)
	return ctx
}

// peerConfig returns a config running the mock peer with the given
// behavior variables.
func peerConfig(t *testing.T, env map[string]string) ServerConfig {
	t.Helper()
	return ServerConfig{Command: testpeer.Script(t, env)}
}

func connect(t *testing.T, cfg ServerConfig, opts ...Option) *Transport {
	t.Helper()
	tr := New(opts...)
	require.NoError(t, tr.Connect(testCtx(t), cfg))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tr.Disconnect(ctx)
	})
	return tr
}

func TestTransport_PingPong(t *testing.T) {
	tr := connect(t, peerConfig(t, nil))
	assert.Equal(t, StateConnected, tr.State())
	assert.Positive(t, tr.Pid())
	assert.NotEmpty(t, tr.ID())

	raw, err := tr.SendRequest(testCtx(t), "ping", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(raw))

	got, err := Call[string](testCtx(t), tr, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestTransport_CallDecodesResult(t *testing.T) {
	tr := connect(t, peerConfig(t, nil))

	got, err := Call[map[string]int](testCtx(t), tr, "echo", map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 1, "b": 2}, got)

	null, err := Call[*struct{}](testCtx(t), tr, "echo", nil)
	require.NoError(t, err)
	assert.Nil(t, null)
}

func TestTransport_RPCError(t *testing.T) {
	tr := connect(t, peerConfig(t, nil))

	_, err := tr.SendRequest(testCtx(t), "fail", map[string]any{"code": -32001, "message": "nope"})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32001, rpcErr.Code)
	assert.Equal(t, "nope", rpcErr.Message)
	assert.Equal(t, StateConnected, tr.State(), "an error response is not a transport failure")
}

func TestTransport_Timeout(t *testing.T) {
	cfg := peerConfig(t, map[string]string{"MOCK_PEER_MODE": "silent"})
	cfg.Timeout = 100 * time.Millisecond
	tr := connect(t, cfg)

	start := time.Now()
	_, err := tr.SendRequest(testCtx(t), "ping", nil)
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
	assert.Zero(t, tr.corr.Len())
	assert.Equal(t, StateConnected, tr.State())
}

func TestTransport_LateResponseGoesToHook(t *testing.T) {
	late := make(chan wire.RequestID, 1)
	cfg := peerConfig(t, nil)
	cfg.Timeout = 100 * time.Millisecond
	tr := connect(t, cfg, WithUnmatchedResponseHook(func(id wire.RequestID, _ json.RawMessage) {
		late <- id
	}))

	_, err := tr.SendRequest(testCtx(t), "sleep", map[string]int{"ms": 300})
	require.ErrorIs(t, err, ErrTimeout)

	select {
	case id := <-late:
		n, ok := id.Int64()
		assert.True(t, ok)
		assert.Equal(t, int64(1), n)
	case <-time.After(integrationTimeout):
		t.Fatal("late response never reached the hook")
	}
}

func TestTransport_ChildKilledFailsPending(t *testing.T) {
	tr := connect(t, peerConfig(t, map[string]string{"MOCK_PEER_MODE": "silent"}))

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.SendRequest(testCtx(t), "ping", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return tr.corr.Len() == 1 }, integrationTimeout, 5*time.Millisecond)

	require.NoError(t, syscall.Kill(tr.Pid(), syscall.SIGKILL))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected)
		code, ok := ExitCode(err)
		assert.True(t, ok)
		assert.Equal(t, -1, code, "signal-killed")
	case <-time.After(integrationTimeout):
		t.Fatal("request hung after child was killed")
	}

	<-tr.Done()
	assert.ErrorIs(t, tr.Err(), ErrDisconnected)
	assert.Equal(t, StateDisconnected, tr.State())

	_, err := tr.SendRequest(testCtx(t), "ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestTransport_ChildExitWithInheritedOutput(t *testing.T) {
	// The backgrounded sleep keeps the stdout pipe open after the peer dies.
	peer := testpeer.Script(t, map[string]string{"MOCK_PEER_MODE": "silent"})
	cfg := ServerConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", "sleep 5 & exec '" + peer + "'"},
		Timeout: integrationTimeout,
	}
	tr := connect(t, cfg)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.SendRequest(testCtx(t), "ping", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return tr.corr.Len() == 1 }, integrationTimeout, 5*time.Millisecond)

	began := time.Now()
	require.NoError(t, syscall.Kill(tr.Pid(), syscall.SIGKILL))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrDisconnected)
		assert.NotErrorIs(t, err, ErrTimeout)
		code, ok := ExitCode(err)
		assert.True(t, ok)
		assert.Equal(t, -1, code)
		assert.Less(t, time.Since(began), 3*time.Second)
	case <-time.After(integrationTimeout):
		t.Fatal("request hung after child was killed")
	}

	<-tr.Done()
	assert.Equal(t, StateDisconnected, tr.State())
	assert.ErrorIs(t, tr.Err(), ErrDisconnected)
}

func TestTransport_DisconnectFromRequestHandler(t *testing.T) {
	var self atomic.Pointer[Transport]
	returned := make(chan error, 1)
	tr := connect(t, peerConfig(t, nil), WithRequestHandler("client/shutdown",
		func(context.Context, json.RawMessage) (any, error) {
			returned <- self.Load().Disconnect(context.Background())
			return nil, nil
		}))
	self.Store(tr)

	_, err := tr.SendRequest(testCtx(t), "ask", map[string]any{"method": "client/shutdown"})
	assert.ErrorIs(t, err, ErrDisconnected)

	select {
	case err := <-returned:
		assert.NoError(t, err)
	case <-time.After(integrationTimeout):
		t.Fatal("Disconnect from a request handler never returned")
	}
	assert.ErrorIs(t, tr.Err(), ErrClosed)
}

func TestTransport_DisconnectFromNotificationHandlerIsBounded(t *testing.T) {
	var self atomic.Pointer[Transport]
	returned := make(chan error, 1)
	tr := connect(t, peerConfig(t, nil), WithNotificationHandler(func(string, json.RawMessage) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		returned <- self.Load().Disconnect(ctx)
	}))
	self.Store(tr)

	_, err := tr.SendRequest(testCtx(t), "notify", nil)
	assert.ErrorIs(t, err, ErrDisconnected)

	select {
	case err := <-returned:
		// The reader is the caller, so it cannot stop before ctx ends.
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(integrationTimeout):
		t.Fatal("Disconnect from a notification handler never returned")
	}
	<-tr.Done()
	assert.ErrorIs(t, tr.Err(), ErrClosed)
}

func TestTransport_ChildExitCode(t *testing.T) {
	tr := connect(t, peerConfig(t, nil))

	_, err := tr.SendRequest(testCtx(t), "exit", map[string]int{"code": 7})
	require.ErrorIs(t, err, ErrDisconnected)
	code, ok := ExitCode(err)
	require.True(t, ok)
	assert.Equal(t, 7, code)
}

func TestTransport_ReverseOrderReplies(t *testing.T) {
	const n = 5
	tr := connect(t, peerConfig(t, map[string]string{
		"MOCK_PEER_MODE":  "reverse",
		"MOCK_PEER_BATCH": fmt.Sprint(n),
	}))

	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = Call[int](testCtx(t), tr, "echo", i*10)
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, i*10, results[i])
	}
}

func TestTransport_ConcurrentRequests(t *testing.T) {
	const n = 64
	tr := connect(t, peerConfig(t, nil))

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := map[string]int{"i": i}
			got, err := Call[map[string]int](testCtx(t), tr, "echo", want)
			if err != nil {
				errs <- err
				return
			}
			if got["i"] != i {
				errs <- fmt.Errorf("request %d got %v", i, got)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, tr.corr.Len())
}

func TestTransport_DisconnectFailsAllPending(t *testing.T) {
	const m = 10
	tr := connect(t, peerConfig(t, map[string]string{"MOCK_PEER_MODE": "silent"}))

	errCh := make(chan error, m)
	for range m {
		go func() {
			_, err := tr.SendRequest(testCtx(t), "ping", nil)
			errCh <- err
		}()
	}
	require.Eventually(t, func() bool { return tr.corr.Len() == m }, integrationTimeout, 5*time.Millisecond)

	require.NoError(t, tr.Disconnect(testCtx(t)))
	for range m {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrDisconnected)
		case <-time.After(integrationTimeout):
			t.Fatal("pending request not resolved by Disconnect")
		}
	}
	assert.Zero(t, tr.corr.Len())
	assert.ErrorIs(t, tr.Err(), ErrClosed)

	// Idempotent.
	require.NoError(t, tr.Disconnect(testCtx(t)))
}

func TestTransport_CancelAffectsOnlyOneRequest(t *testing.T) {
	tr := connect(t, peerConfig(t, nil))

	ctx, cancel := context.WithCancel(testCtx(t))
	canceled := make(chan error, 1)
	go func() {
		_, err := tr.SendRequest(ctx, "sleep", map[string]int{"ms": 2000})
		canceled <- err
	}()

	survivor := make(chan error, 1)
	go func() {
		got, err := Call[int](testCtx(t), tr, "sleep", map[string]int{"ms": 300})
		if err == nil && got != 300 {
			err = fmt.Errorf("got %d", got)
		}
		survivor <- err
	}()

	require.Eventually(t, func() bool { return tr.corr.Len() == 2 }, integrationTimeout, 5*time.Millisecond)
	cancel()

	err := <-canceled
	assert.ErrorIs(t, err, ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, <-survivor)
}

func TestTransport_PTY(t *testing.T) {
	cfg := peerConfig(t, nil)
	cfg.PTY = true
	tr := connect(t, cfg)

	got, err := Call[string](testCtx(t), tr, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	tty, err := Call[bool](testCtx(t), tr, "isatty", nil)
	require.NoError(t, err)
	assert.True(t, tty)
}

func TestTransport_HeaderFraming(t *testing.T) {
	cfg := peerConfig(t, map[string]string{
		"MOCK_PEER_FRAMING": "header",
		"MOCK_PEER_BANNER":  "Language server starting...",
	})
	cfg.Framing = FramingHeader
	cfg.HeaderFramedOutput = true
	tr := connect(t, cfg)

	got, err := Call[string](testCtx(t), tr, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)

	payload := map[string]any{"text": "line1\nline2\r\n", "n": 3.5}
	echoed, err := Call[map[string]any](testCtx(t), tr, "echo", payload)
	require.NoError(t, err)
	assert.Equal(t, payload, echoed)
}

func TestTransport_ConnectLogsStreams(t *testing.T) {
	logs := &syncBuffer{}
	cfg := peerConfig(t, map[string]string{"MOCK_PEER_FRAMING": "header"})
	cfg.Framing = FramingHeader
	cfg.HeaderFramedOutput = true
	cfg.PTY = true
	connect(t, cfg, WithLogger(zerolog.New(logs)))

	out := logs.String()
	assert.Contains(t, out, `"pty":true`)
	assert.Contains(t, out, `"framing":"header"`)
	assert.Contains(t, out, `"output_framing":"header"`)
}

func TestTransport_BannerSkipped(t *testing.T) {
	tr := connect(t, peerConfig(t, map[string]string{"MOCK_PEER_BANNER": "mock-peer v0.1 ready"}))

	got, err := Call[string](testCtx(t), tr, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, "pong", got)
}

func TestTransport_StringIDMatches(t *testing.T) {
	tr := connect(t, peerConfig(t, nil))

	got, err := Call[string](testCtx(t), tr, "stringid", nil)
	require.NoError(t, err)
	assert.Equal(t, "string", got)
}

func TestTransport_Notifications(t *testing.T) {
	type note struct {
		method string
		params string
	}
	var mu sync.Mutex
	var notes []note

	tr := connect(t, peerConfig(t, nil), WithNotificationHandler(func(method string, params json.RawMessage) {
		mu.Lock()
		notes = append(notes, note{method, string(params)})
		mu.Unlock()
	}))

	ok, err := Call[bool](testCtx(t), tr, "notify", map[string]int{"pct": 50})
	require.NoError(t, err)
	assert.True(t, ok)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notes, 1, "notification is dispatched before the reply that follows it")
	assert.Equal(t, "progress", notes[0].method)
	assert.JSONEq(t, `{"pct":50}`, notes[0].params)
}

func TestTransport_SendNotification(t *testing.T) {
	logs := &syncBuffer{}
	tr := connect(t, peerConfig(t, nil), WithLogger(zerolog.New(logs)))

	require.NoError(t, tr.SendNotification(testCtx(t), "initialized", nil))
	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "mock-peer: got initialized")
	}, integrationTimeout, 10*time.Millisecond)
	assert.Zero(t, tr.corr.Len())
}

func TestTransport_PeerRequestHandled(t *testing.T) {
	tr := connect(t, peerConfig(t, nil), WithRequestHandler("client/info",
		func(_ context.Context, params json.RawMessage) (any, error) {
			return map[string]any{"name": "stdiorpc", "got": json.RawMessage(params)}, nil
		}))

	type infoReply struct {
		Result struct {
			Name string          `json:"name"`
			Got  json.RawMessage `json:"got"`
		} `json:"result"`
	}
	resp, err := Call[infoReply](testCtx(t), tr, "ask", map[string]any{"method": "client/info", "params": []int{1}})
	require.NoError(t, err)
	assert.Equal(t, "stdiorpc", resp.Result.Name)
	assert.JSONEq(t, `[1]`, string(resp.Result.Got))
}

func TestTransport_PeerRequestHandlerError(t *testing.T) {
	tr := connect(t, peerConfig(t, nil),
		WithRequestHandler("client/typed", func(context.Context, json.RawMessage) (any, error) {
			return nil, &RPCError{Code: -32602, Message: "bad params"}
		}),
		WithRequestHandler("client/plain", func(context.Context, json.RawMessage) (any, error) {
			return nil, errors.New("boom")
		}),
	)

	type errorReply struct {
		Error wire.Error `json:"error"`
	}
	typed, err := Call[errorReply](testCtx(t), tr, "ask", map[string]any{"method": "client/typed"})
	require.NoError(t, err)
	assert.Equal(t, -32602, typed.Error.Code)
	assert.Equal(t, "bad params", typed.Error.Message)

	plain, err := Call[errorReply](testCtx(t), tr, "ask", map[string]any{"method": "client/plain"})
	require.NoError(t, err)
	assert.Equal(t, wire.CodeServerError, plain.Error.Code)
	assert.Equal(t, "boom", plain.Error.Message)
}

func TestTransport_PeerRequestUnknownMethod(t *testing.T) {
	tr := connect(t, peerConfig(t, nil))

	type errorReply struct {
		Error wire.Error `json:"error"`
	}
	reply, err := Call[errorReply](testCtx(t), tr, "ask", map[string]any{"method": "workspace/unknown"})
	require.NoError(t, err)
	assert.Equal(t, wire.CodeMethodNotFound, reply.Error.Code)
}

func TestTransport_DuplicateAndStrayResponses(t *testing.T) {
	var mu sync.Mutex
	var unmatched []string
	tr := connect(t, peerConfig(t, nil), WithUnmatchedResponseHook(func(id wire.RequestID, _ json.RawMessage) {
		mu.Lock()
		unmatched = append(unmatched, id.String())
		mu.Unlock()
	}))

	got, err := Call[string](testCtx(t), tr, "dup", nil)
	require.NoError(t, err)
	assert.Equal(t, "first", got)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unmatched) == 2
	}, integrationTimeout, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"1", "9999"}, unmatched)
	mu.Unlock()
	assert.Equal(t, StateConnected, tr.State())
}

func TestTransport_FrameCeilingIsFatal(t *testing.T) {
	tr := connect(t, peerConfig(t, nil), WithMaxFrameSize(1024))

	_, err := tr.SendRequest(testCtx(t), "big", map[string]int{"bytes": 64 * 1024})
	assert.ErrorIs(t, err, ErrDisconnected)
	assert.ErrorIs(t, err, ErrProtocol)

	<-tr.Done()
	var perr *ProtocolError
	require.ErrorAs(t, tr.Err(), &perr)
	assert.True(t, perr.Fatal())
}

func TestTransport_EnvOverride(t *testing.T) {
	t.Setenv("STDIORPC_PROBE", "parent")
	t.Setenv("STDIORPC_INHERITED", "kept")

	cfg := peerConfig(t, nil)
	cfg.Env = map[string]string{"STDIORPC_PROBE": "child"}
	tr := connect(t, cfg)

	got, err := Call[string](testCtx(t), tr, "env", map[string]string{"name": "STDIORPC_PROBE"})
	require.NoError(t, err)
	assert.Equal(t, "child", got)

	got, err = Call[string](testCtx(t), tr, "env", map[string]string{"name": "STDIORPC_INHERITED"})
	require.NoError(t, err)
	assert.Equal(t, "kept", got)
}

func TestTransport_ConfigIsCopied(t *testing.T) {
	cfg := peerConfig(t, nil)
	cfg.Env = map[string]string{"STDIORPC_PROBE": "before"}
	tr := connect(t, cfg)
	cfg.Env["STDIORPC_PROBE"] = "after"

	assert.Equal(t, "before", tr.cfg.Env["STDIORPC_PROBE"])
}

func TestTransport_StderrIsLoggedNotParsed(t *testing.T) {
	logs := &syncBuffer{}
	tr := connect(t, peerConfig(t, nil), WithLogger(zerolog.New(logs)))

	_, err := tr.SendRequest(testCtx(t), "ping", nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		out := logs.String()
		return strings.Contains(out, `"stream":"stderr"`) &&
			strings.Contains(out, "mock-peer: got ping")
	}, integrationTimeout, 10*time.Millisecond)
}

func TestTransport_MissingExecutable(t *testing.T) {
	tr := New()
	err := tr.Connect(testCtx(t), ServerConfig{Command: "stdiorpc-no-such-binary --stdio"})
	assert.ErrorIs(t, err, ErrConnectionFailed)
	assert.Equal(t, StateDisconnected, tr.State())

	err = tr.Connect(testCtx(t), ServerConfig{Command: "   "})
	assert.ErrorIs(t, err, ErrConnectionFailed)
}

func TestTransport_Lifecycle(t *testing.T) {
	tr := New()
	_, err := tr.SendRequest(testCtx(t), "ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.SendNotification(testCtx(t), "x", nil), ErrNotConnected)

	cfg := peerConfig(t, nil)
	require.NoError(t, tr.Connect(testCtx(t), cfg))
	assert.ErrorIs(t, tr.Connect(testCtx(t), cfg), ErrAlreadyConnected)

	require.NoError(t, tr.Disconnect(testCtx(t)))
	require.NoError(t, tr.Disconnect(testCtx(t)))
	assert.Equal(t, StateDisconnected, tr.State())

	_, err = tr.SendRequest(testCtx(t), "ping", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, tr.Connect(testCtx(t), cfg), ErrClosed)
}

func TestTransport_DisconnectBeforeConnect(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Disconnect(testCtx(t)))
	<-tr.Done()
	assert.ErrorIs(t, tr.Connect(testCtx(t), peerConfig(t, nil)), ErrClosed)
}

func TestTransport_ConnectCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr := New()
	err := tr.Connect(ctx, peerConfig(t, nil))
	assert.ErrorIs(t, err, ErrCanceled)
	assert.Equal(t, StateDisconnected, tr.State())
}
