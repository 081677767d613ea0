//go:build !windows

package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// Handle is a running child. Its reader and writer stay valid until
// Terminate returns, even after the child exits.
type Handle struct {
	cmd  *exec.Cmd
	path string
	pty  bool

	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	done    chan struct{}
	waitErr error // set before done closes

	stopOnce  sync.Once
	closeOnce sync.Once
}

// Start resolves and launches the child described by spec.
func Start(spec Spec) (*Handle, error) {
	name, args, err := SplitCommand(spec.Command, spec.Args)
	if err != nil {
		return nil, err
	}

	env := MergeEnv(os.Environ(), spec.Env)
	if spec.PTY {
		env = withPTYDefaults(env)
	}
	pathEnv, _ := Lookup(env, "PATH")
	resolved, err := LookPath(name, pathEnv)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(resolved, args...)
	cmd.Env = env
	cmd.Dir = spec.Dir

	h := &Handle{cmd: cmd, path: resolved, pty: spec.PTY, done: make(chan struct{})}
	if spec.PTY {
		err = h.startPTY()
	} else {
		err = h.startPipes()
	}
	if err != nil {
		return nil, err
	}

	go h.reap()
	return h, nil
}

// startPipes wires three os.Pipe pairs. Passing *os.File ends to exec.Cmd
// keeps Wait from closing the parent's read ends while the pump still
// drains them.
func (h *Handle) startPipes() error {
	var parent, child []*os.File
	fail := func(err error) error {
		closeFiles(parent)
		closeFiles(child)
		return err
	}

	inR, inW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("launcher: stdin pipe: %w", err))
	}
	child, parent = append(child, inR), append(parent, inW)

	outR, outW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("launcher: stdout pipe: %w", err))
	}
	child, parent = append(child, outW), append(parent, outR)

	errR, errW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("launcher: stderr pipe: %w", err))
	}
	child, parent = append(child, errW), append(parent, errR)

	h.cmd.Stdin, h.cmd.Stdout, h.cmd.Stderr = inR, outW, errW
	if err := h.cmd.Start(); err != nil {
		return fail(fmt.Errorf("launcher: start %s: %w", h.path, err))
	}
	closeFiles(child)

	h.stdin = inW
	h.stdout = eofReader{outR}
	h.stderr = eofReader{errR}
	return nil
}

// startPTY opens a pseudo-terminal in raw mode so the line discipline
// neither echoes requests back nor rewrites "\n" as "\r\n". Stdin and
// stdout share the terminal; stderr stays a pipe so diagnostics never mix
// into the protocol stream.
func (h *Handle) startPTY() error {
	ptmx, tty, err := pty.Open()
	if err != nil {
		return fmt.Errorf("launcher: open pty: %w", err)
	}
	parent, child := []*os.File{ptmx}, []*os.File{tty}
	fail := func(err error) error {
		closeFiles(child)
		closeFiles(parent)
		return err
	}

	if _, err := term.MakeRaw(int(tty.Fd())); err != nil {
		return fail(fmt.Errorf("launcher: raw mode: %w", err))
	}
	if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
		return fail(fmt.Errorf("launcher: set pty size: %w", err))
	}

	errR, errW, err := os.Pipe()
	if err != nil {
		return fail(fmt.Errorf("launcher: stderr pipe: %w", err))
	}
	child, parent = append(child, errW), append(parent, errR)

	h.cmd.Stdin, h.cmd.Stdout, h.cmd.Stderr = tty, tty, errW
	h.cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true, Setctty: true}
	if err := h.cmd.Start(); err != nil {
		return fail(fmt.Errorf("launcher: start %s: %w", h.path, err))
	}
	closeFiles(child)

	h.stdin = ptmx
	h.stdout = eofReader{ptmx}
	h.stderr = eofReader{errR}
	return nil
}

func (h *Handle) reap() {
	h.waitErr = h.cmd.Wait()
	close(h.done)
}

// Writer is the child's stdin.
func (h *Handle) Writer() io.Writer { return h.stdin }

// Reader is the child's stdout, or the terminal output in PTY mode.
// Read returns io.EOF once the child side is gone.
func (h *Handle) Reader() io.Reader { return h.stdout }

// Stderr is the child's stderr pipe.
func (h *Handle) Stderr() io.Reader { return h.stderr }

// Path is the resolved executable path.
func (h *Handle) Path() string { return h.path }

// PTY reports whether the child runs on a pseudo-terminal.
func (h *Handle) PTY() bool { return h.pty }

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the result of waiting on the child, or nil while it runs.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.waitErr
	default:
		return nil
	}
}

// ExitCode returns the child's exit status, or -1 while it runs or when it
// was killed by a signal.
func (h *Handle) ExitCode() int {
	select {
	case <-h.done:
		return h.cmd.ProcessState.ExitCode()
	default:
		return -1
	}
}

// Terminate closes stdin, sends SIGTERM, and escalates to SIGKILL after
// grace (or as soon as ctx ends). It then closes the parent's read ends and
// returns the wait error. Safe to call more than once.
func (h *Handle) Terminate(ctx context.Context, grace time.Duration) error {
	h.stopOnce.Do(func() {
		if grace <= 0 {
			grace = DefaultGracePeriod
		}
		if !h.pty {
			_ = h.stdin.Close()
		}
		_ = signalProcess(h.cmd.Process, syscall.SIGTERM)

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-h.done:
		case <-timer.C:
			_ = signalProcess(h.cmd.Process, os.Kill)
			<-h.done
		case <-ctx.Done():
			_ = signalProcess(h.cmd.Process, os.Kill)
			<-h.done
		}
		h.closeStreams()
	})

	<-h.done
	return h.waitErr
}

func (h *Handle) closeStreams() {
	h.closeOnce.Do(func() {
		_ = h.stdin.Close()
		_ = h.stdout.Close()
		_ = h.stderr.Close()
	})
}

// signalProcess sends sig to a process, returning nil if the process
// has already exited (os.ErrProcessDone).
func signalProcess(proc *os.Process, sig os.Signal) error {
	err := proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

// eofReader reports io.EOF where the kernel reports the far side going
// away: EIO on a PTY master after the last slave descriptor closes, or
// os.ErrClosed after Terminate closed the file under a blocked Read.
type eofReader struct {
	f *os.File
}

func (r eofReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && (errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)) {
		err = io.EOF
	}
	return n, err
}

func (r eofReader) Close() error { return r.f.Close() }

func closeFiles(files []*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
