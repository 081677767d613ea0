//go:build !windows

package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/dmora/stdiorpc"
)

func newShellCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "shell -- command [args...]",
		Short: "Read requests from stdin, one per line",
		Long: `Each input line is "method [params-json]" and is sent as a request.
Lines starting with "!" are sent as notifications. Peer notifications are
printed as they arrive. Blank lines and lines starting with "#" are skipped.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := &lockedWriter{w: cmd.OutOrStdout()}
			onNote := func(method string, params json.RawMessage) {
				noticeColor.Fprintf(out, "<- %s %s\n", method, params)
			}
			t, err := f.connect(cmd, args, stdiorpc.WithNotificationHandler(onNote))
			if err != nil {
				return err
			}
			defer disconnect(t)
			return runShell(cmd, t, cmd.InOrStdin(), out)
		},
	}
}

func runShell(cmd *cobra.Command, t *stdiorpc.Transport, in io.Reader, out io.Writer) error {
	ctx := cmd.Context()
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		notify := strings.HasPrefix(line, "!")
		method, rest, _ := strings.Cut(strings.TrimPrefix(line, "!"), " ")
		params, err := parseParams(strings.TrimSpace(rest))
		if err != nil {
			printError(out, err)
			continue
		}

		if notify {
			if err := t.SendNotification(ctx, method, params); err != nil {
				return err
			}
			continue
		}

		result, err := t.SendRequest(ctx, method, params)
		switch {
		case err == nil:
			if err := printJSON(out, result); err != nil {
				return err
			}
		case t.State() != stdiorpc.StateConnected:
			return err
		default:
			printError(out, err)
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	return nil
}

// lockedWriter serializes shell output with notifications printed from the
// transport's reader goroutine.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
