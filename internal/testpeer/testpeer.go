// Package testpeer builds the scripted JSON-RPC peer used by integration
// tests and writes wrapper scripts that select its behavior.
package testpeer

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"testing"
)

var (
	buildOnce  sync.Once
	binaryPath string
	errBuild   error
)

func build() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		errBuild = fmt.Errorf("testpeer: cannot locate source")
		return
	}
	src := filepath.Join(filepath.Dir(file), "testdata", "mock-peer", "main.go")

	dir, err := os.MkdirTemp("", "mock-peer-*")
	if err != nil {
		errBuild = fmt.Errorf("tmpdir: %w", err)
		return
	}
	binaryPath = filepath.Join(dir, "mock-peer")
	cmd := exec.Command("go", "build", "-o", binaryPath, src)
	cmd.Dir = filepath.Dir(file)
	if out, err := cmd.CombinedOutput(); err != nil {
		errBuild = fmt.Errorf("build mock: %w: %s", err, out)
		os.RemoveAll(dir)
	}
}

// Binary returns the path of the mock peer, building it once per test
// binary.
func Binary(tb testing.TB) string {
	tb.Helper()
	buildOnce.Do(build)
	if errBuild != nil {
		tb.Fatalf("mock peer build failed: %v", errBuild)
	}
	return binaryPath
}

// Script writes an executable wrapper that exports env and execs the mock
// peer, and returns its path.
func Script(tb testing.TB, env map[string]string) string {
	tb.Helper()
	bin := Binary(tb)

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s='%s'\n", k, strings.ReplaceAll(env[k], "'", `'\''`))
	}
	fmt.Fprintf(&b, "exec %s \"$@\"\n", bin)

	wrapper := filepath.Join(tb.TempDir(), "mock-peer-wrapper")
	if err := os.WriteFile(wrapper, []byte(b.String()), 0o600); err != nil {
		tb.Fatalf("write wrapper: %v", err)
	}
	if err := os.Chmod(wrapper, 0o755); err != nil {
		tb.Fatalf("chmod wrapper: %v", err)
	}
	return wrapper
}
