package launcher

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// commonBinDirs are prepended to PATH for PTY children, which are usually
// interactive tools installed outside a minimal inherited PATH.
var commonBinDirs = []string{
	"/opt/homebrew/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// MergeEnv overlays overrides onto base (KEY=VALUE entries). An override
// replaces the base entry in place; new keys are appended in sorted order.
// The result never contains the same key twice.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	index := make(map[string]int, len(base))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if i, ok := index[key]; ok {
			out[i] = kv // later duplicates win, as in exec.Cmd
			continue
		}
		index[key] = len(out)
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		kv := k + "=" + overrides[k]
		if i, ok := index[k]; ok {
			out[i] = kv
			continue
		}
		index[k] = len(out)
		out = append(out, kv)
	}
	return out
}

// Lookup returns the value of key in env and whether it was present.
func Lookup(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, _ := strings.Cut(env[i], "=")
		if k == key {
			return v, true
		}
	}
	return "", false
}

// withPTYDefaults prepends the common install dirs missing from PATH and
// defaults TERM so that terminal-probing tools do not emit escape sequences.
func withPTYDefaults(env []string) []string {
	path, _ := Lookup(env, "PATH")
	present := filepath.SplitList(path)

	var add []string
	for _, dir := range commonBinDirs {
		if !slices.Contains(present, dir) {
			add = append(add, dir)
		}
	}
	overrides := map[string]string{}
	if len(add) > 0 {
		joined := strings.Join(add, string(os.PathListSeparator))
		if path != "" {
			joined += string(os.PathListSeparator) + path
		}
		overrides["PATH"] = joined
	}
	if _, ok := Lookup(env, "TERM"); !ok {
		overrides["TERM"] = "dumb"
	}
	return MergeEnv(env, overrides)
}
