package launcher

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var (
	// ErrEmptyCommand is returned when the command string has no tokens.
	ErrEmptyCommand = errors.New("launcher: empty command")

	// ErrNotFound is returned when the executable cannot be located.
	ErrNotFound = errors.New("launcher: executable not found")
)

// SplitCommand splits command on whitespace into the executable token and
// its trailing arguments. A non-nil args replaces the trailing tokens.
func SplitCommand(command string, args []string) (string, []string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil, ErrEmptyCommand
	}
	if args != nil {
		return fields[0], args, nil
	}
	return fields[0], fields[1:], nil
}

// LookPath resolves file the way a shell would, but against the PATH value
// given rather than the current process's. Names containing a path
// separator are checked directly.
func LookPath(file, path string) (string, error) {
	if strings.ContainsRune(file, filepath.Separator) {
		resolved, err := exec.LookPath(file)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrNotFound, file, err)
		}
		return resolved, nil
	}
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			// Empty PATH elements mean the working directory, which is
			// never searched implicitly.
			continue
		}
		candidate := filepath.Join(dir, file)
		if isExecutable(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, file)
}

func isExecutable(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !fi.IsDir() && fi.Mode().Perm()&0o111 != 0
}
