// Package launcher starts a child process with its standard streams wired
// either to anonymous pipes or to a pseudo-terminal, and owns its teardown.
package launcher

import "time"

// DefaultGracePeriod is how long Terminate waits after SIGTERM before it
// sends SIGKILL.
const DefaultGracePeriod = 2 * time.Second

// Spec describes the child to launch.
type Spec struct {
	// Command is split on whitespace; the first token is the executable.
	Command string

	// Args, when non-nil, replaces the tokens after the executable.
	Args []string

	// Env entries override the inherited environment.
	Env map[string]string

	// Dir is the working directory. Empty inherits the parent's.
	Dir string

	// PTY runs the child's stdin and stdout on a pseudo-terminal instead of
	// pipes.
	PTY bool
}
