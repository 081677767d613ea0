package stdiorpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/dmora/stdiorpc/internal/framing"
)

// DefaultTimeout applies when ServerConfig.Timeout is zero or negative.
const DefaultTimeout = 30 * time.Second

// Framing selects how inbound frames are delimited.
type Framing = framing.Mode

const (
	// FramingNewline expects one JSON object per line.
	FramingNewline = framing.ModeNewline

	// FramingHeader expects Content-Length header framing, as LSP servers
	// use.
	FramingHeader = framing.ModeHeader
)

// ServerConfig describes the child process to run and how to talk to it.
//
// In JSON or YAML files, timeout is a number of seconds.
type ServerConfig struct {
	// Command is split on whitespace; the first token is the executable.
	// Bare names are looked up in the merged environment's PATH.
	Command string `json:"command"`

	// Args, when non-nil, replaces the tokens after the executable in Command.
	Args []string `json:"args,omitempty"`

	// Env is merged over the current process environment; entries here win.
	Env map[string]string `json:"env,omitempty"`

	// Timeout bounds each request. Zero or negative means DefaultTimeout.
	Timeout time.Duration `json:"-"`

	// Dir is the child's working directory. Empty inherits the caller's.
	Dir string `json:"dir,omitempty"`

	// PTY runs the child's stdin and stdout on a pseudo-terminal.
	PTY bool `json:"pty,omitempty"`

	// Framing selects inbound decoding. Defaults to FramingNewline.
	Framing Framing `json:"framing,omitempty"`

	// HeaderFramedOutput writes outbound frames with Content-Length headers
	// instead of newline delimiting.
	HeaderFramedOutput bool `json:"headerFramedOutput,omitempty"`
}

type serverConfigAlias ServerConfig

type serverConfigJSON struct {
	serverConfigAlias
	Timeout float64 `json:"timeout,omitempty"`
}

// MarshalJSON encodes Timeout as seconds.
func (c ServerConfig) MarshalJSON() ([]byte, error) {
	return json.Marshal(serverConfigJSON{
		serverConfigAlias: serverConfigAlias(c),
		Timeout:           c.Timeout.Seconds(),
	})
}

// UnmarshalJSON decodes Timeout from seconds.
func (c *ServerConfig) UnmarshalJSON(data []byte) error {
	var v serverConfigJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v.Timeout < 0 || math.IsNaN(v.Timeout) || v.Timeout > math.MaxInt64/float64(time.Second) {
		return fmt.Errorf("stdiorpc: invalid timeout %v", v.Timeout)
	}
	*c = ServerConfig(v.serverConfigAlias)
	c.Timeout = time.Duration(v.Timeout * float64(time.Second))
	return nil
}

// Validate reports whether c can be used to connect.
func (c ServerConfig) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return errors.New("stdiorpc: command is required")
	}
	switch c.Framing {
	case FramingNewline, FramingHeader:
	default:
		return fmt.Errorf("stdiorpc: unknown framing %d", int(c.Framing))
	}
	return nil
}

// requestTimeout returns the effective per-request timeout.
func (c ServerConfig) requestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// clone returns a deep copy so the transport never shares the caller's
// slices or maps.
func (c ServerConfig) clone() ServerConfig {
	out := c
	if c.Args != nil {
		out.Args = slices.Clone(c.Args)
	}
	if c.Env != nil {
		out.Env = maps.Clone(c.Env)
	}
	return out
}

// LoadConfig reads a ServerConfig from a YAML or JSON file.
func LoadConfig(path string) (ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ServerConfig{}, fmt.Errorf("stdiorpc: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a ServerConfig from YAML or JSON bytes and validates it.
func ParseConfig(data []byte) (ServerConfig, error) {
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("stdiorpc: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}
