//go:build !windows

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/joeshaw/envdecode"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dmora/stdiorpc"
	"github.com/dmora/stdiorpc/internal/framing"
	"github.com/dmora/stdiorpc/internal/logging"
)

// envConfig holds defaults taken from the environment; flags override them.
type envConfig struct {
	Log     logging.Config
	Timeout time.Duration `env:"STDIORPC_TIMEOUT,default=30s"`
}

type rootFlags struct {
	configPath   string
	framing      string
	headerOutput bool
	pty          bool
	timeout      time.Duration
	dir          string
	env          map[string]string
	logLevel     string
	logFormat    string
	grace        time.Duration
}

func loadEnv() (envConfig, error) {
	var cfg envConfig
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return envConfig{}, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "stdiorpc",
		Short:         "Talk JSON-RPC to a local process over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	env, envErr := loadEnv()
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "server config file (YAML or JSON)")
	pf.StringVar(&f.framing, "framing", "", "inbound framing: newline or header")
	pf.BoolVar(&f.headerOutput, "header-output", false, "write Content-Length framed requests")
	pf.BoolVar(&f.pty, "pty", false, "run the server on a pseudo-terminal")
	pf.DurationVar(&f.timeout, "timeout", env.Timeout, "per-request timeout (env STDIORPC_TIMEOUT)")
	pf.StringVar(&f.dir, "dir", "", "working directory for the server")
	pf.StringToStringVarP(&f.env, "env", "e", nil, "extra environment for the server (KEY=VALUE)")
	pf.StringVar(&f.logLevel, "log-level", env.Log.Level, "log level (env STDIORPC_LOG_LEVEL)")
	pf.StringVar(&f.logFormat, "log-format", env.Log.Format, "log format: json or text (env STDIORPC_LOG_FORMAT)")
	pf.DurationVar(&f.grace, "grace", 0, "SIGTERM to SIGKILL delay on shutdown")

	root.PersistentPreRunE = func(*cobra.Command, []string) error { return envErr }
	root.AddCommand(newCallCmd(f), newNotifyCmd(f), newShellCmd(f))
	return root
}

// serverConfig merges the config file, the flags that were set, and the
// command after "--".
func (f *rootFlags) serverConfig(cmd *cobra.Command, args []string) (stdiorpc.ServerConfig, error) {
	var cfg stdiorpc.ServerConfig
	if f.configPath != "" {
		loaded, err := stdiorpc.LoadConfig(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if len(args) > 0 {
		cfg.Command = args[0]
		cfg.Args = append([]string{}, args[1:]...)
	}
	flags := cmd.Flags()
	if flags.Changed("framing") {
		mode, err := framing.ParseMode(f.framing)
		if err != nil {
			return cfg, err
		}
		cfg.Framing = mode
	}
	if flags.Changed("header-output") {
		cfg.HeaderFramedOutput = f.headerOutput
	}
	if flags.Changed("pty") {
		cfg.PTY = f.pty
	}
	if flags.Changed("timeout") || cfg.Timeout == 0 {
		cfg.Timeout = f.timeout
	}
	if flags.Changed("dir") {
		cfg.Dir = f.dir
	}
	if len(f.env) > 0 {
		if cfg.Env == nil {
			cfg.Env = make(map[string]string, len(f.env))
		}
		for k, v := range f.env {
			cfg.Env[k] = v
		}
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w (pass the server command after --)", err)
	}
	return cfg, nil
}

func (f *rootFlags) logger(w io.Writer) zerolog.Logger {
	return logging.New(w, logging.Config{Level: f.logLevel, Format: f.logFormat})
}

// connect builds and connects a transport for cmd.
func (f *rootFlags) connect(cmd *cobra.Command, args []string, opts ...stdiorpc.Option) (*stdiorpc.Transport, error) {
	cfg, err := f.serverConfig(cmd, args)
	if err != nil {
		return nil, err
	}
	opts = append([]stdiorpc.Option{
		stdiorpc.WithLogger(f.logger(cmd.ErrOrStderr())),
		stdiorpc.WithGracePeriod(f.grace),
	}, opts...)

	t := stdiorpc.New(opts...)
	if err := t.Connect(cmd.Context(), cfg); err != nil {
		return nil, err
	}
	return t, nil
}

func disconnect(t *stdiorpc.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = t.Disconnect(ctx)
}

var (
	errorColor  = color.New(color.FgRed, color.Bold)
	noticeColor = color.New(color.FgYellow)
	okColor     = color.New(color.FgGreen)
)

// printError writes err to w, showing the code of a peer error.
func printError(w io.Writer, err error) {
	var rpcErr *stdiorpc.RPCError
	if errors.As(err, &rpcErr) {
		errorColor.Fprintf(w, "error %d: ", rpcErr.Code)
		fmt.Fprintln(w, rpcErr.Message)
		if len(rpcErr.Data) > 0 {
			fmt.Fprintf(w, "  data: %s\n", rpcErr.Data)
		}
		return
	}
	errorColor.Fprint(w, "error: ")
	fmt.Fprintln(w, err)
}
