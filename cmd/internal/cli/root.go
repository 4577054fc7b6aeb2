// Package cli is the unigate command line: login, a headless listener, an interactive chat
// and outgoing calls.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"unigate/cmd/internal/app"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Streams are the command's standard streams.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// runner is what every command that talks to the backend needs.
type runner struct {
	streams    Streams
	configPath string
	logLevel   string
	logFormat  string

	// appOptions are appended to every app.New call; tests inject fakes here.
	appOptions []app.Option
}

// NewRootCommand builds the command tree.
func NewRootCommand(s Streams, opts ...app.Option) *cobra.Command {
	rt := &runner{streams: s, appOptions: opts}

	root := &cobra.Command{
		Use:           "unigate",
		Short:         "Realtime chat and call client for unigate",
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetIn(s.In)
	root.SetOut(s.Out)
	root.SetErr(s.Err)

	pf := root.PersistentFlags()
	pf.StringVarP(&rt.configPath, "config", "c", "", "YAML config file (default $UNIGATE_CONFIG)")
	pf.StringVar(&rt.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")
	pf.StringVar(&rt.logFormat, "log-format", "", "json or pretty (overrides config)")

	root.AddCommand(
		newLoginCommand(rt),
		newLogoutCommand(rt),
		newListenCommand(rt),
		newChatCommand(rt),
		newCallCommand(rt),
		newVersionCommand(),
	)
	return root
}

// Execute runs the command line against the process streams.
func Execute(ctx context.Context) int {
	root := NewRootCommand(Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// open loads the configuration and builds the App. The caller closes it.
func (rt *runner) open(ctx context.Context) (*app.App, error) {
	cfg, err := app.LoadConfig(rt.configPath)
	if err != nil {
		return nil, err
	}
	if rt.logLevel != "" {
		cfg.LogLevel = rt.logLevel
	}
	if rt.logFormat != "" {
		cfg.LogFormat = rt.logFormat
	}
	log := app.NewLogger(cfg.LogLevel, cfg.LogFormat, rt.streams.Err)
	slog.SetDefault(log)

	return app.New(ctx, cfg, log, rt.appOptions...)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "unigate %s (commit: %s)\n", version, commit)
		},
	}
}

// contextWithOptionalTimeout bounds ctx by d; d <= 0 leaves it unbounded.
func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
