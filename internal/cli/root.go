// Package cli implements the corebridge command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"corebridge/internal/config"
	"corebridge/internal/platform/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config  string
	DB      string
	Format  string // "json" | "text"
	Verbose bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. version is reported by the
// version command.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "corebridge",
		Short: "Versioned object database bridge",
		Long: `corebridge opens an engine file behind a single confined dispatcher,
tracks every native handle it hands out and streams change notifications.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "YAML config file (default $CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.DB, "db", "", "database file (overrides DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewInspectCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewVersionCommand(opts, version))
	return cmd
}

// Execute runs the command line and returns the process exit code.
func Execute(version string, args []string, stdout, stderr io.Writer) int {
	cmd := NewRootCommand(version)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return GetExitCode(err)
	}
	return ExitSuccess
}

// loadConfig applies the global flags on top of the loaded configuration.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.LoadFrom(o.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "load config", err)
	}
	if o.DB != "" {
		cfg.DB.Path = o.DB
	}
	return cfg, nil
}

// toolLogger is the logger of one-shot commands: console only, warnings
// unless verbose.
func (o *RootOptions) toolLogger(w io.Writer, cfg config.Config) *slog.Logger {
	level := "warn"
	if o.Verbose {
		level = "debug"
	}
	if w == nil {
		w = os.Stderr
	}
	return logger.New(logger.Options{Env: cfg.Env, ConsoleLevel: level, App: "corebridge", Console: w})
}
