package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kumc-bmi/refsync/internal/config"
)

// app carries what every subcommand needs. Secrets are looked up by the
// environment variable names given on the command line, never taken from
// argv directly.
type app struct {
	out    io.Writer
	errOut io.Writer
	lookup func(string) (string, bool)
	load   func() (*config.Config, error)

	debug  bool
	cfg    *config.Config
	logger zerolog.Logger
}

func main() {
	a := &app{
		out:    os.Stdout,
		errOut: os.Stderr,
		lookup: os.LookupEnv,
		load:   config.Load,
	}
	if err := a.rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "refsync: %v\n", err)
		os.Exit(1)
	}
}

func (a *app) rootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "refsync",
		Short:         "Provision REDCap referral codes and check DS-Connect survey status",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
	}
	rootCmd.SetOut(a.out)
	rootCmd.SetErr(a.errOut)
	rootCmd.PersistentFlags().BoolVar(&a.debug, "debug", false, "Log at debug level")

	rootCmd.AddCommand(a.generateCmd())
	rootCmd.AddCommand(a.importCmd())
	rootCmd.AddCommand(a.statusCmd())
	rootCmd.AddCommand(a.stubCmd())
	return rootCmd
}

// setup loads config and builds the logger. Logs go to errOut so that
// command output on out stays machine-readable.
func (a *app) setup() error {
	cfg, err := a.load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.logger = newLogger(a.errOut, cfg.IsDev(), a.debug)
	return nil
}

func newLogger(w io.Writer, dev, debug bool) zerolog.Logger {
	if dev {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "2006-01-02 15:04:05"}
	}
	logger := zerolog.New(w).With().Timestamp().Str("run_id", uuid.New().String()).Logger()
	if debug {
		return logger.Level(zerolog.DebugLevel)
	}
	return logger.Level(zerolog.InfoLevel)
}
