package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pixdesk/ledgersync/internal/config"
	"github.com/pixdesk/ledgersync/internal/version"
)

var (
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
)

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "ledgersync",
		Short:         "Unified ledger statement sync engine",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.LoadAndValidate(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				loaded.Log.Level = logLevel
			}
			l, err := newLogger(loaded.Log, os.Stderr)
			if err != nil {
				return err
			}
			cfg, logger = loaded, l
			slog.SetDefault(logger)
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/ledgersync.yaml", "path to config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(serveCmd(), tailCmd(), backfillCmd(), checkpointsCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

// newLogger builds the slog handler described by the log section.
func newLogger(lc config.LogConfig, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(lc.Level))); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch lc.Format {
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), nil
}
