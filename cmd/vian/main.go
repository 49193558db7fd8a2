// Command vian serves SLA and pipeline analytics for Bitrix24 deals.
//
//	vian serve  --config config.yaml
//	vian report --config config.yaml --start 2024-01-01 --end 2024-01-31
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string

	rootCmd = &cobra.Command{
		Use:           "vian",
		Short:         "SLA and pipeline analytics for Bitrix24 deals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug | info | warn | error")
	rootCmd.AddCommand(serveCmd, reportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("vian: command failed", "err", err)
		os.Exit(1)
	}
}

// setupLogging installs a JSON slog handler on stderr at the given level.
func setupLogging(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}
