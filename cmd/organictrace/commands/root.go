// Package commands implements the organictrace operator CLI.
package commands

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const defaultConfigFilename = ".organictrace"

var rootCmd = &cobra.Command{
	Use:          "organictrace",
	Short:        "Operate an organic provenance deployment",
	SilenceUsage: true,
	Long: `organictrace verifies QR codes and certifications, repairs ledger
transactions whose store mirror failed, and audits the record store against
the ledger.

Configuration is read from ./.env, an optional ./.organictrace.yaml and
environment variables prefixed with ORGANICTRACE_.`,
	Example: `  # Verify a QR code scanned at a market stall
  organictrace verify qr 4f2a9c --location "Market Hall"

  # Replay every journalled transaction
  organictrace orphans repair --all

  # Check the store against the ledger
  organictrace ledger check`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		if err := initializeConfig(cmd); err != nil {
			return err
		}
		initLogger(parseLevel(viper.GetString("log-level")))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
		return pushMetrics(cmd.Context())
	},
}

// Execute runs the root command.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("trace", false, "write finished spans as JSON lines to stderr")
	rootCmd.PersistentFlags().String("storage-driver", "", "record store backend: memory, sqlite, postgres")
	rootCmd.PersistentFlags().String("ledger-driver", "", "ledger client: memory, http")
	rootCmd.PersistentFlags().String("ledger-url", "", "ledger gateway base url")
	rootCmd.PersistentFlags().String("blob-driver", "", "orphan journal backend: fs, s3, memory")
	rootCmd.PersistentFlags().String("pushgateway-url", "", "push run metrics to this Prometheus Pushgateway")

	rootCmd.AddCommand(
		newVerifyCommand(),
		newOrphansCommand(),
		newLedgerCommand(),
	)
}

func initLogger(level slog.Leveler) {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		}),
	))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func initializeConfig(cmd *cobra.Command) error {
	viper.SetConfigName(defaultConfigFilename)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return err
		}
		slog.Debug("no config file found")
	}

	viper.SetEnvPrefix("ORGANICTRACE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	return viper.BindPFlags(cmd.Flags())
}
