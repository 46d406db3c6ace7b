// Package cmd implements the crunchd command line.
package cmd

import (
	"fmt"
	"io"
	"strings"

	"cosmossdk.io/log"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/paw-chain/crunch/config"
)

const (
	flagEnvFile   = "env-file"
	flagLogLevel  = "log-level"
	flagLogFormat = "log-format"
)

// NewRootCmd creates the crunchd root command. Configuration comes from the
// environment, an optional .env file and flags, in increasing precedence.
func NewRootCmd() *cobra.Command {
	v := config.NewViper()

	rootCmd := &cobra.Command{
		Use:   "crunchd",
		Short: "Rent a GPU on the compute marketplace and run vanity address search passes",
		Long: `crunchd rents one GPU provider on the compute marketplace, runs the
profanity_cuda workload for a fixed number of passes and uploads every result
batch to the job ledger. Funds are allocated up front and released, and the
agreement terminated, whether or not the run succeeds.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			envFile, err := cmd.Flags().GetString(flagEnvFile)
			if err != nil {
				return err
			}
			return config.LoadDotEnv(envFile)
		},
	}

	rootCmd.PersistentFlags().String(flagEnvFile, ".env", "dotenv file to load; a missing file is ignored")
	rootCmd.PersistentFlags().String(flagLogLevel, "info", "log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().String(flagLogFormat, "json", "log format (json|plain)")
	mustBind(v, rootCmd.PersistentFlags(), map[string]string{
		flagLogLevel:  config.KeyLogLevel,
		flagLogFormat: config.KeyLogFormat,
	})

	rootCmd.AddCommand(
		NewRunCmd(v),
		NewParseCmd(),
	)

	return rootCmd
}

// mustBind binds each flag to its viper key. Flags only take effect when set
// explicitly, so environment values keep working.
func mustBind(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for flag, key := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}
}

// NewLogger builds the process logger.
func NewLogger(w io.Writer, level, format string) (log.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	opts := []log.Option{log.LevelOption(lvl)}
	switch strings.ToLower(format) {
	case "json":
		opts = append(opts, log.OutputJSONOption())
	case "plain":
		opts = append(opts, log.ColorOption(false))
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return log.NewLogger(w, opts...), nil
}
