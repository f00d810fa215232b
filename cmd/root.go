// -- cmd/root.go --
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/internal/config"
	"github.com/xkilldash9x/osint-tracer/internal/observability"
	"github.com/xkilldash9x/osint-tracer/internal/service"
)

type configKey struct{}

// withConfig stores the resolved configuration on the command context.
func withConfig(ctx context.Context, cfg *config.Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// configFrom returns the configuration loaded by the root command, or the
// defaults when a subcommand runs without it (as in tests).
func configFrom(ctx context.Context) *config.Config {
	if ctx != nil {
		if cfg, ok := ctx.Value(configKey{}).(*config.Config); ok {
			return cfg
		}
	}
	return config.NewDefaultConfig()
}

// NewRootCommand builds a fresh command tree wired to the production factory.
func NewRootCommand() *cobra.Command {
	return newRootCmd(service.NewComponentFactory())
}

func newRootCmd(factory service.ComponentFactory) *cobra.Command {
	var cfgFile string

	rootCmd := &cobra.Command{
		Use:           "tracer",
		Short:         "Tracer enriches phones, domains, wallets and handles and maps how they connect.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Runs before any command, setting up config and logging.
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "tracer"})
				return err
			}
			observability.InitializeLogger(cfg.Logger())

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			cmd.SetContext(withConfig(ctx, cfg))
			observability.GetLogger().Debug("Starting tracer", zap.String("version", Version))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./tracer.yaml, then ~/tracer.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(
		newTraceCmd(factory),
		newCheckCmd(factory),
		newMigrateCmd(),
		newGraphCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// loadConfig layers defaults, the config file and TRACER_ environment variables.
func loadConfig(cfgFile string) (*config.Config, error) {
	v := viper.New()
	config.SetDefaults(v)
	if err := config.ConfigureViper(v, cfgFile); err != nil {
		return nil, err
	}
	return config.NewConfigFromViper(v)
}

// Execute runs the command tree. The error is logged here; callers only pick
// an exit code.
func Execute(ctx context.Context) error {
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.GetLogger().Warn("Command aborted.")
		} else {
			observability.GetLogger().Error("Command execution failed", zap.Error(err))
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
	}
	observability.Sync()
	return err
}
