package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"fetchbridge/internal/app"
	"fetchbridge/pkg/config"
	"fetchbridge/pkg/logger"
	"fetchbridge/pkg/shutdown"
)

const shutdownTimeout = 20 * time.Second

func newServeCmd(info BuildInfo) *cobra.Command {
	var flags config.Flags
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.Set = map[string]bool{}
			for _, name := range []string{"addr", "config", "host"} {
				flags.Set[name] = cmd.Flags().Changed(name)
			}
			eff, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), eff, info)
		},
	}
	cmd.Flags().StringVar(&flags.Addr, "addr", "", "listen address host:port (overrides config)")
	cmd.Flags().StringVar(&flags.Config, "config", "config.yaml", "config file path (or FETCHBRIDGE_CONFIG)")
	cmd.Flags().StringVar(&flags.Host, "host", "", "host server: nethttp or fasthttp (overrides config)")
	return cmd
}

// loadConfig runs the config pipeline: .env, file, environment, flags,
// then defaults and validation.
func loadConfig(flags config.Flags) (config.EffectiveConfigResult, error) {
	_ = godotenv.Load(".env")

	fileCfg, fileExists, err := config.ParseConfigFile(flags)
	if err != nil {
		return config.EffectiveConfigResult{}, fmt.Errorf("failed to load config file: %w", err)
	}
	envCfg, envRes := config.ParseConfigEnvs()

	eff, err := config.LoadEffectiveConfig(flags, fileCfg, fileExists, envCfg, envRes)
	if err != nil {
		return eff, fmt.Errorf("failed to build effective config: %w", err)
	}
	if err := eff.Config.ValidateConfig(); err != nil {
		return eff, fmt.Errorf("invalid configuration: %w", err)
	}
	eff.Addr = eff.Config.Addr()
	return eff, nil
}

func serve(parent context.Context, eff config.EffectiveConfigResult, info BuildInfo) error {
	if parent == nil {
		parent = context.Background()
	}
	logger.Init(eff.Config.Logging.Level)
	defer logger.Sync()

	logger.Info("effective_config_loaded", "source", eff.Source, "addr", eff.Addr, "host", eff.Config.Server.Host)
	logger.Info("config_validation_passed")

	a, err := app.New(eff, info.Version, info.Commit, info.BuildDate)
	if err != nil {
		shutdown.Abort("failed to initialize app", err, "")
		return err
	}

	ctx, cancel := shutdown.SetupSignalHandler(parent)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("app run failed", err, "")
		return err
	}

	// bounded so teardown cannot hang forever
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return a.Shutdown(shutdownCtx)
}
