package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/logger"
	"vigil/internal/processor"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "vigil",
		Short:         "Tenant alert-rule cache and batch evaluation service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("VIGIL_CONFIG"), "path to YAML config file")

	root.AddCommand(
		newServeCmd(),
		newWarmUpCmd(),
		newRefreshCmd(),
		newClearCmd(),
	)
	return root
}

// loadConfig reads the config and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, Kafka consumers and cache background loops",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			var opts []processor.Option
			if configPath != "" {
				opts = append(opts, processor.WithConfigPath(configPath))
			}
			return processor.New(cfg, opts...).Run(ctx)
		},
	}
}

// withRuntime initializes backends for a one-shot operator command. The
// coordinator's background loops are not started.
func withRuntime(fn func(ctx context.Context, cfg *config.Config, p *processor.Processor) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	p := processor.New(cfg)
	if err := p.Init(ctx); err != nil {
		return err
	}
	defer p.Close()

	return fn(ctx, cfg, p)
}
