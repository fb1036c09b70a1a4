// cmd/tick-saver/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/tick-saver/internal/app"
	"github.com/YaganovValera/tick-saver/internal/config"
	"github.com/YaganovValera/tick-saver/internal/credentials"
	"github.com/YaganovValera/tick-saver/pkg/logger"
)

type options struct {
	configFile string
	envFile    string
}

func (o *options) bind(fs *pflag.FlagSet) {
	fs.StringVar(&o.configFile, "config", "", "path to config file (yaml)")
	fs.StringVar(&o.envFile, "env-file", ".env", "optional dotenv file")
}

func (o *options) load() (*config.Config, error) {
	return config.Load(o.configFile, o.envFile)
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tick-saver",
		Short:         "Minute candle builder and live tick publisher",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}
	opts.bind(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Stream ticks, build candles and publish live values",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "print-config",
			Short: "Print effective configuration with secrets masked",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.load()
				if err != nil {
					return err
				}
				return cfg.Print(cmd.OutOrStdout())
			},
		},
		saveAccountCmd(opts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "tick-saver:", err)
		stop()
		os.Exit(1)
	}
}

// saveAccountCmd записывает токен учётной записи, который сервис читает на старте.
func saveAccountCmd(opts *options) *cobra.Command {
	var (
		acc credentials.Account
		ttl time.Duration
	)
	cmd := &cobra.Command{
		Use:   "save-account",
		Short: "Store upstream API credentials for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer log.Sync()
			return app.SaveAccount(cmd.Context(), cfg, acc, ttl, log.Named("accounts"))
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&acc.Name, "name", "", "account name, e.g. TS1")
	fs.StringVar(&acc.APIKey, "api-key", "", "upstream API key")
	fs.StringVar(&acc.AccessToken, "access-token", "", "upstream access token")
	fs.StringVar(&acc.ClientID, "client-id", "", "upstream client id (optional)")
	fs.DurationVar(&ttl, "ttl", credentials.DefaultTTL, "lifetime of the accounts hash")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("api-key")
	_ = cmd.MarkFlagRequired("access-token")
	return cmd
}

func run(ctx context.Context, opts *options) error {
	cfg, err := opts.load()
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer log.Sync()

	log.Info("starting",
		zap.String("service", cfg.ServiceName),
		zap.String("version", cfg.ServiceVersion),
	)
	if err := app.Run(ctx, cfg, log.Named("app")); err != nil {
		log.Error("stopped with error", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
