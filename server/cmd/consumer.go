package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/THPTUHA/relay/pkg/logger"
	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/runner"
	"github.com/THPTUHA/relay/server/runner/handlers"
	"github.com/spf13/cobra"
)

var consumerCmd = &cobra.Command{
	Use:   "consumer <handler>",
	Short: "Run a message queue consumer using the named handler",
	Long: fmt.Sprintf(`Run a message queue consumer using the named handler.
The consumer reconnects forever when the broker goes away.

Handlers: %s`, strings.Join(handlers.Registry().Names(), ", ")),
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return consumerRun(cmd.Context(), handlers.Registry(), args[0])
	},
}

func init() {
	relayCmd.AddCommand(consumerCmd)

	consumerCmd.Flags().Int("workers", 0, "maximum messages processed at once")
	consumerCmd.Flags().Duration("retry-delay", 0, "wait between reconnect attempts")
	bindFlags(consumerCmd.Flags())
}

func consumerRun(ctx context.Context, registry *runner.Registry, name string, opts ...runner.Option) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.InitLogger(cfg.LogLevel, config.RelayConsumer).WithField("server", cfg.ServerInfo)

	module, err := registry.Load(name, cfg, log)
	if err != nil {
		return err
	}
	opts = append([]runner.Option{runner.WithLogger(log)}, opts...)
	supervisor, err := runner.NewSupervisor(cfg, module, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("Consumer started... Press Ctrl+C to exit.")
	if err := supervisor.Run(ctx); err != nil {
		return err
	}
	log.Info("Consumer Exiting....")
	return nil
}
