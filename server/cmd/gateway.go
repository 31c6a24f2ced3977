package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/THPTUHA/relay/pkg/logger"
	"github.com/THPTUHA/relay/server/config"
	"github.com/THPTUHA/relay/server/deliverer"
	"github.com/spf13/cobra"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve chat web sockets and relay messages through the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return gatewayRun(cmd.Context())
	},
}

func init() {
	relayCmd.AddCommand(gatewayCmd)
}

func gatewayRun(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.InitLogger(cfg.LogLevel, config.RelayGateway).WithField("server", cfg.ServerInfo)

	server, err := deliverer.NewDelivererServer(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.Start(ctx)
}
