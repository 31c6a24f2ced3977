package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/THPTUHA/relay/server/config"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var relayCmd = &cobra.Command{
	Use:           "relay",
	Short:         "Chat relay gateway and message queue consumers",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stderr))
}

// execute runs the command line and reports a failure once on stderr.
func execute(ctx context.Context, args []string, stderr io.Writer) int {
	relayCmd.SetArgs(args)
	relayCmd.SetErr(stderr)
	if err := relayCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return 1
	}
	return 0
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := relayCmd.PersistentFlags()
	flags.String("config", "", "yaml config file")
	flags.String("log-level", "", "log level (debug|info|warn|error)")
	flags.String("server-info", "", "name of this process in presence events")
	bindFlags(flags)
}

func bindFlags(fs *pflag.FlagSet) {
	if err := viper.BindPFlags(fs); err != nil {
		panic(err)
	}
}

func initConfig() {
	viper.SetEnvPrefix("relay")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the config file and lets flags and RELAY_* variables
// override it.
func loadConfig() (*config.Configs, error) {
	cfg, err := config.Get(viper.GetString("config"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := viper.GetString("server-info"); v != "" {
		cfg.ServerInfo = v
	}
	if cfg.ServerInfo == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("server info not set and no hostname: %w", err)
		}
		cfg.ServerInfo = host
	}
	if v := viper.GetInt("workers"); v > 0 {
		cfg.Consumer.Workers = v
	}
	if v := viper.GetDuration("retry-delay"); v > 0 {
		cfg.Consumer.RetryDelay = v
	}
	return cfg, nil
}
