package main

import (
	"net"

	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/kubev2v/bot-runner/pkg/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "bot-runner",
	Short:         "bot-runner runs automation bots as background jobs and tracks their progress.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(newReapCmd())
	rootCmd.AddCommand(newPurgeCmd())
	rootCmd.AddCommand(newDecodeCmd())
}

// setup reads the configuration and installs the global logger. The returned
// func flushes the logger and restores the previous globals.
func setup() (*config.Config, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel))
	undo := zap.ReplaceGlobals(logger)

	return cfg, func() {
		_ = logger.Sync()
		undo()
	}, nil
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
