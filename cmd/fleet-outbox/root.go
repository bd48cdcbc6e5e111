package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:           appName,
		Short:         "Transactional outbox of the fleet auth service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./fleet-outbox.yaml)")

	configLoader := func() (config, error) {
		return loadConfig(cfgFile)
	}
	root.AddCommand(
		newMigrateCommand(configLoader),
		newRelayCommand(configLoader),
		newConsumeCommand(configLoader),
		newRegisterCommand(configLoader),
	)
	return root
}

type configLoader func() (config, error)

// signalContext is cancelled on SIGINT, SIGTERM and SIGQUIT.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
}
