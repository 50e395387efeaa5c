package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const appName = "dispatcher"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Content dispatch orchestrator",
		Long: `Dispatcher drains content items through a remote decision engine and
fans the suggested outputs and actions out to registered handlers.

It also runs a durable task scheduler that executes deferred and
recurring handler invocations.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")

	cmd.AddCommand(serveCmd(&configPath))
	cmd.AddCommand(tasksCmd(&configPath))

	return cmd
}
