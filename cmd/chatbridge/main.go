package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sipeed/chatbridge/pkg/app"
)

var (
	configPath  string
	filtersPath string
)

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "Relay messages among bridged IRC, Telegram and Discord channels",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, configPath, filtersPath)
		if err != nil {
			return err
		}
		return a.Run(ctx)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "bridge.yaml", "path to the bridge config document")
	rootCmd.Flags().StringVarP(&filtersPath, "filters", "f", "filter.yaml", "path to the filter rules document")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
