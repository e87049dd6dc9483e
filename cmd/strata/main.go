package main

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"strata/cmd/cli"
	"strata/core"
)

// Exit codes: 0 normal, 1 config error, 2 IO error, 3 shutdown with data
// loss.
const (
	exitOK = iota
	exitConfig
	exitIO
	exitDataLoss
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "strata",
		Short:         "strata telemetry engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(cli.StartCmd())
	rootCmd.AddCommand(cli.ImportCmd())
	rootCmd.AddCommand(cli.QueryCmd())
	rootCmd.AddCommand(cli.CompactCmd())
	rootCmd.AddCommand(cli.StatusCmd())
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		switch {
		case errors.Is(err, core.ErrDataLoss):
			os.Exit(exitDataLoss)
		case errors.Is(err, cli.ErrConfig):
			os.Exit(exitConfig)
		default:
			os.Exit(exitIO)
		}
	}
	os.Exit(exitOK)
}
