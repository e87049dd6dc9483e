// Package cli defines the strata command set.
package cli

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"strata/core"
	"strata/pkg/config"
	"strata/statusserver"
)

// ErrConfig marks configuration failures so main can pick the right exit
// code.
var ErrConfig = errors.New("cli: configuration error")

func loadConfig(env string) (*config.Config, error) {
	cfg, err := config.Load(env)
	if err != nil {
		return nil, errors.Join(ErrConfig, err)
	}
	if level, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(level)
	}
	return cfg, nil
}

// StartCmd runs the node until interrupted.
func StartCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "start a strata node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(env)
			if err != nil {
				return err
			}
			nodeCfg, err := cfg.NodeConfig()
			if err != nil {
				return errors.Join(ErrConfig, err)
			}
			reg := prometheus.NewRegistry()
			node, err := core.NewNode(nodeCfg, reg, nil)
			if err != nil {
				return err
			}
			server := statusserver.New(node, cfg.Server.ListenAddr, reg, nil)
			server.Start()
			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logrus.Info("shutting down")
			_ = server.Close()
			return node.Close()
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	return cmd
}
