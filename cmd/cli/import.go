package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"strata/core"
)

// ImportCmd ingests newline-delimited JSON into the node's store.
func ImportCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "import NDJSON events (stdin when no file is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(env)
			if err != nil {
				return err
			}
			nodeCfg, err := cfg.NodeConfig()
			if err != nil {
				return err
			}
			// JSON already types numbers; the numeric-agnostic parser
			// avoids re-parsing them out of strings.
			nodeCfg.Parser = "numeric-agnostic"
			node, err := core.NewNode(nodeCfg, prometheus.NewRegistry(), nil)
			if err != nil {
				return err
			}
			var in io.Reader = os.Stdin
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					_ = node.Close()
					return err
				}
				defer f.Close()
				in = f
			}
			source := core.NewNDJSONSource(node.Importer(), node.Diagnostics())
			n, err := source.Read(in)
			if err != nil {
				_ = node.Close()
				return err
			}
			node.Importer().Flush()
			if err := node.Index().FlushAndWait(0); err != nil {
				_ = node.Close()
				return err
			}
			logrus.Infof("imported %d events", n)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d events\n", n)
			return node.Close()
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	return cmd
}
