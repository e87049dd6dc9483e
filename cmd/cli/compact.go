package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"strata/core"
)

// CompactCmd rewrites the given partitions through an identity pipeline,
// merging undersized partitions into capacity-sized ones.
func CompactCmd() *cobra.Command {
	var env string
	var keep bool
	var where string
	cmd := &cobra.Command{
		Use:   "compact <uuid>...",
		Short: "rewrite partitions through a pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(env)
			if err != nil {
				return err
			}
			ids := make([]uuid.UUID, 0, len(args))
			for _, arg := range args {
				id, err := uuid.Parse(arg)
				if err != nil {
					return fmt.Errorf("cli: bad partition id %q: %w", arg, err)
				}
				ids = append(ids, id)
			}
			pipeline := core.NewPipeline(core.IdentityOperator{})
			if where != "" {
				expr, err := ParseExpression(where)
				if err != nil {
					return err
				}
				pipeline = core.NewPipeline(core.WhereOperator{Expr: expr})
			}
			nodeCfg, err := cfg.NodeConfig()
			if err != nil {
				return err
			}
			node, err := core.NewNode(nodeCfg, prometheus.NewRegistry(), nil)
			if err != nil {
				return err
			}
			result, err := node.Index().Transform(ids, pipeline, keep)
			if err != nil {
				_ = node.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transform %s: %d inputs -> %d outputs\n",
				result.TransformID, len(result.Inputs), len(result.Outputs))
			for _, out := range result.Outputs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s (%s, %d events)\n", out.ID, out.Schema, out.Events)
			}
			return node.Close()
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	cmd.Flags().BoolVar(&keep, "keep-original", false, "keep the input partitions")
	cmd.Flags().StringVar(&where, "where", "", "filter events while rewriting")
	return cmd
}
