package cli

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"strata/core"
)

// QueryCmd evaluates a conjunction of predicates against the store and
// prints matching events as JSON lines.
func QueryCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "query <expression>",
		Short: "query stored events, e.g. 'c >= 42 && c < 84'",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(env)
			if err != nil {
				return err
			}
			expr, err := ParseExpression(args[0])
			if err != nil {
				return err
			}
			nodeCfg, err := cfg.NodeConfig()
			if err != nil {
				return err
			}
			node, err := core.NewNode(nodeCfg, prometheus.NewRegistry(), nil)
			if err != nil {
				return err
			}
			sink := core.NewCollectingSink(64)
			cursor, err := node.Index().Query(expr, sink, 100, 0, "cli")
			if err != nil {
				_ = node.Close()
				return err
			}
			// Keep activating until every candidate was visited.
			for scheduled := cursor.TasteScheduled; scheduled < cursor.TotalCandidates; {
				n, err := node.Index().Activate(cursor.ID, cursor.TotalCandidates-scheduled)
				if err != nil || n == 0 {
					break
				}
				scheduled += n
			}
			hits := sink.Wait()
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, hit := range hits {
				if err := enc.Encode(hit); err != nil {
					_ = node.Close()
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d hits across %d candidate partitions\n",
				len(hits), cursor.TotalCandidates)
			return node.Close()
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "config environment overlay")
	return cmd
}

// ParseExpression parses a conjunction of simple predicates of the form
// `field op literal`, joined by &&. This is CLI glue, not a query language.
func ParseExpression(s string) (core.Expression, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "true" {
		return core.TrueExpr{}, nil
	}
	parts := strings.Split(s, "&&")
	conj := make(core.Conjunction, 0, len(parts))
	for _, part := range parts {
		pred, err := parsePredicate(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		conj = append(conj, pred)
	}
	if len(conj) == 1 {
		return conj[0], nil
	}
	return conj, nil
}

var opsByToken = []struct {
	token string
	op    core.CompOp
}{
	{"==", core.OpEqual},
	{"!=", core.OpNotEqual},
	{"<=", core.OpLessEqual},
	{">=", core.OpGreaterEqual},
	{"<", core.OpLess},
	{">", core.OpGreater},
	{" in ", core.OpIn},
}

func parsePredicate(s string) (core.Expression, error) {
	for _, candidate := range opsByToken {
		i := strings.Index(s, candidate.token)
		if i < 0 {
			continue
		}
		field := strings.TrimSpace(s[:i])
		lit := strings.TrimSpace(s[i+len(candidate.token):])
		if field == "" || lit == "" {
			return nil, fmt.Errorf("cli: malformed predicate %q", s)
		}
		return core.Predicate{Field: field, Op: candidate.op, Literal: parseLiteral(lit)}, nil
	}
	return nil, fmt.Errorf("cli: malformed predicate %q", s)
}

func parseLiteral(s string) core.Value {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		return core.StringValue(s[1 : len(s)-1])
	}
	if s == "true" {
		return core.BoolValue(true)
	}
	if s == "false" {
		return core.BoolValue(false)
	}
	if s == "null" {
		return core.Null()
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return core.IntValue(i)
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		return core.UintValue(u)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return core.FloatValue(f)
	}
	return core.StringValue(s)
}
