package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/config"
	"github.com/xkilldash9x/osint-tracer/internal/normalize"
	"github.com/xkilldash9x/osint-tracer/internal/observability"
	"github.com/xkilldash9x/osint-tracer/internal/service"
)

// openGraph is replaced in tests.
var openGraph = service.InitializeGraph

func newGraphCmd() *cobra.Command {
	var (
		refs   []string
		pretty bool
	)
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the whole graph, or the investigation view around --ref entities",
		Example: `  tracer graph
  tracer graph --ref phone:+14155550100 --ref domain:example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := configFrom(ctx)
			return runGraph(ctx, cfg, refs, cmd.OutOrStdout(), pretty, observability.GetLogger())
		},
	}
	graphCmd.Flags().StringArrayVar(&refs, "ref", nil, "Subject entity as type:value (repeatable)")
	graphCmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON output")
	return graphCmd
}

func runGraph(ctx context.Context, cfg config.Interface, rawRefs []string, out io.Writer, pretty bool, logger *zap.Logger) error {
	normalizer := normalize.New(cfg.Normalize().DefaultRegion)
	filter := schemas.GraphFilter{All: len(rawRefs) == 0}
	for _, raw := range rawRefs {
		ref, err := parseRef(normalizer, raw)
		if err != nil {
			return err
		}
		filter.Refs = append(filter.Refs, ref)
	}

	g, err := openGraph(ctx, cfg.Graph(), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := g.Close(context.Background()); err != nil {
			logger.Warn("Error closing graph store.", zap.Error(err))
		}
	}()

	snapshot, err := g.Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("graph query failed: %w", err)
	}
	return writeJSON(out, snapshot, pretty)
}

// parseRef reads "type:value" and canonicalizes the value.
func parseRef(n *normalize.Normalizer, raw string) (schemas.EntityRef, error) {
	typeName, value, ok := strings.Cut(raw, ":")
	if !ok || strings.TrimSpace(value) == "" {
		return schemas.EntityRef{}, fmt.Errorf("invalid --ref %q: expected type:value", raw)
	}
	t, err := schemas.ParseEntityType(typeName)
	if err != nil {
		return schemas.EntityRef{}, fmt.Errorf("invalid --ref %q: %w", raw, err)
	}
	canonical, err := n.Normalize(t, value)
	if err != nil {
		return schemas.EntityRef{}, fmt.Errorf("invalid --ref %q: %w", raw, err)
	}
	return schemas.EntityRef{Type: t, Value: canonical}, nil
}
