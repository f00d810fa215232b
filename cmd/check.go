package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/internal/config"
	"github.com/xkilldash9x/osint-tracer/internal/observability"
	"github.com/xkilldash9x/osint-tracer/internal/service"
)

func newCheckCmd(factory service.ComponentFactory) *cobra.Command {
	var pretty bool
	checkCmd := &cobra.Command{
		Use:   "check <type> <value>",
		Short: "Enrich one entity without persisting anything",
		Example: `  tracer check phone "+1 415 555 0100"
  tracer check hostname https://www.example.com/`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return runCheck(ctx, factory, configFrom(ctx), args[0], args[1], cmd.OutOrStdout(), pretty, observability.GetLogger())
		},
	}
	checkCmd.Flags().BoolVar(&pretty, "pretty", false, "Indent the JSON output")
	return checkCmd
}

func runCheck(ctx context.Context, factory service.ComponentFactory, cfg config.Interface, typeName, value string, out io.Writer, pretty bool, logger *zap.Logger) error {
	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	result, err := components.Tracer.CheckEntity(ctx, typeName, value)
	if err != nil {
		return err
	}
	return writeJSON(out, result, pretty)
}
