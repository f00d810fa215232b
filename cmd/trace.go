package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/osint-tracer/api/schemas"
	"github.com/xkilldash9x/osint-tracer/internal/config"
	"github.com/xkilldash9x/osint-tracer/internal/observability"
	"github.com/xkilldash9x/osint-tracer/internal/service"
	"github.com/xkilldash9x/osint-tracer/internal/tracer"
)

type traceOptions struct {
	phones      []string
	domains     []string
	wallets     []string
	handles     []string
	input       string
	output      string
	pretty      bool
	concurrency int
}

// newTraceCmd creates and configures the `trace` command.
func newTraceCmd(factory service.ComponentFactory) *cobra.Command {
	opts := &traceOptions{}
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Enrich a batch of entities, persist them, and report how they relate",
		Example: `  tracer trace --phone "+1 415 555 0100" --domain example.com
  tracer trace --input batch.json --output result.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := configFrom(ctx)
			if opts.concurrency > 0 {
				cfg.SetEngineConcurrency(opts.concurrency)
			}

			req, err := buildBatchRequest(opts)
			if err != nil {
				return err
			}

			out, closeOut, err := openOutput(opts.output, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeOut()

			return runTrace(ctx, factory, cfg, req, out, opts.pretty, logger)
		},
	}

	traceCmd.Flags().StringArrayVar(&opts.phones, "phone", nil, "Phone number to trace (repeatable)")
	traceCmd.Flags().StringArrayVar(&opts.domains, "domain", nil, "Domain or URL to trace (repeatable)")
	traceCmd.Flags().StringArrayVar(&opts.wallets, "wallet", nil, "Crypto wallet address to trace (repeatable)")
	traceCmd.Flags().StringArrayVar(&opts.handles, "handle", nil, "Messenger handle to trace (repeatable)")
	traceCmd.Flags().StringVarP(&opts.input, "input", "i", "", `JSON batch file: {"entities": {"phone": [...], ...}}`)
	traceCmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write the result to a file instead of stdout")
	traceCmd.Flags().BoolVar(&opts.pretty, "pretty", false, "Indent the JSON output")
	traceCmd.Flags().IntVarP(&opts.concurrency, "concurrency", "j", 0, "Concurrent enrichments per batch. (Overrides config/env)")
	return traceCmd
}

// buildBatchRequest merges the input file with the per-type flags.
func buildBatchRequest(opts *traceOptions) (tracer.BatchRequest, error) {
	req := tracer.BatchRequest{Entities: map[string][]string{}}
	if opts.input != "" {
		data, err := os.ReadFile(opts.input)
		if err != nil {
			return req, fmt.Errorf("failed to read input file: %w", err)
		}
		if err := json.Unmarshal(data, &req); err != nil {
			return req, fmt.Errorf("%w: %v", schemas.ErrMalformedBatch, err)
		}
		if req.Entities == nil {
			req.Entities = map[string][]string{}
		}
	}
	for t, values := range map[schemas.EntityType][]string{
		schemas.EntityPhone:  opts.phones,
		schemas.EntityDomain: opts.domains,
		schemas.EntityWallet: opts.wallets,
		schemas.EntityHandle: opts.handles,
	} {
		if len(values) > 0 {
			req.Entities[string(t)] = append(req.Entities[string(t)], values...)
		}
	}
	if len(req.Entities) == 0 {
		return req, fmt.Errorf("nothing to trace: pass --phone, --domain, --wallet, --handle or --input")
	}
	return req, nil
}

// runTrace contains the core logic for the trace command, decoupled from cobra.
func runTrace(ctx context.Context, factory service.ComponentFactory, cfg config.Interface, req tracer.BatchRequest, out io.Writer, pretty bool, logger *zap.Logger) error {
	if timeout := cfg.Engine().BatchTimeout; timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	components, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize components: %w", err)
	}
	defer components.Shutdown()

	result, err := components.Tracer.TraceBatch(ctx, req)
	if err != nil {
		return err
	}
	logger.Info("Trace complete",
		zap.String("session_id", result.SessionID),
		zap.Int("relationships", len(result.Relationships)),
		zap.Int("errors", len(result.Errors)))
	return writeJSON(out, result, pretty)
}
