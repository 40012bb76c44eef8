package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"vigil/internal/config"
	"vigil/internal/processor"
	"vigil/internal/rulecache"
)

var outputJSON bool

func newWarmUpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "warmup TENANT...",
		Short: "Load tenants into the shared cache without bumping versions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, _ *config.Config, p *processor.Processor) error {
				return report(cmd, "warm-up", p.Cache().WarmUp(ctx, args))
			})
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print the result as JSON")
	return cmd
}

func newRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh TENANT...",
		Short: "Reload tenants from the rule source and notify other instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, cfg *config.Config, p *processor.Processor) error {
				return refresh(ctx, cmd, p.Cache(), args, cfg.Retry.PollInterval)
			})
		},
	}
	cmd.Flags().BoolVar(&outputJSON, "json", false, "print the result as JSON")
	return cmd
}

func newClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear TENANT...",
		Short: "Remove tenants' cached rule sets and version counters",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(func(ctx context.Context, _ *config.Config, p *processor.Processor) error {
				var errs []error
				for _, tenantID := range args {
					if err := p.Cache().Clear(ctx, tenantID); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", tenantID, err))
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", tenantID)
				}
				return errors.Join(errs...)
			})
		},
	}
}

type batchUpdater interface {
	BatchUpdate(ctx context.Context, tenantIDs []string) rulecache.BatchResult
}

// refresh runs one batch update. Nothing drains the retry queue in a one-shot
// run, so locked tenants get a single second attempt after wait.
func refresh(ctx context.Context, cmd *cobra.Command, cache batchUpdater, tenants []string, wait time.Duration) error {
	res := cache.BatchUpdate(ctx, tenants)
	if err := report(cmd, "refresh", res); err != nil || len(res.DeflectedTenants) == 0 {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}

	retry := cache.BatchUpdate(ctx, res.DeflectedTenants)
	if err := report(cmd, "refresh retry", retry); err != nil {
		return err
	}
	if len(retry.DeflectedTenants) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "still locked by another instance, not refreshed: %s\n",
			strings.Join(retry.DeflectedTenants, ", "))
	}
	return nil
}

type batchReport struct {
	rulecache.BatchResult
	Errors map[string]string `json:"errors,omitempty"`
}

// report prints a batch result and fails the command when any tenant failed.
func report(cmd *cobra.Command, op string, res rulecache.BatchResult) error {
	out := cmd.OutOrStdout()

	if outputJSON {
		r := batchReport{BatchResult: res, Errors: make(map[string]string, len(res.Errors))}
		for id, err := range res.Errors {
			r.Errors[id] = err.Error()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(r); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
		}
	} else {
		fmt.Fprintf(out, "%s: %d tenants, %d ok, %d deflected, %d failed in %s\n",
			op, res.Total, res.Succeeded, res.Deflected, res.Failed, res.Elapsed)

		ids := make([]string, 0, len(res.Errors))
		for id := range res.Errors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(out, "  %s: %v\n", id, res.Errors[id])
		}
	}

	if res.Failed > 0 {
		return fmt.Errorf("%s: %d of %d tenants failed", op, res.Failed, res.Total)
	}
	return nil
}
