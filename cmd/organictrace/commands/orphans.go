package commands

import (
	"fmt"
	"log/slog"
	"organictrace/internal/core"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newOrphansCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Inspect and repair ledger transactions missing from the store",
	}
	cmd.AddCommand(newOrphansListCommand(), newOrphansRepairCommand())
	return cmd
}

func newOrphansListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending orphan journal entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), func(svc *core.Service) error {
				entries, err := svc.Sync().Orphans(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(entries)
			})
		},
	}
}

func newOrphansRepairCommand() *cobra.Command {
	var (
		all         bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "repair [tx-ref...]",
		Short: "Replay the store mirror of journalled transactions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return fmt.Errorf("pass tx refs or --all, not both")
			}
			ctx := cmd.Context()
			return withService(ctx, func(svc *core.Service) error {
				if all {
					failed, err := svc.Sync().RepairAll(ctx)
					if err != nil {
						return err
					}
					if len(failed) > 0 {
						_ = printJSON(failed)
						return fmt.Errorf("%d orphan(s) still pending", len(failed))
					}
					return nil
				}

				var (
					mu     sync.Mutex
					failed []string
				)
				g, gctx := errgroup.WithContext(ctx)
				g.SetLimit(max(concurrency, 1))
				for _, txRef := range args {
					g.Go(func() error {
						if _, err := svc.Sync().Repair(gctx, txRef); err != nil {
							slog.Warn("repair failed", "tx_ref", txRef, "err", err)
							mu.Lock()
							failed = append(failed, txRef)
							mu.Unlock()
						}
						return nil
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}
				if len(failed) > 0 {
					_ = printJSON(failed)
					return fmt.Errorf("%d orphan(s) still pending", len(failed))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "repair every pending orphan")
	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "parallel repairs when tx refs are given")
	return cmd
}
