package commands

import (
	"fmt"
	"organictrace/internal/core"

	"github.com/spf13/cobra"
)

func newLedgerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Audit every mirrored store row against the ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), func(svc *core.Service) error {
				report, err := svc.Audit(cmd.Context())
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if !report.Consistent() {
					return fmt.Errorf("store and ledger disagree: %d discrepancies, %d pending orphans", len(report.Discrepancies), report.PendingOrphans)
				}
				return nil
			})
		},
	})
	return cmd
}
