package commands

import (
	"organictrace/internal/core"
	"organictrace/internal/verify"

	"github.com/spf13/cobra"
)

func newVerifyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify QR codes and certifications",
	}
	cmd.AddCommand(newVerifyQRCommand(), newVerifyCertCommand())
	return cmd
}

func newVerifyQRCommand() *cobra.Command {
	var scan verify.Scan
	cmd := &cobra.Command{
		Use:   "qr <hash>",
		Short: "Verify a QR code against the store and the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(svc *core.Service) error {
				res, err := svc.Verifier().VerifyQRCode(cmd.Context(), args[0], scan)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&scan.PrincipalID, "principal", "", "principal recorded on the scan event")
	cmd.Flags().StringVar(&scan.Location, "location", "", "location recorded on the scan event")
	return cmd
}

func newVerifyCertCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cert <certificate-hash>",
		Short: "Check a certification by its certificate hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(svc *core.Service) error {
				res, err := svc.Verifier().VerifyCertification(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}
