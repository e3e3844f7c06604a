package core

import (
	"context"
	"fmt"
	"organictrace/internal/ledger"
	"organictrace/internal/telemetry"
	"organictrace/pkg/domain"
)

// Discrepancy is one disagreement between the store and the ledger.
type Discrepancy struct {
	Entity domain.EntityType `json:"entity"`
	ID     string            `json:"id"`
	TxRef  string            `json:"tx_ref,omitempty"`
	Detail string            `json:"detail"`
}

// AuditReport summarises a store-versus-ledger audit.
type AuditReport struct {
	Checked        int           `json:"checked"`
	Discrepancies  []Discrepancy `json:"discrepancies"`
	PendingOrphans int           `json:"pending_orphans"`
	// ChainError is set when the in-process ledger's hash chain does not verify.
	ChainError string `json:"chain_error,omitempty"`
}

// Consistent reports whether the audit found nothing to reconcile.
func (r AuditReport) Consistent() bool {
	return len(r.Discrepancies) == 0 && r.PendingOrphans == 0 && r.ChainError == ""
}

// Audit cross-checks every mirrored store row against the ledger: farmers
// must be registered, certification validity must agree, QR codes must be
// bound to their product and every other mirrored tx ref must be recorded.
func (s *Service) Audit(ctx context.Context) (AuditReport, error) {
	var report AuditReport
	err := telemetry.Instrument(ctx, s.metrics, s.tracer, "ledger_audit", func(ctx context.Context) error {
		var (
			farmers  []domain.Farmer
			certs    []domain.Certification
			qrcodes  []domain.QRCode
			products []domain.Product
			batches  []domain.Batch
		)
		if err := s.backend.View(ctx, func(v domain.TransactionView) error {
			farmers = v.ListFarmers()
			certs = v.ListCertifications()
			qrcodes = v.ListQRCodes()
			products = v.ListProducts()
			batches = v.ListBatches()
			return nil
		}); err != nil {
			return err
		}
		productLedgerIDs := make(map[string]string, len(products))
		for _, p := range products {
			productLedgerIDs[p.ID] = p.LedgerID
		}

		for _, f := range farmers {
			if !f.Mirrored() {
				continue
			}
			if err := s.expect(ctx, &report, ledger.QueryFarmerRegistered, ledger.Args{ledger.ArgPrincipal: f.ID}, true,
				Discrepancy{Entity: domain.EntityFarmer, ID: f.ID, TxRef: f.TxRef, Detail: "farmer not registered on ledger"}); err != nil {
				return err
			}
		}
		for _, c := range certs {
			if !c.Mirrored() {
				continue
			}
			if err := s.expect(ctx, &report, ledger.QueryCertificationValid, ledger.Args{ledger.ArgCertificationID: c.LedgerID}, c.IsValid,
				Discrepancy{Entity: domain.EntityCertification, ID: c.ID, TxRef: c.TxRef, Detail: fmt.Sprintf("store validity %t disagrees with ledger", c.IsValid)}); err != nil {
				return err
			}
		}
		for _, q := range qrcodes {
			if !q.Mirrored() {
				continue
			}
			if err := s.expect(ctx, &report, ledger.QueryQRCodeRegistered, ledger.Args{ledger.ArgHash: q.Hash, ledger.ArgProductID: productLedgerIDs[q.ProductID]}, true,
				Discrepancy{Entity: domain.EntityQRCode, ID: q.Hash, TxRef: q.TxRef, Detail: "qr code not bound to product on ledger"}); err != nil {
				return err
			}
		}
		for _, p := range products {
			if err := s.expectRecorded(ctx, &report, domain.EntityProduct, p.ID, p.TxRef); err != nil {
				return err
			}
		}
		for _, b := range batches {
			if err := s.expectRecorded(ctx, &report, domain.EntityBatch, b.ID, b.TxRef); err != nil {
				return err
			}
			for _, rec := range b.Records {
				if rec.TxRef == b.TxRef {
					continue
				}
				if err := s.expectRecorded(ctx, &report, domain.EntityTraceabilityRecord, fmt.Sprintf("%s#%d", b.ID, rec.Sequence), rec.TxRef); err != nil {
					return err
				}
			}
		}

		pending, err := s.journal.Pending(ctx)
		if err != nil {
			return err
		}
		report.PendingOrphans = len(pending)
		if s.chain != nil {
			if err := s.chain.Verify(); err != nil {
				report.ChainError = err.Error()
			}
		}
		return nil
	})
	return report, err
}

func (s *Service) expectRecorded(ctx context.Context, report *AuditReport, entity domain.EntityType, id, txRef string) error {
	if txRef == "" {
		return nil
	}
	return s.expect(ctx, report, ledger.QueryTransactionRecorded, ledger.Args{ledger.ArgTxRef: txRef}, true,
		Discrepancy{Entity: entity, ID: id, TxRef: txRef, Detail: "transaction not recorded on ledger"})
}

func (s *Service) expect(ctx context.Context, report *AuditReport, op ledger.QueryOperation, args ledger.Args, want bool, miss Discrepancy) error {
	report.Checked++
	value, err := s.ledger.Query(ctx, op, args)
	if err != nil {
		return err
	}
	got, err := value.Bool()
	if err != nil {
		return domain.LedgerError{Operation: string(op), Err: err}
	}
	if got == want {
		return nil
	}
	report.Discrepancies = append(report.Discrepancies, miss)
	s.metrics.Signal(ctx, telemetry.SignalLedgerMismatch, "ledger_audit")
	s.logger.Warn("store and ledger disagree", "entity", miss.Entity, "id", miss.ID, "tx_ref", miss.TxRef, "detail", miss.Detail)
	return nil
}
