package chainsync

import (
	"context"
	"organictrace/internal/identity"
	"organictrace/internal/ledger"
	"organictrace/internal/records"
	"organictrace/pkg/domain"
	"strings"
	"time"
)

// RegisterFarmer registers a farmer on the ledger and mirrors the farmer
// record, granting the farmer capability.
func (s *Synchronizer) RegisterFarmer(ctx context.Context, req RegisterFarmerRequest) (domain.Farmer, error) {
	var out domain.Farmer
	err := s.execute(ctx, submission{
		name:     identity.OpRegisterFarmer,
		ledgerOp: ledger.OpRegisterFarmer,
		actor:    req.Actor,
		request:  req,
		precheck: func(ctx context.Context) error { return s.store.CheckRegisterFarmer(ctx, req.PrincipalID) },
		args: func(context.Context) (ledger.Args, error) {
			return ledger.Args{ledger.ArgPrincipal: req.PrincipalID, ledger.ArgName: req.Name, ledger.ArgLocation: req.Location}, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorRegisterFarmer(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorRegisterFarmer(ctx context.Context, req RegisterFarmerRequest, receipt ledger.Receipt) (domain.Farmer, error) {
	ref := ledgerRef(receipt)
	if ref.LedgerID == "" {
		ref.LedgerID = req.PrincipalID
	}
	return s.store.RegisterFarmer(ctx, records.RegisterFarmerInput{
		PrincipalID: req.PrincipalID,
		Name:        req.Name,
		Location:    req.Location,
	}, ref)
}

// GrantCapability grants a capability on the ledger and mirrors it.
func (s *Synchronizer) GrantCapability(ctx context.Context, req GrantCapabilityRequest) (domain.Principal, error) {
	var out domain.Principal
	err := s.execute(ctx, submission{
		name:     identity.OpGrantCapability,
		ledgerOp: ledger.OpGrantRole,
		actor:    req.Actor,
		request:  req,
		args: func(context.Context) (ledger.Args, error) {
			return ledger.Args{ledger.ArgPrincipal: req.PrincipalID, ledger.ArgRole: string(req.Capability)}, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorGrantCapability(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorGrantCapability(ctx context.Context, req GrantCapabilityRequest, receipt ledger.Receipt) (domain.Principal, error) {
	return s.store.GrantCapability(ctx, req.PrincipalID, req.Capability, ledgerRef(receipt))
}

// CreateBatch creates a batch on the ledger and mirrors it with its opening
// record.
func (s *Synchronizer) CreateBatch(ctx context.Context, req CreateBatchRequest) (domain.Batch, error) {
	var out domain.Batch
	err := s.execute(ctx, submission{
		name:     identity.OpCreateBatch,
		ledgerOp: ledger.OpCreateBatch,
		actor:    req.Actor,
		request:  req,
		precheck: func(ctx context.Context) error { return s.store.CheckCreateBatch(ctx, req.ProductIDs) },
		args: func(ctx context.Context) (ledger.Args, error) {
			ids := make([]string, 0, len(req.ProductIDs))
			for _, id := range req.ProductIDs {
				product, err := s.store.Product(ctx, id)
				if err != nil {
					return nil, err
				}
				ledgerID, err := onLedger(domain.EntityProduct, id, product.LedgerRef)
				if err != nil {
					return nil, err
				}
				ids = append(ids, ledgerID)
			}
			return ledger.Args{
				ledger.ArgProductID: strings.Join(ids, ","),
				ledger.ArgLocation:  req.Location,
				"harvestDate":       formatDate(req.HarvestDate),
				"processingMethods": strings.Join(req.ProcessingMethods, ","),
			}, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorCreateBatch(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorCreateBatch(ctx context.Context, req CreateBatchRequest, receipt ledger.Receipt) (domain.Batch, error) {
	return s.store.CreateBatch(ctx, records.CreateBatchInput{
		ProductIDs:        req.ProductIDs,
		HarvestDate:       req.HarvestDate,
		ProcessingMethods: req.ProcessingMethods,
		Creator:           req.Actor,
		Location:          req.Location,
	}, ledgerRef(receipt))
}

// CreateProduct creates a product on the ledger and mirrors it. Without a
// batch id the ledger allocates a batch in the same transaction and the
// store creates a batch holding only this product.
func (s *Synchronizer) CreateProduct(ctx context.Context, req CreateProductRequest) (domain.Product, error) {
	var out domain.Product
	err := s.execute(ctx, submission{
		name:     identity.OpCreateProduct,
		ledgerOp: ledger.OpCreateProduct,
		actor:    req.Actor,
		request:  req,
		precheck: func(ctx context.Context) error { return s.store.CheckCreateProduct(ctx, req.BatchID) },
		args: func(ctx context.Context) (ledger.Args, error) {
			args := ledger.Args{
				ledger.ArgName:     req.Name,
				"description":      req.Description,
				"productType":      req.Type,
				"isOrganic":        boolString(req.IsOrganic),
				"harvestDate":      formatDate(req.HarvestDate),
				ledger.ArgLocation: req.Location,
			}
			if req.BatchID != nil {
				batch, err := s.store.Batch(ctx, *req.BatchID)
				if err != nil {
					return nil, err
				}
				ledgerID, err := onLedger(domain.EntityBatch, batch.ID, batch.LedgerRef)
				if err != nil {
					return nil, err
				}
				args[ledger.ArgBatchID] = ledgerID
			}
			return args, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorCreateProduct(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorCreateProduct(ctx context.Context, req CreateProductRequest, receipt ledger.Receipt) (domain.Product, error) {
	var batchRef domain.LedgerRef
	if req.BatchID == nil {
		batchRef = domain.LedgerRef{TxRef: receipt.TxRef, LedgerID: receipt.Related[ledger.RelatedBatchID]}
	}
	return s.store.CreateProduct(ctx, records.CreateProductInput{
		Name:        req.Name,
		Description: req.Description,
		Type:        req.Type,
		BatchID:     req.BatchID,
		IsOrganic:   req.IsOrganic,
		Creator:     req.Actor,
		HarvestDate: req.HarvestDate,
		Location:    req.Location,
	}, ledgerRef(receipt), batchRef)
}

// IssueCertification issues a certification on the ledger and mirrors it.
func (s *Synchronizer) IssueCertification(ctx context.Context, req IssueCertificationRequest) (domain.Certification, error) {
	var out domain.Certification
	err := s.execute(ctx, submission{
		name:     identity.OpIssueCertification,
		ledgerOp: ledger.OpIssueCertification,
		actor:    req.Actor,
		request:  req,
		precheck: func(ctx context.Context) error { return s.store.CheckIssueCertification(ctx, req.CertificateHash) },
		args: func(context.Context) (ledger.Args, error) {
			return ledger.Args{
				ledger.ArgName:            req.Name,
				"issuer":                  req.Issuer,
				ledger.ArgCertificateHash: req.CertificateHash,
				"issueDate":               formatDate(req.IssueDate),
				"expiryDate":              formatDate(req.ExpiryDate),
			}, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorIssueCertification(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorIssueCertification(ctx context.Context, req IssueCertificationRequest, receipt ledger.Receipt) (domain.Certification, error) {
	return s.store.IssueCertification(ctx, records.IssueCertificationInput{
		Name:            req.Name,
		Issuer:          req.Issuer,
		CertificateHash: req.CertificateHash,
		IssueDate:       req.IssueDate,
		ExpiryDate:      req.ExpiryDate,
	}, ledgerRef(receipt))
}

// RevokeCertification revokes a certification on the ledger and clears its
// validity flag in the store.
func (s *Synchronizer) RevokeCertification(ctx context.Context, req RevokeCertificationRequest) (domain.Certification, error) {
	var out domain.Certification
	err := s.execute(ctx, submission{
		name:     identity.OpRevokeCertification,
		ledgerOp: ledger.OpRevokeCertification,
		actor:    req.Actor,
		request:  req,
		precheck: func(ctx context.Context) error { return s.store.CheckRevokeCertification(ctx, req.CertificationID) },
		args: func(ctx context.Context) (ledger.Args, error) {
			cert, err := s.store.Certification(ctx, req.CertificationID)
			if err != nil {
				return nil, err
			}
			ledgerID, err := onLedger(domain.EntityCertification, cert.ID, cert.LedgerRef)
			if err != nil {
				return nil, err
			}
			return ledger.Args{ledger.ArgCertificationID: ledgerID}, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorRevokeCertification(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorRevokeCertification(ctx context.Context, req RevokeCertificationRequest, receipt ledger.Receipt) (domain.Certification, error) {
	return s.store.RevokeCertification(ctx, req.CertificationID, domain.LedgerRef{TxRef: receipt.TxRef})
}

// AttachCertification links a valid certification to a product on the
// ledger and in the store.
func (s *Synchronizer) AttachCertification(ctx context.Context, req AttachCertificationRequest) (domain.Product, error) {
	var out domain.Product
	err := s.execute(ctx, submission{
		name:     identity.OpAttachCertification,
		ledgerOp: ledger.OpAttachCertification,
		actor:    req.Actor,
		request:  req,
		precheck: func(ctx context.Context) error {
			return s.store.CheckAttach(ctx, req.ProductID, req.CertificationID)
		},
		args: func(ctx context.Context) (ledger.Args, error) {
			product, err := s.store.Product(ctx, req.ProductID)
			if err != nil {
				return nil, err
			}
			cert, err := s.store.Certification(ctx, req.CertificationID)
			if err != nil {
				return nil, err
			}
			productLedgerID, err := onLedger(domain.EntityProduct, product.ID, product.LedgerRef)
			if err != nil {
				return nil, err
			}
			certLedgerID, err := onLedger(domain.EntityCertification, cert.ID, cert.LedgerRef)
			if err != nil {
				return nil, err
			}
			return ledger.Args{ledger.ArgProductID: productLedgerID, ledger.ArgCertificationID: certLedgerID}, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorAttachCertification(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorAttachCertification(ctx context.Context, req AttachCertificationRequest, receipt ledger.Receipt) (domain.Product, error) {
	return s.store.AttachCertification(ctx, req.ProductID, req.CertificationID, domain.LedgerRef{TxRef: receipt.TxRef})
}

// AppendRecord adds a traceability record on the ledger and appends it to
// the batch log with a store-assigned sequence number.
func (s *Synchronizer) AppendRecord(ctx context.Context, req AppendRecordRequest) (domain.TraceabilityRecord, error) {
	var out domain.TraceabilityRecord
	err := s.execute(ctx, submission{
		name:     identity.OpAddTraceabilityRecord,
		ledgerOp: ledger.OpAddTraceabilityRecord,
		actor:    req.Actor,
		request:  req,
		precheck: func(ctx context.Context) error { return s.store.CheckAppend(ctx, req.BatchID, req.Actor) },
		args: func(ctx context.Context) (ledger.Args, error) {
			batch, err := s.store.Batch(ctx, req.BatchID)
			if err != nil {
				return nil, err
			}
			ledgerID, err := onLedger(domain.EntityBatch, batch.ID, batch.LedgerRef)
			if err != nil {
				return nil, err
			}
			return ledger.Args{
				ledger.ArgBatchID:  ledgerID,
				ledger.ArgAction:   req.Action,
				ledger.ArgLocation: req.Location,
				"notes":            req.Notes,
			}, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorAppendRecord(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorAppendRecord(ctx context.Context, req AppendRecordRequest, receipt ledger.Receipt) (domain.TraceabilityRecord, error) {
	return s.store.AddTraceabilityRecord(ctx, records.AppendInput{
		BatchID:     req.BatchID,
		PrincipalID: req.Actor,
		Action:      req.Action,
		Location:    req.Location,
		Notes:       req.Notes,
	}, domain.LedgerRef{TxRef: receipt.TxRef})
}

// RegisterQRCode registers a QR hash for a product on the ledger and in the
// store.
func (s *Synchronizer) RegisterQRCode(ctx context.Context, req RegisterQRCodeRequest) (domain.QRCode, error) {
	var out domain.QRCode
	err := s.execute(ctx, submission{
		name:     identity.OpRegisterQRCode,
		ledgerOp: ledger.OpRegisterQRCode,
		actor:    req.Actor,
		request:  req,
		precheck: func(ctx context.Context) error { return s.store.CheckRegisterQRCode(ctx, req.Hash, req.ProductID) },
		args: func(ctx context.Context) (ledger.Args, error) {
			product, err := s.store.Product(ctx, req.ProductID)
			if err != nil {
				return nil, err
			}
			ledgerID, err := onLedger(domain.EntityProduct, product.ID, product.LedgerRef)
			if err != nil {
				return nil, err
			}
			return ledger.Args{ledger.ArgHash: req.Hash, ledger.ArgProductID: ledgerID}, nil
		},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			var err error
			out, err = s.mirrorRegisterQRCode(ctx, req, receipt)
			return err
		},
	})
	return out, err
}

func (s *Synchronizer) mirrorRegisterQRCode(ctx context.Context, req RegisterQRCodeRequest, receipt ledger.Receipt) (domain.QRCode, error) {
	return s.store.RegisterQRCode(ctx, req.Hash, req.ProductID, domain.LedgerRef{TxRef: receipt.TxRef})
}

// DetachCertification removes a certification link from the store only.
// The ledger keeps its record of the attachment.
func (s *Synchronizer) DetachCertification(ctx context.Context, actor, productID, certificationID string) (domain.Product, error) {
	var out domain.Product
	err := s.runStoreOnly(ctx, identity.OpDetachCertification, actor, func(ctx context.Context) error {
		var err error
		out, err = s.store.DetachCertification(ctx, productID, certificationID)
		return err
	})
	return out, err
}

// DeactivateQRCode marks a QR code inactive in the store.
func (s *Synchronizer) DeactivateQRCode(ctx context.Context, actor, hash string) (domain.QRCode, error) {
	var out domain.QRCode
	err := s.runStoreOnly(ctx, identity.OpDeactivateQRCode, actor, func(ctx context.Context) error {
		var err error
		out, err = s.store.DeactivateQRCode(ctx, hash)
		return err
	})
	return out, err
}

// DeactivateBatch closes a batch in the store.
func (s *Synchronizer) DeactivateBatch(ctx context.Context, actor, batchID string) (domain.Batch, error) {
	var out domain.Batch
	err := s.runStoreOnly(ctx, identity.OpDeactivateBatch, actor, func(ctx context.Context) error {
		var err error
		out, err = s.store.DeactivateBatch(ctx, batchID)
		return err
	})
	return out, err
}

// DeactivateFarmer marks a farmer inactive in the store.
func (s *Synchronizer) DeactivateFarmer(ctx context.Context, actor, farmerID string) (domain.Farmer, error) {
	var out domain.Farmer
	err := s.runStoreOnly(ctx, identity.OpDeactivateFarmer, actor, func(ctx context.Context) error {
		var err error
		out, err = s.store.DeactivateFarmer(ctx, farmerID)
		return err
	})
	return out, err
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
