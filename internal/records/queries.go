package records

import (
	"context"
	"organictrace/pkg/domain"
)

func (s *Store) find(ctx context.Context, fn func(domain.TransactionView) error) error {
	return s.backend.View(ctx, fn)
}

// Principal returns a principal's capability record. Unknown principals have
// no capabilities and are reported as not found.
func (s *Store) Principal(ctx context.Context, id string) (domain.Principal, error) {
	var out domain.Principal
	err := s.find(ctx, func(v domain.TransactionView) error {
		var ok bool
		if out, ok = v.FindPrincipal(id); !ok {
			return domain.NotFoundError{Entity: domain.EntityPrincipal, ID: id}
		}
		return nil
	})
	return out, err
}

// Farmer fetches a farmer by id.
func (s *Store) Farmer(ctx context.Context, id string) (domain.Farmer, error) {
	var out domain.Farmer
	err := s.find(ctx, func(v domain.TransactionView) error {
		var ok bool
		if out, ok = v.FindFarmer(id); !ok {
			return domain.NotFoundError{Entity: domain.EntityFarmer, ID: id}
		}
		return nil
	})
	return out, err
}

// Product fetches a product by id.
func (s *Store) Product(ctx context.Context, id string) (domain.Product, error) {
	var out domain.Product
	err := s.find(ctx, func(v domain.TransactionView) error {
		var ok bool
		if out, ok = v.FindProduct(id); !ok {
			return domain.NotFoundError{Entity: domain.EntityProduct, ID: id}
		}
		return nil
	})
	return out, err
}

// Batch fetches a batch, including its record log, by id.
func (s *Store) Batch(ctx context.Context, id string) (domain.Batch, error) {
	var out domain.Batch
	err := s.find(ctx, func(v domain.TransactionView) error {
		var ok bool
		if out, ok = v.FindBatch(id); !ok {
			return domain.NotFoundError{Entity: domain.EntityBatch, ID: id}
		}
		return nil
	})
	return out, err
}

// Records returns the traceability log of a batch in sequence order.
func (s *Store) Records(ctx context.Context, batchID string) ([]domain.TraceabilityRecord, error) {
	batch, err := s.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	return batch.Records, nil
}

// Certification fetches a certification by id.
func (s *Store) Certification(ctx context.Context, id string) (domain.Certification, error) {
	var out domain.Certification
	err := s.find(ctx, func(v domain.TransactionView) error {
		var ok bool
		if out, ok = v.FindCertification(id); !ok {
			return domain.NotFoundError{Entity: domain.EntityCertification, ID: id}
		}
		return nil
	})
	return out, err
}

// CertificationByHash fetches a certification by certificate hash.
func (s *Store) CertificationByHash(ctx context.Context, hash string) (domain.Certification, error) {
	var out domain.Certification
	err := s.find(ctx, func(v domain.TransactionView) error {
		var ok bool
		if out, ok = v.FindCertificationByHash(hash); !ok {
			return domain.NotFoundError{Entity: domain.EntityCertification, ID: hash}
		}
		return nil
	})
	return out, err
}

// QRCode fetches a QR code by hash.
func (s *Store) QRCode(ctx context.Context, hash string) (domain.QRCode, error) {
	var out domain.QRCode
	err := s.find(ctx, func(v domain.TransactionView) error {
		var ok bool
		if out, ok = v.FindQRCode(hash); !ok {
			return domain.NotFoundError{Entity: domain.EntityQRCode, ID: hash}
		}
		return nil
	})
	return out, err
}

// Mirror reports which row mirrors a ledger transaction.
func (s *Store) Mirror(ctx context.Context, txRef string) (domain.MirrorRef, bool, error) {
	var (
		out domain.MirrorRef
		ok  bool
	)
	err := s.find(ctx, func(v domain.TransactionView) error {
		out, ok = v.FindMirror(txRef)
		return nil
	})
	return out, ok, err
}

// The Check methods run the local invariants of a mirrored write against a
// read-only view, before any ledger submission.

// CheckActorActive fails when principalID belongs to a deactivated farmer.
func (s *Store) CheckActorActive(ctx context.Context, principalID string) error {
	return s.find(ctx, func(v domain.TransactionView) error { return checkActorActive(v, principalID) })
}

// CheckRegisterFarmer validates a farmer registration without writing.
func (s *Store) CheckRegisterFarmer(ctx context.Context, principalID string) error {
	return s.find(ctx, func(v domain.TransactionView) error { return checkPrincipalFree(v, principalID) })
}

// CheckCreateBatch validates a batch creation without writing.
func (s *Store) CheckCreateBatch(ctx context.Context, productIDs []string) error {
	return s.find(ctx, func(v domain.TransactionView) error { return checkProductsExist(v, productIDs) })
}

// CheckCreateProduct validates a product creation without writing.
func (s *Store) CheckCreateProduct(ctx context.Context, batchID *string) error {
	if batchID == nil {
		return nil
	}
	return s.find(ctx, func(v domain.TransactionView) error {
		_, err := checkBatchWritable(v, *batchID)
		return err
	})
}

// CheckAppend validates a traceability append without writing.
func (s *Store) CheckAppend(ctx context.Context, batchID, principalID string) error {
	return s.find(ctx, func(v domain.TransactionView) error {
		if _, err := checkBatchWritable(v, batchID); err != nil {
			return err
		}
		_, err := checkHandler(v, principalID)
		return err
	})
}

// CheckAttach validates a certification attachment without writing.
func (s *Store) CheckAttach(ctx context.Context, productID, certificationID string) error {
	return s.find(ctx, func(v domain.TransactionView) error {
		_, err := checkAttach(v, productID, certificationID, s.now)
		return err
	})
}

// CheckIssueCertification validates a certification issuance without writing.
func (s *Store) CheckIssueCertification(ctx context.Context, certificateHash string) error {
	return s.find(ctx, func(v domain.TransactionView) error { return checkCertificateHashFree(v, certificateHash) })
}

// CheckRevokeCertification validates a revocation without writing.
func (s *Store) CheckRevokeCertification(ctx context.Context, certificationID string) error {
	return s.find(ctx, func(v domain.TransactionView) error { return checkRevocable(v, certificationID) })
}

// CheckRegisterQRCode validates a QR registration without writing.
func (s *Store) CheckRegisterQRCode(ctx context.Context, hash, productID string) error {
	return s.find(ctx, func(v domain.TransactionView) error { return checkQRCodeFree(v, hash, productID) })
}
