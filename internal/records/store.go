// Package records implements the traceability record store: batch, product,
// certification and QR code state plus the append-only per-batch event log,
// layered over a domain.PersistentStore backend.
//
// Every mirrored write takes the ledger reference it mirrors. When the
// reference's transaction has already been mirrored the existing row is
// returned instead of writing a second one, which makes retries idempotent.
package records

import (
	"context"
	"organictrace/pkg/domain"
	"strings"
	"time"
)

type nowFunc func() time.Time

// Store owns the off-chain provenance state.
type Store struct {
	backend domain.PersistentStore
	now     nowFunc
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the clock used for expiry checks outside transactions.
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// New wraps a persistence backend.
func New(backend domain.PersistentStore, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Backend returns the underlying persistence backend.
func (s *Store) Backend() domain.PersistentStore { return s.backend }

// Now returns the store clock reading.
func (s *Store) Now() time.Time { return s.now() }

// runMirrored executes write inside a transaction unless txRef has already
// been mirrored, in which case replay loads the existing row.
func (s *Store) runMirrored(ctx context.Context, txRef string, replay func(domain.TransactionView, domain.MirrorRef) error, write func(domain.Transaction) (domain.MirrorRef, error)) error {
	_, err := s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if txRef != "" {
			if ref, ok := tx.FindMirror(txRef); ok {
				return replay(tx, ref)
			}
		}
		ref, err := write(tx)
		if err != nil {
			return err
		}
		if txRef == "" {
			return nil
		}
		ref.TxRef = txRef
		return tx.RecordMirror(ref)
	})
	return err
}

// RegisterFarmerInput describes a farmer registration.
type RegisterFarmerInput struct {
	PrincipalID string
	Name        string
	Location    string
}

// RegisterFarmer creates the farmer record and grants the farmer capability.
func (s *Store) RegisterFarmer(ctx context.Context, in RegisterFarmerInput, ref domain.LedgerRef) (domain.Farmer, error) {
	var out domain.Farmer
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			var ok bool
			if out, ok = view.FindFarmer(m.EntityID); !ok {
				return domain.NotFoundError{Entity: domain.EntityFarmer, ID: m.EntityID}
			}
			return nil
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			if err := checkPrincipalFree(tx, in.PrincipalID); err != nil {
				return domain.MirrorRef{}, err
			}
			farmer, err := tx.CreateFarmer(domain.Farmer{
				Base:      domain.Base{ID: in.PrincipalID},
				LedgerRef: ref,
				Name:      in.Name,
				Location:  in.Location,
				Active:    true,
			})
			if err != nil {
				return domain.MirrorRef{}, err
			}
			if err := grant(tx, in.PrincipalID, domain.CapabilityFarmer); err != nil {
				return domain.MirrorRef{}, err
			}
			out = farmer
			return domain.MirrorRef{Entity: domain.EntityFarmer, EntityID: farmer.ID}, nil
		})
	return out, err
}

// GrantCapability adds a capability to a principal, creating the principal
// record on first grant.
func (s *Store) GrantCapability(ctx context.Context, principalID string, capability domain.Capability, ref domain.LedgerRef) (domain.Principal, error) {
	var out domain.Principal
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			out, _ = view.FindPrincipal(m.EntityID)
			return nil
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			if err := grant(tx, principalID, capability); err != nil {
				return domain.MirrorRef{}, err
			}
			out, _ = tx.FindPrincipal(principalID)
			return domain.MirrorRef{Entity: domain.EntityPrincipal, EntityID: principalID}, nil
		})
	return out, err
}

func grant(tx domain.Transaction, principalID string, capability domain.Capability) error {
	if strings.TrimSpace(principalID) == "" {
		return domain.ValidationError{Field: "principal_id", Reason: "required"}
	}
	if !capability.Valid() {
		return domain.ValidationError{Field: "capability", Reason: "unknown capability " + string(capability)}
	}
	principal, _ := tx.FindPrincipal(principalID)
	principal.ID = principalID
	caps, added := domain.AddCapability(principal.Capabilities, capability)
	if !added && !principal.CreatedAt.IsZero() {
		return nil
	}
	principal.Capabilities = caps
	_, err := tx.SavePrincipal(principal)
	return err
}

// CreateBatchInput describes a new batch.
type CreateBatchInput struct {
	ProductIDs        []string
	HarvestDate       time.Time
	ProcessingMethods []string
	Creator           string
	Location          string
}

// CreateBatch allocates a batch whose log opens with a BATCH_CREATED record
// attributed to the creator. Listed products move into the new batch.
func (s *Store) CreateBatch(ctx context.Context, in CreateBatchInput, ref domain.LedgerRef) (domain.Batch, error) {
	var out domain.Batch
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			var ok bool
			if out, ok = view.FindBatch(m.EntityID); !ok {
				return domain.NotFoundError{Entity: domain.EntityBatch, ID: m.EntityID}
			}
			return nil
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			if err := checkActorActive(tx, in.Creator); err != nil {
				return domain.MirrorRef{}, err
			}
			if err := checkProductsExist(tx, in.ProductIDs); err != nil {
				return domain.MirrorRef{}, err
			}
			batch, err := createBatch(tx, in, ref)
			if err != nil {
				return domain.MirrorRef{}, err
			}
			for _, productID := range in.ProductIDs {
				if err := moveProduct(tx, productID, batch.ID); err != nil {
					return domain.MirrorRef{}, err
				}
			}
			out, _ = tx.FindBatch(batch.ID)
			return domain.MirrorRef{Entity: domain.EntityBatch, EntityID: batch.ID}, nil
		})
	return out, err
}

func createBatch(tx domain.Transaction, in CreateBatchInput, ref domain.LedgerRef) (domain.Batch, error) {
	batch, err := tx.CreateBatch(domain.Batch{
		LedgerRef:         ref,
		HarvestDate:       in.HarvestDate,
		ProcessingMethods: in.ProcessingMethods,
		HandlerIDs:        []string{in.Creator},
		ProductIDs:        in.ProductIDs,
		Active:            true,
	})
	if err != nil {
		return domain.Batch{}, err
	}
	if _, err := tx.AppendRecord(batch.ID, domain.TraceabilityRecord{
		PrincipalID: in.Creator,
		HandlerRole: creatorRole(tx, in.Creator),
		Action:      domain.BatchCreatedAction,
		Location:    in.Location,
		TxRef:       ref.TxRef,
	}); err != nil {
		return domain.Batch{}, err
	}
	return batch, nil
}

// moveProduct rebinds a product to batchID and drops it from its previous batch.
func moveProduct(tx domain.Transaction, productID, batchID string) error {
	product, ok := tx.FindProduct(productID)
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityProduct, ID: productID}
	}
	if product.BatchID != "" && product.BatchID != batchID {
		if _, err := tx.UpdateBatch(product.BatchID, func(b *domain.Batch) error {
			b.ProductIDs = removeString(b.ProductIDs, productID)
			return nil
		}); err != nil {
			return err
		}
	}
	_, err := tx.UpdateProduct(productID, func(p *domain.Product) error {
		p.BatchID = batchID
		return nil
	})
	return err
}

// CreateProductInput describes a new product. A nil BatchID creates a batch
// holding only this product.
type CreateProductInput struct {
	Name        string
	Description string
	Type        string
	BatchID     *string
	IsOrganic   bool
	Creator     string
	HarvestDate time.Time
	Location    string
}

// CreateProduct stores a product and links it into its batch. batchRef
// carries the ledger reference of an implicitly created batch.
func (s *Store) CreateProduct(ctx context.Context, in CreateProductInput, ref, batchRef domain.LedgerRef) (domain.Product, error) {
	var out domain.Product
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			var ok bool
			if out, ok = view.FindProduct(m.EntityID); !ok {
				return domain.NotFoundError{Entity: domain.EntityProduct, ID: m.EntityID}
			}
			return nil
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			product, err := createProduct(tx, in, ref, batchRef)
			if err != nil {
				return domain.MirrorRef{}, err
			}
			out = product
			return domain.MirrorRef{Entity: domain.EntityProduct, EntityID: product.ID}, nil
		})
	return out, err
}

func createProduct(tx domain.Transaction, in CreateProductInput, ref, batchRef domain.LedgerRef) (domain.Product, error) {
	if err := checkActorActive(tx, in.Creator); err != nil {
		return domain.Product{}, err
	}
	var batchID string
	if in.BatchID != nil {
		if _, err := checkBatchWritable(tx, *in.BatchID); err != nil {
			return domain.Product{}, err
		}
		batchID = *in.BatchID
	} else {
		if batchRef.TxRef == "" {
			batchRef.TxRef = ref.TxRef
		}
		batch, err := createBatch(tx, CreateBatchInput{
			HarvestDate: in.HarvestDate,
			Creator:     in.Creator,
			Location:    in.Location,
		}, batchRef)
		if err != nil {
			return domain.Product{}, err
		}
		batchID = batch.ID
	}
	product, err := tx.CreateProduct(domain.Product{
		LedgerRef:   ref,
		Name:        in.Name,
		Description: in.Description,
		Type:        in.Type,
		FarmerID:    in.Creator,
		BatchID:     batchID,
		IsOrganic:   in.IsOrganic,
		Active:      true,
	})
	if err != nil {
		return domain.Product{}, err
	}
	if _, err := tx.UpdateBatch(batchID, func(b *domain.Batch) error {
		b.ProductIDs = append(b.ProductIDs, product.ID)
		return nil
	}); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

// AppendInput describes a traceability record to append.
type AppendInput struct {
	BatchID     string
	PrincipalID string
	Action      string
	Location    string
	Notes       string
}

// AddTraceabilityRecord appends a record to an active batch. The sequence
// number is allocated by the store and the principal joins the handler set.
func (s *Store) AddTraceabilityRecord(ctx context.Context, in AppendInput, ref domain.LedgerRef) (domain.TraceabilityRecord, error) {
	var out domain.TraceabilityRecord
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			batch, ok := view.FindBatch(m.EntityID)
			if !ok {
				return domain.NotFoundError{Entity: domain.EntityBatch, ID: m.EntityID}
			}
			for _, rec := range batch.Records {
				if rec.Sequence == m.Sequence {
					out = rec
					return nil
				}
			}
			return domain.NotFoundError{Entity: domain.EntityTraceabilityRecord, ID: ref.TxRef}
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			if _, err := checkBatchWritable(tx, in.BatchID); err != nil {
				return domain.MirrorRef{}, err
			}
			if err := checkActorActive(tx, in.PrincipalID); err != nil {
				return domain.MirrorRef{}, err
			}
			role, err := checkHandler(tx, in.PrincipalID)
			if err != nil {
				return domain.MirrorRef{}, err
			}
			rec, err := tx.AppendRecord(in.BatchID, domain.TraceabilityRecord{
				PrincipalID: in.PrincipalID,
				HandlerRole: role,
				Action:      in.Action,
				Location:    in.Location,
				Notes:       in.Notes,
				TxRef:       ref.TxRef,
			})
			if err != nil {
				return domain.MirrorRef{}, err
			}
			out = rec
			return domain.MirrorRef{Entity: domain.EntityTraceabilityRecord, EntityID: in.BatchID, Sequence: rec.Sequence}, nil
		})
	return out, err
}

// IssueCertificationInput describes a certification.
type IssueCertificationInput struct {
	Name            string
	Issuer          string
	CertificateHash string
	IssueDate       time.Time
	ExpiryDate      time.Time
}

// IssueCertification stores a valid certification. Certificate hashes are unique.
func (s *Store) IssueCertification(ctx context.Context, in IssueCertificationInput, ref domain.LedgerRef) (domain.Certification, error) {
	var out domain.Certification
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			var ok bool
			if out, ok = view.FindCertification(m.EntityID); !ok {
				return domain.NotFoundError{Entity: domain.EntityCertification, ID: m.EntityID}
			}
			return nil
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			if err := checkCertificateHashFree(tx, in.CertificateHash); err != nil {
				return domain.MirrorRef{}, err
			}
			cert, err := tx.CreateCertification(domain.Certification{
				LedgerRef:       ref,
				Name:            in.Name,
				Issuer:          in.Issuer,
				CertificateHash: in.CertificateHash,
				IssueDate:       in.IssueDate,
				ExpiryDate:      in.ExpiryDate,
				IsValid:         true,
			})
			if err != nil {
				return domain.MirrorRef{}, err
			}
			out = cert
			return domain.MirrorRef{Entity: domain.EntityCertification, EntityID: cert.ID}, nil
		})
	return out, err
}

// RevokeCertification clears the validity flag. Products keep their links.
func (s *Store) RevokeCertification(ctx context.Context, certificationID string, ref domain.LedgerRef) (domain.Certification, error) {
	var out domain.Certification
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			var ok bool
			if out, ok = view.FindCertification(m.EntityID); !ok {
				return domain.NotFoundError{Entity: domain.EntityCertification, ID: m.EntityID}
			}
			return nil
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			cert, err := tx.UpdateCertification(certificationID, func(c *domain.Certification) error {
				c.IsValid = false
				return nil
			})
			if err != nil {
				return domain.MirrorRef{}, err
			}
			out = cert
			return domain.MirrorRef{Entity: domain.EntityCertification, EntityID: cert.ID}, nil
		})
	return out, err
}

// AttachCertification links a currently valid certification to a product.
// The link is never re-validated; attaching twice is a no-op.
func (s *Store) AttachCertification(ctx context.Context, productID, certificationID string, ref domain.LedgerRef) (domain.Product, error) {
	var out domain.Product
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			var ok bool
			if out, ok = view.FindProduct(m.EntityID); !ok {
				return domain.NotFoundError{Entity: domain.EntityProduct, ID: m.EntityID}
			}
			return nil
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			product, err := checkAttach(tx, productID, certificationID, tx.Now)
			if err != nil {
				return domain.MirrorRef{}, err
			}
			if !containsString(product.CertificationIDs, certificationID) {
				if product, err = tx.UpdateProduct(productID, func(p *domain.Product) error {
					p.CertificationIDs = append(p.CertificationIDs, certificationID)
					return nil
				}); err != nil {
					return domain.MirrorRef{}, err
				}
			}
			out = product
			return domain.MirrorRef{Entity: domain.EntityProduct, EntityID: productID}, nil
		})
	return out, err
}

// DetachCertification removes the off-chain link only. The ledger keeps its
// record of the attachment.
func (s *Store) DetachCertification(ctx context.Context, productID, certificationID string) (domain.Product, error) {
	var out domain.Product
	_, err := s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		product, ok := tx.FindProduct(productID)
		if !ok {
			return domain.NotFoundError{Entity: domain.EntityProduct, ID: productID}
		}
		if !containsString(product.CertificationIDs, certificationID) {
			return domain.StateError{Entity: domain.EntityProduct, ID: productID, Reason: "certification " + certificationID + " not attached"}
		}
		var err error
		out, err = tx.UpdateProduct(productID, func(p *domain.Product) error {
			p.CertificationIDs = removeString(p.CertificationIDs, certificationID)
			return nil
		})
		return err
	})
	return out, err
}

// RegisterQRCode binds a new unique hash to an active product.
func (s *Store) RegisterQRCode(ctx context.Context, hash, productID string, ref domain.LedgerRef) (domain.QRCode, error) {
	var out domain.QRCode
	err := s.runMirrored(ctx, ref.TxRef,
		func(view domain.TransactionView, m domain.MirrorRef) error {
			var ok bool
			if out, ok = view.FindQRCode(m.EntityID); !ok {
				return domain.NotFoundError{Entity: domain.EntityQRCode, ID: m.EntityID}
			}
			return nil
		},
		func(tx domain.Transaction) (domain.MirrorRef, error) {
			if err := checkQRCodeFree(tx, hash, productID); err != nil {
				return domain.MirrorRef{}, err
			}
			qr, err := tx.CreateQRCode(domain.QRCode{
				LedgerRef: ref,
				Hash:      hash,
				ProductID: productID,
				Active:    true,
			})
			if err != nil {
				return domain.MirrorRef{}, err
			}
			out = qr
			return domain.MirrorRef{Entity: domain.EntityQRCode, EntityID: qr.Hash}, nil
		})
	return out, err
}

// DeactivateQRCode marks a QR code inactive. It never verifies again.
func (s *Store) DeactivateQRCode(ctx context.Context, hash string) (domain.QRCode, error) {
	var out domain.QRCode
	_, err := s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		out, err = tx.UpdateQRCode(hash, func(q *domain.QRCode) error {
			q.Active = false
			return nil
		})
		return err
	})
	return out, err
}

// DeactivateBatch closes a batch for further appends and product additions.
func (s *Store) DeactivateBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	var out domain.Batch
	_, err := s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		out, err = tx.UpdateBatch(batchID, func(b *domain.Batch) error {
			b.Active = false
			return nil
		})
		return err
	})
	return out, err
}

// DeactivateFarmer marks a farmer inactive. Farmers are never deleted.
func (s *Store) DeactivateFarmer(ctx context.Context, farmerID string) (domain.Farmer, error) {
	var out domain.Farmer
	_, err := s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		out, err = tx.UpdateFarmer(farmerID, func(f *domain.Farmer) error {
			f.Active = false
			return nil
		})
		return err
	})
	return out, err
}

// AppendScan adds a scan event to a QR code's history.
func (s *Store) AppendScan(ctx context.Context, hash string, event domain.ScanEvent) error {
	_, err := s.backend.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return tx.AppendScan(hash, event)
	})
	return err
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func removeString(values []string, drop string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != drop {
			out = append(out, v)
		}
	}
	return out
}
