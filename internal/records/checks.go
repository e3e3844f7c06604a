package records

import (
	"organictrace/pkg/domain"
	"strings"
)

// The checks below run twice for mirrored writes: once against a read-only
// view before the ledger call, and again inside the store transaction that
// writes the mirror.

func checkPrincipalFree(view domain.TransactionView, principalID string) error {
	if strings.TrimSpace(principalID) == "" {
		return domain.ValidationError{Field: "principal_id", Reason: "required"}
	}
	if _, ok := view.FindFarmer(principalID); ok {
		return domain.StateError{Entity: domain.EntityFarmer, ID: principalID, Reason: "already registered"}
	}
	return nil
}

func checkBatchWritable(view domain.TransactionView, batchID string) (domain.Batch, error) {
	batch, ok := view.FindBatch(batchID)
	if !ok {
		return domain.Batch{}, domain.NotFoundError{Entity: domain.EntityBatch, ID: batchID}
	}
	if !batch.Active {
		return domain.Batch{}, domain.StateError{Entity: domain.EntityBatch, ID: batchID, Reason: "batch inactive"}
	}
	return batch, nil
}

func checkProductsExist(view domain.TransactionView, productIDs []string) error {
	for _, id := range productIDs {
		if _, ok := view.FindProduct(id); !ok {
			return domain.NotFoundError{Entity: domain.EntityProduct, ID: id}
		}
	}
	return nil
}

// checkActorActive rejects principals whose farmer record has been
// deactivated. Principals without a farmer record are not affected.
func checkActorActive(view domain.TransactionView, principalID string) error {
	farmer, ok := view.FindFarmer(principalID)
	if ok && !farmer.Active {
		return domain.StateError{Entity: domain.EntityFarmer, ID: principalID, Reason: "farmer inactive"}
	}
	return nil
}

func checkRevocable(view domain.TransactionView, certificationID string) error {
	cert, ok := view.FindCertification(certificationID)
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityCertification, ID: certificationID}
	}
	if !cert.IsValid {
		return domain.StateError{Entity: domain.EntityCertification, ID: certificationID, Reason: "certification already revoked"}
	}
	return nil
}

// checkHandler resolves the role a principal appends records under.
func checkHandler(view domain.TransactionView, principalID string) (domain.Capability, error) {
	principal, _ := view.FindPrincipal(principalID)
	role, ok := domain.ResolveHandlerRole(principal.Capabilities)
	if !ok {
		return "", domain.AuthorizationError{PrincipalID: principalID, Required: domain.HandlerCapabilities()}
	}
	return role, nil
}

// creatorRole is the role recorded on the opening record of a batch. Admins
// without a handler capability are recorded as admin.
func creatorRole(view domain.TransactionView, principalID string) domain.Capability {
	principal, _ := view.FindPrincipal(principalID)
	if role, ok := domain.ResolveHandlerRole(principal.Capabilities); ok {
		return role
	}
	if domain.HasCapability(principal.Capabilities, domain.CapabilityAdmin) {
		return domain.CapabilityAdmin
	}
	return ""
}

func checkAttach(view domain.TransactionView, productID, certificationID string, now nowFunc) (domain.Product, error) {
	product, ok := view.FindProduct(productID)
	if !ok {
		return domain.Product{}, domain.NotFoundError{Entity: domain.EntityProduct, ID: productID}
	}
	cert, ok := view.FindCertification(certificationID)
	if !ok {
		return domain.Product{}, domain.NotFoundError{Entity: domain.EntityCertification, ID: certificationID}
	}
	if !cert.IsValid {
		return domain.Product{}, domain.StateError{Entity: domain.EntityCertification, ID: certificationID, Reason: "certification revoked"}
	}
	if cert.Expired(now()) {
		return domain.Product{}, domain.StateError{Entity: domain.EntityCertification, ID: certificationID, Reason: "certification expired"}
	}
	return product, nil
}

func checkQRCodeFree(view domain.TransactionView, hash, productID string) error {
	if strings.TrimSpace(hash) == "" {
		return domain.ValidationError{Field: "hash", Reason: "required"}
	}
	if _, ok := view.FindQRCode(hash); ok {
		return domain.StateError{Entity: domain.EntityQRCode, ID: hash, Reason: "hash already registered"}
	}
	product, ok := view.FindProduct(productID)
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityProduct, ID: productID}
	}
	if !product.Active {
		return domain.StateError{Entity: domain.EntityProduct, ID: productID, Reason: "product inactive"}
	}
	return nil
}

func checkCertificateHashFree(view domain.TransactionView, hash string) error {
	if strings.TrimSpace(hash) == "" {
		return domain.ValidationError{Field: "certificate_hash", Reason: "required"}
	}
	if existing, ok := view.FindCertificationByHash(hash); ok {
		return domain.StateError{Entity: domain.EntityCertification, ID: existing.ID, Reason: "certificate hash already issued"}
	}
	return nil
}
