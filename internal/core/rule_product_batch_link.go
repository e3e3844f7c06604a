package core

import (
	"context"
	"fmt"
	"organictrace/pkg/domain"
)

// ProductBatchLinkRule enforces that every touched product belongs to exactly
// one existing batch and that batches only list products pointing back at them.
func ProductBatchLinkRule() domain.Rule {
	return productBatchLinkRule{}
}

type productBatchLinkRule struct{}

func (productBatchLinkRule) Name() string { return "product_batch_link" }

func (r productBatchLinkRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		switch after := change.After.(type) {
		case domain.Product:
			r.checkProduct(&res, view, after)
		case domain.Batch:
			r.checkBatch(&res, view, after)
		}
	}
	return res, nil
}

func (productBatchLinkRule) checkProduct(res *domain.Result, view domain.RuleView, product domain.Product) {
	current, ok := view.FindProduct(product.ID)
	if !ok {
		return
	}
	if current.BatchID == "" {
		res.Violations = append(res.Violations, linkViolation(domain.EntityProduct, current.ID, fmt.Sprintf("product %s has no batch", current.ID)))
		return
	}
	batch, ok := view.FindBatch(current.BatchID)
	if !ok {
		res.Violations = append(res.Violations, linkViolation(domain.EntityProduct, current.ID, fmt.Sprintf("product %s references missing batch %s", current.ID, current.BatchID)))
		return
	}
	if !batch.HasProduct(current.ID) {
		res.Violations = append(res.Violations, linkViolation(domain.EntityProduct, current.ID, fmt.Sprintf("batch %s does not list product %s", batch.ID, current.ID)))
	}
}

func (productBatchLinkRule) checkBatch(res *domain.Result, view domain.RuleView, batch domain.Batch) {
	current, ok := view.FindBatch(batch.ID)
	if !ok {
		return
	}
	for _, productID := range current.ProductIDs {
		product, ok := view.FindProduct(productID)
		if !ok {
			res.Violations = append(res.Violations, linkViolation(domain.EntityBatch, current.ID, fmt.Sprintf("batch %s lists missing product %s", current.ID, productID)))
			continue
		}
		if product.BatchID != current.ID {
			res.Violations = append(res.Violations, linkViolation(domain.EntityBatch, current.ID, fmt.Sprintf("batch %s lists product %s owned by batch %s", current.ID, productID, product.BatchID)))
		}
	}
}

func linkViolation(entity domain.EntityType, id, message string) domain.Violation {
	return domain.Violation{
		Rule:     "product_batch_link",
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   entity,
		EntityID: id,
	}
}
