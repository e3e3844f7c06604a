// Package identity maps mutating operations to the capabilities they
// require and resolves principals against the record store.
package identity

import (
	"context"
	"log/slog"
	"organictrace/internal/records"
	"organictrace/pkg/domain"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Operation names a mutating operation subject to authorization.
type Operation string

// Operations covered by the policy table.
const (
	OpRegisterFarmer        Operation = "register_farmer"
	OpGrantCapability       Operation = "grant_capability"
	OpIssueCertification    Operation = "issue_certification"
	OpRevokeCertification   Operation = "revoke_certification"
	OpDeactivateFarmer      Operation = "deactivate_farmer"
	OpDeactivateBatch       Operation = "deactivate_batch"
	OpDeactivateQRCode      Operation = "deactivate_qr_code"
	OpCreateProduct         Operation = "create_product"
	OpCreateBatch           Operation = "create_batch"
	OpAttachCertification   Operation = "attach_certification"
	OpDetachCertification   Operation = "detach_certification"
	OpRegisterQRCode        Operation = "register_qr_code"
	OpAddTraceabilityRecord Operation = "add_traceability_record"
)

// policy lists the capabilities that satisfy each operation. Admin always
// satisfies every entry and is implied by an empty list.
var policy = map[Operation][]domain.Capability{
	OpRegisterFarmer:        nil,
	OpGrantCapability:       nil,
	OpIssueCertification:    nil,
	OpRevokeCertification:   nil,
	OpDeactivateFarmer:      nil,
	OpDeactivateBatch:       nil,
	OpDeactivateQRCode:      nil,
	OpCreateProduct:         {domain.CapabilityFarmer},
	OpCreateBatch:           {domain.CapabilityFarmer},
	OpAttachCertification:   {domain.CapabilityFarmer},
	OpDetachCertification:   {domain.CapabilityFarmer},
	OpRegisterQRCode:        {domain.CapabilityFarmer},
	OpAddTraceabilityRecord: domain.HandlerCapabilities(),
}

// Required returns the capabilities accepted for op besides admin.
func Required(op Operation) ([]domain.Capability, bool) {
	caps, ok := policy[op]
	if !ok {
		return nil, false
	}
	out := make([]domain.Capability, len(caps))
	copy(out, caps)
	return out, true
}

// Operations lists every operation in the policy table in name order.
func Operations() []Operation {
	out := make([]Operation, 0, len(policy))
	for op := range policy {
		out = append(out, op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Check applies the policy table to a capability set without touching storage.
func Check(principalID string, caps []domain.Capability, op Operation) error {
	required, ok := policy[op]
	if !ok {
		return errors.Errorf("identity: no policy for operation %q", op)
	}
	if len(required) == 0 {
		required = []domain.Capability{domain.CapabilityAdmin}
	}
	return domain.Authorize(principalID, caps, required...)
}

// Registry resolves principals through the record store.
type Registry struct {
	store  *records.Store
	logger *slog.Logger
}

// NewRegistry constructs a registry over store.
func NewRegistry(store *records.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// Capabilities returns the principal's capability set. Unknown principals
// hold none.
func (r *Registry) Capabilities(ctx context.Context, principalID string) ([]domain.Capability, error) {
	principal, err := r.store.Principal(ctx, principalID)
	if err != nil {
		if domain.KindOf(err) == domain.KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	return principal.Capabilities, nil
}

// Authorize loads the principal and checks it against the policy for op.
func (r *Registry) Authorize(ctx context.Context, principalID string, op Operation) error {
	if strings.TrimSpace(principalID) == "" {
		return domain.ValidationError{Field: "principal_id", Reason: "required"}
	}
	caps, err := r.Capabilities(ctx, principalID)
	if err != nil {
		return err
	}
	if err := Check(principalID, caps, op); err != nil {
		r.logger.Debug("authorization denied", "principal", principalID, "operation", op)
		return err
	}
	return nil
}

// Bootstrap seeds the admin capability for principalID directly in the
// store. Nothing is written to the ledger: the first admin has nobody to
// authorize its grant.
func (r *Registry) Bootstrap(ctx context.Context, principalID string) (domain.Principal, error) {
	if strings.TrimSpace(principalID) == "" {
		return domain.Principal{}, domain.ValidationError{Field: "admin_id", Reason: "required"}
	}
	principal, err := r.store.GrantCapability(ctx, principalID, domain.CapabilityAdmin, domain.LedgerRef{})
	if err != nil {
		return domain.Principal{}, err
	}
	r.logger.Info("bootstrapped admin principal", "principal", principalID)
	return principal, nil
}
