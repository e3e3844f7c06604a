// Package domain defines the provenance entities, capability model, error
// kinds and rule evaluation primitives used by organictrace.
package domain

import "time"

// EntityType identifies the type of record stored in the off-chain store.
type EntityType string

// Supported entity type identifiers used in Change records, mirror references and persistence buckets.
const (
	// EntityPrincipal identifies a principal capability record.
	EntityPrincipal EntityType = "principal"
	// EntityFarmer identifies a registered farmer.
	EntityFarmer EntityType = "farmer"
	// EntityProduct identifies a product record.
	EntityProduct EntityType = "product"
	// EntityBatch identifies a batch and its traceability log.
	EntityBatch EntityType = "batch"
	// EntityCertification identifies an issued certification.
	EntityCertification EntityType = "certification"
	// EntityTraceabilityRecord identifies a single entry in a batch log.
	EntityTraceabilityRecord EntityType = "traceability_record"
	// EntityQRCode identifies a registered QR code.
	EntityQRCode EntityType = "qr_code"
)

// BatchCreatedAction labels the first record of every batch log.
const BatchCreatedAction = "BATCH_CREATED"

// Base contains common fields for all store records.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerRef cross-references a store record with the ledger transaction that
// established it. Store and ledger identifiers are independent namespaces.
type LedgerRef struct {
	TxRef    string `json:"tx_ref,omitempty"`
	LedgerID string `json:"ledger_id,omitempty"`
}

// Mirrored reports whether the record carries a ledger transaction reference.
func (r LedgerRef) Mirrored() bool { return r.TxRef != "" }

// Principal records the capabilities granted to an authenticated actor.
type Principal struct {
	Base
	Capabilities []Capability `json:"capabilities"`
}

// Farmer is a registered producer. Farmers are deactivated, never deleted.
type Farmer struct {
	Base
	LedgerRef
	Name     string `json:"name"`
	Location string `json:"location"`
	Active   bool   `json:"active"`
}

// Product is a sellable item that always belongs to exactly one batch.
type Product struct {
	Base
	LedgerRef
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	Type             string   `json:"type"`
	FarmerID         string   `json:"farmer_id"`
	BatchID          string   `json:"batch_id"`
	CertificationIDs []string `json:"certification_ids"`
	IsOrganic        bool     `json:"is_organic"`
	Active           bool     `json:"active"`
}

// Batch groups products harvested together and carries the append-only
// traceability log for them.
type Batch struct {
	Base
	LedgerRef
	HarvestDate       time.Time            `json:"harvest_date"`
	ProcessingMethods []string             `json:"processing_methods"`
	Records           []TraceabilityRecord `json:"records"`
	HandlerIDs        []string             `json:"handler_ids"`
	ProductIDs        []string             `json:"product_ids"`
	Active            bool                 `json:"active"`
}

// LastSequence returns the sequence number of the newest record, or zero.
func (b Batch) LastSequence() uint64 {
	if len(b.Records) == 0 {
		return 0
	}
	return b.Records[len(b.Records)-1].Sequence
}

// HasHandler reports whether principalID already handled the batch.
func (b Batch) HasHandler(principalID string) bool {
	return containsString(b.HandlerIDs, principalID)
}

// HasProduct reports whether productID is a member of the batch.
func (b Batch) HasProduct(productID string) bool {
	return containsString(b.ProductIDs, productID)
}

// TraceabilityRecord is a single supply-chain event appended to a batch log.
type TraceabilityRecord struct {
	Sequence    uint64     `json:"sequence"`
	Timestamp   time.Time  `json:"timestamp"`
	PrincipalID string     `json:"principal_id"`
	HandlerRole Capability `json:"handler_role"`
	Action      string     `json:"action"`
	Location    string     `json:"location"`
	Notes       string     `json:"notes,omitempty"`
	TxRef       string     `json:"tx_ref,omitempty"`
}

// Certification is an organic certificate issued by a certifying body.
// Revocation (IsValid=false) and expiry are independent conditions.
type Certification struct {
	Base
	LedgerRef
	Name            string    `json:"name"`
	Issuer          string    `json:"issuer"`
	CertificateHash string    `json:"certificate_hash"`
	IssueDate       time.Time `json:"issue_date"`
	ExpiryDate      time.Time `json:"expiry_date"`
	IsValid         bool      `json:"is_valid"`
}

// Expired reports whether the certification is past its expiry date at now.
func (c Certification) Expired(now time.Time) bool {
	return now.After(c.ExpiryDate)
}

// QRCode binds a globally unique hash to a product. The binding is immutable.
type QRCode struct {
	LedgerRef
	Hash      string      `json:"hash"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	ProductID string      `json:"product_id"`
	Active    bool        `json:"active"`
	Scans     []ScanEvent `json:"scans"`
}

// ScanEvent records a successful verification of a QR code.
type ScanEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	PrincipalID string    `json:"principal_id,omitempty"`
	Location    string    `json:"location,omitempty"`
}

// MirrorRef records which store row mirrors a ledger transaction. There is at
// most one MirrorRef per transaction reference.
type MirrorRef struct {
	TxRef    string     `json:"tx_ref"`
	Entity   EntityType `json:"entity"`
	EntityID string     `json:"entity_id"`
	Sequence uint64     `json:"sequence,omitempty"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions captured in the audit trail. There is no delete: store
// records are deactivated instead.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
