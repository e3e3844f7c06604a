package domain

import (
	"context"
	"time"
)

// Transaction exposes the store operations that a persistence implementation
// must support within an atomic scope. Mutators receive a copy; the store
// reassigns identifiers and timestamps after they run.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	Now() time.Time

	SavePrincipal(Principal) (Principal, error)
	CreateFarmer(Farmer) (Farmer, error)
	UpdateFarmer(id string, mutator func(*Farmer) error) (Farmer, error)
	CreateBatch(Batch) (Batch, error)
	UpdateBatch(id string, mutator func(*Batch) error) (Batch, error)
	// AppendRecord allocates the next sequence number of the batch log and
	// adds the principal to the handler set when absent.
	AppendRecord(batchID string, record TraceabilityRecord) (TraceabilityRecord, error)
	CreateProduct(Product) (Product, error)
	UpdateProduct(id string, mutator func(*Product) error) (Product, error)
	CreateCertification(Certification) (Certification, error)
	UpdateCertification(id string, mutator func(*Certification) error) (Certification, error)
	CreateQRCode(QRCode) (QRCode, error)
	UpdateQRCode(hash string, mutator func(*QRCode) error) (QRCode, error)
	AppendScan(hash string, event ScanEvent) error
	RecordMirror(MirrorRef) error
}

// TransactionView provides read-only access to snapshot data.
type TransactionView interface {
	RuleView
	FindPrincipal(id string) (Principal, bool)
	FindFarmer(id string) (Farmer, bool)
	FindCertification(id string) (Certification, bool)
	FindCertificationByHash(hash string) (Certification, bool)
	FindQRCode(hash string) (QRCode, bool)
	FindMirror(txRef string) (MirrorRef, bool)
	ListFarmers() []Farmer
	ListCertifications() []Certification
	ListQRCodes() []QRCode
}

// PersistentStore is a minimal abstraction over durable backends.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
