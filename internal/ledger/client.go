// Package ledger is the client boundary to the append-only provenance ledger.
// The ledger is treated as correct and available but slow and irreversible:
// a submitted transaction either returns a receipt or fails with a
// domain.LedgerError and leaves no trace.
package ledger

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// Operation names a state-changing ledger transaction.
type Operation string

// Ledger transactions issued by the synchronizer.
const (
	OpRegisterFarmer        Operation = "registerFarmer"
	OpGrantRole             Operation = "grantRole"
	OpCreateBatch           Operation = "createBatch"
	OpCreateProduct         Operation = "createProduct"
	OpIssueCertification    Operation = "issueCertification"
	OpRevokeCertification   Operation = "revokeCertification"
	OpAttachCertification   Operation = "addCertificationToProduct"
	OpAddTraceabilityRecord Operation = "addTraceabilityRecord"
	OpRegisterQRCode        Operation = "registerQRCode"
)

// QueryOperation names a read-only ledger call.
type QueryOperation string

// Ledger queries issued by the verification engine.
const (
	QueryQRCodeRegistered    QueryOperation = "isQRCodeRegistered"
	QueryCertificationValid  QueryOperation = "isCertificationValid"
	QueryFarmerRegistered    QueryOperation = "isFarmerRegistered"
	QueryTransactionRecorded QueryOperation = "isTransactionRecorded"
)

// Well-known argument keys.
const (
	ArgPrincipal       = "principal"
	ArgName            = "name"
	ArgLocation        = "location"
	ArgRole            = "role"
	ArgBatchID         = "batchId"
	ArgProductID       = "productId"
	ArgCertificationID = "certificationId"
	ArgCertificateHash = "certificateHash"
	ArgHash            = "hash"
	ArgAction          = "action"
	ArgTxRef           = "txRef"
	// ArgNonce deduplicates resubmissions of one logical transaction.
	ArgNonce = "nonce"
)

// Related keys returned in Receipt.Related.
const (
	// RelatedBatchID carries the ledger id of a batch allocated implicitly
	// by createProduct.
	RelatedBatchID = "batchId"
)

// Args carries transaction arguments.
type Args map[string]string

// Clone returns a copy of the arguments.
func (a Args) Clone() Args {
	out := make(Args, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

// Receipt is returned once a transaction is durably committed.
type Receipt struct {
	TxRef      string            `json:"txRef"`
	AssignedID string            `json:"assignedId,omitempty"`
	Related    map[string]string `json:"related,omitempty"`
}

// Value is the raw result of a ledger query.
type Value string

// Bool interprets the value as a boolean.
func (v Value) Bool() (bool, error) {
	b, err := strconv.ParseBool(string(v))
	if err != nil {
		return false, errors.Wrapf(err, "ledger value %q is not a boolean", string(v))
	}
	return b, nil
}

// Client submits and queries ledger transactions.
type Client interface {
	Submit(ctx context.Context, op Operation, args Args, signer string) (Receipt, error)
	Query(ctx context.Context, op QueryOperation, args Args) (Value, error)
}

// ErrRejected marks a transaction the ledger refused. Rejections are never retried.
var ErrRejected = errors.New("transaction rejected")

// ErrUnavailable marks a transport failure that may succeed on retry.
var ErrUnavailable = errors.New("ledger unavailable")
