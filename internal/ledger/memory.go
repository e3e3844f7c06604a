package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"organictrace/pkg/domain"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Entry is one committed transaction in the in-process ledger. Entries are
// hash-chained: Hash covers PrevHash and the transaction payload.
type Entry struct {
	Index      int               `json:"index"`
	TxRef      string            `json:"txRef"`
	Operation  Operation         `json:"operation"`
	Args       Args              `json:"args"`
	Signer     string            `json:"signer"`
	AssignedID string            `json:"assignedId,omitempty"`
	Related    map[string]string `json:"related,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	PrevHash   string            `json:"prevHash"`
	Hash       string            `json:"hash"`
}

// Memory is an in-process ledger simulator. It enforces the registration
// rules of the provenance contract, allocates ledger ids and supports fault
// injection for tests.
type Memory struct {
	mu       sync.Mutex
	entries  []Entry
	byNonce  map[string]Receipt
	counters map[string]int
	farmers  map[string]bool
	roles    map[string]map[string]bool
	batches  map[string]bool
	products map[string]bool
	certs    map[string]bool
	revoked  map[string]bool
	hashes   map[string]bool
	qrcodes  map[string]string
	nowFn    func() time.Time

	submitFaults []error
	queryFaults  []error
}

var _ Client = (*Memory)(nil)

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		byNonce:  make(map[string]Receipt),
		counters: make(map[string]int),
		farmers:  make(map[string]bool),
		roles:    make(map[string]map[string]bool),
		batches:  make(map[string]bool),
		products: make(map[string]bool),
		certs:    make(map[string]bool),
		revoked:  make(map[string]bool),
		hashes:   make(map[string]bool),
		qrcodes:  make(map[string]string),
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// FailSubmits queues errors returned by the next Submit calls, one per call.
// Plain errors are wrapped as transient ledger failures.
func (m *Memory) FailSubmits(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitFaults = append(m.submitFaults, errs...)
}

// FailQueries queues errors returned by the next Query calls, one per call.
func (m *Memory) FailQueries(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryFaults = append(m.queryFaults, errs...)
}

// Len returns the number of committed transactions.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries returns a copy of the committed transactions.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Submit validates and appends a transaction.
func (m *Memory) Submit(ctx context.Context, op Operation, args Args, signer string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, domain.LedgerError{Operation: string(op), Transient: true, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.submitFaults) > 0 {
		fault := m.submitFaults[0]
		m.submitFaults = m.submitFaults[1:]
		return Receipt{}, asLedgerError(op, fault)
	}
	if nonce := args[ArgNonce]; nonce != "" {
		if receipt, ok := m.byNonce[nonce]; ok {
			return receipt, nil
		}
	}

	receipt, err := m.apply(op, args, signer)
	if err != nil {
		return Receipt{}, domain.LedgerError{Operation: string(op), Err: err}
	}
	if nonce := args[ArgNonce]; nonce != "" {
		m.byNonce[nonce] = receipt
	}
	return receipt, nil
}

func (m *Memory) apply(op Operation, args Args, signer string) (Receipt, error) {
	var (
		assigned string
		related  map[string]string
	)
	switch op {
	case OpRegisterFarmer:
		principal := args[ArgPrincipal]
		if principal == "" || m.farmers[principal] {
			return Receipt{}, errors.Wrapf(ErrRejected, "farmer %q already registered or missing", principal)
		}
		m.farmers[principal] = true
		m.grant(principal, string(domain.CapabilityFarmer))
	case OpGrantRole:
		if args[ArgPrincipal] == "" || args[ArgRole] == "" {
			return Receipt{}, errors.Wrap(ErrRejected, "principal and role required")
		}
		m.grant(args[ArgPrincipal], args[ArgRole])
	case OpCreateBatch:
		assigned = m.allocate("batch")
		m.batches[assigned] = true
	case OpCreateProduct:
		batchID := args[ArgBatchID]
		if batchID == "" {
			batchID = m.allocate("batch")
			m.batches[batchID] = true
			related = map[string]string{RelatedBatchID: batchID}
		} else if !m.batches[batchID] {
			return Receipt{}, errors.Wrapf(ErrRejected, "unknown batch %s", batchID)
		}
		assigned = m.allocate("product")
		m.products[assigned] = true
	case OpIssueCertification:
		hash := args[ArgCertificateHash]
		if hash == "" || m.hashes[hash] {
			return Receipt{}, errors.Wrapf(ErrRejected, "certificate hash %q already issued or missing", hash)
		}
		assigned = m.allocate("certification")
		m.certs[assigned] = true
		m.hashes[hash] = true
	case OpRevokeCertification:
		id := args[ArgCertificationID]
		if !m.certs[id] {
			return Receipt{}, errors.Wrapf(ErrRejected, "unknown certification %s", id)
		}
		m.revoked[id] = true
	case OpAttachCertification:
		if !m.products[args[ArgProductID]] || !m.certs[args[ArgCertificationID]] {
			return Receipt{}, errors.Wrap(ErrRejected, "unknown product or certification")
		}
		if m.revoked[args[ArgCertificationID]] {
			return Receipt{}, errors.Wrap(ErrRejected, "certification revoked")
		}
	case OpAddTraceabilityRecord:
		if !m.batches[args[ArgBatchID]] {
			return Receipt{}, errors.Wrapf(ErrRejected, "unknown batch %s", args[ArgBatchID])
		}
	case OpRegisterQRCode:
		hash := args[ArgHash]
		if hash == "" {
			return Receipt{}, errors.Wrap(ErrRejected, "hash required")
		}
		if _, taken := m.qrcodes[hash]; taken {
			return Receipt{}, errors.Wrapf(ErrRejected, "qr code %s already registered", hash)
		}
		if !m.products[args[ArgProductID]] {
			return Receipt{}, errors.Wrapf(ErrRejected, "unknown product %s", args[ArgProductID])
		}
		m.qrcodes[hash] = args[ArgProductID]
	default:
		return Receipt{}, errors.Wrapf(ErrRejected, "unknown operation %s", op)
	}

	entry := Entry{
		Index:      len(m.entries),
		Operation:  op,
		Args:       args.Clone(),
		Signer:     signer,
		AssignedID: assigned,
		Related:    related,
		Timestamp:  m.nowFn(),
	}
	if n := len(m.entries); n > 0 {
		entry.PrevHash = m.entries[n-1].Hash
	}
	entry.Hash = entryHash(entry)
	entry.TxRef = "0x" + entry.Hash
	m.entries = append(m.entries, entry)
	return Receipt{TxRef: entry.TxRef, AssignedID: assigned, Related: related}, nil
}

func (m *Memory) grant(principal, role string) {
	if m.roles[principal] == nil {
		m.roles[principal] = make(map[string]bool)
	}
	m.roles[principal][role] = true
}

func (m *Memory) allocate(kind string) string {
	m.counters[kind]++
	return strconv.Itoa(m.counters[kind])
}

// Query answers read-only questions about committed state.
func (m *Memory) Query(ctx context.Context, op QueryOperation, args Args) (Value, error) {
	if err := ctx.Err(); err != nil {
		return "", domain.LedgerError{Operation: string(op), Transient: true, Err: err}
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.queryFaults) > 0 {
		fault := m.queryFaults[0]
		m.queryFaults = m.queryFaults[1:]
		return "", asLedgerError(Operation(op), fault)
	}

	switch op {
	case QueryQRCodeRegistered:
		productID, ok := m.qrcodes[args[ArgHash]]
		return boolValue(ok && productID == args[ArgProductID]), nil
	case QueryCertificationValid:
		id := args[ArgCertificationID]
		return boolValue(m.certs[id] && !m.revoked[id]), nil
	case QueryFarmerRegistered:
		return boolValue(m.farmers[args[ArgPrincipal]]), nil
	case QueryTransactionRecorded:
		for _, e := range m.entries {
			if e.TxRef == args[ArgTxRef] {
				return boolValue(true), nil
			}
		}
		return boolValue(false), nil
	default:
		return "", domain.LedgerError{Operation: string(op), Err: errors.Wrapf(ErrRejected, "unknown query %s", op)}
	}
}

// Verify walks the chain and checks hash consistency.
func (m *Memory) Verify() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := ""
	for _, e := range m.entries {
		if e.PrevHash != prev {
			return errors.Errorf("entry %d: previous hash mismatch", e.Index)
		}
		if entryHash(e) != e.Hash {
			return errors.Errorf("entry %d: hash mismatch", e.Index)
		}
		prev = e.Hash
	}
	return nil
}

func entryHash(e Entry) string {
	keys := make([]string, 0, len(e.Args))
	for k := range e.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([][2]string, 0, len(keys))
	for _, k := range keys {
		ordered = append(ordered, [2]string{k, e.Args[k]})
	}
	payload, _ := json.Marshal(struct {
		Index     int         `json:"index"`
		Operation Operation   `json:"operation"`
		Args      [][2]string `json:"args"`
		Signer    string      `json:"signer"`
		Assigned  string      `json:"assigned"`
		Timestamp time.Time   `json:"timestamp"`
		PrevHash  string      `json:"prevHash"`
	}{e.Index, e.Operation, ordered, e.Signer, e.AssignedID, e.Timestamp, e.PrevHash})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func boolValue(b bool) Value {
	return Value(strconv.FormatBool(b))
}

func asLedgerError(op Operation, err error) error {
	var le domain.LedgerError
	if errors.As(err, &le) {
		return le
	}
	return domain.LedgerError{Operation: string(op), Transient: !errors.Is(err, ErrRejected), Err: err}
}
