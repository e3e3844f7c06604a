// Package memory provides an in-memory implementation of the off-chain
// record store used for tests, ephemeral environments and as the
// transactional core of the snapshotting SQL backends.
package memory

import (
	"context"
	"fmt"
	"organictrace/pkg/domain"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Principal aliases domain.Principal.
	Principal = domain.Principal
	// Farmer aliases domain.Farmer.
	Farmer = domain.Farmer
	// Batch aliases domain.Batch.
	Batch = domain.Batch
	// Product aliases domain.Product.
	Product = domain.Product
	// Certification aliases domain.Certification.
	Certification = domain.Certification
	// QRCode aliases domain.QRCode.
	QRCode = domain.QRCode
	// MirrorRef aliases domain.MirrorRef.
	MirrorRef = domain.MirrorRef
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	principals     map[string]Principal
	farmers        map[string]Farmer
	batches        map[string]Batch
	products       map[string]Product
	certifications map[string]Certification
	qrcodes        map[string]QRCode
	mirrors        map[string]MirrorRef
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Principals     map[string]Principal     `json:"principals"`
	Farmers        map[string]Farmer        `json:"farmers"`
	Batches        map[string]Batch         `json:"batches"`
	Products       map[string]Product       `json:"products"`
	Certifications map[string]Certification `json:"certifications"`
	QRCodes        map[string]QRCode        `json:"qrcodes"`
	Mirrors        map[string]MirrorRef     `json:"mirrors"`
}

func newMemoryState() memoryState {
	return memoryState{
		principals:     make(map[string]Principal),
		farmers:        make(map[string]Farmer),
		batches:        make(map[string]Batch),
		products:       make(map[string]Product),
		certifications: make(map[string]Certification),
		qrcodes:        make(map[string]QRCode),
		mirrors:        make(map[string]MirrorRef),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.principals {
		cloned.principals[k] = clonePrincipal(v)
	}
	for k, v := range s.farmers {
		cloned.farmers[k] = v
	}
	for k, v := range s.batches {
		cloned.batches[k] = cloneBatch(v)
	}
	for k, v := range s.products {
		cloned.products[k] = cloneProduct(v)
	}
	for k, v := range s.certifications {
		cloned.certifications[k] = v
	}
	for k, v := range s.qrcodes {
		cloned.qrcodes[k] = cloneQRCode(v)
	}
	for k, v := range s.mirrors {
		cloned.mirrors[k] = v
	}
	return cloned
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	c := state.clone()
	return Snapshot{
		Principals:     c.principals,
		Farmers:        c.farmers,
		Batches:        c.batches,
		Products:       c.products,
		Certifications: c.certifications,
		QRCodes:        c.qrcodes,
		Mirrors:        c.mirrors,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Principals {
		state.principals[k] = v
	}
	for k, v := range s.Farmers {
		state.farmers[k] = v
	}
	for k, v := range s.Batches {
		state.batches[k] = v
	}
	for k, v := range s.Products {
		state.products[k] = v
	}
	for k, v := range s.Certifications {
		state.certifications[k] = v
	}
	for k, v := range s.QRCodes {
		state.qrcodes[k] = v
	}
	for k, v := range s.Mirrors {
		state.mirrors[k] = v
	}
	return state.clone()
}

func clonePrincipal(p Principal) Principal {
	cp := p
	cp.Capabilities = append([]domain.Capability(nil), p.Capabilities...)
	return cp
}

func cloneBatch(b Batch) Batch {
	cp := b
	cp.ProcessingMethods = append([]string(nil), b.ProcessingMethods...)
	cp.Records = append([]domain.TraceabilityRecord(nil), b.Records...)
	cp.HandlerIDs = append([]string(nil), b.HandlerIDs...)
	cp.ProductIDs = append([]string(nil), b.ProductIDs...)
	return cp
}

func cloneProduct(p Product) Product {
	cp := p
	cp.CertificationIDs = append([]string(nil), p.CertificationIDs...)
	return cp
}

func cloneQRCode(q QRCode) QRCode {
	cp := q
	cp.Scans = append([]domain.ScanEvent(nil), q.Scans...)
	return cp
}

// Store provides an in-memory transactional store. Writers are serialized;
// each transaction works on a copy that replaces the state only on success.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// SetNowFunc overrides the clock used to stamp records.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}
	tx.transactionView = transactionView{state: &tx.state}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

type transaction struct {
	transactionView
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Now returns the timestamp applied to every record written by the transaction.
func (tx *transaction) Now() time.Time { return tx.now }

// SavePrincipal creates or replaces a principal's capability record.
func (tx *transaction) SavePrincipal(p Principal) (Principal, error) {
	if p.ID == "" {
		return Principal{}, domain.ValidationError{Field: "principal_id", Reason: "required"}
	}
	before, exists := tx.state.principals[p.ID]
	if exists {
		p.CreatedAt = before.CreatedAt
	} else {
		p.CreatedAt = tx.now
	}
	p.UpdatedAt = tx.now
	tx.state.principals[p.ID] = clonePrincipal(p)
	change := Change{Entity: domain.EntityPrincipal, Action: domain.ActionCreate, After: clonePrincipal(p)}
	if exists {
		change.Action = domain.ActionUpdate
		change.Before = before
	}
	tx.recordChange(change)
	return clonePrincipal(p), nil
}

// CreateFarmer stores a new farmer keyed by its principal id.
func (tx *transaction) CreateFarmer(f Farmer) (Farmer, error) {
	if f.ID == "" {
		return Farmer{}, domain.ValidationError{Field: "farmer_id", Reason: "required"}
	}
	if _, exists := tx.state.farmers[f.ID]; exists {
		return Farmer{}, domain.StateError{Entity: domain.EntityFarmer, ID: f.ID, Reason: "already registered"}
	}
	f.CreatedAt = tx.now
	f.UpdatedAt = tx.now
	tx.state.farmers[f.ID] = f
	tx.recordChange(Change{Entity: domain.EntityFarmer, Action: domain.ActionCreate, After: f})
	return f, nil
}

// UpdateFarmer mutates a farmer using the provided mutator function.
func (tx *transaction) UpdateFarmer(id string, mutator func(*Farmer) error) (Farmer, error) {
	current, ok := tx.state.farmers[id]
	if !ok {
		return Farmer{}, domain.NotFoundError{Entity: domain.EntityFarmer, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Farmer{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.farmers[id] = current
	tx.recordChange(Change{Entity: domain.EntityFarmer, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateBatch stores a new batch.
func (tx *transaction) CreateBatch(b Batch) (Batch, error) {
	if b.ID == "" {
		b.ID = tx.store.newID()
	}
	if _, exists := tx.state.batches[b.ID]; exists {
		return Batch{}, fmt.Errorf("batch %q already exists", b.ID)
	}
	b.CreatedAt = tx.now
	b.UpdatedAt = tx.now
	b.HandlerIDs = dedupeStrings(b.HandlerIDs)
	b.ProductIDs = dedupeStrings(b.ProductIDs)
	tx.state.batches[b.ID] = cloneBatch(b)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionCreate, After: cloneBatch(b)})
	return cloneBatch(b), nil
}

// UpdateBatch mutates a batch. Records and handlers are owned by AppendRecord;
// changes to them made by the mutator are checked by the append-only rule.
func (tx *transaction) UpdateBatch(id string, mutator func(*Batch) error) (Batch, error) {
	current, ok := tx.state.batches[id]
	if !ok {
		return Batch{}, domain.NotFoundError{Entity: domain.EntityBatch, ID: id}
	}
	before := cloneBatch(current)
	working := cloneBatch(current)
	if err := mutator(&working); err != nil {
		return Batch{}, err
	}
	working.ID = id
	working.CreatedAt = before.CreatedAt
	working.UpdatedAt = tx.now
	working.ProductIDs = dedupeStrings(working.ProductIDs)
	tx.state.batches[id] = cloneBatch(working)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: cloneBatch(working)})
	return cloneBatch(working), nil
}

// AppendRecord assigns the next per-batch sequence number and appends the
// record. The principal joins the handler set if not already present.
func (tx *transaction) AppendRecord(batchID string, record domain.TraceabilityRecord) (domain.TraceabilityRecord, error) {
	current, ok := tx.state.batches[batchID]
	if !ok {
		return domain.TraceabilityRecord{}, domain.NotFoundError{Entity: domain.EntityBatch, ID: batchID}
	}
	before := cloneBatch(current)
	working := cloneBatch(current)
	record.Sequence = working.LastSequence() + 1
	if record.Timestamp.IsZero() {
		record.Timestamp = tx.now
	}
	working.Records = append(working.Records, record)
	if record.PrincipalID != "" && !working.HasHandler(record.PrincipalID) {
		working.HandlerIDs = append(working.HandlerIDs, record.PrincipalID)
	}
	working.UpdatedAt = tx.now
	tx.state.batches[batchID] = working
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: cloneBatch(working)})
	return record, nil
}

// CreateProduct stores a new product.
func (tx *transaction) CreateProduct(p Product) (Product, error) {
	if p.ID == "" {
		p.ID = tx.store.newID()
	}
	if _, exists := tx.state.products[p.ID]; exists {
		return Product{}, fmt.Errorf("product %q already exists", p.ID)
	}
	p.CreatedAt = tx.now
	p.UpdatedAt = tx.now
	p.CertificationIDs = dedupeStrings(p.CertificationIDs)
	tx.state.products[p.ID] = cloneProduct(p)
	tx.recordChange(Change{Entity: domain.EntityProduct, Action: domain.ActionCreate, After: cloneProduct(p)})
	return cloneProduct(p), nil
}

// UpdateProduct mutates a product using the provided mutator function.
func (tx *transaction) UpdateProduct(id string, mutator func(*Product) error) (Product, error) {
	current, ok := tx.state.products[id]
	if !ok {
		return Product{}, domain.NotFoundError{Entity: domain.EntityProduct, ID: id}
	}
	before := cloneProduct(current)
	working := cloneProduct(current)
	if err := mutator(&working); err != nil {
		return Product{}, err
	}
	working.ID = id
	working.CreatedAt = before.CreatedAt
	working.UpdatedAt = tx.now
	working.CertificationIDs = dedupeStrings(working.CertificationIDs)
	tx.state.products[id] = cloneProduct(working)
	tx.recordChange(Change{Entity: domain.EntityProduct, Action: domain.ActionUpdate, Before: before, After: cloneProduct(working)})
	return cloneProduct(working), nil
}

// CreateCertification stores a certification; certificate hashes are unique.
func (tx *transaction) CreateCertification(c Certification) (Certification, error) {
	if c.ID == "" {
		c.ID = tx.store.newID()
	}
	if _, exists := tx.state.certifications[c.ID]; exists {
		return Certification{}, fmt.Errorf("certification %q already exists", c.ID)
	}
	if c.CertificateHash != "" {
		if existing, ok := tx.FindCertificationByHash(c.CertificateHash); ok {
			return Certification{}, domain.StateError{Entity: domain.EntityCertification, ID: existing.ID, Reason: "certificate hash already issued"}
		}
	}
	c.CreatedAt = tx.now
	c.UpdatedAt = tx.now
	tx.state.certifications[c.ID] = c
	tx.recordChange(Change{Entity: domain.EntityCertification, Action: domain.ActionCreate, After: c})
	return c, nil
}

// UpdateCertification mutates a certification. The certificate hash is immutable.
func (tx *transaction) UpdateCertification(id string, mutator func(*Certification) error) (Certification, error) {
	current, ok := tx.state.certifications[id]
	if !ok {
		return Certification{}, domain.NotFoundError{Entity: domain.EntityCertification, ID: id}
	}
	before := current
	if err := mutator(&current); err != nil {
		return Certification{}, err
	}
	current.ID = id
	current.CertificateHash = before.CertificateHash
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.certifications[id] = current
	tx.recordChange(Change{Entity: domain.EntityCertification, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateQRCode stores a QR code; hashes are globally unique.
func (tx *transaction) CreateQRCode(q QRCode) (QRCode, error) {
	if q.Hash == "" {
		return QRCode{}, domain.ValidationError{Field: "hash", Reason: "required"}
	}
	if _, exists := tx.state.qrcodes[q.Hash]; exists {
		return QRCode{}, domain.StateError{Entity: domain.EntityQRCode, ID: q.Hash, Reason: "hash already registered"}
	}
	q.CreatedAt = tx.now
	q.UpdatedAt = tx.now
	tx.state.qrcodes[q.Hash] = cloneQRCode(q)
	tx.recordChange(Change{Entity: domain.EntityQRCode, Action: domain.ActionCreate, After: cloneQRCode(q)})
	return cloneQRCode(q), nil
}

// UpdateQRCode mutates a QR code. The product binding and scan history cannot
// be rewritten through the mutator.
func (tx *transaction) UpdateQRCode(hash string, mutator func(*QRCode) error) (QRCode, error) {
	current, ok := tx.state.qrcodes[hash]
	if !ok {
		return QRCode{}, domain.NotFoundError{Entity: domain.EntityQRCode, ID: hash}
	}
	before := cloneQRCode(current)
	working := cloneQRCode(current)
	if err := mutator(&working); err != nil {
		return QRCode{}, err
	}
	working.Hash = hash
	working.ProductID = before.ProductID
	working.Scans = before.Scans
	working.CreatedAt = before.CreatedAt
	working.UpdatedAt = tx.now
	tx.state.qrcodes[hash] = cloneQRCode(working)
	tx.recordChange(Change{Entity: domain.EntityQRCode, Action: domain.ActionUpdate, Before: before, After: cloneQRCode(working)})
	return cloneQRCode(working), nil
}

// AppendScan adds an event to the QR code's scan history.
func (tx *transaction) AppendScan(hash string, event domain.ScanEvent) error {
	current, ok := tx.state.qrcodes[hash]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityQRCode, ID: hash}
	}
	before := cloneQRCode(current)
	working := cloneQRCode(current)
	if event.Timestamp.IsZero() {
		event.Timestamp = tx.now
	}
	working.Scans = append(working.Scans, event)
	tx.state.qrcodes[hash] = working
	tx.recordChange(Change{Entity: domain.EntityQRCode, Action: domain.ActionUpdate, Before: before, After: cloneQRCode(working)})
	return nil
}

// RecordMirror registers the store row mirroring a ledger transaction.
func (tx *transaction) RecordMirror(ref MirrorRef) error {
	if ref.TxRef == "" {
		return domain.ValidationError{Field: "tx_ref", Reason: "required"}
	}
	if existing, ok := tx.state.mirrors[ref.TxRef]; ok {
		return fmt.Errorf("transaction %s already mirrored to %s %s", ref.TxRef, existing.Entity, existing.EntityID)
	}
	tx.state.mirrors[ref.TxRef] = ref
	return nil
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// FindPrincipal retrieves a principal by ID.
func (v transactionView) FindPrincipal(id string) (Principal, bool) {
	p, ok := v.state.principals[id]
	if !ok {
		return Principal{}, false
	}
	return clonePrincipal(p), true
}

// FindFarmer retrieves a farmer by ID.
func (v transactionView) FindFarmer(id string) (Farmer, bool) {
	f, ok := v.state.farmers[id]
	return f, ok
}

// FindBatch retrieves a batch by ID.
func (v transactionView) FindBatch(id string) (Batch, bool) {
	b, ok := v.state.batches[id]
	if !ok {
		return Batch{}, false
	}
	return cloneBatch(b), true
}

// FindProduct retrieves a product by ID.
func (v transactionView) FindProduct(id string) (Product, bool) {
	p, ok := v.state.products[id]
	if !ok {
		return Product{}, false
	}
	return cloneProduct(p), true
}

// FindCertification retrieves a certification by ID.
func (v transactionView) FindCertification(id string) (Certification, bool) {
	c, ok := v.state.certifications[id]
	return c, ok
}

// FindCertificationByHash retrieves a certification by its certificate hash.
func (v transactionView) FindCertificationByHash(hash string) (Certification, bool) {
	for _, c := range v.state.certifications {
		if c.CertificateHash == hash {
			return c, true
		}
	}
	return Certification{}, false
}

// FindQRCode retrieves a QR code by hash.
func (v transactionView) FindQRCode(hash string) (QRCode, bool) {
	q, ok := v.state.qrcodes[hash]
	if !ok {
		return QRCode{}, false
	}
	return cloneQRCode(q), true
}

// FindMirror returns the store row that mirrors txRef.
func (v transactionView) FindMirror(txRef string) (MirrorRef, bool) {
	m, ok := v.state.mirrors[txRef]
	return m, ok
}

// ListFarmers returns all farmers ordered by ID.
func (v transactionView) ListFarmers() []Farmer {
	out := make([]Farmer, 0, len(v.state.farmers))
	for _, f := range v.state.farmers {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListBatches returns all batches ordered by ID.
func (v transactionView) ListBatches() []Batch {
	out := make([]Batch, 0, len(v.state.batches))
	for _, b := range v.state.batches {
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListProducts returns all products ordered by ID.
func (v transactionView) ListProducts() []Product {
	out := make([]Product, 0, len(v.state.products))
	for _, p := range v.state.products {
		out = append(out, cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListCertifications returns all certifications ordered by ID.
func (v transactionView) ListCertifications() []Certification {
	out := make([]Certification, 0, len(v.state.certifications))
	for _, c := range v.state.certifications {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListQRCodes returns all QR codes ordered by hash.
func (v transactionView) ListQRCodes() []QRCode {
	out := make([]QRCode, 0, len(v.state.qrcodes))
	for _, q := range v.state.qrcodes {
		out = append(out, cloneQRCode(q))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return values
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
