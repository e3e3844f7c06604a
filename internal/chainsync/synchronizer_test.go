package chainsync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"organictrace/internal/identity"
	blobmemory "organictrace/internal/infra/blob/memory"
	"organictrace/internal/infra/persistence/memory"
	"organictrace/internal/ledger"
	"organictrace/internal/orphans"
	"organictrace/internal/records"
	"organictrace/pkg/domain"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// flakyBackend fails RunInTransaction while failures remain. With
// commitFirst set the transaction commits before the error is reported.
type flakyBackend struct {
	domain.PersistentStore
	mu          sync.Mutex
	failures    int
	commitFirst bool
	calls       int
}

func (f *flakyBackend) fail(n int, commitFirst bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
	f.commitFirst = commitFirst
}

func (f *flakyBackend) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	f.mu.Lock()
	f.calls++
	failing := f.failures > 0
	if failing {
		f.failures--
	}
	commitFirst := f.commitFirst
	f.mu.Unlock()

	if !failing {
		return f.PersistentStore.RunInTransaction(ctx, fn)
	}
	if commitFirst {
		if res, err := f.PersistentStore.RunInTransaction(ctx, fn); err != nil {
			return res, err
		}
	}
	return domain.Result{}, errors.New("connection reset by peer")
}

type fixture struct {
	sync    *Synchronizer
	store   *records.Store
	ledger  *ledger.Memory
	backend *flakyBackend
	journal *orphans.Journal
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	backend := &flakyBackend{PersistentStore: memory.NewStore(nil)}
	store := records.New(backend)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := identity.NewRegistry(store, logger)
	_, err := registry.Bootstrap(context.Background(), "admin")
	require.NoError(t, err)
	client := ledger.NewMemory()
	journal := orphans.New(blobmemory.New())
	s := New(store, client, registry,
		WithJournal(journal),
		WithLogger(logger),
		WithMirrorPolicy(MirrorPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}),
	)
	return fixture{sync: s, store: store, ledger: client, backend: backend, journal: journal}
}

func (f fixture) registerFarmer(t *testing.T, id string) {
	t.Helper()
	_, err := f.sync.RegisterFarmer(context.Background(), RegisterFarmerRequest{Actor: "admin", PrincipalID: id, Name: "Farm " + id, Location: "Valley"})
	require.NoError(t, err)
}

func (f fixture) grant(t *testing.T, id string, capability domain.Capability) {
	t.Helper()
	_, err := f.sync.GrantCapability(context.Background(), GrantCapabilityRequest{Actor: "admin", PrincipalID: id, Capability: capability})
	require.NoError(t, err)
}

func TestFarmerBatchScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	f.grant(t, "proc-1", domain.CapabilityProcessor)

	farmer, err := f.store.Farmer(ctx, "farmer-1")
	require.NoError(t, err)
	assert.True(t, farmer.Active)
	assert.True(t, farmer.LedgerRef.Mirrored())

	apples, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Apples", IsOrganic: true, Location: "Orchard"})
	require.NoError(t, err)
	implicit, err := f.store.Batch(ctx, apples.BatchID)
	require.NoError(t, err)
	assert.Equal(t, []string{apples.ID}, implicit.ProductIDs)
	assert.NotEmpty(t, implicit.LedgerID)
	require.Len(t, implicit.Records, 1)
	assert.Equal(t, domain.BatchCreatedAction, implicit.Records[0].Action)

	batch, err := f.sync.CreateBatch(ctx, CreateBatchRequest{Actor: "farmer-1", ProductIDs: []string{apples.ID}, ProcessingMethods: []string{"washed"}, Location: "Barn"})
	require.NoError(t, err)
	assert.Equal(t, []string{apples.ID}, batch.ProductIDs)
	moved, err := f.store.Product(ctx, apples.ID)
	require.NoError(t, err)
	assert.Equal(t, batch.ID, moved.BatchID)

	rec, err := f.sync.AppendRecord(ctx, AppendRecordRequest{Actor: "proc-1", BatchID: batch.ID, Action: "PROCESSED", Location: "Plant"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Sequence)
	assert.Equal(t, domain.CapabilityProcessor, rec.HandlerRole)
	assert.NotEmpty(t, rec.TxRef)

	batch, err = f.store.Batch(ctx, batch.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"farmer-1", "proc-1"}, batch.HandlerIDs)
	require.NoError(t, f.ledger.Verify())
}

func TestValidationAndAuthorizationLeaveNoLedgerTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	f.grant(t, "shopper", domain.CapabilityConsumer)
	before := f.ledger.Len()

	_, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1"})
	var verr domain.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "name", verr.Field)

	_, err = f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "shopper", Name: "Pears"})
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))

	_, err = f.sync.IssueCertification(ctx, IssueCertificationRequest{
		Actor: "admin", Name: "EU Organic", Issuer: "Control Body", CertificateHash: "c1",
		IssueDate: time.Now(), ExpiryDate: time.Now().Add(-time.Hour),
	})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "expiry_date", verr.Field)

	missing := "no-such-batch"
	_, err = f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Pears", BatchID: &missing})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	assert.Equal(t, before, f.ledger.Len())
}

func TestMirrorFailureReturnsReconciliationErrorAndRepairs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	before := f.ledger.Len()

	f.backend.fail(10, false)
	_, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Kale"})
	var recon domain.ReconciliationError
	require.True(t, errors.As(err, &recon))
	require.Equal(t, before+1, f.ledger.Len())
	entries := f.ledger.Entries()
	txRef := entries[len(entries)-1].TxRef
	assert.Equal(t, txRef, recon.TxRef)
	assert.Equal(t, 3, recon.Attempts)
	assert.Equal(t, string(ledger.OpCreateProduct), recon.Operation)

	pending, err := f.sync.Orphans(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, txRef, pending[0].TxRef)

	f.backend.fail(0, false)
	resolved, err := f.sync.Repair(ctx, txRef)
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)

	mirror, ok, err := f.store.Mirror(ctx, txRef)
	require.NoError(t, err)
	require.True(t, ok)
	product, err := f.store.Product(ctx, mirror.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Kale", product.Name)
	assert.Equal(t, "farmer-1", product.FarmerID)

	pending, err = f.sync.Orphans(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, err = f.sync.Repair(ctx, txRef)
	assert.True(t, errors.Is(err, orphans.ErrUnknown))
}

func TestRepairResolvesAlreadyMirroredTransaction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	product, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Leeks"})
	require.NoError(t, err)

	_, err = f.journal.Record(ctx, orphans.Entry{TxRef: product.TxRef, Operation: string(ledger.OpCreateProduct), Request: []byte(`{"actor":"farmer-1","name":"Leeks"}`)})
	require.NoError(t, err)
	_, err = f.sync.Repair(ctx, product.TxRef)
	require.NoError(t, err)

	var count int
	for _, p := range listProducts(t, f.store) {
		if p.Name == "Leeks" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestPermanentMirrorErrorStopsRetrying(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	product, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Beets"})
	require.NoError(t, err)

	// Registered on the ledger but taken in the store between precheck
	// and mirror.
	_, err = f.store.RegisterQRCode(ctx, "qr-race", product.ID, domain.LedgerRef{})
	require.NoError(t, err)

	var recon domain.ReconciliationError
	err = f.sync.mirrorWithRetry(ctx, submission{
		ledgerOp: ledger.OpRegisterQRCode,
		actor:    "farmer-1",
		request:  RegisterQRCodeRequest{Actor: "farmer-1", Hash: "qr-race", ProductID: product.ID},
		mirror: func(ctx context.Context, receipt ledger.Receipt) error {
			_, err := f.sync.mirrorRegisterQRCode(ctx, RegisterQRCodeRequest{Hash: "qr-race", ProductID: product.ID}, receipt)
			return err
		},
	}, ledger.Receipt{TxRef: "0xrace"})
	require.True(t, errors.As(err, &recon))
	assert.Equal(t, 1, recon.Attempts)
	assert.Equal(t, domain.KindState, domain.KindOf(recon.Err))
}

func TestCommittedMirrorRetryDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	product, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Carrots"})
	require.NoError(t, err)

	f.backend.fail(1, true)
	rec, err := f.sync.AppendRecord(ctx, AppendRecordRequest{Actor: "farmer-1", BatchID: product.BatchID, Action: "HARVESTED"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Sequence)

	records, err := f.store.Records(ctx, product.BatchID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestConcurrentAppendsAllocateContiguousSequences(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	product, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Wheat"})
	require.NoError(t, err)

	const n = 16
	for i := 0; i < n; i++ {
		f.grant(t, fmt.Sprintf("handler-%02d", i), domain.CapabilityDistributor)
	}

	var g errgroup.Group
	for i := 0; i < n; i++ {
		actor := fmt.Sprintf("handler-%02d", i)
		g.Go(func() error {
			_, err := f.sync.AppendRecord(ctx, AppendRecordRequest{Actor: actor, BatchID: product.BatchID, Action: "SHIPPED"})
			return err
		})
	}
	require.NoError(t, g.Wait())

	batch, err := f.store.Batch(ctx, product.BatchID)
	require.NoError(t, err)
	require.Len(t, batch.Records, n+1)
	for i, rec := range batch.Records {
		assert.Equal(t, uint64(i+1), rec.Sequence)
	}
	assert.Len(t, batch.HandlerIDs, n+1)
}

func TestAttachRevokedCertificationLeavesProductUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	product, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Oats"})
	require.NoError(t, err)
	cert, err := f.sync.IssueCertification(ctx, IssueCertificationRequest{
		Actor: "admin", Name: "EU Organic", Issuer: "Control Body", CertificateHash: "cert-1",
		IssueDate: time.Now().Add(-time.Hour), ExpiryDate: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)

	attached, err := f.sync.AttachCertification(ctx, AttachCertificationRequest{Actor: "farmer-1", ProductID: product.ID, CertificationID: cert.ID})
	require.NoError(t, err)
	assert.Equal(t, []string{cert.ID}, attached.CertificationIDs)

	revoked, err := f.sync.RevokeCertification(ctx, RevokeCertificationRequest{Actor: "admin", CertificationID: cert.ID})
	require.NoError(t, err)
	assert.False(t, revoked.IsValid)

	other, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Rye"})
	require.NoError(t, err)
	before := f.ledger.Len()
	_, err = f.sync.AttachCertification(ctx, AttachCertificationRequest{Actor: "farmer-1", ProductID: other.ID, CertificationID: cert.ID})
	var serr domain.StateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, before, f.ledger.Len())

	unchanged, err := f.store.Product(ctx, other.ID)
	require.NoError(t, err)
	assert.Empty(t, unchanged.CertificationIDs)
	kept, err := f.store.Product(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{cert.ID}, kept.CertificationIDs)
}

func TestLedgerRejectionLeavesStoreUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	f.ledger.FailSubmits(errors.Wrap(ledger.ErrRejected, "gas exhausted"))

	_, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Barley"})
	var lerr domain.LedgerError
	require.True(t, errors.As(err, &lerr))
	assert.False(t, lerr.Transient)
	assert.Empty(t, listProducts(t, f.store))
}

func TestStoreOnlyOperations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	product, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Plums"})
	require.NoError(t, err)
	_, err = f.sync.RegisterQRCode(ctx, RegisterQRCodeRequest{Actor: "farmer-1", Hash: "qr-1", ProductID: product.ID})
	require.NoError(t, err)
	before := f.ledger.Len()

	_, err = f.sync.DeactivateQRCode(ctx, "farmer-1", "qr-1")
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))
	qr, err := f.sync.DeactivateQRCode(ctx, "admin", "qr-1")
	require.NoError(t, err)
	assert.False(t, qr.Active)

	batch, err := f.sync.DeactivateBatch(ctx, "admin", product.BatchID)
	require.NoError(t, err)
	assert.False(t, batch.Active)
	_, err = f.sync.AppendRecord(ctx, AppendRecordRequest{Actor: "farmer-1", BatchID: product.BatchID, Action: "LATE"})
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	farmer, err := f.sync.DeactivateFarmer(ctx, "admin", "farmer-1")
	require.NoError(t, err)
	assert.False(t, farmer.Active)
	assert.Equal(t, before, f.ledger.Len())
}

func listProducts(t *testing.T, store *records.Store) []domain.Product {
	t.Helper()
	var out []domain.Product
	require.NoError(t, store.Backend().View(context.Background(), func(v domain.TransactionView) error {
		out = v.ListProducts()
		return nil
	}))
	return out
}

func TestDeactivatedFarmerCannotSubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerFarmer(t, "farmer-1")
	product, err := f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Spelt"})
	require.NoError(t, err)
	_, err = f.sync.DeactivateFarmer(ctx, "admin", "farmer-1")
	require.NoError(t, err)
	before := f.ledger.Len()

	_, err = f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-1", Name: "Millet"})
	var serr domain.StateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, domain.EntityFarmer, serr.Entity)

	_, err = f.sync.AppendRecord(ctx, AppendRecordRequest{Actor: "farmer-1", BatchID: product.BatchID, Action: "HARVESTED"})
	assert.Equal(t, domain.KindState, domain.KindOf(err))
	_, err = f.sync.RegisterQRCode(ctx, RegisterQRCodeRequest{Actor: "farmer-1", Hash: "qr-late", ProductID: product.ID})
	assert.Equal(t, domain.KindState, domain.KindOf(err))
	_, err = f.sync.CreateBatch(ctx, CreateBatchRequest{Actor: "farmer-1", ProductIDs: []string{product.ID}})
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	assert.Equal(t, before, f.ledger.Len())
	batch, err := f.store.Batch(ctx, product.BatchID)
	require.NoError(t, err)
	assert.Len(t, batch.Records, 1)
	assert.Len(t, listProducts(t, f.store), 1)

	// Other principals are unaffected.
	f.registerFarmer(t, "farmer-2")
	_, err = f.sync.CreateProduct(ctx, CreateProductRequest{Actor: "farmer-2", Name: "Millet"})
	require.NoError(t, err)
}

func TestRevokeRevokedCertificationSkipsLedger(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	cert, err := f.sync.IssueCertification(ctx, IssueCertificationRequest{
		Actor: "admin", Name: "EU Organic", Issuer: "Control Body", CertificateHash: "cert-2",
		IssueDate: time.Now().Add(-time.Hour), ExpiryDate: time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	_, err = f.sync.RevokeCertification(ctx, RevokeCertificationRequest{Actor: "admin", CertificationID: cert.ID})
	require.NoError(t, err)
	before := f.ledger.Len()

	_, err = f.sync.RevokeCertification(ctx, RevokeCertificationRequest{Actor: "admin", CertificationID: cert.ID})
	var serr domain.StateError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, "certification already revoked", serr.Reason)
	assert.Equal(t, before, f.ledger.Len())
}
