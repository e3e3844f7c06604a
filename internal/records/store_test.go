package records

import (
	"context"
	"organictrace/internal/infra/persistence/memory"
	"organictrace/pkg/domain"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(memory.NewStore(nil))
	ctx := context.Background()
	_, err := s.GrantCapability(ctx, "admin", domain.CapabilityAdmin, domain.LedgerRef{})
	require.NoError(t, err)
	_, err = s.RegisterFarmer(ctx, RegisterFarmerInput{PrincipalID: "farmer-1", Name: "Green Acres"}, domain.LedgerRef{TxRef: "0xf1", LedgerID: "farmer-1"})
	require.NoError(t, err)
	return s
}

func TestMirroredWriteReplaysExistingRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	ref := domain.LedgerRef{TxRef: "0xp1", LedgerID: "1"}
	first, err := s.CreateProduct(ctx, CreateProductInput{Name: "Apples", Creator: "farmer-1"}, ref, domain.LedgerRef{LedgerID: "1"})
	require.NoError(t, err)
	second, err := s.CreateProduct(ctx, CreateProductInput{Name: "Apples", Creator: "farmer-1"}, ref, domain.LedgerRef{LedgerID: "1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	var products []domain.Product
	require.NoError(t, s.Backend().View(ctx, func(v domain.TransactionView) error {
		products = v.ListProducts()
		return nil
	}))
	assert.Len(t, products, 1)

	mirror, ok, err := s.Mirror(ctx, "0xp1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EntityProduct, mirror.Entity)
	assert.Equal(t, first.ID, mirror.EntityID)
}

func TestImplicitBatchHoldsOnlyItsProduct(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	product, err := s.CreateProduct(ctx, CreateProductInput{Name: "Kale", Creator: "farmer-1", Location: "Field 3"}, domain.LedgerRef{TxRef: "0xk"}, domain.LedgerRef{LedgerID: "7"})
	require.NoError(t, err)
	batch, err := s.Batch(ctx, product.BatchID)
	require.NoError(t, err)
	assert.Equal(t, []string{product.ID}, batch.ProductIDs)
	assert.Equal(t, "7", batch.LedgerID)
	assert.Equal(t, "0xk", batch.TxRef)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, domain.CapabilityFarmer, batch.Records[0].HandlerRole)
	assert.Equal(t, "Field 3", batch.Records[0].Location)
}

func TestAppendReplayReturnsSameRecord(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	product, err := s.CreateProduct(ctx, CreateProductInput{Name: "Oats", Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xo"}, domain.LedgerRef{})
	require.NoError(t, err)

	in := AppendInput{BatchID: product.BatchID, PrincipalID: "farmer-1", Action: "HARVESTED"}
	rec, err := s.AddTraceabilityRecord(ctx, in, domain.LedgerRef{TxRef: "0xa1"})
	require.NoError(t, err)
	again, err := s.AddTraceabilityRecord(ctx, in, domain.LedgerRef{TxRef: "0xa1"})
	require.NoError(t, err)
	assert.Equal(t, rec, again)

	records, err := s.Records(ctx, product.BatchID)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, uint64(2), records[1].Sequence)
}

func TestAppendRequiresHandlerCapability(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	product, err := s.CreateProduct(ctx, CreateProductInput{Name: "Rye", Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xr"}, domain.LedgerRef{})
	require.NoError(t, err)

	err = s.CheckAppend(ctx, product.BatchID, "admin")
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))
	_, err = s.AddTraceabilityRecord(ctx, AppendInput{BatchID: product.BatchID, PrincipalID: "stranger", Action: "X"}, domain.LedgerRef{})
	assert.Equal(t, domain.KindAuthorization, domain.KindOf(err))
}

func TestCreateBatchMovesProducts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	a, err := s.CreateProduct(ctx, CreateProductInput{Name: "A", Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xa"}, domain.LedgerRef{})
	require.NoError(t, err)
	b, err := s.CreateProduct(ctx, CreateProductInput{Name: "B", Creator: "farmer-1", BatchID: &a.BatchID}, domain.LedgerRef{TxRef: "0xb"}, domain.LedgerRef{})
	require.NoError(t, err)

	batch, err := s.CreateBatch(ctx, CreateBatchInput{ProductIDs: []string{a.ID}, Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xbatch", LedgerID: "9"})
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, batch.ProductIDs)

	old, err := s.Batch(ctx, a.BatchID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, old.ProductIDs)

	err = s.CheckCreateBatch(ctx, []string{"missing"})
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestCertificationLifecycle(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	backend := memory.NewStore(nil)
	backend.SetNowFunc(func() time.Time { return now })
	s := New(backend, WithClock(func() time.Time { return now }))
	product, err := s.CreateProduct(ctx, CreateProductInput{Name: "Milk", Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xm"}, domain.LedgerRef{})
	require.NoError(t, err)

	cert, err := s.IssueCertification(ctx, IssueCertificationInput{
		Name: "EU Organic", Issuer: "CB", CertificateHash: "h1",
		IssueDate: now.AddDate(-1, 0, 0), ExpiryDate: now.AddDate(1, 0, 0),
	}, domain.LedgerRef{TxRef: "0xc1", LedgerID: "1"})
	require.NoError(t, err)
	assert.True(t, cert.IsValid)

	err = s.CheckIssueCertification(ctx, "h1")
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	expired, err := s.IssueCertification(ctx, IssueCertificationInput{
		Name: "Old", Issuer: "CB", CertificateHash: "h2",
		IssueDate: now.AddDate(-2, 0, 0), ExpiryDate: now.AddDate(-1, 0, 0),
	}, domain.LedgerRef{TxRef: "0xc2", LedgerID: "2"})
	require.NoError(t, err)
	_, err = s.AttachCertification(ctx, product.ID, expired.ID, domain.LedgerRef{TxRef: "0xatt0"})
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	attached, err := s.AttachCertification(ctx, product.ID, cert.ID, domain.LedgerRef{TxRef: "0xatt1"})
	require.NoError(t, err)
	assert.Equal(t, []string{cert.ID}, attached.CertificationIDs)

	require.NoError(t, s.CheckRevokeCertification(ctx, cert.ID))
	_, err = s.RevokeCertification(ctx, cert.ID, domain.LedgerRef{TxRef: "0xrev"})
	require.NoError(t, err)
	err = s.CheckRevokeCertification(ctx, cert.ID)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
	kept, err := s.Product(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{cert.ID}, kept.CertificationIDs)

	detached, err := s.DetachCertification(ctx, product.ID, cert.ID)
	require.NoError(t, err)
	assert.Empty(t, detached.CertificationIDs)
	_, err = s.DetachCertification(ctx, product.ID, cert.ID)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
}

func TestQRCodeUniquenessAndScans(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	product, err := s.CreateProduct(ctx, CreateProductInput{Name: "Honey", Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xh"}, domain.LedgerRef{})
	require.NoError(t, err)

	_, err = s.RegisterQRCode(ctx, "qr-1", product.ID, domain.LedgerRef{TxRef: "0xq"})
	require.NoError(t, err)
	err = s.CheckRegisterQRCode(ctx, "qr-1", product.ID)
	assert.Equal(t, domain.KindState, domain.KindOf(err))
	err = s.CheckRegisterQRCode(ctx, "qr-2", "missing")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	require.NoError(t, s.AppendScan(ctx, "qr-1", domain.ScanEvent{Timestamp: time.Now(), Location: "Shop"}))
	qr, err := s.QRCode(ctx, "qr-1")
	require.NoError(t, err)
	require.Len(t, qr.Scans, 1)
	assert.Equal(t, "Shop", qr.Scans[0].Location)

	qr, err = s.DeactivateQRCode(ctx, "qr-1")
	require.NoError(t, err)
	assert.False(t, qr.Active)
}

func TestRegisterFarmerTwiceFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	err := s.CheckRegisterFarmer(ctx, "farmer-1")
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	principal, err := s.Principal(ctx, "farmer-1")
	require.NoError(t, err)
	assert.Contains(t, principal.Capabilities, domain.CapabilityFarmer)

	farmer, err := s.DeactivateFarmer(ctx, "farmer-1")
	require.NoError(t, err)
	assert.False(t, farmer.Active)
}

func TestDeactivatedFarmerWritesRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	product, err := s.CreateProduct(ctx, CreateProductInput{Name: "Pears", Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xpe"}, domain.LedgerRef{})
	require.NoError(t, err)
	require.NoError(t, s.CheckActorActive(ctx, "farmer-1"))
	_, err = s.DeactivateFarmer(ctx, "farmer-1")
	require.NoError(t, err)

	assert.Equal(t, domain.KindState, domain.KindOf(s.CheckActorActive(ctx, "farmer-1")))
	require.NoError(t, s.CheckActorActive(ctx, "admin"))

	_, err = s.CreateProduct(ctx, CreateProductInput{Name: "Quince", Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xq"}, domain.LedgerRef{})
	assert.Equal(t, domain.KindState, domain.KindOf(err))
	_, err = s.AddTraceabilityRecord(ctx, AppendInput{BatchID: product.BatchID, PrincipalID: "farmer-1", Action: "PACKED"}, domain.LedgerRef{TxRef: "0xpk"})
	assert.Equal(t, domain.KindState, domain.KindOf(err))

	// Rows mirrored before deactivation still replay.
	replayed, err := s.CreateProduct(ctx, CreateProductInput{Name: "Pears", Creator: "farmer-1"}, domain.LedgerRef{TxRef: "0xpe"}, domain.LedgerRef{})
	require.NoError(t, err)
	assert.Equal(t, product.ID, replayed.ID)
}
