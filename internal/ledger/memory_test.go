package ledger

import (
	"context"
	"organictrace/pkg/domain"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryAllocatesIDsAndChainsEntries(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	_, err := l.Submit(ctx, OpRegisterFarmer, Args{ArgPrincipal: "farmer-1", ArgName: "Green Acres"}, "admin")
	require.NoError(t, err)
	batch, err := l.Submit(ctx, OpCreateBatch, Args{}, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, "1", batch.AssignedID)

	product, err := l.Submit(ctx, OpCreateProduct, Args{ArgBatchID: batch.AssignedID, ArgName: "Kale"}, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, "1", product.AssignedID)
	assert.NotEqual(t, batch.TxRef, product.TxRef)

	assert.Equal(t, 3, l.Len())
	require.NoError(t, l.Verify())

	entries := l.Entries()
	assert.Equal(t, entries[1].Hash, entries[2].PrevHash)
}

func TestMemoryCreateProductWithoutBatchAllocatesBatch(t *testing.T) {
	l := NewMemory()
	receipt, err := l.Submit(context.Background(), OpCreateProduct, Args{ArgName: "Kale"}, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, "1", receipt.Related[RelatedBatchID])

	next, err := l.Submit(context.Background(), OpCreateBatch, Args{}, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, "2", next.AssignedID)
}

func TestMemoryRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()

	_, err := l.Submit(ctx, OpRegisterFarmer, Args{ArgPrincipal: "farmer-1"}, "admin")
	require.NoError(t, err)
	_, err = l.Submit(ctx, OpRegisterFarmer, Args{ArgPrincipal: "farmer-1"}, "admin")
	var le domain.LedgerError
	require.ErrorAs(t, err, &le)
	assert.False(t, le.Transient)
	assert.ErrorIs(t, err, ErrRejected)

	_, err = l.Submit(ctx, OpRegisterQRCode, Args{ArgHash: "qr-1", ArgProductID: "99"}, "farmer-1")
	require.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, 1, l.Len())
}

func TestMemoryNonceDeduplicatesResubmission(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	args := Args{ArgNonce: "n-1"}

	first, err := l.Submit(ctx, OpCreateBatch, args, "farmer-1")
	require.NoError(t, err)
	second, err := l.Submit(ctx, OpCreateBatch, args, "farmer-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, l.Len())
}

func TestMemoryQueries(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	product, err := l.Submit(ctx, OpCreateProduct, Args{}, "farmer-1")
	require.NoError(t, err)
	qr, err := l.Submit(ctx, OpRegisterQRCode, Args{ArgHash: "qr-1", ArgProductID: product.AssignedID}, "farmer-1")
	require.NoError(t, err)

	v, err := l.Query(ctx, QueryQRCodeRegistered, Args{ArgHash: "qr-1", ArgProductID: product.AssignedID})
	require.NoError(t, err)
	ok, err := v.Bool()
	require.NoError(t, err)
	assert.True(t, ok)

	v, err = l.Query(ctx, QueryQRCodeRegistered, Args{ArgHash: "qr-1", ArgProductID: "other"})
	require.NoError(t, err)
	assert.Equal(t, Value("false"), v)

	v, err = l.Query(ctx, QueryTransactionRecorded, Args{ArgTxRef: qr.TxRef})
	require.NoError(t, err)
	assert.Equal(t, Value("true"), v)

	cert, err := l.Submit(ctx, OpIssueCertification, Args{ArgCertificateHash: "c-1"}, "admin")
	require.NoError(t, err)
	_, err = l.Submit(ctx, OpRevokeCertification, Args{ArgCertificationID: cert.AssignedID}, "admin")
	require.NoError(t, err)
	v, err = l.Query(ctx, QueryCertificationValid, Args{ArgCertificationID: cert.AssignedID})
	require.NoError(t, err)
	assert.Equal(t, Value("false"), v)
}

func TestMemoryFaultInjection(t *testing.T) {
	ctx := context.Background()
	l := NewMemory()
	l.FailSubmits(errors.New("connection reset"), errors.Wrap(ErrRejected, "nope"))

	_, err := l.Submit(ctx, OpCreateBatch, Args{}, "farmer-1")
	var le domain.LedgerError
	require.ErrorAs(t, err, &le)
	assert.True(t, le.Transient)

	_, err = l.Submit(ctx, OpCreateBatch, Args{}, "farmer-1")
	require.ErrorAs(t, err, &le)
	assert.False(t, le.Transient)

	_, err = l.Submit(ctx, OpCreateBatch, Args{}, "farmer-1")
	require.NoError(t, err)
	assert.Equal(t, 1, l.Len())

	l.FailQueries(errors.New("timeout"))
	_, err = l.Query(ctx, QueryFarmerRegistered, Args{ArgPrincipal: "x"})
	require.Error(t, err)
	assert.Equal(t, domain.KindLedger, domain.KindOf(err))
}

func TestValueBool(t *testing.T) {
	_, err := Value("maybe").Bool()
	require.Error(t, err)
}
