package integration

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"organictrace/internal/blob"
	"organictrace/internal/chainsync"
	"organictrace/internal/core"
	blobfs "organictrace/internal/infra/blob/fs"
	blobmemory "organictrace/internal/infra/blob/memory"
	blobs3 "organictrace/internal/infra/blob/s3"
	"organictrace/internal/infra/persistence/memory"
	"organictrace/internal/infra/persistence/sqlite"
	"organictrace/internal/ledger"
	"organictrace/internal/telemetry"
	"organictrace/internal/verify"
	"organictrace/pkg/domain"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// faultyStore fails the next n transactions before delegating.
type faultyStore struct {
	domain.PersistentStore
	mu       sync.Mutex
	failures int
}

func (f *faultyStore) failNext(n int) {
	f.mu.Lock()
	f.failures = n
	f.mu.Unlock()
}

func (f *faultyStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return domain.Result{}, errors.New("store unavailable")
	}
	f.mu.Unlock()
	return f.PersistentStore.RunInTransaction(ctx, fn)
}

func testConfig() core.Config {
	return core.Config{
		AdminID: "admin",
		Mirror:  chainsync.MirrorPolicy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		Verify:  verify.DefaultConfig(),
		Scans:   verify.DefaultScanConfig(),
	}
}

// TestIntegrationSmoke runs the provenance workflow, a failed mirror and its
// repair against every in-process store and blob adapter.
func TestIntegrationSmoke(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	storeVariants := []struct {
		name string
		open func(t *testing.T) domain.PersistentStore
	}{
		{
			name: "memory-store",
			open: func(_ *testing.T) domain.PersistentStore {
				return memory.NewStore(core.NewDefaultRulesEngine())
			},
		},
		{
			name: "sqlite-store",
			open: func(t *testing.T) domain.PersistentStore {
				s, err := sqlite.NewStore(filepath.Join(t.TempDir(), "trace.db"), core.NewDefaultRulesEngine())
				if err != nil {
					t.Fatalf("new sqlite store: %v", err)
				}
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
		},
	}
	blobVariants := []struct {
		name string
		open func(t *testing.T) blob.Store
	}{
		{
			name: "memory-blob",
			open: func(_ *testing.T) blob.Store { return blobmemory.New() },
		},
		{
			name: "filesystem-blob",
			open: func(t *testing.T) blob.Store {
				fs, err := blobfs.New(t.TempDir())
				if err != nil {
					t.Fatalf("new filesystem blob: %v", err)
				}
				return fs
			},
		},
		{
			name: "mock-s3-blob",
			open: func(t *testing.T) blob.Store {
				s, err := blobs3.NewMock(ctx, "orphans")
				if err != nil {
					t.Fatalf("new mock s3 blob: %v", err)
				}
				return s
			},
		},
	}

	for _, sv := range storeVariants {
		for _, bv := range blobVariants {
			t.Run(sv.name+"/"+bv.name, func(t *testing.T) {
				backend := &faultyStore{PersistentStore: sv.open(t)}
				chain := ledger.NewMemory()
				var traces bytes.Buffer
				tracer := telemetry.NewJSONTracer(&traces)
				svc, err := core.NewService(ctx, testConfig(),
					core.WithLogger(logger),
					core.WithTracer(tracer),
					core.WithBackend(backend),
					core.WithLedgerClient(chain),
					core.WithBlobStore(bv.open(t)),
				)
				if err != nil {
					t.Fatalf("new service: %v", err)
				}
				defer func() { _ = svc.Close(ctx) }()

				s := svc.Sync()
				if _, err := s.RegisterFarmer(ctx, chainsync.RegisterFarmerRequest{Actor: "admin", PrincipalID: "farmer-1", Name: "Hill Farm"}); err != nil {
					t.Fatalf("register farmer: %v", err)
				}
				product, err := s.CreateProduct(ctx, chainsync.CreateProductRequest{Actor: "farmer-1", Name: "Eggs", IsOrganic: true})
				if err != nil {
					t.Fatalf("create product: %v", err)
				}

				backend.failNext(2)
				_, err = s.RegisterQRCode(ctx, chainsync.RegisterQRCodeRequest{Actor: "farmer-1", Hash: "qr-1", ProductID: product.ID})
				var recon domain.ReconciliationError
				if !errors.As(err, &recon) {
					t.Fatalf("expected reconciliation error, got %v", err)
				}
				report, err := svc.Audit(ctx)
				if err != nil {
					t.Fatalf("audit: %v", err)
				}
				if report.PendingOrphans != 1 {
					t.Fatalf("expected one pending orphan, got %+v", report)
				}

				if _, err := s.Repair(ctx, recon.TxRef); err != nil {
					t.Fatalf("repair: %v", err)
				}
				res, err := svc.Verifier().VerifyQRCode(ctx, "qr-1", verify.Scan{Location: "Market"})
				if err != nil {
					t.Fatalf("verify: %v", err)
				}
				if !res.Verified || res.ProductID != product.ID {
					t.Fatalf("expected verified qr code for %s, got %+v", product.ID, res)
				}
				report, err = svc.Audit(ctx)
				if err != nil {
					t.Fatalf("audit: %v", err)
				}
				if !report.Consistent() {
					t.Fatalf("expected consistent store after repair, got %+v", report)
				}
				if err := chain.Verify(); err != nil {
					t.Fatalf("ledger chain: %v", err)
				}

				if traces.Len() == 0 {
					t.Fatalf("expected trace exporter to emit spans")
				}
				var repaired bool
				for _, entry := range tracer.Entries() {
					if entry.Operation == "repair" && entry.Status == "success" {
						repaired = true
					}
				}
				if !repaired {
					t.Fatalf("expected successful repair span, got %+v", tracer.Entries())
				}
			})
		}
	}
}

// TestSQLiteRestartKeepsProvenance reopens the sqlite store and checks that
// mirrored rows still verify against the same ledger.
func TestSQLiteRestartKeepsProvenance(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "trace.db")
	chain := ledger.NewMemory()
	journal := blobmemory.New()

	open := func() *core.Service {
		store, err := sqlite.NewStore(path, core.NewDefaultRulesEngine())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		svc, err := core.NewService(ctx, testConfig(),
			core.WithLogger(logger),
			core.WithBackend(store),
			core.WithLedgerClient(chain),
			core.WithBlobStore(journal),
		)
		if err != nil {
			t.Fatalf("new service: %v", err)
		}
		return svc
	}

	svc := open()
	if _, err := svc.Sync().RegisterFarmer(ctx, chainsync.RegisterFarmerRequest{Actor: "admin", PrincipalID: "farmer-1", Name: "Hill Farm"}); err != nil {
		t.Fatalf("register farmer: %v", err)
	}
	product, err := svc.Sync().CreateProduct(ctx, chainsync.CreateProductRequest{Actor: "farmer-1", Name: "Honey", IsOrganic: true})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	if _, err := svc.Sync().RegisterQRCode(ctx, chainsync.RegisterQRCodeRequest{Actor: "farmer-1", Hash: "qr-honey", ProductID: product.ID}); err != nil {
		t.Fatalf("register qr: %v", err)
	}
	if err := svc.Close(ctx); err != nil {
		t.Fatalf("close service: %v", err)
	}

	svc = open()
	defer func() { _ = svc.Close(ctx) }()
	res, err := svc.Verifier().VerifyQRCode(ctx, "qr-honey", verify.Scan{})
	if err != nil {
		t.Fatalf("verify after restart: %v", err)
	}
	if !res.Verified {
		t.Fatalf("expected verified after restart, got %+v", res)
	}
	report, err := svc.Audit(ctx)
	if err != nil {
		t.Fatalf("audit after restart: %v", err)
	}
	if !report.Consistent() {
		t.Fatalf("expected consistent audit after restart, got %+v", report)
	}
}
