// Package core assembles the provenance services: record store backend,
// ledger client, identity registry, synchronizer, verification engine and
// orphan journal.
package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"organictrace/internal/blob"
	"organictrace/internal/chainsync"
	"organictrace/internal/identity"
	"organictrace/internal/ledger"
	"organictrace/internal/orphans"
	"organictrace/internal/records"
	"organictrace/internal/telemetry"
	"organictrace/internal/verify"
	"organictrace/pkg/domain"
	"os"
)

// Config holds everything needed to assemble a Service.
type Config struct {
	Storage StorageConfig
	Ledger  LedgerConfig
	Blob    blob.Config
	// AdminID is seeded with the admin capability at startup when set.
	AdminID string
	Mirror  chainsync.MirrorPolicy
	Verify  verify.Config
	Scans   verify.ScanConfig
}

// ConfigFromEnv reads the full service configuration from the environment.
func ConfigFromEnv() (Config, error) {
	ledgerCfg, err := LedgerConfigFromEnv()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Storage: StorageConfigFromEnv(),
		Ledger:  ledgerCfg,
		Blob:    blob.ConfigFromEnv(),
		AdminID: os.Getenv("ORGANICTRACE_ADMIN_ID"),
		Mirror:  chainsync.DefaultMirrorPolicy(),
		Verify:  verify.DefaultConfig(),
		Scans:   verify.DefaultScanConfig(),
	}, nil
}

// Service wires the provenance components together.
type Service struct {
	backend  domain.PersistentStore
	records  *records.Store
	ledger   ledger.Client
	chain    *ledger.Memory
	registry *identity.Registry
	journal  *orphans.Journal
	sync     *chainsync.Synchronizer
	verifier *verify.Engine
	scans    *verify.ScanRecorder
	logger   *slog.Logger
	metrics  telemetry.MetricsRecorder
	tracer   telemetry.Tracer
}

// Option customises service assembly.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	metrics telemetry.MetricsRecorder
	tracer  telemetry.Tracer
	backend domain.PersistentStore
	ledger  ledger.Client
	blobs   blob.Store
}

// WithLogger sets the structured logger shared by all components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics recorder shared by all components.
func WithMetrics(m telemetry.MetricsRecorder) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the tracer shared by all components.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithBackend uses store instead of opening the configured backend.
func WithBackend(store domain.PersistentStore) Option {
	return func(o *options) { o.backend = store }
}

// WithLedgerClient uses client instead of opening the configured ledger.
func WithLedgerClient(client ledger.Client) Option {
	return func(o *options) { o.ledger = client }
}

// WithBlobStore uses store for the orphan journal instead of the configured one.
func WithBlobStore(store blob.Store) Option {
	return func(o *options) { o.blobs = store }
}

// NewService assembles a Service from cfg.
func NewService(ctx context.Context, cfg Config, opts ...Option) (*Service, error) {
	o := options{
		logger:  slog.Default(),
		metrics: telemetry.NoopMetrics(),
		tracer:  telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	if o.backend == nil && o.ledger == nil {
		if err := CheckDriverPairing(cfg.Storage, cfg.Ledger); err != nil {
			return nil, err
		}
	}

	backend := o.backend
	if backend == nil {
		var err error
		if backend, err = OpenPersistentStore(ctx, cfg.Storage, NewDefaultRulesEngine()); err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	client := o.ledger
	var chain *ledger.Memory
	if client == nil {
		var err error
		if client, chain, err = OpenLedger(cfg.Ledger, o.logger); err != nil {
			closeBackend(backend)
			return nil, fmt.Errorf("open ledger: %w", err)
		}
	} else if mem, ok := client.(*ledger.Memory); ok {
		chain = mem
	}
	blobs := o.blobs
	if blobs == nil {
		var err error
		if blobs, err = blob.Open(ctx, cfg.Blob); err != nil {
			closeBackend(backend)
			return nil, fmt.Errorf("open blob store: %w", err)
		}
	}

	store := records.New(backend)
	registry := identity.NewRegistry(store, o.logger)
	journal := orphans.New(blobs)
	scans := verify.NewScanRecorder(store, cfg.Scans, o.logger, o.metrics)
	synchronizer := chainsync.New(store, client, registry,
		chainsync.WithJournal(journal),
		chainsync.WithMirrorPolicy(cfg.Mirror),
		chainsync.WithLogger(o.logger),
		chainsync.WithMetrics(o.metrics),
		chainsync.WithTracer(o.tracer),
	)
	verifier := verify.New(store, client, cfg.Verify,
		verify.WithLogger(o.logger),
		verify.WithMetrics(o.metrics),
		verify.WithTracer(o.tracer),
		verify.WithScanRecorder(scans),
	)
	svc := &Service{
		backend:  backend,
		records:  store,
		ledger:   client,
		chain:    chain,
		registry: registry,
		journal:  journal,
		sync:     synchronizer,
		verifier: verifier,
		scans:    scans,
		logger:   o.logger,
		metrics:  o.metrics,
		tracer:   o.tracer,
	}
	if cfg.AdminID != "" {
		if _, err := registry.Bootstrap(ctx, cfg.AdminID); err != nil {
			_ = svc.Close(ctx)
			return nil, fmt.Errorf("bootstrap admin: %w", err)
		}
	}
	return svc, nil
}

// Sync returns the chain-state synchronizer used for every mutation.
func (s *Service) Sync() *chainsync.Synchronizer { return s.sync }

// Verifier returns the verification engine.
func (s *Service) Verifier() *verify.Engine { return s.verifier }

// Records returns the record store.
func (s *Service) Records() *records.Store { return s.records }

// Registry returns the principal registry.
func (s *Service) Registry() *identity.Registry { return s.registry }

// Journal returns the orphan journal.
func (s *Service) Journal() *orphans.Journal { return s.journal }

// Ledger returns the ledger client.
func (s *Service) Ledger() ledger.Client { return s.ledger }

// Close flushes pending scan writes and releases the store backend.
func (s *Service) Close(ctx context.Context) error {
	err := s.scans.Close(ctx)
	closeBackend(s.backend)
	return err
}

func closeBackend(backend domain.PersistentStore) {
	if c, ok := backend.(io.Closer); ok {
		_ = c.Close()
	}
}
