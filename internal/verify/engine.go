// Package verify answers whether a QR code or certificate is genuine by
// reading the record store and cross-checking the ledger.
package verify

import (
	"context"
	"log/slog"
	"organictrace/internal/ledger"
	"organictrace/internal/records"
	"organictrace/internal/telemetry"
	"organictrace/pkg/domain"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
)

// Reason explains a verification outcome.
type Reason string

// Verification outcomes.
const (
	ReasonVerified       Reason = "verified"
	ReasonNotFound       Reason = "not-found"
	ReasonDeactivated    Reason = "deactivated"
	ReasonLedgerMismatch Reason = "ledger-mismatch"
	ReasonExpired        Reason = "expired"
	ReasonRevoked        Reason = "revoked"
)

// Result is the answer to a verification request.
type Result struct {
	Verified        bool      `json:"verified"`
	Reason          Reason    `json:"reason"`
	ProductID       string    `json:"product_id,omitempty"`
	CertificationID string    `json:"certification_id,omitempty"`
	CheckedAt       time.Time `json:"checked_at"`
}

// Scan describes who scanned a QR code and where.
type Scan struct {
	PrincipalID string `json:"principal_id,omitempty"`
	Location    string `json:"location,omitempty"`
}

// Config tunes an Engine.
type Config struct {
	// CacheSize bounds the number of remembered positive ledger answers.
	CacheSize int
	// CacheTTL expires remembered answers. Zero keeps them until evicted.
	CacheTTL time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{CacheSize: 4096, CacheTTL: 10 * time.Minute}
}

// Engine performs verification lookups.
type Engine struct {
	store    *records.Store
	ledger   ledger.Client
	scans    *ScanRecorder
	positive *expirable.LRU[string, struct{}]
	logger   *slog.Logger
	metrics  telemetry.MetricsRecorder
	tracer   telemetry.Tracer
	now      func() time.Time
}

// Option customises an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.MetricsRecorder) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(e *Engine) {
		if t != nil {
			e.tracer = t
		}
	}
}

// WithClock overrides the clock used for expiry checks and timestamps.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// WithScanRecorder routes successful QR scans to r. Without one, scans are
// not recorded.
func WithScanRecorder(r *ScanRecorder) Option {
	return func(e *Engine) { e.scans = r }
}

// New constructs an Engine.
func New(store *records.Store, client ledger.Client, cfg Config, opts ...Option) *Engine {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = DefaultConfig().CacheSize
	}
	e := &Engine{
		store:    store,
		ledger:   client,
		positive: expirable.NewLRU[string, struct{}](cfg.CacheSize, nil, cfg.CacheTTL),
		logger:   slog.Default(),
		metrics:  telemetry.NoopMetrics(),
		tracer:   telemetry.NoopTracer(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// VerifyQRCode checks a scanned QR hash. Store state decides not-found and
// deactivated before the ledger is consulted; a ledger that does not know
// the registration yields ledger-mismatch. A verified scan is recorded in
// the background.
func (e *Engine) VerifyQRCode(ctx context.Context, hash string, scan Scan) (Result, error) {
	var out Result
	err := telemetry.Instrument(ctx, e.metrics, e.tracer, "verify_qr_code", func(ctx context.Context) error {
		var err error
		out, err = e.verifyQRCode(ctx, hash, scan)
		return err
	})
	return out, err
}

func (e *Engine) verifyQRCode(ctx context.Context, hash string, scan Scan) (Result, error) {
	now := e.now()
	res := Result{Reason: ReasonNotFound, CheckedAt: now}

	qr, err := e.store.QRCode(ctx, hash)
	if isNotFound(err) {
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}
	res.ProductID = qr.ProductID
	if !qr.Active {
		res.Reason = ReasonDeactivated
		return res, nil
	}
	product, err := e.store.Product(ctx, qr.ProductID)
	if isNotFound(err) {
		return res, nil
	}
	if err != nil {
		return Result{}, err
	}

	registered, err := e.registered(ctx, hash, product.LedgerID)
	if err != nil {
		return Result{}, err
	}
	if !registered {
		e.logger.Warn("qr code not registered on ledger", "hash", hash, "product_id", product.ID, "product_ledger_id", product.LedgerID)
		e.metrics.Signal(ctx, telemetry.SignalLedgerMismatch, "verify_qr_code")
		res.Reason = ReasonLedgerMismatch
		return res, nil
	}

	res.Verified = true
	res.Reason = ReasonVerified
	if e.scans != nil {
		e.scans.Record(hash, domain.ScanEvent{Timestamp: now, PrincipalID: scan.PrincipalID, Location: scan.Location})
	}
	return res, nil
}

// registered asks the ledger whether hash is bound to the product. Positive
// answers are cached since a registration cannot be undone.
func (e *Engine) registered(ctx context.Context, hash, productLedgerID string) (bool, error) {
	key := productLedgerID + "\x00" + hash
	if _, ok := e.positive.Get(key); ok {
		return true, nil
	}
	value, err := e.ledger.Query(ctx, ledger.QueryQRCodeRegistered, ledger.Args{
		ledger.ArgHash:      hash,
		ledger.ArgProductID: productLedgerID,
	})
	if err != nil {
		return false, err
	}
	ok, err := value.Bool()
	if err != nil {
		return false, domain.LedgerError{Operation: string(ledger.QueryQRCodeRegistered), Err: err}
	}
	if ok {
		e.positive.Add(key, struct{}{})
	}
	return ok, nil
}

// VerifyCertification checks a certificate hash. Expiry takes precedence
// over revocation.
func (e *Engine) VerifyCertification(ctx context.Context, hash string) (Result, error) {
	var out Result
	err := telemetry.Instrument(ctx, e.metrics, e.tracer, "verify_certification", func(ctx context.Context) error {
		now := e.now()
		out = Result{Reason: ReasonNotFound, CheckedAt: now}
		cert, err := e.store.CertificationByHash(ctx, hash)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			out = Result{}
			return err
		}
		out.CertificationID = cert.ID
		switch {
		case cert.Expired(now):
			out.Reason = ReasonExpired
		case !cert.IsValid:
			out.Reason = ReasonRevoked
		default:
			out.Verified = true
			out.Reason = ReasonVerified
		}
		return nil
	})
	return out, err
}

func isNotFound(err error) bool {
	var nf domain.NotFoundError
	return errors.As(err, &nf)
}
