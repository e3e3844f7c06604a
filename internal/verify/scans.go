package verify

import (
	"context"
	"log/slog"
	"organictrace/internal/records"
	"organictrace/internal/telemetry"
	"organictrace/pkg/domain"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ErrRecorderClosed is returned by Drain after Close.
var ErrRecorderClosed = errors.New("scan recorder closed")

// ScanConfig bounds the background scan writer.
type ScanConfig struct {
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultScanConfig returns the scan writer defaults.
func DefaultScanConfig() ScanConfig {
	return ScanConfig{QueueSize: 256, MaxAttempts: 3, InitialBackoff: 20 * time.Millisecond, MaxBackoff: 500 * time.Millisecond}
}

type scanJob struct {
	hash  string
	event domain.ScanEvent
}

// ScanRecorder appends scan events to QR code histories on a single
// background worker. Appends are best effort: a full queue or exhausted
// retries drop the event and raise a signal.
type ScanRecorder struct {
	store   *records.Store
	cfg     ScanConfig
	logger  *slog.Logger
	metrics telemetry.MetricsRecorder

	queue chan scanJob
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	inflightMu sync.Mutex
	inflight   int
	waiters    []chan struct{}
}

// NewScanRecorder starts the background worker.
func NewScanRecorder(store *records.Store, cfg ScanConfig, logger *slog.Logger, metrics telemetry.MetricsRecorder) *ScanRecorder {
	def := DefaultScanConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics()
	}
	r := &ScanRecorder{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queue:   make(chan scanJob, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Record queues a scan without blocking.
func (r *ScanRecorder) Record(hash string, event domain.ScanEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(hash, errors.New("recorder closed"))
		return
	}
	r.begin()
	select {
	case r.queue <- scanJob{hash: hash, event: event}:
	default:
		r.finish()
		r.drop(hash, errors.New("queue full"))
	}
}

// Drain waits until every queued scan has been written or dropped.
func (r *ScanRecorder) Drain(ctx context.Context) error {
	r.inflightMu.Lock()
	if r.inflight == 0 {
		r.inflightMu.Unlock()
		return nil
	}
	idle := make(chan struct{})
	r.waiters = append(r.waiters, idle)
	r.inflightMu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting scans, finishes the queue and stops the worker.
func (r *ScanRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ScanRecorder) run() {
	defer close(r.done)
	for job := range r.queue {
		r.write(job)
		r.finish()
	}
}

func (r *ScanRecorder) begin() {
	r.inflightMu.Lock()
	r.inflight++
	r.inflightMu.Unlock()
}

func (r *ScanRecorder) finish() {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	r.inflight--
	if r.inflight > 0 {
		return
	}
	for _, ch := range r.waiters {
		close(ch)
	}
	r.waiters = nil
}

func (r *ScanRecorder) write(job scanJob) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialBackoff
	policy.MaxInterval = r.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		err := r.store.AppendScan(context.Background(), job.hash, job.event)
		if err != nil && domain.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithMaxRetries(policy, uint64(r.cfg.MaxAttempts-1)))
	if err != nil {
		r.drop(job.hash, err)
	}
}

func (r *ScanRecorder) drop(hash string, cause error) {
	r.logger.Warn("scan event dropped", "hash", hash, "error", cause)
	r.metrics.Signal(context.Background(), telemetry.SignalScanDropped, "verify_qr_code")
}
