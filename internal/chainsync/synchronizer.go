// Package chainsync drives every state-changing provenance operation through
// the ledger first and the record store second.
//
// An operation is validated locally, submitted to the ledger, and then
// mirrored into the store under the ledger's tx ref. The ledger is never
// rolled back: a mirror that keeps failing surfaces as a
// domain.ReconciliationError and is journaled for Repair.
package chainsync

import (
	"context"
	"encoding/json"
	"log/slog"
	"organictrace/internal/identity"
	"organictrace/internal/ledger"
	"organictrace/internal/orphans"
	"organictrace/internal/records"
	"organictrace/internal/telemetry"
	"organictrace/pkg/domain"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// MirrorPolicy bounds store mirror retries after a ledger commit.
type MirrorPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultMirrorPolicy retries a failed mirror three times in total.
func DefaultMirrorPolicy() MirrorPolicy {
	return MirrorPolicy{MaxAttempts: 3, InitialBackoff: 50 * time.Millisecond, MaxBackoff: time.Second}
}

// Synchronizer coordinates the ledger and the record store.
type Synchronizer struct {
	store    *records.Store
	ledger   ledger.Client
	registry *identity.Registry
	journal  *orphans.Journal
	validate *validator.Validate
	policy   MirrorPolicy
	logger   *slog.Logger
	metrics  telemetry.MetricsRecorder
	tracer   telemetry.Tracer
}

// Option customises a Synchronizer.
type Option func(*Synchronizer)

// WithJournal records unreconciled transactions in j.
func WithJournal(j *orphans.Journal) Option {
	return func(s *Synchronizer) { s.journal = j }
}

// WithMirrorPolicy overrides the mirror retry policy.
func WithMirrorPolicy(p MirrorPolicy) Option {
	return func(s *Synchronizer) {
		if p.MaxAttempts > 0 {
			s.policy.MaxAttempts = p.MaxAttempts
		}
		if p.InitialBackoff > 0 {
			s.policy.InitialBackoff = p.InitialBackoff
		}
		if p.MaxBackoff > 0 {
			s.policy.MaxBackoff = p.MaxBackoff
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m telemetry.MetricsRecorder) Option {
	return func(s *Synchronizer) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(s *Synchronizer) {
		if t != nil {
			s.tracer = t
		}
	}
}

// New constructs a Synchronizer.
func New(store *records.Store, client ledger.Client, registry *identity.Registry, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:    store,
		ledger:   client,
		registry: registry,
		validate: newValidator(),
		policy:   DefaultMirrorPolicy(),
		logger:   slog.Default(),
		metrics:  telemetry.NoopMetrics(),
		tracer:   telemetry.NoopTracer(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the record store the synchronizer mirrors into.
func (s *Synchronizer) Store() *records.Store { return s.store }

// submission describes one ledger-backed operation.
type submission struct {
	name     identity.Operation
	ledgerOp ledger.Operation
	actor    string
	request  any
	// precheck runs the local invariants against a read-only view.
	precheck func(ctx context.Context) error
	// args builds ledger arguments, translating store ids to ledger ids.
	args func(ctx context.Context) (ledger.Args, error)
	// mirror writes the store row for receipt. It must be idempotent per tx ref.
	mirror func(ctx context.Context, receipt ledger.Receipt) error
}

func (s *Synchronizer) execute(ctx context.Context, sub submission) error {
	return telemetry.Instrument(ctx, s.metrics, s.tracer, string(sub.name), func(ctx context.Context) error {
		if err := s.validate.StructCtx(ctx, sub.request); err != nil {
			return asValidationError(err)
		}
		if err := s.registry.Authorize(ctx, sub.actor, sub.name); err != nil {
			return err
		}
		if err := s.store.CheckActorActive(ctx, sub.actor); err != nil {
			return err
		}
		if sub.precheck != nil {
			if err := sub.precheck(ctx); err != nil {
				return err
			}
		}
		args, err := sub.args(ctx)
		if err != nil {
			return err
		}
		receipt, err := s.ledger.Submit(ctx, sub.ledgerOp, args, sub.actor)
		if err != nil {
			var le domain.LedgerError
			if !errors.As(err, &le) {
				err = domain.LedgerError{Operation: string(sub.ledgerOp), Transient: true, Err: err}
			}
			s.logger.Warn("ledger submission failed", "operation", sub.ledgerOp, "actor", sub.actor, "error", err)
			return err
		}
		s.logger.Debug("ledger transaction committed", "operation", sub.ledgerOp, "tx_ref", receipt.TxRef, "ledger_id", receipt.AssignedID)
		return s.mirrorWithRetry(ctx, sub, receipt)
	})
}

// mirrorWithRetry writes the mirror, retrying transient store failures. The
// ledger fact is already durable, so caller cancellation does not abort it.
func (s *Synchronizer) mirrorWithRetry(ctx context.Context, sub submission, receipt ledger.Receipt) error {
	ctx = context.WithoutCancel(ctx)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.policy.InitialBackoff
	policy.MaxInterval = s.policy.MaxBackoff
	policy.MaxElapsedTime = 0

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := sub.mirror(ctx, receipt)
		if err == nil {
			return nil
		}
		if domain.IsPermanent(err) {
			return backoff.Permanent(err)
		}
		s.logger.Warn("store mirror failed", "operation", sub.ledgerOp, "tx_ref", receipt.TxRef, "attempt", attempts, "error", err)
		return err
	}, backoff.WithMaxRetries(policy, uint64(s.policy.MaxAttempts-1)))
	if err == nil {
		return nil
	}

	recon := domain.ReconciliationError{
		Operation: string(sub.ledgerOp),
		TxRef:     receipt.TxRef,
		LedgerID:  receipt.AssignedID,
		Attempts:  attempts,
		Err:       err,
	}
	s.metrics.Signal(ctx, telemetry.SignalReconciliation, string(sub.ledgerOp))
	s.logger.Error("ledger transaction not mirrored", "operation", sub.ledgerOp, "tx_ref", receipt.TxRef, "ledger_id", receipt.AssignedID, "attempts", attempts, "error", err)
	s.journalOrphan(ctx, sub, receipt, attempts, err)
	return recon
}

func (s *Synchronizer) journalOrphan(ctx context.Context, sub submission, receipt ledger.Receipt, attempts int, cause error) {
	if s.journal == nil {
		return
	}
	payload, err := json.Marshal(sub.request)
	if err != nil {
		s.logger.Error("encode orphan request", "tx_ref", receipt.TxRef, "error", err)
		return
	}
	if _, err := s.journal.Record(ctx, orphans.Entry{
		TxRef:     receipt.TxRef,
		Operation: string(sub.ledgerOp),
		Signer:    sub.actor,
		Receipt:   receipt,
		Request:   payload,
		Attempts:  attempts,
		LastError: cause.Error(),
	}); err != nil {
		s.logger.Error("journal orphan", "tx_ref", receipt.TxRef, "error", err)
	}
}

// runStoreOnly authorizes and runs an operation that has no ledger equivalent.
// Store-only writes have no tx ref to replay: if the backend's snapshot write
// fails the change is already visible in memory, and the backend persists it
// before its next transaction or on close.
func (s *Synchronizer) runStoreOnly(ctx context.Context, name identity.Operation, actor string, fn func(ctx context.Context) error) error {
	return telemetry.Instrument(ctx, s.metrics, s.tracer, string(name), func(ctx context.Context) error {
		if err := s.registry.Authorize(ctx, actor, name); err != nil {
			return err
		}
		if err := s.store.CheckActorActive(ctx, actor); err != nil {
			return err
		}
		return fn(ctx)
	})
}

func ledgerRef(receipt ledger.Receipt) domain.LedgerRef {
	return domain.LedgerRef{TxRef: receipt.TxRef, LedgerID: receipt.AssignedID}
}

// onLedger fails when an entity has no ledger counterpart to reference.
func onLedger(entity domain.EntityType, id string, ref domain.LedgerRef) (string, error) {
	if ref.LedgerID == "" {
		return "", domain.StateError{Entity: entity, ID: id, Reason: "not registered on ledger"}
	}
	return ref.LedgerID, nil
}
