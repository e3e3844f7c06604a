package ledger

import (
	"context"
	"log/slog"
	"organictrace/pkg/domain"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RetryConfig bounds resubmission of transient ledger failures.
type RetryConfig struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns conservative defaults for a slow ledger.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    4,
		AttemptTimeout: 30 * time.Second,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

// Retrying decorates a Client with per-attempt timeouts and backoff on
// transient failures. Each logical submission carries a nonce so a ledger
// that already committed an attempt answers the retry with the same receipt.
type Retrying struct {
	next   Client
	cfg    RetryConfig
	logger *slog.Logger
}

var _ Client = (*Retrying)(nil)

// NewRetrying wraps next. Zero config fields fall back to DefaultRetryConfig.
func NewRetrying(next Client, cfg RetryConfig, logger *slog.Logger) *Retrying {
	def := DefaultRetryConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = def.AttemptTimeout
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
	return &Retrying{next: next, cfg: cfg, logger: logger}
}

// Submit forwards the transaction, retrying transient failures.
func (r *Retrying) Submit(ctx context.Context, op Operation, args Args, signer string) (Receipt, error) {
	args = args.Clone()
	if args[ArgNonce] == "" {
		args[ArgNonce] = uuid.NewString()
	}
	var receipt Receipt
	err := r.do(ctx, string(op), func(attemptCtx context.Context) error {
		var err error
		receipt, err = r.next.Submit(attemptCtx, op, args, signer)
		return err
	})
	return receipt, err
}

// Query forwards the query, retrying transient failures.
func (r *Retrying) Query(ctx context.Context, op QueryOperation, args Args) (Value, error) {
	var value Value
	err := r.do(ctx, string(op), func(attemptCtx context.Context) error {
		var err error
		value, err = r.next.Query(attemptCtx, op, args)
		return err
	})
	return value, err
}

func (r *Retrying) do(ctx context.Context, op string, call func(context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialBackoff
	policy.MaxInterval = r.cfg.MaxBackoff
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
		err := classify(op, call(attemptCtx))
		if err == nil {
			return nil
		}
		var le domain.LedgerError
		if errors.As(err, &le) && !le.Transient {
			return backoff.Permanent(err)
		}
		r.logger.Warn("ledger call failed", "operation", op, "attempt", attempt, "error", err)
		return err
	}, bounded)
	if err != nil && ctx.Err() != nil {
		var le domain.LedgerError
		if !errors.As(err, &le) {
			return domain.LedgerError{Operation: op, Transient: true, Err: ctx.Err()}
		}
	}
	return err
}

// classify maps arbitrary client failures onto domain.LedgerError.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var le domain.LedgerError
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, ErrRejected) {
		return domain.LedgerError{Operation: op, Err: err}
	}
	return domain.LedgerError{Operation: op, Transient: true, Err: err}
}
