package chainsync

import (
	"context"
	"encoding/json"
	"organictrace/internal/ledger"
	"organictrace/internal/orphans"
	"organictrace/internal/telemetry"

	"github.com/pkg/errors"
)

// ErrNoJournal is returned by repair operations when no journal is configured.
var ErrNoJournal = errors.New("orphan journal not configured")

// Orphans lists ledger transactions still waiting for their store mirror.
func (s *Synchronizer) Orphans(ctx context.Context) ([]orphans.Entry, error) {
	if s.journal == nil {
		return nil, ErrNoJournal
	}
	return s.journal.Pending(ctx)
}

// Repair replays the store mirror for a journaled transaction. A transaction
// that is already mirrored is resolved without writing.
func (s *Synchronizer) Repair(ctx context.Context, txRef string) (orphans.Entry, error) {
	if s.journal == nil {
		return orphans.Entry{}, ErrNoJournal
	}
	entry, err := s.journal.Get(ctx, txRef)
	if err != nil {
		return orphans.Entry{}, err
	}
	if _, ok, err := s.store.Mirror(ctx, txRef); err != nil {
		return orphans.Entry{}, err
	} else if ok {
		s.logger.Info("orphan already mirrored", "tx_ref", txRef, "operation", entry.Operation)
		return s.journal.Resolve(ctx, txRef)
	}

	err = telemetry.Instrument(ctx, s.metrics, s.tracer, "repair", func(ctx context.Context) error {
		return s.replay(ctx, entry)
	})
	if err != nil {
		s.logger.Warn("orphan repair failed", "tx_ref", txRef, "operation", entry.Operation, "error", err)
		if _, jerr := s.journal.Record(ctx, orphans.Entry{
			TxRef:     entry.TxRef,
			Operation: entry.Operation,
			Signer:    entry.Signer,
			Receipt:   entry.Receipt,
			Request:   entry.Request,
			Attempts:  1,
			LastError: err.Error(),
		}); jerr != nil {
			s.logger.Error("journal orphan", "tx_ref", txRef, "error", jerr)
		}
		return orphans.Entry{}, err
	}
	s.metrics.Signal(ctx, telemetry.SignalRepaired, entry.Operation)
	s.logger.Info("orphan repaired", "tx_ref", txRef, "operation", entry.Operation)
	return s.journal.Resolve(ctx, txRef)
}

// RepairAll replays every pending orphan and returns the tx refs that are
// still pending afterwards.
func (s *Synchronizer) RepairAll(ctx context.Context) ([]string, error) {
	pending, err := s.Orphans(ctx)
	if err != nil {
		return nil, err
	}
	var failed []string
	for _, entry := range pending {
		if _, err := s.Repair(ctx, entry.TxRef); err != nil {
			failed = append(failed, entry.TxRef)
		}
	}
	return failed, nil
}

func (s *Synchronizer) replay(ctx context.Context, entry orphans.Entry) error {
	receipt := entry.Receipt
	if receipt.TxRef == "" {
		receipt.TxRef = entry.TxRef
	}
	switch ledger.Operation(entry.Operation) {
	case ledger.OpRegisterFarmer:
		var req RegisterFarmerRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorRegisterFarmer(ctx, req, receipt)
		return err
	case ledger.OpGrantRole:
		var req GrantCapabilityRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorGrantCapability(ctx, req, receipt)
		return err
	case ledger.OpCreateBatch:
		var req CreateBatchRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorCreateBatch(ctx, req, receipt)
		return err
	case ledger.OpCreateProduct:
		var req CreateProductRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorCreateProduct(ctx, req, receipt)
		return err
	case ledger.OpIssueCertification:
		var req IssueCertificationRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorIssueCertification(ctx, req, receipt)
		return err
	case ledger.OpRevokeCertification:
		var req RevokeCertificationRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorRevokeCertification(ctx, req, receipt)
		return err
	case ledger.OpAttachCertification:
		var req AttachCertificationRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorAttachCertification(ctx, req, receipt)
		return err
	case ledger.OpAddTraceabilityRecord:
		var req AppendRecordRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorAppendRecord(ctx, req, receipt)
		return err
	case ledger.OpRegisterQRCode:
		var req RegisterQRCodeRequest
		if err := decodeRequest(entry, &req); err != nil {
			return err
		}
		_, err := s.mirrorRegisterQRCode(ctx, req, receipt)
		return err
	default:
		return errors.Errorf("cannot replay operation %q", entry.Operation)
	}
}

func decodeRequest(entry orphans.Entry, into any) error {
	if err := json.Unmarshal(entry.Request, into); err != nil {
		return errors.Wrapf(err, "decode %s request for %s", entry.Operation, entry.TxRef)
	}
	return nil
}
