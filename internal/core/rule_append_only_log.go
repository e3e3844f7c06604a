package core

import (
	"context"
	"fmt"
	"organictrace/pkg/domain"
)

// AppendOnlyLogRule blocks any batch update that rewrites, drops or
// renumbers traceability records, or removes a handler.
func AppendOnlyLogRule() domain.Rule {
	return appendOnlyLogRule{}
}

type appendOnlyLogRule struct{}

func (appendOnlyLogRule) Name() string { return "append_only_log" }

func (appendOnlyLogRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		after, ok := change.After.(domain.Batch)
		if !ok {
			continue
		}
		for i, rec := range after.Records {
			if rec.Sequence != uint64(i+1) {
				res.Violations = append(res.Violations, logViolation(after.ID, fmt.Sprintf("record %d of batch %s has sequence %d", i+1, after.ID, rec.Sequence)))
				break
			}
		}
		before, ok := change.Before.(domain.Batch)
		if !ok {
			continue
		}
		if len(after.Records) < len(before.Records) {
			res.Violations = append(res.Violations, logViolation(after.ID, fmt.Sprintf("batch %s dropped records", after.ID)))
			continue
		}
		for i, rec := range before.Records {
			if !sameRecord(rec, after.Records[i]) {
				res.Violations = append(res.Violations, logViolation(after.ID, fmt.Sprintf("batch %s rewrote record %d", after.ID, rec.Sequence)))
				break
			}
		}
		for _, handler := range before.HandlerIDs {
			if !after.HasHandler(handler) {
				res.Violations = append(res.Violations, logViolation(after.ID, fmt.Sprintf("batch %s dropped handler %s", after.ID, handler)))
			}
		}
	}
	return res, nil
}

func sameRecord(a, b domain.TraceabilityRecord) bool {
	return a.Sequence == b.Sequence &&
		a.Timestamp.Equal(b.Timestamp) &&
		a.PrincipalID == b.PrincipalID &&
		a.HandlerRole == b.HandlerRole &&
		a.Action == b.Action &&
		a.Location == b.Location &&
		a.Notes == b.Notes &&
		a.TxRef == b.TxRef
}

func logViolation(batchID, message string) domain.Violation {
	return domain.Violation{
		Rule:     "append_only_log",
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   domain.EntityBatch,
		EntityID: batchID,
	}
}
