package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"fuelyard/internal/domain"
	"fuelyard/internal/store"
)

// Recorder is the audit collaborator. Record is fire-and-forget from the
// engine's perspective: implementations may fail, callers log and move on.
type Recorder interface {
	Record(ctx context.Context, entry domain.AuditLog) error
}

type storeRecorder struct {
	repo store.Repository
}

// NewStoreRecorder persists audit entries through the repository.
func NewStoreRecorder(repo store.Repository) Recorder {
	return &storeRecorder{repo: repo}
}

func (r *storeRecorder) Record(ctx context.Context, entry domain.AuditLog) error {
	return r.repo.CreateAuditLog(ctx, entry)
}

// Entry builds an audit row from before/after snapshots. Marshal failures
// degrade to a nil snapshot rather than blocking the record.
func Entry(actor string, action string, entityType string, entityID string, before any, after any, detail string) domain.AuditLog {
	return domain.AuditLog{
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     marshal(before),
		After:      marshal(after),
		Context:    detail,
	}
}

func marshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// Log records the entry and logs a warning on failure. Audit problems never
// fail the operation being audited.
func Log(ctx context.Context, rec Recorder, logger *zap.Logger, entry domain.AuditLog) {
	if rec == nil {
		return
	}
	if err := rec.Record(ctx, entry); err != nil && logger != nil {
		logger.Warn("audit record failed",
			zap.String("action", entry.Action),
			zap.String("entity_id", entry.EntityID),
			zap.Error(err),
		)
	}
}
