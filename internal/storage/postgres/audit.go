package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/models"
)

// RecordAudit persists an immutable audit entry (spec §3, §7).
func (s *Store) RecordAudit(ctx context.Context, entry *models.AuditEntry) error {
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal audit detail", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO audit_log (entry_id, entity_kind, entity_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.EntryID, entry.EntityKind, entry.EntityID, entry.Action, detail, entry.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to insert audit entry", err)
	}
	return nil
}

// ListAudit returns audit entries for one entity, newest first.
func (s *Store) ListAudit(ctx context.Context, entityKind, entityID string, limit int) ([]*models.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT entry_id, entity_kind, entity_id, action, detail, created_at
		FROM audit_log WHERE entity_kind = $1 AND entity_id = $2 ORDER BY created_at DESC LIMIT $3`,
		entityKind, entityID, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to list audit entries", err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var entry models.AuditEntry
		var detail []byte
		if err := rows.Scan(&entry.EntryID, &entry.EntityKind, &entry.EntityID, &entry.Action, &detail, &entry.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.Fatal, "failed to scan audit row", err)
		}
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &entry.Detail)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
