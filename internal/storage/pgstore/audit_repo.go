package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// InsertAuditEntry appends an immutable audit fact. There is no update or
// delete path for audit_log anywhere in this package.
func (s *Storage) InsertAuditEntry(ctx context.Context, e models.AuditLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.PerformedBy == "" {
		e.PerformedBy = "system"
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	changes, err := json.Marshal(e.Changes)
	if err != nil {
		return errors.Wrap(err, "marshal changes")
	}

	_, err = s.db.Exec(ctx, `
INSERT INTO audit_log (
  id, entity_type, entity_id, action, changes,
  performed_by, reason, order_number, docket_number, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
`, e.ID, e.EntityType, e.EntityID, e.Action, changes,
		e.PerformedBy, e.Reason, e.Metadata.OrderNumber, e.Metadata.DocketNumber, e.CreatedAt.UTC())
	return errors.Wrap(err, "insert audit entry")
}

func (s *Storage) ListAuditByOrderNumber(ctx context.Context, orderNumber string, limit int) ([]*models.AuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT id, entity_type, entity_id, action, changes, performed_by, reason, order_number, docket_number, created_at
FROM audit_log
WHERE order_number = $1
ORDER BY created_at ASC
LIMIT $2
`, orderNumber, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select audit entries")
	}
	defer rows.Close()

	var out []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		var changes []byte
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &changes,
			&e.PerformedBy, &e.Reason, &e.Metadata.OrderNumber, &e.Metadata.DocketNumber, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit entry")
		}
		if len(changes) > 0 {
			_ = json.Unmarshal(changes, &e.Changes)
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
