package pgstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/errs"
	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

type TrackingCreateInput struct {
	OrderID       uint64
	OrderKind     models.OrderKind
	OrderNumber   string
	CustomerEmail string
}

func (s *Storage) CreateTracking(ctx context.Context, in TrackingCreateInput) (*models.TrackingRecord, error) {
	if in.OrderKind == "" {
		in.OrderKind = models.OrderKindNormal
	}
	now := time.Now().UTC()

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO tracking_records (
  order_id, order_kind, order_number, customer_email,
  status, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$6,$6)
ON CONFLICT (order_kind, order_id) DO UPDATE SET updated_at = tracking_records.updated_at
RETURNING id
`, in.OrderID, in.OrderKind, in.OrderNumber, in.CustomerEmail,
		models.StatusOrderPlaced, now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert tracking record")
	}
	return s.GetTrackingByID(ctx, id)
}

const trackingColumns = `
  id, order_id, order_kind, order_number, customer_email,
  status, docket_number, estimated_delivery, delivered_at, pod_link,
  return_request, last_checked_at, next_check_at, check_fail_count, last_error,
  created_at, updated_at`

func scanTracking(row pgx.Row) (*models.TrackingRecord, error) {
	var t models.TrackingRecord
	var rr []byte
	if err := row.Scan(
		&t.ID, &t.OrderID, &t.OrderKind, &t.OrderNumber, &t.CustomerEmail,
		&t.Status, &t.DocketNumber, &t.EstimatedDelivery, &t.DeliveredAt, &t.PODLink,
		&rr, &t.LastCheckedAt, &t.NextCheckAt, &t.CheckFailCount, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(rr) > 0 {
		var req models.ReturnRequest
		if err := json.Unmarshal(rr, &req); err == nil {
			t.ReturnRequest = &req
		}
	}
	return &t, nil
}

func (s *Storage) GetTrackingByID(ctx context.Context, id uint64) (*models.TrackingRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT`+trackingColumns+` FROM tracking_records WHERE id = $1`, id)
	t, err := scanTracking(row)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFoundf("tracking record %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracking by id")
	}
	return t, nil
}

func (s *Storage) GetTrackingByOrderRef(ctx context.Context, kind models.OrderKind, orderID uint64) (*models.TrackingRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT`+trackingColumns+` FROM tracking_records WHERE order_kind = $1 AND order_id = $2`, kind, orderID)
	t, err := scanTracking(row)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFoundf("tracking record for order %d (%s) not found", orderID, kind)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracking by order ref")
	}
	return t, nil
}

func (s *Storage) GetTrackingByDocket(ctx context.Context, docketNumber string) (*models.TrackingRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT`+trackingColumns+` FROM tracking_records WHERE docket_number = $1`, docketNumber)
	t, err := scanTracking(row)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFoundf("tracking record for docket %s not found", docketNumber)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracking by docket")
	}
	return t, nil
}

// GetTrackingByNumberAndEmail resolves email -> user -> order -> tracking.
// Each hop that misses fails with NotFound; the denormalized email on the
// record is not trusted for authorization.
func (s *Storage) GetTrackingByNumberAndEmail(ctx context.Context, orderNumber, email string) (*models.TrackingRecord, *models.Order, error) {
	u, err := s.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, err
	}
	o, err := s.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return nil, nil, err
	}
	if o.UserID != u.ID {
		return nil, nil, errs.NotFoundf("order %s not found for %s", orderNumber, email)
	}
	t, err := s.GetTrackingByOrderRef(ctx, o.Kind, o.ID)
	if err != nil {
		return nil, nil, err
	}
	return t, o, nil
}

func (s *Storage) ListTrackingsByEmail(ctx context.Context, email string, limit int) ([]*models.TrackingRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
SELECT`+trackingColumns+`
FROM tracking_records
WHERE customer_email = $1
ORDER BY created_at DESC
LIMIT $2
`, email, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select trackings by email")
	}
	defer rows.Close()

	var out []*models.TrackingRecord
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan tracking")
		}
		out = append(out, t)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) ListEvents(ctx context.Context, trackingID uint64) ([]*models.TrackingEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, tracking_id, status, vendor_code, description, location, event_time, created_at
FROM tracking_events
WHERE tracking_id = $1
ORDER BY event_time ASC, id ASC
`, trackingID)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		if err := rows.Scan(&e.ID, &e.TrackingID, &e.Status, &e.VendorCode, &e.Description, &e.Location, &e.EventTime, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// AssignDocket sets the courier docket once. A second call with the same
// number is a no-op; a different number is rejected — the docket is immutable.
func (s *Storage) AssignDocket(ctx context.Context, trackingID uint64, docketNumber string, estimatedDelivery *time.Time) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current *string
	err = tx.QueryRow(ctx, `SELECT docket_number FROM tracking_records WHERE id = $1 FOR UPDATE`, trackingID).Scan(&current)
	if err == pgx.ErrNoRows {
		return errs.NotFoundf("tracking record %d not found", trackingID)
	}
	if err != nil {
		return errors.Wrap(err, "select docket")
	}
	if current != nil {
		if *current == docketNumber {
			return nil
		}
		return errs.Validationf("docket already assigned (%s)", *current)
	}

	_, err = tx.Exec(ctx, `
UPDATE tracking_records
SET docket_number = $2,
    estimated_delivery = COALESCE($3, estimated_delivery),
    next_check_at = now(),
    updated_at = now()
WHERE id = $1
`, trackingID, docketNumber, estimatedDelivery)
	if err != nil {
		return errors.Wrap(err, "assign docket")
	}
	return errors.Wrap(tx.Commit(ctx), "commit tx")
}

type EventInput struct {
	Status      models.TrackingStatus
	VendorCode  string
	Description string
	Location    *string
	EventTime   time.Time
}

type AppendResult struct {
	// Advanced is true when THIS call moved the status forward (or to
	// CANCELLED). Concurrent pollers racing on the same record get at most
	// one Advanced=true between them.
	Advanced bool
	From     models.TrackingStatus
	To       models.TrackingStatus
	// Current is the record status after the call.
	Current models.TrackingStatus
	// EventInserted is false when the (code, timestamp) pair was already in
	// the history.
	EventInserted bool
}

// AppendEvent applies one courier event to the record: status mutation and
// history append happen in a single row-locked transaction so the two can
// never diverge. Backward moves are rejected without any write; a repeated
// status still appends the event when the vendor timestamp is new.
func (s *Storage) AppendEvent(ctx context.Context, trackingID uint64, in EventInput) (AppendResult, error) {
	var res AppendResult

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return res, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.TrackingStatus
	err = tx.QueryRow(ctx, `SELECT status FROM tracking_records WHERE id = $1 FOR UPDATE`, trackingID).Scan(&current)
	if err == pgx.ErrNoRows {
		return res, errs.NotFoundf("tracking record %d not found", trackingID)
	}
	if err != nil {
		return res, errors.Wrap(err, "select status for update")
	}

	res.From = current
	res.Current = current

	switch {
	case models.CanAdvance(current, in.Status):
		_, err = tx.Exec(ctx, `
UPDATE tracking_records
SET status = $2,
    delivered_at = CASE WHEN $2 = 'DELIVERED' THEN COALESCE(delivered_at, $3) ELSE delivered_at END,
    updated_at = now()
WHERE id = $1
`, trackingID, in.Status, in.EventTime.UTC())
		if err != nil {
			return res, errors.Wrap(err, "advance status")
		}
		res.Advanced = true
		res.To = in.Status
		res.Current = in.Status
	case in.Status == current:
		// Duplicate status report; fall through to append the event in case
		// it carries a new location ping.
	default:
		// Backward or illegal move: no state change, no event.
		return res, errors.Wrap(tx.Commit(ctx), "commit tx")
	}

	tag, err := tx.Exec(ctx, `
INSERT INTO tracking_events (tracking_id, status, vendor_code, description, location, event_time, created_at)
VALUES ($1,$2,$3,$4,$5,$6, now())
ON CONFLICT (tracking_id, vendor_code, event_time) DO NOTHING
`, trackingID, in.Status, in.VendorCode, in.Description, in.Location, in.EventTime.UTC())
	if err != nil {
		return res, errors.Wrap(err, "insert event")
	}
	res.EventInserted = tag.RowsAffected() == 1

	return res, errors.Wrap(tx.Commit(ctx), "commit tx")
}

// RecordPollSuccess resets failure bookkeeping after a clean courier poll.
func (s *Storage) RecordPollSuccess(ctx context.Context, trackingID uint64, checkedAt, nextCheckAt time.Time, estimatedDelivery *time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_records
SET last_checked_at = $2,
    next_check_at = $3,
    check_fail_count = 0,
    last_error = NULL,
    estimated_delivery = COALESCE($4, estimated_delivery),
    updated_at = now()
WHERE id = $1
`, trackingID, checkedAt.UTC(), nextCheckAt.UTC(), estimatedDelivery)
	return errors.Wrap(err, "record poll success")
}

func (s *Storage) RecordPollFailure(ctx context.Context, trackingID uint64, checkedAt, nextCheckAt time.Time, pollErr string) error {
	_, err := s.db.Exec(ctx, `
UPDATE tracking_records
SET last_checked_at = $2,
    next_check_at = $3,
    check_fail_count = check_fail_count + 1,
    last_error = $4,
    updated_at = now()
WHERE id = $1
`, trackingID, checkedAt.UTC(), nextCheckAt.UTC(), pollErr)
	return errors.Wrap(err, "record poll failure")
}

func (s *Storage) SetPODLink(ctx context.Context, trackingID uint64, link string) error {
	_, err := s.db.Exec(ctx, `UPDATE tracking_records SET pod_link = $2, updated_at = now() WHERE id = $1`, trackingID, link)
	return errors.Wrap(err, "set pod link")
}

// UpsertReturnRequest records a return request. A second request updates the
// existing one in place; requested_at survives the update.
func (s *Storage) UpsertReturnRequest(ctx context.Context, trackingID uint64, req models.ReturnRequest) (*models.ReturnRequest, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing []byte
	err = tx.QueryRow(ctx, `SELECT return_request FROM tracking_records WHERE id = $1 FOR UPDATE`, trackingID).Scan(&existing)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFoundf("tracking record %d not found", trackingID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select return request")
	}

	now := time.Now().UTC()
	if len(existing) > 0 {
		var prev models.ReturnRequest
		if json.Unmarshal(existing, &prev) == nil && !prev.RequestedAt.IsZero() {
			req.RequestedAt = prev.RequestedAt
			req.UpdatedAt = &now
		}
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = now
	}

	b, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "marshal return request")
	}
	if _, err := tx.Exec(ctx, `UPDATE tracking_records SET return_request = $2, updated_at = now() WHERE id = $1`, trackingID, b); err != nil {
		return nil, errors.Wrap(err, "update return request")
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return &req, nil
}

// ClaimDueTrackings выбирает пачку записей, готовых к опросу курьера, и
// "бронирует" их на lease, чтобы параллельный цикл их не подхватил.
// SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueTrackings(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.TrackingRecord, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT`+trackingColumns+`
FROM tracking_records
WHERE next_check_at <= $1
  AND docket_number IS NOT NULL
  AND status NOT IN ($2, $3)
ORDER BY next_check_at ASC
LIMIT $4
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.StatusDelivered, models.StatusCancelled, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due trackings")
	}

	var picked []*models.TrackingRecord
	for rows.Next() {
		t, err := scanTracking(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due tracking")
		}
		picked = append(picked, t)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, t := range picked {
		if _, err := tx.Exec(ctx, `UPDATE tracking_records SET next_check_at = $2, updated_at = now() WHERE id = $1`, t.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease tracking")
		}
		t.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}
