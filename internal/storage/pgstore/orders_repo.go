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

type OrderCreateInput struct {
	OrderNumber     string
	UserID          uint64
	Kind            models.OrderKind
	Items           []models.OrderItem
	BillingAddress  models.Address
	ShippingAddress models.Address
	PaymentMethod   string
	PaymentStatus   string
	Subtotal        int64
	ShippingFee     int64
	TotalAmount     int64
	OrderedAt       time.Time
}

func (s *Storage) CreateOrder(ctx context.Context, in OrderCreateInput) (*models.Order, error) {
	if in.OrderedAt.IsZero() {
		in.OrderedAt = time.Now().UTC()
	}
	if in.Kind == "" {
		in.Kind = models.OrderKindNormal
	}
	now := time.Now().UTC()

	items, err := json.Marshal(in.Items)
	if err != nil {
		return nil, errors.Wrap(err, "marshal items")
	}
	billing, _ := json.Marshal(in.BillingAddress)
	shipping, _ := json.Marshal(in.ShippingAddress)

	var id uint64
	err = s.db.QueryRow(ctx, `
INSERT INTO orders (
  order_number, user_id, kind, items, billing_address, shipping_address,
  payment_method, payment_status, status,
  subtotal, shipping_fee, total_amount,
  ordered_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)
RETURNING id
`, in.OrderNumber, in.UserID, in.Kind, items, billing, shipping,
		in.PaymentMethod, in.PaymentStatus, models.OrderStatusPending,
		in.Subtotal, in.ShippingFee, in.TotalAmount,
		in.OrderedAt.UTC(), now).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert order")
	}

	return s.GetOrderByRef(ctx, in.Kind, id)
}

const orderColumns = `
  id, order_number, user_id, kind, items, billing_address, shipping_address,
  payment_method, payment_status, status,
  subtotal, shipping_fee, total_amount,
  ordered_at, shipped_at, delivered_at, cancelled_at, returned_at,
  created_at, updated_at`

func scanOrder(row pgx.Row) (*models.Order, error) {
	var o models.Order
	var items, billing, shipping []byte
	if err := row.Scan(
		&o.ID, &o.OrderNumber, &o.UserID, &o.Kind, &items, &billing, &shipping,
		&o.PaymentMethod, &o.PaymentStatus, &o.Status,
		&o.Subtotal, &o.ShippingFee, &o.TotalAmount,
		&o.OrderedAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt, &o.ReturnedAt,
		&o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return nil, errors.Wrap(err, "unmarshal items")
		}
	}
	_ = json.Unmarshal(billing, &o.BillingAddress)
	_ = json.Unmarshal(shipping, &o.ShippingAddress)
	return &o, nil
}

// GetOrderByRef resolves the discriminated (kind, id) reference a tracking
// record carries. Both legacy collections live in one table, keyed by kind.
func (s *Storage) GetOrderByRef(ctx context.Context, kind models.OrderKind, orderID uint64) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE id = $1 AND kind = $2`, orderID, kind)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFoundf("order %d (%s) not found", orderID, kind)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order by ref")
	}
	return o, nil
}

func (s *Storage) GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT`+orderColumns+` FROM orders WHERE order_number = $1`, orderNumber)
	o, err := scanOrder(row)
	if err == pgx.ErrNoRows {
		return nil, errs.NotFoundf("order %s not found", orderNumber)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order by number")
	}
	return o, nil
}

// ReconcileOrderStatus projects a tracking status onto the order. Lifecycle
// timestamps are set exactly once; re-running with the same status is a no-op
// and reports changed=false.
func (s *Storage) ReconcileOrderStatus(ctx context.Context, kind models.OrderKind, orderID uint64, status models.OrderStatus, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE orders SET
  status = $3,
  shipped_at   = CASE WHEN $3 = 'shipped'   THEN COALESCE(shipped_at, $4)   ELSE shipped_at END,
  delivered_at = CASE WHEN $3 = 'delivered' THEN COALESCE(delivered_at, $4) ELSE delivered_at END,
  cancelled_at = CASE WHEN $3 = 'cancelled' THEN COALESCE(cancelled_at, $4) ELSE cancelled_at END,
  returned_at  = CASE WHEN $3 = 'returned'  THEN COALESCE(returned_at, $4)  ELSE returned_at END,
  updated_at = now()
WHERE id = $1 AND kind = $2 AND status IS DISTINCT FROM $3
`, orderID, kind, status, now.UTC())
	if err != nil {
		return false, errors.Wrap(err, "reconcile order status")
	}
	return tag.RowsAffected() == 1, nil
}
