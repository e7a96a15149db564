package pgstore

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS users (
  id BIGSERIAL PRIMARY KEY,
  email TEXT NOT NULL UNIQUE,
  name TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS orders (
  id BIGSERIAL PRIMARY KEY,
  order_number TEXT NOT NULL UNIQUE,
  user_id BIGINT NOT NULL REFERENCES users(id),
  kind TEXT NOT NULL DEFAULT 'normal',
  items JSONB NOT NULL DEFAULT '[]',
  billing_address JSONB NOT NULL DEFAULT '{}',
  shipping_address JSONB NOT NULL DEFAULT '{}',
  payment_method TEXT NOT NULL DEFAULT '',
  payment_status TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  subtotal BIGINT NOT NULL DEFAULT 0,
  shipping_fee BIGINT NOT NULL DEFAULT 0,
  total_amount BIGINT NOT NULL DEFAULT 0,
  ordered_at TIMESTAMPTZ NOT NULL,
  shipped_at TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  cancelled_at TIMESTAMPTZ NULL,
  returned_at TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_user_id ON orders(user_id)`,
		`
CREATE TABLE IF NOT EXISTS tracking_records (
  id BIGSERIAL PRIMARY KEY,
  order_id BIGINT NOT NULL,
  order_kind TEXT NOT NULL DEFAULT 'normal',
  order_number TEXT NOT NULL,
  customer_email TEXT NOT NULL,
  status TEXT NOT NULL,
  docket_number TEXT NULL,
  estimated_delivery TIMESTAMPTZ NULL,
  delivered_at TIMESTAMPTZ NULL,
  pod_link TEXT NULL,
  return_request JSONB NULL,
  last_checked_at TIMESTAMPTZ NULL,
  next_check_at TIMESTAMPTZ NOT NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (order_kind, order_id)
)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_records_docket ON tracking_records(docket_number) WHERE docket_number IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_records_order_number ON tracking_records(order_number)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_records_customer_email ON tracking_records(customer_email)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_records_next_check_at ON tracking_records(next_check_at)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  tracking_id BIGINT NOT NULL REFERENCES tracking_records(id) ON DELETE CASCADE,
  status TEXT NOT NULL,
  vendor_code TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  location TEXT NULL,
  event_time TIMESTAMPTZ NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_tracking_id_event_time ON tracking_events(tracking_id, event_time ASC)`,
		// Idempotent ingestion under repeated polls.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_events_dedup ON tracking_events(tracking_id, vendor_code, event_time)`,
		`
CREATE TABLE IF NOT EXISTS audit_log (
  id TEXT PRIMARY KEY,
  entity_type TEXT NOT NULL,
  entity_id TEXT NOT NULL,
  action TEXT NOT NULL,
  changes JSONB NOT NULL DEFAULT '[]',
  performed_by TEXT NOT NULL DEFAULT 'system',
  reason TEXT NOT NULL DEFAULT '',
  order_number TEXT NOT NULL DEFAULT '',
  docket_number TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_order_number ON audit_log(order_number)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_log_entity ON audit_log(entity_type, entity_id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
