// Package orchestrator runs one full synchronization cycle for a tracking
// record: poll the courier, fold the events into the stored state, and fan the
// resulting transitions out to the order table, the audit log, notifications,
// the status stream and the webhook endpoint.
//
// The hard guarantee lives in the store, not here: AppendEvent hands
// Advanced=true to at most one caller per transition, so every side effect
// below fires exactly once per real state change no matter how many workers
// poll the same record.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/broker/messages"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier"
	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/AurumAtelier/OrderTrack/internal/storage/pgstore"
	"github.com/pkg/errors"
)

type Store interface {
	AppendEvent(ctx context.Context, trackingID uint64, in pgstore.EventInput) (pgstore.AppendResult, error)
	RecordPollSuccess(ctx context.Context, trackingID uint64, checkedAt, nextCheckAt time.Time, estimatedDelivery *time.Time) error
	RecordPollFailure(ctx context.Context, trackingID uint64, checkedAt, nextCheckAt time.Time, pollErr string) error
	ReconcileOrderStatus(ctx context.Context, kind models.OrderKind, orderID uint64, status models.OrderStatus, now time.Time) (bool, error)
	InsertAuditEntry(ctx context.Context, e models.AuditLogEntry) error
}

type Notifier interface {
	StatusChanged(ctx context.Context, rec *models.TrackingRecord, previous, next models.TrackingStatus) error
}

type WebhookSender interface {
	Dispatch(ctx context.Context, event string, payload any) error
}

type EventPublisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

const maxFailureBackoffShift = 4

type Orchestrator struct {
	store   Store
	courier courier.Client
	notify  Notifier
	webhook WebhookSender
	events  EventPublisher

	topic    string
	interval time.Duration

	now func() time.Time
}

func New(store Store, cc courier.Client, notify Notifier, webhook WebhookSender, events EventPublisher, topic string, interval time.Duration) *Orchestrator {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Orchestrator{
		store:    store,
		courier:  cc,
		notify:   notify,
		webhook:  webhook,
		events:   events,
		topic:    topic,
		interval: interval,
		now:      time.Now,
	}
}

// failureBackoff doubles the poll interval per consecutive failure, capped so
// a flaky vendor never pushes a record out more than 16 intervals.
func (o *Orchestrator) failureBackoff(failCount int32) time.Duration {
	shift := failCount
	if shift > maxFailureBackoffShift {
		shift = maxFailureBackoffShift
	}
	return o.interval << shift
}

// Sync runs one cycle for the record. A courier failure is not an error here:
// the cached state stands, the failure is booked, the next check backs off.
// Only a persistence failure aborts the cycle.
func (o *Orchestrator) Sync(ctx context.Context, rec *models.TrackingRecord) error {
	if rec.DocketNumber == nil {
		// Nothing to poll until the admin assigns a docket.
		return nil
	}
	docket := *rec.DocketNumber
	now := o.now().UTC()

	result, err := o.courier.TrackShipment(ctx, docket)
	if err != nil {
		next := now.Add(o.failureBackoff(rec.CheckFailCount + 1))
		slog.Warn("courier poll failed",
			"tracking_id", rec.ID, "docket", docket,
			"fail_count", rec.CheckFailCount+1, "error", err.Error())
		if perr := o.store.RecordPollFailure(ctx, rec.ID, now, next, err.Error()); perr != nil {
			return errors.Wrap(perr, "record poll failure")
		}
		return nil
	}

	events := append([]courier.TrackingEvent(nil), result.Events...)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	current := rec.Status
	for _, ev := range events {
		res, err := o.store.AppendEvent(ctx, rec.ID, pgstore.EventInput{
			Status:      ev.Status,
			VendorCode:  ev.Code,
			Description: ev.Description,
			Location:    ev.Location,
			EventTime:   ev.Timestamp,
		})
		if err != nil {
			return errors.Wrapf(err, "append event %s", ev.Code)
		}
		current = res.Current
		if res.Advanced {
			o.fanOut(ctx, rec, res.From, res.To, "system", "")
		}
	}

	// Some vendors report a newer shipment-level status with no matching
	// event row. Fold it in so the record never lags the vendor.
	if models.CanAdvance(current, result.CurrentStatus) {
		res, err := o.store.AppendEvent(ctx, rec.ID, pgstore.EventInput{
			Status:      result.CurrentStatus,
			VendorCode:  result.CurrentCode,
			Description: "shipment status reported without event detail",
			EventTime:   now,
		})
		if err != nil {
			return errors.Wrap(err, "append shipment-level event")
		}
		if res.Advanced {
			o.fanOut(ctx, rec, res.From, res.To, "system", "")
		}
	}

	if err := o.store.RecordPollSuccess(ctx, rec.ID, now, now.Add(o.interval), result.EstimatedDelivery); err != nil {
		return errors.Wrap(err, "record poll success")
	}
	return nil
}

// Announce runs the side effects for a transition committed outside the
// polling path, e.g. a customer cancellation. The caller vouches that the
// transition really happened (Advanced=true from the store).
func (o *Orchestrator) Announce(ctx context.Context, rec *models.TrackingRecord, from, to models.TrackingStatus, performedBy, reason string) {
	o.fanOut(ctx, rec, from, to, performedBy, reason)
}

// fanOut runs the per-transition side effects. Everything here is best-effort:
// the transition is already committed, so failures are logged and dropped
// rather than rolled back.
func (o *Orchestrator) fanOut(ctx context.Context, rec *models.TrackingRecord, from, to models.TrackingStatus, performedBy, reason string) {
	now := o.now().UTC()
	docket := ""
	if rec.DocketNumber != nil {
		docket = *rec.DocketNumber
	}

	if orderStatus, ok := models.OrderStatusFor(to); ok {
		if _, err := o.store.ReconcileOrderStatus(ctx, rec.OrderKind, rec.OrderID, orderStatus, now); err != nil {
			slog.Error("order reconcile failed",
				"order_number", rec.OrderNumber, "to", to, "error", err.Error())
		}
	}

	entry := models.AuditLogEntry{
		EntityType: "tracking",
		EntityID:   rec.OrderNumber,
		Action:     auditActionFor(to),
		Changes: []models.FieldChange{
			{Field: "status", Old: string(from), New: string(to)},
		},
		PerformedBy: performedBy,
		Reason:      reason,
		Metadata: models.AuditMetadata{
			OrderNumber:  rec.OrderNumber,
			DocketNumber: docket,
		},
	}
	if err := o.store.InsertAuditEntry(ctx, entry); err != nil {
		slog.Error("audit insert failed", "order_number", rec.OrderNumber, "error", err.Error())
	}

	if o.notify != nil {
		if err := o.notify.StatusChanged(ctx, rec, from, to); err != nil {
			slog.Error("status notification dropped", "order_number", rec.OrderNumber, "error", err.Error())
		}
	}

	o.publishStatusChanged(ctx, rec, from, to, now)

	if o.webhook != nil {
		payload := map[string]any{
			"order_number":    rec.OrderNumber,
			"docket_number":   docket,
			"previous_status": from,
			"new_status":      to,
			"occurred_at":     now,
		}
		if err := o.webhook.Dispatch(ctx, "order.status_changed", payload); err != nil {
			slog.Error("webhook delivery dropped", "order_number", rec.OrderNumber, "error", err.Error())
		}
	}
}

func (o *Orchestrator) publishStatusChanged(ctx context.Context, rec *models.TrackingRecord, from, to models.TrackingStatus, now time.Time) {
	if o.events == nil {
		return
	}
	orderStatus, _ := models.OrderStatusFor(to)
	msg := messages.OrderStatusChanged{
		OrderNumber:    rec.OrderNumber,
		PreviousStatus: from,
		NewStatus:      to,
		OrderStatus:    orderStatus,
		OccurredAt:     now,
	}
	if rec.DocketNumber != nil {
		msg.DocketNumber = *rec.DocketNumber
	}
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("status event marshal failed", "order_number", rec.OrderNumber, "error", err.Error())
		return
	}
	if err := o.events.Publish(ctx, o.topic, []byte(rec.OrderNumber), b); err != nil {
		slog.Error("status event dropped", "order_number", rec.OrderNumber, "error", err.Error())
	}
}

func auditActionFor(to models.TrackingStatus) models.AuditAction {
	switch to {
	case models.StatusDelivered:
		return models.AuditActionDeliver
	case models.StatusCancelled:
		return models.AuditActionCancel
	case models.StatusInTransit, models.StatusOnTheRoad:
		return models.AuditActionShip
	default:
		return models.AuditActionStatusChange
	}
}
