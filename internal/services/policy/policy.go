// Package policy enforces the customer-facing rules around cancellation and
// returns. The gate decides whether an action is allowed and, when it is,
// commits it through the same store guard the poller uses, so a cancellation
// can never race past a delivery.
package policy

import (
	"context"
	"log/slog"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/errs"
	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/AurumAtelier/OrderTrack/internal/storage/pgstore"
	"github.com/pkg/errors"
)

// cancelVendorCode marks internally initiated cancellations in the event
// history. Same code the vendor uses, so a later vendor SCAN scan dedups
// into the same status.
const cancelVendorCode = "SCAN"

type Store interface {
	AppendEvent(ctx context.Context, trackingID uint64, in pgstore.EventInput) (pgstore.AppendResult, error)
	ReconcileOrderStatus(ctx context.Context, kind models.OrderKind, orderID uint64, status models.OrderStatus, now time.Time) (bool, error)
	InsertAuditEntry(ctx context.Context, e models.AuditLogEntry) error
	UpsertReturnRequest(ctx context.Context, trackingID uint64, req models.ReturnRequest) (*models.ReturnRequest, error)
}

// CourierCanceller is the one courier capability the gate needs.
type CourierCanceller interface {
	CancelShipment(ctx context.Context, docketNumber, reason string) (bool, error)
}

// Announcer fans a committed transition out to the order table, audit log,
// notifications, the status stream and the webhook endpoint.
type Announcer interface {
	Announce(ctx context.Context, rec *models.TrackingRecord, from, to models.TrackingStatus, performedBy, reason string)
}

type ReturnNotifier interface {
	ReturnRequested(ctx context.Context, rec *models.TrackingRecord, reason string, refundAmount int64) error
}

type Gate struct {
	store    Store
	courier  CourierCanceller
	announce Announcer
	notify   ReturnNotifier

	cancelWindow time.Duration
	returnFee    int64

	now func() time.Time
}

func New(store Store, cc CourierCanceller, announce Announcer, notify ReturnNotifier, cancelWindow time.Duration, returnFee int64) *Gate {
	if cancelWindow <= 0 {
		cancelWindow = 48 * time.Hour
	}
	return &Gate{
		store:        store,
		courier:      cc,
		announce:     announce,
		notify:       notify,
		cancelWindow: cancelWindow,
		returnFee:    returnFee,
		now:          time.Now,
	}
}

// Cancel runs the full cancellation flow: policy checks, courier-side cancel
// when a docket exists, then the CANCELLED transition through the store guard.
func (g *Gate) Cancel(ctx context.Context, rec *models.TrackingRecord, order *models.Order, reason, actor string) error {
	switch rec.Status {
	case models.StatusDelivered:
		return errs.PolicyViolationf("order %s is already delivered and can no longer be cancelled", rec.OrderNumber)
	case models.StatusCancelled:
		return errs.PolicyViolationf("order %s is already cancelled", rec.OrderNumber)
	}

	now := g.now().UTC()
	if now.Sub(order.OrderedAt) > g.cancelWindow {
		return errs.PolicyViolationf("cancellation window of %dh has passed for order %s",
			int(g.cancelWindow.Hours()), rec.OrderNumber)
	}

	// Once the parcel has a docket the courier must agree before we flip
	// anything locally; otherwise money and metal part ways.
	if rec.DocketNumber != nil {
		ok, err := g.courier.CancelShipment(ctx, *rec.DocketNumber, reason)
		if err != nil {
			return err
		}
		if !ok {
			return errs.CourierCancelFailedf("courier refused to cancel docket %s", *rec.DocketNumber)
		}
	}

	res, err := g.store.AppendEvent(ctx, rec.ID, pgstore.EventInput{
		Status:      models.StatusCancelled,
		VendorCode:  cancelVendorCode,
		Description: reason,
		EventTime:   now,
	})
	if err != nil {
		return errors.Wrap(err, "commit cancellation")
	}
	if !res.Advanced {
		// lost a race between the policy check and the commit
		if res.Current == models.StatusDelivered {
			return errs.PolicyViolationf("order %s was delivered while the cancellation was in flight", rec.OrderNumber)
		}
		return errs.PolicyViolationf("order %s is already cancelled", rec.OrderNumber)
	}

	g.announce.Announce(ctx, rec, res.From, models.StatusCancelled, actor, reason)
	return nil
}

// RequestReturn registers a return for a delivered order. Repeated requests
// update the stored one instead of stacking. The refund is the order total
// minus the flat return fee, waived when the fault is the workshop's.
func (g *Gate) RequestReturn(ctx context.Context, rec *models.TrackingRecord, order *models.Order, reason string, manufacturerFault bool) (*models.ReturnRequest, error) {
	if rec.Status != models.StatusDelivered {
		return nil, errs.PolicyViolationf("returns are only accepted after delivery; order %s is %s",
			rec.OrderNumber, rec.Status)
	}
	if reason == "" {
		return nil, errs.Validationf("return reason is required")
	}

	now := g.now().UTC()
	refund := order.TotalAmount
	if !manufacturerFault {
		refund -= g.returnFee
		if refund < 0 {
			refund = 0
		}
	}

	saved, err := g.store.UpsertReturnRequest(ctx, rec.ID, models.ReturnRequest{
		Reason:            reason,
		ManufacturerFault: manufacturerFault,
		RefundAmount:      refund,
		RequestedAt:       now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "save return request")
	}

	if _, err := g.store.ReconcileOrderStatus(ctx, rec.OrderKind, rec.OrderID, models.OrderStatusReturned, now); err != nil {
		slog.Error("order return reconcile failed", "order_number", rec.OrderNumber, "error", err.Error())
	}

	entry := models.AuditLogEntry{
		EntityType:  "order",
		EntityID:    rec.OrderNumber,
		Action:      models.AuditActionUpdate,
		Changes:     []models.FieldChange{{Field: "return_request", Old: "", New: reason}},
		PerformedBy: rec.CustomerEmail,
		Reason:      reason,
		Metadata:    models.AuditMetadata{OrderNumber: rec.OrderNumber},
	}
	if err := g.store.InsertAuditEntry(ctx, entry); err != nil {
		slog.Error("return audit insert failed", "order_number", rec.OrderNumber, "error", err.Error())
	}

	if g.notify != nil {
		if err := g.notify.ReturnRequested(ctx, rec, reason, refund); err != nil {
			slog.Error("return notification dropped", "order_number", rec.OrderNumber, "error", err.Error())
		}
	}
	return saved, nil
}
