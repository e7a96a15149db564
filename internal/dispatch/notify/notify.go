// Package notify turns observed transitions into notification jobs for the
// mail pipeline. A best-effort side channel: a few quick attempts, then the
// failure is reported to the caller and the transition stands.
package notify

import (
	"context"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/broker/messages"
	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/AurumAtelier/OrderTrack/internal/retry"
)

type Publisher interface {
	PublishNotification(ctx context.Context, job any) error
}

type Dispatcher struct {
	pub        Publisher
	adminEmail string
	retry      retry.Config
}

func New(pub Publisher, adminEmail string) *Dispatcher {
	return &Dispatcher{
		pub:        pub,
		adminEmail: adminEmail,
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2,
			Jitter:      true,
		},
	}
}

func (d *Dispatcher) publish(ctx context.Context, job messages.NotificationJob) error {
	job.QueuedAt = time.Now().UTC()
	_, err := retry.Do(ctx, "notify.publish", d.retry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, d.pub.PublishNotification(ctx, job)
	})
	return err
}

// StatusChanged sends exactly one customer message per transition.
func (d *Dispatcher) StatusChanged(ctx context.Context, rec *models.TrackingRecord, previous, next models.TrackingStatus) error {
	return d.publish(ctx, messages.NotificationJob{
		Kind:           "status_update",
		Recipient:      rec.CustomerEmail,
		OrderNumber:    rec.OrderNumber,
		PreviousStatus: previous,
		NewStatus:      next,
	})
}

// ReturnRequested triggers both the admin-facing and the customer-facing
// message. Content rendering is downstream; this is just the trigger point.
func (d *Dispatcher) ReturnRequested(ctx context.Context, rec *models.TrackingRecord, reason string, refundAmount int64) error {
	adminJob := messages.NotificationJob{
		Kind:         "return_requested_admin",
		Recipient:    d.adminEmail,
		OrderNumber:  rec.OrderNumber,
		Reason:       reason,
		RefundAmount: refundAmount,
	}
	customerJob := messages.NotificationJob{
		Kind:         "return_requested_customer",
		Recipient:    rec.CustomerEmail,
		OrderNumber:  rec.OrderNumber,
		Reason:       reason,
		RefundAmount: refundAmount,
	}
	if err := d.publish(ctx, adminJob); err != nil {
		return err
	}
	return d.publish(ctx, customerJob)
}
