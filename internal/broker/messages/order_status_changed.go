package messages

import (
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/models"
)

// OrderStatusChanged is published exactly once per observed transition.
// Downstream consumers (including our own API process, which invalidates its
// snapshot cache) key on OrderNumber.
type OrderStatusChanged struct {
	OrderNumber    string                `json:"order_number"`
	DocketNumber   string                `json:"docket_number,omitempty"`
	PreviousStatus models.TrackingStatus `json:"previous_status"`
	NewStatus      models.TrackingStatus `json:"new_status"`
	OrderStatus    models.OrderStatus    `json:"order_status"`
	OccurredAt     time.Time             `json:"occurred_at"`
}

// NotificationJob is the payload handed to the mail pipeline. Content
// rendering happens downstream; this core only triggers.
type NotificationJob struct {
	Kind           string                `json:"kind"` // status_update | return_requested_admin | return_requested_customer
	Recipient      string                `json:"recipient"`
	OrderNumber    string                `json:"order_number"`
	PreviousStatus models.TrackingStatus `json:"previous_status,omitempty"`
	NewStatus      models.TrackingStatus `json:"new_status,omitempty"`
	Reason         string                `json:"reason,omitempty"`
	RefundAmount   int64                 `json:"refund_amount,omitempty"`
	QueuedAt       time.Time             `json:"queued_at"`
}
