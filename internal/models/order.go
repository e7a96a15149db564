package models

import "time"

// OrderStatus is the commercial projection of the tracking state. It is never
// set directly outside creation (pending) and the reconcile/cancel/return paths.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusReturned   OrderStatus = "returned"
)

// orderStatusByTracking is the fixed reconciliation table.
var orderStatusByTracking = map[TrackingStatus]OrderStatus{
	StatusOrderPlaced: OrderStatusPending,
	StatusProcessing:  OrderStatusProcessing,
	StatusPackaging:   OrderStatusProcessing,
	StatusInTransit:   OrderStatusShipped,
	StatusOnTheRoad:   OrderStatusShipped,
	StatusDelivered:   OrderStatusDelivered,
	StatusCancelled:   OrderStatusCancelled,
}

// OrderStatusFor projects a tracking status onto the commercial order status.
func OrderStatusFor(s TrackingStatus) (OrderStatus, bool) {
	os, ok := orderStatusByTracking[s]
	return os, ok
}

type Order struct {
	ID          uint64
	OrderNumber string
	UserID      uint64
	Kind        OrderKind

	Items []OrderItem

	BillingAddress  Address
	ShippingAddress Address

	PaymentMethod string
	PaymentStatus string

	Status OrderStatus

	// Totals in minor currency units (paise).
	Subtotal    int64
	ShippingFee int64
	TotalAmount int64

	OrderedAt   time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
	ReturnedAt  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

type OrderItem struct {
	ID         uint64
	OrderID    uint64
	ProductRef string
	Name       string
	Quantity   int32
	UnitPrice  int64
	LineTotal  int64
}

type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state"`
	Pincode    string `json:"pincode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type User struct {
	ID    uint64
	Email string
	Name  string
}
