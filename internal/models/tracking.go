package models

import "time"

// Канонические статусы доставки. Порядок важен: статус двигается только вперёд.
type TrackingStatus string

const (
	StatusOrderPlaced TrackingStatus = "ORDER_PLACED"
	StatusProcessing  TrackingStatus = "PROCESSING"
	StatusPackaging   TrackingStatus = "PACKAGING"
	StatusInTransit   TrackingStatus = "IN_TRANSIT"
	StatusOnTheRoad   TrackingStatus = "ON_THE_ROAD"
	StatusDelivered   TrackingStatus = "DELIVERED"
	StatusCancelled   TrackingStatus = "CANCELLED"
)

// statusRank defines the canonical forward ordering. CANCELLED is deliberately
// absent: it is an escape hatch, not a point on the line.
var statusRank = map[TrackingStatus]int{
	StatusOrderPlaced: 0,
	StatusProcessing:  1,
	StatusPackaging:   2,
	StatusInTransit:   3,
	StatusOnTheRoad:   4,
	StatusDelivered:   5,
}

// StatusRank returns the position of s in the canonical ordering and whether s
// participates in it at all (CANCELLED and unknown values do not).
func StatusRank(s TrackingStatus) (int, bool) {
	r, ok := statusRank[s]
	return r, ok
}

func IsTerminal(s TrackingStatus) bool {
	return s == StatusDelivered || s == StatusCancelled
}

// CanAdvance reports whether a transition from -> to is a legal move.
// Forward-only along the canonical ordering; CANCELLED is reachable from any
// non-terminal state and from nowhere else. Same-status is not an advance.
func CanAdvance(from, to TrackingStatus) bool {
	if from == to {
		return false
	}
	if to == StatusCancelled {
		return !IsTerminal(from)
	}
	fr, ok := statusRank[from]
	if !ok {
		// from==CANCELLED (or garbage): nothing moves out of it.
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// progress percentages served to the UI layer.
var statusProgress = map[TrackingStatus]int{
	StatusOrderPlaced: 20,
	StatusProcessing:  40,
	StatusPackaging:   60,
	StatusInTransit:   70,
	StatusOnTheRoad:   80,
	StatusDelivered:   100,
	StatusCancelled:   0,
}

func StatusProgress(s TrackingStatus) int {
	return statusProgress[s]
}

// OrderKind discriminates which order collection a tracking record points to.
// The two collections of the legacy system live in one table now, but the
// discriminator is kept so lookups stay explicit.
type OrderKind string

const (
	OrderKindNormal     OrderKind = "normal"
	OrderKindCustomized OrderKind = "customized"
)

type TrackingRecord struct {
	ID uint64

	OrderID   uint64
	OrderKind OrderKind

	// Denormalized for the two hot lookup paths.
	OrderNumber   string
	CustomerEmail string

	Status       TrackingStatus
	DocketNumber *string

	EstimatedDelivery *time.Time
	DeliveredAt       *time.Time
	PODLink           *string

	ReturnRequest *ReturnRequest

	// Courier polling bookkeeping.
	LastCheckedAt  *time.Time
	NextCheckAt    time.Time
	CheckFailCount int32
	LastError      *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

type TrackingEvent struct {
	ID         uint64
	TrackingID uint64

	Status      TrackingStatus
	VendorCode  string
	Description string
	Location    *string
	EventTime   time.Time

	CreatedAt time.Time
}

type ReturnRequest struct {
	Reason            string     `json:"reason"`
	ManufacturerFault bool       `json:"manufacturer_fault"`
	RefundAmount      int64      `json:"refund_amount"`
	RequestedAt       time.Time  `json:"requested_at"`
	UpdatedAt         *time.Time `json:"updated_at,omitempty"`
}
