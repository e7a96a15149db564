package courier

import (
	"context"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/pkg/errors"
)

// ErrInvalidDocket marks a vendor 4xx caused by bad input. Never retried.
var ErrInvalidDocket = errors.New("invalid docket number")

type TrackingEvent struct {
	Code        string
	Status      models.TrackingStatus
	Description string
	Location    *string
	Timestamp   time.Time
}

type TrackingResult struct {
	DocketNumber      string
	CurrentCode       string
	CurrentStatus     models.TrackingStatus
	EstimatedDelivery *time.Time
	Events            []TrackingEvent
}

type Client interface {
	TrackShipment(ctx context.Context, docketNumber string) (TrackingResult, error)
	TrackMultiple(ctx context.Context, docketNumbers []string) ([]TrackingResult, error)

	// CheckServiceability is best-effort: any failure reads as "not serviceable".
	CheckServiceability(ctx context.Context, pincode string) bool

	// EstimateDelivery returns nil on any failure.
	EstimateDelivery(ctx context.Context, originPincode, destPincode string, pickupDate time.Time) *time.Time

	// CancelShipment returns false when the vendor refused the cancellation.
	CancelShipment(ctx context.Context, docketNumber, reason string) (bool, error)

	// DownloadProofOfDelivery returns nil when the document is not ready yet.
	// That is a normal outcome, not an error; callers retry on a later request.
	DownloadProofOfDelivery(ctx context.Context, docketNumbers []string, fromDate, toDate time.Time) (*string, error)
}
