// Package statusmap translates courier vendor status codes into canonical
// tracking statuses. Pure lookup, no I/O.
package statusmap

import (
	"strings"

	"github.com/AurumAtelier/OrderTrack/internal/models"
)

// Vendor codes as observed on the wire. Vendors add codes without notice, so
// unknown codes fall back to the least-advanced status instead of failing.
var table = map[string]models.TrackingStatus{
	"SORD":   models.StatusOrderPlaced,
	"SPRC":   models.StatusProcessing,
	"SPU":    models.StatusPackaging,
	"SPUD":   models.StatusPackaging,
	"SINT":   models.StatusInTransit,
	"SOPM":   models.StatusInTransit, // out for pickup from origin hub
	"SOTR":   models.StatusOnTheRoad,
	"SOFD":   models.StatusOnTheRoad, // out for delivery
	"SDELVD": models.StatusDelivered,
	"SDEL":   models.StatusDelivered,
	"SCAN":   models.StatusCancelled,
	"SRTO":   models.StatusCancelled, // returned to origin counts as cancelled transit
}

// Map returns the canonical status for a vendor code. Codes are matched
// case-insensitively; unknown codes map to ORDER_PLACED.
func Map(code string) models.TrackingStatus {
	if s, ok := table[strings.ToUpper(strings.TrimSpace(code))]; ok {
		return s
	}
	return models.StatusOrderPlaced
}

// Known reports whether the code is in the table (used by callers that want to
// log unexpected vendor codes without changing behavior).
func Known(code string) bool {
	_, ok := table[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}
