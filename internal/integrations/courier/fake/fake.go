// Package fake is a deterministic in-process courier used for local runs and
// demos when no vendor base URL is configured. The stage of a shipment is
// derived from the docket number hash, so repeated polls are stable.
package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier"
	"github.com/AurumAtelier/OrderTrack/internal/statusmap"
)

// codes in shipment order; the hash decides how far along a docket is.
var stages = []struct {
	code   string
	remark string
}{
	{"SORD", "order received"},
	{"SPRC", "processing at origin facility"},
	{"SPU", "shipment picked up"},
	{"SINT", "in transit"},
	{"SOFD", "out for delivery"},
	{"SDELVD", "delivered"},
}

type FakeClient struct{}

func New() *FakeClient { return &FakeClient{} }

func stageFor(docketNumber string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(docketNumber))
	return int(h.Sum32() % uint32(len(stages)))
}

func (f *FakeClient) TrackShipment(ctx context.Context, docketNumber string) (courier.TrackingResult, error) {
	stage := stageFor(docketNumber)
	base := time.Now().UTC().Truncate(24 * time.Hour).Add(-time.Duration(stage) * 24 * time.Hour)

	res := courier.TrackingResult{
		DocketNumber:  docketNumber,
		CurrentCode:   stages[stage].code,
		CurrentStatus: statusmap.Map(stages[stage].code),
	}
	for i := 0; i <= stage; i++ {
		loc := "Jaipur Facility"
		res.Events = append(res.Events, courier.TrackingEvent{
			Code:        stages[i].code,
			Status:      statusmap.Map(stages[i].code),
			Description: stages[i].remark,
			Location:    &loc,
			Timestamp:   base.Add(time.Duration(i) * 24 * time.Hour),
		})
	}
	if stage < len(stages)-1 {
		edd := base.Add(time.Duration(len(stages)) * 24 * time.Hour)
		res.EstimatedDelivery = &edd
	}
	return res, nil
}

func (f *FakeClient) TrackMultiple(ctx context.Context, docketNumbers []string) ([]courier.TrackingResult, error) {
	out := make([]courier.TrackingResult, 0, len(docketNumbers))
	for _, d := range docketNumbers {
		r, err := f.TrackShipment(ctx, d)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (f *FakeClient) CheckServiceability(ctx context.Context, pincode string) bool {
	return len(pincode) == 6
}

func (f *FakeClient) EstimateDelivery(ctx context.Context, originPincode, destPincode string, pickupDate time.Time) *time.Time {
	edd := pickupDate.UTC().Add(5 * 24 * time.Hour)
	return &edd
}

func (f *FakeClient) CancelShipment(ctx context.Context, docketNumber, reason string) (bool, error) {
	// Delivered shipments cannot be cancelled; everything else can.
	return stageFor(docketNumber) < len(stages)-1, nil
}

func (f *FakeClient) DownloadProofOfDelivery(ctx context.Context, docketNumbers []string, fromDate, toDate time.Time) (*string, error) {
	for _, d := range docketNumbers {
		if stageFor(d) == len(stages)-1 {
			link := "https://pod.fake.local/" + d + ".pdf"
			return &link, nil
		}
	}
	return nil, nil
}
