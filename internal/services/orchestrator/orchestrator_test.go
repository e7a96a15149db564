package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/AurumAtelier/OrderTrack/internal/broker/messages"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier"
	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/AurumAtelier/OrderTrack/internal/storage/pgstore"
)

// fakeStore reproduces AppendEvent's semantics in memory: forward-only status,
// (code, timestamp) dedup, at most one Advanced per transition.
type fakeStore struct {
	status models.TrackingStatus
	seen   map[string]bool

	appendErr error

	events       []pgstore.EventInput
	reconciles   []models.OrderStatus
	reconcileErr error
	audits       []models.AuditLogEntry

	pollSuccesses int
	pollFailures  []string
	nextCheckAt   time.Time
}

func newFakeStore(status models.TrackingStatus) *fakeStore {
	return &fakeStore{status: status, seen: map[string]bool{}}
}

func (f *fakeStore) AppendEvent(_ context.Context, _ uint64, in pgstore.EventInput) (pgstore.AppendResult, error) {
	if f.appendErr != nil {
		return pgstore.AppendResult{}, f.appendErr
	}
	res := pgstore.AppendResult{From: f.status, Current: f.status}
	if models.CanAdvance(f.status, in.Status) {
		res.Advanced = true
		res.To = in.Status
		f.status = in.Status
		res.Current = in.Status
	}
	key := fmt.Sprintf("%s|%d", in.VendorCode, in.EventTime.UnixNano())
	if !f.seen[key] {
		f.seen[key] = true
		f.events = append(f.events, in)
		res.EventInserted = true
	}
	return res, nil
}

func (f *fakeStore) RecordPollSuccess(_ context.Context, _ uint64, _, nextCheckAt time.Time, _ *time.Time) error {
	f.pollSuccesses++
	f.nextCheckAt = nextCheckAt
	return nil
}

func (f *fakeStore) RecordPollFailure(_ context.Context, _ uint64, _, nextCheckAt time.Time, pollErr string) error {
	f.pollFailures = append(f.pollFailures, pollErr)
	f.nextCheckAt = nextCheckAt
	return nil
}

func (f *fakeStore) ReconcileOrderStatus(_ context.Context, _ models.OrderKind, _ uint64, status models.OrderStatus, _ time.Time) (bool, error) {
	if f.reconcileErr != nil {
		return false, f.reconcileErr
	}
	f.reconciles = append(f.reconciles, status)
	return true, nil
}

func (f *fakeStore) InsertAuditEntry(_ context.Context, e models.AuditLogEntry) error {
	f.audits = append(f.audits, e)
	return nil
}

type fakeCourier struct {
	result courier.TrackingResult
	err    error
}

func (f *fakeCourier) TrackShipment(context.Context, string) (courier.TrackingResult, error) {
	return f.result, f.err
}
func (f *fakeCourier) TrackMultiple(context.Context, []string) ([]courier.TrackingResult, error) {
	return []courier.TrackingResult{f.result}, f.err
}
func (f *fakeCourier) CheckServiceability(context.Context, string) bool { return true }
func (f *fakeCourier) EstimateDelivery(context.Context, string, string, time.Time) *time.Time {
	return nil
}
func (f *fakeCourier) CancelShipment(context.Context, string, string) (bool, error) {
	return true, nil
}
func (f *fakeCourier) DownloadProofOfDelivery(context.Context, []string, time.Time, time.Time) (*string, error) {
	return nil, nil
}

type transition struct{ from, to models.TrackingStatus }

type fakeNotifier struct{ calls []transition }

func (f *fakeNotifier) StatusChanged(_ context.Context, _ *models.TrackingRecord, prev, next models.TrackingStatus) error {
	f.calls = append(f.calls, transition{prev, next})
	return nil
}

type fakeWebhook struct{ events []string }

func (f *fakeWebhook) Dispatch(_ context.Context, event string, _ any) error {
	f.events = append(f.events, event)
	return nil
}

type fakePublisher struct {
	topic  string
	values [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, topic string, _, value []byte) error {
	f.topic = topic
	f.values = append(f.values, value)
	return nil
}

func docket(s string) *string { return &s }

func testRecord(status models.TrackingStatus) *models.TrackingRecord {
	return &models.TrackingRecord{
		ID:            7,
		OrderID:       42,
		OrderKind:     models.OrderKindNormal,
		OrderNumber:   "AU-2026-000451",
		CustomerEmail: "buyer@example.com",
		Status:        status,
		DocketNumber:  docket("VEX123456"),
	}
}

func event(code string, at time.Time) courier.TrackingEvent {
	return courier.TrackingEvent{
		Code:        code,
		Status:      mapCode(code),
		Description: "scan",
		Timestamp:   at,
	}
}

func mapCode(code string) models.TrackingStatus {
	switch code {
	case "SORD":
		return models.StatusOrderPlaced
	case "SPRC":
		return models.StatusProcessing
	case "SPU":
		return models.StatusPackaging
	case "SINT":
		return models.StatusInTransit
	case "SOTR", "SOFD":
		return models.StatusOnTheRoad
	case "SDELVD":
		return models.StatusDelivered
	}
	return models.StatusOrderPlaced
}

func newTestOrchestrator(store *fakeStore, cc courier.Client) (*Orchestrator, *fakeNotifier, *fakeWebhook, *fakePublisher) {
	notify := &fakeNotifier{}
	wh := &fakeWebhook{}
	pub := &fakePublisher{}
	o := New(store, cc, notify, wh, pub, "order.status.changed", 30*time.Minute)
	return o, notify, wh, pub
}

func TestSync_NoDocket(t *testing.T) {
	store := newFakeStore(models.StatusOrderPlaced)
	o, _, _, _ := newTestOrchestrator(store, &fakeCourier{})

	rec := testRecord(models.StatusOrderPlaced)
	rec.DocketNumber = nil
	require.NoError(t, o.Sync(context.Background(), rec))
	require.Zero(t, store.pollSuccesses)
	require.Empty(t, store.events)
}

func TestSync_AdvancesAndFansOut(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	cc := &fakeCourier{result: courier.TrackingResult{
		DocketNumber:  "VEX123456",
		CurrentCode:   "SINT",
		CurrentStatus: models.StatusInTransit,
		// out of order on purpose; Sync must sort ascending
		Events: []courier.TrackingEvent{
			event("SINT", base.Add(2*time.Hour)),
			event("SPRC", base),
			event("SPU", base.Add(time.Hour)),
		},
	}}
	store := newFakeStore(models.StatusOrderPlaced)
	o, notify, wh, pub := newTestOrchestrator(store, cc)

	require.NoError(t, o.Sync(context.Background(), testRecord(models.StatusOrderPlaced)))

	require.Equal(t, models.StatusInTransit, store.status)
	require.Equal(t, []transition{
		{models.StatusOrderPlaced, models.StatusProcessing},
		{models.StatusProcessing, models.StatusPackaging},
		{models.StatusPackaging, models.StatusInTransit},
	}, notify.calls)
	require.Equal(t, []models.OrderStatus{
		models.OrderStatusProcessing,
		models.OrderStatusProcessing,
		models.OrderStatusShipped,
	}, store.reconciles)
	require.Len(t, store.audits, 3)
	require.Equal(t, models.AuditActionShip, store.audits[2].Action)
	require.Len(t, wh.events, 3)

	require.Equal(t, "order.status.changed", pub.topic)
	require.Len(t, pub.values, 3)
	var last messages.OrderStatusChanged
	require.NoError(t, json.Unmarshal(pub.values[2], &last))
	require.Equal(t, models.StatusInTransit, last.NewStatus)
	require.Equal(t, models.OrderStatusShipped, last.OrderStatus)

	require.Equal(t, 1, store.pollSuccesses)
}

func TestSync_OnTheRoadAuditsAsShip(t *testing.T) {
	// a parcel whose first observed in-flight scan is already ON_THE_ROAD
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	cc := &fakeCourier{result: courier.TrackingResult{
		DocketNumber:  "VEX123456",
		CurrentCode:   "SOTR",
		CurrentStatus: models.StatusOnTheRoad,
		Events:        []courier.TrackingEvent{event("SOTR", base)},
	}}
	store := newFakeStore(models.StatusPackaging)
	o, _, _, _ := newTestOrchestrator(store, cc)

	require.NoError(t, o.Sync(context.Background(), testRecord(models.StatusPackaging)))
	require.Equal(t, models.StatusOnTheRoad, store.status)
	require.Len(t, store.audits, 1)
	require.Equal(t, models.AuditActionShip, store.audits[0].Action)
}

func TestSync_RepeatedPollIsSilent(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	cc := &fakeCourier{result: courier.TrackingResult{
		DocketNumber:  "VEX123456",
		CurrentCode:   "SPRC",
		CurrentStatus: models.StatusProcessing,
		Events:        []courier.TrackingEvent{event("SPRC", base)},
	}}
	store := newFakeStore(models.StatusOrderPlaced)
	o, notify, _, pub := newTestOrchestrator(store, cc)

	rec := testRecord(models.StatusOrderPlaced)
	require.NoError(t, o.Sync(context.Background(), rec))
	rec.Status = models.StatusProcessing
	require.NoError(t, o.Sync(context.Background(), rec))

	// second cycle: same payload, no new side effects
	require.Len(t, notify.calls, 1)
	require.Len(t, pub.values, 1)
	require.Len(t, store.events, 1)
	require.Equal(t, 2, store.pollSuccesses)
}

func TestSync_ShipmentLevelStatusWithoutEvents(t *testing.T) {
	cc := &fakeCourier{result: courier.TrackingResult{
		DocketNumber:  "VEX123456",
		CurrentCode:   "SOFD",
		CurrentStatus: models.StatusOnTheRoad,
	}}
	store := newFakeStore(models.StatusInTransit)
	o, notify, _, _ := newTestOrchestrator(store, cc)

	require.NoError(t, o.Sync(context.Background(), testRecord(models.StatusInTransit)))
	require.Equal(t, models.StatusOnTheRoad, store.status)
	require.Equal(t, []transition{{models.StatusInTransit, models.StatusOnTheRoad}}, notify.calls)
}

func TestSync_BackwardStatusIgnored(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	cc := &fakeCourier{result: courier.TrackingResult{
		DocketNumber:  "VEX123456",
		CurrentCode:   "SPRC",
		CurrentStatus: models.StatusProcessing,
		Events:        []courier.TrackingEvent{event("SPRC", base)},
	}}
	store := newFakeStore(models.StatusOnTheRoad)
	o, notify, _, _ := newTestOrchestrator(store, cc)

	require.NoError(t, o.Sync(context.Background(), testRecord(models.StatusOnTheRoad)))
	require.Equal(t, models.StatusOnTheRoad, store.status)
	require.Empty(t, notify.calls)
	require.Equal(t, 1, store.pollSuccesses)
}

func TestSync_CourierFailureKeepsCachedState(t *testing.T) {
	cc := &fakeCourier{err: fmt.Errorf("connection reset")}
	store := newFakeStore(models.StatusInTransit)
	o, notify, _, _ := newTestOrchestrator(store, cc)

	rec := testRecord(models.StatusInTransit)
	rec.CheckFailCount = 1
	now := time.Now()

	require.NoError(t, o.Sync(context.Background(), rec))
	require.Empty(t, notify.calls)
	require.Len(t, store.pollFailures, 1)
	require.Contains(t, store.pollFailures[0], "connection reset")
	// second consecutive failure: backoff is 4x the base interval
	require.WithinDuration(t, now.Add(2*time.Hour), store.nextCheckAt, time.Minute)
}

func TestSync_PersistenceFailureAborts(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	cc := &fakeCourier{result: courier.TrackingResult{
		DocketNumber:  "VEX123456",
		CurrentCode:   "SPRC",
		CurrentStatus: models.StatusProcessing,
		Events:        []courier.TrackingEvent{event("SPRC", base)},
	}}
	store := newFakeStore(models.StatusOrderPlaced)
	store.appendErr = fmt.Errorf("pg down")
	o, notify, _, _ := newTestOrchestrator(store, cc)

	err := o.Sync(context.Background(), testRecord(models.StatusOrderPlaced))
	require.Error(t, err)
	require.Empty(t, notify.calls)
	require.Zero(t, store.pollSuccesses)
}

func TestSync_ReconcileFailureDoesNotAbort(t *testing.T) {
	base := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	cc := &fakeCourier{result: courier.TrackingResult{
		DocketNumber:  "VEX123456",
		CurrentCode:   "SPRC",
		CurrentStatus: models.StatusProcessing,
		Events:        []courier.TrackingEvent{event("SPRC", base)},
	}}
	store := newFakeStore(models.StatusOrderPlaced)
	store.reconcileErr = fmt.Errorf("orders table locked")
	o, notify, _, _ := newTestOrchestrator(store, cc)

	require.NoError(t, o.Sync(context.Background(), testRecord(models.StatusOrderPlaced)))
	require.Len(t, notify.calls, 1)
	require.Equal(t, 1, store.pollSuccesses)
}

func TestFailureBackoff_Capped(t *testing.T) {
	o := New(nil, nil, nil, nil, nil, "t", 30*time.Minute)
	require.Equal(t, time.Hour, o.failureBackoff(1))
	require.Equal(t, 8*time.Hour, o.failureBackoff(4))
	require.Equal(t, 8*time.Hour, o.failureBackoff(12))
}
