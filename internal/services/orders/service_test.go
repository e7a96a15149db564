package orders

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/AurumAtelier/OrderTrack/internal/broker/messages"
	"github.com/AurumAtelier/OrderTrack/internal/cache/rediscache"
	"github.com/AurumAtelier/OrderTrack/internal/errs"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier"
	"github.com/AurumAtelier/OrderTrack/internal/models"
)

type fakeRepo struct {
	rec    *models.TrackingRecord
	order  *models.Order
	events []*models.TrackingEvent
	audits []models.AuditLogEntry

	assignedDocket string
	podLink        string
}

func (f *fakeRepo) GetTrackingByNumberAndEmail(_ context.Context, orderNumber, email string) (*models.TrackingRecord, *models.Order, error) {
	if f.rec == nil || f.rec.OrderNumber != orderNumber || f.rec.CustomerEmail != email {
		return nil, nil, errs.NotFoundf("order %s not found", orderNumber)
	}
	return f.rec, f.order, nil
}

func (f *fakeRepo) GetTrackingByID(_ context.Context, id uint64) (*models.TrackingRecord, error) {
	if f.rec == nil || f.rec.ID != id {
		return nil, errs.NotFoundf("tracking %d not found", id)
	}
	return f.rec, nil
}

func (f *fakeRepo) GetOrderByNumber(_ context.Context, orderNumber string) (*models.Order, error) {
	if f.order == nil || f.order.OrderNumber != orderNumber {
		return nil, errs.NotFoundf("order %s not found", orderNumber)
	}
	return f.order, nil
}

func (f *fakeRepo) GetTrackingByOrderRef(_ context.Context, _ models.OrderKind, orderID uint64) (*models.TrackingRecord, error) {
	if f.rec == nil || f.rec.OrderID != orderID {
		return nil, errs.NotFoundf("tracking for order %d not found", orderID)
	}
	return f.rec, nil
}

func (f *fakeRepo) ListTrackingsByEmail(_ context.Context, email string, _ int) ([]*models.TrackingRecord, error) {
	if f.rec != nil && f.rec.CustomerEmail == email {
		return []*models.TrackingRecord{f.rec}, nil
	}
	return nil, nil
}

func (f *fakeRepo) ListEvents(context.Context, uint64) ([]*models.TrackingEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) AssignDocket(_ context.Context, _ uint64, docketNumber string, edd *time.Time) error {
	f.assignedDocket = docketNumber
	f.rec.DocketNumber = &docketNumber
	f.rec.EstimatedDelivery = edd
	return nil
}

func (f *fakeRepo) SetPODLink(_ context.Context, _ uint64, link string) error {
	f.podLink = link
	f.rec.PODLink = &link
	return nil
}

func (f *fakeRepo) InsertAuditEntry(_ context.Context, e models.AuditLogEntry) error {
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeRepo) ListAuditByOrderNumber(_ context.Context, orderNumber string, _ int) ([]*models.AuditLogEntry, error) {
	out := make([]*models.AuditLogEntry, 0, len(f.audits))
	for i := range f.audits {
		if f.audits[i].Metadata.OrderNumber == orderNumber {
			out = append(out, &f.audits[i])
		}
	}
	return out, nil
}

type fakeCourier struct {
	podLink     *string
	podErr      error
	edd         *time.Time
	serviceable bool
}

func (f *fakeCourier) TrackShipment(context.Context, string) (courier.TrackingResult, error) {
	return courier.TrackingResult{}, nil
}
func (f *fakeCourier) TrackMultiple(context.Context, []string) ([]courier.TrackingResult, error) {
	return nil, nil
}
func (f *fakeCourier) CheckServiceability(context.Context, string) bool { return f.serviceable }
func (f *fakeCourier) EstimateDelivery(context.Context, string, string, time.Time) *time.Time {
	return f.edd
}
func (f *fakeCourier) CancelShipment(context.Context, string, string) (bool, error) {
	return true, nil
}
func (f *fakeCourier) DownloadProofOfDelivery(context.Context, []string, time.Time, time.Time) (*string, error) {
	return f.podLink, f.podErr
}

type fakeSyncer struct {
	calls int
	apply func(rec *models.TrackingRecord)
}

func (f *fakeSyncer) Sync(_ context.Context, rec *models.TrackingRecord) error {
	f.calls++
	if f.apply != nil {
		f.apply(rec)
	}
	return nil
}

type fakeGate struct {
	cancelErr error
	cancelled bool
	returned  *models.ReturnRequest
	returnErr error
}

func (f *fakeGate) Cancel(_ context.Context, rec *models.TrackingRecord, _ *models.Order, _, _ string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.cancelled = true
	rec.Status = models.StatusCancelled
	return nil
}

func (f *fakeGate) RequestReturn(context.Context, *models.TrackingRecord, *models.Order, string, bool) (*models.ReturnRequest, error) {
	return f.returned, f.returnErr
}

func docket(s string) *string { return &s }

func seededRepo(status models.TrackingStatus) *fakeRepo {
	return &fakeRepo{
		rec: &models.TrackingRecord{
			ID:            7,
			OrderID:       42,
			OrderKind:     models.OrderKindNormal,
			OrderNumber:   "AU-2026-000451",
			CustomerEmail: "buyer@example.com",
			Status:        status,
			DocketNumber:  docket("VEX123456"),
		},
		order: &models.Order{
			ID:          42,
			OrderNumber: "AU-2026-000451",
			Kind:        models.OrderKindNormal,
			Status:      models.OrderStatusProcessing,
			ShippingAddress: models.Address{
				Pincode: "400001",
			},
			TotalAmount: 500000,
		},
		events: []*models.TrackingEvent{
			{Status: models.StatusOrderPlaced, Description: "order placed", EventTime: time.Date(2026, 8, 18, 9, 0, 0, 0, time.UTC)},
			{Status: models.StatusProcessing, Description: "in workshop", EventTime: time.Date(2026, 8, 19, 9, 0, 0, 0, time.UTC)},
		},
	}
}

func cacheFor(t *testing.T) (*rediscache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return rediscache.New(mr.Addr()), mr
}

func TestTrackOrder_ViewShape(t *testing.T) {
	repo := seededRepo(models.StatusProcessing)
	svc := New(repo, nil, &fakeCourier{}, &fakeSyncer{}, &fakeGate{}, time.Minute, "110001")

	v, err := svc.TrackOrder(context.Background(), "AU-2026-000451", "buyer@example.com")
	require.NoError(t, err)

	require.Equal(t, models.StatusProcessing, v.Status)
	require.Equal(t, 40, v.Progress)
	require.Len(t, v.Steps, 6)
	require.True(t, v.Steps[0].Reached)
	require.True(t, v.Steps[1].Reached)
	require.False(t, v.Steps[2].Reached)
	require.NotNil(t, v.Steps[1].ReachedAt)
	require.Len(t, v.Events, 2)
	require.False(t, v.PODAvailable)
}

func TestTrackOrder_LiveRefreshForActiveRecords(t *testing.T) {
	repo := seededRepo(models.StatusInTransit)
	sync := &fakeSyncer{}
	svc := New(repo, nil, &fakeCourier{}, sync, &fakeGate{}, time.Minute, "110001")

	_, err := svc.TrackOrder(context.Background(), "AU-2026-000451", "buyer@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, sync.calls)
}

func TestTrackOrder_NoRefreshWhenTerminal(t *testing.T) {
	repo := seededRepo(models.StatusDelivered)
	sync := &fakeSyncer{}
	svc := New(repo, nil, &fakeCourier{}, sync, &fakeGate{}, time.Minute, "110001")

	_, err := svc.TrackOrder(context.Background(), "AU-2026-000451", "buyer@example.com")
	require.NoError(t, err)
	require.Zero(t, sync.calls)
}

func TestTrackOrder_SnapshotCached(t *testing.T) {
	repo := seededRepo(models.StatusInTransit)
	cache, _ := cacheFor(t)
	sync := &fakeSyncer{}
	svc := New(repo, cache, &fakeCourier{}, sync, &fakeGate{}, time.Minute, "110001")

	_, err := svc.TrackOrder(context.Background(), "AU-2026-000451", "buyer@example.com")
	require.NoError(t, err)
	_, err = svc.TrackOrder(context.Background(), "AU-2026-000451", "buyer@example.com")
	require.NoError(t, err)

	// second call is served from the snapshot, no second courier round-trip
	require.Equal(t, 1, sync.calls)
}

func TestTrackOrder_Validation(t *testing.T) {
	svc := New(seededRepo(models.StatusInTransit), nil, &fakeCourier{}, nil, &fakeGate{}, time.Minute, "")

	_, err := svc.TrackOrder(context.Background(), "", "buyer@example.com")
	require.True(t, errs.IsValidation(err))
	_, err = svc.TrackOrder(context.Background(), "AU-2026-000451", "not-an-email")
	require.True(t, errs.IsValidation(err))
	_, err = svc.TrackOrder(context.Background(), "AU-2026-999999", "buyer@example.com")
	require.True(t, errs.IsNotFound(err))
}

func TestCancel_DropsSnapshot(t *testing.T) {
	repo := seededRepo(models.StatusProcessing)
	cache, mr := cacheFor(t)
	gate := &fakeGate{}
	svc := New(repo, cache, &fakeCourier{}, &fakeSyncer{}, gate, time.Minute, "110001")

	_, err := svc.TrackOrder(context.Background(), "AU-2026-000451", "buyer@example.com")
	require.NoError(t, err)
	require.True(t, mr.Exists(snapshotKey("AU-2026-000451")))

	require.NoError(t, svc.Cancel(context.Background(), "AU-2026-000451", "buyer@example.com", "changed my mind"))
	require.True(t, gate.cancelled)
	require.False(t, mr.Exists(snapshotKey("AU-2026-000451")))
}

func TestCancel_RequiresReason(t *testing.T) {
	svc := New(seededRepo(models.StatusProcessing), nil, &fakeCourier{}, nil, &fakeGate{}, time.Minute, "")
	err := svc.Cancel(context.Background(), "AU-2026-000451", "buyer@example.com", "  ")
	require.True(t, errs.IsValidation(err))
}

func TestDownloadPOD(t *testing.T) {
	link := "https://cdn.vex.example/pod/VEX123456.pdf"

	t.Run("not delivered yet", func(t *testing.T) {
		svc := New(seededRepo(models.StatusInTransit), nil, &fakeCourier{}, nil, &fakeGate{}, time.Minute, "")
		_, err := svc.DownloadPOD(context.Background(), "AU-2026-000451", "buyer@example.com")
		require.True(t, errs.IsPolicyViolation(err))
	})

	t.Run("fetches and persists the link", func(t *testing.T) {
		repo := seededRepo(models.StatusDelivered)
		svc := New(repo, nil, &fakeCourier{podLink: &link}, nil, &fakeGate{}, time.Minute, "")

		got, err := svc.DownloadPOD(context.Background(), "AU-2026-000451", "buyer@example.com")
		require.NoError(t, err)
		require.Equal(t, link, *got)
		require.Equal(t, link, repo.podLink)
	})

	t.Run("served from the stored link without courier call", func(t *testing.T) {
		repo := seededRepo(models.StatusDelivered)
		repo.rec.PODLink = &link
		svc := New(repo, nil, &fakeCourier{podErr: errs.CourierUnavailable(nil, "down")}, nil, &fakeGate{}, time.Minute, "")

		got, err := svc.DownloadPOD(context.Background(), "AU-2026-000451", "buyer@example.com")
		require.NoError(t, err)
		require.Equal(t, link, *got)
	})

	t.Run("not ready yet", func(t *testing.T) {
		svc := New(seededRepo(models.StatusDelivered), nil, &fakeCourier{}, nil, &fakeGate{}, time.Minute, "")
		got, err := svc.DownloadPOD(context.Background(), "AU-2026-000451", "buyer@example.com")
		require.NoError(t, err)
		require.Nil(t, got)
	})
}

func TestHistory(t *testing.T) {
	svc := New(seededRepo(models.StatusOnTheRoad), nil, &fakeCourier{}, nil, &fakeGate{}, time.Minute, "")

	items, err := svc.History(context.Background(), "buyer@example.com", 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 80, items[0].Progress)

	items, err = svc.History(context.Background(), "stranger@example.com", 10)
	require.NoError(t, err)
	require.Empty(t, items)

	_, err = svc.History(context.Background(), "nope", 10)
	require.True(t, errs.IsValidation(err))
}

func TestAssignDocket(t *testing.T) {
	repo := seededRepo(models.StatusOrderPlaced)
	repo.rec.DocketNumber = nil
	edd := time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)
	sync := &fakeSyncer{}
	svc := New(repo, nil, &fakeCourier{edd: &edd, serviceable: true}, sync, &fakeGate{}, time.Minute, "110001")

	err := svc.AssignDocket(context.Background(), "AU-2026-000451", "VEX999000", "ops@aurumatelier.example")
	require.NoError(t, err)
	require.Equal(t, "VEX999000", repo.assignedDocket)
	require.NotNil(t, repo.rec.EstimatedDelivery)
	require.Equal(t, 1, sync.calls)
	require.Len(t, repo.audits, 1)
	require.Equal(t, models.AuditActionShip, repo.audits[0].Action)
	require.Equal(t, "ops@aurumatelier.example", repo.audits[0].PerformedBy)
}

func TestHandleStatusChanged_InvalidatesSnapshot(t *testing.T) {
	repo := seededRepo(models.StatusInTransit)
	cache, mr := cacheFor(t)
	svc := New(repo, cache, &fakeCourier{}, &fakeSyncer{}, &fakeGate{}, time.Minute, "")

	_, err := svc.TrackOrder(context.Background(), "AU-2026-000451", "buyer@example.com")
	require.NoError(t, err)
	require.True(t, mr.Exists(snapshotKey("AU-2026-000451")))

	payload, _ := json.Marshal(messages.OrderStatusChanged{
		OrderNumber: "AU-2026-000451",
		NewStatus:   models.StatusOnTheRoad,
	})
	require.NoError(t, svc.HandleStatusChanged(context.Background(), payload))
	require.False(t, mr.Exists(snapshotKey("AU-2026-000451")))

	require.Error(t, svc.HandleStatusChanged(context.Background(), []byte("{}")))
	require.Error(t, svc.HandleStatusChanged(context.Background(), []byte("not json")))
}
