// Package orders is the customer-facing surface: track, cancel, return, proof
// of delivery, history. It composes the store, the courier, the policy gate
// and the sync orchestrator, and keeps a short-lived snapshot cache in front
// of the tracking view.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/broker/messages"
	"github.com/AurumAtelier/OrderTrack/internal/errs"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier"
	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	GetTrackingByNumberAndEmail(ctx context.Context, orderNumber, email string) (*models.TrackingRecord, *models.Order, error)
	GetTrackingByID(ctx context.Context, id uint64) (*models.TrackingRecord, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*models.Order, error)
	GetTrackingByOrderRef(ctx context.Context, kind models.OrderKind, orderID uint64) (*models.TrackingRecord, error)
	ListTrackingsByEmail(ctx context.Context, email string, limit int) ([]*models.TrackingRecord, error)
	ListEvents(ctx context.Context, trackingID uint64) ([]*models.TrackingEvent, error)
	AssignDocket(ctx context.Context, trackingID uint64, docketNumber string, estimatedDelivery *time.Time) error
	SetPODLink(ctx context.Context, trackingID uint64, link string) error
	InsertAuditEntry(ctx context.Context, e models.AuditLogEntry) error
	ListAuditByOrderNumber(ctx context.Context, orderNumber string, limit int) ([]*models.AuditLogEntry, error)
}

// BytesCache is the snapshot cache in front of TrackOrder. Best effort: the
// cache not being there is never an error the customer sees.
type BytesCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Syncer runs one courier synchronization cycle for a record.
type Syncer interface {
	Sync(ctx context.Context, rec *models.TrackingRecord) error
}

// Gate is the policy layer for cancellation and returns.
type Gate interface {
	Cancel(ctx context.Context, rec *models.TrackingRecord, order *models.Order, reason, actor string) error
	RequestReturn(ctx context.Context, rec *models.TrackingRecord, order *models.Order, reason string, manufacturerFault bool) (*models.ReturnRequest, error)
}

type Service struct {
	repo    Repository
	cache   BytesCache
	courier courier.Client
	sync    Syncer
	gate    Gate

	snapshotTTL   time.Duration
	originPincode string
}

func New(repo Repository, cache BytesCache, cc courier.Client, sync Syncer, gate Gate, snapshotTTL time.Duration, originPincode string) *Service {
	if snapshotTTL <= 0 {
		snapshotTTL = time.Minute
	}
	return &Service{
		repo:          repo,
		cache:         cache,
		courier:       cc,
		sync:          sync,
		gate:          gate,
		snapshotTTL:   snapshotTTL,
		originPincode: originPincode,
	}
}

// canonicalSteps is the progress ladder rendered to the customer.
var canonicalSteps = []models.TrackingStatus{
	models.StatusOrderPlaced,
	models.StatusProcessing,
	models.StatusPackaging,
	models.StatusInTransit,
	models.StatusOnTheRoad,
	models.StatusDelivered,
}

type Step struct {
	Status    models.TrackingStatus `json:"status"`
	Progress  int                   `json:"progress"`
	Reached   bool                  `json:"reached"`
	ReachedAt *time.Time            `json:"reached_at,omitempty"`
}

type EventView struct {
	Status      models.TrackingStatus `json:"status"`
	Description string                `json:"description"`
	Location    *string               `json:"location,omitempty"`
	EventTime   time.Time             `json:"event_time"`
}

type TrackingView struct {
	OrderNumber       string                `json:"order_number"`
	OrderStatus       models.OrderStatus    `json:"order_status"`
	Status            models.TrackingStatus `json:"status"`
	Progress          int                   `json:"progress"`
	DocketNumber      *string               `json:"docket_number,omitempty"`
	EstimatedDelivery *time.Time            `json:"estimated_delivery,omitempty"`
	DeliveredAt       *time.Time            `json:"delivered_at,omitempty"`
	PODAvailable      bool                  `json:"pod_available"`
	Steps             []Step                `json:"steps"`
	Events            []EventView           `json:"events"`
	ReturnRequest     *models.ReturnRequest `json:"return_request,omitempty"`
}

func snapshotKey(orderNumber string) string {
	return fmt.Sprintf("ordertrack:%s:snapshot", orderNumber)
}

func validateLookup(orderNumber, email string) error {
	if strings.TrimSpace(orderNumber) == "" {
		return errs.Validationf("order number is required")
	}
	if !strings.Contains(email, "@") {
		return errs.Validationf("a valid email is required")
	}
	return nil
}

// TrackOrder returns the full tracking view for an order. A cached snapshot is
// served when fresh; otherwise the record is live-refreshed against the
// courier, falling back to the last stored state when the courier is down.
func (s *Service) TrackOrder(ctx context.Context, orderNumber, email string) (*TrackingView, error) {
	if err := validateLookup(orderNumber, email); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if b, ok, err := s.cache.Get(ctx, snapshotKey(orderNumber)); err == nil && ok {
			var v TrackingView
			if json.Unmarshal(b, &v) == nil {
				return &v, nil
			}
		}
	}

	v, err := s.freshView(ctx, orderNumber, email)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if b, err := json.Marshal(v); err == nil {
			_ = s.cache.Set(ctx, snapshotKey(orderNumber), b, s.snapshotTTL)
		}
	}
	return v, nil
}

// Refresh forces a courier round-trip and returns the resulting view,
// bypassing and replacing the snapshot cache.
func (s *Service) Refresh(ctx context.Context, orderNumber, email string) (*TrackingView, error) {
	if err := validateLookup(orderNumber, email); err != nil {
		return nil, err
	}
	v, err := s.freshView(ctx, orderNumber, email)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if b, err := json.Marshal(v); err == nil {
			_ = s.cache.Set(ctx, snapshotKey(orderNumber), b, s.snapshotTTL)
		}
	}
	return v, nil
}

func (s *Service) freshView(ctx context.Context, orderNumber, email string) (*TrackingView, error) {
	rec, order, err := s.repo.GetTrackingByNumberAndEmail(ctx, orderNumber, email)
	if err != nil {
		return nil, err
	}

	if s.sync != nil && rec.DocketNumber != nil && !models.IsTerminal(rec.Status) {
		// Sync books courier failures internally; the stored state stands.
		if err := s.sync.Sync(ctx, rec); err != nil {
			return nil, errors.Wrap(err, "live refresh")
		}
		if fresh, err := s.repo.GetTrackingByID(ctx, rec.ID); err == nil {
			rec = fresh
		}
	}

	events, err := s.repo.ListEvents(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return buildView(rec, order, events), nil
}

func buildView(rec *models.TrackingRecord, order *models.Order, events []*models.TrackingEvent) *TrackingView {
	v := &TrackingView{
		OrderNumber:       rec.OrderNumber,
		OrderStatus:       order.Status,
		Status:            rec.Status,
		Progress:          models.StatusProgress(rec.Status),
		DocketNumber:      rec.DocketNumber,
		EstimatedDelivery: rec.EstimatedDelivery,
		DeliveredAt:       rec.DeliveredAt,
		PODAvailable:      rec.PODLink != nil,
		ReturnRequest:     rec.ReturnRequest,
	}

	reachedAt := map[models.TrackingStatus]*time.Time{}
	for _, e := range events {
		if _, ok := reachedAt[e.Status]; !ok {
			t := e.EventTime
			reachedAt[e.Status] = &t
		}
		v.Events = append(v.Events, EventView{
			Status:      e.Status,
			Description: e.Description,
			Location:    e.Location,
			EventTime:   e.EventTime,
		})
	}

	curRank, onLadder := models.StatusRank(rec.Status)
	for _, st := range canonicalSteps {
		rank, _ := models.StatusRank(st)
		step := Step{
			Status:   st,
			Progress: models.StatusProgress(st),
			Reached:  onLadder && rank <= curRank,
		}
		if step.Reached {
			step.ReachedAt = reachedAt[st]
		}
		v.Steps = append(v.Steps, step)
	}
	return v
}

// Cancel cancels the order on behalf of the customer.
func (s *Service) Cancel(ctx context.Context, orderNumber, email, reason string) error {
	if err := validateLookup(orderNumber, email); err != nil {
		return err
	}
	if strings.TrimSpace(reason) == "" {
		return errs.Validationf("cancellation reason is required")
	}
	rec, order, err := s.repo.GetTrackingByNumberAndEmail(ctx, orderNumber, email)
	if err != nil {
		return err
	}
	if err := s.gate.Cancel(ctx, rec, order, reason, email); err != nil {
		return err
	}
	s.dropSnapshot(ctx, orderNumber)
	return nil
}

// RequestReturn registers a return request for a delivered order.
func (s *Service) RequestReturn(ctx context.Context, orderNumber, email, reason string, manufacturerFault bool) (*models.ReturnRequest, error) {
	if err := validateLookup(orderNumber, email); err != nil {
		return nil, err
	}
	rec, order, err := s.repo.GetTrackingByNumberAndEmail(ctx, orderNumber, email)
	if err != nil {
		return nil, err
	}
	req, err := s.gate.RequestReturn(ctx, rec, order, reason, manufacturerFault)
	if err != nil {
		return nil, err
	}
	s.dropSnapshot(ctx, orderNumber)
	return req, nil
}

// DownloadPOD fetches the proof-of-delivery link. A nil link with nil error
// means the document is not generated yet and the customer should retry later.
func (s *Service) DownloadPOD(ctx context.Context, orderNumber, email string) (*string, error) {
	if err := validateLookup(orderNumber, email); err != nil {
		return nil, err
	}
	rec, _, err := s.repo.GetTrackingByNumberAndEmail(ctx, orderNumber, email)
	if err != nil {
		return nil, err
	}
	if rec.Status != models.StatusDelivered {
		return nil, errs.PolicyViolationf("proof of delivery is available only after delivery; order %s is %s",
			orderNumber, rec.Status)
	}
	if rec.PODLink != nil {
		return rec.PODLink, nil
	}
	if rec.DocketNumber == nil {
		return nil, errs.Internal(errors.Errorf("delivered order %s has no docket", orderNumber), "tracking record inconsistent")
	}

	to := time.Now().UTC()
	from := to.AddDate(0, 0, -30)
	if rec.DeliveredAt != nil {
		from = rec.DeliveredAt.AddDate(0, 0, -1)
	}
	link, err := s.courier.DownloadProofOfDelivery(ctx, []string{*rec.DocketNumber}, from, to)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, nil
	}
	if err := s.repo.SetPODLink(ctx, rec.ID, *link); err != nil {
		slog.Error("pod link save failed", "order_number", orderNumber, "error", err.Error())
	}
	return link, nil
}

type HistoryItem struct {
	OrderNumber       string                `json:"order_number"`
	Status            models.TrackingStatus `json:"status"`
	Progress          int                   `json:"progress"`
	DocketNumber      *string               `json:"docket_number,omitempty"`
	EstimatedDelivery *time.Time            `json:"estimated_delivery,omitempty"`
	DeliveredAt       *time.Time            `json:"delivered_at,omitempty"`
}

// History lists the customer's orders, newest first.
func (s *Service) History(ctx context.Context, email string, limit int) ([]HistoryItem, error) {
	if !strings.Contains(email, "@") {
		return nil, errs.Validationf("a valid email is required")
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	recs, err := s.repo.ListTrackingsByEmail(ctx, email, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryItem, 0, len(recs))
	for _, r := range recs {
		out = append(out, HistoryItem{
			OrderNumber:       r.OrderNumber,
			Status:            r.Status,
			Progress:          models.StatusProgress(r.Status),
			DocketNumber:      r.DocketNumber,
			EstimatedDelivery: r.EstimatedDelivery,
			DeliveredAt:       r.DeliveredAt,
		})
	}
	return out, nil
}

// AssignDocket is the admin hand-off point: once a docket is set the record
// enters the polling rotation. Idempotent for the same docket value.
func (s *Service) AssignDocket(ctx context.Context, orderNumber, docketNumber, actor string) error {
	if strings.TrimSpace(docketNumber) == "" {
		return errs.Validationf("docket number is required")
	}
	order, err := s.repo.GetOrderByNumber(ctx, orderNumber)
	if err != nil {
		return err
	}
	rec, err := s.repo.GetTrackingByOrderRef(ctx, order.Kind, order.ID)
	if err != nil {
		return err
	}

	if dest := order.ShippingAddress.Pincode; dest != "" && !s.courier.CheckServiceability(ctx, dest) {
		slog.Warn("destination pincode not serviceable", "order_number", orderNumber, "pincode", dest)
	}
	var edd *time.Time
	if s.originPincode != "" && order.ShippingAddress.Pincode != "" {
		edd = s.courier.EstimateDelivery(ctx, s.originPincode, order.ShippingAddress.Pincode, time.Now().UTC())
	}

	if err := s.repo.AssignDocket(ctx, rec.ID, docketNumber, edd); err != nil {
		return err
	}

	entry := models.AuditLogEntry{
		EntityType:  "tracking",
		EntityID:    orderNumber,
		Action:      models.AuditActionShip,
		Changes:     []models.FieldChange{{Field: "docket_number", Old: "", New: docketNumber}},
		PerformedBy: actor,
		Metadata:    models.AuditMetadata{OrderNumber: orderNumber, DocketNumber: docketNumber},
	}
	if err := s.repo.InsertAuditEntry(ctx, entry); err != nil {
		slog.Error("docket audit insert failed", "order_number", orderNumber, "error", err.Error())
	}

	// Kick off the first sync right away instead of waiting for the ticker.
	if s.sync != nil {
		if fresh, err := s.repo.GetTrackingByID(ctx, rec.ID); err == nil {
			if err := s.sync.Sync(ctx, fresh); err != nil {
				slog.Warn("initial sync after docket assignment failed", "order_number", orderNumber, "error", err.Error())
			}
		}
	}
	s.dropSnapshot(ctx, orderNumber)
	return nil
}

// AuditTrail returns the audit entries for an order, newest first.
func (s *Service) AuditTrail(ctx context.Context, orderNumber string, limit int) ([]*models.AuditLogEntry, error) {
	if strings.TrimSpace(orderNumber) == "" {
		return nil, errs.Validationf("order number is required")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.repo.ListAuditByOrderNumber(ctx, orderNumber, limit)
}

// HandleStatusChanged consumes one order.status.changed event from the stream
// and drops the matching snapshot so readers see the new state immediately.
func (s *Service) HandleStatusChanged(ctx context.Context, payload []byte) error {
	var msg messages.OrderStatusChanged
	if err := json.Unmarshal(payload, &msg); err != nil {
		return errors.Wrap(err, "decode status event")
	}
	if msg.OrderNumber == "" {
		return errors.New("status event without order_number")
	}
	s.dropSnapshot(ctx, msg.OrderNumber)
	return nil
}

func (s *Service) dropSnapshot(ctx context.Context, orderNumber string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, snapshotKey(orderNumber)); err != nil {
		slog.Warn("snapshot invalidation failed", "order_number", orderNumber, "error", err.Error())
	}
}
