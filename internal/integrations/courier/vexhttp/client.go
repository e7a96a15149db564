// Package vexhttp implements the courier client against the VelocityExpress
// vendor HTTP API. All endpoints are POST with a shared bearer token and the
// `{status, data, message}` envelope. Payloads are validated strictly here so
// malformed vendor data never travels deeper than this boundary.
package vexhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AurumAtelier/OrderTrack/internal/errs"
	"github.com/AurumAtelier/OrderTrack/internal/integrations/courier"
	"github.com/AurumAtelier/OrderTrack/internal/retry"
	"github.com/AurumAtelier/OrderTrack/internal/statusmap"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
	retry   retry.Config
}

func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: retry.Config{
			MaxAttempts: 3,
			BaseDelay:   1 * time.Second,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
			Jitter:      true,
			Retryable:   retryable,
		},
	}
}

// httpError carries the vendor HTTP status for retry classification.
type httpError struct {
	code int
	body string
}

func (e *httpError) Error() string {
	return fmt.Sprintf("vendor http %d: %s", e.code, e.body)
}

func retryable(err error) bool {
	var he *httpError
	if errors.As(err, &he) {
		if he.code == http.StatusTooManyRequests {
			return true
		}
		if he.code >= 500 {
			return true
		}
		if strings.Contains(strings.ToLower(he.body), "rate limit") {
			return true
		}
		return false
	}
	// Network-level failures (resets, timeouts, DNS) are retryable.
	return true
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (c *Client) post(ctx context.Context, path string, body any) (envelope, error) {
	u, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		return envelope{}, errors.Wrap(err, "join url")
	}

	b, err := json.Marshal(body)
	if err != nil {
		return envelope{}, errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return envelope{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		slog.Warn("courier request failed", "url", u, "error", err.Error())
		return envelope{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode/100 != 2 {
		var sb strings.Builder
		_ = json.NewDecoder(resp.Body).Decode(&env)
		if env.Message != "" {
			sb.WriteString(env.Message)
		}
		slog.Warn("courier http error", "url", u, "code", resp.StatusCode)
		return envelope{}, &httpError{code: resp.StatusCode, body: sb.String()}
	}

	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return envelope{}, errors.Wrap(err, "decode response")
	}
	slog.Info("courier request", "url", u, "vendor_status", env.Status)
	return env, nil
}

type trackRequest struct {
	DocketNumbers []string `json:"docket_numbers"`
}

type trackPayload struct {
	Shipments []shipmentPayload `json:"shipments"`
}

type shipmentPayload struct {
	DocketNumber      string         `json:"docket_number"`
	CurrentStatusCode string         `json:"current_status_code"`
	EstimatedDelivery *time.Time     `json:"estimated_delivery,omitempty"`
	Events            []eventPayload `json:"events"`
}

type eventPayload struct {
	Code     string    `json:"code"`
	Remark   string    `json:"remark"`
	Location string    `json:"location,omitempty"`
	EventAt  time.Time `json:"event_at"`
}

func (c *Client) TrackShipment(ctx context.Context, docketNumber string) (courier.TrackingResult, error) {
	out, err := c.TrackMultiple(ctx, []string{docketNumber})
	if err != nil {
		return courier.TrackingResult{}, err
	}
	if len(out) != 1 {
		return courier.TrackingResult{}, errs.CourierUnavailable(
			errors.Errorf("expected 1 shipment, got %d", len(out)), "vendor returned unexpected payload")
	}
	return out[0], nil
}

func (c *Client) TrackMultiple(ctx context.Context, docketNumbers []string) ([]courier.TrackingResult, error) {
	env, err := retry.Do(ctx, "courier.track", c.retry, func(ctx context.Context) (envelope, error) {
		return c.post(ctx, "/v2/shipments/track", trackRequest{DocketNumbers: docketNumbers})
	})
	if err != nil {
		var he *httpError
		if errors.As(err, &he) && he.code/100 == 4 && he.code != http.StatusTooManyRequests {
			return nil, errors.Wrapf(courier.ErrInvalidDocket, "vendor rejected docket(s): %s", he.body)
		}
		return nil, errs.CourierUnavailable(err, "courier tracking unavailable")
	}
	if !env.Status {
		return nil, errs.CourierUnavailable(errors.New(env.Message), "vendor reported failure")
	}

	var data trackPayload
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, errs.CourierUnavailable(err, "malformed vendor payload")
	}

	out := make([]courier.TrackingResult, 0, len(data.Shipments))
	for _, sh := range data.Shipments {
		res, err := normalizeShipment(sh)
		if err != nil {
			return nil, errs.CourierUnavailable(err, "malformed vendor shipment")
		}
		out = append(out, res)
	}
	return out, nil
}

func normalizeShipment(sh shipmentPayload) (courier.TrackingResult, error) {
	if sh.DocketNumber == "" {
		return courier.TrackingResult{}, errors.New("shipment without docket_number")
	}
	if sh.CurrentStatusCode == "" {
		return courier.TrackingResult{}, errors.New("shipment without current_status_code")
	}
	res := courier.TrackingResult{
		DocketNumber:      sh.DocketNumber,
		CurrentCode:       sh.CurrentStatusCode,
		CurrentStatus:     statusmap.Map(sh.CurrentStatusCode),
		EstimatedDelivery: sh.EstimatedDelivery,
	}
	if !statusmap.Known(sh.CurrentStatusCode) {
		slog.Warn("unknown vendor status code", "code", sh.CurrentStatusCode, "docket", sh.DocketNumber)
	}
	for _, e := range sh.Events {
		if e.Code == "" || e.EventAt.IsZero() {
			return courier.TrackingResult{}, errors.New("event without code or timestamp")
		}
		var loc *string
		if e.Location != "" {
			l := e.Location
			loc = &l
		}
		res.Events = append(res.Events, courier.TrackingEvent{
			Code:        e.Code,
			Status:      statusmap.Map(e.Code),
			Description: e.Remark,
			Location:    loc,
			Timestamp:   e.EventAt.UTC(),
		})
	}
	return res, nil
}

func (c *Client) CheckServiceability(ctx context.Context, pincode string) bool {
	env, err := c.post(ctx, "/v2/serviceability", map[string]string{"pincode": pincode})
	if err != nil {
		// Non-critical path: treat any failure as "not serviceable".
		return false
	}
	if !env.Status {
		return false
	}
	var data struct {
		Serviceable bool `json:"serviceable"`
	}
	if json.Unmarshal(env.Data, &data) != nil {
		return false
	}
	return data.Serviceable
}

func (c *Client) EstimateDelivery(ctx context.Context, originPincode, destPincode string, pickupDate time.Time) *time.Time {
	env, err := c.post(ctx, "/v2/edd", map[string]string{
		"origin_pincode":      originPincode,
		"destination_pincode": destPincode,
		"pickup_date":         pickupDate.UTC().Format("2006-01-02"),
	})
	if err != nil || !env.Status {
		return nil
	}
	var data struct {
		EstimatedDelivery *time.Time `json:"estimated_delivery"`
	}
	if json.Unmarshal(env.Data, &data) != nil {
		return nil
	}
	return data.EstimatedDelivery
}

func (c *Client) CancelShipment(ctx context.Context, docketNumber, reason string) (bool, error) {
	env, err := retry.Do(ctx, "courier.cancel", c.retry, func(ctx context.Context) (envelope, error) {
		return c.post(ctx, "/v2/shipments/cancel", map[string]string{
			"docket_number": docketNumber,
			"reason":        reason,
		})
	})
	if err != nil {
		return false, errs.CourierUnavailable(err, "courier cancel unavailable")
	}
	if !env.Status {
		// The vendor answered and refused; not an availability problem.
		slog.Warn("vendor refused cancellation", "docket", docketNumber, "message", env.Message)
		return false, nil
	}
	return true, nil
}

func (c *Client) DownloadProofOfDelivery(ctx context.Context, docketNumbers []string, fromDate, toDate time.Time) (*string, error) {
	env, err := retry.Do(ctx, "courier.pod", c.retry, func(ctx context.Context) (envelope, error) {
		return c.post(ctx, "/v2/shipments/pod", map[string]any{
			"docket_numbers": docketNumbers,
			"from_date":      fromDate.UTC().Format("2006-01-02"),
			"to_date":        toDate.UTC().Format("2006-01-02"),
		})
	})
	if err != nil {
		return nil, errs.CourierUnavailable(err, "courier pod unavailable")
	}
	if !env.Status {
		// POD not generated yet; the caller asks again later.
		return nil, nil
	}
	var data struct {
		Link string `json:"link"`
	}
	if json.Unmarshal(env.Data, &data) != nil || data.Link == "" {
		return nil, nil
	}
	return &data.Link, nil
}
