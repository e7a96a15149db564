// Package webhook delivers signed status-change callbacks to an external
// endpoint (CRM, analytics). Deliveries are fire-and-forget from the
// orchestrator's point of view: a failed delivery never rolls back the
// transition that produced it.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	headerSignature = "X-Ordertrack-Signature"
	headerEvent     = "X-Ordertrack-Event"
	headerTimestamp = "X-Ordertrack-Timestamp"
	headerDelivery  = "X-Ordertrack-Delivery"
)

type Dispatcher struct {
	endpoint string
	secret   []byte
	httpc    *http.Client
	attempts int
	backoff  time.Duration
}

// New builds a dispatcher for the given endpoint. An empty endpoint
// disables delivery entirely: Dispatch becomes a no-op.
func New(endpoint, secret string) *Dispatcher {
	return &Dispatcher{
		endpoint: endpoint,
		secret:   []byte(secret),
		httpc:    &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  time.Second,
	}
}

func (d *Dispatcher) Enabled() bool { return d.endpoint != "" }

// sign computes hex(HMAC-SHA256(secret, timestamp + "." + body)). The
// timestamp is part of the signed material so receivers can reject replays.
func (d *Dispatcher) sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, d.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Dispatch POSTs the payload with a fresh delivery id. Retries a couple of
// times on any failure, then gives up with an error for the caller to log.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, payload any) error {
	if !d.Enabled() {
		return nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal webhook payload")
	}

	deliveryID := uuid.NewString()
	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d.backoff):
			}
		}
		lastErr = d.post(ctx, event, deliveryID, body)
		if lastErr == nil {
			return nil
		}
		slog.Warn("webhook delivery failed",
			"event", event, "delivery_id", deliveryID,
			"attempt", attempt, "error", lastErr)
	}
	return errors.Wrapf(lastErr, "webhook %s delivery %s", event, deliveryID)
}

func (d *Dispatcher) post(ctx context.Context, event, deliveryID string, body []byte) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerSignature, d.sign(ts, body))
	req.Header.Set(headerEvent, event)
	req.Header.Set(headerTimestamp, ts)
	req.Header.Set(headerDelivery, deliveryID)

	resp, err := d.httpc.Do(req)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return nil
}
