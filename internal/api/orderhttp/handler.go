// Package orderhttp exposes the order tracking surface over JSON HTTP.
// Routing and serialization only; every decision lives in the services layer.
package orderhttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/AurumAtelier/OrderTrack/internal/errs"
	"github.com/AurumAtelier/OrderTrack/internal/models"
	"github.com/AurumAtelier/OrderTrack/internal/services/orders"
)

type Service interface {
	TrackOrder(ctx context.Context, orderNumber, email string) (*orders.TrackingView, error)
	Refresh(ctx context.Context, orderNumber, email string) (*orders.TrackingView, error)
	Cancel(ctx context.Context, orderNumber, email, reason string) error
	RequestReturn(ctx context.Context, orderNumber, email, reason string, manufacturerFault bool) (*models.ReturnRequest, error)
	DownloadPOD(ctx context.Context, orderNumber, email string) (*string, error)
	History(ctx context.Context, email string, limit int) ([]orders.HistoryItem, error)
	AssignDocket(ctx context.Context, orderNumber, docketNumber, actor string) error
	AuditTrail(ctx context.Context, orderNumber string, limit int) ([]*models.AuditLogEntry, error)
}

type Handler struct {
	svc Service
}

func New(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Routes mounts the public and admin endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/v1/orders", func(r chi.Router) {
		r.Get("/history", h.history)
		r.Route("/{orderNumber}", func(r chi.Router) {
			r.Get("/tracking", h.track)
			r.Post("/refresh", h.refresh)
			r.Post("/cancel", h.cancel)
			r.Post("/return", h.requestReturn)
			r.Get("/pod", h.downloadPOD)
		})
	})
	r.Route("/v1/admin/orders/{orderNumber}", func(r chi.Router) {
		r.Post("/docket", h.assignDocket)
		r.Get("/audit", h.auditTrail)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		code = http.StatusBadRequest
	case errs.KindNotFound:
		code = http.StatusNotFound
	case errs.KindPolicyViolation:
		code = http.StatusForbidden
	case errs.KindCourierUnavailable:
		code = http.StatusServiceUnavailable
	case errs.KindCourierCancelFailed:
		code = http.StatusBadGateway
	}
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err.Error())
		writeJSON(w, code, map[string]string{"error": "internal error"})
		return
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *Handler) track(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.TrackOrder(r.Context(), chi.URLParam(r, "orderNumber"), r.URL.Query().Get("email"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type refreshRequest struct {
	Email string `json:"email"`
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validationf("invalid request body"))
		return
	}
	v, err := h.svc.Refresh(r.Context(), chi.URLParam(r, "orderNumber"), req.Email)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type cancelRequest struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if err := h.svc.Cancel(r.Context(), chi.URLParam(r, "orderNumber"), req.Email, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

type returnRequest struct {
	Email             string `json:"email"`
	Reason            string `json:"reason"`
	ManufacturerFault bool   `json:"manufacturer_fault"`
}

func (h *Handler) requestReturn(w http.ResponseWriter, r *http.Request) {
	var req returnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validationf("invalid request body"))
		return
	}
	res, err := h.svc.RequestReturn(r.Context(), chi.URLParam(r, "orderNumber"), req.Email, req.Reason, req.ManufacturerFault)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) downloadPOD(w http.ResponseWriter, r *http.Request) {
	link, err := h.svc.DownloadPOD(r.Context(), chi.URLParam(r, "orderNumber"), r.URL.Query().Get("email"))
	if err != nil {
		writeError(w, err)
		return
	}
	if link == nil {
		// Document not generated on the vendor side yet.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"link": *link})
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.svc.History(r.Context(), r.URL.Query().Get("email"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": items})
}

type assignDocketRequest struct {
	DocketNumber string `json:"docket_number"`
}

func (h *Handler) assignDocket(w http.ResponseWriter, r *http.Request) {
	var req assignDocketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Validationf("invalid request body"))
		return
	}
	actor := r.Header.Get("X-Admin-Actor")
	if actor == "" {
		actor = "admin"
	}
	if err := h.svc.AssignDocket(r.Context(), chi.URLParam(r, "orderNumber"), req.DocketNumber, actor); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"assigned": true})
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.svc.AuditTrail(r.Context(), chi.URLParam(r, "orderNumber"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
