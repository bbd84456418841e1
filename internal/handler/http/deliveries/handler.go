package deliveries

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"rankdelivery/internal/app/deliveries"
	"rankdelivery/internal/auth"
	"rankdelivery/internal/domain"
)

type DeliveryHandler struct {
	service deliveries.DeliveryService
	logger  *zap.Logger
}

func NewDeliveryHandler(s deliveries.DeliveryService, l *zap.Logger) *DeliveryHandler {
	return &DeliveryHandler{service: s, logger: l}
}

func (h *DeliveryHandler) CreateDelivery(w http.ResponseWriter, r *http.Request) {
	var req deliveries.CreateDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for CreateDelivery", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	d, err := h.service.CreateDelivery(r.Context(), auth.RoleFromContext(r.Context()), req.Username, req.Platform, req.Package)
	if err != nil {
		h.respondError(w, err, "Failed to create delivery")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success":  true,
		"delivery": deliveries.MapDeliveryToResponse(d),
		"message":  "Delivery created successfully",
	})
}

func (h *DeliveryHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page")
	limit := queryInt(r, "limit")

	res, err := h.service.ListHistory(r.Context(), auth.RoleFromContext(r.Context()), page, limit)
	if err != nil {
		h.respondError(w, err, "Failed to fetch delivery history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"deliveries": deliveries.MapDeliveriesToResponse(res.Deliveries),
		"pagination": deliveries.PaginationResponse{
			Total: res.Total,
			Page:  res.Page,
			Limit: res.Limit,
			Pages: res.Pages,
		},
	})
}

func (h *DeliveryHandler) CountPending(w http.ResponseWriter, r *http.Request) {
	n, err := h.service.CountPending(r.Context(), auth.RoleFromContext(r.Context()))
	if err != nil {
		h.respondError(w, err, "Failed to fetch pending deliveries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": n})
}

func (h *DeliveryHandler) ListByUsername(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	ds, err := h.service.ListByUsername(r.Context(), auth.RoleFromContext(r.Context()), username)
	if err != nil {
		h.respondError(w, err, "Failed to fetch deliveries for user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"deliveries": deliveries.MapDeliveriesToResponse(ds),
	})
}

func (h *DeliveryHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "deliveryID")

	d, err := h.service.GetDelivery(r.Context(), auth.RoleFromContext(r.Context()), id)
	if err != nil {
		h.respondError(w, err, "Failed to fetch delivery")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"delivery": deliveries.MapDeliveryToResponse(d),
	})
}

func (h *DeliveryHandler) PendingCommands(w http.ResponseWriter, r *http.Request) {
	ds, err := h.service.ListPending(r.Context(), auth.RoleFromContext(r.Context()), queryInt(r, "limit"))
	if err != nil {
		h.respondError(w, err, "Failed to fetch pending commands")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"commands": deliveries.MapDeliveriesToCommands(ds),
		"count":    len(ds),
	})
}

func (h *DeliveryHandler) CompleteDelivery(w http.ResponseWriter, r *http.Request) {
	var req deliveries.CompleteDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for CompleteDelivery", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "Missing delivery ID")
		return
	}

	d, err := h.service.CompleteDelivery(r.Context(), auth.RoleFromContext(r.Context()), req.ID)
	if err != nil {
		h.respondError(w, err, "Failed to mark delivery as complete")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Delivery marked as completed",
		"delivery": deliveries.MapDeliveryToResponse(d),
	})
}

func (h *DeliveryHandler) FailDelivery(w http.ResponseWriter, r *http.Request) {
	var req deliveries.FailDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for FailDelivery", zap.Error(err))
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "Missing delivery ID")
		return
	}

	d, err := h.service.FailDelivery(r.Context(), auth.RoleFromContext(r.Context()), req.ID, req.Error)
	if err != nil {
		h.respondError(w, err, "Failed to mark delivery as failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"message":  "Delivery marked as failed",
		"delivery": deliveries.MapDeliveryToResponse(d),
	})
}

func (h *DeliveryHandler) respondError(w http.ResponseWriter, err error, action string) {
	var stateErr *domain.InvalidStateError
	switch {
	case errors.As(err, &stateErr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":         "Delivery is not pending",
			"currentStatus": stateErr.Current,
		})
	case errors.Is(err, domain.ErrValidation):
		writeError(w, http.StatusBadRequest, validationMessage(err))
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "Delivery not found")
	case errors.Is(err, domain.ErrForbidden):
		writeError(w, http.StatusForbidden, "Forbidden")
	default:
		h.logger.Error(action, zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":   action,
			"details": "Internal server error",
		})
	}
}

// validationMessage drops the sentinel prefix and capitalises the rest.
func validationMessage(err error) string {
	msg := strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
	if msg == "" {
		return "Invalid request"
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
