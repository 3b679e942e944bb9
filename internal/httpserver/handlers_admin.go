package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/ticketing/internal/errors"
	"github.com/CedrosPay/ticketing/internal/logger"
	"github.com/CedrosPay/ticketing/internal/storage"
	"github.com/CedrosPay/ticketing/pkg/responders"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// parseLimit reads ?limit=, defaulting to 100 and capped at 1000.
func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxListLimit {
		return 0, false
	}
	return n, true
}

// adminGetPurchase returns the full purchase record, token included.
// GET /admin/purchases/{reference}
func (h *handlers) adminGetPurchase(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	purchase, err := h.store.GetPurchaseByReference(r.Context(), reference)
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodePurchaseNotFound, "purchase not found", "reference", reference)
		return
	}
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "failed to get purchase", "error", err.Error())
		return
	}

	receipts, err := h.store.ListReceipts(r.Context(), reference)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "failed to list receipts", "error", err.Error())
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"purchase": purchase,
		"receipts": receipts,
	})
}

// adminReconcile re-runs reconciliation for one reference from its stored
// receipts.
// POST /admin/reconcile/{reference}
func (h *handlers) adminReconcile(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	log := logger.FromContext(r.Context())
	out, err := h.reconciler.ReconcileReference(r.Context(), reference)
	if err != nil {
		writeReconcileError(w, log, err, reference)
		return
	}

	log.Info().
		Str("reference", reference).
		Str("result", string(out.Result)).
		Msg("admin.reconcile")

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"reference": reference,
		"outcome":   out.Result,
		"purchase":  h.viewPurchase(out.Purchase),
	})
}

// adminListDeliveries lists queued notifications with an optional status filter.
// GET /admin/deliveries?status=failed&limit=100
func (h *handlers) adminListDeliveries(w http.ResponseWriter, r *http.Request) {
	status := storage.DeliveryStatus(r.URL.Query().Get("status"))
	switch status {
	case "", storage.DeliveryStatusPending, storage.DeliveryStatusProcessing, storage.DeliveryStatusFailed:
	default:
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidStatus, "status must be pending, processing, or failed")
		return
	}

	limit, ok := parseLimit(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "limit must be between 1 and 1000")
		return
	}

	deliveries, err := h.store.ListDeliveries(r.Context(), status, limit)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "failed to list deliveries", "error", err.Error())
		return
	}

	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": deliveries,
		"count":      len(deliveries),
	})
}

// GET /admin/deliveries/{id}
func (h *handlers) adminGetDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	delivery, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		writeDeliveryError(w, err, "failed to get delivery")
		return
	}
	responders.JSON(w, http.StatusOK, delivery)
}

// adminRetryDelivery resets a delivery to pending for immediate retry.
// POST /admin/deliveries/{id}/retry
func (h *handlers) adminRetryDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.RetryDelivery(r.Context(), id); err != nil {
		writeDeliveryError(w, err, "failed to retry delivery")
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"message":    "delivery queued for retry",
		"deliveryId": id,
	})
}

// DELETE /admin/deliveries/{id}
func (h *handlers) adminDeleteDelivery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.DeleteDelivery(r.Context(), id); err != nil {
		writeDeliveryError(w, err, "failed to delete delivery")
		return
	}
	responders.NoContent(w)
}

// adminListDLQ lists notifications that exhausted their in-process retries.
// GET /admin/dlq?limit=100
func (h *handlers) adminListDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDeliveryNotFound, "dead letter queue is disabled")
		return
	}
	limit, ok := parseLimit(r)
	if !ok {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "limit must be between 1 and 1000")
		return
	}
	failed, err := h.dlq.ListFailedDeliveries(r.Context(), limit)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "failed to list dead letters", "error", err.Error())
		return
	}
	responders.JSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": failed,
		"count":      len(failed),
	})
}

// DELETE /admin/dlq/{id}
func (h *handlers) adminDeleteDLQ(w http.ResponseWriter, r *http.Request) {
	if h.dlq == nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDeliveryNotFound, "dead letter queue is disabled")
		return
	}
	if err := h.dlq.DeleteFailedDelivery(r.Context(), chi.URLParam(r, "id")); err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "failed to delete dead letter", "error", err.Error())
		return
	}
	responders.NoContent(w)
}

func writeDeliveryError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, storage.ErrNotFound) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDeliveryNotFound, "delivery not found")
		return
	}
	apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, msg, "error", err.Error())
}
