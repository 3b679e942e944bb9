package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/CedrosPay/ticketing/internal/errors"
	"github.com/CedrosPay/ticketing/internal/logger"
	"github.com/CedrosPay/ticketing/internal/storage"
	"github.com/CedrosPay/ticketing/pkg/responders"
)

type ticketView struct {
	Token       string     `json:"token"`
	Reference   string     `json:"reference"`
	Quantity    int        `json:"quantity"`
	Status      string     `json:"status"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// getTicket resolves an access token. Malformed, unknown and not-yet-paid
// tokens all produce the same 404 so the lookup cannot be used to probe
// the namespace.
func (h *handlers) getTicket(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")
	if !h.tokens.Valid(tok) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTicketNotFound, "ticket not found")
		return
	}

	purchase, err := h.store.GetPurchaseByToken(r.Context(), tok)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && purchase.Status != storage.StatusPaid) {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeTicketNotFound, "ticket not found")
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("tickets.lookup_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "ticket lookup failed")
		return
	}

	responders.JSON(w, http.StatusOK, ticketView{
		Token:       purchase.AccessToken,
		Reference:   purchase.PaymentReference,
		Quantity:    purchase.Quantity,
		Status:      string(purchase.Status),
		ConfirmedAt: purchase.ConfirmedAt,
	})
}

type createPurchaseRequest struct {
	PaymentReference string            `json:"paymentReference"`
	Quantity         int               `json:"quantity"`
	CustomerEmail    string            `json:"customerEmail"`
	CustomerPhone    string            `json:"customerPhone"`
	Amount           json.Number       `json:"amount"`
	Currency         string            `json:"currency"`
	Metadata         map[string]string `json:"metadata"`
}

// createPurchase registers a pending purchase ahead of payment. Receipts
// that arrived before the purchase are applied right away.
func (h *handlers) createPurchase(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req createPurchaseRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	req.PaymentReference = strings.TrimSpace(req.PaymentReference)
	if req.PaymentReference == "" {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeMissingField, "paymentReference is required", "field", "paymentReference")
		return
	}
	if req.Quantity < 0 {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, "quantity must not be negative", "field", "quantity")
		return
	}
	amount, err := parseMinorUnits(req.Amount)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, err.Error(), "field", "amount")
		return
	}

	created, err := h.store.CreatePurchase(r.Context(), storage.PurchaseRecord{
		PaymentReference: req.PaymentReference,
		Quantity:         req.Quantity,
		CustomerEmail:    strings.TrimSpace(req.CustomerEmail),
		CustomerPhone:    strings.TrimSpace(req.CustomerPhone),
		ExpectedAmount:   amount,
		Currency:         strings.ToUpper(strings.TrimSpace(req.Currency)),
		Metadata:         req.Metadata,
	})
	if errors.Is(err, storage.ErrDuplicatePurchase) {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDuplicatePurchase, "payment reference already registered", "reference", req.PaymentReference)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("reference", req.PaymentReference).Msg("purchases.create_failed")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDatabaseError, "could not create purchase")
		return
	}

	log.Info().
		Str("purchase_id", created.ID).
		Str("reference", created.PaymentReference).
		Msg("purchases.created")

	view := h.viewPurchase(&created)
	out, err := h.reconciler.ReconcileReference(r.Context(), created.PaymentReference)
	if err != nil {
		// Left pending; the sweeper retries from the stored receipts.
		log.Warn().Err(err).Str("reference", created.PaymentReference).Msg("purchases.early_receipts_failed")
	} else if out.Purchase != nil {
		view = h.viewPurchase(out.Purchase)
	}

	responders.JSON(w, http.StatusCreated, view)
}
