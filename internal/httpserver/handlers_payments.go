package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	apierrors "github.com/CedrosPay/ticketing/internal/errors"
	"github.com/CedrosPay/ticketing/internal/logger"
	"github.com/CedrosPay/ticketing/internal/oracle"
	"github.com/CedrosPay/ticketing/internal/reconcile"
	"github.com/CedrosPay/ticketing/pkg/responders"
)

const maxWebhookBody = 512 << 10

// paymentWebhook is the provider push (channel B). The raw body is handed to
// the reconciler untouched because the signature covers the exact bytes.
// Anything but 2xx makes the provider retry, so a transient failure answers
// 503 and an orphaned signal answers 200.
func (h *handlers) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, "could not read body")
		return
	}
	if len(body) > maxWebhookBody {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, "body too large")
		return
	}

	out, err := h.reconciler.HandleWebhook(r.Context(), body, r.Header.Get(h.cfg.Oracle.WebhookSignatureHeader()))
	if err != nil {
		writeReconcileError(w, log, err, "")
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"received": true,
		"outcome":  out.Result,
	})
}

type verifyRequest struct {
	Reference string `json:"reference"`
}

type verifyResponse struct {
	Success   bool          `json:"success"`
	Confirmed bool          `json:"confirmed"`
	Purchase  *purchaseView `json:"purchase,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Retryable bool          `json:"retryable,omitempty"`
}

// verifyPayment is the user-initiated check (channel A). An unreachable
// provider is not a failure of the payment: the caller gets success=false
// with reason oracle_unavailable and should poll again.
func (h *handlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	var req verifyRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn().Err(err).Msg("verify.invalid_body")
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "reference is required")
		return
	}

	out, err := h.reconciler.VerifyReference(r.Context(), req.Reference)
	if errors.Is(err, oracle.ErrUnavailable) {
		log.Warn().Err(err).Str("reference", req.Reference).Msg("verify.oracle_unavailable")
		responders.JSON(w, http.StatusOK, verifyResponse{
			Reason:    string(apierrors.ErrCodeOracleUnavailable),
			Retryable: true,
		})
		return
	}
	if err != nil {
		writeReconcileError(w, log, err, req.Reference)
		return
	}

	resp := verifyResponse{
		Success:   true,
		Confirmed: out.Confirmed(),
		Purchase:  h.viewPurchase(out.Purchase),
	}
	if !resp.Confirmed {
		resp.Reason = reasonFor(out)
		resp.Retryable = out.Result == reconcile.ResultPending
	}
	responders.JSON(w, http.StatusOK, resp)
}

type callbackReceiptRequest struct {
	Reference             string            `json:"reference"`
	ProviderTransactionID oracle.FlexString `json:"providerTransactionId"`
	Amount                json.Number       `json:"amount"`
	Status                string            `json:"status"`
}

// callbackReceipt records a redirect confirmation (channel C). The receipt
// is persisted unconditionally; issuance happens only if a pending purchase
// can be settled from stored receipts, without asking the provider.
func (h *handlers) callbackReceipt(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, "could not read body")
		return
	}
	var req callbackReceiptRequest
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidRequest, err.Error())
		return
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.Reference == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "reference is required")
		return
	}
	amount, err := parseMinorUnits(req.Amount)
	if err != nil {
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeInvalidField, err.Error(), "field", "amount")
		return
	}

	out, inserted, err := h.reconciler.RecordCallbackReceipt(r.Context(), reconcile.CallbackInput{
		Reference:     req.Reference,
		ProviderTxnID: strings.TrimSpace(string(req.ProviderTransactionID)),
		Amount:        amount,
		Status:        req.Status,
		Payload:       body,
	})
	if err != nil && !inserted {
		writeReconcileError(w, log, err, req.Reference)
		return
	}
	if err != nil {
		// The receipt is durable; the sweeper finishes what this request could not.
		log.Warn().Err(err).Str("reference", req.Reference).Msg("callback_receipt.apply_failed")
		out = reconcile.Outcome{Result: reconcile.ResultPending}
	}

	responders.JSON(w, http.StatusAccepted, map[string]any{
		"recorded":  true,
		"duplicate": !inserted,
		"outcome":   out.Result,
	})
}
