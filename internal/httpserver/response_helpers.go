package httpserver

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apierrors "github.com/CedrosPay/ticketing/internal/errors"
	"github.com/CedrosPay/ticketing/internal/oracle"
	"github.com/CedrosPay/ticketing/internal/reconcile"
	"github.com/CedrosPay/ticketing/internal/storage"
	"github.com/CedrosPay/ticketing/internal/token"
)

// purchaseView is the public shape of a purchase. AccessToken and TicketURL
// are only present once the purchase is paid.
type purchaseView struct {
	ID               string     `json:"id"`
	PaymentReference string     `json:"paymentReference"`
	Status           string     `json:"status"`
	Quantity         int        `json:"quantity"`
	AccessToken      string     `json:"accessToken,omitempty"`
	TicketURL        string     `json:"ticketUrl,omitempty"`
	ConfirmedVia     string     `json:"confirmedVia,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmedAt,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

func (h *handlers) viewPurchase(p *storage.PurchaseRecord) *purchaseView {
	if p == nil {
		return nil
	}
	v := &purchaseView{
		ID:               p.ID,
		PaymentReference: p.PaymentReference,
		Status:           string(p.Status),
		Quantity:         p.Quantity,
		ConfirmedVia:     string(p.ConfirmedVia),
		ConfirmedAt:      p.ConfirmedAt,
		CreatedAt:        p.CreatedAt,
	}
	if p.Status == storage.StatusPaid {
		v.AccessToken = p.AccessToken
		if base := h.cfg.Callbacks.TicketBaseURL; base != "" {
			v.TicketURL = strings.TrimSuffix(base, "/") + "/tickets/" + p.AccessToken
		}
	}
	return v
}

// reasonFor explains an outcome that did not confirm the purchase.
func reasonFor(out reconcile.Outcome) string {
	switch out.Result {
	case reconcile.ResultOrphaned:
		return "purchase_not_found"
	case reconcile.ResultAlreadyTerminal:
		if out.Purchase != nil {
			return string(out.Purchase.Status)
		}
	}
	return string(out.Result)
}

// writeReconcileError maps reconciler failures onto the error envelope.
// Every case except a bad signature or payload is retryable by the caller.
func writeReconcileError(w http.ResponseWriter, log zerolog.Logger, err error, reference string) {
	switch {
	case errors.Is(err, oracle.ErrUnauthenticated):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSignature, "signature validation failed")
	case errors.Is(err, oracle.ErrMalformedEvent):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidPayload, err.Error())
	case errors.Is(err, oracle.ErrUnavailable):
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeOracleUnavailable, "payment provider unavailable", "reference", reference)
	case errors.Is(err, token.ErrExhausted):
		log.Error().Err(err).Str("reference", reference).Msg("http.token_space_exhausted")
		apierrors.New(apierrors.ErrCodeTokenSpaceExhausted, "could not allocate an access token, retry later").
			With("reference", reference).
			Status(http.StatusServiceUnavailable).
			RetryAfter(1).
			Write(w)
	default:
		log.Error().Err(err).Str("reference", reference).Msg("http.reconcile_failed")
		apierrors.WriteErrorWithDetail(w, apierrors.ErrCodeDatabaseError, "could not record the payment signal", "reference", reference)
	}
}
