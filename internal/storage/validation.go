package storage

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// validateAndPreparePurchase checks required fields and fills defaults for a new purchase.
func validateAndPreparePurchase(p *PurchaseRecord) error {
	if p.PaymentReference == "" {
		return fmt.Errorf("purchase requires payment reference")
	}
	if p.Quantity < 0 {
		return fmt.Errorf("purchase quantity must not be negative")
	}
	if p.ExpectedAmount < 0 {
		return fmt.Errorf("purchase expected amount must not be negative")
	}
	if p.ID == "" {
		p.ID = "pur_" + uuid.NewString()
	}
	if p.Quantity == 0 {
		p.Quantity = 1
	}
	// New purchases always start pending without a token.
	p.Status = StatusPending
	p.AccessToken = ""
	p.ConfirmedAt = nil
	p.ProviderTxnID = ""
	p.ConfirmedVia = ""
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = p.CreatedAt
	return nil
}

// validateAndPrepareReceipt checks required fields and fills defaults for a receipt.
func validateAndPrepareReceipt(r *CallbackReceipt) error {
	if r.Reference == "" {
		return fmt.Errorf("receipt requires reference")
	}
	switch r.Channel {
	case ChannelVerify, ChannelWebhook, ChannelCallback:
	default:
		return fmt.Errorf("receipt channel %q is invalid", r.Channel)
	}
	switch r.Status {
	case ReceiptSucceeded, ReceiptFailed, ReceiptPending, ReceiptUnknown:
	case "":
		r.Status = ReceiptUnknown
	default:
		return fmt.Errorf("receipt status %q is invalid", r.Status)
	}
	if r.ID == "" {
		r.ID = "rcpt_" + uuid.NewString()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now().UTC()
	}
	return nil
}

func transitionTime(at time.Time) time.Time {
	if at.IsZero() {
		return time.Now().UTC()
	}
	return at.UTC()
}

func sortPurchasesByCreated(ps []PurchaseRecord) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}
