package reconcile

import (
	"encoding/json"
	"time"

	"github.com/CedrosPay/ticketing/internal/oracle"
	"github.com/CedrosPay/ticketing/internal/storage"
)

// Signal is a confirmation signal from any channel, normalised for Apply.
type Signal struct {
	Reference     string
	Status        oracle.Status
	ProviderTxnID string
	Amount        int64
	Channel       storage.Channel
	ReceivedAt    time.Time
}

// FromVerify normalises the oracle's answer to a verify call (channel A).
func FromVerify(reference string, res oracle.VerifyResult) Signal {
	return Signal{
		Reference:     reference,
		Status:        res.Status,
		ProviderTxnID: res.ProviderTxnID,
		Amount:        res.Amount,
		Channel:       storage.ChannelVerify,
		ReceivedAt:    time.Now().UTC(),
	}
}

// FromWebhook normalises an authenticated provider event (channel B).
func FromWebhook(ev oracle.WebhookEvent) Signal {
	return Signal{
		Reference:     ev.Reference,
		Status:        ev.Status,
		ProviderTxnID: ev.ProviderTxnID,
		Amount:        ev.Amount,
		Channel:       storage.ChannelWebhook,
		ReceivedAt:    time.Now().UTC(),
	}
}

// FromReceipt replays a stored receipt, keeping its original channel.
func FromReceipt(r storage.CallbackReceipt) Signal {
	return Signal{
		Reference:     r.Reference,
		Status:        oracle.Status(r.Status),
		ProviderTxnID: r.ProviderTxnID,
		Amount:        r.Amount,
		Channel:       r.Channel,
		ReceivedAt:    r.ReceivedAt,
	}
}

func (s Signal) receipt(payload json.RawMessage) storage.CallbackReceipt {
	status := storage.ReceiptStatus(s.Status)
	if status == "" {
		status = storage.ReceiptUnknown
	}
	return storage.CallbackReceipt{
		Reference:     s.Reference,
		Channel:       s.Channel,
		ProviderTxnID: s.ProviderTxnID,
		Status:        status,
		Amount:        s.Amount,
		Payload:       payload,
		ReceivedAt:    s.ReceivedAt,
	}
}

// amountMatches reports whether the signal may settle p. A zero on either
// side disables the check.
func (s Signal) amountMatches(p storage.PurchaseRecord) bool {
	return p.ExpectedAmount == 0 || s.Amount == 0 || s.Amount == p.ExpectedAmount
}
