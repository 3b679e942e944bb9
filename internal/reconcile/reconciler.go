// Package reconcile turns confirmation signals from the verify, webhook and
// callback channels into at most one paid purchase and one access token per
// payment reference.
//
// Every channel is normalised into a Signal and driven through Apply. The
// store's guarded pending -> paid/failed update is the only serialisation
// point, so any number of processes may apply signals for the same reference
// concurrently.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/callbacks"
	"github.com/CedrosPay/ticketing/internal/logger"
	"github.com/CedrosPay/ticketing/internal/metrics"
	"github.com/CedrosPay/ticketing/internal/oracle"
	"github.com/CedrosPay/ticketing/internal/storage"
	"github.com/CedrosPay/ticketing/internal/token"
)

// ErrOrphanedSignal means no purchase exists for the signal's reference.
// The signal has been stored as a receipt and will be picked up once the
// purchase appears.
var ErrOrphanedSignal = errors.New("reconcile: no purchase for reference")

// Result names what a signal did to its purchase.
type Result string

const (
	ResultIssued          Result = "issued"           // this signal won pending -> paid
	ResultAlreadyPaid     Result = "already_paid"     // purchase was paid before this signal
	ResultFailed          Result = "failed"           // this signal won pending -> failed
	ResultAlreadyTerminal Result = "already_terminal" // purchase was failed or cancelled
	ResultPending         Result = "pending"          // nothing decisive yet
	ResultOrphaned        Result = "orphaned"
	ResultAmountMismatch  Result = "amount_mismatch"
	ResultIgnored         Result = "ignored" // provider event that carries no payment outcome
)

// Outcome is the purchase as left by a signal. Purchase is nil for orphaned
// and ignored signals.
type Outcome struct {
	Purchase *storage.PurchaseRecord
	Result   Result
}

// Confirmed reports whether the purchase is paid.
func (o Outcome) Confirmed() bool {
	return o.Purchase != nil && o.Purchase.Status == storage.StatusPaid
}

// Store is the slice of the reconciliation store the reconciler needs.
type Store interface {
	storage.PurchaseStore
	storage.ReceiptStore
}

// Reconciler is the confirmation state machine.
type Reconciler struct {
	store    Store
	oracle   oracle.Client
	tokens   *token.Generator
	notifier callbacks.Notifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithMetrics records signals, transitions and issued tokens.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger sets the fallback logger; a logger in the request context wins.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// WithClock overrides the transition timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// New builds a Reconciler. A nil notifier disables notifications and a nil
// generator uses token defaults.
func New(store Store, client oracle.Client, gen *token.Generator, notifier callbacks.Notifier, opts ...Option) *Reconciler {
	if gen == nil {
		gen = token.NewGenerator()
	}
	if notifier == nil {
		notifier = callbacks.NoopNotifier{}
	}
	r := &Reconciler{
		store:    store,
		oracle:   client,
		tokens:   gen,
		notifier: notifier,
		logger:   zerolog.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply runs one signal through the transition function:
//
//	no purchase          -> ErrOrphanedSignal
//	paid/failed/cancelled -> short-circuit, nothing re-issued
//	pending + succeeded  -> CAS to paid with a fresh token, then notify
//	pending + failed     -> CAS to failed
//	pending + other      -> look for a decisive stored receipt
//
// Apply does not store the signal; channel entry points do that first.
func (r *Reconciler) Apply(ctx context.Context, sig Signal) (Outcome, error) {
	if sig.Reference == "" {
		return Outcome{}, errors.New("reconcile: signal without reference")
	}

	purchase, err := r.store.GetPurchaseByReference(ctx, sig.Reference)
	if errors.Is(err, storage.ErrNotFound) {
		r.log(ctx).Info().
			Str("reference", sig.Reference).
			Str("channel", string(sig.Channel)).
			Str("status", string(sig.Status)).
			Msg("reconcile.signal.orphaned")
		return Outcome{Result: ResultOrphaned}, ErrOrphanedSignal
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: load purchase: %w", err)
	}
	if purchase.Status.Terminal() {
		return settled(purchase), nil
	}

	switch sig.Status {
	case oracle.StatusSucceeded:
		if !sig.amountMatches(purchase) {
			r.log(ctx).Warn().
				Str("reference", sig.Reference).
				Str("channel", string(sig.Channel)).
				Int64("expected", purchase.ExpectedAmount).
				Int64("reported", sig.Amount).
				Msg("reconcile.amount_mismatch")
			return Outcome{Purchase: &purchase, Result: ResultAmountMismatch}, nil
		}
		return r.issue(ctx, sig)
	case oracle.StatusFailed:
		return r.fail(ctx, sig)
	default:
		out, _, err := r.fromReceipts(ctx, purchase)
		return out, err
	}
}

// VerifyReference is channel A. It asks the oracle and applies the answer.
// When the oracle is unavailable it falls back to a stored succeeded
// receipt, and returns oracle.ErrUnavailable only if there is none.
func (r *Reconciler) VerifyReference(ctx context.Context, reference string) (Outcome, error) {
	out, err := r.verify(ctx, reference)
	r.observe(storage.ChannelVerify, out, err)
	return out, err
}

func (r *Reconciler) verify(ctx context.Context, reference string) (Outcome, error) {
	if reference == "" {
		return Outcome{}, errors.New("reconcile: reference is required")
	}

	// Repeated polling of a settled purchase never reaches the provider.
	purchase, err := r.store.GetPurchaseByReference(ctx, reference)
	switch {
	case err == nil && purchase.Status.Terminal():
		return settled(purchase), nil
	case err != nil && !errors.Is(err, storage.ErrNotFound):
		return Outcome{}, fmt.Errorf("reconcile: load purchase: %w", err)
	}

	res, err := r.oracle.Verify(ctx, reference)
	if err != nil {
		if !errors.Is(err, oracle.ErrUnavailable) {
			return Outcome{}, err
		}
		out, ok, ferr := r.fallback(ctx, reference, purchase)
		if ferr != nil {
			return Outcome{}, ferr
		}
		if !ok {
			return Outcome{}, err
		}
		r.log(ctx).Info().
			Str("reference", reference).
			Str("result", string(out.Result)).
			Msg("reconcile.verify.receipt_fallback")
		return out, nil
	}

	sig := FromVerify(reference, res)
	if sig.Status.Decisive() {
		// The oracle stays authoritative if the audit write fails.
		if _, err := r.store.RecordReceipt(ctx, sig.receipt(nil)); err != nil {
			r.log(ctx).Warn().Err(err).Str("reference", reference).Msg("reconcile.receipt.store_failed")
		}
	}
	return absorbOrphan(r.Apply(ctx, sig))
}

// fallback applies the first stored succeeded receipt for reference whose
// amount agrees with the purchase. purchase is the zero value when the
// reference has no purchase yet.
func (r *Reconciler) fallback(ctx context.Context, reference string, purchase storage.PurchaseRecord) (Outcome, bool, error) {
	receipts, err := r.store.ListReceipts(ctx, reference)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("reconcile: list receipts: %w", err)
	}
	for _, rc := range receipts {
		if rc.Status != storage.ReceiptSucceeded {
			continue
		}
		sig := FromReceipt(rc)
		if !sig.amountMatches(purchase) {
			continue
		}
		out, err := absorbOrphan(r.Apply(ctx, sig))
		return out, true, err
	}
	return Outcome{}, false, nil
}

// HandleWebhook is channel B. The payload is authenticated against the
// provider signature before anything else; an invalid signature returns
// oracle.ErrUnauthenticated with no state touched. The event status is
// trusted as reported, the oracle is not queried again.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	out, err := r.webhook(ctx, payload, signature)
	r.observe(storage.ChannelWebhook, out, err)
	return out, err
}

func (r *Reconciler) webhook(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	ev, err := oracle.Authenticate(r.oracle, payload, signature)
	if err != nil {
		if errors.Is(err, oracle.ErrUnauthenticated) {
			r.log(ctx).Warn().Str("provider", r.oracle.Name()).Msg("reconcile.webhook.unauthenticated")
		}
		return Outcome{}, err
	}
	if ev.Reference == "" {
		r.log(ctx).Debug().Str("event", ev.Event).Msg("reconcile.webhook.ignored")
		return Outcome{Result: ResultIgnored}, nil
	}

	sig := FromWebhook(ev)
	inserted, err := r.store.RecordReceipt(ctx, sig.receipt(rawJSON(payload)))
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: store webhook receipt: %w", err)
	}
	if !inserted {
		r.log(ctx).Debug().
			Str("reference", sig.Reference).
			Str("txn", sig.ProviderTxnID).
			Msg("reconcile.webhook.replayed")
	}
	return absorbOrphan(r.Apply(ctx, sig))
}

// CallbackInput is a redirect-driven confirmation (channel C).
type CallbackInput struct {
	Reference     string
	ProviderTxnID string
	Amount        int64
	Status        string // provider vocabulary, normalised on receipt
	Payload       json.RawMessage
}

// RecordCallbackReceipt is channel C. The receipt is persisted whether or not
// a purchase exists; if one is pending it is reconciled from its receipts
// straight away, without an oracle call. inserted is false for a replay.
func (r *Reconciler) RecordCallbackReceipt(ctx context.Context, in CallbackInput) (out Outcome, inserted bool, err error) {
	defer func() { r.observe(storage.ChannelCallback, out, err) }()

	if in.Reference == "" {
		return Outcome{}, false, errors.New("reconcile: reference is required")
	}
	sig := Signal{
		Reference:     in.Reference,
		Status:        oracle.ParseStatus(in.Status),
		ProviderTxnID: in.ProviderTxnID,
		Amount:        in.Amount,
		Channel:       storage.ChannelCallback,
		ReceivedAt:    time.Now().UTC(),
	}
	inserted, err = r.store.RecordReceipt(ctx, sig.receipt(rawJSON(in.Payload)))
	if err != nil {
		return Outcome{}, false, fmt.Errorf("reconcile: store callback receipt: %w", err)
	}
	out, err = absorbOrphan(r.Apply(ctx, sig))
	return out, inserted, err
}

// ReconcileReference re-runs the transition from stored receipts only. The
// sweeper uses it for purchases whose receipts arrived before they did.
func (r *Reconciler) ReconcileReference(ctx context.Context, reference string) (Outcome, error) {
	purchase, err := r.store.GetPurchaseByReference(ctx, reference)
	if errors.Is(err, storage.ErrNotFound) {
		return Outcome{Result: ResultOrphaned}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: load purchase: %w", err)
	}
	if purchase.Status.Terminal() {
		return settled(purchase), nil
	}
	out, _, err := r.fromReceipts(ctx, purchase)
	return out, err
}

// fromReceipts applies the best decisive receipt of a pending purchase:
// a succeeded receipt whose amount matches, otherwise a failed one.
// applied is false when no receipt could move the purchase.
func (r *Reconciler) fromReceipts(ctx context.Context, purchase storage.PurchaseRecord) (out Outcome, applied bool, err error) {
	receipts, err := r.store.ListReceipts(ctx, purchase.PaymentReference)
	if err != nil {
		return Outcome{}, false, fmt.Errorf("reconcile: list receipts: %w", err)
	}

	var failed *storage.CallbackReceipt
	for i, rc := range receipts {
		switch rc.Status {
		case storage.ReceiptSucceeded:
			sig := FromReceipt(rc)
			if !sig.amountMatches(purchase) {
				continue
			}
			out, err := r.Apply(ctx, sig)
			return out, true, err
		case storage.ReceiptFailed:
			if failed == nil {
				failed = &receipts[i]
			}
		}
	}
	if failed != nil {
		out, err := r.Apply(ctx, FromReceipt(*failed))
		return out, true, err
	}
	return Outcome{Purchase: &purchase, Result: ResultPending}, false, nil
}

// issue wins or loses the pending -> paid race. The token is claimed in the
// same store operation as the status change, so a paid purchase is never
// observable without its token.
func (r *Reconciler) issue(ctx context.Context, sig Signal) (Outcome, error) {
	var (
		won        storage.PurchaseRecord
		collisions int
	)
	_, err := r.tokens.GenerateUnique(ctx, func(ctx context.Context, tok string) error {
		p, err := r.store.MarkPaid(ctx, storage.Transition{
			Reference:     sig.Reference,
			Token:         tok,
			At:            r.now(),
			ProviderTxnID: sig.ProviderTxnID,
			Channel:       sig.Channel,
		})
		if errors.Is(err, token.ErrCollision) {
			collisions++
		}
		if err != nil {
			return err
		}
		won = p
		return nil
	})

	switch {
	case errors.Is(err, storage.ErrNotPending):
		return r.reread(ctx, sig.Reference)
	case errors.Is(err, token.ErrExhausted):
		r.log(ctx).Error().
			Err(err).
			Str("reference", sig.Reference).
			Int("collisions", collisions).
			Msg("reconcile.token.exhausted")
		return Outcome{}, err
	case err != nil:
		return Outcome{}, fmt.Errorf("reconcile: mark paid: %w", err)
	}

	r.metrics.ObserveTransition(string(storage.StatusPaid))
	r.metrics.ObserveTokenIssued(collisions)
	r.log(ctx).Info().
		Str("reference", won.PaymentReference).
		Str("purchase_id", won.ID).
		Str("channel", string(sig.Channel)).
		Str("token", logger.TruncateToken(won.AccessToken)).
		Msg("reconcile.ticket.issued")

	// The notification outlives the request that won the race.
	r.notifier.TicketIssued(context.WithoutCancel(ctx), callbacks.NewTicketEvent(won))
	return Outcome{Purchase: &won, Result: ResultIssued}, nil
}

func (r *Reconciler) fail(ctx context.Context, sig Signal) (Outcome, error) {
	p, err := r.store.MarkFailed(ctx, storage.Transition{
		Reference:     sig.Reference,
		At:            r.now(),
		ProviderTxnID: sig.ProviderTxnID,
		Channel:       sig.Channel,
	})
	switch {
	case errors.Is(err, storage.ErrNotPending):
		return r.reread(ctx, sig.Reference)
	case err != nil:
		return Outcome{}, fmt.Errorf("reconcile: mark failed: %w", err)
	}

	r.metrics.ObserveTransition(string(storage.StatusFailed))
	r.log(ctx).Info().
		Str("reference", p.PaymentReference).
		Str("channel", string(sig.Channel)).
		Msg("reconcile.purchase.failed")
	return Outcome{Purchase: &p, Result: ResultFailed}, nil
}

// reread is the loser's side of a lost CAS: report whatever the winner left.
func (r *Reconciler) reread(ctx context.Context, reference string) (Outcome, error) {
	p, err := r.store.GetPurchaseByReference(ctx, reference)
	if err != nil {
		return Outcome{}, fmt.Errorf("reconcile: reread purchase: %w", err)
	}
	if !p.Status.Terminal() {
		return Outcome{Purchase: &p, Result: ResultPending}, nil
	}
	return settled(p), nil
}

func (r *Reconciler) observe(channel storage.Channel, out Outcome, err error) {
	result := string(out.Result)
	switch {
	case errors.Is(err, oracle.ErrUnauthenticated):
		result = "unauthenticated"
	case errors.Is(err, oracle.ErrUnavailable):
		result = "oracle_unavailable"
	case err != nil:
		result = "error"
	}
	r.metrics.ObserveSignal(string(channel), result)
}

func (r *Reconciler) log(ctx context.Context) *zerolog.Logger {
	l := logger.FromContext(ctx)
	if l.GetLevel() == zerolog.Disabled {
		l = r.logger
	}
	return &l
}

func settled(p storage.PurchaseRecord) Outcome {
	if p.Status == storage.StatusPaid {
		return Outcome{Purchase: &p, Result: ResultAlreadyPaid}
	}
	return Outcome{Purchase: &p, Result: ResultAlreadyTerminal}
}

// absorbOrphan turns ErrOrphanedSignal into a normal outcome at the channel
// boundary: the receipt is durable, so the caller should not retry.
func absorbOrphan(out Outcome, err error) (Outcome, error) {
	if errors.Is(err, ErrOrphanedSignal) {
		return Outcome{Result: ResultOrphaned}, nil
	}
	return out, err
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
