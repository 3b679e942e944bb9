package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CedrosPay/ticketing/internal/token"
)

// runStoreContract exercises behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreatePurchase", func(t *testing.T) { testCreatePurchase(t, newStore(t)) })
	t.Run("MarkPaid", func(t *testing.T) { testMarkPaid(t, newStore(t)) })
	t.Run("MarkPaidTokenCollision", func(t *testing.T) { testMarkPaidTokenCollision(t, newStore(t)) })
	t.Run("MarkPaidUnknownReference", func(t *testing.T) { testMarkPaidUnknownReference(t, newStore(t)) })
	t.Run("FailedIsNeverRevived", func(t *testing.T) { testFailedIsNeverRevived(t, newStore(t)) })
	t.Run("ConcurrentMarkPaid", func(t *testing.T) { testConcurrentMarkPaid(t, newStore(t)) })
	t.Run("Receipts", func(t *testing.T) { testReceipts(t, newStore(t)) })
	t.Run("ReceiptRetention", func(t *testing.T) { testReceiptRetention(t, newStore(t)) })
	t.Run("PendingWithReceiptsPages", func(t *testing.T) { testPendingWithReceiptsPages(t, newStore(t)) })
	t.Run("DeliveryQueue", func(t *testing.T) { testDeliveryQueue(t, newStore(t)) })
}

func mustCreate(t *testing.T, store Store, reference string) PurchaseRecord {
	t.Helper()
	p, err := store.CreatePurchase(context.Background(), PurchaseRecord{
		PaymentReference: reference,
		CustomerEmail:    "buyer@example.com",
		ExpectedAmount:   5000,
		Currency:         "NGN",
	})
	if err != nil {
		t.Fatalf("CreatePurchase(%s) failed: %v", reference, err)
	}
	return p
}

func testCreatePurchase(t *testing.T, store Store) {
	ctx := context.Background()

	p, err := store.CreatePurchase(ctx, PurchaseRecord{
		PaymentReference: "ref-create",
		Status:           StatusPaid,
		AccessToken:      "ignored1",
		Metadata:         map[string]string{"event": "concert"},
	})
	if err != nil {
		t.Fatalf("CreatePurchase failed: %v", err)
	}
	if p.ID == "" {
		t.Fatal("expected generated purchase ID")
	}
	if p.Status != StatusPending || p.AccessToken != "" {
		t.Fatalf("new purchase must be pending without token, got %s/%q", p.Status, p.AccessToken)
	}
	if p.Quantity != 1 {
		t.Errorf("expected default quantity 1, got %d", p.Quantity)
	}

	got, err := store.GetPurchase(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPurchase failed: %v", err)
	}
	if got.PaymentReference != "ref-create" || got.Metadata["event"] != "concert" {
		t.Errorf("unexpected purchase: %+v", got)
	}

	if _, err := store.CreatePurchase(ctx, PurchaseRecord{PaymentReference: "ref-create"}); !errors.Is(err, ErrDuplicatePurchase) {
		t.Fatalf("expected ErrDuplicatePurchase, got %v", err)
	}
	if _, err := store.GetPurchaseByReference(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.CreatePurchase(ctx, PurchaseRecord{}); err == nil {
		t.Fatal("expected error for missing payment reference")
	}
}

func testMarkPaid(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, "ref-paid")

	at := time.Now().UTC().Truncate(time.Millisecond)
	p, err := store.MarkPaid(ctx, Transition{
		Reference:     "ref-paid",
		Token:         "abcd2345",
		At:            at,
		ProviderTxnID: "txn-1",
		Channel:       ChannelWebhook,
	})
	if err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	if p.Status != StatusPaid || p.AccessToken != "abcd2345" {
		t.Fatalf("unexpected paid record: %+v", p)
	}
	if p.ConfirmedAt == nil || !p.ConfirmedAt.Equal(at) {
		t.Errorf("expected confirmedAt %v, got %v", at, p.ConfirmedAt)
	}
	if p.ConfirmedVia != ChannelWebhook || p.ProviderTxnID != "txn-1" {
		t.Errorf("unexpected confirmation source: %s/%s", p.ConfirmedVia, p.ProviderTxnID)
	}

	byToken, err := store.GetPurchaseByToken(ctx, "abcd2345")
	if err != nil {
		t.Fatalf("GetPurchaseByToken failed: %v", err)
	}
	if byToken.ID != p.ID {
		t.Errorf("token lookup returned %s, want %s", byToken.ID, p.ID)
	}

	if _, err := store.MarkPaid(ctx, Transition{Reference: "ref-paid", Token: "zzzz9999"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second MarkPaid: expected ErrNotPending, got %v", err)
	}
	if _, err := store.MarkFailed(ctx, Transition{Reference: "ref-paid"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("MarkFailed after paid: expected ErrNotPending, got %v", err)
	}

	// The losing token must not have been left in the namespace.
	mustCreate(t, store, "ref-paid-2")
	if _, err := store.MarkPaid(ctx, Transition{Reference: "ref-paid-2", Token: "zzzz9999"}); err != nil {
		t.Fatalf("token from a lost transition should be reusable: %v", err)
	}

	again, _ := store.GetPurchaseByReference(ctx, "ref-paid")
	if again.AccessToken != "abcd2345" {
		t.Errorf("token changed after lost transition: %q", again.AccessToken)
	}
}

func testMarkPaidTokenCollision(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, "ref-a")
	mustCreate(t, store, "ref-b")

	if _, err := store.MarkPaid(ctx, Transition{Reference: "ref-a", Token: "samesame"}); err != nil {
		t.Fatalf("MarkPaid ref-a failed: %v", err)
	}

	_, err := store.MarkPaid(ctx, Transition{Reference: "ref-b", Token: "samesame"})
	if !errors.Is(err, ErrTokenTaken) {
		t.Fatalf("expected ErrTokenTaken, got %v", err)
	}
	if !errors.Is(err, token.ErrCollision) {
		t.Fatal("ErrTokenTaken must match token.ErrCollision")
	}

	b, _ := store.GetPurchaseByReference(ctx, "ref-b")
	if b.Status != StatusPending || b.AccessToken != "" {
		t.Fatalf("collision must leave purchase pending, got %s/%q", b.Status, b.AccessToken)
	}

	if _, err := store.MarkPaid(ctx, Transition{Reference: "ref-b", Token: "other234"}); err != nil {
		t.Fatalf("MarkPaid with fresh token failed: %v", err)
	}
}

func testMarkPaidUnknownReference(t *testing.T, store Store) {
	ctx := context.Background()

	if _, err := store.MarkPaid(ctx, Transition{Reference: "nope", Token: "ghost234"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.MarkFailed(ctx, Transition{Reference: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	// The attempted token must still be free.
	mustCreate(t, store, "ref-real")
	if _, err := store.MarkPaid(ctx, Transition{Reference: "ref-real", Token: "ghost234"}); err != nil {
		t.Fatalf("token from failed attempt should be free: %v", err)
	}
}

func testFailedIsNeverRevived(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, "ref-failed")

	p, err := store.MarkFailed(ctx, Transition{Reference: "ref-failed", Channel: ChannelVerify})
	if err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	if p.Status != StatusFailed || p.AccessToken != "" {
		t.Fatalf("unexpected failed record: %+v", p)
	}

	if _, err := store.MarkPaid(ctx, Transition{Reference: "ref-failed", Token: "late2345"}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending, got %v", err)
	}
	got, _ := store.GetPurchaseByReference(ctx, "ref-failed")
	if got.Status != StatusFailed {
		t.Fatalf("failed purchase was revived to %s", got.Status)
	}
}

func testConcurrentMarkPaid(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, "ref-race")

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		otherErrs []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok := fmt.Sprintf("race%04d", i)
			_, err := store.MarkPaid(ctx, Transition{Reference: "ref-race", Token: tok})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, tok)
			case errors.Is(err, ErrNotPending):
			default:
				otherErrs = append(otherErrs, err)
			}
		}(i)
	}
	wg.Wait()

	if len(otherErrs) > 0 {
		t.Fatalf("unexpected errors: %v", otherErrs)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d: %v", len(winners), winners)
	}

	p, _ := store.GetPurchaseByReference(ctx, "ref-race")
	if p.AccessToken != winners[0] {
		t.Fatalf("stored token %q does not match winner %q", p.AccessToken, winners[0])
	}
}

func testReceipts(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, "ref-rcpt")
	mustCreate(t, store, "ref-quiet")

	base := time.Now().UTC().Add(-time.Minute).Truncate(time.Millisecond)
	first := CallbackReceipt{
		Reference:     "ref-rcpt",
		Channel:       ChannelCallback,
		ProviderTxnID: "txn-9",
		Status:        ReceiptSucceeded,
		Amount:        5000,
		Payload:       json.RawMessage(`{"status":"success"}`),
		ReceivedAt:    base,
	}
	inserted, err := store.RecordReceipt(ctx, first)
	if err != nil || !inserted {
		t.Fatalf("RecordReceipt: inserted=%v err=%v", inserted, err)
	}

	inserted, err = store.RecordReceipt(ctx, first)
	if err != nil {
		t.Fatalf("duplicate RecordReceipt failed: %v", err)
	}
	if inserted {
		t.Fatal("duplicate receipt must not be inserted")
	}

	second := first
	second.Channel = ChannelWebhook
	second.ReceivedAt = base.Add(time.Second)
	if inserted, err := store.RecordReceipt(ctx, second); err != nil || !inserted {
		t.Fatalf("receipt on another channel: inserted=%v err=%v", inserted, err)
	}

	list, err := store.ListReceipts(ctx, "ref-rcpt")
	if err != nil {
		t.Fatalf("ListReceipts failed: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(list))
	}
	if list[0].Channel != ChannelCallback || list[1].Channel != ChannelWebhook {
		t.Errorf("receipts not oldest first: %s, %s", list[0].Channel, list[1].Channel)
	}
	if list[0].Amount != 5000 || list[0].Status != ReceiptSucceeded {
		t.Errorf("unexpected receipt: %+v", list[0])
	}
	if string(list[0].Payload) != `{"status":"success"}` {
		t.Errorf("payload not preserved: %s", list[0].Payload)
	}

	pending, err := store.ListPendingWithReceipts(ctx, PendingCursor{}, 10)
	if err != nil {
		t.Fatalf("ListPendingWithReceipts failed: %v", err)
	}
	if len(pending) != 1 || pending[0].PaymentReference != "ref-rcpt" {
		t.Fatalf("expected only ref-rcpt, got %+v", pending)
	}

	if _, err := store.MarkPaid(ctx, Transition{Reference: "ref-rcpt", Token: "rcpt2345"}); err != nil {
		t.Fatalf("MarkPaid failed: %v", err)
	}
	pending, _ = store.ListPendingWithReceipts(ctx, PendingCursor{}, 10)
	if len(pending) != 0 {
		t.Fatalf("paid purchase still listed: %+v", pending)
	}

	if _, err := store.RecordReceipt(ctx, CallbackReceipt{Reference: "ref-rcpt", Channel: "carrier-pigeon"}); err == nil {
		t.Fatal("expected invalid channel error")
	}
}

func testReceiptRetention(t *testing.T, store Store) {
	ctx := context.Background()
	mustCreate(t, store, "ref-settled")
	mustCreate(t, store, "ref-open")

	old := time.Now().UTC().Add(-100 * 24 * time.Hour)
	for _, ref := range []string{"ref-settled", "ref-open", "ref-orphan"} {
		if _, err := store.RecordReceipt(ctx, CallbackReceipt{
			Reference:     ref,
			Channel:       ChannelWebhook,
			ProviderTxnID: "old-" + ref,
			Status:        ReceiptSucceeded,
			ReceivedAt:    old,
		}); err != nil {
			t.Fatalf("RecordReceipt(%s) failed: %v", ref, err)
		}
	}
	if _, err := store.RecordReceipt(ctx, CallbackReceipt{
		Reference:     "ref-settled",
		Channel:       ChannelCallback,
		ProviderTxnID: "fresh",
		Status:        ReceiptSucceeded,
	}); err != nil {
		t.Fatalf("RecordReceipt fresh failed: %v", err)
	}
	if _, err := store.MarkFailed(ctx, Transition{Reference: "ref-settled"}); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	deleted, err := store.DeleteReceiptsBefore(ctx, time.Now().UTC().Add(-90*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteReceiptsBefore failed: %v", err)
	}
	if deleted != 2 {
		t.Fatalf("expected 2 receipts deleted (settled + orphan), got %d", deleted)
	}

	if list, _ := store.ListReceipts(ctx, "ref-open"); len(list) != 1 {
		t.Errorf("receipts of pending purchase must be kept, got %d", len(list))
	}
	if list, _ := store.ListReceipts(ctx, "ref-settled"); len(list) != 1 {
		t.Errorf("fresh receipt must be kept, got %d", len(list))
	}
	// A reference with no purchase is not pending, so its old receipts go too.
	if list, _ := store.ListReceipts(ctx, "ref-orphan"); len(list) != 0 {
		t.Errorf("old receipt without a purchase must be deleted, got %d", len(list))
	}
}

func testPendingWithReceiptsPages(t *testing.T, store Store) {
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Millisecond)

	receipt := func(ref string, status ReceiptStatus) {
		t.Helper()
		if _, err := store.RecordReceipt(ctx, CallbackReceipt{
			Reference:     ref,
			Channel:       ChannelWebhook,
			ProviderTxnID: "tx-" + ref + "-" + string(status),
			Status:        status,
		}); err != nil {
			t.Fatalf("RecordReceipt(%s) failed: %v", ref, err)
		}
	}

	// ref-p3 and ref-p4 share a timestamp; the id breaks the tie.
	refs := []string{"ref-p1", "ref-p2", "ref-p3", "ref-p4", "ref-undecided", "ref-bare"}
	offsets := []time.Duration{0, time.Second, 2 * time.Second, 2 * time.Second, 3 * time.Second, 4 * time.Second}
	for i, ref := range refs {
		if _, err := store.CreatePurchase(ctx, PurchaseRecord{
			ID:               fmt.Sprintf("pur_%02d", i),
			PaymentReference: ref,
			CustomerEmail:    "buyer@example.com",
			CreatedAt:        base.Add(offsets[i]),
		}); err != nil {
			t.Fatalf("CreatePurchase(%s) failed: %v", ref, err)
		}
	}
	receipt("ref-p1", ReceiptSucceeded)
	receipt("ref-p2", ReceiptFailed)
	receipt("ref-p3", ReceiptSucceeded)
	receipt("ref-p4", ReceiptPending)
	receipt("ref-p4", ReceiptSucceeded)
	receipt("ref-undecided", ReceiptPending)
	receipt("ref-undecided", ReceiptUnknown)

	var (
		seen   []string
		cursor PendingCursor
	)
	for page := 0; page < 5; page++ {
		batch, err := store.ListPendingWithReceipts(ctx, cursor, 2)
		if err != nil {
			t.Fatalf("ListPendingWithReceipts failed: %v", err)
		}
		for _, p := range batch {
			seen = append(seen, p.PaymentReference)
		}
		if len(batch) < 2 {
			break
		}
		cursor = CursorAt(batch[len(batch)-1])
	}

	want := []string{"ref-p1", "ref-p2", "ref-p3", "ref-p4"}
	if fmt.Sprint(seen) != fmt.Sprint(want) {
		t.Fatalf("paged references = %v, want %v", seen, want)
	}
}

func testDeliveryQueue(t *testing.T, store Store) {
	ctx := context.Background()

	id, err := store.EnqueueDelivery(ctx, PendingDelivery{
		PurchaseID:  "pur_1",
		EventType:   "ticket.issued",
		URL:         "https://gateway.example.com/notify",
		Payload:     json.RawMessage(`{"eventType":"ticket.issued"}`),
		Headers:     map[string]string{"X-Api-Key": "k"},
		MaxAttempts: 2,
	})
	if err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	claimed, err := store.ClaimDeliveries(ctx, 10)
	if err != nil {
		t.Fatalf("ClaimDeliveries failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id {
		t.Fatalf("expected to claim %s, got %+v", id, claimed)
	}
	if claimed[0].Status != DeliveryStatusProcessing || claimed[0].Attempts != 1 {
		t.Errorf("unexpected claimed state: %s attempts=%d", claimed[0].Status, claimed[0].Attempts)
	}
	if claimed[0].Headers["X-Api-Key"] != "k" {
		t.Errorf("headers not preserved: %v", claimed[0].Headers)
	}

	if again, _ := store.ClaimDeliveries(ctx, 10); len(again) != 0 {
		t.Fatalf("processing delivery was claimed twice")
	}

	if err := store.FailDelivery(ctx, id, "gateway 503", time.Now().UTC().Add(time.Hour)); err != nil {
		t.Fatalf("FailDelivery failed: %v", err)
	}
	d, _ := store.GetDelivery(ctx, id)
	if d.Status != DeliveryStatusPending || d.LastError != "gateway 503" {
		t.Fatalf("expected pending retry, got %s (%s)", d.Status, d.LastError)
	}
	if again, _ := store.ClaimDeliveries(ctx, 10); len(again) != 0 {
		t.Fatal("delivery claimed before its next attempt time")
	}

	if err := store.RetryDelivery(ctx, id); err != nil {
		t.Fatalf("RetryDelivery failed: %v", err)
	}
	claimed, _ = store.ClaimDeliveries(ctx, 10)
	if len(claimed) != 1 {
		t.Fatalf("expected retried delivery to be claimable")
	}
	claimed, _ = store.ClaimDeliveries(ctx, 10)
	if len(claimed) != 0 {
		t.Fatal("unexpected second claim")
	}

	// attempts was reset by RetryDelivery, so one more claim+fail reaches the limit.
	if err := store.FailDelivery(ctx, id, "again", time.Now().UTC()); err != nil {
		t.Fatalf("FailDelivery failed: %v", err)
	}
	if claimed, _ = store.ClaimDeliveries(ctx, 10); len(claimed) != 1 {
		t.Fatalf("expected claim after immediate retry")
	}
	if err := store.FailDelivery(ctx, id, "final", time.Now().UTC()); err != nil {
		t.Fatalf("FailDelivery failed: %v", err)
	}
	failed, err := store.ListDeliveries(ctx, DeliveryStatusFailed, 10)
	if err != nil {
		t.Fatalf("ListDeliveries failed: %v", err)
	}
	if len(failed) != 1 || failed[0].CompletedAt == nil {
		t.Fatalf("expected one exhausted delivery, got %+v", failed)
	}

	if err := store.CompleteDelivery(ctx, id); err != nil {
		t.Fatalf("CompleteDelivery failed: %v", err)
	}
	if _, err := store.GetDelivery(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after completion, got %v", err)
	}
	if err := store.DeleteDelivery(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting twice, got %v", err)
	}
}
