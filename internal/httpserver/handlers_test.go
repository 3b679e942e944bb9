package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/CedrosPay/ticketing/internal/callbacks"
	"github.com/CedrosPay/ticketing/internal/config"
	"github.com/CedrosPay/ticketing/internal/idempotency"
	"github.com/CedrosPay/ticketing/internal/oracle"
	"github.com/CedrosPay/ticketing/internal/reconcile"
	"github.com/CedrosPay/ticketing/internal/storage"
	"github.com/CedrosPay/ticketing/internal/token"
)

const (
	testAdminKey      = "admin-secret"
	testWebhookSecret = "whsec_test"
	testSigHeader     = "X-Payment-Signature"
)

// providerStub answers GET /{reference} the way the REST provider does.
type providerStub struct {
	mu       sync.Mutex
	statuses map[string]string
	down     bool
}

func (p *providerStub) set(reference, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses[reference] = status
}

func (p *providerStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	reference := strings.TrimPrefix(r.URL.Path, "/")
	status, ok := p.statuses[reference]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"data":{"reference":%q,"status":%q,"transactionId":"txn_%s","amount":5000}}`, reference, status, reference)
}

type testEnv struct {
	cfg      *config.Config
	store    *storage.MemoryStore
	provider *oracle.HMACProvider
	stub     *providerStub
	dlq      *callbacks.MemoryDLQStore
	router   http.Handler
}

func testConfig() *config.Config {
	return &config.Config{
		Oracle: config.OracleConfig{
			Provider:        "hmac",
			SignatureHeader: testSigHeader,
		},
		Callbacks: config.CallbacksConfig{
			TicketBaseURL: "https://tickets.example.com/",
		},
		Admin: config.AdminConfig{APIKey: testAdminKey},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()

	stub := &providerStub{statuses: make(map[string]string)}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	provider, err := oracle.NewHMACProvider(oracle.HMACConfig{
		BaseURL:       srv.URL,
		WebhookSecret: testWebhookSecret,
	}, srv.Client())
	if err != nil {
		t.Fatalf("NewHMACProvider failed: %v", err)
	}

	store := storage.NewMemoryStore()
	gen := token.NewGenerator()
	idem := idempotency.NewMemoryStore()
	t.Cleanup(idem.Stop)
	dlq := callbacks.NewMemoryDLQStore()

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, Deps{
		Store:       store,
		Reconciler:  reconcile.New(store, provider, gen, callbacks.NoopNotifier{}),
		Tokens:      gen,
		Idempotency: idem,
		DLQ:         dlq,
		Logger:      zerolog.Nop(),
	})

	return &testEnv{cfg: cfg, store: store, provider: provider, stub: stub, dlq: dlq, router: router}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch v := body.(type) {
	case nil:
	case []byte:
		payload = v
	default:
		var err error
		if payload, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) createPurchase(t *testing.T, reference string, amount int64) map[string]any {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/purchases", map[string]any{
		"paymentReference": reference,
		"quantity":         2,
		"customerEmail":    "guest@example.com",
		"amount":           amount,
		"currency":         "ngn",
	}, map[string]string{"Authorization": "Bearer " + testAdminKey})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create purchase: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	return decodeBody(t, rec)
}

func (e *testEnv) webhook(t *testing.T, reference, status, txn string) *httptest.ResponseRecorder {
	t.Helper()
	body := []byte(fmt.Sprintf(`{"event":"charge.%s","data":{"reference":%q,"status":%q,"transactionId":%q,"amount":5000}}`,
		status, reference, status, txn))
	return e.do(t, http.MethodPost, "/payments/webhook", body, map[string]string{testSigHeader: e.provider.Sign(body)})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("failed to parse response %q: %v", rec.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rec)
	errObj, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error envelope, got %s", rec.Body.String())
	}
	code, _ := errObj["code"].(string)
	return code
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" || body["storeHealthy"] != true {
		t.Errorf("unexpected health body: %v", body)
	}
	oracleInfo, _ := body["oracle"].(map[string]any)
	if oracleInfo["breaker"] != "disabled" {
		t.Errorf("expected breaker state disabled without manager, got %v", oracleInfo["breaker"])
	}
}

func TestHealthEndpoint_StoreDown(t *testing.T) {
	h := &handlers{cfg: testConfig()}

	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a store, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != "degraded" {
		t.Errorf("expected degraded, got %v", body["status"])
	}
}

func TestWebhook_IssuesTicketOnce(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createPurchase(t, "ref-web-1", 5000)

	first := env.webhook(t, "ref-web-1", "success", "txn-1")
	if first.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", first.Code, first.Body.String())
	}
	if got := decodeBody(t, first)["outcome"]; got != string(reconcile.ResultIssued) {
		t.Fatalf("expected issued, got %v", got)
	}

	replay := env.webhook(t, "ref-web-1", "success", "txn-1")
	if replay.Code != http.StatusOK {
		t.Fatalf("replay: expected 200, got %d", replay.Code)
	}
	if got := decodeBody(t, replay)["outcome"]; got != string(reconcile.ResultAlreadyPaid) {
		t.Errorf("replay: expected already_paid, got %v", got)
	}

	p, err := env.store.GetPurchaseByReference(context.Background(), "ref-web-1")
	if err != nil {
		t.Fatalf("GetPurchaseByReference failed: %v", err)
	}
	if p.Status != storage.StatusPaid || p.AccessToken == "" {
		t.Fatalf("expected paid purchase with token, got %+v", p)
	}
	if p.ConfirmedVia != storage.ChannelWebhook {
		t.Errorf("expected confirmation via webhook, got %q", p.ConfirmedVia)
	}

	ticket := env.do(t, http.MethodGet, "/tickets/"+p.AccessToken, nil, nil)
	if ticket.Code != http.StatusOK {
		t.Fatalf("ticket lookup: expected 200, got %d", ticket.Code)
	}
	view := decodeBody(t, ticket)
	if view["reference"] != "ref-web-1" || view["quantity"] != float64(2) {
		t.Errorf("unexpected ticket view: %v", view)
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createPurchase(t, "ref-web-2", 0)

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-web-2","status":"success","transactionId":"txn-2"}}`)
	rec := env.do(t, http.MethodPost, "/payments/webhook", body, map[string]string{testSigHeader: "deadbeef"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "invalid_signature" {
		t.Errorf("expected invalid_signature, got %s", code)
	}

	p, _ := env.store.GetPurchaseByReference(context.Background(), "ref-web-2")
	if p.Status != storage.StatusPending {
		t.Errorf("bad signature must not move the purchase, got %s", p.Status)
	}
	receipts, _ := env.store.ListReceipts(context.Background(), "ref-web-2")
	if len(receipts) != 0 {
		t.Errorf("bad signature must not store a receipt, got %d", len(receipts))
	}
}

// The header is chosen per provider when none is configured; the HMAC
// signer stands in for the provider so only the header name varies.
func TestWebhook_DefaultSignatureHeaderFollowsProvider(t *testing.T) {
	cfg := testConfig()
	cfg.Oracle.Provider = "stripe"
	cfg.Oracle.SignatureHeader = ""
	env := newTestEnv(t, cfg)
	env.createPurchase(t, "ref-hdr-1", 0)

	body := []byte(`{"event":"charge.success","data":{"reference":"ref-hdr-1","status":"success","transactionId":"txn-hdr-1"}}`)
	sig := env.provider.Sign(body)

	wrong := env.do(t, http.MethodPost, "/payments/webhook", body, map[string]string{"X-Payment-Signature": sig})
	if wrong.Code != http.StatusUnauthorized {
		t.Fatalf("signature under the generic header: expected 401, got %d", wrong.Code)
	}

	rec := env.do(t, http.MethodPost, "/payments/webhook", body, map[string]string{"Stripe-Signature": sig})
	if rec.Code != http.StatusOK {
		t.Fatalf("signature under Stripe-Signature: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody(t, rec)["outcome"]; got != string(reconcile.ResultIssued) {
		t.Errorf("expected issued, got %v", got)
	}
}

func TestWebhook_MalformedSignedPayload(t *testing.T) {
	env := newTestEnv(t, testConfig())

	body := []byte(`{"event":"charge.success","data":{}}`)
	rec := env.do(t, http.MethodPost, "/payments/webhook", body, map[string]string{testSigHeader: env.provider.Sign(body)})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_OrphanIsAcknowledged(t *testing.T) {
	env := newTestEnv(t, testConfig())

	rec := env.webhook(t, "ref-orphan", "success", "txn-o")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for an orphaned signal, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["outcome"]; got != string(reconcile.ResultOrphaned) {
		t.Errorf("expected orphaned, got %v", got)
	}

	created := env.createPurchase(t, "ref-orphan", 5000)
	if created["status"] != "paid" {
		t.Errorf("purchase created after its webhook should be paid, got %v", created["status"])
	}
	if url, _ := created["ticketUrl"].(string); !strings.HasPrefix(url, "https://tickets.example.com/tickets/") {
		t.Errorf("unexpected ticket url %q", url)
	}
}

func TestVerifyPayment(t *testing.T) {
	tests := []struct {
		name          string
		reference     string
		providerState string
		wantConfirmed bool
		wantReason    string
		wantRetryable bool
	}{
		{name: "succeeded", reference: "ref-v-ok", providerState: "success", wantConfirmed: true},
		{name: "failed", reference: "ref-v-fail", providerState: "failed", wantReason: string(reconcile.ResultFailed)},
		{name: "still pending", reference: "ref-v-pending", providerState: "pending", wantReason: string(reconcile.ResultPending), wantRetryable: true},
		{name: "unknown to provider", reference: "ref-v-unknown", wantReason: string(reconcile.ResultPending), wantRetryable: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig())
			env.createPurchase(t, tt.reference, 5000)
			if tt.providerState != "" {
				env.stub.set(tt.reference, tt.providerState)
			}

			rec := env.do(t, http.MethodPost, "/payments/verify", map[string]string{"reference": tt.reference}, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			body := decodeBody(t, rec)
			if body["success"] != true {
				t.Fatalf("expected success, got %v", body)
			}
			if body["confirmed"] != tt.wantConfirmed {
				t.Errorf("confirmed = %v, want %v", body["confirmed"], tt.wantConfirmed)
			}
			if tt.wantReason != "" && body["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %s", body["reason"], tt.wantReason)
			}
			if retryable, _ := body["retryable"].(bool); retryable != tt.wantRetryable {
				t.Errorf("retryable = %v, want %v", retryable, tt.wantRetryable)
			}

			purchase, _ := body["purchase"].(map[string]any)
			_, hasToken := purchase["accessToken"]
			if hasToken != tt.wantConfirmed {
				t.Errorf("access token present = %v, want %v", hasToken, tt.wantConfirmed)
			}
		})
	}
}

func TestVerifyPayment_OracleUnavailable(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createPurchase(t, "ref-v-down", 0)
	env.stub.mu.Lock()
	env.stub.down = true
	env.stub.mu.Unlock()

	rec := env.do(t, http.MethodPost, "/payments/verify", map[string]string{"reference": "ref-v-down"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["reason"] != "oracle_unavailable" || body["retryable"] != true {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestVerifyPayment_UnknownPurchase(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.stub.set("ref-v-none", "success")

	rec := env.do(t, http.MethodPost, "/payments/verify", map[string]string{"reference": "ref-v-none"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["confirmed"] != false || body["reason"] != "purchase_not_found" {
		t.Errorf("unexpected body: %v", body)
	}
}

func TestVerifyPayment_BadRequests(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tests := []struct {
		name string
		body []byte
		code string
	}{
		{name: "missing reference", body: []byte(`{"reference":"  "}`), code: "missing_field"},
		{name: "unknown field", body: []byte(`{"reference":"r","extra":1}`), code: "invalid_request"},
		{name: "not json", body: []byte(`reference=r`), code: "invalid_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/payments/verify", tt.body, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if code := errorCode(t, rec); code != tt.code {
				t.Errorf("expected %s, got %s", tt.code, code)
			}
		})
	}
}

func TestVerifyPayment_IdempotentReplay(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createPurchase(t, "ref-v-idem", 0)
	env.stub.set("ref-v-idem", "success")

	headers := map[string]string{idempotency.HeaderKey: "verify-1"}
	first := env.do(t, http.MethodPost, "/payments/verify", map[string]string{"reference": "ref-v-idem"}, headers)
	second := env.do(t, http.MethodPost, "/payments/verify", map[string]string{"reference": "ref-v-idem"}, headers)

	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200s, got %d and %d", first.Code, second.Code)
	}
	if second.Header().Get(idempotency.HeaderReplay) != "true" {
		t.Errorf("expected replay header on second response")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
}

func TestCallbackReceipt(t *testing.T) {
	env := newTestEnv(t, testConfig())
	receipt := map[string]any{
		"reference":             "ref-cb-1",
		"providerTransactionId": 991,
		"amount":                "5000",
		"status":                "successful",
	}

	rec := env.do(t, http.MethodPost, "/payments/callback-receipt", receipt, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["recorded"] != true || body["duplicate"] != false || body["outcome"] != string(reconcile.ResultOrphaned) {
		t.Errorf("unexpected first receipt response: %v", body)
	}

	dup := env.do(t, http.MethodPost, "/payments/callback-receipt", receipt, nil)
	if dup.Code != http.StatusAccepted {
		t.Fatalf("duplicate: expected 202, got %d", dup.Code)
	}
	if got := decodeBody(t, dup)["duplicate"]; got != true {
		t.Errorf("expected duplicate=true, got %v", got)
	}

	receipts, err := env.store.ListReceipts(context.Background(), "ref-cb-1")
	if err != nil {
		t.Fatalf("ListReceipts failed: %v", err)
	}
	if len(receipts) != 1 || receipts[0].ProviderTxnID != "991" {
		t.Fatalf("expected one receipt for txn 991, got %+v", receipts)
	}

	created := env.createPurchase(t, "ref-cb-1", 5000)
	if created["status"] != "paid" || created["confirmedVia"] != "callback" {
		t.Errorf("expected purchase paid from the callback receipt, got %v", created)
	}
}

func TestCallbackReceipt_CompletesPendingPurchase(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createPurchase(t, "ref-cb-2", 0)

	rec := env.do(t, http.MethodPost, "/payments/callback-receipt", map[string]any{
		"reference":             "ref-cb-2",
		"providerTransactionId": "txn-cb-2",
		"status":                "success",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["outcome"]; got != string(reconcile.ResultIssued) {
		t.Errorf("expected issued, got %v", got)
	}
}

func TestCallbackReceipt_ProviderTransactionIDForms(t *testing.T) {
	env := newTestEnv(t, testConfig())

	tests := []struct {
		reference string
		txnID     any
		want      string
	}{
		{"ref-id-1", "TX1", "TX1"},
		{"ref-id-2", "pi_3NbXyZ2eZvKYlo2C", "pi_3NbXyZ2eZvKYlo2C"},
		{"ref-id-3", 77123, "77123"},
		{"ref-id-4", " txn-pad ", "txn-pad"},
	}
	for _, tt := range tests {
		t.Run(tt.reference, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/payments/callback-receipt", map[string]any{
				"reference":             tt.reference,
				"providerTransactionId": tt.txnID,
				"status":                "success",
			}, nil)
			if rec.Code != http.StatusAccepted {
				t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
			}
			receipts, err := env.store.ListReceipts(context.Background(), tt.reference)
			if err != nil {
				t.Fatalf("ListReceipts failed: %v", err)
			}
			if len(receipts) != 1 || receipts[0].ProviderTxnID != tt.want {
				t.Fatalf("expected one receipt for %q, got %+v", tt.want, receipts)
			}
		})
	}
}

func TestCallbackReceipt_Validation(t *testing.T) {
	env := newTestEnv(t, testConfig())

	missing := env.do(t, http.MethodPost, "/payments/callback-receipt", map[string]any{"status": "success"}, nil)
	if missing.Code != http.StatusBadRequest {
		t.Errorf("missing reference: expected 400, got %d", missing.Code)
	}

	negative := env.do(t, http.MethodPost, "/payments/callback-receipt", map[string]any{
		"reference": "ref-cb-3",
		"amount":    -5,
	}, nil)
	if negative.Code != http.StatusBadRequest {
		t.Errorf("negative amount: expected 400, got %d", negative.Code)
	}
	if code := errorCode(t, negative); code != "invalid_field" {
		t.Errorf("expected invalid_field, got %s", code)
	}
}

func TestGetTicket_NotFound(t *testing.T) {
	env := newTestEnv(t, testConfig())
	env.createPurchase(t, "ref-t-1", 0)

	for _, tok := range []string{"abcdefgh", "short", "ABCDEFGH", "ab-defgh"} {
		rec := env.do(t, http.MethodGet, "/tickets/"+tok, nil, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("token %q: expected 404, got %d", tok, rec.Code)
			continue
		}
		if code := errorCode(t, rec); code != "ticket_not_found" {
			t.Errorf("token %q: expected ticket_not_found, got %s", tok, code)
		}
	}
}

func TestCreatePurchase(t *testing.T) {
	env := newTestEnv(t, testConfig())
	auth := map[string]string{"Authorization": "Bearer " + testAdminKey}

	created := env.createPurchase(t, "ref-p-1", 2500)
	if created["status"] != "pending" || created["quantity"] != float64(2) {
		t.Errorf("unexpected purchase: %v", created)
	}
	if _, ok := created["accessToken"]; ok {
		t.Error("pending purchase must not expose a token")
	}

	dup := env.do(t, http.MethodPost, "/purchases", map[string]any{"paymentReference": "ref-p-1"}, auth)
	if dup.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", dup.Code)
	}

	noAuth := env.do(t, http.MethodPost, "/purchases", map[string]any{"paymentReference": "ref-p-2"}, nil)
	if noAuth.Code != http.StatusUnauthorized {
		t.Errorf("no admin key: expected 401, got %d", noAuth.Code)
	}

	bad := env.do(t, http.MethodPost, "/purchases", map[string]any{"paymentReference": "ref-p-3", "quantity": -1}, auth)
	if bad.Code != http.StatusBadRequest {
		t.Errorf("negative quantity: expected 400, got %d", bad.Code)
	}
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, testConfig())
	auth := map[string]string{"Authorization": "Bearer " + testAdminKey}
	env.createPurchase(t, "ref-a-1", 0)

	if rec := env.do(t, http.MethodGet, "/admin/purchases/ref-a-1", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("admin without key: expected 401, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/admin/purchases/ref-a-1", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin purchase: expected 200, got %d", rec.Code)
	}
	if _, ok := decodeBody(t, rec)["receipts"]; !ok {
		t.Error("expected receipts in admin purchase view")
	}

	if rec := env.do(t, http.MethodGet, "/admin/purchases/ref-missing", nil, auth); rec.Code != http.StatusNotFound {
		t.Errorf("missing purchase: expected 404, got %d", rec.Code)
	}

	// Receipt arrives for a pending purchase but the automatic pass is bypassed.
	if _, err := env.store.RecordReceipt(context.Background(), storage.CallbackReceipt{
		Reference:     "ref-a-1",
		Channel:       storage.ChannelCallback,
		ProviderTxnID: "txn-a-1",
		Status:        storage.ReceiptSucceeded,
	}); err != nil {
		t.Fatalf("RecordReceipt failed: %v", err)
	}
	rec = env.do(t, http.MethodPost, "/admin/reconcile/ref-a-1", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin reconcile: expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["outcome"]; got != string(reconcile.ResultIssued) {
		t.Errorf("expected issued, got %v", got)
	}
}

func TestAdminDeliveries(t *testing.T) {
	env := newTestEnv(t, testConfig())
	auth := map[string]string{"Authorization": "Bearer " + testAdminKey}
	ctx := context.Background()

	id, err := env.store.EnqueueDelivery(ctx, storage.PendingDelivery{
		PurchaseID: "pur_1",
		EventType:  callbacks.EventTicketIssued,
		URL:        "https://gateway.example.com/hook",
		Payload:    json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("EnqueueDelivery failed: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/admin/deliveries?status=pending", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["count"]; got != float64(1) {
		t.Errorf("expected 1 delivery, got %v", got)
	}

	for _, q := range []string{"?status=done", "?limit=0", "?limit=5000"} {
		if rec := env.do(t, http.MethodGet, "/admin/deliveries"+q, nil, auth); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}

	if rec := env.do(t, http.MethodGet, "/admin/deliveries/"+id, nil, auth); rec.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/admin/deliveries/dlv_missing/retry", nil, auth); rec.Code != http.StatusNotFound {
		t.Errorf("retry missing: expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/admin/deliveries/"+id, nil, auth); rec.Code != http.StatusNoContent {
		t.Errorf("delete: expected 204, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/admin/deliveries/"+id, nil, auth); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete: expected 404, got %d", rec.Code)
	}
}

func TestAdminDLQ(t *testing.T) {
	env := newTestEnv(t, testConfig())
	auth := map[string]string{"Authorization": "Bearer " + testAdminKey}

	if err := env.dlq.SaveFailedDelivery(context.Background(), callbacks.FailedDelivery{ID: "dlq-1", PurchaseID: "pur_1"}); err != nil {
		t.Fatalf("SaveFailedDelivery failed: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/admin/dlq", nil, auth)
	if rec.Code != http.StatusOK {
		t.Fatalf("list dlq: expected 200, got %d", rec.Code)
	}
	if got := decodeBody(t, rec)["count"]; got != float64(1) {
		t.Errorf("expected 1 dead letter, got %v", got)
	}

	if rec := env.do(t, http.MethodDelete, "/admin/dlq/dlq-1", nil, auth); rec.Code != http.StatusNoContent {
		t.Errorf("delete dlq: expected 204, got %d", rec.Code)
	}
	failed, _ := env.dlq.ListFailedDeliveries(context.Background(), 10)
	if len(failed) != 0 {
		t.Errorf("expected empty dlq, got %d", len(failed))
	}
}
