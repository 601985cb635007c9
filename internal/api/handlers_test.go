package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mowali/switch-connector/internal/app"
	"github.com/mowali/switch-connector/internal/bulk"
	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/pubsub"
	"github.com/mowali/switch-connector/internal/store"
	"github.com/mowali/switch-connector/internal/workflow"
)

const testAPIKey = "test-key"

type nullProducer struct {
	events []domain.Event
}

func (p *nullProducer) PublishEvent(ctx context.Context, exchange string, event domain.Event) error {
	p.events = append(p.events, event)
	return nil
}

func (p *nullProducer) Close() {}

func routerUnderTest(t *testing.T) (http.Handler, pubsub.PubSub) {
	t.Helper()
	repo := store.NewMemoryRepository()
	ps := pubsub.NewMemoryPubSub()
	deps := workflow.Deps{
		Repo:    repo,
		Channel: pubsub.NewChannel(ps),
		Cfg:     workflow.Config{DfspID: "payerfsp", ExpirySeconds: 60, RequestTimeout: time.Second},
	}
	service := app.NewService(deps, &nullProducer{}, bulk.Config{Exchange: "txn.events"})
	return Routes(NewHandlers(service, ps), testAPIKey, []string{"*"}), ps
}

func doRequest(t *testing.T, router http.Handler, method, target string, body []byte, withKey bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if withKey {
		req.Header.Set("X-API-Key", testAPIKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRoutes_HealthIsOpen(t *testing.T) {
	router, _ := routerUnderTest(t)
	rec := doRequest(t, router, http.MethodGet, "/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health without a key, got %d", rec.Code)
	}
}

func TestRoutes_RejectMissingAPIKey(t *testing.T) {
	router, _ := routerUnderTest(t)
	rec := doRequest(t, router, http.MethodGet, "/bulk-transfers/bulk-1", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rec.Code)
	}
}

func TestPartyCallback_PublishesEnvelopeOnCorrelationChannel(t *testing.T) {
	router, ps := routerUnderTest(t)
	ctx := context.Background()

	pending, err := pubsub.NewChannel(ps).Listen(ctx, workflow.PartyChannel("MSISDN", "123", ""))
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}

	body := []byte(`{"party":{"idType":"MSISDN","idValue":"123","fspId":"payeefsp"}}`)
	rec := doRequest(t, router, http.MethodPut, "/callbacks/parties/MSISDN/123", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the callback, got %d body %s", rec.Code, rec.Body.String())
	}

	payload, err := pending.Wait(ctx, time.Second)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	var env domain.CallbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != "partiesResponse" {
		t.Fatalf("expected partiesResponse envelope, got %s", env.Type)
	}
	var result domain.PartyResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		t.Fatalf("unmarshal callback data: %v", err)
	}
	if result.Party == nil || result.Party.FspID != "payeefsp" {
		t.Fatalf("expected the callback body relayed verbatim, got %+v", result)
	}
}

func TestBulkQuotesCallback_RoutesToBatchChannel(t *testing.T) {
	router, ps := routerUnderTest(t)
	ctx := context.Background()

	pending, err := pubsub.NewChannel(ps).Listen(ctx, bulk.BulkQuotesChannel("batch-1"))
	if err != nil {
		t.Fatalf("Listen returned error: %v", err)
	}
	rec := doRequest(t, router, http.MethodPut, "/callbacks/bulk-quotes/batch-1", []byte(`{"batchId":"batch-1"}`), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the callback, got %d", rec.Code)
	}
	if _, err := pending.Wait(ctx, time.Second); err != nil {
		t.Fatalf("expected the payload on the batch channel: %v", err)
	}
}

func TestPostBulk_AcceptedAndQueryable(t *testing.T) {
	router, _ := routerUnderTest(t)

	submit := domain.BulkTransactionRequest{
		BulkHomeTransactionID: "bulk-home-1",
		From:                  domain.Party{IDType: "MSISDN", IDValue: "111", FspID: "payerfsp"},
		IndividualTransfers: []domain.IndividualTransferRequest{{
			HomeTransactionID: "home-0",
			To:                domain.Party{IDType: "MSISDN", IDValue: "20"},
			AmountType:        domain.AmountTypeSend,
			Amount:            domain.Money{Currency: "USD", Amount: "10"},
		}},
	}
	body, err := json.Marshal(submit)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	rec := doRequest(t, router, http.MethodPost, "/bulk-transfers", body, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d body %s", rec.Code, rec.Body.String())
	}
	var accepted map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	bulkID := accepted["bulkTransactionId"]
	if bulkID == "" {
		t.Fatal("expected a bulk id in the response")
	}

	rec = doRequest(t, router, http.MethodGet, "/bulk-transfers/"+bulkID, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for the status poll, got %d", rec.Code)
	}
	var view app.BulkStatusView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if view.State != domain.BulkReceived || len(view.Items) != 1 {
		t.Fatalf("expected a RECEIVED bulk with one item, got %+v", view)
	}
}

func TestGetBulk_UnknownIsNotFound(t *testing.T) {
	router, _ := routerUnderTest(t)
	rec := doRequest(t, router, http.MethodGet, "/bulk-transfers/bulk-ghost", nil, true)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPutBulk_NotAwaitingAcceptanceIsConflict(t *testing.T) {
	router, _ := routerUnderTest(t)

	submit := domain.BulkTransactionRequest{
		From: domain.Party{IDType: "MSISDN", IDValue: "111", FspID: "payerfsp"},
		IndividualTransfers: []domain.IndividualTransferRequest{{
			To:         domain.Party{IDType: "MSISDN", IDValue: "20"},
			AmountType: domain.AmountTypeSend,
			Amount:     domain.Money{Currency: "USD", Amount: "10"},
		}},
	}
	body, _ := json.Marshal(submit)
	rec := doRequest(t, router, http.MethodPost, "/bulk-transfers", body, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var accepted map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}

	resume := domain.AcceptanceContent{Items: []domain.AcceptanceItemDecision{{TransferID: "t1", Accept: true}}}
	body, _ = json.Marshal(resume)
	rec = doRequest(t, router, http.MethodPut, "/bulk-transfers/"+accepted["bulkTransactionId"], body, true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while not awaiting acceptance, got %d body %s", rec.Code, rec.Body.String())
	}
}
