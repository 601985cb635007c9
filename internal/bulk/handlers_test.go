package bulk

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/pubsub"
	"github.com/mowali/switch-connector/internal/store"
	"github.com/mowali/switch-connector/internal/workflow"
	"github.com/mowali/switch-connector/pkg/switchclient"
)

// recordingProducer keeps every published event and hands them back in
// order, standing in for the broker during a saga walk.
type recordingProducer struct {
	published []domain.Event
	cursor    int
}

func (p *recordingProducer) PublishEvent(ctx context.Context, exchange string, event domain.Event) error {
	p.published = append(p.published, event)
	return nil
}

func (p *recordingProducer) Close() {}

func (p *recordingProducer) pop() (domain.Event, bool) {
	if p.cursor >= len(p.published) {
		return domain.Event{}, false
	}
	evt := p.published[p.cursor]
	p.cursor++
	return evt, true
}

func (p *recordingProducer) named(name string) []domain.Event {
	var matched []domain.Event
	for _, evt := range p.published {
		if evt.Name == name {
			matched = append(matched, evt)
		}
	}
	return matched
}

func sagaEnvelope(t *testing.T, data interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal callback data: %v", err)
	}
	payload, err := json.Marshal(domain.CallbackEnvelope{Type: "callback", Data: raw})
	if err != nil {
		t.Fatalf("marshal callback envelope: %v", err)
	}
	return payload
}

// sagaRequester acknowledges every outbound call by synchronously
// publishing the matching callback, exercising the listen-before-request
// rendezvous the handlers rely on.
type sagaRequester struct {
	switchclient.Requester

	t  *testing.T
	ps pubsub.PubSub

	partyErr     *domain.ErrorInformation
	quotesErr    *domain.ErrorInformation
	failQuoteFor map[string]bool

	getPartiesCalls    int
	bulkQuotesCalls    int
	bulkTransfersCalls int
}

func (s *sagaRequester) GetParties(ctx context.Context, idType, idValue, idSubValue string) error {
	s.getPartiesCalls++
	result := domain.PartyResult{Party: &domain.Party{IDType: idType, IDValue: idValue, FspID: "payeefsp"}}
	if s.partyErr != nil {
		result = domain.PartyResult{Error: s.partyErr}
	}
	return s.ps.Publish(ctx, workflow.PartyChannel(idType, idValue, idSubValue), sagaEnvelope(s.t, result))
}

func (s *sagaRequester) PostBulkQuotes(ctx context.Context, req switchclient.BulkQuotesRequest) error {
	s.bulkQuotesCalls++
	callback := domain.BatchCallback{BatchID: req.BatchID}
	if s.quotesErr != nil {
		callback.Error = s.quotesErr
	} else {
		for _, item := range req.Items {
			if s.failQuoteFor[item.To.IDValue] {
				callback.Items = append(callback.Items, domain.BatchItemResult{
					ReferenceID: item.ReferenceID,
					Error:       &domain.ErrorInformation{ErrorCode: "3205", ErrorDescription: "quote id not found"},
				})
				continue
			}
			callback.Items = append(callback.Items, domain.BatchItemResult{
				ReferenceID: item.ReferenceID,
				Quote: &domain.QuoteResponse{
					QuoteID:        item.ReferenceID,
					TransferAmount: item.Amount,
					IlpPacket:      "packet-" + item.ReferenceID,
					Condition:      "condition",
					Expiration:     time.Now().Add(time.Hour),
				},
			})
		}
	}
	return s.ps.Publish(ctx, BulkQuotesChannel(req.BatchID), sagaEnvelope(s.t, callback))
}

func (s *sagaRequester) PostBulkTransfers(ctx context.Context, req switchclient.BulkTransfersRequest) error {
	s.bulkTransfersCalls++
	callback := domain.BatchCallback{BatchID: req.BatchID}
	for _, item := range req.Items {
		callback.Items = append(callback.Items, domain.BatchItemResult{
			ReferenceID: item.ReferenceID,
			Fulfil:      &domain.TransferFulfil{TransferState: "COMMITTED", Fulfilment: "fulfilment", CompletedAt: time.Now()},
		})
	}
	return s.ps.Publish(ctx, BulkTransfersChannel(req.BatchID), sagaEnvelope(s.t, callback))
}

type sagaHarness struct {
	repo      store.Repository
	producer  *recordingProducer
	requester *sagaRequester
	handlers  *Handlers
}

func newSagaHarness(t *testing.T) *sagaHarness {
	ps := pubsub.NewMemoryPubSub()
	producer := &recordingProducer{}
	requester := &sagaRequester{t: t, ps: ps, failQuoteFor: map[string]bool{}}
	cfg := Config{
		Exchange:                     "txn.events",
		ExpirySeconds:                60,
		RequestTimeout:               time.Second,
		MaxBatchSize:                 DefaultMaxBatchSize,
		RejectExpiredQuoteResponses:  true,
		RejectExpiredTransferFulfils: true,
		NewID:                        sequentialIDs("gen"),
	}
	repo := store.NewMemoryRepository()
	handlers := NewHandlers(repo, producer, pubsub.NewChannel(ps), requester, cfg)
	return &sagaHarness{repo: repo, producer: producer, requester: requester, handlers: handlers}
}

func mustEvent(t *testing.T, name, key string, content interface{}) domain.Event {
	t.Helper()
	evt, err := domain.NewEvent(name, key, content)
	if err != nil {
		t.Fatalf("NewEvent returned error: %v", err)
	}
	return evt
}

// drive dispatches produced events in order until the saga quiesces.
func (s *sagaHarness) drive(t *testing.T) {
	t.Helper()
	bindings := s.handlers.Bindings()
	for i := 0; i < 200; i++ {
		evt, ok := s.producer.pop()
		if !ok {
			return
		}
		body, err := json.Marshal(evt)
		if err != nil {
			t.Fatalf("marshal event %s: %v", evt.Name, err)
		}
		handler, bound := bindings[evt.Name]
		if !bound {
			t.Fatalf("no handler bound for %s", evt.Name)
		}
		if !handler(body) {
			t.Fatalf("handler for %s requested redelivery", evt.Name)
		}
	}
	t.Fatal("saga did not quiesce within 200 events")
}

func (s *sagaHarness) submit(t *testing.T, bulkID string, req domain.BulkTransactionRequest) {
	t.Helper()
	evt := mustEvent(t, domain.EvtBulkRequestReceived, bulkID, req)
	if err := s.producer.PublishEvent(context.Background(), "txn.events", evt); err != nil {
		t.Fatalf("PublishEvent returned error: %v", err)
	}
	s.drive(t)
}

func (s *sagaHarness) aggregate(t *testing.T, bulkID string) *Aggregate {
	t.Helper()
	agg, err := LoadFromRepo(context.Background(), s.repo, bulkID)
	if err != nil {
		t.Fatalf("LoadFromRepo returned error: %v", err)
	}
	return agg
}

func (s *sagaHarness) globalState(t *testing.T, bulkID string) domain.BulkState {
	t.Helper()
	state, err := s.aggregate(t, bulkID).GlobalState(context.Background())
	if err != nil {
		t.Fatalf("GlobalState returned error: %v", err)
	}
	return state
}

func (s *sagaHarness) itemByIDValue(t *testing.T, bulkID, idValue string) *domain.IndividualTransferRecord {
	t.Helper()
	ctx := context.Background()
	agg := s.aggregate(t, bulkID)
	ids, err := agg.AllIndividualTransferIDs(ctx)
	if err != nil {
		t.Fatalf("AllIndividualTransferIDs returned error: %v", err)
	}
	for _, id := range ids {
		item, err := agg.IndividualTransfer(ctx, id)
		if err != nil {
			t.Fatalf("IndividualTransfer returned error: %v", err)
		}
		if item.Request.To.IDValue == idValue {
			return item
		}
	}
	t.Fatalf("no transfer record destined for %s", idValue)
	return nil
}

func sagaBulkRequest(transfers int, options domain.BulkOptions) domain.BulkTransactionRequest {
	req := domain.BulkTransactionRequest{
		BulkHomeTransactionID: "bulk-home-1",
		From:                  domain.Party{IDType: "MSISDN", IDValue: "111", FspID: "payerfsp"},
		Options:               options,
	}
	for i := 0; i < transfers; i++ {
		req.IndividualTransfers = append(req.IndividualTransfers, domain.IndividualTransferRequest{
			HomeTransactionID: fmt.Sprintf("home-%d", i),
			To:                domain.Party{IDType: "MSISDN", IDValue: fmt.Sprintf("2%d", i)},
			AmountType:        domain.AmountTypeSend,
			Amount:            domain.Money{Currency: "USD", Amount: "10"},
		})
	}
	return req
}

func autoAcceptOptions() domain.BulkOptions {
	return domain.BulkOptions{AutoAcceptParty: true, AutoAcceptQuote: true}
}

func TestHandleBulkRequestReceived_OnePartyRequestPerTransfer(t *testing.T) {
	h := newSagaHarness(t)
	ctx := context.Background()
	evt := mustEvent(t, domain.EvtBulkRequestReceived, "bulk-fanout", sagaBulkRequest(2, autoAcceptOptions()))

	if err := h.handlers.HandleBulkRequestReceived(ctx, evt); err != nil {
		t.Fatalf("HandleBulkRequestReceived returned error: %v", err)
	}
	if got := len(h.producer.named(domain.EvtPartyInfoRequested)); got != 2 {
		t.Fatalf("expected 2 party info requests, got %d", got)
	}
	if state := h.globalState(t, "bulk-fanout"); state != domain.BulkDiscoveryProcessing {
		t.Fatalf("expected DISCOVERY_PROCESSING, got %s", state)
	}

	// Redelivery must not fan out again.
	if err := h.handlers.HandleBulkRequestReceived(ctx, evt); err != nil {
		t.Fatalf("redelivered HandleBulkRequestReceived returned error: %v", err)
	}
	if got := len(h.producer.named(domain.EvtPartyInfoRequested)); got != 2 {
		t.Fatalf("expected redelivery to add no requests, got %d", got)
	}
}

func TestHandlePartyInfoRequested_RedeliveryDoesNotDoubleCount(t *testing.T) {
	h := newSagaHarness(t)
	ctx := context.Background()
	received := mustEvent(t, domain.EvtBulkRequestReceived, "bulk-count", sagaBulkRequest(2, autoAcceptOptions()))
	if err := h.handlers.HandleBulkRequestReceived(ctx, received); err != nil {
		t.Fatalf("HandleBulkRequestReceived returned error: %v", err)
	}

	requested := h.producer.named(domain.EvtPartyInfoRequested)[0]
	if err := h.handlers.HandlePartyInfoRequested(ctx, requested); err != nil {
		t.Fatalf("HandlePartyInfoRequested returned error: %v", err)
	}
	if err := h.handlers.HandlePartyInfoRequested(ctx, requested); err != nil {
		t.Fatalf("redelivered HandlePartyInfoRequested returned error: %v", err)
	}

	counts, err := h.aggregate(t, "bulk-count").Counts(ctx, domain.PhaseDiscovery)
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts.Success != 1 || counts.Failed != 0 {
		t.Fatalf("expected one success despite redelivery, got %+v", counts)
	}
	if h.requester.getPartiesCalls != 1 {
		t.Fatalf("expected one lookup call, got %d", h.requester.getPartiesCalls)
	}
	// The redelivery re-emits the report: the first attempt may have crashed
	// after persisting but before publishing, and the barrier tolerates
	// duplicates.
	if got := len(h.producer.named(domain.EvtPartyInfoProcessed)); got != 2 {
		t.Fatalf("expected the redelivery to re-emit the processed report, got %d", got)
	}
}

func TestHandleBulkRequestReceived_RedeliveryAfterCompletionLeavesBulkAlone(t *testing.T) {
	h := newSagaHarness(t)
	ctx := context.Background()
	evt := mustEvent(t, domain.EvtBulkRequestReceived, "bulk-done", sagaBulkRequest(2, autoAcceptOptions()))
	if err := h.producer.PublishEvent(ctx, "txn.events", evt); err != nil {
		t.Fatalf("PublishEvent returned error: %v", err)
	}
	h.drive(t)
	if state := h.globalState(t, "bulk-done"); state != domain.BulkResponseSent {
		t.Fatalf("expected RESPONSE_SENT before redelivery, got %s", state)
	}

	if err := h.handlers.HandleBulkRequestReceived(ctx, evt); err != nil {
		t.Fatalf("redelivered HandleBulkRequestReceived returned error: %v", err)
	}
	if state := h.globalState(t, "bulk-done"); state != domain.BulkResponseSent {
		t.Fatalf("expected the redelivery to leave the terminal bulk alone, got %s", state)
	}
	if got := len(h.producer.named(domain.EvtPartyInfoRequested)); got != 2 {
		t.Fatalf("expected no new party requests after the redelivery, got %d", got)
	}
}

func TestHandleBulkRequestReceived_RedeliveryWhileHaltedKeepsPendingState(t *testing.T) {
	h := newSagaHarness(t)
	ctx := context.Background()
	options := domain.BulkOptions{AutoAcceptParty: false, AutoAcceptQuote: true}
	evt := mustEvent(t, domain.EvtBulkRequestReceived, "bulk-pend", sagaBulkRequest(2, options))
	if err := h.producer.PublishEvent(ctx, "txn.events", evt); err != nil {
		t.Fatalf("PublishEvent returned error: %v", err)
	}
	h.drive(t)
	if state := h.globalState(t, "bulk-pend"); state != domain.BulkDiscoveryAcceptancePending {
		t.Fatalf("expected DISCOVERY_ACCEPTANCE_PENDING, got %s", state)
	}

	if err := h.handlers.HandleBulkRequestReceived(ctx, evt); err != nil {
		t.Fatalf("redelivered HandleBulkRequestReceived returned error: %v", err)
	}
	if state := h.globalState(t, "bulk-pend"); state != domain.BulkDiscoveryAcceptancePending {
		t.Fatalf("expected the halted bulk to stay pending, got %s", state)
	}
}

func TestSaga_HappyPathAutoAcceptEndsResponseSent(t *testing.T) {
	h := newSagaHarness(t)
	h.submit(t, "bulk-happy", sagaBulkRequest(2, autoAcceptOptions()))

	if state := h.globalState(t, "bulk-happy"); state != domain.BulkResponseSent {
		t.Fatalf("expected RESPONSE_SENT, got %s", state)
	}
	for _, idValue := range []string{"20", "21"} {
		item := h.itemByIDValue(t, "bulk-happy", idValue)
		if item.State != domain.ItemTransferSuccess {
			t.Fatalf("expected transfer %s to succeed, got %s", idValue, item.State)
		}
		if item.TransferResponse == nil || item.TransferResponse.TransferState != "COMMITTED" {
			t.Fatalf("expected a committed fulfil on %s, got %+v", idValue, item.TransferResponse)
		}
	}

	// Same destination and currency: one batch, one call per phase.
	if h.requester.bulkQuotesCalls != 1 || h.requester.bulkTransfersCalls != 1 {
		t.Fatalf("expected one batched call per phase, got %d quotes and %d transfers",
			h.requester.bulkQuotesCalls, h.requester.bulkTransfersCalls)
	}

	result, err := h.aggregate(t, "bulk-happy").Result(context.Background())
	if err != nil {
		t.Fatalf("Result returned error: %v", err)
	}
	if result.State != domain.BulkTransfersCompleted || len(result.Items) != 2 {
		t.Fatalf("expected a completed 2-item result, got %+v", result)
	}
}

func TestSaga_SkipPartyLookupBypassesDiscoveryCalls(t *testing.T) {
	h := newSagaHarness(t)
	options := autoAcceptOptions()
	options.SkipPartyLookup = true
	h.submit(t, "bulk-skip", sagaBulkRequest(2, options))

	if h.requester.getPartiesCalls != 0 {
		t.Fatalf("expected no lookup calls, got %d", h.requester.getPartiesCalls)
	}
	if state := h.globalState(t, "bulk-skip"); state != domain.BulkResponseSent {
		t.Fatalf("expected RESPONSE_SENT, got %s", state)
	}
}

func TestSaga_AllLookupsFailedShortCircuitsToErrored(t *testing.T) {
	h := newSagaHarness(t)
	h.requester.partyErr = &domain.ErrorInformation{ErrorCode: "3204", ErrorDescription: "party not found"}
	h.submit(t, "bulk-nofind", sagaBulkRequest(2, autoAcceptOptions()))

	if state := h.globalState(t, "bulk-nofind"); state != domain.BulkErrored {
		t.Fatalf("expected ERRORED, got %s", state)
	}
	if h.requester.bulkQuotesCalls != 0 {
		t.Fatalf("expected no quote calls after all lookups failed, got %d", h.requester.bulkQuotesCalls)
	}
	result, err := h.aggregate(t, "bulk-nofind").Result(context.Background())
	if err != nil {
		t.Fatalf("Result returned error: %v", err)
	}
	for _, item := range result.Items {
		if item.State != domain.ItemDiscoveryFailed || item.LastError == nil || item.LastError.ErrorCode != "3204" {
			t.Fatalf("expected a discovery failure carrying the lookup error, got %+v", item)
		}
	}
}

func TestSaga_BatchQuoteErrorFailsEveryMemberButCountsOnce(t *testing.T) {
	h := newSagaHarness(t)
	h.requester.quotesErr = &domain.ErrorInformation{ErrorCode: "5100", ErrorDescription: "payee quote rejected"}
	h.submit(t, "bulk-qfail", sagaBulkRequest(2, autoAcceptOptions()))

	counts, err := h.aggregate(t, "bulk-qfail").Counts(context.Background(), domain.PhaseAgreement)
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts.Total != 1 || counts.Failed != 1 {
		t.Fatalf("expected one failed batch counted once, got %+v", counts)
	}
	for _, idValue := range []string{"20", "21"} {
		item := h.itemByIDValue(t, "bulk-qfail", idValue)
		if item.State != domain.ItemAgreementFailed || item.LastError == nil || item.LastError.ErrorCode != "5100" {
			t.Fatalf("expected %s to fail agreement with the batch error, got %+v", idValue, item)
		}
	}
	if state := h.globalState(t, "bulk-qfail"); state != domain.BulkErrored {
		t.Fatalf("expected ERRORED, got %s", state)
	}
	if h.requester.bulkTransfersCalls != 0 {
		t.Fatalf("expected no transfer calls, got %d", h.requester.bulkTransfersCalls)
	}
}

func TestSaga_PartialQuoteFailureCarriesOnlyAcceptedMembers(t *testing.T) {
	h := newSagaHarness(t)
	h.requester.failQuoteFor["21"] = true
	h.submit(t, "bulk-partial", sagaBulkRequest(2, autoAcceptOptions()))

	if state := h.globalState(t, "bulk-partial"); state != domain.BulkResponseSent {
		t.Fatalf("expected RESPONSE_SENT, got %s", state)
	}
	if item := h.itemByIDValue(t, "bulk-partial", "20"); item.State != domain.ItemTransferSuccess {
		t.Fatalf("expected the quoted transfer to complete, got %s", item.State)
	}
	failed := h.itemByIDValue(t, "bulk-partial", "21")
	if failed.State != domain.ItemAgreementFailed || failed.LastError == nil || failed.LastError.ErrorCode != "3205" {
		t.Fatalf("expected the rejected quote to fail agreement, got %+v", failed)
	}
	if h.requester.bulkTransfersCalls != 1 {
		t.Fatalf("expected one transfer call for the surviving member, got %d", h.requester.bulkTransfersCalls)
	}
}

func TestSaga_HaltsForPartyAcceptanceAndResumesWithDecisions(t *testing.T) {
	h := newSagaHarness(t)
	options := domain.BulkOptions{AutoAcceptParty: false, AutoAcceptQuote: true}
	h.submit(t, "bulk-halt", sagaBulkRequest(2, options))

	if state := h.globalState(t, "bulk-halt"); state != domain.BulkDiscoveryAcceptancePending {
		t.Fatalf("expected DISCOVERY_ACCEPTANCE_PENDING, got %s", state)
	}
	if got := len(h.producer.named(domain.EvtBulkQuotesRequested)); got != 0 {
		t.Fatalf("expected no quote requests while halted, got %d", got)
	}

	accepted := h.itemByIDValue(t, "bulk-halt", "20")
	rejected := h.itemByIDValue(t, "bulk-halt", "21")
	acceptance := domain.AcceptanceContent{
		BulkID: "bulk-halt",
		Items: []domain.AcceptanceItemDecision{
			{TransferID: accepted.ID, Accept: true},
			{TransferID: rejected.ID, Accept: false},
		},
	}
	evt := mustEvent(t, domain.EvtBulkPartyAcceptanceProcessed, "bulk-halt", acceptance)
	if err := h.producer.PublishEvent(context.Background(), "txn.events", evt); err != nil {
		t.Fatalf("PublishEvent returned error: %v", err)
	}
	h.drive(t)

	if state := h.globalState(t, "bulk-halt"); state != domain.BulkResponseSent {
		t.Fatalf("expected RESPONSE_SENT after resume, got %s", state)
	}
	if item := h.itemByIDValue(t, "bulk-halt", "20"); item.State != domain.ItemTransferSuccess {
		t.Fatalf("expected the accepted transfer to complete, got %s", item.State)
	}
	if item := h.itemByIDValue(t, "bulk-halt", "21"); item.State != domain.ItemRejected {
		t.Fatalf("expected the rejected transfer to stay REJECTED, got %s", item.State)
	}
}

func TestFinalizeStale_ForceClosesOnceAndOnlyNonTerminal(t *testing.T) {
	h := newSagaHarness(t)
	ctx := context.Background()
	options := domain.BulkOptions{AutoAcceptParty: false}
	h.submit(t, "bulk-stale", sagaBulkRequest(1, options))

	if err := h.handlers.FinalizeStale(ctx, "bulk-stale"); err != nil {
		t.Fatalf("FinalizeStale returned error: %v", err)
	}
	if state := h.globalState(t, "bulk-stale"); state != domain.BulkErrored {
		t.Fatalf("expected ERRORED, got %s", state)
	}
	result, err := h.aggregate(t, "bulk-stale").Result(ctx)
	if err != nil {
		t.Fatalf("Result returned error: %v", err)
	}
	if len(result.Items) != 1 {
		t.Fatalf("expected the forced result to carry the item outcomes, got %+v", result)
	}

	// A second sweep of the now-terminal bulk is a no-op.
	if err := h.handlers.FinalizeStale(ctx, "bulk-stale"); err != nil {
		t.Fatalf("repeat FinalizeStale returned error: %v", err)
	}
	if got := len(h.producer.named(domain.EvtBulkResponsePrepared)); got != 1 {
		t.Fatalf("expected one response event, got %d", got)
	}
}

func TestHandleBulkQuotesRequested_ResumesBatchLeftMidFlight(t *testing.T) {
	h := newSagaHarness(t)
	ctx := context.Background()

	// A previous attempt persisted the processing state and died before the
	// outbound call completed; the redelivered event must finish the batch.
	agg, err := CreateFromRequest(ctx, h.repo, "bulk-midair", sagaBulkRequest(2, autoAcceptOptions()), sequentialIDs("item"))
	if err != nil {
		t.Fatalf("CreateFromRequest returned error: %v", err)
	}
	ids, err := agg.AllIndividualTransferIDs(ctx)
	if err != nil {
		t.Fatalf("AllIndividualTransferIDs returned error: %v", err)
	}
	var items []domain.IndividualTransferRecord
	for _, id := range ids {
		item, err := agg.IndividualTransfer(ctx, id)
		if err != nil {
			t.Fatalf("IndividualTransfer returned error: %v", err)
		}
		item.State = domain.ItemAccepted
		item.PartyResponse = &domain.Party{IDType: "MSISDN", IDValue: item.Request.To.IDValue, FspID: "payeefsp"}
		if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
			t.Fatalf("UpsertIndividualTransfer returned error: %v", err)
		}
		items = append(items, *item)
	}
	batch := FormBatches(items, DefaultMaxBatchSize, sequentialIDs("ref"))[0]
	batch.State = domain.BatchQuotesProcessing
	if err := agg.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("UpsertBatch returned error: %v", err)
	}
	if err := agg.SetPhaseTotal(ctx, domain.PhaseAgreement, 1); err != nil {
		t.Fatalf("SetPhaseTotal returned error: %v", err)
	}
	if err := agg.SetGlobalState(ctx, domain.BulkAgreementProcessing); err != nil {
		t.Fatalf("SetGlobalState returned error: %v", err)
	}

	evt := mustEvent(t, domain.EvtBulkQuotesRequested, "bulk-midair",
		domain.BatchEventContent{BulkID: "bulk-midair", BatchID: batch.ID})
	if err := h.handlers.HandleBulkQuotesRequested(ctx, evt); err != nil {
		t.Fatalf("HandleBulkQuotesRequested returned error: %v", err)
	}

	if h.requester.bulkQuotesCalls != 1 {
		t.Fatalf("expected the redelivery to re-run the batch call, got %d calls", h.requester.bulkQuotesCalls)
	}
	reloaded, err := agg.Batch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("Batch returned error: %v", err)
	}
	if reloaded.State != domain.BatchQuotesCompleted {
		t.Fatalf("expected the batch to complete, got %s", reloaded.State)
	}
	counts, err := agg.Counts(ctx, domain.PhaseAgreement)
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts.Success != 1 || counts.Failed != 0 {
		t.Fatalf("expected one counted success, got %+v", counts)
	}
	if got := len(h.producer.named(domain.EvtBulkQuotesProcessed)); got != 1 {
		t.Fatalf("expected one processed report, got %d", got)
	}
}

func TestSaga_SettledBatchRedeliveryReemitsReportsWithoutNewCalls(t *testing.T) {
	h := newSagaHarness(t)
	ctx := context.Background()
	h.submit(t, "bulk-replay", sagaBulkRequest(2, autoAcceptOptions()))

	quotesEvt := h.producer.named(domain.EvtBulkQuotesRequested)[0]
	if err := h.handlers.HandleBulkQuotesRequested(ctx, quotesEvt); err != nil {
		t.Fatalf("redelivered HandleBulkQuotesRequested returned error: %v", err)
	}
	transfersEvt := h.producer.named(domain.EvtBulkTransfersRequested)[0]
	if err := h.handlers.HandleBulkTransfersRequested(ctx, transfersEvt); err != nil {
		t.Fatalf("redelivered HandleBulkTransfersRequested returned error: %v", err)
	}

	if h.requester.bulkQuotesCalls != 1 || h.requester.bulkTransfersCalls != 1 {
		t.Fatalf("expected no new outbound calls on redelivery, got %d quotes and %d transfers",
			h.requester.bulkQuotesCalls, h.requester.bulkTransfersCalls)
	}
	if got := len(h.producer.named(domain.EvtBulkQuotesProcessed)); got != 2 {
		t.Fatalf("expected the settled batch to re-emit its quote report, got %d", got)
	}
	if got := len(h.producer.named(domain.EvtBulkTransfersProcessed)); got != 2 {
		t.Fatalf("expected the settled batch to re-emit its transfer report, got %d", got)
	}
	if state := h.globalState(t, "bulk-replay"); state != domain.BulkResponseSent {
		t.Fatalf("expected RESPONSE_SENT to survive the redeliveries, got %s", state)
	}
	counts, err := h.aggregate(t, "bulk-replay").Counts(ctx, domain.PhaseTransfer)
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts.Success != 1 || counts.Failed != 0 {
		t.Fatalf("expected the counters untouched by redelivery, got %+v", counts)
	}
}
