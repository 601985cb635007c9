/**
 * @description
 * The bulk orchestration saga: one handler per broker event, advancing the
 * aggregate phase by phase. The broker delivers at least once, so every
 * state-changing action sits behind an aggregate guard: a redelivered event
 * never repeats work, but it does re-emit the processed report for work that
 * already landed, in case the first attempt died between persisting and
 * publishing. Per-item business failures are recorded on the owning record
 * and acked; only infrastructure errors propagate out of a handler and
 * re-queue the delivery.
 *
 * @dependencies
 * - internal/bulk aggregate and batch helpers.
 * - internal/workflow: Correlation channel names shared with the inbound layer.
 * - pkg/rabbitmq, pkg/switchclient: Broker producer and outbound requests.
 */

package bulk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/pubsub"
	"github.com/mowali/switch-connector/internal/store"
	"github.com/mowali/switch-connector/internal/workflow"
	"github.com/mowali/switch-connector/pkg/rabbitmq"
	"github.com/mowali/switch-connector/pkg/switchclient"
)

// Correlation channel names for batched callbacks.

func BulkQuotesChannel(batchID string) string { return "bulkQuotes_" + batchID }

func BulkTransfersChannel(batchID string) string { return "bulkTransfers_" + batchID }

// Config carries the bulk engine's policy knobs.
type Config struct {
	Exchange       string
	ExpirySeconds  int64
	RequestTimeout time.Duration
	MaxBatchSize   int

	RejectExpiredQuoteResponses  bool
	RejectExpiredTransferFulfils bool

	// FinishedTTL archives a completed bulk's keys instead of deleting
	// them, so late duplicate events still resolve against terminal state.
	// Zero disables the TTL.
	FinishedTTL time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time

	// NewID generates batch and reference ids; nil means uuid.NewString.
	NewID func() string
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) newID() string {
	if c.NewID != nil {
		return c.NewID()
	}
	return uuid.NewString()
}

func (c Config) deadline() time.Time {
	return c.now().Add(time.Duration(c.ExpirySeconds) * time.Second)
}

// Handlers is the saga's handler set, bound to broker routing keys by
// Bindings.
type Handlers struct {
	repo      store.Repository
	producer  rabbitmq.Publisher
	channel   *pubsub.Channel
	requester switchclient.Requester
	cfg       Config
}

func NewHandlers(repo store.Repository, producer rabbitmq.Publisher, channel *pubsub.Channel, requester switchclient.Requester, cfg Config) *Handlers {
	return &Handlers{repo: repo, producer: producer, channel: channel, requester: requester, cfg: cfg}
}

// Bindings maps saga event names to consumer handlers. A false return
// re-queues the delivery, so only infrastructure errors return false;
// undecodable envelopes are dropped as poison.
func (h *Handlers) Bindings() rabbitmq.Bindings {
	wrap := func(fn func(context.Context, domain.Event) error) rabbitmq.HandlerFunc {
		return func(body []byte) bool {
			var evt domain.Event
			if err := json.Unmarshal(body, &evt); err != nil {
				log.Printf("level=error component=bulk_saga msg=\"undecodable event; dropping\" error=%q", err)
				return true
			}
			if err := fn(context.Background(), evt); err != nil {
				log.Printf("level=error component=bulk_saga msg=\"handler failed\" event=%s bulk_id=%s error=%q", evt.Name, evt.Key, err)
				return false
			}
			return true
		}
	}
	return rabbitmq.Bindings{
		domain.EvtBulkRequestReceived:          wrap(h.HandleBulkRequestReceived),
		domain.EvtPartyInfoRequested:           wrap(h.HandlePartyInfoRequested),
		domain.EvtPartyInfoProcessed:           wrap(h.HandlePartyInfoProcessed),
		domain.EvtBulkPartyAcceptanceProcessed: wrap(h.HandleBulkPartyAcceptanceProcessed),
		domain.EvtBulkQuotesRequested:          wrap(h.HandleBulkQuotesRequested),
		domain.EvtBulkQuotesProcessed:          wrap(h.HandleBulkQuotesProcessed),
		domain.EvtBulkQuoteAcceptanceProcessed: wrap(h.HandleBulkQuoteAcceptanceProcessed),
		domain.EvtBulkTransfersRequested:       wrap(h.HandleBulkTransfersRequested),
		domain.EvtBulkTransfersProcessed:       wrap(h.HandleBulkTransfersProcessed),
		domain.EvtBulkResponsePrepared:         wrap(h.HandleBulkResponsePrepared),
	}
}

func (h *Handlers) publish(ctx context.Context, name, bulkID string, content interface{}) error {
	evt, err := domain.NewEvent(name, bulkID, content)
	if err != nil {
		return err
	}
	return h.producer.PublishEvent(ctx, h.cfg.Exchange, evt)
}

// errorInfoFrom converts an internal failure into the protocol error body
// recorded on the owning record. Counterparty errors pass through verbatim.
func errorInfoFrom(err error) *domain.ErrorInformation {
	var protocolErr *domain.ProtocolError
	if errors.As(err, &protocolErr) && protocolErr.Info != nil {
		return protocolErr.Info
	}
	var expiryErr *domain.ExpiryError
	if errors.As(err, &expiryErr) {
		return &domain.ErrorInformation{ErrorCode: "3300", ErrorDescription: expiryErr.Error()}
	}
	return &domain.ErrorInformation{ErrorCode: "2001", ErrorDescription: err.Error()}
}

// HandleBulkRequestReceived materializes the aggregate and fans out the
// discovery phase, or skips straight past it when the request says the
// parties are already known.
func (h *Handlers) HandleBulkRequestReceived(ctx context.Context, evt domain.Event) error {
	var req domain.BulkTransactionRequest
	if err := json.Unmarshal(evt.Content, &req); err != nil {
		return fmt.Errorf("decode bulk request %s: %w", evt.Key, err)
	}

	agg, err := LoadFromRepo(ctx, h.repo, evt.Key)
	if errors.Is(err, store.ErrNotFound) {
		agg, err = CreateFromRequest(ctx, h.repo, evt.Key, req, h.cfg.newID)
	}
	if err != nil {
		return err
	}
	state, err := agg.GlobalState(ctx)
	if err != nil {
		return err
	}

	if agg.Options().SkipPartyLookup {
		// A redelivery may resume an interrupted skip but must never rewind
		// a bulk that already moved past discovery.
		if state != domain.BulkReceived && state != domain.BulkDiscoveryCompleted {
			return nil
		}
		return h.skipDiscovery(ctx, agg)
	}

	// Redeliveries re-run the fan-out only while the bulk is still in the
	// discovery entry states; the item guards keep the re-run from
	// duplicating requests.
	if state != domain.BulkReceived && state != domain.BulkDiscoveryProcessing {
		return nil
	}
	if err := agg.SetGlobalState(ctx, domain.BulkDiscoveryProcessing); err != nil {
		return err
	}
	itemIDs, err := agg.AllIndividualTransferIDs(ctx)
	if err != nil {
		return err
	}
	for _, transferID := range itemIDs {
		claimed, err := agg.Guard(ctx, "partyRequested_"+transferID)
		if err != nil {
			return err
		}
		if !claimed {
			continue
		}
		content := domain.PartyInfoRequestedContent{BulkID: agg.BulkID(), TransferID: transferID}
		if err := h.publish(ctx, domain.EvtPartyInfoRequested, agg.BulkID(), content); err != nil {
			return err
		}
	}
	return nil
}

// skipDiscovery pre-satisfies the discovery barrier: every record advances
// to discovery success on the identifiers the caller supplied, and the
// acceptance stage runs as if every lookup had answered.
func (h *Handlers) skipDiscovery(ctx context.Context, agg *Aggregate) error {
	itemIDs, err := agg.AllIndividualTransferIDs(ctx)
	if err != nil {
		return err
	}
	for _, transferID := range itemIDs {
		item, err := agg.IndividualTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		if item.State != domain.ItemReceived {
			continue
		}
		item.State = domain.ItemDiscoverySuccess
		if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
			return err
		}
		claimed, err := agg.Guard(ctx, "discoveryCounted_"+transferID)
		if err != nil {
			return err
		}
		if claimed {
			if _, err := agg.IncrementCount(ctx, domain.PhaseDiscovery, true); err != nil {
				return err
			}
		}
	}
	if err := agg.SetGlobalState(ctx, domain.BulkDiscoveryCompleted); err != nil {
		return err
	}
	return h.startPartyAcceptance(ctx, agg)
}

// HandlePartyInfoRequested resolves one individual transfer's payee over
// the correlation channel and reports the outcome.
func (h *Handlers) HandlePartyInfoRequested(ctx context.Context, evt domain.Event) error {
	var content domain.PartyInfoRequestedContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("decode party info request: %w", err)
	}
	agg, err := LoadFromRepo(ctx, h.repo, content.BulkID)
	if err != nil {
		return err
	}
	item, err := agg.IndividualTransfer(ctx, content.TransferID)
	if err != nil {
		return err
	}
	if item.State != domain.ItemReceived {
		// The lookup already landed; only the report may have been lost
		// before the broker redelivered. Re-emit it so the barrier can
		// still close.
		processed := domain.PartyInfoProcessedContent{BulkID: agg.BulkID(), TransferID: item.ID}
		return h.publish(ctx, domain.EvtPartyInfoProcessed, agg.BulkID(), processed)
	}

	party, lookupErr := h.resolveParty(ctx, item.Request.To)
	if lookupErr != nil {
		item.State = domain.ItemDiscoveryFailed
		item.LastError = errorInfoFrom(lookupErr)
	} else {
		item.State = domain.ItemDiscoverySuccess
		item.PartyResponse = party
	}
	if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
		return err
	}

	claimed, err := agg.Guard(ctx, "discoveryCounted_"+item.ID)
	if err != nil {
		return err
	}
	if claimed {
		if _, err := agg.IncrementCount(ctx, domain.PhaseDiscovery, lookupErr == nil); err != nil {
			return err
		}
	}
	processed := domain.PartyInfoProcessedContent{BulkID: agg.BulkID(), TransferID: item.ID}
	return h.publish(ctx, domain.EvtPartyInfoProcessed, agg.BulkID(), processed)
}

func (h *Handlers) resolveParty(ctx context.Context, to domain.Party) (*domain.Party, error) {
	channel := workflow.PartyChannel(to.IDType, to.IDValue, to.IDSubValue)
	pending, err := h.channel.Listen(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	if err := h.requester.GetParties(ctx, to.IDType, to.IDValue, to.IDSubValue); err != nil {
		pending.Close()
		return nil, err
	}
	payload, err := pending.Wait(ctx, h.cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, pubsub.ErrWaitTimeout) {
			return nil, &domain.ExpiryError{Stage: domain.StagePartyLookup}
		}
		return nil, err
	}

	var env domain.CallbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &domain.ValidationError{Channel: channel, Cause: err}
	}
	var result domain.PartyResult
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return nil, &domain.ValidationError{Channel: channel, Cause: err}
	}
	if result.Error != nil || result.Party == nil {
		return nil, &domain.ProtocolError{Stage: domain.StagePartyLookup, Info: result.Error}
	}
	return result.Party, nil
}

// HandlePartyInfoProcessed checks the discovery barrier. The last reporting
// item closes the phase; everyone else returns without effect.
func (h *Handlers) HandlePartyInfoProcessed(ctx context.Context, evt domain.Event) error {
	agg, err := LoadFromRepo(ctx, h.repo, evt.Key)
	if err != nil {
		return err
	}
	counts, err := agg.Counts(ctx, domain.PhaseDiscovery)
	if err != nil {
		return err
	}
	if !counts.Complete() {
		return nil
	}
	claimed, err := agg.Guard(ctx, "discoveryBarrier")
	if err != nil || !claimed {
		return err
	}
	if counts.AllFailed() {
		return h.finalize(ctx, agg, domain.BulkErrored)
	}
	if err := agg.SetGlobalState(ctx, domain.BulkDiscoveryCompleted); err != nil {
		return err
	}
	return h.startPartyAcceptance(ctx, agg)
}

// startPartyAcceptance either auto-accepts every resolved item or halts the
// bulk until the caller resumes it with explicit decisions.
func (h *Handlers) startPartyAcceptance(ctx context.Context, agg *Aggregate) error {
	if !agg.Options().AutoAcceptParty {
		return agg.SetGlobalState(ctx, domain.BulkDiscoveryAcceptancePending)
	}
	acceptance, err := h.acceptAllInState(ctx, agg, domain.ItemDiscoverySuccess)
	if err != nil {
		return err
	}
	return h.publish(ctx, domain.EvtBulkPartyAcceptanceProcessed, agg.BulkID(), acceptance)
}

func (h *Handlers) acceptAllInState(ctx context.Context, agg *Aggregate, state domain.ItemState) (domain.AcceptanceContent, error) {
	acceptance := domain.AcceptanceContent{BulkID: agg.BulkID()}
	itemIDs, err := agg.AllIndividualTransferIDs(ctx)
	if err != nil {
		return acceptance, err
	}
	for _, transferID := range itemIDs {
		item, err := agg.IndividualTransfer(ctx, transferID)
		if err != nil {
			return acceptance, err
		}
		if item.State != state {
			continue
		}
		acceptance.Items = append(acceptance.Items, domain.AcceptanceItemDecision{TransferID: transferID, Accept: true})
	}
	return acceptance, nil
}

// HandleBulkPartyAcceptanceProcessed merges the caller's accept decisions,
// forms the agreement batches, and fans out the quote requests.
func (h *Handlers) HandleBulkPartyAcceptanceProcessed(ctx context.Context, evt domain.Event) error {
	var acceptance domain.AcceptanceContent
	if err := json.Unmarshal(evt.Content, &acceptance); err != nil {
		return fmt.Errorf("decode party acceptance: %w", err)
	}
	agg, err := LoadFromRepo(ctx, h.repo, evt.Key)
	if err != nil {
		return err
	}
	claimed, err := agg.Guard(ctx, "partyAcceptance")
	if err != nil || !claimed {
		return err
	}

	for _, decision := range acceptance.Items {
		item, err := agg.IndividualTransfer(ctx, decision.TransferID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if item.State != domain.ItemDiscoverySuccess {
			continue
		}
		if decision.Accept {
			item.State = domain.ItemAccepted
			item.AcceptParty = true
		} else {
			item.State = domain.ItemRejected
		}
		if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
			return err
		}
	}
	if err := agg.SetGlobalState(ctx, domain.BulkDiscoveryAcceptanceCompleted); err != nil {
		return err
	}

	accepted, err := h.itemsInState(ctx, agg, domain.ItemAccepted)
	if err != nil {
		return err
	}
	if len(accepted) == 0 {
		return h.finalize(ctx, agg, domain.BulkErrored)
	}

	if err := agg.SetGlobalState(ctx, domain.BulkAgreementProcessing); err != nil {
		return err
	}
	maxBatchSize := agg.Options().MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = h.cfg.MaxBatchSize
	}
	batches := FormBatches(accepted, maxBatchSize, h.cfg.newID)
	for _, batch := range batches {
		if err := agg.UpsertBatch(ctx, batch); err != nil {
			return err
		}
	}
	if err := agg.SetPhaseTotal(ctx, domain.PhaseAgreement, int64(len(batches))); err != nil {
		return err
	}
	for _, batch := range batches {
		content := domain.BatchEventContent{BulkID: agg.BulkID(), BatchID: batch.ID}
		if err := h.publish(ctx, domain.EvtBulkQuotesRequested, agg.BulkID(), content); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handlers) itemsInState(ctx context.Context, agg *Aggregate, state domain.ItemState) ([]domain.IndividualTransferRecord, error) {
	itemIDs, err := agg.AllIndividualTransferIDs(ctx)
	if err != nil {
		return nil, err
	}
	var matched []domain.IndividualTransferRecord
	for _, transferID := range itemIDs {
		item, err := agg.IndividualTransfer(ctx, transferID)
		if err != nil {
			return nil, err
		}
		if item.State == state {
			matched = append(matched, *item)
		}
	}
	return matched, nil
}

func (h *Handlers) batchRecords(ctx context.Context, agg *Aggregate, batch *domain.BulkBatch) (map[string]*domain.IndividualTransferRecord, error) {
	records := make(map[string]*domain.IndividualTransferRecord, len(batch.TransferIDs))
	for _, transferID := range batch.TransferIDs {
		item, err := agg.IndividualTransfer(ctx, transferID)
		if err != nil {
			return nil, err
		}
		records[transferID] = item
	}
	return records, nil
}

// HandleBulkQuotesRequested runs one batch through the agreement phase: one
// outbound batched quote call, one batched callback, demuxed per item. The
// phase counter moves exactly once per batch whichever way it lands.
func (h *Handlers) HandleBulkQuotesRequested(ctx context.Context, evt domain.Event) error {
	var content domain.BatchEventContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("decode bulk quotes request: %w", err)
	}
	agg, err := LoadFromRepo(ctx, h.repo, content.BulkID)
	if err != nil {
		return err
	}
	batch, err := agg.Batch(ctx, content.BatchID)
	if err != nil {
		return err
	}
	switch batch.State {
	case domain.BatchCreated, domain.BatchQuotesProcessing:
		// Fresh, or a previous attempt died mid-call; run it (again). The
		// reference-id maps are stored, so a re-run sends the same request.
	default:
		// The batch already settled; only the report may have been lost.
		processed := domain.BatchEventContent{BulkID: agg.BulkID(), BatchID: batch.ID}
		return h.publish(ctx, domain.EvtBulkQuotesProcessed, agg.BulkID(), processed)
	}
	batch.State = domain.BatchQuotesProcessing
	if err := agg.UpsertBatch(ctx, *batch); err != nil {
		return err
	}

	records, err := h.batchRecords(ctx, agg, batch)
	if err != nil {
		return err
	}
	deadline := h.cfg.deadline()
	req := BuildBulkQuotesRequest(batch, agg.From(), records)
	req.Expiration = deadline

	callback, callErr := h.requestBatch(ctx, BulkQuotesChannel(batch.ID), domain.StageQuote, func(ctx context.Context) error {
		return h.requester.PostBulkQuotes(ctx, req)
	})
	if callErr == nil && callback.Error != nil {
		callErr = &domain.ProtocolError{Stage: domain.StageQuote, Info: callback.Error}
	}
	if callErr == nil && h.cfg.RejectExpiredQuoteResponses && h.cfg.now().After(deadline) {
		callErr = &domain.ExpiryError{Stage: domain.StageQuote}
	}

	success := callErr == nil
	if callErr != nil {
		info := errorInfoFrom(callErr)
		for _, item := range records {
			if item.State != domain.ItemAccepted {
				continue
			}
			item.State = domain.ItemAgreementFailed
			item.LastError = info
			if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
				return err
			}
		}
		batch.State = domain.BatchQuotesFailed
		batch.LastError = info
	} else {
		byTransfer := demuxResults(batch.QuoteReferenceIDs, callback.Items)
		for transferID, item := range records {
			if item.State != domain.ItemAccepted {
				continue
			}
			res, ok := byTransfer[transferID]
			switch {
			case ok && res.Error == nil && res.Quote != nil:
				item.State = domain.ItemAgreementSuccess
				item.QuoteResponse = res.Quote
			case ok && res.Error != nil:
				item.State = domain.ItemAgreementFailed
				item.LastError = res.Error
			default:
				item.State = domain.ItemAgreementFailed
				item.LastError = &domain.ErrorInformation{ErrorCode: "2001", ErrorDescription: "no quote returned for transfer"}
			}
			if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
				return err
			}
		}
		batch.State = domain.BatchQuotesCompleted
	}
	if err := agg.UpsertBatch(ctx, *batch); err != nil {
		return err
	}

	claimed, err := agg.Guard(ctx, "agreementCounted_"+batch.ID)
	if err != nil {
		return err
	}
	if claimed {
		if _, err := agg.IncrementCount(ctx, domain.PhaseAgreement, success); err != nil {
			return err
		}
	}
	processed := domain.BatchEventContent{BulkID: agg.BulkID(), BatchID: batch.ID}
	return h.publish(ctx, domain.EvtBulkQuotesProcessed, agg.BulkID(), processed)
}

// requestBatch is the correlation rendezvous for one batched call:
// subscribe, send, wait, decode.
func (h *Handlers) requestBatch(ctx context.Context, channel string, stage domain.Stage, send func(context.Context) error) (*domain.BatchCallback, error) {
	pending, err := h.channel.Listen(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}
	if err := send(ctx); err != nil {
		pending.Close()
		return nil, err
	}
	payload, err := pending.Wait(ctx, h.cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, pubsub.ErrWaitTimeout) {
			return nil, &domain.ExpiryError{Stage: stage}
		}
		return nil, err
	}
	var env domain.CallbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &domain.ValidationError{Channel: channel, Cause: err}
	}
	var callback domain.BatchCallback
	if err := json.Unmarshal(env.Data, &callback); err != nil {
		return nil, &domain.ValidationError{Channel: channel, Cause: err}
	}
	return &callback, nil
}

// HandleBulkQuotesProcessed checks the agreement barrier and either
// short-circuits an all-failed bulk or opens the quote acceptance stage.
func (h *Handlers) HandleBulkQuotesProcessed(ctx context.Context, evt domain.Event) error {
	agg, err := LoadFromRepo(ctx, h.repo, evt.Key)
	if err != nil {
		return err
	}
	counts, err := agg.Counts(ctx, domain.PhaseAgreement)
	if err != nil {
		return err
	}
	if !counts.Complete() {
		return nil
	}
	claimed, err := agg.Guard(ctx, "agreementBarrier")
	if err != nil || !claimed {
		return err
	}
	if counts.AllFailed() {
		return h.finalize(ctx, agg, domain.BulkErrored)
	}
	if err := agg.SetGlobalState(ctx, domain.BulkAgreementCompleted); err != nil {
		return err
	}
	if !agg.Options().AutoAcceptQuote {
		return agg.SetGlobalState(ctx, domain.BulkAgreementAcceptancePending)
	}
	acceptance, err := h.acceptAllInState(ctx, agg, domain.ItemAgreementSuccess)
	if err != nil {
		return err
	}
	return h.publish(ctx, domain.EvtBulkQuoteAcceptanceProcessed, agg.BulkID(), acceptance)
}

// HandleBulkQuoteAcceptanceProcessed merges quote decisions and fans out
// the transfer phase over the batches that still have accepted members.
func (h *Handlers) HandleBulkQuoteAcceptanceProcessed(ctx context.Context, evt domain.Event) error {
	var acceptance domain.AcceptanceContent
	if err := json.Unmarshal(evt.Content, &acceptance); err != nil {
		return fmt.Errorf("decode quote acceptance: %w", err)
	}
	agg, err := LoadFromRepo(ctx, h.repo, evt.Key)
	if err != nil {
		return err
	}
	claimed, err := agg.Guard(ctx, "quoteAcceptance")
	if err != nil || !claimed {
		return err
	}

	for _, decision := range acceptance.Items {
		item, err := agg.IndividualTransfer(ctx, decision.TransferID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if item.State != domain.ItemAgreementSuccess {
			continue
		}
		if decision.Accept {
			item.State = domain.ItemQuoteAccepted
			item.AcceptQuote = true
		} else {
			item.State = domain.ItemQuoteRejected
		}
		if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
			return err
		}
	}
	if err := agg.SetGlobalState(ctx, domain.BulkAgreementAcceptanceCompleted); err != nil {
		return err
	}

	batchIDs, err := agg.AllBatchIDs(ctx)
	if err != nil {
		return err
	}
	var eligible []string
	for _, batchID := range batchIDs {
		batch, err := agg.Batch(ctx, batchID)
		if err != nil {
			return err
		}
		if batch.State != domain.BatchQuotesCompleted {
			continue
		}
		records, err := h.batchRecords(ctx, agg, batch)
		if err != nil {
			return err
		}
		for _, item := range records {
			if item.State == domain.ItemQuoteAccepted {
				eligible = append(eligible, batchID)
				break
			}
		}
	}
	if len(eligible) == 0 {
		return h.finalize(ctx, agg, domain.BulkErrored)
	}

	if err := agg.SetGlobalState(ctx, domain.BulkTransfersProcessing); err != nil {
		return err
	}
	if err := agg.SetPhaseTotal(ctx, domain.PhaseTransfer, int64(len(eligible))); err != nil {
		return err
	}
	for _, batchID := range eligible {
		content := domain.BatchEventContent{BulkID: agg.BulkID(), BatchID: batchID}
		if err := h.publish(ctx, domain.EvtBulkTransfersRequested, agg.BulkID(), content); err != nil {
			return err
		}
	}
	return nil
}

// HandleBulkTransfersRequested runs one batch through the transfer phase,
// mirroring the agreement handler's shape.
func (h *Handlers) HandleBulkTransfersRequested(ctx context.Context, evt domain.Event) error {
	var content domain.BatchEventContent
	if err := json.Unmarshal(evt.Content, &content); err != nil {
		return fmt.Errorf("decode bulk transfers request: %w", err)
	}
	agg, err := LoadFromRepo(ctx, h.repo, content.BulkID)
	if err != nil {
		return err
	}
	batch, err := agg.Batch(ctx, content.BatchID)
	if err != nil {
		return err
	}
	switch batch.State {
	case domain.BatchQuotesCompleted, domain.BatchTransfersProcessing:
		// Eligible, or a previous attempt died mid-call; run it (again).
	case domain.BatchTransfersCompleted, domain.BatchTransfersFailed:
		// The batch already settled; only the report may have been lost.
		processed := domain.BatchEventContent{BulkID: agg.BulkID(), BatchID: batch.ID}
		return h.publish(ctx, domain.EvtBulkTransfersProcessed, agg.BulkID(), processed)
	default:
		return nil
	}
	batch.State = domain.BatchTransfersProcessing
	if err := agg.UpsertBatch(ctx, *batch); err != nil {
		return err
	}

	records, err := h.batchRecords(ctx, agg, batch)
	if err != nil {
		return err
	}
	deadline := h.cfg.deadline()
	req := BuildBulkTransfersRequest(batch, agg.From(), records)
	req.Expiration = deadline

	callback, callErr := h.requestBatch(ctx, BulkTransfersChannel(batch.ID), domain.StageTransfer, func(ctx context.Context) error {
		return h.requester.PostBulkTransfers(ctx, req)
	})
	if callErr == nil && callback.Error != nil {
		callErr = &domain.ProtocolError{Stage: domain.StageTransfer, Info: callback.Error}
	}
	if callErr == nil && h.cfg.RejectExpiredTransferFulfils && h.cfg.now().After(deadline) {
		callErr = &domain.ExpiryError{Stage: domain.StageTransfer}
	}

	success := callErr == nil
	if callErr != nil {
		info := errorInfoFrom(callErr)
		for _, item := range records {
			if item.State != domain.ItemQuoteAccepted {
				continue
			}
			item.State = domain.ItemTransferFailed
			item.LastError = info
			if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
				return err
			}
		}
		batch.State = domain.BatchTransfersFailed
		batch.LastError = info
	} else {
		byTransfer := demuxResults(batch.TransferReferenceIDs, callback.Items)
		for transferID, item := range records {
			if item.State != domain.ItemQuoteAccepted {
				continue
			}
			res, ok := byTransfer[transferID]
			switch {
			case ok && res.Error == nil && res.Fulfil != nil:
				item.State = domain.ItemTransferSuccess
				item.TransferResponse = res.Fulfil
			case ok && res.Error != nil:
				item.State = domain.ItemTransferFailed
				item.LastError = res.Error
			default:
				item.State = domain.ItemTransferFailed
				item.LastError = &domain.ErrorInformation{ErrorCode: "2001", ErrorDescription: "no fulfil returned for transfer"}
			}
			if err := agg.UpsertIndividualTransfer(ctx, *item); err != nil {
				return err
			}
		}
		batch.State = domain.BatchTransfersCompleted
	}
	if err := agg.UpsertBatch(ctx, *batch); err != nil {
		return err
	}

	claimed, err := agg.Guard(ctx, "transferCounted_"+batch.ID)
	if err != nil {
		return err
	}
	if claimed {
		if _, err := agg.IncrementCount(ctx, domain.PhaseTransfer, success); err != nil {
			return err
		}
	}
	processed := domain.BatchEventContent{BulkID: agg.BulkID(), BatchID: batch.ID}
	return h.publish(ctx, domain.EvtBulkTransfersProcessed, agg.BulkID(), processed)
}

// HandleBulkTransfersProcessed checks the transfer barrier and closes out
// the bulk.
func (h *Handlers) HandleBulkTransfersProcessed(ctx context.Context, evt domain.Event) error {
	agg, err := LoadFromRepo(ctx, h.repo, evt.Key)
	if err != nil {
		return err
	}
	counts, err := agg.Counts(ctx, domain.PhaseTransfer)
	if err != nil {
		return err
	}
	if !counts.Complete() {
		return nil
	}
	claimed, err := agg.Guard(ctx, "transferBarrier")
	if err != nil || !claimed {
		return err
	}
	return h.finalize(ctx, agg, domain.BulkTransfersCompleted)
}

// HandleBulkResponsePrepared is the saga's tail: the result is already
// persisted, so this only surfaces completion in the logs.
func (h *Handlers) HandleBulkResponsePrepared(ctx context.Context, evt domain.Event) error {
	agg, err := LoadFromRepo(ctx, h.repo, evt.Key)
	if err != nil {
		return err
	}
	state, err := agg.GlobalState(ctx)
	if err != nil {
		return err
	}
	log.Printf("level=info component=bulk_saga msg=\"bulk transaction finished\" bulk_id=%s state=%s", agg.BulkID(), state)
	return nil
}

// FinalizeStale force-closes a bulk whose barrier will never be reached,
// for example when an emitted event was lost for longer than the
// operator's patience. Terminal bulks and concurrent sweeps are no-ops.
func (h *Handlers) FinalizeStale(ctx context.Context, bulkID string) error {
	agg, err := LoadFromRepo(ctx, h.repo, bulkID)
	if err != nil {
		return err
	}
	state, err := agg.GlobalState(ctx)
	if err != nil {
		return err
	}
	if state.Terminal() {
		return nil
	}
	claimed, err := agg.Guard(ctx, "staleFinalized")
	if err != nil || !claimed {
		return err
	}
	log.Printf("level=warn component=bulk_saga msg=\"force-closing stale bulk\" bulk_id=%s state=%s", bulkID, state)
	return h.finalize(ctx, agg, domain.BulkErrored)
}

// finalize aggregates every record's final outcome into the bulk result,
// persists it, and emits the response event. An errored bulk stays in
// ERRORED; a completed one advances to RESPONSE_SENT once the event is out.
func (h *Handlers) finalize(ctx context.Context, agg *Aggregate, terminal domain.BulkState) error {
	itemIDs, err := agg.AllIndividualTransferIDs(ctx)
	if err != nil {
		return err
	}
	result := &domain.BulkResult{
		BulkID:      agg.BulkID(),
		State:       terminal,
		CompletedAt: h.cfg.now().UTC(),
	}
	for _, transferID := range itemIDs {
		item, err := agg.IndividualTransfer(ctx, transferID)
		if err != nil {
			return err
		}
		result.Items = append(result.Items, domain.BulkItemOutcome{
			TransferID:        item.ID,
			HomeTransactionID: item.HomeTransactionID,
			State:             item.State,
			Fulfil:            item.TransferResponse,
			LastError:         item.LastError,
		})
	}
	if err := agg.SetResult(ctx, result); err != nil {
		return err
	}
	if err := agg.SetGlobalState(ctx, terminal); err != nil {
		return err
	}
	if err := h.publish(ctx, domain.EvtBulkResponsePrepared, agg.BulkID(), result); err != nil {
		return err
	}
	if terminal != domain.BulkErrored {
		if err := agg.SetGlobalState(ctx, domain.BulkResponseSent); err != nil {
			return err
		}
	}
	if h.cfg.FinishedTTL > 0 {
		if err := agg.ExpireAfter(ctx, h.cfg.FinishedTTL); err != nil {
			return err
		}
	}
	return nil
}
