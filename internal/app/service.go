/**
 * @description
 * This file contains the core business logic surface of the connector. The
 * `Service` struct is what the HTTP layer calls: it creates and resumes the
 * single-transaction workflows synchronously, and drives bulk transactions
 * by publishing saga events for the broker consumer to process.
 *
 * Key features:
 * - Synchronous transfer and party-lookup workflows (the caller's HTTP
 *   request stays open until the workflow halts or finishes).
 * - Bulk submission and resume as fire-and-forget saga events.
 * - Bulk status assembled from the aggregate's persisted records.
 *
 * @dependencies
 * - context, errors, fmt, log: Standard Go libraries.
 * - github.com/google/uuid: For bulk id generation.
 * - internal/bulk, internal/domain, internal/store, internal/workflow.
 * - pkg/rabbitmq: For publishing saga events.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/mowali/switch-connector/internal/bulk"
	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/store"
	"github.com/mowali/switch-connector/internal/workflow"
	"github.com/mowali/switch-connector/pkg/rabbitmq"
)

// ErrNotAcceptancePending is returned when a bulk resume arrives while the
// bulk is not halted at an acceptance stage.
var ErrNotAcceptancePending = errors.New("bulk transaction is not awaiting acceptance")

// Service provides the connector's business operations.
type Service struct {
	repo     store.Repository
	deps     workflow.Deps
	producer rabbitmq.Publisher
	bulkCfg  bulk.Config
}

// NewService creates a new connector service instance.
func NewService(deps workflow.Deps, producer rabbitmq.Publisher, bulkCfg bulk.Config) *Service {
	return &Service{
		repo:     deps.Repo,
		deps:     deps,
		producer: producer,
		bulkCfg:  bulkCfg,
	}
}

// InitiateTransfer starts a new transfer workflow and runs it until it
// halts for acceptance or reaches a terminal state.
func (s *Service) InitiateTransfer(ctx context.Context, params domain.TransferParams) (*workflow.TransferResult, error) {
	model, err := workflow.NewTransfer(ctx, s.deps, params)
	if err != nil {
		return nil, err
	}
	return model.Run(ctx, nil)
}

// ResumeTransfer merges the caller's accept decisions into a halted
// workflow and runs it forward.
func (s *Service) ResumeTransfer(ctx context.Context, transferID string, resume *workflow.ResumePayload) (*workflow.TransferResult, error) {
	model, err := workflow.LoadTransfer(ctx, s.deps, transferID)
	if err != nil {
		return nil, err
	}
	return model.Run(ctx, resume)
}

// TransferStatus returns the persisted state of a transfer workflow
// without advancing it.
func (s *Service) TransferStatus(ctx context.Context, transferID string) (*workflow.TransferResult, error) {
	model, err := workflow.LoadTransfer(ctx, s.deps, transferID)
	if err != nil {
		return nil, err
	}
	return model.Result(), nil
}

// LookupParty runs a standalone party-resolution workflow.
func (s *Service) LookupParty(ctx context.Context, params domain.PartyLookupParams) (*workflow.PartyLookupResult, error) {
	model, err := workflow.NewPartyLookup(ctx, s.deps, params)
	if err != nil {
		return nil, err
	}
	return model.Run(ctx)
}

// PartyLookupStatus returns the persisted state of a lookup workflow.
func (s *Service) PartyLookupStatus(ctx context.Context, requestID string) (*workflow.PartyLookupResult, error) {
	model, err := workflow.LoadPartyLookup(ctx, s.deps, requestID)
	if err != nil {
		return nil, err
	}
	return model.Result(), nil
}

// SubmitBulk persists a new bulk aggregate and kicks off the saga. The
// returned bulk id is the caller's handle for status polls and resumes.
func (s *Service) SubmitBulk(ctx context.Context, req domain.BulkTransactionRequest) (string, error) {
	if len(req.IndividualTransfers) == 0 {
		return "", fmt.Errorf("bulk transaction carries no individual transfers")
	}
	bulkID := uuid.NewString()
	if _, err := bulk.CreateFromRequest(ctx, s.repo, bulkID, req, uuid.NewString); err != nil {
		return "", err
	}
	evt, err := domain.NewEvent(domain.EvtBulkRequestReceived, bulkID, req)
	if err != nil {
		return "", err
	}
	if err := s.producer.PublishEvent(ctx, s.bulkCfg.Exchange, evt); err != nil {
		return "", err
	}
	log.Printf("level=info component=service msg=\"bulk transaction submitted\" bulk_id=%s transfers=%d", bulkID, len(req.IndividualTransfers))
	return bulkID, nil
}

// ResumeBulk forwards the caller's accept decisions to whichever
// acceptance stage the bulk is halted at.
func (s *Service) ResumeBulk(ctx context.Context, bulkID string, decisions []domain.AcceptanceItemDecision) error {
	agg, err := bulk.LoadFromRepo(ctx, s.repo, bulkID)
	if err != nil {
		return err
	}
	state, err := agg.GlobalState(ctx)
	if err != nil {
		return err
	}

	var eventName string
	switch state {
	case domain.BulkDiscoveryAcceptancePending:
		eventName = domain.EvtBulkPartyAcceptanceProcessed
	case domain.BulkAgreementAcceptancePending:
		eventName = domain.EvtBulkQuoteAcceptanceProcessed
	default:
		return fmt.Errorf("%w: bulk %s in state %s", ErrNotAcceptancePending, bulkID, state)
	}

	content := domain.AcceptanceContent{BulkID: bulkID, Items: decisions}
	evt, err := domain.NewEvent(eventName, bulkID, content)
	if err != nil {
		return err
	}
	return s.producer.PublishEvent(ctx, s.bulkCfg.Exchange, evt)
}

// BulkStatusView is the caller-visible snapshot of a bulk transaction.
type BulkStatusView struct {
	BulkID          string                   `json:"bulkTransactionId"`
	State           domain.BulkState         `json:"currentState"`
	DiscoveryCounts bulk.Counts              `json:"discoveryCounts"`
	AgreementCounts bulk.Counts              `json:"agreementCounts"`
	TransferCounts  bulk.Counts              `json:"transferCounts"`
	Items           []domain.BulkItemOutcome `json:"individualTransfers"`
	Result          *domain.BulkResult       `json:"result,omitempty"`
}

// BulkStatus assembles the current snapshot of a bulk transaction from the
// aggregate's persisted records.
func (s *Service) BulkStatus(ctx context.Context, bulkID string) (*BulkStatusView, error) {
	agg, err := bulk.LoadFromRepo(ctx, s.repo, bulkID)
	if err != nil {
		return nil, err
	}
	state, err := agg.GlobalState(ctx)
	if err != nil {
		return nil, err
	}
	view := &BulkStatusView{BulkID: bulkID, State: state}
	if view.DiscoveryCounts, err = agg.Counts(ctx, domain.PhaseDiscovery); err != nil {
		return nil, err
	}
	if view.AgreementCounts, err = agg.Counts(ctx, domain.PhaseAgreement); err != nil {
		return nil, err
	}
	if view.TransferCounts, err = agg.Counts(ctx, domain.PhaseTransfer); err != nil {
		return nil, err
	}

	itemIDs, err := agg.AllIndividualTransferIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, transferID := range itemIDs {
		item, err := agg.IndividualTransfer(ctx, transferID)
		if err != nil {
			return nil, err
		}
		view.Items = append(view.Items, domain.BulkItemOutcome{
			TransferID:        item.ID,
			HomeTransactionID: item.HomeTransactionID,
			State:             item.State,
			Fulfil:            item.TransferResponse,
			LastError:         item.LastError,
		})
	}

	result, err := agg.Result(ctx)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	view.Result = result
	return view, nil
}
