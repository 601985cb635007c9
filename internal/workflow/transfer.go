/**
 * @description
 * The outbound transfer workflow: party resolution, optional currency
 * conversion (FX quote + FX transfer), quote negotiation, and transfer
 * execution, as one persistent state machine. Between stages the workflow
 * halts for caller acceptance unless the matching auto-accept flag lets it
 * proceed transparently. State is persisted after every transition, so a
 * halted or crashed workflow resumes by transfer id.
 *
 * Key behaviors:
 * - Deadline arithmetic: each outbound request stamps an expiration of
 *   max(request override, configured default); when the reject-expired flag
 *   is set, a response arriving after that same deadline fails with a
 *   stage-specific expiry error instead of being accepted.
 * - Resume merge: only the allow-listed fields of a resume payload are
 *   merged into persisted state; anything else is dropped.
 * - Terminal replay: running a finished workflow returns the stored result
 *   without re-executing side effects.
 */

package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/psm"
	"github.com/mowali/switch-connector/internal/pubsub"
	"github.com/mowali/switch-connector/pkg/switchclient"
)

// Transfer workflow states.
const (
	TransferStart                       psm.State = "START"
	TransferPartyAcceptancePending      psm.State = "WAITING_FOR_PARTY_ACCEPTANCE"
	TransferConversionAcceptancePending psm.State = "WAITING_FOR_CONVERSION_ACCEPTANCE"
	TransferQuoteAcceptancePending      psm.State = "WAITING_FOR_QUOTE_ACCEPTANCE"
	TransferCompleted                   psm.State = "COMPLETED"
	TransferAborted                     psm.State = "ABORTED"
	TransferErrored                     psm.State = "ERROR_OCCURRED"
)

var transferSpec = psm.Spec{
	Name:       "transferModel",
	Initial:    TransferStart,
	ErrorState: TransferErrored,
	Terminal:   []psm.State{TransferCompleted, TransferAborted},
	Transitions: map[psm.State][]psm.State{
		TransferStart: {TransferPartyAcceptancePending},
		TransferPartyAcceptancePending: {
			TransferConversionAcceptancePending,
			TransferQuoteAcceptancePending,
			TransferAborted,
		},
		TransferConversionAcceptancePending: {
			TransferQuoteAcceptancePending,
			TransferAborted,
		},
		TransferQuoteAcceptancePending: {
			TransferCompleted,
			TransferAborted,
		},
	},
}.MustValidate()

// TransferData is the accumulated state of one transfer workflow.
type TransferData struct {
	Request domain.TransferParams `json:"request"`

	PartyResponse *domain.Party           `json:"partyResponse,omitempty"`
	Conversion    *domain.FxQuoteResponse `json:"conversion,omitempty"`
	FxFulfil      *domain.TransferFulfil  `json:"fxFulfil,omitempty"`
	Quote         *domain.QuoteResponse   `json:"quote,omitempty"`
	Fulfil        *domain.TransferFulfil  `json:"fulfil,omitempty"`

	// Caller decisions merged from resume payloads. nil means undecided.
	AcceptParty      *bool `json:"acceptParty,omitempty"`
	AcceptConversion *bool `json:"acceptConversion,omitempty"`
	AcceptQuote      *bool `json:"acceptQuote,omitempty"`

	LastError *domain.ErrorInformation `json:"lastError,omitempty"`
}

// ResumePayload is the allow-list of fields a caller may merge into a
// halted workflow. Any other field in the caller's payload is ignored: it
// is neither persisted nor echoed back.
type ResumePayload struct {
	AcceptParty      *bool         `json:"acceptParty,omitempty"`
	AcceptConversion *bool         `json:"acceptConversion,omitempty"`
	AcceptQuote      *bool         `json:"acceptQuote,omitempty"`
	Amount           *domain.Money `json:"amount,omitempty"`
	To               *domain.Party `json:"to,omitempty"`
}

// TransferResult is the normalized response returned to the caller after
// every run, halted or terminal.
type TransferResult struct {
	TransferID        string                   `json:"transferId"`
	HomeTransactionID string                   `json:"homeTransactionId,omitempty"`
	CurrentState      string                   `json:"currentState"`
	Party             *domain.Party            `json:"party,omitempty"`
	Conversion        *domain.FxQuoteResponse  `json:"conversion,omitempty"`
	Quote             *domain.QuoteResponse    `json:"quote,omitempty"`
	Fulfil            *domain.TransferFulfil   `json:"fulfil,omitempty"`
	LastError         *domain.ErrorInformation `json:"lastError,omitempty"`
}

// TransferModel drives one transfer workflow.
type TransferModel struct {
	machine *psm.Machine[TransferData]
	deps    Deps
}

func transferKey(transferID string) string { return "transferModel_" + transferID }

// NewTransfer creates and persists a transfer workflow in its start state.
// A missing transfer id is generated here so the persistence key is
// deterministic from then on.
func NewTransfer(ctx context.Context, deps Deps, params domain.TransferParams) (*TransferModel, error) {
	if params.TransferID == "" {
		params.TransferID = uuid.NewString()
	}
	machine, err := psm.Start(ctx, deps.Repo, transferSpec, transferKey(params.TransferID), &TransferData{Request: params})
	if err != nil {
		return nil, fmt.Errorf("create transfer workflow: %w", err)
	}
	return &TransferModel{machine: machine, deps: deps}, nil
}

// LoadTransfer reloads a persisted workflow by transfer id.
func LoadTransfer(ctx context.Context, deps Deps, transferID string) (*TransferModel, error) {
	machine, err := psm.Load[TransferData](ctx, deps.Repo, transferSpec, transferKey(transferID))
	if err != nil {
		return nil, err
	}
	return &TransferModel{machine: machine, deps: deps}, nil
}

// Result builds the caller-visible response from current state.
func (t *TransferModel) Result() *TransferResult {
	data := t.machine.Data()
	return &TransferResult{
		TransferID:        data.Request.TransferID,
		HomeTransactionID: data.Request.HomeTransactionID,
		CurrentState:      string(t.machine.State()),
		Party:             data.PartyResponse,
		Conversion:        data.Conversion,
		Quote:             data.Quote,
		Fulfil:            data.Fulfil,
		LastError:         data.LastError,
	}
}

// Run drives the workflow forward from its persisted state until it halts
// for caller input or reaches a terminal state. Calling Run on a terminal
// workflow returns the stored result without side effects.
func (t *TransferModel) Run(ctx context.Context, resume *ResumePayload) (*TransferResult, error) {
	if t.machine.Terminal() {
		return t.Result(), nil
	}

	if resume != nil {
		t.applyResume(resume)
		if err := t.machine.Save(ctx); err != nil {
			return nil, err
		}
	}

	for {
		switch t.machine.State() {
		case TransferStart:
			if err := t.resolveParty(ctx); err != nil {
				return nil, t.machine.Fail(ctx, err)
			}
			if err := t.machine.Transition(ctx, TransferPartyAcceptancePending); err != nil {
				return nil, t.machine.Fail(ctx, err)
			}
			if t.haltedOn(t.deps.Cfg.AutoAcceptParty, t.machine.Data().AcceptParty) {
				return t.Result(), nil
			}

		case TransferPartyAcceptancePending:
			if rejected(t.machine.Data().AcceptParty) {
				if err := t.machine.Transition(ctx, TransferAborted); err != nil {
					return nil, t.machine.Fail(ctx, err)
				}
				return t.Result(), nil
			}
			if t.needsConversion() {
				if err := t.requestConversion(ctx); err != nil {
					return nil, t.machine.Fail(ctx, err)
				}
				if err := t.machine.Transition(ctx, TransferConversionAcceptancePending); err != nil {
					return nil, t.machine.Fail(ctx, err)
				}
				if t.haltedOn(t.deps.Cfg.AutoAcceptQuote, t.machine.Data().AcceptConversion) {
					return t.Result(), nil
				}
				continue
			}
			if err := t.requestQuote(ctx); err != nil {
				return nil, t.machine.Fail(ctx, err)
			}
			if err := t.machine.Transition(ctx, TransferQuoteAcceptancePending); err != nil {
				return nil, t.machine.Fail(ctx, err)
			}
			if t.haltedOn(t.deps.Cfg.AutoAcceptQuote, t.machine.Data().AcceptQuote) {
				return t.Result(), nil
			}

		case TransferConversionAcceptancePending:
			if rejected(t.machine.Data().AcceptConversion) {
				if err := t.machine.Transition(ctx, TransferAborted); err != nil {
					return nil, t.machine.Fail(ctx, err)
				}
				return t.Result(), nil
			}
			if err := t.requestQuote(ctx); err != nil {
				return nil, t.machine.Fail(ctx, err)
			}
			if err := t.machine.Transition(ctx, TransferQuoteAcceptancePending); err != nil {
				return nil, t.machine.Fail(ctx, err)
			}
			if t.haltedOn(t.deps.Cfg.AutoAcceptQuote, t.machine.Data().AcceptQuote) {
				return t.Result(), nil
			}

		case TransferQuoteAcceptancePending:
			if rejected(t.machine.Data().AcceptQuote) {
				if err := t.machine.Transition(ctx, TransferAborted); err != nil {
					return nil, t.machine.Fail(ctx, err)
				}
				return t.Result(), nil
			}
			if err := t.executeTransfer(ctx); err != nil {
				return nil, t.machine.Fail(ctx, err)
			}
			if err := t.machine.Transition(ctx, TransferCompleted); err != nil {
				return nil, t.machine.Fail(ctx, err)
			}
			return t.Result(), nil

		default:
			return nil, t.machine.Fail(ctx, fmt.Errorf("no automatic transition from state %s", t.machine.State()))
		}
	}
}

// haltedOn reports whether the workflow should stop and wait for caller
// input: the auto-accept flag is off and no decision has been merged yet.
func (t *TransferModel) haltedOn(autoAccept bool, decision *bool) bool {
	return !autoAccept && decision == nil
}

func rejected(decision *bool) bool {
	return decision != nil && !*decision
}

// applyResume merges only the allow-listed resume fields into persisted
// state. A changed payee supersedes the previous one.
func (t *TransferModel) applyResume(resume *ResumePayload) {
	data := t.machine.Data()
	if resume.AcceptParty != nil {
		data.AcceptParty = resume.AcceptParty
	}
	if resume.AcceptConversion != nil {
		data.AcceptConversion = resume.AcceptConversion
	}
	if resume.AcceptQuote != nil {
		data.AcceptQuote = resume.AcceptQuote
	}
	if resume.Amount != nil {
		data.Request.Amount = *resume.Amount
	}
	if resume.To != nil {
		data.Request.To = *resume.To
	}
}

// needsConversion reports whether the resolved payee cannot receive the
// send currency directly.
func (t *TransferModel) needsConversion() bool {
	data := t.machine.Data()
	party := data.PartyResponse
	if party == nil || len(party.SupportedCurrencies) == 0 {
		return false
	}
	for _, c := range party.SupportedCurrencies {
		if c == data.Request.Amount.Currency {
			return false
		}
	}
	return true
}

func (t *TransferModel) resolveParty(ctx context.Context) error {
	data := t.machine.Data()
	req := data.Request
	channel := PartyChannel(req.To.IDType, req.To.IDValue, req.To.IDSubValue)

	pending, err := t.deps.Channel.Listen(ctx, channel)
	if err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	if err := t.deps.Requester.GetParties(ctx, req.To.IDType, req.To.IDValue, req.To.IDSubValue); err != nil {
		pending.Close()
		return err
	}

	payload, err := pending.Wait(ctx, t.deps.Cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, pubsub.ErrWaitTimeout) {
			return &domain.ExpiryError{Stage: domain.StagePartyLookup}
		}
		return err
	}

	env, err := decodeEnvelope(channel, payload)
	if err != nil {
		return err
	}
	var result domain.PartyResult
	if err := decodeData(channel, env, &result); err != nil {
		return err
	}
	if result.Error != nil {
		data.LastError = result.Error
		return &domain.ProtocolError{Stage: domain.StagePartyLookup, Info: result.Error}
	}
	if result.Party == nil {
		return &domain.ValidationError{Channel: channel, Cause: errors.New("party callback carried neither party nor error")}
	}

	// The resolved party supersedes the caller-supplied stub.
	merged := data.Request.To
	merged.FspID = result.Party.FspID
	merged.DisplayName = result.Party.DisplayName
	merged.SupportedCurrencies = result.Party.SupportedCurrencies
	data.Request.To = merged
	data.PartyResponse = result.Party
	return nil
}

func (t *TransferModel) requestConversion(ctx context.Context) error {
	data := t.machine.Data()
	conversionRequestID := uuid.NewString()
	channel := FxQuoteChannel(conversionRequestID)
	deadline := t.deps.Cfg.deadline(data.Request.ExpirySeconds)

	pending, err := t.deps.Channel.Listen(ctx, channel)
	if err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	fxReq := switchclient.FxQuoteRequest{
		ConversionRequestID: conversionRequestID,
		SourceAmount:        data.Request.Amount,
		TargetCurrency:      targetCurrency(data),
		Expiration:          deadline,
	}
	if err := t.deps.Requester.PostFxQuotes(ctx, fxReq); err != nil {
		pending.Close()
		return err
	}

	payload, err := pending.Wait(ctx, t.deps.Cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, pubsub.ErrWaitTimeout) {
			return &domain.ExpiryError{Stage: domain.StageFxQuote}
		}
		return err
	}

	env, err := decodeEnvelope(channel, payload)
	if err != nil {
		return err
	}
	var result domain.FxQuoteResult
	if err := decodeData(channel, env, &result); err != nil {
		return err
	}
	if result.Error != nil {
		data.LastError = result.Error
		return &domain.ProtocolError{Stage: domain.StageFxQuote, Info: result.Error}
	}
	if result.Conversion == nil {
		return &domain.ValidationError{Channel: channel, Cause: errors.New("fx quote callback carried neither terms nor error")}
	}
	if t.deps.Cfg.RejectExpiredQuoteResponses && t.deps.Cfg.now().After(deadline) {
		return &domain.ExpiryError{Stage: domain.StageFxQuote}
	}
	data.Conversion = result.Conversion
	return nil
}

func targetCurrency(data *TransferData) string {
	if data.PartyResponse != nil && len(data.PartyResponse.SupportedCurrencies) > 0 {
		return data.PartyResponse.SupportedCurrencies[0]
	}
	return data.Request.Amount.Currency
}

func (t *TransferModel) requestQuote(ctx context.Context) error {
	data := t.machine.Data()
	quoteID := uuid.NewString()
	channel := QuoteChannel(quoteID)
	deadline := t.deps.Cfg.deadline(data.Request.ExpirySeconds)

	pending, err := t.deps.Channel.Listen(ctx, channel)
	if err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}

	amount := data.Request.Amount
	if data.Conversion != nil {
		amount = data.Conversion.TargetAmount
	}
	from := data.Request.From
	from.FspID = t.deps.Cfg.DfspID
	quoteReq := switchclient.QuoteRequest{
		QuoteID:         quoteID,
		TransactionID:   data.Request.TransferID,
		Payer:           from,
		Payee:           data.Request.To,
		AmountType:      data.Request.AmountType,
		Amount:          amount,
		TransactionType: data.Request.TransactionType,
		Note:            data.Request.Note,
		Expiration:      deadline,
	}
	if err := t.deps.Requester.PostQuotes(ctx, quoteReq); err != nil {
		pending.Close()
		return err
	}

	payload, err := pending.Wait(ctx, t.deps.Cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, pubsub.ErrWaitTimeout) {
			return &domain.ExpiryError{Stage: domain.StageQuote}
		}
		return err
	}

	env, err := decodeEnvelope(channel, payload)
	if err != nil {
		return err
	}
	var result domain.QuoteResult
	if err := decodeData(channel, env, &result); err != nil {
		return err
	}
	if result.Error != nil {
		data.LastError = result.Error
		return &domain.ProtocolError{Stage: domain.StageQuote, Info: result.Error}
	}
	if result.Quote == nil {
		return &domain.ValidationError{Channel: channel, Cause: errors.New("quote callback carried neither quote nor error")}
	}
	// Same deadline as stamped into the outbound body: a response landing
	// after it is stale, not acceptable.
	if t.deps.Cfg.RejectExpiredQuoteResponses && t.deps.Cfg.now().After(deadline) {
		return &domain.ExpiryError{Stage: domain.StageQuote}
	}
	data.Quote = result.Quote
	return nil
}

func (t *TransferModel) executeTransfer(ctx context.Context) error {
	data := t.machine.Data()

	if data.Conversion != nil && data.FxFulfil == nil {
		if err := t.commitConversion(ctx); err != nil {
			return err
		}
	}

	channel := TransferChannel(data.Request.TransferID)
	deadline := t.deps.Cfg.deadline(data.Request.ExpirySeconds)

	pending, err := t.deps.Channel.Listen(ctx, channel)
	if err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	transferReq := switchclient.TransferRequest{
		TransferID: data.Request.TransferID,
		PayerFspID: t.deps.Cfg.DfspID,
		PayeeFspID: data.Request.To.FspID,
		Amount:     data.Quote.TransferAmount,
		IlpPacket:  data.Quote.IlpPacket,
		Condition:  data.Quote.Condition,
		Expiration: deadline,
	}
	if err := t.deps.Requester.PostTransfers(ctx, transferReq); err != nil {
		pending.Close()
		return err
	}

	payload, err := pending.Wait(ctx, t.deps.Cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, pubsub.ErrWaitTimeout) {
			return &domain.ExpiryError{Stage: domain.StageTransfer}
		}
		return err
	}

	env, err := decodeEnvelope(channel, payload)
	if err != nil {
		return err
	}
	var result domain.FulfilResult
	if err := decodeData(channel, env, &result); err != nil {
		return err
	}
	if result.Error != nil {
		data.LastError = result.Error
		return &domain.ProtocolError{Stage: domain.StageTransfer, Info: result.Error}
	}
	if result.Fulfil == nil {
		return &domain.ValidationError{Channel: channel, Cause: errors.New("transfer callback carried neither fulfil nor error")}
	}
	if t.deps.Cfg.RejectExpiredTransferFulfils && t.deps.Cfg.now().After(deadline) {
		return &domain.ExpiryError{Stage: domain.StageTransfer}
	}
	data.Fulfil = result.Fulfil
	return nil
}

func (t *TransferModel) commitConversion(ctx context.Context) error {
	data := t.machine.Data()
	commitRequestID := data.Conversion.ConversionRequestID
	channel := FxTransferChannel(commitRequestID)
	deadline := t.deps.Cfg.deadline(data.Request.ExpirySeconds)

	pending, err := t.deps.Channel.Listen(ctx, channel)
	if err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	fxReq := switchclient.FxTransferRequest{
		CommitRequestID: commitRequestID,
		SourceAmount:    data.Conversion.SourceAmount,
		TargetAmount:    data.Conversion.TargetAmount,
		Condition:       data.Conversion.Condition,
		Expiration:      deadline,
	}
	if err := t.deps.Requester.PostFxTransfers(ctx, fxReq); err != nil {
		pending.Close()
		return err
	}

	payload, err := pending.Wait(ctx, t.deps.Cfg.RequestTimeout)
	if err != nil {
		if errors.Is(err, pubsub.ErrWaitTimeout) {
			return &domain.ExpiryError{Stage: domain.StageFxTransfer}
		}
		return err
	}

	env, err := decodeEnvelope(channel, payload)
	if err != nil {
		return err
	}
	var result domain.FulfilResult
	if err := decodeData(channel, env, &result); err != nil {
		return err
	}
	if result.Error != nil {
		data.LastError = result.Error
		return &domain.ProtocolError{Stage: domain.StageFxTransfer, Info: result.Error}
	}
	if result.Fulfil == nil {
		return &domain.ValidationError{Channel: channel, Cause: errors.New("fx transfer callback carried neither fulfil nor error")}
	}
	if t.deps.Cfg.RejectExpiredTransferFulfils && t.deps.Cfg.now().After(deadline) {
		return &domain.ExpiryError{Stage: domain.StageFxTransfer}
	}
	data.FxFulfil = result.Fulfil
	return nil
}
