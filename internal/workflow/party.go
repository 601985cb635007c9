/**
 * @description
 * The standalone party-resolution workflow. Unlike the transfer model's
 * discovery stage it can accept multiple simultaneous resolution responses:
 * in round-robin mode the responses accumulate into an ordered list and the
 * workflow completes when the collection window elapses, instead of halting
 * on the first response.
 */

package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/psm"
	"github.com/mowali/switch-connector/internal/pubsub"
)

const (
	PartyLookupStart     psm.State = "START"
	PartyLookupCompleted psm.State = "COMPLETED"
	PartyLookupErrored   psm.State = "ERROR_OCCURRED"
)

var partyLookupSpec = psm.Spec{
	Name:       "partyLookupModel",
	Initial:    PartyLookupStart,
	ErrorState: PartyLookupErrored,
	Terminal:   []psm.State{PartyLookupCompleted},
	Transitions: map[psm.State][]psm.State{
		PartyLookupStart: {PartyLookupCompleted},
	},
}.MustValidate()

// PartyLookupData accumulates resolution responses. Parties is append-only
// and ordered by arrival.
type PartyLookupData struct {
	Request   domain.PartyLookupParams `json:"request"`
	Parties   []domain.Party           `json:"parties,omitempty"`
	LastError *domain.ErrorInformation `json:"lastError,omitempty"`
}

// PartyLookupResult is the caller-visible response.
type PartyLookupResult struct {
	RequestID    string                   `json:"requestId"`
	CurrentState string                   `json:"currentState"`
	Party        *domain.Party            `json:"party,omitempty"`
	Parties      []domain.Party           `json:"parties,omitempty"`
	LastError    *domain.ErrorInformation `json:"lastError,omitempty"`
}

// PartyLookupModel drives one party-resolution workflow.
type PartyLookupModel struct {
	machine *psm.Machine[PartyLookupData]
	deps    Deps
}

func partyLookupKey(requestID string) string { return "partyLookupModel_" + requestID }

// NewPartyLookup creates and persists a lookup workflow.
func NewPartyLookup(ctx context.Context, deps Deps, params domain.PartyLookupParams) (*PartyLookupModel, error) {
	if params.RequestID == "" {
		params.RequestID = uuid.NewString()
	}
	machine, err := psm.Start(ctx, deps.Repo, partyLookupSpec, partyLookupKey(params.RequestID), &PartyLookupData{Request: params})
	if err != nil {
		return nil, fmt.Errorf("create party lookup workflow: %w", err)
	}
	return &PartyLookupModel{machine: machine, deps: deps}, nil
}

// LoadPartyLookup reloads a persisted lookup by request id.
func LoadPartyLookup(ctx context.Context, deps Deps, requestID string) (*PartyLookupModel, error) {
	machine, err := psm.Load[PartyLookupData](ctx, deps.Repo, partyLookupSpec, partyLookupKey(requestID))
	if err != nil {
		return nil, err
	}
	return &PartyLookupModel{machine: machine, deps: deps}, nil
}

// Result builds the caller-visible response from current state.
func (p *PartyLookupModel) Result() *PartyLookupResult {
	data := p.machine.Data()
	result := &PartyLookupResult{
		RequestID:    data.Request.RequestID,
		CurrentState: string(p.machine.State()),
		Parties:      data.Parties,
		LastError:    data.LastError,
	}
	if len(data.Parties) > 0 {
		result.Party = &data.Parties[0]
	}
	return result
}

// Run resolves the party. Terminal replay returns the stored result without
// re-issuing the request.
func (p *PartyLookupModel) Run(ctx context.Context) (*PartyLookupResult, error) {
	if p.machine.Terminal() {
		return p.Result(), nil
	}

	data := p.machine.Data()
	req := data.Request
	channel := PartyChannel(req.IDType, req.IDValue, req.IDSubValue)

	pending, err := p.deps.Channel.Listen(ctx, channel)
	if err != nil {
		return nil, p.machine.Fail(ctx, fmt.Errorf("listen %s: %w", channel, err))
	}
	if err := p.deps.Requester.GetParties(ctx, req.IDType, req.IDValue, req.IDSubValue); err != nil {
		pending.Close()
		return nil, p.machine.Fail(ctx, err)
	}

	var payloads [][]byte
	if req.WaitForAllParties {
		window := time.Duration(req.CollectionWindowMs) * time.Millisecond
		if window <= 0 {
			window = p.deps.Cfg.RequestTimeout
		}
		payloads, err = pending.WaitWindow(ctx, window)
	} else {
		var single []byte
		single, err = pending.Wait(ctx, p.deps.Cfg.RequestTimeout)
		payloads = [][]byte{single}
	}
	if err != nil {
		if errors.Is(err, pubsub.ErrWaitTimeout) {
			err = &domain.ExpiryError{Stage: domain.StagePartyLookup}
		}
		return nil, p.machine.Fail(ctx, err)
	}

	for _, payload := range payloads {
		env, err := decodeEnvelope(channel, payload)
		if err != nil {
			return nil, p.machine.Fail(ctx, err)
		}
		var result domain.PartyResult
		if err := decodeData(channel, env, &result); err != nil {
			return nil, p.machine.Fail(ctx, err)
		}
		if result.Error != nil {
			data.LastError = result.Error
			continue
		}
		if result.Party != nil {
			data.Parties = append(data.Parties, *result.Party)
		}
	}

	if len(data.Parties) == 0 {
		return nil, p.machine.Fail(ctx, &domain.ProtocolError{Stage: domain.StagePartyLookup, Info: data.LastError})
	}

	if err := p.machine.Transition(ctx, PartyLookupCompleted); err != nil {
		return nil, p.machine.Fail(ctx, err)
	}
	return p.Result(), nil
}
