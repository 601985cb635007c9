/**
 * @description
 * Command and domain event definitions for the bulk orchestration saga.
 * Events travel on the message broker in a single envelope shape; each
 * event name has exactly one handler registered by the consumer bindings.
 */

package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the broker envelope. Key carries the aggregate id (the bulk id
// for every bulk saga event) so consumers can partition by aggregate.
type Event struct {
	Name      string            `json:"name"`
	Key       string            `json:"key"`
	Content   json.RawMessage   `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Saga event names, in the order the happy path emits them.
const (
	EvtBulkRequestReceived          = "BulkRequestReceived"
	EvtPartyInfoRequested           = "PartyInfoRequested"
	EvtPartyInfoProcessed           = "PartyInfoProcessed"
	EvtBulkPartyAcceptanceProcessed = "BulkPartyAcceptanceProcessed"
	EvtBulkQuotesRequested          = "BulkQuotesRequested"
	EvtBulkQuotesProcessed          = "BulkQuotesProcessed"
	EvtBulkQuoteAcceptanceProcessed = "BulkQuoteAcceptanceProcessed"
	EvtBulkTransfersRequested       = "BulkTransfersRequested"
	EvtBulkTransfersProcessed       = "BulkTransfersProcessed"
	EvtBulkResponsePrepared         = "BulkResponsePrepared"
)

// NewEvent builds an envelope with the content marshalled in place.
func NewEvent(name, key string, content interface{}) (Event, error) {
	body, err := json.Marshal(content)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s content: %w", name, err)
	}
	return Event{
		Name:      name,
		Key:       key,
		Content:   body,
		Timestamp: time.Now().UTC(),
	}, nil
}

// PartyInfoRequestedContent targets one individual transfer.
type PartyInfoRequestedContent struct {
	BulkID     string `json:"bulkId"`
	TransferID string `json:"transferId"`
}

// PartyInfoProcessedContent reports one finished discovery attempt.
type PartyInfoProcessedContent struct {
	BulkID     string `json:"bulkId"`
	TransferID string `json:"transferId"`
}

// BatchEventContent targets one batch of a bulk transaction. It is shared
// by the quote and transfer request/processed events.
type BatchEventContent struct {
	BulkID  string `json:"bulkId"`
	BatchID string `json:"batchId"`
}

// AcceptanceContent resumes a halted bulk with per-item accept decisions.
// Only the accept flags are merged into the stored records; any other
// caller-supplied field is dropped.
type AcceptanceContent struct {
	BulkID string                   `json:"bulkId"`
	Items  []AcceptanceItemDecision `json:"items"`
}

// AcceptanceItemDecision is one caller decision about one transfer.
type AcceptanceItemDecision struct {
	TransferID string `json:"transferId"`
	Accept     bool   `json:"accept"`
}
