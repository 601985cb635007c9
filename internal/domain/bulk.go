/**
 * @description
 * Domain types for bulk transactions: the aggregate's global state, the
 * per-transfer records it owns, the batch sub-grouping used to combine many
 * transfers into one outbound call, and the final aggregated response.
 */

package domain

import "time"

// BulkState is the global processing state of a bulk transaction.
type BulkState string

const (
	BulkReceived                     BulkState = "RECEIVED"
	BulkDiscoveryProcessing          BulkState = "DISCOVERY_PROCESSING"
	BulkDiscoveryCompleted           BulkState = "DISCOVERY_COMPLETED"
	BulkDiscoveryAcceptancePending   BulkState = "DISCOVERY_ACCEPTANCE_PENDING"
	BulkDiscoveryAcceptanceCompleted BulkState = "DISCOVERY_ACCEPTANCE_COMPLETED"
	BulkAgreementProcessing          BulkState = "AGREEMENT_PROCESSING"
	BulkAgreementCompleted           BulkState = "AGREEMENT_COMPLETED"
	BulkAgreementAcceptancePending   BulkState = "AGREEMENT_ACCEPTANCE_PENDING"
	BulkAgreementAcceptanceCompleted BulkState = "AGREEMENT_ACCEPTANCE_COMPLETED"
	BulkTransfersProcessing          BulkState = "TRANSFERS_PROCESSING"
	BulkTransfersCompleted           BulkState = "TRANSFERS_COMPLETED"
	BulkResponseSent                 BulkState = "RESPONSE_SENT"
	BulkErrored                      BulkState = "ERRORED"
)

// Terminal reports whether the bulk can see no further saga processing.
func (s BulkState) Terminal() bool {
	switch s {
	case BulkTransfersCompleted, BulkResponseSent, BulkErrored:
		return true
	}
	return false
}

// Phase names one of the three counted stages of a bulk transaction.
// Discovery counts individual transfers; agreement and transfer count
// batches, because one batched callback closes many transfers at once.
type Phase string

const (
	PhaseDiscovery Phase = "discovery"
	PhaseAgreement Phase = "agreement"
	PhaseTransfer  Phase = "transfer"
)

// BulkOptions controls halt-skipping and batching for one bulk transaction.
type BulkOptions struct {
	AutoAcceptParty bool `json:"autoAcceptParty"`
	AutoAcceptQuote bool `json:"autoAcceptQuote"`
	SkipPartyLookup bool `json:"skipPartyLookup"`
	MaxBatchSize    int  `json:"maxBatchSize,omitempty"`
}

// BulkTransactionRequest is the caller-submitted batch of transfers.
type BulkTransactionRequest struct {
	BulkHomeTransactionID string                      `json:"bulkHomeTransactionId"`
	From                  Party                       `json:"from"`
	Options               BulkOptions                 `json:"options"`
	IndividualTransfers   []IndividualTransferRequest `json:"individualTransfers"`
}

// IndividualTransferRequest is one requested transfer within a bulk.
type IndividualTransferRequest struct {
	HomeTransactionID string     `json:"homeTransactionId"`
	To                Party      `json:"to"`
	AmountType        AmountType `json:"amountType"`
	Amount            Money      `json:"amount"`
	Note              string     `json:"note,omitempty"`
}

// ItemState is the processing state of one individual transfer record.
type ItemState string

const (
	ItemReceived         ItemState = "RECEIVED"
	ItemDiscoverySuccess ItemState = "DISCOVERY_SUCCESS"
	ItemDiscoveryFailed  ItemState = "DISCOVERY_FAILED"
	ItemAccepted         ItemState = "ACCEPTED"
	ItemRejected         ItemState = "REJECTED"
	ItemAgreementSuccess ItemState = "AGREEMENT_SUCCESS"
	ItemAgreementFailed  ItemState = "AGREEMENT_FAILED"
	ItemQuoteAccepted    ItemState = "QUOTE_ACCEPTED"
	ItemQuoteRejected    ItemState = "QUOTE_REJECTED"
	ItemTransferSuccess  ItemState = "TRANSFER_SUCCESS"
	ItemTransferFailed   ItemState = "TRANSFER_FAILED"
)

// IndividualTransferRecord is owned exclusively by its parent bulk
// transaction; one record per requested transfer, never deleted, only
// state-advanced.
type IndividualTransferRecord struct {
	ID                string                    `json:"id"`
	HomeTransactionID string                    `json:"homeTransactionId"`
	TransactionID     string                    `json:"transactionId,omitempty"`
	Request           IndividualTransferRequest `json:"request"`
	PartyResponse     *Party                    `json:"partyResponse,omitempty"`
	QuoteResponse     *QuoteResponse            `json:"quoteResponse,omitempty"`
	TransferResponse  *TransferFulfil           `json:"transferResponse,omitempty"`
	LastError         *ErrorInformation         `json:"lastError,omitempty"`
	State             ItemState                 `json:"state"`
	AcceptParty       bool                      `json:"acceptParty"`
	AcceptQuote       bool                      `json:"acceptQuote"`
}

// BatchState is the processing state of one bulk batch.
type BatchState string

const (
	BatchCreated             BatchState = "CREATED"
	BatchQuotesProcessing    BatchState = "AGREEMENT_PROCESSING"
	BatchQuotesCompleted     BatchState = "AGREEMENT_COMPLETED"
	BatchQuotesFailed        BatchState = "AGREEMENT_FAILED"
	BatchTransfersProcessing BatchState = "TRANSFERS_PROCESSING"
	BatchTransfersCompleted  BatchState = "TRANSFERS_COMPLETED"
	BatchTransfersFailed     BatchState = "TRANSFERS_FAILED"
)

// BulkBatch groups individual transfers destined for the same counterparty
// and currency so many transfers ride on one outbound protocol call.
// Membership is immutable once created; the reference maps demultiplex a
// single batched callback back to the owning records.
type BulkBatch struct {
	ID                   string            `json:"id"`
	CounterpartyFspID    string            `json:"counterpartyFspId"`
	Currency             string            `json:"currency"`
	TransferIDs          []string          `json:"transferIds"`
	QuoteReferenceIDs    map[string]string `json:"quoteIdReferenceIdMap"`    // referenceId -> individual transfer id
	TransferReferenceIDs map[string]string `json:"transferIdReferenceIdMap"` // referenceId -> individual transfer id
	State                BatchState        `json:"state"`
	LastError            *ErrorInformation `json:"lastError,omitempty"`
}

// BatchItemResult is one sub-result inside a batched callback.
type BatchItemResult struct {
	ReferenceID string            `json:"referenceId"`
	Quote       *QuoteResponse    `json:"quote,omitempty"`
	Fulfil      *TransferFulfil   `json:"fulfil,omitempty"`
	Error       *ErrorInformation `json:"errorInformation,omitempty"`
}

// BatchCallback is the Data payload of a bulk-quotes or bulk-transfers
// callback. A nil Error with per-item results means partial success is
// legal and each item is judged on its own sub-result.
type BatchCallback struct {
	BatchID string            `json:"batchId"`
	Items   []BatchItemResult `json:"individualResults,omitempty"`
	Error   *ErrorInformation `json:"errorInformation,omitempty"`
}

// BulkItemOutcome is one line of the final aggregated response.
type BulkItemOutcome struct {
	TransferID        string            `json:"transferId"`
	HomeTransactionID string            `json:"homeTransactionId"`
	State             ItemState         `json:"state"`
	Fulfil            *TransferFulfil   `json:"fulfil,omitempty"`
	LastError         *ErrorInformation `json:"lastError,omitempty"`
}

// BulkResult is the terminal output of the bulk engine: every individual
// transfer's final outcome under one bulk id.
type BulkResult struct {
	BulkID      string            `json:"bulkTransactionId"`
	State       BulkState         `json:"currentState"`
	CompletedAt time.Time         `json:"completedAt"`
	Items       []BulkItemOutcome `json:"individualTransferResults"`
}
