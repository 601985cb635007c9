/**
 * @description
 * This file defines the core domain models for the switch-connector. These
 * structs represent the protocol entities (parties, amounts, quotes,
 * transfers) that flow through the single-transaction workflows and the
 * bulk orchestration engine.
 *
 * @notes
 * - Amounts travel as strings, as the inter-scheme protocol requires, to
 *   avoid any floating-point rounding on financial values.
 * - Types carry only the fields the connector itself acts on; full protocol
 *   payloads are preserved verbatim as json.RawMessage where the connector
 *   merely relays them.
 */

package domain

import (
	"encoding/json"
	"time"
)

// Stage identifies the protocol step a deadline, callback, or error belongs to.
type Stage string

const (
	StagePartyLookup Stage = "partylookup"
	StageQuote       Stage = "quote"
	StageFxQuote     Stage = "fxquote"
	StageTransfer    Stage = "transfer"
	StageFxTransfer  Stage = "fxtransfer"
)

// AmountType distinguishes a fixed-send from a fixed-receive transfer.
type AmountType string

const (
	AmountTypeSend    AmountType = "SEND"
	AmountTypeReceive AmountType = "RECEIVE"
)

// Party identifies one side of a transfer within the scheme.
type Party struct {
	IDType              string   `json:"idType"`
	IDValue             string   `json:"idValue"`
	IDSubValue          string   `json:"idSubValue,omitempty"`
	FspID               string   `json:"fspId,omitempty"`
	DisplayName         string   `json:"displayName,omitempty"`
	SupportedCurrencies []string `json:"supportedCurrencies,omitempty"`
}

// Money is a protocol amount: a decimal string plus its currency code.
type Money struct {
	Currency string `json:"currency"`
	Amount   string `json:"amount"`
}

// TransferParams is the caller-supplied request that starts a single
// outbound transfer workflow.
type TransferParams struct {
	TransferID        string     `json:"transferId"`
	HomeTransactionID string     `json:"homeTransactionId"`
	From              Party      `json:"from"`
	To                Party      `json:"to"`
	AmountType        AmountType `json:"amountType"`
	Amount            Money      `json:"amount"`
	TransactionType   string     `json:"transactionType"`
	Note              string     `json:"note,omitempty"`

	// ExpirySeconds overrides the configured per-stage expiry when larger
	// than the default; zero means "use the configured default".
	ExpirySeconds int64 `json:"expirySeconds,omitempty"`
}

// PartyLookupParams starts a standalone party-resolution workflow.
type PartyLookupParams struct {
	RequestID  string `json:"requestId"`
	IDType     string `json:"idType"`
	IDValue    string `json:"idValue"`
	IDSubValue string `json:"idSubValue,omitempty"`

	// WaitForAllParties keeps the collection window open so that several
	// simultaneous resolution responses accumulate into an ordered list.
	// When false the workflow halts on the first response.
	WaitForAllParties  bool  `json:"waitForAllParties,omitempty"`
	CollectionWindowMs int64 `json:"collectionWindowMs,omitempty"`
}

// QuoteResponse is the payee side's answer to a quote request.
type QuoteResponse struct {
	QuoteID            string    `json:"quoteId"`
	TransferAmount     Money     `json:"transferAmount"`
	PayeeReceiveAmount *Money    `json:"payeeReceiveAmount,omitempty"`
	PayeeFspFee        *Money    `json:"payeeFspFee,omitempty"`
	PayeeFspCommission *Money    `json:"payeeFspCommission,omitempty"`
	IlpPacket          string    `json:"ilpPacket"`
	Condition          string    `json:"condition"`
	Expiration         time.Time `json:"expiration"`
}

// FxQuoteResponse is the FXP's answer to a currency-conversion quote.
type FxQuoteResponse struct {
	ConversionRequestID string    `json:"conversionRequestId"`
	SourceAmount        Money     `json:"sourceAmount"`
	TargetAmount        Money     `json:"targetAmount"`
	Condition           string    `json:"condition"`
	Expiration          time.Time `json:"expiration"`
}

// TransferFulfil is the terminal confirmation of a transfer (or an FX
// transfer) from the counterparty.
type TransferFulfil struct {
	TransferID    string    `json:"transferId"`
	Fulfilment    string    `json:"fulfilment,omitempty"`
	TransferState string    `json:"transferState"`
	CompletedAt   time.Time `json:"completedTimestamp"`
}

// ErrorInformation is the protocol-level error body returned by a
// counterparty. It is always relayed verbatim.
type ErrorInformation struct {
	ErrorCode        string          `json:"errorCode"`
	ErrorDescription string          `json:"errorDescription"`
	ExtensionList    json.RawMessage `json:"extensionList,omitempty"`
}

// CallbackEnvelope is the message shape published on a correlation channel
// by the inbound layer when an asynchronous response arrives.
type CallbackEnvelope struct {
	Type    string            `json:"type"`
	Data    json.RawMessage   `json:"data"`
	Headers map[string]string `json:"headers,omitempty"`
}

// PartyResult is the Data payload of a party-resolution callback.
type PartyResult struct {
	Party *Party            `json:"party,omitempty"`
	Error *ErrorInformation `json:"errorInformation,omitempty"`
}

// QuoteResult is the Data payload of a quote callback.
type QuoteResult struct {
	Quote *QuoteResponse    `json:"quote,omitempty"`
	Error *ErrorInformation `json:"errorInformation,omitempty"`
}

// FxQuoteResult is the Data payload of an FX quote callback.
type FxQuoteResult struct {
	Conversion *FxQuoteResponse  `json:"conversionTerms,omitempty"`
	Error      *ErrorInformation `json:"errorInformation,omitempty"`
}

// FulfilResult is the Data payload of a transfer fulfilment callback.
type FulfilResult struct {
	Fulfil *TransferFulfil   `json:"fulfil,omitempty"`
	Error  *ErrorInformation `json:"errorInformation,omitempty"`
}
