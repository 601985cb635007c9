/**
 * @description
 * This package provides the client for the switch-facing adapter: one
 * function per outbound protocol operation. Every call returns only the
 * immediate acknowledgement; the actual result arrives later on a
 * correlation channel, so callers must be listening before they invoke any
 * of these functions.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 * - internal/domain: Protocol payload types.
 */
package switchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mowali/switch-connector/internal/domain"
)

// Requester is the capability set of outbound request functions consumed by
// the workflow models and the bulk engine.
type Requester interface {
	GetParties(ctx context.Context, idType, idValue, idSubValue string) error
	PostQuotes(ctx context.Context, req QuoteRequest) error
	PostFxQuotes(ctx context.Context, req FxQuoteRequest) error
	PostTransfers(ctx context.Context, req TransferRequest) error
	PostFxTransfers(ctx context.Context, req FxTransferRequest) error
	PostBulkQuotes(ctx context.Context, req BulkQuotesRequest) error
	PostBulkTransfers(ctx context.Context, req BulkTransfersRequest) error
}

// QuoteRequest asks the payee side for transfer terms. Expiration is the
// business deadline stamped by the workflow; the same value bounds the
// local stale-response check.
type QuoteRequest struct {
	QuoteID         string            `json:"quoteId"`
	TransactionID   string            `json:"transactionId"`
	Payer           domain.Party      `json:"payer"`
	Payee           domain.Party      `json:"payee"`
	AmountType      domain.AmountType `json:"amountType"`
	Amount          domain.Money      `json:"amount"`
	TransactionType string            `json:"transactionType"`
	Note            string            `json:"note,omitempty"`
	Expiration      time.Time         `json:"expiration"`
}

// FxQuoteRequest asks an FXP for currency-conversion terms.
type FxQuoteRequest struct {
	ConversionRequestID string       `json:"conversionRequestId"`
	SourceAmount        domain.Money `json:"sourceAmount"`
	TargetCurrency      string       `json:"targetCurrency"`
	Expiration          time.Time    `json:"expiration"`
}

// TransferRequest executes the agreed transfer.
type TransferRequest struct {
	TransferID string       `json:"transferId"`
	PayerFspID string       `json:"payerFsp"`
	PayeeFspID string       `json:"payeeFsp"`
	Amount     domain.Money `json:"amount"`
	IlpPacket  string       `json:"ilpPacket"`
	Condition  string       `json:"condition"`
	Expiration time.Time    `json:"expiration"`
}

// FxTransferRequest commits the currency conversion.
type FxTransferRequest struct {
	CommitRequestID string       `json:"commitRequestId"`
	SourceAmount    domain.Money `json:"sourceAmount"`
	TargetAmount    domain.Money `json:"targetAmount"`
	Condition       string       `json:"condition"`
	Expiration      time.Time    `json:"expiration"`
}

// BulkQuoteItem is one member of a batched quote request.
type BulkQuoteItem struct {
	ReferenceID string            `json:"referenceId"`
	To          domain.Party      `json:"to"`
	AmountType  domain.AmountType `json:"amountType"`
	Amount      domain.Money      `json:"amount"`
	Note        string            `json:"note,omitempty"`
}

// BulkQuotesRequest carries one batch's quote requests in a single call.
type BulkQuotesRequest struct {
	BatchID    string          `json:"batchId"`
	From       domain.Party    `json:"from"`
	Items      []BulkQuoteItem `json:"individualQuotes"`
	Expiration time.Time       `json:"expiration"`
}

// BulkTransferItem is one member of a batched transfer request.
type BulkTransferItem struct {
	ReferenceID string       `json:"referenceId"`
	To          domain.Party `json:"to"`
	Amount      domain.Money `json:"amount"`
	IlpPacket   string       `json:"ilpPacket"`
	Condition   string       `json:"condition"`
}

// BulkTransfersRequest carries one batch's transfers in a single call.
type BulkTransfersRequest struct {
	BatchID    string             `json:"batchId"`
	From       domain.Party       `json:"from"`
	Items      []BulkTransferItem `json:"individualTransfers"`
	Expiration time.Time          `json:"expiration"`
}

// Client is an HTTP Requester against the switch adapter.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new switch adapter client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) GetParties(ctx context.Context, idType, idValue, idSubValue string) error {
	path := fmt.Sprintf("/parties/%s/%s", url.PathEscape(idType), url.PathEscape(idValue))
	if idSubValue != "" {
		path += "/" + url.PathEscape(idSubValue)
	}
	return c.send(ctx, http.MethodGet, path, nil)
}

func (c *Client) PostQuotes(ctx context.Context, req QuoteRequest) error {
	return c.send(ctx, http.MethodPost, "/quotes", req)
}

func (c *Client) PostFxQuotes(ctx context.Context, req FxQuoteRequest) error {
	return c.send(ctx, http.MethodPost, "/fxQuotes", req)
}

func (c *Client) PostTransfers(ctx context.Context, req TransferRequest) error {
	return c.send(ctx, http.MethodPost, "/transfers", req)
}

func (c *Client) PostFxTransfers(ctx context.Context, req FxTransferRequest) error {
	return c.send(ctx, http.MethodPost, "/fxTransfers", req)
}

func (c *Client) PostBulkQuotes(ctx context.Context, req BulkQuotesRequest) error {
	return c.send(ctx, http.MethodPost, "/bulkQuotes", req)
}

func (c *Client) PostBulkTransfers(ctx context.Context, req BulkTransfersRequest) error {
	return c.send(ctx, http.MethodPost, "/bulkTransfers", req)
}

// send issues one request and checks only for a 2xx acknowledgement.
func (c *Client) send(ctx context.Context, method, path string, body interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s request: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s request not acknowledged: status %d body %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}
