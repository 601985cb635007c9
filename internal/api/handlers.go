/**
 * @description
 * This file contains the HTTP handlers for the connector's API endpoints.
 * Handlers parse incoming requests, call the application service, and write
 * the HTTP response. The callback handlers are the inbound half of the
 * correlation rendezvous: they wrap the adapter's asynchronous responses in
 * an envelope and publish them on the channel a waiting workflow subscribed
 * to.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameter extraction.
 * - internal/app, internal/bulk, internal/domain, internal/pubsub,
 *   internal/store, internal/workflow.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mowali/switch-connector/internal/app"
	"github.com/mowali/switch-connector/internal/bulk"
	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/pubsub"
	"github.com/mowali/switch-connector/internal/store"
	"github.com/mowali/switch-connector/internal/workflow"
)

// Handlers holds the application service and the pub/sub used by the
// inbound callback endpoints.
type Handlers struct {
	service *app.Service
	pub     pubsub.PubSub
}

// NewHandlers creates the handler set.
func NewHandlers(service *app.Service, pub pubsub.PubSub) *Handlers {
	return &Handlers{service: service, pub: pub}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			log.Printf("level=error component=api msg=\"encoding response failed\" error=%q", err)
		}
	}
}

type errorResponse struct {
	Message      string                   `json:"message"`
	CurrentState string                   `json:"currentState,omitempty"`
	LastError    *domain.ErrorInformation `json:"lastError,omitempty"`
}

// respondError maps domain failures onto HTTP statuses. A workflow error
// still carries the entity's last persisted state, which callers need to
// decide whether to retry or resume.
func respondError(w http.ResponseWriter, err error) {
	var workflowErr *domain.WorkflowError
	if errors.As(err, &workflowErr) {
		respondJSON(w, http.StatusInternalServerError, errorResponse{
			Message:      workflowErr.Error(),
			CurrentState: workflowErr.CurrentState,
		})
		return
	}
	var validationErr *domain.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		respondJSON(w, http.StatusNotFound, errorResponse{Message: "not found"})
	case errors.As(err, &validationErr):
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
	case errors.Is(err, app.ErrNotAcceptancePending):
		respondJSON(w, http.StatusConflict, errorResponse{Message: err.Error()})
	default:
		respondJSON(w, http.StatusInternalServerError, errorResponse{Message: err.Error()})
	}
}

// PostTransferHandler starts a transfer workflow and responds when it halts
// or finishes.
func (h *Handlers) PostTransferHandler(w http.ResponseWriter, r *http.Request) {
	var params domain.TransferParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}
	result, err := h.service.InitiateTransfer(r.Context(), params)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// PutTransferHandler resumes a halted transfer with accept decisions.
func (h *Handlers) PutTransferHandler(w http.ResponseWriter, r *http.Request) {
	transferID := chi.URLParam(r, "transferId")
	var resume workflow.ResumePayload
	if err := json.NewDecoder(r.Body).Decode(&resume); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}
	result, err := h.service.ResumeTransfer(r.Context(), transferID, &resume)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetTransferHandler returns a transfer's persisted state.
func (h *Handlers) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.TransferStatus(r.Context(), chi.URLParam(r, "transferId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetPartiesHandler runs a standalone party lookup.
func (h *Handlers) GetPartiesHandler(w http.ResponseWriter, r *http.Request) {
	params := domain.PartyLookupParams{
		IDType:     chi.URLParam(r, "idType"),
		IDValue:    chi.URLParam(r, "idValue"),
		IDSubValue: chi.URLParam(r, "idSubValue"),
	}
	if r.URL.Query().Get("waitForAllParties") == "true" {
		params.WaitForAllParties = true
	}
	result, err := h.service.LookupParty(r.Context(), params)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// PostBulkHandler accepts a bulk transaction and returns its id; the saga
// runs asynchronously from here.
func (h *Handlers) PostBulkHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.BulkTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}
	bulkID, err := h.service.SubmitBulk(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"bulkTransactionId": bulkID,
		"currentState":      string(domain.BulkReceived),
	})
}

// PutBulkHandler resumes a halted bulk with per-item accept decisions.
// Only the transfer id and accept flag of each item are honored.
func (h *Handlers) PutBulkHandler(w http.ResponseWriter, r *http.Request) {
	bulkID := chi.URLParam(r, "bulkId")
	var body domain.AcceptanceContent
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: "invalid request body"})
		return
	}
	if err := h.service.ResumeBulk(r.Context(), bulkID, body.Items); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"bulkTransactionId": bulkID})
}

// GetBulkHandler returns a bulk transaction's snapshot.
func (h *Handlers) GetBulkHandler(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.BulkStatus(r.Context(), chi.URLParam(r, "bulkId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// publishCallback wraps an inbound adapter response in the envelope shape
// the workflows decode and publishes it on the correlation channel.
func (h *Handlers) publishCallback(w http.ResponseWriter, r *http.Request, channel, callbackType string) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{Message: "unreadable request body"})
		return
	}
	env := domain.CallbackEnvelope{Type: callbackType, Data: body}
	payload, err := json.Marshal(env)
	if err != nil {
		respondError(w, err)
		return
	}
	if err := h.pub.Publish(r.Context(), channel, payload); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (h *Handlers) PartyCallbackHandler(w http.ResponseWriter, r *http.Request) {
	channel := workflow.PartyChannel(chi.URLParam(r, "idType"), chi.URLParam(r, "idValue"), chi.URLParam(r, "idSubValue"))
	h.publishCallback(w, r, channel, "partiesResponse")
}

func (h *Handlers) QuoteCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.publishCallback(w, r, workflow.QuoteChannel(chi.URLParam(r, "quoteId")), "quoteResponse")
}

func (h *Handlers) FxQuoteCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.publishCallback(w, r, workflow.FxQuoteChannel(chi.URLParam(r, "conversionRequestId")), "fxQuoteResponse")
}

func (h *Handlers) TransferCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.publishCallback(w, r, workflow.TransferChannel(chi.URLParam(r, "transferId")), "transferFulfil")
}

func (h *Handlers) FxTransferCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.publishCallback(w, r, workflow.FxTransferChannel(chi.URLParam(r, "commitRequestId")), "fxTransferFulfil")
}

func (h *Handlers) BulkQuotesCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.publishCallback(w, r, bulk.BulkQuotesChannel(chi.URLParam(r, "batchId")), "bulkQuotesResponse")
}

func (h *Handlers) BulkTransfersCallbackHandler(w http.ResponseWriter, r *http.Request) {
	h.publishCallback(w, r, bulk.BulkTransfersChannel(chi.URLParam(r, "batchId")), "bulkTransfersResponse")
}
