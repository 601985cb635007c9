/**
 * @description
 * This file sets up the HTTP router for the connector. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * middleware for logging, panic recovery, timeouts, CORS, and the internal
 * API key.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Routes creates and returns the connector's router.
func Routes(h *Handlers, apiKey string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(APIKeyMiddleware(apiKey))

		// Caller-facing operations.
		r.Post("/transfers", h.PostTransferHandler)
		r.Put("/transfers/{transferId}", h.PutTransferHandler)
		r.Get("/transfers/{transferId}", h.GetTransferHandler)

		r.Get("/parties/{idType}/{idValue}", h.GetPartiesHandler)
		r.Get("/parties/{idType}/{idValue}/{idSubValue}", h.GetPartiesHandler)

		r.Post("/bulk-transfers", h.PostBulkHandler)
		r.Put("/bulk-transfers/{bulkId}", h.PutBulkHandler)
		r.Get("/bulk-transfers/{bulkId}", h.GetBulkHandler)

		// Inbound callbacks from the switch-facing adapter. These feed the
		// correlation channels the workflows wait on.
		r.Put("/callbacks/parties/{idType}/{idValue}", h.PartyCallbackHandler)
		r.Put("/callbacks/parties/{idType}/{idValue}/{idSubValue}", h.PartyCallbackHandler)
		r.Put("/callbacks/quotes/{quoteId}", h.QuoteCallbackHandler)
		r.Put("/callbacks/fx-quotes/{conversionRequestId}", h.FxQuoteCallbackHandler)
		r.Put("/callbacks/transfers/{transferId}", h.TransferCallbackHandler)
		r.Put("/callbacks/fx-transfers/{commitRequestId}", h.FxTransferCallbackHandler)
		r.Put("/callbacks/bulk-quotes/{batchId}", h.BulkQuotesCallbackHandler)
		r.Put("/callbacks/bulk-transfers/{batchId}", h.BulkTransfersCallbackHandler)
	})

	return r
}
