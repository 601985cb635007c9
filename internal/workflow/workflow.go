/**
 * @description
 * Shared plumbing for the single-transaction workflow models: the
 * dependency set injected into every model, the per-stage deadline
 * arithmetic, and the correlation channel naming scheme that the inbound
 * layer publishes on.
 *
 * @dependencies
 * - internal/domain, internal/pubsub, internal/store: Core capabilities.
 * - pkg/switchclient: The outbound request functions.
 */

package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mowali/switch-connector/internal/domain"
	"github.com/mowali/switch-connector/internal/pubsub"
	"github.com/mowali/switch-connector/internal/store"
	"github.com/mowali/switch-connector/pkg/switchclient"
)

// Config carries the workflow-level policy knobs.
type Config struct {
	DfspID string

	// ExpirySeconds is the default per-stage business deadline. A request
	// may override it upward, never downward.
	ExpirySeconds int64

	// RequestTimeout bounds how long a workflow waits on a correlation
	// channel. It is a transport bound, independent of the business
	// deadline above.
	RequestTimeout time.Duration

	RejectExpiredQuoteResponses  bool
	RejectExpiredTransferFulfils bool

	AutoAcceptParty bool
	AutoAcceptQuote bool

	// Now is the clock; nil means time.Now. Injected so deadline races are
	// testable without sleeping.
	Now func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// deadline computes a stage deadline: max(request override, configured
// default), from now. The same value must be stamped into the outbound
// request body and used for the local stale-response check.
func (c Config) deadline(overrideSeconds int64) time.Time {
	expiry := c.ExpirySeconds
	if overrideSeconds > expiry {
		expiry = overrideSeconds
	}
	return c.now().Add(time.Duration(expiry) * time.Second)
}

// Deps is the capability set every workflow model is constructed with.
type Deps struct {
	Repo      store.Repository
	Channel   *pubsub.Channel
	Requester switchclient.Requester
	Cfg       Config
}

// Correlation channel names. The inbound layer must publish callbacks on
// exactly these names for the rendezvous to work.

func PartyChannel(idType, idValue, idSubValue string) string {
	if idSubValue != "" {
		return fmt.Sprintf("parties_%s_%s_%s", idType, idValue, idSubValue)
	}
	return fmt.Sprintf("parties_%s_%s", idType, idValue)
}

func QuoteChannel(quoteID string) string { return "quotes_" + quoteID }

func FxQuoteChannel(conversionRequestID string) string { return "fxQuotes_" + conversionRequestID }

func TransferChannel(transferID string) string { return "transfers_" + transferID }

func FxTransferChannel(commitRequestID string) string { return "fxTransfers_" + commitRequestID }

// decodeEnvelope deserializes a correlation message, raising a
// ValidationError at the point of deserialization.
func decodeEnvelope(channel string, payload []byte) (*domain.CallbackEnvelope, error) {
	var env domain.CallbackEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &domain.ValidationError{Channel: channel, Cause: err}
	}
	return &env, nil
}

func decodeData(channel string, env *domain.CallbackEnvelope, out interface{}) error {
	if err := json.Unmarshal(env.Data, out); err != nil {
		return &domain.ValidationError{Channel: channel, Cause: err}
	}
	return nil
}
