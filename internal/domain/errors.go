package domain

import (
	"encoding/json"
	"fmt"
)

var expiryMessages = map[Stage]string{
	StagePartyLookup: "party resolution response missed expiry deadline",
	StageQuote:       "quote response missed expiry deadline",
	StageFxQuote:     "fx quote response missed expiry deadline",
	StageTransfer:    "transfer fulfil missed expiry deadline",
	StageFxTransfer:  "fx transfer fulfil missed expiry deadline",
}

// ExpiryError reports that a stage-specific business deadline was missed by
// an asynchronous response. Each stage carries its own message so operators
// can tell at a glance which step of the workflow went stale.
type ExpiryError struct {
	Stage Stage
}

func (e *ExpiryError) Error() string {
	if msg, ok := expiryMessages[e.Stage]; ok {
		return msg
	}
	return fmt.Sprintf("%s response missed expiry deadline", e.Stage)
}

// ProtocolError carries a counterparty's explicit error body, verbatim, for
// the stage at which it was returned.
type ProtocolError struct {
	Stage Stage
	Info  *ErrorInformation
}

func (e *ProtocolError) Error() string {
	if e.Info != nil {
		return fmt.Sprintf("%s request rejected by counterparty: %s %s", e.Stage, e.Info.ErrorCode, e.Info.ErrorDescription)
	}
	return fmt.Sprintf("%s request rejected by counterparty", e.Stage)
}

// ValidationError reports a malformed correlation message at the point of
// deserialization.
type ValidationError struct {
	Channel string
	Cause   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("undecodable message on channel %s: %v", e.Channel, e.Cause)
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// WorkflowError wraps any failure inside a workflow transition with the last
// persisted state of the entity, so callers can inspect both the business
// entity and the raw point of failure.
type WorkflowError struct {
	CurrentState string
	Snapshot     json.RawMessage
	Err          error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow failed in state %s: %v", e.CurrentState, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }
