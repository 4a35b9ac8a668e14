package model

import (
	"encoding/json"
	"time"
)

// Inbound request field names.
const (
	FieldSQLStatement = "sqlStatement"
	FieldAction       = "action"
	FieldParameters   = "parameters"
	FieldStatementID  = "statementId"
	FieldExecutionArn = "executionArn"
	FieldNextToken    = "nextToken"
	FieldRecords      = "Records"
)

// Request actions.
const (
	ActionExecuteStatement          = "EXECUTE_STATEMENT"
	ActionExecuteSingletonStatement = "EXECUTE_SINGLETON_STATEMENT"
	ActionDescribeStatement         = "DESCRIBE_STATEMENT"
	ActionGetStatementResult        = "GET_STATEMENT_RESULT"
	ActionCancelStatement           = "CANCEL_STATEMENT"
)

// LatestStatement is the statementId placeholder that resolves to the most
// recent submission for an executionArn.
const LatestStatement = "LATEST"

// AdapterKind identifies the caller protocol a submission is bound to.
type AdapterKind string

// Adapter kinds.
const (
	AdapterNone         AdapterKind = "none"
	AdapterTaskToken    AdapterKind = "task_token"
	AdapterProvisioning AdapterKind = "provisioning"
)

// AdapterState is the minimal subset of an inbound request that an adapter
// needs later to deliver its callback.
type AdapterState struct {
	Kind          AdapterKind                `json:"kind"`
	CorrelationID string                     `json:"correlation_id,omitempty"`
	Fields        map[string]json.RawMessage `json:"fields,omitempty"`
}

// String returns the named field as a string. Non-string JSON values are
// returned in their raw encoding; missing fields yield "".
func (s AdapterState) String(name string) string {
	raw, ok := s.Fields[name]
	if !ok {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// ExecutionRecord maps a statement name to the adapter state recorded at
// submission time. It is mutated once, when the completion is handled.
type ExecutionRecord struct {
	StatementName string          `json:"statement_name"`
	ExecutionID   string          `json:"execution_id"`
	SQL           string          `json:"sql"`
	Adapter       AdapterState    `json:"adapter"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	Handled       bool            `json:"handled"`
	HandledAt     *time.Time      `json:"handled_at,omitempty"`
	Detail        json.RawMessage `json:"detail,omitempty"`
}

// Expired reports whether the record's time-to-live has passed at now.
func (r *ExecutionRecord) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}
