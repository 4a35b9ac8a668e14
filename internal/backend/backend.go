package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is the interface that all statement backends must implement. None of
// the calls are retried internally; retry policy belongs to the caller.
type Client interface {
	// Submit starts asynchronous execution of a statement and returns the
	// backend's execution id.
	Submit(ctx context.Context, in SubmitInput) (SubmitOutput, error)

	// Describe reports the current status of an execution.
	Describe(ctx context.Context, executionID string) (Description, error)

	// FetchResult returns one page of result rows for a finished execution.
	FetchResult(ctx context.Context, executionID, nextToken string) (Result, error)

	// Cancel requests cancellation of a running execution.
	Cancel(ctx context.Context, executionID string) (CancelOutput, error)

	// FindActive reports whether a statement with identical SQL text is in a
	// non-terminal state.
	FindActive(ctx context.Context, sql string) (bool, error)

	// LookupID resolves a statement name to the newest execution id carrying it.
	LookupID(ctx context.Context, statementName string) (string, error)

	// Capabilities reports what this backend supports.
	Capabilities() Capabilities
}

// Error kinds. Backends wrap the underlying cause with one of these.
var (
	// ErrUnavailable is transient and safe to retry with backoff.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrRejected means the backend refused the request or the statement.
	ErrRejected = errors.New("backend rejected request")
)

// Unavailable wraps err as an ErrUnavailable for operation op.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// Rejected wraps err as an ErrRejected for operation op.
func Rejected(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrRejected, err)
}

// Statement status values.
const (
	StatusSubmitted = "SUBMITTED"
	StatusPicked    = "PICKED"
	StatusStarted   = "STARTED"
	StatusFinished  = "FINISHED"
	StatusFailed    = "FAILED"
	StatusAborted   = "ABORTED"
)

// IsActive reports whether status is a non-terminal execution state.
func IsActive(status string) bool {
	switch status {
	case StatusSubmitted, StatusPicked, StatusStarted:
		return true
	}
	return false
}

// IsTerminal reports whether status is a terminal execution state.
func IsTerminal(status string) bool {
	switch status {
	case StatusFinished, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// Parameter is a named SQL parameter.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SubmitInput describes a statement to execute.
type SubmitInput struct {
	SQL           string
	StatementName string
	// WithEvent controls whether the backend emits a completion notification.
	WithEvent  bool
	Parameters []Parameter
}

// SubmitOutput is the backend's acknowledgment of a submission.
type SubmitOutput struct {
	ExecutionID   string    `json:"executionId"`
	StatementName string    `json:"statementName"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Description is the current state of an execution.
type Description struct {
	ExecutionID   string     `json:"id"`
	StatementName string     `json:"statementName,omitempty"`
	QueryString   string     `json:"queryString,omitempty"`
	Status        string     `json:"status"`
	Error         string     `json:"error,omitempty"`
	HasResultSet  bool       `json:"hasResultSet"`
	ResultRows    int64      `json:"resultRows"`
	CreatedAt     *time.Time `json:"createdAt,omitempty"`
	UpdatedAt     *time.Time `json:"updatedAt,omitempty"`
}

// Result is one page of an execution's result set.
type Result struct {
	Columns   []string `json:"columns"`
	Records   [][]any  `json:"records"`
	TotalRows int64    `json:"totalNumRows"`
	NextToken string   `json:"nextToken,omitempty"`
}

// CancelOutput reports whether cancellation was accepted.
type CancelOutput struct {
	Cancelled bool `json:"status"`
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Name          string `json:"name"`
	Notifications bool   `json:"notifications"`
	Parameters    bool   `json:"parameters"`
}
