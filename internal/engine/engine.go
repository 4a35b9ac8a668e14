package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/stmtrelay/internal/backend"
	"github.com/seantiz/stmtrelay/internal/callback"
	"github.com/seantiz/stmtrelay/internal/model"
	"github.com/seantiz/stmtrelay/internal/store"
)

// ErrInvalidRequest is returned for requests that are malformed or match no
// known request shape. It is never worth retrying.
var ErrInvalidRequest = errors.New("invalid request")

// ErrConcurrentExecution is returned when a singleton statement with the
// same SQL text is already running.
var ErrConcurrentExecution = errors.New("statement already executing")

// DefaultBatchConcurrency bounds how many messages of one batch are
// processed at the same time.
const DefaultBatchConcurrency = 4

// Engine routes inbound requests, submits statements and correlates their
// completions back to the adapter recorded at submission time.
type Engine struct {
	store      store.Store
	client     backend.Client
	adapters   *callback.Registry
	dispatcher *callback.Dispatcher
	broker     *CompletionBroker
	logger     *slog.Logger

	recordTTL   time.Duration
	concurrency int
	waitPoll    time.Duration
	now         func() time.Time

	wg sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecordTTL sets the time-to-live of new execution records. Zero keeps
// records forever.
func WithRecordTTL(d time.Duration) Option {
	return func(e *Engine) { e.recordTTL = d }
}

// WithClock sets the engine's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBatchConcurrency sets how many batch messages are processed at once.
func WithBatchConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithWaitPollInterval sets the default delay between status checks in Wait.
func WithWaitPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.waitPoll = d
		}
	}
}

// NewEngine creates a new engine.
func NewEngine(s store.Store, client backend.Client, adapters *callback.Registry, dispatcher *callback.Dispatcher, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       s,
		client:      client,
		adapters:    adapters,
		dispatcher:  dispatcher,
		broker:      NewCompletionBroker(),
		logger:      logger,
		concurrency: DefaultBatchConcurrency,
		waitPoll:    DefaultWaitPollInterval,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's completion broker for SSE subscription.
func (e *Engine) Broker() *CompletionBroker {
	return e.broker
}

// Adapters returns the adapter registry used to classify submissions.
func (e *Engine) Adapters() *callback.Registry {
	return e.adapters
}

// Drain blocks until all in-flight local deliveries complete.
func (e *Engine) Drain() {
	e.wg.Wait()
}

// SubmitRequest is a statement submission. Fields carries the whole inbound
// request so the adapter registry can match on it.
type SubmitRequest struct {
	SQL        string
	Action     string
	Parameters []backend.Parameter
	Fields     callback.Fields
}

// SubmitResponse acknowledges a submission. Completion is always reported
// out of band.
type SubmitResponse struct {
	ExecutionID   string            `json:"executionId"`
	StatementName string            `json:"statementName"`
	Adapter       model.AdapterKind `json:"adapter"`
}

// StatementRef addresses a submitted statement by execution id, or by
// model.LatestStatement plus the executionArn it was submitted for.
type StatementRef struct {
	ID           string
	ExecutionArn string
}

// Handle routes one raw inbound request by its shape: a notification batch,
// a statement submission, or a statement query by id.
func (e *Engine) Handle(ctx context.Context, raw []byte) (any, error) {
	var fields callback.Fields
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: request must be a JSON object", ErrInvalidRequest)
	}

	switch {
	case fields.Has(model.FieldRecords):
		var event struct {
			Records []Message `json:"Records"`
		}
		if err := json.Unmarshal(raw, &event); err != nil {
			return nil, fmt.Errorf("%w: decode records: %v", ErrInvalidRequest, err)
		}
		return e.ProcessBatch(ctx, event.Records), nil

	case fields.Has(model.FieldSQLStatement):
		req, err := ParseSubmitRequest(fields)
		if err != nil {
			return nil, err
		}
		return e.Submit(ctx, req)

	case fields.Has(model.FieldStatementID):
		ref := StatementRef{
			ID:           fields.String(model.FieldStatementID),
			ExecutionArn: fields.String(model.FieldExecutionArn),
		}
		action, err := actionOf(fields)
		if err != nil {
			return nil, err
		}
		switch action {
		case model.ActionDescribeStatement:
			return e.Describe(ctx, ref)
		case model.ActionGetStatementResult:
			return e.FetchResult(ctx, ref, fields.String(model.FieldNextToken))
		case model.ActionCancelStatement:
			return e.Cancel(ctx, ref)
		default:
			return nil, fmt.Errorf("%w: unsupported action %q for statementId", ErrInvalidRequest, action)
		}

	default:
		return nil, fmt.Errorf("%w: expected %s, %s or %s", ErrInvalidRequest,
			model.FieldRecords, model.FieldSQLStatement, model.FieldStatementID)
	}
}

// ParseSubmitRequest builds a SubmitRequest from the fields of a submission.
func ParseSubmitRequest(fields callback.Fields) (SubmitRequest, error) {
	var sql string
	if err := json.Unmarshal(fields[model.FieldSQLStatement], &sql); err != nil {
		return SubmitRequest{}, fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, model.FieldSQLStatement)
	}

	action, err := actionOf(fields)
	if err != nil {
		return SubmitRequest{}, err
	}

	req := SubmitRequest{
		SQL:    sql,
		Action: action,
		Fields: fields,
	}
	if raw, ok := fields[model.FieldParameters]; ok {
		if err := json.Unmarshal(raw, &req.Parameters); err != nil {
			return SubmitRequest{}, fmt.Errorf("%w: %s must be a list of {name, value}: %v", ErrInvalidRequest, model.FieldParameters, err)
		}
	}
	return req, nil
}

// actionOf decodes the optional action field. An absent or null action is
// empty; any other non-string value is rejected.
func actionOf(fields callback.Fields) (string, error) {
	raw, ok := fields[model.FieldAction]
	if !ok || string(raw) == "null" {
		return "", nil
	}
	var action string
	if err := json.Unmarshal(raw, &action); err != nil {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidRequest, model.FieldAction)
	}
	return action, nil
}

// Submit runs the submission flow: optional singleton check, adapter
// classification, backend submission, then recording the adapter state
// under a newly generated statement name.
//
// The singleton check and the submission are not atomic. Two concurrent
// submissions of the same SQL may both pass the check.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	if strings.TrimSpace(req.SQL) == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidRequest, model.FieldSQLStatement)
	}

	var singleton bool
	switch req.Action {
	case "", model.ActionExecuteStatement:
	case model.ActionExecuteSingletonStatement:
		singleton = true
	default:
		return nil, fmt.Errorf("%w: unsupported action %q for %s", ErrInvalidRequest, req.Action, model.FieldSQLStatement)
	}

	if singleton {
		active, err := e.client.FindActive(ctx, req.SQL)
		if err != nil {
			return nil, fmt.Errorf("singleton check: %w", err)
		}
		if active {
			singletonRejections.Inc()
			return nil, ErrConcurrentExecution
		}
	}

	state, err := e.adapters.NewState(req.Fields)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	name := model.NewStatementName()
	out, err := e.client.Submit(ctx, backend.SubmitInput{
		SQL:           req.SQL,
		StatementName: name,
		WithEvent:     state.Kind != model.AdapterNone,
		Parameters:    req.Parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("submit statement: %w", err)
	}

	now := e.now().UTC()
	rec := &model.ExecutionRecord{
		StatementName: name,
		ExecutionID:   out.ExecutionID,
		SQL:           req.SQL,
		Adapter:       state,
		SubmittedAt:   now,
	}
	if e.recordTTL > 0 {
		expires := now.Add(e.recordTTL)
		rec.ExpiresAt = &expires
	}

	if err := e.store.RecordSubmission(ctx, rec); err != nil {
		e.logger.Error("failed to record submission",
			"statement_name", name,
			"execution_id", out.ExecutionID,
			"error", err,
		)
		return nil, fmt.Errorf("record submission: %w", err)
	}

	statementsSubmitted.WithLabelValues(string(state.Kind)).Inc()
	e.logger.Info("statement submitted",
		"statement_name", name,
		"execution_id", out.ExecutionID,
		"adapter", state.Kind,
		"singleton", singleton,
	)

	return &SubmitResponse{
		ExecutionID:   out.ExecutionID,
		StatementName: name,
		Adapter:       state.Kind,
	}, nil
}

// resolve turns ref into a backend execution id.
func (e *Engine) resolve(ctx context.Context, ref StatementRef) (string, error) {
	if ref.ID == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrInvalidRequest, model.FieldStatementID)
	}
	if ref.ID != model.LatestStatement {
		return ref.ID, nil
	}
	if ref.ExecutionArn == "" {
		return "", fmt.Errorf("%w: %s is required when %s is %s", ErrInvalidRequest,
			model.FieldExecutionArn, model.FieldStatementID, model.LatestStatement)
	}

	name, err := e.store.LatestStatementName(ctx, ref.ExecutionArn)
	if err != nil {
		return "", fmt.Errorf("resolve latest statement: %w", err)
	}
	id, err := e.client.LookupID(ctx, name)
	if err != nil {
		return "", fmt.Errorf("look up statement %s: %w", name, err)
	}
	return id, nil
}

// Describe returns the backend status of the referenced statement.
func (e *Engine) Describe(ctx context.Context, ref StatementRef) (*backend.Description, error) {
	id, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	desc, err := e.client.Describe(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("describe statement: %w", err)
	}
	return &desc, nil
}

// FetchResult returns one page of the referenced statement's result set.
func (e *Engine) FetchResult(ctx context.Context, ref StatementRef, nextToken string) (*backend.Result, error) {
	id, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := e.client.FetchResult(ctx, id, nextToken)
	if err != nil {
		return nil, fmt.Errorf("fetch result: %w", err)
	}
	return &res, nil
}

// Cancel cancels the referenced statement.
func (e *Engine) Cancel(ctx context.Context, ref StatementRef) (*backend.CancelOutput, error) {
	id, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	out, err := e.client.Cancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("cancel statement: %w", err)
	}
	e.logger.Info("statement cancel requested", "execution_id", id, "cancelled", out.Cancelled)
	return &out, nil
}

// Record returns the execution record stored under statementName.
func (e *Engine) Record(ctx context.Context, statementName string) (*model.ExecutionRecord, error) {
	return e.store.ResolveAdapter(ctx, statementName)
}

// Stats returns aggregate counts over execution records.
func (e *Engine) Stats(ctx context.Context) (*store.Stats, error) {
	return e.store.GetStats(ctx)
}
