// Package memory implements an in-process statement backend. Statements are
// held in memory and completed explicitly (Finish, Fail, Abort) or after a
// fixed delay, emitting the same completion event shape the Redshift Data API
// publishes. It backs development mode and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/stmtrelay/internal/backend"
)

// DefaultPageSize is the number of records returned per FetchResult page.
const DefaultPageSize = 100

// eventSource is the source field of emitted completion events.
const eventSource = "stmtrelay.memory"

// NotifyFunc receives the JSON body of a completion event.
type NotifyFunc func(ctx context.Context, body []byte)

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the function invoked with each completion event of a
// statement submitted with WithEvent.
func WithNotifier(fn NotifyFunc) Option {
	return func(e *Engine) { e.notify = fn }
}

// WithAutoFinish completes every submitted statement with FINISHED after d.
func WithAutoFinish(d time.Duration) Option {
	return func(e *Engine) { e.autoFinish = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPageSize overrides the FetchResult page size.
func WithPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

type statement struct {
	desc      backend.Description
	withEvent bool
	params    []backend.Parameter
	columns   []string
	records   [][]any
}

// Engine is an in-memory statement backend. It is safe for concurrent use.
type Engine struct {
	mu         sync.Mutex
	stmts      map[string]*statement
	notify     NotifyFunc
	autoFinish time.Duration
	now        func() time.Time
	pageSize   int
}

// Compile-time interface satisfaction check.
var _ backend.Client = (*Engine)(nil)

// New creates an empty in-memory backend.
func New(opts ...Option) *Engine {
	e := &Engine{
		stmts:    make(map[string]*statement),
		now:      time.Now,
		pageSize: DefaultPageSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetNotifier replaces the completion notifier. It exists so the process
// entry point can connect the backend to an engine constructed after it.
func (e *Engine) SetNotifier(fn NotifyFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = fn
}

// Submit records the statement as SUBMITTED and returns a new execution id.
func (e *Engine) Submit(_ context.Context, in backend.SubmitInput) (backend.SubmitOutput, error) {
	if in.SQL == "" {
		return backend.SubmitOutput{}, backend.Rejected("submit", fmt.Errorf("empty sql"))
	}

	now := e.now().UTC()
	id := uuid.NewString()

	e.mu.Lock()
	e.stmts[id] = &statement{
		desc: backend.Description{
			ExecutionID:   id,
			StatementName: in.StatementName,
			QueryString:   in.SQL,
			Status:        backend.StatusSubmitted,
			CreatedAt:     &now,
			UpdatedAt:     &now,
		},
		withEvent: in.WithEvent,
		params:    in.Parameters,
	}
	e.mu.Unlock()

	if e.autoFinish > 0 {
		time.AfterFunc(e.autoFinish, func() {
			_ = e.Finish(context.Background(), id, nil, nil)
		})
	}

	return backend.SubmitOutput{
		ExecutionID:   id,
		StatementName: in.StatementName,
		CreatedAt:     now,
	}, nil
}

// Start moves a submitted statement to STARTED.
func (e *Engine) Start(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.stmts[id]
	if !ok {
		return backend.Rejected("start", fmt.Errorf("statement %s not found", id))
	}
	if !backend.IsActive(st.desc.Status) {
		return backend.Rejected("start", fmt.Errorf("statement %s is %s", id, st.desc.Status))
	}
	st.desc.Status = backend.StatusStarted
	return nil
}

// Finish completes a statement successfully with the given result set.
func (e *Engine) Finish(ctx context.Context, id string, columns []string, records [][]any) error {
	return e.complete(ctx, id, backend.StatusFinished, "", func(st *statement) {
		st.columns = columns
		st.records = records
		st.desc.HasResultSet = len(columns) > 0
		st.desc.ResultRows = int64(len(records))
	})
}

// Fail completes a statement with FAILED and the given error text.
func (e *Engine) Fail(ctx context.Context, id, msg string) error {
	return e.complete(ctx, id, backend.StatusFailed, msg, nil)
}

// Abort completes a statement with ABORTED.
func (e *Engine) Abort(ctx context.Context, id string) error {
	return e.complete(ctx, id, backend.StatusAborted, "statement aborted", nil)
}

func (e *Engine) complete(ctx context.Context, id, status, errMsg string, mutate func(*statement)) error {
	e.mu.Lock()
	st, ok := e.stmts[id]
	if !ok {
		e.mu.Unlock()
		return backend.Rejected("complete", fmt.Errorf("statement %s not found", id))
	}
	if backend.IsTerminal(st.desc.Status) {
		e.mu.Unlock()
		return backend.Rejected("complete", fmt.Errorf("statement %s already %s", id, st.desc.Status))
	}

	now := e.now().UTC()
	st.desc.Status = status
	st.desc.Error = errMsg
	st.desc.UpdatedAt = &now
	if mutate != nil {
		mutate(st)
	}
	desc := st.desc
	withEvent := st.withEvent
	notify := e.notify
	e.mu.Unlock()

	if withEvent && notify != nil {
		body, err := completionEvent(desc)
		if err != nil {
			return fmt.Errorf("encode completion event: %w", err)
		}
		notify(ctx, body)
	}
	return nil
}

// completionEvent builds the completion event body for desc.
func completionEvent(desc backend.Description) ([]byte, error) {
	return json.Marshal(map[string]any{
		"source":      eventSource,
		"detail-type": "Statement Status Change",
		"detail": map[string]any{
			"statementName": desc.StatementName,
			"statementId":   desc.ExecutionID,
			"state":         desc.Status,
			"rows":          desc.ResultRows,
		},
	})
}

// Describe returns the statement's current description.
func (e *Engine) Describe(_ context.Context, id string) (backend.Description, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.stmts[id]
	if !ok {
		return backend.Description{}, backend.Rejected("describe", fmt.Errorf("statement %s not found", id))
	}
	return st.desc, nil
}

// FetchResult returns one page of a finished statement's records. The page
// token is the offset of the next record.
func (e *Engine) FetchResult(_ context.Context, id, nextToken string) (backend.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.stmts[id]
	if !ok {
		return backend.Result{}, backend.Rejected("fetch result", fmt.Errorf("statement %s not found", id))
	}
	if st.desc.Status != backend.StatusFinished {
		return backend.Result{}, backend.Rejected("fetch result", fmt.Errorf("statement %s is %s", id, st.desc.Status))
	}

	offset := 0
	if nextToken != "" {
		n, err := strconv.Atoi(nextToken)
		if err != nil || n < 0 || n > len(st.records) {
			return backend.Result{}, backend.Rejected("fetch result", fmt.Errorf("invalid next token %q", nextToken))
		}
		offset = n
	}

	end := min(offset+e.pageSize, len(st.records))
	res := backend.Result{
		Columns:   st.columns,
		Records:   st.records[offset:end],
		TotalRows: int64(len(st.records)),
	}
	if end < len(st.records) {
		res.NextToken = strconv.Itoa(end)
	}
	return res, nil
}

// Cancel aborts an active statement. Cancelling a terminal statement is not
// an error; it reports Cancelled=false.
func (e *Engine) Cancel(ctx context.Context, id string) (backend.CancelOutput, error) {
	e.mu.Lock()
	st, ok := e.stmts[id]
	if !ok {
		e.mu.Unlock()
		return backend.CancelOutput{}, backend.Rejected("cancel", fmt.Errorf("statement %s not found", id))
	}
	active := backend.IsActive(st.desc.Status)
	e.mu.Unlock()

	if !active {
		return backend.CancelOutput{Cancelled: false}, nil
	}
	if err := e.Abort(ctx, id); err != nil {
		return backend.CancelOutput{}, err
	}
	return backend.CancelOutput{Cancelled: true}, nil
}

// FindActive reports whether a statement with identical SQL is active.
func (e *Engine) FindActive(_ context.Context, sql string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, st := range e.stmts {
		if st.desc.QueryString == sql && backend.IsActive(st.desc.Status) {
			return true, nil
		}
	}
	return false, nil
}

// LookupID returns the newest execution id submitted with statementName.
func (e *Engine) LookupID(_ context.Context, statementName string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		bestID string
		bestAt time.Time
	)
	for id, st := range e.stmts {
		if st.desc.StatementName != statementName {
			continue
		}
		if bestID == "" || st.desc.CreatedAt.After(bestAt) {
			bestID = id
			bestAt = *st.desc.CreatedAt
		}
	}
	if bestID == "" {
		return "", backend.Rejected("lookup id", fmt.Errorf("no statement named %s", statementName))
	}
	return bestID, nil
}

// Capabilities reports what the memory backend supports.
func (e *Engine) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:          backend.DriverMemory,
		Notifications: true,
		Parameters:    true,
	}
}
