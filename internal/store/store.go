// Package store persists the mapping from a statement name to the adapter
// state recorded when the statement was submitted.
//
// The store is the only state shared between independently scaled
// submission and completion processes. MarkHandled is its single
// synchronization primitive: a conditional update that lets exactly one
// concurrent delivery of a completion win.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/seantiz/stmtrelay/internal/model"
)

// ErrDuplicateStatementName is returned when a record with the same
// statement name already exists.
var ErrDuplicateStatementName = errors.New("duplicate statement name")

// ErrUnknownStatementName is returned when no live record exists for a
// statement name or correlation id. Expired records are unknown even when
// they are still physically present.
var ErrUnknownStatementName = errors.New("unknown statement name")

// MarkResult is the outcome of MarkHandled.
type MarkResult int

// Mark results.
const (
	// Recorded means this call marked the record handled.
	Recorded MarkResult = iota + 1
	// AlreadyHandled means an earlier call marked the record; nothing changed.
	AlreadyHandled
)

func (r MarkResult) String() string {
	switch r {
	case Recorded:
		return "recorded"
	case AlreadyHandled:
		return "already_handled"
	default:
		return "unknown"
	}
}

// Stats holds aggregate counts over execution records.
type Stats struct {
	Total          int            `json:"total"`
	Handled        int            `json:"handled"`
	Pending        int            `json:"pending"`
	CountByAdapter map[string]int `json:"count_by_adapter"`
}

// Store defines the persistence operations for execution records.
type Store interface {
	RecordSubmission(ctx context.Context, rec *model.ExecutionRecord) error
	ResolveAdapter(ctx context.Context, statementName string) (*model.ExecutionRecord, error)
	MarkHandled(ctx context.Context, statementName string, detail json.RawMessage) (MarkResult, error)
	LatestStatementName(ctx context.Context, correlationID string) (string, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}

// Option configures a store implementation.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock sets the clock used for handled timestamps and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newStats() *Stats {
	return &Stats{CountByAdapter: make(map[string]int)}
}
