package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/stmtrelay/internal/backend"
)

// ErrWaitTimeout is returned when a statement does not reach a terminal
// status within the wait timeout.
var ErrWaitTimeout = errors.New("wait timed out")

// Wait defaults and bounds.
const (
	DefaultWaitTimeout      = 30 * time.Second
	MaxWaitTimeout          = 15 * time.Minute
	DefaultWaitPollInterval = time.Second
	cancelOnTimeoutBudget   = 10 * time.Second
)

// WaitOptions bounds a synchronous wait on a statement.
type WaitOptions struct {
	// Timeout bounds the whole wait (default 30s, at most 15m).
	Timeout time.Duration
	// PollInterval is the delay between status checks (default 1s, or the
	// engine's WithWaitPollInterval).
	PollInterval time.Duration
	// CancelOnTimeout cancels the statement when the timeout expires.
	CancelOnTimeout bool
}

// WaitResult is the last status observed by Wait.
type WaitResult struct {
	Description backend.Description `json:"statement"`
	Cancelled   bool                `json:"cancelled"`
}

// Wait polls the referenced statement until it reaches a terminal status or
// the timeout expires. On timeout the last observed status is returned with
// ErrWaitTimeout, after cancelling the statement if opts asks for it.
func (e *Engine) Wait(ctx context.Context, ref StatementRef, opts WaitOptions) (*WaitResult, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultWaitTimeout
	}
	if opts.Timeout > MaxWaitTimeout {
		return nil, fmt.Errorf("%w: wait timeout %s exceeds %s", ErrInvalidRequest, opts.Timeout, MaxWaitTimeout)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = e.waitPoll
	}

	id, err := e.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()

	result := &WaitResult{}
	for {
		desc, err := e.client.Describe(waitCtx, id)
		switch {
		case err == nil:
			result.Description = desc
			if backend.IsTerminal(desc.Status) {
				return result, nil
			}
		case waitCtx.Err() == nil:
			return nil, fmt.Errorf("describe statement: %w", err)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return e.waitTimedOut(id, result, opts)
		case <-ticker.C:
		}
	}
}

func (e *Engine) waitTimedOut(id string, result *WaitResult, opts WaitOptions) (*WaitResult, error) {
	if opts.CancelOnTimeout {
		// The caller's context is already done; cancellation gets its own budget.
		ctx, cancel := context.WithTimeout(context.Background(), cancelOnTimeoutBudget)
		defer cancel()

		out, err := e.client.Cancel(ctx, id)
		if err != nil {
			e.logger.Error("failed to cancel statement after wait timeout", "execution_id", id, "error", err)
		} else {
			result.Cancelled = out.Cancelled
		}
	}
	e.logger.Info("statement wait timed out",
		"execution_id", id,
		"timeout_ms", opts.Timeout.Milliseconds(),
		"cancelled", result.Cancelled,
	)
	return result, ErrWaitTimeout
}
