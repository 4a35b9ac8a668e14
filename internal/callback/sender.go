package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/seantiz/stmtrelay/internal/model"
)

// Sender delivers the completion of one statement to its caller. Senders
// must tolerate a duplicate delivery of the same completion.
type Sender interface {
	SendSuccess(ctx context.Context, statementName string, n *model.Notification) error
	SendFailure(ctx context.Context, statementName string, n *model.Notification) error
}

// TaskCompleter resumes or fails a workflow task identified by a task token.
type TaskCompleter interface {
	CompleteTask(ctx context.Context, token string, output []byte) error
	FailTask(ctx context.Context, token, errorCode string, cause []byte) error
}

// Dispatcher builds the sender for a recorded adapter state.
type Dispatcher struct {
	tasks        TaskCompleter
	provisioning *ProvisioningClient
	logger       *slog.Logger
}

// NewDispatcher creates a dispatcher. tasks may be nil when no workflow
// engine is configured; task token callbacks then fail.
func NewDispatcher(tasks TaskCompleter, provisioning *ProvisioningClient, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		tasks:        tasks,
		provisioning: provisioning,
		logger:       logger,
	}
}

// SenderFor returns the sender for state's adapter kind.
func (d *Dispatcher) SenderFor(state model.AdapterState) (Sender, error) {
	switch state.Kind {
	case model.AdapterNone, "":
		return nullSender{logger: d.logger}, nil
	case model.AdapterTaskToken:
		if d.tasks == nil {
			return nil, fmt.Errorf("no task completer configured for %s adapter", state.Kind)
		}
		return taskSender{tasks: d.tasks, token: state.String(FieldTaskToken)}, nil
	case model.AdapterProvisioning:
		if d.provisioning == nil {
			return nil, fmt.Errorf("no provisioning client configured for %s adapter", state.Kind)
		}
		return provisioningSender{client: d.provisioning, state: state}, nil
	default:
		return nil, fmt.Errorf("unknown adapter kind %q", state.Kind)
	}
}

// nullSender logs completions that nobody is waiting for.
type nullSender struct {
	logger *slog.Logger
}

func (s nullSender) SendSuccess(_ context.Context, statementName string, n *model.Notification) error {
	s.logger.Info("no callback for succeeded statement", "statement_name", statementName, "state", n.State)
	return nil
}

func (s nullSender) SendFailure(_ context.Context, statementName string, n *model.Notification) error {
	s.logger.Info("no callback for failed statement",
		"statement_name", statementName,
		"state", n.State,
		"statement_error", n.ErrorText(),
	)
	return nil
}

// taskFailureCode is the error code reported on failed task tokens.
const taskFailureCode = model.StateFailed

// taskSender completes a workflow task with the notification as output.
type taskSender struct {
	tasks TaskCompleter
	token string
}

func (s taskSender) SendSuccess(ctx context.Context, _ string, n *model.Notification) error {
	output, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal task output: %w", err)
	}
	return s.tasks.CompleteTask(ctx, s.token, output)
}

func (s taskSender) SendFailure(ctx context.Context, _ string, n *model.Notification) error {
	cause, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal task cause: %w", err)
	}
	return s.tasks.FailTask(ctx, s.token, taskFailureCode, cause)
}
