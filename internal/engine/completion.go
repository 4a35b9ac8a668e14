package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/stmtrelay/internal/callback"
	"github.com/seantiz/stmtrelay/internal/model"
	"github.com/seantiz/stmtrelay/internal/store"
)

// ErrUnrecognizedState is returned for a notification whose state is not a
// known completion state.
var ErrUnrecognizedState = errors.New("unrecognized completion state")

// Message is one transport message carrying a completion notification.
type Message struct {
	ID   string `json:"messageId"`
	Body string `json:"body"`
}

// MessageError reports the failure of one batch message. It carries the
// original body so the transport can dead-letter the message.
type MessageError struct {
	MessageID string
	Body      string
	Err       error
}

func (e *MessageError) Error() string {
	return fmt.Sprintf("message %s: %v", e.MessageID, e.Err)
}

func (e *MessageError) Unwrap() error {
	return e.Err
}

// BatchItemFailure names one failed message for the transport.
type BatchItemFailure struct {
	ItemIdentifier string `json:"itemIdentifier"`
}

// BatchResult is the outcome of a batch. Only failed messages are listed;
// every other message completed and may be acknowledged.
type BatchResult struct {
	BatchItemFailures []BatchItemFailure `json:"batchItemFailures"`
	Errors            []*MessageError    `json:"-"`
}

// Failed reports whether any message failed.
func (r BatchResult) Failed() bool {
	return len(r.Errors) > 0
}

// Completion is published when a statement's completion has been handled.
type Completion struct {
	StatementName string            `json:"statement_name"`
	ExecutionID   string            `json:"execution_id"`
	State         string            `json:"state"`
	Outcome       string            `json:"outcome"`
	Adapter       model.AdapterKind `json:"adapter"`
	HandledAt     time.Time         `json:"handled_at"`
}

// CompletionOf rebuilds the completion of a handled record from its stored
// detail. It reports false for records that are not handled yet.
func CompletionOf(rec *model.ExecutionRecord) (Completion, bool) {
	if !rec.Handled {
		return Completion{}, false
	}
	c := Completion{
		StatementName: rec.StatementName,
		ExecutionID:   rec.ExecutionID,
		Adapter:       rec.Adapter.Kind,
	}
	if rec.HandledAt != nil {
		c.HandledAt = *rec.HandledAt
	}
	if n, err := model.ParseNotification(rec.Detail); err == nil {
		c.State = n.State
		c.Outcome = n.Outcome().String()
	}
	return c, true
}

// ProcessBatch handles every message of a notification batch independently.
// A failing message never stops its siblings; its error is collected in the
// result so the transport can redeliver that message alone.
func (e *Engine) ProcessBatch(ctx context.Context, msgs []Message) BatchResult {
	start := time.Now()
	errs := make([]error, len(msgs))

	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for _, group := range groupByStatement(msgs) {
		group := group
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			for _, i := range group {
				errs[i] = e.processIsolated(ctx, msgs[i])
			}
		}()
	}
	wg.Wait()

	result := BatchResult{BatchItemFailures: []BatchItemFailure{}}
	for i, err := range errs {
		if err == nil {
			continue
		}
		m := msgs[i]
		result.BatchItemFailures = append(result.BatchItemFailures, BatchItemFailure{ItemIdentifier: m.ID})
		result.Errors = append(result.Errors, &MessageError{MessageID: m.ID, Body: m.Body, Err: err})
		batchMessageFailures.WithLabelValues(failureReason(err)).Inc()
		e.logger.Error("completion message failed",
			"message_id", m.ID,
			"error", err,
		)
	}

	batchDuration.Observe(time.Since(start).Seconds())
	e.logger.Info("completion batch processed",
		"messages", len(msgs),
		"failed", len(result.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return result
}

// groupByStatement partitions batch indexes by the statement name each body
// names, keeping batch order within a group. Copies of one completion land
// in the same group and run one after another, so the second copy sees the
// record the first one marked handled. Bodies that do not parse get a group
// of their own.
func groupByStatement(msgs []Message) [][]int {
	var groups [][]int
	byName := make(map[string]int)
	for i, m := range msgs {
		n, err := model.ParseNotification([]byte(m.Body))
		if err != nil || n.StatementName == "" {
			groups = append(groups, []int{i})
			continue
		}
		g, ok := byName[n.StatementName]
		if !ok {
			g = len(groups)
			byName[n.StatementName] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], i)
	}
	return groups
}

// processIsolated turns a panic in one message into that message's error.
func (e *Engine) processIsolated(ctx context.Context, m Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing message: %v", r)
		}
	}()
	return e.processMessage(ctx, m)
}

func (e *Engine) processMessage(ctx context.Context, m Message) error {
	n, err := model.ParseNotification([]byte(m.Body))
	if err != nil {
		return err
	}

	rec, err := e.store.ResolveAdapter(ctx, n.StatementName)
	if err != nil {
		return fmt.Errorf("resolve adapter: %w", err)
	}
	if rec.Handled {
		completionsTotal.WithLabelValues(n.State, store.AlreadyHandled.String()).Inc()
		e.logger.Debug("completion already handled", "statement_name", n.StatementName, "message_id", m.ID)
		return nil
	}

	outcome := n.Outcome()
	if outcome == model.OutcomeUnknown {
		return fmt.Errorf("%w %q for %s", ErrUnrecognizedState, n.State, n.StatementName)
	}
	if outcome == model.OutcomeFailure {
		e.enrich(ctx, n, rec)
	}

	sender, err := e.dispatcher.SenderFor(rec.Adapter)
	if err != nil {
		return fmt.Errorf("select sender: %w", err)
	}
	e.deliver(ctx, sender, n, rec, outcome)

	detail, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode detail: %w", err)
	}
	res, err := e.store.MarkHandled(ctx, n.StatementName, detail)
	if err != nil {
		return fmt.Errorf("mark handled: %w", err)
	}
	completionsTotal.WithLabelValues(n.State, res.String()).Inc()
	if res == store.AlreadyHandled {
		e.logger.Debug("completion handled concurrently", "statement_name", n.StatementName)
		return nil
	}

	e.broker.Complete(Completion{
		StatementName: rec.StatementName,
		ExecutionID:   rec.ExecutionID,
		State:         n.State,
		Outcome:       outcome.String(),
		Adapter:       rec.Adapter.Kind,
		HandledAt:     e.now().UTC(),
	})
	e.logger.Info("completion handled",
		"statement_name", n.StatementName,
		"state", n.State,
		"adapter", rec.Adapter.Kind,
	)
	return nil
}

// enrich attaches the backend's error text to a failure notification.
// Errors are logged and never fail the message.
func (e *Engine) enrich(ctx context.Context, n *model.Notification, rec *model.ExecutionRecord) {
	id := n.StatementID
	if id == "" {
		id = rec.ExecutionID
	}
	desc, err := e.client.Describe(ctx, id)
	if err != nil {
		e.logger.Warn("failed to enrich failure detail",
			"statement_name", n.StatementName,
			"execution_id", id,
			"error", err,
		)
		return
	}
	if desc.Error != "" {
		n.SetError(desc.Error)
	}
}

// deliver sends the callback. Delivery errors are logged and counted; they
// do not prevent the completion from being marked handled.
func (e *Engine) deliver(ctx context.Context, sender callback.Sender, n *model.Notification, rec *model.ExecutionRecord, outcome model.Outcome) {
	var err error
	if outcome == model.OutcomeSuccess {
		err = sender.SendSuccess(ctx, rec.StatementName, n)
	} else {
		err = sender.SendFailure(ctx, rec.StatementName, n)
	}
	if err != nil {
		callbackErrors.WithLabelValues(string(rec.Adapter.Kind)).Inc()
		e.logger.Error("callback delivery failed",
			"statement_name", rec.StatementName,
			"adapter", rec.Adapter.Kind,
			"outcome", outcome.String(),
			"error", err,
		)
	}
}

// failureReason buckets a message error for metrics.
func failureReason(err error) string {
	switch {
	case errors.Is(err, model.ErrMalformedNotification):
		return "malformed"
	case errors.Is(err, store.ErrUnknownStatementName):
		return "unknown_statement"
	case errors.Is(err, ErrUnrecognizedState):
		return "unrecognized_state"
	default:
		return "internal"
	}
}

// LocalDelivery returns a notifier that feeds completion events straight
// into ProcessBatch, for backends that run in process. A failed event is
// redelivered up to attempts times, delay apart, mirroring a queue's
// redrive. Deliveries run asynchronously; Drain waits for them.
func (e *Engine) LocalDelivery(attempts int, delay time.Duration) func(ctx context.Context, body []byte) {
	if attempts < 1 {
		attempts = 1
	}
	return func(_ context.Context, body []byte) {
		msg := Message{ID: uuid.NewString(), Body: string(body)}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx := context.Background()
			for i := 0; i < attempts; i++ {
				if i > 0 {
					time.Sleep(delay)
				}
				if !e.ProcessBatch(ctx, []Message{msg}).Failed() {
					return
				}
			}
			e.logger.Error("local completion dropped after redelivery",
				"message_id", msg.ID,
				"attempts", attempts,
			)
		}()
	}
}
