package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/stmtrelay/internal/backend"
)

// eventRecorder collects completion events emitted by the engine.
type eventRecorder struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (r *eventRecorder) notify(_ context.Context, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bodies = append(r.bodies, body)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bodies)
}

func TestSubmitAndDescribe(t *testing.T) {
	e := New()
	ctx := context.Background()

	out, err := e.Submit(ctx, backend.SubmitInput{SQL: "SELECT 1", StatementName: "s1"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if out.ExecutionID == "" {
		t.Fatal("Submit returned empty execution id")
	}

	desc, err := e.Describe(ctx, out.ExecutionID)
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if desc.Status != backend.StatusSubmitted {
		t.Errorf("Status = %q, want SUBMITTED", desc.Status)
	}
	if desc.StatementName != "s1" {
		t.Errorf("StatementName = %q, want s1", desc.StatementName)
	}
}

func TestSubmitEmptySQLRejected(t *testing.T) {
	e := New()
	_, err := e.Submit(context.Background(), backend.SubmitInput{})
	if !errors.Is(err, backend.ErrRejected) {
		t.Errorf("Submit error = %v, want ErrRejected", err)
	}
}

func TestFinishEmitsEventOnlyWithEvent(t *testing.T) {
	rec := &eventRecorder{}
	e := New(WithNotifier(rec.notify))
	ctx := context.Background()

	quiet, _ := e.Submit(ctx, backend.SubmitInput{SQL: "SELECT 1", StatementName: "quiet"})
	loud, _ := e.Submit(ctx, backend.SubmitInput{SQL: "SELECT 2", StatementName: "loud", WithEvent: true})

	if err := e.Finish(ctx, quiet.ExecutionID, nil, nil); err != nil {
		t.Fatalf("Finish quiet: %v", err)
	}
	if err := e.Fail(ctx, loud.ExecutionID, "syntax error"); err != nil {
		t.Fatalf("Fail loud: %v", err)
	}

	if rec.count() != 1 {
		t.Fatalf("events = %d, want 1", rec.count())
	}

	var event struct {
		Detail struct {
			StatementName string `json:"statementName"`
			StatementID   string `json:"statementId"`
			State         string `json:"state"`
		} `json:"detail"`
	}
	if err := json.Unmarshal(rec.bodies[0], &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if event.Detail.StatementName != "loud" || event.Detail.State != backend.StatusFailed {
		t.Errorf("event detail = %+v, want loud/FAILED", event.Detail)
	}
	if event.Detail.StatementID != loud.ExecutionID {
		t.Errorf("statementId = %q, want %q", event.Detail.StatementID, loud.ExecutionID)
	}
}

func TestCompleteTwiceRejected(t *testing.T) {
	e := New()
	ctx := context.Background()
	out, _ := e.Submit(ctx, backend.SubmitInput{SQL: "SELECT 1"})

	if err := e.Finish(ctx, out.ExecutionID, nil, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := e.Abort(ctx, out.ExecutionID); !errors.Is(err, backend.ErrRejected) {
		t.Errorf("Abort after Finish error = %v, want ErrRejected", err)
	}
}

func TestFindActive(t *testing.T) {
	e := New()
	ctx := context.Background()
	out, _ := e.Submit(ctx, backend.SubmitInput{SQL: "VACUUM"})

	active, err := e.FindActive(ctx, "VACUUM")
	if err != nil || !active {
		t.Fatalf("FindActive = %v, %v; want true", active, err)
	}

	_ = e.Finish(ctx, out.ExecutionID, nil, nil)

	active, _ = e.FindActive(ctx, "VACUUM")
	if active {
		t.Error("FindActive after finish = true, want false")
	}
}

func TestCancel(t *testing.T) {
	rec := &eventRecorder{}
	e := New(WithNotifier(rec.notify))
	ctx := context.Background()
	out, _ := e.Submit(ctx, backend.SubmitInput{SQL: "SELECT pg_sleep(60)", WithEvent: true})
	if err := e.Start(out.ExecutionID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	res, err := e.Cancel(ctx, out.ExecutionID)
	if err != nil || !res.Cancelled {
		t.Fatalf("Cancel = %+v, %v; want cancelled", res, err)
	}
	desc, _ := e.Describe(ctx, out.ExecutionID)
	if desc.Status != backend.StatusAborted {
		t.Errorf("Status = %q, want ABORTED", desc.Status)
	}
	if rec.count() != 1 {
		t.Errorf("events = %d, want 1", rec.count())
	}

	res, err = e.Cancel(ctx, out.ExecutionID)
	if err != nil || res.Cancelled {
		t.Errorf("second Cancel = %+v, %v; want not cancelled", res, err)
	}
}

func TestFetchResultPaging(t *testing.T) {
	e := New(WithPageSize(2))
	ctx := context.Background()
	out, _ := e.Submit(ctx, backend.SubmitInput{SQL: "SELECT n"})

	if _, err := e.FetchResult(ctx, out.ExecutionID, ""); !errors.Is(err, backend.ErrRejected) {
		t.Errorf("FetchResult before finish error = %v, want ErrRejected", err)
	}

	records := [][]any{{1}, {2}, {3}}
	_ = e.Finish(ctx, out.ExecutionID, []string{"n"}, records)

	page, err := e.FetchResult(ctx, out.ExecutionID, "")
	if err != nil {
		t.Fatalf("FetchResult: %v", err)
	}
	if len(page.Records) != 2 || page.NextToken != "2" || page.TotalRows != 3 {
		t.Fatalf("first page = %+v", page)
	}

	page, err = e.FetchResult(ctx, out.ExecutionID, page.NextToken)
	if err != nil {
		t.Fatalf("FetchResult page 2: %v", err)
	}
	if len(page.Records) != 1 || page.NextToken != "" {
		t.Errorf("second page = %+v", page)
	}
}

func TestLookupIDNewest(t *testing.T) {
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
	ctx := context.Background()

	_, _ = e.Submit(ctx, backend.SubmitInput{SQL: "SELECT 1", StatementName: "dup"})
	second, _ := e.Submit(ctx, backend.SubmitInput{SQL: "SELECT 1", StatementName: "dup"})

	id, err := e.LookupID(ctx, "dup")
	if err != nil {
		t.Fatalf("LookupID: %v", err)
	}
	if id != second.ExecutionID {
		t.Errorf("LookupID = %q, want newest %q", id, second.ExecutionID)
	}

	if _, err := e.LookupID(ctx, "missing"); !errors.Is(err, backend.ErrRejected) {
		t.Errorf("LookupID missing error = %v, want ErrRejected", err)
	}
}

func TestAutoFinish(t *testing.T) {
	done := make(chan []byte, 1)
	e := New(
		WithAutoFinish(5*time.Millisecond),
		WithNotifier(func(_ context.Context, body []byte) { done <- body }),
	)

	_, err := e.Submit(context.Background(), backend.SubmitInput{SQL: "SELECT 1", StatementName: "auto", WithEvent: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("auto finish did not emit a completion event")
	}
}
