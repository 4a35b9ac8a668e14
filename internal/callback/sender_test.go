package callback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"

	"github.com/seantiz/stmtrelay/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testNotification(t *testing.T, state string) *model.Notification {
	t.Helper()
	n, err := model.ParseNotification([]byte(`{"detail":{"statementName":"01NAME","statementId":"sid","state":"` + state + `"}}`))
	if err != nil {
		t.Fatalf("ParseNotification: %v", err)
	}
	return n
}

// recordingTasks is a TaskCompleter that records calls.
type recordingTasks struct {
	mu        sync.Mutex
	completed []string
	failed    []string
	cause     []byte
}

func (r *recordingTasks) CompleteTask(_ context.Context, token string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, token)
	return nil
}

func (r *recordingTasks) FailTask(_ context.Context, token, _ string, cause []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, token)
	r.cause = cause
	return nil
}

func TestDispatcherTaskToken(t *testing.T) {
	tasks := &recordingTasks{}
	d := NewDispatcher(tasks, nil, discardLogger())
	state := model.AdapterState{
		Kind:   model.AdapterTaskToken,
		Fields: map[string]json.RawMessage{FieldTaskToken: json.RawMessage(`"tok1"`)},
	}

	s, err := d.SenderFor(state)
	if err != nil {
		t.Fatalf("SenderFor: %v", err)
	}
	if err := s.SendSuccess(context.Background(), "01NAME", testNotification(t, model.StateFinished)); err != nil {
		t.Fatalf("SendSuccess: %v", err)
	}
	n := testNotification(t, model.StateFailed)
	n.SetError("boom")
	if err := s.SendFailure(context.Background(), "01NAME", n); err != nil {
		t.Fatalf("SendFailure: %v", err)
	}

	if len(tasks.completed) != 1 || tasks.completed[0] != "tok1" {
		t.Errorf("completed = %v, want [tok1]", tasks.completed)
	}
	if len(tasks.failed) != 1 || !strings.Contains(string(tasks.cause), "boom") {
		t.Errorf("failed = %v cause = %s", tasks.failed, tasks.cause)
	}
}

func TestDispatcherNullNeverFails(t *testing.T) {
	d := NewDispatcher(nil, nil, discardLogger())
	s, err := d.SenderFor(model.AdapterState{Kind: model.AdapterNone})
	if err != nil {
		t.Fatalf("SenderFor: %v", err)
	}
	if err := s.SendSuccess(context.Background(), "x", testNotification(t, model.StateFinished)); err != nil {
		t.Errorf("SendSuccess: %v", err)
	}
	if err := s.SendFailure(context.Background(), "x", testNotification(t, model.StateAborted)); err != nil {
		t.Errorf("SendFailure: %v", err)
	}
}

func TestDispatcherUnconfigured(t *testing.T) {
	d := NewDispatcher(nil, nil, discardLogger())
	for _, kind := range []model.AdapterKind{model.AdapterTaskToken, model.AdapterProvisioning, "carrier_pigeon"} {
		if _, err := d.SenderFor(model.AdapterState{Kind: kind}); err == nil {
			t.Errorf("SenderFor(%s) returned nil error", kind)
		}
	}
}

func provisioningState(requestType, responseURL string) model.AdapterState {
	raw := func(s string) json.RawMessage {
		b, _ := json.Marshal(s)
		return b
	}
	return model.AdapterState{
		Kind:          model.AdapterProvisioning,
		CorrelationID: "logical",
		Fields: map[string]json.RawMessage{
			FieldRequestType:        raw(requestType),
			FieldResponseURL:        raw(responseURL),
			FieldStackID:            raw("stack"),
			FieldRequestID:          raw("req"),
			FieldResourceType:       raw("Custom::User"),
			FieldLogicalResourceID:  raw("logical"),
			FieldPhysicalResourceID: raw("physical-1"),
		},
	}
}

func TestProvisioningSuccessPut(t *testing.T) {
	var got ProvisioningResponse
	var method, contentType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("unmarshal: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client, err := NewProvisioningClient(ProvisioningConfig{Retries: 0}, discardLogger())
	if err != nil {
		t.Fatalf("NewProvisioningClient: %v", err)
	}
	d := NewDispatcher(nil, client, discardLogger())
	s, err := d.SenderFor(provisioningState("Create", ts.URL))
	if err != nil {
		t.Fatalf("SenderFor: %v", err)
	}

	if err := s.SendSuccess(context.Background(), "01NAME", testNotification(t, model.StateFinished)); err != nil {
		t.Fatalf("SendSuccess: %v", err)
	}

	if method != http.MethodPut {
		t.Errorf("method = %s, want PUT", method)
	}
	if contentType != "" {
		t.Errorf("Content-Type = %q, want empty", contentType)
	}
	if got.Status != StatusSuccess {
		t.Errorf("Status = %q, want SUCCESS", got.Status)
	}
	if got.PhysicalResourceID != "01NAME" {
		t.Errorf("PhysicalResourceId = %q, want statement name for Create", got.PhysicalResourceID)
	}
	if got.StackID != "stack" || got.RequestID != "req" || got.LogicalResourceID != "logical" {
		t.Errorf("echoed ids = %+v", got)
	}
}

func TestProvisioningFailureReusesPhysicalID(t *testing.T) {
	var got ProvisioningResponse
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client, _ := NewProvisioningClient(ProvisioningConfig{}, discardLogger())
	s := provisioningSender{client: client, state: provisioningState("Delete", ts.URL)}

	if err := s.SendFailure(context.Background(), "01NAME", testNotification(t, model.StateFailed)); err != nil {
		t.Fatalf("SendFailure: %v", err)
	}
	if got.Status != StatusFailed {
		t.Errorf("Status = %q, want FAILED", got.Status)
	}
	if got.PhysicalResourceID != "physical-1" {
		t.Errorf("PhysicalResourceId = %q, want physical-1", got.PhysicalResourceID)
	}
	if !strings.HasPrefix(got.Reason, "See ") {
		t.Errorf("Reason = %q, want See ...", got.Reason)
	}
}

func TestProvisioningRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client, _ := NewProvisioningClient(ProvisioningConfig{Retries: 3, Backoff: time.Millisecond}, discardLogger())
	if err := client.Send(context.Background(), ts.URL, ProvisioningResponse{Status: StatusSuccess}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestProvisioningNoRetryOn4xx(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	client, _ := NewProvisioningClient(ProvisioningConfig{Retries: 3, Backoff: time.Millisecond}, discardLogger())
	err := client.Send(context.Background(), ts.URL, ProvisioningResponse{})
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Code != http.StatusForbidden {
		t.Fatalf("Send error = %v, want 403 StatusError", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestNewProvisioningClientRejectsNegativeRetries(t *testing.T) {
	if _, err := NewProvisioningClient(ProvisioningConfig{Retries: -1}, discardLogger()); err == nil {
		t.Fatal("expected error for negative retries")
	}
}

// fakeSFN is an SFNAPI returning configured errors.
type fakeSFN struct {
	successErr error
	failureErr error
	failureIn  *sfn.SendTaskFailureInput
}

func (f *fakeSFN) SendTaskSuccess(_ context.Context, _ *sfn.SendTaskSuccessInput, _ ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error) {
	return &sfn.SendTaskSuccessOutput{}, f.successErr
}

func (f *fakeSFN) SendTaskFailure(_ context.Context, in *sfn.SendTaskFailureInput, _ ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error) {
	f.failureIn = in
	return &sfn.SendTaskFailureOutput{}, f.failureErr
}

func TestStepFunctionsAlreadyCompletedIsBenign(t *testing.T) {
	api := &fakeSFN{
		successErr: &types.TaskTimedOut{Message: aws.String("timed out")},
		failureErr: &types.TaskDoesNotExist{Message: aws.String("gone")},
	}
	s := NewStepFunctions(api, discardLogger())

	if err := s.CompleteTask(context.Background(), "tok", []byte(`{}`)); err != nil {
		t.Errorf("CompleteTask on timed-out task: %v", err)
	}
	if err := s.FailTask(context.Background(), "tok", "FAILED", []byte(`{}`)); err != nil {
		t.Errorf("FailTask on missing task: %v", err)
	}
	if aws.ToString(api.failureIn.Error) != "FAILED" {
		t.Errorf("Error = %q, want FAILED", aws.ToString(api.failureIn.Error))
	}
}

func TestStepFunctionsOtherErrorsSurface(t *testing.T) {
	api := &fakeSFN{successErr: errors.New("throttled")}
	s := NewStepFunctions(api, discardLogger())

	if err := s.CompleteTask(context.Background(), "tok", []byte(`{}`)); err == nil {
		t.Fatal("CompleteTask returned nil error for throttling")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 10, "abc"},
		{"ascii cut", "abcdef", 3, "abc"},
		{"cut inside two-byte rune", strings.Repeat("a", 1023) + "é", 1024, strings.Repeat("a", 1023)},
		{"cut inside four-byte rune", "ab😀", 4, "ab"},
		{"cut after rune", "é!", 2, "é"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
			}
			if !utf8.ValidString(got) {
				t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", tt.in, tt.n, got)
			}
		})
	}
}
