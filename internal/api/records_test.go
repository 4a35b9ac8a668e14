package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/stmtrelay/internal/engine"
	"github.com/seantiz/stmtrelay/internal/model"
)

// readSSE collects event name and data pairs until the stream ends.
func readSSE(t *testing.T, resp *http.Response) [][2]string {
	t.Helper()
	var events [][2]string
	var name string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			events = append(events, [2]string{name, strings.TrimPrefix(line, "data: ")})
		}
	}
	return events
}

func TestGetRecord(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	sub := env.submit(t, `{"sqlStatement":"SELECT 1","taskToken":"tok","executionArn":"arn:exec:1"}`)

	resp, err := http.Get(ts.URL + "/v1/records/" + sub.StatementName)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var rec model.ExecutionRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.ExecutionID != sub.ExecutionID || rec.Adapter.Kind != model.AdapterTaskToken {
		t.Errorf("record = %+v", rec)
	}
	if rec.Adapter.CorrelationID != "arn:exec:1" {
		t.Errorf("correlation id = %q, want arn:exec:1", rec.Adapter.CorrelationID)
	}
	if rec.Handled {
		t.Error("new record is handled")
	}

	resp2, err := http.Get(ts.URL + "/v1/records/no-such-name")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("unknown record status = %d, want 404", resp2.StatusCode)
	}
}

func TestRecordEventsAlreadyHandled(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	ctx := context.Background()
	sub := env.submit(t, `{"sqlStatement":"SELECT 1","taskToken":"tok","executionArn":"arn:exec:1"}`)
	if err := env.mem.Fail(ctx, sub.ExecutionID, "division by zero"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if res := env.eng.ProcessBatch(ctx, []engine.Message{{ID: "m1", Body: env.sink.last()}}); res.Failed() {
		t.Fatalf("ProcessBatch: %v", res.Errors[0])
	}

	resp, err := http.Get(ts.URL + "/v1/records/" + sub.StatementName + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	events := readSSE(t, resp)
	if len(events) != 2 || events[0][0] != "completion" || events[1][0] != "done" {
		t.Fatalf("events = %v", events)
	}

	var c engine.Completion
	if err := json.Unmarshal([]byte(events[0][1]), &c); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if c.State != model.StateFailed || c.Outcome != "failure" {
		t.Errorf("completion = %+v", c)
	}
}

func TestRecordEventsLive(t *testing.T) {
	env := newTestEnv(t)
	env.mem.SetNotifier(env.eng.LocalDelivery(3, 10*time.Millisecond))
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	sub := env.submit(t, `{"sqlStatement":"SELECT 1","taskToken":"tok","executionArn":"arn:exec:1"}`)

	resp, err := http.Get(ts.URL + "/v1/records/" + sub.StatementName + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if err := env.mem.Finish(context.Background(), sub.ExecutionID, nil, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	events := readSSE(t, resp)
	if len(events) != 2 || events[0][0] != "completion" || events[1][0] != "done" {
		t.Fatalf("events = %v", events)
	}
	var c engine.Completion
	if err := json.Unmarshal([]byte(events[0][1]), &c); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if c.ExecutionID != sub.ExecutionID || c.Outcome != "success" {
		t.Errorf("completion = %+v", c)
	}
	if completed, _ := env.tasks.counts(); completed != 1 {
		t.Errorf("task completions = %d, want 1", completed)
	}
}

func TestRecordEventsUnknown(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/records/no-such-name/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationEndpoint(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	sub := env.submit(t, `{"sqlStatement":"SELECT 1","taskToken":"tok","executionArn":"arn:exec:1"}`)
	if err := env.mem.Finish(context.Background(), sub.ExecutionID, nil, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	event := env.sink.last()

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/v1/notifications", event)
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", resp.StatusCode)
		}
	}
	if completed, _ := env.tasks.counts(); completed != 1 {
		t.Errorf("task completions = %d, want 1 after duplicate delivery", completed)
	}

	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `not json`, http.StatusBadRequest},
		{"unknown statement", `{"detail":{"statementName":"nobody","state":"FINISHED"}}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/notifications", tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestListAdapters(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/adapters")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var descriptors []struct {
		Kind     string   `json:"kind"`
		Required []string `json:"required"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&descriptors); err != nil {
		t.Fatalf("decode: %v", err)
	}
	kinds := map[string]bool{}
	for _, d := range descriptors {
		kinds[d.Kind] = true
	}
	for _, k := range []string{"task_token", "provisioning"} {
		if !kinds[k] {
			t.Errorf("adapter %q missing from %v", k, descriptors)
		}
	}
}

func TestListBackends(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/backends")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var infos []struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(infos) != 1 || infos[0].Name != "memory" {
		t.Errorf("backends = %v", infos)
	}
}
