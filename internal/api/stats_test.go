package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seantiz/stmtrelay/internal/engine"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 || stats.Handled != 0 || stats.Pending != 0 {
		t.Errorf("stats = %+v, want zero counts", stats)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.submit(t, `{"sqlStatement":"SELECT 1","taskToken":"tok-1","executionArn":"arn:exec:1"}`)
	env.submit(t, `{"sqlStatement":"SELECT 2","taskToken":"tok-2","executionArn":"arn:exec:2"}`)
	env.submit(t, `{"sqlStatement":"SELECT 3"}`)

	if err := env.mem.Finish(ctx, first.ExecutionID, nil, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if res := env.eng.ProcessBatch(ctx, []engine.Message{{ID: "m1", Body: env.sink.last()}}); res.Failed() {
		t.Fatalf("ProcessBatch: %v", res.Errors[0])
	}

	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.Handled != 1 || stats.Pending != 2 {
		t.Errorf("handled/pending = %d/%d, want 1/2", stats.Handled, stats.Pending)
	}
	if stats.ByAdapter["task_token"] != 2 {
		t.Errorf("by_adapter[task_token] = %d, want 2", stats.ByAdapter["task_token"])
	}
	if stats.ByAdapter["none"] != 1 {
		t.Errorf("by_adapter[none] = %d, want 1", stats.ByAdapter["none"])
	}
}
