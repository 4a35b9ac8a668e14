package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/seantiz/stmtrelay/internal/backend"
	"github.com/seantiz/stmtrelay/internal/backend/memory"
	"github.com/seantiz/stmtrelay/internal/callback"
	"github.com/seantiz/stmtrelay/internal/engine"
	"github.com/seantiz/stmtrelay/internal/store"
)

// recordingTasks is a TaskCompleter that records task tokens.
type recordingTasks struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (r *recordingTasks) CompleteTask(_ context.Context, token string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, token)
	return nil
}

func (r *recordingTasks) FailTask(_ context.Context, token, _ string, _ []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, token)
	return nil
}

func (r *recordingTasks) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed), len(r.failed)
}

// eventSink captures completion events emitted by the memory backend.
type eventSink struct {
	mu     sync.Mutex
	bodies []string
}

func (s *eventSink) notify(_ context.Context, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, string(body))
}

func (s *eventSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.bodies) == 0 {
		return ""
	}
	return s.bodies[len(s.bodies)-1]
}

type testEnv struct {
	srv   *Server
	eng   *engine.Engine
	mem   *memory.Engine
	tasks *recordingTasks
	sink  *eventSink
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	sink := &eventSink{}
	mem := memory.New(memory.WithNotifier(sink.notify))

	provisioning, err := callback.NewProvisioningClient(callback.ProvisioningConfig{}, logger)
	if err != nil {
		t.Fatalf("NewProvisioningClient: %v", err)
	}
	tasks := &recordingTasks{}
	eng := engine.NewEngine(s, mem, callback.DefaultRegistry(),
		callback.NewDispatcher(tasks, provisioning, logger), logger)
	t.Cleanup(eng.Drain)

	reg := backend.NewRegistry()
	reg.Register(backend.DriverMemory, mem)

	return &testEnv{
		srv:   NewServer(":0", reg, eng, logger),
		eng:   eng,
		mem:   mem,
		tasks: tasks,
		sink:  sink,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestEnv(t).srv
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/test")
	if err != nil {
		t.Fatalf("GET /test: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestPanicRecovery(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/panic", func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	if err != nil {
		t.Fatalf("GET /panic: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestCORSHeaders(t *testing.T) {
	srv := newTestServer(t)
	srv.Router().Get("/test", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/test", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /test: %v", err)
	}
	defer resp.Body.Close()

	if v := resp.Header.Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want %q", v, "*")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	srv := newTestEnv(t).srv
	srv.addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()

	if err := <-done; err != nil {
		t.Errorf("Run: %v", err)
	}
}

func (e *testEnv) submit(t *testing.T, body string) *engine.SubmitResponse {
	t.Helper()
	out, err := e.eng.Handle(context.Background(), []byte(body))
	if err != nil {
		t.Fatalf("Handle(%s): %v", body, err)
	}
	resp, ok := out.(*engine.SubmitResponse)
	if !ok {
		t.Fatalf("Handle(%s) returned %T", body, out)
	}
	return resp
}
