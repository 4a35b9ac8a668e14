package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// localEnv configures the memory backend on a temporary SQLite file.
func localEnv(t *testing.T) {
	t.Helper()
	t.Setenv("STMTRELAY_CONFIG", "")
	t.Setenv("STMTRELAY_QUEUE_URL", "")
	t.Setenv("STMTRELAY_STORE", "sqlite")
	t.Setenv("STMTRELAY_DB_PATH", filepath.Join(t.TempDir(), "stmtrelay.db"))
	t.Setenv("STMTRELAY_BACKEND", "memory")
}

func runCommand(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestInvokeSubmitFromStdin(t *testing.T) {
	localEnv(t)

	out, err := runCommand(t, `{"sqlStatement":"SELECT 1","taskToken":"tok","executionArn":"arn:exec:1"}`, "invoke", "-")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	var resp struct {
		ExecutionID   string `json:"executionId"`
		StatementName string `json:"statementName"`
		Adapter       string `json:"adapter"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if resp.ExecutionID == "" || resp.StatementName == "" || resp.Adapter != "task_token" {
		t.Errorf("response = %+v", resp)
	}
}

func TestInvokeFromFile(t *testing.T) {
	localEnv(t)
	path := filepath.Join(t.TempDir(), "event.json")
	if err := os.WriteFile(path, []byte(`{"Records":[{"messageId":"m1","body":"{}"}]}`), 0o600); err != nil {
		t.Fatalf("write event: %v", err)
	}

	out, err := runCommand(t, "", "invoke", path)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if !strings.Contains(out, `"itemIdentifier": "m1"`) {
		t.Errorf("output = %s, want m1 reported as failed", out)
	}
}

func TestInvokeInvalidRequest(t *testing.T) {
	localEnv(t)

	if _, err := runCommand(t, `{"hello":"world"}`, "invoke"); err == nil {
		t.Fatal("invoke accepted an unrecognized request")
	}
}

func TestInvalidConfigFailsFast(t *testing.T) {
	localEnv(t)
	t.Setenv("STMTRELAY_STORE", "postgres")

	_, err := runCommand(t, `{"sqlStatement":"SELECT 1"}`, "invoke")
	if err == nil || !strings.Contains(err.Error(), "unknown store driver") {
		t.Errorf("error = %v, want unknown store driver", err)
	}
}

func TestConsumeRequiresQueue(t *testing.T) {
	localEnv(t)

	_, err := runCommand(t, "", "consume")
	if err == nil || !strings.Contains(err.Error(), "queue URL") {
		t.Errorf("error = %v, want missing queue URL", err)
	}
}
