package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/seantiz/stmtrelay/internal/model"
)

// DefaultTimeout is the default HTTP request timeout for provisioning callbacks.
const DefaultTimeout = 10 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// DefaultBackoff is the delay before the first retry; it doubles per attempt.
const DefaultBackoff = 500 * time.Millisecond

// Provisioning response statuses.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// maxReasonLen bounds the Reason field; the whole response is size-limited
// by the provisioning service.
const maxReasonLen = 1024

// ProvisioningConfig configures the provisioning callback client.
type ProvisioningConfig struct {
	// Timeout is the per-request timeout (default 10s).
	Timeout time.Duration
	// Retries is the number of retry attempts on failure (default 3).
	Retries int
	// Backoff is the delay before the first retry (default 500ms).
	Backoff time.Duration
}

// ProvisioningResponse is the body PUT to the provisioning ResponseURL.
type ProvisioningResponse struct {
	Status             string `json:"Status"`
	Reason             string `json:"Reason"`
	PhysicalResourceID string `json:"PhysicalResourceId"`
	StackID            string `json:"StackId"`
	RequestID          string `json:"RequestId"`
	LogicalResourceID  string `json:"LogicalResourceId"`
	NoEcho             bool   `json:"NoEcho"`
	Data               any    `json:"Data"`
}

// StatusError is returned for non-2xx HTTP responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// ProvisioningClient PUTs provisioning responses, retrying with exponential
// backoff on 5xx responses and network errors. 4xx responses fail at once.
type ProvisioningClient struct {
	config ProvisioningConfig
	client *http.Client
	logger *slog.Logger
}

// NewProvisioningClient creates a provisioning callback client.
func NewProvisioningClient(cfg ProvisioningConfig, logger *slog.Logger) (*ProvisioningClient, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	return &ProvisioningClient{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// Send PUTs resp to url.
func (c *ProvisioningClient) Send(ctx context.Context, url string, resp ProvisioningResponse) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("provisioning: marshal response: %w", err)
	}

	var lastErr error
	attempts := 1 + c.config.Retries

	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("provisioning: context canceled: %w", err)
		}

		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * c.config.Backoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("provisioning: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = c.doRequest(ctx, url, body)
		if lastErr == nil {
			c.logger.Info("provisioning response sent",
				"logical_resource_id", resp.LogicalResourceID,
				"status", resp.Status,
				"attempt", i+1,
			)
			return nil
		}

		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && statusErr.Code >= 400 && statusErr.Code < 500 {
			return fmt.Errorf("provisioning: non-retriable error: %w", lastErr)
		}
	}

	return fmt.Errorf("provisioning: failed after %d attempts: %w", attempts, lastErr)
}

// doRequest performs a single HTTP PUT and returns nil on 2xx. The content
// type is sent empty because presigned response URLs are signed without one.
func (c *ProvisioningClient) doRequest(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain body to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// provisioningSender answers the provisioning request recorded in state.
type provisioningSender struct {
	client *ProvisioningClient
	state  model.AdapterState
}

func (s provisioningSender) SendSuccess(ctx context.Context, statementName string, n *model.Notification) error {
	return s.send(ctx, statementName, n, StatusSuccess, "success")
}

func (s provisioningSender) SendFailure(ctx context.Context, statementName string, n *model.Notification) error {
	detail, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal failure detail: %w", err)
	}
	return s.send(ctx, statementName, n, StatusFailed, truncate("See "+string(detail), maxReasonLen))
}

func (s provisioningSender) send(ctx context.Context, statementName string, n *model.Notification, status, reason string) error {
	return s.client.Send(ctx, s.state.String(FieldResponseURL), ProvisioningResponse{
		Status:             status,
		Reason:             reason,
		PhysicalResourceID: s.physicalResourceID(statementName),
		StackID:            s.state.String(FieldStackID),
		RequestID:          s.state.String(FieldRequestID),
		LogicalResourceID:  s.state.String(FieldLogicalResourceID),
		Data:               n,
	})
}

// physicalResourceID reuses the existing id for Update and Delete so the
// provisioning service keeps addressing the same resource; new resources are
// named after the statement that created them.
func (s provisioningSender) physicalResourceID(statementName string) string {
	switch s.state.String(FieldRequestType) {
	case RequestTypeUpdate, RequestTypeDelete:
		return s.state.String(FieldPhysicalResourceID)
	default:
		return statementName
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
