// Package sqs consumes completion notifications from an SQS queue and
// feeds them to the completion processor in batches.
//
// Only successfully processed messages are deleted. Failed messages stay on
// the queue and reappear after the visibility timeout, so the queue's
// redrive policy decides when they are dead-lettered.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/seantiz/stmtrelay/internal/engine"
)

// Receive defaults and limits.
const (
	DefaultMaxMessages = 10
	DefaultWaitSeconds = 20
	maxMessagesLimit   = 10
	maxWaitSeconds     = 20
)

// Backoff bounds applied after a failed receive.
const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// API is the subset of the SQS client used by the consumer.
type API interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, in *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Processor handles one batch of notification messages.
type Processor interface {
	ProcessBatch(ctx context.Context, msgs []engine.Message) engine.BatchResult
}

// Config configures the consumer.
type Config struct {
	// QueueURL is the notification queue (required).
	QueueURL string
	// MaxMessages per receive, 1 to 10 (default 10).
	MaxMessages int32
	// WaitSeconds is the long-poll wait, 0 to 20 (default 20).
	WaitSeconds int32
	// VisibilityTimeout overrides the queue's default when positive.
	VisibilityTimeout int32
}

// Consumer long-polls a queue and processes what it receives.
type Consumer struct {
	api       API
	processor Processor
	config    Config
	logger    *slog.Logger
}

// New creates a consumer.
func New(api API, processor Processor, cfg Config, logger *slog.Logger) (*Consumer, error) {
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs consumer requires a queue URL")
	}
	if cfg.MaxMessages == 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	if cfg.MaxMessages < 1 || cfg.MaxMessages > maxMessagesLimit {
		return nil, fmt.Errorf("max messages must be between 1 and %d, got %d", maxMessagesLimit, cfg.MaxMessages)
	}
	if cfg.WaitSeconds == 0 {
		cfg.WaitSeconds = DefaultWaitSeconds
	}
	if cfg.WaitSeconds < 0 || cfg.WaitSeconds > maxWaitSeconds {
		return nil, fmt.Errorf("wait seconds must be between 0 and %d, got %d", maxWaitSeconds, cfg.WaitSeconds)
	}
	return &Consumer{api: api, processor: processor, config: cfg, logger: logger}, nil
}

// NewFromConfig creates a consumer from an AWS configuration.
func NewFromConfig(awsCfg aws.Config, processor Processor, cfg Config, logger *slog.Logger) (*Consumer, error) {
	return New(sqs.NewFromConfig(awsCfg), processor, cfg, logger)
}

// Run polls until ctx is cancelled. Receive errors are logged and retried
// with exponential backoff.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("sqs consumer started", "queue_url", c.config.QueueURL)
	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopped")
			return nil
		}

		_, err := c.PollOnce(ctx)
		if err == nil {
			backoff = initialBackoff
			continue
		}
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopped")
			return nil
		}

		c.logger.Error("sqs receive failed", "error", err, "backoff_ms", backoff.Milliseconds())
		select {
		case <-ctx.Done():
			c.logger.Info("sqs consumer stopped")
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// PollOnce receives one batch, processes it and deletes the messages that
// succeeded. It returns the number of messages received.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.config.QueueURL),
		MaxNumberOfMessages: c.config.MaxMessages,
		WaitTimeSeconds:     c.config.WaitSeconds,
	}
	if c.config.VisibilityTimeout > 0 {
		in.VisibilityTimeout = c.config.VisibilityTimeout
	}

	out, err := c.api.ReceiveMessage(ctx, in)
	if err != nil {
		return 0, fmt.Errorf("receive messages: %w", err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	msgs := make([]engine.Message, len(out.Messages))
	receipts := make(map[string]string, len(out.Messages))
	for i, m := range out.Messages {
		id := aws.ToString(m.MessageId)
		msgs[i] = engine.Message{ID: id, Body: aws.ToString(m.Body)}
		receipts[id] = aws.ToString(m.ReceiptHandle)
	}

	result := c.processor.ProcessBatch(ctx, msgs)
	for _, f := range result.BatchItemFailures {
		delete(receipts, f.ItemIdentifier)
	}

	if err := c.deleteMessages(ctx, receipts); err != nil {
		// The messages were processed; redelivered copies short-circuit as
		// already handled.
		c.logger.Error("failed to delete processed messages", "error", err)
	}
	return len(out.Messages), nil
}

func (c *Consumer) deleteMessages(ctx context.Context, receipts map[string]string) error {
	if len(receipts) == 0 {
		return nil
	}

	entries := make([]types.DeleteMessageBatchRequestEntry, 0, len(receipts))
	i := 0
	for id, handle := range receipts {
		entries = append(entries, types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: aws.String(handle),
		})
		c.logger.Debug("deleting processed message", "message_id", id)
		i++
	}

	out, err := c.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(c.config.QueueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("delete message batch: %w", err)
	}
	for _, f := range out.Failed {
		c.logger.Warn("message delete failed",
			"entry_id", aws.ToString(f.Id),
			"code", aws.ToString(f.Code),
			"error", aws.ToString(f.Message),
		)
	}
	return nil
}
