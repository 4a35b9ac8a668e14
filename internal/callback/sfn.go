package callback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"
	"github.com/aws/aws-sdk-go-v2/service/sfn/types"
)

// Step Functions limits on task failure fields.
const (
	maxCauseLen = 32768
	maxErrorLen = 256
)

// SFNAPI is the subset of the Step Functions client used to complete tasks.
type SFNAPI interface {
	SendTaskSuccess(ctx context.Context, in *sfn.SendTaskSuccessInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskSuccessOutput, error)
	SendTaskFailure(ctx context.Context, in *sfn.SendTaskFailureInput, optFns ...func(*sfn.Options)) (*sfn.SendTaskFailureOutput, error)
}

// StepFunctions completes task tokens through AWS Step Functions.
type StepFunctions struct {
	api    SFNAPI
	logger *slog.Logger
}

// Compile-time interface satisfaction check.
var _ TaskCompleter = (*StepFunctions)(nil)

// NewStepFunctions creates a task completer over an existing client.
func NewStepFunctions(api SFNAPI, logger *slog.Logger) *StepFunctions {
	return &StepFunctions{api: api, logger: logger}
}

// NewStepFunctionsFromConfig creates a task completer from an AWS configuration.
func NewStepFunctionsFromConfig(awsCfg aws.Config, logger *slog.Logger) *StepFunctions {
	return NewStepFunctions(sfn.NewFromConfig(awsCfg), logger)
}

// CompleteTask reports task success with output as the task result.
func (s *StepFunctions) CompleteTask(ctx context.Context, token string, output []byte) error {
	_, err := s.api.SendTaskSuccess(ctx, &sfn.SendTaskSuccessInput{
		TaskToken: aws.String(token),
		Output:    aws.String(string(output)),
	})
	if s.alreadyCompleted(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("send task success: %w", err)
	}
	return nil
}

// FailTask reports task failure with the given error code and cause.
func (s *StepFunctions) FailTask(ctx context.Context, token, errorCode string, cause []byte) error {
	_, err := s.api.SendTaskFailure(ctx, &sfn.SendTaskFailureInput{
		TaskToken: aws.String(token),
		Error:     aws.String(truncate(errorCode, maxErrorLen)),
		Cause:     aws.String(truncate(string(cause), maxCauseLen)),
	})
	if s.alreadyCompleted(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("send task failure: %w", err)
	}
	return nil
}

// alreadyCompleted reports whether err means the task already timed out or
// was completed by an earlier delivery. Those are benign duplicates.
func (s *StepFunctions) alreadyCompleted(err error) bool {
	if err == nil {
		return false
	}
	var timedOut *types.TaskTimedOut
	var missing *types.TaskDoesNotExist
	if errors.As(err, &timedOut) || errors.As(err, &missing) {
		s.logger.Warn("task already completed", "error", err)
		return true
	}
	return false
}
