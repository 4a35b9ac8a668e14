// Package redshift implements the statement backend on the Amazon Redshift
// Data API. Statements are submitted with a statement name so the Data API's
// completion events can be correlated back to the submission.
package redshift

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata"
	"github.com/aws/aws-sdk-go-v2/service/redshiftdata/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/seantiz/stmtrelay/internal/backend"
)

// DefaultMaxListPages bounds the ListStatements scan used by FindActive and
// LookupID.
const DefaultMaxListPages = 5

const listPageSize = 100

// API is the subset of the Redshift Data API client used by this backend.
type API interface {
	ExecuteStatement(ctx context.Context, in *redshiftdata.ExecuteStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.ExecuteStatementOutput, error)
	DescribeStatement(ctx context.Context, in *redshiftdata.DescribeStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.DescribeStatementOutput, error)
	GetStatementResult(ctx context.Context, in *redshiftdata.GetStatementResultInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.GetStatementResultOutput, error)
	CancelStatement(ctx context.Context, in *redshiftdata.CancelStatementInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.CancelStatementOutput, error)
	ListStatements(ctx context.Context, in *redshiftdata.ListStatementsInput, optFns ...func(*redshiftdata.Options)) (*redshiftdata.ListStatementsOutput, error)
}

// Config identifies the warehouse statements run against. Exactly one of
// ClusterIdentifier or WorkgroupName should be set.
type Config struct {
	ClusterIdentifier string
	WorkgroupName     string
	Database          string
	DBUser            string
	SecretArn         string
	// MaxListPages bounds ListStatements pagination (default 5).
	MaxListPages int
}

// Validate checks that required Redshift configuration is present.
func (c *Config) Validate() error {
	if c.ClusterIdentifier == "" && c.WorkgroupName == "" {
		return errors.New("redshift cluster identifier or workgroup name is required")
	}
	if c.Database == "" {
		return errors.New("redshift database is required")
	}
	return nil
}

// Client is a backend.Client on the Redshift Data API.
type Client struct {
	api API
	cfg Config
}

// Compile-time interface satisfaction check.
var _ backend.Client = (*Client)(nil)

// New creates a Redshift backend over an existing API client.
func New(api API, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxListPages <= 0 {
		cfg.MaxListPages = DefaultMaxListPages
	}
	return &Client{api: api, cfg: cfg}, nil
}

// NewFromConfig creates a Redshift backend from an AWS configuration.
func NewFromConfig(awsCfg aws.Config, cfg Config) (*Client, error) {
	return New(redshiftdata.NewFromConfig(awsCfg), cfg)
}

// Submit executes the statement asynchronously. A fresh client token makes
// SDK-level retries of the same call idempotent.
func (c *Client) Submit(ctx context.Context, in backend.SubmitInput) (backend.SubmitOutput, error) {
	input := &redshiftdata.ExecuteStatementInput{
		Sql:           aws.String(in.SQL),
		Database:      aws.String(c.cfg.Database),
		StatementName: aws.String(in.StatementName),
		WithEvent:     aws.Bool(in.WithEvent),
		ClientToken:   aws.String(uuid.NewString()),
	}
	if c.cfg.ClusterIdentifier != "" {
		input.ClusterIdentifier = aws.String(c.cfg.ClusterIdentifier)
	}
	if c.cfg.WorkgroupName != "" {
		input.WorkgroupName = aws.String(c.cfg.WorkgroupName)
	}
	if c.cfg.SecretArn != "" {
		input.SecretArn = aws.String(c.cfg.SecretArn)
	} else if c.cfg.DBUser != "" {
		input.DbUser = aws.String(c.cfg.DBUser)
	}
	for _, p := range in.Parameters {
		input.Parameters = append(input.Parameters, types.SqlParameter{
			Name:  aws.String(p.Name),
			Value: aws.String(p.Value),
		})
	}

	out, err := c.api.ExecuteStatement(ctx, input)
	if err != nil {
		return backend.SubmitOutput{}, classify("execute statement", err)
	}

	res := backend.SubmitOutput{
		ExecutionID:   aws.ToString(out.Id),
		StatementName: in.StatementName,
	}
	if out.CreatedAt != nil {
		res.CreatedAt = *out.CreatedAt
	}
	return res, nil
}

// Describe returns the statement's status and any engine-reported error.
func (c *Client) Describe(ctx context.Context, executionID string) (backend.Description, error) {
	out, err := c.api.DescribeStatement(ctx, &redshiftdata.DescribeStatementInput{
		Id: aws.String(executionID),
	})
	if err != nil {
		return backend.Description{}, classify("describe statement", err)
	}

	return backend.Description{
		ExecutionID:  aws.ToString(out.Id),
		QueryString:  aws.ToString(out.QueryString),
		Status:       string(out.Status),
		Error:        aws.ToString(out.Error),
		HasResultSet: aws.ToBool(out.HasResultSet),
		ResultRows:   out.ResultRows,
		CreatedAt:    out.CreatedAt,
		UpdatedAt:    out.UpdatedAt,
	}, nil
}

// FetchResult returns one page of the statement's result set with typed
// fields flattened to plain JSON values.
func (c *Client) FetchResult(ctx context.Context, executionID, nextToken string) (backend.Result, error) {
	input := &redshiftdata.GetStatementResultInput{Id: aws.String(executionID)}
	if nextToken != "" {
		input.NextToken = aws.String(nextToken)
	}

	out, err := c.api.GetStatementResult(ctx, input)
	if err != nil {
		return backend.Result{}, classify("get statement result", err)
	}

	res := backend.Result{
		Columns:   make([]string, 0, len(out.ColumnMetadata)),
		Records:   make([][]any, 0, len(out.Records)),
		TotalRows: out.TotalNumRows,
		NextToken: aws.ToString(out.NextToken),
	}
	for _, col := range out.ColumnMetadata {
		res.Columns = append(res.Columns, aws.ToString(col.Name))
	}
	for _, rec := range out.Records {
		row := make([]any, len(rec))
		for i, f := range rec {
			row[i] = fieldValue(f)
		}
		res.Records = append(res.Records, row)
	}
	return res, nil
}

// fieldValue converts a Data API field union into a JSON-serializable value.
func fieldValue(f types.Field) any {
	switch v := f.(type) {
	case *types.FieldMemberStringValue:
		return v.Value
	case *types.FieldMemberLongValue:
		return v.Value
	case *types.FieldMemberDoubleValue:
		return v.Value
	case *types.FieldMemberBooleanValue:
		return v.Value
	case *types.FieldMemberBlobValue:
		return v.Value
	case *types.FieldMemberIsNull:
		return nil
	default:
		return nil
	}
}

// Cancel requests cancellation of a running statement.
func (c *Client) Cancel(ctx context.Context, executionID string) (backend.CancelOutput, error) {
	out, err := c.api.CancelStatement(ctx, &redshiftdata.CancelStatementInput{
		Id: aws.String(executionID),
	})
	if err != nil {
		return backend.CancelOutput{}, classify("cancel statement", err)
	}
	return backend.CancelOutput{Cancelled: aws.ToBool(out.Status)}, nil
}

// FindActive scans recent statements for one with identical SQL text that
// is still running.
func (c *Client) FindActive(ctx context.Context, sql string) (bool, error) {
	found := false
	err := c.listStatements(ctx, &redshiftdata.ListStatementsInput{
		Status: types.StatusStringAll,
	}, func(s types.StatementData) bool {
		if aws.ToString(s.QueryString) == sql && backend.IsActive(string(s.Status)) {
			found = true
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// LookupID resolves a statement name to the newest execution id carrying it.
func (c *Client) LookupID(ctx context.Context, statementName string) (string, error) {
	var matches []types.StatementData
	err := c.listStatements(ctx, &redshiftdata.ListStatementsInput{
		StatementName: aws.String(statementName),
		Status:        types.StatusStringAll,
	}, func(s types.StatementData) bool {
		// The StatementName filter is a prefix match.
		if aws.ToString(s.StatementName) == statementName {
			matches = append(matches, s)
		}
		return true
	})
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", backend.Rejected("lookup id", fmt.Errorf("no statement named %s", statementName))
	}

	sort.Slice(matches, func(i, j int) bool {
		return aws.ToTime(matches[i].CreatedAt).After(aws.ToTime(matches[j].CreatedAt))
	})
	return aws.ToString(matches[0].Id), nil
}

// listStatements pages through ListStatements, calling visit for each
// statement until visit returns false or MaxListPages is reached.
func (c *Client) listStatements(ctx context.Context, input *redshiftdata.ListStatementsInput, visit func(types.StatementData) bool) error {
	input.MaxResults = listPageSize
	p := redshiftdata.NewListStatementsPaginator(c.api, input)

	for page := 0; p.HasMorePages() && page < c.cfg.MaxListPages; page++ {
		out, err := p.NextPage(ctx)
		if err != nil {
			return classify("list statements", err)
		}
		for _, s := range out.Statements {
			if !visit(s) {
				return nil
			}
		}
	}
	return nil
}

// Capabilities reports what the Redshift backend supports.
func (c *Client) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:          backend.DriverRedshift,
		Notifications: true,
		Parameters:    true,
	}
}

// transientCodes are client-fault error codes that are still worth retrying.
var transientCodes = map[string]bool{
	"ThrottlingException":               true,
	"ActiveStatementsExceededException": true,
	"ActiveSessionsExceededException":   true,
}

// classify maps an SDK error onto the backend error kinds. Client faults are
// rejections unless they signal throttling; everything else is transient.
func classify(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		if ae.ErrorFault() == smithy.FaultClient && !transientCodes[ae.ErrorCode()] {
			return backend.Rejected(op, err)
		}
	}
	return backend.Unavailable(op, err)
}
