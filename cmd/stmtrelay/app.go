package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"

	"github.com/seantiz/stmtrelay/internal/backend"
	"github.com/seantiz/stmtrelay/internal/backend/memory"
	"github.com/seantiz/stmtrelay/internal/backend/redshift"
	"github.com/seantiz/stmtrelay/internal/callback"
	"github.com/seantiz/stmtrelay/internal/config"
	"github.com/seantiz/stmtrelay/internal/engine"
	"github.com/seantiz/stmtrelay/internal/store"
)

// Local redelivery of in-process completion events.
const (
	localDeliveryAttempts = 5
	localDeliveryDelay    = 200 * time.Millisecond
)

// app holds the wired components shared by every command.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	awsCfg   aws.Config
	store    store.Store
	backends *backend.Registry
	engine   *engine.Engine
}

// newApp loads configuration and wires the store, backend, callback senders
// and engine.
func newApp(ctx context.Context, logOut io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := config.NewLogger(logOut, cfg.LogLevel)

	a := &app{cfg: cfg, logger: logger, backends: backend.NewRegistry()}
	if cfg.UsesAWS() {
		if a.awsCfg, err = loadAWSConfig(ctx, cfg.AWS); err != nil {
			return nil, err
		}
	}

	if a.store, err = a.openStore(); err != nil {
		return nil, err
	}

	client, mem, err := a.openBackend()
	if err != nil {
		a.store.Close()
		return nil, err
	}
	a.backends.Register(cfg.Backend.Driver, client)

	provisioning, err := callback.NewProvisioningClient(callback.ProvisioningConfig{
		Timeout: cfg.Callback.Timeout,
		Retries: cfg.Callback.Retries,
	}, logger)
	if err != nil {
		a.store.Close()
		return nil, fmt.Errorf("create provisioning client: %w", err)
	}

	var tasks callback.TaskCompleter
	if cfg.UsesAWS() {
		tasks = callback.NewStepFunctionsFromConfig(a.awsCfg, logger)
	} else {
		logger.Warn("no AWS configuration in use; task token callbacks are disabled")
	}

	a.engine = engine.NewEngine(a.store, client, callback.DefaultRegistry(),
		callback.NewDispatcher(tasks, provisioning, logger), logger,
		engine.WithRecordTTL(cfg.RecordTTL),
		engine.WithWaitPollInterval(cfg.WaitPollInterval),
	)
	if mem != nil {
		mem.SetNotifier(a.engine.LocalDelivery(localDeliveryAttempts, localDeliveryDelay))
	}

	logger.Info("stmtrelay: configured",
		"store", cfg.Store.Driver,
		"backend", cfg.Backend.Driver,
		"record_ttl", cfg.RecordTTL.String(),
	)
	return a, nil
}

func loadAWSConfig(ctx context.Context, c config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		opts = append(opts, awsconfig.WithRegion(c.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load AWS config: %w", err)
	}
	if c.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(c.Endpoint)
	}
	return awsCfg, nil
}

func (a *app) openStore() (store.Store, error) {
	c := a.cfg.Store
	switch c.Driver {
	case config.StoreSQLite:
		return store.NewSQLiteStore(c.DBPath)
	case config.StoreDynamoDB:
		return store.NewDynamoDBStoreFromConfig(a.awsCfg, store.DynamoDBConfig{
			Table:            c.DynamoDBTable,
			CorrelationIndex: c.DynamoDBIndex,
		})
	case config.StoreRedis:
		return store.NewRedisStore(store.RedisConfig{
			URL:       c.RedisURL,
			Prefix:    c.RedisKeyPrefix,
			Retention: c.RedisRetention,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", c.Driver)
	}
}

// openBackend returns the configured statement backend. The memory backend
// is also returned on its own so its completions can be routed locally.
func (a *app) openBackend() (backend.Client, *memory.Engine, error) {
	c := a.cfg.Backend
	switch c.Driver {
	case config.BackendRedshift:
		client, err := redshift.NewFromConfig(a.awsCfg, redshift.Config{
			ClusterIdentifier: c.ClusterIdentifier,
			WorkgroupName:     c.WorkgroupName,
			Database:          c.Database,
			DBUser:            c.DBUser,
			SecretArn:         c.SecretArn,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create redshift backend: %w", err)
		}
		return client, nil, nil
	case config.BackendMemory:
		mem := memory.New(memory.WithAutoFinish(c.AutoFinish))
		return mem, mem, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend driver %q", c.Driver)
	}
}

// Close waits for local deliveries and closes the store.
func (a *app) Close() {
	a.engine.Drain()
	if err := a.store.Close(); err != nil {
		a.logger.Error("close store", "error", err)
	}
}
