// Package config loads process configuration from an optional YAML file and
// STMTRELAY_* environment variables, and builds the structured logger.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreSQLite   = "sqlite"
	StoreDynamoDB = "dynamodb"
	StoreRedis    = "redis"
)

// Backend drivers.
const (
	BackendRedshift = "redshift"
	BackendMemory   = "memory"
)

const (
	defaultListenAddr       = ":8080"
	defaultDBPath           = "stmtrelay.db"
	defaultRecordTTL        = 7 * 24 * time.Hour
	defaultRedisPrefix      = "stmtrelay"
	defaultRedisRetention   = 24 * time.Hour
	defaultCallbackTimeout  = 10 * time.Second
	defaultCallbackRetries  = 3
	defaultWaitPollInterval = time.Second

	envConfigFile = "STMTRELAY_CONFIG"

	envListenAddr       = "STMTRELAY_LISTEN_ADDR"
	envLogLevel         = "STMTRELAY_LOG_LEVEL"
	envRecordTTL        = "STMTRELAY_RECORD_TTL"
	envStoreDriver      = "STMTRELAY_STORE"
	envDBPath           = "STMTRELAY_DB_PATH"
	envDynamoDBTable    = "STMTRELAY_DYNAMODB_TABLE"
	envDynamoDBIndex    = "STMTRELAY_DYNAMODB_INDEX"
	envRedisURL         = "STMTRELAY_REDIS_URL"
	envRedisPrefix      = "STMTRELAY_REDIS_PREFIX"
	envRedisRetention   = "STMTRELAY_REDIS_RETENTION"
	envBackendDriver    = "STMTRELAY_BACKEND"
	envCluster          = "STMTRELAY_REDSHIFT_CLUSTER"
	envWorkgroup        = "STMTRELAY_REDSHIFT_WORKGROUP"
	envDatabase         = "STMTRELAY_REDSHIFT_DATABASE"
	envDBUser           = "STMTRELAY_REDSHIFT_DB_USER"
	envSecretArn        = "STMTRELAY_REDSHIFT_SECRET_ARN"
	envAutoFinish       = "STMTRELAY_MEMORY_AUTO_FINISH"
	envAWSRegion        = "STMTRELAY_AWS_REGION"
	envAWSEndpoint      = "STMTRELAY_AWS_ENDPOINT"
	envQueueURL         = "STMTRELAY_QUEUE_URL"
	envCallbackTimeout  = "STMTRELAY_CALLBACK_TIMEOUT"
	envCallbackRetries  = "STMTRELAY_CALLBACK_RETRIES"
	envWaitPollInterval = "STMTRELAY_WAIT_POLL_INTERVAL"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	LogLevel   slog.Level `yaml:"log_level"`
	// RecordTTL is how long execution records stay resolvable. Zero keeps
	// them forever.
	RecordTTL time.Duration `yaml:"record_ttl"`

	Store    StoreConfig    `yaml:"store"`
	Backend  BackendConfig  `yaml:"backend"`
	AWS      AWSConfig      `yaml:"aws"`
	Queue    QueueConfig    `yaml:"queue"`
	Callback CallbackConfig `yaml:"callback"`

	WaitPollInterval time.Duration `yaml:"wait_poll_interval"`
}

// StoreConfig selects and configures the execution state store.
type StoreConfig struct {
	Driver         string `yaml:"driver"`
	DBPath         string `yaml:"db_path"`
	DynamoDBTable  string `yaml:"dynamodb_table"`
	DynamoDBIndex  string `yaml:"dynamodb_index"`
	RedisURL       string `yaml:"redis_url"`
	RedisKeyPrefix string `yaml:"redis_prefix"`
	// RedisRetention keeps Redis records this long past their logical expiry.
	RedisRetention time.Duration `yaml:"redis_retention"`
}

// BackendConfig selects and configures the statement backend.
type BackendConfig struct {
	Driver            string `yaml:"driver"`
	ClusterIdentifier string `yaml:"cluster_identifier"`
	WorkgroupName     string `yaml:"workgroup_name"`
	Database          string `yaml:"database"`
	DBUser            string `yaml:"db_user"`
	SecretArn         string `yaml:"secret_arn"`
	// AutoFinish completes memory backend statements after this delay.
	AutoFinish time.Duration `yaml:"auto_finish"`
}

// AWSConfig overrides the AWS SDK's default region and endpoint.
type AWSConfig struct {
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// QueueConfig configures the notification queue consumer.
type QueueConfig struct {
	URL string `yaml:"url"`
}

// CallbackConfig configures outbound provisioning callbacks.
type CallbackConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		ListenAddr: defaultListenAddr,
		LogLevel:   slog.LevelInfo,
		RecordTTL:  defaultRecordTTL,
		Store: StoreConfig{
			Driver:         StoreSQLite,
			DBPath:         defaultDBPath,
			RedisKeyPrefix: defaultRedisPrefix,
			RedisRetention: defaultRedisRetention,
		},
		Backend: BackendConfig{
			Driver: BackendRedshift,
		},
		Callback: CallbackConfig{
			Timeout: defaultCallbackTimeout,
			Retries: defaultCallbackRetries,
		},
		WaitPollInterval: defaultWaitPollInterval,
	}
}

// Load reads configuration starting from the defaults. When STMTRELAY_CONFIG
// names a YAML file it is applied first; environment variables override it.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile expands ${VAR} references in the YAML file at path and decodes it
// over cfg.
func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ListenAddr, envListenAddr)
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	setString(&cfg.Store.Driver, envStoreDriver)
	setString(&cfg.Store.DBPath, envDBPath)
	setString(&cfg.Store.DynamoDBTable, envDynamoDBTable)
	setString(&cfg.Store.DynamoDBIndex, envDynamoDBIndex)
	setString(&cfg.Store.RedisURL, envRedisURL)
	setString(&cfg.Store.RedisKeyPrefix, envRedisPrefix)

	setString(&cfg.Backend.Driver, envBackendDriver)
	setString(&cfg.Backend.ClusterIdentifier, envCluster)
	setString(&cfg.Backend.WorkgroupName, envWorkgroup)
	setString(&cfg.Backend.Database, envDatabase)
	setString(&cfg.Backend.DBUser, envDBUser)
	setString(&cfg.Backend.SecretArn, envSecretArn)

	setString(&cfg.AWS.Region, envAWSRegion)
	setString(&cfg.AWS.Endpoint, envAWSEndpoint)
	setString(&cfg.Queue.URL, envQueueURL)

	var errs []error
	errs = append(errs,
		setDuration(&cfg.RecordTTL, envRecordTTL),
		setDuration(&cfg.Store.RedisRetention, envRedisRetention),
		setDuration(&cfg.Backend.AutoFinish, envAutoFinish),
		setDuration(&cfg.Callback.Timeout, envCallbackTimeout),
		setDuration(&cfg.WaitPollInterval, envWaitPollInterval),
	)
	if v := os.Getenv(envCallbackRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", envCallbackRetries, err))
		} else {
			cfg.Callback.Retries = n
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// Validate rejects unknown drivers and missing per-driver settings.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StoreSQLite:
		if c.Store.DBPath == "" {
			errs = append(errs, errors.New("sqlite store requires a database path"))
		}
	case StoreDynamoDB:
		if c.Store.DynamoDBTable == "" {
			errs = append(errs, errors.New("dynamodb store requires a table name"))
		}
	case StoreRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("redis store requires a URL"))
		}
		if c.Store.RedisRetention < 0 {
			errs = append(errs, errors.New("redis retention must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	switch c.Backend.Driver {
	case BackendRedshift:
		if c.Backend.ClusterIdentifier == "" && c.Backend.WorkgroupName == "" {
			errs = append(errs, errors.New("redshift backend requires a cluster identifier or workgroup name"))
		}
		if c.Backend.Database == "" {
			errs = append(errs, errors.New("redshift backend requires a database"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend driver %q", c.Backend.Driver))
	}

	if c.RecordTTL < 0 {
		errs = append(errs, fmt.Errorf("record TTL must not be negative, got %s", c.RecordTTL))
	}
	if c.Callback.Retries < 0 {
		errs = append(errs, fmt.Errorf("callback retries must not be negative, got %d", c.Callback.Retries))
	}
	return errors.Join(errs...)
}

// UsesAWS reports whether any configured component talks to AWS.
func (c Config) UsesAWS() bool {
	return c.Store.Driver == StoreDynamoDB || c.Backend.Driver == BackendRedshift || c.Queue.URL != ""
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
