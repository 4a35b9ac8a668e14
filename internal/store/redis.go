package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/seantiz/stmtrelay/internal/model"
)

// DefaultRedisPrefix is the default key prefix.
const DefaultRedisPrefix = "stmtrelay"

// DefaultRedisRetention is how long a record is kept after it expires
// logically before Redis evicts it.
const DefaultRedisRetention = 24 * time.Hour

// RedisConfig configures the Redis store.
type RedisConfig struct {
	// URL is the Redis connection URL (required).
	// Format: redis://[:password@]host:port[/db]
	URL string
	// Prefix namespaces every key (default: stmtrelay).
	Prefix string
	// Retention extends physical expiry past the logical one (default 24h).
	Retention time.Duration
}

// Record hash fields.
const (
	hashRecord    = "record"
	hashHandledAt = "handled_at"
	hashDetail    = "detail"
)

// Stats hash fields.
const (
	statTotal         = "total"
	statHandled       = "handled"
	statAdapterPrefix = "adapter:"
)

// recordSubmissionScript creates the record hash together with its expiry,
// correlation index entry and stats counters. Key types are checked before
// the first write so a failing call leaves nothing behind. It returns 0 when
// the record already exists and 1 when it was created.
//
// KEYS: record, stats, [correlation]
// ARGV: body, expire-at ms (or ''), submitted-at ms, statement name, adapter stat field
var recordSubmissionScript = goredis.NewScript(`
local want = {'hash', 'hash', 'zset'}
for i, key in ipairs(KEYS) do
	local t = redis.call('TYPE', key)['ok']
	if t ~= 'none' and t ~= want[i] then
		return redis.error_reply('WRONGTYPE ' .. key .. ' holds ' .. t)
	end
end
if redis.call('HSETNX', KEYS[1], 'record', ARGV[1]) == 0 then
	return 0
end
if ARGV[2] ~= '' then
	redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
if KEYS[3] then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[4])
	if ARGV[2] ~= '' then
		redis.call('PEXPIREAT', KEYS[3], ARGV[2])
	end
end
redis.call('HINCRBY', KEYS[2], 'total', 1)
redis.call('HINCRBY', KEYS[2], ARGV[5], 1)
return 1
`)

// markHandledScript sets handled_at only if the record exists and is not
// yet handled. It returns -1 for an unknown record, 0 when already handled
// and 1 when this call recorded the completion.
var markHandledScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('HSETNX', KEYS[1], 'handled_at', ARGV[1]) == 0 then
	return 0
end
if ARGV[2] ~= '' then
	redis.call('HSET', KEYS[1], 'detail', ARGV[2])
end
redis.call('HINCRBY', KEYS[2], 'handled', 1)
return 1
`)

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis. Each record is a hash; a sorted set
// per correlation id orders submissions by time.
type RedisStore struct {
	config RedisConfig
	client *goredis.Client
	opts   options
}

// NewRedisStore connects to the Redis server named by cfg.URL.
func NewRedisStore(cfg RedisConfig, opts ...Option) (*RedisStore, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis store requires a URL")
	}

	redisOpts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("redis store: invalid URL: %w", err)
	}

	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRedisRetention
	}

	return &RedisStore{
		config: cfg,
		client: goredis.NewClient(redisOpts),
		opts:   newOptions(opts),
	}, nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recordKey(name string) string {
	return s.config.Prefix + ":rec:" + name
}

func (s *RedisStore) correlationKey(id string) string {
	return s.config.Prefix + ":corr:" + id
}

func (s *RedisStore) statsKey() string {
	return s.config.Prefix + ":stats"
}

// RecordSubmission stores rec unless a record with the same name exists.
func (s *RedisStore) RecordSubmission(ctx context.Context, rec *model.ExecutionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	keys := []string{s.recordKey(rec.StatementName), s.statsKey()}
	if cid := rec.Adapter.CorrelationID; cid != "" {
		keys = append(keys, s.correlationKey(cid))
	}
	var expireAt string
	if rec.ExpiresAt != nil {
		expireAt = strconv.FormatInt(rec.ExpiresAt.Add(s.config.Retention).UnixMilli(), 10)
	}

	created, err := recordSubmissionScript.Run(ctx, s.client, keys,
		string(body),
		expireAt,
		rec.SubmittedAt.UnixMilli(),
		rec.StatementName,
		statAdapterPrefix+string(rec.Adapter.Kind),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: store record: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("record %s: %w", rec.StatementName, ErrDuplicateStatementName)
	}
	return nil
}

// ResolveAdapter retrieves the live record for statementName.
func (s *RedisStore) ResolveAdapter(ctx context.Context, statementName string) (*model.ExecutionRecord, error) {
	values, err := s.client.HGetAll(ctx, s.recordKey(statementName)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get record: %w", err)
	}
	body, ok := values[hashRecord]
	if !ok {
		return nil, fmt.Errorf("resolve %s: %w", statementName, ErrUnknownStatementName)
	}

	rec := &model.ExecutionRecord{}
	if err := json.Unmarshal([]byte(body), rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if rec.Expired(s.opts.now()) {
		return nil, fmt.Errorf("resolve %s: expired: %w", statementName, ErrUnknownStatementName)
	}

	if handledAt, ok := values[hashHandledAt]; ok {
		ms, err := strconv.ParseInt(handledAt, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode handled_at: %w", err)
		}
		t := time.UnixMilli(ms).UTC()
		rec.Handled = true
		rec.HandledAt = &t
	}
	if detail, ok := values[hashDetail]; ok {
		rec.Detail = json.RawMessage(detail)
	}
	return rec, nil
}

// MarkHandled atomically marks the record handled.
func (s *RedisStore) MarkHandled(ctx context.Context, statementName string, detail json.RawMessage) (MarkResult, error) {
	res, err := markHandledScript.Run(ctx, s.client,
		[]string{s.recordKey(statementName), s.statsKey()},
		s.opts.now().UnixMilli(), string(detail),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("redis: mark handled: %w", err)
	}

	switch res {
	case 1:
		return Recorded, nil
	case 0:
		return AlreadyHandled, nil
	default:
		return 0, fmt.Errorf("mark %s: %w", statementName, ErrUnknownStatementName)
	}
}

// LatestStatementName returns the highest-scored member of the correlation
// set. Ties are broken by the member name, which sorts by time for
// generated names.
func (s *RedisStore) LatestStatementName(ctx context.Context, correlationID string) (string, error) {
	names, err := s.client.ZRevRange(ctx, s.correlationKey(correlationID), 0, 0).Result()
	if err != nil {
		return "", fmt.Errorf("redis: latest execution: %w", err)
	}
	if len(names) == 0 {
		return "", fmt.Errorf("latest for %s: %w", correlationID, ErrUnknownStatementName)
	}

	if _, err := s.ResolveAdapter(ctx, names[0]); err != nil {
		return "", fmt.Errorf("latest for %s: %w", correlationID, err)
	}
	return names[0], nil
}

// GetStats returns the running counters kept alongside the records.
func (s *RedisStore) GetStats(ctx context.Context) (*Stats, error) {
	values, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get stats: %w", err)
	}

	stats := newStats()
	for field, raw := range values {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode stat %s: %w", field, err)
		}
		switch {
		case field == statTotal:
			stats.Total = n
		case field == statHandled:
			stats.Handled = n
		case strings.HasPrefix(field, statAdapterPrefix):
			stats.CountByAdapter[strings.TrimPrefix(field, statAdapterPrefix)] = n
		}
	}
	stats.Pending = stats.Total - stats.Handled
	return stats, nil
}
