// Package statestore provides Redis-backed persistence for the gateway:
// task sessions, the priority queue, the idempotency index, per-task logs,
// conversations, and operational counters. It is the sole coordination
// surface between the HTTP handlers and the dispatcher.
//
// All operations are atomic at the Redis level; multi-key sequences use
// pipelines to batch round-trips. Every write refreshes the key TTL.
package statestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Defaults.
const (
	defaultTTL           = 24 * time.Hour
	defaultPrefix        = "llmgw"
	defaultQueueMaxSize  = 1000
	defaultLogsMaxRecent = 1000
	defaultMaxMessages   = 100

	gpuStatsTTL   = 5 * time.Second
	dailyStatsTTL = 7 * 24 * time.Hour

	// prioritySeqShift folds the insertion sequence number into the fraction
	// of the queue score so equal priorities pop FIFO.
	prioritySeqShift = 1 << 40
)

// Sentinel errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidID  = errors.New("invalid id")
	ErrQueueEmpty = errors.New("queue is empty")
	ErrQueueFull  = errors.New("queue is full")
)

// Store is a Redis-backed state store. It is safe for concurrent use.
type Store struct {
	client         *redis.Client
	prefix         string
	sessionTTL     time.Duration
	idempotencyTTL time.Duration
	queueMaxSize   int
	logsMaxRecent  int
	maxMessages    int
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the session and conversation time-to-live.
// Default is 24 hours. Set to 0 for no expiration.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) { s.sessionTTL = ttl }
}

// WithIdempotencyTTL sets the idempotency mapping time-to-live.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Store) { s.idempotencyTTL = ttl }
}

// WithPrefix sets the key prefix. Default is "llmgw".
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithQueueMaxSize sets the enqueue backpressure threshold.
func WithQueueMaxSize(n int) Option {
	return func(s *Store) { s.queueMaxSize = n }
}

// WithLogsMaxRecent sets the cap of the cross-task recent-logs ring.
func WithLogsMaxRecent(n int) Option {
	return func(s *Store) { s.logsMaxRecent = n }
}

// WithMaxMessages sets the per-conversation message list bound.
func WithMaxMessages(n int) Option {
	return func(s *Store) { s.maxMessages = n }
}

// New creates a Redis-backed state store.
//
// Example:
//
//	store := statestore.New(
//	    redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
//	    statestore.WithTTL(24*time.Hour),
//	)
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{
		client:         client,
		prefix:         defaultPrefix,
		sessionTTL:     defaultTTL,
		idempotencyTTL: defaultTTL,
		queueMaxSize:   defaultQueueMaxSize,
		logsMaxRecent:  defaultLogsMaxRecent,
		maxMessages:    defaultMaxMessages,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HealthCheck performs a round-trip to Redis.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) sessionKey(taskID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, taskID)
}

func (s *Store) queueKey() string {
	return s.prefix + ":queue:tasks"
}

func (s *Store) queueSeqKey() string {
	return s.prefix + ":queue:seq"
}

func (s *Store) processingKey() string {
	return s.prefix + ":queue:processing"
}

func (s *Store) idempotencyKey(key string) string {
	return fmt.Sprintf("%s:idempotency:%s", s.prefix, key)
}

func (s *Store) taskLogsKey(taskID string) string {
	return fmt.Sprintf("%s:logs:%s", s.prefix, taskID)
}

func (s *Store) recentLogsKey() string {
	return s.prefix + ":logs:recent"
}

func (s *Store) gpuStatsKey() string {
	return s.prefix + ":system:gpu"
}

func (s *Store) dailyStatsKey(day time.Time) string {
	return fmt.Sprintf("%s:stats:daily:%s", s.prefix, day.UTC().Format("2006-01-02"))
}

func (s *Store) conversationKey(id string) string {
	return fmt.Sprintf("%s:conversation:%s", s.prefix, id)
}

func (s *Store) conversationMessagesKey(id string) string {
	return fmt.Sprintf("%s:conversation:%s:messages", s.prefix, id)
}

func (s *Store) conversationIndexKey() string {
	return s.prefix + ":conversations:index"
}

// expireIfTTL adds an EXPIRE command to the pipeline if a TTL is configured.
func (s *Store) expireIfTTL(ctx context.Context, pipe redis.Pipeliner, key string) {
	if s.sessionTTL > 0 {
		pipe.Expire(ctx, key, s.sessionTTL)
	}
}
