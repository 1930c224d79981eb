package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/VladPil/llm-gateway/types"
)

// timeLayout is the ISO-8601 UTC encoding used for all persisted timestamps.
const timeLayout = time.RFC3339Nano

// CreateSession writes a new session hash with status pending and, when an
// idempotency key is present, the idempotency mapping. Both writes go through
// a single pipeline.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if sess == nil || sess.TaskID == "" {
		return ErrInvalidID
	}

	now := time.Now().UTC()
	sess.Status = StatusPending
	sess.CreatedAt = now
	sess.UpdatedAt = now

	fields, err := sessionToMap(sess)
	if err != nil {
		return err
	}

	key := s.sessionKey(sess.TaskID)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	s.expireIfTTL(ctx, pipe, key)

	if sess.IdempotencyKey != "" {
		idemKey := s.idempotencyKey(sess.IdempotencyKey)
		pipe.Set(ctx, idemKey, sess.TaskID, s.idempotencyTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// GetSession retrieves a session by task ID. Returns ErrNotFound when absent.
func (s *Store) GetSession(ctx context.Context, taskID string) (*Session, error) {
	if taskID == "" {
		return nil, ErrInvalidID
	}

	fields, err := s.client.HGetAll(ctx, s.sessionKey(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	return sessionFromMap(fields)
}

// UpdateSessionStatus writes status and updated_at; terminal states also get
// finished_at plus the result or error. Transition validation is the
// dispatcher's invariant — the store writes what it is told.
func (s *Store) UpdateSessionStatus(ctx context.Context, taskID, status string, result *types.GenerationResult, taskErr *TaskError) error {
	if taskID == "" {
		return ErrInvalidID
	}

	now := time.Now().UTC()
	fields := map[string]any{
		"status":     status,
		"updated_at": now.Format(timeLayout),
	}
	if status == StatusProcessing {
		fields["started_at"] = now.Format(timeLayout)
	}
	if IsTerminal(status) {
		fields["finished_at"] = now.Format(timeLayout)
		if result != nil {
			data, err := json.Marshal(result)
			if err != nil {
				return fmt.Errorf("failed to marshal result: %w", err)
			}
			fields["result"] = string(data)
		}
		if taskErr != nil {
			data, err := json.Marshal(taskErr)
			if err != nil {
				return fmt.Errorf("failed to marshal error: %w", err)
			}
			fields["error"] = string(data)
		}
	}

	key := s.sessionKey(taskID)
	pipe := s.client.Pipeline()
	existsCmd := pipe.Exists(ctx, key)
	pipe.HSet(ctx, key, fields)
	s.expireIfTTL(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	if existsCmd.Val() == 0 {
		// The HSet above recreated the key; remove the stray hash.
		_ = s.client.Del(ctx, key).Err()
		return ErrNotFound
	}
	return nil
}

// DeleteSession removes a session and its per-task logs.
func (s *Store) DeleteSession(ctx context.Context, taskID string) error {
	if taskID == "" {
		return ErrInvalidID
	}

	pipe := s.client.Pipeline()
	delCmd := pipe.Del(ctx, s.sessionKey(taskID))
	pipe.Del(ctx, s.taskLogsKey(taskID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// EnqueueTask adds the task to the priority queue. Higher priority pops
// first; equal priorities pop in insertion order. Fails with ErrQueueFull
// once the queue holds the configured maximum.
func (s *Store) EnqueueTask(ctx context.Context, taskID string, priority float64) error {
	if taskID == "" {
		return ErrInvalidID
	}

	depth, err := s.client.ZCard(ctx, s.queueKey()).Result()
	if err != nil {
		return fmt.Errorf("redis zcard failed: %w", err)
	}
	if s.queueMaxSize > 0 && depth >= int64(s.queueMaxSize) {
		return ErrQueueFull
	}

	seq, err := s.client.Incr(ctx, s.queueSeqKey()).Result()
	if err != nil {
		return fmt.Errorf("redis incr failed: %w", err)
	}

	score := -priority + float64(seq)/prioritySeqShift
	if err := s.client.ZAdd(ctx, s.queueKey(), redis.Z{Score: score, Member: taskID}).Err(); err != nil {
		return fmt.Errorf("redis zadd failed: %w", err)
	}
	return nil
}

// DequeueTask atomically pops the best-ranked task.
// Returns ErrQueueEmpty when there is nothing to do.
func (s *Store) DequeueTask(ctx context.Context) (string, error) {
	members, err := s.client.ZPopMin(ctx, s.queueKey(), 1).Result()
	if err != nil {
		return "", fmt.Errorf("redis zpopmin failed: %w", err)
	}
	if len(members) == 0 {
		return "", ErrQueueEmpty
	}
	taskID, _ := members[0].Member.(string)
	return taskID, nil
}

// QueueDepth returns the number of queued tasks.
func (s *Store) QueueDepth(ctx context.Context) (int, error) {
	depth, err := s.client.ZCard(ctx, s.queueKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard failed: %w", err)
	}
	return int(depth), nil
}

// SetProcessing records the task currently held by the dispatcher.
func (s *Store) SetProcessing(ctx context.Context, taskID string) error {
	if err := s.client.Set(ctx, s.processingKey(), taskID, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// ClearProcessing resets the processing marker.
func (s *Store) ClearProcessing(ctx context.Context) error {
	if err := s.client.Del(ctx, s.processingKey()).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// Processing returns the task ID held by the dispatcher, or "" when idle.
func (s *Store) Processing(ctx context.Context) (string, error) {
	taskID, err := s.client.Get(ctx, s.processingKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return taskID, nil
}

// TaskByIdempotencyKey resolves an idempotency key to the task it created.
// Returns ErrNotFound when no mapping exists.
func (s *Store) TaskByIdempotencyKey(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", ErrInvalidID
	}
	taskID, err := s.client.Get(ctx, s.idempotencyKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get failed: %w", err)
	}
	return taskID, nil
}

// AppendLog appends a record to the per-task log list and the cross-task
// recent ring, trimming the ring to its cap. One pipeline, one round-trip.
func (s *Store) AppendLog(ctx context.Context, taskID, level, message string) error {
	if taskID == "" {
		return ErrInvalidID
	}

	entry := LogEntry{
		TaskID:    taskID,
		Level:     level,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	taskKey := s.taskLogsKey(taskID)
	recentKey := s.recentLogsKey()

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, taskKey, data)
	s.expireIfTTL(ctx, pipe, taskKey)
	pipe.RPush(ctx, recentKey, data)
	pipe.LTrim(ctx, recentKey, int64(-s.logsMaxRecent), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// Logs returns all log entries for a task in append order.
func (s *Store) Logs(ctx context.Context, taskID string) ([]LogEntry, error) {
	if taskID == "" {
		return nil, ErrInvalidID
	}
	return s.readLogList(ctx, s.taskLogsKey(taskID), 0)
}

// RecentLogs returns up to limit entries from the cross-task ring, newest last.
func (s *Store) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 || limit > s.logsMaxRecent {
		limit = s.logsMaxRecent
	}
	return s.readLogList(ctx, s.recentLogsKey(), limit)
}

func (s *Store) readLogList(ctx context.Context, key string, limit int) ([]LogEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, key, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	entries := make([]LogEntry, 0, len(vals))
	for _, v := range vals {
		var entry LogEntry
		if err := json.Unmarshal([]byte(v), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal log entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// CacheGPUStats stores a GPU telemetry snapshot with a short TTL so
// concurrent monitor requests do not hammer the device interface.
func (s *Store) CacheGPUStats(ctx context.Context, stats any) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal gpu stats: %w", err)
	}
	if err := s.client.Set(ctx, s.gpuStatsKey(), data, gpuStatsTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// CachedGPUStats returns the cached telemetry snapshot, or ErrNotFound when
// the cache is cold or expired.
func (s *Store) CachedGPUStats(ctx context.Context) (json.RawMessage, error) {
	data, err := s.client.Get(ctx, s.gpuStatsKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return data, nil
}

// IncrementDailyStat bumps a named counter in today's stats hash (7-day TTL).
func (s *Store) IncrementDailyStat(ctx context.Context, name string, delta int64) error {
	key := s.dailyStatsKey(time.Now())
	pipe := s.client.Pipeline()
	pipe.HIncrBy(ctx, key, name, delta)
	pipe.Expire(ctx, key, dailyStatsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// DailyStats returns the counters recorded for the given day.
func (s *Store) DailyStats(ctx context.Context, day time.Time) (map[string]int64, error) {
	fields, err := s.client.HGetAll(ctx, s.dailyStatsKey(day)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	stats := make(map[string]int64, len(fields))
	for name, v := range fields {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		stats[name] = n
	}
	return stats, nil
}

// SessionsByStatus scans all sessions and returns those in the given status.
// Used by the startup recovery pass and the monitoring surface; not a hot path.
func (s *Store) SessionsByStatus(ctx context.Context, status string) ([]*Session, error) {
	var sessions []*Session
	pattern := s.sessionKey("*")
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		fields, err := s.client.HGetAll(ctx, iter.Val()).Result()
		if err != nil {
			return nil, fmt.Errorf("redis hgetall failed: %w", err)
		}
		if len(fields) == 0 || fields["status"] != status {
			continue
		}
		sess, err := sessionFromMap(fields)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return sessions, nil
}

// sessionToMap flattens a session into hash fields. Nested values are JSON;
// scalars are stored as strings.
func sessionToMap(sess *Session) (map[string]any, error) {
	fields := map[string]any{
		"task_id":              sess.TaskID,
		"status":               sess.Status,
		"model_name":           sess.ModelName,
		"priority":             strconv.FormatFloat(sess.Priority, 'f', -1, 64),
		"save_to_conversation": strconv.FormatBool(sess.SaveToConversation),
		"stream":               strconv.FormatBool(sess.Stream),
		"created_at":           sess.CreatedAt.Format(timeLayout),
		"updated_at":           sess.UpdatedAt.Format(timeLayout),
	}
	if sess.Prompt != "" {
		fields["prompt"] = sess.Prompt
	}
	if sess.SystemPrompt != "" {
		fields["system_prompt"] = sess.SystemPrompt
	}
	if len(sess.Messages) > 0 {
		data, err := json.Marshal(sess.Messages)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal messages: %w", err)
		}
		fields["messages"] = string(data)
	}
	params, err := json.Marshal(sess.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	fields["params"] = string(params)

	if sess.WebhookURL != "" {
		fields["webhook_url"] = sess.WebhookURL
	}
	if sess.IdempotencyKey != "" {
		fields["idempotency_key"] = sess.IdempotencyKey
	}
	if sess.ConversationID != "" {
		fields["conversation_id"] = sess.ConversationID
	}
	return fields, nil
}

// sessionFromMap decodes hash fields back into a session.
func sessionFromMap(fields map[string]string) (*Session, error) {
	sess := &Session{
		TaskID:         fields["task_id"],
		Status:         fields["status"],
		ModelName:      fields["model_name"],
		Prompt:         fields["prompt"],
		SystemPrompt:   fields["system_prompt"],
		WebhookURL:     fields["webhook_url"],
		IdempotencyKey: fields["idempotency_key"],
		ConversationID: fields["conversation_id"],
	}

	if v := fields["priority"]; v != "" {
		sess.Priority, _ = strconv.ParseFloat(v, 64)
	}
	if v := fields["save_to_conversation"]; v != "" {
		sess.SaveToConversation, _ = strconv.ParseBool(v)
	}
	if v := fields["stream"]; v != "" {
		sess.Stream, _ = strconv.ParseBool(v)
	}

	var err error
	if sess.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	if v := fields["started_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		sess.StartedAt = &t
	}
	if v := fields["finished_at"]; v != "" {
		t, err := parseTime(v)
		if err != nil {
			return nil, err
		}
		sess.FinishedAt = &t
	}

	if v := fields["messages"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Messages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
		}
	}
	if v := fields["params"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}
	}
	if v := fields["result"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if v := fields["error"]; v != "" {
		if err := json.Unmarshal([]byte(v), &sess.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}
	return sess, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", v, err)
	}
	return t, nil
}
