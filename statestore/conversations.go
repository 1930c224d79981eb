package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/VladPil/llm-gateway/types"
)

// CreateConversation writes conversation metadata and registers it in the
// index. A non-empty system prompt atomically appends one system message.
func (s *Store) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv == nil || conv.ConversationID == "" {
		return ErrInvalidID
	}

	now := time.Now().UTC()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	conv.MessageCount = 0

	key := s.conversationKey(conv.ConversationID)
	pipe := s.client.Pipeline()

	if conv.SystemPrompt != "" {
		msg := types.Message{Role: types.RoleSystem, Content: conv.SystemPrompt, Timestamp: now}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		msgKey := s.conversationMessagesKey(conv.ConversationID)
		pipe.RPush(ctx, msgKey, data)
		s.expireIfTTL(ctx, pipe, msgKey)
		conv.MessageCount = 1
	}

	fields, err := conversationToMap(conv)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, key, fields)
	s.expireIfTTL(ctx, pipe, key)
	pipe.SAdd(ctx, s.conversationIndexKey(), conv.ConversationID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

// GetConversation retrieves conversation metadata by ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	fields, err := s.client.HGetAll(ctx, s.conversationKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall failed: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return conversationFromMap(fields)
}

// UpdateConversation patches model, system prompt, and metadata. Fields left
// empty in the patch are preserved. The TTL is refreshed.
func (s *Store) UpdateConversation(ctx context.Context, id string, patch *Conversation) (*Conversation, error) {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Model != "" {
		conv.Model = patch.Model
	}
	if patch.SystemPrompt != "" {
		conv.SystemPrompt = patch.SystemPrompt
	}
	if patch.Metadata != nil {
		conv.Metadata = patch.Metadata
	}
	conv.UpdatedAt = time.Now().UTC()

	fields, err := conversationToMap(conv)
	if err != nil {
		return nil, err
	}

	key := s.conversationKey(id)
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	s.expireIfTTL(ctx, pipe, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis pipeline failed: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes the metadata, messages, and index entry.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}

	pipe := s.client.Pipeline()
	delCmd := pipe.Del(ctx, s.conversationKey(id))
	pipe.Del(ctx, s.conversationMessagesKey(id))
	pipe.SRem(ctx, s.conversationIndexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	if delCmd.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns all conversation IDs from the index.
func (s *Store) ListConversations(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.conversationIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers failed: %w", err)
	}
	return ids, nil
}

// AppendMessage appends a message to the conversation history, trims the list
// to the configured bound (oldest dropped first), refreshes TTLs, and updates
// message_count. One pipeline, one round-trip.
func (s *Store) AppendMessage(ctx context.Context, id string, msg types.Message) error {
	if id == "" {
		return ErrInvalidID
	}
	if !types.ValidRole(msg.Role) {
		return fmt.Errorf("invalid message role %q", msg.Role)
	}

	// Existence check keeps orphaned message lists from forming.
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	msgKey := s.conversationMessagesKey(id)
	convKey := s.conversationKey(id)

	pipe := s.client.Pipeline()
	pipe.RPush(ctx, msgKey, data)
	pipe.LTrim(ctx, msgKey, int64(-s.maxMessages), -1)
	s.expireIfTTL(ctx, pipe, msgKey)
	lenCmd := pipe.LLen(ctx, msgKey)
	pipe.HSet(ctx, convKey, "updated_at", time.Now().UTC().Format(timeLayout))
	s.expireIfTTL(ctx, pipe, convKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}

	// LLen runs after LTrim in the same pipeline, so the count is the bounded
	// list length, which is what message_count means.
	if err := s.client.HSet(ctx, convKey, "message_count", lenCmd.Val()).Err(); err != nil {
		return fmt.Errorf("redis hset failed: %w", err)
	}
	return nil
}

// Messages returns up to limit most recent messages in insertion order.
// limit <= 0 returns the full bounded history.
func (s *Store) Messages(ctx context.Context, id string, limit int) ([]types.Message, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return nil, err
	}

	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	vals, err := s.client.LRange(ctx, s.conversationMessagesKey(id), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	messages := make([]types.Message, 0, len(vals))
	for _, v := range vals {
		var msg types.Message
		if err := json.Unmarshal([]byte(v), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ClearMessages empties the conversation history without deleting metadata.
func (s *Store) ClearMessages(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidID
	}
	if _, err := s.GetConversation(ctx, id); err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.conversationMessagesKey(id))
	pipe.HSet(ctx, s.conversationKey(id), map[string]any{
		"message_count": 0,
		"updated_at":    time.Now().UTC().Format(timeLayout),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func conversationToMap(conv *Conversation) (map[string]any, error) {
	fields := map[string]any{
		"conversation_id": conv.ConversationID,
		"message_count":   strconv.Itoa(conv.MessageCount),
		"created_at":      conv.CreatedAt.Format(timeLayout),
		"updated_at":      conv.UpdatedAt.Format(timeLayout),
	}
	if conv.Model != "" {
		fields["model"] = conv.Model
	}
	if conv.SystemPrompt != "" {
		fields["system_prompt"] = conv.SystemPrompt
	}
	if conv.Metadata != nil {
		data, err := json.Marshal(conv.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
		fields["metadata"] = string(data)
	}
	return fields, nil
}

func conversationFromMap(fields map[string]string) (*Conversation, error) {
	conv := &Conversation{
		ConversationID: fields["conversation_id"],
		Model:          fields["model"],
		SystemPrompt:   fields["system_prompt"],
	}
	if v := fields["message_count"]; v != "" {
		conv.MessageCount, _ = strconv.Atoi(v)
	}

	var err error
	if conv.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, err
	}
	if v := fields["metadata"]; v != "" {
		if err := json.Unmarshal([]byte(v), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return conv, nil
}
