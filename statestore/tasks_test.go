package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladPil/llm-gateway/types"
)

// setupStore creates a test store backed by miniredis.
func setupStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	return New(client, opts...), mr
}

func newTestSession(taskID string) *Session {
	return &Session{
		TaskID:             taskID,
		ModelName:          "echo",
		Prompt:             "hello",
		Params:             types.GenerationParams{Temperature: 0.7, MaxTokens: 128},
		SaveToConversation: true,
	}
}

func TestStore_CreateAndGetSession(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sess := newTestSession("task-1")
	sess.WebhookURL = "http://example.com/hook"
	require.NoError(t, store.CreateSession(ctx, sess))

	loaded, err := store.GetSession(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", loaded.TaskID)
	assert.Equal(t, StatusPending, loaded.Status)
	assert.Equal(t, "echo", loaded.ModelName)
	assert.Equal(t, "hello", loaded.Prompt)
	assert.Equal(t, "http://example.com/hook", loaded.WebhookURL)
	assert.Equal(t, 0.7, loaded.Params.Temperature)
	assert.Equal(t, 128, loaded.Params.MaxTokens)
	assert.True(t, loaded.SaveToConversation)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestStore_GetSessionNotFound(t *testing.T) {
	store, _ := setupStore(t)

	_, err := store.GetSession(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateSessionWritesIdempotencyMapping(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sess := newTestSession("task-1")
	sess.IdempotencyKey = "K1"
	require.NoError(t, store.CreateSession(ctx, sess))

	taskID, err := store.TaskByIdempotencyKey(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", taskID)

	_, err = store.TaskByIdempotencyKey(ctx, "K2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateSessionStatusTerminal(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, newTestSession("task-1")))
	require.NoError(t, store.UpdateSessionStatus(ctx, "task-1", StatusProcessing, nil, nil))

	loaded, err := store.GetSession(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, loaded.Status)
	require.NotNil(t, loaded.StartedAt)
	assert.Nil(t, loaded.FinishedAt)

	result := &types.GenerationResult{
		Text:         "hi",
		FinishReason: types.FinishReasonStop,
		Usage:        types.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
		ModelName:    "echo",
	}
	require.NoError(t, store.UpdateSessionStatus(ctx, "task-1", StatusCompleted, result, nil))

	loaded, err = store.GetSession(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, loaded.Status)
	require.NotNil(t, loaded.FinishedAt)
	require.NotNil(t, loaded.Result)
	assert.Equal(t, "hi", loaded.Result.Text)
	assert.Equal(t, 2, loaded.Result.Usage.TotalTokens)
}

func TestStore_UpdateSessionStatusFailed(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, newTestSession("task-1")))
	taskErr := &TaskError{Code: "generation_failed", Message: "boom"}
	require.NoError(t, store.UpdateSessionStatus(ctx, "task-1", StatusFailed, nil, taskErr))

	loaded, err := store.GetSession(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, loaded.Status)
	require.NotNil(t, loaded.Error)
	assert.Equal(t, "generation_failed", loaded.Error.Code)
	assert.Equal(t, "boom", loaded.Error.Message)
}

func TestStore_UpdateSessionStatusMissing(t *testing.T) {
	store, _ := setupStore(t)

	err := store.UpdateSessionStatus(context.Background(), "missing", StatusProcessing, nil, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DeleteSession(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, newTestSession("task-1")))
	require.NoError(t, store.DeleteSession(ctx, "task-1"))

	_, err := store.GetSession(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, store.DeleteSession(ctx, "task-1"), ErrNotFound)
}

func TestStore_QueuePriorityOrdering(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.EnqueueTask(ctx, "low", 0))
	require.NoError(t, store.EnqueueTask(ctx, "high", 10))
	require.NoError(t, store.EnqueueTask(ctx, "mid", 5))

	for _, want := range []string{"high", "mid", "low"} {
		got, err := store.DequeueTask(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := store.DequeueTask(ctx)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestStore_QueueFIFOTiebreak(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.EnqueueTask(ctx, id, 1))
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := store.DequeueTask(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestStore_QueueFull(t *testing.T) {
	store, _ := setupStore(t, WithQueueMaxSize(2))
	ctx := context.Background()

	require.NoError(t, store.EnqueueTask(ctx, "a", 0))
	require.NoError(t, store.EnqueueTask(ctx, "b", 0))
	assert.ErrorIs(t, store.EnqueueTask(ctx, "c", 0), ErrQueueFull)

	depth, err := store.QueueDepth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestStore_ProcessingMarker(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	current, err := store.Processing(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)

	require.NoError(t, store.SetProcessing(ctx, "task-1"))
	current, err = store.Processing(ctx)
	require.NoError(t, err)
	assert.Equal(t, "task-1", current)

	require.NoError(t, store.ClearProcessing(ctx))
	current, err = store.Processing(ctx)
	require.NoError(t, err)
	assert.Empty(t, current)
}

func TestStore_AppendLogAndRingCap(t *testing.T) {
	store, _ := setupStore(t, WithLogsMaxRecent(3))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendLog(ctx, "task-1", "info", "entry"))
	}

	logs, err := store.Logs(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, logs, 5)
	assert.Equal(t, "task-1", logs[0].TaskID)
	assert.Equal(t, "info", logs[0].Level)

	recent, err := store.RecentLogs(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, recent, 3) // ring trimmed to cap
}

func TestStore_GPUStatsCacheExpires(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CacheGPUStats(ctx, map[string]any{"used_mb": 2048}))

	cached, err := store.CachedGPUStats(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(cached), "2048")

	mr.FastForward(6 * time.Second)
	_, err = store.CachedGPUStats(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DailyStats(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.IncrementDailyStat(ctx, "tasks_completed", 1))
	require.NoError(t, store.IncrementDailyStat(ctx, "tasks_completed", 2))

	stats, err := store.DailyStats(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["tasks_completed"])
}

func TestStore_SessionTTLRefreshedOnWrite(t *testing.T) {
	store, mr := setupStore(t, WithTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, newTestSession("task-1")))

	mr.FastForward(30 * time.Minute)
	require.NoError(t, store.UpdateSessionStatus(ctx, "task-1", StatusProcessing, nil, nil))

	// Without the refresh the key would expire 30 minutes from now.
	mr.FastForward(45 * time.Minute)
	_, err := store.GetSession(ctx, "task-1")
	assert.NoError(t, err)

	mr.FastForward(time.Hour)
	_, err = store.GetSession(ctx, "task-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_SessionsByStatus(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateSession(ctx, newTestSession("task-1")))
	require.NoError(t, store.CreateSession(ctx, newTestSession("task-2")))
	require.NoError(t, store.UpdateSessionStatus(ctx, "task-2", StatusProcessing, nil, nil))

	stale, err := store.SessionsByStatus(ctx, StatusProcessing)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "task-2", stale[0].TaskID)
}

func TestStore_HealthCheck(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	assert.NoError(t, store.HealthCheck(ctx))

	mr.Close()
	assert.Error(t, store.HealthCheck(ctx))
}
