// Package dispatcher owns the task lifecycle: submission, the single worker
// loop, and terminal notification.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VladPil/llm-gateway/events"
	"github.com/VladPil/llm-gateway/gpu"
	"github.com/VladPil/llm-gateway/logger"
	"github.com/VladPil/llm-gateway/metrics"
	"github.com/VladPil/llm-gateway/providers"
	"github.com/VladPil/llm-gateway/statestore"
	"github.com/VladPil/llm-gateway/types"
	"github.com/VladPil/llm-gateway/webhook"
)

const defaultPollInterval = 500 * time.Millisecond

// ErrModelRequired reports a submission with no model and no conversation to
// adopt one from.
var ErrModelRequired = errors.New("model is required")

// SubmitRequest is a validated task submission.
type SubmitRequest struct {
	Model              string
	Prompt             string
	Messages           []types.Message
	SystemPrompt       string
	Params             types.GenerationParams
	WebhookURL         string
	IdempotencyKey     string
	Priority           int
	ConversationID     string
	SaveToConversation bool
	Stream             bool
}

// Dispatcher runs exactly one worker loop per process.
type Dispatcher struct {
	store        *statestore.Store
	registry     *providers.Registry
	guard        *gpu.Guard
	bus          *events.Bus
	webhooks     *webhook.Sender
	pollInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPollInterval overrides the empty-queue sleep interval.
func WithPollInterval(d time.Duration) Option {
	return func(disp *Dispatcher) { disp.pollInterval = d }
}

// New creates a dispatcher. The webhook sender may be nil to disable
// notifications.
func New(store *statestore.Store, registry *providers.Registry, guard *gpu.Guard, bus *events.Bus, webhooks *webhook.Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		registry:     registry,
		guard:        guard,
		bus:          bus,
		webhooks:     webhooks,
		pollInterval: defaultPollInterval,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SubmitTask validates and enqueues a task, returning its id. A known
// idempotency key short-circuits to the original task id.
func (d *Dispatcher) SubmitTask(ctx context.Context, req SubmitRequest) (string, error) {
	if req.IdempotencyKey != "" {
		taskID, err := d.store.TaskByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			logger.Info("idempotent submission matched", "task_id", taskID, "idempotency_key", req.IdempotencyKey)
			return taskID, nil
		}
		if !errors.Is(err, statestore.ErrNotFound) {
			return "", err
		}
	}

	model := req.Model
	if model == "" && req.ConversationID != "" {
		conv, err := d.store.GetConversation(ctx, req.ConversationID)
		if err != nil {
			return "", err
		}
		model = conv.Model
	}
	if model == "" {
		return "", ErrModelRequired
	}
	if !d.registry.Resolvable(model) {
		return "", fmt.Errorf("%w: %s", providers.ErrModelNotFound, model)
	}

	taskID := uuid.New().String()
	sess := &statestore.Session{
		TaskID:             taskID,
		Status:             statestore.StatusPending,
		ModelName:          model,
		Prompt:             req.Prompt,
		Messages:           req.Messages,
		SystemPrompt:       req.SystemPrompt,
		Params:             req.Params,
		WebhookURL:         req.WebhookURL,
		IdempotencyKey:     req.IdempotencyKey,
		ConversationID:     req.ConversationID,
		Priority:           float64(req.Priority),
		SaveToConversation: req.SaveToConversation,
		Stream:             req.Stream,
	}
	if err := d.store.CreateSession(ctx, sess); err != nil {
		return "", err
	}
	if err := d.store.EnqueueTask(ctx, taskID, float64(req.Priority)); err != nil {
		return "", err
	}

	if err := d.store.AppendLog(ctx, taskID, "info", "task created"); err != nil {
		logger.Warn("failed to append task log", "task_id", taskID, "error", err)
	}
	if err := d.store.IncrementDailyStat(ctx, "tasks_submitted", 1); err != nil {
		logger.Warn("failed to increment daily stat", "error", err)
	}
	metrics.RecordTaskSubmitted(model, fmt.Sprintf("%d", req.Priority))
	if depth, err := d.store.QueueDepth(ctx); err == nil {
		metrics.SetQueueDepth(int64(depth))
	}

	logger.TaskEvent(taskID, "queued", "model", model, "priority", req.Priority)
	d.bus.Publish(events.TypeTaskQueued, taskID, map[string]any{
		"model":    model,
		"priority": req.Priority,
	})
	return taskID, nil
}

// Start recovers sessions orphaned by a previous run and launches the
// worker loop.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.recoverStaleProcessing(ctx); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.run(ctx)
	}()
	logger.Info("dispatcher started", "poll_interval", d.pollInterval)
	return nil
}

// Stop signals the worker loop and waits for the in-flight task to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
	logger.Info("dispatcher stopped")
}

// recoverStaleProcessing marks sessions left in processing by a crashed run
// as failed. They are not re-queued; the idempotency key is the caller's
// retry primitive.
func (d *Dispatcher) recoverStaleProcessing(ctx context.Context) error {
	stale, err := d.store.SessionsByStatus(ctx, statestore.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to scan stale sessions: %w", err)
	}

	for _, sess := range stale {
		taskErr := &statestore.TaskError{
			Code:    "infrastructure_unavailable",
			Message: "gateway restarted while task was processing",
		}
		if err := d.store.UpdateSessionStatus(ctx, sess.TaskID, statestore.StatusFailed, nil, taskErr); err != nil {
			logger.Warn("failed to fail stale session", "task_id", sess.TaskID, "error", err)
			continue
		}
		logger.Warn("stale processing session failed at startup", "task_id", sess.TaskID)
	}
	return d.store.ClearProcessing(ctx)
}

func (d *Dispatcher) run(ctx context.Context) {
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		taskID, err := d.store.DequeueTask(ctx)
		if err != nil {
			if !errors.Is(err, statestore.ErrQueueEmpty) {
				logger.Error("dequeue failed", "error", err)
			}
			d.sleep()
			continue
		}

		d.processTask(ctx, taskID)

		if depth, err := d.store.QueueDepth(ctx); err == nil {
			metrics.SetQueueDepth(int64(depth))
		}
	}
}

func (d *Dispatcher) sleep() {
	select {
	case <-d.stopCh:
	case <-time.After(d.pollInterval):
	}
}

func (d *Dispatcher) processTask(ctx context.Context, taskID string) {
	defer func() {
		if err := d.store.ClearProcessing(ctx); err != nil {
			logger.Warn("failed to clear processing marker", "task_id", taskID, "error", err)
		}
	}()

	sess, err := d.store.GetSession(ctx, taskID)
	if err != nil {
		logger.Warn("orphaned queue entry, session absent", "task_id", taskID, "error", err)
		return
	}

	if err := d.guard.CheckAdmission(ctx, d.requiredVRAM(sess.ModelName)); err != nil {
		d.failTask(ctx, sess, classifyError(err), err)
		return
	}

	if err := d.store.SetProcessing(ctx, taskID); err != nil {
		d.failTask(ctx, sess, classifyError(err), err)
		return
	}
	if err := d.store.UpdateSessionStatus(ctx, taskID, statestore.StatusProcessing, nil, nil); err != nil {
		d.failTask(ctx, sess, classifyError(err), err)
		return
	}
	logger.TaskEvent(taskID, "started", "model", sess.ModelName)
	d.store.AppendLog(ctx, taskID, "info", "processing started")
	d.bus.Publish(events.TypeTaskStarted, taskID, map[string]any{"model": sess.ModelName})

	started := time.Now()
	result, err := d.generate(ctx, sess)
	if err != nil {
		metrics.RecordTaskDone(sess.ModelName, statestore.StatusFailed, time.Since(started).Seconds())
		d.failTask(ctx, sess, classifyError(err), err)
		return
	}
	metrics.RecordTaskDone(sess.ModelName, statestore.StatusCompleted, time.Since(started).Seconds())
	d.completeTask(ctx, sess, result)
}

// generate builds the provider invocation for a session and runs it while
// holding the GPU guard.
func (d *Dispatcher) generate(ctx context.Context, sess *statestore.Session) (*types.GenerationResult, error) {
	req, model, err := d.buildInvocation(ctx, sess)
	if err != nil {
		return nil, err
	}

	provider, err := d.registry.GetOrCreate(model)
	if err != nil {
		return nil, err
	}

	if err := d.guard.Acquire(ctx, sess.TaskID, d.requiredVRAM(model)); err != nil {
		return nil, err
	}
	defer d.guard.Release()

	started := time.Now()
	var result *types.GenerationResult
	if sess.Stream {
		result, err = d.generateStream(ctx, sess, provider, req)
	} else {
		result, err = provider.Generate(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	info := provider.ModelInfo()
	metrics.RecordProviderRequest(info.ProviderKind, model, time.Since(started).Seconds())
	metrics.RecordProviderTokens(info.ProviderKind, model, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	return result, nil
}

// requiredVRAM resolves a model's admission requirement: the preset spec
// when the name is catalog-backed, otherwise whatever the registered
// provider instance reports about itself.
func (d *Dispatcher) requiredVRAM(model string) int {
	if spec, ok := d.registry.Spec(model); ok {
		return spec.RequiredVRAMMB
	}
	if provider, err := d.registry.Get(model); err == nil {
		if est, ok := provider.(providers.VRAMEstimator); ok {
			return est.RequiredVRAMMB()
		}
	}
	return 0
}

// generateStream consumes the chunk sequence, forwarding deltas as
// task.progress events, and folds the final chunk into a result.
func (d *Dispatcher) generateStream(ctx context.Context, sess *statestore.Session, provider providers.Provider, req providers.GenerationRequest) (*types.GenerationResult, error) {
	ch, err := provider.GenerateStream(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &types.GenerationResult{
		FinishReason: types.FinishReasonStop,
		ModelName:    provider.ModelInfo().Name,
	}
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.Delta != "" {
			d.bus.Publish(events.TypeTaskProgress, sess.TaskID, map[string]any{
				"delta":   chunk.Delta,
				"content": chunk.Content,
			})
		}
		result.Text = chunk.Content
		if chunk.FinishReason != nil {
			result.FinishReason = *chunk.FinishReason
		}
		if chunk.Usage != nil {
			result.Usage = *chunk.Usage
		}
	}
	return result, nil
}

// buildInvocation assembles the provider request: conversation history first,
// then the turn's input. The conversation's model is adopted when the
// session has none.
func (d *Dispatcher) buildInvocation(ctx context.Context, sess *statestore.Session) (providers.GenerationRequest, string, error) {
	req := providers.GenerationRequest{
		System: sess.SystemPrompt,
		Params: sess.Params,
	}
	model := sess.ModelName

	var history []types.Message
	if sess.ConversationID != "" {
		conv, err := d.store.GetConversation(ctx, sess.ConversationID)
		if err != nil {
			if !errors.Is(err, statestore.ErrNotFound) {
				return req, "", err
			}
			logger.Warn("conversation absent, proceeding without history",
				"task_id", sess.TaskID, "conversation_id", sess.ConversationID)
		} else {
			if model == "" {
				model = conv.Model
			}
			if req.System == "" {
				req.System = conv.SystemPrompt
			}
			history, err = d.store.Messages(ctx, sess.ConversationID, 0)
			if err != nil {
				return req, "", err
			}
		}
	}
	if model == "" {
		return req, "", ErrModelRequired
	}

	turn := sess.Messages
	if len(turn) == 0 && sess.Prompt != "" && len(history) > 0 {
		turn = []types.Message{types.NewMessage(types.RoleUser, sess.Prompt)}
	}

	switch {
	case len(history) > 0 || len(turn) > 0:
		req.Messages = append(append([]types.Message{}, history...), turn...)
	default:
		req.Prompt = sess.Prompt
	}
	return req, model, nil
}

func (d *Dispatcher) completeTask(ctx context.Context, sess *statestore.Session, result *types.GenerationResult) {
	if err := d.store.UpdateSessionStatus(ctx, sess.TaskID, statestore.StatusCompleted, result, nil); err != nil {
		logger.Error("failed to write completed status", "task_id", sess.TaskID, "error", err)
	}
	d.store.AppendLog(ctx, sess.TaskID, "info", "task completed")
	d.store.IncrementDailyStat(ctx, "tasks_completed", 1)
	logger.TaskEvent(sess.TaskID, "completed", "finish_reason", result.FinishReason, "tokens", result.Usage.TotalTokens)

	d.saveConversationTurn(ctx, sess, result)

	d.bus.Publish(events.TypeTaskCompleted, sess.TaskID, map[string]any{
		"result": result,
	})
	d.notify(sess, statestore.StatusCompleted, result)
}

func (d *Dispatcher) failTask(ctx context.Context, sess *statestore.Session, code string, cause error) {
	taskErr := &statestore.TaskError{Code: code, Message: cause.Error()}
	if err := d.store.UpdateSessionStatus(ctx, sess.TaskID, statestore.StatusFailed, nil, taskErr); err != nil {
		logger.Error("failed to write failed status", "task_id", sess.TaskID, "error", err)
	}
	d.store.AppendLog(ctx, sess.TaskID, "error", cause.Error())
	d.store.IncrementDailyStat(ctx, "tasks_failed", 1)
	logger.TaskEvent(sess.TaskID, "failed", "error_code", code, "error", cause)

	d.bus.Publish(events.TypeTaskFailed, sess.TaskID, map[string]any{
		"error": taskErr,
	})
	d.notify(sess, statestore.StatusFailed, taskErr)
}

// saveConversationTurn appends the user turn and assistant response to the
// attached conversation. Session first, conversation second; a failed append
// is logged but does not revert the completed task.
func (d *Dispatcher) saveConversationTurn(ctx context.Context, sess *statestore.Session, result *types.GenerationResult) {
	if sess.ConversationID == "" || !sess.SaveToConversation {
		return
	}

	if sess.Prompt != "" && len(sess.Messages) == 0 {
		if err := d.store.AppendMessage(ctx, sess.ConversationID, types.NewMessage(types.RoleUser, sess.Prompt)); err != nil {
			logger.Warn("failed to append user turn", "task_id", sess.TaskID, "error", err)
		}
	}
	for _, m := range sess.Messages {
		if err := d.store.AppendMessage(ctx, sess.ConversationID, m); err != nil {
			logger.Warn("failed to append user turn", "task_id", sess.TaskID, "error", err)
		}
	}
	if err := d.store.AppendMessage(ctx, sess.ConversationID, types.NewMessage(types.RoleAssistant, result.Text)); err != nil {
		logger.Warn("failed to append assistant turn", "task_id", sess.TaskID, "error", err)
	}
}

// notify queues the terminal webhook. Best-effort and asynchronous so slow
// endpoints never stall the worker loop.
func (d *Dispatcher) notify(sess *statestore.Session, status string, data any) {
	if sess.WebhookURL == "" || d.webhooks == nil {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		payload := webhook.Payload{TaskID: sess.TaskID, Status: status, Data: data}
		if err := d.webhooks.Send(context.Background(), sess.WebhookURL, payload); err != nil {
			metrics.RecordWebhookAttempt("failed")
			return
		}
		metrics.RecordWebhookAttempt("delivered")
	}()
}

// classifyError maps an execution failure to its stable task error code.
func classifyError(err error) string {
	switch {
	case errors.Is(err, gpu.ErrVRAMInsufficient):
		return "vram_insufficient"
	case errors.Is(err, gpu.ErrGPUUnavailable):
		return "gpu_unavailable"
	case errors.Is(err, ErrModelRequired):
		return "validation"
	case errors.Is(err, statestore.ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, statestore.ErrQueueEmpty), errors.Is(err, statestore.ErrQueueFull):
		return "infrastructure_unavailable"
	default:
		return providers.ErrorCode(err)
	}
}
