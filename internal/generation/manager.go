// ABOUTME: Manager is the single entry point for the generation lifecycle
// ABOUTME: Start, subscribe, cancel, resume, gates, and the follow-up queue

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/metrics"
	"github.com/2389/loom/internal/store"
)

// Options configures a Manager. Store and Runtime are required; everything
// else has a sensible default.
type Options struct {
	Store    store.Store
	Runtime  Runtime
	Registry *Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	ApprovalTimeout  time.Duration
	AuthTimeout      time.Duration
	SubscriberBuffer int
	MaxRetries       int
	RetryDelay       time.Duration
}

// Manager owns the full lifecycle of generations: it starts workers, fans
// out their events, resolves approval/auth gates, and drains the follow-up
// queue. All exported methods are safe for concurrent use.
type Manager struct {
	store    store.Store
	runtime  Runtime
	registry *Registry
	queue    *Queue
	metrics  *metrics.Metrics
	logger   *slog.Logger

	approvalTimeout  time.Duration
	authTimeout      time.Duration
	subscriberBuffer int
	maxRetries       int
	retryDelay       time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager from opts.
func NewManager(opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "generation")

	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = 5 * time.Minute
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = 10 * time.Minute
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:            opts.Store,
		runtime:          opts.Runtime,
		registry:         opts.Registry,
		queue:            NewQueue(opts.Store, logger),
		metrics:          opts.Metrics,
		logger:           logger,
		approvalTimeout:  opts.ApprovalTimeout,
		authTimeout:      opts.AuthTimeout,
		subscriberBuffer: opts.SubscriberBuffer,
		maxRetries:       opts.MaxRetries,
		retryDelay:       opts.RetryDelay,
		baseCtx:          ctx,
		cancel:           cancel,
	}
}

// Registry exposes the live-generation registry (composition root wiring).
func (m *Manager) Registry() *Registry {
	return m.registry
}

// Close stops accepting work, signals every live worker to wind down, and
// waits for them until ctx expires.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartRequest describes a new user turn.
type StartRequest struct {
	// ConversationID is empty to start a fresh conversation.
	ConversationID string
	UserID         string
	Content        string
	Model          string
	Capabilities   []string
	Attachments    []store.Attachment
	// AutoApprove overrides the conversation's setting when non-nil.
	AutoApprove *bool
}

// StartResponse identifies the generation that was started.
type StartResponse struct {
	GenerationID   string
	ConversationID string
}

// StartGeneration persists a new generation and spawns its worker. Returns
// ErrConflict when the conversation already has an active generation.
func (m *Manager) StartGeneration(ctx context.Context, req *StartRequest) (*StartResponse, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidRequest)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidRequest)
	}

	conv, err := m.resolveConversation(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := m.checkIdle(ctx, conv); err != nil {
		return nil, err
	}

	autoApprove := conv.AutoApprove
	if req.AutoApprove != nil {
		autoApprove = *req.AutoApprove
		if autoApprove != conv.AutoApprove {
			if err := m.store.SetConversationAutoApprove(ctx, conv.ID, autoApprove); err != nil {
				return nil, fmt.Errorf("updating auto-approve: %w", err)
			}
		}
	}

	now := time.Now().UTC()
	gen := &store.Generation{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Status:         store.GenerationRunning,
		Policy: store.ExecutionPolicy{
			Content:             req.Content,
			Model:               req.Model,
			AllowedIntegrations: req.Capabilities,
			AutoApprove:         autoApprove,
			Attachments:         req.Attachments,
		},
		StartedAt: now,
	}
	if err := m.store.CreateGeneration(ctx, gen); err != nil {
		return nil, fmt.Errorf("creating generation: %w", err)
	}

	userMsg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		GenerationID:   &gen.ID,
		Role:           store.RoleUser,
		ContentParts:   []store.ContentPart{{Type: store.PartTypeText, Content: req.Content}},
		CreatedAt:      now,
	}
	if err := m.store.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("saving user message: %w", err)
	}

	if err := m.store.UpdateConversationGeneration(ctx, conv.ID, store.ConversationGenerating, &gen.ID); err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}

	entry := &Entry{
		GenerationID:   gen.ID,
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Channel:        NewEventChannel(m.subscriberBuffer),
		status:         store.GenerationRunning,
	}
	if err := m.registry.Register(entry); err != nil {
		// Lost a start race on the same conversation. Retire the row so it
		// does not block the winner.
		gen.Status = store.GenerationCancelled
		completed := time.Now().UTC()
		gen.CompletedAt = &completed
		if uerr := m.store.UpdateGeneration(ctx, gen); uerr != nil {
			m.logger.Error("failed to retire losing generation", "generation_id", gen.ID, "error", uerr)
		}
		return nil, err
	}

	if m.metrics != nil {
		m.metrics.GenerationsStarted.Inc()
		m.metrics.GenerationsActive.Inc()
	}
	m.logger.Info("generation started",
		"generation_id", gen.ID,
		"conversation_id", conv.ID,
		"user_id", conv.UserID,
		"model", req.Model)

	w := &worker{
		m:      m,
		entry:  entry,
		gen:    gen,
		logger: m.logger.With("generation_id", gen.ID, "conversation_id", conv.ID),
	}
	m.wg.Add(1)
	go w.run(m.baseCtx)

	return &StartResponse{GenerationID: gen.ID, ConversationID: conv.ID}, nil
}

// resolveConversation loads (and authorizes) or creates the conversation.
func (m *Manager) resolveConversation(ctx context.Context, req *StartRequest) (*store.Conversation, error) {
	if req.ConversationID == "" {
		now := time.Now().UTC()
		conv := &store.Conversation{
			ID:               uuid.NewString(),
			UserID:           req.UserID,
			GenerationStatus: store.ConversationIdle,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := m.store.CreateConversation(ctx, conv); err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
		return conv, nil
	}
	return m.authorizeConversation(ctx, req.ConversationID, req.UserID)
}

// authorizeConversation loads a conversation and checks ownership.
func (m *Manager) authorizeConversation(ctx context.Context, conversationID, userID string) (*store.Conversation, error) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if conv.UserID != userID {
		return nil, ErrAccessDenied
	}
	return conv, nil
}

// authorizeGeneration loads a generation and checks conversation ownership.
func (m *Manager) authorizeGeneration(ctx context.Context, generationID, userID string) (*store.Generation, *store.Conversation, error) {
	gen, err := m.store.GetGeneration(ctx, generationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("loading generation: %w", err)
	}
	conv, err := m.authorizeConversation(ctx, gen.ConversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	return gen, conv, nil
}

// checkIdle returns ErrConflict when the conversation has an active
// generation, live or durable.
func (m *Manager) checkIdle(ctx context.Context, conv *store.Conversation) error {
	if _, busy := m.registry.GetByConversation(conv.ID); busy {
		return ErrConflict
	}
	if conv.CurrentGenerationID == nil {
		return nil
	}
	gen, err := m.store.GetGeneration(ctx, *conv.CurrentGenerationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading current generation: %w", err)
	}
	if !gen.Status.IsTerminal() {
		return ErrConflict
	}
	return nil
}

// SubscribeToGeneration returns a channel that replays the generation's full
// event history and then follows the live stream. For generations without a
// live worker the history is reconstructed from the persisted row and the
// channel closes after the replay.
func (m *Manager) SubscribeToGeneration(ctx context.Context, generationID, userID string) (<-chan *Event, error) {
	gen, _, err := m.authorizeGeneration(ctx, generationID, userID)
	if err != nil {
		return nil, err
	}
	if entry, ok := m.registry.Get(generationID); ok {
		return entry.Channel.Subscribe(ctx), nil
	}
	return replayChannel(replayEvents(gen, m.assistantMessageID(ctx, gen))), nil
}

// assistantMessageID finds the persisted assistant turn for a completed
// generation so the replayed done event carries the same message id the live
// stream did.
func (m *Manager) assistantMessageID(ctx context.Context, gen *store.Generation) string {
	if gen.Status != store.GenerationCompleted {
		return ""
	}
	msgs, err := m.store.ListConversationMessages(ctx, gen.ConversationID, 0)
	if err != nil {
		m.logger.Warn("loading messages for replay", "generation_id", gen.ID, "error", err)
		return ""
	}
	for _, msg := range msgs {
		if msg.Role == store.RoleAssistant && msg.GenerationID != nil && *msg.GenerationID == gen.ID {
			return msg.ID
		}
	}
	return ""
}

// CancelGeneration requests cooperative cancellation. Returns true when a
// cancellation was initiated, false when the generation was already
// terminal.
func (m *Manager) CancelGeneration(ctx context.Context, generationID, userID string) (bool, error) {
	gen, conv, err := m.authorizeGeneration(ctx, generationID, userID)
	if err != nil {
		return false, err
	}
	if gen.Status.IsTerminal() {
		return false, nil
	}

	now := time.Now().UTC()
	if entry, ok := m.registry.Get(generationID); ok {
		if entry.RequestCancel() {
			gen.CancelRequested = &now
			if err := m.store.UpdateGeneration(ctx, gen); err != nil {
				m.logger.Warn("failed to persist cancel request", "generation_id", generationID, "error", err)
			}
			// Wake a worker parked on an approval or auth gate.
			entry.ResolveAllGates()
			m.logger.Info("cancellation requested", "generation_id", generationID)
		}
		return true, nil
	}

	// No live worker (for example after a crash): retire the row directly.
	gen.Status = store.GenerationCancelled
	gen.CancelRequested = &now
	gen.CompletedAt = &now
	if err := m.store.UpdateGeneration(ctx, gen); err != nil {
		return false, fmt.Errorf("cancelling orphaned generation: %w", err)
	}
	if err := m.store.UpdateConversationGeneration(ctx, conv.ID, store.ConversationStatusFor(store.GenerationCancelled), nil); err != nil {
		return false, fmt.Errorf("updating conversation: %w", err)
	}
	m.logger.Info("orphaned generation cancelled", "generation_id", generationID)
	return true, nil
}

// ResumeGeneration revives a non-terminal generation that lost its worker
// (process restart). Resuming a generation that is already live is a no-op
// returning its current status; resuming a terminal one is ErrConflict.
func (m *Manager) ResumeGeneration(ctx context.Context, generationID, userID string) (store.GenerationStatus, error) {
	gen, conv, err := m.authorizeGeneration(ctx, generationID, userID)
	if err != nil {
		return "", err
	}
	if entry, ok := m.registry.Get(generationID); ok {
		return entry.Status(), nil
	}
	if gen.Status.IsTerminal() {
		return "", ErrConflict
	}

	// Any gate that was pending died with the old process; the run restarts
	// from the policy snapshot and will raise it again if still needed.
	gen.Status = store.GenerationRunning
	gen.PendingApproval = nil
	gen.PendingAuth = nil
	if err := m.store.UpdateGeneration(ctx, gen); err != nil {
		return "", fmt.Errorf("resetting generation for resume: %w", err)
	}
	if err := m.store.UpdateConversationGeneration(ctx, conv.ID, store.ConversationGenerating, &gen.ID); err != nil {
		return "", fmt.Errorf("updating conversation: %w", err)
	}

	entry := &Entry{
		GenerationID:   gen.ID,
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		Channel:        NewEventChannel(m.subscriberBuffer),
		status:         store.GenerationRunning,
	}
	if err := m.registry.Register(entry); err != nil {
		return "", err
	}
	if m.metrics != nil {
		m.metrics.GenerationsActive.Inc()
	}
	m.logger.Info("generation resumed", "generation_id", gen.ID, "conversation_id", conv.ID)

	w := &worker{
		m:      m,
		entry:  entry,
		gen:    gen,
		logger: m.logger.With("generation_id", gen.ID, "conversation_id", conv.ID),
	}
	m.wg.Add(1)
	go w.run(m.baseCtx)

	return store.GenerationRunning, nil
}

// SubmitApproval resolves an open approval gate. Returns true when this
// call decided the gate, false when no matching gate was open (already
// resolved, expired, or never raised).
func (m *Manager) SubmitApproval(ctx context.Context, generationID, toolUseID string, decision Decision, userID string) (bool, error) {
	if decision != DecisionApproved && decision != DecisionDenied {
		return false, fmt.Errorf("%w: unknown decision %q", ErrInvalidRequest, decision)
	}
	if _, _, err := m.authorizeGeneration(ctx, generationID, userID); err != nil {
		return false, err
	}
	entry, ok := m.registry.Get(generationID)
	if !ok {
		return false, nil
	}
	accepted := entry.ResolveApproval(toolUseID, decision)
	if accepted {
		m.logger.Info("approval submitted", "generation_id", generationID, "tool_use_id", toolUseID, "decision", decision)
	}
	return accepted, nil
}

// SubmitAuthResult reports one integration's OAuth outcome against an open
// auth gate. A failure fails the whole gate; successes accumulate until
// every required integration is connected. Returns true when the report was
// applied.
func (m *Manager) SubmitAuthResult(ctx context.Context, generationID, integration string, success bool, userID string) (bool, error) {
	gen, _, err := m.authorizeGeneration(ctx, generationID, userID)
	if err != nil {
		return false, err
	}
	entry, ok := m.registry.Get(generationID)
	if !ok {
		return false, nil
	}
	connected, remaining, ok := entry.ResolveAuthIntegration(integration, success)
	if !ok {
		return false, nil
	}
	m.logger.Info("auth result submitted",
		"generation_id", generationID,
		"integration", integration,
		"success", success,
		"remaining", len(remaining))

	// Partial progress: the gate is still open, so the parked worker cannot
	// report it. Persist and publish here.
	if success && len(remaining) > 0 {
		if gen.PendingAuth != nil {
			gen.PendingAuth.Connected = connected
			if err := m.store.UpdateGeneration(ctx, gen); err != nil {
				m.logger.Warn("failed to persist auth progress", "generation_id", generationID, "error", err)
			}
		}
		m.publish(entry, &Event{
			Type:         EventAuthProgress,
			AuthProgress: &AuthProgressEvent{Connected: connected, Remaining: remaining},
		})
	}
	return true, nil
}

// Snapshot is the merged durable+live view of one generation.
type Snapshot struct {
	GenerationID    string
	ConversationID  string
	Status          store.GenerationStatus
	ContentParts    []store.ContentPart
	PendingApproval *store.PendingApproval
	PendingAuth     *store.PendingAuth
	Usage           store.Usage
	StartedAt       time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
	// Live reports whether a worker in this process is driving the
	// generation right now.
	Live bool
}

// GetGenerationStatus returns the generation's current snapshot.
func (m *Manager) GetGenerationStatus(ctx context.Context, generationID, userID string) (*Snapshot, error) {
	gen, _, err := m.authorizeGeneration(ctx, generationID, userID)
	if err != nil {
		return nil, err
	}
	_, live := m.registry.Get(generationID)
	return snapshotOf(gen, live), nil
}

// GetActiveGeneration returns the conversation's active generation, or nil
// when the conversation is idle.
func (m *Manager) GetActiveGeneration(ctx context.Context, conversationID, userID string) (*Snapshot, error) {
	conv, err := m.authorizeConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if conv.CurrentGenerationID == nil {
		return nil, nil
	}
	gen, err := m.store.GetGeneration(ctx, *conv.CurrentGenerationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading generation: %w", err)
	}
	if gen.Status.IsTerminal() {
		return nil, nil
	}
	_, live := m.registry.Get(gen.ID)
	return snapshotOf(gen, live), nil
}

func snapshotOf(gen *store.Generation, live bool) *Snapshot {
	return &Snapshot{
		GenerationID:    gen.ID,
		ConversationID:  gen.ConversationID,
		Status:          gen.Status,
		ContentParts:    gen.ContentParts,
		PendingApproval: gen.PendingApproval,
		PendingAuth:     gen.PendingAuth,
		Usage:           gen.Usage,
		StartedAt:       gen.StartedAt,
		CompletedAt:     gen.CompletedAt,
		ErrorMessage:    gen.ErrorMessage,
		Live:            live,
	}
}

// EnqueueConversationMessage queues a follow-up message behind the
// conversation's active generation. Queueing against an idle conversation is
// ErrConflict: the caller should start a generation instead.
func (m *Manager) EnqueueConversationMessage(ctx context.Context, conversationID, userID, content string, attachments []store.Attachment, capabilities []string, replaceExisting bool) (*store.QueuedMessage, error) {
	conv, err := m.authorizeConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if err := m.checkIdle(ctx, conv); err == nil {
		return nil, fmt.Errorf("%w: conversation is idle, start a generation instead", ErrConflict)
	} else if !errors.Is(err, ErrConflict) {
		return nil, err
	}
	msg, err := m.queue.Enqueue(ctx, conversationID, content, attachments, capabilities, replaceExisting)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.QueuedMessages.Inc()
	}
	return msg, nil
}

// ListConversationQueuedMessages returns the conversation's pending queue.
func (m *Manager) ListConversationQueuedMessages(ctx context.Context, conversationID, userID string) ([]*store.QueuedMessage, error) {
	if _, err := m.authorizeConversation(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	return m.queue.List(ctx, conversationID)
}

// RemoveConversationQueuedMessage deletes one queued message. Removing an
// already-consumed or unknown message succeeds.
func (m *Manager) RemoveConversationQueuedMessage(ctx context.Context, conversationID, userID, queuedID string) error {
	if _, err := m.authorizeConversation(ctx, conversationID, userID); err != nil {
		return err
	}
	return m.queue.Remove(ctx, queuedID)
}

// WaitForApproval opens an approval gate for a write-capable tool call and
// blocks until it resolves. It never fails: timeout, cancellation, and any
// internal fault all resolve to denied. Called by the Runtime (through the
// worker's hooks or the runtime callback endpoint) on the run's own
// goroutine.
func (m *Manager) WaitForApproval(ctx context.Context, generationID string, req *ApprovalRequest) Decision {
	entry, ok := m.registry.Get(generationID)
	if !ok {
		return DecisionDenied
	}
	gen, err := m.store.GetGeneration(ctx, generationID)
	if err != nil {
		m.logger.Error("approval gate: loading generation", "generation_id", generationID, "error", err)
		return DecisionDenied
	}
	if gen.Policy.AutoApprove {
		m.countApproval("auto_approved")
		return DecisionApproved
	}
	if entry.CancelRequested() {
		return DecisionDenied
	}

	now := time.Now().UTC()
	gen.Status = store.GenerationAwaitingApproval
	gen.PendingApproval = &store.PendingApproval{
		ToolUseID:   req.ToolUseID,
		ToolName:    req.ToolName,
		ToolInput:   req.ToolInput,
		Integration: req.Integration,
		Operation:   req.Operation,
		Command:     req.Command,
		RequestedAt: now,
		ExpiresAt:   now.Add(m.approvalTimeout),
	}
	if err := m.store.UpdateGeneration(ctx, gen); err != nil {
		m.logger.Error("approval gate: persisting pause", "generation_id", generationID, "error", err)
		return DecisionDenied
	}
	if err := m.store.UpdateConversationGeneration(ctx, gen.ConversationID, store.ConversationAwaitingApproval, &gen.ID); err != nil {
		m.logger.Warn("approval gate: updating conversation", "generation_id", generationID, "error", err)
	}
	entry.SetStatus(store.GenerationAwaitingApproval)

	gate := NewGate(m.approvalTimeout, DecisionDenied)
	entry.OpenApprovalGate(req.ToolUseID, gate)

	m.publish(entry, &Event{Type: EventStatusChange, StatusChange: &StatusChangeEvent{Status: string(store.GenerationAwaitingApproval)}})
	m.publish(entry, &Event{Type: EventPendingApproval, PendingApproval: &PendingApprovalEvent{
		GenerationID:   gen.ID,
		ConversationID: gen.ConversationID,
		ToolUseID:      req.ToolUseID,
		ToolName:       req.ToolName,
		ToolInput:      req.ToolInput,
		Integration:    req.Integration,
		Operation:      req.Operation,
		Command:        req.Command,
	}})

	decision := gate.Await(ctx)
	entry.CloseApprovalGate(req.ToolUseID)

	gen.Status = store.GenerationRunning
	gen.PendingApproval = nil
	if err := m.store.UpdateGeneration(ctx, gen); err != nil {
		m.logger.Error("approval gate: persisting resolution", "generation_id", generationID, "error", err)
	}
	if err := m.store.UpdateConversationGeneration(ctx, gen.ConversationID, store.ConversationGenerating, &gen.ID); err != nil {
		m.logger.Warn("approval gate: updating conversation", "generation_id", generationID, "error", err)
	}
	entry.SetStatus(store.GenerationRunning)

	m.publish(entry, &Event{Type: EventApprovalResult, ApprovalResult: &ApprovalResultEvent{
		ToolUseID: req.ToolUseID,
		Decision:  string(decision),
	}})
	m.publish(entry, &Event{Type: EventStatusChange, StatusChange: &StatusChangeEvent{Status: string(store.GenerationRunning)}})

	m.countApproval(string(decision))
	return decision
}

// WaitForAuth opens an auth gate over the integrations the agent is missing
// and blocks until every one connects, any one fails, or the gate expires.
// Like WaitForApproval it never fails; the safe default is auth failure.
func (m *Manager) WaitForAuth(ctx context.Context, generationID string, req *AuthRequest) *AuthResult {
	failure := &AuthResult{Success: false}
	entry, ok := m.registry.Get(generationID)
	if !ok {
		return failure
	}
	gen, err := m.store.GetGeneration(ctx, generationID)
	if err != nil {
		m.logger.Error("auth gate: loading generation", "generation_id", generationID, "error", err)
		return failure
	}
	if entry.CancelRequested() {
		return failure
	}

	// Integrations already connected do not gate.
	now := time.Now().UTC()
	tokens := make(map[string]*store.IntegrationConnection)
	var missing []string
	for _, integration := range req.Integrations {
		conn, err := m.store.GetIntegrationConnection(ctx, entry.UserID, integration)
		if err == nil && conn.Valid(now) {
			tokens[integration] = conn
			continue
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			m.logger.Error("auth gate: loading connection", "generation_id", generationID, "integration", integration, "error", err)
			return failure
		}
		missing = append(missing, integration)
	}
	if len(missing) == 0 {
		m.countAuth("already_connected")
		return &AuthResult{Success: true, UserID: entry.UserID, Tokens: tokens}
	}

	gen.Status = store.GenerationAwaitingAuth
	gen.PendingAuth = &store.PendingAuth{
		Integrations: missing,
		RequestedAt:  now,
		ExpiresAt:    now.Add(m.authTimeout),
		Reason:       req.Reason,
	}
	if err := m.store.UpdateGeneration(ctx, gen); err != nil {
		m.logger.Error("auth gate: persisting pause", "generation_id", generationID, "error", err)
		return failure
	}
	if err := m.store.UpdateConversationGeneration(ctx, gen.ConversationID, store.ConversationAwaitingAuth, &gen.ID); err != nil {
		m.logger.Warn("auth gate: updating conversation", "generation_id", generationID, "error", err)
	}
	entry.SetStatus(store.GenerationAwaitingAuth)

	gate := NewGate(m.authTimeout, false)
	entry.OpenAuthGate(missing, gate)

	m.publish(entry, &Event{Type: EventStatusChange, StatusChange: &StatusChangeEvent{Status: string(store.GenerationAwaitingAuth)}})
	m.publish(entry, &Event{Type: EventAuthNeeded, AuthNeeded: &AuthNeededEvent{
		GenerationID:   gen.ID,
		ConversationID: gen.ConversationID,
		Integrations:   missing,
		Reason:         req.Reason,
	}})

	success := gate.Await(ctx)
	entry.CloseAuthGate()

	gen.Status = store.GenerationRunning
	gen.PendingAuth = nil
	if err := m.store.UpdateGeneration(ctx, gen); err != nil {
		m.logger.Error("auth gate: persisting resolution", "generation_id", generationID, "error", err)
	}
	if err := m.store.UpdateConversationGeneration(ctx, gen.ConversationID, store.ConversationGenerating, &gen.ID); err != nil {
		m.logger.Warn("auth gate: updating conversation", "generation_id", generationID, "error", err)
	}
	entry.SetStatus(store.GenerationRunning)

	m.publish(entry, &Event{Type: EventAuthResult, AuthResult: &AuthResultEvent{
		Success:      success,
		Integrations: req.Integrations,
	}})
	m.publish(entry, &Event{Type: EventStatusChange, StatusChange: &StatusChangeEvent{Status: string(store.GenerationRunning)}})

	if !success {
		m.countAuth("failed")
		return failure
	}
	for _, integration := range missing {
		conn, err := m.store.GetIntegrationConnection(ctx, entry.UserID, integration)
		if err != nil || !conn.Valid(time.Now()) {
			m.logger.Error("auth gate: connection missing after success", "generation_id", generationID, "integration", integration)
			m.countAuth("failed")
			return failure
		}
		tokens[integration] = conn
	}
	m.countAuth("connected")
	return &AuthResult{Success: true, UserID: entry.UserID, Tokens: tokens}
}

// publish sends an event to the generation's channel and counts it.
func (m *Manager) publish(entry *Entry, ev *Event) {
	entry.Channel.Publish(ev)
	if m.metrics != nil {
		m.metrics.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	}
}

func (m *Manager) countApproval(decision string) {
	if m.metrics != nil {
		m.metrics.ApprovalDecisions.WithLabelValues(decision).Inc()
	}
}

func (m *Manager) countAuth(outcome string) {
	if m.metrics != nil {
		m.metrics.AuthOutcomes.WithLabelValues(outcome).Inc()
	}
}

// replayEvents reconstructs a finished (or worker-less) generation's stream
// from its persisted row.
func replayEvents(gen *store.Generation, messageID string) []*Event {
	var events []*Event
	for i := range gen.ContentParts {
		part := &gen.ContentParts[i]
		switch part.Type {
		case store.PartTypeText, store.PartTypeSystem:
			events = append(events, &Event{Type: EventText, Text: &TextEvent{Content: part.Content}})
		case store.PartTypeThinking:
			events = append(events, &Event{Type: EventThinking, Thinking: &ThinkingEvent{Content: part.Content, ThinkingID: part.ThinkingID}})
		case store.PartTypeToolUse:
			events = append(events, &Event{Type: EventToolUse, ToolUse: &ToolUseEvent{
				ToolName:    part.ToolName,
				ToolInput:   part.ToolInput,
				ToolUseID:   part.ToolUseID,
				Integration: part.Integration,
				Operation:   part.Operation,
				IsWrite:     part.IsWrite,
			}})
		case store.PartTypeToolResult:
			events = append(events, &Event{Type: EventToolResult, ToolResult: &ToolResultEvent{
				ToolName: part.ToolName,
				Result:   part.Content,
			}})
		}
	}

	switch gen.Status {
	case store.GenerationCompleted:
		events = append(events, &Event{Type: EventDone, Done: &DoneEvent{
			GenerationID:   gen.ID,
			ConversationID: gen.ConversationID,
			MessageID:      messageID,
			Usage: UsageSummary{
				InputTokens:  gen.Usage.InputTokens,
				OutputTokens: gen.Usage.OutputTokens,
				TotalCostUSD: gen.Usage.TotalCostUSD,
			},
		}})
	case store.GenerationCancelled:
		events = append(events, &Event{Type: EventCancelled})
	case store.GenerationError:
		events = append(events, &Event{Type: EventError, Error: &ErrorEvent{Message: gen.ErrorMessage}})
	default:
		// Non-terminal without a live worker: report where it stopped.
		if gen.PendingApproval != nil {
			events = append(events, &Event{Type: EventPendingApproval, PendingApproval: &PendingApprovalEvent{
				GenerationID:   gen.ID,
				ConversationID: gen.ConversationID,
				ToolUseID:      gen.PendingApproval.ToolUseID,
				ToolName:       gen.PendingApproval.ToolName,
				ToolInput:      gen.PendingApproval.ToolInput,
				Integration:    gen.PendingApproval.Integration,
				Operation:      gen.PendingApproval.Operation,
				Command:        gen.PendingApproval.Command,
			}})
		}
		if gen.PendingAuth != nil {
			events = append(events, &Event{Type: EventAuthNeeded, AuthNeeded: &AuthNeededEvent{
				GenerationID:   gen.ID,
				ConversationID: gen.ConversationID,
				Integrations:   gen.PendingAuth.Integrations,
				Reason:         gen.PendingAuth.Reason,
			}})
		}
		events = append(events, &Event{Type: EventStatusChange, StatusChange: &StatusChangeEvent{Status: string(gen.Status)}})
	}
	return events
}
