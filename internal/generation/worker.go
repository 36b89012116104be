// ABOUTME: Worker drives one generation run from start to terminal state
// ABOUTME: Streams runtime output, checkpoints at tool boundaries, drains the queue

package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/store"
)

// interruptedNote is appended to the transcript when a run is cancelled.
const interruptedNote = "Interrupted by user"

// worker owns one generation row from start to terminal state. It is the
// only writer of that row while it lives (gate waits execute on the
// worker's run, so the single-writer rule holds).
type worker struct {
	m      *Manager
	entry  *Entry
	gen    *store.Generation
	logger *slog.Logger
}

// run drives the generation to a terminal state and then drains the
// conversation's follow-up queue.
func (w *worker) run(ctx context.Context) {
	defer w.m.wg.Done()

	w.m.publish(w.entry, &Event{Type: EventStatusChange, StatusChange: &StatusChangeEvent{Status: string(store.GenerationRunning)}})

	history, err := w.m.store.ListConversationMessages(ctx, w.gen.ConversationID, 0)
	if err != nil {
		w.logger.Error("loading history", "error", err)
		history = nil
	}
	req := &RunRequest{
		GenerationID:   w.gen.ID,
		ConversationID: w.gen.ConversationID,
		UserID:         w.entry.UserID,
		SandboxID:      w.gen.SandboxID,
		Policy:         w.gen.Policy,
		History:        history,
	}

	var res *RunResult
	for attempt := 0; ; attempt++ {
		res, err = w.m.runtime.Run(ctx, req, w)
		if err == nil || errors.Is(err, ErrRunCancelled) || ctx.Err() != nil {
			break
		}
		if w.entry.CancelRequested() {
			err = ErrRunCancelled
			break
		}
		if attempt >= w.m.maxRetries {
			break
		}
		w.logger.Warn("runtime run failed, retrying",
			"attempt", attempt+1,
			"max_retries", w.m.maxRetries,
			"error", err)
		if w.m.metrics != nil {
			w.m.metrics.RuntimeRetries.Inc()
		}
		select {
		case <-time.After(w.m.retryDelay):
		case <-ctx.Done():
		}
	}

	switch {
	case errors.Is(err, ErrRunCancelled), err == nil && w.entry.CancelRequested():
		w.finishCancelled(ctx)
	case err != nil && ctx.Err() != nil && !w.entry.CancelRequested():
		// Process shutdown, not a user cancel: park the row for resume.
		w.finishPaused(ctx)
		return
	case err != nil:
		w.finishError(ctx, err)
	default:
		w.finishCompleted(ctx, res)
	}

	w.drainQueue(ctx)
}

// OnEvent receives one incremental output from the runtime. Tool boundaries
// checkpoint the accumulated parts before the event is published, so a
// subscriber never sees output the store could lose.
func (w *worker) OnEvent(ctx context.Context, ev *RuntimeEvent) error {
	if w.entry.CancelRequested() {
		return ErrRunCancelled
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	switch ev.Type {
	case RuntimeEventText:
		w.appendText(store.PartTypeText, ev.Content, "")
		w.m.publish(w.entry, &Event{Type: EventText, Text: &TextEvent{Content: ev.Content}})

	case RuntimeEventThinking:
		w.appendText(store.PartTypeThinking, ev.Content, ev.ThinkingID)
		w.m.publish(w.entry, &Event{Type: EventThinking, Thinking: &ThinkingEvent{Content: ev.Content, ThinkingID: ev.ThinkingID}})

	case RuntimeEventToolUse:
		w.gen.ContentParts = append(w.gen.ContentParts, store.ContentPart{
			Type:        store.PartTypeToolUse,
			ToolName:    ev.ToolName,
			ToolUseID:   ev.ToolUseID,
			ToolInput:   ev.ToolInput,
			Integration: ev.Integration,
			Operation:   ev.Operation,
			IsWrite:     ev.Operation == "write",
		})
		w.checkpoint(ctx)
		w.m.publish(w.entry, &Event{Type: EventToolUse, ToolUse: &ToolUseEvent{
			ToolName:    ev.ToolName,
			ToolInput:   ev.ToolInput,
			ToolUseID:   ev.ToolUseID,
			Integration: ev.Integration,
			Operation:   ev.Operation,
			IsWrite:     ev.Operation == "write",
		}})

	case RuntimeEventToolResult:
		w.gen.ContentParts = append(w.gen.ContentParts, store.ContentPart{
			Type:      store.PartTypeToolResult,
			ToolName:  ev.ToolName,
			ToolUseID: ev.ToolUseID,
			Content:   ev.Result,
		})
		w.checkpoint(ctx)
		w.m.publish(w.entry, &Event{Type: EventToolResult, ToolResult: &ToolResultEvent{
			ToolName: ev.ToolName,
			Result:   ev.Result,
		}})

	case RuntimeEventSandboxFile:
		if ev.File != nil {
			w.m.publish(w.entry, &Event{Type: EventSandboxFile, SandboxFile: ev.File})
		}

	default:
		w.logger.Warn("unknown runtime event type", "type", ev.Type)
	}
	return nil
}

// RequestApproval blocks the run on a human decision for a write tool call.
func (w *worker) RequestApproval(ctx context.Context, req *ApprovalRequest) Decision {
	return w.m.WaitForApproval(ctx, w.gen.ID, req)
}

// RequestAuth blocks the run until the required integrations connect.
func (w *worker) RequestAuth(ctx context.Context, req *AuthRequest) *AuthResult {
	return w.m.WaitForAuth(ctx, w.gen.ID, req)
}

// appendText coalesces consecutive chunks of the same kind into one part.
func (w *worker) appendText(partType, content, thinkingID string) {
	parts := w.gen.ContentParts
	if n := len(parts); n > 0 && parts[n-1].Type == partType && parts[n-1].ThinkingID == thinkingID {
		parts[n-1].Content += content
		return
	}
	w.gen.ContentParts = append(w.gen.ContentParts, store.ContentPart{
		Type:       partType,
		Content:    content,
		ThinkingID: thinkingID,
	})
}

// checkpoint persists the accumulated parts. A failed checkpoint is logged
// but does not abort the run; the next boundary retries.
func (w *worker) checkpoint(ctx context.Context) {
	if err := w.m.store.UpdateGeneration(ctx, w.gen); err != nil {
		w.logger.Error("checkpoint failed", "error", err)
	}
}

// finishCompleted persists the terminal completed state, saves the final
// assistant message, and publishes done.
func (w *worker) finishCompleted(ctx context.Context, res *RunResult) {
	now := time.Now().UTC()
	if res != nil {
		w.gen.SandboxID = res.SandboxID
		w.gen.Usage = res.Usage
	}
	w.gen.Status = store.GenerationCompleted
	w.gen.CompletedAt = &now
	w.gen.PendingApproval = nil
	w.gen.PendingAuth = nil

	messageID := w.saveAssistantMessage(ctx, now)
	w.persistTerminal(ctx)

	w.m.publish(w.entry, &Event{Type: EventDone, Done: &DoneEvent{
		GenerationID:   w.gen.ID,
		ConversationID: w.gen.ConversationID,
		MessageID:      messageID,
		Usage: UsageSummary{
			InputTokens:  w.gen.Usage.InputTokens,
			OutputTokens: w.gen.Usage.OutputTokens,
			TotalCostUSD: w.gen.Usage.TotalCostUSD,
		},
	}})
	w.teardown("completed")
	w.logger.Info("generation completed",
		"input_tokens", w.gen.Usage.InputTokens,
		"output_tokens", w.gen.Usage.OutputTokens)
}

// finishCancelled persists the terminal cancelled state with whatever
// partial output exists.
func (w *worker) finishCancelled(ctx context.Context) {
	now := time.Now().UTC()
	w.gen.ContentParts = append(w.gen.ContentParts, store.ContentPart{
		Type:    store.PartTypeSystem,
		Content: interruptedNote,
	})
	w.gen.Status = store.GenerationCancelled
	w.gen.CompletedAt = &now
	w.gen.PendingApproval = nil
	w.gen.PendingAuth = nil

	w.saveAssistantMessage(ctx, now)
	w.persistTerminal(ctx)

	w.m.publish(w.entry, &Event{Type: EventCancelled})
	w.teardown("cancelled")
	w.logger.Info("generation cancelled")
}

// finishError persists the terminal error state after retries ran out.
func (w *worker) finishError(ctx context.Context, runErr error) {
	now := time.Now().UTC()
	w.gen.Status = store.GenerationError
	w.gen.CompletedAt = &now
	w.gen.ErrorMessage = runErr.Error()
	w.gen.PendingApproval = nil
	w.gen.PendingAuth = nil

	if len(w.gen.ContentParts) > 0 {
		w.saveAssistantMessage(ctx, now)
	}
	w.persistTerminal(ctx)

	w.m.publish(w.entry, &Event{Type: EventError, Error: &ErrorEvent{Message: runErr.Error()}})
	w.teardown("error")
	w.logger.Error("generation failed", "error", runErr)
}

// finishPaused parks a run interrupted by process shutdown so
// ResumeGeneration can revive it.
func (w *worker) finishPaused(ctx context.Context) {
	// The base context is gone; persistence gets its own short deadline.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	w.gen.Status = store.GenerationPaused
	w.gen.PendingApproval = nil
	w.gen.PendingAuth = nil
	if err := w.m.store.UpdateGeneration(pctx, w.gen); err != nil {
		w.logger.Error("persisting paused state", "error", err)
	}
	if err := w.m.store.UpdateConversationGeneration(pctx, w.gen.ConversationID, store.ConversationPaused, &w.gen.ID); err != nil {
		w.logger.Error("updating conversation for pause", "error", err)
	}

	w.m.publish(w.entry, &Event{Type: EventStatusChange, StatusChange: &StatusChangeEvent{Status: string(store.GenerationPaused)}})
	w.teardown("paused")
	w.logger.Info("generation paused for shutdown")
}

// saveAssistantMessage writes the final assistant turn assembled from the
// accumulated parts. Returns the message ID, or "" when nothing was saved.
func (w *worker) saveAssistantMessage(ctx context.Context, now time.Time) string {
	msg := &store.Message{
		ID:             uuid.NewString(),
		ConversationID: w.gen.ConversationID,
		GenerationID:   &w.gen.ID,
		Role:           store.RoleAssistant,
		ContentParts:   w.gen.ContentParts,
		CreatedAt:      now,
	}
	if err := w.m.store.SaveMessage(ctx, msg); err != nil {
		w.logger.Error("saving assistant message", "error", err)
		return ""
	}
	return msg.ID
}

// persistTerminal writes the terminal row and clears the conversation's
// active-generation view. The row write happens before the terminal event is
// published.
func (w *worker) persistTerminal(ctx context.Context) {
	if err := w.m.store.UpdateGeneration(ctx, w.gen); err != nil {
		w.logger.Error("persisting terminal state", "error", err)
	}
	status := store.ConversationStatusFor(w.gen.Status)
	if err := w.m.store.UpdateConversationGeneration(ctx, w.gen.ConversationID, status, nil); err != nil {
		w.logger.Error("updating conversation", "error", err)
	}
}

// teardown closes the stream, frees the registry slot, and updates gauges.
func (w *worker) teardown(outcome string) {
	w.entry.SetStatus(w.gen.Status)
	w.entry.Channel.Close()
	w.m.registry.Deregister(w.gen.ID)
	if w.m.metrics != nil {
		w.m.metrics.GenerationsActive.Dec()
		if outcome != "paused" {
			w.m.metrics.GenerationsFinished.WithLabelValues(outcome).Inc()
		}
	}
}

// drainQueue starts the next queued follow-up, if any.
func (w *worker) drainQueue(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	msg, err := w.m.queue.ConsumeNext(ctx, w.gen.ConversationID)
	if err != nil {
		w.logger.Error("draining queue", "error", err)
		return
	}
	if msg == nil {
		return
	}
	w.logger.Info("starting queued follow-up", "queued_id", msg.ID)
	_, err = w.m.StartGeneration(ctx, &StartRequest{
		ConversationID: w.gen.ConversationID,
		UserID:         w.entry.UserID,
		Content:        msg.Content,
		Model:          w.gen.Policy.Model,
		Capabilities:   msg.Capabilities,
		Attachments:    msg.Attachments,
	})
	if err != nil {
		w.logger.Error("starting queued follow-up", "queued_id", msg.ID, "error", err)
	}
}
