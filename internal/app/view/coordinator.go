package view

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chatcore/internal/apperrors"
	"chatcore/internal/app/message"
	"chatcore/internal/app/thread"
	"chatcore/internal/providers/generation"
	"chatcore/internal/utils"
)

// Coordinator owns the authoritative in-memory view of every open thread.
// Mutating intents apply to the view synchronously; the matching store writes
// run afterwards on a per-thread background queue. A failed background write
// never rolls the view back: it surfaces as a "persistence_failed" event and
// the view stays authoritative.
//
// At most one cascade is in flight per thread. A second intent queues on the
// thread's gate in arrival order; callers that must not wait pass a context
// that is already cancelled or about to expire and get a
// ConcurrentMutationError instead.
type Coordinator struct {
	messages   message.Service
	threads    thread.Service
	toucher    message.ThreadToucher
	generators *generation.Registry
	eventBus   *utils.EventBus
	logger     *zap.SugaredLogger

	mu   sync.Mutex
	open map[string]*openThread
}

type openThread struct {
	threadID string

	mu   sync.Mutex
	view *ThreadView

	gate  chan struct{}
	tasks chan func()

	pending sync.WaitGroup
	refs    int
}

func NewCoordinator(
	messages message.Service,
	threads thread.Service,
	toucher message.ThreadToucher,
	generators *generation.Registry,
	eventBus *utils.EventBus,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		messages:   messages,
		threads:    threads,
		toucher:    toucher,
		generators: generators,
		eventBus:   eventBus,
		logger:     logger.Sugar(),
		open:       make(map[string]*openThread),
	}
}

// OpenThread loads the thread's messages into an authoritative view. Opens
// are refcounted; the view is shared between sessions on the same process.
func (c *Coordinator) OpenThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	if ot, ok := c.open[threadID]; ok {
		ot.refs++
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	msgs, err := c.messages.ListByThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to open thread view: %w", err)
	}

	ot := &openThread{
		threadID: threadID,
		view:     NewThreadView(threadID, msgs),
		gate:     make(chan struct{}, 1),
		tasks:    make(chan func(), 64),
		refs:     1,
	}
	go func() {
		for fn := range ot.tasks {
			fn()
		}
	}()

	c.mu.Lock()
	if existing, ok := c.open[threadID]; ok {
		// Lost a racing open; fold into the existing view.
		existing.refs++
		c.mu.Unlock()
		close(ot.tasks)
		return nil
	}
	c.open[threadID] = ot
	c.mu.Unlock()
	return nil
}

// CloseThread drops one reference; the last close tears the view down after
// draining its persistence queue.
func (c *Coordinator) CloseThread(threadID string) {
	c.mu.Lock()
	ot, ok := c.open[threadID]
	if !ok {
		c.mu.Unlock()
		return
	}
	ot.refs--
	if ot.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.open, threadID)
	c.mu.Unlock()

	go func() {
		// Every persistence task is scheduled while its mutation holds the
		// gate. Taking the gate here (and never releasing it) means no
		// mutation is mid-cascade and none can start, so once the pending
		// queue drains the task channel is safe to close.
		ot.gate <- struct{}{}
		ot.pending.Wait()
		close(ot.tasks)
	}()
}

// Messages snapshots the authoritative sequence for an open thread.
func (c *Coordinator) Messages(threadID string) ([]*message.Message, error) {
	ot, err := c.openThreadFor(threadID)
	if err != nil {
		return nil, err
	}
	ot.mu.Lock()
	defer ot.mu.Unlock()
	return ot.view.Messages(), nil
}

// Flush blocks until every scheduled persistence task for the thread has
// completed. Used at shutdown and by tests.
func (c *Coordinator) Flush(threadID string) {
	c.mu.Lock()
	ot, ok := c.open[threadID]
	c.mu.Unlock()
	if ok {
		ot.pending.Wait()
	}
}

// Send applies a user message to the view immediately and schedules its
// persistence. The caller observes the new sequence before any store
// round-trip happens.
func (c *Coordinator) Send(ctx context.Context, threadID string, in message.AppendInput) (*message.Message, error) {
	if in.Sender == "" {
		return nil, &apperrors.ValidationError{Field: "sender"}
	}

	ot, err := c.openThreadFor(threadID)
	if err != nil {
		return nil, err
	}
	if err := c.acquireGate(ctx, ot); err != nil {
		return nil, err
	}
	defer c.releaseGate(ot)

	ot.mu.Lock()
	msg := message.NewMessage(threadID, in, ot.view.nextSeq())
	ot.view.entries = appendEntry(ot.view.entries, msg)
	ot.mu.Unlock()

	c.schedulePersist(ot, msg)
	c.scheduleTouch(ot, msg.CreatedAt)
	return msg, nil
}

// DeleteFrom removes the target and every later message from the view, then
// schedules store deletes for the removed entries that have durable backing
// records. Unsaved entries are dropped locally with no store call. When the
// id is not in the view at all, a single-record store delete is issued as a
// fallback.
func (c *Coordinator) DeleteFrom(ctx context.Context, threadID, messageID string) error {
	ot, err := c.openThreadFor(threadID)
	if err != nil {
		return err
	}
	if err := c.acquireGate(ctx, ot); err != nil {
		return err
	}
	defer c.releaseGate(ot)

	ot.mu.Lock()
	i, ok := ot.view.indexOf(messageID)
	if !ok {
		ot.mu.Unlock()
		c.logger.Warnw("Cascade target not in view, issuing single store delete",
			"thread_id", threadID,
			"message_id", messageID,
		)
		c.scheduleDelete(ot, messageID)
		return nil
	}
	kept, removed := cascadeFrom(ot.view.entries, i)
	ot.view.entries = kept
	ot.mu.Unlock()

	c.scheduleRemovedDeletes(ot, removed)
	c.scheduleTouch(ot, time.Now().UTC())
	return nil
}

// EditWithCascade rewrites the target's content, marks it edited, and clears
// every later message: stale responses are no longer valid given the edited
// input.
func (c *Coordinator) EditWithCascade(ctx context.Context, threadID, messageID, content string) (*message.Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &apperrors.ValidationError{Field: "content"}
	}

	ot, err := c.openThreadFor(threadID)
	if err != nil {
		return nil, err
	}
	if err := c.acquireGate(ctx, ot); err != nil {
		return nil, err
	}
	defer c.releaseGate(ot)

	ot.mu.Lock()
	i, ok := ot.view.indexOf(messageID)
	if !ok {
		ot.mu.Unlock()
		return nil, &apperrors.NotFoundError{Resource: "message", ID: messageID}
	}
	kept, removed := cascadeFrom(ot.view.entries, i+1)
	kept = editEntry(kept, i, content)
	edited := kept[i]
	ot.view.entries = kept
	ot.mu.Unlock()

	c.scheduleRemovedDeletes(ot, removed)

	update := edited.Msg.Clone()
	wasSaved := edited.Saved
	c.schedule(ot, func() {
		ctx, cancel := persistContext()
		defer cancel()
		var err error
		if wasSaved {
			err = c.messages.PersistUpdate(ctx, update)
		} else {
			err = c.messages.Persist(ctx, update)
		}
		if err != nil {
			c.notifyPersistFailure(ot.threadID, update.ID, "edit", err)
			return
		}
		c.markEntrySaved(ot, update.ID)
	})
	c.scheduleTouch(ot, time.Now().UTC())
	return edited.Msg, nil
}

// Regenerate discards the assistant message (and everything after it) and
// streams a fresh response conditioned on the preceding user turn. The
// thread's gate is held for the whole stream, so no other cascade can
// interleave; cancelling ctx keeps whatever partial text was produced as a
// completed message flagged interrupted.
func (c *Coordinator) Regenerate(ctx context.Context, threadID, assistantMessageID string) (*message.Message, error) {
	ot, err := c.openThreadFor(threadID)
	if err != nil {
		return nil, err
	}
	if err := c.acquireGate(ctx, ot); err != nil {
		return nil, err
	}
	defer c.releaseGate(ot)

	ot.mu.Lock()
	i, ok := ot.view.indexOf(assistantMessageID)
	if !ok {
		ot.mu.Unlock()
		return nil, &apperrors.NotFoundError{Resource: "message", ID: assistantMessageID}
	}
	if i == 0 || ot.view.entries[i-1].Msg.FromAssistant() {
		ot.mu.Unlock()
		return nil, &apperrors.RegenerationError{Reason: "no-preceding-user-message"}
	}
	kept, removed := cascadeFrom(ot.view.entries, i)
	ot.view.entries = kept
	history := historyFrom(kept)
	ot.mu.Unlock()

	c.scheduleRemovedDeletes(ot, removed)

	return c.generate(ctx, ot, history)
}

// Generate streams an assistant response to the thread's current sequence
// and appends it. The gate is held for the duration, same as Regenerate.
func (c *Coordinator) Generate(ctx context.Context, threadID string) (*message.Message, error) {
	ot, err := c.openThreadFor(threadID)
	if err != nil {
		return nil, err
	}
	if err := c.acquireGate(ctx, ot); err != nil {
		return nil, err
	}
	defer c.releaseGate(ot)

	ot.mu.Lock()
	history := historyFrom(ot.view.entries)
	ot.mu.Unlock()

	return c.generate(ctx, ot, history)
}

func (c *Coordinator) generate(ctx context.Context, ot *openThread, history []generation.Turn) (*message.Message, error) {
	t, err := c.threads.GetThread(ctx, ot.threadID)
	if err != nil {
		return nil, err
	}
	gen, err := c.generators.Get(t.Provider)
	if err != nil {
		return nil, err
	}

	stream, err := gen.Stream(ctx, generation.Request{
		Provider: t.Provider,
		Model:    t.Model,
		History:  history,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start generation: %w", err)
	}

	var text strings.Builder
	for ev := range stream.Events() {
		if ev.Kind == generation.EventText {
			text.WriteString(ev.Text)
		}
	}
	result, streamErr := stream.Result(context.Background())

	interrupted := false
	if streamErr != nil {
		if errors.Is(streamErr, context.Canceled) || errors.Is(streamErr, context.DeadlineExceeded) {
			// Cancellation keeps the partial text as a completed message.
			interrupted = true
		} else {
			return nil, fmt.Errorf("generation failed: %w", streamErr)
		}
	}

	content := result.Text
	if content == "" {
		content = text.String()
	}

	in := message.AppendInput{
		Sender:      message.SenderAssistant,
		Content:     content,
		Interrupted: interrupted,
		Metadata: &message.Metadata{
			Provider:         t.Provider,
			Model:            t.Model,
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			ContextTokens:    result.Usage.ContextTokens,
		},
	}

	ot.mu.Lock()
	msg := message.NewMessage(ot.threadID, in, ot.view.nextSeq())
	ot.view.entries = appendEntry(ot.view.entries, msg)
	ot.mu.Unlock()

	c.schedulePersist(ot, msg)
	c.scheduleTouch(ot, msg.CreatedAt)
	return msg, nil
}

func historyFrom(entries []Entry) []generation.Turn {
	turns := make([]generation.Turn, len(entries))
	for i, e := range entries {
		turns[i] = generation.Turn{Role: e.Msg.Sender, Content: e.Msg.Content}
	}
	return turns
}

func (c *Coordinator) openThreadFor(threadID string) (*openThread, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ot, ok := c.open[threadID]
	if !ok {
		return nil, &apperrors.NotFoundError{Resource: "open thread view", ID: threadID}
	}
	return ot, nil
}

// acquireGate takes the thread's single cascade slot. Waiters queue in
// arrival order; a context that gives up while waiting maps to
// ConcurrentMutationError, the "rejected" half of the contract.
func (c *Coordinator) acquireGate(ctx context.Context, ot *openThread) error {
	select {
	case ot.gate <- struct{}{}:
		return nil
	default:
	}
	select {
	case ot.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return &apperrors.ConcurrentMutationError{ThreadID: ot.threadID}
	}
}

func (c *Coordinator) releaseGate(ot *openThread) {
	<-ot.gate
}

func (c *Coordinator) schedule(ot *openThread, fn func()) {
	ot.pending.Add(1)
	ot.tasks <- func() {
		defer ot.pending.Done()
		fn()
	}
}

func (c *Coordinator) schedulePersist(ot *openThread, msg *message.Message) {
	record := msg.Clone()
	c.schedule(ot, func() {
		ctx, cancel := persistContext()
		defer cancel()
		if err := c.messages.Persist(ctx, record); err != nil {
			c.notifyPersistFailure(ot.threadID, record.ID, "append", err)
			return
		}
		c.markEntrySaved(ot, record.ID)
	})
}

func (c *Coordinator) scheduleDelete(ot *openThread, messageID string) {
	c.schedule(ot, func() {
		ctx, cancel := persistContext()
		defer cancel()
		if err := c.messages.DeleteRecord(ctx, messageID); err != nil {
			c.notifyPersistFailure(ot.threadID, messageID, "delete", err)
		}
	})
}

// scheduleRemovedDeletes issues store deletes for saved entries only, newest
// first so a partial failure never strands a reply without its parent.
func (c *Coordinator) scheduleRemovedDeletes(ot *openThread, removed []Entry) {
	for i := len(removed) - 1; i >= 0; i-- {
		if removed[i].Saved {
			c.scheduleDelete(ot, removed[i].Msg.ID)
		}
	}
}

func (c *Coordinator) scheduleTouch(ot *openThread, at time.Time) {
	c.schedule(ot, func() {
		ctx, cancel := persistContext()
		defer cancel()
		if err := c.toucher.Touch(ctx, ot.threadID, at); err != nil {
			c.logger.Warnw("Failed to advance thread timestamp",
				"thread_id", ot.threadID,
				"error", err,
			)
		}
	})
}

func (c *Coordinator) markEntrySaved(ot *openThread, id string) {
	ot.mu.Lock()
	defer ot.mu.Unlock()
	ot.view.entries = markSaved(ot.view.entries, id)
}

// notifyPersistFailure surfaces a background write failure without touching
// the view: the user already saw the optimistic result, so the view stays
// authoritative and the divergence is reported instead.
func (c *Coordinator) notifyPersistFailure(threadID, messageID, op string, err error) {
	c.logger.Errorw("Background persistence failed, view kept authoritative",
		"thread_id", threadID,
		"message_id", messageID,
		"op", op,
		"error", err,
	)
	c.eventBus.Publish("persistence_failed", map[string]interface{}{
		"thread_id":  threadID,
		"message_id": messageID,
		"op":         op,
		"error":      err.Error(),
	})
}

func persistContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
