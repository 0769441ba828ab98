package branch

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore/internal/apperrors"
	"chatcore/internal/app/message"
	"chatcore/internal/app/thread"
	"chatcore/internal/utils"
)

// Service forks a thread: it copies the message prefix up to and including a
// chosen message into a brand-new thread. The copy gets fresh identities and
// the two threads are fully independent afterwards; nothing here ever writes
// to the source.
type Service interface {
	Fork(ctx context.Context, sourceThreadID, atMessageID, newTitle, ownerID string) (*thread.Thread, error)
	ForksFrom(ctx context.Context, parentThreadID, parentMessageID string) ([]*thread.Thread, error)
}

type service struct {
	threads     thread.Service
	messageRepo message.Repository
	eventBus    *utils.EventBus
	logger      *zap.SugaredLogger
}

func NewService(threads thread.Service, messageRepo message.Repository, eventBus *utils.EventBus, logger *zap.Logger) Service {
	return &service{
		threads:     threads,
		messageRepo: messageRepo,
		eventBus:    eventBus,
		logger:      logger.Sugar(),
	}
}

func (s *service) Fork(ctx context.Context, sourceThreadID, atMessageID, newTitle, ownerID string) (*thread.Thread, error) {
	if ownerID == "" {
		return nil, &apperrors.ValidationError{Field: "ownerId"}
	}

	source, err := s.threads.GetThread(ctx, sourceThreadID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.messageRepo.ListByThread(ctx, sourceThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to read source thread: %w", err)
	}

	idx := message.NewIndex(msgs)
	at, ok := idx.IndexOf(atMessageID)
	if !ok {
		return nil, &apperrors.NotFoundError{Resource: "message", ID: atMessageID}
	}
	prefix := idx.Messages()[:at+1]

	forked, err := s.threads.CreateThread(ctx, thread.CreateInput{
		OwnerID:  ownerID,
		Title:    newTitle,
		Provider: source.Provider,
		Model:    source.Model,
		Lineage: &thread.Lineage{
			ParentThreadID:  sourceThreadID,
			ParentMessageID: atMessageID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create forked thread: %w", err)
	}

	// Copies keep order, sender, content and metadata but take fresh ids and
	// the new thread's identity. Reply parents are remapped onto the copies;
	// a parent outside the prefix is dropped rather than left dangling.
	idMap := make(map[string]string, len(prefix))
	copied := 0
	for i, src := range prefix {
		cp := src.Clone()
		cp.ID = uuid.NewString()
		cp.ThreadID = forked.ID
		cp.Seq = int64(i + 1)
		if cp.ParentID != nil {
			if mapped, ok := idMap[*cp.ParentID]; ok {
				cp.ParentID = &mapped
			} else {
				cp.ParentID = nil
			}
		}
		if err := s.messageRepo.Create(ctx, cp); err != nil {
			s.logger.Warnw("Failed to copy message into fork",
				"source_thread_id", sourceThreadID,
				"fork_thread_id", forked.ID,
				"message_id", src.ID,
				"error", err,
			)
			continue
		}
		idMap[src.ID] = cp.ID
		copied++
	}

	s.eventBus.Publish("thread_forked", map[string]interface{}{
		"source_thread_id":  sourceThreadID,
		"fork_thread_id":    forked.ID,
		"parent_message_id": atMessageID,
		"copied":            copied,
	})
	s.logger.Infow("Thread forked",
		"source_thread_id", sourceThreadID,
		"fork_thread_id", forked.ID,
		"copied", copied,
		"prefix_len", len(prefix),
	)
	return forked, nil
}

// ForksFrom answers "which threads branch off this message": the reverse
// index over (parentThreadID, parentMessageID) lineage.
func (s *service) ForksFrom(ctx context.Context, parentThreadID, parentMessageID string) ([]*thread.Thread, error) {
	return s.threads.ListForks(ctx, parentThreadID, parentMessageID)
}
