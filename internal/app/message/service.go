package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore/internal/apperrors"
	"chatcore/internal/utils"
)

// ThreadToucher advances a thread's last-mutation timestamp. Satisfied by the
// thread service; declared here to keep the dependency one-directional.
type ThreadToucher interface {
	Touch(ctx context.Context, threadID string, at time.Time) error
}

type AppendInput struct {
	Sender      string
	Content     string
	ContentType ContentType
	MediaURL    string
	ParentID    *string
	Metadata    *Metadata
	Interrupted bool
}

// Service is the store-side cascade engine. Every destructive operation is
// defined over the thread's chronological order: delete is always a suffix
// cascade, edit clears everything after the edited turn.
type Service interface {
	Append(ctx context.Context, threadID string, in AppendInput) (*Message, error)
	GetByID(ctx context.Context, id string) (*Message, error)
	ListByThread(ctx context.Context, threadID string) ([]*Message, error)
	DeleteFrom(ctx context.Context, threadID, messageID string) (int, error)
	DeleteOne(ctx context.Context, threadID, messageID string) error
	EditWithCascade(ctx context.Context, threadID, messageID, content string) (*Message, error)

	// Persist, PersistUpdate and DeleteRecord are the raw record operations
	// the sync coordinator uses when flushing its optimistic view; they skip
	// cascade recomputation because the view already decided what changes.
	Persist(ctx context.Context, m *Message) error
	PersistUpdate(ctx context.Context, m *Message) error
	DeleteRecord(ctx context.Context, id string) error
}

type service struct {
	repo     Repository
	threads  ThreadToucher
	eventBus *utils.EventBus
	logger   *zap.SugaredLogger
}

func NewService(repo Repository, threads ThreadToucher, eventBus *utils.EventBus, logger *zap.Logger) Service {
	return &service{
		repo:     repo,
		threads:  threads,
		eventBus: eventBus,
		logger:   logger.Sugar(),
	}
}

// NewMessage builds a message with a fresh identity and the next sequence
// number, without persisting it. The optimistic view uses this to mint
// entries before any store round-trip.
func NewMessage(threadID string, in AppendInput, seq int64) *Message {
	contentType := in.ContentType
	if contentType == "" {
		contentType = ContentTypeText
	}
	return &Message{
		ID:          uuid.NewString(),
		ThreadID:    threadID,
		Sender:      in.Sender,
		Content:     in.Content,
		ContentType: contentType,
		MediaURL:    in.MediaURL,
		ParentID:    in.ParentID,
		CreatedAt:   time.Now().UTC(),
		Seq:         seq,
		Interrupted: in.Interrupted,
		Metadata:    in.Metadata,
	}
}

func (s *service) Append(ctx context.Context, threadID string, in AppendInput) (*Message, error) {
	if threadID == "" {
		return nil, &apperrors.ValidationError{Field: "threadId"}
	}
	if in.Sender == "" {
		return nil, &apperrors.ValidationError{Field: "sender"}
	}

	seq, err := s.repo.MaxSeq(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sequence: %w", err)
	}

	msg := NewMessage(threadID, in, seq+1)
	if err := s.repo.Create(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	s.touch(ctx, threadID, msg.CreatedAt)
	s.eventBus.Publish("message_appended", map[string]interface{}{
		"thread_id":  threadID,
		"message_id": msg.ID,
		"sender":     msg.Sender,
	})
	return msg, nil
}

func (s *service) GetByID(ctx context.Context, id string) (*Message, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *service) ListByThread(ctx context.Context, threadID string) ([]*Message, error) {
	return s.repo.ListByThread(ctx, threadID)
}

// DeleteFrom removes the target message and every message ordered after it.
// When the target is not present in the thread, it falls back to a
// single-record delete so a retried cascade stays idempotent.
func (s *service) DeleteFrom(ctx context.Context, threadID, messageID string) (int, error) {
	msgs, err := s.repo.ListByThread(ctx, threadID)
	if err != nil {
		return 0, fmt.Errorf("failed to load thread for cascade: %w", err)
	}

	idx := NewIndex(msgs)
	i, ok := idx.IndexOf(messageID)
	if !ok {
		s.logger.Warnw("Cascade target not in thread, falling back to single delete",
			"thread_id", threadID,
			"message_id", messageID,
		)
		if err := s.repo.Delete(ctx, messageID); err != nil {
			return 0, err
		}
		return 1, nil
	}

	deleted := s.deleteBatch(ctx, newestFirst(idx.Suffix(i)))

	s.touch(ctx, threadID, time.Now().UTC())
	s.eventBus.Publish("messages_deleted", map[string]interface{}{
		"thread_id": threadID,
		"from_id":   messageID,
		"count":     deleted,
	})
	return deleted, nil
}

// DeleteOne removes a single message together with its reply descendants,
// children before parents.
func (s *service) DeleteOne(ctx context.Context, threadID, messageID string) error {
	msgs, err := s.repo.ListByThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("failed to load thread for delete: %w", err)
	}

	idx := NewIndex(msgs)
	subtree := idx.Subtree(messageID)
	if subtree == nil {
		return &apperrors.NotFoundError{Resource: "message", ID: messageID}
	}

	s.deleteBatch(ctx, subtree)
	s.touch(ctx, threadID, time.Now().UTC())
	return nil
}

// EditWithCascade updates the target's content in place and removes every
// later message: prior responses are no longer valid given the edited input.
func (s *service) EditWithCascade(ctx context.Context, threadID, messageID, content string) (*Message, error) {
	if content == "" {
		return nil, &apperrors.ValidationError{Field: "content"}
	}

	msgs, err := s.repo.ListByThread(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread for edit: %w", err)
	}

	idx := NewIndex(msgs)
	i, ok := idx.IndexOf(messageID)
	if !ok {
		return nil, &apperrors.NotFoundError{Resource: "message", ID: messageID}
	}

	s.deleteBatch(ctx, newestFirst(idx.Suffix(i+1)))

	target := idx.At(i)
	target.Content = content
	target.Edited = true
	if err := s.repo.Update(ctx, target); err != nil {
		return nil, fmt.Errorf("failed to update edited message: %w", err)
	}

	s.touch(ctx, threadID, time.Now().UTC())
	s.eventBus.Publish("message_edited", map[string]interface{}{
		"thread_id":  threadID,
		"message_id": messageID,
	})
	return target, nil
}

func (s *service) Persist(ctx context.Context, m *Message) error {
	return s.repo.Create(ctx, m)
}

func (s *service) PersistUpdate(ctx context.Context, m *Message) error {
	return s.repo.Update(ctx, m)
}

func (s *service) DeleteRecord(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// deleteBatch deletes in slice order, logging and continuing on individual
// failures. Callers pass slices already in reverse-dependency order so a
// partial failure never strands a child without its parent record.
func (s *service) deleteBatch(ctx context.Context, msgs []*Message) int {
	deleted := 0
	for _, m := range msgs {
		if err := s.repo.Delete(ctx, m.ID); err != nil {
			s.logger.Warnw("Failed to delete message in cascade",
				"message_id", m.ID,
				"thread_id", m.ThreadID,
				"error", err,
			)
			continue
		}
		deleted++
	}
	return deleted
}

// newestFirst flips a chronological slice into deletion order: replies are
// always newer than what they reply to, so newest-first is reverse-dependency
// safe.
func newestFirst(msgs []*Message) []*Message {
	out := make([]*Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

func (s *service) touch(ctx context.Context, threadID string, at time.Time) {
	if err := s.threads.Touch(ctx, threadID, at); err != nil {
		s.logger.Warnw("Failed to advance thread timestamp",
			"thread_id", threadID,
			"error", err,
		)
	}
}
