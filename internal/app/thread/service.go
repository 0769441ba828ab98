package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatcore/internal/apperrors"
	"chatcore/internal/app/message"
	"chatcore/internal/config"
	"chatcore/internal/providers/redis"
	"chatcore/internal/utils"
)

type CreateInput struct {
	OwnerID  string
	Title    string
	Provider string
	Model    string
	Lineage  *Lineage
}

type Service interface {
	CreateThread(ctx context.Context, in CreateInput) (*Thread, error)
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreads(ctx context.Context, userID string) []*Thread
	UpdateThread(ctx context.Context, id string, req UpdateThreadRequest) (*Thread, error)
	DeleteThread(ctx context.Context, id string) error
	ListForks(ctx context.Context, parentThreadID, parentMessageID string) ([]*Thread, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

type service struct {
	repo        Repository
	messageRepo message.Repository
	redisP      *redis.RedisProvider
	eventBus    *utils.EventBus
	logger      *zap.SugaredLogger
	defaults    config.Defaults
	cachePrefix string
	cacheTTL    time.Duration
}

func NewService(
	repo Repository,
	messageRepo message.Repository,
	redisP *redis.RedisProvider,
	eventBus *utils.EventBus,
	logger *zap.Logger,
	defaults config.Defaults,
) Service {
	return &service{
		repo:        repo,
		messageRepo: messageRepo,
		redisP:      redisP,
		eventBus:    eventBus,
		logger:      logger.Sugar(),
		defaults:    defaults,
		cachePrefix: "threads:user",
		cacheTTL:    30 * time.Second,
	}
}

func (s *service) CreateThread(ctx context.Context, in CreateInput) (*Thread, error) {
	if in.OwnerID == "" {
		return nil, &apperrors.ValidationError{Field: "ownerId"}
	}

	provider := in.Provider
	if provider == "" {
		provider = s.defaults.Provider
	}
	model := in.Model
	if model == "" {
		model = s.defaults.Model
	}

	now := time.Now().UTC()
	t := &Thread{
		ID:           uuid.NewString(),
		OwnerID:      in.OwnerID,
		Title:        in.Title,
		Participants: StringList{in.OwnerID},
		Provider:     provider,
		Model:        model,
		Visibility:   VisibilityPrivate,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if in.Lineage != nil {
		parentThread := in.Lineage.ParentThreadID
		parentMessage := in.Lineage.ParentMessageID
		t.ParentThreadID = &parentThread
		t.ParentMessageID = &parentMessage
	}

	if err := s.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	s.invalidateListCache()
	s.eventBus.Publish("thread_created", map[string]interface{}{
		"thread_id": t.ID,
		"owner_id":  t.OwnerID,
		"title":     t.Title,
	})
	return t, nil
}

func (s *service) GetThread(ctx context.Context, id string) (*Thread, error) {
	return s.repo.GetByID(ctx, id)
}

// ListThreads merges owned threads with shared threads the user participates
// in, deduplicated, newest mutation first. Backend failures degrade to an
// empty listing instead of propagating: the list is a non-critical read.
func (s *service) ListThreads(ctx context.Context, userID string) []*Thread {
	if userID == "" {
		return []*Thread{}
	}

	cacheKey := fmt.Sprintf("%s:%s", s.cachePrefix, userID)
	if s.redisP != nil {
		if cached, err := s.redisP.Get(ctx, cacheKey).Result(); err == nil && cached != "" {
			var threads []*Thread
			if json.Unmarshal([]byte(cached), &threads) == nil {
				return threads
			}
		}
	}

	owned, err := s.repo.ListOwned(ctx, userID)
	if err != nil {
		s.logger.Errorw("Failed to list owned threads, degrading to empty",
			"user_id", userID,
			"error", err,
		)
		return []*Thread{}
	}

	shared, err := s.repo.ListShared(ctx)
	if err != nil {
		s.logger.Errorw("Failed to list shared threads, degrading to empty",
			"user_id", userID,
			"error", err,
		)
		return []*Thread{}
	}

	seen := make(map[string]bool, len(owned))
	merged := make([]*Thread, 0, len(owned)+len(shared))
	for _, t := range owned {
		seen[t.ID] = true
		merged = append(merged, t)
	}
	for _, t := range shared {
		if seen[t.ID] || t.OwnerID == userID {
			continue
		}
		if t.SharedWith(userID) {
			seen[t.ID] = true
			merged = append(merged, t)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].UpdatedAt.After(merged[j].UpdatedAt)
	})

	if s.redisP != nil {
		if data, err := json.Marshal(merged); err == nil {
			s.redisP.SetEX(ctx, cacheKey, data, s.cacheTTL)
		}
	}
	return merged
}

// UpdateThread applies a partial update. Membership and visibility fields are
// only written when explicitly present in the request.
func (s *service) UpdateThread(ctx context.Context, id string, req UpdateThreadRequest) (*Thread, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	if req.Title != nil {
		fields["title"] = *req.Title
	}
	if req.Provider != nil {
		fields["provider"] = *req.Provider
	}
	if req.Model != nil {
		fields["model"] = *req.Model
	}
	if req.Visibility != nil {
		fields["visibility"] = Visibility(*req.Visibility)
	}
	if req.Participants != nil {
		fields["participants"] = StringList(*req.Participants)
	}
	if req.InvitedUsers != nil {
		fields["invited_users"] = StringList(*req.InvitedUsers)
	}

	if err := s.repo.UpdateFields(ctx, id, fields); err != nil {
		return nil, fmt.Errorf("failed to update thread: %w", err)
	}

	s.invalidateListCache()
	return s.repo.GetByID(ctx, id)
}

// DeleteThread removes the thread's messages first, then the thread record.
// Individual message failures are logged and skipped; the run is idempotent,
// so a retry finishes whatever a partial failure left behind.
func (s *service) DeleteThread(ctx context.Context, id string) error {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		if apperrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	msgs, err := s.messageRepo.ListByThread(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list messages for delete: %w", err)
	}
	failed := 0
	for _, m := range msgs {
		if err := s.messageRepo.Delete(ctx, m.ID); err != nil {
			failed++
			s.logger.Warnw("Failed to delete message during thread delete",
				"thread_id", id,
				"message_id", m.ID,
				"error", err,
			)
		}
	}
	if failed > 0 {
		s.logger.Warnw("Thread delete completed with message failures",
			"thread_id", id,
			"failed", failed,
			"total", len(msgs),
		)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}

	s.invalidateListCache()
	s.eventBus.Publish("thread_deleted", map[string]interface{}{
		"thread_id": id,
	})
	return nil
}

func (s *service) ListForks(ctx context.Context, parentThreadID, parentMessageID string) ([]*Thread, error) {
	return s.repo.ListForks(ctx, parentThreadID, parentMessageID)
}

// Touch advances the thread's last-mutation timestamp and drops cached
// listings so the reordering is visible immediately rather than after the
// cache TTL. Satisfies the message package's ThreadToucher.
func (s *service) Touch(ctx context.Context, id string, at time.Time) error {
	if err := s.repo.Touch(ctx, id, at); err != nil {
		return err
	}
	s.invalidateListCache()
	return nil
}

func (s *service) invalidateListCache() {
	if s.redisP == nil {
		return
	}
	ctx := context.Background()
	pattern := s.cachePrefix + ":*"
	var cursor uint64
	for {
		keys, cur, err := s.redisP.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			s.logger.Warnw("Redis scan failed during cache invalidation", "error", err, "pattern", pattern)
			return
		}
		if len(keys) > 0 {
			if _, err := s.redisP.Del(ctx, keys...).Result(); err != nil {
				s.logger.Warnw("Failed to delete cache keys", "error", err, "keys", keys)
			}
		}
		if cur == 0 {
			break
		}
		cursor = cur
	}
}
