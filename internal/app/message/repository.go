package message

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"chatcore/internal/apperrors"
)

type Repository interface {
	Create(ctx context.Context, m *Message) error
	GetByID(ctx context.Context, id string) (*Message, error)
	ListByThread(ctx context.Context, threadID string) ([]*Message, error)
	Update(ctx context.Context, m *Message) error
	Delete(ctx context.Context, id string) error
	MaxSeq(ctx context.Context, threadID string) (int64, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, m *Message) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return &apperrors.PersistenceError{Op: "create message", Err: err}
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*Message, error) {
	var m Message
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apperrors.NotFoundError{Resource: "message", ID: id}
	}
	if err != nil {
		return nil, &apperrors.PersistenceError{Op: "get message", Err: err}
	}
	return &m, nil
}

func (r *repository) ListByThread(ctx context.Context, threadID string) ([]*Message, error) {
	var msgs []*Message
	err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, seq ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, &apperrors.PersistenceError{Op: "list messages", Err: err}
	}
	return msgs, nil
}

func (r *repository) Update(ctx context.Context, m *Message) error {
	if err := r.db.WithContext(ctx).Save(m).Error; err != nil {
		return &apperrors.PersistenceError{Op: "update message", Err: err}
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&Message{}, "id = ?", id).Error; err != nil {
		return &apperrors.PersistenceError{Op: "delete message", Err: err}
	}
	return nil
}

func (r *repository) MaxSeq(ctx context.Context, threadID string) (int64, error) {
	var max int64
	err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("thread_id = ?", threadID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&max).Error
	if err != nil {
		return 0, &apperrors.PersistenceError{Op: "max seq", Err: err}
	}
	return max, nil
}
