package thread

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"chatcore/internal/apperrors"
)

type Repository interface {
	Create(ctx context.Context, t *Thread) error
	GetByID(ctx context.Context, id string) (*Thread, error)
	UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error
	Delete(ctx context.Context, id string) error
	ListOwned(ctx context.Context, userID string) ([]*Thread, error)
	ListShared(ctx context.Context) ([]*Thread, error)
	ListForks(ctx context.Context, parentThreadID, parentMessageID string) ([]*Thread, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) Create(ctx context.Context, t *Thread) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return &apperrors.PersistenceError{Op: "create thread", Err: err}
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*Thread, error) {
	var t Thread
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &apperrors.NotFoundError{Resource: "thread", ID: id}
	}
	if err != nil {
		return nil, &apperrors.PersistenceError{Op: "get thread", Err: err}
	}
	return &t, nil
}

func (r *repository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	err := r.db.WithContext(ctx).Model(&Thread{}).Where("id = ?", id).Updates(fields).Error
	if err != nil {
		return &apperrors.PersistenceError{Op: "update thread", Err: err}
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id string) error {
	if err := r.db.WithContext(ctx).Delete(&Thread{}, "id = ?", id).Error; err != nil {
		return &apperrors.PersistenceError{Op: "delete thread", Err: err}
	}
	return nil
}

func (r *repository) ListOwned(ctx context.Context, userID string) ([]*Thread, error) {
	var threads []*Thread
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", userID).
		Order("updated_at DESC").
		Find(&threads).Error
	if err != nil {
		return nil, &apperrors.PersistenceError{Op: "list owned threads", Err: err}
	}
	return threads, nil
}

// ListShared returns every thread visible beyond its owner; the service
// filters per user, because membership lives in JSON columns.
func (r *repository) ListShared(ctx context.Context) ([]*Thread, error) {
	var threads []*Thread
	err := r.db.WithContext(ctx).
		Where("visibility IN ?", []Visibility{VisibilityInvited, VisibilityPublic}).
		Order("updated_at DESC").
		Find(&threads).Error
	if err != nil {
		return nil, &apperrors.PersistenceError{Op: "list shared threads", Err: err}
	}
	return threads, nil
}

func (r *repository) ListForks(ctx context.Context, parentThreadID, parentMessageID string) ([]*Thread, error) {
	var threads []*Thread
	err := r.db.WithContext(ctx).
		Where("parent_thread_id = ? AND parent_message_id = ?", parentThreadID, parentMessageID).
		Order("created_at ASC").
		Find(&threads).Error
	if err != nil {
		return nil, &apperrors.PersistenceError{Op: "list forks", Err: err}
	}
	return threads, nil
}

func (r *repository) Touch(ctx context.Context, id string, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&Thread{}).Where("id = ?", id).
		Update("updated_at", at).Error
	if err != nil {
		return &apperrors.PersistenceError{Op: "touch thread", Err: err}
	}
	return nil
}
