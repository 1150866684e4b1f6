package repository

import (
	"context"
	"errors"

	"orderflow/internal/domain/model"
	repo "orderflow/internal/repository"

	"gorm.io/gorm"
)

type PaymentAttemptGormRepository struct {
	db *gorm.DB
}

func NewPaymentAttemptGormRepository(db *gorm.DB) *PaymentAttemptGormRepository {
	return &PaymentAttemptGormRepository{db: db}
}

func (r *PaymentAttemptGormRepository) Create(ctx context.Context, attempt model.PaymentAttempt) error {
	return r.db.WithContext(ctx).Create(&attempt).Error
}

func (r *PaymentAttemptGormRepository) Update(ctx context.Context, attempt model.PaymentAttempt) error {
	//Saveは0件だとINSERTに落ちるので使わない
	res := r.db.WithContext(ctx).Model(&model.PaymentAttempt{}).
		Where("id = ? AND organization_id = ? AND store_id = ?", attempt.ID, attempt.OrganizationID, attempt.StoreID).
		Select("*").Omit("id", "created_at").
		Updates(&attempt)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *PaymentAttemptGormRepository) FindByID(ctx context.Context, key model.TenantKey, attemptID string) (model.PaymentAttempt, error) {
	var a model.PaymentAttempt
	err := scoped(r.db.WithContext(ctx), key).Where("id = ?", attemptID).First(&a).Error
	return a, notFound(err)
}

func (r *PaymentAttemptGormRepository) FindActiveByOrder(ctx context.Context, key model.TenantKey, orderID int64) (model.PaymentAttempt, error) {
	var a model.PaymentAttempt
	err := scoped(r.db.WithContext(ctx), key).
		Where("order_id = ? AND status NOT IN ?", orderID, []model.PaymentStatus{model.PaymentStatusFailed, model.PaymentStatusCancelled}).
		Order("created_at desc").
		First(&a).Error
	return a, notFound(err)
}

func (r *PaymentAttemptGormRepository) FindLatestByOrder(ctx context.Context, key model.TenantKey, orderID int64) (model.PaymentAttempt, error) {
	var a model.PaymentAttempt
	err := scoped(r.db.WithContext(ctx), key).
		Where("order_id = ?", orderID).
		Order("created_at desc").
		First(&a).Error
	return a, notFound(err)
}

func (r *PaymentAttemptGormRepository) ListByOrder(ctx context.Context, key model.TenantKey, orderID int64) ([]model.PaymentAttempt, error) {
	var list []model.PaymentAttempt
	err := scoped(r.db.WithContext(ctx), key).
		Where("order_id = ?", orderID).
		Order("created_at asc").
		Find(&list).Error
	if err != nil {
		return []model.PaymentAttempt{}, err
	}
	return list, nil
}

func (r *PaymentAttemptGormRepository) FindByTransactionID(ctx context.Context, processor model.PaymentProcessor, transactionID string) (model.PaymentAttempt, error) {
	var a model.PaymentAttempt
	err := r.db.WithContext(ctx).
		Where("processor = ? AND transaction_id = ?", processor, transactionID).
		First(&a).Error
	return a, notFound(err)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return repo.ErrNotFound
	}
	return err
}
