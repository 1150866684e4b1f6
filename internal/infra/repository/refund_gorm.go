package repository

import (
	"context"

	"orderflow/internal/domain/model"
	repo "orderflow/internal/repository"

	"gorm.io/gorm"
)

type RefundGormRepository struct {
	db *gorm.DB
}

func NewRefundGormRepository(db *gorm.DB) *RefundGormRepository {
	return &RefundGormRepository{db: db}
}

func (r *RefundGormRepository) Create(ctx context.Context, refund model.Refund) error {
	return r.db.WithContext(ctx).Create(&refund).Error
}

func (r *RefundGormRepository) Update(ctx context.Context, refund model.Refund) error {
	//Saveは0件だとINSERTに落ちるので使わない
	res := r.db.WithContext(ctx).Model(&model.Refund{}).
		Where("id = ? AND organization_id = ? AND store_id = ?", refund.ID, refund.OrganizationID, refund.StoreID).
		Select("*").Omit("id", "created_at").
		Updates(&refund)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

func (r *RefundGormRepository) FindByID(ctx context.Context, key model.TenantKey, refundID string) (model.Refund, error) {
	var rf model.Refund
	err := scoped(r.db.WithContext(ctx), key).Where("id = ?", refundID).First(&rf).Error
	return rf, notFound(err)
}

func (r *RefundGormRepository) ListByOrder(ctx context.Context, key model.TenantKey, orderID int64) ([]model.Refund, error) {
	var list []model.Refund
	err := scoped(r.db.WithContext(ctx), key).
		Where("order_id = ?", orderID).
		Order("created_at asc").
		Find(&list).Error
	if err != nil {
		return []model.Refund{}, err
	}
	return list, nil
}
