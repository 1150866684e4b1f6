package repository

import (
	"context"
	"errors"

	"orderflow/internal/domain/model"
	repo "orderflow/internal/repository"

	"gorm.io/gorm"
)

type OrderGormRepository struct {
	db *gorm.DB
}

func NewOrderGormRepository(db *gorm.DB) *OrderGormRepository {
	return &OrderGormRepository{db: db}
}

func scoped(db *gorm.DB, key model.TenantKey) *gorm.DB {
	return db.Where("organization_id = ? AND store_id = ?", key.OrganizationID, key.StoreID)
}

func (r *OrderGormRepository) FindByID(ctx context.Context, key model.TenantKey, orderID int64) (model.Order, error) {
	var o model.Order
	err := scoped(r.db.WithContext(ctx), key).Where("id = ?", orderID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, repo.ErrNotFound
	}
	if err != nil {
		return model.Order{}, err
	}
	return o, nil
}

func (r *OrderGormRepository) List(ctx context.Context, key model.TenantKey, f repo.OrderListFilter) ([]model.Order, int64, error) {
	if f.Page <= 0 {
		f.Page = 1
	}
	if f.Limit <= 0 || f.Limit > 100 {
		f.Limit = 50
	}

	q := scoped(r.db.WithContext(ctx).Model(&model.Order{}), key)

	//status 絞り込み
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}

	//customer_id 絞り込み
	if f.CustomerID != nil {
		q = q.Where("customer_id = ?", *f.CustomerID)
	}

	//期間絞り込み
	if f.From != nil {
		q = q.Where("created_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("created_at <= ?", *f.To)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return []model.Order{}, 0, err
	}

	var items []model.Order
	offset := (f.Page - 1) * f.Limit
	if err := q.Order("id desc").Limit(f.Limit).Offset(offset).Find(&items).Error; err != nil {
		return []model.Order{}, 0, err
	}

	return items, total, nil
}

func (r *OrderGormRepository) Create(ctx context.Context, order model.Order) (model.Order, error) {
	if order.Version == 0 {
		order.Version = 1
	}
	if err := r.db.WithContext(ctx).Create(&order).Error; err != nil {
		return model.Order{}, err
	}
	return order, nil
}

// UpdateIfVersion は version をWHEREに入れて更新する（楽観ロック）。
func (r *OrderGormRepository) UpdateIfVersion(ctx context.Context, key model.TenantKey, order model.Order, expectedVersion int64) (model.Order, error) {
	next := expectedVersion + 1

	res := scoped(r.db.WithContext(ctx).Model(&model.Order{}), key).
		Where("id = ? AND version = ?", order.ID, expectedVersion).
		Updates(map[string]interface{}{
			"status":             order.Status,
			"payment_status":     order.PaymentStatus,
			"subtotal":           order.Subtotal,
			"tax":                order.Tax,
			"shipping":           order.Shipping,
			"discount":           order.Discount,
			"total":              order.Total,
			"tracking_number":    order.TrackingNumber,
			"estimated_delivery": order.EstimatedDelivery,
			"shipped_at":         order.ShippedAt,
			"delivered_at":       order.DeliveredAt,
			"cancelled_at":       order.CancelledAt,
			"version":            next,
		})
	if res.Error != nil {
		return model.Order{}, res.Error
	}
	if res.RowsAffected == 0 {
		//存在しないのか、先に更新されたのかを区別する
		var n int64
		if err := scoped(r.db.WithContext(ctx).Model(&model.Order{}), key).Where("id = ?", order.ID).Count(&n).Error; err != nil {
			return model.Order{}, err
		}
		if n == 0 {
			return model.Order{}, repo.ErrNotFound
		}
		return model.Order{}, repo.ErrVersionConflict
	}

	return r.FindByID(ctx, key, order.ID)
}

func (r *OrderGormRepository) FindByIdempotencyKey(ctx context.Context, key model.TenantKey, customerID int64, idemKey string) (model.Order, bool, error) {
	var o model.Order
	err := scoped(r.db.WithContext(ctx), key).
		Where("customer_id = ? AND idempotency_key = ?", customerID, idemKey).
		First(&o).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Order{}, false, nil
	}
	if err != nil {
		return model.Order{}, false, err
	}
	return o, true, nil
}
