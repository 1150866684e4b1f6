package repository

import (
	"context"
	"time"

	"orderflow/internal/domain/model"
	repo "orderflow/internal/repository"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InventoryGormRepository struct {
	db *gorm.DB
}

func NewInventoryGormRepository(db *gorm.DB) *InventoryGormRepository {
	return &InventoryGormRepository{db: db}
}

func stockOf(db *gorm.DB, key model.TenantKey, productID int64) *gorm.DB {
	return scoped(db.Model(&model.StockLevel{}), key).Where("product_id = ?", productID)
}

// 在庫の現在値を設定（なければ作る）
func (r *InventoryGormRepository) SetStock(ctx context.Context, key model.TenantKey, productID int64, newStock int64) error {
	row := model.StockLevel{
		OrganizationID: key.OrganizationID,
		StoreID:        key.StoreID,
		ProductID:      productID,
		Stock:          newStock,
		UpdatedAt:      time.Now(),
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "organization_id"}, {Name: "store_id"}, {Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"stock", "updated_at"}),
		}).
		Create(&row).Error
}

// 在庫が足りるときだけ減らす
func (r *InventoryGormRepository) DecreaseStockIfEnough(ctx context.Context, key model.TenantKey, productID int64, qty int64) (bool, error) {
	res := stockOf(r.db.WithContext(ctx), key, productID).
		Where("stock >= ?", qty).
		Updates(map[string]interface{}{
			"stock":      gorm.Expr("stock - ?", qty),
			"updated_at": time.Now(),
		})

	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	return true, nil
}

// 在庫戻し（キャンセル）
func (r *InventoryGormRepository) IncreaseStock(ctx context.Context, key model.TenantKey, productID int64, qty int64) error {
	res := stockOf(r.db.WithContext(ctx), key, productID).
		Updates(map[string]interface{}{
			"stock":      gorm.Expr("stock + ?", qty),
			"updated_at": time.Now(),
		})

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return repo.ErrNotFound
	}
	return nil
}

// 調整履歴作成
func (r *InventoryGormRepository) CreateAdjustment(ctx context.Context, adj model.InventoryAdjustment) error {
	if err := r.db.WithContext(ctx).Create(&adj).Error; err != nil {
		return err
	}
	return nil
}

// Stock はテストと管理画面向けの現在値。
func (r *InventoryGormRepository) Stock(ctx context.Context, key model.TenantKey, productID int64) (int64, error) {
	var row model.StockLevel
	err := scoped(r.db.WithContext(ctx), key).Where("product_id = ?", productID).First(&row).Error
	if err != nil {
		return 0, notFound(err)
	}
	return row.Stock, nil
}
