package inventory

import (
	"context"
	"errors"
	"fmt"

	"orderflow/internal/domain/model"
	infraRepo "orderflow/internal/infra/repository"

	"gorm.io/gorm"
)

var ErrInsufficientStock = errors.New("insufficient stock")

// DBInventory は stock_levels テーブルで在庫を持つ。調整履歴も同じTxで残す。
type DBInventory struct {
	db *gorm.DB
}

func NewDBInventory(db *gorm.DB) *DBInventory {
	return &DBInventory{db: db}
}

func (i *DBInventory) Reserve(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error {
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := infraRepo.NewInventoryGormRepository(tx)
		for _, it := range items {
			ok, err := repo.DecreaseStockIfEnough(ctx, key, it.ProductID, it.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("product %d: %w", it.ProductID, ErrInsufficientStock)
			}
			if err := repo.CreateAdjustment(ctx, adjustment(key, orderID, it.ProductID, -it.Quantity, "order reserved")); err != nil {
				return err
			}
		}
		return nil
	})
}

func (i *DBInventory) Release(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error {
	return i.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := infraRepo.NewInventoryGormRepository(tx)
		for _, it := range items {
			if err := repo.IncreaseStock(ctx, key, it.ProductID, it.Quantity); err != nil {
				return fmt.Errorf("product %d: %w", it.ProductID, err)
			}
			if err := repo.CreateAdjustment(ctx, adjustment(key, orderID, it.ProductID, it.Quantity, "order released")); err != nil {
				return err
			}
		}
		return nil
	})
}

func adjustment(key model.TenantKey, orderID, productID, delta int64, reason string) model.InventoryAdjustment {
	return model.InventoryAdjustment{
		OrganizationID: key.OrganizationID,
		StoreID:        key.StoreID,
		ProductID:      productID,
		OrderID:        orderID,
		Delta:          delta,
		Reason:         reason,
	}
}

// Noop は在庫を管理しない店舗向け。
type Noop struct{}

func (Noop) Reserve(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error {
	return nil
}

func (Noop) Release(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error {
	return nil
}
