package repository

import (
	"context"

	"orderflow/internal/domain/model"
)

type OrderItemRepository interface {
	CreateBulk(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error
	ListByOrderID(ctx context.Context, key model.TenantKey, orderID int64) ([]model.OrderItem, error)
}
