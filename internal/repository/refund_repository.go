package repository

import (
	"context"

	"orderflow/internal/domain/model"
)

type RefundRepository interface {
	Create(ctx context.Context, refund model.Refund) error
	Update(ctx context.Context, refund model.Refund) error
	FindByID(ctx context.Context, key model.TenantKey, refundID string) (model.Refund, error)
	ListByOrder(ctx context.Context, key model.TenantKey, orderID int64) ([]model.Refund, error)
}
