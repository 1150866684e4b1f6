package repository

import (
	"context"
	"time"

	"orderflow/internal/domain/model"
)

type OrderListFilter struct {
	Page       int
	Limit      int
	Status     string
	CustomerID *int64
	From       *time.Time
	To         *time.Time
}

// OrderRepository の検索は必ずテナントで絞る。
type OrderRepository interface {
	FindByID(ctx context.Context, key model.TenantKey, orderID int64) (model.Order, error)
	List(ctx context.Context, key model.TenantKey, f OrderListFilter) ([]model.Order, int64, error)
	Create(ctx context.Context, order model.Order) (model.Order, error)

	// version が一致したときだけ保存して+1する。一致しなければ ErrVersionConflict
	UpdateIfVersion(ctx context.Context, key model.TenantKey, order model.Order, expectedVersion int64) (model.Order, error)

	//検索（同じキーなら同じ結果を返す）
	FindByIdempotencyKey(ctx context.Context, key model.TenantKey, customerID int64, idemKey string) (model.Order, bool, error)
}
