package repository

import (
	"context"

	"orderflow/internal/domain/model"
)

type PaymentAttemptRepository interface {
	Create(ctx context.Context, attempt model.PaymentAttempt) error
	Update(ctx context.Context, attempt model.PaymentAttempt) error
	FindByID(ctx context.Context, key model.TenantKey, attemptID string) (model.PaymentAttempt, error)

	// 失敗・取消以外の試行。なければ ErrNotFound
	FindActiveByOrder(ctx context.Context, key model.TenantKey, orderID int64) (model.PaymentAttempt, error)
	FindLatestByOrder(ctx context.Context, key model.TenantKey, orderID int64) (model.PaymentAttempt, error)
	ListByOrder(ctx context.Context, key model.TenantKey, orderID int64) ([]model.PaymentAttempt, error)

	// webhookはテナントを知らないので処理系の取引IDで引く
	FindByTransactionID(ctx context.Context, processor model.PaymentProcessor, transactionID string) (model.PaymentAttempt, error)
}
