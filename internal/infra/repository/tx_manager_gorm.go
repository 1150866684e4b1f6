package repository

import (
	"context"

	repo "orderflow/internal/repository"

	"gorm.io/gorm"
)

type txReposGorm struct {
	orders     repo.OrderRepository
	orderItems repo.OrderItemRepository
	payments   repo.PaymentAttemptRepository
	refunds    repo.RefundRepository
	webhooks   repo.WebhookRepository
	auditLogs  repo.AuditLogRepository
}

func (r *txReposGorm) Orders() repo.OrderRepository            { return r.orders }
func (r *txReposGorm) OrderItems() repo.OrderItemRepository    { return r.orderItems }
func (r *txReposGorm) Payments() repo.PaymentAttemptRepository { return r.payments }
func (r *txReposGorm) Refunds() repo.RefundRepository          { return r.refunds }
func (r *txReposGorm) Webhooks() repo.WebhookRepository        { return r.webhooks }
func (r *txReposGorm) AuditLogs() repo.AuditLogRepository      { return r.auditLogs }

type TxManagerGorm struct {
	db *gorm.DB
}

func NewTxManagerGorm(db *gorm.DB) *TxManagerGorm {
	return &TxManagerGorm{db: db}
}

func (tm *TxManagerGorm) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	return tm.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		//repoはtxを持ったDBで作り直す
		r := &txReposGorm{
			orders:     NewOrderGormRepository(tx),
			orderItems: NewOrderItemGormRepository(tx),
			payments:   NewPaymentAttemptGormRepository(tx),
			refunds:    NewRefundGormRepository(tx),
			webhooks:   NewWebhookGormRepository(tx),
			auditLogs:  NewAuditLogGormRepository(tx),
		}
		return fn(r)
	})
}
