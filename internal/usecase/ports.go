package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"orderflow/internal/domain/event"
	"orderflow/internal/domain/model"
	repo "orderflow/internal/repository"

	"github.com/google/uuid"
)

// UUID 等のIDを作る約束
type IDGenerator interface {
	NewID() string
}

// 現在の時間
type Clock interface {
	Now() time.Time
}

type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string { return uuid.NewString() }

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Notifier はコミット後のイベント送信。失敗しても遷移は取り消さない
type Notifier interface {
	Notify(ctx context.Context, e event.Event) error
}

// InventoryClient は在庫サービスへの引当・戻しの依頼。結果は結果整合として扱う
type InventoryClient interface {
	Reserve(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error
	Release(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error
}

// Alert は人手の突合が必要なずれ。
type Alert struct {
	Key          model.TenantKey
	ResourceType model.AuditResourceType
	ResourceID   string
	Reason       string
	Err          error
}

// Alerter は突合アラートを上げる。呼び出し元の処理は止めない
type Alerter interface {
	Alert(ctx context.Context, a Alert)
}

// AuditAlerter はログと監査ログの両方に残す。
type AuditAlerter struct {
	audit repo.AuditLogRepository
	log   *slog.Logger
	clock Clock
}

func NewAuditAlerter(audit repo.AuditLogRepository, log *slog.Logger) *AuditAlerter {
	return &AuditAlerter{audit: audit, log: log, clock: SystemClock{}}
}

func (a *AuditAlerter) Alert(ctx context.Context, al Alert) {
	errMsg := ""
	if al.Err != nil {
		errMsg = al.Err.Error()
	}
	a.log.ErrorContext(ctx, "reconciliation alert",
		slog.Int64("organization_id", al.Key.OrganizationID),
		slog.Int64("store_id", al.Key.StoreID),
		slog.String("resource_type", string(al.ResourceType)),
		slog.String("resource_id", al.ResourceID),
		slog.String("reason", al.Reason),
		slog.String("error", errMsg),
	)

	after, _ := json.Marshal(map[string]string{"reason": al.Reason, "error": errMsg})
	if err := a.audit.Create(ctx, model.AuditLog{
		OrganizationID: al.Key.OrganizationID,
		StoreID:        al.Key.StoreID,
		Actor:          "system",
		Action:         model.AuditActionReconciliationAlert,
		ResourceType:   al.ResourceType,
		ResourceID:     al.ResourceID,
		AfterJSON:      string(after),
		CreatedAt:      a.clock.Now(),
	}); err != nil {
		a.log.ErrorContext(ctx, "failed to store reconciliation alert", slog.Any("error", err))
	}
}
