package model

import "time"

// 注文ステータス更新、返金など。
type AuditAction string

const (
	//注文ステータスを更新した操作。
	AuditActionUpdateOrderStatus AuditAction = "UPDATE_ORDER_STATUS"
	//決済ステータスを更新した操作。
	AuditActionUpdatePaymentStatus AuditAction = "UPDATE_PAYMENT_STATUS"
	//返金の操作。
	AuditActionRefund AuditAction = "REFUND"
	//外部とずれた状態を人手で確認する必要がある。
	AuditActionReconciliationAlert AuditAction = "RECONCILIATION_ALERT"
)

// 何に対する操作か
type AuditResourceType string

const (
	//注文に対する操作。
	AuditResourceOrder AuditResourceType = "order"

	//決済に対する操作。
	AuditResourcePayment AuditResourceType = "payment"

	//返金に対する操作。
	AuditResourceRefund AuditResourceType = "refund"
)

// 監査ログ。
// 「誰が」「どのテナントで」「何を」「どの対象に」「どう変えたか」を残す。
type AuditLog struct {
	//IDは監査ログの主キー
	ID int64 `gorm:"primaryKey;autoIncrement" json:"id"`

	OrganizationID int64 `gorm:"not null;index:idx_audit_logs_tenant" json:"organization_id"`
	StoreID        int64 `gorm:"not null;index:idx_audit_logs_tenant" json:"store_id"`

	//操作した主体（user:123 / system）。
	Actor string `gorm:"type:varchar(64);not null;index" json:"actor"`

	//Actionは操作の種類。
	Action AuditAction `gorm:"type:varchar(50);not null;index" json:"action"`

	//対象の種類（order / payment / refund）。
	ResourceType AuditResourceType `gorm:"type:varchar(50);not null;index" json:"resource_type"`

	//対象のID（決済・返金はUUID）。
	ResourceID string `gorm:"type:varchar(64);not null;index" json:"resource_id"`

	//JSON文字列で保存する。
	BeforeJSON string `gorm:"type:text" json:"before_json"`

	//JSON文字列で保存する。
	AfterJSON string `gorm:"type:text" json:"after_json"`

	//作成時刻
	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
}
