package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "pending"
	RefundStatusSucceeded RefundStatus = "succeeded"
	RefundStatusFailed    RefundStatus = "failed"
)

type Refund struct {
	ID                string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID    int64           `gorm:"not null;index:idx_refunds_tenant" json:"organization_id"`
	StoreID           int64           `gorm:"not null;index:idx_refunds_tenant" json:"store_id"`
	OrderID           int64           `gorm:"not null;index" json:"order_id"`
	PaymentAttemptID  string          `gorm:"type:varchar(36);not null;index" json:"payment_attempt_id"`
	Amount            decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"amount"`
	Currency          string          `gorm:"type:varchar(3);not null" json:"currency"`
	Reason            string          `gorm:"type:varchar(255);not null" json:"reason"`
	Status            RefundStatus    `gorm:"type:varchar(20);not null;index" json:"status"`
	ProcessorRefundID string          `gorm:"type:varchar(128)" json:"processor_refund_id,omitempty"`
	// キャンセル時に自動で積まれた返金か
	Automatic     bool      `gorm:"not null;default:false" json:"automatic"`
	FailureReason string    `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

// 適用済みwebhookの記録。DedupKeyの一意制約で二重適用を防ぐ
type ProcessedWebhook struct {
	ID            int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	DedupKey      string           `gorm:"type:varchar(400);not null;uniqueIndex" json:"dedup_key"`
	Processor     PaymentProcessor `gorm:"type:varchar(30);not null" json:"processor"`
	TransactionID string           `gorm:"type:varchar(128);not null" json:"transaction_id"`
	EventType     string           `gorm:"type:varchar(100);not null" json:"event_type"`
	Sequence      int64            `gorm:"not null;default:0" json:"sequence"`
	// stale: 古い・逆行するイベントで状態は変えていない
	Outcome    string    `gorm:"type:varchar(20);not null" json:"outcome"`
	ReceivedAt time.Time `gorm:"not null" json:"received_at"`
}
