package model

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusAuthorized        PaymentStatus = "authorized"
	PaymentStatusCaptured          PaymentStatus = "captured"
	PaymentStatusSucceeded         PaymentStatus = "succeeded"
	PaymentStatusFailed            PaymentStatus = "failed"
	PaymentStatusCancelled         PaymentStatus = "cancelled"
	PaymentStatusRefunded          PaymentStatus = "refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

// IsActive は失敗・取消以外（同時に1件まで）。
func (s PaymentStatus) IsActive() bool {
	return s != PaymentStatusFailed && s != PaymentStatusCancelled
}

// IsCaptured は資金が確定している状態か。
func (s PaymentStatus) IsCaptured() bool {
	switch s {
	case PaymentStatusCaptured, PaymentStatusSucceeded, PaymentStatusPartiallyRefunded:
		return true
	}
	return false
}

// IsVoidable は返金ではなく取消で済む状態か。
func (s PaymentStatus) IsVoidable() bool {
	return s == PaymentStatusPending || s == PaymentStatusAuthorized
}

// 決済処理系の種類
type PaymentProcessor string

const (
	ProcessorDirect       PaymentProcessor = "direct"
	ProcessorBankTransfer PaymentProcessor = "bank_transfer"
	ProcessorOnline       PaymentProcessor = "online"
)

// sale: オーソリと売上確定を同時に行う / authorize: オーソリのみ
type PaymentType string

const (
	PaymentTypeSale      PaymentType = "sale"
	PaymentTypeAuthorize PaymentType = "authorize"
)

type NextActionType string

const (
	NextActionNone     NextActionType = "none"
	NextActionRedirect NextActionType = "redirect"
	NextAction3DS      NextActionType = "3ds"
	NextActionAwait    NextActionType = "await"
)

// 決済ゲートウェイとの1回のやり取り
type PaymentAttempt struct {
	ID              string           `gorm:"type:varchar(36);primaryKey" json:"id"`
	OrganizationID  int64            `gorm:"not null;index:idx_payment_attempts_tenant" json:"organization_id"`
	StoreID         int64            `gorm:"not null;index:idx_payment_attempts_tenant" json:"store_id"`
	OrderID         int64            `gorm:"not null;index" json:"order_id"`
	Processor       PaymentProcessor `gorm:"type:varchar(30);not null;index:idx_payment_attempts_txn" json:"processor"`
	PaymentMethodID string           `gorm:"type:varchar(64);not null" json:"payment_method_id"`
	PaymentType     PaymentType      `gorm:"type:varchar(20);not null" json:"payment_type"`
	Amount          decimal.Decimal  `gorm:"type:numeric(19,4);not null" json:"amount"`
	Currency        string           `gorm:"type:varchar(3);not null" json:"currency"`
	Status          PaymentStatus    `gorm:"type:varchar(30);not null;index" json:"status"`
	TransactionID   string           `gorm:"type:varchar(128);index:idx_payment_attempts_txn" json:"transaction_id,omitempty"`
	IdempotencyKey  string           `gorm:"type:varchar(255);not null;index" json:"-"`
	RefundedAmount  decimal.Decimal  `gorm:"type:numeric(19,4);not null" json:"refunded_amount"`
	GatewayResponse datatypes.JSON   `json:"gateway_response,omitempty"`
	NextActionType  NextActionType   `gorm:"type:varchar(20);not null" json:"next_action_type"`
	NextActionURL   string           `gorm:"type:text" json:"next_action_url,omitempty"`
	FailureReason   string           `gorm:"type:text" json:"failure_reason,omitempty"`
	// ゲートウェイが付けるイベント連番のうち適用済みの最大値
	LastEventSequence int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt         time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time `gorm:"not null" json:"updated_at"`
}

func (p PaymentAttempt) Tenant() TenantKey {
	return TenantKey{OrganizationID: p.OrganizationID, StoreID: p.StoreID}
}

// RemainingRefundable = 売上確定額 - 返金済み額
func (p PaymentAttempt) RemainingRefundable() decimal.Decimal {
	if !p.Status.IsCaptured() {
		return decimal.Zero
	}
	return p.Amount.Sub(p.RefundedAmount)
}
