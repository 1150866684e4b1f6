package model

import (
	"time"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/money"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled, OrderStatusRefunded:
		return true
	}
	return false
}

// TenantKey は全クエリに必ず付ける組織・店舗の組。
type TenantKey struct {
	OrganizationID int64
	StoreID        int64
}

type Order struct {
	ID             int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	OrganizationID int64         `gorm:"not null;index:idx_orders_tenant" json:"organization_id"`
	StoreID        int64         `gorm:"not null;index:idx_orders_tenant" json:"store_id"`
	CustomerID     int64         `gorm:"not null;index" json:"customer_id"`
	Status         OrderStatus   `gorm:"type:varchar(20);not null;index" json:"status"`
	PaymentStatus  PaymentStatus `gorm:"type:varchar(30);not null;index" json:"payment_status"`

	Subtotal decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"subtotal"`
	Tax      decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"tax"`
	Shipping decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"shipping"`
	Discount decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"discount"`
	Total    decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"total"`
	Currency string          `gorm:"type:varchar(3);not null" json:"currency"`

	ShippingAddressID *int64 `json:"shipping_address_id,omitempty"`
	BillingAddressID  *int64 `json:"billing_address_id,omitempty"`
	TrackingNumber    string `gorm:"type:varchar(100)" json:"tracking_number,omitempty"`

	IdempotencyKey string `gorm:"type:varchar(255);index" json:"-"`
	// 楽観ロック用。遷移を保存するたびに+1
	Version int64 `gorm:"not null;default:1" json:"version"`

	EstimatedDelivery *time.Time `json:"estimated_delivery,omitempty"`
	ShippedAt         *time.Time `json:"shipped_at,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	CancelledAt       *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt         time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"not null" json:"updated_at"`
}

func (o Order) Tenant() TenantKey {
	return TenantKey{OrganizationID: o.OrganizationID, StoreID: o.StoreID}
}

// ExpectedTotal = subtotal + tax + shipping - discount
func (o Order) ExpectedTotal() decimal.Decimal {
	return money.Total(o.Subtotal, o.Tax, o.Shipping, o.Discount)
}

// TotalsConsistent は合計金額の不変条件を満たしているか。
func (o Order) TotalsConsistent() bool {
	return o.Total.Equal(o.ExpectedTotal())
}

// CheckTotals は保存前に必ず呼ぶ。
func (o Order) CheckTotals() error {
	if !o.TotalsConsistent() {
		return apperr.Validation("order totals are inconsistent", apperr.FieldError{
			Field:   "total",
			Message: "must equal subtotal + tax + shipping - discount",
		})
	}
	return nil
}

// IsPostPayment は支払い後の状態か（返金の対象になり得る）。
func (o Order) IsPostPayment() bool {
	switch o.Status {
	case OrderStatusConfirmed, OrderStatusProcessing, OrderStatusShipped, OrderStatusDelivered:
		return true
	}
	return false
}
