package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 注文明細。注文がpendingを離れたら変更しない
type OrderItem struct {
	ID                  int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrganizationID      int64           `gorm:"not null;index:idx_order_items_tenant" json:"organization_id"`
	StoreID             int64           `gorm:"not null;index:idx_order_items_tenant" json:"store_id"`
	OrderID             int64           `gorm:"not null;index" json:"order_id"`
	ProductID           int64           `gorm:"not null;index" json:"product_id"`
	ProductNameSnapshot string          `gorm:"type:varchar(255);not null" json:"product_name_snapshot"`
	Quantity            int64           `gorm:"not null" json:"quantity"`
	UnitPrice           decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"unit_price"`
	Total               decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"total"`
	TaxRate             decimal.Decimal `gorm:"type:numeric(9,6);not null" json:"tax_rate"`
	TaxAmount           decimal.Decimal `gorm:"type:numeric(19,4);not null" json:"tax_amount"`
	CreatedAt           time.Time       `gorm:"not null" json:"created_at"`
}
