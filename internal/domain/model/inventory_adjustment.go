package model

import "time"

// 店舗ごとの在庫数（DB在庫を使うとき）
type StockLevel struct {
	OrganizationID int64     `gorm:"primaryKey;autoIncrement:false" json:"organization_id"`
	StoreID        int64     `gorm:"primaryKey;autoIncrement:false" json:"store_id"`
	ProductID      int64     `gorm:"primaryKey;autoIncrement:false" json:"product_id"`
	Stock          int64     `gorm:"not null;default:0" json:"stock"`
	UpdatedAt      time.Time `gorm:"not null" json:"updated_at"`
}

//在庫調整の履歴

type InventoryAdjustment struct {
	ID             int64 `gorm:"primaryKey;autoIncrement" json:"id"`
	OrganizationID int64 `gorm:"not null;index:idx_inventory_adjustments_tenant" json:"organization_id"`
	StoreID        int64 `gorm:"not null;index:idx_inventory_adjustments_tenant" json:"store_id"`
	ProductID      int64 `gorm:"not null;index" json:"product_id"`
	//注文起因なら注文ID、手動調整なら0
	OrderID   int64     `gorm:"not null;default:0;index" json:"order_id"`
	Delta     int64     `gorm:"not null" json:"delta"`
	Reason    string    `gorm:"type:varchar(255);not null" json:"reason"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime" json:"created_at"`
}
