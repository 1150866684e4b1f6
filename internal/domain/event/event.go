// Package event はコミット後に外へ流す通知イベント。
package event

import (
	"fmt"
	"time"
)

type Type string

const (
	OrderPaid       Type = "order.paid"
	OrderShipped    Type = "order.shipped"
	OrderDelivered  Type = "order.delivered"
	OrderCancelled  Type = "order.cancelled"
	OrderRefunded   Type = "order.refunded"
	PaymentRefunded Type = "payment.refunded"
	PaymentFailed   Type = "payment.failed"
)

type Event struct {
	// 通知先での重複排除に使う
	ID             string            `json:"id"`
	Type           Type              `json:"type"`
	OrganizationID int64             `json:"organization_id"`
	StoreID        int64             `json:"store_id"`
	OrderID        int64             `json:"order_id"`
	CustomerID     int64             `json:"customer_id,omitempty"`
	Status         string            `json:"status,omitempty"`
	Amount         string            `json:"amount,omitempty"`
	Currency       string            `json:"currency,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	OccurredAt     time.Time         `json:"occurred_at"`
}

// PartitionKey は同じ注文のイベントを同じパーティションに寄せるキー。
func (e Event) PartitionKey() string {
	return fmt.Sprintf("%d:%d:%d", e.OrganizationID, e.StoreID, e.OrderID)
}
