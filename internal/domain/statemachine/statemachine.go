// Package statemachine decides which order and payment status changes are legal.
// Everything here is pure; persistence and side effects belong to the callers.
package statemachine

import (
	"time"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"

	"github.com/shopspring/decimal"
)

var orderTransitions = map[model.OrderStatus][]model.OrderStatus{
	model.OrderStatusPending:    {model.OrderStatusConfirmed, model.OrderStatusCancelled},
	model.OrderStatusConfirmed:  {model.OrderStatusProcessing, model.OrderStatusShipped, model.OrderStatusCancelled, model.OrderStatusRefunded},
	model.OrderStatusProcessing: {model.OrderStatusShipped, model.OrderStatusCancelled, model.OrderStatusRefunded},
	model.OrderStatusShipped:    {model.OrderStatusDelivered, model.OrderStatusRefunded},
	model.OrderStatusDelivered:  {model.OrderStatusRefunded},
	// cancelled / refunded は終端
}

// 決済1件ごとの遷移
var paymentTransitions = map[model.PaymentStatus][]model.PaymentStatus{
	model.PaymentStatusPending: {
		model.PaymentStatusAuthorized, model.PaymentStatusCaptured, model.PaymentStatusSucceeded,
		model.PaymentStatusFailed, model.PaymentStatusCancelled,
	},
	model.PaymentStatusAuthorized: {
		model.PaymentStatusCaptured, model.PaymentStatusSucceeded,
		model.PaymentStatusFailed, model.PaymentStatusCancelled,
	},
	model.PaymentStatusCaptured: {
		model.PaymentStatusSucceeded, model.PaymentStatusPartiallyRefunded, model.PaymentStatusRefunded,
	},
	model.PaymentStatusSucceeded: {
		model.PaymentStatusPartiallyRefunded, model.PaymentStatusRefunded,
	},
	model.PaymentStatusPartiallyRefunded: {
		model.PaymentStatusPartiallyRefunded, model.PaymentStatusRefunded,
	},
}

// TransitionResult は確定した遷移の記録。作成後は変更しない。
type TransitionResult struct {
	OrderID int64
	From    model.OrderStatus
	To      model.OrderStatus
	Actor   string
	At      time.Time
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// CanTransition は注文ステータスを target に変えてよいか。
func CanTransition(order model.Order, target model.OrderStatus) bool {
	return contains(orderTransitions[order.Status], target)
}

// ApplyTransition は遷移を検証して order を書き換え、記録を返す。
// 保存とフック実行は呼び出し側が行う。
func ApplyTransition(order *model.Order, target model.OrderStatus, actor string, now time.Time) (TransitionResult, error) {
	if !CanTransition(*order, target) {
		return TransitionResult{}, apperr.InvalidStateTransition("order status", string(order.Status), string(target))
	}
	if !order.TotalsConsistent() {
		return TransitionResult{}, apperr.Validation("order total does not match its components")
	}

	from := order.Status
	order.Status = target
	order.UpdatedAt = now

	switch target {
	case model.OrderStatusShipped:
		order.ShippedAt = &now
	case model.OrderStatusDelivered:
		order.DeliveredAt = &now
	case model.OrderStatusCancelled:
		order.CancelledAt = &now
	}

	return TransitionResult{
		OrderID: order.ID,
		From:    from,
		To:      target,
		Actor:   actor,
		At:      now,
	}, nil
}

// CanTransitionPayment は決済1件の遷移判定。
func CanTransitionPayment(from, to model.PaymentStatus) bool {
	return contains(paymentTransitions[from], to)
}

// CanTransitionOrderPayment は注文側 payment_status の遷移判定。
// 失敗後の再決済と、オーソリ取消で pending に戻る経路を追加で許す。
func CanTransitionOrderPayment(from, to model.PaymentStatus) bool {
	if to == model.PaymentStatusCancelled {
		return false
	}
	if CanTransitionPayment(from, to) {
		return true
	}
	switch from {
	case model.PaymentStatusFailed:
		return to == model.PaymentStatusPending || to == model.PaymentStatusAuthorized ||
			to == model.PaymentStatusCaptured || to == model.PaymentStatusSucceeded ||
			to == model.PaymentStatusFailed
	case model.PaymentStatusPending, model.PaymentStatusAuthorized:
		return to == model.PaymentStatusPending
	}
	return false
}

// ApplyPaymentTransition は注文の payment_status を書き換える。同じ値なら何もしない。
func ApplyPaymentTransition(order *model.Order, to model.PaymentStatus, now time.Time) error {
	if order.PaymentStatus == to && to != model.PaymentStatusPartiallyRefunded {
		return nil
	}
	if !CanTransitionOrderPayment(order.PaymentStatus, to) {
		return apperr.InvalidStateTransition("payment status", string(order.PaymentStatus), string(to))
	}
	order.PaymentStatus = to
	order.UpdatedAt = now
	return nil
}

// ApplyAttemptTransition は決済1件のステータスを書き換える。
func ApplyAttemptTransition(attempt *model.PaymentAttempt, to model.PaymentStatus, now time.Time) error {
	if attempt.Status == to && to != model.PaymentStatusPartiallyRefunded {
		return nil
	}
	if !CanTransitionPayment(attempt.Status, to) {
		return apperr.InvalidStateTransition("payment attempt", string(attempt.Status), string(to))
	}
	attempt.Status = to
	attempt.UpdatedAt = now
	return nil
}

// RequiresAutoRefund はキャンセル時に全額返金を積む必要があるか。
// 注文ステータスと決済ステータスをまたぐ自動遷移はこれだけ。
func RequiresAutoRefund(order model.Order) bool {
	return order.PaymentStatus.IsCaptured()
}

// RefundStatusFor は返金累計から決済ステータスを決める。
func RefundStatusFor(captured, refunded decimal.Decimal) model.PaymentStatus {
	if refunded.GreaterThanOrEqual(captured) {
		return model.PaymentStatusRefunded
	}
	return model.PaymentStatusPartiallyRefunded
}

// ConfirmsOrder は決済結果で注文を confirmed に進めてよいか。
func ConfirmsOrder(status model.PaymentStatus, next model.NextActionType) bool {
	if next != model.NextActionNone && next != "" {
		return false
	}
	return status == model.PaymentStatusCaptured || status == model.PaymentStatusSucceeded
}
