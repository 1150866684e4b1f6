// Package payment defines the processor abstraction the orchestrator drives
// and the concrete processors (cash at counter, bank transfer, online gateway).
package payment

import (
	"context"
	"encoding/json"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"

	"github.com/shopspring/decimal"
)

// Capabilities は処理系ごとにできること。
type Capabilities struct {
	// オーソリのみ（売上確定は後から）
	AuthorizeOnly bool
	PartialRefund bool
	// webhookで完了する非同期フローがある
	Async bool
}

// Method は店舗が設定した支払い方法。
type Method struct {
	ID         string
	Name       string
	Processor  model.PaymentProcessor
	Currencies []string
	MinAmount  decimal.Decimal
	MaxAmount  decimal.Decimal
	Enabled    bool
}

type PaymentData struct {
	OrderID         int64
	CustomerID      int64
	Amount          decimal.Decimal
	Currency        string
	PaymentMethodID string
	PaymentType     model.PaymentType
	StoreID         int64
	Metadata        map[string]string
	ReturnURL       string
	CancelURL       string
	// 再試行しても同じ値を使う
	IdempotencyKey string
}

type idempotencyKeyCtx struct{}

// WithIdempotencyKey は返金・取消の呼び出しに冪等キーを載せる。
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyCtx{}, key)
}

func IdempotencyKeyFrom(ctx context.Context) string {
	v, _ := ctx.Value(idempotencyKeyCtx{}).(string)
	return v
}

type NextAction struct {
	Type model.NextActionType `json:"type"`
	URL  string               `json:"url,omitempty"`
}

type PaymentResult struct {
	Success         bool
	TransactionID   string
	Status          model.PaymentStatus
	Message         string
	GatewayResponse json.RawMessage
	NextAction      NextAction
}

type RefundResult struct {
	Success bool
	// 受け付けられたがまだ返金は終わっていない。結果はwebhookか同じキーでの再実行で確定する
	Pending         bool
	RefundID        string
	Amount          decimal.Decimal
	Message         string
	GatewayResponse json.RawMessage
}

// WebhookEvent は受信したwebhookそのまま。
type WebhookEvent struct {
	Processor model.PaymentProcessor
	EventType string
	Data      json.RawMessage
	Signature string
	RawBody   []byte
}

// WebhookResult は署名検証後に正規化したイベント。
type WebhookResult struct {
	TransactionID string
	EventType     string
	Status        model.PaymentStatus
	// 返金イベントのときだけ入る
	RefundID     string
	RefundStatus model.RefundStatus
	// 0 はゲートウェイが連番を付けていない
	Sequence int64
}

type ValidationResult struct {
	Valid  bool
	Errors []apperr.FieldError
}

// Processor は決済処理系の共通インターフェース。
type Processor interface {
	Type() model.PaymentProcessor
	Capabilities() Capabilities
	ValidateOrder(order model.Order, method Method, paymentType model.PaymentType) ValidationResult
	Charge(ctx context.Context, data PaymentData) (PaymentResult, error)
	// amount が nil なら残額を全額返金
	Refund(ctx context.Context, transactionID string, amount *decimal.Decimal, currency string) (RefundResult, error)
	// 売上確定前のオーソリを取り消す
	Cancel(ctx context.Context, transactionID string) error
	// 署名を検証してから内容を読む
	HandleWebhook(ctx context.Context, event WebhookEvent) (WebhookResult, error)
}
