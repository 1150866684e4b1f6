package payment

import (
	"context"
	"encoding/json"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"
	"orderflow/internal/domain/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MetadataAmountReceived はレジで受け取った現金額。
const MetadataAmountReceived = "amount_received"

// DirectProcessor は店頭での現金など、その場で完了する支払い。
type DirectProcessor struct{}

func NewDirectProcessor() *DirectProcessor {
	return &DirectProcessor{}
}

func (p *DirectProcessor) Type() model.PaymentProcessor { return model.ProcessorDirect }

func (p *DirectProcessor) Capabilities() Capabilities {
	return Capabilities{PartialRefund: true}
}

func (p *DirectProcessor) ValidateOrder(order model.Order, method Method, paymentType model.PaymentType) ValidationResult {
	return validateOrder(order, method, paymentType, p.Type(), p.Capabilities())
}

type directResponse struct {
	AmountReceived string `json:"amount_received"`
	Change         string `json:"change"`
}

func (p *DirectProcessor) Charge(ctx context.Context, data PaymentData) (PaymentResult, error) {
	received := data.Amount
	if v, ok := data.Metadata[MetadataAmountReceived]; ok && v != "" {
		d, err := money.Parse(v)
		if err != nil {
			return PaymentResult{}, apperr.PaymentValidationFailed([]apperr.FieldError{
				{Field: MetadataAmountReceived, Message: "must be a decimal amount"},
			})
		}
		received = d
	}

	none := NextAction{Type: model.NextActionNone}

	//受取額が足りなければ失敗として記録する
	if received.LessThan(data.Amount) {
		return PaymentResult{
			Success:    false,
			Status:     model.PaymentStatusFailed,
			Message:    "amount received is less than the order total",
			NextAction: none,
		}, nil
	}

	raw, _ := json.Marshal(directResponse{
		AmountReceived: money.Format(received, data.Currency),
		Change:         money.Format(received.Sub(data.Amount), data.Currency),
	})

	return PaymentResult{
		Success:         true,
		TransactionID:   "cash_" + uuid.NewString(),
		Status:          model.PaymentStatusSucceeded,
		GatewayResponse: raw,
		NextAction:      none,
	}, nil
}

func (p *DirectProcessor) Refund(ctx context.Context, transactionID string, amount *decimal.Decimal, currency string) (RefundResult, error) {
	if amount == nil {
		return RefundResult{}, apperr.Validation("cash refunds need an explicit amount")
	}
	return RefundResult{
		Success:  true,
		RefundID: "cash_refund_" + uuid.NewString(),
		Amount:   *amount,
	}, nil
}

// 現金はオーソリを持たないので取消は何もしない
func (p *DirectProcessor) Cancel(ctx context.Context, transactionID string) error {
	return nil
}

func (p *DirectProcessor) HandleWebhook(ctx context.Context, event WebhookEvent) (WebhookResult, error) {
	return WebhookResult{}, apperr.New(apperr.KindInvalidSignature, "direct payments do not accept webhooks")
}
