package payment

import (
	"context"
	"encoding/json"
	"strings"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"
	"orderflow/internal/domain/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BankAccount は振込先。
type BankAccount struct {
	BankName      string
	AccountName   string
	AccountNumber string
}

// BankTransferProcessor は振込待ちを返し、入金確認はwebhookで受ける。
type BankTransferProcessor struct {
	account       BankAccount
	webhookSecret []byte
}

func NewBankTransferProcessor(account BankAccount, webhookSecret string) *BankTransferProcessor {
	return &BankTransferProcessor{account: account, webhookSecret: []byte(webhookSecret)}
}

func (p *BankTransferProcessor) Type() model.PaymentProcessor { return model.ProcessorBankTransfer }

func (p *BankTransferProcessor) Capabilities() Capabilities {
	return Capabilities{PartialRefund: true, Async: true}
}

func (p *BankTransferProcessor) ValidateOrder(order model.Order, method Method, paymentType model.PaymentType) ValidationResult {
	return validateOrder(order, method, paymentType, p.Type(), p.Capabilities())
}

type transferInstructions struct {
	Reference     string `json:"reference"`
	BankName      string `json:"bank_name"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
}

func (p *BankTransferProcessor) Charge(ctx context.Context, data PaymentData) (PaymentResult, error) {
	//振込人名義に入れてもらう照合用の参照番号
	ref := "BT-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])

	raw, _ := json.Marshal(transferInstructions{
		Reference:     ref,
		BankName:      p.account.BankName,
		AccountName:   p.account.AccountName,
		AccountNumber: p.account.AccountNumber,
		Amount:        money.Format(data.Amount, data.Currency),
		Currency:      data.Currency,
	})

	return PaymentResult{
		Success:         true,
		TransactionID:   ref,
		Status:          model.PaymentStatusPending,
		Message:         "awaiting bank transfer",
		GatewayResponse: raw,
		NextAction:      NextAction{Type: model.NextActionNone},
	}, nil
}

func (p *BankTransferProcessor) Refund(ctx context.Context, transactionID string, amount *decimal.Decimal, currency string) (RefundResult, error) {
	if amount == nil {
		return RefundResult{}, apperr.Validation("bank transfer refunds need an explicit amount")
	}
	//返金は経理が手作業で振り込むので受付番号だけ発行
	return RefundResult{
		Success:  true,
		RefundID: "BTR-" + uuid.NewString(),
		Amount:   *amount,
		Message:  "refund transfer scheduled",
	}, nil
}

func (p *BankTransferProcessor) Cancel(ctx context.Context, transactionID string) error {
	return nil
}

type bankWebhookBody struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
	Data     struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

var bankEventStatus = map[string]model.PaymentStatus{
	"transfer.received": model.PaymentStatusSucceeded,
	"transfer.expired":  model.PaymentStatusFailed,
}

func (p *BankTransferProcessor) HandleWebhook(ctx context.Context, event WebhookEvent) (WebhookResult, error) {
	if err := VerifySignature(p.webhookSecret, event.RawBody, event.Signature); err != nil {
		return WebhookResult{}, err
	}

	var body bankWebhookBody
	if err := json.Unmarshal(event.RawBody, &body); err != nil {
		return WebhookResult{}, apperr.Validation("malformed webhook body")
	}
	eventType := body.Type
	if eventType == "" {
		eventType = event.EventType
	}
	if body.Data.Reference == "" {
		return WebhookResult{}, apperr.Validation("webhook is missing the transfer reference")
	}

	return WebhookResult{
		TransactionID: body.Data.Reference,
		EventType:     eventType,
		Status:        bankEventStatus[eventType],
		Sequence:      body.Sequence,
	}, nil
}
