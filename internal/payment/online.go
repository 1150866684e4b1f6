package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"
	"orderflow/internal/domain/money"

	"github.com/shopspring/decimal"
)

type OnlineGatewayConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	HTTPClient    *http.Client
}

// OnlineGatewayProcessor はカード決済ゲートウェイのHTTPクライアント。
type OnlineGatewayProcessor struct {
	baseURL       string
	apiKey        string
	webhookSecret []byte
	client        *http.Client
}

func NewOnlineGatewayProcessor(cfg OnlineGatewayConfig) *OnlineGatewayProcessor {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &OnlineGatewayProcessor{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:        cfg.APIKey,
		webhookSecret: []byte(cfg.WebhookSecret),
		client:        client,
	}
}

func (p *OnlineGatewayProcessor) Type() model.PaymentProcessor { return model.ProcessorOnline }

func (p *OnlineGatewayProcessor) Capabilities() Capabilities {
	return Capabilities{AuthorizeOnly: true, PartialRefund: true, Async: true}
}

func (p *OnlineGatewayProcessor) ValidateOrder(order model.Order, method Method, paymentType model.PaymentType) ValidationResult {
	return validateOrder(order, method, paymentType, p.Type(), p.Capabilities())
}

type chargeRequest struct {
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Capture       bool              `json:"capture"`
	OrderID       int64             `json:"order_id"`
	CustomerID    int64             `json:"customer_id,omitempty"`
	StoreID       int64             `json:"store_id"`
	PaymentMethod string            `json:"payment_method"`
	ReturnURL     string            `json:"return_url,omitempty"`
	CancelURL     string            `json:"cancel_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type chargeResponse struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	FailureMessage string `json:"failure_message"`
	NextAction     *struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"next_action"`
}

type gatewayError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ゲートウェイのステータス名を内部の決済ステータスへ
var gatewayStatus = map[string]model.PaymentStatus{
	"pending":         model.PaymentStatusPending,
	"requires_action": model.PaymentStatusPending,
	"processing":      model.PaymentStatusPending,
	"authorized":      model.PaymentStatusAuthorized,
	"captured":        model.PaymentStatusCaptured,
	"succeeded":       model.PaymentStatusSucceeded,
	"failed":          model.PaymentStatusFailed,
	"canceled":        model.PaymentStatusCancelled,
	"cancelled":       model.PaymentStatusCancelled,
}

func (p *OnlineGatewayProcessor) Charge(ctx context.Context, data PaymentData) (PaymentResult, error) {
	req := chargeRequest{
		Amount:        money.Format(data.Amount, data.Currency),
		Currency:      data.Currency,
		Capture:       data.PaymentType != model.PaymentTypeAuthorize,
		OrderID:       data.OrderID,
		CustomerID:    data.CustomerID,
		StoreID:       data.StoreID,
		PaymentMethod: data.PaymentMethodID,
		ReturnURL:     data.ReturnURL,
		CancelURL:     data.CancelURL,
		Metadata:      data.Metadata,
	}

	status, body, err := p.post(ctx, "/v1/charges", data.IdempotencyKey, req)
	if err != nil {
		return PaymentResult{}, err
	}

	//カード拒否などは業務上の失敗として返す
	if status == http.StatusPaymentRequired {
		var ge gatewayError
		_ = json.Unmarshal(body, &ge)
		return PaymentResult{
			Success:         false,
			Status:          model.PaymentStatusFailed,
			Message:         ge.Error.Message,
			GatewayResponse: body,
			NextAction:      NextAction{Type: model.NextActionNone},
		}, nil
	}
	if err := classifyStatus(status, body); err != nil {
		return PaymentResult{}, err
	}

	var cr chargeResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return PaymentResult{}, apperr.Processor("malformed gateway response", false, err)
	}

	st, ok := gatewayStatus[cr.Status]
	if !ok {
		return PaymentResult{}, apperr.Processor("unknown gateway status "+cr.Status, false, nil)
	}

	next := NextAction{Type: model.NextActionNone}
	if cr.NextAction != nil {
		switch model.NextActionType(cr.NextAction.Type) {
		case model.NextActionRedirect, model.NextAction3DS, model.NextActionAwait:
			next = NextAction{Type: model.NextActionType(cr.NextAction.Type), URL: cr.NextAction.URL}
		}
	}
	//非同期完了待ちなのに次の行動がないときは await
	if st == model.PaymentStatusPending && next.Type == model.NextActionNone {
		next.Type = model.NextActionAwait
	}

	return PaymentResult{
		Success:         st != model.PaymentStatusFailed,
		TransactionID:   cr.ID,
		Status:          st,
		Message:         cr.FailureMessage,
		GatewayResponse: body,
		NextAction:      next,
	}, nil
}

type refundRequest struct {
	Charge string `json:"charge"`
	Amount string `json:"amount,omitempty"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount string `json:"amount"`
}

func (p *OnlineGatewayProcessor) Refund(ctx context.Context, transactionID string, amount *decimal.Decimal, currency string) (RefundResult, error) {
	req := refundRequest{Charge: transactionID}
	if amount != nil {
		req.Amount = money.Format(*amount, currency)
	}

	//呼び出し側のキーがなければ取引IDと金額から作る
	key := IdempotencyKeyFrom(ctx)
	if key == "" {
		key = "refund:" + transactionID
		if amount != nil {
			key += ":" + amount.String()
		}
	}

	status, body, err := p.post(ctx, "/v1/refunds", key, req)
	if err != nil {
		return RefundResult{}, err
	}
	if status == http.StatusUnprocessableEntity {
		var ge gatewayError
		_ = json.Unmarshal(body, &ge)
		if ge.Error.Code == "amount_too_large" {
			return RefundResult{}, apperr.InsufficientRefundBalance(ge.Error.Message)
		}
	}
	if err := classifyStatus(status, body); err != nil {
		return RefundResult{}, err
	}

	var rr refundResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return RefundResult{}, apperr.Processor("malformed gateway response", false, err)
	}
	refunded := decimal.Zero
	if rr.Amount != "" {
		if d, err := decimal.NewFromString(rr.Amount); err == nil {
			refunded = d
		}
	} else if amount != nil {
		refunded = *amount
	}

	return RefundResult{
		Success:         rr.Status == "succeeded" || rr.Status == "pending",
		Pending:         rr.Status == "pending",
		RefundID:        rr.ID,
		Amount:          refunded,
		Message:         rr.Status,
		GatewayResponse: body,
	}, nil
}

func (p *OnlineGatewayProcessor) Cancel(ctx context.Context, transactionID string) error {
	if transactionID == "" {
		return nil
	}
	key := IdempotencyKeyFrom(ctx)
	if key == "" {
		key = "cancel:" + transactionID
	}
	status, body, err := p.post(ctx, "/v1/charges/"+transactionID+"/cancel", key, struct{}{})
	if err != nil {
		return err
	}
	return classifyStatus(status, body)
}

type onlineWebhookBody struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
	Data     struct {
		TransactionID string `json:"transaction_id"`
		RefundID      string `json:"refund_id"`
	} `json:"data"`
}

var onlineEventStatus = map[string]model.PaymentStatus{
	"payment.authorized": model.PaymentStatusAuthorized,
	"payment.captured":   model.PaymentStatusCaptured,
	"payment.succeeded":  model.PaymentStatusSucceeded,
	"payment.failed":     model.PaymentStatusFailed,
	"payment.cancelled":  model.PaymentStatusCancelled,
}

var onlineRefundEventStatus = map[string]model.RefundStatus{
	"refund.succeeded": model.RefundStatusSucceeded,
	"refund.failed":    model.RefundStatusFailed,
}

func (p *OnlineGatewayProcessor) HandleWebhook(ctx context.Context, event WebhookEvent) (WebhookResult, error) {
	if err := VerifySignature(p.webhookSecret, event.RawBody, event.Signature); err != nil {
		return WebhookResult{}, err
	}

	var body onlineWebhookBody
	if err := json.Unmarshal(event.RawBody, &body); err != nil {
		return WebhookResult{}, apperr.Validation("malformed webhook body")
	}
	eventType := body.Type
	if eventType == "" {
		eventType = event.EventType
	}
	if body.Data.TransactionID == "" {
		return WebhookResult{}, apperr.Validation("webhook is missing the transaction id")
	}

	res := WebhookResult{
		TransactionID: body.Data.TransactionID,
		EventType:     eventType,
		Status:        onlineEventStatus[eventType],
		Sequence:      body.Sequence,
	}
	if status, ok := onlineRefundEventStatus[eventType]; ok {
		if body.Data.RefundID == "" {
			return WebhookResult{}, apperr.Validation("refund webhook is missing the refund id")
		}
		res.RefundID = body.Data.RefundID
		res.RefundStatus = status
	}
	return res, nil
}

func (p *OnlineGatewayProcessor) post(ctx context.Context, path, idempotencyKey string, payload interface{}) (int, []byte, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, apperr.Internal(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, nil, apperr.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		//タイムアウトも通信断も再試行対象
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, apperr.Processor("gateway timeout", true, err)
		}
		return 0, nil, apperr.Processor("gateway unreachable", true, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, apperr.Processor("reading gateway response", true, err)
	}
	return resp.StatusCode, body, nil
}

// classifyStatus は 429/5xx を再試行可、その他の 4xx を再試行不可にする。
func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	var ge gatewayError
	_ = json.Unmarshal(body, &ge)
	msg := ge.Error.Message
	if msg == "" {
		msg = "gateway returned " + strconv.Itoa(status)
	}
	retryable := status == http.StatusTooManyRequests || status >= 500
	return apperr.Processor(msg, retryable, fmt.Errorf("http status %d", status))
}
