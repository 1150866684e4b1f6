package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGateway は受けたリクエストを記録して固定のレスポンスを返す
type fakeGateway struct {
	status  int
	body    string
	lastReq *http.Request
	payload map[string]interface{}
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.lastReq = r
	b, _ := io.ReadAll(r.Body)
	g.payload = map[string]interface{}{}
	_ = json.Unmarshal(b, &g.payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(g.status)
	_, _ = w.Write([]byte(g.body))
}

func newOnline(t *testing.T, g *fakeGateway) *OnlineGatewayProcessor {
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	return NewOnlineGatewayProcessor(OnlineGatewayConfig{
		BaseURL:       srv.URL,
		APIKey:        "sk_test",
		WebhookSecret: "whsec",
		Timeout:       2 * time.Second,
	})
}

func TestOnline_Charge_Succeeded(t *testing.T) {
	g := &fakeGateway{status: http.StatusOK, body: `{"id":"ch_1","status":"succeeded"}`}
	p := newOnline(t, g)

	res, err := p.Charge(context.Background(), PaymentData{
		OrderID:        7,
		Amount:         d("113"),
		Currency:       "USD",
		PaymentType:    model.PaymentTypeSale,
		IdempotencyKey: "idem-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "ch_1", res.TransactionID)
	assert.Equal(t, model.PaymentStatusSucceeded, res.Status)
	assert.Equal(t, model.NextActionNone, res.NextAction.Type)

	assert.Equal(t, "/v1/charges", g.lastReq.URL.Path)
	assert.Equal(t, "idem-1", g.lastReq.Header.Get("Idempotency-Key"))
	assert.Equal(t, "Bearer sk_test", g.lastReq.Header.Get("Authorization"))
	assert.Equal(t, "113.00", g.payload["amount"])
	assert.Equal(t, true, g.payload["capture"])
}

func TestOnline_Charge_AuthorizeDoesNotCapture(t *testing.T) {
	g := &fakeGateway{status: http.StatusOK, body: `{"id":"ch_2","status":"authorized"}`}
	p := newOnline(t, g)

	res, err := p.Charge(context.Background(), PaymentData{Amount: d("10"), Currency: "USD", PaymentType: model.PaymentTypeAuthorize})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusAuthorized, res.Status)
	assert.Equal(t, false, g.payload["capture"])
}

func TestOnline_Charge_RedirectAction(t *testing.T) {
	g := &fakeGateway{status: http.StatusOK, body: `{"id":"ch_3","status":"requires_action","next_action":{"type":"3ds","url":"https://acs.example/x"}}`}
	p := newOnline(t, g)

	res, err := p.Charge(context.Background(), PaymentData{Amount: d("10"), Currency: "USD", PaymentType: model.PaymentTypeSale})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, res.Status)
	assert.Equal(t, model.NextAction3DS, res.NextAction.Type)
	assert.Equal(t, "https://acs.example/x", res.NextAction.URL)
}

func TestOnline_Charge_PendingWithoutActionAwaits(t *testing.T) {
	g := &fakeGateway{status: http.StatusOK, body: `{"id":"ch_4","status":"processing"}`}
	p := newOnline(t, g)

	res, err := p.Charge(context.Background(), PaymentData{Amount: d("10"), Currency: "USD", PaymentType: model.PaymentTypeSale})
	require.NoError(t, err)
	assert.Equal(t, model.NextActionAwait, res.NextAction.Type)
}

func TestOnline_Charge_Declined(t *testing.T) {
	g := &fakeGateway{status: http.StatusPaymentRequired, body: `{"error":{"code":"card_declined","message":"insufficient funds"}}`}
	p := newOnline(t, g)

	res, err := p.Charge(context.Background(), PaymentData{Amount: d("10"), Currency: "USD", PaymentType: model.PaymentTypeSale})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, model.PaymentStatusFailed, res.Status)
	assert.Equal(t, "insufficient funds", res.Message)
}

func TestOnline_Charge_ServerErrorIsRetryable(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusTooManyRequests} {
		g := &fakeGateway{status: status, body: `{}`}
		p := newOnline(t, g)

		_, err := p.Charge(context.Background(), PaymentData{Amount: d("10"), Currency: "USD", PaymentType: model.PaymentTypeSale})
		assert.True(t, errors.Is(err, apperr.ErrProcessor))
		assert.True(t, apperr.IsRetryable(err), status)
	}
}

func TestOnline_Charge_BadRequestIsTerminal(t *testing.T) {
	g := &fakeGateway{status: http.StatusBadRequest, body: `{"error":{"message":"bad currency"}}`}
	p := newOnline(t, g)

	_, err := p.Charge(context.Background(), PaymentData{Amount: d("10"), Currency: "USD", PaymentType: model.PaymentTypeSale})
	assert.True(t, errors.Is(err, apperr.ErrProcessor))
	assert.False(t, apperr.IsRetryable(err))
}

func TestOnline_Charge_Unreachable(t *testing.T) {
	p := NewOnlineGatewayProcessor(OnlineGatewayConfig{BaseURL: "http://127.0.0.1:1", Timeout: time.Second})

	_, err := p.Charge(context.Background(), PaymentData{Amount: d("10"), Currency: "USD", PaymentType: model.PaymentTypeSale})
	assert.True(t, apperr.IsRetryable(err))
}

func TestOnline_Refund(t *testing.T) {
	g := &fakeGateway{status: http.StatusOK, body: `{"id":"re_1","status":"succeeded","amount":"50.00"}`}
	p := newOnline(t, g)

	amt := d("50")
	res, err := p.Refund(context.Background(), "ch_1", &amt, "USD")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "re_1", res.RefundID)
	assert.True(t, res.Amount.Equal(amt))
	assert.Equal(t, "/v1/refunds", g.lastReq.URL.Path)
	assert.Equal(t, "ch_1", g.payload["charge"])
	// 請求と同じく通貨の桁数で送る
	assert.Equal(t, "50.00", g.payload["amount"])
	assert.False(t, res.Pending)
}

func TestOnline_Refund_Pending(t *testing.T) {
	g := &fakeGateway{status: http.StatusOK, body: `{"id":"re_2","status":"pending"}`}
	p := newOnline(t, g)

	amt := d("20")
	res, err := p.Refund(context.Background(), "ch_1", &amt, "USD")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Pending)
	assert.Equal(t, "re_2", res.RefundID)
}

func TestOnline_Refund_IdempotencyKey(t *testing.T) {
	g := &fakeGateway{status: http.StatusOK, body: `{"id":"re_1","status":"succeeded"}`}
	p := newOnline(t, g)

	amt := d("50")
	_, err := p.Refund(WithIdempotencyKey(context.Background(), "refund:abc"), "ch_1", &amt, "USD")
	require.NoError(t, err)
	assert.Equal(t, "refund:abc", g.lastReq.Header.Get("Idempotency-Key"))

	// キーがなければ取引IDと金額から作る
	_, err = p.Refund(context.Background(), "ch_1", &amt, "USD")
	require.NoError(t, err)
	assert.Equal(t, "refund:ch_1:50", g.lastReq.Header.Get("Idempotency-Key"))
}

func TestOnline_Refund_TooLarge(t *testing.T) {
	g := &fakeGateway{status: http.StatusUnprocessableEntity, body: `{"error":{"code":"amount_too_large","message":"exceeds charge"}}`}
	p := newOnline(t, g)

	amt := d("500")
	_, err := p.Refund(context.Background(), "ch_1", &amt, "USD")
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRefundBalance))
}

func TestOnline_Cancel(t *testing.T) {
	g := &fakeGateway{status: http.StatusOK, body: `{"id":"ch_1","status":"canceled"}`}
	p := newOnline(t, g)

	require.NoError(t, p.Cancel(context.Background(), "ch_1"))
	assert.Equal(t, "/v1/charges/ch_1/cancel", g.lastReq.URL.Path)

	// 取引IDがなければゲートウェイを呼ばない
	g.lastReq = nil
	require.NoError(t, p.Cancel(context.Background(), ""))
	assert.Nil(t, g.lastReq)
}

func TestOnline_Webhook(t *testing.T) {
	p := NewOnlineGatewayProcessor(OnlineGatewayConfig{BaseURL: "http://unused", WebhookSecret: "whsec"})
	body := []byte(`{"id":"evt_1","type":"payment.captured","sequence":3,"data":{"transaction_id":"ch_9"}}`)

	res, err := p.HandleWebhook(context.Background(), WebhookEvent{RawBody: body, Signature: Sign([]byte("whsec"), body)})
	require.NoError(t, err)
	assert.Equal(t, "ch_9", res.TransactionID)
	assert.Equal(t, "payment.captured", res.EventType)
	assert.Equal(t, model.PaymentStatusCaptured, res.Status)
	assert.Equal(t, int64(3), res.Sequence)
}

func TestOnline_Webhook_SignatureCheckedFirst(t *testing.T) {
	p := NewOnlineGatewayProcessor(OnlineGatewayConfig{BaseURL: "http://unused", WebhookSecret: "whsec"})

	// 壊れた本文でも署名エラーが先に返る
	_, err := p.HandleWebhook(context.Background(), WebhookEvent{RawBody: []byte("not json"), Signature: "00"})
	assert.True(t, errors.Is(err, apperr.ErrInvalidSignature))
}

func TestOnline_Webhook_Refund(t *testing.T) {
	p := NewOnlineGatewayProcessor(OnlineGatewayConfig{BaseURL: "http://unused", WebhookSecret: "whsec"})

	body := []byte(`{"id":"evt_2","type":"refund.failed","data":{"transaction_id":"ch_9","refund_id":"re_2"}}`)
	res, err := p.HandleWebhook(context.Background(), WebhookEvent{RawBody: body, Signature: Sign([]byte("whsec"), body)})
	require.NoError(t, err)
	assert.Equal(t, "re_2", res.RefundID)
	assert.Equal(t, model.RefundStatusFailed, res.RefundStatus)
	assert.Equal(t, model.PaymentStatus(""), res.Status)

	// 返金IDのない返金イベントは読めない
	body = []byte(`{"id":"evt_3","type":"refund.succeeded","data":{"transaction_id":"ch_9"}}`)
	_, err = p.HandleWebhook(context.Background(), WebhookEvent{RawBody: body, Signature: Sign([]byte("whsec"), body)})
	assert.True(t, errors.Is(err, apperr.ErrValidation))
}
