package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/event"
	"orderflow/internal/domain/model"
	"orderflow/internal/payment"
	"orderflow/internal/usecase"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPay_CardSucceeded(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")

	out := e.payCard(t, placed.Order.ID)

	assert.Equal(t, model.OrderStatusConfirmed, out.Order.Status)
	assert.Equal(t, model.PaymentStatusSucceeded, out.Order.PaymentStatus)
	assert.Equal(t, "ch_1", out.Attempt.TransactionID)
	assert.True(t, out.Attempt.Amount.Equal(d("113.00")))
	assert.False(t, out.Replayed)
	// 決済の確保と結果の記録で2回 version が進む
	assert.Equal(t, placed.Order.Version+2, out.Order.Version)
}

func TestPay_StaleSnapshotLoses(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	snapshot := placed.Order
	ctx := context.Background()

	_, err := e.payments.Pay(ctx, customer(7), snapshot, usecase.PayInput{PaymentMethodID: "card"})
	require.NoError(t, err)

	_, err = e.payments.Pay(ctx, customer(7), snapshot, usecase.PayInput{PaymentMethodID: "card"})
	assert.True(t, errors.Is(err, apperr.ErrConcurrentModification))
	assert.Equal(t, 1, e.gateway.charges())
}

func TestPay_ConcurrentCallsChargeOnce(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	snapshot := placed.Order

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = e.payments.Pay(context.Background(), customer(7), snapshot, usecase.PayInput{PaymentMethodID: "card"})
		}(i)
	}
	wg.Wait()

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrConcurrentModification):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicts)
	assert.Equal(t, 1, e.gateway.charges())
}

func TestPay_ExplicitKeyReplaysResult(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	ctx := context.Background()

	first, err := e.flow.Pay(ctx, customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card", IdempotencyKey: "pay-abc"},
	})
	require.NoError(t, err)

	again, err := e.flow.Pay(ctx, customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card", IdempotencyKey: "pay-abc"},
	})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, first.Attempt.ID, again.Attempt.ID)
	assert.Equal(t, 1, e.gateway.charges())
}

func TestPay_DuplicateWhileActive(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	ctx := context.Background()

	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		return payment.PaymentResult{
			Success:       true,
			TransactionID: "ch_wait",
			Status:        model.PaymentStatusPending,
			NextAction:    payment.NextAction{Type: model.NextActionRedirect, URL: "https://bank.example/pay"},
		}, nil
	}
	first, err := e.flow.Pay(ctx, customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card", IdempotencyKey: "pay-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.NextActionRedirect, first.NextAction.Type)
	assert.Equal(t, model.OrderStatusPending, first.Order.Status)

	_, err = e.flow.Pay(ctx, customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card", IdempotencyKey: "pay-2"},
	})
	assert.True(t, errors.Is(err, apperr.ErrDuplicatePayment))
	assert.Equal(t, 1, e.gateway.charges())
}

func TestPay_UnknownMethod(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")

	_, err := e.flow.Pay(context.Background(), customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "bitcoin"},
	})
	assert.True(t, errors.Is(err, apperr.ErrPaymentValidationFailed))
}

func TestPay_DeclinedThenRetried(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")

	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		return payment.PaymentResult{Success: false, Status: model.PaymentStatusFailed, Message: "insufficient funds"}, nil
	}
	declined, err := e.flow.Pay(context.Background(), customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, declined.Attempt.Status)
	assert.Equal(t, "insufficient funds", declined.Attempt.FailureReason)
	assert.Equal(t, model.PaymentStatusFailed, declined.Order.PaymentStatus)
	assert.Equal(t, model.OrderStatusPending, declined.Order.Status)
	e.notifier.AssertCalled(t, "Notify", mock.Anything, notified(event.PaymentFailed))

	e.gateway.charge = nil
	paid := e.payCard(t, placed.Order.ID)
	assert.Equal(t, model.OrderStatusConfirmed, paid.Order.Status)
	assert.NotEqual(t, declined.Attempt.ID, paid.Attempt.ID)
}

func TestPay_RetriesWithSameIdempotencyKey(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")

	calls := 0
	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		calls++
		if calls < 3 {
			return payment.PaymentResult{}, apperr.Processor("gateway unavailable", true, nil)
		}
		return payment.PaymentResult{
			Success:       true,
			TransactionID: "ch_retry",
			Status:        model.PaymentStatusCaptured,
			NextAction:    payment.NextAction{Type: model.NextActionNone},
		}, nil
	}

	out := e.payCard(t, placed.Order.ID)
	assert.Equal(t, model.PaymentStatusCaptured, out.Attempt.Status)
	assert.Equal(t, model.OrderStatusConfirmed, out.Order.Status)

	require.Len(t, e.gateway.chargeKeys, 3)
	assert.Equal(t, e.gateway.chargeKeys[0], e.gateway.chargeKeys[1])
	assert.Equal(t, e.gateway.chargeKeys[0], e.gateway.chargeKeys[2])
}

func TestPay_GivesUpAfterMaxAttempts(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")

	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		return payment.PaymentResult{}, apperr.Processor("gateway unavailable", true, nil)
	}

	out, err := e.flow.Pay(context.Background(), customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrProcessor))
	assert.False(t, apperr.IsRetryable(err))
	assert.Equal(t, 3, e.gateway.charges())
	assert.Equal(t, model.PaymentStatusFailed, out.Attempt.Status)
	assert.Equal(t, model.PaymentStatusFailed, out.Order.PaymentStatus)
}

func TestPay_TimeoutNeedsReconciliation(t *testing.T) {
	e := newEnvWithTimeout(t, 20*time.Millisecond)
	placed := e.place(t, "checkout-1")

	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		<-ctx.Done()
		return payment.PaymentResult{}, ctx.Err()
	}

	out, err := e.flow.Pay(context.Background(), customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrProcessor))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, apperr.IsRetryable(err))

	assert.Equal(t, model.PaymentStatusFailed, out.Attempt.Status)
	assert.Equal(t, "timeout: pending reconciliation", out.Attempt.FailureReason)

	e.alerter.AssertCalled(t, "Alert", mock.Anything, mock.MatchedBy(func(a usecase.Alert) bool {
		return a.ResourceID == out.Attempt.ID && a.Reason == "timeout: pending reconciliation"
	}))
}

// 応答のないまま打ち切った決済は、次の Pay でも同じ冪等キーでゲートウェイに問い合わせる
func TestPay_AfterTimeoutReusesIdempotencyKey(t *testing.T) {
	e := newEnvWithTimeout(t, 20*time.Millisecond)
	placed := e.place(t, "checkout-1")

	calls := 0
	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		calls++
		if calls <= 3 {
			<-ctx.Done()
			return payment.PaymentResult{}, ctx.Err()
		}
		// 前回の呼び出しは実際には成立していた
		return payment.PaymentResult{
			Success:       true,
			TransactionID: "ch_late",
			Status:        model.PaymentStatusSucceeded,
			NextAction:    payment.NextAction{Type: model.NextActionNone},
		}, nil
	}

	first, err := e.flow.Pay(context.Background(), customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card"},
	})
	require.Error(t, err)
	assert.Equal(t, usecase.ReasonPendingReconciliation, first.Attempt.FailureReason)

	second, err := e.flow.Pay(context.Background(), customer(7), placed.Order.ID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusConfirmed, second.Order.Status)
	assert.Equal(t, "ch_late", second.Attempt.TransactionID)
	assert.NotEqual(t, first.Attempt.ID, second.Attempt.ID)

	require.Len(t, e.gateway.chargeKeys, 4)
	for _, k := range e.gateway.chargeKeys {
		assert.Equal(t, first.Attempt.IdempotencyKey, k)
	}
	assert.Equal(t, first.Attempt.IdempotencyKey, second.Attempt.IdempotencyKey)
}

// 呼び出し側のキーが付いていても、結果の分からない決済の再送は前回の結果を返さず問い合わせ直す
func TestPay_AfterTimeoutExplicitKeyChargesAgain(t *testing.T) {
	e := newEnvWithTimeout(t, 20*time.Millisecond)
	placed := e.place(t, "checkout-1")

	calls := 0
	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		calls++
		if calls <= 3 {
			<-ctx.Done()
			return payment.PaymentResult{}, ctx.Err()
		}
		return payment.PaymentResult{Success: true, TransactionID: "ch_1", Status: model.PaymentStatusSucceeded}, nil
	}

	req := usecase.PayRequest{PayInput: usecase.PayInput{PaymentMethodID: "card", IdempotencyKey: "client-1"}}
	_, err := e.flow.Pay(context.Background(), customer(7), placed.Order.ID, req)
	require.Error(t, err)

	out, err := e.flow.Pay(context.Background(), customer(7), placed.Order.ID, req)
	require.NoError(t, err)
	assert.False(t, out.Replayed)
	assert.Equal(t, model.PaymentStatusSucceeded, out.Attempt.Status)
	assert.Equal(t, []string{"client-1", "client-1", "client-1", "client-1"}, e.gateway.chargeKeys)
}

func TestRefund_PartialThenRest(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	e.payCard(t, placed.Order.ID)
	ctx := context.Background()

	fifty := d("50.00")
	partial, err := e.flow.Refund(ctx, manager(), placed.Order.ID, &fifty, "damaged")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPartiallyRefunded, partial.Order.PaymentStatus)
	assert.Equal(t, model.PaymentStatusPartiallyRefunded, partial.Attempt.Status)
	assert.Equal(t, model.OrderStatusConfirmed, partial.Order.Status)
	assert.True(t, partial.Remaining.Equal(d("63.00")), partial.Remaining.String())
	assert.Equal(t, model.RefundStatusSucceeded, partial.Refund.Status)

	// 残高を超える返金はゲートウェイを呼ばずに弾く
	seventy := d("70.00")
	_, err = e.flow.Refund(ctx, manager(), placed.Order.ID, &seventy, "")
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRefundBalance))
	ae, _ := apperr.As(err)
	assert.Equal(t, apperr.CodeInvalidAmount, ae.Code)
	assert.Len(t, e.gateway.refundKeys, 1)

	rest, err := e.flow.Refund(ctx, manager(), placed.Order.ID, nil, "")
	require.NoError(t, err)
	assert.True(t, rest.Refund.Amount.Equal(d("63.00")))
	assert.Equal(t, model.PaymentStatusRefunded, rest.Order.PaymentStatus)
	assert.Equal(t, model.OrderStatusRefunded, rest.Order.Status)
	assert.True(t, rest.Remaining.IsZero())

	// 同額の部分返金でも別々の冪等キー
	require.Len(t, e.gateway.refundKeys, 2)
	assert.NotEqual(t, e.gateway.refundKeys[0], e.gateway.refundKeys[1])

	e.notifier.AssertCalled(t, "Notify", mock.Anything, notified(event.OrderRefunded))
}

func TestRefund_InvalidAmounts(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	ctx := context.Background()

	// 未払い
	_, err := e.flow.Refund(ctx, manager(), placed.Order.ID, nil, "")
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRefundBalance))

	e.payCard(t, placed.Order.ID)

	for _, s := range []string{"0", "-1", "10.001", "113.01"} {
		amt := d(s)
		_, err := e.flow.Refund(ctx, manager(), placed.Order.ID, &amt, "")
		assert.True(t, errors.Is(err, apperr.ErrInsufficientRefundBalance), s)
	}
	assert.Empty(t, e.gateway.refundKeys)
}

func TestWebhook_AppliesOnceAndIgnoresReplays(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	ctx := context.Background()

	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		return payment.PaymentResult{
			Success:       true,
			TransactionID: "ch_3ds",
			Status:        model.PaymentStatusPending,
			NextAction:    payment.NextAction{Type: model.NextAction3DS, URL: "https://acs.example/3ds"},
		}, nil
	}
	paid := e.payCard(t, placed.Order.ID)
	assert.Equal(t, model.NextAction3DS, paid.NextAction.Type)
	assert.Equal(t, model.OrderStatusPending, paid.Order.Status)

	captured := payment.WebhookEvent{
		Processor: model.ProcessorOnline,
		Signature: "valid",
		RawBody:   []byte(`{"transaction_id":"ch_3ds","type":"payment.captured","status":"captured","sequence":2}`),
	}
	out, err := e.flow.ReceiveWebhook(ctx, captured)
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, "applied", out.Outcome)
	assert.Equal(t, model.PaymentStatusCaptured, out.Status)

	after := e.get(t, placed.Order.ID)
	assert.Equal(t, model.OrderStatusConfirmed, after.Order.Status)
	assert.Equal(t, model.PaymentStatusCaptured, after.Order.PaymentStatus)
	assert.Equal(t, model.NextActionNone, after.Payments[0].NextActionType)

	// 同じイベントの再送
	again, err := e.flow.ReceiveWebhook(ctx, captured)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, after.Order.Version, e.get(t, placed.Order.ID).Order.Version)

	// 遅れて届いた古いイベント
	late := captured
	late.RawBody = []byte(`{"transaction_id":"ch_3ds","type":"payment.authorized","status":"authorized","sequence":1}`)
	stale, err := e.flow.ReceiveWebhook(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, "stale", stale.Outcome)

	final := e.get(t, placed.Order.ID)
	assert.Equal(t, after.Order.Version, final.Order.Version)
	assert.Equal(t, model.PaymentStatusCaptured, final.Payments[0].Status)

	e.notifier.AssertNumberOfCalls(t, "Notify", 1)
	e.notifier.AssertCalled(t, "Notify", mock.Anything, notified(event.OrderPaid))
}

func TestWebhook_InvalidSignatureChangesNothing(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")

	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		return payment.PaymentResult{Success: true, TransactionID: "ch_x", Status: model.PaymentStatusPending,
			NextAction: payment.NextAction{Type: model.NextActionAwait}}, nil
	}
	e.payCard(t, placed.Order.ID)
	before := e.get(t, placed.Order.ID)

	_, err := e.flow.ReceiveWebhook(context.Background(), payment.WebhookEvent{
		Processor: model.ProcessorOnline,
		Signature: "forged",
		RawBody:   []byte(`{"transaction_id":"ch_x","type":"payment.captured","status":"captured"}`),
	})
	assert.True(t, errors.Is(err, apperr.ErrInvalidSignature))
	assert.Equal(t, before.Order.Version, e.get(t, placed.Order.ID).Order.Version)
}

func TestWebhook_UnknownTransaction(t *testing.T) {
	e := newEnv(t)

	_, err := e.flow.ReceiveWebhook(context.Background(), payment.WebhookEvent{
		Processor: model.ProcessorOnline,
		Signature: "valid",
		RawBody:   []byte(`{"transaction_id":"ch_nope","type":"payment.captured","status":"captured"}`),
	})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = e.flow.ReceiveWebhook(context.Background(), payment.WebhookEvent{Processor: "paypal"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestWebhook_FailedAllowsNewPayment(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")

	e.gateway.charge = func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
		return payment.PaymentResult{Success: true, TransactionID: "ch_f", Status: model.PaymentStatusPending,
			NextAction: payment.NextAction{Type: model.NextActionAwait}}, nil
	}
	e.payCard(t, placed.Order.ID)

	out, err := e.flow.ReceiveWebhook(context.Background(), payment.WebhookEvent{
		Processor: model.ProcessorOnline,
		Signature: "valid",
		RawBody:   []byte(`{"transaction_id":"ch_f","type":"payment.failed","status":"failed","sequence":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusFailed, out.Status)
	assert.Equal(t, model.PaymentStatusFailed, e.get(t, placed.Order.ID).Order.PaymentStatus)

	e.gateway.charge = nil
	paid := e.payCard(t, placed.Order.ID)
	assert.Equal(t, model.OrderStatusConfirmed, paid.Order.Status)
}

func pendingRefunds(e *env) {
	e.gateway.refund = func(ctx context.Context, amount decimal.Decimal) (payment.RefundResult, error) {
		return payment.RefundResult{Success: true, Pending: true, RefundID: "re_p", Amount: amount}, nil
	}
}

func refundEvent(status model.RefundStatus) payment.WebhookEvent {
	return payment.WebhookEvent{
		Processor: model.ProcessorOnline,
		Signature: "valid",
		RawBody: []byte(`{"transaction_id":"ch_1","type":"refund.` + string(status) +
			`","refund_id":"re_p","refund_status":"` + string(status) + `"}`),
	}
}

// 受付だけの返金は webhook で確定するまで残高を押さえ、決済の状態は変えない
func TestRefund_PendingCompletedByWebhook(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	e.payCard(t, placed.Order.ID)
	ctx := context.Background()
	pendingRefunds(e)

	fifty := d("50.00")
	out, err := e.flow.Refund(ctx, manager(), placed.Order.ID, &fifty, "damaged")
	require.NoError(t, err)
	assert.Equal(t, model.RefundStatusPending, out.Refund.Status)
	assert.Equal(t, "re_p", out.Refund.ProcessorRefundID)
	assert.Equal(t, model.PaymentStatusSucceeded, out.Attempt.Status)
	assert.Equal(t, model.PaymentStatusSucceeded, out.Order.PaymentStatus)
	assert.True(t, out.Remaining.Equal(d("63.00")), out.Remaining.String())
	e.notifier.AssertNotCalled(t, "Notify", mock.Anything, notified(event.PaymentRefunded))

	// 押さえた分を超える返金は通らない
	seventy := d("70.00")
	_, err = e.flow.Refund(ctx, manager(), placed.Order.ID, &seventy, "")
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRefundBalance))

	hook, err := e.flow.ReceiveWebhook(ctx, refundEvent(model.RefundStatusSucceeded))
	require.NoError(t, err)
	assert.Equal(t, "applied", hook.Outcome)
	assert.Equal(t, model.PaymentStatusPartiallyRefunded, hook.Status)

	again, err := e.flow.ReceiveWebhook(ctx, refundEvent(model.RefundStatusSucceeded))
	require.NoError(t, err)
	assert.True(t, again.Duplicate)

	detail := e.get(t, placed.Order.ID)
	assert.Equal(t, model.PaymentStatusPartiallyRefunded, detail.Order.PaymentStatus)
	assert.True(t, detail.Payments[0].RefundedAmount.Equal(fifty))
	require.Len(t, detail.Refunds, 1)
	assert.Equal(t, model.RefundStatusSucceeded, detail.Refunds[0].Status)
	e.notifier.AssertCalled(t, "Notify", mock.Anything, notified(event.PaymentRefunded))
}

func TestRefund_PendingFailedByWebhook(t *testing.T) {
	e := newEnv(t)
	placed := e.place(t, "checkout-1")
	e.payCard(t, placed.Order.ID)
	ctx := context.Background()
	pendingRefunds(e)

	_, err := e.flow.Refund(ctx, manager(), placed.Order.ID, nil, "")
	require.NoError(t, err)

	hook, err := e.flow.ReceiveWebhook(ctx, refundEvent(model.RefundStatusFailed))
	require.NoError(t, err)
	assert.Equal(t, "applied", hook.Outcome)

	detail := e.get(t, placed.Order.ID)
	assert.Equal(t, model.PaymentStatusSucceeded, detail.Order.PaymentStatus)
	assert.True(t, detail.Payments[0].RefundedAmount.IsZero())
	require.Len(t, detail.Refunds, 1)
	assert.Equal(t, model.RefundStatusFailed, detail.Refunds[0].Status)

	// 失敗した返金の分はもう一度返金できる
	e.gateway.refund = nil
	out, err := e.flow.Refund(ctx, manager(), placed.Order.ID, nil, "")
	require.NoError(t, err)
	assert.True(t, out.Refund.Amount.Equal(d("113")))
	assert.Equal(t, model.OrderStatusRefunded, out.Order.Status)
}

// 返金がタイムアウトしたら pending のまま押さえ、再実行は同じ冪等キーで行う
func TestRefund_TimeoutStaysPendingAndReusesKey(t *testing.T) {
	e := newEnvWithTimeout(t, 20*time.Millisecond)
	placed := e.place(t, "checkout-1")
	e.payCard(t, placed.Order.ID)
	ctx := context.Background()

	calls := 0
	e.gateway.refund = func(ctx context.Context, amount decimal.Decimal) (payment.RefundResult, error) {
		calls++
		if calls <= 3 {
			<-ctx.Done()
			return payment.RefundResult{}, ctx.Err()
		}
		return payment.RefundResult{Success: true, RefundID: "re_late", Amount: amount}, nil
	}

	out, err := e.flow.Refund(ctx, manager(), placed.Order.ID, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, model.RefundStatusPending, out.Refund.Status)
	e.alerter.AssertCalled(t, "Alert", mock.Anything, mock.MatchedBy(func(a usecase.Alert) bool {
		return a.ResourceID == out.Refund.ID && a.Reason == usecase.ReasonPendingReconciliation
	}))

	// 結果の分からない返金の分はまだ返金できない
	_, err = e.flow.Refund(ctx, manager(), placed.Order.ID, nil, "")
	assert.True(t, errors.Is(err, apperr.ErrInsufficientRefundBalance))

	done, err := e.payments.ProcessQueuedRefund(ctx, manager(), placed.Order.Tenant(), out.Refund.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RefundStatusSucceeded, done.Refund.Status)
	assert.Equal(t, "re_late", done.Refund.ProcessorRefundID)
	assert.Equal(t, model.OrderStatusRefunded, done.Order.Status)

	require.Len(t, e.gateway.refundKeys, 4)
	for _, k := range e.gateway.refundKeys {
		assert.Equal(t, "refund:"+out.Refund.ID, k)
	}
}
