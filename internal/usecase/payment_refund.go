package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/event"
	"orderflow/internal/domain/model"
	"orderflow/internal/domain/money"
	"orderflow/internal/domain/statemachine"
	"orderflow/internal/domain/tenant"
	"orderflow/internal/payment"
	repo "orderflow/internal/repository"

	"github.com/shopspring/decimal"
)

type RefundOutcome struct {
	Order     model.Order          `json:"order"`
	Attempt   model.PaymentAttempt `json:"payment"`
	Refund    model.Refund         `json:"refund"`
	Remaining decimal.Decimal      `json:"remaining_refundable"`
}

// Refund は売上確定済みの決済を返金する。amount が nil なら残額すべて。
// 残高を超える金額はゲートウェイを呼ぶ前に InsufficientRefundBalance で弾く。
func (o *PaymentOrchestrator) Refund(ctx context.Context, scope tenant.Scope, snapshot model.Order, amount *decimal.Decimal, reason string) (RefundOutcome, error) {
	var refund model.Refund
	err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		current, err := r.Orders().FindByID(ctx, snapshot.Tenant(), snapshot.ID)
		if err != nil {
			return loadError(err, "order")
		}
		if current.Version != snapshot.Version {
			return apperr.ConcurrentModification("order")
		}

		now := o.clock.Now()
		refund, err = o.queueRefund(ctx, r, current, amount, reason, false, now)
		if err != nil {
			return err
		}
		// version を進めて同時に来た返金を負けさせる
		next := current
		next.UpdatedAt = now
		_, err = saveOrder(ctx, r, scope.Actor(), current, next, now)
		return err
	})
	if err != nil {
		return RefundOutcome{}, err
	}
	return o.executeRefund(ctx, scope, refund)
}

// ProcessQueuedRefund はキャンセル時などに積まれた pending の返金を実行する。
// 既に終わった返金はそのまま返す。
func (o *PaymentOrchestrator) ProcessQueuedRefund(ctx context.Context, scope tenant.Scope, key model.TenantKey, refundID string) (RefundOutcome, error) {
	var out RefundOutcome
	err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		refund, err := r.Refunds().FindByID(ctx, key, refundID)
		if err != nil {
			return loadError(err, "refund")
		}
		out.Refund = refund
		return nil
	})
	if err != nil {
		return RefundOutcome{}, err
	}
	if out.Refund.Status != model.RefundStatusPending {
		return o.refundOutcome(ctx, key, out.Refund)
	}
	return o.executeRefund(ctx, scope, out.Refund)
}

// queueRefund は呼び出し側のトランザクションの中で pending の返金を作る。
func (o *PaymentOrchestrator) queueRefund(ctx context.Context, r repo.TxRepos, order model.Order, amount *decimal.Decimal,
	reason string, automatic bool, now time.Time) (model.Refund, error) {

	key := order.Tenant()
	attempt, err := r.Payments().FindActiveByOrder(ctx, key, order.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Refund{}, apperr.InsufficientRefundBalance("order has no captured payment")
	}
	if err != nil {
		return model.Refund{}, dbError(err)
	}
	if !attempt.Status.IsCaptured() {
		if attempt.Status == model.PaymentStatusRefunded {
			return model.Refund{}, apperr.InsufficientRefundBalance("payment is already fully refunded")
		}
		return model.Refund{}, apperr.InvalidStateTransition("payment attempt", string(attempt.Status), string(model.PaymentStatusRefunded))
	}

	remaining, err := remainingRefundable(ctx, r, attempt)
	if err != nil {
		return model.Refund{}, err
	}

	amt := remaining
	if amount != nil {
		amt = *amount
	}
	switch {
	case !amt.IsPositive():
		return model.Refund{}, apperr.InsufficientRefundBalance("refund amount must be greater than zero")
	case !money.HasValidPrecision(amt, attempt.Currency):
		return model.Refund{}, apperr.InsufficientRefundBalance(fmt.Sprintf("too many decimal places for %s", attempt.Currency))
	case amt.GreaterThan(remaining):
		return model.Refund{}, apperr.InsufficientRefundBalance(fmt.Sprintf("refund %s exceeds remaining %s",
			money.Format(amt, attempt.Currency), money.Format(remaining, attempt.Currency)))
	}

	if reason == "" {
		reason = "requested"
	}
	refund := model.Refund{
		ID:               o.ids.NewID(),
		OrganizationID:   order.OrganizationID,
		StoreID:          order.StoreID,
		OrderID:          order.ID,
		PaymentAttemptID: attempt.ID,
		Amount:           amt,
		Currency:         attempt.Currency,
		Reason:           reason,
		Status:           model.RefundStatusPending,
		Automatic:        automatic,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := r.Refunds().Create(ctx, refund); err != nil {
		return model.Refund{}, dbError(err)
	}
	return refund, nil
}

// remainingRefundable は確定額から返金済みと実行待ちの返金を引いた額。
func remainingRefundable(ctx context.Context, r repo.TxRepos, attempt model.PaymentAttempt) (decimal.Decimal, error) {
	remaining := attempt.RemainingRefundable()
	refunds, err := r.Refunds().ListByOrder(ctx, attempt.Tenant(), attempt.OrderID)
	if err != nil {
		return decimal.Zero, dbError(err)
	}
	for _, rf := range refunds {
		if rf.PaymentAttemptID == attempt.ID && rf.Status == model.RefundStatusPending {
			remaining = remaining.Sub(rf.Amount)
		}
	}
	if remaining.IsNegative() {
		return decimal.Zero, nil
	}
	return remaining, nil
}

func (o *PaymentOrchestrator) executeRefund(ctx context.Context, scope tenant.Scope, refund model.Refund) (RefundOutcome, error) {
	key := model.TenantKey{OrganizationID: refund.OrganizationID, StoreID: refund.StoreID}

	var attempt model.PaymentAttempt
	err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		a, err := r.Payments().FindByID(ctx, key, refund.PaymentAttemptID)
		if err != nil {
			return loadError(err, "payment attempt")
		}
		attempt = a
		return nil
	})
	if err != nil {
		return RefundOutcome{}, err
	}

	proc, ok := o.registry.Processor(attempt.Processor)
	if !ok {
		return RefundOutcome{}, apperr.Internal(fmt.Errorf("processor %s is not registered", attempt.Processor))
	}

	amt := refund.Amount
	var res payment.RefundResult
	_, refundErr := o.retry.Do(ctx, func(ctx context.Context) error {
		// 返金IDを冪等キーにするので、同額の部分返金を2回しても別物として扱われる
		callCtx, cancel := context.WithTimeout(payment.WithIdempotencyKey(ctx, "refund:"+refund.ID), o.timeout)
		defer cancel()

		rr, err := proc.Refund(callCtx, attempt.TransactionID, &amt, refund.Currency)
		if err != nil {
			return processorError(err)
		}
		res = rr
		return nil
	})
	if refundErr == nil && !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "refund declined"
		}
		refundErr = apperr.Processor(msg, false, nil)
	}
	if refundErr != nil {
		return o.refundFailed(ctx, scope, refund, refundErr)
	}
	if res.Pending {
		return o.refundSubmitted(ctx, scope, key, refund.ID, res)
	}

	var out RefundOutcome
	err = retryOnConflict(func() error {
		return o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			var err error
			out, err = o.recordRefund(ctx, r, scope, key, refund.ID, res)
			return err
		})
	})
	if err != nil {
		o.alerter.Alert(ctx, Alert{
			Key:          key,
			ResourceType: model.AuditResourceRefund,
			ResourceID:   refund.ID,
			Reason:       "refund succeeded at processor but could not be recorded",
			Err:          err,
		})
		return RefundOutcome{}, err
	}

	o.notifyRefunded(ctx, out)
	return out, nil
}

func (o *PaymentOrchestrator) notifyRefunded(ctx context.Context, out RefundOutcome) {
	data := map[string]string{"payment_id": out.Attempt.ID, "refund_id": out.Refund.ID}
	o.notify(ctx, out.Order, event.PaymentRefunded, out.Refund.Amount, data)
	if out.Order.Status == model.OrderStatusRefunded {
		o.notify(ctx, out.Order, event.OrderRefunded, out.Attempt.RefundedAmount, data)
	}
}

// refundSubmitted はゲートウェイが受け付けただけの返金に処理系の返金IDを残す。
// 金額は pending のまま押さえておき、確定は webhook か同じ返金の再実行で行う。
func (o *PaymentOrchestrator) refundSubmitted(ctx context.Context, scope tenant.Scope, key model.TenantKey, refundID string,
	res payment.RefundResult) (RefundOutcome, error) {

	err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		current, err := r.Refunds().FindByID(ctx, key, refundID)
		if err != nil {
			return loadError(err, "refund")
		}
		if current.Status != model.RefundStatusPending || current.ProcessorRefundID == res.RefundID {
			return nil
		}
		now := o.clock.Now()
		next := current
		next.ProcessorRefundID = res.RefundID
		next.UpdatedAt = now
		if err := r.Refunds().Update(ctx, next); err != nil {
			return saveError(err, "refund")
		}
		return writeAudit(ctx, r, key, scope.Actor(), model.AuditActionRefund, model.AuditResourceRefund, refundID,
			map[string]string{"status": string(current.Status)},
			map[string]string{"status": string(next.Status), "processor_refund_id": res.RefundID}, now)
	})
	if err != nil {
		return RefundOutcome{}, err
	}
	return o.refundOutcome(ctx, key, model.Refund{ID: refundID})
}

func (o *PaymentOrchestrator) recordRefund(ctx context.Context, r repo.TxRepos, scope tenant.Scope, key model.TenantKey,
	refundID string, res payment.RefundResult) (RefundOutcome, error) {

	refund, err := r.Refunds().FindByID(ctx, key, refundID)
	if err != nil {
		return RefundOutcome{}, loadError(err, "refund")
	}
	order, err := r.Orders().FindByID(ctx, key, refund.OrderID)
	if err != nil {
		return RefundOutcome{}, loadError(err, "order")
	}
	attempt, err := r.Payments().FindByID(ctx, key, refund.PaymentAttemptID)
	if err != nil {
		return RefundOutcome{}, loadError(err, "payment attempt")
	}
	if refund.Status != model.RefundStatusPending {
		return RefundOutcome{Order: order, Attempt: attempt, Refund: refund, Remaining: attempt.RemainingRefundable()}, nil
	}

	now := o.clock.Now()
	nextRefund := refund
	nextRefund.Status = model.RefundStatusSucceeded
	nextRefund.ProcessorRefundID = res.RefundID
	nextRefund.UpdatedAt = now

	nextAttempt := attempt
	nextAttempt.RefundedAmount = attempt.RefundedAmount.Add(refund.Amount)
	status := statemachine.RefundStatusFor(attempt.Amount, nextAttempt.RefundedAmount)
	if err := statemachine.ApplyAttemptTransition(&nextAttempt, status, now); err != nil {
		return RefundOutcome{}, err
	}
	nextAttempt.UpdatedAt = now

	nextOrder := order
	if err := statemachine.ApplyPaymentTransition(&nextOrder, status, now); err != nil {
		return RefundOutcome{}, err
	}
	if status == model.PaymentStatusRefunded && order.IsPostPayment() {
		if _, err := statemachine.ApplyTransition(&nextOrder, model.OrderStatusRefunded, scope.Actor(), now); err != nil {
			return RefundOutcome{}, err
		}
	}

	if err := r.Refunds().Update(ctx, nextRefund); err != nil {
		return RefundOutcome{}, saveError(err, "refund")
	}
	if err := saveAttempt(ctx, r, scope.Actor(), attempt, nextAttempt, now); err != nil {
		return RefundOutcome{}, err
	}
	saved, err := saveOrder(ctx, r, scope.Actor(), order, nextOrder, now)
	if err != nil {
		return RefundOutcome{}, err
	}
	if err := writeAudit(ctx, r, key, scope.Actor(), model.AuditActionRefund, model.AuditResourceRefund, refund.ID,
		map[string]string{"status": string(refund.Status)},
		map[string]string{
			"status":     string(nextRefund.Status),
			"amount":     refund.Amount.String(),
			"payment_id": attempt.ID,
			"automatic":  fmt.Sprint(refund.Automatic),
		}, now); err != nil {
		return RefundOutcome{}, err
	}

	return RefundOutcome{
		Order:     saved,
		Attempt:   nextAttempt,
		Refund:    nextRefund,
		Remaining: nextAttempt.RemainingRefundable(),
	}, nil
}

// refundFailed は返金行を failed にする。決済の残高は変えない。
// タイムアウトだけは結果が分からないので pending のまま残す。
func (o *PaymentOrchestrator) refundFailed(ctx context.Context, scope tenant.Scope, refund model.Refund, refundErr error) (RefundOutcome, error) {
	key := model.TenantKey{OrganizationID: refund.OrganizationID, StoreID: refund.StoreID}

	if errors.Is(refundErr, context.DeadlineExceeded) {
		// ゲートウェイ側で返金済みかもしれないので pending のまま残し、同じキーで再実行させる
		o.alerter.Alert(ctx, Alert{
			Key:          key,
			ResourceType: model.AuditResourceRefund,
			ResourceID:   refund.ID,
			Reason:       ReasonPendingReconciliation,
			Err:          refundErr,
		})
	} else {
		err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			return o.markRefundFailed(ctx, r, scope, key, refund.ID, refundErr.Error())
		})
		if err != nil {
			o.alerter.Alert(ctx, Alert{
				Key:          key,
				ResourceType: model.AuditResourceRefund,
				ResourceID:   refund.ID,
				Reason:       "failed refund could not be recorded",
				Err:          err,
			})
		}
	}

	out, loadErr := o.refundOutcome(ctx, key, refund)
	if loadErr != nil {
		return RefundOutcome{}, refundErr
	}
	if ae, ok := apperr.As(refundErr); ok && ae.Retryable {
		return out, apperr.Processor(ae.Message+" (gave up)", false, refundErr)
	}
	return out, refundErr
}

// markRefundFailed は pending の返金を failed にする。押さえていた金額は再び返金できる。
func (o *PaymentOrchestrator) markRefundFailed(ctx context.Context, r repo.TxRepos, scope tenant.Scope, key model.TenantKey,
	refundID, reason string) error {

	current, err := r.Refunds().FindByID(ctx, key, refundID)
	if err != nil {
		return loadError(err, "refund")
	}
	if current.Status != model.RefundStatusPending {
		return nil
	}
	now := o.clock.Now()
	next := current
	next.Status = model.RefundStatusFailed
	next.FailureReason = reason
	next.UpdatedAt = now
	if err := r.Refunds().Update(ctx, next); err != nil {
		return saveError(err, "refund")
	}
	return writeAudit(ctx, r, key, scope.Actor(), model.AuditActionRefund, model.AuditResourceRefund, refundID,
		map[string]string{"status": string(current.Status)},
		map[string]string{"status": string(next.Status), "reason": next.FailureReason}, now)
}

func (o *PaymentOrchestrator) refundOutcome(ctx context.Context, key model.TenantKey, refund model.Refund) (RefundOutcome, error) {
	var out RefundOutcome
	err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		current, err := r.Refunds().FindByID(ctx, key, refund.ID)
		if err != nil {
			return loadError(err, "refund")
		}
		order, err := r.Orders().FindByID(ctx, key, current.OrderID)
		if err != nil {
			return loadError(err, "order")
		}
		attempt, err := r.Payments().FindByID(ctx, key, current.PaymentAttemptID)
		if err != nil {
			return loadError(err, "payment attempt")
		}
		remaining, err := remainingRefundable(ctx, r, attempt)
		if err != nil {
			return err
		}
		out = RefundOutcome{Order: order, Attempt: attempt, Refund: current, Remaining: remaining}
		return nil
	})
	return out, err
}
