package usecase

import (
	"context"
	"errors"
	"fmt"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/event"
	"orderflow/internal/domain/model"
	"orderflow/internal/domain/statemachine"
	"orderflow/internal/domain/tenant"
	"orderflow/internal/payment"
	repo "orderflow/internal/repository"
)

const (
	webhookApplied = "applied"
	webhookStale   = "stale"
	webhookIgnored = "ignored"
)

type WebhookOutcome struct {
	// 同じイベントを既に処理していた
	Duplicate bool                `json:"duplicate"`
	Outcome   string              `json:"outcome,omitempty"`
	OrderID   int64               `json:"order_id,omitempty"`
	AttemptID string              `json:"payment_id,omitempty"`
	Status    model.PaymentStatus `json:"status,omitempty"`
}

// ReceiveWebhook は署名を検証し、相関IDで決済を引いて状態を1回だけ進める。
// 同じイベントの再送や順序の入れ替わりでは状態は変わらない。
func (o *PaymentOrchestrator) ReceiveWebhook(ctx context.Context, ev payment.WebhookEvent) (WebhookOutcome, error) {
	proc, ok := o.registry.Processor(ev.Processor)
	if !ok {
		return WebhookOutcome{}, apperr.NotFound("payment processor")
	}

	res, err := proc.HandleWebhook(ctx, ev)
	if err != nil {
		return WebhookOutcome{}, err
	}
	if res.TransactionID == "" {
		return WebhookOutcome{}, apperr.Validation("webhook has no transaction id")
	}

	var attempt model.PaymentAttempt
	err = o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		a, err := r.Payments().FindByTransactionID(ctx, ev.Processor, res.TransactionID)
		if err != nil {
			return loadError(err, "payment attempt")
		}
		attempt = a
		return nil
	})
	if err != nil {
		return WebhookOutcome{}, err
	}
	if res.RefundID != "" {
		return o.receiveRefundWebhook(ctx, ev.Processor, attempt, res)
	}

	// テナントは決済レコードから決まる
	scope := tenant.System(attempt.OrganizationID, attempt.StoreID)

	var out WebhookOutcome
	var order model.Order
	var confirmed bool
	err = retryOnConflict(func() error {
		return o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			var err error
			out, order, confirmed, err = o.applyWebhook(ctx, r, scope, ev.Processor, attempt.ID, res)
			return err
		})
	})
	if err != nil {
		return WebhookOutcome{}, err
	}

	if out.Outcome == webhookApplied {
		data := map[string]string{"payment_id": out.AttemptID, "event_type": res.EventType}
		switch {
		case confirmed:
			o.notify(ctx, order, event.OrderPaid, attempt.Amount, data)
		case out.Status == model.PaymentStatusFailed:
			o.notify(ctx, order, event.PaymentFailed, attempt.Amount, data)
		}
	}
	return out, nil
}

func webhookDedupKey(processor model.PaymentProcessor, res payment.WebhookResult) string {
	key := fmt.Sprintf("%s:%s:%s", processor, res.TransactionID, res.EventType)
	if res.RefundID != "" {
		key += ":" + res.RefundID
	}
	if res.Sequence > 0 {
		key = fmt.Sprintf("%s:%d", key, res.Sequence)
	}
	return key
}

func (o *PaymentOrchestrator) applyWebhook(ctx context.Context, r repo.TxRepos, scope tenant.Scope, processor model.PaymentProcessor,
	attemptID string, res payment.WebhookResult) (WebhookOutcome, model.Order, bool, error) {

	key := model.TenantKey{OrganizationID: scope.OrganizationID, StoreID: scope.StoreID}
	attempt, err := r.Payments().FindByID(ctx, key, attemptID)
	if err != nil {
		return WebhookOutcome{}, model.Order{}, false, loadError(err, "payment attempt")
	}
	order, err := r.Orders().FindByID(ctx, key, attempt.OrderID)
	if err != nil {
		return WebhookOutcome{}, model.Order{}, false, loadError(err, "order")
	}

	outcome := webhookApplied
	switch {
	case res.Status == "":
		outcome = webhookIgnored
	case res.Sequence > 0 && res.Sequence <= attempt.LastEventSequence:
		outcome = webhookStale
	case attempt.Status == res.Status:
		outcome = webhookIgnored
	case !statemachine.CanTransitionPayment(attempt.Status, res.Status):
		outcome = webhookStale
	}

	now := o.clock.Now()
	inserted, err := r.Webhooks().MarkProcessed(ctx, model.ProcessedWebhook{
		DedupKey:      webhookDedupKey(processor, res),
		Processor:     processor,
		TransactionID: res.TransactionID,
		EventType:     res.EventType,
		Sequence:      res.Sequence,
		Outcome:       outcome,
		ReceivedAt:    now,
	})
	if err != nil {
		return WebhookOutcome{}, model.Order{}, false, dbError(err)
	}

	out := WebhookOutcome{
		Duplicate: !inserted,
		Outcome:   outcome,
		OrderID:   order.ID,
		AttemptID: attempt.ID,
		Status:    attempt.Status,
	}
	if !inserted {
		out.Outcome = ""
		return out, order, false, nil
	}
	if outcome == webhookStale && res.Status.IsCaptured() && !attempt.Status.IsActive() {
		// 取り消したはずの決済で入金があった
		o.alerter.Alert(ctx, Alert{
			Key:          key,
			ResourceType: model.AuditResourcePayment,
			ResourceID:   attempt.ID,
			Reason:       fmt.Sprintf("gateway reported %s for a %s payment", res.Status, attempt.Status),
		})
	}
	if outcome != webhookApplied {
		return out, order, false, nil
	}

	nextAttempt := attempt
	if err := statemachine.ApplyAttemptTransition(&nextAttempt, res.Status, now); err != nil {
		return WebhookOutcome{}, model.Order{}, false, err
	}
	if res.Sequence > nextAttempt.LastEventSequence {
		nextAttempt.LastEventSequence = res.Sequence
	}
	if res.Status.IsCaptured() || !res.Status.IsActive() {
		nextAttempt.NextActionType = model.NextActionNone
		nextAttempt.NextActionURL = ""
	}
	if res.Status == model.PaymentStatusFailed && nextAttempt.FailureReason == "" {
		nextAttempt.FailureReason = res.EventType
	}
	if err := saveAttempt(ctx, r, scope.Actor(), attempt, nextAttempt, now); err != nil {
		return WebhookOutcome{}, model.Order{}, false, err
	}
	out.Status = nextAttempt.Status

	// 注文に反映するのは最新の決済だけ
	latest, err := r.Payments().FindLatestByOrder(ctx, key, order.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return WebhookOutcome{}, model.Order{}, false, dbError(err)
	}
	if latest.ID != attempt.ID {
		return out, order, false, nil
	}

	target := res.Status
	if target == model.PaymentStatusCancelled {
		target = model.PaymentStatusPending
	}
	nextOrder := order
	if err := statemachine.ApplyPaymentTransition(&nextOrder, target, now); err != nil {
		o.alerter.Alert(ctx, Alert{
			Key:          key,
			ResourceType: model.AuditResourceOrder,
			ResourceID:   formatID(order.ID),
			Reason:       "webhook status does not fit the order payment status",
			Err:          err,
		})
		return out, order, false, nil
	}
	confirmed := false
	if statemachine.ConfirmsOrder(target, model.NextActionNone) && order.Status == model.OrderStatusPending {
		if _, err := statemachine.ApplyTransition(&nextOrder, model.OrderStatusConfirmed, scope.Actor(), now); err != nil {
			return WebhookOutcome{}, model.Order{}, false, err
		}
		confirmed = true
	}

	saved, err := saveOrder(ctx, r, scope.Actor(), order, nextOrder, now)
	if err != nil {
		return WebhookOutcome{}, model.Order{}, false, err
	}
	return out, saved, confirmed, nil
}

// receiveRefundWebhook は受付済み(pending)の返金を確定させる。
// 返金は決済と処理系の返金IDで引く。
func (o *PaymentOrchestrator) receiveRefundWebhook(ctx context.Context, processor model.PaymentProcessor,
	attempt model.PaymentAttempt, res payment.WebhookResult) (WebhookOutcome, error) {

	scope := tenant.System(attempt.OrganizationID, attempt.StoreID)
	key := attempt.Tenant()

	var out WebhookOutcome
	var refunded RefundOutcome
	err := retryOnConflict(func() error {
		return o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			refunded = RefundOutcome{}

			refunds, err := r.Refunds().ListByOrder(ctx, key, attempt.OrderID)
			if err != nil {
				return dbError(err)
			}
			var refund model.Refund
			for _, rf := range refunds {
				if rf.PaymentAttemptID == attempt.ID && rf.ProcessorRefundID == res.RefundID {
					refund = rf
					break
				}
			}
			if refund.ID == "" {
				return apperr.NotFound("refund")
			}

			outcome := webhookApplied
			switch {
			case refund.Status == res.RefundStatus:
				outcome = webhookIgnored
			case refund.Status != model.RefundStatusPending:
				outcome = webhookStale
			}

			now := o.clock.Now()
			inserted, err := r.Webhooks().MarkProcessed(ctx, model.ProcessedWebhook{
				DedupKey:      webhookDedupKey(processor, res),
				Processor:     processor,
				TransactionID: res.TransactionID,
				EventType:     res.EventType,
				Sequence:      res.Sequence,
				Outcome:       outcome,
				ReceivedAt:    now,
			})
			if err != nil {
				return dbError(err)
			}

			out = WebhookOutcome{
				Duplicate: !inserted,
				Outcome:   outcome,
				OrderID:   attempt.OrderID,
				AttemptID: attempt.ID,
				Status:    attempt.Status,
			}
			if !inserted {
				out.Outcome = ""
				return nil
			}
			if outcome == webhookStale {
				o.alerter.Alert(ctx, Alert{
					Key:          key,
					ResourceType: model.AuditResourceRefund,
					ResourceID:   refund.ID,
					Reason:       fmt.Sprintf("gateway reported refund %s for a %s refund", res.RefundStatus, refund.Status),
				})
			}
			if outcome != webhookApplied {
				return nil
			}

			switch res.RefundStatus {
			case model.RefundStatusSucceeded:
				refunded, err = o.recordRefund(ctx, r, scope, key, refund.ID, payment.RefundResult{Success: true, RefundID: res.RefundID})
				if err != nil {
					return err
				}
				out.Status = refunded.Attempt.Status
			case model.RefundStatusFailed:
				return o.markRefundFailed(ctx, r, scope, key, refund.ID, res.EventType)
			}
			return nil
		})
	})
	if err != nil {
		return WebhookOutcome{}, err
	}
	if refunded.Refund.ID != "" {
		o.notifyRefunded(ctx, refunded)
	}
	return out, nil
}
