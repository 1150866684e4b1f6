package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
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
	"gorm.io/datatypes"
)

// 同じ注文の保存が競合したときに読み直してやり直す回数
const recordAttempts = 3

// ゲートウェイの応答がないまま打ち切った決済の失敗理由
const ReasonPendingReconciliation = "timeout: pending reconciliation"

type OrchestratorConfig struct {
	// 1回のゲートウェイ呼び出しの上限
	Timeout time.Duration
	Retry   RetryPolicy
	IDs     IDGenerator
	Clock   Clock
}

// PaymentOrchestrator は決済の実行・取消・返金・webhook反映を担う。
// ゲートウェイ呼び出しはトランザクションの外で行い、結果は CAS で反映する。
type PaymentOrchestrator struct {
	tx       repo.TransactionManager
	registry *payment.Registry
	notifier Notifier
	alerter  Alerter
	log      *slog.Logger

	timeout time.Duration
	retry   RetryPolicy
	ids     IDGenerator
	clock   Clock
}

func NewPaymentOrchestrator(
	tx repo.TransactionManager,
	registry *payment.Registry,
	notifier Notifier,
	alerter Alerter,
	log *slog.Logger,
	cfg OrchestratorConfig,
) *PaymentOrchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = DefaultRetryPolicy()
	}
	if cfg.IDs == nil {
		cfg.IDs = UUIDGenerator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	return &PaymentOrchestrator{
		tx:       tx,
		registry: registry,
		notifier: notifier,
		alerter:  alerter,
		log:      log,
		timeout:  cfg.Timeout,
		retry:    cfg.Retry,
		ids:      cfg.IDs,
		clock:    cfg.Clock,
	}
}

type PayInput struct {
	PaymentMethodID string
	PaymentType     model.PaymentType
	// 現金払いの預かり金額
	AmountReceived string
	Metadata       map[string]string
	ReturnURL      string
	CancelURL      string
	// 空なら注文IDとversionから作る
	IdempotencyKey string
}

type PaymentOutcome struct {
	Order      model.Order          `json:"order"`
	Attempt    model.PaymentAttempt `json:"payment"`
	NextAction payment.NextAction   `json:"next_action"`
	// 同じ冪等キーの再送で、前回の結果をそのまま返した
	Replayed bool `json:"replayed"`
}

// Pay は order のスナップショットに対して決済を1回実行する。
// スナップショットが古ければ ConcurrentModification でゲートウェイは呼ばない。
func (o *PaymentOrchestrator) Pay(ctx context.Context, scope tenant.Scope, order model.Order, in PayInput) (PaymentOutcome, error) {
	method, proc, err := o.registry.Resolve(in.PaymentMethodID)
	if err != nil {
		return PaymentOutcome{}, err
	}

	paymentType := in.PaymentType
	if paymentType == "" {
		paymentType = model.PaymentTypeSale
	}
	if paymentType != model.PaymentTypeSale && paymentType != model.PaymentTypeAuthorize {
		return PaymentOutcome{}, apperr.Validation("invalid payment type", apperr.FieldError{Field: "payment_type", Message: "must be sale or authorize"})
	}

	idemKey := strings.TrimSpace(in.IdempotencyKey)
	explicit := idemKey != ""
	if !explicit {
		// スナップショットごとに1つ。古いスナップショットの再送は CAS で負ける
		idemKey = fmt.Sprintf("pay:%d:%d", order.ID, order.Version)
	}
	if len(idemKey) > 255 {
		return PaymentOutcome{}, apperr.Validation("idempotency key is too long", apperr.FieldError{Field: "idempotency_key", Message: "max 255 characters"})
	}

	// 呼び出し側が付けたキーの再送は前回の結果を返す
	if explicit {
		if out, ok, err := o.replay(ctx, order, idemKey); err != nil || ok {
			return out, err
		}
	}

	if v := proc.ValidateOrder(order, method, paymentType); !v.Valid {
		return PaymentOutcome{}, apperr.PaymentValidationFailed(v.Errors)
	}

	attempt, replayed, err := o.claim(ctx, scope, order, method, paymentType, idemKey, explicit)
	if err != nil {
		return PaymentOutcome{}, err
	}
	if replayed != nil {
		return *replayed, nil
	}
	// タイムアウト後の再実行では前回のキーを引き継いでいる
	idemKey = attempt.IdempotencyKey

	metadata := map[string]string{}
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	if in.AmountReceived != "" {
		metadata["amount_received"] = in.AmountReceived
	}

	data := payment.PaymentData{
		OrderID:         order.ID,
		CustomerID:      order.CustomerID,
		Amount:          attempt.Amount,
		Currency:        attempt.Currency,
		PaymentMethodID: method.ID,
		PaymentType:     paymentType,
		StoreID:         order.StoreID,
		Metadata:        metadata,
		ReturnURL:       in.ReturnURL,
		CancelURL:       in.CancelURL,
		IdempotencyKey:  idemKey,
	}

	var res payment.PaymentResult
	tries, chargeErr := o.retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		r, err := proc.Charge(callCtx, data)
		if err != nil {
			err = processorError(err)
			o.log.WarnContext(ctx, "charge failed",
				slog.Int64("order_id", order.ID),
				slog.String("payment_id", attempt.ID),
				slog.Bool("retryable", apperr.IsRetryable(err)),
				slog.Any("error", err),
			)
			return err
		}
		res = r
		return nil
	})

	if chargeErr != nil {
		return o.chargeFailed(ctx, scope, order, attempt, chargeErr, tries)
	}

	out, err := o.record(ctx, scope, order.ID, attempt.ID, func(order *model.Order, attempt *model.PaymentAttempt, now time.Time) error {
		return applyChargeResult(order, attempt, res, scope.Actor(), now)
	})
	if err != nil {
		// ゲートウェイ側は成功しているのでずれを残す
		o.alerter.Alert(ctx, Alert{
			Key:          order.Tenant(),
			ResourceType: model.AuditResourcePayment,
			ResourceID:   attempt.ID,
			Reason:       fmt.Sprintf("charge %s returned %s but could not be recorded", res.TransactionID, res.Status),
			Err:          err,
		})
		return PaymentOutcome{}, err
	}

	o.afterCharge(ctx, out)
	return out, nil
}

func applyChargeResult(order *model.Order, attempt *model.PaymentAttempt, res payment.PaymentResult, actor string, now time.Time) error {
	attempt.TransactionID = res.TransactionID
	if len(res.GatewayResponse) > 0 {
		attempt.GatewayResponse = datatypes.JSON(res.GatewayResponse)
	}
	attempt.NextActionType = res.NextAction.Type
	if attempt.NextActionType == "" {
		attempt.NextActionType = model.NextActionNone
	}
	attempt.NextActionURL = res.NextAction.URL

	status := res.Status
	if status == "" {
		status = model.PaymentStatusPending
	}
	if !res.Success {
		status = model.PaymentStatusFailed
		attempt.FailureReason = res.Message
		if attempt.FailureReason == "" {
			attempt.FailureReason = "declined"
		}
		attempt.NextActionType = model.NextActionNone
		attempt.NextActionURL = ""
	}

	if err := statemachine.ApplyAttemptTransition(attempt, status, now); err != nil {
		return err
	}
	if err := statemachine.ApplyPaymentTransition(order, status, now); err != nil {
		return err
	}
	if statemachine.ConfirmsOrder(status, attempt.NextActionType) && order.Status == model.OrderStatusPending {
		if _, err := statemachine.ApplyTransition(order, model.OrderStatusConfirmed, actor, now); err != nil {
			return err
		}
	}
	return nil
}

// chargeFailed は再試行し尽くした呼び出しを failed として残す。
func (o *PaymentOrchestrator) chargeFailed(ctx context.Context, scope tenant.Scope, order model.Order, attempt model.PaymentAttempt, chargeErr error, tries int) (PaymentOutcome, error) {
	timedOut := errors.Is(chargeErr, context.DeadlineExceeded)
	reason := chargeErr.Error()
	if timedOut {
		// 実際には決済されている可能性がある
		reason = ReasonPendingReconciliation
	}

	out, err := o.record(ctx, scope, order.ID, attempt.ID, func(order *model.Order, attempt *model.PaymentAttempt, now time.Time) error {
		attempt.FailureReason = reason
		if err := statemachine.ApplyAttemptTransition(attempt, model.PaymentStatusFailed, now); err != nil {
			return err
		}
		return statemachine.ApplyPaymentTransition(order, model.PaymentStatusFailed, now)
	})

	if timedOut || err != nil {
		o.alerter.Alert(ctx, Alert{
			Key:          order.Tenant(),
			ResourceType: model.AuditResourcePayment,
			ResourceID:   attempt.ID,
			Reason:       reason,
			Err:          chargeErr,
		})
	}
	if err != nil {
		return PaymentOutcome{}, err
	}
	o.afterCharge(ctx, out)

	if ae, ok := apperr.As(chargeErr); ok && ae.Kind == apperr.KindProcessorError && ae.Retryable {
		return out, apperr.Processor(fmt.Sprintf("%s (gave up after %d attempts)", ae.Message, tries), false, chargeErr)
	}
	return out, chargeErr
}

// replay は同じ冪等キーで作られた決済があればその結果を返す。
func (o *PaymentOrchestrator) replay(ctx context.Context, order model.Order, idemKey string) (PaymentOutcome, bool, error) {
	var out PaymentOutcome
	found := false
	err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		latest, err := r.Payments().FindLatestByOrder(ctx, order.Tenant(), order.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return dbError(err)
		}
		if latest.IdempotencyKey != idemKey || awaitsReconciliation(latest) {
			return nil
		}
		current, err := r.Orders().FindByID(ctx, order.Tenant(), order.ID)
		if err != nil {
			return loadError(err, "order")
		}
		out = outcomeOf(current, latest)
		out.Replayed = true
		found = true
		return nil
	})
	return out, found, err
}

// claim は pending の決済を作り、注文の version を進めて実行権を取る。
// 2つ目の Pay はここで version 不一致になり、ゲートウェイまで届かない。
func (o *PaymentOrchestrator) claim(ctx context.Context, scope tenant.Scope, snapshot model.Order, method payment.Method,
	paymentType model.PaymentType, idemKey string, explicit bool) (model.PaymentAttempt, *PaymentOutcome, error) {

	key := snapshot.Tenant()
	var attempt model.PaymentAttempt
	var replayed *PaymentOutcome

	err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		current, err := r.Orders().FindByID(ctx, key, snapshot.ID)
		if err != nil {
			return loadError(err, "order")
		}

		active, err := r.Payments().FindActiveByOrder(ctx, key, snapshot.ID)
		switch {
		case err == nil:
			if explicit && active.IdempotencyKey == idemKey {
				out := outcomeOf(current, active)
				out.Replayed = true
				replayed = &out
				return nil
			}
			if current.Version != snapshot.Version {
				return apperr.ConcurrentModification("order")
			}
			return apperr.New(apperr.KindDuplicatePayment, "order already has an active payment")
		case !errors.Is(err, repo.ErrNotFound):
			return dbError(err)
		}

		if current.Version != snapshot.Version {
			return apperr.ConcurrentModification("order")
		}
		if current.Status != model.OrderStatusPending {
			return apperr.InvalidStateTransition("order status", string(current.Status), string(model.OrderStatusConfirmed))
		}

		// 結果が分からないまま終わった決済があれば同じキーで問い合わせ直す
		latest, err := r.Payments().FindLatestByOrder(ctx, key, snapshot.ID)
		switch {
		case err == nil:
			if awaitsReconciliation(latest) {
				idemKey = latest.IdempotencyKey
			}
		case !errors.Is(err, repo.ErrNotFound):
			return dbError(err)
		}

		now := o.clock.Now()
		attempt = model.PaymentAttempt{
			ID:              o.ids.NewID(),
			OrganizationID:  current.OrganizationID,
			StoreID:         current.StoreID,
			OrderID:         current.ID,
			Processor:       method.Processor,
			PaymentMethodID: method.ID,
			PaymentType:     paymentType,
			Amount:          money.Round(current.Total, current.Currency),
			Currency:        current.Currency,
			Status:          model.PaymentStatusPending,
			IdempotencyKey:  idemKey,
			RefundedAmount:  decimal.Zero,
			NextActionType:  model.NextActionNone,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := r.Payments().Create(ctx, attempt); err != nil {
			return dbError(err)
		}

		next := current
		if err := statemachine.ApplyPaymentTransition(&next, model.PaymentStatusPending, now); err != nil {
			return err
		}
		next.UpdatedAt = now
		if _, err := saveOrder(ctx, r, scope.Actor(), current, next, now); err != nil {
			return err
		}
		return writeAudit(ctx, r, key, scope.Actor(), model.AuditActionUpdatePaymentStatus, model.AuditResourcePayment, attempt.ID,
			nil, map[string]string{"status": string(attempt.Status), "amount": attempt.Amount.String(), "method": method.ID}, now)
	})
	if err != nil {
		return model.PaymentAttempt{}, nil, err
	}
	return attempt, replayed, nil
}

// awaitsReconciliation はタイムアウトで打ち切った決済か。ゲートウェイ側で成立している可能性がある。
func awaitsReconciliation(a model.PaymentAttempt) bool {
	return a.Status == model.PaymentStatusFailed && a.FailureReason == ReasonPendingReconciliation
}

// chargeInFlight は Charge の応答待ちかもしれない決済か。
// 取引IDがまだなく、再試行を含めた呼び出し時間を過ぎていない。
func (o *PaymentOrchestrator) chargeInFlight(a model.PaymentAttempt) bool {
	if a.Status != model.PaymentStatusPending || a.TransactionID != "" {
		return false
	}
	return o.clock.Now().Sub(a.CreatedAt) < o.retry.Budget(o.timeout)
}

type recordFunc func(order *model.Order, attempt *model.PaymentAttempt, now time.Time) error

// record は最新の注文と決済を読み直して fn を適用し、両方を保存する。
// 保存が競合したら読み直して数回やり直す。
func (o *PaymentOrchestrator) record(ctx context.Context, scope tenant.Scope, orderID int64, attemptID string, fn recordFunc) (PaymentOutcome, error) {
	key := model.TenantKey{OrganizationID: scope.OrganizationID, StoreID: scope.StoreID}

	var out PaymentOutcome
	err := retryOnConflict(func() error {
		return o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
			order, err := r.Orders().FindByID(ctx, key, orderID)
			if err != nil {
				return loadError(err, "order")
			}
			attempt, err := r.Payments().FindByID(ctx, key, attemptID)
			if err != nil {
				return loadError(err, "payment attempt")
			}

			now := o.clock.Now()
			nextOrder, nextAttempt := order, attempt
			if err := fn(&nextOrder, &nextAttempt, now); err != nil {
				return err
			}
			nextAttempt.UpdatedAt = now

			if err := saveAttempt(ctx, r, scope.Actor(), attempt, nextAttempt, now); err != nil {
				return err
			}
			saved, err := saveOrder(ctx, r, scope.Actor(), order, nextOrder, now)
			if err != nil {
				return err
			}
			out = outcomeOf(saved, nextAttempt)
			return nil
		})
	})
	return out, err
}

// CancelPayment は売上確定前の決済を取り消す。注文の payment_status は pending に戻る。
func (o *PaymentOrchestrator) CancelPayment(ctx context.Context, scope tenant.Scope, order model.Order, attemptID, reason string) (PaymentOutcome, error) {
	key := order.Tenant()

	var attempt model.PaymentAttempt
	err := o.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		a, err := r.Payments().FindByID(ctx, key, attemptID)
		if err != nil {
			return loadError(err, "payment attempt")
		}
		attempt = a
		return nil
	})
	if err != nil {
		return PaymentOutcome{}, err
	}
	if attempt.OrderID != order.ID {
		return PaymentOutcome{}, apperr.NotFound("payment attempt")
	}
	if !attempt.Status.IsVoidable() {
		return PaymentOutcome{}, apperr.InvalidStateTransition("payment attempt", string(attempt.Status), string(model.PaymentStatusCancelled))
	}

	// 取引IDがないとゲートウェイ側で取り消せない。応答を待つ
	if o.chargeInFlight(attempt) {
		return PaymentOutcome{}, apperr.New(apperr.KindConcurrentModification, "payment is still being processed")
	}
	if attempt.Status == model.PaymentStatusPending && attempt.TransactionID == "" {
		// 応答が返らないまま止まった決済。ゲートウェイ側の状態は照合で確かめる
		o.alerter.Alert(ctx, Alert{
			Key:          key,
			ResourceType: model.AuditResourcePayment,
			ResourceID:   attempt.ID,
			Reason:       "cancelled a payment without transaction id: pending reconciliation",
		})
	}

	proc, ok := o.registry.Processor(attempt.Processor)
	if !ok {
		return PaymentOutcome{}, apperr.Internal(fmt.Errorf("processor %s is not registered", attempt.Processor))
	}

	if attempt.TransactionID != "" {
		_, err := o.retry.Do(ctx, func(ctx context.Context) error {
			callCtx, cancel := context.WithTimeout(payment.WithIdempotencyKey(ctx, "cancel:"+attempt.ID), o.timeout)
			defer cancel()
			if err := proc.Cancel(callCtx, attempt.TransactionID); err != nil {
				return processorError(err)
			}
			return nil
		})
		if err != nil {
			return PaymentOutcome{}, err
		}
	}

	if reason == "" {
		reason = "cancelled"
	}
	out, err := o.record(ctx, scope, order.ID, attempt.ID, func(order *model.Order, attempt *model.PaymentAttempt, now time.Time) error {
		if err := statemachine.ApplyAttemptTransition(attempt, model.PaymentStatusCancelled, now); err != nil {
			return err
		}
		attempt.FailureReason = reason
		attempt.NextActionType = model.NextActionNone
		attempt.NextActionURL = ""
		if order.PaymentStatus.IsVoidable() {
			return statemachine.ApplyPaymentTransition(order, model.PaymentStatusPending, now)
		}
		return nil
	})
	if err != nil {
		if attempt.TransactionID != "" {
			o.alerter.Alert(ctx, Alert{
				Key:          key,
				ResourceType: model.AuditResourcePayment,
				ResourceID:   attempt.ID,
				Reason:       "authorization voided at processor but not recorded",
				Err:          err,
			})
		}
		return PaymentOutcome{}, err
	}
	return out, nil
}

func (o *PaymentOrchestrator) afterCharge(ctx context.Context, out PaymentOutcome) {
	switch {
	case out.Order.Status == model.OrderStatusConfirmed && out.Attempt.Status.IsCaptured():
		o.notify(ctx, out.Order, event.OrderPaid, out.Attempt.Amount, map[string]string{"payment_id": out.Attempt.ID})
	case out.Attempt.Status == model.PaymentStatusFailed:
		o.notify(ctx, out.Order, event.PaymentFailed, out.Attempt.Amount, map[string]string{
			"payment_id": out.Attempt.ID,
			"reason":     out.Attempt.FailureReason,
		})
	}
}

// notify はコミット後に呼ぶ。失敗はログに残すだけ。
func (o *PaymentOrchestrator) notify(ctx context.Context, order model.Order, typ event.Type, amount decimal.Decimal, data map[string]string) {
	e := event.Event{
		ID:             o.ids.NewID(),
		Type:           typ,
		OrganizationID: order.OrganizationID,
		StoreID:        order.StoreID,
		OrderID:        order.ID,
		CustomerID:     order.CustomerID,
		Status:         string(order.Status),
		Amount:         money.Format(amount, order.Currency),
		Currency:       order.Currency,
		Data:           data,
		OccurredAt:     o.clock.Now(),
	}
	if err := o.notifier.Notify(ctx, e); err != nil {
		o.log.WarnContext(ctx, "notify failed",
			slog.String("event", string(typ)),
			slog.Int64("order_id", order.ID),
			slog.Any("error", err),
		)
	}
}

func outcomeOf(order model.Order, attempt model.PaymentAttempt) PaymentOutcome {
	return PaymentOutcome{
		Order:   order,
		Attempt: attempt,
		NextAction: payment.NextAction{
			Type: attempt.NextActionType,
			URL:  attempt.NextActionURL,
		},
	}
}

// processorError は処理系が返した素のエラーを ProcessorError にそろえる。
func processorError(err error) error {
	if _, ok := apperr.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Processor("gateway timeout", true, err)
	}
	return apperr.Processor(err.Error(), false, err)
}

func retryOnConflict(fn func() error) error {
	var err error
	for i := 0; i < recordAttempts; i++ {
		err = fn()
		if !errors.Is(err, apperr.ErrConcurrentModification) {
			return err
		}
	}
	return err
}
