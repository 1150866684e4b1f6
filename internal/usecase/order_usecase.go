package usecase

import (
	"context"
	"errors"
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
)

// OrderFlowUsecase は注文のライフサイクルの入口。
// どの操作も スコープ検証 → 認可 → テナントで絞って読む → 委譲 → CAS で保存 → コミット後の通知 の順に進む。
type OrderFlowUsecase struct {
	tx        repo.TransactionManager
	payments  *PaymentOrchestrator
	inventory InventoryClient
	notifier  Notifier
	alerter   Alerter
	policy    tenant.Policy
	log       *slog.Logger
}

func NewOrderFlowUsecase(
	tx repo.TransactionManager,
	payments *PaymentOrchestrator,
	inventory InventoryClient,
	notifier Notifier,
	alerter Alerter,
	policy tenant.Policy,
	log *slog.Logger,
) *OrderFlowUsecase {
	return &OrderFlowUsecase{
		tx:        tx,
		payments:  payments,
		inventory: inventory,
		notifier:  notifier,
		alerter:   alerter,
		policy:    policy,
		log:       log,
	}
}

type PlaceOrderItem struct {
	ProductID   int64
	ProductName string
	Quantity    int64
	UnitPrice   decimal.Decimal
	// 0.08 なら 8%
	TaxRate decimal.Decimal
}

type PlaceOrderInput struct {
	// スタッフが代理で作るときだけ使う。顧客は自分のIDになる
	CustomerID        int64
	Currency          string
	Items             []PlaceOrderItem
	Shipping          decimal.Decimal
	Discount          decimal.Decimal
	ShippingAddressID *int64
	BillingAddressID  *int64
	IdempotencyKey    string
}

type OrderDetail struct {
	Order    model.Order            `json:"order"`
	Items    []model.OrderItem      `json:"items"`
	Payments []model.PaymentAttempt `json:"payments"`
	Refunds  []model.Refund         `json:"refunds"`
}

type CancelOutcome struct {
	Order  model.Order   `json:"order"`
	Refund *model.Refund `json:"refund,omitempty"`
	// 自動返金が失敗してもキャンセル自体は成功する
	RefundError string `json:"refund_error,omitempty"`
}

// PlaceOrder は pending の注文を作る。同じ冪等キーなら同じ注文を返す。
func (u *OrderFlowUsecase) PlaceOrder(ctx context.Context, scope tenant.Scope, in PlaceOrderInput) (OrderDetail, error) {
	if err := scope.Validate(); err != nil {
		return OrderDetail{}, err
	}
	if !u.policy.CanAttempt(scope, tenant.ActionPlace) {
		return OrderDetail{}, apperr.Unauthorized(string(tenant.ActionPlace))
	}

	customerID := in.CustomerID
	if customerID == 0 && scope.Has(tenant.RoleCustomer) {
		customerID = scope.UserID
	}
	if customerID <= 0 {
		return OrderDetail{}, apperr.Validation("invalid customer", apperr.FieldError{Field: "customer_id", Message: "is required"})
	}
	if err := u.policy.Authorize(scope, tenant.ActionPlace, tenant.Target{CustomerID: customerID, Pending: true}); err != nil {
		return OrderDetail{}, err
	}

	idemKey := strings.TrimSpace(in.IdempotencyKey)
	if idemKey == "" || len(idemKey) > 255 {
		return OrderDetail{}, apperr.Validation("invalid idempotency key", apperr.FieldError{Field: "idempotency_key", Message: "is required (max 255 characters)"})
	}

	key := keyOf(scope)
	now := u.payments.clock.Now()
	order, items, err := buildOrder(key, customerID, in, now)
	if err != nil {
		return OrderDetail{}, err
	}
	order.IdempotencyKey = idemKey

	var out OrderDetail
	created := false
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		// 同じキーなら同じ結果
		existing, found, err := r.Orders().FindByIdempotencyKey(ctx, key, customerID, idemKey)
		if err != nil {
			return dbError(err)
		}
		if found {
			out, err = loadDetail(ctx, r, existing)
			return err
		}

		saved, err := r.Orders().Create(ctx, order)
		if err != nil {
			return dbError(err)
		}
		if err := r.OrderItems().CreateBulk(ctx, saved.Tenant(), saved.ID, items); err != nil {
			return dbError(err)
		}
		if err := writeAudit(ctx, r, key, scope.Actor(), model.AuditActionUpdateOrderStatus, model.AuditResourceOrder, formatID(saved.ID),
			nil, map[string]string{"status": string(saved.Status), "total": saved.Total.String()}, now); err != nil {
			return err
		}

		out, err = loadDetail(ctx, r, saved)
		created = true
		return err
	})
	if err != nil {
		return OrderDetail{}, err
	}

	if created {
		if err := u.inventory.Reserve(ctx, key, out.Order.ID, out.Items); err != nil {
			u.alerter.Alert(ctx, Alert{
				Key:          key,
				ResourceType: model.AuditResourceOrder,
				ResourceID:   formatID(out.Order.ID),
				Reason:       "inventory reserve failed",
				Err:          err,
			})
		}
	}
	return out, nil
}

// buildOrder は明細から金額を組み立てる。明細ごとに通貨桁で丸めてから合計する。
func buildOrder(key model.TenantKey, customerID int64, in PlaceOrderInput, now time.Time) (model.Order, []model.OrderItem, error) {
	currency, err := money.NormalizeCurrency(in.Currency)
	if err != nil {
		return model.Order{}, nil, apperr.Validation("invalid currency", apperr.FieldError{Field: "currency", Message: err.Error()})
	}
	if len(in.Items) == 0 {
		return model.Order{}, nil, apperr.Validation("order has no items", apperr.FieldError{Field: "items", Message: "at least one item is required"})
	}

	var fields []apperr.FieldError
	checkAmount := func(field string, v decimal.Decimal) {
		if v.IsNegative() {
			fields = append(fields, apperr.FieldError{Field: field, Message: "must not be negative"})
		} else if !money.HasValidPrecision(v, currency) {
			fields = append(fields, apperr.FieldError{Field: field, Message: "too many decimal places for " + currency})
		}
	}

	subtotal, tax := decimal.Zero, decimal.Zero
	items := make([]model.OrderItem, 0, len(in.Items))
	for i, it := range in.Items {
		prefix := "items[" + formatID(int64(i)) + "]"
		if it.ProductID <= 0 {
			fields = append(fields, apperr.FieldError{Field: prefix + ".product_id", Message: "is required"})
		}
		if it.Quantity <= 0 {
			fields = append(fields, apperr.FieldError{Field: prefix + ".quantity", Message: "must be greater than zero"})
		}
		checkAmount(prefix+".unit_price", it.UnitPrice)
		if it.TaxRate.IsNegative() || it.TaxRate.GreaterThan(decimal.NewFromInt(1)) {
			fields = append(fields, apperr.FieldError{Field: prefix + ".tax_rate", Message: "must be between 0 and 1"})
		}

		total := money.Round(it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)), currency)
		taxAmount := money.Round(total.Mul(it.TaxRate), currency)
		subtotal = subtotal.Add(total)
		tax = tax.Add(taxAmount)

		name := strings.TrimSpace(it.ProductName)
		if name == "" {
			name = "product " + formatID(it.ProductID)
		}
		items = append(items, model.OrderItem{
			ProductID:           it.ProductID,
			ProductNameSnapshot: name,
			Quantity:            it.Quantity,
			UnitPrice:           it.UnitPrice,
			Total:               total,
			TaxRate:             it.TaxRate,
			TaxAmount:           taxAmount,
			CreatedAt:           now,
		})
	}
	checkAmount("shipping", in.Shipping)
	checkAmount("discount", in.Discount)

	total := money.Total(subtotal, tax, in.Shipping, in.Discount)
	if total.IsNegative() {
		fields = append(fields, apperr.FieldError{Field: "discount", Message: "exceeds the order amount"})
	}
	if len(fields) > 0 {
		return model.Order{}, nil, apperr.Validation("invalid order", fields...)
	}

	return model.Order{
		OrganizationID:    key.OrganizationID,
		StoreID:           key.StoreID,
		CustomerID:        customerID,
		Status:            model.OrderStatusPending,
		PaymentStatus:     model.PaymentStatusPending,
		Subtotal:          subtotal,
		Tax:               tax,
		Shipping:          in.Shipping,
		Discount:          in.Discount,
		Total:             total,
		Currency:          currency,
		ShippingAddressID: in.ShippingAddressID,
		BillingAddressID:  in.BillingAddressID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, items, nil
}

func (u *OrderFlowUsecase) Get(ctx context.Context, scope tenant.Scope, orderID int64) (OrderDetail, error) {
	order, err := u.begin(ctx, scope, tenant.ActionView, orderID)
	if err != nil {
		return OrderDetail{}, err
	}

	var out OrderDetail
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var err error
		out, err = loadDetail(ctx, r, order)
		return err
	})
	return out, err
}

// List は店舗内の注文一覧。顧客は自分の注文だけ。
func (u *OrderFlowUsecase) List(ctx context.Context, scope tenant.Scope, f repo.OrderListFilter) ([]model.Order, int64, error) {
	if err := scope.Validate(); err != nil {
		return nil, 0, err
	}
	if !u.policy.CanAttempt(scope, tenant.ActionView) {
		return nil, 0, apperr.Unauthorized(string(tenant.ActionView))
	}
	if f.Page < 1 {
		return nil, 0, apperr.Validation("invalid page", apperr.FieldError{Field: "page", Message: "must be at least 1"})
	}
	if f.Limit < 1 || f.Limit > 100 {
		return nil, 0, apperr.Validation("invalid limit", apperr.FieldError{Field: "limit", Message: "must be between 1 and 100"})
	}

	// 誰の注文でもない対象で通るならスタッフ扱い
	if u.policy.Authorize(scope, tenant.ActionView, tenant.Target{CustomerID: -1}) != nil {
		own := scope.UserID
		f.CustomerID = &own
	}

	var orders []model.Order
	var total int64
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		var err error
		orders, total, err = r.Orders().List(ctx, keyOf(scope), f)
		return dbError(err)
	})
	if err != nil {
		return nil, 0, err
	}
	return orders, total, nil
}

// PayRequest は Pay の入力。ExpectedVersion が 0 でなければ読んだ注文と一致しなければならない。
type PayRequest struct {
	PayInput
	ExpectedVersion int64
}

func (u *OrderFlowUsecase) Pay(ctx context.Context, scope tenant.Scope, orderID int64, in PayRequest) (PaymentOutcome, error) {
	order, err := u.begin(ctx, scope, tenant.ActionPay, orderID)
	if err != nil {
		return PaymentOutcome{}, err
	}
	if in.ExpectedVersion != 0 && in.ExpectedVersion != order.Version {
		return PaymentOutcome{}, apperr.ConcurrentModification("order")
	}
	return u.payments.Pay(ctx, scope, order, in.PayInput)
}

// Process は confirmed の注文を出荷準備中にする。
func (u *OrderFlowUsecase) Process(ctx context.Context, scope tenant.Scope, orderID int64) (model.Order, error) {
	return u.transition(ctx, scope, tenant.ActionProcess, orderID, model.OrderStatusProcessing, nil)
}

func (u *OrderFlowUsecase) Ship(ctx context.Context, scope tenant.Scope, orderID int64, trackingNumber string, estimatedDelivery *time.Time) (model.Order, error) {
	trackingNumber = strings.TrimSpace(trackingNumber)
	if len(trackingNumber) > 100 {
		return model.Order{}, apperr.Validation("invalid tracking number", apperr.FieldError{Field: "tracking_number", Message: "max 100 characters"})
	}

	order, err := u.transition(ctx, scope, tenant.ActionShip, orderID, model.OrderStatusShipped, func(o *model.Order) {
		o.TrackingNumber = trackingNumber
		if estimatedDelivery != nil {
			eta := *estimatedDelivery
			o.EstimatedDelivery = &eta
		}
	})
	if err != nil {
		return model.Order{}, err
	}
	u.notify(ctx, order, event.OrderShipped, map[string]string{"tracking_number": trackingNumber})
	return order, nil
}

func (u *OrderFlowUsecase) Deliver(ctx context.Context, scope tenant.Scope, orderID int64) (model.Order, error) {
	order, err := u.transition(ctx, scope, tenant.ActionDeliver, orderID, model.OrderStatusDelivered, nil)
	if err != nil {
		return model.Order{}, err
	}
	u.notify(ctx, order, event.OrderDelivered, nil)
	return order, nil
}

// Cancel は注文を取り消す。確定前の決済は取り消し、売上確定済みなら残額の返金を同じトランザクションで積む。
func (u *OrderFlowUsecase) Cancel(ctx context.Context, scope tenant.Scope, orderID int64, reason string) (CancelOutcome, error) {
	order, err := u.begin(ctx, scope, tenant.ActionCancel, orderID)
	if err != nil {
		return CancelOutcome{}, err
	}
	if !statemachine.CanTransition(order, model.OrderStatusCancelled) {
		return CancelOutcome{}, apperr.InvalidStateTransition("order status", string(order.Status), string(model.OrderStatusCancelled))
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}

	// 売上確定前の決済は先に取り消す
	active, found, err := u.activeAttempt(ctx, order)
	if err != nil {
		return CancelOutcome{}, err
	}
	if found && active.Status.IsVoidable() {
		if _, err := u.payments.CancelPayment(ctx, scope, order, active.ID, "order cancelled: "+reason); err != nil {
			return CancelOutcome{}, err
		}
	}

	key := order.Tenant()
	var out CancelOutcome
	var items []model.OrderItem
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		current, err := r.Orders().FindByID(ctx, key, order.ID)
		if err != nil {
			return loadError(err, "order")
		}

		now := u.payments.clock.Now()
		next := current
		if _, err := statemachine.ApplyTransition(&next, model.OrderStatusCancelled, scope.Actor(), now); err != nil {
			return err
		}

		if statemachine.RequiresAutoRefund(current) {
			refund, err := u.payments.queueRefund(ctx, r, current, nil, "order cancelled: "+reason, true, now)
			switch {
			case err == nil:
				out.Refund = &refund
			case errors.Is(err, apperr.ErrInsufficientRefundBalance):
				// 残額がもうない（返金済み・実行待ち）
			default:
				return err
			}
		}

		saved, err := saveOrder(ctx, r, scope.Actor(), current, next, now)
		if err != nil {
			return err
		}
		out.Order = saved

		items, err = r.OrderItems().ListByOrderID(ctx, key, order.ID)
		return dbError(err)
	})
	if err != nil {
		return CancelOutcome{}, err
	}

	if err := u.inventory.Release(ctx, key, order.ID, items); err != nil {
		u.alerter.Alert(ctx, Alert{
			Key:          key,
			ResourceType: model.AuditResourceOrder,
			ResourceID:   formatID(order.ID),
			Reason:       "inventory release failed",
			Err:          err,
		})
	}
	u.notify(ctx, out.Order, event.OrderCancelled, map[string]string{"reason": reason})

	if out.Refund != nil {
		res, err := u.payments.ProcessQueuedRefund(ctx, scope, key, out.Refund.ID)
		if err != nil {
			u.alerter.Alert(ctx, Alert{
				Key:          key,
				ResourceType: model.AuditResourceRefund,
				ResourceID:   out.Refund.ID,
				Reason:       "automatic refund on cancel failed",
				Err:          err,
			})
			out.RefundError = err.Error()
			if res.Refund.ID != "" {
				out.Refund = &res.Refund
			}
			return out, nil
		}
		out.Order = res.Order
		out.Refund = &res.Refund
	}
	return out, nil
}

func (u *OrderFlowUsecase) Refund(ctx context.Context, scope tenant.Scope, orderID int64, amount *decimal.Decimal, reason string) (RefundOutcome, error) {
	order, err := u.begin(ctx, scope, tenant.ActionRefund, orderID)
	if err != nil {
		return RefundOutcome{}, err
	}
	return u.payments.Refund(ctx, scope, order, amount, strings.TrimSpace(reason))
}

func (u *OrderFlowUsecase) CancelPayment(ctx context.Context, scope tenant.Scope, orderID int64, attemptID, reason string) (PaymentOutcome, error) {
	order, err := u.begin(ctx, scope, tenant.ActionCancelPayment, orderID)
	if err != nil {
		return PaymentOutcome{}, err
	}
	return u.payments.CancelPayment(ctx, scope, order, attemptID, strings.TrimSpace(reason))
}

// ReceiveWebhook はテナントを持たない入口。テナントは決済レコードから決まる。
func (u *OrderFlowUsecase) ReceiveWebhook(ctx context.Context, ev payment.WebhookEvent) (WebhookOutcome, error) {
	return u.payments.ReceiveWebhook(ctx, ev)
}

// begin は共通の前処理。注文はスコープのテナントで絞って読むので、他テナントの注文は NotFound になる。
func (u *OrderFlowUsecase) begin(ctx context.Context, scope tenant.Scope, action tenant.Action, orderID int64) (model.Order, error) {
	if err := scope.Validate(); err != nil {
		return model.Order{}, err
	}
	if !u.policy.CanAttempt(scope, action) {
		return model.Order{}, apperr.Unauthorized(string(action))
	}
	if orderID <= 0 {
		return model.Order{}, apperr.Validation("invalid id", apperr.FieldError{Field: "id", Message: "must be positive"})
	}

	var order model.Order
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, keyOf(scope), orderID)
		if err != nil {
			return loadError(err, "order")
		}
		order = o
		return nil
	})
	if err != nil {
		return model.Order{}, err
	}

	target := tenant.Target{CustomerID: order.CustomerID, Pending: order.Status == model.OrderStatusPending}
	if err := u.policy.Authorize(scope, action, target); err != nil {
		return model.Order{}, err
	}
	return order, nil
}

// transition は支払いを伴わない遷移（出荷など）を1トランザクションで保存する。
func (u *OrderFlowUsecase) transition(ctx context.Context, scope tenant.Scope, action tenant.Action, orderID int64,
	target model.OrderStatus, mutate func(o *model.Order)) (model.Order, error) {

	order, err := u.begin(ctx, scope, action, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if !statemachine.CanTransition(order, target) {
		return model.Order{}, apperr.InvalidStateTransition("order status", string(order.Status), string(target))
	}

	var saved model.Order
	err = u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		current, err := r.Orders().FindByID(ctx, order.Tenant(), order.ID)
		if err != nil {
			return loadError(err, "order")
		}
		if current.Version != order.Version {
			return apperr.ConcurrentModification("order")
		}

		now := u.payments.clock.Now()
		next := current
		if _, err := statemachine.ApplyTransition(&next, target, scope.Actor(), now); err != nil {
			return err
		}
		if mutate != nil {
			mutate(&next)
		}
		saved, err = saveOrder(ctx, r, scope.Actor(), current, next, now)
		return err
	})
	if err != nil {
		return model.Order{}, err
	}
	return saved, nil
}

func (u *OrderFlowUsecase) activeAttempt(ctx context.Context, order model.Order) (model.PaymentAttempt, bool, error) {
	var attempt model.PaymentAttempt
	found := false
	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		a, err := r.Payments().FindActiveByOrder(ctx, order.Tenant(), order.ID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return dbError(err)
		}
		attempt, found = a, true
		return nil
	})
	return attempt, found, err
}

func (u *OrderFlowUsecase) notify(ctx context.Context, order model.Order, typ event.Type, data map[string]string) {
	u.payments.notify(ctx, order, typ, order.Total, data)
}

func loadDetail(ctx context.Context, r repo.TxRepos, order model.Order) (OrderDetail, error) {
	items, err := r.OrderItems().ListByOrderID(ctx, order.Tenant(), order.ID)
	if err != nil {
		return OrderDetail{}, dbError(err)
	}
	payments, err := r.Payments().ListByOrder(ctx, order.Tenant(), order.ID)
	if err != nil {
		return OrderDetail{}, dbError(err)
	}
	refunds, err := r.Refunds().ListByOrder(ctx, order.Tenant(), order.ID)
	if err != nil {
		return OrderDetail{}, dbError(err)
	}
	return OrderDetail{Order: order, Items: items, Payments: payments, Refunds: refunds}, nil
}

func keyOf(s tenant.Scope) model.TenantKey {
	return model.TenantKey{OrganizationID: s.OrganizationID, StoreID: s.StoreID}
}
