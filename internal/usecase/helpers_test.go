package usecase_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/event"
	"orderflow/internal/domain/model"
	"orderflow/internal/domain/tenant"
	infradb "orderflow/internal/infra/db"
	infraRepo "orderflow/internal/infra/repository"
	"orderflow/internal/payment"
	"orderflow/internal/usecase"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// =====================
// ports mocks
// =====================

type NotifierMock struct{ mock.Mock }

func (m *NotifierMock) Notify(ctx context.Context, e event.Event) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

type InventoryMock struct{ mock.Mock }

func (m *InventoryMock) Reserve(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error {
	args := m.Called(ctx, key, orderID, items)
	return args.Error(0)
}

func (m *InventoryMock) Release(ctx context.Context, key model.TenantKey, orderID int64, items []model.OrderItem) error {
	args := m.Called(ctx, key, orderID, items)
	return args.Error(0)
}

type AlerterMock struct{ mock.Mock }

func (m *AlerterMock) Alert(ctx context.Context, a usecase.Alert) {
	m.Called(ctx, a)
}

// =====================
// gateway stub
// =====================

// gatewayStub はオンライン決済の代わり。charge を差し替えて応答を決める
type gatewayStub struct {
	mu         sync.Mutex
	charge     func(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error)
	refund     func(ctx context.Context, amount decimal.Decimal) (payment.RefundResult, error)
	chargeKeys []string
	refundKeys []string
	cancelled  []string
}

func (g *gatewayStub) Type() model.PaymentProcessor { return model.ProcessorOnline }

func (g *gatewayStub) Capabilities() payment.Capabilities {
	return payment.Capabilities{AuthorizeOnly: true, PartialRefund: true, Async: true}
}

func (g *gatewayStub) ValidateOrder(order model.Order, method payment.Method, paymentType model.PaymentType) payment.ValidationResult {
	if order.Status != model.OrderStatusPending {
		return payment.ValidationResult{Errors: []apperr.FieldError{{Field: "status", Message: "order is " + string(order.Status)}}}
	}
	return payment.ValidationResult{Valid: true}
}

func (g *gatewayStub) Charge(ctx context.Context, data payment.PaymentData) (payment.PaymentResult, error) {
	g.mu.Lock()
	g.chargeKeys = append(g.chargeKeys, data.IdempotencyKey)
	fn := g.charge
	g.mu.Unlock()

	if fn != nil {
		return fn(ctx, data)
	}
	status := model.PaymentStatusSucceeded
	if data.PaymentType == model.PaymentTypeAuthorize {
		status = model.PaymentStatusAuthorized
	}
	return payment.PaymentResult{
		Success:       true,
		TransactionID: "ch_" + strconv.FormatInt(data.OrderID, 10),
		Status:        status,
		NextAction:    payment.NextAction{Type: model.NextActionNone},
	}, nil
}

func (g *gatewayStub) Refund(ctx context.Context, transactionID string, amount *decimal.Decimal, currency string) (payment.RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundKeys = append(g.refundKeys, payment.IdempotencyKeyFrom(ctx))
	if g.refund != nil {
		return g.refund(ctx, *amount)
	}
	return payment.RefundResult{
		Success:  true,
		RefundID: "re_" + strconv.Itoa(len(g.refundKeys)),
		Amount:   *amount,
	}, nil
}

func (g *gatewayStub) Cancel(ctx context.Context, transactionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, transactionID)
	return nil
}

func (g *gatewayStub) HandleWebhook(ctx context.Context, ev payment.WebhookEvent) (payment.WebhookResult, error) {
	if ev.Signature != "valid" {
		return payment.WebhookResult{}, apperr.New(apperr.KindInvalidSignature, "invalid webhook signature")
	}
	var body struct {
		TransactionID string              `json:"transaction_id"`
		Type          string              `json:"type"`
		Status        model.PaymentStatus `json:"status"`
		Sequence      int64               `json:"sequence"`
		RefundID      string              `json:"refund_id"`
		RefundStatus  model.RefundStatus  `json:"refund_status"`
	}
	if err := json.Unmarshal(ev.RawBody, &body); err != nil {
		return payment.WebhookResult{}, apperr.Validation("invalid webhook body")
	}
	return payment.WebhookResult{
		TransactionID: body.TransactionID,
		EventType:     body.Type,
		Status:        body.Status,
		Sequence:      body.Sequence,
		RefundID:      body.RefundID,
		RefundStatus:  body.RefundStatus,
	}, nil
}

func (g *gatewayStub) charges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.chargeKeys)
}

// =====================
// env
// =====================

type env struct {
	db        *gorm.DB
	flow      *usecase.OrderFlowUsecase
	payments  *usecase.PaymentOrchestrator
	gateway   *gatewayStub
	notifier  *NotifierMock
	inventory *InventoryMock
	alerter   *AlerterMock
}

func newEnv(t *testing.T) *env {
	return newEnvWithTimeout(t, 2*time.Second)
}

func newEnvWithTimeout(t *testing.T, timeout time.Duration) *env {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/usecase.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// sqlite は書き込みが1本なので接続も1本にそろえる
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, infradb.Migrate(db))

	e := &env{
		db:        db,
		gateway:   &gatewayStub{},
		notifier:  &NotifierMock{},
		inventory: &InventoryMock{},
		alerter:   &AlerterMock{},
	}
	e.notifier.On("Notify", mock.Anything, mock.Anything).Return(nil).Maybe()
	e.inventory.On("Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	e.inventory.On("Release", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	e.alerter.On("Alert", mock.Anything, mock.Anything).Maybe()

	registry := payment.NewRegistry([]payment.Method{
		{ID: "cash", Name: "Cash", Processor: model.ProcessorDirect, Currencies: []string{"USD"}, Enabled: true},
		{ID: "card", Name: "Card", Processor: model.ProcessorOnline, Currencies: []string{"USD"}, Enabled: true},
	}, payment.NewDirectProcessor(), e.gateway)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	tx := infraRepo.NewTxManagerGorm(db)
	e.payments = usecase.NewPaymentOrchestrator(tx, registry, e.notifier, e.alerter, log, usecase.OrchestratorConfig{
		Timeout: timeout,
		Retry:   usecase.RetryPolicy{Attempts: 3},
	})
	e.flow = usecase.NewOrderFlowUsecase(tx, e.payments, e.inventory, e.notifier, e.alerter, tenant.DefaultPolicy(), log)
	return e
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func customer(userID int64) tenant.Scope {
	return tenant.Scope{OrganizationID: 1, StoreID: 10, UserID: userID, Roles: []tenant.Role{tenant.RoleCustomer}}
}

func manager() tenant.Scope {
	return tenant.Scope{OrganizationID: 1, StoreID: 10, UserID: 900, Roles: []tenant.Role{tenant.RoleManager}}
}

func staff() tenant.Scope {
	return tenant.Scope{OrganizationID: 1, StoreID: 10, UserID: 901, Roles: []tenant.Role{tenant.RoleStaff}}
}

// place は 2 x 50.00 + 税8% + 送料5.00 = 113.00 の注文を顧客7として作る
func (e *env) place(t *testing.T, idemKey string) usecase.OrderDetail {
	t.Helper()
	out, err := e.flow.PlaceOrder(context.Background(), customer(7), usecase.PlaceOrderInput{
		Currency: "usd",
		Items: []usecase.PlaceOrderItem{
			{ProductID: 1, ProductName: "Mug", Quantity: 2, UnitPrice: d("50.00"), TaxRate: d("0.08")},
		},
		Shipping:       d("5.00"),
		IdempotencyKey: idemKey,
	})
	require.NoError(t, err)
	return out
}

func (e *env) payCard(t *testing.T, orderID int64) usecase.PaymentOutcome {
	t.Helper()
	out, err := e.flow.Pay(context.Background(), customer(7), orderID, usecase.PayRequest{
		PayInput: usecase.PayInput{PaymentMethodID: "card"},
	})
	require.NoError(t, err)
	return out
}

func (e *env) get(t *testing.T, orderID int64) usecase.OrderDetail {
	t.Helper()
	out, err := e.flow.Get(context.Background(), manager(), orderID)
	require.NoError(t, err)
	return out
}

func notified(typ event.Type) interface{} {
	return mock.MatchedBy(func(e event.Event) bool { return e.Type == typ })
}
