package handler_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"orderflow/internal/domain/model"
	"orderflow/internal/domain/tenant"
	"orderflow/internal/handler"
	infradb "orderflow/internal/infra/db"
	"orderflow/internal/infra/inventory"
	"orderflow/internal/infra/notify"
	"orderflow/internal/infra/ratelimit"
	infraRepo "orderflow/internal/infra/repository"
	"orderflow/internal/payment"
	"orderflow/internal/server"
	"orderflow/internal/usecase"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	jwtSecret  = "handler-secret"
	bankSecret = "bank-secret"
)

// =====================
// レスポンス確認用
// =====================

type errorBody struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Fields []struct {
		Field string `json:"field"`
	} `json:"fields"`
}

type orderBody struct {
	ID            int64           `json:"id"`
	Status        string          `json:"status"`
	PaymentStatus string          `json:"payment_status"`
	Total         decimal.Decimal `json:"total"`
	Version       int64           `json:"version"`
}

type detailBody struct {
	Order orderBody `json:"order"`
}

type payBody struct {
	Order   orderBody `json:"order"`
	Payment struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		TransactionID string `json:"transaction_id"`
	} `json:"payment"`
}

type refundBody struct {
	Order     orderBody       `json:"order"`
	Remaining decimal.Decimal `json:"remaining_refundable"`
}

type webhookBody struct {
	Duplicate bool   `json:"duplicate"`
	Outcome   string `json:"outcome"`
}

// =====================
// helper
// =====================

func newServer(t *testing.T) *echo.Echo {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(t.TempDir()+"/handler.db"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, infradb.Migrate(db))

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := payment.NewRegistry([]payment.Method{
		{ID: "cash", Name: "Cash", Processor: model.ProcessorDirect, Currencies: []string{"USD"}, Enabled: true},
		{ID: "bank_transfer", Name: "Bank", Processor: model.ProcessorBankTransfer, Currencies: []string{"USD"}, Enabled: true},
	}, payment.NewDirectProcessor(), payment.NewBankTransferProcessor(payment.BankAccount{BankName: "Test Bank"}, bankSecret))

	notifier := notify.NewLogNotifier(log)
	auditRepo := infraRepo.NewAuditLogGormRepository(db)
	tx := infraRepo.NewTxManagerGorm(db)
	payments := usecase.NewPaymentOrchestrator(tx, registry, notifier, usecase.NewAuditAlerter(auditRepo, log), log,
		usecase.OrchestratorConfig{Timeout: 2 * time.Second, Retry: usecase.RetryPolicy{Attempts: 1}})
	flow := usecase.NewOrderFlowUsecase(tx, payments, inventory.Noop{}, notifier,
		usecase.NewAuditAlerter(auditRepo, log), tenant.DefaultPolicy(), log)

	return server.New(server.Deps{
		Orders:    handler.NewOrderHandler(flow),
		Webhooks:  handler.NewWebhookHandler(flow),
		AuditLogs: handler.NewAuditLogHandler(usecase.NewAuditLogUsecase(auditRepo, tenant.DefaultPolicy())),
		JWTSecret: jwtSecret,
		Limiter:   ratelimit.NewMemoryLimiter(1000, 1000),
		Log:       log,
	})
}

func token(t *testing.T, org, userID int64, roles string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"org":   org,
		"store": 10,
		"roles": roles,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, e *echo.Echo, method, path, tok string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var placeBody = map[string]interface{}{
	"currency": "USD",
	"items": []map[string]interface{}{
		{"product_id": 1, "product_name": "Mug", "quantity": 2, "unit_price": "50.00", "tax_rate": "0.08"},
	},
	"shipping": "5.00",
}

func place(t *testing.T, e *echo.Echo, tok, key string) orderBody {
	t.Helper()
	rec := do(t, e, http.MethodPost, "/orders", tok, placeBody, "X-Idempotency-Key", key)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[detailBody](t, rec).Order
}

// =====================
// tests
// =====================

func TestOrders_PayAndRefund(t *testing.T) {
	e := newServer(t)
	customer := token(t, 1, 7, "customer")
	manager := token(t, 1, 900, "manager")

	order := place(t, e, customer, "checkout-1")
	assert.Equal(t, "pending", order.Status)
	assert.True(t, order.Total.Equal(decimal.RequireFromString("113.00")))

	rec := do(t, e, http.MethodPost, "/orders/1/pay", customer, map[string]interface{}{
		"payment_method_id": "cash",
		"amount_received":   "120.00",
		"expected_version":  order.Version,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	paid := decode[payBody](t, rec)
	assert.Equal(t, "confirmed", paid.Order.Status)
	assert.Equal(t, "succeeded", paid.Payment.Status)

	// 顧客は出荷できない
	rec = do(t, e, http.MethodPost, "/orders/1/ship", customer, map[string]string{"tracking_number": "TRK1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED_ACTION", decode[errorBody](t, rec).Code)

	rec = do(t, e, http.MethodPost, "/orders/1/refund", manager, map[string]string{"amount": "50.00", "reason": "damaged"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	refunded := decode[refundBody](t, rec)
	assert.Equal(t, "partially_refunded", refunded.Order.PaymentStatus)
	assert.True(t, refunded.Remaining.Equal(decimal.RequireFromString("63.00")))

	rec = do(t, e, http.MethodPost, "/orders/1/refund", manager, map[string]string{"amount": "100.00"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "INVALID_AMOUNT", decode[errorBody](t, rec).Code)
}

func TestOrders_StaleVersionConflicts(t *testing.T) {
	e := newServer(t)
	customer := token(t, 1, 7, "customer")
	place(t, e, customer, "checkout-1")

	rec := do(t, e, http.MethodPost, "/orders/1/pay", customer, map[string]interface{}{
		"payment_method_id": "cash",
		"expected_version":  99,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "CONCURRENT_MODIFICATION", decode[errorBody](t, rec).Code)
}

func TestOrders_ValidationErrorsListFields(t *testing.T) {
	e := newServer(t)
	customer := token(t, 1, 7, "customer")

	rec := do(t, e, http.MethodPost, "/orders", customer, map[string]interface{}{
		"currency": "USD",
		"items":    []map[string]interface{}{{"product_id": 1, "quantity": 0, "unit_price": "1.00"}},
	}, "X-Idempotency-Key", "k1")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := decode[errorBody](t, rec)
	assert.Equal(t, "VALIDATION_FAILED", body.Code)
	var fields []string
	for _, f := range body.Fields {
		fields = append(fields, f.Field)
	}
	assert.Contains(t, fields, "items[0].quantity")

	rec = do(t, e, http.MethodGet, "/orders/abc", customer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOrders_OtherTenantLooksMissing(t *testing.T) {
	e := newServer(t)
	place(t, e, token(t, 1, 7, "customer"), "checkout-1")

	rec := do(t, e, http.MethodGet, "/orders/1", token(t, 2, 900, "manager"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[errorBody](t, rec).Code)

	rec = do(t, e, http.MethodGet, "/orders/1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWebhook_BankTransferReceived(t *testing.T) {
	e := newServer(t)
	customer := token(t, 1, 7, "customer")
	place(t, e, customer, "checkout-1")

	rec := do(t, e, http.MethodPost, "/orders/1/pay", customer, map[string]string{"payment_method_id": "bank_transfer"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	pending := decode[payBody](t, rec)
	assert.Equal(t, "pending", pending.Order.Status)
	require.NotEmpty(t, pending.Payment.TransactionID)

	raw := []byte(`{"type":"transfer.received","sequence":1,"data":{"reference":"` + pending.Payment.TransactionID + `"}}`)
	send := func(sig string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/bank_transfer", bytes.NewReader(raw))
		req.Header.Set("X-Signature", sig)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	rec = send("sha256=" + strings.Repeat("0", 64))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "INVALID_SIGNATURE", decode[errorBody](t, rec).Code)

	sig := payment.Sign([]byte(bankSecret), raw)
	rec = send(sig)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, webhookBody{Outcome: "applied"}, decode[webhookBody](t, rec))

	rec = send(sig)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[webhookBody](t, rec).Duplicate)

	rec = do(t, e, http.MethodGet, "/orders/1", customer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[detailBody](t, rec).Order
	assert.Equal(t, "confirmed", got.Status)
	assert.Equal(t, "succeeded", got.PaymentStatus)
}

func TestAuditLogs_ManagersOnly(t *testing.T) {
	e := newServer(t)
	customer := token(t, 1, 7, "customer")
	place(t, e, customer, "checkout-1")

	rec := do(t, e, http.MethodGet, "/audit-logs", customer, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, e, http.MethodGet, "/audit-logs?resource_type=order&limit=10", token(t, 1, 900, "manager"), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Items []struct {
			Action     string `json:"action"`
			ResourceID string `json:"resource_id"`
		} `json:"items"`
		Limit int `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 10, body.Limit)
	require.NotEmpty(t, body.Items)
	assert.Equal(t, "1", body.Items[0].ResourceID)

	rec = do(t, e, http.MethodGet, "/audit-logs?limit=x", token(t, 1, 900, "manager"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	rec := do(t, newServer(t), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
