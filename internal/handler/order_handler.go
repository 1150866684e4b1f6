package handler

import (
	"net/http"
	"strings"
	"time"

	"orderflow/internal/domain/model"
	"orderflow/internal/repository"
	"orderflow/internal/usecase"

	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

type OrderHandler struct {
	uc *usecase.OrderFlowUsecase
}

func NewOrderHandler(uc *usecase.OrderFlowUsecase) *OrderHandler {
	return &OrderHandler{uc: uc}
}

type OrderItemRequest struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
}

type OrderCreateRequest struct {
	CustomerID        int64              `json:"customer_id"`
	Currency          string             `json:"currency"`
	Items             []OrderItemRequest `json:"items"`
	Shipping          decimal.Decimal    `json:"shipping"`
	Discount          decimal.Decimal    `json:"discount"`
	ShippingAddressID *int64             `json:"shipping_address_id"`
	BillingAddressID  *int64             `json:"billing_address_id"`
}

type PayRequest struct {
	PaymentMethodID string            `json:"payment_method_id"`
	PaymentType     string            `json:"payment_type"`
	AmountReceived  string            `json:"amount_received"`
	Metadata        map[string]string `json:"metadata"`
	ReturnURL       string            `json:"return_url"`
	CancelURL       string            `json:"cancel_url"`
	ExpectedVersion int64             `json:"expected_version"`
}

type ShipRequest struct {
	TrackingNumber    string     `json:"tracking_number"`
	EstimatedDelivery *time.Time `json:"estimated_delivery"`
}

type ReasonRequest struct {
	Reason string `json:"reason"`
}

type RefundRequest struct {
	// 省略すると残額すべて
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

type OrderListResponse struct {
	Items []model.Order `json:"items"`
	Total int64         `json:"total"`
	Page  int           `json:"page"`
	Limit int           `json:"limit"`
}

func (h *OrderHandler) RegisterRoutes(e *echo.Echo, mws ...echo.MiddlewareFunc) {
	g := e.Group("/orders", mws...)

	g.POST("", h.create)
	g.GET("", h.list)
	g.GET("/:id", h.detail)
	g.POST("/:id/pay", h.pay)
	g.POST("/:id/process", h.process)
	g.POST("/:id/ship", h.ship)
	g.POST("/:id/deliver", h.deliver)
	g.POST("/:id/cancel", h.cancel)
	g.POST("/:id/refund", h.refund)
	g.POST("/:id/payments/:attempt_id/cancel", h.cancelPayment)
}

func (h *OrderHandler) create(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}

	var req OrderCreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid body")
	}

	items := make([]usecase.PlaceOrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, usecase.PlaceOrderItem{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			TaxRate:     it.TaxRate,
		})
	}

	//二重送信防止キーはヘッダーから受け取る（bodyには入れない）
	idemKey := c.Request().Header.Get("X-Idempotency-Key")

	out, err := h.uc.PlaceOrder(c.Request().Context(), scope, usecase.PlaceOrderInput{
		CustomerID:        req.CustomerID,
		Currency:          req.Currency,
		Items:             items,
		Shipping:          req.Shipping,
		Discount:          req.Discount,
		ShippingAddressID: req.ShippingAddressID,
		BillingAddressID:  req.BillingAddressID,
		IdempotencyKey:    idemKey,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *OrderHandler) list(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}

	page, ok := queryInt(c, "page", 1)
	if !ok {
		return badRequest(c, "page", "invalid page")
	}
	limit, ok := queryInt(c, "limit", 20)
	if !ok {
		return badRequest(c, "limit", "invalid limit")
	}

	f := repository.OrderListFilter{Page: page, Limit: limit, Status: strings.ToLower(c.QueryParam("status"))}
	if f.Status != "" && !model.OrderStatus(f.Status).Valid() {
		return badRequest(c, "status", "invalid status")
	}
	if v := c.QueryParam("customer_id"); v != "" {
		id, ok := queryInt(c, "customer_id", 0)
		if !ok || id <= 0 {
			return badRequest(c, "customer_id", "invalid customer_id")
		}
		cid := int64(id)
		f.CustomerID = &cid
	}
	if v := c.QueryParam("from"); v != "" {
		tm, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "from", "invalid from")
		}
		f.From = &tm
	}
	if v := c.QueryParam("to"); v != "" {
		tm, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return badRequest(c, "to", "invalid to")
		}
		f.To = &tm
	}

	orders, total, err := h.uc.List(c.Request().Context(), scope, f)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, OrderListResponse{Items: orders, Total: total, Page: page, Limit: limit})
}

func (h *OrderHandler) detail(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "id", "invalid id")
	}

	out, err := h.uc.Get(c.Request().Context(), scope, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) pay(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "id", "invalid id")
	}

	var req PayRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid body")
	}

	out, err := h.uc.Pay(c.Request().Context(), scope, id, usecase.PayRequest{
		PayInput: usecase.PayInput{
			PaymentMethodID: req.PaymentMethodID,
			PaymentType:     model.PaymentType(strings.ToLower(req.PaymentType)),
			AmountReceived:  req.AmountReceived,
			Metadata:        req.Metadata,
			ReturnURL:       req.ReturnURL,
			CancelURL:       req.CancelURL,
			IdempotencyKey:  c.Request().Header.Get("X-Idempotency-Key"),
		},
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		// 失敗として記録された決済もあれば一緒に返す
		if out.Attempt.ID != "" {
			return writeErrorWith(c, err, out)
		}
		return writeError(c, err)
	}

	// リダイレクトや3DSが残っていれば 202
	status := http.StatusOK
	if out.NextAction.Type != "" && out.NextAction.Type != model.NextActionNone {
		status = http.StatusAccepted
	}
	return c.JSON(status, out)
}

func (h *OrderHandler) process(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "id", "invalid id")
	}

	out, err := h.uc.Process(c.Request().Context(), scope, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) ship(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "id", "invalid id")
	}

	var req ShipRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid body")
	}

	out, err := h.uc.Ship(c.Request().Context(), scope, id, req.TrackingNumber, req.EstimatedDelivery)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) deliver(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "id", "invalid id")
	}

	out, err := h.uc.Deliver(c.Request().Context(), scope, id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) cancel(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "id", "invalid id")
	}

	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid body")
	}

	out, err := h.uc.Cancel(c.Request().Context(), scope, id, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) refund(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "id", "invalid id")
	}

	var req RefundRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid body")
	}

	out, err := h.uc.Refund(c.Request().Context(), scope, id, req.Amount, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	// ゲートウェイが受け付けただけならまだ終わっていない
	if out.Refund.Status == model.RefundStatusPending {
		return c.JSON(http.StatusAccepted, out)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *OrderHandler) cancelPayment(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "id", "invalid id")
	}
	attemptID := c.Param("attempt_id")
	if attemptID == "" {
		return badRequest(c, "attempt_id", "invalid attempt_id")
	}

	var req ReasonRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "body", "invalid body")
	}

	out, err := h.uc.CancelPayment(c.Request().Context(), scope, id, attemptID, req.Reason)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
