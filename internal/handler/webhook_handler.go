package handler

import (
	"io"
	"net/http"
	"strings"

	"orderflow/internal/domain/model"
	"orderflow/internal/payment"
	"orderflow/internal/usecase"

	"github.com/labstack/echo/v4"
)

// 署名検証は生のbodyで行うので上限を決めて丸ごと読む
const maxWebhookBody = 1 << 20

type WebhookHandler struct {
	uc *usecase.OrderFlowUsecase
}

func NewWebhookHandler(uc *usecase.OrderFlowUsecase) *WebhookHandler {
	return &WebhookHandler{uc: uc}
}

// 決済事業者からの通知はJWTを持たない。署名だけで受ける
func (h *WebhookHandler) RegisterRoutes(e *echo.Echo, mws ...echo.MiddlewareFunc) {
	e.POST("/webhooks/:processor", h.receive, mws...)
}

func (h *WebhookHandler) receive(c echo.Context) error {
	processor := model.PaymentProcessor(strings.ToLower(c.Param("processor")))

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody+1))
	if err != nil {
		return badRequest(c, "body", "invalid body")
	}
	if len(body) > maxWebhookBody {
		return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Code: "PAYLOAD_TOO_LARGE", Error: "webhook body too large"})
	}

	out, err := h.uc.ReceiveWebhook(c.Request().Context(), payment.WebhookEvent{
		Processor: processor,
		EventType: c.Request().Header.Get("X-Event-Type"),
		Signature: c.Request().Header.Get("X-Signature"),
		RawBody:   body,
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}
