package handler

import (
	"net/http"

	"orderflow/internal/domain/model"
	"orderflow/internal/usecase"

	"github.com/labstack/echo/v4"
)

type AuditLogHandler struct {
	uc *usecase.AuditLogUsecase
}

func NewAuditLogHandler(uc *usecase.AuditLogUsecase) *AuditLogHandler {
	return &AuditLogHandler{uc: uc}
}

type AuditLogListResponse struct {
	Items  []model.AuditLog `json:"items"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (h *AuditLogHandler) RegisterRoutes(e *echo.Echo, mws ...echo.MiddlewareFunc) {
	g := e.Group("/audit-logs", mws...)
	g.GET("", h.list)
}

func (h *AuditLogHandler) list(c echo.Context) error {
	scope, ok := getScope(c)
	if !ok {
		return unauthorized(c)
	}

	limit, ok := queryInt(c, "limit", 50)
	if !ok {
		return badRequest(c, "limit", "invalid limit")
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return badRequest(c, "offset", "invalid offset")
	}

	logs, err := h.uc.List(c.Request().Context(), scope, usecase.AuditLogQuery{
		Actor:        c.QueryParam("actor"),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
		From:         c.QueryParam("from"),
		To:           c.QueryParam("to"),
		Limit:        limit,
		Offset:       offset,
	})
	if err != nil {
		return writeError(c, err)
	}
	if logs == nil {
		logs = []model.AuditLog{}
	}
	return c.JSON(http.StatusOK, AuditLogListResponse{Items: logs, Limit: limit, Offset: offset})
}
