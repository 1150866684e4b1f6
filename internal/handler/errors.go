package handler

import (
	"errors"
	"net/http"
	"strconv"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/tenant"
	"orderflow/internal/middleware"

	"github.com/labstack/echo/v4"
)

type ErrorResponse struct {
	Code   string              `json:"code"`
	Error  string              `json:"error"`
	Fields []apperr.FieldError `json:"fields,omitempty"`
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindInvalidStateTransition:    http.StatusConflict,
	apperr.KindConcurrentModification:    http.StatusConflict,
	apperr.KindDuplicatePayment:          http.StatusConflict,
	apperr.KindPaymentValidationFailed:   http.StatusUnprocessableEntity,
	apperr.KindInsufficientRefundBalance: http.StatusUnprocessableEntity,
	apperr.KindProcessorError:            http.StatusBadGateway,
	apperr.KindUnauthorizedAction:        http.StatusForbidden,
	apperr.KindTenantScopeViolation:      http.StatusNotFound,
	apperr.KindNotFound:                  http.StatusNotFound,
	apperr.KindValidation:                http.StatusBadRequest,
	apperr.KindInvalidSignature:          http.StatusUnauthorized,
}

func writeError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	ae, ok := apperr.As(err)
	if !ok || ae.Kind == apperr.KindInternal {
		//500
		c.Logger().Error(err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Code: apperr.CodeInternal, Error: "internal error"})
	}

	// 他テナントの注文は存在しないのと同じに見せる
	if errors.Is(err, apperr.ErrTenantScopeViolation) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Code: apperr.CodeNotFound, Error: "not found"})
	}

	status, ok := statusByKind[ae.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, ErrorResponse{Code: ae.Code, Error: ae.Message, Fields: ae.Fields})
}

func badRequest(c echo.Context, field, msg string) error {
	return writeError(c, apperr.Validation(msg, apperr.FieldError{Field: field, Message: msg}))
}

func pathID(c echo.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func queryInt(c echo.Context, name string, def int) (int, bool) {
	v := c.QueryParam(name)
	if v == "" {
		return def, true
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

// middleware.AuthJWT が c.Set したスコープを取り出す
func getScope(c echo.Context) (tenant.Scope, bool) {
	return middleware.ScopeFrom(c)
}

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, ErrorResponse{Code: apperr.CodeUnauthorizedAction, Error: "unauthorized"})
}

// writeErrorWith はエラーに加えて途中まで進んだ結果も返す。
func writeErrorWith(c echo.Context, err error, result interface{}) error {
	ae, ok := apperr.As(err)
	if !ok {
		return writeError(c, err)
	}
	status, ok := statusByKind[ae.Kind]
	if !ok {
		status = http.StatusInternalServerError
	}
	return c.JSON(status, struct {
		ErrorResponse
		Result interface{} `json:"result"`
	}{
		ErrorResponse: ErrorResponse{Code: ae.Code, Error: ae.Message, Fields: ae.Fields},
		Result:        result,
	})
}
