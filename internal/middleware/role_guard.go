package middleware

import (
	"net/http"

	"orderflow/internal/domain/apperr"
	"orderflow/internal/domain/tenant"

	"github.com/labstack/echo/v4"
)

// RoleGuard は contextのスコープが roles のどれかを持つか確認する。
// 組織オーナーとスーパー管理者は常に通す。
func RoleGuard(roles ...tenant.Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			scope, ok := ScopeFrom(c)
			if !ok {
				return unauthorized(c)
			}
			if scope.Privileged() {
				return next(c)
			}
			for _, r := range roles {
				if scope.Has(r) {
					return next(c)
				}
			}
			return c.JSON(http.StatusForbidden, errorJSON(apperr.CodeUnauthorizedAction, "forbidden"))
		}
	}
}
