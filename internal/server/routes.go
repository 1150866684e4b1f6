package server

import (
	"net/http"

	"orderflow/internal/domain/tenant"
	"orderflow/internal/middleware"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	//認証してから利用者単位でレート制限
	authed := []echo.MiddlewareFunc{
		middleware.AuthJWT(d.JWTSecret),
		middleware.RateLimit(d.Limiter, d.Log),
	}

	d.Orders.RegisterRoutes(e, authed...)
	d.AuditLogs.RegisterRoutes(e, append(authed, middleware.RoleGuard(tenant.RoleManager, tenant.RoleAdmin))...)

	// webhookは署名で検証するのでIP単位の制限だけ
	d.Webhooks.RegisterRoutes(e, middleware.RateLimit(d.Limiter, d.Log))
}
