package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Limiter は key ごとのリクエスト数を制限する（memory / redis）。
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit は認証済みならユーザー単位、未認証ならIP単位で制限する。
// Limiter 側のエラーでは止めずに通す。
func RateLimit(l Limiter, log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "ip:" + c.RealIP()
			if s, ok := ScopeFrom(c); ok {
				key = "user:" + strconv.FormatInt(s.OrganizationID, 10) + ":" + strconv.FormatInt(s.UserID, 10)
			}

			allowed, err := l.Allow(c.Request().Context(), key)
			if err != nil {
				log.WarnContext(c.Request().Context(), "rate limiter unavailable", slog.Any("error", err))
				return next(c)
			}
			if !allowed {
				return c.JSON(http.StatusTooManyRequests, errorJSON("RATE_LIMITED", "too many requests"))
			}
			return next(c)
		}
	}
}
