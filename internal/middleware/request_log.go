package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLog は1リクエスト1行の構造化ログを出す。
func RequestLog(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				// echoのエラーハンドラに書かせてステータスを確定させる
				c.Error(err)
			}

			req := c.Request()
			attrs := []slog.Attr{
				slog.String("method", req.Method),
				slog.String("path", c.Path()),
				slog.Int("status", c.Response().Status),
				slog.Duration("latency", time.Since(start)),
				slog.String("remote_ip", c.RealIP()),
			}
			if s, ok := ScopeFrom(c); ok {
				attrs = append(attrs,
					slog.Int64("organization_id", s.OrganizationID),
					slog.Int64("store_id", s.StoreID),
					slog.Int64("user_id", s.UserID),
				)
			}

			level := slog.LevelInfo
			if c.Response().Status >= 500 {
				level = slog.LevelError
			}
			log.LogAttrs(req.Context(), level, "request", attrs...)
			return nil
		}
	}
}
