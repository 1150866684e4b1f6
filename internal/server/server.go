package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"orderflow/internal/handler"
	"orderflow/internal/middleware"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

type Deps struct {
	Orders    *handler.OrderHandler
	Webhooks  *handler.WebhookHandler
	AuditLogs *handler.AuditLogHandler

	JWTSecret string
	Limiter   middleware.Limiter
	Log       *slog.Logger
}

// New はルーティング済みの echo を返す。
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(echomw.Recover())
	e.Use(middleware.RequestLog(d.Log))

	RegisterRoutes(e, d)
	return e
}

// Start は ctx が終わるまで待ち受け、終わったら処理中のリクエストを待って止める。
func Start(ctx context.Context, e *echo.Echo, addr string, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", slog.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down")
	return e.Shutdown(shutdownCtx)
}
