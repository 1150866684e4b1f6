package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"orderflow/internal/config"
	"orderflow/internal/domain/tenant"
	"orderflow/internal/handler"
	"orderflow/internal/infra/db"
	"orderflow/internal/infra/inventory"
	"orderflow/internal/infra/notify"
	"orderflow/internal/infra/ratelimit"
	infraRepo "orderflow/internal/infra/repository"
	"orderflow/internal/middleware"
	"orderflow/internal/payment"
	"orderflow/internal/server"
	"orderflow/internal/usecase"

	rd "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func newLogger(cfg config.Config) *slog.Logger {
	level := slog.LevelDebug
	if cfg.IsProd() {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

func newRedis(ctx context.Context, cfg config.Config) (*rd.Client, error) {
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// app は serve に必要な部品をまとめたもの。closers は逆順で閉じる
type app struct {
	deps    *server.Deps
	closers []io.Closer
	sweeper *ratelimit.MemoryLimiter
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i].Close()
	}
}

func newPaymentRegistry(cfg config.Config) (*payment.Registry, error) {
	methods := payment.DefaultMethods()
	if cfg.PaymentMethodsFile != "" {
		m, err := payment.LoadMethods(cfg.PaymentMethodsFile)
		if err != nil {
			return nil, err
		}
		methods = m
	}

	processors := []payment.Processor{
		payment.NewDirectProcessor(),
		payment.NewBankTransferProcessor(payment.BankAccount{
			BankName:      cfg.BankName,
			AccountName:   cfg.BankAccountName,
			AccountNumber: cfg.BankAccountNumber,
		}, cfg.BankWebhookSecret),
	}
	// カード決済はゲートウェイ設定があるときだけ
	if cfg.GatewayBaseURL != "" {
		processors = append(processors, payment.NewOnlineGatewayProcessor(payment.OnlineGatewayConfig{
			BaseURL:       cfg.GatewayBaseURL,
			APIKey:        cfg.GatewayAPIKey,
			WebhookSecret: cfg.GatewayWebhookSecret,
			Timeout:       cfg.PaymentTimeout,
		}))
	}
	return payment.NewRegistry(methods, processors...), nil
}

func newApp(ctx context.Context, cfg config.Config, gormDB *gorm.DB, log *slog.Logger) (*app, error) {
	a := &app{}

	var rdb *rd.Client
	if cfg.RedisAddr != "" {
		c, err := newRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		rdb = c
		a.closers = append(a.closers, rdb)
	}

	registry, err := newPaymentRegistry(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	var notifier usecase.Notifier
	switch cfg.NotifyBackend {
	case "redis":
		notifier = notify.NewStreamNotifier(rdb, cfg.NotifyStream, 100000)
	case "kafka":
		k := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		a.closers = append(a.closers, k)
		notifier = k
	default:
		notifier = notify.NewLogNotifier(log)
	}

	var inv usecase.InventoryClient
	switch cfg.InventoryBackend {
	case "redis":
		inv = inventory.NewRedisInventory(rdb)
	case "none":
		inv = inventory.Noop{}
	default:
		inv = inventory.NewDBInventory(gormDB)
	}

	var limiter middleware.Limiter
	if cfg.RateLimitBackend == "redis" {
		// burst 件を burst/rps 秒の窓で数える
		window := time.Duration(float64(cfg.RateLimitBurst) / cfg.RateLimitRPS * float64(time.Second))
		limiter = ratelimit.NewRedisLimiter(rdb, cfg.RateLimitBurst, window)
	} else {
		mem := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		a.sweeper = mem
		limiter = mem
	}

	auditRepo := infraRepo.NewAuditLogGormRepository(gormDB)
	alerter := usecase.NewAuditAlerter(auditRepo, log)
	tx := infraRepo.NewTxManagerGorm(gormDB)
	policy := tenant.DefaultPolicy()

	retry := usecase.DefaultRetryPolicy()
	retry.Attempts = cfg.PaymentMaxAttempts

	payments := usecase.NewPaymentOrchestrator(tx, registry, notifier, alerter, log, usecase.OrchestratorConfig{
		Timeout: cfg.PaymentTimeout,
		Retry:   retry,
	})
	flow := usecase.NewOrderFlowUsecase(tx, payments, inv, notifier, alerter, policy, log)
	auditUC := usecase.NewAuditLogUsecase(auditRepo, policy)

	a.deps = &server.Deps{
		Orders:    handler.NewOrderHandler(flow),
		Webhooks:  handler.NewWebhookHandler(flow),
		AuditLogs: handler.NewAuditLogHandler(auditUC),
		JWTSecret: cfg.JWTSecret,
		Limiter:   limiter,
		Log:       log,
	}
	return a, nil
}

func connectDB(cfg config.Config) (*gorm.DB, error) {
	gormDB, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	return gormDB, nil
}
