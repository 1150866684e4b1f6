package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Configはアプリ全体の設定
type Config struct {
	Port  string // サーバーポート（8080）
	GoEnv string // dev/prod

	DBDriver    string // postgres / mysql / sqlite
	DatabaseURL string // あれば最優先のDSN
	SQLitePath  string // sqlite のファイル（:memory: も可）

	PostgresUser     string // DBユーザー
	PostgresPassword string // DBパスワード
	PostgresDB       string // DB名
	PostgresHost     string // DBホスト（localhost）
	PostgresPort     int    // DBポート（5432）
	PostgresSSLMode  string

	JWTSecret string // JWT署名シークレット

	RedisAddr string // 空なら在庫・通知・レート制限はRedisを使わない
	RedisDB   int

	InventoryBackend string // db / redis / none
	NotifyBackend    string // log / redis / kafka
	NotifyStream     string // Redis Stream名
	KafkaBrokers     []string
	KafkaTopic       string

	RateLimitRPS     float64
	RateLimitBurst   int
	RateLimitBackend string // memory / redis

	PaymentTimeout     time.Duration
	PaymentMaxAttempts int
	PaymentMethodsFile string

	GatewayBaseURL       string
	GatewayAPIKey        string
	GatewayWebhookSecret string
	BankWebhookSecret    string
	BankName             string
	BankAccountName      string
	BankAccountNumber    string
}

// Loadは環境変数
func Load() (Config, error) {
	cfg := Config{
		Port:  getenv("PORT", "8080"),
		GoEnv: getenv("GO_ENV", "dev"),

		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "postgres")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenv("SQLITE_PATH", "orderflow.db"),

		PostgresUser:     getenv("POSTGRES_USER", "postgres"),
		PostgresPassword: os.Getenv("POSTGRES_PASSWORD"),
		PostgresDB:       getenv("POSTGRES_DB", "orderflow"),
		PostgresHost:     getenv("POSTGRES_HOST", "localhost"),
		PostgresSSLMode:  getenv("POSTGRES_SSLMODE", "disable"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		RedisAddr: os.Getenv("REDIS_ADDR"),

		InventoryBackend: strings.ToLower(getenv("INVENTORY_BACKEND", "db")),
		NotifyBackend:    strings.ToLower(getenv("NOTIFY_BACKEND", "log")),
		NotifyStream:     getenv("NOTIFY_STREAM", "orderflow:events"),
		KafkaBrokers:     splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:       getenv("KAFKA_TOPIC", "orderflow.events"),

		RateLimitBackend: strings.ToLower(getenv("RATE_LIMIT_BACKEND", "memory")),

		PaymentMethodsFile: os.Getenv("PAYMENT_METHODS_FILE"),

		GatewayBaseURL:       os.Getenv("GATEWAY_BASE_URL"),
		GatewayAPIKey:        os.Getenv("GATEWAY_API_KEY"),
		GatewayWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		BankWebhookSecret:    os.Getenv("BANK_WEBHOOK_SECRET"),
		BankName:             os.Getenv("BANK_NAME"),
		BankAccountName:      os.Getenv("BANK_ACCOUNT_NAME"),
		BankAccountNumber:    os.Getenv("BANK_ACCOUNT_NUMBER"),
	}

	var err error
	if cfg.PostgresPort, err = atoiDefault("POSTGRES_PORT", 5432); err != nil {
		return Config{}, err
	}
	if cfg.RedisDB, err = atoiDefault("REDIS_DB", 0); err != nil {
		return Config{}, err
	}
	if cfg.RateLimitBurst, err = atoiDefault("RATE_LIMIT_BURST", 20); err != nil {
		return Config{}, err
	}
	if cfg.PaymentMaxAttempts, err = atoiDefault("PAYMENT_MAX_ATTEMPTS", 3); err != nil {
		return Config{}, err
	}
	timeoutSec, err := atoiDefault("PAYMENT_TIMEOUT_SEC", 15)
	if err != nil {
		return Config{}, err
	}
	cfg.PaymentTimeout = time.Duration(timeoutSec) * time.Second

	rps := getenv("RATE_LIMIT_RPS", "10")
	if cfg.RateLimitRPS, err = strconv.ParseFloat(rps, 64); err != nil {
		return Config{}, fmt.Errorf("RATE_LIMIT_RPS must be number: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	//必須チェック
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.DBDriver {
	case "postgres":
		if c.DatabaseURL == "" && c.PostgresPassword == "" {
			return fmt.Errorf("POSTGRES_PASSWORD is required")
		}
	case "mysql":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for mysql")
		}
	case "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be postgres, mysql or sqlite")
	}

	switch c.InventoryBackend {
	case "db", "none":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for INVENTORY_BACKEND=redis")
		}
	default:
		return fmt.Errorf("INVENTORY_BACKEND must be db, redis or none")
	}

	switch c.NotifyBackend {
	case "log":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for NOTIFY_BACKEND=redis")
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required for NOTIFY_BACKEND=kafka")
		}
	default:
		return fmt.Errorf("NOTIFY_BACKEND must be log, redis or kafka")
	}

	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required for RATE_LIMIT_BACKEND=redis")
		}
	default:
		return fmt.Errorf("RATE_LIMIT_BACKEND must be memory or redis")
	}

	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.PaymentMaxAttempts < 1 {
		return fmt.Errorf("PAYMENT_MAX_ATTEMPTS must be at least 1")
	}
	if c.PaymentTimeout <= 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT_SEC must be positive")
	}

	//カード決済を使うならゲートウェイ設定は揃っている必要がある
	if c.GatewayBaseURL != "" && (c.GatewayAPIKey == "" || c.GatewayWebhookSecret == "") {
		return fmt.Errorf("GATEWAY_API_KEY and GATEWAY_WEBHOOK_SECRET are required with GATEWAY_BASE_URL")
	}
	return nil
}

// IsProd は本番か。
func (c Config) IsProd() bool {
	return c.GoEnv == "prod"
}

func getenv(key string, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func atoiDefault(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be number: %w", key, err)
	}
	return i, nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
