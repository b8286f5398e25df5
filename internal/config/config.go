// Package config 配置
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/payrail/orchestrator/internal/definition"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config 服务配置
type Config struct {
	ServiceName string
	HTTPPort    int

	// Storage: postgres for production, memory for local runs and tests.
	StoreBackend string

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string

	// Event publishing
	EventStream        string
	TenantEventChannel string

	// Collaborator endpoints, one per operation.
	PaymentServiceURL  string
	WalletServiceURL   string
	ClearingServiceURL string

	InternalToken string

	// Step execution defaults for the built-in payment flow.
	StepMaxRetries  int
	StepBaseBackoff time.Duration
	StepMaxBackoff  time.Duration
	StepTimeout     time.Duration

	// Recovery scanner
	ScannerInterval  time.Duration
	ScannerGrace     time.Duration
	ScannerBatchSize int
	ScannerLockKey   string
	ScannerLockTTL   time.Duration

	// Tracing
	JaegerEndpoint string
	TraceSampling  float64

	WorkerID int64
}

// Load 加载配置
func Load() *Config {
	return &Config{
		ServiceName: getEnv("SERVICE_NAME", "payment-orchestrator"),
		HTTPPort:    getEnvInt("HTTP_PORT", 8090),

		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StorePostgres)),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnvInt("DB_PORT", 5437), // 默认使用5437避免与其他项目冲突
		DBUser:     getEnv("DB_USER", "payrail"),
		DBPassword: getEnv("DB_PASSWORD", "payrail123"),
		DBName:     getEnv("DB_NAME", "payrail"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6380"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		EventStream:        getEnv("EVENT_STREAM", "orchestrator:events"),
		TenantEventChannel: getEnv("TENANT_EVENT_CHANNEL", "orchestrator:tenant:{tenantId}:events"),

		PaymentServiceURL:  getEnv("PAYMENT_SERVICE_URL", "http://localhost:8091"),
		WalletServiceURL:   getEnv("WALLET_SERVICE_URL", "http://localhost:8092"),
		ClearingServiceURL: getEnv("CLEARING_SERVICE_URL", "http://localhost:8093"),

		InternalToken: getEnv("INTERNAL_TOKEN", ""),

		StepMaxRetries:  getEnvInt("STEP_MAX_RETRIES", 3),
		StepBaseBackoff: getEnvDuration("STEP_BASE_BACKOFF", 200*time.Millisecond),
		StepMaxBackoff:  getEnvDuration("STEP_MAX_BACKOFF", 5*time.Second),
		StepTimeout:     getEnvDuration("STEP_TIMEOUT", 10*time.Second),

		ScannerInterval:  getEnvDuration("SCANNER_INTERVAL", 15*time.Second),
		ScannerGrace:     getEnvDuration("SCANNER_GRACE", time.Minute),
		ScannerBatchSize: getEnvInt("SCANNER_BATCH_SIZE", 100),
		ScannerLockKey:   getEnv("SCANNER_LOCK_KEY", "orchestrator:scanner:lock"),
		ScannerLockTTL:   getEnvDuration("SCANNER_LOCK_TTL", 30*time.Second),

		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", ""),
		TraceSampling:  getEnvFloat("TRACE_SAMPLING", 0.1),

		WorkerID: int64(getEnvInt("WORKER_ID", 1)),
	}
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	if c.StoreBackend != StorePostgres && c.StoreBackend != StoreMemory {
		return fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", StorePostgres, StoreMemory, c.StoreBackend)
	}
	if c.InternalToken == "" {
		return fmt.Errorf("INTERNAL_TOKEN is required")
	}
	if c.StepMaxRetries <= 0 {
		return fmt.Errorf("STEP_MAX_RETRIES must be positive")
	}
	if c.ScannerGrace < c.StepTimeout {
		return fmt.Errorf("SCANNER_GRACE (%s) must cover STEP_TIMEOUT (%s)", c.ScannerGrace, c.StepTimeout)
	}
	return nil
}

// DSN 返回数据库连接字符串
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}

// StepDefaults 内置流程的步骤缺省参数
func (c *Config) StepDefaults() definition.Defaults {
	return definition.Defaults{
		MaxRetries:  c.StepMaxRetries,
		BaseBackoff: c.StepBaseBackoff,
		MaxBackoff:  c.StepMaxBackoff,
		StepTimeout: c.StepTimeout,
	}
}

// OperationEndpoints maps every built-in operation to its collaborator URL.
func (c *Config) OperationEndpoints() map[string]string {
	return map[string]string{
		definition.OpValidatePayment: c.PaymentServiceURL + "/internal/payments/validate",
		definition.OpSettlePayment:   c.PaymentServiceURL + "/internal/payments/settle",
		definition.OpReserveFunds:    c.WalletServiceURL + "/internal/funds/reserve",
		definition.OpReleaseFunds:    c.WalletServiceURL + "/internal/funds/release",
		definition.OpSubmitClearing:  c.ClearingServiceURL + "/internal/clearing/submit",
		definition.OpRecallClearing:  c.ClearingServiceURL + "/internal/clearing/recall",
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
