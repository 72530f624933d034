package configs

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	IdentityModeGateway = "gateway"
	IdentityModeJWT     = "jwt"

	IdempotencyBackendMemory = "memory"
	IdempotencyBackendRedis  = "redis"
)

type RESTconfig struct {
	PORT           string
	AllowedOrigins []string
}

type RabbitMQConfig struct {
	URL string
	// ConsumerWorkers - число партиций; события одного получателя всегда в одной партиции
	ConsumerWorkers int
	PrefetchCount   int
	MaxRetries      int
	RetryTTL        time.Duration
	// BusMaxElapsed - сколько пытаться переподключиться к шине, прежде чем остановить сервис
	BusMaxElapsed time.Duration
}

// DBconfig - история включена, только если задан URL
type DBconfig struct {
	URL      string
	MaxConns int32
}

type IdentityConfig struct {
	Mode          string
	JWTSigningKey string
	JWTIssuer     string
	Timeout       time.Duration
}

type IdempotencyConfig struct {
	Backend       string
	Retention     time.Duration
	MaxEntries    int
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

type DeliveryConfig struct {
	PushTimeout       time.Duration
	MaxParallelPushes int
	StreamBuffer      int
	KeepAlive         time.Duration
}

type ConnectionsConfig struct {
	MaxPerSubject  int
	AdmissionRate  float64
	AdmissionBurst int
}

type HistoryConfig struct {
	QueueSize    int
	WriteTimeout time.Duration
}

type StdoutLogConfig struct {
	Level string
	JSON  bool
}

type FluentBitConfig struct {
	Host    string
	Port    int
	Enabled bool
	Level   string
}

// AppConfig хранит всю конфигурацию приложения
type AppConfig struct {
	AppName         string
	Rest            RESTconfig
	RabbitMQ        RabbitMQConfig
	Database        DBconfig
	Identity        IdentityConfig
	Idempotency     IdempotencyConfig
	Delivery        DeliveryConfig
	Connections     ConnectionsConfig
	History         HistoryConfig
	ShutdownTimeout time.Duration
	FluentBit       FluentBitConfig
	StdoutLogger    StdoutLogConfig
}

// HistoryEnabled - задан ли DATABASE_URL
func (c *AppConfig) HistoryEnabled() bool {
	return c.Database.URL != ""
}

// LoadConfig загружает конфигурацию из переменных окружения.
// .env не обязателен: в контейнере переменные приходят из окружения.
func LoadConfig(envPath ...string) (*AppConfig, error) {
	var err error
	if len(envPath) > 0 {
		err = godotenv.Load(envPath[0])
	} else {
		err = godotenv.Load()
	}
	if err != nil {
		log.Printf("Info: Could not load .env file (path: %v): %v. Using process environment.\n", envPath, err)
	}

	cfg := &AppConfig{}

	cfg.AppName = getEnvAsString("APP_NAME", "notification-service")

	cfg.Rest.PORT = getEnvAsString("PORT", "8085")
	cfg.Rest.AllowedOrigins = getEnvAsList("CORS_ALLOWED_ORIGINS", nil)

	cfg.RabbitMQ.URL = os.Getenv("RABBITMQ_URL")
	if cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL environment variable is required")
	}
	cfg.RabbitMQ.ConsumerWorkers = getEnvAsInt("CONSUMER_WORKERS", 8)
	cfg.RabbitMQ.PrefetchCount = getEnvAsInt("CONSUMER_PREFETCH", 32)
	cfg.RabbitMQ.MaxRetries = getEnvAsInt("CONSUMER_MAX_RETRIES", 3)
	cfg.RabbitMQ.RetryTTL = getEnvAsDuration("CONSUMER_RETRY_TTL", 10*time.Second)
	cfg.RabbitMQ.BusMaxElapsed = getEnvAsDuration("BUS_MAX_ELAPSED", 5*time.Minute)

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Database.MaxConns = int32(getEnvAsInt("DATABASE_MAX_CONNS", 10))

	cfg.Identity.Mode = strings.ToLower(getEnvAsString("IDENTITY_MODE", IdentityModeGateway))
	cfg.Identity.Timeout = getEnvAsDuration("IDENTITY_TIMEOUT", 5*time.Second)
	switch cfg.Identity.Mode {
	case IdentityModeGateway:
	case IdentityModeJWT:
		cfg.Identity.JWTSigningKey = os.Getenv("JWT_SIGNING_KEY")
		if cfg.Identity.JWTSigningKey == "" {
			return nil, fmt.Errorf("JWT_SIGNING_KEY environment variable is required when IDENTITY_MODE=jwt")
		}
		cfg.Identity.JWTIssuer = os.Getenv("JWT_ISSUER")
	default:
		return nil, fmt.Errorf("unknown IDENTITY_MODE %q (expected %q or %q)", cfg.Identity.Mode, IdentityModeGateway, IdentityModeJWT)
	}

	cfg.Idempotency.Backend = strings.ToLower(getEnvAsString("IDEMPOTENCY_BACKEND", IdempotencyBackendMemory))
	cfg.Idempotency.Retention = getEnvAsDuration("IDEMPOTENCY_RETENTION", 10*time.Minute)
	cfg.Idempotency.MaxEntries = getEnvAsInt("IDEMPOTENCY_MAX_ENTRIES", 100000)
	switch cfg.Idempotency.Backend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendRedis:
		cfg.Idempotency.RedisAddr = os.Getenv("REDIS_ADDR")
		if cfg.Idempotency.RedisAddr == "" {
			return nil, fmt.Errorf("REDIS_ADDR environment variable is required when IDEMPOTENCY_BACKEND=redis")
		}
		cfg.Idempotency.RedisPassword = os.Getenv("REDIS_PASSWORD")
		cfg.Idempotency.RedisDB = getEnvAsInt("REDIS_DB", 0)
	default:
		return nil, fmt.Errorf("unknown IDEMPOTENCY_BACKEND %q (expected %q or %q)", cfg.Idempotency.Backend, IdempotencyBackendMemory, IdempotencyBackendRedis)
	}

	cfg.Delivery.PushTimeout = getEnvAsDuration("PUSH_TIMEOUT", 5*time.Second)
	cfg.Delivery.MaxParallelPushes = getEnvAsInt("MAX_PARALLEL_PUSHES", 16)
	cfg.Delivery.StreamBuffer = getEnvAsInt("SSE_STREAM_BUFFER", 32)
	cfg.Delivery.KeepAlive = getEnvAsDuration("SSE_KEEPALIVE", 15*time.Second)

	cfg.Connections.MaxPerSubject = getEnvAsInt("MAX_CONNECTIONS_PER_SUBJECT", 0)
	cfg.Connections.AdmissionRate = getEnvAsFloat("CONNECTION_ADMISSION_RATE", 0)
	cfg.Connections.AdmissionBurst = getEnvAsInt("CONNECTION_ADMISSION_BURST", 0)

	cfg.History.QueueSize = getEnvAsInt("HISTORY_QUEUE_SIZE", 1024)
	cfg.History.WriteTimeout = getEnvAsDuration("HISTORY_WRITE_TIMEOUT", 3*time.Second)

	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second)

	cfg.FluentBit.Enabled = getEnvAsBool("FLUENTBIT_ENABLED", false)
	if cfg.FluentBit.Enabled {
		cfg.FluentBit.Host = os.Getenv("FLUENTBIT_HOST")
		if cfg.FluentBit.Host == "" {
			log.Println("WARNING: FLUENTBIT_ENABLED is true, but FLUENTBIT_HOST is not set. Disabling Fluent Bit.")
			cfg.FluentBit.Enabled = false
		}

		cfg.FluentBit.Port = getEnvAsInt("FLUENTBIT_PORT", 24224)
		cfg.FluentBit.Level = getEnvAsString("FLUENTBIT_LOG_LEVEL", "info")
	}

	cfg.StdoutLogger.Level = getEnvAsString("STDOUT_LOG_LEVEL", "debug")
	cfg.StdoutLogger.JSON = getEnvAsBool("STDOUT_LOG_JSON", false)

	return cfg, nil
}

func getEnvAsString(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	valueInt, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Environment variable %s (value: %s) could not be parsed as int: %v. Using default value: %d\n", key, valueStr, err, defaultValue)
		return defaultValue
	}
	return valueInt
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		log.Printf("Warning: Environment variable %s (value: %s) could not be parsed as float: %v. Using default value: %v\n", key, valueStr, err, defaultValue)
		return defaultValue
	}
	return value
}

// getEnvAsBool читает переменную окружения как bool или возвращает значение по умолчанию
func getEnvAsBool(key string, defaultValue bool) bool {
	valStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	valBool, err := strconv.ParseBool(valStr)
	if err != nil {
		log.Printf("Warning: Environment variable %s (value: %s) could not be parsed as bool: %v. Using default value: %t\n", key, valStr, err, defaultValue)
		return defaultValue
	}
	return valBool
}

// getEnvAsDuration понимает "10s", "5m"; голое число - секунды
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	d, err := time.ParseDuration(valStr)
	if err != nil {
		log.Printf("Warning: Environment variable %s (value: %s) could not be parsed as duration: %v. Using default value: %s\n", key, valStr, err, defaultValue)
		return defaultValue
	}
	return d
}

func getEnvAsList(key string, defaultValue []string) []string {
	valStr, exists := os.LookupEnv(key)
	if !exists || strings.TrimSpace(valStr) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valStr, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
