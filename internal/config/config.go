// Package config загружает настройки gateway и notification-worker из YAML-файла
// и переменных окружения OSTRICH_*.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "OSTRICH"

// Поддерживаемые backend'ы Dedup Store.
const (
	DedupBackendRedis  = "redis"
	DedupBackendBolt   = "bolt"
	DedupBackendMemory = "memory"
)

type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	GRPC        GRPCConfig        `mapstructure:"grpc"`
	Services    ServicesConfig    `mapstructure:"services"`
	Rabbit      RabbitConfig      `mapstructure:"rabbit"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Dedup       DedupConfig       `mapstructure:"dedup"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	SMTP        SMTPConfig        `mapstructure:"smtp"`
	Saga        SagaConfig        `mapstructure:"saga"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

// ServicesConfig содержит адреса удалённых сервисов.
type ServicesConfig struct {
	AccountURL   string        `mapstructure:"account_url"`
	ShopURL      string        `mapstructure:"shop_url"`
	InventoryURL string        `mapstructure:"inventory_url"`
	ReportURL    string        `mapstructure:"report_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// RabbitConfig — брокер, пул каналов и политика переподключения.
type RabbitConfig struct {
	Host                string        `mapstructure:"host"`
	Port                int           `mapstructure:"port"`
	User                string        `mapstructure:"user"`
	Password            string        `mapstructure:"password"`
	Vhost               string        `mapstructure:"vhost"`
	PoolSize            int           `mapstructure:"pool_size"`
	ReconnectAttempts   int           `mapstructure:"reconnect_attempts"`
	ReconnectDelay      time.Duration `mapstructure:"reconnect_delay"`
	AcquirePollInterval time.Duration `mapstructure:"acquire_poll_interval"`
	RedeliveryDelay     time.Duration `mapstructure:"redelivery_delay"`
	PublishTimeout      time.Duration `mapstructure:"publish_timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DedupConfig — хранилище отметок о доставке.
type DedupConfig struct {
	Backend  string        `mapstructure:"backend"`
	BoltPath string        `mapstructure:"bolt_path"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

type AuthConfig struct {
	JWTSecret  string        `mapstructure:"jwt_secret"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"`
	RefreshTTL time.Duration `mapstructure:"refresh_ttl"`
}

// RevokeTTL — сколько хранить отозванный токен: дольше любого выданного.
func (a AuthConfig) RevokeTTL() time.Duration {
	return max(a.AccessTTL, a.RefreshTTL)
}

// PostgresConfig — журнал outbox, idempotency-ключи и расхождения остатков.
// Пустой DSN включает in-memory хранилища.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type KafkaConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
}

type IdempotencyConfig struct {
	TTL               time.Duration `mapstructure:"ttl"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	CleanupBatchSize  int           `mapstructure:"cleanup_batch_size"`
	CleanupMaxBatches int           `mapstructure:"cleanup_max_batches"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	StartTLS bool   `mapstructure:"start_tls"`
}

type SagaConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	CompensationTimeout time.Duration `mapstructure:"compensation_timeout"`
}

// LogConfig задаёт уровень, формат и файл логов с ротацией.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("grpc.addr", ":50051")

	v.SetDefault("services.account_url", "")
	v.SetDefault("services.shop_url", "")
	v.SetDefault("services.inventory_url", "")
	v.SetDefault("services.report_url", "")
	v.SetDefault("services.timeout", 10*time.Second)

	v.SetDefault("rabbit.host", "localhost")
	v.SetDefault("rabbit.port", 5672)
	v.SetDefault("rabbit.user", "guest")
	v.SetDefault("rabbit.password", "guest")
	v.SetDefault("rabbit.vhost", "/")
	v.SetDefault("rabbit.pool_size", 5)
	v.SetDefault("rabbit.reconnect_attempts", 10)
	v.SetDefault("rabbit.reconnect_delay", 3*time.Second)
	v.SetDefault("rabbit.acquire_poll_interval", 100*time.Millisecond)
	v.SetDefault("rabbit.redelivery_delay", 5*time.Second)
	v.SetDefault("rabbit.publish_timeout", 30*time.Second)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("dedup.backend", DedupBackendRedis)
	v.SetDefault("dedup.bolt_path", "data/dedup.db")
	v.SetDefault("dedup.prefix", "ostrich:")
	v.SetDefault("dedup.ttl", time.Duration(0))
	v.SetDefault("dedup.claim_ttl", 2*time.Minute)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.refresh_ttl", 30*time.Minute)

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.auto_migrate", true)
	v.SetDefault("postgres.max_open_conns", 10)
	v.SetDefault("postgres.max_idle_conns", 10)
	v.SetDefault("postgres.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.client_id", "ostrich-gateway")

	v.SetDefault("outbox.poll_interval", time.Second)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_attempts", 3)
	v.SetDefault("outbox.retry_delay", 50*time.Millisecond)

	v.SetDefault("idempotency.ttl", 24*time.Hour)
	v.SetDefault("idempotency.cleanup_interval", time.Minute)
	v.SetDefault("idempotency.cleanup_batch_size", 500)
	v.SetDefault("idempotency.cleanup_max_batches", 100)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.from", "")
	v.SetDefault("smtp.start_tls", true)

	v.SetDefault("saga.timeout", 30*time.Second)
	v.SetDefault("saga.compensation_timeout", 10*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_age", 7)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.service_name", "ostrich")

	v.SetDefault("rate_limit.rps", 20)
	v.SetDefault("rate_limit.burst", 40)
}

// Load читает конфигурацию. Пустой path означает поиск config.yaml в ./configs;
// отсутствие файла не ошибка, тогда используются значения по умолчанию и окружение.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/ostrich")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет общие для обоих процессов параметры.
func (c *Config) Validate() error {
	var errs []error

	if c.Rabbit.PoolSize < 1 {
		errs = append(errs, errors.New("rabbit.pool_size must be at least 1"))
	}
	if c.Rabbit.ReconnectAttempts < 1 {
		errs = append(errs, errors.New("rabbit.reconnect_attempts must be at least 1"))
	}
	if c.Rabbit.ReconnectDelay < 0 {
		errs = append(errs, errors.New("rabbit.reconnect_delay must not be negative"))
	}
	if c.Rabbit.AcquirePollInterval <= 0 {
		errs = append(errs, errors.New("rabbit.acquire_poll_interval must be positive"))
	}
	if c.Rabbit.RedeliveryDelay < 0 {
		errs = append(errs, errors.New("rabbit.redelivery_delay must not be negative"))
	}
	if c.Rabbit.Port <= 0 || c.Rabbit.Port > 65535 {
		errs = append(errs, fmt.Errorf("rabbit.port %d is out of range", c.Rabbit.Port))
	}

	switch c.Dedup.Backend {
	case DedupBackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for redis dedup backend"))
		}
	case DedupBackendBolt:
		if c.Dedup.BoltPath == "" {
			errs = append(errs, errors.New("dedup.bolt_path is required for bolt dedup backend"))
		}
	case DedupBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown dedup.backend %q", c.Dedup.Backend))
	}

	if c.Tracing.Enabled && c.Tracing.Endpoint == "" {
		errs = append(errs, errors.New("tracing.endpoint is required when tracing is enabled"))
	}

	return errors.Join(errs...)
}

// ValidateGateway проверяет параметры, без которых не стартует HTTP API.
func (c *Config) ValidateGateway() error {
	errs := []error{c.Validate()}

	for key, raw := range map[string]string{
		"services.account_url":   c.Services.AccountURL,
		"services.shop_url":      c.Services.ShopURL,
		"services.inventory_url": c.Services.InventoryURL,
		"services.report_url":    c.Services.ReportURL,
	} {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s %q is not an absolute URL", key, raw))
		}
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		errs = append(errs, errors.New("rate_limit.rps and rate_limit.burst must be positive"))
	}
	return errors.Join(errs...)
}

// ValidateWorker проверяет параметры notification-worker.
func (c *Config) ValidateWorker() error {
	errs := []error{c.Validate()}
	if c.SMTP.Host == "" {
		errs = append(errs, errors.New("smtp.host is required"))
	}
	if c.SMTP.Port <= 0 {
		errs = append(errs, errors.New("smtp.port must be positive"))
	}
	return errors.Join(errs...)
}

// splitList раскрывает значения вида "a,b" из переменных окружения.
func splitList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
