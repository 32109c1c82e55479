package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App            AppConfig
	Service        ServiceConfig
	DB             DBConfig
	Redis          RedisConfig
	FeatureFlags   FeatureFlagsConfig
	Sweep          SweepConfig
	Retry          RetryConfig
	Escrow         EscrowConfig
	PaymentGateway PaymentGatewayConfig
	OrderService   OrderServiceConfig
	FactoryMessage FactoryMessageConfig
	GCP            GCPConfig
	PubSub         PubSubConfig
	Outbox         OutboxConfig
	Ops            OpsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"GROSIR_APP_ENV" required:"true"`
	LogLevel     string `envconfig:"GROSIR_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"GROSIR_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"GROSIR_LOG_FORMAT" default:"json"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"GROSIR_SERVICE_KIND" default:"cron-worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"GROSIR_DB_DSN"`
	Driver string `envconfig:"GROSIR_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"GROSIR_DB_HOST"`
	LegacyPort     int    `envconfig:"GROSIR_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"GROSIR_DB_USER"`
	LegacyPassword string `envconfig:"GROSIR_DB_PASSWORD"`
	LegacyName     string `envconfig:"GROSIR_DB_NAME"`
	LegacySSLMode  string `envconfig:"GROSIR_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"GROSIR_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"GROSIR_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"GROSIR_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"GROSIR_DB_CONN_MAX_IDLE_TIME" default:"10m"`

	// MetricsRefreshSeconds drives the gorm prometheus plugin; zero disables it.
	MetricsRefreshSeconds uint32 `envconfig:"GROSIR_DB_METRICS_REFRESH_SECONDS" default:"15"`

	// SlowQueryThreshold logs statements at warn level when they take longer; zero disables it.
	SlowQueryThreshold time.Duration `envconfig:"GROSIR_DB_SLOW_QUERY_THRESHOLD" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"GROSIR_REDIS_URL" required:"true"`
	Address      string        `envconfig:"GROSIR_REDIS_ADDR"`
	Password     string        `envconfig:"GROSIR_REDIS_PASSWORD"`
	DB           int           `envconfig:"GROSIR_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"GROSIR_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"GROSIR_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"GROSIR_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"GROSIR_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"GROSIR_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"GROSIR_AUTO_MIGRATE" default:"false"`
	// NotifyFactory toggles the pending-stock factory message.
	NotifyFactory bool `envconfig:"GROSIR_FEATURE_NOTIFY_FACTORY" default:"true"`
}

// SweepConfig tunes the expiration sweep and the other session jobs.
type SweepConfig struct {
	Interval       time.Duration `envconfig:"GROSIR_SWEEP_INTERVAL" default:"1m"`
	BatchSize      int           `envconfig:"GROSIR_SWEEP_BATCH_SIZE" default:"50"`
	ClaimTTL       time.Duration `envconfig:"GROSIR_SWEEP_CLAIM_TTL" default:"10m"`
	SessionTimeout time.Duration `envconfig:"GROSIR_SWEEP_SESSION_TIMEOUT" default:"2m"`
	LockTTL        time.Duration `envconfig:"GROSIR_SWEEP_LOCK_TTL" default:"5m"`
}

type RetryConfig struct {
	Attempts       int           `envconfig:"GROSIR_RETRY_ATTEMPTS" default:"3"`
	InitialBackoff time.Duration `envconfig:"GROSIR_RETRY_INITIAL_BACKOFF" default:"1s"`
	MaxBackoff     time.Duration `envconfig:"GROSIR_RETRY_MAX_BACKOFF" default:"8s"`
	AttemptTimeout time.Duration `envconfig:"GROSIR_RETRY_ATTEMPT_TIMEOUT" default:"10s"`
}

type EscrowConfig struct {
	InvoiceTTL      time.Duration `envconfig:"GROSIR_ESCROW_INVOICE_TTL" default:"24h"`
	JoinLockTTL     time.Duration `envconfig:"GROSIR_ESCROW_JOIN_LOCK_TTL" default:"30s"`
	Currency        string        `envconfig:"GROSIR_ESCROW_CURRENCY" default:"IDR"`
	SuccessRedirect string        `envconfig:"GROSIR_ESCROW_SUCCESS_REDIRECT_URL"`
}

type PaymentGatewayConfig struct {
	BaseURL   string        `envconfig:"GROSIR_PAYMENT_GATEWAY_URL" required:"true"`
	SecretKey string        `envconfig:"GROSIR_PAYMENT_GATEWAY_SECRET_KEY" required:"true"`
	Timeout   time.Duration `envconfig:"GROSIR_PAYMENT_GATEWAY_TIMEOUT" default:"10s"`
}

type OrderServiceConfig struct {
	BaseURL string        `envconfig:"GROSIR_ORDER_SERVICE_URL" required:"true"`
	APIKey  string        `envconfig:"GROSIR_ORDER_SERVICE_API_KEY"`
	Timeout time.Duration `envconfig:"GROSIR_ORDER_SERVICE_TIMEOUT" default:"10s"`
}

type FactoryMessageConfig struct {
	BaseURL string        `envconfig:"GROSIR_FACTORY_MESSAGE_URL"`
	APIKey  string        `envconfig:"GROSIR_FACTORY_MESSAGE_API_KEY"`
	Timeout time.Duration `envconfig:"GROSIR_FACTORY_MESSAGE_TIMEOUT" default:"10s"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"GROSIR_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"GROSIR_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GROSIR_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	SessionsTopic    string `envconfig:"GROSIR_PUBSUB_SESSIONS_TOPIC" default:"grosir-session-events"`
	PaymentsTopic    string `envconfig:"GROSIR_PUBSUB_PAYMENTS_TOPIC" default:"grosir-payment-events"`
	ProcurementTopic string `envconfig:"GROSIR_PUBSUB_PROCUREMENT_TOPIC" default:"grosir-procurement-events"`
	AlertsTopic      string `envconfig:"GROSIR_PUBSUB_ALERTS_TOPIC" default:"grosir-alert-events"`
	// PaymentCallbacksSubscription carries gateway invoice callbacks relayed
	// by the webhook edge.
	PaymentCallbacksSubscription string `envconfig:"GROSIR_PUBSUB_PAYMENT_CALLBACKS_SUBSCRIPTION"`
	// FactoryEventsSubscription carries progress reports from partner factories.
	FactoryEventsSubscription string `envconfig:"GROSIR_PUBSUB_FACTORY_EVENTS_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"GROSIR_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"GROSIR_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"GROSIR_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"GROSIR_OUTBOX_RETENTION_DAYS" default:"30"`
}

type OpsConfig struct {
	Port string `envconfig:"GROSIR_OPS_PORT" default:"9090"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
