package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Retry        RetryConfig
	Ingress      IngressConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.Kafka.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Retry.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env             string        `envconfig:"RELAY_APP_ENV" required:"true"`
	Port            string        `envconfig:"RELAY_APP_PORT" default:"8080"`
	LogLevel        string        `envconfig:"RELAY_LOG_LEVEL" default:"info"`
	LogWarnStack    bool          `envconfig:"RELAY_LOG_WARN_STACK" default:"false"`
	ShutdownTimeout time.Duration `envconfig:"RELAY_SHUTDOWN_TIMEOUT" default:"15s"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"RELAY_DB_DSN"`
	Driver string `envconfig:"RELAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"RELAY_DB_HOST"`
	LegacyPort     int    `envconfig:"RELAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RELAY_DB_USER"`
	LegacyPassword string `envconfig:"RELAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"RELAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"RELAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RELAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RELAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RELAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RELAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

// RedisConfig is optional. When neither URL nor Address is set the relay runs
// without a distributed sweep lock.
type RedisConfig struct {
	URL          string        `envconfig:"RELAY_REDIS_URL"`
	Address      string        `envconfig:"RELAY_REDIS_ADDR"`
	Password     string        `envconfig:"RELAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"RELAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RELAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RELAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RELAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RELAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RELAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.URL) != "" || strings.TrimSpace(r.Address) != ""
}

type KafkaConfig struct {
	Brokers         []string      `envconfig:"RELAY_KAFKA_BROKERS" default:"localhost:9092"`
	ClientID        string        `envconfig:"RELAY_KAFKA_CLIENT_ID" default:"outbox-relay"`
	Version         string        `envconfig:"RELAY_KAFKA_VERSION" default:"2.8.0"`
	Source          string        `envconfig:"RELAY_KAFKA_SOURCE" default:"outbox-relay"`
	DeadLetterTopic string        `envconfig:"RELAY_KAFKA_DEAD_LETTER_TOPIC" default:"outbox.dead-letter"`
	SendTimeout     time.Duration `envconfig:"RELAY_KAFKA_SEND_TIMEOUT" default:"30s"`
	DialTimeout     time.Duration `envconfig:"RELAY_KAFKA_DIAL_TIMEOUT" default:"10s"`
	ReconnectDelay  time.Duration `envconfig:"RELAY_KAFKA_RECONNECT_DELAY" default:"5s"`
	ProducerRetries int           `envconfig:"RELAY_KAFKA_PRODUCER_RETRIES" default:"5"`
	BreakerFailures uint32        `envconfig:"RELAY_KAFKA_BREAKER_FAILURES" default:"5"`
	BreakerTimeout  time.Duration `envconfig:"RELAY_KAFKA_BREAKER_TIMEOUT" default:"30s"`
}

func (k KafkaConfig) validate() error {
	brokers := 0
	for _, b := range k.Brokers {
		if strings.TrimSpace(b) != "" {
			brokers++
		}
	}
	if brokers == 0 {
		return fmt.Errorf("%s must list at least one broker", EnvKafkaBrokers)
	}
	if strings.TrimSpace(k.DeadLetterTopic) == "" {
		return fmt.Errorf("%s is required", EnvKafkaDeadLetterTopic)
	}
	if k.SendTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvKafkaSendTimeout)
	}
	return nil
}

type RetryConfig struct {
	Interval    time.Duration `envconfig:"RELAY_RETRY_INTERVAL" default:"30s"`
	WarmUp      time.Duration `envconfig:"RELAY_RETRY_WARM_UP" default:"10s"`
	MaxRetry    int           `envconfig:"RELAY_RETRY_MAX" default:"5"`
	BatchSize   int           `envconfig:"RELAY_RETRY_BATCH_SIZE" default:"100"`
	LockEnabled bool          `envconfig:"RELAY_RETRY_LOCK_ENABLED" default:"false"`
	LockTTL     time.Duration `envconfig:"RELAY_RETRY_LOCK_TTL" default:"5m"`
}

func (r RetryConfig) validate() error {
	if r.Interval <= 0 {
		return fmt.Errorf("%s must be positive", EnvRetryInterval)
	}
	if r.MaxRetry < 1 {
		return fmt.Errorf("%s must be at least 1", EnvRetryMax)
	}
	if r.BatchSize < 1 {
		return errors.New("retry batch size must be at least 1")
	}
	return nil
}

type IngressConfig struct {
	MaxPayloadBytes int64 `envconfig:"RELAY_INGRESS_MAX_PAYLOAD_BYTES" default:"10485760"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"RELAY_AUTO_MIGRATE" default:"false"`
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
