package config

const (
	EnvPrefix = "RELAY"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv = "RELAY_APP_ENV"
	EnvPort   = "RELAY_APP_PORT"

	EnvDBDSN  = "RELAY_DB_DSN"
	EnvDBHost = "RELAY_DB_HOST"
	EnvDBUser = "RELAY_DB_USER"
	EnvDBName = "RELAY_DB_NAME"

	EnvRedisURL = "RELAY_REDIS_URL"

	EnvKafkaBrokers         = "RELAY_KAFKA_BROKERS"
	EnvKafkaDeadLetterTopic = "RELAY_KAFKA_DEAD_LETTER_TOPIC"
	EnvKafkaSendTimeout     = "RELAY_KAFKA_SEND_TIMEOUT"

	EnvRetryInterval = "RELAY_RETRY_INTERVAL"
	EnvRetryWarmUp   = "RELAY_RETRY_WARM_UP"
	EnvRetryMax      = "RELAY_RETRY_MAX"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
