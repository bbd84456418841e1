package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverDynamoDB = "dynamodb"
)

type Config struct {
	HTTPPort           int
	HTTPRequestTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSOrigins        []string

	StoreDriver string

	DBConfig struct {
		Host     string
		Port     int
		User     string
		Password string
		Name     string
		SSLMode  string
	}
	DBConnectRetries int
	DBRetryDelay     time.Duration

	SQLitePath string

	AWSRegion         string
	DynamoTable       string
	DynamoEndpoint    string
	DynamoCreateTable bool

	KafkaBrokerURL             string
	KafkaDeliveryEventsTopic   string
	KafkaDeliveryRequestsTopic string
	KafkaConsumerGroup         string

	DiscordWebhookURL string
	DiscordTimezone   string
	SESFromEmail      string
	NotifyEmailTo     []string
	NotifyTimeout     time.Duration

	AdminPassword string
	JWTSecret     string
	JWTTTL        time.Duration
	PluginAPIKey  string

	PendingBatchSize int
}

func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.HTTPPort = getEnvAsInt("PORT", 3000)
	cfg.HTTPRequestTimeout = getEnvAsDuration("HTTP_REQUEST_TIMEOUT", 30*time.Second)
	cfg.ShutdownTimeout = getEnvAsDuration("SHUTDOWN_TIMEOUT", 15*time.Second)
	cfg.CORSOrigins = getEnvAsSlice("CORS_ORIGINS", []string{"http://localhost:5173"})

	cfg.StoreDriver = strings.ToLower(getEnvOrDefault("STORE_DRIVER", StoreDriverPostgres))

	cfg.DBConfig.Host = getEnvOrDefault("DB_HOST", "localhost")
	cfg.DBConfig.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.DBConfig.User = getEnvOrDefault("DB_USER", "user")
	cfg.DBConfig.Password = getEnvOrDefault("DB_PASSWORD", "password")
	cfg.DBConfig.Name = getEnvOrDefault("DB_NAME", "deliveries_db")
	cfg.DBConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", "disable")
	cfg.DBConnectRetries = getEnvAsInt("DB_CONNECT_RETRIES", 10)
	cfg.DBRetryDelay = getEnvAsDuration("DB_RETRY_DELAY", 5*time.Second)

	cfg.SQLitePath = getEnvOrDefault("SQLITE_PATH", "rankdelivery.db")

	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", "us-east-2")
	cfg.DynamoTable = getEnvOrDefault("DYNAMO_TABLE", "deliveries")
	cfg.DynamoEndpoint = getEnvOrDefault("DYNAMO_ENDPOINT", "")
	cfg.DynamoCreateTable = getEnvAsBool("DYNAMO_CREATE_TABLE", false)

	cfg.KafkaBrokerURL = getEnvOrDefault("KAFKA_BROKER_URL", "")
	cfg.KafkaDeliveryEventsTopic = getEnvOrDefault("KAFKA_DELIVERY_EVENTS_TOPIC", "delivery_events")
	cfg.KafkaDeliveryRequestsTopic = getEnvOrDefault("KAFKA_DELIVERY_REQUESTS_TOPIC", "delivery_requests")
	cfg.KafkaConsumerGroup = getEnvOrDefault("KAFKA_CONSUMER_GROUP", "rankdelivery-requests-group")

	cfg.DiscordWebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", "")
	cfg.DiscordTimezone = getEnvOrDefault("DISCORD_TIMEZONE", "Asia/Kolkata")
	cfg.SESFromEmail = getEnvOrDefault("SES_FROM_EMAIL", "")
	cfg.NotifyEmailTo = getEnvAsSlice("NOTIFY_EMAIL_TO", nil)
	cfg.NotifyTimeout = getEnvAsDuration("NOTIFY_TIMEOUT", 5*time.Second)

	cfg.AdminPassword = getEnvOrDefault("ADMIN_PASSWORD", "")
	cfg.JWTSecret = getEnvOrDefault("JWT_SECRET", "")
	cfg.JWTTTL = getEnvAsDuration("JWT_TTL", 24*time.Hour)
	cfg.PluginAPIKey = getEnvOrDefault("PLUGIN_API_KEY", "")

	cfg.PendingBatchSize = getEnvAsInt("PENDING_BATCH_SIZE", 10)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.AdminPassword == "" {
		errs = append(errs, errors.New("ADMIN_PASSWORD is required"))
	}
	if c.PluginAPIKey == "" {
		errs = append(errs, errors.New("PLUGIN_API_KEY is required"))
	}
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DBConnectRetries <= 0 {
			errs = append(errs, fmt.Errorf("DB_CONNECT_RETRIES must be positive, got %d", c.DBConnectRetries))
		}
	case StoreDriverSQLite:
	case StoreDriverDynamoDB:
		if c.DynamoTable == "" {
			errs = append(errs, errors.New("DYNAMO_TABLE is required for the dynamodb store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q (want postgres, sqlite or dynamodb)", c.StoreDriver))
	}
	if c.PendingBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("PENDING_BATCH_SIZE must be positive, got %d", c.PendingBatchSize))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, fmt.Errorf("JWT_TTL must be positive, got %s", c.JWTTTL))
	}
	if len(c.NotifyEmailTo) > 0 && c.SESFromEmail == "" {
		errs = append(errs, errors.New("SES_FROM_EMAIL is required when NOTIFY_EMAIL_TO is set"))
	}
	return errors.Join(errs...)
}

func (c *Config) KafkaEnabled() bool {
	return c.KafkaBrokerURL != ""
}

func (c *Config) GetKafkaBrokers() []string {
	return splitCSV(c.KafkaBrokerURL)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnvOrDefault(key, strconv.Itoa(defaultValue))
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnvOrDefault(key, defaultValue.String())
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnvOrDefault(key, strconv.FormatBool(defaultValue))
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	return splitCSV(value)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
