/**
 * @description
 * This package handles the configuration management for the connector. It
 * uses the Viper library to read configuration from environment variables
 * and an optional .env file, providing a centralized way to manage
 * application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the connector. These
// values are loaded from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisPubSubURL string `mapstructure:"REDIS_PUBSUB_URL"`

	RabbitMQURL   string `mapstructure:"RABBITMQ_URL"`
	EventExchange string `mapstructure:"EVENT_EXCHANGE"`
	EventQueue    string `mapstructure:"EVENT_QUEUE"`

	SwitchBaseURL string `mapstructure:"SWITCH_BASE_URL"`
	SwitchAPIKey  string `mapstructure:"SWITCH_API_KEY"`

	DfspID         string `mapstructure:"DFSP_ID"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`
	AllowedOrigins string `mapstructure:"ALLOWED_ORIGINS"`

	ExpirySeconds         int64 `mapstructure:"EXPIRY_SECONDS"`
	RequestTimeoutSeconds int   `mapstructure:"REQUEST_TIMEOUT_SECONDS"`

	RejectExpiredQuoteResponses  bool `mapstructure:"REJECT_EXPIRED_QUOTE_RESPONSES"`
	RejectExpiredTransferFulfils bool `mapstructure:"REJECT_EXPIRED_TRANSFER_FULFILS"`

	AutoAcceptParty bool `mapstructure:"AUTO_ACCEPT_PARTY"`
	AutoAcceptQuote bool `mapstructure:"AUTO_ACCEPT_QUOTE"`

	MaxBatchSize int `mapstructure:"MAX_BATCH_SIZE"`

	BulkStaleAfterMinutes  int    `mapstructure:"BULK_STALE_AFTER_MINUTES"`
	BulkFinishedTTLMinutes int    `mapstructure:"BULK_FINISHED_TTL_MINUTES"`
	SweepSchedule          string `mapstructure:"SWEEP_SCHEDULE"`
}

// LoadConfig reads configuration from environment variables, plus an
// optional .env file at the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "4000")
	viper.SetDefault("EVENT_EXCHANGE", "switch_connector_events")
	viper.SetDefault("EVENT_QUEUE", "switch_connector.bulk_saga")
	viper.SetDefault("EXPIRY_SECONDS", 60)
	viper.SetDefault("REQUEST_TIMEOUT_SECONDS", 30)
	viper.SetDefault("REJECT_EXPIRED_QUOTE_RESPONSES", true)
	viper.SetDefault("REJECT_EXPIRED_TRANSFER_FULFILS", true)
	viper.SetDefault("AUTO_ACCEPT_PARTY", false)
	viper.SetDefault("AUTO_ACCEPT_QUOTE", false)
	viper.SetDefault("MAX_BATCH_SIZE", 1000)
	viper.SetDefault("BULK_STALE_AFTER_MINUTES", 60)
	viper.SetDefault("BULK_FINISHED_TTL_MINUTES", 1440)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT", "SERVER_PORT", "PORT")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_PUBSUB_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("EVENT_QUEUE")
	_ = viper.BindEnv("SWITCH_BASE_URL")
	_ = viper.BindEnv("SWITCH_API_KEY")
	_ = viper.BindEnv("DFSP_ID")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CONNECTOR_INTERNAL_API_KEY")
	_ = viper.BindEnv("ALLOWED_ORIGINS")
	_ = viper.BindEnv("EXPIRY_SECONDS")
	_ = viper.BindEnv("REQUEST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("REJECT_EXPIRED_QUOTE_RESPONSES")
	_ = viper.BindEnv("REJECT_EXPIRED_TRANSFER_FULFILS")
	_ = viper.BindEnv("AUTO_ACCEPT_PARTY")
	_ = viper.BindEnv("AUTO_ACCEPT_QUOTE")
	_ = viper.BindEnv("MAX_BATCH_SIZE")
	_ = viper.BindEnv("BULK_STALE_AFTER_MINUTES")
	_ = viper.BindEnv("BULK_FINISHED_TTL_MINUTES")
	_ = viper.BindEnv("SWEEP_SCHEDULE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisPubSubURL = strings.TrimSpace(config.RedisPubSubURL)
	if config.RedisPubSubURL == "" {
		// One Redis server can back both the store and the pub/sub.
		config.RedisPubSubURL = config.RedisURL
	}
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)

	if config.ExpirySeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive expiry configured; using default\" expiry_seconds=%d", config.ExpirySeconds)
		config.ExpirySeconds = 60
	}
	if config.RequestTimeoutSeconds <= 0 {
		config.RequestTimeoutSeconds = 30
	}
	if config.MaxBatchSize <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive max batch size configured; using default\" max_batch_size=%d", config.MaxBatchSize)
		config.MaxBatchSize = 1000
	}
	if config.BulkStaleAfterMinutes <= 0 {
		config.BulkStaleAfterMinutes = 60
	}
	if config.BulkFinishedTTLMinutes <= 0 {
		config.BulkFinishedTTLMinutes = 1440
	}
	if strings.TrimSpace(config.SweepSchedule) == "" {
		config.SweepSchedule = "@every 5m"
	}

	return
}

// Origins splits the configured comma-separated origin list.
func (c Config) Origins() []string {
	parts := strings.Split(c.AllowedOrigins, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
