package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const (
	configName = "fulfillment"
	envPrefix  = "FULFILLMENT"
)

type Settings struct {
	Database      DbSettings     `mapstructure:"database"`
	SagaDatabase  DbSettings     `mapstructure:"saga_database"`
	Broker        BrokerSettings `mapstructure:"broker"`
	Outbox        OutboxSettings `mapstructure:"outbox"`
	Saga          SagaSettings   `mapstructure:"saga"`
	Lock          LockSettings   `mapstructure:"lock"`
	Observability Observability  `mapstructure:"observability"` // Observability settings
	Log           LogSettings    `mapstructure:"log"`
	Health        HealthSettings `mapstructure:"health"`
	IDs           IDSettings     `mapstructure:"ids"`
}

func (c *Settings) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

// envKeys lists every key that can be overridden from the environment,
// e.g. FULFILLMENT_OUTBOX_BATCH_SIZE.
var envKeys = []string{
	"database.type",
	"database.dsn",
	"database.uri",
	"database.name",
	"database.migrate",
	"saga_database.type",
	"saga_database.dsn",
	"saga_database.migrate",
	"broker.type",
	"broker.url",
	"broker.exchange",
	"broker.project_id",
	"broker.pool_size",
	"broker.queue",
	"broker.prefetch",
	"broker.breaker_failures",
	"broker.breaker_timeout",
	"outbox.poll_interval",
	"outbox.batch_size",
	"outbox.max_attempts",
	"outbox.publish_concurrency",
	"outbox.partition_index",
	"outbox.partition_count",
	"outbox.retention",
	"outbox.purge_interval",
	"outbox.dead_letter_topic",
	"outbox.codec",
	"saga.step_timeout",
	"saga.sweep_interval",
	"lock.type",
	"lock.redis_url",
	"lock.expiry",
	"lock.stripes",
	"observability.enabled",
	"observability.service_name",
	"observability.tracing_url",
	"observability.metrics_url",
	"log.level",
	"log.development",
	"health.enabled",
	"health.address",
	"ids.generator",
	"ids.node",
}

func setDefaults() {
	viper.SetDefault("database.type", "postgres")
	viper.SetDefault("broker.type", "rabbitmq")
	viper.SetDefault("broker.exchange", "fulfillment")
	viper.SetDefault("broker.pool_size", 4)
	viper.SetDefault("broker.prefetch", 32)
	viper.SetDefault("broker.breaker_failures", 5)
	viper.SetDefault("broker.breaker_timeout", 30*time.Second)
	viper.SetDefault("outbox.poll_interval", time.Second)
	viper.SetDefault("outbox.batch_size", 100)
	viper.SetDefault("outbox.max_attempts", 5)
	viper.SetDefault("outbox.publish_concurrency", 8)
	viper.SetDefault("outbox.partition_count", 1)
	viper.SetDefault("outbox.retention", 7*24*time.Hour)
	viper.SetDefault("outbox.purge_interval", time.Hour)
	viper.SetDefault("outbox.dead_letter_topic", "fulfillment.dead-letter")
	viper.SetDefault("outbox.codec", "json")
	viper.SetDefault("saga.step_timeout", 30*time.Second)
	viper.SetDefault("saga.sweep_interval", 5*time.Second)
	viper.SetDefault("lock.type", "local")
	viper.SetDefault("lock.expiry", 10*time.Second)
	viper.SetDefault("lock.stripes", 64)
	viper.SetDefault("observability.service_name", "go-fulfillment")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("health.address", ":8081")
	viper.SetDefault("ids.generator", "uuid")
}

// LoadFromFile reads fulfillment.yaml (and fulfillment.<ENVIRONMENT>.yaml when
// present) from filePath, applies environment overrides and validates.
func LoadFromFile(filePath string) (*Settings, error) {
	env := getEnvWithDefaultLookup("ENVIRONMENT", "development")

	cfg := &Settings{}
	setDefaults()
	viper.SetConfigType("yaml") // Set the config type to YAML
	viper.SetConfigName(configName)
	viper.AddConfigPath(filePath) // path to config
	viper.AddConfigPath(".")      // current directory

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := mergeConfig(filePath, configName+"."+env); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("merge %s config: %w", env, err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("load from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Settings) LoadFromEnv() error {
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // env vars like FULFILLMENT_DATABASE_TYPE

	// Bind environment variables explicitly to ensure they map correctly
	for _, key := range envKeys {
		if err := viper.BindEnv(key); err != nil {
			return err
		}
	}

	return viper.Unmarshal(c)
}

// SagaStore returns the database settings for the saga store, falling back to
// the outbox database when no dedicated section is configured.
func (c *Settings) SagaStore() DbSettings {
	if c.SagaDatabase.Type == "" {
		return c.Database
	}
	return c.SagaDatabase
}

func mergeConfig(path string, name string) error {
	viper.SetConfigName(name)
	viper.AddConfigPath(path)
	return viper.MergeInConfig()
}

func getEnvWithDefaultLookup(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}
