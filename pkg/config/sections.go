package config

import "time"

// DbSettings selects and connects a store backend.
type DbSettings struct {
	Type    string `mapstructure:"type" validate:"omitempty,oneof=postgres spanner mongo memory"`
	DSN     string `mapstructure:"dsn" validate:"required_if=Type postgres"`
	URI     string `mapstructure:"uri" validate:"required_if=Type spanner,required_if=Type mongo"`
	Name    string `mapstructure:"name"`    // Mongo database name
	Migrate bool   `mapstructure:"migrate"` // apply embedded migrations on start (postgres)
}

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type            string        `mapstructure:"type" validate:"required,oneof=rabbitmq gcp-pubsub memory"`
	URL             string        `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange        string        `mapstructure:"exchange"`
	ProjectID       string        `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Optional for brokers like GCP Pub/Sub
	PoolSize        int           `mapstructure:"pool_size" validate:"gte=0"`                        // Optional for RabbitMQ
	Queue           string        `mapstructure:"queue"`                                             // consumer queue / subscription prefix
	Prefetch        int           `mapstructure:"prefetch" validate:"gte=0"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

// OutboxSettings tunes the outbox publisher.
type OutboxSettings struct {
	PollInterval       time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	BatchSize          int           `mapstructure:"batch_size" validate:"gt=0,lte=10000"`
	MaxAttempts        int           `mapstructure:"max_attempts" validate:"gt=0"`
	PublishConcurrency int           `mapstructure:"publish_concurrency" validate:"gte=0"`
	PartitionIndex     int           `mapstructure:"partition_index" validate:"gte=0,ltfield=PartitionCount"`
	PartitionCount     int           `mapstructure:"partition_count" validate:"gt=0"`
	Retention          time.Duration `mapstructure:"retention" validate:"gte=0"`
	PurgeInterval      time.Duration `mapstructure:"purge_interval" validate:"gte=0"`
	DeadLetterTopic    string        `mapstructure:"dead_letter_topic" validate:"required"`
	Codec              string        `mapstructure:"codec" validate:"omitempty,oneof=json msgpack"`
}

// SagaSettings tunes the orchestrator.
type SagaSettings struct {
	StepTimeout   time.Duration `mapstructure:"step_timeout" validate:"gt=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gt=0"`
}

// LockSettings selects how one saga is serialized across goroutines and replicas.
type LockSettings struct {
	Type     string        `mapstructure:"type" validate:"omitempty,oneof=local redis"`
	RedisURL string        `mapstructure:"redis_url" validate:"required_if=Type redis"`
	Expiry   time.Duration `mapstructure:"expiry"`
	Stripes  int           `mapstructure:"stripes" validate:"gte=0"`
}

type Observability struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name" validate:"required"`
	TracingURL  string `mapstructure:"tracing_url" validate:"omitempty,url"`
	MetricsURL  string `mapstructure:"metrics_url" validate:"omitempty,url"`
}

type LogSettings struct {
	Level       string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

type HealthSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

type IDSettings struct {
	Generator string `mapstructure:"generator" validate:"omitempty,oneof=uuid snowflake"`
	Node      int64  `mapstructure:"node" validate:"gte=0,lte=1023"`
}
