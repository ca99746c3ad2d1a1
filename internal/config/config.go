package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Defaults applied by LoadConfig when the config file leaves them out.
const (
	defaultSchemaName     = "dbo"
	defaultWindow         = "100s"
	defaultMaxRecords     = 500
	defaultStreamProvider = "kafka"
)

// Config holds the strongly-typed configuration for the sink. It is loaded
// once at process start and passed by reference; nothing mutates it after.
type Config struct {
	Sink       SinkConfig        `hcl:"sink,block"`
	Kafka      KafkaConfig       `hcl:"kafka,block"`
	Batch      BatchConfig       `hcl:"batch,block"`
	Lock       LockConfig        `hcl:"lock,block"`
	Checkpoint *CheckpointConfig `hcl:"checkpoint,block"`
}

// SinkConfig identifies the destination table and its primary key
type SinkConfig struct {
	DBConnectionString string `hcl:"db_connection_string"`
	DatabaseName       string `hcl:"database_name"`
	SchemaName         string `hcl:"schema_name,optional"`
	TableName          string `hcl:"table_name"`
	PrimaryKey         string `hcl:"primary_key"`
}

// KafkaConfig holds the stream source identity and offset policy
type KafkaConfig struct {
	Provider        string   `hcl:"provider,optional"`
	Brokers         []string `hcl:"brokers"`
	Topic           string   `hcl:"topic"`
	StartingOffsets string   `hcl:"starting_offsets,optional"` // "latest" or "earliest"
}

// BatchConfig bounds one micro-batch window
type BatchConfig struct {
	Window     string `hcl:"window,optional"` // e.g. "100s"
	MaxRecords int    `hcl:"max_records,optional"`
}

// GetWindow returns the Window as a time.Duration
func (b *BatchConfig) GetWindow() (time.Duration, error) {
	return time.ParseDuration(b.Window)
}

// LockConfig holds configuration for the distributed commit lock
type LockConfig struct {
	Type             string `hcl:"type"`              // Lock provider type (e.g. "azure_blob")
	ConnectionString string `hcl:"connection_string"` // Connection string for the lock provider
	ContainerName    string `hcl:"container_name"`    // Name of the container used for lock blobs
}

// CheckpointConfig holds configuration for offset checkpointing
type CheckpointConfig struct {
	TableName string `hcl:"table_name,optional"`
}

// LoadConfig loads and validates the sink configuration from an HCL file
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
	}

	if cfg.Sink.SchemaName == "" {
		cfg.Sink.SchemaName = defaultSchemaName
	}
	if cfg.Kafka.Provider == "" {
		cfg.Kafka.Provider = defaultStreamProvider
	}
	if cfg.Kafka.StartingOffsets == "" {
		cfg.Kafka.StartingOffsets = "latest"
	}
	if cfg.Batch.Window == "" {
		cfg.Batch.Window = defaultWindow
	}
	if cfg.Batch.MaxRecords <= 0 {
		cfg.Batch.MaxRecords = defaultMaxRecords
	}
	if cfg.Checkpoint == nil {
		cfg.Checkpoint = &CheckpointConfig{}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Sink.DBConnectionString == "" {
		return fmt.Errorf("missing required config: sink.db_connection_string")
	}
	if c.Sink.DatabaseName == "" {
		return fmt.Errorf("missing required config: sink.database_name")
	}
	if c.Sink.TableName == "" {
		return fmt.Errorf("missing required config: sink.table_name")
	}
	if c.Sink.PrimaryKey == "" {
		return fmt.Errorf("missing required config: sink.primary_key")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("missing required config: kafka.brokers")
	}
	if c.Kafka.Topic == "" {
		return fmt.Errorf("missing required config: kafka.topic")
	}
	if c.Kafka.StartingOffsets != "latest" && c.Kafka.StartingOffsets != "earliest" {
		return fmt.Errorf("invalid kafka.starting_offsets %q: must be \"latest\" or \"earliest\"", c.Kafka.StartingOffsets)
	}
	if _, err := c.Batch.GetWindow(); err != nil {
		return fmt.Errorf("invalid batch.window: %w", err)
	}
	return nil
}
