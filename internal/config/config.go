package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Defaults applied when a section leaves a field empty.
const (
	DefaultBatchSize           = 100
	DefaultStuckBatchThreshold = 5 * time.Minute
	DefaultUnhealthyThreshold  = 3 * time.Minute
	DefaultPollInterval        = 5 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultHealthCheckInterval = 30 * time.Second
	DefaultResourcesPerFile    = 100000
	DefaultFetchConcurrency    = 3
	DefaultBlueButtonPageSize  = 50
	DefaultBlueButtonTimeout   = 30 * time.Second
	DefaultBlueButtonMaxTries  = 3
	DefaultPatientCacheTTL     = time.Hour
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Logging     LoggingConfig     `yaml:"logging"`
	App         AppConfig         `yaml:"app"`
	Queue       QueueConfig       `yaml:"queue"`
	Aggregation AggregationConfig `yaml:"aggregation"`
	BlueButton  BlueButtonConfig  `yaml:"bluebutton"`
	Redis       RedisConfig       `yaml:"redis"`
	Consent     ConsentConfig     `yaml:"consent"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// Migrate applies the embedded queue schema at startup.
	Migrate bool `yaml:"migrate"`
}

// RabbitMQConfig holds the broker used for job-submitted notifications.
type RabbitMQConfig struct {
	Enabled    bool              `yaml:"enabled"`
	Host       string            `yaml:"host"`
	Port       int               `yaml:"port"`
	User       string            `yaml:"user"`
	Password   string            `yaml:"password"`
	VHost      string            `yaml:"vhost"`
	Exchange   ExchangeConfig    `yaml:"exchange"`
	Queue      BrokerQueueConfig `yaml:"queue"`
	RoutingKey string            `yaml:"routing_key"`
	Connection ConnectionConfig  `yaml:"connection"`
	Publish    PublishConfig     `yaml:"publish"`
	Consumer   ConsumerConfig    `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// BrokerQueueConfig holds RabbitMQ queue configuration
type BrokerQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// QueueConfig tunes job partitioning and lease handling.
type QueueConfig struct {
	// Backend is "postgres" or "memory".
	Backend             string        `yaml:"backend"`
	BatchSize           int           `yaml:"batch_size"`
	StuckBatchThreshold time.Duration `yaml:"stuck_batch_threshold"`
	UnhealthyThreshold  time.Duration `yaml:"unhealthy_threshold"`
}

// AggregationConfig holds the aggregation engine settings.
type AggregationConfig struct {
	// Concurrency is the number of engines in one process, each with its own aggregator id.
	Concurrency         int           `yaml:"concurrency"`
	AggregatorID        string        `yaml:"aggregator_id"`
	ExportPath          string        `yaml:"export_path"`
	ResourcesPerFile    int           `yaml:"resources_per_file"`
	FetchConcurrency    int           `yaml:"fetch_concurrency"`
	EncryptionEnabled   bool          `yaml:"encryption_enabled"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	ShutdownTimeout     time.Duration `yaml:"shutdown_timeout"`
}

// BlueButtonConfig points at the upstream source-of-truth FHIR server.
type BlueButtonConfig struct {
	ServerURL     string        `yaml:"server_url"`
	ClientID      string        `yaml:"client_id"`
	PageSize      int           `yaml:"page_size"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxTries      int           `yaml:"max_tries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	CertFile      string        `yaml:"cert_file"`
	KeyFile       string        `yaml:"key_file"`
	CAFile        string        `yaml:"ca_file"`
}

// RedisConfig enables the patient identifier cache.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// ConsentConfig points at the consent service. When disabled no patient is
// treated as opted out.
type ConsentConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ServerURL     string        `yaml:"server_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxTries      int           `yaml:"max_tries"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// ObjectStoreConfig enables copying finished export files to an S3 compatible bucket.
type ObjectStoreConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// Load reads and parses the configuration file. ${VAR} references are
// expanded from the environment before parsing.
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()

	return &config, nil
}

// ApplyDefaults fills zero values with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.Queue.Backend == "" {
		c.Queue.Backend = "postgres"
	}
	if c.Queue.BatchSize == 0 {
		c.Queue.BatchSize = DefaultBatchSize
	}
	if c.Queue.StuckBatchThreshold == 0 {
		c.Queue.StuckBatchThreshold = DefaultStuckBatchThreshold
	}
	if c.Queue.UnhealthyThreshold == 0 {
		c.Queue.UnhealthyThreshold = DefaultUnhealthyThreshold
	}

	a := &c.Aggregation
	if a.Concurrency == 0 {
		a.Concurrency = 1
	}
	if a.ResourcesPerFile == 0 {
		a.ResourcesPerFile = DefaultResourcesPerFile
	}
	if a.FetchConcurrency == 0 {
		a.FetchConcurrency = DefaultFetchConcurrency
	}
	if a.PollInterval == 0 {
		a.PollInterval = DefaultPollInterval
	}
	if a.HeartbeatInterval == 0 {
		a.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if a.HealthCheckInterval == 0 {
		a.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if a.ShutdownTimeout == 0 {
		a.ShutdownTimeout = 30 * time.Second
	}

	b := &c.BlueButton
	if b.PageSize == 0 {
		b.PageSize = DefaultBlueButtonPageSize
	}
	if b.Timeout == 0 {
		b.Timeout = DefaultBlueButtonTimeout
	}
	if b.MaxTries == 0 {
		b.MaxTries = DefaultBlueButtonMaxTries
	}
	if b.RetryInterval == 0 {
		b.RetryInterval = time.Second
	}

	if c.Redis.TTL == 0 {
		c.Redis.TTL = DefaultPatientCacheTTL
	}

	cs := &c.Consent
	if cs.Timeout == 0 {
		cs.Timeout = b.Timeout
	}
	if cs.MaxTries == 0 {
		cs.MaxTries = b.MaxTries
	}
	if cs.RetryInterval == 0 {
		cs.RetryInterval = b.RetryInterval
	}
}

// ValidateAPIConfig checks the settings the API service needs.
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	if c.Aggregation.ExportPath == "" {
		return fmt.Errorf("aggregation export_path is required")
	}

	return c.validateRabbitMQ()
}

// ValidateAggregationConfig checks the settings the aggregation service needs.
func (c *Config) ValidateAggregationConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	a := c.Aggregation
	if a.Concurrency <= 0 {
		return fmt.Errorf("aggregation concurrency must be greater than 0")
	}
	if a.ExportPath == "" {
		return fmt.Errorf("aggregation export_path is required")
	}
	if a.ResourcesPerFile <= 0 {
		return fmt.Errorf("aggregation resources_per_file must be greater than 0")
	}
	if a.FetchConcurrency <= 0 {
		return fmt.Errorf("aggregation fetch_concurrency must be greater than 0")
	}
	if a.HeartbeatInterval >= c.Queue.StuckBatchThreshold {
		return fmt.Errorf("aggregation heartbeat_interval (%s) must be shorter than queue stuck_batch_threshold (%s)",
			a.HeartbeatInterval, c.Queue.StuckBatchThreshold)
	}

	if c.BlueButton.ServerURL == "" {
		return fmt.Errorf("bluebutton server_url is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}

	if c.Consent.Enabled && c.Consent.ServerURL == "" {
		return fmt.Errorf("consent server_url is required when consent is enabled")
	}

	if c.ObjectStore.Enabled && (c.ObjectStore.Endpoint == "" || c.ObjectStore.Bucket == "") {
		return fmt.Errorf("object_store endpoint and bucket are required when object_store is enabled")
	}

	return c.validateRabbitMQ()
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue backend: %q", c.Queue.Backend)
	}

	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue batch_size must be greater than 0")
	}
	if c.Queue.StuckBatchThreshold <= 0 {
		return fmt.Errorf("queue stuck_batch_threshold must be greater than 0")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}
