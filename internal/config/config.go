package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/septivank/iot-receiver/internal/errs"
	"github.com/septivank/iot-receiver/tools/timeparser"
	"gopkg.in/yaml.v3"

	_ "time/tzdata"
)

// Config holds all application configuration
type Config struct {
	ServiceName string         `yaml:"service_name"`
	ServicePort int            `yaml:"service_port"`
	LogLevel    string         `yaml:"log_level"`
	Database    DatabaseConfig `yaml:"database"`
	MQTT        MQTTConfig     `yaml:"mqtt"`
	Geocode     GeocodeConfig  `yaml:"geocode"`
	Ingest      IngestConfig   `yaml:"ingest"`
	RabbitMQ    RabbitMQConfig `yaml:"rabbitmq"`
	Redis       RedisConfig    `yaml:"redis"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL          string        `yaml:"url"`
	AutoMigrate  bool          `yaml:"auto_migrate"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// MQTTConfig holds broker session settings
type MQTTConfig struct {
	BrokerURL         string        `yaml:"broker_url"`
	ClientIDPrefix    string        `yaml:"client_id_prefix"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	Topic             string        `yaml:"topic"`
	QoS               int           `yaml:"qos"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	CACertFile        string        `yaml:"ca_cert_file"`
}

// Secure reports whether the broker URL requires a TLS session
func (m MQTTConfig) Secure() bool {
	u, err := url.Parse(m.BrokerURL)
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ssl", "tls", "mqtts", "tcps", "wss":
		return true
	}
	return false
}

// GeocodeConfig holds the geocoding endpoint settings
type GeocodeConfig struct {
	BaseURL   string        `yaml:"base_url"`
	AuthToken string        `yaml:"auth_token"`
	Timeout   time.Duration `yaml:"timeout"`
}

// IngestConfig holds reading normalization settings
type IngestConfig struct {
	TimeZone           string `yaml:"time_zone"`
	DefaultUnit        string `yaml:"default_unit"`
	ConflictMaxRetries int    `yaml:"conflict_max_retries"`
}

// RabbitMQConfig holds the optional downstream event and dead-letter settings
type RabbitMQConfig struct {
	URL               string `yaml:"url"`
	EventsExchange    string `yaml:"events_exchange"`
	ReadingRoutingKey string `yaml:"reading_routing_key"`
	DLQQueue          string `yaml:"dlq_queue"`
	ReplayEnabled     bool   `yaml:"replay_enabled"`
	ReplayMaxAttempts int    `yaml:"replay_max_attempts"`
	PrefetchCount     int    `yaml:"prefetch_count"`
}

// Enabled reports whether RabbitMQ integration is configured
func (r RabbitMQConfig) Enabled() bool {
	return r.URL != ""
}

// RedisConfig holds the optional latest-value cache settings
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	LatestTTL time.Duration `yaml:"latest_ttl"`
}

// Enabled reports whether the Redis cache is configured
func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

// Defaults returns the configuration used before file and environment overrides
func Defaults() *Config {
	return &Config{
		ServiceName: "iot-receiver",
		ServicePort: 8081,
		LogLevel:    "info",
		Database: DatabaseConfig{
			QueryTimeout: 5 * time.Second,
		},
		MQTT: MQTTConfig{
			ClientIDPrefix:    "iot-receiver",
			QoS:               1,
			KeepAlive:         60 * time.Second,
			ConnectTimeout:    30 * time.Second,
			DisconnectTimeout: 10 * time.Second,
		},
		Geocode: GeocodeConfig{
			BaseURL: "https://geocode.xyz",
			Timeout: 10 * time.Second,
		},
		Ingest: IngestConfig{
			TimeZone:           "America/Bogota",
			DefaultUnit:        "default_unit",
			ConflictMaxRetries: 3,
		},
		RabbitMQ: RabbitMQConfig{
			EventsExchange:    "iot-receiver.events.exchange",
			ReadingRoutingKey: "reading.stored",
			DLQQueue:          "iot-receiver.readings.dlq",
			ReplayMaxAttempts: 5,
			PrefetchCount:     10,
		},
		Redis: RedisConfig{
			LatestTTL: 24 * time.Hour,
		},
	}
}

// Load loads configuration from the optional CONFIG_FILE and environment variables.
// Environment variables take precedence over the file.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, errs.E(errs.KindConfig, "load config file", err)
		}
	}

	env := &envReader{}
	env.apply(cfg)
	if len(env.problems) > 0 {
		return nil, errs.Errorf(errs.KindConfig, "load environment", "%s", strings.Join(env.problems, "; "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// Validate checks required connection parameters and value ranges
func (c *Config) Validate() error {
	var problems []string

	if c.Database.URL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.MQTT.BrokerURL == "" {
		problems = append(problems, "MQTT_BROKER_URL is required")
	} else if u, err := url.Parse(c.MQTT.BrokerURL); err != nil || u.Scheme == "" || u.Host == "" {
		problems = append(problems, fmt.Sprintf("MQTT_BROKER_URL %q is not a valid broker address", c.MQTT.BrokerURL))
	}
	if c.MQTT.Username == "" || c.MQTT.Password == "" {
		problems = append(problems, "MQTT_USERNAME and MQTT_PASSWORD are required")
	}
	if c.MQTT.Topic == "" {
		problems = append(problems, "MQTT_TOPIC is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		problems = append(problems, fmt.Sprintf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	if c.MQTT.ClientIDPrefix == "" {
		problems = append(problems, "MQTT_CLIENT_ID_PREFIX must not be empty")
	}
	if c.MQTT.KeepAlive <= 0 || c.MQTT.ConnectTimeout <= 0 || c.MQTT.DisconnectTimeout <= 0 {
		problems = append(problems, "MQTT keep-alive, connect and disconnect timeouts must be positive")
	}
	if c.MQTT.Secure() && c.MQTT.CACertFile == "" {
		problems = append(problems, "MQTT_CA_CERT_FILE is required for TLS brokers")
	}
	if _, err := url.ParseRequestURI(c.Geocode.BaseURL); err != nil {
		problems = append(problems, fmt.Sprintf("GEOCODE_BASE_URL %q is invalid", c.Geocode.BaseURL))
	}
	if c.Geocode.Timeout <= 0 || c.Database.QueryTimeout <= 0 {
		problems = append(problems, "GEOCODE_TIMEOUT and DATABASE_QUERY_TIMEOUT must be positive")
	}
	if _, err := timeparser.LoadZone(c.Ingest.TimeZone); err != nil {
		problems = append(problems, fmt.Sprintf("READING_TIME_ZONE %q is unknown", c.Ingest.TimeZone))
	}
	if c.Ingest.ConflictMaxRetries < 1 {
		problems = append(problems, "INGEST_CONFLICT_MAX_RETRIES must be at least 1")
	}
	if c.RabbitMQ.Enabled() && (c.RabbitMQ.ReplayMaxAttempts < 1 || c.RabbitMQ.PrefetchCount < 1) {
		problems = append(problems, "RABBITMQ_REPLAY_MAX_ATTEMPTS and RABBITMQ_PREFETCH must be at least 1")
	}

	if len(problems) > 0 {
		return errs.Errorf(errs.KindConfig, "validate", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// envReader overlays environment variables on top of current values and
// records values that are present but unparseable.
type envReader struct {
	problems []string
}

func (r *envReader) apply(cfg *Config) {
	cfg.ServiceName = r.getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.ServicePort = r.getEnvAsInt("SERVICE_PORT", cfg.ServicePort)
	cfg.LogLevel = r.getEnv("LOG_LEVEL", cfg.LogLevel)

	cfg.Database.URL = r.getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.AutoMigrate = r.getEnvAsBool("DATABASE_AUTO_MIGRATE", cfg.Database.AutoMigrate)
	cfg.Database.QueryTimeout = r.getEnvAsDuration("DATABASE_QUERY_TIMEOUT", cfg.Database.QueryTimeout)

	cfg.MQTT.BrokerURL = r.getEnv("MQTT_BROKER_URL", cfg.MQTT.BrokerURL)
	cfg.MQTT.ClientIDPrefix = r.getEnv("MQTT_CLIENT_ID_PREFIX", cfg.MQTT.ClientIDPrefix)
	cfg.MQTT.Username = r.getEnv("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = r.getEnv("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.Topic = r.getEnv("MQTT_TOPIC", cfg.MQTT.Topic)
	cfg.MQTT.QoS = r.getEnvAsInt("MQTT_QOS", cfg.MQTT.QoS)
	cfg.MQTT.KeepAlive = r.getEnvAsDuration("MQTT_KEEP_ALIVE", cfg.MQTT.KeepAlive)
	cfg.MQTT.ConnectTimeout = r.getEnvAsDuration("MQTT_CONNECT_TIMEOUT", cfg.MQTT.ConnectTimeout)
	cfg.MQTT.DisconnectTimeout = r.getEnvAsDuration("MQTT_DISCONNECT_TIMEOUT", cfg.MQTT.DisconnectTimeout)
	cfg.MQTT.CACertFile = r.getEnv("MQTT_CA_CERT_FILE", cfg.MQTT.CACertFile)

	cfg.Geocode.BaseURL = r.getEnv("GEOCODE_BASE_URL", cfg.Geocode.BaseURL)
	cfg.Geocode.AuthToken = r.getEnv("GEOCODE_AUTH_TOKEN", cfg.Geocode.AuthToken)
	cfg.Geocode.Timeout = r.getEnvAsDuration("GEOCODE_TIMEOUT", cfg.Geocode.Timeout)

	cfg.Ingest.TimeZone = r.getEnv("READING_TIME_ZONE", cfg.Ingest.TimeZone)
	cfg.Ingest.DefaultUnit = r.getEnv("MEASUREMENT_DEFAULT_UNIT", cfg.Ingest.DefaultUnit)
	cfg.Ingest.ConflictMaxRetries = r.getEnvAsInt("INGEST_CONFLICT_MAX_RETRIES", cfg.Ingest.ConflictMaxRetries)

	cfg.RabbitMQ.URL = r.getEnv("RABBITMQ_URL", cfg.RabbitMQ.URL)
	cfg.RabbitMQ.EventsExchange = r.getEnv("RABBITMQ_EVENTS_EXCHANGE", cfg.RabbitMQ.EventsExchange)
	cfg.RabbitMQ.ReadingRoutingKey = r.getEnv("RABBITMQ_READING_ROUTING_KEY", cfg.RabbitMQ.ReadingRoutingKey)
	cfg.RabbitMQ.DLQQueue = r.getEnv("RABBITMQ_DLQ_QUEUE", cfg.RabbitMQ.DLQQueue)
	cfg.RabbitMQ.ReplayEnabled = r.getEnvAsBool("RABBITMQ_REPLAY_ENABLED", cfg.RabbitMQ.ReplayEnabled)
	cfg.RabbitMQ.ReplayMaxAttempts = r.getEnvAsInt("RABBITMQ_REPLAY_MAX_ATTEMPTS", cfg.RabbitMQ.ReplayMaxAttempts)
	cfg.RabbitMQ.PrefetchCount = r.getEnvAsInt("RABBITMQ_PREFETCH", cfg.RabbitMQ.PrefetchCount)

	cfg.Redis.Addr = r.getEnv("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = r.getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = r.getEnvAsInt("REDIS_DB", cfg.Redis.DB)
	cfg.Redis.LatestTTL = r.getEnvAsDuration("REDIS_LATEST_TTL", cfg.Redis.LatestTTL)
}

func (r *envReader) getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func (r *envReader) getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not an integer", key, valueStr))
		return defaultValue
	}
	return value
}

func (r *envReader) getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not a boolean", key, valueStr))
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("30s") or a bare number of seconds
func (r *envReader) getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		r.problems = append(r.problems, fmt.Sprintf("%s=%q is not a duration", key, valueStr))
		return defaultValue
	}
	return value
}
