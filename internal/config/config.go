package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	ServiceName string          `yaml:"service_name"`
	Server      ServerConfig    `yaml:"server"`
	Log         LogConfig       `yaml:"log"`
	Database    DatabaseConfig  `yaml:"database"`
	Auth        AuthConfig      `yaml:"auth"`
	Time        TimeConfig      `yaml:"time"`
	Retention   RetentionConfig `yaml:"retention"`
	Dashboard   DashboardConfig `yaml:"dashboard"`
	RabbitMQ    RabbitMQConfig  `yaml:"rabbitmq"`
	Kafka       KafkaConfig     `yaml:"kafka"`
	MQTT        MQTTConfig      `yaml:"mqtt"`
	Anomaly     AnomalyConfig   `yaml:"anomaly"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	LogRequests bool     `yaml:"log_requests"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Name       string `yaml:"name"`
	User       string `yaml:"user"`
	Password   string `yaml:"password"`
	Schema     string `yaml:"schema"`
	PoolMin    int    `yaml:"pool_min_conn"`
	PoolMax    int    `yaml:"pool_max_conn"`
	SQLitePath string `yaml:"sqlite_path"`
}

// AuthConfig holds the API keys. Empty keys leave their capability open.
type AuthConfig struct {
	WriteKey  string `yaml:"write_key"`
	ReadKey   string `yaml:"read_key"`
	LegacyKey string `yaml:"api_key"`
}

// TimeConfig holds timestamp handling settings
type TimeConfig struct {
	Timezone             string `yaml:"timezone"`
	ClockSkewWarnMinutes int    `yaml:"clock_skew_warn_minutes"`
}

// RetentionConfig holds retention horizons in days. Zero disables pruning.
type RetentionConfig struct {
	DataDays     int `yaml:"data_days"`
	SecurityDays int `yaml:"security_days"`
	AuditDays    int `yaml:"audit_days"`
}

// DashboardConfig holds query layer settings
type DashboardConfig struct {
	LivenessSeconds int `yaml:"liveness_seconds"`
}

// RabbitMQConfig holds RabbitMQ connection and queue settings
type RabbitMQConfig struct {
	Enabled          bool   `yaml:"enabled"`
	URL              string `yaml:"url"`
	IngestExchange   string `yaml:"ingest_exchange"`
	IngestQueue      string `yaml:"ingest_queue"`
	IngestRoutingKey string `yaml:"ingest_routing_key"`
	EventsExchange   string `yaml:"events_exchange"`
	DLQQueue         string `yaml:"dlq_queue"`
	PrefetchCount    int    `yaml:"prefetch"`
}

// KafkaConfig holds the telemetry topic reader settings
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// MQTTConfig holds the device broker subscription settings
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicFilter string `yaml:"topic_filter"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         int    `yaml:"qos"`
}

// AnomalyConfig holds anomaly detection settings
type AnomalyConfig struct {
	TemperatureThreshold      float64 `yaml:"temperature_threshold"`
	HumidityThreshold         float64 `yaml:"humidity_threshold"`
	MinDataPointsForDetection int     `yaml:"min_data_points"`
	HistorySize               int     `yaml:"history_size"`
}

// Defaults returns the configuration used when nothing is set
func Defaults() *Config {
	return &Config{
		ServiceName: "climax-ledger",
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        5000,
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{Level: "info"},
		Database: DatabaseConfig{
			Driver:     "postgres",
			Host:       "localhost",
			Port:       5432,
			Name:       "climax",
			User:       "climax",
			Schema:     "climax",
			PoolMin:    1,
			PoolMax:    10,
			SQLitePath: "data/climax.db",
		},
		Time: TimeConfig{
			Timezone:             "Europe/Berlin",
			ClockSkewWarnMinutes: 10,
		},
		Retention: RetentionConfig{
			DataDays:     365,
			SecurityDays: 730,
			AuditDays:    365,
		},
		Dashboard: DashboardConfig{LivenessSeconds: 300},
		RabbitMQ: RabbitMQConfig{
			IngestExchange:   "climax.ingest.exchange",
			IngestQueue:      "climax.ingest.queue",
			IngestRoutingKey: "telemetry.raw",
			EventsExchange:   "climax.records.exchange",
			DLQQueue:         "climax.ingest.dlq",
			PrefetchCount:    10,
		},
		Kafka: KafkaConfig{
			Topic:   "climax.telemetry",
			GroupID: "climax-ledger",
		},
		MQTT: MQTTConfig{
			TopicFilter: "climax/#",
			ClientID:    "climax-ledger",
			QoS:         1,
		},
		Anomaly: AnomalyConfig{
			TemperatureThreshold:      10,
			HumidityThreshold:         30,
			MinDataPointsForDetection: 3,
			HistorySize:               10,
		},
	}
}

// Load loads configuration from an optional YAML file named by CONFIG_FILE
// and then from environment variables, which take precedence
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ServiceName = getEnv("SERVICE_NAME", c.ServiceName)

	c.Server.Host = getEnv("HOST", c.Server.Host)
	c.Server.Port = getEnvAsInt("PORT", c.Server.Port)
	c.Server.CORSOrigins = getEnvAsList("CORS_ORIGINS", c.Server.CORSOrigins)
	c.Server.LogRequests = getEnvAsBool("LOG_REQUESTS", c.Server.LogRequests)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)

	c.Database.Driver = strings.ToLower(getEnv("DATABASE_DRIVER", c.Database.Driver))
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvAsInt("DB_PORT", c.Database.Port)
	c.Database.Name = getEnv("DB_NAME", c.Database.Name)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.Schema = getEnv("DB_SCHEMA", c.Database.Schema)
	c.Database.PoolMin = getEnvAsInt("DB_POOL_MIN_CONN", c.Database.PoolMin)
	c.Database.PoolMax = getEnvAsInt("DB_POOL_MAX_CONN", c.Database.PoolMax)
	c.Database.SQLitePath = getEnv("SQLITE_PATH", c.Database.SQLitePath)

	c.Auth.WriteKey = getEnv("API_KEY_WRITE", c.Auth.WriteKey)
	c.Auth.ReadKey = getEnv("API_KEY_READ", c.Auth.ReadKey)
	c.Auth.LegacyKey = getEnv("API_KEY", c.Auth.LegacyKey)

	c.Time.Timezone = getEnv("TIMEZONE", c.Time.Timezone)
	c.Time.ClockSkewWarnMinutes = getEnvAsInt("CLOCK_SKEW_WARN_MINUTES", c.Time.ClockSkewWarnMinutes)

	c.Retention.DataDays = getEnvAsInt("DATA_RETENTION_DAYS", c.Retention.DataDays)
	c.Retention.SecurityDays = getEnvAsInt("SECURITY_RETENTION_DAYS", c.Retention.SecurityDays)
	c.Retention.AuditDays = getEnvAsInt("AUDIT_RETENTION_DAYS", c.Retention.AuditDays)

	c.Dashboard.LivenessSeconds = getEnvAsInt("SENSOR_LIVENESS_SECONDS", c.Dashboard.LivenessSeconds)

	c.RabbitMQ.Enabled = getEnvAsBool("RABBITMQ_ENABLED", c.RabbitMQ.Enabled)
	c.RabbitMQ.URL = getEnv("RABBITMQ_URL", c.RabbitMQ.URL)
	c.RabbitMQ.IngestExchange = getEnv("RABBITMQ_INGEST_EXCHANGE", c.RabbitMQ.IngestExchange)
	c.RabbitMQ.IngestQueue = getEnv("RABBITMQ_INGEST_QUEUE", c.RabbitMQ.IngestQueue)
	c.RabbitMQ.IngestRoutingKey = getEnv("RABBITMQ_INGEST_ROUTING_KEY", c.RabbitMQ.IngestRoutingKey)
	c.RabbitMQ.EventsExchange = getEnv("RABBITMQ_EVENTS_EXCHANGE", c.RabbitMQ.EventsExchange)
	c.RabbitMQ.DLQQueue = getEnv("RABBITMQ_DLQ_QUEUE", c.RabbitMQ.DLQQueue)
	c.RabbitMQ.PrefetchCount = getEnvAsInt("RABBITMQ_PREFETCH", c.RabbitMQ.PrefetchCount)

	c.Kafka.Enabled = getEnvAsBool("KAFKA_ENABLED", c.Kafka.Enabled)
	c.Kafka.Brokers = getEnvAsList("KAFKA_BROKERS", c.Kafka.Brokers)
	c.Kafka.Topic = getEnv("KAFKA_TOPIC", c.Kafka.Topic)
	c.Kafka.GroupID = getEnv("KAFKA_GROUP_ID", c.Kafka.GroupID)

	c.MQTT.Enabled = getEnvAsBool("MQTT_ENABLED", c.MQTT.Enabled)
	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.TopicFilter = getEnv("MQTT_TOPIC_FILTER", c.MQTT.TopicFilter)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Username = getEnv("MQTT_USERNAME", c.MQTT.Username)
	c.MQTT.Password = getEnv("MQTT_PASSWORD", c.MQTT.Password)
	c.MQTT.QoS = getEnvAsInt("MQTT_QOS", c.MQTT.QoS)

	c.Anomaly.TemperatureThreshold = getEnvAsFloat("ANOMALY_TEMPERATURE_THRESHOLD", c.Anomaly.TemperatureThreshold)
	c.Anomaly.HumidityThreshold = getEnvAsFloat("ANOMALY_HUMIDITY_THRESHOLD", c.Anomaly.HumidityThreshold)
	c.Anomaly.MinDataPointsForDetection = getEnvAsInt("ANOMALY_MIN_DATA_POINTS", c.Anomaly.MinDataPointsForDetection)
	c.Anomaly.HistorySize = getEnvAsInt("ANOMALY_HISTORY_SIZE", c.Anomaly.HistorySize)
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" && c.Database.Host == "" {
			return fmt.Errorf("DATABASE_URL or DB_HOST is required for the postgres driver")
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported DATABASE_DRIVER %q (want postgres or sqlite)", c.Database.Driver)
	}

	if c.Retention.DataDays < 0 || c.Retention.SecurityDays < 0 || c.Retention.AuditDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}
	if _, err := time.LoadLocation(c.Time.Timezone); err != nil {
		return fmt.Errorf("unknown TIMEZONE %q: %w", c.Time.Timezone, err)
	}
	if c.Dashboard.LivenessSeconds <= 0 {
		return fmt.Errorf("SENSOR_LIVENESS_SECONDS must be positive")
	}
	if c.RabbitMQ.Enabled && c.RabbitMQ.URL == "" {
		return fmt.Errorf("RABBITMQ_URL is required when RABBITMQ_ENABLED is set")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required when KAFKA_ENABLED is set")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("MQTT_BROKER is required when MQTT_ENABLED is set")
	}
	return nil
}

// DatabaseURL returns DATABASE_URL or a URL assembled from the DB_* parts
func (c *Config) DatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.Database.User, c.Database.Password),
		Host:   fmt.Sprintf("%s:%d", c.Database.Host, c.Database.Port),
		Path:   "/" + c.Database.Name,
	}
	return u.String()
}

// Addr returns the HTTP listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Liveness returns the sensor online threshold
func (c *Config) Liveness() time.Duration {
	return time.Duration(c.Dashboard.LivenessSeconds) * time.Second
}

// ClockSkewTolerance returns the device clock drift that triggers a warning
func (c *Config) ClockSkewTolerance() time.Duration {
	return time.Duration(c.Time.ClockSkewWarnMinutes) * time.Minute
}

// AnomalyThresholds returns the per-metric deviation thresholds
func (c *Config) AnomalyThresholds() map[string]float64 {
	return map[string]float64{
		"temperature": c.Anomaly.TemperatureThreshold,
		"humidity":    c.Anomaly.HumidityThreshold,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
