// Package config provides configuration for the dispatcher service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xiaot623/gogo/dispatcher/internal/domain"
	"github.com/xiaot623/gogo/dispatcher/internal/logger"
)

// Config holds the dispatcher configuration.
type Config struct {
	// Server settings
	WSPort   int `yaml:"ws_port"`   // Agent-facing WebSocket port
	HTTPPort int `yaml:"http_port"` // Internal HTTP port for /health, /metrics, /internal/*
	RPCPort  int `yaml:"rpc_port"`  // Internal JSON-RPC port, 0 disables

	// WebSocket settings
	PingInterval   time.Duration `yaml:"ping_interval"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	MaxMessageSize int64         `yaml:"max_message_size"`

	// InstanceID namespaces this process's agents in a shared store.
	// Defaults to the hostname.
	InstanceID string `yaml:"instance_id"`

	// Ranked agent store
	StoreBackend string        `yaml:"store_backend"` // memory, redis or sqlite
	RedisURL     string        `yaml:"redis_url"`
	RedisKey     string        `yaml:"redis_key"`
	DatabaseURL  string        `yaml:"database_url"`
	StoreTimeout time.Duration `yaml:"store_timeout"`

	// Telephony
	TelephonyBackend string        `yaml:"telephony_backend"` // twilio or static
	TwilioSID        string        `yaml:"twilio_sid"`
	TwilioToken      string        `yaml:"twilio_token"`
	TelephonyTimeout time.Duration `yaml:"telephony_timeout"`
	QueuePolicyFile  string        `yaml:"queue_policy_file"`
	StaticQueues     []StaticQueue `yaml:"static_queues"` // served by the static backend

	// Dispatch
	OfferTimeout       time.Duration `yaml:"offer_timeout"` // 0 disables offer expiry
	OfferSweepInterval time.Duration `yaml:"offer_sweep_interval"`

	// NATS call-side events, empty URL disables the subscriber. Without a
	// queue group every instance sees every call.
	NATSURL        string `yaml:"nats_url"`
	NATSSubject    string `yaml:"nats_subject"`
	NATSQueueGroup string `yaml:"nats_queue_group"`

	// Logging
	Log logger.Config `yaml:"log"`
}

// StaticQueue is one queue served by the static telephony backend.
type StaticQueue struct {
	QueueID      string        `yaml:"queue_id"`
	FriendlyName string        `yaml:"friendly_name"`
	CurrentSize  int           `yaml:"current_size"`
	AverageWait  time.Duration `yaml:"average_wait"`
}

// StaticQueueSnapshots converts StaticQueues for the static lister.
func (c *Config) StaticQueueSnapshots() []domain.QueueSnapshot {
	out := make([]domain.QueueSnapshot, 0, len(c.StaticQueues))
	for _, q := range c.StaticQueues {
		out = append(out, domain.QueueSnapshot{
			QueueID:         q.QueueID,
			FriendlyName:    q.FriendlyName,
			CurrentSize:     q.CurrentSize,
			AverageWaitTime: q.AverageWait,
		})
	}
	return out
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		WSPort:             8090,
		HTTPPort:           8091,
		RPCPort:            8092,
		PingInterval:       30 * time.Second,
		WriteTimeout:       10 * time.Second,
		ReadTimeout:        60 * time.Second,
		MaxMessageSize:     65536,
		StoreBackend:       "memory",
		RedisURL:           "redis://localhost:6379/0",
		RedisKey:           "agents_set",
		DatabaseURL:        "file:dispatcher.db?cache=shared&mode=rwc",
		StoreTimeout:       3 * time.Second,
		TelephonyBackend:   "twilio",
		TelephonyTimeout:   10 * time.Second,
		OfferTimeout:       30 * time.Second,
		OfferSweepInterval: 500 * time.Millisecond,
		NATSSubject:        "dispatch.calls.enqueued",
		Log:                logger.Config{Level: "info", Output: "stdout"},
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE
// YAML overlay, and finally environment variables.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.InstanceID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve instance id: %w", err)
		}
		cfg.InstanceID = host
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.WSPort = getEnvInt("WS_PORT", c.WSPort)
	c.HTTPPort = getEnvInt("HTTP_PORT", c.HTTPPort)
	c.RPCPort = getEnvInt("RPC_PORT", c.RPCPort)
	c.PingInterval = getEnvMillis("WS_PING_INTERVAL_MS", c.PingInterval)
	c.WriteTimeout = getEnvMillis("WS_WRITE_TIMEOUT_MS", c.WriteTimeout)
	c.ReadTimeout = getEnvMillis("WS_READ_TIMEOUT_MS", c.ReadTimeout)
	c.MaxMessageSize = int64(getEnvInt("WS_MAX_MESSAGE_SIZE", int(c.MaxMessageSize)))

	c.InstanceID = getEnv("INSTANCE_ID", c.InstanceID)

	c.StoreBackend = getEnv("STORE_BACKEND", c.StoreBackend)
	// REDISCLOUD_URL is what the hosted deployment provides.
	c.RedisURL = getEnv("REDIS_URL", getEnv("REDISCLOUD_URL", c.RedisURL))
	c.RedisKey = getEnv("REDIS_KEY", c.RedisKey)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.StoreTimeout = getEnvMillis("STORE_TIMEOUT_MS", c.StoreTimeout)

	c.TelephonyBackend = getEnv("TELEPHONY_BACKEND", c.TelephonyBackend)
	c.TwilioSID = getEnv("TWILIO_SID", c.TwilioSID)
	c.TwilioToken = getEnv("TWILIO_TOKEN", c.TwilioToken)
	c.TelephonyTimeout = getEnvMillis("TELEPHONY_TIMEOUT_MS", c.TelephonyTimeout)
	c.QueuePolicyFile = getEnv("QUEUE_POLICY_FILE", c.QueuePolicyFile)

	c.OfferTimeout = getEnvMillis("OFFER_TIMEOUT_MS", c.OfferTimeout)
	c.OfferSweepInterval = getEnvMillis("OFFER_SWEEP_INTERVAL_MS", c.OfferSweepInterval)

	c.NATSURL = getEnv("NATS_URL", c.NATSURL)
	c.NATSSubject = getEnv("NATS_SUBJECT", c.NATSSubject)
	c.NATSQueueGroup = getEnv("NATS_QUEUE_GROUP", c.NATSQueueGroup)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Output = getEnv("LOG_OUTPUT", c.Log.Output)
	c.Log.Debug = getEnvBool("DEBUG", c.Log.Debug)
	c.Log.Pretty = getEnvBool("LOG_PRETTY", c.Log.Pretty)
}

// Validate checks values that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unsupported store backend %q", c.StoreBackend)
	}
	switch c.TelephonyBackend {
	case "twilio", "static":
	default:
		return fmt.Errorf("unsupported telephony backend %q", c.TelephonyBackend)
	}
	if c.OfferTimeout < 0 {
		return fmt.Errorf("offer timeout must not be negative")
	}
	if c.OfferSweepInterval <= 0 {
		return fmt.Errorf("offer sweep interval must be positive")
	}
	if strings.Contains(c.InstanceID, ":") {
		return fmt.Errorf("instance id %q must not contain ':'", c.InstanceID)
	}
	for _, q := range c.StaticQueues {
		if q.QueueID == "" {
			return fmt.Errorf("static queue without queue_id")
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	val := strings.ToLower(os.Getenv(key))
	if val == "" {
		return defaultVal
	}
	return val == "true" || val == "1" || val == "yes" || val == "on"
}
