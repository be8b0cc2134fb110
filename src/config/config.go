package config

import (
	"bytes"
	"io"
	"os"
	"strings"

	"market-relay/src/helpers"
	"market-relay/src/models"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig loads .env, the YAML file at configPath (with ${VAR} expansion),
// then environment overrides and defaults, and validates the result.
// An empty configPath uses defaults and the environment only.
func NewConfig(configPath string) (*Config, error) {
	return NewConfigWith(configPath, nil)
}

// NewConfigWith is NewConfig with a hook that adjusts the options after
// the environment is applied and before defaults and validation.
func NewConfigWith(configPath string, override func(*models.MConfig)) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, helpers.NewConfigurationError("failed to load .env", err)
	}

	var modelConfig models.MConfig

	// 1. Read the YAML file content
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, helpers.NewConfigurationError("failed to read config file '"+configPath+"'", err)
		}
		if err := decodeYAML(data, &modelConfig); err != nil {
			return nil, err
		}
	}

	// 2. Environment overrides
	if err := env.Parse(&modelConfig); err != nil {
		return nil, helpers.NewConfigurationError("failed to apply environment overrides", err)
	}

	if override != nil {
		override(&modelConfig)
	}

	config := &Config{MConfig: &modelConfig}
	config.ApplyDefaults()

	// 3. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// decodeYAML rejects keys that do not map to a known option.
func decodeYAML(data []byte, out *models.MConfig) error {
	expanded := os.ExpandEnv(string(data))

	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return helpers.NewConfigurationError("failed to parse config from YAML", err)
	}
	return nil
}

// -----------------------------------------------------------------------------

// ApplyDefaults fills every option left unset.
func (c *Config) ApplyDefaults() {
	setString(&c.Name, "market-relay")
	setString(&c.Host, "0.0.0.0")
	setInt(&c.Port, 8080)
	setString(&c.LogLevel, "INFO")
	setInt(&c.GrpcPort, 50051)

	s := &c.Session
	setString(&s.Mode, "browser")
	s.Mode = strings.ToLower(s.Mode)
	setString(&s.URL, "https://trade.exnova.com/traderoom")
	setInt(&s.LoginTimeoutSeconds, 60)
	setInt(&s.FrameBuffer, 4096)

	p := &c.Protocol
	setString(&p.TickKind, "tick-generated")
	setString(&p.SnapshotKind, "directory-snapshot")
	setString(&p.HistoryKind, "history-batch")
	setString(&p.HistoryRequest, "request-history")
	setString(&p.SendWrapper, "sendMessage")

	r := &c.Relay
	setString(&r.SessionPolicy, "refcounted")
	r.SessionPolicy = strings.ToLower(r.SessionPolicy)
	setInt(&r.SendQueue, 256)
	setInt(&r.CommandBurst, 10)

	st := &c.Storage
	setString(&st.DBType, "sqlite")
	st.DBType = strings.ToLower(st.DBType)
	setString(&st.DBPath, "frames.db")
	setInt(&st.MaxFrames, 1000)
	setInt(&st.BatchSize, 100)
	setInt(&st.FlushIntervalMillis, 1000)

	k := &c.Sinks
	setInt(&k.QueueSize, 1024)
	setString(&k.Kafka.TickTopic, "market-relay.ticks")
	setString(&k.Kafka.BatchTopic, "market-relay.batches")
	setString(&k.Redis.TickChannel, "market-relay:ticks")
	setString(&k.Redis.BatchChannel, "market-relay:batches")
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	fail := func(msg string) error { return helpers.NewConfigurationError(msg, nil) }

	if c.Name == "" {
		return fail("application name cannot be empty")
	}
	if c.Host == "" {
		return fail("server host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fail("invalid relay port number")
	}
	if c.GrpcPort < 0 || c.GrpcPort > 65535 {
		return fail("invalid grpc port number")
	}
	if c.GrpcPort == c.Port {
		return fail("relay and grpc ports must differ")
	}

	switch c.Session.Mode {
	case "browser":
		acc := c.Account
		if !acc.AllowEmptyCredentials && (acc.UserName == "" || acc.Password == "") {
			return fail("USER_NAME and PASSWORD must be set (or account.allow_empty_credentials: true)")
		}
	case "replay":
		if c.Storage.DBType == "sqlite" && c.Storage.DBPath == "" {
			return fail("replay needs storage.db_path")
		}
	default:
		return fail("session.mode must be 'browser' or 'replay', got '" + c.Session.Mode + "'")
	}
	if c.Session.LoginTimeoutSeconds < 0 || c.Session.ReplayPaceMillis < 0 {
		return fail("session timeouts cannot be negative")
	}

	if c.Directory.PendingTTLSeconds < 0 {
		return fail("directory.pending_ttl_seconds cannot be negative")
	}

	switch c.Relay.SessionPolicy {
	case "refcounted", "shared":
	default:
		return fail("relay.session_policy must be 'refcounted' or 'shared', got '" + c.Relay.SessionPolicy + "'")
	}
	if c.Relay.SendQueue < 0 || c.Relay.CommandRate < 0 || c.Relay.CommandBurst < 0 {
		return fail("relay limits cannot be negative")
	}

	switch c.Storage.DBType {
	case "sqlite":
		if c.Storage.Enabled && c.Storage.DBPath == "" {
			return fail("database path cannot be empty for sqlite")
		}
	case "postgres":
		if (c.Storage.Enabled || c.Session.Mode == "replay") && c.Storage.DBConnectionString == "" {
			return fail("storage.db_connection_string (DATABASE_URL) is required for postgres")
		}
	default:
		return fail("storage.db_type must be 'sqlite' or 'postgres', got '" + c.Storage.DBType + "'")
	}
	if c.Storage.MaxFrames < 0 || c.Storage.BatchSize < 0 {
		return fail("storage limits cannot be negative")
	}

	if c.Sinks.Kafka.Enabled && len(c.Sinks.Kafka.Brokers) == 0 {
		return fail("sinks.kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Sinks.Redis.Enabled && c.Sinks.Redis.Addr == "" {
		return fail("sinks.redis.addr cannot be empty when redis is enabled")
	}

	for _, p := range c.Network.Proxies {
		if !helpers.ValidateProxy(p) {
			return fail("invalid proxy '" + p + "'")
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	// 1. Marshal the struct to YAML
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config to YAML")
	}

	// 2. Write to file
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		return errors.Wrapf(err, "failed to write config to file '%s'", configPath)
	}

	return nil
}
