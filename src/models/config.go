package models

// MConfig Structure
type MConfig struct {
	Name      string           `yaml:"name"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port" env:"RELAY_PORT"`
	LogLevel  string           `yaml:"log_level" env:"LOG_LEVEL"`
	GrpcHost  string           `yaml:"grpc_host"`
	GrpcPort  int              `yaml:"grpc_port" env:"GRPC_PORT"`
	Account   MAccountConfig   `yaml:"account"`
	Session   MSessionConfig   `yaml:"session"`
	Protocol  MProtocolConfig  `yaml:"protocol"`
	Directory MDirectoryConfig `yaml:"directory"`
	Relay     MRelayConfig     `yaml:"relay"`
	Storage   MStorageConfig   `yaml:"storage"`
	Network   MNetworkConfig   `yaml:"network"`
	Sinks     MSinksConfig     `yaml:"sinks"`
}

// MAccountConfig holds the upstream account credentials.
type MAccountConfig struct {
	UserName              string `yaml:"user_name" env:"USER_NAME"`
	Password              string `yaml:"password" env:"PASSWORD"`
	AllowEmptyCredentials bool   `yaml:"allow_empty_credentials"`
}

type MSessionConfig struct {
	Mode                string          `yaml:"mode" env:"SESSION_MODE"` // "browser" or "replay"
	URL                 string          `yaml:"url"`
	Headless            bool            `yaml:"headless"`
	LoginTimeoutSeconds int             `yaml:"login_timeout_seconds"`
	FrameBuffer         int             `yaml:"frame_buffer"`
	Selectors           MSelectorConfig `yaml:"selectors"`
	ReplayRunID         string          `yaml:"replay_run_id" env:"REPLAY_RUN_ID"`
	ReplayPaceMillis    int             `yaml:"replay_pace_ms"`
}

// MSelectorConfig are the CSS selectors of the login page.
type MSelectorConfig struct {
	UserName     string `yaml:"user_name"`
	Password     string `yaml:"password"`
	Submit       string `yaml:"submit"`
	StartTrading string `yaml:"start_trading"`
}

// MProtocolConfig names the upstream message kinds the classifier routes on.
type MProtocolConfig struct {
	TickKind       string `yaml:"tick_kind"`
	SnapshotKind   string `yaml:"snapshot_kind"`
	HistoryKind    string `yaml:"history_kind"`
	HistoryRequest string `yaml:"history_request"`
	SendWrapper    string `yaml:"send_wrapper"`
}

type MDirectoryConfig struct {
	PendingTTLSeconds int `yaml:"pending_ttl_seconds"` // 0 = never expire
}

type MRelayConfig struct {
	SessionPolicy string  `yaml:"session_policy"` // "refcounted" or "shared"
	SendQueue     int     `yaml:"send_queue"`
	CommandRate   float64 `yaml:"command_rate"`
	CommandBurst  int     `yaml:"command_burst"`
}

type MStorageConfig struct {
	Enabled             bool   `yaml:"enabled"`
	DBType              string `yaml:"db_type"`
	DBPath              string `yaml:"db_path"`
	DBConnectionString  string `yaml:"db_connection_string" env:"DATABASE_URL"`
	MaxFrames           int    `yaml:"max_frames"`
	BatchSize           int    `yaml:"batch_size"`
	FlushIntervalMillis int    `yaml:"flush_interval_ms"`
}

type MNetworkConfig struct {
	Proxies   []string `yaml:"proxies"`
	UserAgent string   `yaml:"user_agent"`
}

type MSinksConfig struct {
	QueueSize int          `yaml:"queue_size"`
	Kafka     MKafkaConfig `yaml:"kafka"`
	Redis     MRedisConfig `yaml:"redis"`
}

type MKafkaConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Brokers    []string `yaml:"brokers" env:"KAFKA_BROKERS" envSeparator:","`
	TickTopic  string   `yaml:"tick_topic"`
	BatchTopic string   `yaml:"batch_topic"`
}

type MRedisConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Addr         string `yaml:"addr" env:"REDIS_ADDR"`
	Password     string `yaml:"password" env:"REDIS_PASSWORD"`
	DB           int    `yaml:"db"`
	TickChannel  string `yaml:"tick_channel"`
	BatchChannel string `yaml:"batch_channel"`
}

// GetLogLevel lets the logger read the level without importing config.
func (c *MConfig) GetLogLevel() string {
	if c == nil {
		return ""
	}
	return c.LogLevel
}
