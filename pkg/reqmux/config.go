package reqmux

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// AppConfig holds all ambient configuration for a reqmux deployment: the
// pool of channels to run, how to provision a process-backed channel, the
// transport's socket and protocol settings, and logging/metrics. It is
// distinct from Config, which is the core Multiplexer's own construction
// options (see multiplexer_config.go) — AppConfig.AsMultiplexerConfig
// narrows one into the other.
type AppConfig struct {
	Pool     PoolConfig     `mapstructure:"pool"`
	Process  ProcessConfig  `mapstructure:"process"`
	Socket   SocketConfig   `mapstructure:"socket"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// PoolConfig defines multi-channel pool settings (see pool.go).
type PoolConfig struct {
	Channels       int           `mapstructure:"channels"`
	MaxInFlight    int           `mapstructure:"max_in_flight"`
	StartTimeout   time.Duration `mapstructure:"start_timeout"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
	Restart        RestartConfig `mapstructure:"restart"`
}

// RestartConfig holds backoff settings for restarting a channel whose
// backing process has exited. LoadConfig fills it in as part of PoolConfig,
// but Pool does not read it and does not restart channels.
type RestartConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// ProcessConfig defines how a process-backed channel's peer is launched
// (see process.go). Executable is generic — it need not be a Python
// interpreter, any long-running worker that speaks the wire protocol over
// the provisioned socket qualifies.
type ProcessConfig struct {
	Executable string            `mapstructure:"executable"`
	Args       []string          `mapstructure:"args"`
	Env        map[string]string `mapstructure:"env"`
}

// SocketConfig defines the channel transport and, for Unix domain socket
// channels, the directory/prefix used to provision per-slot socket paths.
type SocketConfig struct {
	Kind        string `mapstructure:"kind"` // "uds", "grpc-tcp", "grpc-uds"
	Dir         string `mapstructure:"dir"`
	Prefix      string `mapstructure:"prefix"`
	Permissions uint32 `mapstructure:"permissions"`
	// HMACSecret, if set, is hashed into a fixed-size key via
	// SecretFromString and required from every peer during the channel's
	// HMAC handshake (see transport_uds.go). Leave empty to dial without
	// authentication.
	HMACSecret string `mapstructure:"hmac_secret"`
}

// ProtocolConfig defines transport and core Multiplexer settings.
type ProtocolConfig struct {
	MaxFrameSize       int           `mapstructure:"max_frame_size"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout"`
	SubmissionCapacity int           `mapstructure:"submission_capacity"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig defines metrics collection settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// AsMultiplexerConfig narrows the ambient protocol settings down to the
// core Multiplexer's own Config.
func (c AppConfig) AsMultiplexerConfig() Config {
	return Config{
		RequestTimeout:     c.Protocol.RequestTimeout,
		SubmissionCapacity: c.Protocol.SubmissionCapacity,
	}
}

// LoadConfig loads configuration from file and environment, under the
// REQMUX_ prefix.
func LoadConfig(configPath string) (*AppConfig, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/reqmux")
	}

	v.SetEnvPrefix("REQMUX")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Viper reads bare numbers for these as seconds/milliseconds; convert
	// to the Go durations the rest of the package expects.
	cfg.Pool.StartTimeout *= time.Second
	cfg.Pool.HealthInterval *= time.Second
	cfg.Pool.Restart.InitialBackoff *= time.Millisecond
	cfg.Pool.Restart.MaxBackoff *= time.Millisecond
	cfg.Protocol.RequestTimeout *= time.Second
	cfg.Protocol.ConnectionTimeout *= time.Second

	if cfg.Protocol.RequestTimeout <= 0 {
		return nil, fmt.Errorf("%w: protocol.request_timeout must be positive", ErrInvalidArgument)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("pool.channels", 4)
	v.SetDefault("pool.max_in_flight", 10)
	v.SetDefault("pool.start_timeout", 30)
	v.SetDefault("pool.health_interval", 30)
	v.SetDefault("pool.restart.max_attempts", 5)
	v.SetDefault("pool.restart.initial_backoff", 1000)
	v.SetDefault("pool.restart.max_backoff", 30000)
	v.SetDefault("pool.restart.multiplier", 2.0)

	v.SetDefault("process.executable", "")
	v.SetDefault("process.args", []string{})
	v.SetDefault("process.env", map[string]string{})

	v.SetDefault("socket.kind", "uds")
	v.SetDefault("socket.dir", "/tmp")
	v.SetDefault("socket.prefix", "reqmux")
	v.SetDefault("socket.permissions", 0600)

	v.SetDefault("protocol.max_frame_size", 10485760) // 10MB
	v.SetDefault("protocol.request_timeout", 60)
	v.SetDefault("protocol.connection_timeout", 5)
	v.SetDefault("protocol.submission_capacity", defaultSubmissionCapacity)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}
