// Package config loads server and client configuration from flags, STATESYNC_ environment variables and
// an optional TOML file, in that order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkg.world.dev/world-engine/statesync/codec"
)

const (
	EnvPrefix = "STATESYNC"

	DefaultPort              = "4040"
	DefaultTickRate          = 20
	DefaultHistoryLimit      = 256
	DefaultQueueSize         = 8
	DefaultConnectionTimeout = 10 * time.Second
	DefaultCodec             = "json"
	DefaultPayloadCacheBytes = 8 * 1024 * 1024
	DefaultArchiveInterval   = 100
	DefaultHeldStates        = 32
	DefaultServerURL         = "ws://localhost:4040/replicate"
	DefaultLogLevel          = "info"

	minPayloadCacheBytes = 512 * 1024
)

type ServerConfig struct {
	Port              string        `mapstructure:"port"`
	TickRate          uint64        `mapstructure:"tick_rate"`
	HistoryLimit      int           `mapstructure:"history_limit"`
	QueueSize         int           `mapstructure:"queue_size"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	Codec             string        `mapstructure:"codec"`
	PayloadCacheBytes int           `mapstructure:"payload_cache_bytes"`
	// RedisAddress enables the snapshot archive when set.
	RedisAddress    string `mapstructure:"redis_address"`
	RedisPassword   string `mapstructure:"redis_password"`
	ArchiveInterval uint32 `mapstructure:"archive_interval"`
	StatsdAddress   string `mapstructure:"statsd_address"`
	LogLevel        string `mapstructure:"log_level"`
	LogPretty       bool   `mapstructure:"log_pretty"`
}

type ClientConfig struct {
	ServerURL  string `mapstructure:"server_url"`
	Codec      string `mapstructure:"codec"`
	HeldStates int    `mapstructure:"held_states"`
	// TickRate is the server tick rate, used to interpolate between ticks.
	TickRate  uint64 `mapstructure:"tick_rate"`
	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

// ServerFlags registers the server flags on fs.
func ServerFlags(fs *pflag.FlagSet) {
	fs.String("port", DefaultPort, "port the HTTP and websocket server listens on")
	fs.Uint64("tick-rate", DefaultTickRate, "ticks per second")
	fs.Int("history-limit", DefaultHistoryLimit, "maximum number of retained snapshots")
	fs.Int("queue-size", DefaultQueueSize, "per connection dispatch queue size")
	fs.Duration("connection-timeout", DefaultConnectionTimeout, "disconnect clients silent for this long")
	fs.String("codec", DefaultCodec, "payload codec (json or msgpack)")
	fs.Int("payload-cache-bytes", DefaultPayloadCacheBytes, "size of the encoded payload cache")
	fs.String("redis-address", "", "redis address for the snapshot archive, empty to disable")
	fs.String("redis-password", "", "redis password")
	fs.Uint32("archive-interval", DefaultArchiveInterval, "ticks between archived snapshots")
	fs.String("statsd-address", "", "statsd agent address, empty to disable metrics")
	fs.String("log-level", DefaultLogLevel, "log level")
	fs.Bool("log-pretty", false, "human readable console logs")
}

// ClientFlags registers the client flags on fs.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("server-url", DefaultServerURL, "websocket URL of the replication endpoint")
	fs.String("codec", DefaultCodec, "payload codec (json or msgpack)")
	fs.Int("held-states", DefaultHeldStates, "number of applied snapshots kept as delta baselines")
	fs.Uint64("tick-rate", DefaultTickRate, "server ticks per second")
	fs.String("log-level", DefaultLogLevel, "log level")
	fs.Bool("log-pretty", false, "human readable console logs")
}

// LoadServer reads the server config. fs may be nil; configFile may be empty.
func LoadServer(fs *pflag.FlagSet, configFile string) (ServerConfig, error) {
	var cfg ServerConfig
	v, err := newViper(fs, configFile)
	if err != nil {
		return cfg, err
	}
	v.SetDefault("port", DefaultPort)
	v.SetDefault("tick_rate", DefaultTickRate)
	v.SetDefault("history_limit", DefaultHistoryLimit)
	v.SetDefault("queue_size", DefaultQueueSize)
	v.SetDefault("connection_timeout", DefaultConnectionTimeout)
	v.SetDefault("codec", DefaultCodec)
	v.SetDefault("payload_cache_bytes", DefaultPayloadCacheBytes)
	v.SetDefault("redis_address", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("archive_interval", DefaultArchiveInterval)
	v.SetDefault("statsd_address", "")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_pretty", false)

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to unmarshal server config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "invalid server config")
	}
	return cfg, nil
}

// LoadClient reads the client config. fs may be nil; configFile may be empty.
func LoadClient(fs *pflag.FlagSet, configFile string) (ClientConfig, error) {
	var cfg ClientConfig
	v, err := newViper(fs, configFile)
	if err != nil {
		return cfg, err
	}
	v.SetDefault("server_url", DefaultServerURL)
	v.SetDefault("codec", DefaultCodec)
	v.SetDefault("held_states", DefaultHeldStates)
	v.SetDefault("tick_rate", DefaultTickRate)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_pretty", false)

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to unmarshal client config")
	}
	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "invalid client config")
	}
	return cfg, nil
}

// newViper maps STATESYNC_TICK_RATE and --tick-rate onto the key tick_rate.
func newViper(fs *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if !f.Changed || bindErr != nil {
				return
			}
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		})
		if bindErr != nil {
			return nil, eris.Wrap(bindErr, "failed to bind flags")
		}
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, eris.Wrapf(err, "failed to read config file %s", configFile)
		}
	}
	return v, nil
}

func (c *ServerConfig) validate() error {
	if c.Port == "" {
		return eris.New("port cannot be empty")
	}
	if c.TickRate == 0 {
		return eris.New("tick rate cannot be 0")
	}
	if c.HistoryLimit < 1 {
		return eris.New("history limit must be at least 1")
	}
	if c.QueueSize < 1 {
		return eris.New("queue size must be at least 1")
	}
	if c.ConnectionTimeout <= 0 {
		return eris.New("connection timeout must be positive")
	}
	if _, err := codec.Parse(c.Codec); err != nil {
		return err
	}
	if c.PayloadCacheBytes < minPayloadCacheBytes {
		return eris.Errorf("payload cache must be at least %d bytes", minPayloadCacheBytes)
	}
	if c.RedisAddress != "" && c.ArchiveInterval == 0 {
		return eris.New("archive interval cannot be 0 when the archive is enabled")
	}
	return validateLogLevel(c.LogLevel)
}

func (c *ClientConfig) validate() error {
	if c.ServerURL == "" {
		return eris.New("server URL cannot be empty")
	}
	if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		return eris.Errorf("server URL must be a ws:// or wss:// URL, got %q", c.ServerURL)
	}
	if _, err := codec.Parse(c.Codec); err != nil {
		return err
	}
	if c.HeldStates < 1 {
		return eris.New("held states must be at least 1")
	}
	if c.TickRate == 0 {
		return eris.New("tick rate cannot be 0")
	}
	return validateLogLevel(c.LogLevel)
}

func validateLogLevel(level string) error {
	if _, err := zerolog.ParseLevel(strings.ToLower(level)); err != nil {
		return eris.Errorf("invalid log level: %s (must be 'debug', 'info', 'warn', or 'error')", level)
	}
	return nil
}

// TickInterval returns the duration of one tick.
func (c ServerConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

func (c ClientConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(c.TickRate)
}

// SetupLogger configures the global zerolog logger.
func SetupLogger(level string, pretty bool) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return eris.Wrap(err, "")
	}
	zerolog.SetGlobalLevel(lvl)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return nil
}
