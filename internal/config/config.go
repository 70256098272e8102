// Package config provides YAML-based configuration loading for btchat.
package config

import (
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"
)

// Transport kinds.
const (
    TransportRFCOMM = "rfcomm"
    TransportTCP    = "tcp"
)

// Config is the root application configuration.
type Config struct {
    // Log holds logging configuration
    Log LogConfig `mapstructure:"log"`

    // Transport selects and configures the link to the peer
    Transport TransportConfig `mapstructure:"transport"`

    // ConnectTimeout bounds an outbound connect; 0 waits indefinitely
    ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

    // StrictSendResult reports failed writes as failed sends
    StrictSendResult bool `mapstructure:"strict_send_result"`

    // ReadBuffer is the session read buffer size in bytes
    ReadBuffer int `mapstructure:"read_buffer"`

    // ListenOnStart starts the acceptor when the chat opens
    ListenOnStart bool `mapstructure:"listen_on_start"`

    // Trace records connection events to a file
    Trace TraceConfig `mapstructure:"trace"`
}

// LogConfig defines logger settings.
type LogConfig struct {
    // Level: debug, info, warn, error
    Level string `mapstructure:"level"`
    // Format: console or json
    Format string `mapstructure:"format"`
    // Outputs: list of outputs: stdout, stderr, or file paths
    Outputs []string `mapstructure:"outputs"`

    // Rotation controls file rotation when writing to files
    Rotation RotationConfig `mapstructure:"rotation"`
    // Development toggles development-friendly logging options
    Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
    Enable     bool   `mapstructure:"enable"`
    Filename   string `mapstructure:"filename"`
    MaxSizeMB  int    `mapstructure:"max_size_mb"`
    MaxBackups int    `mapstructure:"max_backups"`
    MaxAgeDays int    `mapstructure:"max_age_days"`
    Compress   bool   `mapstructure:"compress"`
}

// TransportConfig selects the link kind.
type TransportConfig struct {
    // Kind: rfcomm or tcp
    Kind   string       `mapstructure:"kind"`
    RFCOMM RFCOMMConfig `mapstructure:"rfcomm"`
    TCP    TCPConfig    `mapstructure:"tcp"`
}

// RFCOMMConfig configures the BlueZ transport.
type RFCOMMConfig struct {
    Adapter      string `mapstructure:"adapter"`
    Channel      uint16 `mapstructure:"channel"`
    Discoverable bool   `mapstructure:"discoverable"`
    // PowerOn switches the radio on at startup when it is off
    PowerOn bool `mapstructure:"power_on"`
}

// TCPConfig configures the TCP transport.
type TCPConfig struct {
    Listen    string `mapstructure:"listen"`
    Advertise bool   `mapstructure:"advertise"`
    Interface string `mapstructure:"interface"`
}

// TraceConfig controls the event trace file.
type TraceConfig struct {
    // Path of the CBOR trace file; empty disables tracing
    Path string `mapstructure:"path"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        Log: LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stderr"},
            Development: false,
            Rotation: RotationConfig{
                Enable:     false,
                Filename:   "logs/btchat.log",
                MaxSizeMB:  10,
                MaxBackups: 3,
                MaxAgeDays: 7,
                Compress:   true,
            },
        },
        Transport: TransportConfig{
            Kind: TransportRFCOMM,
            RFCOMM: RFCOMMConfig{
                Adapter:      "hci0",
                Channel:      22,
                Discoverable: true,
                PowerOn:      true,
            },
            TCP: TCPConfig{
                Listen:    ":7777",
                Advertise: true,
            },
        },
        ReadBuffer:    1024,
        ListenOnStart: true,
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix BTCHAT and `.`/`-` are replaced with `_`.
// Example: BTCHAT_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("BTCHAT")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
    v.SetDefault("transport.kind", cfg.Transport.Kind)
    v.SetDefault("transport.rfcomm.adapter", cfg.Transport.RFCOMM.Adapter)
    v.SetDefault("transport.rfcomm.channel", cfg.Transport.RFCOMM.Channel)
    v.SetDefault("transport.rfcomm.discoverable", cfg.Transport.RFCOMM.Discoverable)
    v.SetDefault("transport.rfcomm.power_on", cfg.Transport.RFCOMM.PowerOn)
    v.SetDefault("transport.tcp.listen", cfg.Transport.TCP.Listen)
    v.SetDefault("transport.tcp.advertise", cfg.Transport.TCP.Advertise)
    v.SetDefault("transport.tcp.interface", cfg.Transport.TCP.Interface)
    v.SetDefault("connect_timeout", cfg.ConnectTimeout)
    v.SetDefault("strict_send_result", cfg.StrictSendResult)
    v.SetDefault("read_buffer", cfg.ReadBuffer)
    v.SetDefault("listen_on_start", cfg.ListenOnStart)
    v.SetDefault("trace.path", cfg.Trace.Path)

    // Choose config file
    if path == "" {
        // Allow override via env var
        if envPath := os.Getenv("BTCHAT_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        // Search common locations with base name `btchat`
        v.SetConfigName("btchat")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".btchat"))
        }
    }

    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        // A missing file is fine when searching; an explicit path must exist.
        if path != "" || !errors.As(err, &notFound) {
            return nil, fmt.Errorf("config: read: %w", err)
        }
    }

    if err := v.Unmarshal(cfg); err != nil {
        return nil, fmt.Errorf("config: decode: %w", err)
    }
    if err := cfg.Validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
    switch strings.ToLower(c.Transport.Kind) {
    case TransportRFCOMM, TransportTCP:
    default:
        return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
    }
    if c.ReadBuffer <= 0 {
        return fmt.Errorf("config: read_buffer must be positive, got %d", c.ReadBuffer)
    }
    if c.ConnectTimeout < 0 {
        return fmt.Errorf("config: connect_timeout must not be negative")
    }
    return nil
}
