package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	StaticPath string `mapstructure:"static_path"`
	LogLevel   string `mapstructure:"log_level"`
	Secret     string `mapstructure:"secret"`

	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	PongWait     time.Duration `mapstructure:"pong_wait"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	MessageRate  float64       `mapstructure:"message_rate"`
	MessageBurst int           `mapstructure:"message_burst"`
	// Backpressure is "kick" or "drop": what happens to a member whose queue is full.
	Backpressure string `mapstructure:"backpressure"`

	CRM      CRMConfig      `mapstructure:"crm"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Media    MediaConfig    `mapstructure:"media"`
}

type CRMConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	ValidatePath    string        `mapstructure:"validate_path"`
	EventPath       string        `mapstructure:"event_path"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Secret          string        `mapstructure:"secret"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

type NotifierConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type MediaConfig struct {
	RTCMinPort  uint16        `mapstructure:"rtc_min_port"`
	RTCMaxPort  uint16        `mapstructure:"rtc_max_port"`
	AnnouncedIP string        `mapstructure:"announced_ip"`
	ICELite     bool          `mapstructure:"ice_lite"`
	ICEServers  []ICEServer   `mapstructure:"ice_servers"`
	Codecs      []Codec       `mapstructure:"codecs"`
	AckTimeout  time.Duration `mapstructure:"ack_timeout"`
}

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

// Codec is one router codec; an empty list means the built-in Opus and PCMU set.
type Codec struct {
	MimeType    string         `mapstructure:"mime_type"`
	ClockRate   uint32         `mapstructure:"clock_rate"`
	Channels    uint16         `mapstructure:"channels"`
	PayloadType uint8          `mapstructure:"payload_type"`
	Parameters  map[string]any `mapstructure:"parameters"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("static_path", "./web")
	v.SetDefault("log_level", "info")
	v.SetDefault("secret", "")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_timeout", "5s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("message_rate", 50)
	v.SetDefault("message_burst", 100)
	v.SetDefault("backpressure", "kick")

	v.SetDefault("crm.base_url", "http://localhost:8000")
	v.SetDefault("crm.validate_path", "/validate_session")
	v.SetDefault("crm.event_path", "/handle_call_event")
	v.SetDefault("crm.timeout", "5s")
	v.SetDefault("crm.secret", "")
	v.SetDefault("crm.breaker_failures", 5)
	v.SetDefault("crm.breaker_timeout", "30s")

	v.SetDefault("notifier.workers", 4)
	v.SetDefault("notifier.queue_size", 1024)
	v.SetDefault("notifier.timeout", "5s")

	v.SetDefault("media.rtc_min_port", 10000)
	v.SetDefault("media.rtc_max_port", 10100)
	v.SetDefault("media.announced_ip", "")
	v.SetDefault("media.ice_lite", false)
	v.SetDefault("media.ack_timeout", "5s")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) with VOICEBRIDGE_ env overrides.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFile is Load with an explicit file. A missing file falls back to defaults.
func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetEnvPrefix("VOICEBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", fileName, err)
		}
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("static", cfg.StaticPath).
		Str("crm", cfg.CRM.BaseURL).
		Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Media.RTCMinPort > c.Media.RTCMaxPort {
		return fmt.Errorf("invalid rtc port range %d-%d", c.Media.RTCMinPort, c.Media.RTCMaxPort)
	}
	if c.CRM.BaseURL == "" {
		return fmt.Errorf("crm.base_url is required")
	}
	switch c.Backpressure {
	case "kick", "drop":
	default:
		return fmt.Errorf("invalid backpressure policy %q", c.Backpressure)
	}
	return nil
}
