package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dkeye/colastream/internal/domain"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	ModeEmbedded = "embedded"
	ModeRelay    = "relay"

	EnvPrefix = "COLASTREAM"
)

var (
	ErrInvalidMode = errors.New("invalid mode")
	ErrInvalidURL  = errors.New("invalid url")
	ErrInvalidRate = errors.New("invalid rate limit")
)

type Config struct {
	RoomID         string `mapstructure:"room_id"`
	StreamID       string `mapstructure:"stream_id"`
	MediaServerURL string `mapstructure:"media_server_url"`
	SignalingURL   string `mapstructure:"signaling_url"`
	TurnURL        string `mapstructure:"turn_url"`
	ViewerBaseURL  string `mapstructure:"viewer_base_url"`
	Mode           string `mapstructure:"mode"`

	ICETimeout         time.Duration `mapstructure:"ice_timeout"`
	ProxyTimeout       time.Duration `mapstructure:"proxy_timeout"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	PendingDepth       int           `mapstructure:"pending_depth"`
	PingPeriod         time.Duration `mapstructure:"ping_period"`
	RateLimit          int           `mapstructure:"rate_limit"`
	RateInterval       time.Duration `mapstructure:"rate_interval"`

	LogLevel string `mapstructure:"log_level"`

	StatusAddr   string `mapstructure:"status_addr"`
	StatusSecret string `mapstructure:"status_secret"`
	GinMode      string `mapstructure:"gin_mode"`

	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	AnnounceTTL   time.Duration `mapstructure:"announce_ttl"`

	MDNS bool `mapstructure:"mdns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("room_id", "")
	v.SetDefault("stream_id", domain.DefaultStreamID)
	v.SetDefault("media_server_url", "http://localhost:8889")
	v.SetDefault("signaling_url", "wss://wss.vdo.ninja")
	v.SetDefault("turn_url", "https://turnservers.vdo.ninja/")
	v.SetDefault("viewer_base_url", "https://steveseguin.github.io/colastream")
	v.SetDefault("mode", ModeEmbedded)
	v.SetDefault("ice_timeout", "5s")
	v.SetDefault("proxy_timeout", "10s")
	v.SetDefault("negotiation_timeout", "30s")
	v.SetDefault("pending_depth", 32)
	v.SetDefault("ping_period", "30s")
	v.SetDefault("rate_limit", 20)
	v.SetDefault("rate_interval", "10s")
	v.SetDefault("log_level", "info")
	v.SetDefault("status_addr", "")
	v.SetDefault("status_secret", "")
	v.SetDefault("gin_mode", "release")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("announce_ttl", "30s")
	v.SetDefault("mdns", false)
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("colastream-bridge", pflag.ContinueOnError)
	fs.String("room", "", "rendezvous room id (generated when empty)")
	fs.String("media-server", "http://localhost:8889", "media server base url for WHIP/WHEP")
	fs.String("signaling", "wss://wss.vdo.ninja", "rendezvous websocket url")
	fs.String("mode", ModeEmbedded, "who terminates WebRTC: embedded or relay")
	fs.String("log-level", "info", "log level")
	fs.String("status-addr", "", "listen address of the status API, empty disables it")
	fs.Bool("mdns", false, "advertise the status API over mDNS")
	return fs
}

var flagKeys = map[string]string{
	"room":         "room_id",
	"media-server": "media_server_url",
	"signaling":    "signaling_url",
	"mode":         "mode",
	"log-level":    "log_level",
	"status-addr":  "status_addr",
	"mdns":         "mdns",
}

// Load merges defaults, the optional config/config.<CONFIG_ENV>.yaml file,
// COLASTREAM_* env vars and flags. The first positional argument is the room id.
func Load(args []string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	fs := flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", name, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Debug().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RoomID == "" && fs.NArg() > 0 {
		cfg.RoomID = fs.Arg(0)
	}
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("room", cfg.RoomID).
		Str("media_server", cfg.MediaServerURL).
		Str("mode", cfg.Mode).
		Msg("configuration ready")
	return &cfg, nil
}

func (c *Config) finish() error {
	if c.RoomID == "" {
		room, err := domain.NewRoomID()
		if err != nil {
			return err
		}
		c.RoomID = string(room)
	} else if _, err := domain.ParseRoomID(c.RoomID); err != nil {
		return err
	}

	switch c.Mode {
	case ModeEmbedded, ModeRelay:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, c.Mode)
	}

	for name, raw := range map[string]string{
		"media_server_url": c.MediaServerURL,
		"signaling_url":    c.SignalingURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%w: %s=%q", ErrInvalidURL, name, raw)
		}
	}
	// rate_limit <= 0 disables limiting; otherwise the window must be positive
	if c.RateLimit > 0 && c.RateInterval <= 0 {
		return fmt.Errorf("%w: rate_interval=%s", ErrInvalidRate, c.RateInterval)
	}
	c.MediaServerURL = strings.TrimRight(c.MediaServerURL, "/")
	return nil
}

// RateLimited reports whether whip/whep requests are rate limited per peer.
func (c *Config) RateLimited() bool { return c.RateLimit > 0 }

func (c *Config) Room() domain.RoomID { return domain.RoomID(c.RoomID) }
