package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds runtime configuration for the sync server.
type Config struct {
	HTTPAddr       string   `env:"HTTP_ADDR" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"pretty"`

	DefaultRoom       string        `env:"DEFAULT_ROOM" envDefault:"default"`
	RoomIdleTTL       time.Duration `env:"ROOM_IDLE_TTL" envDefault:"30m"`
	RoomSweepInterval time.Duration `env:"ROOM_SWEEP_INTERVAL" envDefault:"5m"`

	MusicDir       string `env:"MUSIC_DIR" envDefault:"./data/music"`
	WebDir         string `env:"WEB_DIR" envDefault:"./web/static"`
	DBPath         string `env:"DB_PATH" envDefault:"./data/listen-together.db"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"52428800"`

	WSMaxMessagesPerSecond int           `env:"WS_MAX_MESSAGES_PER_SECOND" envDefault:"20"`
	WSPingInterval         time.Duration `env:"WS_PING_INTERVAL" envDefault:"10s"`
	WSPongWait             time.Duration `env:"WS_PONG_WAIT" envDefault:"30s"`
	WSSendBuffer           int           `env:"WS_SEND_BUFFER" envDefault:"64"`
}

var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidRoomID reports whether id can be used as a room identifier.
func ValidRoomID(id string) bool {
	return roomIDPattern.MatchString(id)
}

// Load reads environment variables and returns a validated Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !ValidRoomID(c.DefaultRoom) {
		return fmt.Errorf("config: invalid DEFAULT_ROOM %q", c.DefaultRoom)
	}
	if c.RoomIdleTTL < 0 {
		return fmt.Errorf("config: ROOM_IDLE_TTL must not be negative")
	}
	if c.RoomIdleTTL > 0 && c.RoomSweepInterval <= 0 {
		return fmt.Errorf("config: ROOM_SWEEP_INTERVAL must be positive when eviction is enabled")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("config: MAX_UPLOAD_BYTES must be positive")
	}
	if c.WSMaxMessagesPerSecond <= 0 {
		return fmt.Errorf("config: WS_MAX_MESSAGES_PER_SECOND must be positive")
	}
	if c.WSPingInterval <= 0 || c.WSPongWait <= c.WSPingInterval {
		return fmt.Errorf("config: WS_PONG_WAIT must exceed WS_PING_INTERVAL")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("config: WS_SEND_BUFFER must be positive")
	}
	switch c.LogFormat {
	case "pretty", "json":
	default:
		return fmt.Errorf("config: unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}
