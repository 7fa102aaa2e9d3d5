package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type HTTP struct {
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
}

type SIP struct {
	Address   string `mapstructure:"address"`
	Transport string `mapstructure:"transport"`
	UserAgent string `mapstructure:"user_agent"`
}

type MUC struct {
	// URL of the conference signaling service the room legs attach to.
	URL string `mapstructure:"url"`
}

type Log struct {
	Level string `mapstructure:"level"`
	// File enables a rotated log file next to console output when set.
	File string `mapstructure:"file"`
}

type Config struct {
	Mode string `mapstructure:"mode"`
	// Domain qualifies every call resource this gateway allocates.
	Domain string `mapstructure:"domain"`
	// DefaultRoom is joined by inbound calls that carry no room header.
	// Empty means such calls are rejected.
	DefaultRoom string `mapstructure:"default_room"`
	// InviteTimeout bounds the wait for the conference focus to engage
	// after an inbound call's room has been joined.
	InviteTimeout time.Duration `mapstructure:"invite_timeout"`

	HTTP HTTP `mapstructure:"http"`
	SIP  SIP  `mapstructure:"sip"`
	MUC  MUC  `mapstructure:"muc"`
	Log  Log  `mapstructure:"log"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("domain", "callcontrol.localhost")
	v.SetDefault("default_room", "")
	v.SetDefault("invite_timeout", "30s")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_limit", 32768)
	v.SetDefault("http.ping_period", "54s")
	v.SetDefault("sip.address", ":5060")
	v.SetDefault("sip.transport", "udp")
	v.SetDefault("sip.user_agent", "sipmuc")
	v.SetDefault("muc.url", "ws://127.0.0.1:5280/signal")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
