package config

import "time"

// IRCConfig is the outbound Bancho connection.
type IRCConfig struct {
	Server   string `mapstructure:"server" yaml:"server"`
	Port     int    `mapstructure:"port" yaml:"port"`
	Nick     string `mapstructure:"nick" yaml:"nick"`
	Password string `mapstructure:"password" yaml:"password"`
	UseTLS   bool   `mapstructure:"use_tls" yaml:"use_tls"`
}

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	WSPath            string        `mapstructure:"ws_path" yaml:"ws_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	DatabasePath string `mapstructure:"database_path" yaml:"database_path"`
	LogLevel     string `mapstructure:"log_level" yaml:"log_level"`
	LogFile      string `mapstructure:"log_file" yaml:"log_file"`

	IRC IRCConfig `mapstructure:"irc" yaml:"irc"`

	// OsuAPIKey authorizes the osu! web API used for name resolution.
	OsuAPIKey string `mapstructure:"osu_api_key" yaml:"osu_api_key"`

	WelcomeMessage       string        `mapstructure:"welcome_message" yaml:"welcome_message"`
	RedirectNotice       string        `mapstructure:"redirect_notice" yaml:"redirect_notice"`
	MaxMessagesPerMinute int           `mapstructure:"max_messages_per_minute" yaml:"max_messages_per_minute"`
	HeartbeatTimeout     time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	IdleTimeout          time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval        time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	LoginCooldown        time.Duration `mapstructure:"login_cooldown" yaml:"login_cooldown"`
	CooldownBan          time.Duration `mapstructure:"cooldown_ban" yaml:"cooldown_ban"`

	TokenSecret string        `mapstructure:"token_secret" yaml:"token_secret"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		WSPath:            "/ws",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		DatabasePath:      "users.db",
		LogLevel:          "info",
		IRC: IRCConfig{
			Server: "irc.ppy.sh",
			Port:   6667,
		},
		WelcomeMessage:       "Connected to the bot transfer server.",
		MaxMessagesPerMinute: 10,
		HeartbeatTimeout:     30 * time.Second,
		IdleTimeout:          30 * time.Minute,
		SweepInterval:        time.Minute,
		LoginCooldown:        10 * time.Second,
		CooldownBan:          10 * time.Minute,
		TokenTTL:             24 * time.Hour,
	}
}
