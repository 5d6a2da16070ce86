package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Binance  Binance  `mapstructure:"binance"`
	Sync     Sync     `mapstructure:"sync"`
	Auth     Auth     `mapstructure:"auth"`
	Logger   Logger   `mapstructure:"logger"`
	Server   Server   `mapstructure:"server"`
	Database Database `mapstructure:"database"`
	Sweeper  Sweeper  `mapstructure:"sweeper"`
}

// Binance holds the transport configuration for the Binance API. Account
// API keys live on the account rows, not here.
type Binance struct {
	Testnet        bool    `mapstructure:"testnet"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	// Base URL overrides, mainly for pointing tests at a local server.
	SpotBaseURL    string `mapstructure:"spot_base_url"`
	FuturesBaseURL string `mapstructure:"futures_base_url"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	Driver string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN    string `mapstructure:"dsn"`
}

// Sync holds the configuration for the trade synchronization subsystem.
type Sync struct {
	DefaultSymbols    []string `mapstructure:"default_symbols"`
	WindowDays        int      `mapstructure:"window_days"`
	CronSecret        string   `mapstructure:"cron_secret"`
	StuckAfterMinutes int      `mapstructure:"stuck_after_minutes"`
}

// Auth holds the identity-resolution configuration. The server trusts the
// user header as set by an upstream authenticating proxy; it performs no
// token validation of its own.
type Auth struct {
	UserHeader string `mapstructure:"user_header"`
}

// Sweeper holds the configuration for the maintenance daemon.
type Sweeper struct {
	ScanIntervalMinutes int  `mapstructure:"scan_interval_minutes"`
	SyncIntervalMinutes int  `mapstructure:"sync_interval_minutes"`
	SyncEnabled         bool `mapstructure:"sync_enabled"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file or environment variables.
func Load(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("binance.rate_limit", 20) // requests per second
	viper.SetDefault("binance.rate_limit_burst", 5)
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "pnl.db")
	viper.SetDefault("sync.window_days", 7)
	viper.SetDefault("sync.stuck_after_minutes", 30)
	viper.SetDefault("sync.default_symbols", []string{"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT"})
	viper.SetDefault("auth.user_header", "X-User-ID")
	viper.SetDefault("sweeper.scan_interval_minutes", 10)
	viper.SetDefault("sweeper.sync_interval_minutes", 360)
	viper.SetDefault("sweeper.sync_enabled", false)
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
