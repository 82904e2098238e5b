package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Angel One credentials
	AngelAPIKey     string
	AngelClientCode string
	AngelPassword   string
	AngelTOTPSecret string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	OrderChannel  string
	SQLitePath    string
	MetricsAddr   string
	ScripMaster   string

	// Watchlist (comma-separated internal symbols)
	Watchlist string

	// Quote cache
	StaleThreshold  time.Duration
	MonitorInterval time.Duration

	// Trailing stops
	TrailingSMAPeriod int
	TrailingInterval  time.Duration
	MinPlaceGapPct    float64
	MinImprovePct     float64

	// Reconciliation
	ReconcileInterval time.Duration

	// Validation
	MaxOpenPositions int
	MaxVolumeRatio   float64

	// Notifications (optional)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		AngelAPIKey:     mustEnv("ANGEL_API_KEY"),
		AngelClientCode: mustEnv("ANGEL_CLIENT_CODE"),
		AngelPassword:   mustEnv("ANGEL_PASSWORD"),
		AngelTOTPSecret: mustEnv("ANGEL_TOTP_SECRET"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		OrderChannel:  getEnv("ORDER_CHANNEL", "agent:orders"),
		SQLitePath:    getEnv("SQLITE_PATH", "data/agent.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		ScripMaster:   getEnv("SCRIP_MASTER_PATH", "data/scrips.json"),

		Watchlist: getEnv("WATCHLIST", "RELIANCE,TCS,INFY"),

		StaleThreshold:  getDuration("STALE_THRESHOLD", 60*time.Second),
		MonitorInterval: getDuration("MONITOR_INTERVAL", 5*time.Second),

		TrailingSMAPeriod: getInt("TRAILING_SMA_PERIOD", 5),
		TrailingInterval:  getDuration("TRAILING_INTERVAL", 15*time.Second),
		MinPlaceGapPct:    getFloat("MIN_PLACE_GAP_PCT", 0.005),
		MinImprovePct:     getFloat("MIN_IMPROVE_PCT", 0.001),

		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 10*time.Second),

		MaxOpenPositions: getInt("MAX_OPEN_POSITIONS", 5),
		MaxVolumeRatio:   getFloat("MAX_VOLUME_RATIO", 0.01),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),
	}
}

// ParseWatchlist splits the watchlist into trimmed, non-empty symbols.
func (c *Config) ParseWatchlist() []string {
	parts := strings.Split(c.Watchlist, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		symbols = append(symbols, strings.ToUpper(p))
	}
	return symbols
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return f
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return d
}
