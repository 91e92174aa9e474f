package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	APIBaseURL    string        `validate:"required,url"`
	APITimeout    time.Duration `validate:"gt=0"`
	LivePoll      time.Duration `validate:"gt=0"`
	ClockInterval time.Duration `validate:"gt=0"`
	Location      *time.Location

	VehicleStaleAfter time.Duration `validate:"gt=0"`
	TileZoomLevel     int           `validate:"gte=0,lte=20"`
	FleetSizeHint     int           `validate:"gte=0"`

	TimetableTTL time.Duration `validate:"gt=0"`
	WatchRoutes  []string

	RedisEnabled     bool
	RedisAddr        string
	RedisPassword    string
	RedisDB          int           `validate:"gte=0"`
	CacheTTL         time.Duration `validate:"gt=0"`
	CacheWarmOnStart bool

	RateLimitPerWindow int           `validate:"gt=0"`
	RateLimitWindow    time.Duration `validate:"gt=0"`
	RateLimitWhitelist []string

	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`

	MetricsEnabled bool

	Tuning Tuning `validate:"-"`
}

// Load reads the environment (and a .env file when present) into a
// validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	loc, err := getLocationEnv("TZ", "Asia/Colombo")
	if err != nil {
		return nil, err
	}

	tuning, err := LoadTuning(os.Getenv("TUNING_FILE"))
	if err != nil {
		return nil, fmt.Errorf("loading tuning: %w", err)
	}

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		APIBaseURL:    strings.TrimRight(getEnv("API_BASE_URL", "https://api.spgps.lk/api/public"), "/"),
		APITimeout:    getDurationEnv("API_TIMEOUT", 10*time.Second),
		LivePoll:      getDurationEnv("LIVE_POLL_INTERVAL", 500*time.Millisecond),
		ClockInterval: getDurationEnv("CLOCK_INTERVAL", time.Minute),
		Location:      loc,

		VehicleStaleAfter: getDurationEnv("VEHICLE_STALE_AFTER", 5*time.Minute),
		TileZoomLevel:     getIntEnv("TILE_ZOOM_LEVEL", 14),
		FleetSizeHint:     getIntEnv("FLEET_SIZE_HINT", 256),

		TimetableTTL: getDurationEnv("TIMETABLE_TTL", 10*time.Minute),
		WatchRoutes:  getCSVEnv("WATCH_ROUTES"),

		RedisEnabled:     getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getIntEnv("REDIS_DB", 0),
		CacheTTL:         getDurationEnv("CACHE_TTL", 6*time.Hour),
		CacheWarmOnStart: getBoolEnv("CACHE_WARM_ON_START", true),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 600),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),

		NATSURL:           getEnv("NATS_URL", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "bustrack"),

		MetricsEnabled: getBoolEnv("METRICS_ENABLED", true),

		Tuning: tuning,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints, including the engine tuning.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := v.Struct(c.Tuning); err != nil {
		return fmt.Errorf("invalid tuning: %w", err)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envAs parses key with parse and falls back to def when it is unset or
// malformed.
func envAs[T any](key string, def T, parse func(string) (T, error)) T {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	return envAs(key, def, time.ParseDuration)
}

func getIntEnv(key string, def int) int {
	return envAs(key, def, strconv.Atoi)
}

func getBoolEnv(key string, def bool) bool {
	return envAs(key, def, strconv.ParseBool)
}

func getLocationEnv(key, defaultVal string) (*time.Location, error) {
	name := getEnv(key, defaultVal)
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", key, name, err)
	}
	return loc, nil
}

var logLevels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func getLogLevelEnv(key string, def slog.Level) slog.Level {
	return envAs(key, def, func(v string) (slog.Level, error) {
		if lvl, ok := logLevels[strings.ToLower(v)]; ok {
			return lvl, nil
		}
		return def, fmt.Errorf("unknown log level %q", v)
	})
}

// getCSVEnv splits a comma separated list, dropping blanks.
func getCSVEnv(key string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(key), ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
