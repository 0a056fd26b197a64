package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr    string
	DataDir string
	BaseURL string

	// JobStore is "memory" or "sqlite".
	JobStore       string
	MaxUploadBytes int64
	MonthlyLimit   int
	MaxConcurrent  int

	Retention       time.Duration
	JanitorInterval time.Duration

	UserHeader  string
	DefaultUser string

	FFmpeg  string
	FFprobe string
	Soffice string
}

func Load() Config {
	return Config{
		Addr:            getenv("CONVERT_API_ADDR", ":8080"),
		DataDir:         getenv("CONVERT_DATA_DIR", "./local-data"),
		BaseURL:         os.Getenv("CONVERT_BASE_URL"),
		JobStore:        strings.ToLower(getenv("CONVERT_JOB_STORE", "memory")),
		MaxUploadBytes:  getenvInt64("CONVERT_MAX_UPLOAD_BYTES", 50<<20),
		MonthlyLimit:    getenvInt("CONVERT_MONTHLY_LIMIT", 10),
		MaxConcurrent:   getenvInt("CONVERT_MAX_CONCURRENT", 4),
		Retention:       getenvDuration("CONVERT_RETENTION", 24*time.Hour),
		JanitorInterval: getenvDuration("CONVERT_JANITOR_INTERVAL", 10*time.Minute),
		UserHeader:      getenv("CONVERT_USER_HEADER", "X-User-ID"),
		DefaultUser:     os.Getenv("CONVERT_DEFAULT_USER"),
		FFmpeg:          os.Getenv("CONVERT_FFMPEG"),
		FFprobe:         os.Getenv("CONVERT_FFPROBE"),
		Soffice:         os.Getenv("CONVERT_SOFFICE"),
	}
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	switch c.JobStore {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("CONVERT_JOB_STORE must be memory or sqlite, got %q", c.JobStore)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("CONVERT_MAX_UPLOAD_BYTES must be positive")
	}
	if c.MonthlyLimit < 0 || c.MaxConcurrent < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	if c.UserHeader == "" {
		return fmt.Errorf("CONVERT_USER_HEADER must not be empty")
	}
	return nil
}

// ResolvedBaseURL falls back to a localhost URL built from Addr.
func (c Config) ResolvedBaseURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	addr := c.Addr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getenvInt64(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", raw)
		return fallback
	}
	return v
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if raw == "0" {
		return 0
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("ignoring invalid duration setting", "key", key, "value", raw)
		return fallback
	}
	return v
}
