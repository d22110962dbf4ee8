package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath       string
	SnapshotPath string
	EditDebounce time.Duration
	PageSize     int
	EventQueue   int
	SuggestLimit int
}

// Load reads configuration from the environment, with a .env file as
// fallback for unset keys.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		DBPath:       envOr("NOTES_DB_PATH", "notes.sqlite"),
		SnapshotPath: os.Getenv("NOTES_SNAPSHOT_PATH"),
	}
	cfg.EditDebounce = parseDurationOr("NOTES_EDIT_DEBOUNCE", 750*time.Millisecond)
	cfg.PageSize = parseIntOr("NOTES_PAGE_SIZE", 50)
	cfg.EventQueue = parseIntOr("NOTES_EVENT_QUEUE", 256)
	cfg.SuggestLimit = parseIntOr("NOTES_SUGGEST_LIMIT", 10)
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func parseIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i > 0 {
			return i
		}
	}
	return fallback
}
