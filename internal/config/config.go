package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL   string
	HubURL       string
	Env          string
	PollFallback bool
	PollInterval time.Duration
}

func Load() *Config {
	log.Println("[CONFIG] Attempting to load .env file...")

	err := godotenv.Load()
	if err != nil {
		log.Println("[CONFIG] ℹ️ No .env file found, relying on system environment variables")
	} else {
		log.Println("[CONFIG] ✅ Successfully loaded .env file")
	}

	cfg := &Config{
		APIBaseURL:   getEnv("CHAT_API_BASE_URL", ""),
		HubURL:       getEnv("CHAT_HUB_URL", ""),
		Env:          getEnv("APP_ENV", "development"),
		PollFallback: getBool("CHAT_POLL_FALLBACK", false),
		PollInterval: getDuration("CHAT_POLL_INTERVAL", 30*time.Second),
	}

	log.Printf("[CONFIG] Environment: %s", cfg.Env)

	if cfg.APIBaseURL == "" {
		log.Fatal("[CONFIG] ❌ CRITICAL: CHAT_API_BASE_URL is missing. Client cannot start.")
	} else {
		log.Printf("[CONFIG] API base URL: %s", cfg.APIBaseURL)
	}

	if cfg.HubURL == "" {
		cfg.HubURL = deriveHubURL(cfg.APIBaseURL)
		log.Printf("[CONFIG] CHAT_HUB_URL not set, derived: %s", cfg.HubURL)
	}

	if cfg.PollFallback {
		log.Printf("[CONFIG] Polling fallback enabled (interval %s)", cfg.PollInterval)
	}

	log.Println("[CONFIG] All configuration variables successfully initialized")
	return cfg
}

// deriveHubURL maps the REST base URL to the websocket hub endpoint.
func deriveHubURL(apiBase string) string {
	hub := strings.Replace(apiBase, "https://", "wss://", 1)
	hub = strings.Replace(hub, "http://", "ws://", 1)
	return strings.TrimSuffix(hub, "/") + "/chathub"
}

func getEnv(key, defaultValue string) string {
	value, exists := os.LookupEnv(key)
	if !exists {
		log.Printf("[CONFIG] ⚠️  Variable %s not found, using default: %s", key, defaultValue)
		return defaultValue
	}

	return value
}

func getBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		log.Printf("[CONFIG] ⚠️  Variable %s is not a boolean (%q), using default: %v", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("[CONFIG] ⚠️  Variable %s is not a duration (%q), using default: %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}
