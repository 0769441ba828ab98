package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBHost     string
	DBPort     string
	DBUser     string
	DBPass     string
	DBName     string
	ServerPort string
	RedisURL   string
	Env        string
	RedisTTL   time.Duration

	AllowedOrigins []string

	// Presence tuning. EvictAfter must stay at >= 2x Heartbeat so one dropped
	// heartbeat does not evict a live participant.
	PresenceHeartbeat  time.Duration
	PresenceEvictAfter time.Duration
	CursorEventsPerSec float64

	Generation Defaults
}

// Defaults is the generation provider selection applied to new threads when
// the client does not pick one. Parsed once at load; everything downstream
// works with this struct, never with raw env strings.
type Defaults struct {
	Provider string
	Model    string
}

func LoadConfig() Config {
	ttlStr := getEnv("REDIS_TTL", "5m")
	ttl, err := time.ParseDuration(ttlStr)
	if err != nil {
		ttl = 5 * time.Minute
	}

	heartbeat := getEnvAsDuration("PRESENCE_HEARTBEAT", 30*time.Second)
	evictAfter := getEnvAsDuration("PRESENCE_EVICT_AFTER", 2*heartbeat)
	if evictAfter < 2*heartbeat {
		evictAfter = 2 * heartbeat
	}

	return Config{
		DBHost:             getEnv("DB_HOST", "postgres"),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBUser:             getEnv("DB_USER", "postgres"),
		DBPass:             getEnv("DB_PASSWORD", "password"),
		DBName:             getEnv("DB_NAME", "db_chatcore"),
		ServerPort:         getEnv("SERVER_PORT", "8080"),
		RedisURL:           getEnv("REDIS_URL", "redis:6379"),
		Env:                getEnv("ENV", "dev"),
		RedisTTL:           ttl,
		AllowedOrigins:     getEnvAsList("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://127.0.0.1:3000"}),
		PresenceHeartbeat:  heartbeat,
		PresenceEvictAfter: evictAfter,
		CursorEventsPerSec: getEnvAsFloat("CURSOR_EVENTS_PER_SEC", 10),
		Generation: Defaults{
			Provider: getEnv("GENERATION_PROVIDER", "openai"),
			Model:    getEnv("GENERATION_MODEL", "gpt-4o-mini"),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := strconv.ParseFloat(value, 64); err == nil {
			return v
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if v, err := time.ParseDuration(value); err == nil {
			return v
		}
	}
	return fallback
}

func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
		c.DBHost, c.DBUser, c.DBPass, c.DBName, c.DBPort,
	)
}
