// Package config loads the server's settings from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the reference server's runtime settings.
type Config struct {
	Server    ServerConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
}

type ServerConfig struct {
	Host string
	Port string

	// PublicURL is the externally reachable base used when building share
	// links.
	PublicURL string
}

func (s ServerConfig) Addr() string { return s.Host + ":" + s.Port }

type JWTConfig struct {
	Secret     string
	Expiration time.Duration
}

type WebSocketConfig struct {
	WriteWait  time.Duration
	PongWait   time.Duration
	PingPeriod time.Duration
	SendBuffer int
}

// Load reads the environment (after overlaying a .env file if one exists).
func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtExp, err := time.ParseDuration(getEnv("JWT_EXPIRATION", "720h"))
	if err != nil {
		return nil, fmt.Errorf("invalid JWT_EXPIRATION: %w", err)
	}

	return &Config{
		Server: ServerConfig{
			Host:      getEnv("HOST", "0.0.0.0"),
			Port:      getEnv("PORT", "8080"),
			PublicURL: getEnv("PUBLIC_URL", "http://localhost:8080"),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "dev-secret-change-in-production"),
			Expiration: jwtExp,
		},
		WebSocket: WebSocketConfig{
			WriteWait:  10 * time.Second,
			PongWait:   60 * time.Second,
			PingPeriod: 54 * time.Second,
			SendBuffer: getEnvAsInt("WS_SEND_BUFFER", 32),
		},
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
