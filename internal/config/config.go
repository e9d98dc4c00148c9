package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all runtime configuration, sourced from the environment
// with an optional .env file for local development
type Config struct {
	Port         string
	Env          string
	Debug        bool
	DatabasePath string
	JWTSecret    string

	// Optional integrations; empty values fall back to in-process
	// implementations
	KafkaBrokers []string
	KafkaTopic   string
	RedisAddr    string
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment")
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		Env:          getEnv("ENV", "development"),
		Debug:        os.Getenv("DEBUG") == "true",
		DatabasePath: getEnv("DATABASE_PATH", "copychannel.db"),
		JWTSecret:    getEnv("JWT_SECRET", "copychannel-secret-key"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "copychannel-events"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}

	return cfg
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
