package config

import (
	"os"
	"strconv"
	"time"
)

// ServerConfig holds inference server configuration
type ServerConfig struct {
	Host            string
	HTTPPort        int
	GRPCPort        int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        string
}

// LoadServer loads inference server configuration from environment variables
func LoadServer() *ServerConfig {
	return &ServerConfig{
		Host:            getEnvString("HOST", "0.0.0.0"),
		HTTPPort:        getEnvInt("PORT", 8080),
		GRPCPort:        getEnvInt("GRPC_PORT", 50051),
		ReadTimeout:     getEnvDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:    getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout: getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:        getEnvString("LOG_LEVEL", "info"),
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
