package config

import (
	"os"
	"strconv"
)

type Config struct {
	VolumeDir    string
	Bridge       string
	DockerSocket string
	RedisAddr    string
	MaxInFlight  int
	LogLevel     string
	MetricsPort  string
}

func Load() *Config {
	return &Config{
		VolumeDir:    getEnv("OUBLIETTE_VOLUME_DIR", "/var/lib/oubliette/volumes"),
		Bridge:       getEnv("OUBLIETTE_BRIDGE", "oub0"),
		DockerSocket: getEnv("OUBLIETTE_DOCKER_SOCKET", ""),
		RedisAddr:    getEnv("OUBLIETTE_REDIS_ADDR", ""),
		MaxInFlight:  GetEnvInt("OUBLIETTE_MAX_IN_FLIGHT", 64),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		MetricsPort:  getEnv("OUBLIETTE_METRICS_PORT", "9090"),
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func GetEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}
