// Package config loads process configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Server holds the room server's settings.
type Server struct {
	Port       string
	LogLevel   string
	MaxPlayers int
}

// Client holds the terminal client's settings.
type Client struct {
	ServerURL     string
	RoomID        string
	Role          string
	Name          string
	AudioManifest string
	LogLevel      string
}

// LoadEnv reads a .env file if one exists. Missing files are fine.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}
}

// ServerFromEnv builds the server configuration.
func ServerFromEnv() Server {
	return Server{
		Port:       getEnv("PORT", "5001"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		MaxPlayers: getEnvAsInt("MAX_PLAYERS", 2),
	}
}

// ClientFromEnv builds the client configuration.
func ClientFromEnv() Client {
	return Client{
		ServerURL:     getEnv("SERVER_URL", "http://localhost:5001"),
		RoomID:        getEnv("ROOM_ID", ""),
		Role:          getEnv("ROLE", "player"),
		Name:          getEnv("NAME", "guest"),
		AudioManifest: getEnv("AUDIO_MANIFEST", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
