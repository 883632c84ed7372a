package config

import (
	"log"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"

	"github.com/mailwell/mailmirror/internal/database"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/tracing"
)

type Config struct {
	AppConfig      *AppConfig
	Logger         *logger.Config
	Tracing        *tracing.JaegerConfig
	DatabaseConfig *database.DatabaseConfig
	SyncConfig     *SyncConfig
	EventsConfig   *EventsConfig
}

func InitConfig() (*Config, error) {
	config := &Config{
		AppConfig:      &AppConfig{},
		Logger:         &logger.Config{},
		Tracing:        &tracing.JaegerConfig{},
		DatabaseConfig: &database.DatabaseConfig{},
		SyncConfig:     &SyncConfig{},
		EventsConfig:   &EventsConfig{},
	}

	err := godotenv.Load()
	if err != nil {
		log.Print("Unable to load .env file")
	}

	err = env.Parse(config)
	if err != nil {
		log.Fatalf("Error loading mailmirror config: %v", err)
	}

	return config, nil
}
