package main

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/tak-kam/cognito-dr/config"
	"github.com/tak-kam/cognito-dr/storage"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.ApplyLogging(log.StandardLogger())
	log.Info("storage init starting")

	if cfg.Storage.ConnectionString == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING")
	}
	if err := storage.Provision(context.Background(), cfg.StorageConfig()); err != nil {
		log.Fatalf("provision: %v", err)
	}

	log.Info("storage init complete")
}
