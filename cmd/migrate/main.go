package main

import (
	"context"
	"log"

	"github.com/xtrntr/auction/internal/config"
	"github.com/xtrntr/auction/internal/db"
	"github.com/xtrntr/auction/internal/logger"

	"go.uber.org/zap"
)

// Apply pending schema migrations
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	ctx := context.Background()

	database, err := db.NewDB(ctx, cfg.DatabaseURL, lg)
	if err != nil {
		lg.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		lg.Fatal("Failed to migrate database", zap.Error(err))
	}
	lg.Info("Database schema is up to date")
}
