package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/xtrntr/auction/internal/auth"
	"github.com/xtrntr/auction/internal/config"
	"github.com/xtrntr/auction/internal/db"
	"github.com/xtrntr/auction/internal/logger"

	"go.uber.org/zap"
)

// Register an API key so that it can submit orders
func main() {
	key := flag.String("key", "", "API key to register")
	flag.Parse()

	if *key == "" {
		fmt.Fprintln(os.Stderr, "usage: addkey -key <api key>")
		os.Exit(2)
	}

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

	keys := auth.NewKeyService(database, cfg.Auction.KeyPepper, lg)
	if err := keys.Register(ctx, *key); err != nil {
		lg.Fatal("Failed to register key", zap.Error(err))
	}

	keyID, _, err := keys.Resolve(ctx, *key)
	if err != nil {
		lg.Fatal("Failed to look up key", zap.Error(err))
	}
	fmt.Printf("Registered key with id %d\n", keyID)
}
