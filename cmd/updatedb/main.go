package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/auction/internal/bmrs"
	"github.com/xtrntr/auction/internal/config"
	"github.com/xtrntr/auction/internal/db"
	"github.com/xtrntr/auction/internal/ingest"
	"github.com/xtrntr/auction/internal/logger"
	"github.com/xtrntr/auction/internal/models"

	"go.uber.org/zap"
)

// Fetch market index and imbalance prices for a range of settlement dates
// and upsert them. Without flags it updates yesterday.
func main() {
	from := flag.String("from", "", "first settlement date, YYYY-MM-DD (default yesterday)")
	days := flag.Int("days", 1, "number of settlement dates to fetch")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer lg.Sync()

	start := models.Date(time.Now()).AddDate(0, 0, -1)
	if *from != "" {
		if start, err = models.ParseDate(*from); err != nil {
			lg.Fatal("Invalid -from", zap.Error(err))
		}
	}
	if *days < 1 {
		lg.Fatal("-days must be at least 1", zap.Int("days", *days))
	}
	if cfg.BMRS.APIKey == "" {
		lg.Fatal("BMRS_API_KEY is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDB(ctx, cfg.DatabaseURL, lg)
	if err != nil {
		lg.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(context.Background())

	if err := database.Migrate(ctx); err != nil {
		lg.Fatal("Failed to migrate database", zap.Error(err))
	}

	client := bmrs.NewClient(bmrs.Config{
		BaseURL:           cfg.BMRS.BaseURL,
		APIKey:            cfg.BMRS.APIKey,
		RequestsPerSecond: cfg.BMRS.RequestsPerSecond,
		Timeout:           cfg.BMRS.Timeout,
	}, lg)
	updater := ingest.NewUpdater(client, database, nil, nil, ingest.Config{}, lg)

	end := start.AddDate(0, 0, *days)
	lg.Info("Updating reference prices",
		zap.String("from", start.Format(models.DateLayout)),
		zap.String("to", end.Format(models.DateLayout)))

	if err := updater.RunRange(ctx, start, end); err != nil {
		lg.Error("Update finished with errors", zap.Error(err))
		os.Exit(1)
	}
	lg.Info("Update finished")
}
