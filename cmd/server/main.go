package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xtrntr/auction/internal/api"
	"github.com/xtrntr/auction/internal/auction"
	"github.com/xtrntr/auction/internal/auth"
	"github.com/xtrntr/auction/internal/bmrs"
	"github.com/xtrntr/auction/internal/config"
	"github.com/xtrntr/auction/internal/db"
	"github.com/xtrntr/auction/internal/ingest"
	"github.com/xtrntr/auction/internal/logger"
	"github.com/xtrntr/auction/internal/metrics"

	"go.uber.org/zap"
)

// Main entry point: sets up database, intake engine, market data updater
// and HTTP server
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection and schema
	database, err := db.NewDB(ctx, cfg.DatabaseURL, lg)
	if err != nil {
		lg.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(context.Background())

	if err := database.Migrate(ctx); err != nil {
		lg.Fatal("Failed to migrate database", zap.Error(err))
	}

	m := metrics.New()
	feed := api.NewFeed(cfg.HTTP.AllowedOrigins, lg)
	defer feed.Close()

	keys := auth.NewKeyService(database, cfg.Auction.KeyPepper, lg)
	engine := auction.NewEngine(keys, database, database, lg,
		auction.WithCutoff(cfg.Auction.CutoffHour, cfg.Auction.Location),
		auction.WithRecorder(m))

	// Keep reference prices current in the background
	client := bmrs.NewClient(bmrs.Config{
		BaseURL:           cfg.BMRS.BaseURL,
		APIKey:            cfg.BMRS.APIKey,
		RequestsPerSecond: cfg.BMRS.RequestsPerSecond,
		Timeout:           cfg.BMRS.Timeout,
	}, lg)
	updater := ingest.NewUpdater(client, database, feed, m, ingest.Config{
		Interval:     cfg.Ingest.Interval,
		LookbackDays: cfg.Ingest.LookbackDays,
	}, lg)
	if cfg.BMRS.APIKey == "" {
		lg.Warn("BMRS_API_KEY not set; market data updater disabled")
	} else {
		go updater.Run(ctx)
	}

	handler := api.NewHandler(engine, database, lg)
	router := api.NewRouter(handler, api.RouterConfig{
		Endpoint:       cfg.HTTP.Endpoint,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		Feed:           feed,
		Metrics:        m.Handler(),
		Observer:       m,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		lg.Info("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown failed", zap.Error(err))
		}
	}()

	lg.Info("Starting server",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("endpoint", "/"+cfg.HTTP.Endpoint),
		zap.Int("cutoff_hour", cfg.Auction.CutoffHour),
		zap.String("timezone", cfg.Auction.Location.String()))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		lg.Fatal("Server failed", zap.Error(err))
	}
}
