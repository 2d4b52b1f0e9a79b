// Package ingest keeps the reference price tables up to date from the
// market data source.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/auction/internal/bmrs"
	"github.com/xtrntr/auction/internal/models"

	"go.uber.org/zap"
)

// Table names reported to publishers and metrics
const (
	MarketIndexTable     = "market_index"
	ImbalancePricesTable = "imbalance_prices"
)

// Source fetches half-hourly market data
type Source interface {
	MarketIndex(ctx context.Context, from, to time.Time) ([]bmrs.MarketIndexRecord, error)
	ImbalancePrices(ctx context.Context, date time.Time) ([]bmrs.ImbalanceRecord, error)
}

// PriceStore is the reference price store
type PriceStore interface {
	UpsertMarketIndex(ctx context.Context, prices []models.ReferencePrice) (int, error)
	UpsertImbalancePrices(ctx context.Context, prices []models.ImbalancePrice) (int, error)
}

// Publisher is notified of every batch of rows written
type Publisher interface {
	PublishMarketIndex(prices []models.ReferencePrice)
	PublishImbalancePrices(prices []models.ImbalancePrice)
}

// Recorder observes update outcomes
type Recorder interface {
	RowsIngested(table string, n int)
	IngestFailed(table string)
}

type nopRecorder struct{}

func (nopRecorder) RowsIngested(string, int) {}
func (nopRecorder) IngestFailed(string)      {}

// Updater pulls market data for recent days and upserts it
type Updater struct {
	source       Source
	store        PriceStore
	publisher    Publisher
	recorder     Recorder
	interval     time.Duration
	lookbackDays int
	now          func() time.Time
	logger       *zap.Logger
}

// Config controls the update schedule
type Config struct {
	// Interval between runs; 0 disables Run
	Interval time.Duration
	// LookbackDays is how many days before today each run fetches
	LookbackDays int
}

// NewUpdater creates an updater. publisher and recorder may be nil.
func NewUpdater(source Source, store PriceStore, publisher Publisher, recorder Recorder, cfg Config, logger *zap.Logger) *Updater {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	lookback := cfg.LookbackDays
	if lookback < 1 {
		lookback = 1
	}
	return &Updater{
		source:       source,
		store:        store,
		publisher:    publisher,
		recorder:     recorder,
		interval:     cfg.Interval,
		lookbackDays: lookback,
		now:          time.Now,
		logger:       logger.Named("ingest"),
	}
}

// RunOnce fetches and stores both reports for one settlement date. Both
// reports are attempted even when the first one fails.
func (u *Updater) RunOnce(ctx context.Context, day time.Time) error {
	day = models.Date(day)
	var errs []error

	if err := u.updateMarketIndex(ctx, day); err != nil {
		u.recorder.IngestFailed(MarketIndexTable)
		errs = append(errs, err)
	}
	if err := u.updateImbalancePrices(ctx, day); err != nil {
		u.recorder.IngestFailed(ImbalancePricesTable)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RunRange runs RunOnce for every day in [from, to)
func (u *Updater) RunRange(ctx context.Context, from, to time.Time) error {
	var errs []error
	for d := models.Date(from); d.Before(models.Date(to)); d = d.AddDate(0, 0, 1) {
		if err := u.RunOnce(ctx, d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.Format(models.DateLayout), err))
		}
		if ctx.Err() != nil {
			break
		}
	}
	return errors.Join(errs...)
}

// Run updates the last LookbackDays days immediately and then on every
// interval until ctx is cancelled. Failures are logged and retried on the
// next tick.
func (u *Updater) Run(ctx context.Context) {
	if u.interval <= 0 {
		u.logger.Info("Periodic market data update disabled")
		return
	}

	u.logger.Info("Starting market data updater",
		zap.Duration("interval", u.interval),
		zap.Int("lookback_days", u.lookbackDays))

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		today := models.Date(u.now())
		if err := u.RunRange(ctx, today.AddDate(0, 0, -u.lookbackDays), today); err != nil {
			u.logger.Error("Market data update failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			u.logger.Info("Stopping market data updater")
			return
		case <-ticker.C:
		}
	}
}

func (u *Updater) updateMarketIndex(ctx context.Context, day time.Time) error {
	records, err := u.source.MarketIndex(ctx, day, day)
	if err != nil {
		return err
	}

	prices, dropped := bmrs.HourlyMarketIndex(records)
	if dropped > 0 {
		u.logger.Warn("Dropped market index periods outside the 24 hourly slots",
			zap.Time("date", day), zap.Int("dropped", dropped))
	}
	if len(prices) == 0 {
		u.logger.Warn("No market index data", zap.Time("date", day))
		return nil
	}

	n, err := u.store.UpsertMarketIndex(ctx, prices)
	if err != nil {
		return err
	}
	u.recorder.RowsIngested(MarketIndexTable, n)
	if u.publisher != nil {
		u.publisher.PublishMarketIndex(prices)
	}
	return nil
}

func (u *Updater) updateImbalancePrices(ctx context.Context, day time.Time) error {
	records, err := u.source.ImbalancePrices(ctx, day)
	if err != nil {
		return err
	}

	prices, dropped := bmrs.HourlyImbalancePrices(records)
	if dropped > 0 {
		u.logger.Warn("Dropped imbalance periods outside the 24 hourly slots",
			zap.Time("date", day), zap.Int("dropped", dropped))
	}
	if len(prices) == 0 {
		u.logger.Warn("No imbalance price data", zap.Time("date", day))
		return nil
	}

	n, err := u.store.UpsertImbalancePrices(ctx, prices)
	if err != nil {
		return err
	}
	u.recorder.RowsIngested(ImbalancePricesTable, n)
	if u.publisher != nil {
		u.publisher.PublishImbalancePrices(prices)
	}
	return nil
}
