package db

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/xtrntr/auction/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string, logger *zap.Logger) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool, logger: logger.Named("db")}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Ping checks that the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Migrate applies all pending schema migrations
func (db *DB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{db.logger.Sugar()})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}

	sqlDB := stdlib.OpenDBFromPool(db.Pool)
	defer sqlDB.Close()

	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	s *zap.SugaredLogger
}

func (l gooseLogger) Printf(format string, v ...interface{}) { l.s.Infof(format, v...) }
func (l gooseLogger) Fatalf(format string, v ...interface{}) { l.s.Fatalf(format, v...) }

// InsertKey stores a credential digest. Storing a known digest is a no-op.
func (db *DB) InsertKey(ctx context.Context, digest string) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO keys (encrypted_key) VALUES ($1) ON CONFLICT (encrypted_key) DO NOTHING",
		digest)
	if err != nil {
		return fmt.Errorf("failed to insert key: %w", err)
	}
	return nil
}

// GetKeyID returns the identity stored for a credential digest
func (db *DB) GetKeyID(ctx context.Context, digest string) (int64, error) {
	var keyID int64
	err := db.Pool.QueryRow(ctx,
		"SELECT key_id FROM keys WHERE encrypted_key = $1",
		digest).Scan(&keyID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("failed to get key: %w", err)
	}
	return keyID, nil
}

// AppendOrders writes a batch of orders in one transaction and returns them
// with their assigned IDs. Either every order is stored or none is.
func (db *DB) AppendOrders(ctx context.Context, orders []models.Order) ([]models.Order, error) {
	if len(orders) == 0 {
		return nil, nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, o := range orders {
		batch.Queue(
			"INSERT INTO orders (key_id, submitted_at, applying_date, hour_id, type, volume, price) "+
				"VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING order_id",
			o.KeyID, o.SubmittedAt, o.DeliveryDate, o.Slot, string(o.Side), o.Volume, o.Price)
	}

	written := make([]models.Order, len(orders))
	copy(written, orders)

	br := tx.SendBatch(ctx, batch)
	for i := range written {
		if err := br.QueryRow().Scan(&written[i].ID); err != nil {
			br.Close()
			return nil, fmt.Errorf("failed to insert order: %w", err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("failed to insert orders: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	db.logger.Info("Written orders", zap.Int("count", len(written)), zap.Int64("key_id", orders[0].KeyID))
	return written, nil
}

// GetOrdersWithPrices returns the orders of keyID for one delivery date,
// optionally restricted to one slot, joined with the market index price of
// their slot.
func (db *DB) GetOrdersWithPrices(ctx context.Context, keyID int64, date time.Time, slot *int) ([]models.PricedOrder, error) {
	query := `
		SELECT o.order_id, o.key_id, o.submitted_at, o.applying_date, o.hour_id, o.type, o.volume, o.price, m.price
		FROM orders o
		LEFT JOIN market_index m ON m.date = o.applying_date AND m.period = o.hour_id
		WHERE o.key_id = $1 AND o.applying_date = $2`
	args := []any{keyID, date}
	if slot != nil {
		query += " AND o.hour_id = $3"
		args = append(args, *slot)
	}
	query += " ORDER BY o.order_id"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get orders: %w", err)
	}
	defer rows.Close()

	orders := []models.PricedOrder{}
	for rows.Next() {
		var o models.PricedOrder
		var side string
		if err := rows.Scan(&o.ID, &o.KeyID, &o.SubmittedAt, &o.DeliveryDate, &o.Slot, &side, &o.Volume, &o.Price, &o.ReferencePrice); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Side = models.Side(side)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read orders: %w", err)
	}

	db.logger.Debug("Read orders", zap.Int("count", len(orders)), zap.Int64("key_id", keyID))
	return orders, nil
}

// UpsertMarketIndex writes market index rows, replacing any row already
// stored for the same (date, period).
func (db *DB) UpsertMarketIndex(ctx context.Context, prices []models.ReferencePrice) (int, error) {
	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(
			"INSERT INTO market_index (date, period, price, volume) VALUES ($1, $2, $3, $4) "+
				"ON CONFLICT (date, period) DO UPDATE SET price = EXCLUDED.price, volume = EXCLUDED.volume",
			models.Date(p.Date), p.Slot, p.Price, p.Volume)
	}
	if err := db.execBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("failed to upsert market index: %w", err)
	}

	db.logger.Info("Written/replaced rows", zap.String("table", "market_index"), zap.Int("count", len(prices)))
	return len(prices), nil
}

// UpsertImbalancePrices writes imbalance prices, replacing any row already
// stored for the same (date, period).
func (db *DB) UpsertImbalancePrices(ctx context.Context, prices []models.ImbalancePrice) (int, error) {
	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(
			"INSERT INTO imbalance_prices (date, period, price) VALUES ($1, $2, $3) "+
				"ON CONFLICT (date, period) DO UPDATE SET price = EXCLUDED.price",
			models.Date(p.Date), p.Slot, p.Price)
	}
	if err := db.execBatch(ctx, batch); err != nil {
		return 0, fmt.Errorf("failed to upsert imbalance prices: %w", err)
	}

	db.logger.Info("Written/replaced rows", zap.String("table", "imbalance_prices"), zap.Int("count", len(prices)))
	return len(prices), nil
}

// execBatch runs every queued statement inside a single transaction
func (db *DB) execBatch(ctx context.Context, batch *pgx.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetMarketIndex returns market index rows with start <= date < end
func (db *DB) GetMarketIndex(ctx context.Context, start, end time.Time) ([]models.ReferencePrice, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT date, period, price, volume
		FROM market_index
		WHERE date >= $1 AND date < $2
		ORDER BY date, period
	`, models.Date(start), models.Date(end))
	if err != nil {
		return nil, fmt.Errorf("failed to get market index: %w", err)
	}
	defer rows.Close()

	prices := []models.ReferencePrice{}
	for rows.Next() {
		var p models.ReferencePrice
		if err := rows.Scan(&p.Date, &p.Slot, &p.Price, &p.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan market index: %w", err)
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read market index: %w", err)
	}
	return prices, nil
}

// GetImbalancePrices returns imbalance prices with start <= date < end
func (db *DB) GetImbalancePrices(ctx context.Context, start, end time.Time) ([]models.ImbalancePrice, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT date, period, price
		FROM imbalance_prices
		WHERE date >= $1 AND date < $2
		ORDER BY date, period
	`, models.Date(start), models.Date(end))
	if err != nil {
		return nil, fmt.Errorf("failed to get imbalance prices: %w", err)
	}
	defer rows.Close()

	prices := []models.ImbalancePrice{}
	for rows.Next() {
		var p models.ImbalancePrice
		if err := rows.Scan(&p.Date, &p.Slot, &p.Price); err != nil {
			return nil, fmt.Errorf("failed to scan imbalance price: %w", err)
		}
		prices = append(prices, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read imbalance prices: %w", err)
	}
	return prices, nil
}
